package leaderboard

import (
	"bytes"
	"sort"

	"github.com/google/uuid"
	"golang.org/x/text/cases"
)

// Centis rounds milliseconds to the centisecond display precision (half up).
// Both leaderboards compare ties at this precision.
func Centis(ms int64) int64 {
	if ms < 0 {
		return -((-ms + 5) / 10)
	}
	return (ms + 5) / 10
}

type Timed struct {
	PlayerID uuid.UUID
	TimeMs   int64
}

// SortTimes orders a map's best times ascending, ties by player id.
func SortTimes(times map[uuid.UUID]int64) []Timed {
	out := make([]Timed, 0, len(times))
	for pid, ms := range times {
		out = append(out, Timed{PlayerID: pid, TimeMs: ms})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].TimeMs != out[j].TimeMs {
			return out[i].TimeMs < out[j].TimeMs
		}
		return bytes.Compare(out[i].PlayerID[:], out[j].PlayerID[:]) < 0
	})
	return out
}

// DenseRanks ranks n pre-sorted rows: a row equal to its predecessor shares
// its rank, any other row gets index+1.
func DenseRanks(n int, equal func(i, j int) bool) []int {
	ranks := make([]int, n)
	for i := 0; i < n; i++ {
		if i > 0 && equal(i-1, i) {
			ranks[i] = ranks[i-1]
			continue
		}
		ranks[i] = i + 1
	}
	return ranks
}

// RankTimes ranks ascending millisecond times at centisecond precision.
func RankTimes(sorted []int64) []int {
	return DenseRanks(len(sorted), func(i, j int) bool {
		return Centis(sorted[i]) == Centis(sorted[j])
	})
}

// Positions maps each player to their rank on a map board.
func Positions(sorted []Timed) map[uuid.UUID]int {
	ranks := DenseRanks(len(sorted), func(i, j int) bool {
		return Centis(sorted[i].TimeMs) == Centis(sorted[j].TimeMs)
	})
	out := make(map[uuid.UUID]int, len(sorted))
	for i, row := range sorted {
		out[row.PlayerID] = ranks[i]
	}
	return out
}

// FoldName is the case-folded form used for name matching.
func FoldName(s string) string {
	// A Caser is stateful; one per call.
	return cases.Fold().String(s)
}

// HasPrefixFold reports whether name starts with prefix, ignoring case. An
// empty prefix matches everything.
func HasPrefixFold(name, prefix string) bool {
	if prefix == "" {
		return true
	}
	n, p := FoldName(name), FoldName(prefix)
	return len(n) >= len(p) && n[:len(p)] == p
}

// FilterByName keeps rows whose display name starts with prefix. Rows keep
// whatever rank they were assigned before filtering.
func FilterByName[T any](rows []T, name func(T) string, prefix string) []T {
	if prefix == "" {
		return rows
	}
	out := make([]T, 0, len(rows))
	for _, r := range rows {
		if HasPrefixFold(name(r), prefix) {
			out = append(out, r)
		}
	}
	return out
}
