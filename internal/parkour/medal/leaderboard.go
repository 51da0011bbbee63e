package medal

import (
	"bytes"
	"sort"
	"sync"

	"github.com/google/uuid"

	"vexa.gg/parkour/internal/parkour/catalog"
)

type Weights struct {
	Gold            int
	Silver          int
	Bronze          int
	FirstCompletion int
}

func DefaultWeights() Weights {
	return Weights{Gold: 3, Silver: 2, Bronze: 1, FirstCompletion: 1}
}

type ScoreEntry struct {
	PlayerID         uuid.UUID `json:"player_id"`
	Bronze           int       `json:"bronze"`
	Silver           int       `json:"silver"`
	Gold             int       `json:"gold"`
	FirstCompletions int       `json:"first_completions"`
	TotalScore       int       `json:"total_score"`
}

func (e ScoreEntry) Medals() int { return e.Bronze + e.Silver + e.Gold }

// Source is the progress data the leaderboard aggregates. Version must change
// whenever any best time or authorship changes.
type Source interface {
	Version() uint64
	BestTimeMs(playerID uuid.UUID, mapID string) (int64, bool)
	AllBestTimes() map[uuid.UUID]map[string]int64
	Authors() map[string]uuid.UUID
}

type Maps interface {
	GetMap(id string) (catalog.MapDefinition, bool)
	Version() uint64
}

// Leaderboard caches the medal score table and rebuilds it lazily when the
// progress or catalog version moves.
type Leaderboard struct {
	src     Source
	maps    Maps
	weights Weights

	mu       sync.Mutex
	built    bool
	srcVer   uint64
	mapsVer  uint64
	cached   []ScoreEntry
	rebuilds int
}

func NewLeaderboard(src Source, maps Maps, w Weights) *Leaderboard {
	return &Leaderboard{src: src, maps: maps, weights: w}
}

// EarnedMedals derives the player's medal set on one map from their best time.
func (l *Leaderboard) EarnedMedals(playerID uuid.UUID, mapID string) Set {
	best, ok := l.src.BestTimeMs(playerID, mapID)
	if !ok {
		return 0
	}
	m, ok := l.maps.GetMap(mapID)
	if !ok {
		return 0
	}
	return Earned(best, m)
}

// Snapshot returns the score table ordered by score, then player id.
func (l *Leaderboard) Snapshot() []ScoreEntry {
	l.mu.Lock()
	defer l.mu.Unlock()
	sv, mv := l.src.Version(), l.maps.Version()
	if !l.built || sv != l.srcVer || mv != l.mapsVer {
		l.cached = l.build()
		l.srcVer, l.mapsVer = sv, mv
		l.built = true
		l.rebuilds++
	}
	out := make([]ScoreEntry, len(l.cached))
	copy(out, l.cached)
	return out
}

// Invalidate forces the next Snapshot to rebuild.
func (l *Leaderboard) Invalidate() {
	l.mu.Lock()
	l.built = false
	l.mu.Unlock()
}

func (l *Leaderboard) build() []ScoreEntry {
	all := l.src.AllBestTimes()
	authored := map[uuid.UUID]int{}
	for _, pid := range l.src.Authors() {
		authored[pid]++
	}

	defs := map[string]catalog.MapDefinition{}
	out := make([]ScoreEntry, 0, len(all))
	for pid, times := range all {
		e := ScoreEntry{PlayerID: pid}
		for mapID, best := range times {
			m, ok := defs[mapID]
			if !ok {
				if m, ok = l.maps.GetMap(mapID); !ok {
					continue
				}
				defs[mapID] = m
			}
			set := Earned(best, m)
			if set.Has(Gold) {
				e.Gold++
			}
			if set.Has(Silver) {
				e.Silver++
			}
			if set.Has(Bronze) {
				e.Bronze++
			}
		}
		if e.Medals() == 0 {
			continue
		}
		e.FirstCompletions = authored[pid]
		e.TotalScore = l.weights.Gold*e.Gold + l.weights.Silver*e.Silver +
			l.weights.Bronze*e.Bronze + l.weights.FirstCompletion*e.FirstCompletions
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].TotalScore != out[j].TotalScore {
			return out[i].TotalScore > out[j].TotalScore
		}
		return bytes.Compare(out[i].PlayerID[:], out[j].PlayerID[:]) < 0
	})
	return out
}
