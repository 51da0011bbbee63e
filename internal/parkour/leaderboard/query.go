package leaderboard

import (
	"github.com/google/uuid"

	"vexa.gg/parkour/internal/parkour/medal"
)

type BestTimes interface {
	BestTimesForMap(mapID string) map[uuid.UUID]int64
}

type Names interface {
	PlayerName(id uuid.UUID) string
}

type MedalSnapshots interface {
	Snapshot() []medal.ScoreEntry
}

type Row struct {
	Rank     int       `json:"rank"`
	PlayerID uuid.UUID `json:"player_id"`
	Name     string    `json:"name"`
	TimeMs   int64     `json:"time_ms"`
}

type MedalRow struct {
	Rank int    `json:"rank"`
	Name string `json:"name"`
	medal.ScoreEntry
}

// Query is the read side over progress and medal data. It never mutates them.
type Query struct {
	times  BestTimes
	medals MedalSnapshots
	names  Names
}

func NewQuery(times BestTimes, medals MedalSnapshots, names Names) *Query {
	return &Query{times: times, medals: medals, names: names}
}

func (q *Query) displayName(id uuid.UUID) string {
	if q.names != nil {
		if n := q.names.PlayerName(id); n != "" {
			return n
		}
	}
	return id.String()[:8]
}

// MapRows returns every row of a map board, ranked over the full board.
func (q *Query) MapRows(mapID string) []Row {
	sorted := SortTimes(q.times.BestTimesForMap(mapID))
	ranks := DenseRanks(len(sorted), func(i, j int) bool {
		return Centis(sorted[i].TimeMs) == Centis(sorted[j].TimeMs)
	})
	rows := make([]Row, len(sorted))
	for i, s := range sorted {
		rows[i] = Row{Rank: ranks[i], PlayerID: s.PlayerID, Name: q.displayName(s.PlayerID), TimeMs: s.TimeMs}
	}
	return rows
}

// MapPage ranks, then filters by the pager's name prefix, then slices.
func (q *Query) MapPage(mapID string, p *Pager) ([]Row, Page) {
	rows := FilterByName(q.MapRows(mapID), func(r Row) string { return r.Name }, p.Filter())
	page := p.Slice(len(rows))
	return Window(rows, page), page
}

// Position is the player's rank on a map board, or -1 when absent.
func (q *Query) Position(mapID string, playerID uuid.UUID) int {
	for _, r := range q.MapRows(mapID) {
		if r.PlayerID == playerID {
			return r.Rank
		}
	}
	return -1
}

func (q *Query) MedalRows() []MedalRow {
	entries := q.medals.Snapshot()
	ranks := DenseRanks(len(entries), func(i, j int) bool {
		return entries[i].TotalScore == entries[j].TotalScore
	})
	rows := make([]MedalRow, len(entries))
	for i, e := range entries {
		rows[i] = MedalRow{Rank: ranks[i], Name: q.displayName(e.PlayerID), ScoreEntry: e}
	}
	return rows
}

func (q *Query) MedalPage(p *Pager) ([]MedalRow, Page) {
	rows := FilterByName(q.MedalRows(), func(r MedalRow) string { return r.Name }, p.Filter())
	page := p.Slice(len(rows))
	return Window(rows, page), page
}
