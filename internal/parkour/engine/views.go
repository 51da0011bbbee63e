package engine

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"vexa.gg/parkour/internal/parkour/catalog"
	"vexa.gg/parkour/internal/parkour/leaderboard"
	"vexa.gg/parkour/internal/parkour/medal"
	"vexa.gg/parkour/internal/parkour/population"
	"vexa.gg/parkour/internal/parkour/run"
)

type MapSummary struct {
	ID                string           `json:"id"`
	Name              string           `json:"name"`
	Category          catalog.Category `json:"category"`
	Difficulty        int              `json:"difficulty"`
	FirstCompletionXP int64            `json:"first_completion_xp"`
	Checkpoints       int              `json:"checkpoints"`
	BronzeTimeMs      *int64           `json:"bronze_time_ms,omitempty"`
	SilverTimeMs      *int64           `json:"silver_time_ms,omitempty"`
	GoldTimeMs        *int64           `json:"gold_time_ms,omitempty"`
	WorldRecordMs     *int64           `json:"world_record_ms,omitempty"`
	Author            string           `json:"author,omitempty"`
}

// Maps lists active maps in catalog order with their current record.
func (e *Engine) Maps() []MapSummary {
	var out []MapSummary
	for _, m := range e.Catalog.ListMaps() {
		if !m.Active {
			continue
		}
		s := MapSummary{
			ID:                m.ID,
			Name:              m.DisplayName(),
			Category:          m.Category,
			Difficulty:        m.Difficulty,
			FirstCompletionXP: m.FirstCompletionXP,
			Checkpoints:       m.CheckpointCount(),
			BronzeTimeMs:      m.BronzeTimeMs,
			SilverTimeMs:      m.SilverTimeMs,
			GoldTimeMs:        m.GoldTimeMs,
		}
		if wr, ok := e.Progress.WorldRecordMs(m.ID); ok {
			s.WorldRecordMs = &wr
		}
		if a, ok := e.Progress.Author(m.ID); ok {
			s.Author = e.displayName(a)
		}
		out = append(out, s)
	}
	return out
}

func (e *Engine) displayName(id uuid.UUID) string {
	if n := e.Progress.PlayerName(id); n != "" {
		return n
	}
	return id.String()[:8]
}

type MapProgressView struct {
	MapID             string    `json:"map_id"`
	BestTimeMs        int64     `json:"best_time_ms"`
	Position          int       `json:"position"`
	Medals            medal.Set `json:"medals"`
	Author            bool      `json:"author,omitempty"`
	CheckpointTimesMs []int64   `json:"checkpoint_times_ms,omitempty"`
	Attempts          int       `json:"attempts,omitempty"`
}

type PlayerView struct {
	PlayerID      uuid.UUID         `json:"player_id"`
	Name          string            `json:"name"`
	Rank          string            `json:"rank"`
	RankIndex     int               `json:"rank_index"`
	XP            int64             `json:"xp"`
	XPToNextRank  int64             `json:"xp_to_next_rank"`
	CompletedMaps int               `json:"completed_maps"`
	TotalMaps     int               `json:"total_maps"`
	PlaytimeMs    int64             `json:"playtime_ms"`
	JumpCount     int64             `json:"jump_count"`
	VIP           bool              `json:"vip"`
	Founder       bool              `json:"founder"`
	Maps          []MapProgressView `json:"maps"`
	ActiveRun     *ActiveRunView    `json:"active_run,omitempty"`
}

type ActiveRunView struct {
	MapID       string `json:"map_id"`
	Mode        string `json:"mode"`
	ElapsedMs   int64  `json:"elapsed_ms"`
	Checkpoints int    `json:"checkpoints"`
	Total       int    `json:"total"`
	Falls       int    `json:"falls"`
}

// Player builds the full progress view. Players with neither stored progress
// nor a live run are unknown.
func (e *Engine) Player(id uuid.UUID) (PlayerView, error) {
	p, ok := e.Progress.Player(id)
	sess, running := e.Runs.Session(id)
	if !ok && !running {
		return PlayerView{}, fmt.Errorf("%w: %s", errPlayerUnknown, id)
	}
	v := PlayerView{
		PlayerID:      id,
		Name:          e.Progress.PlayerName(id),
		Rank:          e.Progress.RankName(id),
		RankIndex:     e.Progress.CompletionRankIndex(id),
		XP:            e.Progress.CalculatedCompletionXP(id),
		XPToNextRank:  e.Progress.XPToNextRank(id),
		CompletedMaps: e.Progress.CompletedMapCount(id),
		PlaytimeMs:    e.Progress.PlaytimeMs(id),
		JumpCount:     e.Progress.JumpCount(id),
		VIP:           e.Progress.IsVIP(id),
		Founder:       e.Progress.IsFounder(id),
		Maps:          []MapProgressView{},
	}
	for _, m := range e.Catalog.ListMaps() {
		if m.Active {
			v.TotalMaps++
		}
		if !ok {
			continue
		}
		mp, done := p.Maps[m.ID]
		if !done || !mp.Completed {
			continue
		}
		v.Maps = append(v.Maps, MapProgressView{
			MapID:             m.ID,
			BestTimeMs:        mp.BestTimeMs,
			Position:          e.Progress.LeaderboardPosition(m.ID, id),
			Medals:            medal.Earned(mp.BestTimeMs, m),
			Author:            e.Progress.IsAuthor(id, m.ID),
			CheckpointTimesMs: mp.CheckpointTimesMs,
			Attempts:          e.Runs.Attempts(id, m.ID),
		})
	}
	if running {
		reached, total, _ := e.Runs.CheckpointProgress(id)
		elapsed, _ := e.Runs.ElapsedMs(id)
		v.ActiveRun = &ActiveRunView{
			MapID:       sess.MapID,
			Mode:        sess.Mode.String(),
			ElapsedMs:   elapsed,
			Checkpoints: reached,
			Total:       total,
			Falls:       sess.Falls,
		}
	}
	return v, nil
}

type MapBoard struct {
	MapID string            `json:"map_id"`
	Rows  []leaderboard.Row `json:"rows"`
	Page  leaderboard.Page  `json:"page"`
	Query string            `json:"query,omitempty"`
}

// MapBoard pages a map leaderboard. Ranks come from the full board, before
// the name filter.
func (e *Engine) MapBoard(mapID string, page int, query string) (MapBoard, error) {
	if _, ok := e.Catalog.GetMap(mapID); !ok {
		return MapBoard{}, fmt.Errorf("%w: %s", run.ErrMapNotFound, mapID)
	}
	p := e.pager(page, query)
	rows, pg := e.Boards.MapPage(mapID, p)
	if rows == nil {
		rows = []leaderboard.Row{}
	}
	return MapBoard{MapID: mapID, Rows: rows, Page: pg, Query: p.Filter()}, nil
}

type MedalBoard struct {
	Rows  []leaderboard.MedalRow `json:"rows"`
	Page  leaderboard.Page       `json:"page"`
	Query string                 `json:"query,omitempty"`
}

func (e *Engine) MedalBoard(page int, query string) MedalBoard {
	p := e.pager(page, query)
	rows, pg := e.Boards.MedalPage(p)
	if rows == nil {
		rows = []leaderboard.MedalRow{}
	}
	return MedalBoard{Rows: rows, Page: pg, Query: p.Filter()}
}

func (e *Engine) pager(page int, query string) *leaderboard.Pager {
	size := e.Tuning.PageSize
	if size <= 0 {
		size = leaderboard.DefaultPageSize
	}
	p := leaderboard.NewPager(size)
	p.SetFilter(query)
	p.SetIndex(page)
	return p
}

type PopulationGraph struct {
	WindowHours int                 `json:"window_hours"`
	Summary     population.Summary  `json:"summary"`
	Buckets     []population.Bucket `json:"buckets"`
	Bars        []population.Bar    `json:"bars"`
	Online      int                 `json:"online"`
}

// PopulationGraph reduces the last window of samples for display. A non-positive
// window uses the configured graph window.
func (e *Engine) PopulationGraph(window time.Duration) PopulationGraph {
	if window <= 0 {
		window = e.Tuning.GraphWindow()
	}
	samples := e.Population.Window(window)
	buckets := population.Downsample(samples, e.Tuning.SampleInterval(), window, e.Tuning.GraphMaxBuckets)
	if buckets == nil {
		buckets = []population.Bucket{}
	}
	return PopulationGraph{
		WindowHours: int(window / time.Hour),
		Summary:     population.Summarize(samples),
		Buckets:     buckets,
		Bars:        population.Bars(buckets, e.Tuning.GraphBarSegments),
		Online:      e.OnlineCount(),
	}
}
