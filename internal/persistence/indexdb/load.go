package indexdb

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"vexa.gg/parkour/internal/parkour/population"
	"vexa.gg/parkour/internal/parkour/progress"
)

type Stats struct {
	QueueDepth    int               `json:"queue_depth"`
	QueueCapacity int               `json:"queue_capacity"`
	Drops         map[string]uint64 `json:"drops"`
	DropTotal     uint64            `json:"drop_total"`
	WriteFailures uint64            `json:"write_failures"`
}

func (s *SQLiteIndex) Stats() Stats {
	st := Stats{
		QueueDepth:    len(s.ch),
		QueueCapacity: cap(s.ch),
		Drops:         map[string]uint64{},
		WriteFailures: s.failures.Load(),
	}
	for k := reqPlayer; k < reqKindCount; k++ {
		if n := s.drops[k].Load(); n > 0 {
			st.Drops[k.String()] = n
			st.DropTotal += n
		}
	}
	return st
}

// LoadProgress reads every player, completion and author. Rows that fail to
// parse abort the load so a partial dataset is never returned.
func (s *SQLiteIndex) LoadProgress(ctx context.Context) (progress.Dataset, error) {
	var ds progress.Dataset

	rows, err := s.db.QueryContext(ctx, `SELECT player_id,name,playtime_ms,vip,founder,welcome_shown,xp,jump_count FROM players ORDER BY player_id`)
	if err != nil {
		return ds, fmt.Errorf("load players: %w", err)
	}
	for rows.Next() {
		var (
			id                         string
			p                          progress.PlayerRecord
			vip, founder, welcomeShown int
		)
		if err := rows.Scan(&id, &p.Name, &p.PlaytimeMs, &vip, &founder, &welcomeShown, &p.XP, &p.JumpCount); err != nil {
			rows.Close()
			return progress.Dataset{}, fmt.Errorf("scan player: %w", err)
		}
		if p.ID, err = uuid.Parse(id); err != nil {
			rows.Close()
			return progress.Dataset{}, fmt.Errorf("player id %q: %w", id, err)
		}
		p.VIP, p.Founder, p.WelcomeShown = vip != 0, founder != 0, welcomeShown != 0
		ds.Players = append(ds.Players, p)
	}
	if err := closeRows(rows); err != nil {
		return progress.Dataset{}, fmt.Errorf("load players: %w", err)
	}

	rows, err = s.db.QueryContext(ctx, `SELECT player_id,map_id,best_time_ms,xp_awarded,first_completed_at,checkpoint_times FROM completions ORDER BY player_id,map_id`)
	if err != nil {
		return progress.Dataset{}, fmt.Errorf("load completions: %w", err)
	}
	for rows.Next() {
		var (
			id, at, splits string
			awarded        int
			c              progress.CompletionRecord
		)
		if err := rows.Scan(&id, &c.MapID, &c.BestTimeMs, &awarded, &at, &splits); err != nil {
			rows.Close()
			return progress.Dataset{}, fmt.Errorf("scan completion: %w", err)
		}
		if c.PlayerID, err = uuid.Parse(id); err != nil {
			rows.Close()
			return progress.Dataset{}, fmt.Errorf("completion player id %q: %w", id, err)
		}
		c.XPAwarded = awarded != 0
		c.FirstCompletedAt, _ = time.Parse(time.RFC3339Nano, at)
		if splits != "" && splits != "[]" {
			if err := json.Unmarshal([]byte(splits), &c.CheckpointTimesMs); err != nil {
				rows.Close()
				return progress.Dataset{}, fmt.Errorf("completion splits: %w", err)
			}
		}
		ds.Completions = append(ds.Completions, c)
	}
	if err := closeRows(rows); err != nil {
		return progress.Dataset{}, fmt.Errorf("load completions: %w", err)
	}

	rows, err = s.db.QueryContext(ctx, `SELECT map_id,player_id,authored_at FROM map_authors ORDER BY map_id`)
	if err != nil {
		return progress.Dataset{}, fmt.Errorf("load authors: %w", err)
	}
	for rows.Next() {
		var (
			id, at string
			a      progress.AuthorRecord
		)
		if err := rows.Scan(&a.MapID, &id, &at); err != nil {
			rows.Close()
			return progress.Dataset{}, fmt.Errorf("scan author: %w", err)
		}
		if a.PlayerID, err = uuid.Parse(id); err != nil {
			rows.Close()
			return progress.Dataset{}, fmt.Errorf("author player id %q: %w", id, err)
		}
		a.At, _ = time.Parse(time.RFC3339Nano, at)
		ds.Authors = append(ds.Authors, a)
	}
	if err := closeRows(rows); err != nil {
		return progress.Dataset{}, fmt.Errorf("load authors: %w", err)
	}
	return ds, nil
}

func (s *SQLiteIndex) LoadSamples(ctx context.Context) ([]population.Sample, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT ts_ms,count FROM player_counts ORDER BY ts_ms`)
	if err != nil {
		return nil, fmt.Errorf("load samples: %w", err)
	}
	var out []population.Sample
	for rows.Next() {
		var smp population.Sample
		if err := rows.Scan(&smp.TimestampMs, &smp.Count); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan sample: %w", err)
		}
		out = append(out, smp)
	}
	if err := closeRows(rows); err != nil {
		return nil, fmt.Errorf("load samples: %w", err)
	}
	return out, nil
}

// LatestSnapshot returns the most recently indexed snapshot path.
func (s *SQLiteIndex) LatestSnapshot(ctx context.Context) (string, time.Time, error) {
	var path, at string
	err := s.db.QueryRowContext(ctx, `SELECT path,taken_at FROM snapshots ORDER BY taken_at DESC LIMIT 1`).Scan(&path, &at)
	if err == sql.ErrNoRows {
		return "", time.Time{}, nil
	}
	if err != nil {
		return "", time.Time{}, err
	}
	t, _ := time.Parse(time.RFC3339Nano, at)
	return path, t, nil
}

func closeRows(rows *sql.Rows) error {
	if err := rows.Err(); err != nil {
		rows.Close()
		return err
	}
	return rows.Close()
}
