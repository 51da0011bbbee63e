package run

import (
	"encoding/json"
	"errors"
	"sort"
	"time"

	"github.com/google/uuid"

	"vexa.gg/parkour/internal/parkour/medal"
	"vexa.gg/parkour/internal/parkour/progress"
)

var (
	ErrMapNotFound        = errors.New("map not found")
	ErrMapInactive        = errors.New("map inactive")
	ErrMapHasNoStart      = errors.New("map has no start")
	ErrCheckpointsMissing = errors.New("checkpoints missing")
	// ErrNoActiveRun is never returned by the tracker itself; transports use
	// it to report an empty result.
	ErrNoActiveRun = errors.New("no active run")
)

type Mode int

const (
	Normal Mode = iota
	Practice
)

func (m Mode) String() string {
	if m == Practice {
		return "practice"
	}
	return "normal"
}

func (m Mode) MarshalJSON() ([]byte, error) { return json.Marshal(m.String()) }

// MissedSplit marks a checkpoint that was not touched in a stored split list.
const MissedSplit int64 = -1

// Session is a copy of a player's live run.
type Session struct {
	PlayerID            uuid.UUID `json:"player_id"`
	MapID               string    `json:"map_id"`
	Mode                Mode      `json:"mode"`
	StartedAt           time.Time `json:"started_at"`
	Checkpoints         []int     `json:"checkpoints"`
	LastCheckpointAt    time.Time `json:"last_checkpoint_at"`
	LastCheckpointIndex int       `json:"last_checkpoint_index"`
	Falls               int       `json:"falls"`

	// split per reached checkpoint index, ms since start
	splits map[int]int64
}

func (s *Session) clone() Session {
	out := *s
	out.Checkpoints = append([]int(nil), s.Checkpoints...)
	out.splits = make(map[int]int64, len(s.splits))
	for k, v := range s.splits {
		out.splits[k] = v
	}
	return out
}

func (s *Session) reached(index int) bool {
	i := sort.SearchInts(s.Checkpoints, index)
	return i < len(s.Checkpoints) && s.Checkpoints[i] == index
}

func (s *Session) insert(index int) {
	i := sort.SearchInts(s.Checkpoints, index)
	s.Checkpoints = append(s.Checkpoints, 0)
	copy(s.Checkpoints[i+1:], s.Checkpoints[i:])
	s.Checkpoints[i] = index
}

// Splits returns one split per checkpoint of the map, MissedSplit where the
// checkpoint was not reached.
func (s *Session) Splits(count int) []int64 {
	if count <= 0 {
		return nil
	}
	out := make([]int64, count)
	for i := range out {
		out[i] = MissedSplit
		if v, ok := s.splits[i]; ok {
			out[i] = v
		}
	}
	return out
}

// CheckpointResult reports one checkpoint event.
type CheckpointResult struct {
	Recorded bool  `json:"recorded"`
	Index    int   `json:"index"`
	SplitMs  int64 `json:"split_ms"`
	Reached  int   `json:"reached"`
	Total    int   `json:"total"`
	// DeltaMs compares against the personal-best split; HasDelta is false
	// when there is none.
	DeltaMs  int64 `json:"delta_ms"`
	HasDelta bool  `json:"has_delta"`
}

// Result is what FinishRun reports. The zero value means nothing was running.
type Result struct {
	PlayerID    uuid.UUID                 `json:"player_id"`
	MapID       string                    `json:"map_id"`
	Mode        Mode                      `json:"mode"`
	ElapsedMs   int64                     `json:"elapsed_ms"`
	Scoring     bool                      `json:"scoring"`
	Checkpoints []int                     `json:"checkpoints"`
	Falls       int                       `json:"falls"`
	Attempts    int                       `json:"attempts"`
	Medal       medal.Tier                `json:"medal"`
	NewMedals   []medal.Tier              `json:"new_medals,omitempty"`
	Progress    progress.CompletionResult `json:"progress"`
}

func (r Result) Empty() bool { return r.MapID == "" }
