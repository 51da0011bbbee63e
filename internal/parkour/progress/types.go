package progress

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"vexa.gg/parkour/internal/parkour/catalog"
	"vexa.gg/parkour/internal/parkour/tier"
)

var (
	ErrUnknownMap  = errors.New("unknown map")
	ErrInvalidTime = errors.New("invalid completion time")
)

// MapProgress is one player's record on one map. BestTimeMs is meaningful only
// when Completed is set; both are written together.
type MapProgress struct {
	Completed                bool      `json:"completed"`
	BestTimeMs               int64     `json:"best_time_ms"`
	FirstCompletionXPAwarded bool      `json:"first_completion_xp_awarded"`
	FirstCompletedAt         time.Time `json:"first_completed_at"`
	CheckpointTimesMs        []int64   `json:"checkpoint_times_ms,omitempty"`
}

type Player struct {
	ID           uuid.UUID              `json:"id"`
	Name         string                 `json:"name"`
	Maps         map[string]MapProgress `json:"maps"`
	PlaytimeMs   int64                  `json:"playtime_ms"`
	VIP          bool                   `json:"vip"`
	Founder      bool                   `json:"founder"`
	WelcomeShown bool                   `json:"welcome_shown"`
	XP           int64                  `json:"xp"`
	JumpCount    int64                  `json:"jump_count"`
}

func (p Player) clone() Player {
	out := p
	out.Maps = make(map[string]MapProgress, len(p.Maps))
	for k, v := range p.Maps {
		if v.CheckpointTimesMs != nil {
			v.CheckpointTimesMs = append([]int64(nil), v.CheckpointTimesMs...)
		}
		out.Maps[k] = v
	}
	return out
}

// CompletionResult describes what a single RecordCompletion changed.
type CompletionResult struct {
	FirstCompletion bool      `json:"first_completion"`
	NewBest         bool      `json:"new_best"`
	PersonalBest    bool      `json:"personal_best"`
	PreviousBestMs  *int64    `json:"previous_best_ms,omitempty"`
	BestTimeMs      int64     `json:"best_time_ms"`
	XPAwarded       int64     `json:"xp_awarded"`
	Author          bool      `json:"author"`
	OldTier         tier.Tier `json:"old_tier"`
	NewTier         tier.Tier `json:"new_tier"`
}

func (r CompletionResult) Changed() bool {
	return r.NewBest || r.XPAwarded > 0 || r.Author
}

func (r CompletionResult) RankedUp() bool { return r.NewTier > r.OldTier }

type PurgeResult struct {
	PlayersUpdated int   `json:"players_updated"`
	TotalXPRemoved int64 `json:"total_xp_removed"`
}

// Maps is the catalog view the store derives XP and ranks from.
type Maps interface {
	GetMap(id string) (catalog.MapDefinition, bool)
	TotalPossibleXP() int64
	Version() uint64
}

type PlayerRecord struct {
	ID           uuid.UUID `json:"id"`
	Name         string    `json:"name"`
	PlaytimeMs   int64     `json:"playtime_ms"`
	VIP          bool      `json:"vip"`
	Founder      bool      `json:"founder"`
	WelcomeShown bool      `json:"welcome_shown"`
	XP           int64     `json:"xp"`
	JumpCount    int64     `json:"jump_count"`
}

type CompletionRecord struct {
	PlayerID          uuid.UUID `json:"player_id"`
	MapID             string    `json:"map_id"`
	BestTimeMs        int64     `json:"best_time_ms"`
	XPAwarded         bool      `json:"xp_awarded"`
	FirstCompletedAt  time.Time `json:"first_completed_at"`
	CheckpointTimesMs []int64   `json:"checkpoint_times_ms,omitempty"`
}

type AuthorRecord struct {
	MapID    string    `json:"map_id"`
	PlayerID uuid.UUID `json:"player_id"`
	At       time.Time `json:"at"`
}

// Dataset is the full persisted state of the store.
type Dataset struct {
	Players     []PlayerRecord     `json:"players"`
	Completions []CompletionRecord `json:"completions"`
	Authors     []AuthorRecord     `json:"authors"`
}

// Sink receives every durable change. Implementations must not block.
type Sink interface {
	SavePlayer(PlayerRecord)
	SaveCompletion(CompletionRecord)
	SaveAuthor(AuthorRecord)
	DeleteCompletion(playerID uuid.UUID, mapID string)
	DeletePlayer(playerID uuid.UUID)
	DeleteMapProgress(mapID string)
}

type Loader interface {
	LoadProgress(ctx context.Context) (Dataset, error)
}

type nopSink struct{}

func (nopSink) SavePlayer(PlayerRecord)            {}
func (nopSink) SaveCompletion(CompletionRecord)    {}
func (nopSink) SaveAuthor(AuthorRecord)            {}
func (nopSink) DeleteCompletion(uuid.UUID, string) {}
func (nopSink) DeletePlayer(uuid.UUID)             {}
func (nopSink) DeleteMapProgress(string)           {}
