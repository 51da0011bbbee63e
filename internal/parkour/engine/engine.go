// Package engine wires the catalog, progress store, run tracker, leaderboards
// and population sampler into the single surface the transports serve.
package engine

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"vexa.gg/parkour/internal/logging"
	"vexa.gg/parkour/internal/metrics"
	"vexa.gg/parkour/internal/parkour/catalog"
	"vexa.gg/parkour/internal/parkour/leaderboard"
	"vexa.gg/parkour/internal/parkour/medal"
	"vexa.gg/parkour/internal/parkour/population"
	"vexa.gg/parkour/internal/parkour/progress"
	"vexa.gg/parkour/internal/parkour/run"
	"vexa.gg/parkour/internal/parkour/tuning"
)

type Config struct {
	Tuning     tuning.Tuning
	Sink       progress.Sink
	SampleSink population.Sink
	Events     run.Events
	Metrics    *metrics.Metrics
	Log        *logrus.Entry
	Now        func() time.Time
}

type Engine struct {
	Tuning     tuning.Tuning
	Catalog    *catalog.Catalog
	Progress   *progress.Store
	Runs       *run.Tracker
	Medals     *medal.Leaderboard
	Boards     *leaderboard.Query
	Population *population.Sampler

	metrics *metrics.Metrics
	log     *logrus.Entry
	now     func() time.Time

	onlineMu    sync.Mutex
	online      map[uuid.UUID]int // open connections per player
	onlineCount atomic.Int64
}

func New(cat *catalog.Catalog, cfg Config) *Engine {
	if cfg.Log == nil {
		cfg.Log = logging.Discard()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	store := progress.New(cat, progress.Options{
		Sink:          cfg.Sink,
		Log:           cfg.Log.WithField("part", "progress"),
		MaxNameLength: cfg.Tuning.MaxNameLength,
		Now:           cfg.Now,
	})
	mw := cfg.Tuning.MedalWeights
	medals := medal.NewLeaderboard(store, cat, medal.Weights{
		Gold:            mw.Gold,
		Silver:          mw.Silver,
		Bronze:          mw.Bronze,
		FirstCompletion: mw.FirstCompletion,
	})
	return &Engine{
		Tuning:   cfg.Tuning,
		Catalog:  cat,
		Progress: store,
		Runs: run.NewTracker(cat, store, run.Options{
			Events:                cfg.Events,
			Metrics:               cfg.Metrics,
			Log:                   cfg.Log.WithField("part", "runs"),
			Now:                   cfg.Now,
			RequireAllCheckpoints: cfg.Tuning.RequireAllCheckpoints,
		}),
		Medals:     medals,
		Boards:     leaderboard.NewQuery(store, medals, store),
		Population: population.NewSampler(cfg.SampleSink, cfg.Log.WithField("part", "population"), cfg.Now),
		metrics:    cfg.Metrics,
		log:        cfg.Log,
		now:        cfg.Now,
		online:     map[uuid.UUID]int{},
	}
}

// Identity is what a host reports about a player on connect. Nil flags leave
// the stored rank untouched.
type Identity struct {
	ID      uuid.UUID
	Name    string
	VIP     *bool
	Founder *bool
}

type Welcome struct {
	PlayerID   uuid.UUID `json:"player_id"`
	Name       string    `json:"name"`
	Rank       string    `json:"rank"`
	FirstVisit bool      `json:"first_visit"`
}

// Join registers a connection for the player. A player may hold several
// connections; they count once toward the online total.
func (e *Engine) Join(id Identity) Welcome {
	e.Progress.SetPlayerName(id.ID, id.Name)
	if id.VIP != nil || id.Founder != nil {
		vip, founder := e.Progress.IsVIP(id.ID), e.Progress.IsFounder(id.ID)
		if id.VIP != nil {
			vip = *id.VIP
		}
		if id.Founder != nil {
			founder = *id.Founder
		}
		e.Progress.SetPlayerRank(id.ID, "", vip, founder)
	}
	first := e.Progress.MarkWelcomeShown(id.ID)

	e.onlineMu.Lock()
	e.online[id.ID]++
	if e.online[id.ID] == 1 {
		e.metrics.SetOnline(int(e.onlineCount.Add(1)))
	}
	e.onlineMu.Unlock()
	e.log.WithFields(logrus.Fields{"player": id.ID, "first_visit": first}).Debug("player joined")

	return Welcome{
		PlayerID:   id.ID,
		Name:       e.Progress.PlayerName(id.ID),
		Rank:       e.Progress.RankName(id.ID),
		FirstVisit: first,
	}
}

// Leave drops one connection. The last one abandons any active run; a Join
// for the same player waits until that is done.
func (e *Engine) Leave(id uuid.UUID) {
	e.onlineMu.Lock()
	defer e.onlineMu.Unlock()
	n, ok := e.online[id]
	if !ok {
		return
	}
	if n > 1 {
		e.online[id] = n - 1
		return
	}
	delete(e.online, id)
	e.metrics.SetOnline(int(e.onlineCount.Add(-1)))
	e.Runs.HandleDisconnect(id)
}

func (e *Engine) OnlineCount() int { return int(e.onlineCount.Load()) }

// SamplePopulation records the current online count.
func (e *Engine) SamplePopulation() population.Sample {
	return e.Population.RecordSample(e.OnlineCount())
}

// PrunePopulation applies the retention window.
func (e *Engine) PrunePopulation() int {
	cutoff := e.now().Add(-e.Tuning.SampleRetention()).UnixMilli()
	return e.Population.Prune(cutoff)
}

// ReloadCatalog swaps the map definitions from path. Medal tables rebuild on
// their next read.
func (e *Engine) ReloadCatalog(path string) error {
	if err := e.Catalog.Reload(path, e.Tuning.CategoryXP); err != nil {
		return fmt.Errorf("reload catalog: %w", err)
	}
	e.log.WithFields(logrus.Fields{"maps": len(e.Catalog.ListMaps()), "version": e.Catalog.Version()}).Info("catalog reloaded")
	return nil
}

var errPlayerUnknown = errors.New("unknown player")

// IsUnknownPlayer reports whether err came from a lookup of a player with no
// stored progress.
func IsUnknownPlayer(err error) bool { return errors.Is(err, errPlayerUnknown) }
