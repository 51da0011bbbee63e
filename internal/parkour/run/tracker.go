// Package run tracks each player's in-progress parkour run and hands normal
// finishes to the progress store.
package run

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"vexa.gg/parkour/internal/logging"
	"vexa.gg/parkour/internal/metrics"
	"vexa.gg/parkour/internal/parkour/catalog"
	"vexa.gg/parkour/internal/parkour/medal"
	"vexa.gg/parkour/internal/parkour/progress"
)

type Maps interface {
	GetMap(id string) (catalog.MapDefinition, bool)
}

type Progress interface {
	RecordCompletion(id uuid.UUID, name, mapID string, elapsedMs int64, splits []int64) (progress.CompletionResult, error)
	CheckpointTimes(id uuid.UUID, mapID string) []int64
}

// Event is what the tracker reports to the analytics sink.
type Event struct {
	Kind       string    `json:"kind"`
	At         time.Time `json:"at"`
	PlayerID   uuid.UUID `json:"player_id"`
	MapID      string    `json:"map_id"`
	Mode       string    `json:"mode"`
	ElapsedMs  int64     `json:"elapsed_ms,omitempty"`
	Checkpoint *int      `json:"checkpoint,omitempty"`
	Medal      string    `json:"medal,omitempty"`
	First      bool      `json:"first,omitempty"`
	NewBest    bool      `json:"new_best,omitempty"`
}

const (
	EventStart      = "run_start"
	EventCheckpoint = "checkpoint"
	EventFinish     = "run_finish"
	EventAbandon    = "run_abandon"
	EventFail       = "run_fail"
)

// Events must not block.
type Events interface {
	Emit(Event)
}

type Options struct {
	Events                Events
	Metrics               *metrics.Metrics
	Log                   *logrus.Entry
	Now                   func() time.Time
	RequireAllCheckpoints bool
}

type entry struct {
	mu       sync.Mutex
	gone     bool
	session  *Session
	attempts map[string]int
}

// Tracker keeps at most one session per player. Different players never
// contend; operations for one player are serialized by that player's entry.
type Tracker struct {
	maps       Maps
	progress   Progress
	events     Events
	metrics    *metrics.Metrics
	log        *logrus.Entry
	now        func() time.Time
	requireAll bool

	players sync.Map // uuid.UUID -> *entry
	active  atomic.Int64
}

func NewTracker(maps Maps, prog Progress, opts Options) *Tracker {
	t := &Tracker{
		maps:       maps,
		progress:   prog,
		events:     opts.Events,
		metrics:    opts.Metrics,
		log:        opts.Log,
		now:        opts.Now,
		requireAll: opts.RequireAllCheckpoints,
	}
	if t.log == nil {
		t.log = logging.Discard()
	}
	if t.now == nil {
		t.now = time.Now
	}
	return t
}

// lock returns the player's live entry, locked. Entries retired by
// HandleDisconnect are skipped.
func (t *Tracker) lock(id uuid.UUID) *entry {
	for {
		v, _ := t.players.LoadOrStore(id, &entry{attempts: map[string]int{}})
		e := v.(*entry)
		e.mu.Lock()
		if !e.gone {
			return e
		}
		e.mu.Unlock()
	}
}

// withSession runs fn under the player's lock when a session exists.
func (t *Tracker) withSession(id uuid.UUID, fn func(e *entry, s *Session)) bool {
	v, ok := t.players.Load(id)
	if !ok {
		return false
	}
	e := v.(*entry)
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.gone || e.session == nil {
		return false
	}
	fn(e, e.session)
	return true
}

func (t *Tracker) emit(ev Event) {
	if t.events != nil {
		t.events.Emit(ev)
	}
}

func (t *Tracker) clear(e *entry) {
	if e.session != nil {
		e.session = nil
		t.metrics.SetActiveRuns(int(t.active.Add(-1)))
	}
}

func elapsed(from, to time.Time) int64 {
	ms := to.Sub(from).Milliseconds()
	if ms < 0 {
		return 0
	}
	return ms
}

// StartRun begins a normal run, discarding any previous session without
// recording it.
func (t *Tracker) StartRun(id uuid.UUID, mapID string) (Session, error) {
	def, ok := t.maps.GetMap(mapID)
	if !ok {
		return Session{}, fmt.Errorf("%w: %s", ErrMapNotFound, mapID)
	}
	if !def.Active {
		return Session{}, fmt.Errorf("%w: %s", ErrMapInactive, mapID)
	}
	if !def.HasStart() {
		return Session{}, fmt.Errorf("%w: %s", ErrMapHasNoStart, mapID)
	}

	now := t.now()
	e := t.lock(id)
	defer e.mu.Unlock()
	if e.session == nil {
		t.metrics.SetActiveRuns(int(t.active.Add(1)))
	}
	e.session = &Session{
		PlayerID:            id,
		MapID:               mapID,
		Mode:                Normal,
		StartedAt:           now,
		LastCheckpointAt:    now,
		LastCheckpointIndex: -1,
		splits:              map[int]int64{},
	}
	e.attempts[mapID]++
	t.metrics.RunStarted()
	t.emit(Event{Kind: EventStart, At: now, PlayerID: id, MapID: mapID, Mode: Normal.String()})
	t.log.WithFields(logrus.Fields{"player": id, "map": mapID, "attempt": e.attempts[mapID]}).Debug("run started")
	return e.session.clone(), nil
}

// EnablePractice switches the live run to practice mode. It is one-way: a
// practice run stays practice until it ends.
func (t *Tracker) EnablePractice(id uuid.UUID) bool {
	return t.withSession(id, func(_ *entry, s *Session) { s.Mode = Practice })
}

// RecordCheckpoint marks a checkpoint as reached. Repeats and indices outside
// the map's checkpoint list are ignored; order is not enforced.
func (t *Tracker) RecordCheckpoint(id uuid.UUID, index int) CheckpointResult {
	var res CheckpointResult
	t.withSession(id, func(_ *entry, s *Session) {
		def, ok := t.maps.GetMap(s.MapID)
		if !ok {
			return
		}
		res.Index = index
		res.Total = def.CheckpointCount()
		res.Reached = len(s.Checkpoints)
		if index < 0 || index >= res.Total || s.reached(index) {
			return
		}
		now := t.now()
		split := elapsed(s.StartedAt, now)
		s.insert(index)
		s.splits[index] = split
		s.LastCheckpointAt = now
		s.LastCheckpointIndex = index

		res.Recorded = true
		res.SplitMs = split
		res.Reached = len(s.Checkpoints)
		if s.Mode == Normal && t.progress != nil {
			pb := t.progress.CheckpointTimes(id, s.MapID)
			if index < len(pb) && pb[index] != MissedSplit {
				res.DeltaMs = split - pb[index]
				res.HasDelta = true
			}
		}
		cp := index
		t.emit(Event{Kind: EventCheckpoint, At: now, PlayerID: id, MapID: s.MapID, Mode: s.Mode.String(), ElapsedMs: split, Checkpoint: &cp})
	})
	return res
}

// RecordFailure counts a fall during the live run and returns the new count,
// or 0 when nothing is running.
func (t *Tracker) RecordFailure(id uuid.UUID) int {
	falls := 0
	t.withSession(id, func(_ *entry, s *Session) {
		s.Falls++
		falls = s.Falls
		t.emit(Event{Kind: EventFail, At: t.now(), PlayerID: id, MapID: s.MapID, Mode: s.Mode.String(), ElapsedMs: elapsed(s.StartedAt, t.now())})
	})
	return falls
}

// FinishRun ends the live run. With nothing running it returns an empty
// Result and no error, so duplicate finish triggers are harmless. Practice
// runs never reach the progress store.
func (t *Tracker) FinishRun(id uuid.UUID) (Result, error) {
	v, ok := t.players.Load(id)
	if !ok {
		return Result{}, nil
	}
	e := v.(*entry)
	e.mu.Lock()
	defer e.mu.Unlock()
	s := e.session
	if e.gone || s == nil {
		return Result{}, nil
	}

	now := t.now()
	res := Result{
		PlayerID:    id,
		MapID:       s.MapID,
		Mode:        s.Mode,
		ElapsedMs:   elapsed(s.StartedAt, now),
		Checkpoints: append([]int(nil), s.Checkpoints...),
		Falls:       s.Falls,
		Attempts:    e.attempts[s.MapID],
	}
	def, ok := t.maps.GetMap(s.MapID)
	if !ok {
		t.clear(e)
		return Result{}, fmt.Errorf("%w: %s", ErrMapNotFound, res.MapID)
	}
	if s.Mode == Practice {
		t.clear(e)
		t.finished(res, now)
		return res, nil
	}
	if t.requireAll && len(s.Checkpoints) < def.CheckpointCount() {
		return Result{}, fmt.Errorf("%w: %d of %d", ErrCheckpointsMissing, len(s.Checkpoints), def.CheckpointCount())
	}

	t.clear(e)
	pr, err := t.progress.RecordCompletion(id, "", s.MapID, res.ElapsedMs, s.Splits(def.CheckpointCount()))
	if err != nil {
		return Result{}, fmt.Errorf("record completion: %w", err)
	}
	res.Scoring = true
	res.Progress = pr
	res.Medal = medal.Classify(res.ElapsedMs, def)
	if pr.NewBest {
		res.NewMedals = medal.Newly(pr.PreviousBestMs, pr.BestTimeMs, def)
	}
	switch {
	case pr.FirstCompletion:
		t.metrics.Completion("first")
	case pr.NewBest:
		t.metrics.Completion("best")
	default:
		t.metrics.Completion("repeat")
	}
	t.finished(res, now)
	return res, nil
}

func (t *Tracker) finished(res Result, now time.Time) {
	t.metrics.RunFinished(res.Mode.String(), time.Duration(res.ElapsedMs)*time.Millisecond)
	ev := Event{
		Kind:      EventFinish,
		At:        now,
		PlayerID:  res.PlayerID,
		MapID:     res.MapID,
		Mode:      res.Mode.String(),
		ElapsedMs: res.ElapsedMs,
		First:     res.Progress.FirstCompletion,
		NewBest:   res.Progress.NewBest,
	}
	if res.Scoring {
		ev.Medal = res.Medal.String()
	}
	t.emit(ev)
	t.log.WithFields(logrus.Fields{
		"player":  res.PlayerID,
		"map":     res.MapID,
		"mode":    res.Mode.String(),
		"elapsed": res.ElapsedMs,
		"medal":   res.Medal.String(),
	}).Debug("run finished")
}

// AbandonRun discards the live run without recording anything.
func (t *Tracker) AbandonRun(id uuid.UUID) bool {
	return t.withSession(id, func(e *entry, s *Session) {
		t.emit(Event{Kind: EventAbandon, At: t.now(), PlayerID: id, MapID: s.MapID, Mode: s.Mode.String(), ElapsedMs: elapsed(s.StartedAt, t.now())})
		t.clear(e)
	})
}

// HandleDisconnect abandons the live run and forgets the player's attempt
// counters.
func (t *Tracker) HandleDisconnect(id uuid.UUID) {
	v, ok := t.players.Load(id)
	if !ok {
		return
	}
	e := v.(*entry)
	e.mu.Lock()
	if e.session != nil {
		s := e.session
		t.emit(Event{Kind: EventAbandon, At: t.now(), PlayerID: id, MapID: s.MapID, Mode: s.Mode.String(), ElapsedMs: elapsed(s.StartedAt, t.now())})
		t.clear(e)
	}
	e.gone = true
	t.players.CompareAndDelete(id, e)
	e.mu.Unlock()
}

func (t *Tracker) Session(id uuid.UUID) (Session, bool) {
	var out Session
	ok := t.withSession(id, func(_ *entry, s *Session) { out = s.clone() })
	return out, ok
}

func (t *Tracker) ActiveMapID(id uuid.UUID) (string, bool) {
	var mapID string
	ok := t.withSession(id, func(_ *entry, s *Session) { mapID = s.MapID })
	return mapID, ok
}

func (t *Tracker) IsPracticeEnabled(id uuid.UUID) bool {
	practice := false
	t.withSession(id, func(_ *entry, s *Session) { practice = s.Mode == Practice })
	return practice
}

func (t *Tracker) ElapsedMs(id uuid.UUID) (int64, bool) {
	var ms int64
	ok := t.withSession(id, func(_ *entry, s *Session) { ms = elapsed(s.StartedAt, t.now()) })
	return ms, ok
}

// CheckpointProgress reports how many of the map's checkpoints the live run
// has touched.
func (t *Tracker) CheckpointProgress(id uuid.UUID) (reached, total int, ok bool) {
	ok = t.withSession(id, func(_ *entry, s *Session) {
		reached = len(s.Checkpoints)
		if def, found := t.maps.GetMap(s.MapID); found {
			total = def.CheckpointCount()
		}
	})
	return reached, total, ok
}

// LastCheckpointSplit is the split of the most recently touched checkpoint.
func (t *Tracker) LastCheckpointSplit(id uuid.UUID) (int64, bool) {
	var split int64
	found := false
	t.withSession(id, func(_ *entry, s *Session) {
		if s.LastCheckpointIndex < 0 {
			return
		}
		split, found = s.splits[s.LastCheckpointIndex]
	})
	return split, found
}

// Attempts counts runs started on a map since the player connected.
func (t *Tracker) Attempts(id uuid.UUID, mapID string) int {
	v, ok := t.players.Load(id)
	if !ok {
		return 0
	}
	e := v.(*entry)
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.attempts[mapID]
}

func (t *Tracker) ActiveCount() int { return int(t.active.Load()) }
