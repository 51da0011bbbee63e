// Package progress is the durable record of map completions, best times, XP,
// playtime and rank flags. All state lives in memory; durability is delegated
// to a Sink that must never block the caller.
package progress

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"vexa.gg/parkour/internal/logging"
	"vexa.gg/parkour/internal/parkour/leaderboard"
	"vexa.gg/parkour/internal/parkour/tier"
)

const DefaultMaxNameLength = 32

type Options struct {
	Sink          Sink
	Log           *logrus.Entry
	MaxNameLength int
	Now           func() time.Time
}

type playerEntry struct {
	mu sync.Mutex
	p  Player
}

type board struct {
	version   uint64
	sorted    []leaderboard.Timed
	positions map[uuid.UUID]int
}

// Store is safe for concurrent use. Per-player operations hold loadMu for
// read and the player's own mutex; SyncLoad and the bulk admin operations hold
// loadMu for write. Lock order: loadMu, player, authorMu/nameMu.
type Store struct {
	maps    Maps
	sink    Sink
	log     *logrus.Entry
	maxName int
	now     func() time.Time

	loadMu  sync.RWMutex
	players sync.Map // uuid.UUID -> *playerEntry

	authorMu sync.Mutex
	authors  map[string]AuthorRecord

	nameMu sync.RWMutex
	byName map[string]uuid.UUID // folded name -> id

	boardMu sync.Mutex
	boards  map[string]board

	version atomic.Uint64
}

func New(maps Maps, opts Options) *Store {
	s := &Store{
		maps:    maps,
		sink:    opts.Sink,
		log:     opts.Log,
		maxName: opts.MaxNameLength,
		now:     opts.Now,
		authors: map[string]AuthorRecord{},
		byName:  map[string]uuid.UUID{},
		boards:  map[string]board{},
	}
	if s.sink == nil {
		s.sink = nopSink{}
	}
	if s.log == nil {
		s.log = logging.Discard()
	}
	if s.maxName <= 0 {
		s.maxName = DefaultMaxNameLength
	}
	if s.now == nil {
		s.now = time.Now
	}
	return s
}

// Version changes after every mutation that can affect a leaderboard.
func (s *Store) Version() uint64 { return s.version.Load() }

func (s *Store) bump() { s.version.Add(1) }

func (s *Store) entry(id uuid.UUID) *playerEntry {
	if v, ok := s.players.Load(id); ok {
		return v.(*playerEntry)
	}
	v, _ := s.players.LoadOrStore(id, &playerEntry{p: Player{ID: id, Maps: map[string]MapProgress{}}})
	return v.(*playerEntry)
}

func (s *Store) lookup(id uuid.UUID) (*playerEntry, bool) {
	v, ok := s.players.Load(id)
	if !ok {
		return nil, false
	}
	return v.(*playerEntry), true
}

// view runs fn on the player under its lock. It reports false when the player
// is unknown.
func (s *Store) view(id uuid.UUID, fn func(p *Player)) bool {
	s.loadMu.RLock()
	defer s.loadMu.RUnlock()
	e, ok := s.lookup(id)
	if !ok {
		return false
	}
	e.mu.Lock()
	fn(&e.p)
	e.mu.Unlock()
	return true
}

// update runs fn on the player under its lock, creating the player if needed.
func (s *Store) update(id uuid.UUID, fn func(p *Player)) {
	s.loadMu.RLock()
	defer s.loadMu.RUnlock()
	e := s.entry(id)
	e.mu.Lock()
	fn(&e.p)
	e.mu.Unlock()
}

func record(p *Player) PlayerRecord {
	return PlayerRecord{
		ID:           p.ID,
		Name:         p.Name,
		PlaytimeMs:   p.PlaytimeMs,
		VIP:          p.VIP,
		Founder:      p.Founder,
		WelcomeShown: p.WelcomeShown,
		XP:           p.XP,
		JumpCount:    p.JumpCount,
	}
}

func completionRecord(id uuid.UUID, mapID string, mp MapProgress) CompletionRecord {
	return CompletionRecord{
		PlayerID:          id,
		MapID:             mapID,
		BestTimeMs:        mp.BestTimeMs,
		XPAwarded:         mp.FirstCompletionXPAwarded,
		FirstCompletedAt:  mp.FirstCompletedAt,
		CheckpointTimesMs: append([]int64(nil), mp.CheckpointTimesMs...),
	}
}

// calculatedXP re-derives earned XP from the live catalog.
func (s *Store) calculatedXP(p *Player) int64 {
	var total int64
	for mapID, mp := range p.Maps {
		if !mp.Completed {
			continue
		}
		if def, ok := s.maps.GetMap(mapID); ok {
			total += def.FirstCompletionXP
		}
	}
	return total
}

// RecordCompletion applies a normal-mode finish. Re-applying the same or a
// slower time changes nothing, so duplicate finish events are harmless.
func (s *Store) RecordCompletion(id uuid.UUID, name, mapID string, elapsedMs int64, splits []int64) (CompletionResult, error) {
	def, ok := s.maps.GetMap(mapID)
	if !ok {
		return CompletionResult{}, fmt.Errorf("%w: %s", ErrUnknownMap, mapID)
	}
	if elapsedMs < 0 {
		return CompletionResult{}, fmt.Errorf("%w: %d", ErrInvalidTime, elapsedMs)
	}
	total := s.maps.TotalPossibleXP()

	var res CompletionResult
	s.update(id, func(p *Player) {
		s.setName(p, name)
		res.OldTier = tier.ForXP(s.calculatedXP(p), total)

		mp := p.Maps[mapID]
		if mp.Completed {
			prev := mp.BestTimeMs
			res.PreviousBestMs = &prev
		}
		if !mp.Completed || elapsedMs < mp.BestTimeMs {
			res.NewBest = true
			res.PersonalBest = mp.Completed
			mp.BestTimeMs = elapsedMs
			mp.CheckpointTimesMs = append([]int64(nil), splits...)
		}
		if !mp.Completed {
			res.FirstCompletion = true
			mp.Completed = true
			mp.FirstCompletedAt = s.now().UTC()
		}
		if !mp.FirstCompletionXPAwarded {
			mp.FirstCompletionXPAwarded = true
			res.XPAwarded = def.FirstCompletionXP
			p.XP += def.FirstCompletionXP
		}
		if res.FirstCompletion {
			res.Author = s.claimAuthor(mapID, id)
		}
		res.BestTimeMs = mp.BestTimeMs
		p.Maps[mapID] = mp
		res.NewTier = tier.ForXP(s.calculatedXP(p), total)

		if res.Changed() {
			s.sink.SaveCompletion(completionRecord(id, mapID, mp))
			if res.XPAwarded > 0 {
				s.sink.SavePlayer(record(p))
			}
			s.bump()
		}
	})
	if res.Changed() {
		s.log.WithFields(logrus.Fields{
			"player":    id,
			"map":       mapID,
			"time_ms":   res.BestTimeMs,
			"first":     res.FirstCompletion,
			"xp":        res.XPAwarded,
			"author":    res.Author,
			"rank_from": res.OldTier.String(),
			"rank_to":   res.NewTier.String(),
		}).Debug("completion recorded")
	}
	return res, nil
}

func (s *Store) claimAuthor(mapID string, id uuid.UUID) bool {
	s.authorMu.Lock()
	defer s.authorMu.Unlock()
	if _, taken := s.authors[mapID]; taken {
		return false
	}
	rec := AuthorRecord{MapID: mapID, PlayerID: id, At: s.now().UTC()}
	s.authors[mapID] = rec
	s.sink.SaveAuthor(rec)
	return true
}

func (s *Store) mapProgress(id uuid.UUID, mapID string) (mp MapProgress, ok bool) {
	s.view(id, func(p *Player) { mp, ok = p.Maps[mapID] })
	return mp, ok && mp.Completed
}

func (s *Store) BestTimeMs(id uuid.UUID, mapID string) (int64, bool) {
	mp, ok := s.mapProgress(id, mapID)
	if !ok {
		return 0, false
	}
	return mp.BestTimeMs, true
}

func (s *Store) IsMapCompleted(id uuid.UUID, mapID string) bool {
	_, ok := s.mapProgress(id, mapID)
	return ok
}

// CheckpointTimes returns the splits recorded with the player's best run.
func (s *Store) CheckpointTimes(id uuid.UUID, mapID string) []int64 {
	mp, ok := s.mapProgress(id, mapID)
	if !ok {
		return nil
	}
	return append([]int64(nil), mp.CheckpointTimesMs...)
}

func (s *Store) CompletedMapCount(id uuid.UUID) int {
	n := 0
	s.view(id, func(p *Player) {
		for _, mp := range p.Maps {
			if mp.Completed {
				n++
			}
		}
	})
	return n
}

func (s *Store) CalculatedCompletionXP(id uuid.UUID) int64 {
	var xp int64
	s.view(id, func(p *Player) { xp = s.calculatedXP(p) })
	return xp
}

// AwardedXP is the accumulated XP counter, as opposed to the catalog-derived
// total.
func (s *Store) AwardedXP(id uuid.UUID) int64 {
	var xp int64
	s.view(id, func(p *Player) { xp = p.XP })
	return xp
}

func (s *Store) Rank(id uuid.UUID) tier.Tier {
	return tier.ForXP(s.CalculatedCompletionXP(id), s.maps.TotalPossibleXP())
}

func (s *Store) RankName(id uuid.UUID) string { return s.Rank(id).String() }

// CompletionRankIndex is the 1-based tier position used for sorting and
// display (Unranked = 1).
func (s *Store) CompletionRankIndex(id uuid.UUID) int { return s.Rank(id).Index() }

func (s *Store) XPToNextRank(id uuid.UUID) int64 {
	return tier.XPToNext(s.CalculatedCompletionXP(id), s.maps.TotalPossibleXP())
}

func (s *Store) Player(id uuid.UUID) (Player, bool) {
	var out Player
	ok := s.view(id, func(p *Player) { out = p.clone() })
	return out, ok
}

func (s *Store) PlayerIDs() []uuid.UUID {
	s.loadMu.RLock()
	defer s.loadMu.RUnlock()
	var out []uuid.UUID
	s.players.Range(func(k, _ any) bool {
		out = append(out, k.(uuid.UUID))
		return true
	})
	sort.Slice(out, func(i, j int) bool { return out[i].String() < out[j].String() })
	return out
}

// BestTimesForMap returns every completed player's best time on a map.
func (s *Store) BestTimesForMap(mapID string) map[uuid.UUID]int64 {
	s.loadMu.RLock()
	defer s.loadMu.RUnlock()
	out := map[uuid.UUID]int64{}
	s.players.Range(func(k, v any) bool {
		e := v.(*playerEntry)
		e.mu.Lock()
		if mp, ok := e.p.Maps[mapID]; ok && mp.Completed {
			out[k.(uuid.UUID)] = mp.BestTimeMs
		}
		e.mu.Unlock()
		return true
	})
	return out
}

// AllBestTimes returns player -> map -> best time over every completion.
func (s *Store) AllBestTimes() map[uuid.UUID]map[string]int64 {
	s.loadMu.RLock()
	defer s.loadMu.RUnlock()
	out := map[uuid.UUID]map[string]int64{}
	s.players.Range(func(k, v any) bool {
		e := v.(*playerEntry)
		e.mu.Lock()
		for mapID, mp := range e.p.Maps {
			if !mp.Completed {
				continue
			}
			m := out[k.(uuid.UUID)]
			if m == nil {
				m = map[string]int64{}
				out[k.(uuid.UUID)] = m
			}
			m[mapID] = mp.BestTimeMs
		}
		e.mu.Unlock()
		return true
	})
	return out
}

func (s *Store) Authors() map[string]uuid.UUID {
	s.authorMu.Lock()
	defer s.authorMu.Unlock()
	out := make(map[string]uuid.UUID, len(s.authors))
	for mapID, a := range s.authors {
		out[mapID] = a.PlayerID
	}
	return out
}

func (s *Store) Author(mapID string) (uuid.UUID, bool) {
	s.authorMu.Lock()
	defer s.authorMu.Unlock()
	a, ok := s.authors[mapID]
	return a.PlayerID, ok
}

func (s *Store) IsAuthor(id uuid.UUID, mapID string) bool {
	a, ok := s.Author(mapID)
	return ok && a == id
}

// mapBoard returns the cached sorted board for a map, rebuilding it when the
// store version moved since it was built.
func (s *Store) mapBoard(mapID string) board {
	v := s.Version()
	s.boardMu.Lock()
	b, ok := s.boards[mapID]
	s.boardMu.Unlock()
	if ok && b.version == v {
		return b
	}
	sorted := leaderboard.SortTimes(s.BestTimesForMap(mapID))
	b = board{version: v, sorted: sorted, positions: leaderboard.Positions(sorted)}
	s.boardMu.Lock()
	s.boards[mapID] = b
	s.boardMu.Unlock()
	return b
}

// LeaderboardPosition is the player's dense rank on a map, or -1.
func (s *Store) LeaderboardPosition(mapID string, id uuid.UUID) int {
	if pos, ok := s.mapBoard(mapID).positions[id]; ok {
		return pos
	}
	return -1
}

// LeaderboardEntries returns the map board sorted by time.
func (s *Store) LeaderboardEntries(mapID string) []leaderboard.Timed {
	b := s.mapBoard(mapID)
	return append([]leaderboard.Timed(nil), b.sorted...)
}

func (s *Store) WorldRecordMs(mapID string) (int64, bool) {
	b := s.mapBoard(mapID)
	if len(b.sorted) == 0 {
		return 0, false
	}
	return b.sorted[0].TimeMs, true
}

func (s *Store) PlaytimeMs(id uuid.UUID) int64 {
	var ms int64
	s.view(id, func(p *Player) { ms = p.PlaytimeMs })
	return ms
}

// AddPlaytime accumulates session time. Non-positive amounts are ignored so
// the counter never decreases.
func (s *Store) AddPlaytime(id uuid.UUID, ms int64) {
	if ms <= 0 {
		return
	}
	s.update(id, func(p *Player) {
		p.PlaytimeMs += ms
		s.sink.SavePlayer(record(p))
	})
}

func (s *Store) AddJumps(id uuid.UUID, n int64) {
	if n <= 0 {
		return
	}
	s.update(id, func(p *Player) {
		p.JumpCount += n
		s.sink.SavePlayer(record(p))
	})
}

func (s *Store) JumpCount(id uuid.UUID) int64 {
	var n int64
	s.view(id, func(p *Player) { n = p.JumpCount })
	return n
}

// IsVIP reports the display VIP flag; founders are always VIP.
func (s *Store) IsVIP(id uuid.UUID) bool {
	var v bool
	s.view(id, func(p *Player) { v = p.VIP || p.Founder })
	return v
}

func (s *Store) IsFounder(id uuid.UUID) bool {
	var v bool
	s.view(id, func(p *Player) { v = p.Founder })
	return v
}

// SetPlayerRank stores the flags with founder implying VIP and reports whether
// a stored flag changed.
func (s *Store) SetPlayerRank(id uuid.UUID, name string, vip, founder bool) bool {
	vip = vip || founder
	changed := false
	s.update(id, func(p *Player) {
		s.setName(p, name)
		if p.VIP == vip && p.Founder == founder {
			return
		}
		p.VIP, p.Founder = vip, founder
		changed = true
		s.sink.SavePlayer(record(p))
	})
	return changed
}

func (s *Store) WelcomeShown(id uuid.UUID) bool {
	var v bool
	s.view(id, func(p *Player) { v = p.WelcomeShown })
	return v
}

// MarkWelcomeShown sets the one-shot welcome flag and reports whether it was
// newly set.
func (s *Store) MarkWelcomeShown(id uuid.UUID) bool {
	first := false
	s.update(id, func(p *Player) {
		if p.WelcomeShown {
			return
		}
		p.WelcomeShown = true
		first = true
		s.sink.SavePlayer(record(p))
	})
	return first
}

func (s *Store) normalizeName(name string) string {
	name = strings.TrimSpace(name)
	if utf8.RuneCountInString(name) <= s.maxName {
		return name
	}
	return string([]rune(name)[:s.maxName])
}

// setName updates the cached display name and the reverse index. The caller
// holds the player's lock.
func (s *Store) setName(p *Player, name string) {
	name = s.normalizeName(name)
	if name == "" || name == p.Name {
		return
	}
	s.nameMu.Lock()
	if p.Name != "" {
		old := leaderboard.FoldName(p.Name)
		if s.byName[old] == p.ID {
			delete(s.byName, old)
		}
	}
	s.byName[leaderboard.FoldName(name)] = p.ID
	s.nameMu.Unlock()
	p.Name = name
	s.sink.SavePlayer(record(p))
}

// SetPlayerName records the last-seen username of an online player.
func (s *Store) SetPlayerName(id uuid.UUID, name string) {
	s.update(id, func(p *Player) { s.setName(p, name) })
}

func (s *Store) PlayerName(id uuid.UUID) string {
	var name string
	s.view(id, func(p *Player) { name = p.Name })
	return name
}

// PlayerIDByName resolves a username case-insensitively. The index is
// best-effort: only names seen by this store are known.
func (s *Store) PlayerIDByName(name string) (uuid.UUID, bool) {
	name = strings.TrimSpace(name)
	if name == "" {
		return uuid.Nil, false
	}
	s.nameMu.RLock()
	defer s.nameMu.RUnlock()
	id, ok := s.byName[leaderboard.FoldName(name)]
	return id, ok
}

// Export copies the whole store into a Dataset ordered by player, then map.
func (s *Store) Export() Dataset {
	s.loadMu.RLock()
	defer s.loadMu.RUnlock()
	var ds Dataset
	s.players.Range(func(_, v any) bool {
		e := v.(*playerEntry)
		e.mu.Lock()
		ds.Players = append(ds.Players, record(&e.p))
		for mapID, mp := range e.p.Maps {
			if mp.Completed {
				ds.Completions = append(ds.Completions, completionRecord(e.p.ID, mapID, mp))
			}
		}
		e.mu.Unlock()
		return true
	})
	s.authorMu.Lock()
	for _, a := range s.authors {
		ds.Authors = append(ds.Authors, a)
	}
	s.authorMu.Unlock()
	sortDataset(&ds)
	return ds
}

func sortDataset(ds *Dataset) {
	sort.Slice(ds.Players, func(i, j int) bool {
		return ds.Players[i].ID.String() < ds.Players[j].ID.String()
	})
	sort.Slice(ds.Completions, func(i, j int) bool {
		a, b := ds.Completions[i], ds.Completions[j]
		if a.PlayerID != b.PlayerID {
			return a.PlayerID.String() < b.PlayerID.String()
		}
		return a.MapID < b.MapID
	})
	sort.Slice(ds.Authors, func(i, j int) bool { return ds.Authors[i].MapID < ds.Authors[j].MapID })
}

// SyncLoad replaces the in-memory state with what the loader returns. On a
// load error the current state is kept and the error returned.
func (s *Store) SyncLoad(ctx context.Context, l Loader) error {
	ds, err := l.LoadProgress(ctx)
	if err != nil {
		return fmt.Errorf("sync load: %w", err)
	}
	players, authors, names := s.build(ds)

	s.loadMu.Lock()
	s.players.Range(func(k, _ any) bool {
		s.players.Delete(k)
		return true
	})
	for id, e := range players {
		s.players.Store(id, e)
	}
	s.authorMu.Lock()
	s.authors = authors
	s.authorMu.Unlock()
	s.nameMu.Lock()
	s.byName = names
	s.nameMu.Unlock()
	s.bump()
	s.loadMu.Unlock()

	s.log.WithFields(logrus.Fields{
		"players":     len(ds.Players),
		"completions": len(ds.Completions),
		"authors":     len(ds.Authors),
	}).Info("progress loaded")
	return nil
}

func (s *Store) build(ds Dataset) (map[uuid.UUID]*playerEntry, map[string]AuthorRecord, map[string]uuid.UUID) {
	players := make(map[uuid.UUID]*playerEntry, len(ds.Players))
	get := func(id uuid.UUID) *playerEntry {
		e, ok := players[id]
		if !ok {
			e = &playerEntry{p: Player{ID: id, Maps: map[string]MapProgress{}}}
			players[id] = e
		}
		return e
	}
	names := map[string]uuid.UUID{}
	for _, r := range ds.Players {
		e := get(r.ID)
		e.p.Name = s.normalizeName(r.Name)
		e.p.PlaytimeMs = max(r.PlaytimeMs, 0)
		e.p.VIP = r.VIP || r.Founder
		e.p.Founder = r.Founder
		e.p.WelcomeShown = r.WelcomeShown
		e.p.XP = r.XP
		e.p.JumpCount = r.JumpCount
		if e.p.Name != "" {
			names[leaderboard.FoldName(e.p.Name)] = r.ID
		}
	}
	for _, c := range ds.Completions {
		if c.BestTimeMs < 0 {
			continue
		}
		e := get(c.PlayerID)
		e.p.Maps[c.MapID] = MapProgress{
			Completed:                true,
			BestTimeMs:               c.BestTimeMs,
			FirstCompletionXPAwarded: c.XPAwarded,
			FirstCompletedAt:         c.FirstCompletedAt,
			CheckpointTimesMs:        append([]int64(nil), c.CheckpointTimesMs...),
		}
	}
	authors := make(map[string]AuthorRecord, len(ds.Authors))
	for _, a := range ds.Authors {
		authors[a.MapID] = a
	}
	return players, authors, names
}
