package indexdb

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	_ "modernc.org/sqlite"

	"vexa.gg/parkour/internal/logging"
	"vexa.gg/parkour/internal/parkour/catalog"
	"vexa.gg/parkour/internal/parkour/population"
	"vexa.gg/parkour/internal/parkour/progress"
	"vexa.gg/parkour/internal/parkour/tuning"
)

// SQLiteIndex is the durable store. Writes go through a buffered channel to a
// single writer goroutine that batches them into transactions; when the queue
// is full the write is dropped and counted. Loads run synchronously.
type SQLiteIndex struct {
	db  *sql.DB
	log *logrus.Entry

	ch   chan req
	wg   sync.WaitGroup
	once sync.Once

	// mu orders enqueue against Close; enqueue never blocks while holding it.
	mu     sync.RWMutex
	closed bool

	drops    [reqKindCount]atomic.Uint64
	failures atomic.Uint64
	onDrop   atomic.Pointer[func(kind string)]
}

type reqKind int

const (
	reqPlayer reqKind = iota + 1
	reqCompletion
	reqAuthor
	reqDeleteCompletion
	reqDeletePlayer
	reqDeleteMap
	reqSample
	reqPruneSamples
	reqClearSamples
	reqSnapshot
	reqKindCount
)

var kindNames = [reqKindCount]string{
	reqPlayer:           "player",
	reqCompletion:       "completion",
	reqAuthor:           "author",
	reqDeleteCompletion: "delete_completion",
	reqDeletePlayer:     "delete_player",
	reqDeleteMap:        "delete_map",
	reqSample:           "sample",
	reqPruneSamples:     "prune_samples",
	reqClearSamples:     "clear_samples",
	reqSnapshot:         "snapshot",
}

func (k reqKind) String() string {
	if k <= 0 || k >= reqKindCount {
		return "unknown"
	}
	return kindNames[k]
}

type req struct {
	kind reqKind

	player     progress.PlayerRecord
	completion progress.CompletionRecord
	author     progress.AuthorRecord
	playerID   uuid.UUID
	mapID      string
	sample     population.Sample
	cutoffMs   int64
	snapshot   snapshotRow
}

type snapshotRow struct {
	Path        string
	TakenAt     time.Time
	Players     int
	Completions int
	Authors     int
}

const defaultQueueSize = 65536

func OpenSQLite(path string) (*SQLiteIndex, error) {
	return OpenSQLiteWithLogger(path, logging.Discard())
}

func OpenSQLiteWithLogger(path string, log *logrus.Entry) (*SQLiteIndex, error) {
	if path == "" {
		return nil, fmt.Errorf("empty db path")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := initPragmas(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}

	s := &SQLiteIndex{
		db:  db,
		log: log,
		ch:  make(chan req, defaultQueueSize),
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.loop()
	}()
	return s, nil
}

func initPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA foreign_keys=ON;",
		"PRAGMA busy_timeout=5000;",
		"PRAGMA temp_store=MEMORY;",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			return err
		}
	}
	return nil
}

func initSchema(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS meta (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS catalogs (
			name TEXT PRIMARY KEY,
			digest TEXT NOT NULL,
			json TEXT NOT NULL,
			updated_at TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS players (
			player_id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			playtime_ms INTEGER NOT NULL,
			vip INTEGER NOT NULL,
			founder INTEGER NOT NULL,
			welcome_shown INTEGER NOT NULL,
			xp INTEGER NOT NULL,
			jump_count INTEGER NOT NULL,
			updated_at TEXT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_players_name ON players(name COLLATE NOCASE);`,
		`CREATE TABLE IF NOT EXISTS completions (
			player_id TEXT NOT NULL,
			map_id TEXT NOT NULL,
			best_time_ms INTEGER NOT NULL,
			xp_awarded INTEGER NOT NULL,
			first_completed_at TEXT NOT NULL,
			checkpoint_times TEXT NOT NULL,
			PRIMARY KEY (player_id, map_id)
		);`,
		`CREATE INDEX IF NOT EXISTS idx_completions_map_time ON completions(map_id, best_time_ms);`,
		`CREATE TABLE IF NOT EXISTS map_authors (
			map_id TEXT PRIMARY KEY,
			player_id TEXT NOT NULL,
			authored_at TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS player_counts (
			ts_ms INTEGER PRIMARY KEY,
			count INTEGER NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS snapshots (
			path TEXT PRIMARY KEY,
			taken_at TEXT NOT NULL,
			players INTEGER NOT NULL,
			completions INTEGER NOT NULL,
			authors INTEGER NOT NULL
		);`,
	}
	for _, s := range stmts {
		if _, err := db.Exec(s); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLiteIndex) Close() error {
	var err error
	s.once.Do(func() {
		s.mu.Lock()
		s.closed = true
		close(s.ch)
		s.mu.Unlock()
		s.wg.Wait()
		err = s.db.Close()
	})
	return err
}

// OnDrop registers a callback for writes lost to a full queue.
func (s *SQLiteIndex) OnDrop(fn func(kind string)) {
	s.onDrop.Store(&fn)
}

func (s *SQLiteIndex) enqueue(r req) {
	if s == nil {
		return
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return
	}
	select {
	case s.ch <- r:
	default:
		// Drop rather than stall gameplay; the next change or snapshot heals it.
		s.drops[r.kind].Add(1)
		if fn := s.onDrop.Load(); fn != nil {
			(*fn)(r.kind.String())
		}
	}
}

func (s *SQLiteIndex) SavePlayer(p progress.PlayerRecord) {
	s.enqueue(req{kind: reqPlayer, player: p})
}

func (s *SQLiteIndex) SaveCompletion(c progress.CompletionRecord) {
	s.enqueue(req{kind: reqCompletion, completion: c})
}

func (s *SQLiteIndex) SaveAuthor(a progress.AuthorRecord) {
	s.enqueue(req{kind: reqAuthor, author: a})
}

func (s *SQLiteIndex) DeleteCompletion(playerID uuid.UUID, mapID string) {
	s.enqueue(req{kind: reqDeleteCompletion, playerID: playerID, mapID: mapID})
}

func (s *SQLiteIndex) DeletePlayer(playerID uuid.UUID) {
	s.enqueue(req{kind: reqDeletePlayer, playerID: playerID})
}

func (s *SQLiteIndex) DeleteMapProgress(mapID string) {
	s.enqueue(req{kind: reqDeleteMap, mapID: mapID})
}

func (s *SQLiteIndex) SaveSample(smp population.Sample) {
	s.enqueue(req{kind: reqSample, sample: smp})
}

func (s *SQLiteIndex) DeleteSamplesBefore(cutoffMs int64) {
	s.enqueue(req{kind: reqPruneSamples, cutoffMs: cutoffMs})
}

func (s *SQLiteIndex) ClearSamples() {
	s.enqueue(req{kind: reqClearSamples})
}

// RecordSnapshot indexes a snapshot file written for the dataset.
func (s *SQLiteIndex) RecordSnapshot(path string, ds progress.Dataset, takenAt time.Time) {
	s.enqueue(req{kind: reqSnapshot, snapshot: snapshotRow{
		Path:        path,
		TakenAt:     takenAt.UTC(),
		Players:     len(ds.Players),
		Completions: len(ds.Completions),
		Authors:     len(ds.Authors),
	}})
}

// UpsertCatalog stores the map definitions and the tuning actually applied, so
// offline tools can interpret the progress tables.
func (s *SQLiteIndex) UpsertCatalog(ctx context.Context, cat *catalog.Catalog, tune tuning.Tuning) error {
	if s == nil {
		return nil
	}
	now := time.Now().UTC().Format(time.RFC3339Nano)

	type kv struct {
		name   string
		digest string
		json   []byte
	}
	var rows []kv
	if b, err := json.Marshal(cat.ListMaps()); err == nil {
		digest := cat.Digest()
		if digest == "" {
			digest = sha256Hex(b)
		}
		rows = append(rows, kv{name: "maps", digest: digest, json: b})
	}
	if b, err := json.Marshal(tune); err == nil {
		rows = append(rows, kv{name: "tuning", digest: sha256Hex(b), json: b})
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.Exec(`INSERT OR REPLACE INTO meta(key,value) VALUES('schema_version','1')`); err != nil {
		return err
	}
	stmt, err := tx.Prepare(`INSERT OR REPLACE INTO catalogs(name,digest,json,updated_at) VALUES(?,?,?,?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()
	for _, r := range rows {
		if _, err := stmt.Exec(r.name, r.digest, string(r.json), now); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func sha256Hex(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

const (
	upsertPlayerSQL = `INSERT INTO players(player_id,name,playtime_ms,vip,founder,welcome_shown,xp,jump_count,updated_at)
		VALUES(?,?,?,?,?,?,?,?,?)
		ON CONFLICT(player_id) DO UPDATE SET
			name=excluded.name,
			playtime_ms=MAX(players.playtime_ms, excluded.playtime_ms),
			vip=excluded.vip,
			founder=excluded.founder,
			welcome_shown=MAX(players.welcome_shown, excluded.welcome_shown),
			xp=excluded.xp,
			jump_count=MAX(players.jump_count, excluded.jump_count),
			updated_at=excluded.updated_at`
	// Best time only moves down, even if writes arrive out of order.
	upsertCompletionSQL = `INSERT INTO completions(player_id,map_id,best_time_ms,xp_awarded,first_completed_at,checkpoint_times)
		VALUES(?,?,?,?,?,?)
		ON CONFLICT(player_id,map_id) DO UPDATE SET
			checkpoint_times=CASE WHEN excluded.best_time_ms < completions.best_time_ms
				THEN excluded.checkpoint_times ELSE completions.checkpoint_times END,
			best_time_ms=MIN(completions.best_time_ms, excluded.best_time_ms),
			xp_awarded=MAX(completions.xp_awarded, excluded.xp_awarded)`
	insertAuthorSQL     = `INSERT OR IGNORE INTO map_authors(map_id,player_id,authored_at) VALUES(?,?,?)`
	insertSampleSQL     = `INSERT OR REPLACE INTO player_counts(ts_ms,count) VALUES(?,?)`
	insertSnapshotSQL   = `INSERT OR REPLACE INTO snapshots(path,taken_at,players,completions,authors) VALUES(?,?,?,?,?)`
	deleteCompletionSQL = `DELETE FROM completions WHERE player_id=? AND map_id=?`
)

func (s *SQLiteIndex) loop() {
	ctx := context.Background()

	var (
		tx            *sql.Tx
		opCount       int
		lastCommit    = time.Now()
		commitEvery   = 2000
		commitMaxWait = 2 * time.Second
	)

	begin := func() {
		if tx != nil {
			return
		}
		txx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			s.log.WithError(err).Warn("begin tx")
			time.Sleep(50 * time.Millisecond)
			return
		}
		tx = txx
		opCount = 0
		lastCommit = time.Now()
	}
	commit := func() {
		if tx == nil {
			return
		}
		if err := tx.Commit(); err != nil {
			s.failures.Add(1)
			s.log.WithError(err).Warn("commit")
		}
		tx = nil
		opCount = 0
		lastCommit = time.Now()
	}
	rollback := func(kind reqKind, err error) {
		s.failures.Add(1)
		s.log.WithError(err).WithField("kind", kind.String()).Warn("write failed; batch rolled back")
		if tx == nil {
			return
		}
		_ = tx.Rollback()
		tx = nil
		opCount = 0
		lastCommit = time.Now()
	}
	flushIfNeeded := func() {
		if tx == nil {
			return
		}
		if opCount >= commitEvery || time.Since(lastCommit) >= commitMaxWait || len(s.ch) == 0 {
			commit()
		}
	}

	for r := range s.ch {
		begin()
		if tx == nil {
			continue
		}
		if err := s.apply(tx, r); err != nil {
			rollback(r.kind, err)
			continue
		}
		opCount++
		flushIfNeeded()
	}
	commit()
}

func (s *SQLiteIndex) apply(tx *sql.Tx, r req) error {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	var err error
	switch r.kind {
	case reqPlayer:
		p := r.player
		_, err = tx.Exec(upsertPlayerSQL, p.ID.String(), p.Name, p.PlaytimeMs, boolInt(p.VIP), boolInt(p.Founder),
			boolInt(p.WelcomeShown), p.XP, p.JumpCount, now)
	case reqCompletion:
		c := r.completion
		splits, _ := json.Marshal(c.CheckpointTimesMs)
		if c.CheckpointTimesMs == nil {
			splits = []byte("[]")
		}
		_, err = tx.Exec(upsertCompletionSQL, c.PlayerID.String(), c.MapID, c.BestTimeMs, boolInt(c.XPAwarded),
			c.FirstCompletedAt.UTC().Format(time.RFC3339Nano), string(splits))
	case reqAuthor:
		a := r.author
		_, err = tx.Exec(insertAuthorSQL, a.MapID, a.PlayerID.String(), a.At.UTC().Format(time.RFC3339Nano))
	case reqDeleteCompletion:
		_, err = tx.Exec(deleteCompletionSQL, r.playerID.String(), r.mapID)
	case reqDeletePlayer:
		if _, err = tx.Exec(`DELETE FROM completions WHERE player_id=?`, r.playerID.String()); err == nil {
			_, err = tx.Exec(`DELETE FROM players WHERE player_id=?`, r.playerID.String())
		}
	case reqDeleteMap:
		if _, err = tx.Exec(`DELETE FROM completions WHERE map_id=?`, r.mapID); err == nil {
			_, err = tx.Exec(`DELETE FROM map_authors WHERE map_id=?`, r.mapID)
		}
	case reqSample:
		_, err = tx.Exec(insertSampleSQL, r.sample.TimestampMs, r.sample.Count)
	case reqPruneSamples:
		_, err = tx.Exec(`DELETE FROM player_counts WHERE ts_ms < ?`, r.cutoffMs)
	case reqClearSamples:
		_, err = tx.Exec(`DELETE FROM player_counts`)
	case reqSnapshot:
		sn := r.snapshot
		_, err = tx.Exec(insertSnapshotSQL, sn.Path, sn.TakenAt.Format(time.RFC3339Nano), sn.Players, sn.Completions, sn.Authors)
	default:
		err = fmt.Errorf("unknown request kind %d", r.kind)
	}
	return err
}
