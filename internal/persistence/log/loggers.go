package log

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/klauspost/compress/zstd"
	"github.com/sirupsen/logrus"

	"vexa.gg/parkour/internal/logging"
	"vexa.gg/parkour/internal/parkour/run"
)

type JSONLZstdWriter struct {
	baseDir string
	prefix  string
	now     func() time.Time

	mu      sync.Mutex
	curHour string
	f       *os.File
	enc     *zstd.Encoder
	w       *bufio.Writer
}

func NewJSONLZstdWriter(baseDir, prefix string) *JSONLZstdWriter {
	return &JSONLZstdWriter{
		baseDir: baseDir,
		prefix:  prefix,
		now:     time.Now,
	}
}

func (w *JSONLZstdWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.closeLocked()
}

func (w *JSONLZstdWriter) Write(v any) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	hour := w.now().UTC().Format("2006-01-02-15")
	if hour != w.curHour {
		if err := w.rotateLocked(hour); err != nil {
			return err
		}
	}

	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if _, err := w.w.Write(b); err != nil {
		return err
	}
	if err := w.w.WriteByte('\n'); err != nil {
		return err
	}
	return w.w.Flush()
}

func (w *JSONLZstdWriter) rotateLocked(hour string) error {
	if err := w.closeLocked(); err != nil {
		return err
	}
	if err := os.MkdirAll(w.baseDir, 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(w.pathForHour(hour), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	enc, err := zstd.NewWriter(f, zstd.WithEncoderLevel(zstd.SpeedFastest))
	if err != nil {
		_ = f.Close()
		return err
	}
	w.f = f
	w.enc = enc
	w.w = bufio.NewWriterSize(enc, 128*1024)
	w.curHour = hour
	return nil
}

func (w *JSONLZstdWriter) closeLocked() error {
	var err1 error
	if w.w != nil {
		_ = w.w.Flush()
	}
	if w.enc != nil {
		err1 = w.enc.Close()
		w.enc = nil
	}
	if w.f != nil {
		_ = w.f.Close()
		w.f = nil
	}
	w.w = nil
	w.curHour = ""
	return err1
}

func (w *JSONLZstdWriter) pathForHour(hour string) string {
	return filepath.Join(w.baseDir, fmt.Sprintf("%s-%s.jsonl.zst", w.prefix, hour))
}

// EventLogger is a run.Events sink: one compressed JSONL line per run event.
// Emit never blocks the caller; events past the buffer are dropped and counted.
type EventLogger struct {
	w   *JSONLZstdWriter
	log *logrus.Entry

	ch      chan run.Event
	wg      sync.WaitGroup
	once    sync.Once
	mu      sync.RWMutex
	closed  bool
	dropped atomic.Uint64
	written atomic.Uint64
	onDrop  func()
}

func NewEventLogger(dataDir string, buffer int, log *logrus.Entry) *EventLogger {
	if buffer <= 0 {
		buffer = 4096
	}
	if log == nil {
		log = logging.Discard()
	}
	l := &EventLogger{
		w:   NewJSONLZstdWriter(filepath.Join(dataDir, "events"), "events"),
		log: log,
		ch:  make(chan run.Event, buffer),
	}
	l.wg.Add(1)
	go l.loop()
	return l
}

// OnDrop must be set before the first Emit.
func (l *EventLogger) OnDrop(fn func()) { l.onDrop = fn }

func (l *EventLogger) Emit(ev run.Event) {
	if l == nil {
		return
	}
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.closed {
		return
	}
	select {
	case l.ch <- ev:
	default:
		l.dropped.Add(1)
		if l.onDrop != nil {
			l.onDrop()
		}
	}
}

func (l *EventLogger) loop() {
	defer l.wg.Done()
	for ev := range l.ch {
		if err := l.w.Write(ev); err != nil {
			l.log.WithError(err).WithField("kind", ev.Kind).Warn("event write failed")
			continue
		}
		l.written.Add(1)
	}
}

func (l *EventLogger) Written() uint64 { return l.written.Load() }
func (l *EventLogger) Dropped() uint64 { return l.dropped.Load() }

// Close drains queued events and closes the current file.
func (l *EventLogger) Close() error {
	var err error
	l.once.Do(func() {
		l.mu.Lock()
		l.closed = true
		close(l.ch)
		l.mu.Unlock()
		l.wg.Wait()
		err = l.w.Close()
	})
	return err
}

// AuditEntry records one operator action against player data.
type AuditEntry struct {
	At       time.Time `json:"at"`
	Action   string    `json:"action"`
	PlayerID string    `json:"player_id,omitempty"`
	MapID    string    `json:"map_id,omitempty"`
	Detail   any       `json:"detail,omitempty"`
	Remote   string    `json:"remote,omitempty"`
}

// AuditLogger writes audit JSONL entries (compressed).
type AuditLogger struct{ w *JSONLZstdWriter }

func NewAuditLogger(dataDir string) *AuditLogger {
	return &AuditLogger{w: NewJSONLZstdWriter(filepath.Join(dataDir, "audit"), "audit")}
}

func (l *AuditLogger) WriteAudit(v AuditEntry) error { return l.w.Write(v) }
func (l *AuditLogger) Close() error                  { return l.w.Close() }
