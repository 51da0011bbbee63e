package indexdb

import (
	"path/filepath"
	"sync"
	"testing"

	"github.com/google/uuid"

	"vexa.gg/parkour/internal/parkour/population"
	"vexa.gg/parkour/internal/parkour/progress"
)

func TestSQLiteIndex_QueueDropStats(t *testing.T) {
	s := &SQLiteIndex{ch: make(chan req, 1)}
	s.ch <- req{kind: reqPlayer}

	var hooked []string
	s.OnDrop(func(kind string) { hooked = append(hooked, kind) })

	s.SavePlayer(progress.PlayerRecord{ID: uuid.New()})
	s.SaveCompletion(progress.CompletionRecord{MapID: "A"})
	s.SaveCompletion(progress.CompletionRecord{MapID: "B"})
	s.SaveAuthor(progress.AuthorRecord{MapID: "A"})
	s.DeleteMapProgress("A")
	s.SaveSample(population.Sample{TimestampMs: 1, Count: 2})

	st := s.Stats()
	if st.Drops["player"] != 1 {
		t.Fatalf("player drops=%d want=1", st.Drops["player"])
	}
	if st.Drops["completion"] != 2 {
		t.Fatalf("completion drops=%d want=2", st.Drops["completion"])
	}
	if st.Drops["author"] != 1 || st.Drops["delete_map"] != 1 || st.Drops["sample"] != 1 {
		t.Fatalf("drops=%v", st.Drops)
	}
	if st.DropTotal != 6 {
		t.Fatalf("DropTotal=%d want=6", st.DropTotal)
	}
	if len(hooked) != 6 || hooked[0] != "player" {
		t.Fatalf("hook calls=%v", hooked)
	}
	if st.QueueDepth != 1 || st.QueueCapacity != 1 {
		t.Fatalf("queue stats mismatch: depth=%d cap=%d", st.QueueDepth, st.QueueCapacity)
	}
}

func TestSQLiteIndex_ClosedIgnoresWrites(t *testing.T) {
	s := &SQLiteIndex{ch: make(chan req, 1)}
	s.closed = true
	s.SavePlayer(progress.PlayerRecord{})
	if len(s.ch) != 0 || s.Stats().DropTotal != 0 {
		t.Fatalf("closed index must ignore writes without counting drops")
	}

	var nilIndex *SQLiteIndex
	nilIndex.SaveSample(population.Sample{})
}

func TestSQLiteIndex_WritesDuringClose(t *testing.T) {
	dir := t.TempDir()
	for round := 0; round < 20; round++ {
		s, err := OpenSQLite(filepath.Join(dir, "index.sqlite"))
		if err != nil {
			t.Fatalf("round %d: open: %v", round, err)
		}
		var wg sync.WaitGroup
		start := make(chan struct{})
		for g := 0; g < 8; g++ {
			wg.Add(1)
			go func(g int) {
				defer wg.Done()
				<-start
				for i := 0; i < 100; i++ {
					s.SaveSample(population.Sample{TimestampMs: int64(round*10000 + g*100 + i), Count: 1})
				}
			}(g)
		}
		close(start)
		if err := s.Close(); err != nil {
			t.Fatalf("round %d: close: %v", round, err)
		}
		wg.Wait()
	}
}
