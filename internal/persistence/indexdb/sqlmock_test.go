package indexdb

import (
	"context"
	"errors"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"

	"vexa.gg/parkour/internal/parkour/catalog"
	"vexa.gg/parkour/internal/parkour/progress"
)

func mockIndex(t *testing.T) (*SQLiteIndex, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return &SQLiteIndex{db: db}, mock
}

func TestLoadProgress_QueryError(t *testing.T) {
	s, mock := mockIndex(t)
	mock.ExpectQuery("SELECT player_id,name").WillReturnError(errors.New("disk I/O error"))

	if _, err := s.LoadProgress(context.Background()); err == nil {
		t.Fatalf("expected error")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestLoadProgress_NoPartialDataset(t *testing.T) {
	s, mock := mockIndex(t)
	mock.ExpectQuery("SELECT player_id,name").WillReturnRows(
		sqlmock.NewRows([]string{"player_id", "name", "playtime_ms", "vip", "founder", "welcome_shown", "xp", "jump_count"}).
			AddRow(uuid.NewString(), "Ann", 10, 0, 0, 1, 100, 0))
	mock.ExpectQuery("SELECT player_id,map_id").WillReturnRows(
		sqlmock.NewRows([]string{"player_id", "map_id", "best_time_ms", "xp_awarded", "first_completed_at", "checkpoint_times"}).
			AddRow("not-a-uuid", "A", 1000, 1, "", "[]"))

	ds, err := s.LoadProgress(context.Background())
	if err == nil {
		t.Fatalf("expected error for bad player id")
	}
	if len(ds.Players) != 0 || len(ds.Completions) != 0 {
		t.Fatalf("partial dataset returned: %+v", ds)
	}
}

func TestLoadSamples_RowError(t *testing.T) {
	s, mock := mockIndex(t)
	mock.ExpectQuery("SELECT ts_ms,count").WillReturnRows(
		sqlmock.NewRows([]string{"ts_ms", "count"}).
			AddRow(1000, 3).
			RowError(0, errors.New("corrupt page")))
	if _, err := s.LoadSamples(context.Background()); err == nil {
		t.Fatalf("expected row error")
	}
}

func TestSyncLoad_StoreUnchangedOnDBFailure(t *testing.T) {
	cat, err := catalog.New([]catalog.MapDefinition{{ID: "A", FirstCompletionXP: 10, Active: true}})
	if err != nil {
		t.Fatalf("catalog: %v", err)
	}
	store := progress.New(cat, progress.Options{})
	p := uuid.New()
	if _, err := store.RecordCompletion(p, "", "A", 1234, nil); err != nil {
		t.Fatalf("record: %v", err)
	}

	s, mock := mockIndex(t)
	mock.ExpectQuery("SELECT player_id,name").WillReturnError(errors.New("database is locked"))
	if err := store.SyncLoad(context.Background(), s); err == nil {
		t.Fatalf("expected sync load error")
	}
	if best, ok := store.BestTimeMs(p, "A"); !ok || best != 1234 {
		t.Fatalf("best=%d ok=%v after failed load", best, ok)
	}
}
