package main

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"

	"vexa.gg/parkour/internal/logging"
	"vexa.gg/parkour/internal/parkour/catalog"
	"vexa.gg/parkour/internal/parkour/engine"
	"vexa.gg/parkour/internal/parkour/tuning"
	"vexa.gg/parkour/internal/transport/ws"
)

func TestBot_RunsMapOverWS(t *testing.T) {
	cat, err := catalog.New([]catalog.MapDefinition{{
		ID:                "A",
		FirstCompletionXP: 30,
		Active:            true,
		Start:             &catalog.Transform{Y: 64},
		Checkpoints:       []catalog.Transform{{X: 10}, {X: 20}},
	}})
	if err != nil {
		t.Fatalf("catalog: %v", err)
	}
	eng := engine.New(cat, engine.Config{Tuning: tuning.Defaults()})
	srv := httptest.NewServer(ws.NewServer(eng, logging.Discard()).Handler())
	defer srv.Close()

	id := uuid.MustParse("99999999-9999-9999-9999-999999999999")
	c, w, err := dial("ws"+strings.TrimPrefix(srv.URL, "http"), id, "Ivy")
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer c.Close()
	if w.PlayerID != id.String() || !w.FirstVisit {
		t.Fatalf("welcome=%+v", w)
	}
	c.sleep = func(time.Duration) {}
	noWait := func() time.Duration { return 0 }

	fin, err := c.runMap("A", 2, false, noWait)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if fin.MapID != "A" || !fin.Scoring || !fin.Progress.FirstCompletion {
		t.Fatalf("finish=%+v", fin)
	}
	if _, ok := eng.Progress.BestTimeMs(id, "A"); !ok {
		t.Fatalf("completion not recorded")
	}

	fin, err = c.runMap("A", 0, true, noWait)
	if err != nil {
		t.Fatalf("practice run: %v", err)
	}
	if fin.Scoring {
		t.Fatalf("practice run scored: %+v", fin)
	}

	// skipping checkpoints leaves the run open
	if _, err := c.runMap("A", 1, false, noWait); err == nil || !strings.Contains(err.Error(), "E_CHECKPOINTS_MISSING") {
		t.Fatalf("missing checkpoints err=%v", err)
	}
	if _, err := c.call("ABANDON", "", nil); err != nil {
		t.Fatalf("abandon: %v", err)
	}
	if _, err := c.runMap("nope", 0, false, noWait); err == nil || !strings.Contains(err.Error(), "E_MAP_NOT_FOUND") {
		t.Fatalf("unknown map err=%v", err)
	}
}
