package main

import (
	"bytes"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"

	"vexa.gg/parkour/internal/parkour/progress"
	"vexa.gg/parkour/internal/parkour/run"
	plog "vexa.gg/parkour/internal/persistence/log"
	"vexa.gg/parkour/internal/persistence/snapshot"
)

var (
	gus  = uuid.MustParse("77777777-7777-7777-7777-777777777777")
	hana = uuid.MustParse("88888888-8888-8888-8888-888888888888")
)

func writeEvents(t *testing.T, dataDir string, evs []run.Event) string {
	t.Helper()
	l := plog.NewEventLogger(dataDir, 16, nil)
	for _, ev := range evs {
		l.Emit(ev)
	}
	if err := l.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	return filepath.Join(dataDir, "events")
}

func TestReplay_FoldsEvents(t *testing.T) {
	base := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	at := func(m int) time.Time { return base.Add(time.Duration(m) * time.Minute) }
	dir := writeEvents(t, t.TempDir(), []run.Event{
		{Kind: run.EventStart, At: at(0), PlayerID: gus, MapID: "A", Mode: "normal"},
		{Kind: run.EventFinish, At: at(1), PlayerID: gus, MapID: "A", Mode: "normal", ElapsedMs: 5000, First: true},
		{Kind: run.EventStart, At: at(2), PlayerID: gus, MapID: "A", Mode: "normal"},
		{Kind: run.EventFinish, At: at(3), PlayerID: gus, MapID: "A", Mode: "normal", ElapsedMs: 4200, NewBest: true},
		{Kind: run.EventStart, At: at(4), PlayerID: hana, MapID: "A", Mode: "normal"},
		{Kind: run.EventFail, At: at(5), PlayerID: hana, MapID: "A", Mode: "normal"},
		{Kind: run.EventFinish, At: at(6), PlayerID: hana, MapID: "A", Mode: "practice", ElapsedMs: 1000},
		{Kind: run.EventStart, At: at(7), PlayerID: hana, MapID: "B", Mode: "normal"},
		{Kind: run.EventAbandon, At: at(8), PlayerID: hana, MapID: "B", Mode: "normal"},
	})

	files, err := listEventFiles(dir)
	if err != nil || len(files) != 1 {
		t.Fatalf("files=%v err=%v", files, err)
	}
	r := newReplay(time.Time{}, time.Time{})
	for _, f := range files {
		if err := replayFile(r, f); err != nil {
			t.Fatalf("replay: %v", err)
		}
	}
	a := r.maps["A"]
	if a == nil || a.Starts != 3 || a.Finishes != 2 || a.Firsts != 1 || a.Fails != 1 || a.Practice != 1 || a.BestMs != 4200 {
		t.Fatalf("A=%+v", a)
	}
	if b := r.maps["B"]; b == nil || b.Abandons != 1 || b.Finishes != 0 {
		t.Fatalf("B=%+v", b)
	}
	if got := r.best[bestKey{gus, "A"}]; got != 4200 {
		t.Fatalf("gus best=%d", got)
	}
	if _, ok := r.best[bestKey{hana, "A"}]; ok {
		t.Fatalf("practice finish counted as a best time")
	}

	var buf bytes.Buffer
	r.report(&buf)
	if !strings.Contains(buf.String(), "events=9") || !strings.Contains(buf.String(), "66.7%") {
		t.Fatalf("report:\n%s", buf.String())
	}

	windowed := newReplay(at(2), at(5))
	for _, f := range files {
		if err := replayFile(windowed, f); err != nil {
			t.Fatalf("replay: %v", err)
		}
	}
	if windowed.events != 4 || windowed.best[bestKey{gus, "A"}] != 4200 {
		t.Fatalf("windowed events=%d best=%v", windowed.events, windowed.best)
	}
}

func TestReplay_Verify(t *testing.T) {
	r := newReplay(time.Time{}, time.Time{})
	now := time.Now()
	r.apply(run.Event{Kind: run.EventFinish, At: now, PlayerID: gus, MapID: "A", Mode: "normal", ElapsedMs: 4200})
	r.apply(run.Event{Kind: run.EventFinish, At: now, PlayerID: hana, MapID: "A", Mode: "normal", ElapsedMs: 3900})
	r.apply(run.Event{Kind: run.EventFinish, At: now, PlayerID: hana, MapID: "B", Mode: "normal", ElapsedMs: 8000})

	snap := snapshot.New(progress.Dataset{Completions: []progress.CompletionRecord{
		{PlayerID: gus, MapID: "A", BestTimeMs: 4200},
		{PlayerID: hana, MapID: "A", BestTimeMs: 4500},
		{PlayerID: gus, MapID: "C", BestTimeMs: 9000},
	}}, "", now)

	bad := r.verify(snap)
	if len(bad) != 2 {
		t.Fatalf("mismatches=%+v", bad)
	}
	if bad[0].PlayerID != hana || bad[0].MapID != "A" || bad[0].SnapshotMs != 4500 || bad[0].LogMs != 3900 {
		t.Fatalf("slower stored best not reported: %+v", bad[0])
	}
	if bad[1].MapID != "B" || bad[1].SnapshotMs != -1 {
		t.Fatalf("lost time not reported: %+v", bad[1])
	}
}
