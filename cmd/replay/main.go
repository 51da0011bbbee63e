package main

import (
	"bufio"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/google/uuid"
	"github.com/klauspost/compress/zstd"

	"vexa.gg/parkour/internal/parkour/run"
	"vexa.gg/parkour/internal/persistence/snapshot"
)

func main() {
	var (
		eventsDir = flag.String("events", "./data/events", "events dir containing events-*.jsonl.zst")
		snapPath  = flag.String("snapshot", "", "verify best times in this .snap.zst against the log (optional)")
		since     = flag.String("since", "", "ignore events before this RFC3339 time (optional)")
		strict    = flag.Bool("strict", false, "exit 1 on any verification mismatch")
	)
	flag.Parse()

	var from time.Time
	if s := strings.TrimSpace(*since); s != "" {
		t, err := time.Parse(time.RFC3339, s)
		if err != nil {
			fmt.Fprintln(os.Stderr, "bad -since:", err)
			os.Exit(2)
		}
		from = t
	}

	files, err := listEventFiles(*eventsDir)
	if err != nil {
		fmt.Fprintln(os.Stderr, "list events:", err)
		os.Exit(1)
	}
	if len(files) == 0 {
		fmt.Fprintln(os.Stderr, "no events files found in", *eventsDir)
		os.Exit(1)
	}

	var to time.Time
	var snap snapshot.SnapshotV1
	if *snapPath != "" {
		snap, err = snapshot.ReadSnapshot(*snapPath)
		if err != nil {
			fmt.Fprintln(os.Stderr, "read snapshot:", err)
			os.Exit(1)
		}
		to = snap.Header.TakenAt
	}

	r := newReplay(from, to)
	for _, path := range files {
		if err := replayFile(r, path); err != nil {
			fmt.Fprintln(os.Stderr, "replay:", err)
			os.Exit(1)
		}
	}
	r.report(os.Stdout)

	if *snapPath == "" {
		return
	}
	bad := r.verify(snap)
	for _, m := range bad {
		fmt.Printf("mismatch player=%s map=%s snapshot_best=%d log_best=%d\n", m.PlayerID, m.MapID, m.SnapshotMs, m.LogMs)
	}
	fmt.Printf("verify: snapshot=%s completions=%d mismatches=%d\n",
		filepath.Base(*snapPath), len(snap.Progress.Completions), len(bad))
	if *strict && len(bad) > 0 {
		os.Exit(1)
	}
}

func listEventFiles(dir string) ([]string, error) {
	ents, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(ents))
	for _, e := range ents {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if strings.HasPrefix(name, "events-") && strings.HasSuffix(name, ".jsonl.zst") {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	out := make([]string, 0, len(names))
	for _, name := range names {
		out = append(out, filepath.Join(dir, name))
	}
	return out, nil
}

type mapStats struct {
	Starts      int
	Finishes    int
	Practice    int
	Fails       int
	Abandons    int
	Firsts      int
	Checkpoints int
	BestMs      int64
}

type bestKey struct {
	player uuid.UUID
	mapID  string
}

// replay folds run events into per-map counters and per-player best times.
// Events outside [from, to] are skipped; a zero bound is open.
type replay struct {
	from, to time.Time
	events   int
	maps     map[string]*mapStats
	best     map[bestKey]int64
}

func newReplay(from, to time.Time) *replay {
	return &replay{from: from, to: to, maps: map[string]*mapStats{}, best: map[bestKey]int64{}}
}

func (r *replay) apply(ev run.Event) {
	if (!r.from.IsZero() && ev.At.Before(r.from)) || (!r.to.IsZero() && ev.At.After(r.to)) {
		return
	}
	r.events++
	st := r.maps[ev.MapID]
	if st == nil {
		st = &mapStats{}
		r.maps[ev.MapID] = st
	}
	switch ev.Kind {
	case run.EventStart:
		st.Starts++
	case run.EventCheckpoint:
		st.Checkpoints++
	case run.EventFail:
		st.Fails++
	case run.EventAbandon:
		st.Abandons++
	case run.EventFinish:
		if ev.Mode != run.Normal.String() {
			st.Practice++
			return
		}
		st.Finishes++
		if ev.First {
			st.Firsts++
		}
		if st.BestMs == 0 || ev.ElapsedMs < st.BestMs {
			st.BestMs = ev.ElapsedMs
		}
		k := bestKey{ev.PlayerID, ev.MapID}
		if b, ok := r.best[k]; !ok || ev.ElapsedMs < b {
			r.best[k] = ev.ElapsedMs
		}
	}
}

func replayFile(r *replay, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	dec, err := zstd.NewReader(f)
	if err != nil {
		return err
	}
	defer dec.Close()

	sc := bufio.NewScanner(dec)
	sc.Buffer(make([]byte, 64*1024), 8*1024*1024)
	for sc.Scan() {
		var ev run.Event
		if err := json.Unmarshal(sc.Bytes(), &ev); err != nil {
			return fmt.Errorf("%s: unmarshal: %w", filepath.Base(path), err)
		}
		r.apply(ev)
	}
	return sc.Err()
}

func (r *replay) report(w io.Writer) {
	ids := make([]string, 0, len(r.maps))
	for id := range r.maps {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "map\tstarts\tfinishes\tfirsts\tfails\tabandons\tpractice\tbest_ms\tfinish_rate")
	for _, id := range ids {
		st := r.maps[id]
		rate := "-"
		if st.Starts > 0 {
			rate = fmt.Sprintf("%.1f%%", 100*float64(st.Finishes)/float64(st.Starts))
		}
		fmt.Fprintf(tw, "%s\t%d\t%d\t%d\t%d\t%d\t%d\t%d\t%s\n",
			id, st.Starts, st.Finishes, st.Firsts, st.Fails, st.Abandons, st.Practice, st.BestMs, rate)
	}
	_ = tw.Flush()
	fmt.Fprintf(w, "replay ok: events=%d maps=%d players_with_times=%d\n", r.events, len(r.maps), len(r.best))
}

type mismatch struct {
	PlayerID   uuid.UUID
	MapID      string
	SnapshotMs int64
	LogMs      int64
}

// verify reports completions whose stored best is slower than a finish the
// log saw before the snapshot was taken, and logged times the snapshot lost.
// Times older than the log cannot be checked. Operator clears and purges show
// up as lost times; cross-check with the audit log.
func (r *replay) verify(snap snapshot.SnapshotV1) []mismatch {
	var out []mismatch
	stored := make(map[bestKey]bool, len(snap.Progress.Completions))
	for _, c := range snap.Progress.Completions {
		k := bestKey{c.PlayerID, c.MapID}
		stored[k] = true
		if b, ok := r.best[k]; ok && b < c.BestTimeMs {
			out = append(out, mismatch{PlayerID: c.PlayerID, MapID: c.MapID, SnapshotMs: c.BestTimeMs, LogMs: b})
		}
	}
	for k, b := range r.best {
		if !stored[k] {
			out = append(out, mismatch{PlayerID: k.player, MapID: k.mapID, SnapshotMs: -1, LogMs: b})
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].MapID != out[j].MapID {
			return out[i].MapID < out[j].MapID
		}
		return out[i].PlayerID.String() < out[j].PlayerID.String()
	})
	return out
}
