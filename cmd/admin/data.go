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
	"time"

	"github.com/google/uuid"
	"github.com/klauspost/compress/zstd"

	"vexa.gg/parkour/internal/parkour/progress"
	plog "vexa.gg/parkour/internal/persistence/log"
	"vexa.gg/parkour/internal/persistence/snapshot"
)

func purgeMapCmd(args []string) {
	fs := flag.NewFlagSet("purge-map", flag.ExitOnError)
	var src source
	src.register(fs)
	mapID := fs.String("map", "", "map id (required)")
	_ = fs.Parse(args)
	if strings.TrimSpace(*mapID) == "" {
		fail(2, "missing -map")
	}
	if src.snapPath != "" {
		fail(2, "purge-map writes to the index; -snapshot is not allowed")
	}

	eng, closeFn := openOrFail(&src, true)
	res := eng.Progress.PurgeMapProgress(*mapID)
	// close drains the index write queue
	closeFn()

	audit := plog.NewAuditLogger(src.dataDir)
	if err := audit.WriteAudit(plog.AuditEntry{
		At:     time.Now().UTC(),
		Action: "purge_map",
		MapID:  *mapID,
		Detail: res,
		Remote: "cli",
	}); err != nil {
		errText.Fprintf(os.Stderr, "audit: %v\n", err)
	}
	_ = audit.Close()
	fmt.Printf("purge ok: map=%s players=%d xp_removed=%d\n", *mapID, res.PlayersUpdated, res.TotalXPRemoved)
}

func exportCmd(args []string) {
	fs := flag.NewFlagSet("export", flag.ExitOnError)
	var src source
	src.register(fs)
	out := fs.String("out", "", "output file (default: stdout)")
	_ = fs.Parse(args)

	eng, closeFn := openOrFail(&src, false)
	defer closeFn()
	ds := eng.Progress.Export()

	w := io.Writer(os.Stdout)
	if p := strings.TrimSpace(*out); p != "" {
		f, err := os.Create(p)
		if err != nil {
			fail(1, "create: %v", err)
		}
		defer f.Close()
		w = f
	}
	if err := writeDataset(w, ds); err != nil {
		fail(1, "encode: %v", err)
	}
}

func writeDataset(w io.Writer, ds progress.Dataset) error {
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")
	return enc.Encode(ds)
}

func readDataset(r io.Reader) (progress.Dataset, error) {
	var ds progress.Dataset
	dec := json.NewDecoder(r)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&ds); err != nil {
		return ds, err
	}
	for i, p := range ds.Players {
		if p.ID == uuid.Nil {
			return ds, fmt.Errorf("players[%d]: missing id", i)
		}
	}
	for i, c := range ds.Completions {
		if strings.TrimSpace(c.MapID) == "" || c.BestTimeMs < 0 {
			return ds, fmt.Errorf("completions[%d]: bad map id or time", i)
		}
	}
	return ds, nil
}

// importCmd turns a JSON dump into a snapshot; the server picks it up with
// -snapshot or -load_latest_snapshot.
func importCmd(args []string) {
	fs := flag.NewFlagSet("import", flag.ExitOnError)
	var src source
	src.register(fs)
	in := fs.String("in", "", "JSON dump from export (required)")
	_ = fs.Parse(args)
	if strings.TrimSpace(*in) == "" {
		fail(2, "missing -in")
	}

	f, err := os.Open(*in)
	if err != nil {
		fail(1, "open: %v", err)
	}
	ds, err := readDataset(f)
	_ = f.Close()
	if err != nil {
		fail(1, "decode %s: %v", *in, err)
	}
	digest := ""
	if _, cat, err := src.load(); err == nil {
		digest = cat.Digest()
	} else {
		dim.Fprintf(os.Stderr, "catalog not loaded, snapshot has no digest: %v\n", err)
	}
	path, err := snapshot.Write(src.snapDir(), ds, digest, time.Now())
	if err != nil {
		fail(1, "write snapshot: %v", err)
	}
	fmt.Printf("import ok: players=%d completions=%d authors=%d out=%s\n",
		len(ds.Players), len(ds.Completions), len(ds.Authors), path)
}

func inspectCmd(args []string) {
	fs := flag.NewFlagSet("inspect", flag.ExitOnError)
	dataDir := fs.String("data", "./data", "runtime data directory")
	_ = fs.Parse(args)

	var paths []string
	if fs.NArg() > 0 {
		paths = fs.Args()
	} else {
		var err error
		paths, err = snapshot.List(filepath.Join(*dataDir, "snapshots"))
		if err != nil {
			fail(1, "list: %v", err)
		}
	}
	if len(paths) == 0 {
		dim.Println("no snapshots")
		return
	}
	for _, p := range paths {
		h, err := snapshot.ReadHeader(p)
		if err != nil {
			errText.Fprintf(os.Stderr, "%s: %v\n", filepath.Base(p), err)
			continue
		}
		fmt.Printf("%s  v%d  %s  players=%d completions=%d authors=%d digest=%s\n",
			filepath.Base(p), h.Version, h.TakenAt.Format(time.RFC3339), h.Players, h.Completions, h.Authors, shortDigest(h.CatalogDigest))
	}
}

func shortDigest(d string) string {
	if len(d) > 12 {
		return d[:12]
	}
	if d == "" {
		return "-"
	}
	return d
}

type auditFilter struct {
	player string
	action string
	since  time.Time
}

func (f auditFilter) match(e plog.AuditEntry) bool {
	if f.player != "" && !strings.EqualFold(e.PlayerID, f.player) {
		return false
	}
	if f.action != "" && e.Action != f.action {
		return false
	}
	return f.since.IsZero() || !e.At.Before(f.since)
}

func auditCmd(args []string) {
	fs := flag.NewFlagSet("audit", flag.ExitOnError)
	dataDir := fs.String("data", "./data", "runtime data directory")
	player := fs.String("player", "", "player id filter")
	action := fs.String("action", "", "action filter (set_rank, purge_map, ...)")
	since := fs.Duration("since", 0, "only entries newer than this (e.g. 24h)")
	_ = fs.Parse(args)

	f := auditFilter{player: strings.TrimSpace(*player), action: strings.TrimSpace(*action)}
	if *since > 0 {
		f.since = time.Now().Add(-*since)
	}
	recs, err := readAudit(filepath.Join(*dataDir, "audit"), f)
	if err != nil {
		fail(1, "read audit: %v", err)
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetEscapeHTML(false)
	for _, e := range recs {
		_ = enc.Encode(e)
	}
}

// readAudit scans every hourly audit file in name order, which is also time
// order.
func readAudit(dir string, f auditFilter) ([]plog.AuditEntry, error) {
	ents, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	names := make([]string, 0, len(ents))
	for _, e := range ents {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if strings.HasPrefix(name, "audit-") && strings.HasSuffix(name, ".jsonl.zst") {
			names = append(names, name)
		}
	}
	sort.Strings(names)

	var out []plog.AuditEntry
	for _, name := range names {
		recs, err := readAuditFile(filepath.Join(dir, name), f)
		if err != nil {
			return nil, err
		}
		out = append(out, recs...)
	}
	return out, nil
}

func readAuditFile(path string, f auditFilter) ([]plog.AuditEntry, error) {
	fh, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer fh.Close()
	dec, err := zstd.NewReader(fh)
	if err != nil {
		return nil, err
	}
	defer dec.Close()

	var out []plog.AuditEntry
	sc := bufio.NewScanner(dec)
	sc.Buffer(make([]byte, 64*1024), 8*1024*1024)
	for sc.Scan() {
		var e plog.AuditEntry
		if err := json.Unmarshal(sc.Bytes(), &e); err != nil {
			return nil, fmt.Errorf("%s: unmarshal: %w", filepath.Base(path), err)
		}
		if f.match(e) {
			out = append(out, e)
		}
	}
	return out, sc.Err()
}
