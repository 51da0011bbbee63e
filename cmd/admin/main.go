package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/fatih/color"

	"vexa.gg/parkour/internal/logging"
	"vexa.gg/parkour/internal/parkour/catalog"
	"vexa.gg/parkour/internal/parkour/engine"
	"vexa.gg/parkour/internal/parkour/progress"
	"vexa.gg/parkour/internal/parkour/tuning"
	"vexa.gg/parkour/internal/persistence/indexdb"
	"vexa.gg/parkour/internal/persistence/snapshot"
)

var (
	header  = color.New(color.FgCyan, color.Bold)
	dim     = color.New(color.Faint)
	errText = color.New(color.FgRed, color.Bold)
)

func usage() {
	header.Fprintln(os.Stderr, "parkour admin")
	fmt.Fprintln(os.Stderr, `commands:
  leaderboard -map ID [-page N] [-q PREFIX]   map leaderboard
  medals [-page N] [-q PREFIX]                medal leaderboard
  player ID|NAME                              player progress
  population [-hours N]                       online-player graph
  purge-map -map ID                           remove every player's progress on a map
  export [-out FILE]                          dump progress as JSON
  import -in FILE                             write a JSON dump as a snapshot
  inspect [FILE]                              snapshot headers
  audit [-player ID] [-action A]              operator audit log
  state | snapshot | reload [-url URL]        live server admin endpoints`)
}

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}
	args := os.Args[2:]
	switch os.Args[1] {
	case "leaderboard":
		leaderboardCmd(args)
	case "medals":
		medalsCmd(args)
	case "player":
		playerCmd(args)
	case "population":
		populationCmd(args)
	case "purge-map":
		purgeMapCmd(args)
	case "export":
		exportCmd(args)
	case "import":
		importCmd(args)
	case "inspect":
		inspectCmd(args)
	case "audit":
		auditCmd(args)
	case "state":
		httpCmd("state", http.MethodGet, args)
	case "snapshot":
		httpCmd("snapshot", http.MethodPost, args)
	case "reload":
		httpCmd("reload", http.MethodPost, args)
	case "-h", "--help", "help":
		usage()
	default:
		usage()
		os.Exit(2)
	}
}

func fail(code int, format string, a ...any) {
	errText.Fprintf(os.Stderr, format+"\n", a...)
	os.Exit(code)
}

// source is where offline commands read progress from: an explicit snapshot,
// else the sqlite index, else the newest snapshot in the data dir.
type source struct {
	dataDir    string
	configDir  string
	mapsPath   string
	tuningPath string
	dbPath     string
	snapPath   string
}

func (s *source) register(fs *flag.FlagSet) {
	fs.StringVar(&s.dataDir, "data", "./data", "runtime data directory")
	fs.StringVar(&s.configDir, "configs", "./configs", "config directory")
	fs.StringVar(&s.mapsPath, "maps", "", "maps.yaml (default: <configs>/maps.yaml)")
	fs.StringVar(&s.tuningPath, "tuning", "", "parkour.yaml (default: <configs>/parkour.yaml)")
	fs.StringVar(&s.dbPath, "db", "", "sqlite index (default: <data>/index/parkour.sqlite)")
	fs.StringVar(&s.snapPath, "snapshot", "", "read this snapshot instead of the index")
}

func (s *source) snapDir() string { return filepath.Join(s.dataDir, "snapshots") }

func (s *source) indexPath() string {
	if p := strings.TrimSpace(s.dbPath); p != "" {
		return p
	}
	return filepath.Join(s.dataDir, "index", "parkour.sqlite")
}

func (s *source) load() (tuning.Tuning, *catalog.Catalog, error) {
	tp := s.tuningPath
	if tp == "" {
		tp = filepath.Join(s.configDir, "parkour.yaml")
	}
	tune, err := tuning.Load(tp)
	if err != nil && !os.IsNotExist(err) {
		return tune, nil, err
	}
	mp := s.mapsPath
	if mp == "" {
		mp = filepath.Join(s.configDir, "maps.yaml")
	}
	cat, err := catalog.LoadFile(mp, tune.CategoryXP)
	return tune, cat, err
}

// open builds an engine over the selected source. With writable set the
// index also receives the engine's writes; the returned close flushes them.
func (s *source) open(ctx context.Context, writable bool) (*engine.Engine, func(), error) {
	tune, cat, err := s.load()
	if err != nil {
		return nil, nil, err
	}
	closeFn := func() {}

	var (
		loader progress.Loader
		idx    *indexdb.SQLiteIndex
	)
	switch {
	case s.snapPath != "":
		loader = snapshot.Loader{Path: s.snapPath}
	case fileExists(s.indexPath()):
		idx, err = indexdb.OpenSQLiteWithLogger(s.indexPath(), logging.Discard())
		if err != nil {
			return nil, nil, err
		}
		loader = idx
		closeFn = func() { _ = idx.Close() }
	default:
		latest, err := snapshot.Latest(s.snapDir())
		if err != nil {
			return nil, nil, err
		}
		if latest == "" {
			return nil, nil, fmt.Errorf("no index at %s and no snapshot in %s", s.indexPath(), s.snapDir())
		}
		loader = snapshot.Loader{Path: latest}
	}
	if writable && idx == nil {
		return nil, nil, fmt.Errorf("writes need the sqlite index (%s)", s.indexPath())
	}

	cfg := engine.Config{Tuning: tune, Log: logging.Discard()}
	if writable {
		cfg.Sink = idx
	}
	eng := engine.New(cat, cfg)
	if err := eng.Progress.SyncLoad(ctx, loader); err != nil {
		closeFn()
		return nil, nil, err
	}
	if idx != nil {
		if err := eng.Population.Load(ctx, idx); err != nil {
			closeFn()
			return nil, nil, err
		}
	}
	return eng, closeFn, nil
}

func fileExists(p string) bool {
	st, err := os.Stat(p)
	return err == nil && !st.IsDir()
}

func openOrFail(src *source, writable bool) (*engine.Engine, func()) {
	eng, closeFn, err := src.open(context.Background(), writable)
	if err != nil {
		fail(1, "load progress: %v", err)
	}
	return eng, closeFn
}
