package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"vexa.gg/parkour/internal/parkour/engine"
	"vexa.gg/parkour/internal/parkour/progress"
	"vexa.gg/parkour/internal/persistence/indexdb"
	"vexa.gg/parkour/internal/persistence/snapshot"
)

var errNoSnapshot = errors.New("no snapshot available")

// openRuntimeIndex opens the progress index selected by PK_INDEX_BACKEND. A nil
// index means the server runs from snapshots alone.
func openRuntimeIndex(dataDir string, disableDB bool, log *logrus.Entry) (*indexdb.SQLiteIndex, error) {
	if disableDB {
		return nil, nil
	}
	backend := strings.ToLower(strings.TrimSpace(os.Getenv("PK_INDEX_BACKEND")))
	switch backend {
	case "", "sqlite":
		return indexdb.OpenSQLiteWithLogger(filepath.Join(dataDir, "index", "parkour.sqlite"), log)
	case "none", "off", "disabled":
		return nil, nil
	default:
		return nil, fmt.Errorf("unknown PK_INDEX_BACKEND %q (want sqlite or none)", backend)
	}
}

// latestSnapshotLoader reloads from whatever snapshot is newest at call time.
type latestSnapshotLoader struct{ dir string }

func (l latestSnapshotLoader) LoadProgress(ctx context.Context) (progress.Dataset, error) {
	path, err := snapshot.Latest(l.dir)
	if err != nil {
		return progress.Dataset{}, err
	}
	if path == "" {
		return progress.Dataset{}, fmt.Errorf("%w in %s", errNoSnapshot, l.dir)
	}
	return snapshot.Loader{Path: path}.LoadProgress(ctx)
}

// restoreProgress fills the store at startup. An explicit snapshot wins, then
// the index, then the newest snapshot when the index is empty or disabled.
// Progress restored from a snapshot is replayed into the index. The returned
// loader backs admin reloads.
func restoreProgress(ctx context.Context, eng *engine.Engine, idx *indexdb.SQLiteIndex, snapPath, snapDir string, loadLatest bool, log *logrus.Entry) (progress.Loader, error) {
	var src progress.Loader = latestSnapshotLoader{dir: snapDir}
	if idx != nil {
		src = idx
		if snapPath == "" {
			if err := eng.Progress.SyncLoad(ctx, idx); err != nil {
				return src, err
			}
			if len(eng.Progress.PlayerIDs()) > 0 {
				return src, nil
			}
		}
	}
	if snapPath == "" && loadLatest {
		latest, err := snapshot.Latest(snapDir)
		if err != nil {
			return src, err
		}
		snapPath = latest
	}
	if snapPath == "" {
		return src, nil
	}

	snap, err := snapshot.ReadSnapshot(snapPath)
	if err != nil {
		return src, err
	}
	if d := eng.Catalog.Digest(); snap.Header.CatalogDigest != "" && snap.Header.CatalogDigest != d {
		log.WithFields(logrus.Fields{
			"snapshot_digest": snap.Header.CatalogDigest,
			"catalog_digest":  d,
		}).Warn("snapshot was taken against a different catalog")
	}
	if err := eng.Progress.SyncLoad(ctx, datasetLoader(snap.Progress)); err != nil {
		return src, err
	}
	if idx != nil {
		seedIndex(idx, snap.Progress)
	}
	log.WithFields(logrus.Fields{
		"snapshot": filepath.Base(snapPath),
		"players":  len(snap.Progress.Players),
	}).Info("progress restored from snapshot")
	return src, nil
}

type datasetLoader progress.Dataset

func (d datasetLoader) LoadProgress(context.Context) (progress.Dataset, error) {
	return progress.Dataset(d), nil
}

// seedIndex replays a dataset into the index writer.
func seedIndex(sink progress.Sink, ds progress.Dataset) {
	for _, p := range ds.Players {
		sink.SavePlayer(p)
	}
	for _, c := range ds.Completions {
		sink.SaveCompletion(c)
	}
	for _, a := range ds.Authors {
		sink.SaveAuthor(a)
	}
}

func registerIndexMetrics(reg prometheus.Registerer, idx *indexdb.SQLiteIndex) {
	reg.MustRegister(
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "parkour_index_queue_depth",
			Help: "Pending index writes.",
		}, func() float64 { return float64(idx.Stats().QueueDepth) }),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Name: "parkour_index_write_failures_total",
			Help: "Index write batches that failed to commit.",
		}, func() float64 { return float64(idx.Stats().WriteFailures) }),
	)
}
