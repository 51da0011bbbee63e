package main

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/sirupsen/logrus"

	"vexa.gg/parkour/internal/parkour/engine"
	"vexa.gg/parkour/internal/parkour/tuning"
	"vexa.gg/parkour/internal/persistence/indexdb"
	"vexa.gg/parkour/internal/persistence/snapshot"
)

const retentionEvery = time.Hour

// jobs holds the periodic housekeeping the server runs next to the engine.
type jobs struct {
	eng     *engine.Engine
	idx     *indexdb.SQLiteIndex
	mirror  *r2MirrorRuntime
	snapDir string
	keep    int
	log     *logrus.Entry
	now     func() time.Time

	snapMu sync.Mutex
}

func (j *jobs) sample() {
	s := j.eng.SamplePopulation()
	j.log.WithField("online", s.Count).Debug("population sampled")
}

func (j *jobs) retention() {
	if n := j.eng.PrunePopulation(); n > 0 {
		j.log.WithField("removed", n).Info("population samples pruned")
	}
}

// snapshot writes the whole store, indexes and mirrors the file, then prunes
// old snapshots.
func (j *jobs) snapshot(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	j.snapMu.Lock()
	defer j.snapMu.Unlock()

	ds := j.eng.Progress.Export()
	takenAt := j.now().UTC()
	path, err := snapshot.Write(j.snapDir, ds, j.eng.Catalog.Digest(), takenAt)
	if err != nil {
		return "", err
	}
	if j.idx != nil {
		j.idx.RecordSnapshot(path, ds, takenAt)
	}
	j.mirror.Enqueue(path)

	removed, err := snapshot.Prune(j.snapDir, j.keep)
	if err != nil {
		j.log.WithError(err).Warn("snapshot prune")
	}
	j.log.WithFields(logrus.Fields{
		"path":    path,
		"players": len(ds.Players),
		"pruned":  len(removed),
	}).Info("snapshot written")
	return path, nil
}

func startScheduler(j *jobs, tune tuning.Tuning) (gocron.Scheduler, error) {
	s, err := gocron.NewScheduler(gocron.WithLocation(time.UTC))
	if err != nil {
		return nil, fmt.Errorf("new scheduler: %w", err)
	}
	add := func(name string, every time.Duration, fn func()) error {
		_, err := s.NewJob(
			gocron.DurationJob(every),
			gocron.NewTask(fn),
			gocron.WithName(name),
			gocron.WithSingletonMode(gocron.LimitModeReschedule),
		)
		if err != nil {
			return fmt.Errorf("schedule %s: %w", name, err)
		}
		return nil
	}

	if err := add("population-sample", tune.SampleInterval(), j.sample); err != nil {
		return nil, err
	}
	if err := add("population-retention", retentionEvery, j.retention); err != nil {
		return nil, err
	}
	if tune.SnapshotEveryMinutes > 0 {
		every := time.Duration(tune.SnapshotEveryMinutes) * time.Minute
		err := add("progress-snapshot", every, func() {
			if _, err := j.snapshot(context.Background()); err != nil {
				j.log.WithError(err).Error("scheduled snapshot failed")
			}
		})
		if err != nil {
			return nil, err
		}
	}
	s.Start()
	j.log.WithFields(logrus.Fields{
		"sample_every":   tune.SampleInterval().String(),
		"snapshot_every": tune.SnapshotEveryMinutes,
	}).Info("scheduler started")
	return s, nil
}
