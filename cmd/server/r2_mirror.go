package main

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"vexa.gg/parkour/internal/persistence/indexdb"
	"vexa.gg/parkour/internal/persistence/r2s3"
)

type r2MirrorRuntime struct {
	enabled bool
	mirror  *r2s3.Mirror
}

func buildR2MirrorRuntime(ctx context.Context, dataDir string, log *logrus.Entry) (*r2MirrorRuntime, error) {
	if !envBool("PK_R2_MIRROR", false) {
		return &r2MirrorRuntime{enabled: false}, nil
	}

	endpoint := strings.TrimSpace(os.Getenv("PK_R2_ENDPOINT"))
	bucket := strings.TrimSpace(os.Getenv("PK_R2_BUCKET"))
	accessKeyID := strings.TrimSpace(os.Getenv("PK_R2_ACCESS_KEY_ID"))
	secretAccessKey := strings.TrimSpace(os.Getenv("PK_R2_SECRET_ACCESS_KEY"))
	prefix := strings.TrimSpace(os.Getenv("PK_R2_PREFIX"))

	if endpoint == "" || bucket == "" || accessKeyID == "" || secretAccessKey == "" {
		return nil, fmt.Errorf("PK_R2_MIRROR=true but PK_R2_ENDPOINT/PK_R2_BUCKET/PK_R2_ACCESS_KEY_ID/PK_R2_SECRET_ACCESS_KEY are not fully set")
	}

	client, err := r2s3.New(ctx, endpoint, bucket, accessKeyID, secretAccessKey)
	if err != nil {
		return nil, err
	}
	workers := envInt("PK_R2_UPLOAD_WORKERS", 2)
	queue := envInt("PK_R2_QUEUE", 64)
	log.WithFields(logrus.Fields{"bucket": bucket, "prefix": prefix, "workers": workers}).Info("r2 mirror enabled")
	return &r2MirrorRuntime{
		enabled: true,
		mirror:  r2s3.NewMirror(client, dataDir, prefix, workers, queue, 25*time.Millisecond, log),
	}, nil
}

func (r *r2MirrorRuntime) Close() {
	if r == nil || r.mirror == nil {
		return
	}
	r.mirror.Close()
}

func (r *r2MirrorRuntime) Enqueue(localPath string) {
	if r == nil || !r.enabled || r.mirror == nil {
		return
	}
	r.mirror.Enqueue(localPath)
}

func (r *r2MirrorRuntime) Stats() (r2s3.Stats, bool) {
	if r == nil || !r.enabled {
		return r2s3.Stats{}, false
	}
	return r.mirror.Stats(), true
}

func registerMirrorMetrics(reg prometheus.Registerer, r *r2MirrorRuntime) {
	if _, ok := r.Stats(); !ok {
		return
	}
	stat := func(f func(s r2s3.Stats) float64) func() float64 {
		return func() float64 {
			s, _ := r.Stats()
			return f(s)
		}
	}
	reg.MustRegister(
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "parkour_r2_mirror_queue_depth",
			Help: "Current R2 mirror queue depth.",
		}, stat(func(s r2s3.Stats) float64 { return float64(s.QueueDepth) })),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Name: "parkour_r2_mirror_dropped_total",
			Help: "Mirror files dropped because the queue remained saturated.",
		}, stat(func(s r2s3.Stats) float64 { return float64(s.DroppedTotal) })),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Name: "parkour_r2_mirror_upload_success_total",
			Help: "Successful mirror uploads.",
		}, stat(func(s r2s3.Stats) float64 { return float64(s.UploadSuccessTotal) })),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Name: "parkour_r2_mirror_upload_fail_total",
			Help: "Failed mirror uploads after retry.",
		}, stat(func(s r2s3.Stats) float64 { return float64(s.UploadFailTotal) })),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "parkour_r2_mirror_last_success_unix",
			Help: "Unix timestamp of the last successful mirror upload.",
		}, stat(func(s r2s3.Stats) float64 { return float64(s.LastSuccessUnix) })),
	)
}

// runtimeStats is the persistence section of GET /admin/v1/state.
func runtimeStats(idx *indexdb.SQLiteIndex, r *r2MirrorRuntime) any {
	out := map[string]any{}
	if idx != nil {
		out["index"] = idx.Stats()
	}
	if s, ok := r.Stats(); ok {
		out["r2_mirror"] = s
	}
	return out
}

func envBool(key string, def bool) bool {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func envInt(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return def
	}
	return n
}

func envList(key string) []string {
	var out []string
	for _, s := range strings.Split(os.Getenv(key), ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
