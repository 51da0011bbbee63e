package main

import (
	"context"
	"flag"
	"net/http"
	"net/http/pprof"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"vexa.gg/parkour/internal/logging"
	"vexa.gg/parkour/internal/metrics"
	"vexa.gg/parkour/internal/parkour/catalog"
	"vexa.gg/parkour/internal/parkour/engine"
	"vexa.gg/parkour/internal/parkour/run"
	"vexa.gg/parkour/internal/parkour/tuning"
	persistlog "vexa.gg/parkour/internal/persistence/log"
	"vexa.gg/parkour/internal/transport/api"
	"vexa.gg/parkour/internal/transport/ws"
)

func main() {
	var (
		addr       = flag.String("addr", ":8080", "http listen address")
		configDir  = flag.String("configs", "./configs", "config directory")
		mapsPath   = flag.String("maps", "", "path to maps.yaml (default: <configs>/maps.yaml)")
		tuningPath = flag.String("tuning", "", "path to parkour.yaml (default: <configs>/parkour.yaml)")
		dataDir    = flag.String("data", "./data", "runtime data directory")
		disableDB  = flag.Bool("disable_db", false, "run without the sqlite index (snapshots only)")

		snapPath     = flag.String("snapshot", "", "snapshot to restore progress from (optional)")
		loadLatest   = flag.Bool("load_latest_snapshot", true, "restore the newest snapshot when the index is empty or disabled")
		snapshotKeep = flag.Int("snapshot_keep", 96, "snapshots kept on disk")
		eventBuffer  = flag.Int("event_buffer", 4096, "run event log queue size (0 disables the event log)")
	)
	flag.Parse()

	for _, p := range []string{filepath.Join(*configDir, "parkour.env"), ".env"} {
		if err := godotenv.Load(p); err == nil {
			break
		}
	}
	logger := logging.New("server")

	tp := strings.TrimSpace(*tuningPath)
	if tp == "" {
		tp = filepath.Join(*configDir, "parkour.yaml")
	}
	tune, err := tuning.Load(tp)
	if err != nil {
		if !os.IsNotExist(err) {
			logger.WithError(err).Fatal("load tuning")
		}
		logger.WithField("path", tp).Info("tuning not found; using defaults")
		tune = tuning.Defaults()
	}

	mp := strings.TrimSpace(*mapsPath)
	if mp == "" {
		mp = filepath.Join(*configDir, "maps.yaml")
	}
	cat, err := catalog.LoadFile(mp, tune.CategoryXP)
	if err != nil {
		logger.WithError(err).Fatal("load maps")
	}

	_ = os.MkdirAll(*dataDir, 0o755)
	snapDir := filepath.Join(*dataDir, "snapshots")

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	idx, err := openRuntimeIndex(*dataDir, *disableDB, logging.New("indexdb"))
	if err != nil {
		logger.WithError(err).Fatal("open index backend")
	}
	if idx != nil {
		defer idx.Close()
		idx.OnDrop(m.Dropped)
		if err := idx.UpsertCatalog(context.Background(), cat, tune); err != nil {
			logger.WithError(err).Warn("index backend: upsert catalog")
		}
		registerIndexMetrics(reg, idx)
	}

	ctx, cancel := signalContext()
	defer cancel()

	r2Mirror, err := buildR2MirrorRuntime(ctx, *dataDir, logging.New("r2"))
	if err != nil {
		logger.WithError(err).Fatal("init r2 mirror")
	}
	defer r2Mirror.Close()
	registerMirrorMetrics(reg, r2Mirror)

	var events run.Events
	if *eventBuffer > 0 {
		eventLog := persistlog.NewEventLogger(*dataDir, *eventBuffer, logging.New("events"))
		eventLog.OnDrop(func() { m.Dropped("event") })
		defer eventLog.Close()
		events = eventLog
	}
	auditLog := persistlog.NewAuditLogger(*dataDir)
	defer auditLog.Close()

	cfg := engine.Config{
		Tuning:  tune,
		Events:  events,
		Metrics: m,
		Log:     logging.New("engine"),
	}
	if idx != nil {
		cfg.Sink = idx
		cfg.SampleSink = idx
	}
	eng := engine.New(cat, cfg)

	src, err := restoreProgress(ctx, eng, idx, strings.TrimSpace(*snapPath), snapDir, *loadLatest, logger)
	if err != nil {
		logger.WithError(err).Fatal("restore progress")
	}
	if idx != nil {
		if err := eng.Population.Load(ctx, idx); err != nil {
			logger.WithError(err).Warn("load population samples")
		}
	}

	j := &jobs{
		eng:     eng,
		idx:     idx,
		mirror:  r2Mirror,
		snapDir: snapDir,
		keep:    *snapshotKeep,
		log:     logging.New("scheduler"),
		now:     time.Now,
	}
	sched, err := startScheduler(j, tune)
	if err != nil {
		logger.WithError(err).Fatal("start scheduler")
	}
	defer func() {
		if err := sched.Shutdown(); err != nil {
			logger.WithError(err).Warn("scheduler shutdown")
		}
		// final snapshot so a clean stop loses nothing the index missed
		if _, err := j.snapshot(context.Background()); err != nil {
			logger.WithError(err).Warn("final snapshot")
		}
	}()

	enableAdminHTTP := envBool("PK_ENABLE_ADMIN_HTTP", defaultEnableAdminHTTP())
	enablePprofHTTP := envBool("PK_ENABLE_PPROF_HTTP", false)
	if !enableAdminHTTP {
		logger.Info("admin endpoints disabled (PK_ENABLE_ADMIN_HTTP=false)")
	}
	rest := api.New(eng, api.Options{
		Log:            logging.New("api"),
		Loader:         src,
		CatalogPath:    mp,
		Snapshot:       j.snapshot,
		Stats:          func() any { return runtimeStats(idx, r2Mirror) },
		Audit:          auditLog,
		EnableAdmin:    enableAdminHTTP,
		AllowedOrigins: envList("PK_CORS_ORIGINS"),
	})

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	wsSrv := ws.NewServer(eng, logging.New("ws"))
	mux.HandleFunc("/v1/ws", wsSrv.Handler())
	if enablePprofHTTP {
		mux.HandleFunc("/debug/pprof/", pprof.Index)
		mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
		mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
	}
	mux.Handle("/", rest.Handler())

	srv := &http.Server{
		Addr:              *addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	srv.RegisterOnShutdown(wsSrv.CloseConnections)

	// Stores close in the deferred calls above, so every connection must have
	// left the engine before main returns.
	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		<-ctx.Done()
		ctx2, cancel2 := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel2()
		_ = srv.Shutdown(ctx2)
		if err := wsSrv.Shutdown(ctx2); err != nil {
			logger.WithError(err).Warn("ws connections still open at shutdown")
		}
	}()

	logger.WithFields(logrus.Fields{
		"addr":    *addr,
		"maps":    len(cat.ListMaps()),
		"players": len(eng.Progress.PlayerIDs()),
		"admin":   enableAdminHTTP,
	}).Info("listening")
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.WithError(err).Error("ListenAndServe")
		cancel()
	}
	<-stopped
}

func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	ch := make(chan os.Signal, 2)
	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-ch
		cancel()
	}()
	return ctx, cancel
}

func defaultEnableAdminHTTP() bool {
	switch strings.ToLower(strings.TrimSpace(os.Getenv("DEPLOY_ENV"))) {
	case "staging", "production":
		return false
	default:
		return true
	}
}
