package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"net/http/pprof"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"vitalsync.ai/internal/persistence/indexdb"
	persistlog "vitalsync.ai/internal/persistence/log"
	"vitalsync.ai/internal/persistence/mirror"
	"vitalsync.ai/internal/persistence/snapshot"
	"vitalsync.ai/internal/sim/host"
	"vitalsync.ai/internal/sim/tuning"
	"vitalsync.ai/internal/transport/ws"
)

type serverEnv struct {
	DeployEnv       string `env:"DEPLOY_ENV"`
	EnableAdminHTTP *bool  `env:"VITALSYNC_ENABLE_ADMIN_HTTP"`
	EnablePprofHTTP bool   `env:"VITALSYNC_ENABLE_PPROF_HTTP" envDefault:"false"`
}

func main() {
	var (
		addr       = flag.String("addr", ":8080", "http listen address")
		dataDir    = flag.String("data", "./data", "runtime data directory")
		tuningPath = flag.String("tuning", "./configs/tuning.yaml", "path to tuning.yaml (empty for built-in defaults)")
		disableDB  = flag.Bool("disable_db", false, "disable the sqlite index (events, transitions, snapshot metadata)")

		snapPath   = flag.String("snapshot", "", "path to snapshot to load (optional)")
		loadLatest = flag.Bool("load_latest_snapshot", true, "load latest snapshot from data dir if present (when -snapshot is empty)")
	)
	flag.Parse()

	logger := log.New(os.Stdout, "[server] ", log.LstdFlags|log.Lmicroseconds)

	tune, err := tuning.Load(strings.TrimSpace(*tuningPath))
	if err != nil {
		logger.Fatalf("load tuning: %v", err)
	}
	var senv serverEnv
	if err := env.Parse(&senv); err != nil {
		logger.Fatalf("parse env: %v", err)
	}

	hostDir := filepath.Join(*dataDir, "hosts", tune.HostID)
	if err := os.MkdirAll(hostDir, 0o755); err != nil {
		logger.Fatalf("data dir: %v", err)
	}

	ctx, cancel := signalContext()
	defer cancel()

	// Optional read-model index; the JSONL event log stays authoritative.
	var idx *indexdb.SQLiteIndex
	if !*disableDB {
		idx, err = indexdb.OpenSQLite(filepath.Join(hostDir, "index", "host.sqlite"))
		if err != nil {
			logger.Fatalf("open index: %v", err)
		}
		defer idx.Close()
		if err := idx.UpsertConfig("tuning", tune); err != nil {
			logger.Printf("index: upsert tuning: %v", err)
		}
	}

	mir, err := buildMirror(ctx, *dataDir, logger)
	if err != nil {
		logger.Fatalf("init mirror: %v", err)
	}
	defer mir.Close()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	registerIndexMetrics(reg, idx)
	registerMirrorMetrics(reg, mir)

	h := host.New(tune.HostConfig(), host.Options{
		Logger:     logger,
		Gates:      tune.GateSet(),
		Registerer: reg,
	})

	snapshotToLoad := strings.TrimSpace(*snapPath)
	if snapshotToLoad == "" && *loadLatest {
		snapshotToLoad = snapshot.Latest(filepath.Join(hostDir, "snapshots"))
	}
	if snapshotToLoad != "" {
		snap, err := snapshot.ReadSnapshot(snapshotToLoad)
		if err != nil {
			logger.Fatalf("read snapshot: %v", err)
		}
		if err := h.ImportSnapshot(snap); err != nil {
			logger.Fatalf("import snapshot: %v", err)
		}
		logger.Printf("resumed from snapshot=%s tick=%d entities=%d", filepath.Base(snapshotToLoad), h.CurrentTick(), len(snap.Entities))
	}

	eventLog := persistlog.NewEventLogger(hostDir)
	if mir != nil {
		eventLog.OnClose(mir.Enqueue)
	}
	// Closed before the mirror so the final segment is still queued.
	defer eventLog.Close()
	h.SetEventLogger(multiEventLogger{eventLog, idx})

	snapCh := make(chan snapshot.SnapshotV1, 2)
	h.SetSnapshotSink(snapCh)
	snapDone := make(chan struct{})
	go func() {
		defer close(snapDone)
		writeSnapshots(ctx, snapCh, filepath.Join(hostDir, "snapshots"), idx, mir, logger)
	}()

	runDone := make(chan struct{})
	go func() {
		defer close(runDone)
		if err := h.Run(ctx); err != nil && err != context.Canceled {
			logger.Printf("host stopped: %v", err)
		}
	}()

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(rw http.ResponseWriter, r *http.Request) {
		rw.WriteHeader(200)
		_, _ = rw.Write([]byte("ok"))
	})
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))

	enableAdmin := defaultEnableAdminHTTP(senv.DeployEnv)
	if senv.EnableAdminHTTP != nil {
		enableAdmin = *senv.EnableAdminHTTP
	}
	if enableAdmin {
		adminAPI{h: h, idx: idx}.register(mux)
	} else {
		logger.Printf("admin endpoints disabled (VITALSYNC_ENABLE_ADMIN_HTTP=false)")
	}
	if senv.EnablePprofHTTP {
		mux.HandleFunc("/debug/pprof/", pprof.Index)
		mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
		mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
	} else {
		logger.Printf("pprof endpoints disabled (VITALSYNC_ENABLE_PPROF_HTTP=false)")
	}
	mux.HandleFunc("/v1/ws", ws.NewServer(h, logger).Handler())

	srv := &http.Server{
		Addr:              *addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		ctx2, cancel2 := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel2()
		_ = srv.Shutdown(ctx2)
	}()

	logger.Printf("host=%s listening on %s", tune.HostID, *addr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Fatalf("ListenAndServe: %v", err)
	}
	cancel()
	<-runDone
	<-snapDone
}

// writeSnapshots persists snapshots the host emits, then records them in the
// index and queues them for the mirror.
func writeSnapshots(ctx context.Context, in <-chan snapshot.SnapshotV1, dir string, idx *indexdb.SQLiteIndex, mir *mirror.Mirror, logger *log.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case snap := <-in:
			path := snapshot.Path(dir, snap.Header.Tick)
			if err := snapshot.WriteSnapshot(path, snap); err != nil {
				logger.Printf("snapshot write: %v", err)
				continue
			}
			if idx != nil {
				idx.RecordSnapshot(path, snap)
				idx.RecordSnapshotState(snap)
			}
			if mir != nil {
				mir.Enqueue(path)
			}
		}
	}
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

func defaultEnableAdminHTTP(deployEnv string) bool {
	switch strings.ToLower(strings.TrimSpace(deployEnv)) {
	case "staging", "production":
		return false
	default:
		return true
	}
}

func msDuration(ms int) time.Duration { return time.Duration(ms) * time.Millisecond }
