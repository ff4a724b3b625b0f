package main

import (
	"context"
	"errors"
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

	"scenesync.dev/internal/config"
	"scenesync.dev/internal/persistence/indexdb"
	"scenesync.dev/internal/persistence/snapshot"
	"scenesync.dev/internal/protocol"
	"scenesync.dev/internal/stage"
	"scenesync.dev/internal/transport/ws"
)

func main() {
	var (
		addr       = flag.String("addr", ":8080", "http listen address")
		configPath = flag.String("config", "./configs/config.yaml", "path to config.yaml")
		dataDir    = flag.String("data", "./data", "runtime data directory")
		disableDB  = flag.Bool("disable_db", false, "disable the sqlite pass index")

		snapPath   = flag.String("snapshot", "", "path to snapshot to load (optional)")
		loadLatest = flag.Bool("load_latest_snapshot", true, "load latest snapshot from data dir if present (when -snapshot is empty)")
	)
	flag.Parse()

	logger := log.New(os.Stdout, "[server] ", log.LstdFlags|log.Lmicroseconds)

	cfg, err := config.Load(*configPath)
	if err != nil {
		if os.IsNotExist(err) {
			cfg = config.Default()
			logger.Printf("no config at %s, using defaults", *configPath)
		} else {
			logger.Fatalf("load config: %v", err)
		}
	}

	snapDir := filepath.Join(*dataDir, "snapshots")
	_ = os.MkdirAll(snapDir, 0o755)

	st := stage.New(stage.Config{
		ID:                  cfg.StageID,
		ForceUpdates:        cfg.ForceUpdates,
		MaxObjects:          cfg.MaxObjects,
		InboxSize:           cfg.InboxSize,
		SnapshotEveryPasses: cfg.SnapshotEveryPasses,
	}, logger)

	// Restore the scene before anything can push updates.
	restorePath := strings.TrimSpace(*snapPath)
	if restorePath == "" && *loadLatest {
		p, err := snapshot.FindLatest(snapDir)
		if err != nil {
			logger.Fatalf("find latest snapshot: %v", err)
		}
		restorePath = p
	}
	if restorePath != "" {
		snap, err := snapshot.ReadSnapshot(restorePath)
		if err != nil {
			logger.Fatalf("read snapshot %s: %v", restorePath, err)
		}
		if err := st.Restore(context.Background(), snap); err != nil {
			logger.Fatalf("restore snapshot: %v", err)
		}
		logger.Printf("restored %d objects from %s (pass %d)", len(snap.Objects), restorePath, snap.Header.Pass)
	}

	var idx *indexdb.SQLiteIndex
	if !*disableDB {
		idx, err = indexdb.OpenSQLite(filepath.Join(*dataDir, "index.db"))
		if err != nil {
			logger.Fatalf("open index db: %v", err)
		}
		defer idx.Close()
		st.SetPassLogger(idx)
	}

	// Snapshot writing stays off the stage goroutine.
	snapSink := make(chan snapshot.SnapshotV1, 8)
	st.SetSnapshotSink(snapSink)
	go func() {
		for snap := range snapSink {
			path := filepath.Join(snapDir, snapshot.Filename(snap.Header.Pass))
			if err := snapshot.WriteSnapshot(path, snap); err != nil {
				logger.Printf("write snapshot: %v", err)
				continue
			}
			idx.RecordSnapshot(path, snap)
			logger.Printf("snapshot pass %d: %d objects -> %s", snap.Header.Pass, len(snap.Objects), path)
		}
	}()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		if err := st.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Printf("stage stopped: %v", err)
		}
	}()

	wsSrv := ws.NewServer(st, ws.Config{
		StageID: cfg.StageID,
		StageParams: protocol.StageParams{
			SnapshotEveryPasses: cfg.SnapshotEveryPasses,
			MaxObjects:          cfg.MaxObjects,
		},
		ReadTimeout:  time.Duration(cfg.ReadTimeoutSec) * time.Second,
		WriteTimeout: time.Duration(cfg.WriteTimeoutSec) * time.Second,
	}, logger)

	mux := http.NewServeMux()
	mux.HandleFunc("/v1/ws", wsSrv.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("/debug/pprof/", pprof.Index)
	mux.HandleFunc("/debug/pprof/profile", pprof.Profile)

	httpSrv := &http.Server{Addr: *addr, Handler: mux}
	go func() {
		logger.Printf("stage %q listening on %s", cfg.StageID, *addr)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatalf("http: %v", err)
		}
	}()

	stopCh := make(chan os.Signal, 1)
	signal.Notify(stopCh, os.Interrupt, syscall.SIGTERM)
	<-stopCh
	logger.Printf("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	_ = httpSrv.Shutdown(shutdownCtx)
	cancel()
}
