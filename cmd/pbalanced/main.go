// Command pbalanced runs the rebalancing daemon: it scans independently
// mounted disks, computes a move plan that brings their utilization
// within tolerance of the mean, and executes that plan one file at a
// time behind a set of safety predicates.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"pbalanced/internal/audit"
	"pbalanced/internal/catalog"
	"pbalanced/internal/config"
	"pbalanced/internal/events"
	"pbalanced/internal/executor"
	"pbalanced/internal/metrics"
	"pbalanced/internal/monitoring"
	"pbalanced/internal/safety"
	"pbalanced/internal/scanner"
	"pbalanced/internal/storage"
	"pbalanced/internal/websocket"
	"pbalanced/internal/zfs"

	_ "github.com/mattn/go-sqlite3"
)

const version = "1.0.0"

func main() {
	os.Exit(run())
}

// run contains the whole daemon lifecycle so deferred cleanups fire
// before main returns an exit code — os.Exit skips deferred calls.
func run() int {
	listenAddr := flag.String("listen", "127.0.0.1:9191", "Loopback HTTP listen address")
	dbPath := flag.String("db", "", "Path to the catalog SQLite database (overrides PB_DB_PATH/config)")
	configPath := flag.String("config", "", "Path to the pbalanced.conf key=value settings file")
	auditKeyPath := flag.String("audit-key", "/var/lib/pbalanced/audit.key", "Path to the audit HMAC key file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Printf("startup: loading config: %v", err)
		return 1
	}
	if *dbPath != "" {
		cfg.DBPath = *dbPath
	}

	store, err := catalog.Open(cfg.DBPath)
	if err != nil {
		log.Printf("startup: opening catalog at %s: %v", cfg.DBPath, err)
		return 1
	}
	defer store.Close()

	auditKey, err := audit.LoadOrCreateAuditKey(*auditKeyPath)
	if err != nil {
		log.Printf("startup: audit key unavailable (%v) — chain disabled", err)
		auditKey = nil
	}
	auditLogger := audit.NewBufferedLogger(store.DB(), 200, 5*time.Second, auditKey)
	auditLogger.Start()
	defer auditLogger.Stop()

	hub := events.New()
	defer hub.Close()

	metricsReg := metrics.New()

	mountGuard := storage.NewMountGuard()
	if err := registerMountGuards(store, mountGuard); err != nil {
		log.Printf("startup: mount guard registration: %v", err)
	}

	execCfg := executor.Config{
		MinFreeHeadroom: cfg.MinFreeHeadroom,
		WarnParityCheck: cfg.WarnParityCheck,
		StrictOnScrub:   true,
		OpenFileProbe:   safety.LsofOpenFileProbe,
		ScrubProbe:      safety.ZpoolScrubProbe,
		DiskUsageProbe:  scanner.DiskUsage,
		Transfer:        &executor.RsyncTransferer{},
		Audit:           auditLogger,
		MountGuard:      mountGuard,
	}
	exec := executor.New(store, hub, execCfg)

	diskMon := monitoring.New(store, hub, scanner.DiskUsage, time.Minute)
	diskMon.Start()
	defer diskMon.Stop()

	startPoolHeartbeats(hub)

	go periodicCheckpoint(store, 5*time.Minute)
	go periodicBackup(store, cfg.DBPath, 24*time.Hour)

	go feedMetricsFromEvents(hub, metricsReg)

	wsBridge := websocket.NewBridge(hub)

	srv := newServer(*listenAddr, &apiDeps{
		store:    store,
		hub:      hub,
		exec:     exec,
		cfg:      &cfg,
		metrics:  metricsReg,
		wsBridge: wsBridge,
	})

	serverErr := make(chan error, 1)
	go func() {
		log.Printf("pbalanced v%s listening on %s", version, *listenAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	select {
	case <-stop:
		log.Println("shutting down gracefully...")
	case err := <-serverErr:
		log.Printf("fatal runtime error: %v", err)
		return 2
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Printf("server shutdown error: %v", err)
		return 2
	}
	return 0
}

// registerMountGuards writes a guard file under every included disk's
// mount path so the executor can detect an unmount mid-run.
func registerMountGuards(store *catalog.Store, guard *storage.MountGuard) error {
	disks, err := store.ListIncludedDisks()
	if err != nil {
		return fmt.Errorf("list disks: %w", err)
	}
	for _, d := range disks {
		if err := guard.RegisterPath(d.MountPath); err != nil {
			log.Printf("mount guard: disk %s: %v", d.Name, err)
		}
	}
	return nil
}

// feedMetricsFromEvents subscribes to the hub and updates the
// Prometheus registry from the same events the WebSocket bridge and
// SSE stream relay, so metrics never drift from what clients see.
func feedMetricsFromEvents(hub *events.Hub, m *metrics.Registry) {
	sub := hub.Subscribe()
	defer hub.Unsubscribe(sub)

	for ev := range sub.Events() {
		switch ev.Type {
		case events.TypeScanCompleted:
			sc, ok := ev.Data.(events.ScanCompleted)
			if !ok {
				continue
			}
			outcome := "complete"
			if sc.Partial {
				outcome = "partial"
			}
			m.ScansCompleted.WithLabelValues(outcome).Inc()
		case events.TypePlanCreated:
			pc, ok := ev.Data.(events.PlanCreated)
			if !ok {
				continue
			}
			m.PlansCreated.Inc()
			m.PlannedMoves.Add(float64(pc.TotalMoves))
			m.PlannedBytes.Add(float64(pc.TotalBytes))
			m.ActivePlans.Set(1)
		case events.TypeMoveCompleted:
			mc, ok := ev.Data.(events.MoveCompleted)
			m.MovesCompleted.WithLabelValues("completed").Inc()
			if ok {
				m.MoveBytes.Add(float64(mc.Bytes))
			}
		case events.TypeMoveFailed:
			mf, ok := ev.Data.(events.MoveFailed)
			outcome := "failed"
			if ok && (mf.Reason == executor.ReasonFileOpen || mf.Reason == executor.ReasonInsufficientSpc) {
				outcome = "skipped"
			}
			m.MovesCompleted.WithLabelValues(outcome).Inc()
		case events.TypePlanFinished:
			m.ActivePlans.Set(0)
		}
	}
}

func startPoolHeartbeats(hub *events.Hub) {
	pools, err := zfs.DiscoverPools()
	if err != nil {
		log.Printf("startup: zfs pool discovery: %v", err)
		return
	}
	for _, p := range pools {
		hb := zfs.NewPoolHeartbeat(p.Name, p.MountPoint, 30*time.Second, hub)
		hb.Start()
	}
}

func periodicCheckpoint(store *catalog.Store, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for range ticker.C {
		if err := store.Checkpoint(); err != nil {
			log.Printf("periodic checkpoint failed: %v", err)
		}
	}
}

func periodicBackup(store *catalog.Store, dbPath string, interval time.Duration) {
	dest := dbPath + ".backup"
	if err := store.Backup(dest); err != nil {
		log.Printf("startup backup failed: %v", err)
	} else {
		log.Printf("startup backup created: %s", dest)
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for range ticker.C {
		if err := store.Backup(dest); err != nil {
			log.Printf("daily backup failed: %v", err)
		} else {
			log.Printf("daily backup created: %s", dest)
		}
	}
}

// apiDeps bundles everything the HTTP handlers close over.
type apiDeps struct {
	store    *catalog.Store
	hub      *events.Hub
	exec     *executor.Executor
	cfg      *config.Config
	metrics  *metrics.Registry
	wsBridge *websocket.Bridge

	// planActive enforces spec.md §5's single-active-plan constraint:
	// a second execute request while one is running is rejected rather
	// than queued.
	planActive atomic.Bool
}

func newServer(addr string, deps *apiDeps) *http.Server {
	r := mux.NewRouter()
	r.Use(loggingMiddleware)

	r.HandleFunc("/api/status", deps.handleStatus).Methods("GET")
	r.HandleFunc("/api/disks", deps.handleListDisks).Methods("GET")
	r.HandleFunc("/api/disks/discover", deps.handleDiscoverDisks).Methods("GET")
	r.HandleFunc("/api/scan", deps.handleScan).Methods("POST")
	r.HandleFunc("/api/plan", deps.handleCreatePlan).Methods("POST")
	r.HandleFunc("/api/plan/{id:[0-9]+}", deps.handleGetPlan).Methods("GET")
	r.HandleFunc("/api/plan/{id:[0-9]+}/execute", deps.handleExecutePlan).Methods("POST")
	r.HandleFunc("/api/plan/{id:[0-9]+}/cancel", deps.handleCancelPlan).Methods("POST")
	r.HandleFunc("/api/settings", deps.handleGetSettings).Methods("GET")
	r.HandleFunc("/api/settings", deps.handleUpdateSettings).Methods("POST")
	r.HandleFunc("/api/events", deps.handleEventStream).Methods("GET")
	r.Handle("/ws/events", deps.wsBridge)
	r.Handle("/metrics", deps.metrics.Handler())

	return &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0, // the SSE/WebSocket handlers are long-lived
		IdleTimeout:  120 * time.Second,
	}
}

// loggingMiddleware tags every request with a unique id, echoed back as
// a response header so a client's log line can be cross-referenced
// against the daemon's.
func loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := uuid.NewString()
		w.Header().Set("X-Request-Id", reqID)

		start := time.Now()
		next.ServeHTTP(w, r)
		log.Printf("[%s] %s %s %v", reqID, r.Method, r.URL.Path, time.Since(start))
	})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, kind, msg string) {
	writeJSON(w, status, map[string]string{"kind": kind, "error": msg})
}
