package main

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/madecoste/swarming/internal/requeststore"
	"github.com/madecoste/swarming/internal/resulttracker"
	"github.com/madecoste/swarming/internal/runqueue"
	"github.com/madecoste/swarming/internal/scheduler"
	"github.com/madecoste/swarming/internal/settings"
	"github.com/madecoste/swarming/internal/statssink"
	"github.com/madecoste/swarming/internal/telemetry"

	nats "github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
)

const service = "taskscheduler"

func dataDir() string {
	if d := os.Getenv("SWARM_DATA_DIR"); d != "" {
		return d
	}
	return "./data"
}

func main() {
	logger := telemetry.InitLogging(service)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	shutdownTrace := telemetry.InitTracer(ctx, service)
	shutdownMetrics, metrics := telemetry.InitMetrics(ctx, service)

	dir := dataDir()
	if err := os.MkdirAll(dir, 0o755); err != nil {
		logger.Error("failed to create data directory", "dir", dir, "error", err)
		os.Exit(1)
	}

	requests, err := requeststore.Open(filepath.Join(dir, "requests.db"), otel.Meter("swarming/scheduler"))
	if err != nil {
		logger.Error("failed to open request store", "error", err)
		os.Exit(1)
	}
	defer requests.Close()

	sw, err := settings.NewWatcher(filepath.Join(dir, "settings.json"))
	if err != nil {
		logger.Error("failed to load settings", "error", err)
		os.Exit(1)
	}
	go sw.Watch(ctx)

	queue, err := runqueue.Open(filepath.Join(dir, "runqueue.db"), otel.Meter("swarming/scheduler"))
	if err != nil {
		logger.Error("failed to open run queue", "error", err)
		os.Exit(1)
	}
	defer queue.Close()

	results, err := resulttracker.Open(filepath.Join(dir, "results.db"), sw.Current().OutputChunkSize, otel.Meter("swarming/scheduler"))
	if err != nil {
		logger.Error("failed to open result tracker", "error", err)
		os.Exit(1)
	}
	defer results.Close()

	var sink statssink.Sink = statssink.Noop{}
	if url := os.Getenv("SWARM_NATS_URL"); url != "" {
		conn, err := nats.Connect(url)
		if err != nil {
			logger.Warn("nats connect failed, stats events will be dropped", "error", err)
		} else {
			defer conn.Close()
			sink = statssink.NewNATSSink(conn)
		}
	}

	sched := scheduler.New(requests, queue, results, sw, sink, metrics)

	c := cron.New(cron.WithSeconds())
	if _, err := c.AddFunc("*/30 * * * * *", func() {
		n, err := sched.CronAbortExpiredTaskToRun(ctx, time.Now())
		if err != nil {
			logger.Warn("cron_abort_expired_task_to_run failed", "error", err)
			return
		}
		if n > 0 {
			logger.Info("cron_abort_expired_task_to_run", "expired", n)
		}
	}); err != nil {
		logger.Error("failed to register expiry sweep", "error", err)
		os.Exit(1)
	}
	if _, err := c.AddFunc("*/30 * * * * *", func() {
		stale := results.StaleRunIDs(ctx, time.Duration(sw.Current().BotPingToleranceSecs)*time.Second, time.Now())
		n, err := sched.CronHandleBotDied(ctx, stale, time.Now())
		if err != nil {
			logger.Warn("cron_handle_bot_died failed", "error", err)
			return
		}
		if n > 0 {
			logger.Info("cron_handle_bot_died", "handled", n)
		}
	}); err != nil {
		logger.Error("failed to register bot-died sweep", "error", err)
		os.Exit(1)
	}
	c.Start()
	defer c.Stop()

	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("/metrics", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]int64{
			"settings_reloads_total": sw.Reloads(),
			"settings_errors_total":  sw.Errors(),
		})
	})

	srv := &http.Server{Addr: ":8080", Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server error", "error", err)
			cancel()
		}
	}()

	logger.Info("taskscheduler started", "data_dir", dir)
	<-ctx.Done()
	logger.Info("shutdown initiated")

	ctxSd, c2 := context.WithTimeout(context.Background(), 5*time.Second)
	defer c2()
	_ = srv.Shutdown(ctxSd)
	telemetry.Flush(ctxSd, shutdownTrace)
	_ = shutdownMetrics(ctxSd)
	logger.Info("shutdown complete")
}
