// Command reactivetaskd is a small demo process wiring the reactive task
// subsystem end to end: it registers one sample task definition over a
// chosen store backend, starts the scheduler, and serves /healthz and
// /metrics until signaled to stop.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/swarmguard/reactivetask/internal/config"
	"github.com/swarmguard/reactivetask/internal/logging"
	"github.com/swarmguard/reactivetask/internal/otelinit"
	"github.com/swarmguard/reactivetask/internal/store"
	"github.com/swarmguard/reactivetask/internal/store/boltstore"
	"github.com/swarmguard/reactivetask/internal/store/mongostore"
	"github.com/swarmguard/reactivetask/pkg/reactivetask"
	"github.com/swarmguard/reactivetask/pkg/task"

	nats "github.com/nats-io/nats.go"
)

func main() {
	logger := logging.Init("reactivetaskd")
	cfg := config.FromEnv()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracer := otelinit.InitTracer(ctx, "reactivetaskd")
	defer otelinit.Flush(ctx, shutdownTracer)

	s, closeStore, err := openStore(ctx, cfg)
	if err != nil {
		logger.Error("failed to open store", "backend", cfg.StoreBackend, "error", err)
		os.Exit(1)
	}
	defer closeStore()

	var nc *nats.Conn
	if cfg.NATSURL != "" {
		nc, err = nats.Connect(cfg.NATSURL)
		if err != nil {
			logger.Warn("nats connect failed, speed-up fast path disabled", "error", err)
		} else {
			defer nc.Close()
		}
	}

	sched := reactivetask.New(reactivetask.Config{
		Store:             s,
		MetaCollection:    cfg.MetaCollection,
		InstanceID:        cfg.InstanceID,
		VisibilityTimeout: cfg.VisibilityTimeout,
		Concurrency:       cfg.Concurrency,
		MetricsEnabled:    !cfg.MonitoringDisabled,
		NatsConn:          nc,
		Logger:            logger,
		Sinks: task.Sinks{
			OnError: func(err error) { logger.Warn("reactivetask error", "error", err) },
			OnInfo:  func(ev task.Info) { logger.Info(ev.Message, "code", ev.Code, "fields", ev.Fields) },
		},
	})

	if err := sched.Register(ctx, sampleDefinition(logger)); err != nil {
		logger.Error("failed to register sample task", "error", err)
		os.Exit(1)
	}
	if err := sched.Start(ctx); err != nil {
		logger.Error("failed to start scheduler", "error", err)
		os.Exit(1)
	}
	logger.Info("reactivetaskd started", "backend", s.Backend(), "instance", cfg.InstanceID)

	httpSrv := startHTTPServer(ctx, sched, logger)

	<-ctx.Done()
	logger.Info("shutting down")
	sched.Stop()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = httpSrv.Shutdown(shutdownCtx)
}

func openStore(ctx context.Context, cfg config.Config) (store.Store, func(), error) {
	switch cfg.StoreBackend {
	case "bolt":
		s, err := boltstore.Open(cfg.BoltPath)
		if err != nil {
			return nil, nil, err
		}
		return s, func() { _ = s.Close(context.Background()) }, nil
	default:
		s, err := mongostore.Connect(ctx, cfg.MongoURI, cfg.MongoDB)
		if err != nil {
			return nil, nil, err
		}
		return s, func() { _ = s.Close(context.Background()) }, nil
	}
}

// sampleDefinition demonstrates a task watching an "orders" collection for
// documents that became "ready_to_ship", debouncing bursts of updates and
// retrying transient shipping-provider failures with backoff.
func sampleDefinition(logger *slog.Logger) task.Definition {
	return task.Definition{
		Name:             "ship_order",
		SourceCollection: "orders",
		Predicate:        map[string]any{"status": "ready_to_ship"},
		WatchProjection:  []string{"status", "shippingAddress"},
		DebounceMs:       500,
		Retry: task.RetryPolicy{
			Kind:        task.RetryExponential,
			Min:         time.Second,
			Max:         time.Minute,
			Factor:      2,
			MaxAttempts: 8,
		},
		HandlerVersion:           "v1",
		OnHandlerVersionChange:   task.OnVersionChangeReprocessFailed,
		ReconcileOnTriggerChange: true,
		Cleanup: task.CleanupPolicy{
			DeleteWhen: task.DeleteSourceDocumentDeleted,
			KeepForMs:  int64(7 * 24 * time.Hour / time.Millisecond),
		},
		ExecutionHistoryLimit: 5,
		Handler: func(tc *task.Context) error {
			doc, err := tc.GetDocument()
			if err != nil {
				return err
			}
			logger.Info("shipping order", "sourceDocId", tc.SourceDocID, "address", doc["shippingAddress"])
			return nil
		},
	}
}

func startHTTPServer(ctx context.Context, sched *reactivetask.Scheduler, logger *slog.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
	})
	mux.HandleFunc("/metrics", func(w http.ResponseWriter, r *http.Request) {
		text, err := sched.GetPrometheusMetrics(r.Context())
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		fmt.Fprint(w, text)
	})
	srv := &http.Server{Addr: ":8090", Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server failed", "error", err)
		}
	}()
	return srv
}
