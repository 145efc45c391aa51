// Command engine runs the run orchestration engine: the public run API, the
// control plane, plan execution and the task timeout sweep.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/xiaot623/gogo/internal/config"
	"github.com/xiaot623/gogo/internal/eventstore"
	"github.com/xiaot623/gogo/internal/idempotency"
	"github.com/xiaot623/gogo/internal/infra"
	"github.com/xiaot623/gogo/internal/live"
	"github.com/xiaot623/gogo/internal/metrics"
	"github.com/xiaot623/gogo/internal/modelpool"
	"github.com/xiaot623/gogo/internal/repository"
	"github.com/xiaot623/gogo/internal/scheduler"
	"github.com/xiaot623/gogo/internal/service"
	"github.com/xiaot623/gogo/internal/tools"
	handler "github.com/xiaot623/gogo/internal/transport/http"
	"github.com/xiaot623/gogo/policy"
)

const shutdownTimeout = 15 * time.Second

func main() {
	if err := run(); err != nil {
		log.WithError(err).Fatal("engine exited")
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	setupLogging(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.WithFields(log.Fields{
		"http_port":     cfg.HTTPPort,
		"internal_port": cfg.InternalPort,
		"driver":        cfg.DatabaseDriver,
		"policy_mode":   cfg.Policy.Mode,
	}).Info("starting engine")

	m := metrics.New()

	db, err := repository.Open(cfg.DatabaseDriver, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	defer db.Close()

	// Redis, when configured, fans events out across replicas and holds the
	// idempotency records. Otherwise both stay in this process and database.
	var (
		broker live.Broker
		idem   idempotency.Store = idempotency.NewSQLStore(db)
		hub    *live.Hub
	)
	if cfg.RedisURL != "" {
		client, err := infra.NewRedisClient(ctx, cfg.RedisURL)
		if err != nil {
			return err
		}
		defer client.Close()
		broker = live.NewRedisBroker(client)
		idem = idempotency.NewRedisStore(client)
	} else {
		hub = live.NewHub()
		broker = hub
		m.RegisterGaugeFunc("live_subscribers", "Live event subscribers", func() float64 {
			return float64(hub.SubscriberCount())
		})
	}

	events := eventstore.New(db,
		eventstore.WithBroker(broker),
		eventstore.WithExcludedTypes(cfg.ExcludedEventTypes),
		eventstore.WithMetrics(m),
	)

	pool, err := modelpool.FromConfig(cfg.ModelPool, cfg.LLM, nil,
		modelpool.WithRecorder(events),
		modelpool.WithMetrics(m),
	)
	if err != nil {
		return fmt.Errorf("failed to build model pool: %w", err)
	}

	hooks, err := newPolicyHooks(ctx, cfg.Policy, events, m)
	if err != nil {
		return err
	}
	registry := tools.NewRegistry()
	if err := tools.RegisterBuiltins(registry, cfg.Policy.SandboxRoot); err != nil {
		return fmt.Errorf("failed to register tools: %w", err)
	}
	invoker := tools.NewInvoker(registry, hooks)

	exec := service.NewTaskExecutor(pool, invoker, events, cfg.Features)
	sched := scheduler.New(exec, events, scheduler.Options{
		MaxConcurrency:   cfg.Scheduler.MaxConcurrency,
		TaskTimeout:      cfg.Scheduler.TaskTimeout,
		RetryMaxAttempts: cfg.Scheduler.RetryMaxAttempts,
		RetryBaseDelay:   cfg.Scheduler.RetryBaseDelay,
		RetryMaxDelay:    cfg.Scheduler.RetryMaxDelay,
		SweepInterval:    cfg.Scheduler.SweepInterval,
	}, scheduler.WithMetrics(m))

	svc := service.New(db, events, service.Config{
		IdempotencyTTL: cfg.IdempotencyTTL,
		TaskTimeout:    cfg.Scheduler.TaskTimeout,
		SweepInterval:  cfg.Scheduler.SweepInterval,
	},
		service.WithScheduler(sched),
		service.WithModelPool(pool),
		service.WithInvoker(invoker),
		service.WithIdempotency(idem),
		service.WithMetrics(m),
	)
	m.RegisterGaugeFunc("active_executions", "Plans executing in this process", func() float64 {
		return float64(svc.ActiveExecutions())
	})

	external := handler.NewExternalServer(svc)
	internal := handler.NewInternalServer(svc, m)

	g, gctx := errgroup.WithContext(ctx)
	if hub != nil {
		g.Go(func() error {
			hub.Run(gctx)
			return nil
		})
	}
	g.Go(func() error {
		svc.RunTaskTimeoutMonitor(gctx)
		return nil
	})
	g.Go(func() error { return serve(external, cfg.HTTPPort, "external") })
	g.Go(func() error { return serve(internal, cfg.InternalPort, "internal") })
	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down engine")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		var errs []error
		for _, e := range []*echo.Echo{external, internal} {
			if err := e.Shutdown(shutdownCtx); err != nil {
				errs = append(errs, err)
			}
		}
		// Tasks left in progress past the deadline are expired by the timeout
		// sweep of the next engine.
		if err := svc.Shutdown(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("executions did not finish: %w", err))
		}
		return errors.Join(errs...)
	})

	if err := g.Wait(); err != nil {
		return err
	}
	log.Info("engine stopped")
	return nil
}

func serve(e *echo.Echo, port int, name string) error {
	addr := fmt.Sprintf(":%d", port)
	log.WithField("addr", addr).Infof("%s API listening", name)
	if err := e.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("%s server: %w", name, err)
	}
	return nil
}

func newPolicyHooks(ctx context.Context, cfg config.PolicyConfig, events *eventstore.Store, m *metrics.Metrics) (*policy.Hooks, error) {
	var patterns []policy.Pattern
	if len(cfg.SensitivePatterns) > 0 {
		extra, err := policy.CompilePatterns(cfg.SensitivePatterns)
		if err != nil {
			return nil, err
		}
		patterns = append(policy.DefaultPatterns(), extra...)
	}
	engine, err := policy.LoadEngine(ctx, cfg.RegoFile)
	if err != nil {
		return nil, err
	}
	return policy.NewHooks(policy.Config{
		Mode:           cfg.Mode,
		Whitelist:      cfg.Whitelist,
		SandboxRoot:    cfg.SandboxRoot,
		Patterns:       patterns,
		MaxOutputBytes: cfg.MaxOutputBytes,
	}, policy.WithEngine(engine), policy.WithRecorder(events), policy.WithMetrics(m))
}

func setupLogging(level string) {
	log.SetFormatter(&log.JSONFormatter{})
	lvl, err := log.ParseLevel(level)
	if err != nil {
		log.WithField("level", level).Warn("unknown log level, using info")
		lvl = log.InfoLevel
	}
	log.SetLevel(lvl)
}
