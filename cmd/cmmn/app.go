package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"github.com/goliatone/go-cmmn/dispatcher"
	"github.com/goliatone/go-cmmn/engine"
	"github.com/goliatone/go-cmmn/expr/gojaexpr"
	"github.com/goliatone/go-cmmn/jobs"
	"github.com/goliatone/go-cmmn/lock/redislock"
	"github.com/goliatone/go-cmmn/metrics/prommetrics"
	"github.com/goliatone/go-cmmn/model"
	"github.com/goliatone/go-cmmn/runner"
	"github.com/goliatone/go-cmmn/storage/boltstore"
	"github.com/goliatone/go-cmmn/storage/sqlstore"
)

// app holds the engine shared by all commands of one invocation.
type app struct {
	ctx       context.Context
	out       io.Writer
	logger    engine.Logger
	engine    *engine.Engine
	bus       *dispatcher.Dispatcher
	scheduler *jobs.Scheduler
	registry  *prometheus.Registry
	closers   []func() error
}

func newApp(ctx context.Context, cli *CLI, stdout, stderr io.Writer) (*app, error) {
	a := &app{
		ctx:    ctx,
		out:    stdout,
		logger: newLogger(stderr, cli.LogLevel, cli.LogJSON),
	}

	cfg := engine.DefaultConfig()
	if cli.Config != "" {
		raw, err := os.ReadFile(cli.Config)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if cfg, err = engine.LoadConfig(raw); err != nil {
			return nil, err
		}
	}
	// one-shot commands leave follow-ups for `cmmn work`
	cfg.DeferOutbox = true

	store, err := a.openStore(ctx, cli)
	if err != nil {
		a.Close()
		return nil, err
	}

	a.scheduler = jobs.NewScheduler(jobs.WithLogger(a.logger))
	opts := []engine.Option{
		engine.WithLogger(a.logger),
		engine.WithStore(store),
		engine.WithConfig(cfg),
		engine.WithEvaluator(gojaexpr.New(gojaexpr.WithUndefinedAsNil())),
		engine.WithJobQueue(a.scheduler),
	}
	if cli.RedisAddr != "" {
		client := redis.NewClient(&redis.Options{Addr: cli.RedisAddr})
		a.closers = append(a.closers, client.Close)
		opts = append(opts, engine.WithLocker(redislock.New(client, redislock.WithPrefix("cmmn:lock:"))))
	}
	if cli.Work.MetricsAddr != "" {
		a.registry = prometheus.NewRegistry()
		collector, err := prommetrics.New(a.registry, "cmmn")
		if err != nil {
			a.Close()
			return nil, err
		}
		opts = append(opts, engine.WithMetrics(collector), engine.WithListeners(collector))
	}
	a.engine = engine.New(opts...)
	a.scheduler.Bind(a.engine)
	a.bus = dispatcher.New(dispatcher.WithExitOnError())
	engine.NewHandlers(a.engine).Subscribe(a.bus, runner.WithLogger(a.logger))

	if cli.Definitions != "" {
		defs, err := model.LoadDefinitionDir(cli.Definitions)
		if err != nil {
			a.Close()
			return nil, err
		}
		for _, def := range defs {
			if _, err := a.engine.Deploy(def); err != nil {
				a.Close()
				return nil, fmt.Errorf("deploy %s: %w", def.Key, err)
			}
		}
	}
	return a, nil
}

func (a *app) openStore(ctx context.Context, cli *CLI) (engine.Store, error) {
	switch cli.Store {
	case "bolt":
		s, err := boltstore.Open(cli.DB, 2*time.Second)
		if err != nil {
			return nil, fmt.Errorf("open bolt store: %w", err)
		}
		a.closers = append(a.closers, s.Close)
		return s, nil
	case "sqlite", "postgres", "":
		dialect, err := sqlstore.ParseDialect(cli.Store)
		if err != nil {
			return nil, err
		}
		db, err := sqlstore.Open(ctx, sqlstore.Config{Dialect: dialect, DSN: cli.DB})
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, db.Close)
		s := sqlstore.New(db, dialect, "")
		if err := s.Migrate(ctx); err != nil {
			return nil, err
		}
		return s, nil
	}
	return nil, fmt.Errorf("unknown store %q", cli.Store)
}

func (a *app) Close() error {
	var errs []error
	if a.scheduler != nil {
		stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		errs = append(errs, a.scheduler.Stop(stopCtx))
		cancel()
	}
	for i := len(a.closers) - 1; i >= 0; i-- {
		errs = append(errs, a.closers[i]())
	}
	a.closers = nil
	return errors.Join(errs...)
}

func (a *app) printf(format string, args ...any) {
	fmt.Fprintf(a.out, format, args...)
}

// resolvePlanItem accepts a plan item instance id, or case-id/definition-id
// for the latest instance of a definition.
func (a *app) resolvePlanItem(ref string) (string, error) {
	caseID, defID, ok := strings.Cut(ref, "/")
	if !ok {
		return ref, nil
	}
	items, err := a.engine.ListPlanItems(a.ctx, caseID)
	if err != nil {
		return "", err
	}
	for i := len(items) - 1; i >= 0; i-- {
		if items[i].DefinitionID == defID {
			return items[i].ID, nil
		}
	}
	return "", fmt.Errorf("no instance of %s in case %s", defID, caseID)
}
