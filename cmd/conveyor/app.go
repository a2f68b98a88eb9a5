package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/charmbracelet/log"
	"github.com/dbos-inc/dbos-transact-golang/dbos"

	"github.com/cloud-shuttle/conveyor/internal/config"
	"github.com/cloud-shuttle/conveyor/internal/db"
	"github.com/cloud-shuttle/conveyor/internal/executor"
	"github.com/cloud-shuttle/conveyor/internal/git"
	"github.com/cloud-shuttle/conveyor/internal/github"
	"github.com/cloud-shuttle/conveyor/internal/logging"
	"github.com/cloud-shuttle/conveyor/internal/recurring"
	"github.com/cloud-shuttle/conveyor/internal/selector"
	"github.com/cloud-shuttle/conveyor/internal/taskdef"
	suites "github.com/cloud-shuttle/conveyor/internal/testing"
	"github.com/cloud-shuttle/conveyor/internal/webhooks"
	"github.com/cloud-shuttle/conveyor/internal/workflow"
	"github.com/cloud-shuttle/conveyor/pkg/telemetry"
)

// app holds the components every command shares
type app struct {
	cfg    *config.Config
	logger *log.Logger

	issues     *github.Client
	worktrees  *git.WorktreeManager
	recurrence recurring.Store
	store      *db.Store // nil unless state.backend is sqlite
	parse      taskdef.Options

	cleanup []func()
}

// newApp loads and validates configuration and opens local state
func newApp() (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config:\n%w", err)
	}

	logger, closer, err := logging.New(cfg.Log, os.Stderr)
	if err != nil {
		return nil, err
	}
	a := &app{
		cfg:     cfg,
		logger:  logger,
		parse:   taskdef.Options{BranchPrefix: cfg.Git.BranchPrefix},
		cleanup: []func(){func() { closer.Close() }},
	}

	shutdown, err := telemetry.Setup(cfg.Telemetry.TraceFile, cfg.Telemetry.ServiceName)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.cleanup = append(a.cleanup, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdown(ctx); err != nil {
			logger.Warn("flushing traces", "error", err)
		}
	})

	a.issues, err = github.New(github.Options{
		Token:       cfg.GitHub.Token,
		TaskRepo:    cfg.GitHub.TaskRepo,
		Human:       cfg.GitHub.HumanUsername,
		APIURL:      cfg.GitHub.APIURL,
		MergeMethod: cfg.GitHub.MergeMethod,
		Logger:      logger,
	})
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("creating github client: %w", err)
	}

	a.worktrees = git.NewWorktreeManager(git.Options{
		MirrorsDir:     cfg.MirrorsDir(),
		WorktreesDir:   cfg.WorktreesDir(),
		RemoteBase:     cfg.GitHub.RemoteBase,
		Token:          cfg.GitHub.Token,
		AuthorName:     cfg.Git.AuthorName,
		AuthorEmail:    cfg.Git.AuthorEmail,
		CommandTimeout: cfg.Git.CommandTimeout,
		Logger:         logger,
	})

	if err := a.openState(); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func (a *app) stateDir() string {
	if a.cfg.State.Dir != "" {
		return a.cfg.State.Dir
	}
	return a.cfg.WorkDir
}

// openState opens the recurrence store, and run history with sqlite
func (a *app) openState() error {
	switch a.cfg.State.Backend {
	case "sqlite":
		store, err := db.Open(filepath.Join(a.stateDir(), "conveyor.db"))
		if err != nil {
			return err
		}
		if err := store.InitSchema(); err != nil {
			store.Close()
			return fmt.Errorf("initializing schema: %w", err)
		}
		a.store = store
		a.recurrence = store
		a.cleanup = append(a.cleanup, func() { store.Close() })
	default:
		fs, err := recurring.OpenFileStore(a.stateDir(), a.logger)
		if err != nil {
			return err
		}
		a.recurrence = fs
	}
	return nil
}

// Close releases everything in reverse order of acquisition
func (a *app) Close() {
	for i := len(a.cleanup) - 1; i >= 0; i-- {
		a.cleanup[i]()
	}
	a.cleanup = nil
}

// pipeline is everything needed to run tasks
type pipeline struct {
	runner workflow.TaskRunner
	human  *workflow.HumanResponder
	lock   *workflow.RunLock
}

// buildPipeline wires the driver, runner, notifications and, when
// configured, durable execution. DBOS is launched here; workflows must be
// registered before that.
func (a *app) buildPipeline(ctx context.Context) (*pipeline, error) {
	cfg := a.cfg
	if err := executor.CheckInstalled(ctx, cfg.Worker.Path); err != nil {
		return nil, err
	}

	scratch := filepath.Join(cfg.WorkDir, "scratch")
	if err := os.MkdirAll(scratch, 0755); err != nil {
		return nil, fmt.Errorf("creating scratch directory: %w", err)
	}

	tests := suites.NewRunner(&suites.Config{
		Timeout: cfg.Pipeline.TestTimeout,
		Command: cfg.Pipeline.TestCommand,
	}, a.logger)

	driver := workflow.NewDriver(a.issues, executor.NewExecutor(cfg.Worker, a.logger), a.worktrees, tests, workflow.DriverOptions{
		MaxIterations:   cfg.Limits.MaxIterations,
		MaxReviewCycles: cfg.Limits.MaxReviewCycles,
		MaxQACycles:     cfg.Limits.MaxQACycles,
		QAEnabled:       cfg.Pipeline.QAEnabled,
		AutoMerge:       cfg.Pipeline.AutoMerge,
		ScratchDir:      scratch,
		Logger:          a.logger,
	})

	opts := workflow.RunnerOptions{Logger: a.logger}
	if a.store != nil {
		opts.History = a.store
	}
	if notifier := a.notifier(); notifier != nil {
		opts.Notifier = notifier
	}

	lock := workflow.NewRunLock()
	var runner workflow.TaskRunner = workflow.NewRunner(a.issues, driver, a.worktrees, a.recurrence, opts)
	if cfg.DBOS.DatabaseURL != "" {
		durable, err := a.durable(runner, lock)
		if err != nil {
			return nil, err
		}
		runner = durable
	}

	human := workflow.NewHumanResponder(a.issues, a.recurrence, cfg.GitHub.HumanUsername, a.parse, a.logger)
	return &pipeline{runner: runner, human: human, lock: lock}, nil
}

// notifier starts webhook delivery when endpoints are configured
func (a *app) notifier() *webhooks.Manager {
	if len(a.cfg.Webhooks.Endpoints) == 0 {
		return nil
	}

	m := webhooks.NewManager(webhooks.Options{Logger: a.logger})
	for _, ep := range a.cfg.Webhooks.Endpoints {
		events := make([]webhooks.EventType, 0, len(ep.Events))
		for _, e := range ep.Events {
			events = append(events, webhooks.EventType(e))
		}
		if err := m.Register(&webhooks.Webhook{URL: ep.URL, Secret: ep.Secret, Events: events}); err != nil {
			a.logger.Warn("skipping webhook", "url", ep.URL, "error", err)
		}
	}
	m.Start(a.cfg.Webhooks.Workers)

	a.cleanup = append(a.cleanup, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := m.Stop(ctx); err != nil {
			a.logger.Warn("webhook deliveries still pending at exit", "error", err)
		}
	})
	return m
}

// durable wraps runner in a DBOS workflow and launches the runtime. Recovered
// workflows take lock before touching any worktree.
func (a *app) durable(runner workflow.TaskRunner, lock *workflow.RunLock) (workflow.TaskRunner, error) {
	dbosCtx, err := dbos.NewDBOSContext(context.Background(), dbos.Config{
		AppName:     a.cfg.DBOS.AppName,
		DatabaseURL: a.cfg.DBOS.DatabaseURL,
	})
	if err != nil {
		return nil, fmt.Errorf("initializing DBOS: %w", err)
	}

	durable := workflow.NewDurableRunner(dbosCtx, a.issues, runner, a.parse, lock, a.logger)
	if err := dbos.Launch(dbosCtx); err != nil {
		return nil, fmt.Errorf("launching DBOS: %w", err)
	}
	a.cleanup = append(a.cleanup, func() { dbos.Shutdown(dbosCtx, 5*time.Second) })
	a.logger.Info("durable execution enabled", "app", a.cfg.DBOS.AppName)
	return durable, nil
}

// newQuota returns today's quota, seeded from run history when available
func (a *app) newQuota() *selector.DailyQuota {
	quota := selector.NewDailyQuota(a.cfg.Limits.MaxTasksPerDay, a.cfg.Location())
	if a.store == nil {
		return quota
	}
	n, err := a.store.CountCompletedSince(quota.StartOfDay())
	if err != nil {
		a.logger.Warn("reading today's completed runs", "error", err)
		return quota
	}
	quota.Seed(n)
	return quota
}

// requireHistory returns the run history store or explains how to enable it
func (a *app) requireHistory() (*db.Store, error) {
	if a.store == nil {
		return nil, errors.New("run history needs state.backend: sqlite")
	}
	return a.store, nil
}
