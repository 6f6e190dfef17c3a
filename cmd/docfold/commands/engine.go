// Package commands holds the docfold CLI commands.
package commands

import (
	"context"
	"database/sql"
	"time"

	"github.com/spf13/cobra"

	"github.com/docfold/docfold/clients"
	"github.com/docfold/docfold/config"
	"github.com/docfold/docfold/db"
	"github.com/docfold/docfold/docstore"
	"github.com/docfold/docfold/errors"
	"github.com/docfold/docfold/jobs"
	"github.com/docfold/docfold/jobs/handlers"
	"github.com/docfold/docfold/jobs/manager"
	"github.com/docfold/docfold/jobs/monitor"
	"github.com/docfold/docfold/jobs/storage"
	"github.com/docfold/docfold/logger"
)

// engine bundles everything a command needs to drive the job service
type engine struct {
	cfg     *config.Config
	db      *sql.DB
	store   *storage.Storage
	service *manager.Service
}

// loadConfig honors the --config flag and falls back to the standard search
// paths
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	if path, _ := cmd.Flags().GetString("config"); path != "" {
		return config.LoadFromFile(path)
	}
	return config.Load()
}

// buildEngine constructs the full job engine: database, storage, monitor,
// service clients, handlers, manager, service. Nothing is started.
func buildEngine(cmd *cobra.Command) (*engine, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, errors.Wrap(err, "failed to load config")
	}

	log := logger.Logger

	database, err := db.Open(cfg.Database.Path, log.Named("db"))
	if err != nil {
		return nil, err
	}

	store := storage.New(database, log.Named("storage"))
	if err := store.Initialize(); err != nil {
		database.Close()
		return nil, err
	}

	mon := monitor.New(log.Named("monitor"))
	mon.RegisterHealthCheck("database", func(ctx context.Context) (monitor.CheckResult, error) {
		if err := database.PingContext(ctx); err != nil {
			return monitor.CheckResult{Status: jobs.HealthUnhealthy}, err
		}
		return monitor.CheckResult{Status: jobs.HealthHealthy}, nil
	})
	mon.RegisterAlertHandler(func(a monitor.Alert) {
		entry := log.Named("alerts").With(
			"job_id", a.JobID,
			"type", a.Type,
			"severity", a.Severity,
		)
		switch a.Severity {
		case "critical":
			entry.Errorw(a.Message, "details", a.Details)
		case "warning":
			entry.Warnw(a.Message, "details", a.Details)
		default:
			entry.Infow(a.Message, "details", a.Details)
		}
	})

	registry := jobs.NewHandlerRegistry()
	handlers.RegisterAll(registry, handlers.Deps{
		VectorStore: clients.NewVectorStoreClient(&cfg.Services, log.Named("vectorstore")),
		Ingest:      clients.NewIngestClient(&cfg.Services, log.Named("ingest")),
		DB:          docstore.New(database, log.Named("docstore")),
		Jobs:        &cfg.Jobs,
		Log:         log.Named("handlers"),
	})

	mgr := manager.New(cfg.Jobs, store, registry, mon, log.Named("manager"))
	svc := manager.NewService(mgr, log.Named("service"))

	return &engine{cfg: cfg, db: database, store: store, service: svc}, nil
}

// close releases the engine's resources. Stops the service when running.
func (e *engine) close() {
	if e.service != nil {
		_ = e.service.Stop()
	}
	if e.store != nil {
		_ = e.store.Cleanup()
	}
	if e.db != nil {
		_ = e.db.Close()
	}
}

// waitForExecution polls storage until the execution reaches a terminal
// status or the timeout passes
func (e *engine) waitForExecution(executionID string, timeout time.Duration) (*jobs.JobExecution, error) {
	deadline := time.Now().Add(timeout)
	for {
		exec, err := e.store.GetExecution(executionID)
		if err != nil {
			return nil, err
		}
		if exec.Status.IsTerminal() {
			return exec, nil
		}
		if time.Now().After(deadline) {
			return exec, errors.Newf("execution %s still %s after %v", executionID, exec.Status, timeout)
		}
		time.Sleep(200 * time.Millisecond)
	}
}
