// Command fractalserver wires the record execution engine's storage, task
// dispatcher, manager registry, service engine, internal job runner, and
// HTTP API into one process and runs it until interrupted. Grounded on the
// donor's cmd/appserver/main.go wiring shape (flag-overridden config, DSN
// resolution with an in-memory fallback, migrate-then-serve, signal-driven
// graceful shutdown), adapted from its domain-service Stores bundle to this
// module's record/dispatcher/manager/job-runner services.
package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/qcfractal/fractal-core/internal/app/dispatcher"
	"github.com/qcfractal/fractal-core/internal/app/errorlog"
	"github.com/qcfractal/fractal-core/internal/app/httpapi"
	"github.com/qcfractal/fractal-core/internal/app/jobrunner"
	"github.com/qcfractal/fractal-core/internal/app/managers"
	"github.com/qcfractal/fractal-core/internal/app/records"
	"github.com/qcfractal/fractal-core/internal/app/serviceengine"
	"github.com/qcfractal/fractal-core/internal/app/services/motd"
	"github.com/qcfractal/fractal-core/internal/app/storage"
	"github.com/qcfractal/fractal-core/internal/app/storage/postgres"
	"github.com/qcfractal/fractal-core/internal/app/system"
	"github.com/qcfractal/fractal-core/internal/config"
	"github.com/qcfractal/fractal-core/internal/domain/job"
	"github.com/qcfractal/fractal-core/internal/platform/database"
	"github.com/qcfractal/fractal-core/internal/platform/migrations"
	"github.com/qcfractal/fractal-core/pkg/logger"
	"github.com/qcfractal/fractal-core/pkg/pgnotify"
)

func main() {
	addr := flag.String("addr", "", "HTTP listen address (defaults to config or :8080)")
	dsn := flag.String("dsn", "", "PostgreSQL DSN (overrides config/env; in-memory storage when empty)")
	configPath := flag.String("config", "", "path to configuration file (JSON or YAML)")
	runMigrations := flag.Bool("migrate", true, "run embedded database migrations on startup (ignored for in-memory)")
	flag.Parse()

	cfg, err := loadConfig(*configPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	log_ := logger.New(logger.LoggingConfig{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Output: cfg.Logging.Output,
	})

	rootCtx := context.Background()
	dsnVal := resolveDSN(*dsn, cfg)

	var (
		store *postgres.Store
		mem   *storage.Memory
		bus   *pgnotify.Bus
	)

	var recordStore storage.RecordStore
	var dispatcherStore storage.DispatcherStore
	var managerStore storage.ManagerStore
	var serviceStore storage.ServiceStore
	var jobStore storage.JobStore

	if dsnVal != "" {
		conn, err := database.Open(rootCtx, dsnVal)
		if err != nil {
			log.Fatalf("connect to postgres: %v", err)
		}
		configurePool(conn, cfg)
		if *runMigrations {
			if err := migrations.Apply(rootCtx, conn); err != nil {
				log.Fatalf("apply migrations: %v", err)
			}
		}
		store = postgres.New(conn)
		recordStore, dispatcherStore, managerStore, serviceStore, jobStore = store, store, store, store, store

		if b, err := pgnotify.New(dsnVal); err != nil {
			log_.WithError(err).Warn("pgnotify unavailable; job runner falls back to polling only")
		} else {
			bus = b
		}
		defer conn.Close()
	} else {
		mem = storage.NewMemory()
		recordStore, dispatcherStore, managerStore, serviceStore, jobStore = mem, mem, mem, mem, mem
		log_.Warn("no DSN configured; running against an in-memory store (data does not persist restarts)")
	}

	errLog := errorlog.New(dbOrNil(store))

	recordsSvc := records.New(recordStore, serviceStore, cfg.VersionLimits.MaxBatchSize)

	dispatcherSvc := dispatcher.New(dispatcherStore, dispatcher.Config{
		ClaimBatchMax:      cfg.Dispatcher.ClaimBatchMax,
		RateLimitPerSecond: cfg.Dispatcher.RateLimitPerSecond,
		RateLimitBurst:     cfg.Dispatcher.RateLimitBurst,
	}, log_)
	stopDispatcherCleanup := dispatcherSvc.StartCleanup(time.Hour)
	defer stopDispatcherCleanup()

	managerRegistry := managers.New(managerStore, cfg.Manager.HeartbeatFrequency, cfg.Manager.HeartbeatMaxMissed)
	reaper := managers.NewReaper(managerRegistry, cfg.Manager.HeartbeatFrequency, log_)

	engine := serviceengine.New(serviceStore, serviceStore, cfg.Dispatcher.ServiceIterationFuel, 0)
	// Record-type iterators are registered by the packages that define each
	// composite record type; none ship in this core module (spec's dataset
	// composition and concrete result schemas are explicitly out of scope).

	hostname, _ := os.Hostname()
	runner := jobrunner.New(jobStore, jobrunner.Config{
		Hostname:      hostname,
		InstanceUUID:  randomInstanceID(),
		PollInterval:  cfg.Jobs.PollInterval,
		LeaseDuration: cfg.Jobs.LeaseDuration,
		ReaperInterval: cfg.Jobs.ReaperInterval,
		Bus:           bus,
	}, log_)
	runner.Register(job.NameServiceIterate, serviceengine.IterateJob(engine, runner, cfg.Dispatcher.PollInterval))

	motdStore := motd.New()

	listenAddr := determineAddr(*addr, cfg)
	httpDeps := httpapi.Deps{
		Records:    recordsSvc,
		Dispatcher: dispatcherSvc,
		Managers:   managerRegistry,
		Motd:       motdStore,
		ErrorLog:   errLog,
		Config:     cfg,
		Log:        log_,
	}
	httpService := httpapi.NewHTTPService(listenAddr, httpDeps)

	system_ := system.NewManager()
	for _, svc := range []system.Service{reaper, runner, httpService} {
		if err := system_.Register(svc); err != nil {
			log.Fatalf("register %s: %v", svc.Name(), err)
		}
	}

	if err := system_.Start(rootCtx); err != nil {
		log.Fatalf("start services: %v", err)
	}
	log_.Infof("fractal-core listening on %s", listenAddr)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := system_.Stop(shutdownCtx); err != nil {
		log.Fatalf("shutdown: %v", err)
	}
	if bus != nil {
		_ = bus.Close()
	}
}

func loadConfig(path string) (*config.Config, error) {
	if trimmed := strings.TrimSpace(path); trimmed != "" {
		return loadConfigFile(trimmed)
	}
	return config.Load()
}

func loadConfigFile(path string) (*config.Config, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return config.LoadFile(path)
	case ".json":
		return config.LoadConfig(path)
	default:
		if cfg, err := config.LoadFile(path); err == nil {
			return cfg, nil
		}
		return config.LoadConfig(path)
	}
}

func determineAddr(flagAddr string, cfg *config.Config) string {
	addr := strings.TrimSpace(flagAddr)
	if addr != "" {
		return addr
	}
	if cfg != nil {
		host := strings.TrimSpace(cfg.Server.Host)
		port := cfg.Server.Port
		if port != 0 {
			if host == "" {
				host = "0.0.0.0"
			}
			return fmt.Sprintf("%s:%d", host, port)
		}
	}
	return ":8080"
}

func resolveDSN(flagDSN string, cfg *config.Config) string {
	if trimmed := strings.TrimSpace(flagDSN); trimmed != "" {
		return trimmed
	}
	if envDSN := strings.TrimSpace(os.Getenv("DATABASE_URL")); envDSN != "" {
		return envDSN
	}
	if cfg == nil {
		return ""
	}
	if cfg.Database.DSN != "" {
		return strings.TrimSpace(cfg.Database.DSN)
	}
	if cfg.Database.Host != "" && cfg.Database.Name != "" {
		return cfg.Database.ConnectionString()
	}
	return ""
}

func configurePool(db *sql.DB, cfg *config.Config) {
	if cfg == nil {
		return
	}
	if cfg.Database.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.Database.MaxOpenConns)
	}
	if cfg.Database.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.Database.MaxIdleConns)
	}
	if cfg.Database.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(time.Duration(cfg.Database.ConnMaxLifetime) * time.Second)
	}
}

func dbOrNil(store *postgres.Store) *sql.DB {
	if store == nil {
		return nil
	}
	return store.DB()
}

func randomInstanceID() string {
	return fmt.Sprintf("%d", time.Now().UnixNano())
}
