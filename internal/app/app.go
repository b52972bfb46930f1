// Package app builds the blazeguard services from configuration and runs
// their background loops.
package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/good-yellow-bee/blazeguard/internal/api"
	"github.com/good-yellow-bee/blazeguard/internal/api/health"
	"github.com/good-yellow-bee/blazeguard/internal/audit"
	"github.com/good-yellow-bee/blazeguard/internal/events"
	"github.com/good-yellow-bee/blazeguard/internal/issuer"
	"github.com/good-yellow-bee/blazeguard/internal/issuer/builtin"
	"github.com/good-yellow-bee/blazeguard/internal/lifecycle"
	"github.com/good-yellow-bee/blazeguard/internal/logging"
	"github.com/good-yellow-bee/blazeguard/internal/metrics"
	"github.com/good-yellow-bee/blazeguard/internal/notification"
	"github.com/good-yellow-bee/blazeguard/internal/notifier"
	"github.com/good-yellow-bee/blazeguard/internal/pipeline"
	"github.com/good-yellow-bee/blazeguard/internal/ratelimit"
	"github.com/good-yellow-bee/blazeguard/internal/reputation"
	"github.com/good-yellow-bee/blazeguard/internal/retention"
	"github.com/good-yellow-bee/blazeguard/internal/scheduler"
	"github.com/good-yellow-bee/blazeguard/internal/security"
	"github.com/good-yellow-bee/blazeguard/internal/storage"
	"github.com/good-yellow-bee/blazeguard/internal/suppression"
	"github.com/good-yellow-bee/blazeguard/pkg/config"
)

// Job names registered with the scheduler.
const (
	JobScan      = "scan"
	JobDeliver   = "deliver"
	JobRetention = "retention"
)

// App holds every wired service. Fields for optional components are nil
// when the component is disabled.
type App struct {
	Config *Config
	Logger *zap.Logger

	Store      storage.Storage
	Secrets    security.SecretStore
	Bus        *events.Bus
	Issuers    *issuer.Registry
	Builtins   *builtin.Set
	Rules      *suppression.Engine
	Lifecycle  *lifecycle.Service
	Domains    *reputation.Workflow
	Limiter    *ratelimit.Limiter
	Channels   *notifier.Registry
	Queue      *notification.Queue
	Audit      *audit.Log
	Dispatcher *pipeline.Dispatcher
	Retention  *retention.Service
	Scheduler  *scheduler.Scheduler

	Archive       *storage.ClickHouseArchive
	ArchiveBuffer *storage.FindingBuffer
	NATS          *events.NATSBridge
}

// New opens storage and builds every service. Nothing runs until Serve.
// Secret references in cfg are resolved in place.
func New(ctx context.Context, cfg *Config, logger *zap.Logger) (a *App, err error) {
	logger = logging.OrNop(logger)
	a = &App{Config: cfg, Logger: logger}
	defer func() {
		if err != nil {
			a.Close()
			a = nil
		}
	}()

	a.Secrets, err = OpenSecrets(cfg.Secrets)
	if err != nil {
		return a, err
	}
	if err = cfg.ResolveSecrets(ctx, a.Secrets); err != nil {
		return a, fmt.Errorf("resolve secrets: %w", err)
	}

	if a.Store, err = openStorage(cfg.Database); err != nil {
		return a, err
	}
	logger.Info("storage ready", zap.String("driver", cfg.Database.Driver), zap.String("path", cfg.Database.Path))

	a.Audit = audit.New(a.Store.AuditLogs(), logger)
	a.Rules = suppression.NewEngine(a.Store.IgnoreRules(), logger)
	a.Lifecycle = lifecycle.NewService(a.Store.Issues(), a.Rules, logger)
	a.Domains = reputation.NewWorkflow(a.Store.Domains(), cfg.Domains, logger)
	a.Limiter = ratelimit.New(a.Store.RateLimits(), cfg.RateLimit, logger)

	if a.Channels, err = buildChannels(cfg.Notifications); err != nil {
		return a, err
	}
	if a.Queue, err = notification.NewQueue(a.Store.Notifications(), a.Channels, cfg.Notifications.Config, logger); err != nil {
		return a, fmt.Errorf("create notification queue: %w", err)
	}

	a.Issuers = issuer.NewRegistry()
	if a.Builtins, err = builtin.Register(a.Issuers, builtin.Deps{AuditLogs: a.Store.AuditLogs(), Logger: logger}); err != nil {
		return a, err
	}
	if err = a.Issuers.ConfigureAll(cfg.Issuers); err != nil {
		return a, fmt.Errorf("configure issuers: %w", err)
	}

	if cfg.Archive.Enabled {
		if err = a.openArchive(cfg.Archive); err != nil {
			return a, err
		}
	}

	deps := pipeline.Deps{
		Issuers:   a.Issuers,
		Limiter:   a.Limiter,
		Rules:     a.Rules,
		Domains:   a.Domains,
		Lifecycle: a.Lifecycle,
		Queue:     a.Queue,
		Logger:    logger,
	}
	if a.ArchiveBuffer != nil {
		deps.Archive = a.ArchiveBuffer
	}
	if a.Dispatcher, err = pipeline.NewDispatcher(deps, cfg.Pipeline); err != nil {
		return a, err
	}

	a.Bus = events.NewBus(logger)
	a.Dispatcher.Subscribe(a.Bus)

	if cfg.NATS.Enabled {
		a.NATS = events.NewNATSBridge(natsConfig(cfg.NATS), a.Bus, logger)
	}

	retDeps := retention.Deps{
		RateBuckets:   a.Limiter,
		Rules:         a.Rules,
		AuditLog:      a.Audit,
		Notifications: a.Queue,
	}
	if a.Archive != nil {
		retDeps.Archive = a.Archive.Findings()
	}
	a.Retention = retention.New(retDeps, cfg.Retention, logger)

	a.Scheduler = scheduler.New(logger)
	if err = a.scheduleJobs(cfg.Schedule); err != nil {
		return a, err
	}

	return a, nil
}

// OpenSecrets builds the secret store chain: the encrypted file (when
// configured) first, then the environment.
func OpenSecrets(cfg SecretsConfig) (security.SecretStore, error) {
	env := security.NewEnvSecretStore(cfg.EnvPrefix)
	if cfg.File == "" {
		return env, nil
	}
	key := os.Getenv(SecretsKeyEnv)
	if key == "" {
		return nil, fmt.Errorf("%s environment variable is required for secrets.file", SecretsKeyEnv)
	}
	file, err := security.OpenFileSecretStore(cfg.File, []byte(key))
	if err != nil {
		return nil, fmt.Errorf("open secret store: %w", err)
	}
	return security.ChainSecretStore{file, env}, nil
}

func openStorage(cfg DatabaseConfig) (storage.Storage, error) {
	var store storage.Storage
	switch cfg.Driver {
	case "memory":
		store = storage.NewMemoryStorage()
	default:
		if dir := filepath.Dir(cfg.Path); dir != "" {
			if err := os.MkdirAll(dir, 0750); err != nil {
				return nil, fmt.Errorf("create data directory: %w", err)
			}
		}
		store = storage.NewSQLiteStorage(cfg.Path)
	}
	if err := store.Open(); err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := store.Migrate(); err != nil {
		store.Close()
		return nil, fmt.Errorf("migrate database: %w", err)
	}
	return store, nil
}

// buildChannels registers a notifier for each configured channel section.
func buildChannels(cfg NotificationsConfig) (*notifier.Registry, error) {
	reg := notifier.NewRegistry()
	add := func(n notifier.Notifier, err error) error {
		if err != nil {
			return fmt.Errorf("configure notification channel: %w", err)
		}
		limit, ok := cfg.RateLimits[n.Name()]
		if !ok {
			limit = notifier.DefaultRateLimitConfig()
		}
		reg.Register(n, limit)
		return nil
	}

	var errs []error
	if cfg.Slack != nil {
		errs = append(errs, add(notifier.NewSlackNotifier(*cfg.Slack)))
	}
	if cfg.Teams != nil {
		errs = append(errs, add(notifier.NewTeamsNotifier(*cfg.Teams)))
	}
	if cfg.Telegram != nil {
		errs = append(errs, add(notifier.NewTelegramNotifier(*cfg.Telegram)))
	}
	if cfg.Email != nil {
		errs = append(errs, add(notifier.NewEmailNotifier(*cfg.Email)))
	}
	if cfg.Webhook != nil {
		errs = append(errs, add(notifier.NewWebhookNotifier(*cfg.Webhook)))
	}
	if err := errors.Join(errs...); err != nil {
		reg.Close()
		return nil, err
	}
	return reg, nil
}

func (a *App) openArchive(cfg ArchiveConfig) error {
	a.Archive = storage.NewClickHouseArchive(&storage.ClickHouseConfig{
		Addresses:     cfg.Addresses,
		Database:      cfg.Database,
		Username:      cfg.Username,
		Password:      cfg.Password,
		Compression:   cfg.Compression,
		RetentionDays: cfg.RetentionDays,
	}, a.Logger)
	if err := a.Archive.Open(); err != nil {
		a.Archive = nil
		return fmt.Errorf("open archive: %w", err)
	}
	if err := a.Archive.Migrate(); err != nil {
		return fmt.Errorf("migrate archive: %w", err)
	}
	a.ArchiveBuffer = storage.NewFindingBuffer(a.Archive.Findings(), &storage.FindingBufferConfig{
		BatchSize:     cfg.BatchSize,
		FlushInterval: cfg.FlushInterval,
		MaxSize:       cfg.MaxBufferSize,
	}, a.Logger)
	return nil
}

func natsConfig(cfg NATSConfig) events.NATSConfig {
	out := events.DefaultNATSConfig()
	out.URL = cfg.URL
	out.Token = cfg.Token
	out.Username = cfg.Username
	out.Password = cfg.Password
	out.Queue = cfg.Queue
	if cfg.Name != "" {
		out.Name = cfg.Name
	}
	if cfg.SubjectPrefix != "" {
		out.SubjectPrefix = cfg.SubjectPrefix
	}
	if cfg.ReconnectWait > 0 {
		out.ReconnectWait = cfg.ReconnectWait
	}
	if cfg.Timeout > 0 {
		out.Timeout = cfg.Timeout
	}
	return out
}

func (a *App) scheduleJobs(cfg scheduler.Config) error {
	jobs := []struct {
		name string
		spec string
		run  scheduler.Job
	}{
		{JobScan, cfg.Scan, a.scan},
		{JobDeliver, cfg.Deliver, a.deliver},
		{JobRetention, cfg.Retention, a.prune},
	}
	for _, j := range jobs {
		if j.spec == "" {
			continue
		}
		if err := a.Scheduler.Add(j.name, j.spec, cfg.JobTimeout, j.run); err != nil {
			return fmt.Errorf("schedule %s: %w", j.name, err)
		}
	}
	return nil
}

func (a *App) scan(ctx context.Context) error {
	report, err := a.Dispatcher.RunScan(ctx)
	if errors.Is(err, pipeline.ErrScanInProgress) {
		a.Logger.Info("scan skipped, previous scan still running")
		return nil
	}
	if err != nil {
		return err
	}
	if failed := report.Failed(); len(failed) > 0 {
		a.Logger.Warn("scan finished with issuer errors", zap.Strings("issuers", failed))
	}
	return nil
}

func (a *App) deliver(ctx context.Context) error {
	_, err := a.Queue.ProcessPending(ctx)
	return err
}

func (a *App) prune(ctx context.Context) error {
	res, err := a.Retention.Run(ctx)
	if err != nil {
		return err
	}
	if res.TotalRows > 0 {
		a.Logger.Info("retention pruned rows", zap.Int64("rows", res.TotalRows), zap.Any("tasks", res.Tasks))
	}
	return nil
}

// SeedRules imports the configured rules file. A missing setting is a no-op.
func (a *App) SeedRules(ctx context.Context) (suppression.ImportResult, error) {
	path := a.Config.Suppression.RulesFile
	if path == "" {
		return suppression.ImportResult{}, nil
	}
	rules, err := suppression.LoadRulesFromFile(path)
	if err != nil {
		return suppression.ImportResult{}, err
	}
	return a.Rules.Import(ctx, rules, "seed")
}

// NewAPIServer builds the HTTP API over the app's services.
func (a *App) NewAPIServer() (*api.Server, error) {
	c := a.Config.API
	srv, err := api.New(&api.Config{
		Address:          c.Address,
		JWTSecret:        []byte(c.JWTSecret),
		TokenTTL:         c.TokenTTL,
		TrustProxy:       c.TrustProxy,
		EventsPerMinute:  c.EventsPerMinute,
		LockoutThreshold: c.LockoutThreshold,
		LockoutDuration:  c.LockoutDuration,
		MaxBodyBytes:     c.MaxBodyBytes,
		RequestTimeout:   c.RequestTimeout,
		TLS:              c.TLS,
		Version:          config.Version,
		Verbose:          a.Config.Verbose,
	}, api.Deps{
		Lifecycle: a.Lifecycle,
		Rules:     a.Rules,
		Domains:   a.Domains,
		Queue:     a.Queue,
		Audit:     a.Audit,
		Events:    a.Bus,
		Scanner:   a.Dispatcher,
	}, a.Logger)
	if err != nil {
		return nil, fmt.Errorf("create API server: %w", err)
	}

	if s, ok := a.Store.(*storage.SQLiteStorage); ok {
		srv.RegisterHealthChecker(health.NewSQLiteChecker(s.DB()))
	}
	if a.Archive != nil {
		srv.RegisterHealthChecker(health.NewArchiveChecker(a.Archive))
	}
	if a.NATS != nil {
		srv.RegisterHealthChecker(health.NewFuncChecker("nats", func(context.Context) error {
			if !a.NATS.Connected() {
				return errors.New("not connected")
			}
			return nil
		}))
	}
	return srv, nil
}

// Serve runs the API, metrics endpoint, scheduler, NATS bridge and upload
// watcher until ctx is cancelled or one of them fails.
func (a *App) Serve(ctx context.Context) error {
	if _, err := a.SeedRules(ctx); err != nil {
		return fmt.Errorf("seed rules: %w", err)
	}

	g, ctx := errgroup.WithContext(ctx)

	if a.Config.API.Enabled {
		srv, err := a.NewAPIServer()
		if err != nil {
			return err
		}
		g.Go(func() error { return srv.Run(ctx) })
	}

	if a.Config.Metrics.Enabled {
		ms := metrics.NewServer(a.Config.Metrics.Address, a.Logger)
		g.Go(ms.Start)
		g.Go(func() error {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return ms.Shutdown(shutdownCtx)
		})
	}

	if a.NATS != nil {
		if err := a.NATS.Connect(ctx); err != nil {
			return err
		}
		if err := a.NATS.Start(); err != nil {
			return err
		}
	}

	g.Go(func() error { return a.Builtins.Uploads.Watch(ctx) })

	if err := a.Scheduler.Start(ctx); err != nil {
		return err
	}
	g.Go(func() error {
		<-ctx.Done()
		stopCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		return a.Scheduler.Stop(stopCtx)
	})

	a.Logger.Info("blazeguard started",
		zap.String("version", config.Version),
		zap.Strings("issuers", a.Issuers.Names()),
		zap.Strings("channels", a.Channels.Names()))

	return g.Wait()
}

// Close releases every resource the app opened.
func (a *App) Close() error {
	var errs []error
	if a.NATS != nil {
		a.NATS.Close()
	}
	if a.ArchiveBuffer != nil {
		if err := a.ArchiveBuffer.Close(); err != nil {
			errs = append(errs, fmt.Errorf("archive buffer: %w", err))
		}
	}
	if a.Archive != nil {
		if err := a.Archive.Close(); err != nil {
			errs = append(errs, fmt.Errorf("archive: %w", err))
		}
	}
	if a.Channels != nil {
		if err := a.Channels.Close(); err != nil {
			errs = append(errs, fmt.Errorf("channels: %w", err))
		}
	}
	if a.Store != nil {
		if err := a.Store.Close(); err != nil {
			errs = append(errs, fmt.Errorf("storage: %w", err))
		}
	}
	return errors.Join(errs...)
}
