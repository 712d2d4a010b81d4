package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"k8s.io/utils/clock"

	"github.com/witlox/breakglass/internal/api"
	"github.com/witlox/breakglass/internal/audit"
	"github.com/witlox/breakglass/internal/broker"
	"github.com/witlox/breakglass/internal/collector"
	"github.com/witlox/breakglass/internal/config"
	"github.com/witlox/breakglass/internal/issuer"
	"github.com/witlox/breakglass/internal/policy"
	"github.com/witlox/breakglass/internal/registry"
	"github.com/witlox/breakglass/internal/rootgen"
	"github.com/witlox/breakglass/internal/rotation"
	"github.com/witlox/breakglass/internal/scheduler"
	"github.com/witlox/breakglass/pkg/filestore"
	"github.com/witlox/breakglass/pkg/metrics"
	"github.com/witlox/breakglass/pkg/postgres"
	"github.com/witlox/breakglass/pkg/telemetry"
	"github.com/witlox/breakglass/pkg/vault"
)

// app holds the wired components of one process.
type app struct {
	cfg       *config.Config
	logger    *slog.Logger
	vault     *vault.Client
	audit     audit.Service
	notify    *audit.Dispatcher
	registry  *registry.Registry
	scheduler *scheduler.Scheduler
	broker    *broker.Broker
	metrics   *metrics.BrokerMetrics
	promReg   *prometheus.Registry
	health    *api.HealthChecker

	closers []func()
}

// newLogger builds the process logger. Logs go to stderr so stdout carries
// only operator output.
func newLogger(cfg *config.Config, w io.Writer) *slog.Logger {
	level := slog.LevelInfo
	switch strings.ToLower(cfg.LogLevel) {
	case "debug":
		level = slog.LevelDebug
	case "warn", "warning":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(cfg.LogFormat, "json") {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

// newApp wires every component from cfg. Operator progress lines go to out.
func newApp(ctx context.Context, cfg *config.Config, logger *slog.Logger, out io.Writer) (*app, error) {
	a := &app{cfg: cfg, logger: logger}
	ok := false
	defer func() {
		if !ok {
			a.Close()
		}
	}()

	tp, err := telemetry.Init(ctx, telemetry.Config{
		Enabled:        cfg.Telemetry.Enabled,
		ServiceName:    "breakglass",
		ServiceVersion: version,
		Endpoint:       cfg.Telemetry.Endpoint,
		SampleRate:     cfg.Telemetry.SampleRate,
		Insecure:       cfg.Telemetry.Insecure,
	})
	if err != nil {
		logger.WarnContext(ctx, "failed to initialize telemetry", "error", err)
	} else {
		a.closers = append(a.closers, func() { _ = tp.Shutdown(context.Background()) })
	}

	a.promReg = prometheus.NewRegistry()
	a.metrics = metrics.NewBrokerMetrics(a.promReg)

	vcfg := &vault.Config{
		Address:   cfg.Vault.Address,
		Token:     cfg.Vault.Token,
		Namespace: cfg.Vault.Namespace,
		Timeout:   cfg.Vault.Timeout,
		Audit: vault.AuditConfig{
			Device:  cfg.Vault.AuditDevice,
			LogPath: cfg.Vault.AuditLog,
		},
		Retry: vault.RetryConfig{
			InitialInterval: cfg.Retry.InitialInterval,
			MaxInterval:     cfg.Retry.MaxInterval,
			MaxElapsedTime:  cfg.Retry.MaxElapsed,
		},
	}
	if cfg.Vault.TLSEnabled {
		vcfg.TLSConfig = &vault.TLSConfig{
			CACert:     cfg.Vault.TLSCAFile,
			ClientCert: cfg.Vault.TLSCertFile,
			ClientKey:  cfg.Vault.TLSKeyFile,
			Insecure:   cfg.Vault.TLSInsecure,
		}
	}
	a.vault, err = vault.New(vcfg, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create vault client: %w", err)
	}

	a.health = api.NewHealthChecker(logger)
	a.health.Register("vault", func(ctx context.Context) error {
		status, err := a.vault.Health(ctx)
		if err != nil {
			return err
		}
		if status.Sealed {
			return fmt.Errorf("vault is sealed")
		}
		return nil
	})

	incidents, auditRepo, err := a.openStore(ctx)
	if err != nil {
		return nil, err
	}

	auditOpts := []audit.Option{
		audit.WithIncidentChecker(registry.NewChecker(incidents)),
		audit.WithLogger(logger),
	}
	if cfg.SIEM.Enabled {
		fwd := audit.NewForwarder(&audit.SIEMConfig{
			Endpoint:   cfg.SIEM.Endpoint,
			APIKey:     cfg.SIEM.APIKey,
			Timeout:    cfg.SIEM.Timeout,
			RetryCount: cfg.SIEM.RetryCount,
			Enabled:    true,
		})
		auditOpts = append(auditOpts, audit.WithForwarder(fwd))
		a.health.Register("siem", fwd.HealthCheck)
	}
	a.audit = audit.NewService(auditRepo, auditOpts...)
	a.closers = append(a.closers, a.audit.Close)

	notifiers := []audit.Notifier{audit.NewLogNotifier(logger)}
	if cfg.Notify.WebhookURL != "" {
		notifiers = append(notifiers, audit.NewWebhookNotifier(cfg.Notify.WebhookURL, cfg.Notify.Timeout, cfg.Notify.Retries))
	}
	a.notify = audit.NewDispatcher(cfg.Notify.Channel, cfg.Notify.Timeout, logger, notifiers...)
	a.closers = append(a.closers, a.notify.Close)

	a.registry = registry.New(incidents, a.audit,
		registry.WithCollectionWindow(cfg.BreakGlass.CollectionTimeout),
		registry.WithLogger(logger),
	)

	rotationOpts := []rotation.Option{
		rotation.WithTimeout(cfg.Rotation.Timeout),
		rotation.WithMetrics(a.metrics),
		rotation.WithLogger(logger),
	}
	// NewClient returns nil without a URL; a nil *Client must not become a
	// non-nil Service.
	if rc := rotation.NewClient(rotation.ClientConfig{
		URL:     cfg.Rotation.ServiceURL,
		Token:   cfg.Rotation.Token,
		Timeout: cfg.Rotation.Timeout,
		Retries: cfg.Rotation.Retries,
	}); rc != nil {
		rotationOpts = append(rotationOpts, rotation.WithService(rc))
	}
	trigger := rotation.NewTrigger(a.vault, a.registry, a.audit, a.notify, rotationOpts...)

	a.scheduler = scheduler.New(a.vault, a.registry, a.audit, a.notify, trigger,
		scheduler.WithRetry(scheduler.RetryConfig{
			InitialInterval: cfg.Retry.CleanupInterval,
			MaxInterval:     max(cfg.Retry.MaxInterval, cfg.Retry.CleanupInterval),
		}),
		scheduler.WithResync(cfg.Retry.CleanupInterval),
		scheduler.WithCleanupTimeout(cfg.Retry.CleanupTimeout),
		scheduler.WithMetrics(a.metrics),
		scheduler.WithLogger(logger),
	)

	gate, err := policy.LoadFile(ctx, cfg.BreakGlass.PolicyFile, logger)
	if err != nil {
		return nil, err
	}

	a.broker = broker.New(broker.Components{
		Gate:      gate,
		Registry:  a.registry,
		Collector: collector.New(a.audit, collector.WithMinShareLength(cfg.BreakGlass.MinShareLength), collector.WithLogger(logger)),
		Generator: rootgen.New(a.vault, a.audit, clock.RealClock{}, logger,
			rootgen.WithRecorder(a.registry),
			rootgen.WithCleanupTimeout(cfg.Retry.CleanupTimeout),
		),
		Issuer: issuer.New(a.vault, a.registry, a.audit, a.notify,
			issuer.WithPolicyPrefix(cfg.BreakGlass.PolicyPrefix),
			issuer.WithCleanupTimeout(cfg.Retry.CleanupTimeout),
			issuer.WithMetrics(a.metrics),
			issuer.WithLogger(logger),
		),
		Scheduler: a.scheduler,
		Rotation:  trigger,
		Threshold: a.vault,
	}, broker.Settings{
		Threshold:        cfg.BreakGlass.Threshold,
		DefaultTTL:       cfg.BreakGlass.DefaultTTL,
		MaxTTL:           cfg.BreakGlass.MaxTTL,
		AllowedOperators: cfg.BreakGlass.AllowedOperators,
		CleanupTimeout:   cfg.Retry.CleanupTimeout,
	},
		broker.WithPrinter(broker.NewPrinter(out, nil)),
		broker.WithMetrics(a.metrics),
		broker.WithLogger(logger),
	)
	// broker first: timers must stop before the audit sink closes
	a.closers = append(a.closers, a.broker.Close)

	ok = true
	return a, nil
}

func (a *app) openStore(ctx context.Context) (registry.Repository, audit.Repository, error) {
	switch a.cfg.Store.Driver {
	case config.StorePostgres:
		db, err := postgres.New(ctx, &postgres.Config{
			Host:            a.cfg.Database.Host,
			Port:            a.cfg.Database.Port,
			User:            a.cfg.Database.Username,
			Password:        a.cfg.Database.Password,
			Database:        a.cfg.Database.Database,
			SSLMode:         a.cfg.Database.SSLMode,
			MaxOpenConns:    a.cfg.Database.MaxOpenConns,
			MaxIdleConns:    a.cfg.Database.MaxIdleConns,
			ConnMaxLifetime: a.cfg.Database.ConnMaxLifetime,
		})
		if err != nil {
			return nil, nil, err
		}
		a.closers = append(a.closers, func() { _ = db.Close() })
		if err := db.Migrate(ctx); err != nil {
			return nil, nil, err
		}
		a.health.Register("database", db.HealthCheck)
		return postgres.NewIncidentRepository(db), postgres.NewAuditRepository(db), nil

	default:
		store, err := filestore.Open(a.cfg.Store.Directory)
		if err != nil {
			return nil, nil, err
		}
		a.closers = append(a.closers, func() { _ = store.Close() })
		return store.Incidents(), store.Audit(), nil
	}
}

// Close releases resources in reverse order of acquisition.
func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}

// threshold resolves the key share threshold before prompting.
func (a *app) threshold(ctx context.Context) (int, error) {
	if a.cfg.BreakGlass.Threshold > 0 {
		return a.cfg.BreakGlass.Threshold, nil
	}
	return a.vault.Threshold(ctx)
}
