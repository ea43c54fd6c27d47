package cli

import (
	"context"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"github.com/cf-diagnosis-engine/internal/config"
	"github.com/cf-diagnosis-engine/internal/database"
	"github.com/cf-diagnosis-engine/internal/domain"
	"github.com/cf-diagnosis-engine/internal/metrics"
	"github.com/cf-diagnosis-engine/internal/rulebase"
	"github.com/cf-diagnosis-engine/internal/service"
	"github.com/cf-diagnosis-engine/internal/session"
)

// importer is a rule-base store that can be replaced wholesale.
type importer interface {
	Import(ctx context.Context, snap *rulebase.Snapshot) error
}

// backend is an opened rule-base origin.
type backend struct {
	origin   domain.RuleBase
	importer importer
	closers  []func()
}

func (b *backend) Close() {
	for i := len(b.closers) - 1; i >= 0; i-- {
		b.closers[i]()
	}
}

// openBackend opens the configured rule-base origin without caching.
func openBackend(ctx context.Context, cfg *domain.Config, logger *logrus.Logger) (*backend, error) {
	switch cfg.RuleBase.Source {
	case config.SourceFile:
		snap, err := rulebase.LoadFile(cfg.RuleBase.Path)
		if err != nil {
			return nil, err
		}
		rb, err := rulebase.NewMemoryRuleBase(snap)
		if err != nil {
			return nil, err
		}
		return &backend{origin: rb}, nil

	case config.SourceSQLite:
		if isDocument(cfg.RuleBase.Path) {
			return nil, fmt.Errorf("sqlite source needs a database file, got document %s", cfg.RuleBase.Path)
		}
		rb, err := rulebase.NewSQLiteRuleBase(cfg.RuleBase.Path, logger)
		if err != nil {
			return nil, fmt.Errorf("opening SQLite rule base: %w", err)
		}
		return &backend{origin: rb, importer: rb, closers: []func(){func() { rb.Close() }}}, nil

	case config.SourcePostgres:
		db, err := database.NewConnection(ctx, cfg.Database, logger)
		if err != nil {
			return nil, fmt.Errorf("connecting to PostgreSQL: %w", err)
		}
		rb := rulebase.NewPostgresRuleBase(db.Pool, logger)
		return &backend{origin: rb, importer: rb, closers: []func(){db.Close}}, nil

	default:
		return nil, fmt.Errorf("unsupported rule base source %q", cfg.RuleBase.Source)
	}
}

// openRuleBase opens the configured rule base. Database origins are wrapped
// in a CachedRuleBase, backed by Redis when a URL is configured.
func openRuleBase(ctx context.Context, cfg *domain.Config, logger *logrus.Logger) (domain.RuleBase, func(), error) {
	b, err := openBackend(ctx, cfg, logger)
	if err != nil {
		return nil, nil, err
	}
	if cfg.RuleBase.Source == config.SourceFile {
		return b.origin, b.Close, nil
	}

	opts := rulebase.CacheOptions{
		TTL:        cfg.RuleBase.CacheTTL,
		RefreshQPS: cfg.RuleBase.RefreshQPS,
		Breaker:    cfg.Breaker,
	}
	if cfg.Cache.RedisURL != "" {
		remote, err := rulebase.NewRedisSnapshotCache(cfg.Cache)
		if err != nil {
			// The shared tier is optional.
			logger.WithError(err).Warn("Redis snapshot cache unavailable, continuing without it")
		} else {
			opts.Remote = remote
			b.closers = append(b.closers, func() { remote.Close() })
		}
	}
	return rulebase.NewCachedRuleBase(b.origin, opts, logger), b.Close, nil
}

// newService wires the diagnosis service from configuration.
func newService(cfg *domain.Config, rb domain.RuleBase, logger *logrus.Logger, reg prometheus.Registerer) (*service.DiagnosisService, error) {
	opts := []service.Option{
		service.WithReevaluation(cfg.Engine.AllowReevaluation),
		service.WithStaleAfter(cfg.Sessions.StaleAfter),
		service.WithEngine(service.NewCFEngine(logger, cfg.Engine.TraceEvaluation)),
	}
	if cfg.Metrics.Enabled && reg != nil {
		recorder, err := metrics.NewRecorder(cfg.Metrics.Namespace, reg)
		if err != nil {
			return nil, fmt.Errorf("registering metrics: %w", err)
		}
		opts = append(opts, service.WithMetrics(recorder))
	}
	return service.NewDiagnosisService(logger, rb, session.NewMemoryStore(logger), opts...), nil
}
