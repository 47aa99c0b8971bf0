package main

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/osa-gateway/internal/audit"
	"github.com/sells-group/osa-gateway/internal/auth"
	"github.com/sells-group/osa-gateway/internal/cache"
	"github.com/sells-group/osa-gateway/internal/config"
	"github.com/sells-group/osa-gateway/internal/enhance"
	"github.com/sells-group/osa-gateway/internal/fallback"
	"github.com/sells-group/osa-gateway/internal/gate"
	"github.com/sells-group/osa-gateway/internal/model"
	"github.com/sells-group/osa-gateway/internal/monitoring"
	"github.com/sells-group/osa-gateway/internal/pipeline"
	"github.com/sells-group/osa-gateway/internal/store"
	anthropicpkg "github.com/sells-group/osa-gateway/pkg/anthropic"
	"github.com/sells-group/osa-gateway/pkg/odp"
)

// services holds every long-lived component. It is built once per process
// and drained by Close.
type services struct {
	Config       *config.Config
	Store        store.Store
	Pages        *model.PageRegistry
	Gates        *gate.Engine
	Orchestrator *fallback.Orchestrator
	Audit        *audit.Logger
	Cache        cache.Cache
	Pipeline     *pipeline.Pipeline
	Registry     *prometheus.Registry
	Metrics      *monitoring.Metrics
	Alerter      *monitoring.Alerter
	Signer       *auth.Signer
}

// initServices opens the store and builds the content stack from cfg, which
// the root command has already validated. Callers must Close the result.
func initServices(ctx context.Context) (*services, error) {
	pages, err := model.LoadPageRegistry(cfg.Pages.ConfigPath)
	if err != nil {
		return nil, err
	}

	st, err := initStore(ctx, cfg.Store)
	if err != nil {
		return nil, err
	}
	if err := st.Migrate(ctx); err != nil {
		_ = st.Close()
		return nil, eris.Wrap(err, "migrate store")
	}

	c, err := initCache(cfg.Cache)
	if err != nil {
		_ = st.Close()
		return nil, err
	}

	odpClient := odp.NewClient(cfg.ODP.APIKey,
		odp.WithBaseURL(cfg.ODP.BaseURL),
		odp.WithTimeout(config.Timeout(cfg.ODP.TimeoutSecs, 10*time.Second)),
	)
	fetcher := fallback.NewODPSource(odpClient, fallback.ODPSourceConfig{
		Retries:          cfg.ODP.Retries,
		Timeout:          config.Timeout(cfg.ODP.TimeoutSecs, 10*time.Second),
		FailureThreshold: cfg.ODP.FailureThreshold,
		ResetTimeout:     config.Timeout(cfg.ODP.ResetTimeoutSecs, 30*time.Second),
	})

	anthropicKey := cfg.Anthropic.Key
	claude := enhance.NewClaudeEnhancer(
		anthropicpkg.NewLazyClient(func() (string, error) { return anthropicKey, nil }),
		cfg.Anthropic.Model,
		cfg.Anthropic.MaxTokens,
	)

	svc, err := buildServices(cfg, pages, st, c, fetcher, claude, prometheus.NewRegistry())
	if err != nil {
		_ = c.Close()
		_ = st.Close()
		return nil, err
	}
	return svc, nil
}

// buildServices wires already-opened backends into the content stack.
func buildServices(
	cfg *config.Config,
	pages *model.PageRegistry,
	st store.Store,
	c cache.Cache,
	fetcher fallback.SourceFetcher,
	enhancer enhance.Enhancer,
	reg *prometheus.Registry,
) (*services, error) {
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := monitoring.NewMetrics(reg)
	alerter := monitoring.NewAlerter(cfg.Monitoring, metrics)

	gateOpts := []gate.Option{
		gate.WithNotifier(alerter),
		gate.WithTolerance(cfg.Pipeline.ConsistencyTolerance),
	}
	if cfg.Pipeline.StrictConsistency {
		gateOpts = append(gateOpts, gate.WithComparator(gate.ToleranceComparator{}))
	}
	engine, err := gate.NewEngine(pages, st, st, gateOpts...)
	if err != nil {
		return nil, eris.Wrap(err, "build gate engine")
	}

	applier := enhance.NewApplier(enhancer, enhance.Config{
		MaxAttempts:   cfg.Enhancement.MaxAttempts,
		Backoff:       time.Duration(cfg.Enhancement.BackoffMs) * time.Millisecond,
		Timeout:       config.Timeout(cfg.Enhancement.TimeoutSecs, 30*time.Second),
		RatePerSecond: cfg.Enhancement.RatePerSecond,
		Burst:         cfg.Enhancement.Burst,
	})
	orch := fallback.NewOrchestrator(pages, fetcher, engine,
		fallback.WithEnhancer(applier),
		fallback.WithOutputs(st),
		fallback.WithEnhancementEnabled(cfg.Pipeline.EnhancementEnabled),
	)

	file, err := audit.NewFileSink(cfg.Audit.Dir, cfg.Audit.MaxFiles)
	if err != nil {
		return nil, err
	}
	auditLog, err := audit.NewLogger(st, file,
		audit.WithWriteTimeout(config.Timeout(cfg.Store.TimeoutSecs, 5*time.Second)),
	)
	if err != nil {
		_ = file.Close()
		return nil, err
	}

	p := pipeline.New(pages, orch, engine, auditLog, st, c, pipeline.WithObserver(metrics))

	return &services{
		Config:       cfg,
		Store:        st,
		Pages:        pages,
		Gates:        engine,
		Orchestrator: orch,
		Audit:        auditLog,
		Cache:        c,
		Pipeline:     p,
		Registry:     reg,
		Metrics:      metrics,
		Alerter:      alerter,
		Signer:       auth.NewSigner(auth.StaticSecret(cfg.Auth.JWTSecret), time.Duration(cfg.Auth.TokenTTL)*time.Minute),
	}, nil
}

// Close drains background work and releases backends in dependency order.
func (s *services) Close(ctx context.Context) {
	s.Alerter.Wait()
	if err := s.Audit.Close(ctx); err != nil {
		zap.L().Error("close audit logger", zap.Error(err))
	}
	if err := s.Cache.Close(); err != nil {
		zap.L().Error("close cache", zap.Error(err))
	}
	if err := s.Store.Close(); err != nil {
		zap.L().Error("close store", zap.Error(err))
	}
}

func initStore(ctx context.Context, sc config.StoreConfig) (store.Store, error) {
	switch sc.Driver {
	case "sqlite":
		dsn := sc.DatabaseURL
		if dsn == "" {
			dsn = "osa.db"
		}
		return store.NewSQLite(dsn)
	case "postgres":
		return store.NewPostgres(ctx, sc.DatabaseURL, &store.PoolConfig{
			MaxConns: sc.MaxConns,
			MinConns: sc.MinConns,
		})
	default:
		return nil, eris.Errorf("unsupported store driver: %s", sc.Driver)
	}
}

func initCache(cc config.CacheConfig) (cache.Cache, error) {
	switch cc.Driver {
	case "redis":
		return cache.NewRedis(cache.RedisConfig{
			Address:   cc.RedisAddress,
			Password:  cc.RedisPassword,
			DB:        cc.RedisDB,
			KeyPrefix: cc.KeyPrefix,
		})
	case "memory", "":
		return cache.NewMemory(), nil
	default:
		return nil, eris.Errorf("unsupported cache driver: %s", cc.Driver)
	}
}
