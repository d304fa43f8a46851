package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"path/filepath"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"

	"github.com/onnwee/diverge/internal/api"
	"github.com/onnwee/diverge/internal/audit"
	"github.com/onnwee/diverge/internal/auth"
	"github.com/onnwee/diverge/internal/config"
	"github.com/onnwee/diverge/internal/event"
	"github.com/onnwee/diverge/internal/health"
	"github.com/onnwee/diverge/internal/idempotency"
	"github.com/onnwee/diverge/internal/jobs"
	"github.com/onnwee/diverge/internal/kv"
	"github.com/onnwee/diverge/internal/ledger"
	"github.com/onnwee/diverge/internal/middleware"
)

// serviceName identifies the API in traces.
const serviceName = "diverge-api"

// stores holds what the API persists to. Ledger keys expire; the audit chain
// never does, so it lives in a store without a default lifetime.
type stores struct {
	ledger kv.Store
	audit  kv.Store
	// redis is set when either store is Redis backed. The ledger store owns it.
	redis redis.UniversalClient
}

func openStores(cfg *config.Config, retention ledger.RetentionPolicy) (*stores, error) {
	ttl := kv.WithDefaultTTL(retention.DefaultTTL())

	switch cfg.StoreBackend {
	case config.StoreMemory:
		return &stores{
			ledger: kv.NewMemoryStore(ttl),
			audit:  kv.NewMemoryStore(),
		}, nil

	case config.StoreLevelDB:
		ledgerDB, err := kv.OpenLevelDB(filepath.Join(cfg.LevelDBPath, "ledger"), ttl)
		if err != nil {
			return nil, fmt.Errorf("open ledger database: %w", err)
		}
		auditDB, err := kv.OpenLevelDB(filepath.Join(cfg.LevelDBPath, "audit"))
		if err != nil {
			_ = ledgerDB.Close()
			return nil, fmt.Errorf("open audit database: %w", err)
		}
		return &stores{ledger: ledgerDB, audit: auditDB}, nil

	case config.StoreRedis:
		client, err := newRedisClient(cfg.RedisURL)
		if err != nil {
			return nil, err
		}
		return &stores{
			ledger: kv.NewRedisStore(client, ttl,
				kv.WithKeyPrefix(cfg.RedisKeyPrefix),
				kv.WithTxRetries(cfg.RedisTxRetries)),
			audit: kv.NewRedisStore(client,
				kv.WithKeyPrefix(cfg.RedisKeyPrefix+"audit:"),
				kv.WithTxRetries(cfg.RedisTxRetries)),
			redis: client,
		}, nil
	}
	return nil, fmt.Errorf("%w: %q", config.ErrInvalidStoreBackend, cfg.StoreBackend)
}

func (s *stores) Close() error {
	err := s.ledger.Close()
	// A Redis audit store shares the ledger's client, which is already closed.
	if s.redis == nil {
		err = errors.Join(err, s.audit.Close())
	}
	return err
}

func newRedisClient(url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	return redis.NewClient(opts), nil
}

// app owns everything the API process opens.
type app struct {
	handler     http.Handler
	ledger      *ledger.Ledger
	stores      *stores
	rateRedis   redis.UniversalClient // only when distinct from stores.redis
	broadcaster *event.Broadcaster
	sweeper     *jobs.SweepJob
	registry    *prometheus.Registry
}

type registerer interface {
	Register(prometheus.Registerer) error
}

// newApp wires the ledger, its stores and the HTTP surface from cfg.
func newApp(cfg *config.Config, logger *slog.Logger) (*app, error) {
	retention := ledger.DefaultRetention(cfg.LedgerInterval)
	st, err := openStores(cfg, retention)
	if err != nil {
		return nil, err
	}
	a := &app{stores: st}

	a.registry = prometheus.NewRegistry()
	a.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	httpMetrics := middleware.NewMetrics()
	ledgerMetrics := ledger.NewMetrics()
	jobMetrics := jobs.NewMetrics()
	for _, m := range []registerer{httpMetrics, ledgerMetrics, jobMetrics} {
		if err := m.Register(a.registry); err != nil {
			_ = a.Close()
			return nil, fmt.Errorf("register metrics: %w", err)
		}
	}

	a.broadcaster = event.NewBroadcaster(logger)
	auditRepo := audit.NewKVRepository(st.audit)

	a.ledger = ledger.New(st.ledger, auth.NewProofVerifier(cfg.ProofAudience, cfg.ProofLeeway),
		ledger.WithPublisher(a.broadcaster),
		ledger.WithAuditLog(auditRepo),
		ledger.WithRetention(retention),
		ledger.WithMetrics(ledgerMetrics),
		ledger.WithLogger(logger),
	)

	checkers := map[string]api.HealthChecker{
		"store": health.NewStoreChecker(st.ledger),
	}
	if st.redis != nil {
		checkers["redis"] = health.NewRedisChecker(st.redis)
	}

	sweepTargets := []kv.Sweeper{}
	for _, s := range []kv.Store{st.ledger, st.audit} {
		if sw, ok := s.(kv.Sweeper); ok {
			sweepTargets = append(sweepTargets, sw)
		}
	}

	var idem idempotency.Repository
	if st.redis != nil {
		idem = idempotency.NewRedisRepository(st.redis, cfg.RedisKeyPrefix+"idem:", idempotency.DefaultExpiry)
	} else {
		mem := idempotency.NewInMemoryRepository()
		sweepTargets = append(sweepTargets, idempotency.NewSweeper(mem))
		idem = mem
	}

	var rateStore middleware.RateLimitStore
	if cfg.RateLimitRedis {
		client := st.redis
		if client == nil {
			c, err := newRedisClient(cfg.RedisURL)
			if err != nil {
				_ = a.Close()
				return nil, err
			}
			a.rateRedis, client = c, c
			checkers["rate_limit_redis"] = health.NewRedisChecker(c)
		}
		rateStore = middleware.NewRedisRateLimitStore(client).WithMetrics(httpMetrics)
	} else {
		mem := middleware.NewInMemoryRateLimitStore()
		sweepTargets = append(sweepTargets, jobs.SweeperFunc(func(context.Context) (int64, error) {
			mem.Cleanup()
			return 0, nil
		}))
		rateStore = mem
	}

	a.sweeper = jobs.NewSweepJob(jobs.SweepJobConfig{
		Interval: cfg.SweepInterval,
		Logger:   logger,
		Metrics:  jobMetrics,
	}, sweepTargets...)

	routerCfg := api.RouterConfig{
		Ledger:         a.ledger,
		Audit:          auditRepo,
		Events:         a.broadcaster,
		Health:         checkers,
		Idempotency:    idem,
		Logger:         logger,
		Metrics:        httpMetrics,
		Gatherer:       a.registry,
		RateLimitStore: rateStore,
		CORSOrigins:    cfg.CORSAllowedOrigins,
	}
	if cfg.TracingEnabled {
		routerCfg.ServiceName = serviceName
	}
	a.handler = api.NewRouter(routerCfg)
	return a, nil
}

// Close stops background work, disconnects subscribers and releases the
// stores.
func (a *app) Close() error {
	if a.sweeper != nil {
		a.sweeper.Stop()
	}
	if a.broadcaster != nil {
		a.broadcaster.Close()
	}
	var err error
	if a.rateRedis != nil {
		err = a.rateRedis.Close()
	}
	return errors.Join(err, a.stores.Close())
}
