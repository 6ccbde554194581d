package server

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/lh20005/geo-xi-tong-sub013/internal/backend"
	"github.com/lh20005/geo-xi-tong-sub013/internal/config"
	"github.com/lh20005/geo-xi-tong-sub013/internal/metrics"
	"github.com/lh20005/geo-xi-tong-sub013/internal/service"
	"github.com/lh20005/geo-xi-tong-sub013/internal/service/publisher"
	"github.com/lh20005/geo-xi-tong-sub013/internal/service/publisher/substack"
	"github.com/lh20005/geo-xi-tong-sub013/internal/service/publisher/toutiao"
	"github.com/lh20005/geo-xi-tong-sub013/internal/service/publisher/zhihu"
	"github.com/lh20005/geo-xi-tong-sub013/internal/service/scheduler"
	"github.com/lh20005/geo-xi-tong-sub013/internal/service/session"
	"github.com/lh20005/geo-xi-tong-sub013/internal/service/syncer"
	"github.com/lh20005/geo-xi-tong-sub013/internal/store"
	"github.com/lh20005/geo-xi-tong-sub013/pkg/retry"
)

// Components is the fully wired publishing core. The HTTP server and the CLI
// commands share it.
type Components struct {
	DB          *gorm.DB
	Tasks       *store.TaskStore
	Accounts    *store.AccountStore
	Monitoring  *service.MonitoringService
	Stats       *service.StatsUpdater
	Sessions    *session.Manager
	Inbox       *session.CookieInbox
	Publishers  *publisher.Manager
	Coordinator *syncer.Coordinator
	Scheduler   *scheduler.Scheduler
	Connector   *service.AccountConnector
	Auth        *service.AuthService
	Registry    *prometheus.Registry

	redis redis.UniversalClient
}

type adapterFactory func(baseURL string, cfg publisher.BaseConfig, logger *zap.Logger) publisher.Adapter

var adapterFactories = map[string]adapterFactory{
	toutiao.PlatformID: func(baseURL string, cfg publisher.BaseConfig, logger *zap.Logger) publisher.Adapter {
		return toutiao.New(baseURL, cfg, logger)
	},
	zhihu.PlatformID: func(baseURL string, cfg publisher.BaseConfig, logger *zap.Logger) publisher.Adapter {
		return zhihu.New(baseURL, cfg, logger)
	},
	substack.PlatformID: func(baseURL string, cfg publisher.BaseConfig, logger *zap.Logger) publisher.Adapter {
		return substack.NewSubstackPublisher(baseURL, cfg, logger)
	},
}

// BuildComponents opens the database and wires every service from cfg.
func BuildComponents(cfg *config.Config, logger *zap.Logger) (*Components, error) {
	db, err := service.NewDatabase(&cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}

	c := &Components{
		DB:         db,
		Tasks:      store.NewTaskStore(db),
		Accounts:   store.NewAccountStore(db),
		Monitoring: service.NewMonitoringService(db, logger),
		Auth:       service.NewAuthService(logger, cfg.Server.TOTPSecret),
		Registry:   prometheus.NewRegistry(),
	}
	c.Registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics.MustRegister(c.Registry)
	c.Stats = service.NewStatsUpdater(c.Monitoring, logger, cfg.Metrics.RefreshSchedule)

	locker, err := c.buildLocker(cfg.Session)
	if err != nil {
		return nil, err
	}

	sc := cfg.Session
	driver := session.NewHTTPDriver(session.HTTPDriverConfig{
		UserAgent: sc.UserAgent,
		Timeout:   config.ParseDuration(sc.RequestTimeout, 0),
	}, session.NewRateLimits(sc.RequestRatePerSecond, 1), logger.Named("driver"))
	c.Sessions = session.NewManager(driver, locker, store.NewPartitionStore(db), logger.Named("session"))

	baseCfg := publisher.BaseConfig{
		LoginWaitTimeout:   config.ParseDuration(sc.LoginWaitTimeout, 0),
		LoginPollInterval:  config.ParseDuration(sc.LoginPollInterval, 0),
		VerifyWindow:       config.ParseDuration(sc.VerifyWindow, 0),
		VerifyPollInterval: config.ParseDuration(sc.VerifyPollInterval, 0),
		Verifier:           c.Sessions,
	}
	if sc.Interactive {
		c.Inbox = session.NewCookieInbox()
		baseCfg.Prompter = c.Inbox
	}

	c.Publishers = publisher.NewManager(logger.Named("publisher"), c.Sessions)
	if err := registerAdapters(c.Publishers, cfg.Platforms, baseCfg, logger); err != nil {
		return nil, err
	}

	bc := cfg.Backend
	client, err := backend.New(bc.BaseURL,
		backend.NewTokenSigner(bc.JWTSecret, config.ParseDuration(bc.JWTTTL, 0)),
		backend.WithTimeout(config.ParseDuration(bc.Timeout, 0)),
		backend.WithLogger(logger.Named("backend")))
	if err != nil {
		return nil, fmt.Errorf("failed to create backend client: %w", err)
	}
	c.Coordinator = syncer.NewCoordinator(client, c.Accounts, store.NewRecordStore(db), logger.Named("syncer"),
		syncer.WithRetries(bc.MaxRetries, retry.DefaultSchedule))
	c.Connector = service.NewAccountConnector(c.Sessions, c.Publishers, c.Coordinator, logger.Named("connector"))

	scfg := cfg.Scheduler
	c.Scheduler = scheduler.New(scheduler.Config{
		DiscoveryInterval:    config.ParseDuration(scfg.DiscoveryInterval, 0),
		MaxConcurrentBatches: int64(scfg.MaxConcurrentBatches),
		TaskTimeout:          config.ParseDuration(scfg.TaskTimeout, 0),
		SessionWaitInterval:  config.ParseDuration(scfg.SessionWaitInterval, 0),
		PublishMaxRetries:    scfg.PublishMaxRetries,
		Backoff:              scfg.BackoffSchedule(),
		FinalizeTimeout:      finalizeTimeout(bc),
	}, scheduler.Dependencies{
		Tasks:    c.Tasks,
		Accounts: c.Accounts,
		Sessions: c.Sessions,
		Adapters: c.Publishers,
		Articles: backend.NewCachedArticles(client, config.ParseDuration(bc.ArticleCacheTTL, 0)),
		Results:  c.Coordinator,
		Errors:   c.Monitoring,
	}, logger.Named("scheduler"))

	return c, nil
}

func (c *Components) buildLocker(sc config.SessionConfig) (session.Locker, error) {
	switch sc.LockBackend {
	case "", "memory":
		return session.NewMemoryLocker(), nil
	case "redis":
		if sc.RedisAddr == "" {
			return nil, errors.New("session.redis_addr is required for the redis lock backend")
		}
		c.redis = redis.NewClient(&redis.Options{
			Addr:     sc.RedisAddr,
			Password: sc.RedisPassword,
			DB:       sc.RedisDB,
		})
		return session.NewRedisLocker(c.redis, config.ParseDuration(sc.LockTTL, 0)), nil
	default:
		return nil, fmt.Errorf("unsupported lock backend: %s", sc.LockBackend)
	}
}

func registerAdapters(m *publisher.Manager, platforms map[string]config.PlatformConfig, cfg publisher.BaseConfig, logger *zap.Logger) error {
	ids := make([]string, 0, len(platforms))
	for id := range platforms {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for _, id := range ids {
		pc := platforms[id]
		if !pc.Enabled {
			continue
		}
		factory, ok := adapterFactories[id]
		if !ok {
			return fmt.Errorf("unknown platform in config: %s", id)
		}
		if err := m.Register(factory(pc.BaseURL, cfg, logger.Named(id))); err != nil {
			return err
		}
	}
	return nil
}

// Close releases sessions and closes the redis client and database.
func (c *Components) Close(ctx context.Context) error {
	var errs []error
	if c.Sessions != nil {
		errs = append(errs, c.Sessions.Close(ctx))
	}
	if c.redis != nil {
		errs = append(errs, c.redis.Close())
	}
	if c.DB != nil {
		if sqlDB, err := c.DB.DB(); err == nil {
			errs = append(errs, sqlDB.Close())
		}
	}
	return errors.Join(errs...)
}

// finalizeTimeout lets the result sync exhaust every backend retry and still
// leaves time to write the task row.
func finalizeTimeout(bc config.BackendConfig) time.Duration {
	perCall := config.ParseDuration(bc.Timeout, 30*time.Second)
	return retry.Budget(perCall, bc.MaxRetries, retry.DefaultSchedule) + 30*time.Second
}
