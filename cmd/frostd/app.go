package main

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/f3rmion/frostd/aggregator"
	"github.com/f3rmion/frostd/bjj"
	"github.com/f3rmion/frostd/config"
	"github.com/f3rmion/frostd/coordinator"
	"github.com/f3rmion/frostd/custody"
	"github.com/f3rmion/frostd/db"
	"github.com/f3rmion/frostd/frost"
	"github.com/f3rmion/frostd/ledger"
	"github.com/f3rmion/frostd/logger"
	"github.com/f3rmion/frostd/metrics"
	"github.com/f3rmion/frostd/publisher"
	"github.com/f3rmion/frostd/session"
	"github.com/f3rmion/frostd/sessionstore"
	"github.com/f3rmion/frostd/sweeper"
)

// app holds every component built from one configuration.
type app struct {
	cfg      config.Config
	log      zerolog.Logger
	db       *db.DB
	registry *prometheus.Registry
	suite    *frost.Suite
	keys     *custody.Memory
	sessions *sessionstore.Store
	ledger   *ledger.Ledger
	coord    *coordinator.Coordinator
	sweeper  *sweeper.Sweeper
	redis    *redis.Client
}

func loadApp(ctx context.Context, configPath string) (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	log, err := logger.New(cfg.LogLevel, cfg.LogFormat, cfg.LogSample)
	if err != nil {
		return nil, err
	}
	return newApp(ctx, cfg, log)
}

func newApp(ctx context.Context, cfg config.Config, log zerolog.Logger) (_ *app, err error) {
	a := &app{cfg: cfg, log: log, registry: prometheus.NewRegistry()}
	defer func() {
		if err != nil {
			a.Close()
		}
	}()

	a.registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(a.registry)

	if cfg.Database.InMemory {
		a.db, err = db.OpenInMemoryDB(true)
	} else {
		a.db, err = db.OpenFileDB(cfg.Database.Dir, cfg.Database.File, true)
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to open database")
	}

	hasher, err := frost.HasherByName(cfg.Coordinator.Hasher)
	if err != nil {
		return nil, err
	}
	a.suite = frost.NewSuite(&bjj.BJJ{}, hasher)

	if a.keys, err = cfg.Directory(); err != nil {
		return nil, err
	}
	agg := aggregator.New(a.suite, a.keys, log)
	for _, id := range a.keys.Keys() {
		if err := agg.CheckKey(ctx, id); err != nil {
			return nil, errors.Wrapf(err, "key %s", id)
		}
	}

	var pub publisher.Publisher = publisher.NewLog(log)
	if cfg.Redis.Addr != "" {
		a.redis, err = publisher.DialRedis(ctx, &redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err != nil {
			return nil, err
		}
		pub = publisher.NewRedis(a.redis, cfg.Redis.Channel, cfg.Sweeper.SessionRetention)
	}

	a.sessions = sessionstore.NewStore(a.db.Client(), log)
	a.ledger = ledger.New(a.db.Client(), log)

	policy, err := session.ParseQuorumPolicy(cfg.Coordinator.QuorumPolicy)
	if err != nil {
		return nil, err
	}
	a.coord, err = coordinator.New(coordinator.Config{
		Sessions:        a.sessions,
		Ledger:          a.ledger,
		Aggregator:      agg,
		Publisher:       pub,
		QuorumPolicy:    policy,
		DefaultTTL:      cfg.Coordinator.DefaultTTL,
		MaxTTL:          cfg.Coordinator.MaxTTL,
		MaxWriteRetries: cfg.Coordinator.MaxWriteRetries,
		Metrics:         m,
		Logger:          log,
	})
	if err != nil {
		return nil, err
	}

	a.sweeper, err = sweeper.NewSweeper(sweeper.Config{
		Sessions:         a.sessions,
		Ledger:           a.ledger,
		Interval:         cfg.Sweeper.Interval,
		SessionRetention: cfg.Sweeper.SessionRetention,
		NonceRetention:   cfg.Sweeper.NonceRetention,
		Metrics:          m,
		Logger:           log,
	})
	if err != nil {
		return nil, err
	}
	return a, nil
}

func (a *app) Close() {
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			a.log.Warn().Err(err).Msg("failed to close redis client")
		}
	}
	if a.db != nil {
		if err := a.db.Close(); err != nil {
			a.log.Warn().Err(err).Msg("failed to close database")
		}
	}
}

const shutdownTimeout = 5 * time.Second
