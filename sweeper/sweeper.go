// Package sweeper is the periodic backstop for sessions nobody touches
// again: it expires overdue sessions, purges terminal sessions past the
// retention window and then purges nonce records whose session is gone.
package sweeper

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/f3rmion/frostd/metrics"
)

// SessionStore is the part of the session store the sweeper needs.
type SessionStore interface {
	ExpireOverdue(ctx context.Context, now time.Time) (int64, error)
	PurgeTerminal(ctx context.Context, before time.Time) (int64, error)
}

// NonceLedger is the part of the nonce ledger the sweeper needs.
type NonceLedger interface {
	PurgeOrphans(ctx context.Context, before time.Time) (int64, error)
}

// Config configures a Sweeper.
type Config struct {
	Sessions SessionStore
	Ledger   NonceLedger
	Interval time.Duration
	// SessionRetention is how long terminal sessions are kept.
	SessionRetention time.Duration
	// NonceRetention is how long nonce records are kept after creation.
	// It must be at least SessionRetention.
	NonceRetention time.Duration
	Clock          func() time.Time
	Metrics        *metrics.Metrics
	Logger         zerolog.Logger
}

// Result counts the rows touched by one pass.
type Result struct {
	Expired        int64 `json:"expired"`
	PurgedSessions int64 `json:"purged_sessions"`
	PurgedNonces   int64 `json:"purged_nonces"`
}

// Sweeper runs expiry and retention passes.
type Sweeper struct {
	cfg    Config
	logger zerolog.Logger
	stopCh chan struct{}
	once   sync.Once
}

// NewSweeper validates cfg and creates a sweeper.
func NewSweeper(cfg Config) (*Sweeper, error) {
	if cfg.Sessions == nil || cfg.Ledger == nil {
		return nil, errors.New("sweeper requires a session store and a nonce ledger")
	}
	if cfg.Interval <= 0 {
		return nil, errors.New("sweep interval must be positive")
	}
	if cfg.SessionRetention <= 0 {
		return nil, errors.New("session retention must be positive")
	}
	if cfg.NonceRetention < cfg.SessionRetention {
		return nil, errors.Errorf("nonce retention %s is shorter than session retention %s",
			cfg.NonceRetention, cfg.SessionRetention)
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	return &Sweeper{
		cfg:    cfg,
		logger: cfg.Logger.With().Str("component", "sweeper").Logger(),
		stopCh: make(chan struct{}),
	}, nil
}

// Start runs a pass immediately and then every interval until ctx is
// cancelled or Stop is called.
func (s *Sweeper) Start(ctx context.Context, wg *sync.WaitGroup) {
	defer wg.Done()

	s.logger.Info().
		Dur("interval", s.cfg.Interval).
		Dur("session_retention", s.cfg.SessionRetention).
		Dur("nonce_retention", s.cfg.NonceRetention).
		Msg("starting sweeper")

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	s.run(ctx)
	for {
		select {
		case <-ctx.Done():
			s.logger.Info().Msg("sweeper stopping: context cancelled")
			return
		case <-s.stopCh:
			s.logger.Info().Msg("sweeper stopping: stop signal received")
			return
		case <-ticker.C:
			s.run(ctx)
		}
	}
}

// Stop stops the loop started by Start.
func (s *Sweeper) Stop() {
	s.once.Do(func() { close(s.stopCh) })
}

func (s *Sweeper) run(ctx context.Context) {
	if _, err := s.Sweep(ctx); err != nil && ctx.Err() == nil {
		s.logger.Error().Err(err).Msg("sweep failed")
	}
}

// Sweep performs one pass. Steps run in order and each is one set-based
// statement; a failing step stops the pass and the next pass retries.
func (s *Sweeper) Sweep(ctx context.Context) (Result, error) {
	var res Result
	now := s.cfg.Clock().UTC()

	expired, err := s.cfg.Sessions.ExpireOverdue(ctx, now)
	if err != nil {
		return res, errors.Wrap(err, "expire overdue sessions")
	}
	res.Expired = expired
	s.cfg.Metrics.Expired("sweep", expired)

	purged, err := s.cfg.Sessions.PurgeTerminal(ctx, now.Add(-s.cfg.SessionRetention))
	if err != nil {
		return res, errors.Wrap(err, "purge terminal sessions")
	}
	res.PurgedSessions = purged
	s.cfg.Metrics.Purged("sessions", purged)

	orphans, err := s.cfg.Ledger.PurgeOrphans(ctx, now.Add(-s.cfg.NonceRetention))
	if err != nil {
		return res, errors.Wrap(err, "purge orphaned nonces")
	}
	res.PurgedNonces = orphans
	s.cfg.Metrics.Purged("nonces", orphans)

	s.logger.Debug().
		Int64("expired", res.Expired).
		Int64("purged_sessions", res.PurgedSessions).
		Int64("purged_nonces", res.PurgedNonces).
		Msg("sweep completed")
	return res, nil
}
