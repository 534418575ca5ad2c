// Package coordinator drives FROST signing sessions through their
// lifecycle: creation, nonce commitment collection, partial signature
// collection and a single-winner aggregation.
//
// The coordinator keeps no session state in memory. Each operation loads
// the session, checks that the requested change is legal, and commits it
// with one conditional write. Several coordinators may share one store.
package coordinator

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/f3rmion/frostd/metrics"
	"github.com/f3rmion/frostd/publisher"
	"github.com/f3rmion/frostd/session"
	"github.com/f3rmion/frostd/store"
)

const (
	DefaultTTL             = 10 * time.Minute
	DefaultMaxTTL          = 24 * time.Hour
	DefaultMaxWriteRetries = 8
)

// SessionStore persists sessions with optimistic, conditional writes.
type SessionStore interface {
	Create(ctx context.Context, s *session.SigningSession) error
	Get(ctx context.Context, sessionID string) (*session.SigningSession, error)
	GetByRequestKey(ctx context.Context, key string) (*session.SigningSession, error)
	Update(ctx context.Context, s *session.SigningSession) error
	SwapStatus(ctx context.Context, sessionID string, from, to session.Status) (bool, error)
	Complete(ctx context.Context, sessionID string, signature []byte, at time.Time) (bool, error)
	Fail(ctx context.Context, sessionID string, from session.Status, reason string, at time.Time) (bool, error)
	Expire(ctx context.Context, sessionID string, now time.Time) (bool, error)
}

// NonceLedger is the global commitment registry.
type NonceLedger interface {
	Reserve(ctx context.Context, sessionID, participantID string, commitment []byte, at time.Time) error
	Holds(ctx context.Context, sessionID, participantID string, commitment []byte) (bool, error)
	Owner(ctx context.Context, commitment []byte) (*store.NonceRecord, error)
	MarkUsed(ctx context.Context, at time.Time, commitments ...[]byte) (int64, error)
}

// Aggregator checks submissions and combines partial signatures. It is
// the only place curve arithmetic happens.
type Aggregator interface {
	CheckKey(ctx context.Context, keyID string) error
	ValidateCommitment(ctx context.Context, s *session.SigningSession, participantID string, data []byte) error
	ValidatePartialSignature(ctx context.Context, s *session.SigningSession, participantID string, data []byte) error
	Aggregate(ctx context.Context, s *session.SigningSession) ([]byte, error)
}

// Config holds the coordinator's collaborators and limits. Zero limits
// take the package defaults.
type Config struct {
	Sessions   SessionStore
	Ledger     NonceLedger
	Aggregator Aggregator
	// Publisher is notified of completed signatures. Defaults to a no-op.
	Publisher publisher.Publisher
	// Clock defaults to time.Now.
	Clock func() time.Time

	QuorumPolicy    session.QuorumPolicy
	DefaultTTL      time.Duration
	MaxTTL          time.Duration
	MaxWriteRetries int

	Metrics *metrics.Metrics
	Logger  zerolog.Logger
}

// Coordinator implements the session operations.
type Coordinator struct {
	sessions   SessionStore
	ledger     NonceLedger
	agg        Aggregator
	publisher  publisher.Publisher
	clock      func() time.Time
	policy     session.QuorumPolicy
	defaultTTL time.Duration
	maxTTL     time.Duration
	retries    int
	metrics    *metrics.Metrics
	logger     zerolog.Logger
}

// New creates a coordinator.
func New(cfg Config) (*Coordinator, error) {
	if cfg.Sessions == nil || cfg.Ledger == nil || cfg.Aggregator == nil {
		return nil, errors.New("coordinator requires a session store, a nonce ledger and an aggregator")
	}
	c := &Coordinator{
		sessions:   cfg.Sessions,
		ledger:     cfg.Ledger,
		agg:        cfg.Aggregator,
		publisher:  cfg.Publisher,
		clock:      cfg.Clock,
		policy:     cfg.QuorumPolicy,
		defaultTTL: cfg.DefaultTTL,
		maxTTL:     cfg.MaxTTL,
		retries:    cfg.MaxWriteRetries,
		metrics:    cfg.Metrics,
		logger:     cfg.Logger.With().Str("component", "coordinator").Logger(),
	}
	if c.publisher == nil {
		c.publisher = publisher.Nop{}
	}
	if c.clock == nil {
		c.clock = time.Now
	}
	if c.policy == "" {
		c.policy = session.QuorumThreshold
	}
	if !c.policy.Valid() {
		return nil, errors.Errorf("unknown quorum policy %q", c.policy)
	}
	if c.defaultTTL <= 0 {
		c.defaultTTL = DefaultTTL
	}
	if c.maxTTL <= 0 {
		c.maxTTL = DefaultMaxTTL
	}
	if c.defaultTTL > c.maxTTL {
		return nil, errors.Errorf("default ttl %s exceeds max ttl %s", c.defaultTTL, c.maxTTL)
	}
	if c.retries <= 0 {
		c.retries = DefaultMaxWriteRetries
	}
	return c, nil
}

func (c *Coordinator) now() time.Time {
	return c.clock().UTC()
}
