package coordinator

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/f3rmion/frostd/custody"
	"github.com/f3rmion/frostd/session"
	"github.com/f3rmion/frostd/sessionstore"
	"github.com/f3rmion/frostd/sigerr"
)

// CreateSessionRequest describes a new signing session.
type CreateSessionRequest struct {
	Initiator     string
	KeyID         string
	Participants  []string
	Threshold     int
	MessageDigest []byte
	// TTL defaults to the configured default and is capped at the
	// configured maximum.
	TTL time.Duration
	// QuorumPolicy overrides the coordinator default for this session.
	QuorumPolicy session.QuorumPolicy
	// RequestKey makes creation idempotent: a request carrying a key that
	// was already used returns the session created by the first delivery.
	RequestKey string
}

// CreateSession validates req and stores a new pending session.
func (c *Coordinator) CreateSession(ctx context.Context, req CreateSessionRequest) (string, error) {
	if req.RequestKey != "" {
		existing, err := c.sessions.GetByRequestKey(ctx, req.RequestKey)
		if err == nil {
			return existing.ID, nil
		}
		if !errors.Is(err, sessionstore.ErrNotFound) {
			return "", sigerr.Internal("", err, "failed to look up request key")
		}
	}

	if req.Initiator == "" {
		return "", sigerr.Validation("", "initiator must not be empty")
	}
	if req.KeyID == "" {
		return "", sigerr.Validation("", "key id must not be empty")
	}
	if err := session.ValidateParticipants(req.Participants, req.Threshold); err != nil {
		return "", sigerr.Validation("", "%v", err)
	}
	if len(req.MessageDigest) != session.DigestSize {
		return "", sigerr.Validation("", "message digest must be %d bytes, got %d", session.DigestSize, len(req.MessageDigest))
	}
	if req.TTL < 0 {
		return "", sigerr.Validation("", "ttl must not be negative")
	}
	policy := req.QuorumPolicy
	if policy == "" {
		policy = c.policy
	}
	if !policy.Valid() {
		return "", sigerr.Validation("", "unknown quorum policy %q", policy)
	}
	if err := c.agg.CheckKey(ctx, req.KeyID); err != nil {
		if errors.Is(err, custody.ErrUnknownKey) {
			return "", sigerr.Validation("", "unknown key %s", req.KeyID)
		}
		return "", sigerr.Internal("", err, "failed to resolve key")
	}

	ttl := req.TTL
	if ttl == 0 {
		ttl = c.defaultTTL
	}
	if ttl > c.maxTTL {
		ttl = c.maxTTL
	}

	now := c.now()
	s := &session.SigningSession{
		ID:                "session-" + uuid.NewString(),
		KeyID:             req.KeyID,
		Initiator:         req.Initiator,
		RequestKey:        req.RequestKey,
		MessageDigest:     append([]byte(nil), req.MessageDigest...),
		Participants:      append([]string(nil), req.Participants...),
		Threshold:         req.Threshold,
		QuorumPolicy:      policy,
		Status:            session.StatusPending,
		NonceCommitments:  map[string][]byte{},
		PartialSignatures: map[string][]byte{},
		CreatedAt:         now,
		ExpiresAt:         now.Add(ttl),
		Version:           1,
	}
	if err := s.Validate(); err != nil {
		return "", sigerr.Validation("", "%v", err)
	}

	if err := c.sessions.Create(ctx, s); err != nil {
		if errors.Is(err, sessionstore.ErrDuplicateRequest) {
			existing, lookupErr := c.sessions.GetByRequestKey(ctx, req.RequestKey)
			if lookupErr != nil {
				return "", sigerr.Internal("", lookupErr, "failed to look up request key")
			}
			return existing.ID, nil
		}
		return "", sigerr.Internal(s.ID, err, "failed to create session")
	}

	c.metrics.SessionCreated()
	c.logger.Info().
		Str("session_id", s.ID).
		Str("key_id", s.KeyID).
		Str("initiator", s.Initiator).
		Int("participants", len(s.Participants)).
		Int("threshold", s.Threshold).
		Str("quorum_policy", string(s.QuorumPolicy)).
		Time("expires_at", s.ExpiresAt).
		Msg("session created")
	return s.ID, nil
}

// GetSession returns a snapshot of the session. It never writes: an
// overdue session reports expired as its effective status until the next
// mutation or sweep records it.
func (c *Coordinator) GetSession(ctx context.Context, sessionID string) (*session.Snapshot, error) {
	s, err := c.load(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	return s.Snapshot(c.now()), nil
}

// Abort fails a non-terminal session on behalf of its initiator.
func (c *Coordinator) Abort(ctx context.Context, sessionID, initiator, reason string) error {
	s, err := c.load(ctx, sessionID)
	if err != nil {
		return err
	}
	if err := c.checkLive(ctx, s, c.now()); err != nil {
		return err
	}
	if initiator == "" || initiator != s.Initiator {
		return sigerr.Validation(sessionID, "only the session initiator may abort")
	}

	msg := "aborted by initiator"
	if reason != "" {
		msg += ": " + reason
	}
	if err := c.fail(ctx, s, msg); err != nil {
		return err
	}
	c.logger.Info().Str("session_id", sessionID).Str("reason", reason).Msg("session aborted")
	return nil
}

func (c *Coordinator) load(ctx context.Context, sessionID string) (*session.SigningSession, error) {
	s, err := c.sessions.Get(ctx, sessionID)
	if errors.Is(err, sessionstore.ErrNotFound) {
		return nil, sigerr.NotFound(sessionID)
	}
	if err != nil {
		return nil, sigerr.Internal(sessionID, err, "failed to load session")
	}
	return s, nil
}

// checkLive rejects terminal sessions and lazily expires overdue ones.
func (c *Coordinator) checkLive(ctx context.Context, s *session.SigningSession, now time.Time) error {
	if s.Status.Terminal() {
		return sigerr.Expired(s.ID, "session is %s", s.Status)
	}
	if !s.Overdue(now) {
		return nil
	}
	expired, err := c.sessions.Expire(ctx, s.ID, now)
	if err != nil {
		c.logger.Warn().Err(err).Str("session_id", s.ID).Msg("failed to record lazy expiry")
	} else if expired {
		c.metrics.Expired("lazy", 1)
		c.logger.Info().Str("session_id", s.ID).Str("from", string(s.Status)).Msg("session expired")
	}
	return sigerr.Expired(s.ID, "session expired at %s", s.ExpiresAt.Format(time.RFC3339))
}

// write applies fn to s and stores the result with a versioned update.
// On a version conflict the session is reloaded, checked again and fn is
// reapplied to the fresh copy.
func (c *Coordinator) write(ctx context.Context, s *session.SigningSession, fn func(*session.SigningSession) error) (*session.SigningSession, error) {
	for attempt := 1; ; attempt++ {
		if err := fn(s); err != nil {
			return nil, err
		}
		err := c.sessions.Update(ctx, s)
		if err == nil {
			return s, nil
		}
		if errors.Is(err, sessionstore.ErrNotFound) {
			return nil, sigerr.NotFound(s.ID)
		}
		if !errors.Is(err, sessionstore.ErrVersionConflict) {
			return nil, sigerr.Internal(s.ID, err, "failed to update session")
		}
		if attempt >= c.retries {
			return nil, sigerr.Internal(s.ID, err, "too many conflicting writes")
		}

		c.logger.Debug().Str("session_id", s.ID).Int("attempt", attempt).Msg("version conflict, reloading session")
		if s, err = c.load(ctx, s.ID); err != nil {
			return nil, err
		}
		if err := c.checkLive(ctx, s, c.now()); err != nil {
			return nil, err
		}
	}
}

// fail moves s to failed from whatever non-terminal state it is in,
// following concurrent status changes.
func (c *Coordinator) fail(ctx context.Context, s *session.SigningSession, reason string) error {
	for attempt := 1; ; attempt++ {
		ok, err := c.sessions.Fail(ctx, s.ID, s.Status, reason, c.now())
		if err != nil {
			return sigerr.Internal(s.ID, err, "failed to fail session")
		}
		if ok {
			return nil
		}
		if attempt >= c.retries {
			return sigerr.Internal(s.ID, nil, "too many conflicting writes")
		}
		if s, err = c.load(ctx, s.ID); err != nil {
			return err
		}
		if s.Status.Terminal() {
			return sigerr.Expired(s.ID, "session is %s", s.Status)
		}
	}
}
