package coordinator

import (
	"context"

	"github.com/f3rmion/frostd/publisher"
	"github.com/f3rmion/frostd/session"
	"github.com/f3rmion/frostd/sigerr"
)

// TransitionToAggregating claims the session's aggregation. Exactly one
// caller per session gets true; every other caller gets false with an
// aggregation-race-lost error and must not aggregate.
func (c *Coordinator) TransitionToAggregating(ctx context.Context, sessionID string) (bool, error) {
	s, err := c.load(ctx, sessionID)
	if err != nil {
		return false, err
	}
	if lost := raceLost(s); lost != nil {
		c.metrics.RaceLost()
		return false, lost
	}
	if err := c.checkLive(ctx, s, c.now()); err != nil {
		return false, err
	}
	if s.Status != session.StatusSigning {
		return false, sigerr.Validation(sessionID, "session is %s, not signing", s.Status)
	}
	if !s.ReadyToAggregate() {
		return false, sigerr.Validation(sessionID, "have %d of %d partial signatures from %d committed signers",
			len(s.PartialSignatures), s.Threshold, len(s.NonceCommitments))
	}

	won, err := c.sessions.SwapStatus(ctx, sessionID, session.StatusSigning, session.StatusAggregating)
	if err != nil {
		return false, sigerr.Internal(sessionID, err, "failed to claim aggregation")
	}
	if won {
		c.logger.Info().Str("session_id", sessionID).Msg("aggregation claimed")
		return true, nil
	}

	if s, err = c.load(ctx, sessionID); err != nil {
		return false, err
	}
	if s.Status == session.StatusExpired {
		return false, sigerr.Expired(sessionID, "session is %s", s.Status)
	}
	c.metrics.RaceLost()
	c.logger.Debug().Str("session_id", sessionID).Str("status", string(s.Status)).Msg("aggregation race lost")
	return false, sigerr.RaceLost(sessionID, string(s.Status))
}

// raceLost reports whether another caller already owns aggregation.
func raceLost(s *session.SigningSession) error {
	switch s.Status {
	case session.StatusAggregating, session.StatusCompleted:
		return sigerr.RaceLost(s.ID, string(s.Status))
	}
	return nil
}

// Aggregate claims the session's aggregation and, if this caller won,
// finishes it with CompleteAggregation. Losers get the race-lost error
// and nothing else happens.
func (c *Coordinator) Aggregate(ctx context.Context, sessionID string) (*session.Snapshot, error) {
	if _, err := c.TransitionToAggregating(ctx, sessionID); err != nil {
		return nil, err
	}
	return c.CompleteAggregation(ctx, sessionID)
}

// CompleteAggregation finishes a claim won through TransitionToAggregating:
// it combines and verifies the signature, completes or fails the session
// and publishes the result. Only the claim's winner may call it. The
// session must be aggregating.
func (c *Coordinator) CompleteAggregation(ctx context.Context, sessionID string) (*session.Snapshot, error) {
	s, err := c.load(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if s.Status == session.StatusCompleted {
		c.metrics.RaceLost()
		return nil, sigerr.RaceLost(sessionID, string(s.Status))
	}
	if err := c.checkLive(ctx, s, c.now()); err != nil {
		return nil, err
	}
	if s.Status != session.StatusAggregating {
		return nil, sigerr.Validation(sessionID, "session is %s, aggregation has not been claimed", s.Status)
	}

	sig, aggErr := c.agg.Aggregate(ctx, s)
	now := c.now()
	if aggErr != nil {
		c.metrics.Aggregation("failed")
		c.logger.Error().
			Str("severity", string(sigerr.SeverityHigh)).
			Str("session_id", sessionID).
			Err(aggErr).
			Msg("aggregation failed")
		if _, err := c.sessions.Fail(ctx, sessionID, session.StatusAggregating, "aggregation failed: "+aggErr.Error(), now); err != nil {
			return nil, sigerr.Internal(sessionID, err, "failed to record aggregation failure")
		}
		return nil, sigerr.New(sigerr.CodeAggregationFailed, sessionID, "aggregation failed", aggErr)
	}

	ok, err := c.sessions.Complete(ctx, sessionID, sig, now)
	if err != nil {
		return nil, sigerr.Internal(sessionID, err, "failed to complete session")
	}
	if !ok {
		cur, err := c.load(ctx, sessionID)
		if err != nil {
			return nil, err
		}
		if cur.Status == session.StatusCompleted {
			c.metrics.RaceLost()
			return nil, sigerr.RaceLost(sessionID, string(cur.Status))
		}
		return nil, sigerr.Expired(sessionID, "session is %s", cur.Status)
	}
	c.metrics.Aggregation("ok")
	c.metrics.Completed(now.Sub(s.CreatedAt))

	commitments := make([][]byte, 0, len(s.NonceCommitments))
	for _, v := range s.NonceCommitments {
		commitments = append(commitments, v)
	}
	if _, err := c.ledger.MarkUsed(ctx, now, commitments...); err != nil {
		c.logger.Warn().Err(err).Str("session_id", sessionID).Msg("failed to mark nonce commitments used")
	}
	if err := c.publisher.Publish(ctx, publisher.NewEvent(sessionID, s.KeyID, s.MessageDigest, sig, now)); err != nil {
		c.logger.Warn().Err(err).Str("session_id", sessionID).Msg("failed to publish signature")
	}

	c.logger.Info().
		Str("session_id", sessionID).
		Int("signers", len(s.NonceCommitments)).
		Msg("session completed")

	done, err := c.load(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	return done.Snapshot(now), nil
}
