package coordinator

import (
	"context"

	"github.com/pkg/errors"

	"github.com/f3rmion/frostd/ledger"
	"github.com/f3rmion/frostd/metrics"
	"github.com/f3rmion/frostd/session"
	"github.com/f3rmion/frostd/sigerr"
)

// SubmitNonceCommitment records participantID's commitment for the
// session. The commitment is first reserved in the global ledger; a value
// reserved anywhere before is rejected with a nonce-reuse error. The
// session advances to signing once the quorum policy is met.
func (c *Coordinator) SubmitNonceCommitment(ctx context.Context, sessionID, participantID string, commitment []byte) (status session.Status, err error) {
	defer func() { c.metrics.Submission(metrics.KindCommitment, resultLabel(err)) }()

	now := c.now()
	s, err := c.load(ctx, sessionID)
	if err != nil {
		return "", err
	}
	if err := c.checkLive(ctx, s, now); err != nil {
		return "", err
	}
	if err := acceptCommitment(s, participantID); err != nil {
		return "", err
	}
	if err := c.agg.ValidateCommitment(ctx, s, participantID, commitment); err != nil {
		reuse, lerr := c.reservedElsewhere(ctx, sessionID, participantID, commitment)
		if lerr != nil {
			return "", lerr
		}
		if reuse != nil {
			return "", c.nonceReuse(ctx, s, participantID, reuse)
		}
		return "", sigerr.New(sigerr.CodeValidation, sessionID, "invalid nonce commitment from "+participantID, err)
	}

	err = c.ledger.Reserve(ctx, sessionID, participantID, commitment, now)
	var reuse *ledger.ReuseError
	switch {
	case err == nil:
	case errors.Is(err, ledger.ErrAlreadyReserved):
		// Reserved by an earlier delivery whose session write never
		// landed; the commitment was not accepted, so finish accepting it.
		c.logger.Warn().
			Str("session_id", sessionID).
			Str("participant_id", participantID).
			Msg("completing nonce commitment left by an interrupted submission")
	case errors.Is(err, ledger.ErrParticipantCommitted):
		return "", sigerr.Validation(sessionID, "%s already submitted a nonce commitment", participantID)
	case errors.As(err, &reuse):
		return "", c.nonceReuse(ctx, s, participantID, reuse)
	default:
		return "", sigerr.Internal(sessionID, err, "failed to reserve nonce commitment")
	}

	s, err = c.write(ctx, s, func(s *session.SigningSession) error {
		if err := acceptCommitment(s, participantID); err != nil {
			return err
		}
		if s.NonceCommitments == nil {
			s.NonceCommitments = map[string][]byte{}
		}
		s.NonceCommitments[participantID] = append([]byte(nil), commitment...)
		switch {
		case s.QuorumReached():
			s.Status = session.StatusSigning
		case s.Status == session.StatusPending:
			s.Status = session.StatusNonceCollection
		}
		return nil
	})
	if err != nil {
		return "", err
	}

	c.logger.Info().
		Str("session_id", sessionID).
		Str("participant_id", participantID).
		Int("commitments", len(s.NonceCommitments)).
		Int("required", s.RequiredCommitments()).
		Str("status", string(s.Status)).
		Msg("nonce commitment accepted")
	return s.Status, nil
}

func acceptCommitment(s *session.SigningSession, participantID string) error {
	if !s.IsParticipant(participantID) {
		return sigerr.Validation(s.ID, "%s is not a participant", participantID)
	}
	if _, ok := s.NonceCommitments[participantID]; ok {
		return sigerr.Validation(s.ID, "%s already submitted a nonce commitment", participantID)
	}
	if !s.Status.AcceptsCommitments() {
		return sigerr.Validation(s.ID, "session is %s, nonce commitments are closed", s.Status)
	}
	return nil
}

// reservedElsewhere reports whether a commitment that failed validation is
// already held by another reservation, e.g. another guardian's value
// replayed under participantID.
func (c *Coordinator) reservedElsewhere(ctx context.Context, sessionID, participantID string, commitment []byte) (*ledger.ReuseError, error) {
	if len(commitment) == 0 {
		return nil, nil
	}
	owner, err := c.ledger.Owner(ctx, commitment)
	switch {
	case errors.Is(err, ledger.ErrNotFound):
		return nil, nil
	case err != nil:
		return nil, sigerr.Internal(sessionID, err, "failed to look up nonce commitment")
	case owner.SessionID == sessionID && owner.ParticipantID == participantID:
		return nil, nil
	}
	return &ledger.ReuseError{OwnerSessionID: owner.SessionID, OwnerParticipantID: owner.ParticipantID}, nil
}

// nonceReuse reports a rejected reservation. When the value belongs to
// another participant of this same session, the signer set is compromised
// and the session is failed.
func (c *Coordinator) nonceReuse(ctx context.Context, s *session.SigningSession, participantID string, reuse *ledger.ReuseError) error {
	c.metrics.NonceReuse()
	c.logger.Error().
		Str("severity", string(sigerr.SeverityCritical)).
		Str("session_id", s.ID).
		Str("participant_id", participantID).
		Str("owner_session_id", reuse.OwnerSessionID).
		Str("owner_participant_id", reuse.OwnerParticipantID).
		Msg("nonce commitment reuse detected")

	rerr := sigerr.NonceReuse(s.ID, participantID, reuse.OwnerSessionID)
	if reuse.OwnerSessionID != s.ID {
		return rerr
	}
	if err := c.fail(ctx, s, "nonce commitment reused within session by "+participantID); err != nil && sigerr.CodeOf(err) == sigerr.CodeInternal {
		c.logger.Error().Err(err).Str("session_id", s.ID).Msg("failed to fail session after nonce reuse")
	}
	return rerr
}

// SubmitPartialSignature records participantID's signature share. The
// session must be signing and the participant must have a commitment in
// it. Aggregation is not triggered here.
func (c *Coordinator) SubmitPartialSignature(ctx context.Context, sessionID, participantID string, sig []byte) (status session.Status, err error) {
	defer func() { c.metrics.Submission(metrics.KindPartial, resultLabel(err)) }()

	s, err := c.load(ctx, sessionID)
	if err != nil {
		return "", err
	}
	if err := c.checkLive(ctx, s, c.now()); err != nil {
		return "", err
	}
	if err := acceptPartial(s, participantID); err != nil {
		return "", err
	}
	if err := c.agg.ValidatePartialSignature(ctx, s, participantID, sig); err != nil {
		return "", sigerr.New(sigerr.CodeValidation, sessionID, "invalid partial signature from "+participantID, err)
	}
	held, err := c.ledger.Holds(ctx, sessionID, participantID, s.NonceCommitments[participantID])
	if err != nil {
		return "", sigerr.Internal(sessionID, err, "failed to check nonce reservation")
	}
	if !held {
		return "", sigerr.Validation(sessionID, "nonce commitment from %s is not reserved", participantID)
	}

	s, err = c.write(ctx, s, func(s *session.SigningSession) error {
		if err := acceptPartial(s, participantID); err != nil {
			return err
		}
		if s.PartialSignatures == nil {
			s.PartialSignatures = map[string][]byte{}
		}
		s.PartialSignatures[participantID] = append([]byte(nil), sig...)
		return nil
	})
	if err != nil {
		return "", err
	}

	c.logger.Info().
		Str("session_id", sessionID).
		Str("participant_id", participantID).
		Int("partial_signatures", len(s.PartialSignatures)).
		Bool("ready", s.ReadyToAggregate()).
		Msg("partial signature accepted")
	return s.Status, nil
}

func acceptPartial(s *session.SigningSession, participantID string) error {
	if !s.IsParticipant(participantID) {
		return sigerr.Validation(s.ID, "%s is not a participant", participantID)
	}
	if s.Status != session.StatusSigning {
		return sigerr.Validation(s.ID, "session is %s, not accepting partial signatures", s.Status)
	}
	if _, ok := s.NonceCommitments[participantID]; !ok {
		return sigerr.Validation(s.ID, "no nonce commitment from %s", participantID)
	}
	if _, ok := s.PartialSignatures[participantID]; ok {
		return sigerr.Validation(s.ID, "%s already submitted a partial signature", participantID)
	}
	return nil
}

func resultLabel(err error) string {
	if err == nil {
		return "ok"
	}
	return string(sigerr.CodeOf(err))
}
