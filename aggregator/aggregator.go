// Package aggregator combines a session's partial signatures into a final
// FROST signature and verifies it before anything is reported as signed.
package aggregator

import (
	"context"
	"sort"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/f3rmion/frostd/custody"
	"github.com/f3rmion/frostd/frost"
	"github.com/f3rmion/frostd/group"
	"github.com/f3rmion/frostd/session"
)

// ErrVerification wraps every cryptographic rejection.
var ErrVerification = errors.New("verification failed")

// Aggregator implements signature aggregation over a FROST suite, with key
// material resolved through a custody directory.
type Aggregator struct {
	suite  *frost.Suite
	keys   custody.Directory
	logger zerolog.Logger
}

// New creates an aggregator.
func New(suite *frost.Suite, keys custody.Directory, logger zerolog.Logger) *Aggregator {
	return &Aggregator{
		suite:  suite,
		keys:   keys,
		logger: logger.With().Str("component", "aggregator").Logger(),
	}
}

// CheckKey verifies keyID resolves to a usable group key.
func (a *Aggregator) CheckKey(ctx context.Context, keyID string) error {
	_, err := a.groupKey(ctx, keyID)
	return err
}

// ValidateCommitment checks that data decodes as a commitment and that
// its signer identifier is the one the key assigns to participantID.
func (a *Aggregator) ValidateCommitment(ctx context.Context, s *session.SigningSession, participantID string, data []byte) error {
	c, err := a.suite.DecodeCommitment(data)
	if err != nil {
		return err
	}
	mem, err := a.keys.Member(ctx, s.KeyID, participantID)
	if err != nil {
		return err
	}
	if !c.ID.Equal(a.suite.Identifier(mem.Index)) {
		return errors.Errorf("commitment identifier does not match %s", participantID)
	}
	return nil
}

// ValidatePartialSignature checks that data decodes as a signature share
// carrying the same signer identifier as the participant's commitment.
func (a *Aggregator) ValidatePartialSignature(_ context.Context, s *session.SigningSession, participantID string, data []byte) error {
	sh, err := a.suite.DecodeShare(data)
	if err != nil {
		return err
	}
	enc, ok := s.NonceCommitments[participantID]
	if !ok {
		return errors.Errorf("no commitment from %s", participantID)
	}
	c, err := a.suite.DecodeCommitment(enc)
	if err != nil {
		return errors.Wrapf(err, "stored commitment from %s", participantID)
	}
	if !sh.ID.Equal(c.ID) {
		return errors.Errorf("partial signature identifier does not match commitment from %s", participantID)
	}
	return nil
}

// Aggregate combines the session's partial signatures and verifies the
// result against the key's group public key. Errors name participants and
// counts, never values.
func (a *Aggregator) Aggregate(ctx context.Context, s *session.SigningSession) ([]byte, error) {
	groupKey, err := a.groupKey(ctx, s.KeyID)
	if err != nil {
		return nil, err
	}
	if len(s.PartialSignatures) < s.Threshold {
		return nil, errors.Errorf("have %d partial signatures, need %d", len(s.PartialSignatures), s.Threshold)
	}

	signers := make([]string, 0, len(s.NonceCommitments))
	for p := range s.NonceCommitments {
		signers = append(signers, p)
	}
	sort.Strings(signers)

	commitments := make([]*frost.SigningCommitment, 0, len(signers))
	shares := make([]*frost.SignatureShare, 0, len(signers))
	byParticipant := make(map[string]*frost.SignatureShare, len(signers))
	for _, p := range signers {
		c, err := a.suite.DecodeCommitment(s.NonceCommitments[p])
		if err != nil {
			return nil, errors.Wrapf(err, "commitment from %s", p)
		}
		raw, ok := s.PartialSignatures[p]
		if !ok {
			return nil, errors.Errorf("missing partial signature from %s", p)
		}
		sh, err := a.suite.DecodeShare(raw)
		if err != nil {
			return nil, errors.Wrapf(err, "partial signature from %s", p)
		}
		if !sh.ID.Equal(c.ID) {
			return nil, errors.Errorf("partial signature from %s has a foreign identifier", p)
		}
		commitments = append(commitments, c)
		shares = append(shares, sh)
		byParticipant[p] = sh
	}

	for _, p := range signers {
		if err := a.verifyShare(ctx, s, p, byParticipant[p], commitments, groupKey); err != nil {
			return nil, err
		}
	}

	sig, err := a.suite.Aggregate(s.MessageDigest, commitments, shares, groupKey)
	if err != nil {
		return nil, errors.Wrap(err, "combine partial signatures")
	}
	if !a.suite.Verify(s.MessageDigest, sig, groupKey) {
		return nil, errors.Wrap(ErrVerification, "aggregate signature")
	}

	a.logger.Debug().
		Str("session_id", s.ID).
		Int("signers", len(signers)).
		Msg("aggregated signature")
	return frost.EncodeSignature(sig), nil
}

// verifyShare checks one share when the directory holds the signer's
// verification share. Without one the aggregate check still applies.
func (a *Aggregator) verifyShare(
	ctx context.Context,
	s *session.SigningSession,
	participantID string,
	sh *frost.SignatureShare,
	commitments []*frost.SigningCommitment,
	groupKey group.Point,
) error {
	mem, err := a.keys.Member(ctx, s.KeyID, participantID)
	if errors.Is(err, custody.ErrUnknownMember) {
		return errors.Errorf("%s is not a member of key %s", participantID, s.KeyID)
	}
	if err != nil {
		return err
	}
	if len(mem.VerificationShare) == 0 {
		return nil
	}
	pub, err := a.suite.DecodePoint(mem.VerificationShare)
	if err != nil {
		return errors.Wrapf(err, "verification share for %s", participantID)
	}
	if err := a.suite.VerifyShare(sh, pub, s.MessageDigest, commitments, groupKey); err != nil {
		return errors.Wrapf(ErrVerification, "partial signature from %s", participantID)
	}
	return nil
}

func (a *Aggregator) groupKey(ctx context.Context, keyID string) (group.Point, error) {
	raw, err := a.keys.GroupKey(ctx, keyID)
	if err != nil {
		return nil, err
	}
	p, err := a.suite.DecodePoint(raw)
	if err != nil {
		return nil, errors.Wrapf(err, "group key %s", keyID)
	}
	return p, nil
}
