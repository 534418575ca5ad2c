// Package sessionstore persists signing sessions with optimistic,
// conditional writes. No method holds a lock across calls: every mutation
// is a single UPDATE guarded by the row's version or current status.
package sessionstore

import (
	"context"
	"encoding/json"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"github.com/f3rmion/frostd/session"
	"github.com/f3rmion/frostd/store"
)

var (
	// ErrNotFound is returned for an unknown session ID or request key.
	ErrNotFound = errors.New("session not found")
	// ErrVersionConflict is returned when a versioned update lost to a
	// concurrent writer, or the session became terminal.
	ErrVersionConflict = errors.New("session version conflict")
	// ErrDuplicateRequest is returned when a request key is already used.
	ErrDuplicateRequest = errors.New("request key already used")
)

// Store provides database access for signing sessions.
type Store struct {
	db     *gorm.DB
	logger zerolog.Logger
}

// NewStore creates a new session store.
func NewStore(db *gorm.DB, logger zerolog.Logger) *Store {
	return &Store{
		db:     db,
		logger: logger.With().Str("component", "session_store").Logger(),
	}
}

func terminal() []string {
	out := make([]string, len(session.TerminalStatuses))
	for i, s := range session.TerminalStatuses {
		out[i] = string(s)
	}
	return out
}

// Create inserts a new session. A request key that is already in use
// yields ErrDuplicateRequest.
func (s *Store) Create(ctx context.Context, sess *session.SigningSession) error {
	rec, err := toRecord(sess)
	if err != nil {
		return err
	}
	if err := s.db.WithContext(ctx).Create(rec).Error; err != nil {
		if sess.RequestKey != "" {
			if _, lookupErr := s.GetByRequestKey(ctx, sess.RequestKey); lookupErr == nil {
				return ErrDuplicateRequest
			}
		}
		return errors.Wrapf(err, "failed to create session %s", sess.ID)
	}
	return nil
}

// Get loads a session by ID.
func (s *Store) Get(ctx context.Context, sessionID string) (*session.SigningSession, error) {
	var rec store.SessionRecord
	err := s.db.WithContext(ctx).Where("session_id = ?", sessionID).First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrapf(err, "failed to load session %s", sessionID)
	}
	return fromRecord(&rec)
}

// GetByRequestKey loads the session created with the given request key.
func (s *Store) GetByRequestKey(ctx context.Context, key string) (*session.SigningSession, error) {
	var rec store.SessionRecord
	err := s.db.WithContext(ctx).Where("request_key = ?", key).First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to load session by request key")
	}
	return fromRecord(&rec)
}

// Update writes the mutable fields of sess if the stored version still
// equals sess.Version and the stored session is not terminal. On success
// sess.Version is advanced. Otherwise ErrVersionConflict (or ErrNotFound)
// is returned and nothing is written.
func (s *Store) Update(ctx context.Context, sess *session.SigningSession) error {
	commitments, err := json.Marshal(nonNil(sess.NonceCommitments))
	if err != nil {
		return errors.Wrap(err, "failed to encode commitments")
	}
	partials, err := json.Marshal(nonNil(sess.PartialSignatures))
	if err != nil {
		return errors.Wrap(err, "failed to encode partial signatures")
	}

	update := map[string]any{
		"status":             string(sess.Status),
		"nonce_commitments":  commitments,
		"partial_signatures": partials,
		"version":            sess.Version + 1,
	}
	result := s.db.WithContext(ctx).Model(&store.SessionRecord{}).
		Where("session_id = ? AND version = ? AND status NOT IN ?", sess.ID, sess.Version, terminal()).
		Updates(update)
	if result.Error != nil {
		return errors.Wrapf(result.Error, "failed to update session %s", sess.ID)
	}
	if result.RowsAffected == 0 {
		if _, err := s.Get(ctx, sess.ID); err != nil {
			return err
		}
		return ErrVersionConflict
	}
	sess.Version++
	return nil
}

// SwapStatus moves a session from one status to another in a single
// conditional write. It reports false when the stored status was not from.
func (s *Store) SwapStatus(ctx context.Context, sessionID string, from, to session.Status) (bool, error) {
	if !session.CanTransition(from, to) {
		return false, errors.Errorf("illegal transition %s -> %s", from, to)
	}
	return s.conditional(ctx, sessionID, from, map[string]any{
		"status":  string(to),
		"version": gorm.Expr("version + 1"),
	})
}

// Complete records the final signature. Only an aggregating session can
// complete.
func (s *Store) Complete(ctx context.Context, sessionID string, signature []byte, at time.Time) (bool, error) {
	at = at.UTC()
	return s.conditional(ctx, sessionID, session.StatusAggregating, map[string]any{
		"status":          string(session.StatusCompleted),
		"final_signature": signature,
		"completed_at":    at,
		"finished_at":     at,
		"version":         gorm.Expr("version + 1"),
	})
}

// Fail moves a session from status from to failed with a diagnostic
// reason. reason must not contain secret material.
func (s *Store) Fail(ctx context.Context, sessionID string, from session.Status, reason string, at time.Time) (bool, error) {
	if !session.CanTransition(from, session.StatusFailed) {
		return false, errors.Errorf("illegal transition %s -> failed", from)
	}
	if reason == "" {
		reason = "failed"
	}
	at = at.UTC()
	return s.conditional(ctx, sessionID, from, map[string]any{
		"status":      string(session.StatusFailed),
		"error_msg":   reason,
		"failed_at":   at,
		"finished_at": at,
		"version":     gorm.Expr("version + 1"),
	})
}

// Expire marks one session expired if it is non-terminal and past its
// expiry as of now.
func (s *Store) Expire(ctx context.Context, sessionID string, now time.Time) (bool, error) {
	now = now.UTC()
	result := s.db.WithContext(ctx).Model(&store.SessionRecord{}).
		Where("session_id = ? AND status NOT IN ? AND expires_at <= ?", sessionID, terminal(), now).
		Updates(expiredUpdate(now))
	if result.Error != nil {
		return false, errors.Wrapf(result.Error, "failed to expire session %s", sessionID)
	}
	return result.RowsAffected == 1, nil
}

// ExpireOverdue marks every non-terminal session past its expiry as
// expired and returns the count.
func (s *Store) ExpireOverdue(ctx context.Context, now time.Time) (int64, error) {
	now = now.UTC()
	result := s.db.WithContext(ctx).Model(&store.SessionRecord{}).
		Where("status NOT IN ? AND expires_at <= ?", terminal(), now).
		Updates(expiredUpdate(now))
	if result.Error != nil {
		return 0, errors.Wrap(result.Error, "failed to expire overdue sessions")
	}
	if result.RowsAffected > 0 {
		s.logger.Info().Int64("expired_count", result.RowsAffected).Msg("expired overdue sessions")
	}
	return result.RowsAffected, nil
}

// PurgeTerminal deletes terminal sessions that finished before the cutoff.
func (s *Store) PurgeTerminal(ctx context.Context, before time.Time) (int64, error) {
	result := s.db.WithContext(ctx).
		Where("status IN ? AND finished_at < ?", terminal(), before.UTC()).
		Delete(&store.SessionRecord{})
	if result.Error != nil {
		return 0, errors.Wrap(result.Error, "failed to purge terminal sessions")
	}
	if result.RowsAffected > 0 {
		s.logger.Info().Int64("deleted_count", result.RowsAffected).Msg("purged terminal sessions")
	}
	return result.RowsAffected, nil
}

func (s *Store) conditional(ctx context.Context, sessionID string, from session.Status, update map[string]any) (bool, error) {
	result := s.db.WithContext(ctx).Model(&store.SessionRecord{}).
		Where("session_id = ? AND status = ?", sessionID, string(from)).
		Updates(update)
	if result.Error != nil {
		return false, errors.Wrapf(result.Error, "failed to update session %s", sessionID)
	}
	if result.RowsAffected == 0 {
		if _, err := s.Get(ctx, sessionID); err != nil {
			return false, err
		}
		return false, nil
	}
	return true, nil
}

func expiredUpdate(now time.Time) map[string]any {
	return map[string]any{
		"status":      string(session.StatusExpired),
		"finished_at": now,
		"version":     gorm.Expr("version + 1"),
	}
}

func toRecord(sess *session.SigningSession) (*store.SessionRecord, error) {
	participants, err := json.Marshal(sess.Participants)
	if err != nil {
		return nil, errors.Wrap(err, "failed to encode participants")
	}
	commitments, err := json.Marshal(nonNil(sess.NonceCommitments))
	if err != nil {
		return nil, errors.Wrap(err, "failed to encode commitments")
	}
	partials, err := json.Marshal(nonNil(sess.PartialSignatures))
	if err != nil {
		return nil, errors.Wrap(err, "failed to encode partial signatures")
	}
	rec := &store.SessionRecord{
		SessionID:         sess.ID,
		KeyID:             sess.KeyID,
		Initiator:         sess.Initiator,
		MessageDigest:     sess.MessageDigest,
		Participants:      participants,
		Threshold:         sess.Threshold,
		QuorumPolicy:      string(sess.QuorumPolicy),
		Status:            string(sess.Status),
		NonceCommitments:  commitments,
		PartialSignatures: partials,
		FinalSignature:    sess.FinalSignature,
		ErrorMsg:          sess.Error,
		Version:           sess.Version,
		CreatedAt:         sess.CreatedAt.UTC(),
		ExpiresAt:         sess.ExpiresAt.UTC(),
		CompletedAt:       utcPtr(sess.CompletedAt),
		FailedAt:          utcPtr(sess.FailedAt),
		FinishedAt:        utcPtr(sess.FinishedAt),
	}
	if sess.RequestKey != "" {
		key := sess.RequestKey
		rec.RequestKey = &key
	}
	return rec, nil
}

func fromRecord(rec *store.SessionRecord) (*session.SigningSession, error) {
	status, err := session.ParseStatus(rec.Status)
	if err != nil {
		return nil, err
	}
	sess := &session.SigningSession{
		ID:             rec.SessionID,
		KeyID:          rec.KeyID,
		Initiator:      rec.Initiator,
		MessageDigest:  rec.MessageDigest,
		Threshold:      rec.Threshold,
		QuorumPolicy:   session.QuorumPolicy(rec.QuorumPolicy),
		Status:         status,
		FinalSignature: rec.FinalSignature,
		Error:          rec.ErrorMsg,
		Version:        rec.Version,
		CreatedAt:      rec.CreatedAt.UTC(),
		ExpiresAt:      rec.ExpiresAt.UTC(),
		CompletedAt:    utcPtr(rec.CompletedAt),
		FailedAt:       utcPtr(rec.FailedAt),
		FinishedAt:     utcPtr(rec.FinishedAt),
	}
	if rec.RequestKey != nil {
		sess.RequestKey = *rec.RequestKey
	}
	if len(sess.FinalSignature) == 0 {
		sess.FinalSignature = nil
	}
	if err := json.Unmarshal(rec.Participants, &sess.Participants); err != nil {
		return nil, errors.Wrapf(err, "corrupt participants for session %s", rec.SessionID)
	}
	if sess.NonceCommitments, err = decodeMap(rec.NonceCommitments); err != nil {
		return nil, errors.Wrapf(err, "corrupt commitments for session %s", rec.SessionID)
	}
	if sess.PartialSignatures, err = decodeMap(rec.PartialSignatures); err != nil {
		return nil, errors.Wrapf(err, "corrupt partial signatures for session %s", rec.SessionID)
	}
	return sess, nil
}

func decodeMap(raw []byte) (map[string][]byte, error) {
	var m map[string][]byte
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &m); err != nil {
			return nil, err
		}
	}
	return nonNil(m), nil
}

func nonNil(m map[string][]byte) map[string][]byte {
	if m == nil {
		return map[string][]byte{}
	}
	return m
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}
