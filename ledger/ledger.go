// Package ledger is the global nonce-commitment ledger. A commitment value
// can be reserved once, by one participant of one session, for as long as
// the record is retained. Uniqueness is enforced by the database's unique
// indexes, so any number of coordinator instances can share one ledger.
package ledger

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"github.com/f3rmion/frostd/store"
)

var (
	// ErrAlreadyReserved means this exact (session, participant,
	// commitment) reservation exists: a redelivered request.
	ErrAlreadyReserved = errors.New("commitment already reserved by this participant")
	// ErrParticipantCommitted means the participant already reserved a
	// different commitment in this session.
	ErrParticipantCommitted = errors.New("participant already committed in this session")
	// ErrNotFound is returned by Owner and Lookup when no reservation exists.
	ErrNotFound = errors.New("nonce reservation not found")
)

// ReuseError reports a commitment value already reserved by another
// session, or by another participant of the same session.
type ReuseError struct {
	OwnerSessionID     string
	OwnerParticipantID string
}

func (e *ReuseError) Error() string {
	return fmt.Sprintf("commitment already reserved in session %s", e.OwnerSessionID)
}

// Ledger provides database access for nonce commitments.
type Ledger struct {
	db     *gorm.DB
	logger zerolog.Logger
}

// New creates a ledger over db.
func New(db *gorm.DB, logger zerolog.Logger) *Ledger {
	return &Ledger{
		db:     db,
		logger: logger.With().Str("component", "nonce_ledger").Logger(),
	}
}

// Reserve records commitment for (sessionID, participantID) in a single
// INSERT. Both unique indexes are checked by that one statement; on a
// conflict the existing row is read only to classify the rejection.
func (l *Ledger) Reserve(ctx context.Context, sessionID, participantID string, commitment []byte, at time.Time) error {
	if len(commitment) == 0 {
		return errors.New("empty commitment")
	}
	rec := &store.NonceRecord{
		SessionID:       sessionID,
		ParticipantID:   participantID,
		CommitmentValue: commitment,
		CreatedAt:       at.UTC(),
	}
	insertErr := l.db.WithContext(ctx).Create(rec).Error
	if insertErr == nil {
		return nil
	}

	owner, err := l.Owner(ctx, commitment)
	switch {
	case err == nil:
		if owner.SessionID == sessionID && owner.ParticipantID == participantID {
			return ErrAlreadyReserved
		}
		return &ReuseError{OwnerSessionID: owner.SessionID, OwnerParticipantID: owner.ParticipantID}
	case !errors.Is(err, ErrNotFound):
		return errors.Wrap(err, "failed to classify reservation conflict")
	}

	if _, err := l.Lookup(ctx, sessionID, participantID); err == nil {
		return ErrParticipantCommitted
	}
	return errors.Wrapf(insertErr, "failed to reserve commitment for session %s", sessionID)
}

// Owner returns the reservation holding commitment, or ErrNotFound.
func (l *Ledger) Owner(ctx context.Context, commitment []byte) (*store.NonceRecord, error) {
	var rec store.NonceRecord
	err := l.db.WithContext(ctx).Where("commitment_value = ?", commitment).First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to look up commitment owner")
	}
	return &rec, nil
}

// Lookup returns the reservation held by participantID in sessionID.
func (l *Ledger) Lookup(ctx context.Context, sessionID, participantID string) (*store.NonceRecord, error) {
	var rec store.NonceRecord
	err := l.db.WithContext(ctx).
		Where("session_id = ? AND participant_id = ?", sessionID, participantID).
		First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to look up reservation")
	}
	return &rec, nil
}

// Holds reports whether the ledger has exactly this reservation.
func (l *Ledger) Holds(ctx context.Context, sessionID, participantID string, commitment []byte) (bool, error) {
	rec, err := l.Lookup(ctx, sessionID, participantID)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return bytes.Equal(rec.CommitmentValue, commitment), nil
}

// MarkUsed flags the given commitments as consumed by a completed
// aggregation. It is an audit aid; uniqueness does not depend on it.
func (l *Ledger) MarkUsed(ctx context.Context, at time.Time, commitments ...[]byte) (int64, error) {
	if len(commitments) == 0 {
		return 0, nil
	}
	result := l.db.WithContext(ctx).Model(&store.NonceRecord{}).
		Where("commitment_value IN ? AND used = ?", commitments, false).
		Updates(map[string]any{"used": true, "used_at": at.UTC()})
	if result.Error != nil {
		return 0, errors.Wrap(result.Error, "failed to mark commitments used")
	}
	return result.RowsAffected, nil
}

// PurgeOrphans deletes reservations created before the cutoff whose
// session no longer exists.
func (l *Ledger) PurgeOrphans(ctx context.Context, before time.Time) (int64, error) {
	sessions := l.db.WithContext(ctx).Model(&store.SessionRecord{}).Select("session_id")
	result := l.db.WithContext(ctx).
		Where("created_at < ? AND session_id NOT IN (?)", before.UTC(), sessions).
		Delete(&store.NonceRecord{})
	if result.Error != nil {
		return 0, errors.Wrap(result.Error, "failed to purge orphaned commitments")
	}
	if result.RowsAffected > 0 {
		l.logger.Info().Int64("deleted_count", result.RowsAffected).Msg("purged orphaned nonce commitments")
	}
	return result.RowsAffected, nil
}
