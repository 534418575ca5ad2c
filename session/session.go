// Package session models a FROST signing session: its fields, lifecycle
// states, legal transitions and the read-only snapshot handed to callers.
//
// The package holds no storage or concurrency logic. Every value here is
// a plain copy; persistence and compare-and-swap live in the store.
package session

import (
	"time"

	"github.com/pkg/errors"
)

// DigestSize is the length of a message digest.
const DigestSize = 32

// SigningSession is one distributed signing operation.
type SigningSession struct {
	ID                string            `json:"session_id"`
	KeyID             string            `json:"key_id"`
	Initiator         string            `json:"initiator"`
	RequestKey        string            `json:"request_key,omitempty"`
	MessageDigest     []byte            `json:"message_digest"`
	Participants      []string          `json:"participants"`
	Threshold         int               `json:"threshold"`
	QuorumPolicy      QuorumPolicy      `json:"quorum_policy"`
	Status            Status            `json:"status"`
	NonceCommitments  map[string][]byte `json:"nonce_commitments"`
	PartialSignatures map[string][]byte `json:"partial_signatures"`
	FinalSignature    []byte            `json:"final_signature,omitempty"`
	Error             string            `json:"error,omitempty"`
	CreatedAt         time.Time         `json:"created_at"`
	ExpiresAt         time.Time         `json:"expires_at"`
	CompletedAt       *time.Time        `json:"completed_at,omitempty"`
	FailedAt          *time.Time        `json:"failed_at,omitempty"`
	FinishedAt        *time.Time        `json:"finished_at,omitempty"`
	Version           int64             `json:"version"`
}

// IsParticipant reports whether id is a named participant.
func (s *SigningSession) IsParticipant(id string) bool {
	for _, p := range s.Participants {
		if p == id {
			return true
		}
	}
	return false
}

// RequiredCommitments is the number of commitments that opens signing.
func (s *SigningSession) RequiredCommitments() int {
	return s.QuorumPolicy.Required(s.Threshold, len(s.Participants))
}

// QuorumReached reports whether enough commitments exist to sign.
func (s *SigningSession) QuorumReached() bool {
	return len(s.NonceCommitments) >= s.RequiredCommitments()
}

// ReadyToAggregate reports whether every committed signer has submitted a
// partial signature and at least threshold of them exist. The signer set
// is fixed by the commitments, so a share is needed from each of them.
func (s *SigningSession) ReadyToAggregate() bool {
	if s.Status != StatusSigning {
		return false
	}
	if len(s.PartialSignatures) < s.Threshold {
		return false
	}
	for p := range s.NonceCommitments {
		if _, ok := s.PartialSignatures[p]; !ok {
			return false
		}
	}
	return true
}

// Overdue reports whether a non-terminal session is past its expiry.
func (s *SigningSession) Overdue(now time.Time) bool {
	return !s.Status.Terminal() && !now.Before(s.ExpiresAt)
}

// Clone returns a deep copy.
func (s *SigningSession) Clone() *SigningSession {
	c := *s
	c.MessageDigest = cloneBytes(s.MessageDigest)
	c.Participants = append([]string(nil), s.Participants...)
	c.NonceCommitments = cloneMap(s.NonceCommitments)
	c.PartialSignatures = cloneMap(s.PartialSignatures)
	c.FinalSignature = cloneBytes(s.FinalSignature)
	c.CompletedAt = cloneTime(s.CompletedAt)
	c.FailedAt = cloneTime(s.FailedAt)
	c.FinishedAt = cloneTime(s.FinishedAt)
	return &c
}

// Validate checks the structural invariants of a session.
func (s *SigningSession) Validate() error {
	if s.ID == "" {
		return errors.New("missing session id")
	}
	if len(s.MessageDigest) != DigestSize {
		return errors.Errorf("message digest must be %d bytes, got %d", DigestSize, len(s.MessageDigest))
	}
	if err := ValidateParticipants(s.Participants, s.Threshold); err != nil {
		return err
	}
	if !s.QuorumPolicy.Valid() {
		return errors.Errorf("unknown quorum policy %q", s.QuorumPolicy)
	}
	if !s.Status.Valid() {
		return errors.Errorf("unknown status %q", s.Status)
	}
	if (len(s.FinalSignature) > 0) != (s.Status == StatusCompleted) {
		return errors.Errorf("final signature present with status %s", s.Status)
	}
	if (s.Error != "") != (s.Status == StatusFailed) {
		return errors.Errorf("error message present with status %s", s.Status)
	}
	if s.Status == StatusCompleted && s.CompletedAt == nil {
		return errors.New("completed session without completed_at")
	}
	if s.Status == StatusFailed && s.FailedAt == nil {
		return errors.New("failed session without failed_at")
	}
	for p := range s.NonceCommitments {
		if !s.IsParticipant(p) {
			return errors.Errorf("commitment from non-participant %s", p)
		}
	}
	for p := range s.PartialSignatures {
		if _, ok := s.NonceCommitments[p]; !ok {
			return errors.Errorf("partial signature from %s without commitment", p)
		}
	}
	if !s.ExpiresAt.After(s.CreatedAt) {
		return errors.New("expires_at must be after created_at")
	}
	return nil
}

// ValidateParticipants checks a participant list and threshold.
func ValidateParticipants(participants []string, threshold int) error {
	if len(participants) == 0 {
		return errors.New("participants must not be empty")
	}
	seen := make(map[string]struct{}, len(participants))
	for _, p := range participants {
		if p == "" {
			return errors.New("participant id must not be empty")
		}
		if _, dup := seen[p]; dup {
			return errors.Errorf("duplicate participant %s", p)
		}
		seen[p] = struct{}{}
	}
	if threshold < 1 || threshold > len(participants) {
		return errors.Errorf("threshold %d out of range [1, %d]", threshold, len(participants))
	}
	return nil
}

// Snapshot is the read-only view returned to callers, with derived fields.
type Snapshot struct {
	*SigningSession

	// EffectiveStatus is expired for an overdue session the sweeper has
	// not reached yet; otherwise it equals Status.
	EffectiveStatus       Status `json:"effective_status"`
	CommitmentCount       int    `json:"commitment_count"`
	PartialSignatureCount int    `json:"partial_signature_count"`
	RequiredCommitments   int    `json:"required_commitments"`
	ReadyToAggregate      bool   `json:"ready_to_aggregate"`
}

// Snapshot returns a deep-copied view of s as of now.
func (s *SigningSession) Snapshot(now time.Time) *Snapshot {
	eff := s.Status
	if s.Overdue(now) {
		eff = StatusExpired
	}
	return &Snapshot{
		SigningSession:        s.Clone(),
		EffectiveStatus:       eff,
		CommitmentCount:       len(s.NonceCommitments),
		PartialSignatureCount: len(s.PartialSignatures),
		RequiredCommitments:   s.RequiredCommitments(),
		ReadyToAggregate:      eff == StatusSigning && s.ReadyToAggregate(),
	}
}

func cloneBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	return append([]byte(nil), b...)
}

func cloneMap(m map[string][]byte) map[string][]byte {
	if m == nil {
		return nil
	}
	out := make(map[string][]byte, len(m))
	for k, v := range m {
		out[k] = cloneBytes(v)
	}
	return out
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}
