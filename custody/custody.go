// Package custody is the coordinator's read-only view of key material: the
// group public key of each threshold key and, per participant, the signer
// index and public verification share. Secret shares never enter this
// package.
package custody

import (
	"context"
	"sync"

	"github.com/pkg/errors"
)

var (
	// ErrUnknownKey is returned for a key ID that is not registered.
	ErrUnknownKey = errors.New("unknown key")
	// ErrUnknownMember is returned for a participant the key does not list.
	ErrUnknownMember = errors.New("unknown key member")
)

// Member is one share holder of a key.
type Member struct {
	ParticipantID string
	// Index is the FROST signer identifier, starting at 1.
	Index uint64
	// VerificationShare is the encoded public key share. Empty disables
	// per-share verification for this member.
	VerificationShare []byte
}

// Key is the public material of one threshold key.
type Key struct {
	KeyID    string
	GroupKey []byte
	Members  []Member
}

// Directory resolves key material by key ID.
type Directory interface {
	GroupKey(ctx context.Context, keyID string) ([]byte, error)
	Member(ctx context.Context, keyID, participantID string) (*Member, error)
}

// Memory is a Directory held in process, loaded from configuration or a
// local DKG.
type Memory struct {
	mu   sync.RWMutex
	keys map[string]*Key
}

// NewMemory returns an empty directory.
func NewMemory() *Memory {
	return &Memory{keys: make(map[string]*Key)}
}

// Register adds or replaces a key.
func (m *Memory) Register(key Key) error {
	if key.KeyID == "" {
		return errors.New("key id must not be empty")
	}
	if len(key.GroupKey) == 0 {
		return errors.Errorf("key %s has no group key", key.KeyID)
	}
	indexes := make(map[uint64]string, len(key.Members))
	names := make(map[string]struct{}, len(key.Members))
	for _, mem := range key.Members {
		if mem.ParticipantID == "" || mem.Index == 0 {
			return errors.Errorf("key %s has a member without id or index", key.KeyID)
		}
		if other, dup := indexes[mem.Index]; dup {
			return errors.Errorf("key %s: %s and %s share index %d", key.KeyID, other, mem.ParticipantID, mem.Index)
		}
		if _, dup := names[mem.ParticipantID]; dup {
			return errors.Errorf("key %s lists %s twice", key.KeyID, mem.ParticipantID)
		}
		indexes[mem.Index] = mem.ParticipantID
		names[mem.ParticipantID] = struct{}{}
	}

	cp := key
	cp.GroupKey = append([]byte(nil), key.GroupKey...)
	cp.Members = append([]Member(nil), key.Members...)

	m.mu.Lock()
	defer m.mu.Unlock()
	m.keys[key.KeyID] = &cp
	return nil
}

// GroupKey returns the encoded group public key.
func (m *Memory) GroupKey(_ context.Context, keyID string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	k, ok := m.keys[keyID]
	if !ok {
		return nil, errors.Wrap(ErrUnknownKey, keyID)
	}
	return append([]byte(nil), k.GroupKey...), nil
}

// Member returns participantID's entry for keyID.
func (m *Memory) Member(_ context.Context, keyID, participantID string) (*Member, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	k, ok := m.keys[keyID]
	if !ok {
		return nil, errors.Wrap(ErrUnknownKey, keyID)
	}
	for _, mem := range k.Members {
		if mem.ParticipantID == participantID {
			out := mem
			out.VerificationShare = append([]byte(nil), mem.VerificationShare...)
			return &out, nil
		}
	}
	return nil, errors.Wrap(ErrUnknownMember, participantID)
}

// Keys returns the registered key IDs.
func (m *Memory) Keys() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.keys))
	for id := range m.keys {
		out = append(out, id)
	}
	return out
}
