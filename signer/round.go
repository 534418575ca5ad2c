package signer

import (
	"io"
	"sync"

	"github.com/pkg/errors"

	"github.com/f3rmion/frostd/frost"
)

// ErrRoundConsumed is returned by a second call to [SigningRound.Sign].
var ErrRoundConsumed = errors.New("signing round already consumed: nonce reuse prevented")

// DigestSize is the length of the message digest a round signs.
const DigestSize = 32

// SigningRound is one guardian's part in one coordinator session. It holds
// the secret nonces behind the commitment it publishes and signs at most
// once.
//
// Create rounds using [Participant.Commit].
type SigningRound struct {
	mu         sync.Mutex
	suite      *frost.Suite
	keyShare   *frost.KeyShare
	sessionID  string
	digest     []byte
	nonce      *frost.SigningNonce
	commitment []byte
	consumed   bool
}

// Commit generates fresh nonces for sessionID and returns the round that
// owns them. The participant must have completed DKG.
func (p *Participant) Commit(rng io.Reader, sessionID string, digest []byte) (*SigningRound, error) {
	if p.keyShare == nil {
		return nil, errors.New("DKG not complete: no key share available")
	}
	if len(digest) != DigestSize {
		return nil, errors.Errorf("digest must be %d bytes, got %d", DigestSize, len(digest))
	}

	nonce, commitment, err := p.frost.SignRound1(rng, p.keyShare)
	if err != nil {
		return nil, err
	}

	return &SigningRound{
		suite:      p.frost.Suite,
		keyShare:   p.keyShare,
		sessionID:  sessionID,
		digest:     append([]byte(nil), digest...),
		nonce:      nonce,
		commitment: frost.EncodeCommitment(commitment),
	}, nil
}

// SessionID returns the coordinator session this round belongs to.
func (r *SigningRound) SessionID() string {
	return r.sessionID
}

// Commitment returns the encoded nonce commitment to submit.
func (r *SigningRound) Commitment() []byte {
	return append([]byte(nil), r.commitment...)
}

// Sign produces this guardian's encoded partial signature over every
// commitment the coordinator accepted, keyed by participant. The map must
// contain this round's own commitment.
//
// Sign consumes the round whether or not it succeeds.
func (r *SigningRound) Sign(commitments map[string][]byte) ([]byte, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.consumed {
		return nil, ErrRoundConsumed
	}
	r.consumed = true
	defer r.zeroNonces()

	decoded := make([]*frost.SigningCommitment, 0, len(commitments))
	for participant, enc := range commitments {
		c, err := r.suite.DecodeCommitment(enc)
		if err != nil {
			return nil, errors.Wrapf(err, "commitment from %s", participant)
		}
		decoded = append(decoded, c)
	}

	share, err := r.suite.SignRound2(r.keyShare, r.nonce, r.digest, decoded)
	if err != nil {
		return nil, err
	}
	return frost.EncodeShare(share), nil
}

// zeroNonces drops the secret nonces. Go gives no guarantee the memory is
// cleared; the reference is what matters for reuse.
func (r *SigningRound) zeroNonces() {
	if r.nonce == nil {
		return
	}
	r.nonce.D = r.suite.Group().NewScalar()
	r.nonce.E = r.suite.Group().NewScalar()
	r.nonce = nil
}

// IsConsumed reports whether Sign has been called.
func (r *SigningRound) IsConsumed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.consumed
}
