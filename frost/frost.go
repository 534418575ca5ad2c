package frost

import (
	"github.com/pkg/errors"

	"github.com/f3rmion/frostd/group"
)

// Suite binds a group to the hash functions used for binding factors,
// challenges and nonce derivation. Signing, share verification and
// aggregation only need a Suite; key generation needs a [FROST].
type Suite struct {
	group  group.Group
	hasher Hasher
}

// NewSuite returns a Suite over g. A nil hasher selects [SHA256Hasher].
func NewSuite(g group.Group, h Hasher) *Suite {
	if h == nil {
		h = &SHA256Hasher{}
	}
	return &Suite{group: g, hasher: h}
}

// Group returns the suite's group.
func (s *Suite) Group() group.Group {
	return s.group
}

// Hasher returns the suite's hash functions.
func (s *Suite) Hasher() Hasher {
	return s.hasher
}

// FROST holds a Suite and the threshold parameters of a key.
type FROST struct {
	*Suite
	threshold int // t - minimum signers needed
	total     int // n - total participants
}

// KeyShare represents a participant's share of the secret key.
type KeyShare struct {
	ID        group.Scalar // participant identifier
	SecretKey group.Scalar // secret key share
	PublicKey group.Point  // public key share
	GroupKey  group.Point  // combined group public key
}

// Signature is a Schnorr signature.
type Signature struct {
	R group.Point
	Z group.Scalar
}

// New creates a FROST instance using the SHA-256 hasher.
// threshold is the minimum number of signers required (t).
// total is the total number of participants (n).
func New(g group.Group, threshold, total int) (*FROST, error) {
	return NewWithHasher(g, threshold, total, &SHA256Hasher{})
}

// NewWithHasher creates a FROST instance with a custom hasher.
func NewWithHasher(g group.Group, threshold, total int, h Hasher) (*FROST, error) {
	if threshold < 1 {
		return nil, errors.New("threshold must be at least 1")
	}
	if total < threshold {
		return nil, errors.New("total must be >= threshold")
	}

	return &FROST{
		Suite:     NewSuite(g, h),
		threshold: threshold,
		total:     total,
	}, nil
}

// Threshold returns t.
func (f *FROST) Threshold() int { return f.threshold }

// Total returns n.
func (f *FROST) Total() int { return f.total }

func (s *Suite) scalarFromInt(n int) group.Scalar {
	return group.ScalarFromUint64(s.group, uint64(n))
}

func (s *Suite) evalPolynomial(coeffs []group.Scalar, x group.Scalar) group.Scalar {
	result := s.group.NewScalar().Set(coeffs[len(coeffs)-1])
	for i := len(coeffs) - 2; i >= 0; i-- {
		result = s.group.NewScalar().Mul(result, x)
		result = s.group.NewScalar().Add(result, coeffs[i])
	}
	return result
}
