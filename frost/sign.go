package frost

import (
	"bytes"
	"io"
	"sort"

	"github.com/pkg/errors"

	"github.com/f3rmion/frostd/group"
)

var (
	// ErrInvalidShare is returned when a signature share fails verification
	// against its signer's public key share.
	ErrInvalidShare = errors.New("invalid signature share")
	// ErrInvalidSignature is returned when an aggregate fails verification.
	ErrInvalidSignature = errors.New("invalid signature")
)

// SigningNonce holds a participant's nonce pair for signing.
type SigningNonce struct {
	ID group.Scalar
	D  group.Scalar // hiding nonce
	E  group.Scalar // binding nonce
}

// SigningCommitment is broadcast in round 1 of signing.
type SigningCommitment struct {
	ID           group.Scalar
	HidingPoint  group.Point // D * G
	BindingPoint group.Point // E * G
}

// SignatureShare is a participant's share of the signature.
type SignatureShare struct {
	ID group.Scalar
	Z  group.Scalar
}

// SignRound1 generates nonces and commitment for signing. Nonces are
// hedged: fresh randomness is hashed together with the secret share, so a
// weak random source alone does not repeat a nonce.
func (s *Suite) SignRound1(r io.Reader, share *KeyShare) (*SigningNonce, *SigningCommitment, error) {
	d, err := s.nonce(r, share.SecretKey)
	if err != nil {
		return nil, nil, err
	}
	e, err := s.nonce(r, share.SecretKey)
	if err != nil {
		return nil, nil, err
	}

	nonce := &SigningNonce{
		ID: share.ID,
		D:  d,
		E:  e,
	}

	commitment := &SigningCommitment{
		ID:           share.ID,
		HidingPoint:  s.group.NewPoint().ScalarMult(d, s.group.Generator()),
		BindingPoint: s.group.NewPoint().ScalarMult(e, s.group.Generator()),
	}

	return nonce, commitment, nil
}

func (s *Suite) nonce(r io.Reader, secret group.Scalar) (group.Scalar, error) {
	seed := make([]byte, 32)
	for {
		if _, err := io.ReadFull(r, seed); err != nil {
			return nil, errors.Wrap(err, "read nonce seed")
		}
		k := s.hasher.H3(s.group, seed, secret.Bytes(), nil)
		if !k.IsZero() {
			return k, nil
		}
	}
}

// SignRound2 generates a signature share. commitments must contain one
// entry per signer, including this one, in any order.
func (s *Suite) SignRound2(
	share *KeyShare,
	nonce *SigningNonce,
	message []byte,
	commitments []*SigningCommitment,
) (*SignatureShare, error) {
	commitments, err := sortCommitments(commitments)
	if err != nil {
		return nil, err
	}
	own := findCommitment(commitments, share.ID)
	if own == nil {
		return nil, errors.New("own commitment not found in commitment list")
	}
	g := s.group.Generator()
	if !own.HidingPoint.Equal(s.group.NewPoint().ScalarMult(nonce.D, g)) ||
		!own.BindingPoint.Equal(s.group.NewPoint().ScalarMult(nonce.E, g)) {
		return nil, errors.New("own commitment does not match signing nonce")
	}

	R, factors := s.groupCommitment(message, commitments, share.GroupKey)
	c := s.challenge(R, share.GroupKey, message)
	lambda, err := s.lagrangeCoefficient(share.ID, commitments)
	if err != nil {
		return nil, err
	}

	// z_i = d + rho*e + lambda*s*c
	myRho := factors[string(share.ID.Bytes())]
	z := s.group.NewScalar().Mul(myRho, nonce.E)
	z = s.group.NewScalar().Add(nonce.D, z)
	lambdaS := s.group.NewScalar().Mul(lambda, share.SecretKey)
	lambdaSC := s.group.NewScalar().Mul(lambdaS, c)
	z = s.group.NewScalar().Add(z, lambdaSC)

	return &SignatureShare{
		ID: share.ID,
		Z:  z,
	}, nil
}

// VerifyShare checks one signature share against the signer's public key
// share: z_i*G == D_i + rho_i*E_i + lambda_i*c*Y_i.
func (s *Suite) VerifyShare(
	sigShare *SignatureShare,
	publicShare group.Point,
	message []byte,
	commitments []*SigningCommitment,
	groupKey group.Point,
) error {
	commitments, err := sortCommitments(commitments)
	if err != nil {
		return err
	}
	comm := findCommitment(commitments, sigShare.ID)
	if comm == nil {
		return errors.Wrap(ErrInvalidShare, "no commitment for signer")
	}

	R, factors := s.groupCommitment(message, commitments, groupKey)
	c := s.challenge(R, groupKey, message)
	lambda, err := s.lagrangeCoefficient(sigShare.ID, commitments)
	if err != nil {
		return err
	}

	lhs := s.group.NewPoint().ScalarMult(sigShare.Z, s.group.Generator())

	rho := factors[string(sigShare.ID.Bytes())]
	rhs := s.group.NewPoint().ScalarMult(rho, comm.BindingPoint)
	rhs = s.group.NewPoint().Add(comm.HidingPoint, rhs)
	lc := s.group.NewScalar().Mul(lambda, c)
	rhs = s.group.NewPoint().Add(rhs, s.group.NewPoint().ScalarMult(lc, publicShare))

	if !lhs.Equal(rhs) {
		return ErrInvalidShare
	}
	return nil
}

// Aggregate combines signature shares into a final signature. There must
// be exactly one share per commitment.
func (s *Suite) Aggregate(
	message []byte,
	commitments []*SigningCommitment,
	shares []*SignatureShare,
	groupKey group.Point,
) (*Signature, error) {
	if len(shares) == 0 {
		return nil, errors.New("no signature shares provided")
	}
	commitments, err := sortCommitments(commitments)
	if err != nil {
		return nil, err
	}
	if len(shares) != len(commitments) {
		return nil, errors.Errorf("have %d shares for %d commitments", len(shares), len(commitments))
	}

	seen := make(map[string]bool, len(shares))
	z := s.group.NewScalar()
	for _, sh := range shares {
		key := string(sh.ID.Bytes())
		if seen[key] {
			return nil, errors.New("duplicate signature share")
		}
		if findCommitment(commitments, sh.ID) == nil {
			return nil, errors.New("signature share without commitment")
		}
		seen[key] = true
		z = s.group.NewScalar().Add(z, sh.Z)
	}

	R, _ := s.groupCommitment(message, commitments, groupKey)
	return &Signature{R: R, Z: z}, nil
}

// Verify checks a FROST signature.
func (s *Suite) Verify(message []byte, sig *Signature, groupKey group.Point) bool {
	c := s.challenge(sig.R, groupKey, message)

	// z*G == R + c*Y
	lhs := s.group.NewPoint().ScalarMult(sig.Z, s.group.Generator())
	cY := s.group.NewPoint().ScalarMult(c, groupKey)
	rhs := s.group.NewPoint().Add(sig.R, cY)

	return lhs.Equal(rhs)
}

func (s *Suite) challenge(R, groupKey group.Point, message []byte) group.Scalar {
	return s.hasher.H2(s.group, R.Bytes(), groupKey.Bytes(), message)
}

// groupCommitment returns R = sum(D_i + rho_i*E_i) and the binding
// factors keyed by encoded signer ID. commitments must be sorted.
func (s *Suite) groupCommitment(
	message []byte,
	commitments []*SigningCommitment,
	groupKey group.Point,
) (group.Point, map[string]group.Scalar) {
	var list []byte
	for _, c := range commitments {
		list = append(list, EncodeCommitment(c)...)
	}
	msgHash := s.hasher.H4(s.group, message)
	prefix := append(groupKey.Bytes(), s.hasher.H5(s.group, list)...)

	factors := make(map[string]group.Scalar, len(commitments))
	R := s.group.NewPoint()
	for _, c := range commitments {
		id := c.ID.Bytes()
		rho := s.hasher.H1(s.group, msgHash, prefix, id)
		factors[string(id)] = rho

		rhoE := s.group.NewPoint().ScalarMult(rho, c.BindingPoint)
		term := s.group.NewPoint().Add(c.HidingPoint, rhoE)
		R = s.group.NewPoint().Add(R, term)
	}
	return R, factors
}

func (s *Suite) lagrangeCoefficient(id group.Scalar, commitments []*SigningCommitment) (group.Scalar, error) {
	num := s.scalarFromInt(1)
	den := s.scalarFromInt(1)

	for _, c := range commitments {
		if c.ID.Equal(id) {
			continue
		}
		num = s.group.NewScalar().Mul(num, c.ID)
		diff := s.group.NewScalar().Sub(c.ID, id)
		den = s.group.NewScalar().Mul(den, diff)
	}

	denInv, err := s.group.NewScalar().Invert(den)
	if err != nil {
		return nil, errors.Wrap(err, "lagrange coefficient")
	}
	return s.group.NewScalar().Mul(num, denInv), nil
}

// sortCommitments returns a copy ordered by encoded ID. Every party must
// hash the commitment list in the same order.
func sortCommitments(commitments []*SigningCommitment) ([]*SigningCommitment, error) {
	if len(commitments) == 0 {
		return nil, errors.New("no commitments provided")
	}
	sorted := make([]*SigningCommitment, len(commitments))
	copy(sorted, commitments)
	sort.Slice(sorted, func(i, j int) bool {
		return bytes.Compare(sorted[i].ID.Bytes(), sorted[j].ID.Bytes()) < 0
	})
	for i := 1; i < len(sorted); i++ {
		if sorted[i].ID.Equal(sorted[i-1].ID) {
			return nil, errors.New("duplicate signer in commitment list")
		}
	}
	for _, c := range sorted {
		if c.ID.IsZero() {
			return nil, errors.New("zero signer identifier")
		}
	}
	return sorted, nil
}

func findCommitment(commitments []*SigningCommitment, id group.Scalar) *SigningCommitment {
	for _, c := range commitments {
		if c.ID.Equal(id) {
			return c
		}
	}
	return nil
}
