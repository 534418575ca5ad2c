package frost

import (
	"github.com/pkg/errors"

	"github.com/f3rmion/frostd/group"
)

// ErrMalformed is returned when encoded protocol data cannot be decoded.
var ErrMalformed = errors.New("malformed encoding")

// Wire layouts, all fixed length:
//
//	commitment: ID || D || E
//	share:      ID || Z
//	signature:  R || Z

// EncodeCommitment returns ID || hiding point || binding point.
func EncodeCommitment(c *SigningCommitment) []byte {
	out := append([]byte{}, c.ID.Bytes()...)
	out = append(out, c.HidingPoint.Bytes()...)
	return append(out, c.BindingPoint.Bytes()...)
}

// DecodeCommitment parses a commitment produced by EncodeCommitment.
func (s *Suite) DecodeCommitment(data []byte) (*SigningCommitment, error) {
	sl, pl := s.group.ScalarLen(), s.group.PointLen()
	if len(data) != sl+2*pl {
		return nil, errors.Wrapf(ErrMalformed, "commitment length %d", len(data))
	}
	id, err := s.parseID(data[:sl])
	if err != nil {
		return nil, err
	}
	d, err := s.group.ParsePoint(data[sl : sl+pl])
	if err != nil {
		return nil, errors.Wrap(ErrMalformed, "hiding point")
	}
	e, err := s.group.ParsePoint(data[sl+pl:])
	if err != nil {
		return nil, errors.Wrap(ErrMalformed, "binding point")
	}
	return &SigningCommitment{ID: id, HidingPoint: d, BindingPoint: e}, nil
}

// EncodeShare returns ID || Z.
func EncodeShare(sh *SignatureShare) []byte {
	return append(append([]byte{}, sh.ID.Bytes()...), sh.Z.Bytes()...)
}

// DecodeShare parses a share produced by EncodeShare.
func (s *Suite) DecodeShare(data []byte) (*SignatureShare, error) {
	sl := s.group.ScalarLen()
	if len(data) != 2*sl {
		return nil, errors.Wrapf(ErrMalformed, "share length %d", len(data))
	}
	id, err := s.parseID(data[:sl])
	if err != nil {
		return nil, err
	}
	z, err := s.group.ParseScalar(data[sl:])
	if err != nil {
		return nil, errors.Wrap(ErrMalformed, "share scalar")
	}
	return &SignatureShare{ID: id, Z: z}, nil
}

// EncodeSignature returns R || Z.
func EncodeSignature(sig *Signature) []byte {
	return append(append([]byte{}, sig.R.Bytes()...), sig.Z.Bytes()...)
}

// DecodeSignature parses a signature produced by EncodeSignature.
func (s *Suite) DecodeSignature(data []byte) (*Signature, error) {
	pl := s.group.PointLen()
	if len(data) != pl+s.group.ScalarLen() {
		return nil, errors.Wrapf(ErrMalformed, "signature length %d", len(data))
	}
	R, err := s.group.ParsePoint(data[:pl])
	if err != nil {
		return nil, errors.Wrap(ErrMalformed, "signature point")
	}
	z, err := s.group.ParseScalar(data[pl:])
	if err != nil {
		return nil, errors.Wrap(ErrMalformed, "signature scalar")
	}
	return &Signature{R: R, Z: z}, nil
}

// DecodePoint parses a public key or key share.
func (s *Suite) DecodePoint(data []byte) (group.Point, error) {
	p, err := s.group.ParsePoint(data)
	if err != nil {
		return nil, errors.Wrap(ErrMalformed, err.Error())
	}
	return p, nil
}

// Identifier returns the signer identifier scalar for index n.
func (s *Suite) Identifier(n uint64) group.Scalar {
	return group.ScalarFromUint64(s.group, n)
}

func (s *Suite) parseID(data []byte) (group.Scalar, error) {
	id, err := s.group.ParseScalar(data)
	if err != nil || id.IsZero() {
		return nil, errors.Wrap(ErrMalformed, "signer identifier")
	}
	return id, nil
}
