package group

import (
	"io"

	"github.com/pkg/errors"
)

// ErrInvalidEncoding is returned by strict decoders for any byte string
// that is not the canonical encoding of a valid element.
var ErrInvalidEncoding = errors.New("invalid group element encoding")

// Scalar is an element of the scalar field, an integer modulo the group
// order. Arithmetic methods set the receiver and return it.
type Scalar interface {
	// Add sets the receiver to a+b and returns it.
	Add(a, b Scalar) Scalar
	// Sub sets the receiver to a-b and returns it.
	Sub(a, b Scalar) Scalar
	// Mul sets the receiver to a*b and returns it.
	Mul(a, b Scalar) Scalar
	// Negate sets the receiver to -a and returns it.
	Negate(a Scalar) Scalar
	// Invert sets the receiver to a^{-1} and returns it.
	// Returns an error if a is zero.
	Invert(a Scalar) (Scalar, error)
	// Set sets the receiver to a and returns it.
	Set(a Scalar) Scalar
	// Bytes returns the fixed-length canonical encoding.
	Bytes() []byte
	// SetBytes sets the receiver from big-endian bytes, reducing modulo
	// the order. Use Group.ParseScalar for untrusted input.
	SetBytes(data []byte) (Scalar, error)
	// Equal reports whether the receiver equals b.
	Equal(b Scalar) bool
	// IsZero reports whether the receiver is zero.
	IsZero() bool
}

// Point is a group element. Like [Scalar], arithmetic methods set the
// receiver and return it.
type Point interface {
	// Add sets the receiver to a+b and returns it.
	Add(a, b Point) Point
	// Sub sets the receiver to a-b and returns it.
	Sub(a, b Point) Point
	// Negate sets the receiver to -a and returns it.
	Negate(a Point) Point
	// ScalarMult sets the receiver to s*p and returns it.
	ScalarMult(s Scalar, p Point) Point
	// Set sets the receiver to a and returns it.
	Set(a Point) Point
	// Bytes returns the fixed-length compressed encoding.
	Bytes() []byte
	// SetBytes sets the receiver from a compressed encoding.
	SetBytes(data []byte) (Point, error)
	// Equal reports whether the receiver equals b.
	Equal(b Point) bool
	// IsIdentity reports whether the receiver is the identity element.
	IsIdentity() bool
}

// Group is a prime-order group usable for FROST.
type Group interface {
	// Name identifies the group in logs and configuration.
	Name() string
	// NewScalar returns a new zero scalar.
	NewScalar() Scalar
	// NewPoint returns a new identity point.
	NewPoint() Point
	// Generator returns the group's base point.
	Generator() Point
	// RandomScalar returns a uniformly random non-zero scalar.
	RandomScalar(r io.Reader) (Scalar, error)
	// HashToScalar hashes the input data to a scalar.
	HashToScalar(data ...[]byte) (Scalar, error)
	// Order returns the group order as big-endian bytes.
	Order() []byte
	// ScalarLen is the length of an encoded scalar.
	ScalarLen() int
	// PointLen is the length of an encoded point.
	PointLen() int
	// ParseScalar decodes a canonical scalar encoding. Values not below
	// the group order are rejected.
	ParseScalar(data []byte) (Scalar, error)
	// ParsePoint decodes a canonical point encoding. The identity and
	// points outside the prime-order subgroup are rejected.
	ParsePoint(data []byte) (Point, error)
}

// ScalarFromUint64 returns n as a scalar of g.
func ScalarFromUint64(g Group, n uint64) Scalar {
	buf := make([]byte, g.ScalarLen())
	for i := len(buf) - 1; i >= 0 && n > 0; i-- {
		buf[i] = byte(n)
		n >>= 8
	}
	s, _ := g.NewScalar().SetBytes(buf)
	return s
}
