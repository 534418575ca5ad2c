// Package bjj provides a Baby Jubjub elliptic curve implementation of the
// [group.Group] interface for use with FROST threshold signatures.
//
// Baby Jubjub is a twisted Edwards curve defined over the scalar field of
// BN254 (also known as alt_bn128). It is commonly used in zero-knowledge
// proof systems and privacy-preserving applications.
//
// This package wraps the Baby Jubjub implementation from gnark-crypto,
// providing a clean interface that satisfies [group.Group], [group.Scalar],
// and [group.Point].
//
// # Curve Parameters
//
// Baby Jubjub is defined by the equation:
//
//	a*x^2 + y^2 = 1 + d*x^2*y^2
//
// where a = 168700 and d = 168696 over the BN254 scalar field.
//
// The curve has a prime-order subgroup of size:
//
//	2736030358979909402780800718157159386076813972158567259200215660948447373041
//
// # Usage
//
// Create a BJJ group and use it with FROST:
//
//	g := &bjj.BJJ{}
//	suite := frost.NewSuite(g, frost.NewBlake2bHasher())
//
// The BJJ type implements [group.Group] and can be used anywhere a Group
// is required.
//
// # Decoding
//
// [BJJ.ParsePoint] is the only decoder that should see bytes from other
// parties. It requires the canonical 32-byte compressed form and rejects
// the identity and any point of small order (the curve has cofactor 8).
// [BJJ.ParseScalar] rejects scalars that are not fully reduced.
package bjj
