// Package group defines the prime-order group abstraction the signing
// stack is written against.
//
// Three interfaces cover the arithmetic FROST needs:
//
//   - [Scalar]: integers modulo the group order
//   - [Point]: group elements
//   - [Group]: the factory, generator, hashing and strict wire decoding
//
// Arithmetic uses a mutable receiver: the receiver is set to the result
// and returned, so expressions chain without extra allocations:
//
//	// a + b*c
//	r := g.NewScalar().Mul(b, c)
//	r = g.NewScalar().Add(a, r)
//
// Bytes that arrive from other parties must go through [Group.ParseScalar]
// and [Group.ParsePoint]. Unlike SetBytes, those reject non-canonical
// encodings, the identity point and points outside the prime-order
// subgroup, so two distinct byte strings never decode to the same value.
// The coordinator relies on that when it treats a commitment's bytes as
// its identity.
package group
