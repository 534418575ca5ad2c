// Package signer is the participant (guardian) side of a coordinated FROST
// ceremony. It wraps the primitives in the [frost] package with state that
// enforces round ordering and one-time nonce use.
//
// # DKG Ceremony
//
// Each guardian runs the same code independently:
//
//	p, err := signer.NewParticipant(group, threshold, total, myID)
//	if err != nil {
//		return err
//	}
//
//	r1, err := p.GenerateRound1(rand.Reader, allIDs)
//	if err != nil {
//		return err
//	}
//
//	// Broadcast r1.Broadcast to all participants.
//	// Send r1.PrivateShares[id] to each participant over a secure channel.
//
//	result, err := p.ProcessRound1(&signer.Round1Input{
//		Broadcasts:    receivedBroadcasts,
//		PrivateShares: receivedShares,
//	})
//
// result.GroupKey and result.PublicShares are public and are what a
// coordinator's key directory needs. result.KeyShare stays with the
// guardian.
//
// # Signing against a coordinator
//
// A coordinator session carries a 32-byte message digest. The guardian
// commits, submits the encoded commitment, waits for the signing round to
// open, then signs once over every commitment the coordinator accepted:
//
//	round, err := p.Commit(rand.Reader, sessionID, digest)
//	// submit round.Commitment() as the nonce commitment
//	// ...
//	share, err := round.Sign(snapshot.NonceCommitments)
//	// submit share as the partial signature
//
// A [SigningRound] signs at most once. A second call returns
// [ErrRoundConsumed] and the nonces are dropped after the first.
//
// # Transport Agnostic
//
// This package does not handle network communication. Moving messages
// between guardians and the coordinator is the caller's job.
package signer
