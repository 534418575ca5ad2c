package signer

import (
	"io"

	"github.com/pkg/errors"

	"github.com/f3rmion/frostd/frost"
	"github.com/f3rmion/frostd/group"
)

// Participant manages a single guardian's state throughout DKG and signing
// ceremonies. Create instances using [NewParticipant].
type Participant struct {
	id        int
	frost     *frost.FROST
	group     group.Group
	keyShare  *frost.KeyShare
	dkgState  *frost.Participant
	finalized bool
}

// DKGResult contains the output of a successful DKG ceremony.
type DKGResult struct {
	// KeyShare is this participant's share of the distributed key.
	// Store this securely; it is required for signing.
	KeyShare *frost.KeyShare

	// GroupKey is the combined public key for the threshold group.
	GroupKey group.Point

	// PublicShares maps participant IDs to their public key shares, the
	// values a coordinator uses to check individual signature shares.
	PublicShares map[int]group.Point
}

// Round1Output contains all messages generated during DKG round 1.
type Round1Output struct {
	// Broadcast is the public commitment that must be sent to all participants.
	Broadcast *frost.Round1Data

	// PrivateShares maps recipient participant ID to their private share.
	// Each share must be sent to its recipient over a secure, authenticated channel.
	PrivateShares map[int]*frost.Round1PrivateData
}

// Round1Input contains all messages received during DKG round 1.
type Round1Input struct {
	// Broadcasts contains the public commitments from all participants
	// (including this participant's own broadcast).
	Broadcasts []*frost.Round1Data

	// PrivateShares contains the private shares sent TO this participant
	// from all other participants.
	PrivateShares []*frost.Round1PrivateData
}

// NewParticipant creates a participant using the SHA-256 hasher.
//
// id is this participant's identifier in [1, total]. The returned
// Participant runs one DKG and then any number of signing rounds.
func NewParticipant(g group.Group, threshold, total, id int) (*Participant, error) {
	return NewParticipantWithHasher(g, threshold, total, id, &frost.SHA256Hasher{})
}

// NewParticipantWithHasher creates a participant with a custom hash function.
// The coordinator must be configured with the same hasher.
func NewParticipantWithHasher(g group.Group, threshold, total, id int, hasher frost.Hasher) (*Participant, error) {
	if id < 1 || id > total {
		return nil, errors.Errorf("participant ID must be between 1 and %d, got %d", total, id)
	}

	f, err := frost.NewWithHasher(g, threshold, total, hasher)
	if err != nil {
		return nil, errors.Wrap(err, "create FROST instance")
	}

	return &Participant{
		id:    id,
		frost: f,
		group: g,
	}, nil
}

// ID returns this participant's identifier.
func (p *Participant) ID() int {
	return p.id
}

// KeyShare returns this participant's key share after DKG completion.
// Returns nil if DKG has not been finalized.
func (p *Participant) KeyShare() *frost.KeyShare {
	return p.keyShare
}

// FROST returns the underlying FROST instance.
func (p *Participant) FROST() *frost.FROST {
	return p.frost
}

// GenerateRound1 generates all round 1 DKG messages: a public broadcast of
// polynomial commitments and one private share per other participant.
func (p *Participant) GenerateRound1(rng io.Reader, allParticipantIDs []int) (*Round1Output, error) {
	if p.dkgState != nil || p.finalized {
		return nil, errors.New("round 1 already generated")
	}

	participant, err := p.frost.NewParticipant(rng, p.id)
	if err != nil {
		return nil, errors.Wrap(err, "create DKG participant")
	}
	p.dkgState = participant

	privateShares := make(map[int]*frost.Round1PrivateData)
	for _, recipientID := range allParticipantIDs {
		if recipientID == p.id {
			continue
		}
		privateShares[recipientID] = p.frost.Round1PrivateSend(participant, recipientID)
	}

	return &Round1Output{
		Broadcast:     participant.Round1Broadcast(),
		PrivateShares: privateShares,
	}, nil
}

// ProcessRound1 verifies every received share against its sender's
// commitments and computes the final key share.
//
// The input must contain broadcasts from ALL participants (including this
// one) and private shares from all OTHER participants.
func (p *Participant) ProcessRound1(input *Round1Input) (*DKGResult, error) {
	if p.dkgState == nil {
		return nil, errors.New("must call GenerateRound1 before ProcessRound1")
	}
	if p.finalized {
		return nil, errors.New("DKG already finalized")
	}

	broadcastByID := make(map[string]*frost.Round1Data)
	for _, b := range input.Broadcasts {
		key := string(b.ID.Bytes())
		if _, exists := broadcastByID[key]; exists {
			return nil, errors.New("duplicate broadcast from participant")
		}
		broadcastByID[key] = b
	}

	for _, share := range input.PrivateShares {
		senderBroadcast, ok := broadcastByID[string(share.FromID.Bytes())]
		if !ok {
			return nil, errors.New("missing broadcast from sender of private share")
		}
		if err := p.frost.Round2ReceiveShare(p.dkgState, share, senderBroadcast.Commitments); err != nil {
			return nil, errors.Wrap(err, "invalid share from participant")
		}
	}

	keyShare, err := p.frost.Finalize(p.dkgState, input.Broadcasts)
	if err != nil {
		return nil, errors.Wrap(err, "finalize DKG")
	}

	p.keyShare = keyShare
	p.finalized = true
	p.dkgState = nil

	publicShares := make(map[int]group.Point, p.frost.Total())
	for id := 1; id <= p.frost.Total(); id++ {
		publicShares[id] = p.frost.PublicShare(input.Broadcasts, id)
	}

	return &DKGResult{
		KeyShare:     keyShare,
		GroupKey:     keyShare.GroupKey,
		PublicShares: publicShares,
	}, nil
}

// SetKeyShare restores a previously saved key share.
func (p *Participant) SetKeyShare(ks *frost.KeyShare) {
	p.keyShare = ks
	p.finalized = true
}
