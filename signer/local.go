package signer

import (
	"io"

	"github.com/pkg/errors"

	"github.com/f3rmion/frostd/frost"
	"github.com/f3rmion/frostd/group"
)

// Group is the output of a DKG ceremony run in one process.
type Group struct {
	Participants []*Participant
	GroupKey     group.Point
	PublicShares map[int]group.Point
}

// RunLocalDKG runs a complete DKG ceremony in process, for demos and tests
// where every guardian is local. Distributed deployments run the rounds on
// each guardian instead.
func RunLocalDKG(rng io.Reader, g group.Group, hasher frost.Hasher, threshold, total int) (*Group, error) {
	ids := make([]int, total)
	participants := make([]*Participant, total)
	for i := range participants {
		ids[i] = i + 1
		p, err := NewParticipantWithHasher(g, threshold, total, i+1, hasher)
		if err != nil {
			return nil, err
		}
		participants[i] = p
	}

	outputs := make([]*Round1Output, total)
	broadcasts := make([]*frost.Round1Data, total)
	for i, p := range participants {
		r1, err := p.GenerateRound1(rng, ids)
		if err != nil {
			return nil, errors.Wrapf(err, "participant %d round 1", p.ID())
		}
		outputs[i] = r1
		broadcasts[i] = r1.Broadcast
	}

	var result *DKGResult
	for i, p := range participants {
		var shares []*frost.Round1PrivateData
		for j, r1 := range outputs {
			if i == j {
				continue
			}
			shares = append(shares, r1.PrivateShares[p.ID()])
		}
		res, err := p.ProcessRound1(&Round1Input{Broadcasts: broadcasts, PrivateShares: shares})
		if err != nil {
			return nil, errors.Wrapf(err, "participant %d round 2", p.ID())
		}
		if result != nil && !res.GroupKey.Equal(result.GroupKey) {
			return nil, errors.New("participants derived different group keys")
		}
		result = res
	}

	return &Group{
		Participants: participants,
		GroupKey:     result.GroupKey,
		PublicShares: result.PublicShares,
	}, nil
}
