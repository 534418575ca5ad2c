package session

import "github.com/pkg/errors"

// Status is the lifecycle state of a signing session.
type Status string

const (
	StatusPending         Status = "pending"
	StatusNonceCollection Status = "nonce_collection"
	StatusSigning         Status = "signing"
	StatusAggregating     Status = "aggregating"
	StatusCompleted       Status = "completed"
	StatusFailed          Status = "failed"
	StatusExpired         Status = "expired"
)

// transitions lists every legal move. Terminal states have none, and no
// entry points back to an earlier state. pending -> signing is taken when
// the first commitment already meets the quorum, e.g. a threshold of one.
var transitions = map[Status][]Status{
	StatusPending:         {StatusNonceCollection, StatusSigning, StatusFailed, StatusExpired},
	StatusNonceCollection: {StatusSigning, StatusFailed, StatusExpired},
	StatusSigning:         {StatusAggregating, StatusFailed, StatusExpired},
	StatusAggregating:     {StatusCompleted, StatusFailed, StatusExpired},
	StatusCompleted:       nil,
	StatusFailed:          nil,
	StatusExpired:         nil,
}

// TerminalStatuses are the states from which no transition is legal.
var TerminalStatuses = []Status{StatusCompleted, StatusFailed, StatusExpired}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	_, ok := transitions[s]
	return ok
}

// Terminal reports whether s is completed, failed or expired.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusExpired
}

// AcceptsCommitments reports whether nonce commitments may be submitted.
func (s Status) AcceptsCommitments() bool {
	return s == StatusPending || s == StatusNonceCollection
}

// CanTransition reports whether from -> to is legal.
func CanTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// ParseStatus converts a stored string to a Status.
func ParseStatus(s string) (Status, error) {
	st := Status(s)
	if !st.Valid() {
		return "", errors.Errorf("unknown session status %q", s)
	}
	return st, nil
}

// QuorumPolicy decides how many nonce commitments open the signing round.
type QuorumPolicy string

const (
	// QuorumThreshold opens signing once threshold commitments exist.
	QuorumThreshold QuorumPolicy = "threshold"
	// QuorumAll waits for a commitment from every participant.
	QuorumAll QuorumPolicy = "all"
)

// Valid reports whether p is a known policy.
func (p QuorumPolicy) Valid() bool {
	return p == QuorumThreshold || p == QuorumAll
}

// Required returns the number of commitments needed for a session with
// the given threshold and participant count.
func (p QuorumPolicy) Required(threshold, participants int) int {
	if p == QuorumAll {
		return participants
	}
	return threshold
}

// ParseQuorumPolicy converts a configured string to a QuorumPolicy. The
// empty string selects QuorumThreshold.
func ParseQuorumPolicy(s string) (QuorumPolicy, error) {
	if s == "" {
		return QuorumThreshold, nil
	}
	p := QuorumPolicy(s)
	if !p.Valid() {
		return "", errors.Errorf("unknown quorum policy %q", s)
	}
	return p, nil
}
