package coordinator

import (
	"context"
	"crypto/rand"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/f3rmion/frostd/publisher"
	"github.com/f3rmion/frostd/session"
	"github.com/f3rmion/frostd/sigerr"
	"github.com/f3rmion/frostd/signer"
)

func TestNewValidatesConfig(t *testing.T) {
	_, err := New(Config{})
	assert.Error(t, err)

	e := setup(t, nil)
	_, err = New(Config{
		Sessions:     e.sessions,
		Ledger:       e.ledger,
		Aggregator:   &mockAggregator{},
		QuorumPolicy: "most",
	})
	assert.Error(t, err)

	_, err = New(Config{
		Sessions:   e.sessions,
		Ledger:     e.ledger,
		Aggregator: &mockAggregator{},
		DefaultTTL: 2 * time.Hour,
		MaxTTL:     time.Hour,
	})
	assert.Error(t, err)
}

// Three guardians, threshold two: two commitments open signing, two
// shares produce a signature valid under the group key.
func TestScenarioHappyPath(t *testing.T) {
	e := setup(t, nil)
	ctx := context.Background()

	sid := e.create(t, 2, 600*time.Second)
	assert.True(t, strings.HasPrefix(sid, "session-"))

	snap, err := e.coord.GetSession(ctx, sid)
	require.NoError(t, err)
	assert.Equal(t, session.StatusPending, snap.Status)
	assert.Equal(t, t0.Add(600*time.Second), snap.ExpiresAt)

	r1, err := e.grp.Participants[0].Commit(rand.Reader, sid, snap.MessageDigest)
	require.NoError(t, err)
	st, err := e.coord.SubmitNonceCommitment(ctx, sid, "guardian-1", r1.Commitment())
	require.NoError(t, err)
	assert.Equal(t, session.StatusNonceCollection, st)

	r2, err := e.grp.Participants[1].Commit(rand.Reader, sid, snap.MessageDigest)
	require.NoError(t, err)
	st, err = e.coord.SubmitNonceCommitment(ctx, sid, "guardian-2", r2.Commitment())
	require.NoError(t, err)
	assert.Equal(t, session.StatusSigning, st)

	e.sign(t, sid, map[int]*signer.SigningRound{1: r1, 2: r2})

	snap, err = e.coord.GetSession(ctx, sid)
	require.NoError(t, err)
	assert.True(t, snap.ReadyToAggregate)

	done, err := e.coord.Aggregate(ctx, sid)
	require.NoError(t, err)
	assert.Equal(t, session.StatusCompleted, done.Status)
	require.NotNil(t, done.CompletedAt)
	assert.Empty(t, done.Error)

	sig, err := e.suite.DecodeSignature(done.FinalSignature)
	require.NoError(t, err)
	assert.True(t, e.suite.Verify(done.MessageDigest, sig, e.grp.GroupKey))

	e.pub.AssertNumberOfCalls(t, "Publish", 1)
	ev := e.pub.Calls[0].Arguments.Get(1).(publisher.Event)
	assert.Equal(t, sid, ev.SessionID)
	assert.Equal(t, keyID, ev.KeyID)

	for _, p := range []string{"guardian-1", "guardian-2"} {
		rec, err := e.ledger.Lookup(ctx, sid, p)
		require.NoError(t, err)
		assert.True(t, rec.Used)
	}
}

// A commitment reserved by one session is rejected in another; the
// first session is unaffected.
func TestScenarioCrossSessionNonceReuse(t *testing.T) {
	e := setup(t, nil)
	ctx := context.Background()

	s1 := e.create(t, 2, time.Minute)
	s2 := e.create(t, 2, time.Minute)

	rounds := e.commit(t, s1, 1)
	x := rounds[1].Commitment()

	_, err := e.coord.SubmitNonceCommitment(ctx, s2, "guardian-1", x)
	require.ErrorIs(t, err, sigerr.ErrNonceReuse)
	assert.Equal(t, sigerr.SeverityCritical, sigerr.SeverityOf(err))
	assert.NotContains(t, err.Error(), fmt.Sprintf("%x", x))

	var serr *sigerr.Error
	require.ErrorAs(t, err, &serr)
	assert.Equal(t, s1, serr.Context["owner_session_id"])

	snap1, err := e.coord.GetSession(ctx, s1)
	require.NoError(t, err)
	assert.Equal(t, session.StatusNonceCollection, snap1.Status)
	assert.Equal(t, x, snap1.NonceCommitments["guardian-1"])

	snap2, err := e.coord.GetSession(ctx, s2)
	require.NoError(t, err)
	assert.Equal(t, session.StatusPending, snap2.Status)
	assert.Empty(t, snap2.NonceCommitments)

	require.NoError(t, testutil.GatherAndCompare(e.reg, strings.NewReader(`
# HELP frostd_nonce_reuse_detected_total Nonce commitments rejected as reused.
# TYPE frostd_nonce_reuse_detected_total counter
frostd_nonce_reuse_detected_total 1
`), "frostd_nonce_reuse_detected_total"))
}

// A submission after expiry is rejected even before the sweeper runs.
func TestScenarioExpiredSubmission(t *testing.T) {
	e := setup(t, nil)
	ctx := context.Background()

	sid := e.create(t, 2, time.Second)
	snap, err := e.coord.GetSession(ctx, sid)
	require.NoError(t, err)
	r, err := e.grp.Participants[0].Commit(rand.Reader, sid, snap.MessageDigest)
	require.NoError(t, err)

	e.clock.Advance(2 * time.Second)

	snap, err = e.coord.GetSession(ctx, sid)
	require.NoError(t, err)
	assert.Equal(t, session.StatusPending, snap.Status, "reads never write")
	assert.Equal(t, session.StatusExpired, snap.EffectiveStatus)

	_, err = e.coord.SubmitNonceCommitment(ctx, sid, "guardian-1", r.Commitment())
	require.ErrorIs(t, err, sigerr.ErrExpiredSession)

	stored, err := e.sessions.Get(ctx, sid)
	require.NoError(t, err)
	assert.Equal(t, session.StatusExpired, stored.Status)
	assert.NotNil(t, stored.FinishedAt)

	_, err = e.coord.SubmitPartialSignature(ctx, sid, "guardian-1", []byte{1})
	assert.ErrorIs(t, err, sigerr.ErrExpiredSession)
}

// Concurrent claims on one ready session: exactly one wins.
func TestScenarioAggregationRace(t *testing.T) {
	e := setup(t, nil)
	ctx := context.Background()

	sid := e.create(t, 2, time.Minute)
	e.sign(t, sid, e.commit(t, sid, 1, 3))

	const callers = 8
	var (
		wg    sync.WaitGroup
		wins  atomic.Int32
		lost  atomic.Int32
		start = make(chan struct{})
	)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			won, err := e.coord.TransitionToAggregating(ctx, sid)
			if won {
				assert.NoError(t, err)
				wins.Add(1)
				snap, err := e.coord.CompleteAggregation(ctx, sid)
				if assert.NoError(t, err) {
					assert.Equal(t, session.StatusCompleted, snap.Status)
				}
				return
			}
			assert.ErrorIs(t, err, sigerr.ErrAggregationRaceLost)
			assert.False(t, sigerr.IsFailure(err))
			lost.Add(1)
		}()
	}
	close(start)
	wg.Wait()

	assert.Equal(t, int32(1), wins.Load())
	assert.Equal(t, int32(callers-1), lost.Load())

	done, err := e.sessions.Get(ctx, sid)
	require.NoError(t, err)
	assert.Equal(t, session.StatusCompleted, done.Status)
	sig, err := e.suite.DecodeSignature(done.FinalSignature)
	require.NoError(t, err)
	assert.True(t, e.suite.Verify(done.MessageDigest, sig, e.grp.GroupKey))
	e.pub.AssertNumberOfCalls(t, "Publish", 1)

	// A loser that tries to finish anyway changes nothing.
	_, err = e.coord.CompleteAggregation(ctx, sid)
	assert.ErrorIs(t, err, sigerr.ErrAggregationRaceLost)
	after, err := e.sessions.Get(ctx, sid)
	require.NoError(t, err)
	assert.Equal(t, done.Version, after.Version)
	assert.Equal(t, done.FinalSignature, after.FinalSignature)
	require.NotNil(t, after.FinishedAt)
	assert.True(t, done.FinishedAt.Equal(*after.FinishedAt))
	e.pub.AssertNumberOfCalls(t, "Publish", 1)
}

func TestCompleteAggregationRequiresClaim(t *testing.T) {
	e := setup(t, nil)
	ctx := context.Background()

	sid := e.create(t, 2, time.Minute)
	e.sign(t, sid, e.commit(t, sid, 1, 2))

	_, err := e.coord.CompleteAggregation(ctx, sid)
	assert.ErrorIs(t, err, sigerr.ErrValidation)
	stored, err := e.sessions.Get(ctx, sid)
	require.NoError(t, err)
	assert.Equal(t, session.StatusSigning, stored.Status)
	assert.Empty(t, stored.FinalSignature)

	won, err := e.coord.TransitionToAggregating(ctx, sid)
	require.NoError(t, err)
	require.True(t, won)

	snap, err := e.coord.CompleteAggregation(ctx, sid)
	require.NoError(t, err)
	assert.Equal(t, session.StatusCompleted, snap.Status)
	assert.NotEmpty(t, snap.FinalSignature)

	t.Run("ExpiredClaim", func(t *testing.T) {
		sid := e.create(t, 2, time.Minute)
		e.sign(t, sid, e.commit(t, sid, 2, 3))
		won, err := e.coord.TransitionToAggregating(ctx, sid)
		require.NoError(t, err)
		require.True(t, won)

		e.clock.Advance(2 * time.Minute)
		_, err = e.coord.CompleteAggregation(ctx, sid)
		assert.ErrorIs(t, err, sigerr.ErrExpiredSession)
		stored, err := e.sessions.Get(ctx, sid)
		require.NoError(t, err)
		assert.Equal(t, session.StatusExpired, stored.Status)
	})
}

func TestConcurrentAggregateCompletesOnce(t *testing.T) {
	e := setup(t, nil)
	ctx := context.Background()

	sid := e.create(t, 2, time.Minute)
	e.sign(t, sid, e.commit(t, sid, 2, 3))

	var (
		wg       sync.WaitGroup
		finished atomic.Int32
	)
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			snap, err := e.coord.Aggregate(ctx, sid)
			if err != nil {
				assert.ErrorIs(t, err, sigerr.ErrAggregationRaceLost)
				return
			}
			assert.Equal(t, session.StatusCompleted, snap.Status)
			finished.Add(1)
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), finished.Load())
	e.pub.AssertNumberOfCalls(t, "Publish", 1)
}

func TestTransitionNotReady(t *testing.T) {
	e := setup(t, nil)
	ctx := context.Background()

	sid := e.create(t, 2, time.Minute)
	_, err := e.coord.TransitionToAggregating(ctx, sid)
	assert.ErrorIs(t, err, sigerr.ErrValidation)

	rounds := e.commit(t, sid, 1, 2)
	delete(rounds, 2)
	e.sign(t, sid, rounds)

	won, err := e.coord.TransitionToAggregating(ctx, sid)
	assert.False(t, won)
	assert.ErrorIs(t, err, sigerr.ErrValidation)

	_, err = e.coord.TransitionToAggregating(ctx, "session-missing")
	assert.ErrorIs(t, err, sigerr.ErrNotFound)
}

func TestCommitmentValidation(t *testing.T) {
	e := setup(t, nil)
	ctx := context.Background()
	sid := e.create(t, 2, time.Minute)
	snap, err := e.coord.GetSession(ctx, sid)
	require.NoError(t, err)

	r1, err := e.grp.Participants[0].Commit(rand.Reader, sid, snap.MessageDigest)
	require.NoError(t, err)

	t.Run("UnknownParticipant", func(t *testing.T) {
		_, err := e.coord.SubmitNonceCommitment(ctx, sid, "mallory", r1.Commitment())
		assert.ErrorIs(t, err, sigerr.ErrValidation)
	})

	t.Run("Malformed", func(t *testing.T) {
		_, err := e.coord.SubmitNonceCommitment(ctx, sid, "guardian-1", []byte("not a commitment"))
		assert.ErrorIs(t, err, sigerr.ErrValidation)
	})

	t.Run("ForeignIdentifier", func(t *testing.T) {
		_, err := e.coord.SubmitNonceCommitment(ctx, sid, "guardian-2", r1.Commitment())
		assert.ErrorIs(t, err, sigerr.ErrValidation)
	})

	t.Run("Duplicate", func(t *testing.T) {
		_, err := e.coord.SubmitNonceCommitment(ctx, sid, "guardian-1", r1.Commitment())
		require.NoError(t, err)

		_, err = e.coord.SubmitNonceCommitment(ctx, sid, "guardian-1", r1.Commitment())
		assert.ErrorIs(t, err, sigerr.ErrValidation, "redelivery is rejected")

		other, err := e.grp.Participants[0].Commit(rand.Reader, sid, snap.MessageDigest)
		require.NoError(t, err)
		_, err = e.coord.SubmitNonceCommitment(ctx, sid, "guardian-1", other.Commitment())
		assert.ErrorIs(t, err, sigerr.ErrValidation, "no silent overwrite")
	})

	t.Run("ClosedAfterSigningOpens", func(t *testing.T) {
		e.commit(t, sid, 2)
		r3, err := e.grp.Participants[2].Commit(rand.Reader, sid, snap.MessageDigest)
		require.NoError(t, err)
		_, err = e.coord.SubmitNonceCommitment(ctx, sid, "guardian-3", r3.Commitment())
		assert.ErrorIs(t, err, sigerr.ErrValidation)

		_, err = e.ledger.Lookup(ctx, sid, "guardian-3")
		assert.Error(t, err, "a rejected commitment is not reserved")
	})

	t.Run("UnknownSession", func(t *testing.T) {
		_, err := e.coord.SubmitNonceCommitment(ctx, "session-missing", "guardian-1", r1.Commitment())
		assert.ErrorIs(t, err, sigerr.ErrNotFound)
	})
}

func TestPartialSignatureValidation(t *testing.T) {
	e := setup(t, nil)
	ctx := context.Background()
	sid := e.create(t, 2, time.Minute)

	rounds := e.commit(t, sid, 1)
	_, err := e.coord.SubmitPartialSignature(ctx, sid, "guardian-1", make([]byte, 64))
	assert.ErrorIs(t, err, sigerr.ErrValidation, "not signing yet")

	rounds[2] = e.commit(t, sid, 2)[2]
	snap, err := e.coord.GetSession(ctx, sid)
	require.NoError(t, err)
	share1, err := rounds[1].Sign(snap.NonceCommitments)
	require.NoError(t, err)

	_, err = e.coord.SubmitPartialSignature(ctx, sid, "guardian-3", share1)
	assert.ErrorIs(t, err, sigerr.ErrValidation, "no commitment from guardian-3")

	_, err = e.coord.SubmitPartialSignature(ctx, sid, "guardian-2", share1)
	assert.ErrorIs(t, err, sigerr.ErrValidation, "identifier mismatch")

	_, err = e.coord.SubmitPartialSignature(ctx, sid, "guardian-1", []byte{1, 2, 3})
	assert.ErrorIs(t, err, sigerr.ErrValidation)

	st, err := e.coord.SubmitPartialSignature(ctx, sid, "guardian-1", share1)
	require.NoError(t, err)
	assert.Equal(t, session.StatusSigning, st)

	_, err = e.coord.SubmitPartialSignature(ctx, sid, "guardian-1", share1)
	assert.ErrorIs(t, err, sigerr.ErrValidation, "duplicate")
}

func TestQuorumPolicies(t *testing.T) {
	t.Run("All", func(t *testing.T) {
		e := setup(t, nil, func(c *Config) { c.QuorumPolicy = session.QuorumAll })
		sid := e.create(t, 2, time.Minute)
		e.commit(t, sid, 1, 2)

		snap, err := e.coord.GetSession(context.Background(), sid)
		require.NoError(t, err)
		assert.Equal(t, session.StatusNonceCollection, snap.Status)
		assert.Equal(t, 3, snap.RequiredCommitments)

		rounds := e.commit(t, sid, 3)
		snap, err = e.coord.GetSession(context.Background(), sid)
		require.NoError(t, err)
		assert.Equal(t, session.StatusSigning, snap.Status)
		assert.NotEmpty(t, rounds)
	})

	t.Run("PerSessionOverride", func(t *testing.T) {
		e := setup(t, nil, func(c *Config) { c.QuorumPolicy = session.QuorumAll })
		sid, err := e.coord.CreateSession(context.Background(), CreateSessionRequest{
			Initiator:     "ops",
			KeyID:         keyID,
			Participants:  allGuardians,
			Threshold:     2,
			MessageDigest: digest("m"),
			QuorumPolicy:  session.QuorumThreshold,
		})
		require.NoError(t, err)
		e.commit(t, sid, 1, 3)

		snap, err := e.coord.GetSession(context.Background(), sid)
		require.NoError(t, err)
		assert.Equal(t, session.StatusSigning, snap.Status)
	})

	t.Run("FirstCommitmentMeetsQuorum", func(t *testing.T) {
		e := setup(t, nil)
		sid, err := e.coord.CreateSession(context.Background(), CreateSessionRequest{
			Initiator:     "ops",
			KeyID:         keyID,
			Participants:  []string{"guardian-1", "guardian-2"},
			Threshold:     1,
			MessageDigest: digest("m"),
		})
		require.NoError(t, err)
		e.commit(t, sid, 1)

		snap, err := e.coord.GetSession(context.Background(), sid)
		require.NoError(t, err)
		assert.Equal(t, session.StatusSigning, snap.Status)
	})
}

// Concurrent commitments all land through version-conflict retries.
func TestConcurrentCommitments(t *testing.T) {
	e := setup(t, nil, func(c *Config) { c.QuorumPolicy = session.QuorumAll })
	ctx := context.Background()
	sid := e.create(t, 2, time.Minute)
	snap, err := e.coord.GetSession(ctx, sid)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i, p := range e.grp.Participants {
		r, err := p.Commit(rand.Reader, sid, snap.MessageDigest)
		require.NoError(t, err)
		wg.Add(1)
		go func(pid string, c []byte) {
			defer wg.Done()
			_, err := e.coord.SubmitNonceCommitment(ctx, sid, pid, c)
			assert.NoError(t, err)
		}(name(i+1), r.Commitment())
	}
	wg.Wait()

	snap, err = e.coord.GetSession(ctx, sid)
	require.NoError(t, err)
	assert.Equal(t, session.StatusSigning, snap.Status)
	assert.Len(t, snap.NonceCommitments, 3)
	assert.Equal(t, int64(4), snap.Version)
}

// A reservation whose session write never happened is completed by the
// redelivered request instead of being rejected.
func TestRecoversInterruptedCommitment(t *testing.T) {
	e := setup(t, nil)
	ctx := context.Background()
	sid := e.create(t, 2, time.Minute)
	snap, err := e.coord.GetSession(ctx, sid)
	require.NoError(t, err)

	r, err := e.grp.Participants[0].Commit(rand.Reader, sid, snap.MessageDigest)
	require.NoError(t, err)
	require.NoError(t, e.ledger.Reserve(ctx, sid, "guardian-1", r.Commitment(), t0))

	st, err := e.coord.SubmitNonceCommitment(ctx, sid, "guardian-1", r.Commitment())
	require.NoError(t, err)
	assert.Equal(t, session.StatusNonceCollection, st)

	// A different value than the one reserved stays rejected.
	other, err := e.grp.Participants[1].Commit(rand.Reader, sid, snap.MessageDigest)
	require.NoError(t, err)
	require.NoError(t, e.ledger.Reserve(ctx, sid, "guardian-2", other.Commitment(), t0))
	fresh, err := e.grp.Participants[1].Commit(rand.Reader, sid, snap.MessageDigest)
	require.NoError(t, err)
	_, err = e.coord.SubmitNonceCommitment(ctx, sid, "guardian-2", fresh.Commitment())
	assert.ErrorIs(t, err, sigerr.ErrValidation)
}

func TestCreateSession(t *testing.T) {
	e := setup(t, nil)
	ctx := context.Background()

	base := CreateSessionRequest{
		Initiator:     "ops",
		KeyID:         keyID,
		Participants:  allGuardians,
		Threshold:     2,
		MessageDigest: digest("m"),
	}

	cases := []struct {
		name   string
		mutate func(*CreateSessionRequest)
	}{
		{"ThresholdZero", func(r *CreateSessionRequest) { r.Threshold = 0 }},
		{"ThresholdTooHigh", func(r *CreateSessionRequest) { r.Threshold = 4 }},
		{"DuplicateParticipant", func(r *CreateSessionRequest) { r.Participants = []string{"a", "b", "a"} }},
		{"NoParticipants", func(r *CreateSessionRequest) { r.Participants = nil }},
		{"BlankParticipant", func(r *CreateSessionRequest) { r.Participants = []string{"a", ""} }},
		{"ShortDigest", func(r *CreateSessionRequest) { r.MessageDigest = []byte{1} }},
		{"NoInitiator", func(r *CreateSessionRequest) { r.Initiator = "" }},
		{"UnknownKey", func(r *CreateSessionRequest) { r.KeyID = "cold" }},
		{"NegativeTTL", func(r *CreateSessionRequest) { r.TTL = -time.Second }},
		{"BadPolicy", func(r *CreateSessionRequest) { r.QuorumPolicy = "most" }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := base
			tc.mutate(&req)
			_, err := e.coord.CreateSession(ctx, req)
			assert.ErrorIs(t, err, sigerr.ErrValidation)
		})
	}

	t.Run("DefaultTTL", func(t *testing.T) {
		sid, err := e.coord.CreateSession(ctx, base)
		require.NoError(t, err)
		snap, err := e.coord.GetSession(ctx, sid)
		require.NoError(t, err)
		assert.Equal(t, t0.Add(DefaultTTL), snap.ExpiresAt)
		assert.Equal(t, session.QuorumThreshold, snap.QuorumPolicy)
	})

	t.Run("TTLCapped", func(t *testing.T) {
		req := base
		req.TTL = 72 * time.Hour
		sid, err := e.coord.CreateSession(ctx, req)
		require.NoError(t, err)
		snap, err := e.coord.GetSession(ctx, sid)
		require.NoError(t, err)
		assert.Equal(t, t0.Add(DefaultMaxTTL), snap.ExpiresAt)
	})

	t.Run("RequestKeyIsIdempotent", func(t *testing.T) {
		req := base
		req.RequestKey = "req-42"
		first, err := e.coord.CreateSession(ctx, req)
		require.NoError(t, err)
		second, err := e.coord.CreateSession(ctx, req)
		require.NoError(t, err)
		assert.Equal(t, first, second)
	})
}

func TestAbort(t *testing.T) {
	e := setup(t, nil)
	ctx := context.Background()
	sid := e.create(t, 2, time.Minute)
	e.commit(t, sid, 1)

	err := e.coord.Abort(ctx, sid, "someone-else", "no")
	assert.ErrorIs(t, err, sigerr.ErrValidation)

	require.NoError(t, e.coord.Abort(ctx, sid, "treasury-ops", "wrong amount"))

	snap, err := e.coord.GetSession(ctx, sid)
	require.NoError(t, err)
	assert.Equal(t, session.StatusFailed, snap.Status)
	assert.Equal(t, "aborted by initiator: wrong amount", snap.Error)
	assert.NotNil(t, snap.FailedAt)

	err = e.coord.Abort(ctx, sid, "treasury-ops", "")
	assert.ErrorIs(t, err, sigerr.ErrExpiredSession)
}

func TestTerminalSessionRejectsWrites(t *testing.T) {
	e := setup(t, nil)
	ctx := context.Background()
	sid := e.create(t, 2, time.Minute)
	rounds := e.commit(t, sid, 1, 2)
	e.sign(t, sid, rounds)
	_, err := e.coord.Aggregate(ctx, sid)
	require.NoError(t, err)

	before, err := e.sessions.Get(ctx, sid)
	require.NoError(t, err)

	r3, err := e.grp.Participants[2].Commit(rand.Reader, sid, before.MessageDigest)
	require.NoError(t, err)
	_, err = e.coord.SubmitNonceCommitment(ctx, sid, "guardian-3", r3.Commitment())
	assert.ErrorIs(t, err, sigerr.ErrExpiredSession)
	_, err = e.coord.SubmitPartialSignature(ctx, sid, "guardian-3", []byte{1})
	assert.ErrorIs(t, err, sigerr.ErrExpiredSession)
	_, err = e.coord.TransitionToAggregating(ctx, sid)
	assert.ErrorIs(t, err, sigerr.ErrAggregationRaceLost)
	assert.ErrorIs(t, e.coord.Abort(ctx, sid, "treasury-ops", ""), sigerr.ErrExpiredSession)

	e.clock.Advance(time.Hour)
	after, err := e.sessions.Get(ctx, sid)
	require.NoError(t, err)
	assert.Equal(t, before, after)
}

func TestAggregationFailureFailsSession(t *testing.T) {
	e := setup(t, nil)
	ctx := context.Background()

	sid := e.create(t, 2, time.Minute)
	rounds := e.commit(t, sid, 1, 2)

	// guardian-2 signs a different commitment set, as a faulty guardian
	// would. The share decodes and carries the right identifier.
	other := e.create(t, 2, time.Minute)
	foreign := e.commit(t, other, 1, 2)
	otherSnap, err := e.coord.GetSession(ctx, other)
	require.NoError(t, err)
	bad, err := foreign[2].Sign(otherSnap.NonceCommitments)
	require.NoError(t, err)

	e.sign(t, sid, map[int]*signer.SigningRound{1: rounds[1]})
	_, err = e.coord.SubmitPartialSignature(ctx, sid, "guardian-2", bad)
	require.NoError(t, err)

	_, err = e.coord.Aggregate(ctx, sid)
	require.ErrorIs(t, err, sigerr.ErrAggregationFailed)
	assert.Equal(t, sigerr.SeverityHigh, sigerr.SeverityOf(err))

	snap, err := e.coord.GetSession(ctx, sid)
	require.NoError(t, err)
	assert.Equal(t, session.StatusFailed, snap.Status)
	assert.Contains(t, snap.Error, "guardian-2")
	assert.NotContains(t, snap.Error, fmt.Sprintf("%x", bad))
	assert.Empty(t, snap.FinalSignature)
	e.pub.AssertNotCalled(t, "Publish", mock.Anything, mock.Anything)
}

func TestPublishFailureKeepsCompletion(t *testing.T) {
	pub := &mockPublisher{}
	pub.On("Publish", mock.Anything, mock.Anything).Return(assert.AnError).Once()
	e := setup(t, nil, func(c *Config) { c.Publisher = pub })
	ctx := context.Background()

	sid := e.create(t, 2, time.Minute)
	e.sign(t, sid, e.commit(t, sid, 1, 2))

	snap, err := e.coord.Aggregate(ctx, sid)
	require.NoError(t, err)
	assert.Equal(t, session.StatusCompleted, snap.Status)
	pub.AssertExpectations(t)
}

func TestAggregatingSessionExpiresLazily(t *testing.T) {
	e := setup(t, nil)
	ctx := context.Background()
	sid := e.create(t, 2, time.Minute)
	e.sign(t, sid, e.commit(t, sid, 1, 2))

	won, err := e.coord.TransitionToAggregating(ctx, sid)
	require.NoError(t, err)
	require.True(t, won)

	e.clock.Advance(2 * time.Minute)
	snap, err := e.coord.GetSession(ctx, sid)
	require.NoError(t, err)
	assert.Equal(t, session.StatusAggregating, snap.Status)
	assert.Equal(t, session.StatusExpired, snap.EffectiveStatus)
	assert.False(t, snap.ReadyToAggregate)

	assert.ErrorIs(t, e.coord.Abort(ctx, sid, "treasury-ops", ""), sigerr.ErrExpiredSession)
	stored, err := e.sessions.Get(ctx, sid)
	require.NoError(t, err)
	assert.Equal(t, session.StatusExpired, stored.Status)
}

// Two participants of one session presenting the same commitment value
// fail the session. Uses a permissive aggregator since real commitments
// carry their signer's identifier.
func TestSameSessionNonceReuseFailsSession(t *testing.T) {
	agg := &mockAggregator{}
	agg.On("CheckKey", mock.Anything, keyID).Return(nil)
	agg.On("ValidateCommitment", mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(nil)
	e := setup(t, agg)
	ctx := context.Background()

	sid := e.create(t, 3, time.Minute)
	x := []byte("commitment-x")

	_, err := e.coord.SubmitNonceCommitment(ctx, sid, "guardian-1", x)
	require.NoError(t, err)
	_, err = e.coord.SubmitNonceCommitment(ctx, sid, "guardian-2", x)
	require.ErrorIs(t, err, sigerr.ErrNonceReuse)

	snap, err := e.coord.GetSession(ctx, sid)
	require.NoError(t, err)
	assert.Equal(t, session.StatusFailed, snap.Status)
	assert.Contains(t, snap.Error, "guardian-2")
	assert.NotContains(t, snap.Error, string(x))
}

func TestStoreFailureIsInternal(t *testing.T) {
	agg := &mockAggregator{}
	e := setup(t, agg)
	ctx := context.Background()

	broken := &Coordinator{
		sessions: failingStore{e.sessions},
		ledger:   e.ledger,
		agg:      agg,
		clock:    e.clock.Now,
		retries:  1,
		logger:   zerolog.Nop(),
	}
	_, err := broken.GetSession(ctx, "session-1")
	require.ErrorIs(t, err, sigerr.ErrInternal)
	assert.ErrorIs(t, err, assert.AnError)
}

type failingStore struct {
	SessionStore
}

func (failingStore) Get(context.Context, string) (*session.SigningSession, error) {
	return nil, assert.AnError
}

// A guardian presenting another guardian's reserved commitment fails the
// identifier check, but the ledger hit makes it a reuse.
func TestReplayedForeignCommitmentIsReuse(t *testing.T) {
	e := setup(t, nil)
	ctx := context.Background()

	s1 := e.create(t, 2, time.Minute)
	x := e.commit(t, s1, 1)[1].Commitment()

	t.Run("OtherSession", func(t *testing.T) {
		s2 := e.create(t, 2, time.Minute)
		_, err := e.coord.SubmitNonceCommitment(ctx, s2, "guardian-2", x)
		require.ErrorIs(t, err, sigerr.ErrNonceReuse)
		assert.NotErrorIs(t, err, sigerr.ErrValidation)

		stored, err := e.sessions.Get(ctx, s2)
		require.NoError(t, err)
		assert.Equal(t, session.StatusPending, stored.Status)
		assert.Empty(t, stored.NonceCommitments)
	})

	t.Run("SameSession", func(t *testing.T) {
		_, err := e.coord.SubmitNonceCommitment(ctx, s1, "guardian-3", x)
		require.ErrorIs(t, err, sigerr.ErrNonceReuse)

		stored, err := e.sessions.Get(ctx, s1)
		require.NoError(t, err)
		assert.Equal(t, session.StatusFailed, stored.Status)
	})

	require.NoError(t, testutil.GatherAndCompare(e.reg, strings.NewReader(`
# HELP frostd_nonce_reuse_detected_total Nonce commitments rejected as reused.
# TYPE frostd_nonce_reuse_detected_total counter
frostd_nonce_reuse_detected_total 2
`), "frostd_nonce_reuse_detected_total"))

	t.Run("UnreservedInvalidStaysValidation", func(t *testing.T) {
		s3 := e.create(t, 2, time.Minute)
		r, err := e.grp.Participants[0].Commit(rand.Reader, s3, digest("other"))
		require.NoError(t, err)
		_, err = e.coord.SubmitNonceCommitment(ctx, s3, "guardian-2", r.Commitment())
		assert.ErrorIs(t, err, sigerr.ErrValidation)
	})
}
