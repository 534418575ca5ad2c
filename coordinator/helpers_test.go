package coordinator

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/f3rmion/frostd/aggregator"
	"github.com/f3rmion/frostd/bjj"
	"github.com/f3rmion/frostd/custody"
	"github.com/f3rmion/frostd/db"
	"github.com/f3rmion/frostd/frost"
	"github.com/f3rmion/frostd/ledger"
	"github.com/f3rmion/frostd/metrics"
	"github.com/f3rmion/frostd/publisher"
	"github.com/f3rmion/frostd/session"
	"github.com/f3rmion/frostd/sessionstore"
	"github.com/f3rmion/frostd/signer"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

const keyID = "treasury"

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type mockPublisher struct {
	mock.Mock
}

func (m *mockPublisher) Publish(ctx context.Context, ev publisher.Event) error {
	return m.Called(ctx, ev).Error(0)
}

type mockAggregator struct {
	mock.Mock
}

func (m *mockAggregator) CheckKey(ctx context.Context, keyID string) error {
	return m.Called(ctx, keyID).Error(0)
}

func (m *mockAggregator) ValidateCommitment(ctx context.Context, s *session.SigningSession, participantID string, data []byte) error {
	return m.Called(ctx, s, participantID, data).Error(0)
}

func (m *mockAggregator) ValidatePartialSignature(ctx context.Context, s *session.SigningSession, participantID string, data []byte) error {
	return m.Called(ctx, s, participantID, data).Error(0)
}

func (m *mockAggregator) Aggregate(ctx context.Context, s *session.SigningSession) ([]byte, error) {
	args := m.Called(ctx, s)
	sig, _ := args.Get(0).([]byte)
	return sig, args.Error(1)
}

var (
	dkgOnce sync.Once
	dkgGrp  *signer.Group
	dkgErr  error
)

// guardians returns one 2-of-3 key shared by every test in the package.
func guardians(t *testing.T) *signer.Group {
	t.Helper()
	dkgOnce.Do(func() {
		dkgGrp, dkgErr = signer.RunLocalDKG(rand.Reader, &bjj.BJJ{}, nil, 2, 3)
	})
	require.NoError(t, dkgErr)
	return dkgGrp
}

func name(id int) string { return fmt.Sprintf("guardian-%d", id) }

var allGuardians = []string{"guardian-1", "guardian-2", "guardian-3"}

type env struct {
	coord    *Coordinator
	sessions *sessionstore.Store
	ledger   *ledger.Ledger
	clock    *fakeClock
	pub      *mockPublisher
	reg      *prometheus.Registry
	grp      *signer.Group
	suite    *frost.Suite
}

// setup builds a coordinator over an in-memory database. agg replaces the
// FROST aggregator when non-nil.
func setup(t *testing.T, agg Aggregator, opts ...func(*Config)) *env {
	t.Helper()
	d, err := db.OpenInMemoryDB(true)
	require.NoError(t, err)
	t.Cleanup(func() { _ = d.Close() })

	grp := guardians(t)
	suite := frost.NewSuite(&bjj.BJJ{}, nil)
	if agg == nil {
		dir := custody.NewMemory()
		key := custody.Key{KeyID: keyID, GroupKey: grp.GroupKey.Bytes()}
		for _, p := range grp.Participants {
			key.Members = append(key.Members, custody.Member{
				ParticipantID:     name(p.ID()),
				Index:             uint64(p.ID()),
				VerificationShare: grp.PublicShares[p.ID()].Bytes(),
			})
		}
		require.NoError(t, dir.Register(key))
		agg = aggregator.New(suite, dir, zerolog.Nop())
	}

	e := &env{
		sessions: sessionstore.NewStore(d.Client(), zerolog.Nop()),
		ledger:   ledger.New(d.Client(), zerolog.Nop()),
		clock:    &fakeClock{now: t0},
		pub:      &mockPublisher{},
		reg:      prometheus.NewRegistry(),
		grp:      grp,
		suite:    suite,
	}
	e.pub.On("Publish", mock.Anything, mock.Anything).Return(nil).Maybe()

	cfg := Config{
		Sessions:   e.sessions,
		Ledger:     e.ledger,
		Aggregator: agg,
		Publisher:  e.pub,
		Clock:      e.clock.Now,
		Metrics:    metrics.New(e.reg),
		Logger:     zerolog.Nop(),
	}
	for _, o := range opts {
		o(&cfg)
	}
	e.coord, err = New(cfg)
	require.NoError(t, err)
	return e
}

func digest(msg string) []byte {
	d := sha256.Sum256([]byte(msg))
	return d[:]
}

func (e *env) create(t *testing.T, threshold int, ttl time.Duration) string {
	t.Helper()
	id, err := e.coord.CreateSession(context.Background(), CreateSessionRequest{
		Initiator:     "treasury-ops",
		KeyID:         keyID,
		Participants:  allGuardians,
		Threshold:     threshold,
		MessageDigest: digest("transfer 100 to cold storage"),
		TTL:           ttl,
	})
	require.NoError(t, err)
	return id
}

// commit has each guardian open a signing round for the session and
// submit its commitment.
func (e *env) commit(t *testing.T, sessionID string, ids ...int) map[int]*signer.SigningRound {
	t.Helper()
	ctx := context.Background()
	snap, err := e.coord.GetSession(ctx, sessionID)
	require.NoError(t, err)

	rounds := make(map[int]*signer.SigningRound, len(ids))
	for _, id := range ids {
		r, err := e.grp.Participants[id-1].Commit(rand.Reader, sessionID, snap.MessageDigest)
		require.NoError(t, err)
		_, err = e.coord.SubmitNonceCommitment(ctx, sessionID, name(id), r.Commitment())
		require.NoError(t, err)
		rounds[id] = r
	}
	return rounds
}

// sign has each round sign over the session's accepted commitments and
// submit the share.
func (e *env) sign(t *testing.T, sessionID string, rounds map[int]*signer.SigningRound) {
	t.Helper()
	ctx := context.Background()
	snap, err := e.coord.GetSession(ctx, sessionID)
	require.NoError(t, err)

	for id, r := range rounds {
		share, err := r.Sign(snap.NonceCommitments)
		require.NoError(t, err)
		_, err = e.coord.SubmitPartialSignature(ctx, sessionID, name(id), share)
		require.NoError(t, err)
	}
}
