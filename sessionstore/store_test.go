package sessionstore_test

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/f3rmion/frostd/db"
	"github.com/f3rmion/frostd/session"
	"github.com/f3rmion/frostd/sessionstore"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

// setupTestStore creates a session store over an in-memory database.
func setupTestStore(t *testing.T) *sessionstore.Store {
	t.Helper()
	d, err := db.OpenInMemoryDB(true)
	require.NoError(t, err)
	t.Cleanup(func() { _ = d.Close() })
	return sessionstore.NewStore(d.Client(), zerolog.Nop())
}

func newSession(id string, ttl time.Duration) *session.SigningSession {
	return &session.SigningSession{
		ID:                id,
		KeyID:             "key-1",
		Initiator:         "ops",
		MessageDigest:     make([]byte, session.DigestSize),
		Participants:      []string{"p1", "p2", "p3"},
		Threshold:         2,
		QuorumPolicy:      session.QuorumThreshold,
		Status:            session.StatusPending,
		NonceCommitments:  map[string][]byte{},
		PartialSignatures: map[string][]byte{},
		CreatedAt:         t0,
		ExpiresAt:         t0.Add(ttl),
		Version:           1,
	}
}

func TestCreateAndGet(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	in := newSession("session-1", time.Minute)
	in.RequestKey = "req-1"
	require.NoError(t, s.Create(ctx, in))

	out, err := s.Get(ctx, "session-1")
	require.NoError(t, err)
	assert.Equal(t, in, out)

	byKey, err := s.GetByRequestKey(ctx, "req-1")
	require.NoError(t, err)
	assert.Equal(t, "session-1", byKey.ID)

	_, err = s.Get(ctx, "missing")
	assert.ErrorIs(t, err, sessionstore.ErrNotFound)
}

func TestCreateDuplicateRequestKey(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	a := newSession("session-a", time.Minute)
	a.RequestKey = "same"
	require.NoError(t, s.Create(ctx, a))

	b := newSession("session-b", time.Minute)
	b.RequestKey = "same"
	assert.ErrorIs(t, s.Create(ctx, b), sessionstore.ErrDuplicateRequest)

	// Sessions without a request key never collide.
	require.NoError(t, s.Create(ctx, newSession("session-c", time.Minute)))
	require.NoError(t, s.Create(ctx, newSession("session-d", time.Minute)))
}

func TestUpdateVersioning(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.Create(ctx, newSession("session-1", time.Minute)))

	first, _ := s.Get(ctx, "session-1")
	second, _ := s.Get(ctx, "session-1")

	first.NonceCommitments["p1"] = []byte{1}
	first.Status = session.StatusNonceCollection
	require.NoError(t, s.Update(ctx, first))
	assert.Equal(t, int64(2), first.Version)

	second.NonceCommitments["p2"] = []byte{2}
	assert.ErrorIs(t, s.Update(ctx, second), sessionstore.ErrVersionConflict)

	stored, _ := s.Get(ctx, "session-1")
	assert.Equal(t, map[string][]byte{"p1": {1}}, stored.NonceCommitments)
	assert.Equal(t, session.StatusNonceCollection, stored.Status)

	missing := newSession("nope", time.Minute)
	assert.ErrorIs(t, s.Update(ctx, missing), sessionstore.ErrNotFound)
}

func TestUpdateRefusesTerminal(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.Create(ctx, newSession("session-1", time.Minute)))

	loaded, _ := s.Get(ctx, "session-1")
	ok, err := s.Fail(ctx, "session-1", session.StatusPending, "aborted", t0)
	require.NoError(t, err)
	require.True(t, ok)

	// Force the stale copy's version to match; the terminal guard still holds.
	current, _ := s.Get(ctx, "session-1")
	loaded.Version = current.Version
	loaded.NonceCommitments["p1"] = []byte{1}
	assert.ErrorIs(t, s.Update(ctx, loaded), sessionstore.ErrVersionConflict)
}

func TestSwapStatusSingleWinner(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	sess := newSession("session-1", time.Minute)
	sess.Status = session.StatusSigning
	require.NoError(t, s.Create(ctx, sess))

	const callers = 16
	var wins int32
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			won, err := s.SwapStatus(ctx, "session-1", session.StatusSigning, session.StatusAggregating)
			assert.NoError(t, err)
			if won {
				atomic.AddInt32(&wins, 1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), wins)

	stored, _ := s.Get(ctx, "session-1")
	assert.Equal(t, session.StatusAggregating, stored.Status)
	assert.Equal(t, int64(2), stored.Version)

	_, err := s.SwapStatus(ctx, "session-1", session.StatusCompleted, session.StatusSigning)
	assert.Error(t, err, "illegal transitions are refused before touching the store")

	_, err = s.SwapStatus(ctx, "missing", session.StatusSigning, session.StatusAggregating)
	assert.ErrorIs(t, err, sessionstore.ErrNotFound)
}

func TestCompleteAndFail(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	sess := newSession("session-1", time.Minute)
	sess.Status = session.StatusAggregating
	require.NoError(t, s.Create(ctx, sess))

	at := t0.Add(30 * time.Second)
	ok, err := s.Complete(ctx, "session-1", []byte{0xaa}, at)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = s.Complete(ctx, "session-1", []byte{0xbb}, at)
	require.NoError(t, err)
	assert.False(t, ok, "a completed session is immutable")

	ok, err = s.Fail(ctx, "session-1", session.StatusAggregating, "late", at)
	require.NoError(t, err)
	assert.False(t, ok)

	stored, _ := s.Get(ctx, "session-1")
	assert.Equal(t, session.StatusCompleted, stored.Status)
	assert.Equal(t, []byte{0xaa}, stored.FinalSignature)
	require.NotNil(t, stored.CompletedAt)
	assert.True(t, stored.CompletedAt.Equal(at))
	assert.NoError(t, stored.Validate())
}

func TestExpire(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.Create(ctx, newSession("short", time.Second)))
	require.NoError(t, s.Create(ctx, newSession("long", time.Hour)))

	agg := newSession("agg", time.Second)
	agg.Status = session.StatusAggregating
	require.NoError(t, s.Create(ctx, agg))

	done := newSession("done", time.Second)
	done.Status = session.StatusFailed
	done.Error = "x"
	done.FailedAt = &t0
	done.FinishedAt = &t0
	require.NoError(t, s.Create(ctx, done))

	ok, err := s.Expire(ctx, "long", t0.Add(2*time.Second))
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = s.Expire(ctx, "short", t0.Add(2*time.Second))
	require.NoError(t, err)
	assert.True(t, ok)

	n, err := s.ExpireOverdue(ctx, t0.Add(2*time.Second))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n, "only the overdue aggregating session remains")

	for id, want := range map[string]session.Status{
		"short": session.StatusExpired,
		"agg":   session.StatusExpired,
		"long":  session.StatusPending,
		"done":  session.StatusFailed,
	} {
		got, err := s.Get(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, want, got.Status, id)
	}
}

func TestPurgeTerminal(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.Create(ctx, newSession("old", time.Second)))
	require.NoError(t, s.Create(ctx, newSession("live", time.Hour)))

	_, err := s.ExpireOverdue(ctx, t0.Add(time.Minute))
	require.NoError(t, err)

	n, err := s.PurgeTerminal(ctx, t0.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, int64(0), n, "retention cutoff is exclusive")

	n, err = s.PurgeTerminal(ctx, t0.Add(2*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	_, err = s.Get(ctx, "old")
	assert.ErrorIs(t, err, sessionstore.ErrNotFound)
	_, err = s.Get(ctx, "live")
	assert.NoError(t, err)
}
