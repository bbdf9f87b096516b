package loginguard

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bloomfeed/guardkit/kv"
)

var errStoreDown = errors.New("store down")

type failingStore struct{}

func (failingStore) Get(context.Context, string) (string, bool, error) {
	return "", false, errStoreDown
}
func (failingStore) Set(context.Context, string, string, time.Duration) error { return errStoreDown }
func (failingStore) Del(context.Context, string) error                        { return errStoreDown }
func (failingStore) Incr(context.Context, string) (int64, error)              { return 0, errStoreDown }
func (failingStore) Expire(context.Context, string, time.Duration) error      { return errStoreDown }
func (failingStore) TTL(context.Context, string) (time.Duration, error)       { return 0, errStoreDown }
func (failingStore) Close() error                                             { return nil }

func newTestGuard(t *testing.T, opts ...Option) (*Guard, *kv.Memory) {
	t.Helper()
	store := kv.NewMemory()
	t.Cleanup(func() { store.Close() })
	return New(store, opts...), store
}

func TestGuard_CheckClean(t *testing.T) {
	g, _ := newTestGuard(t)

	res := g.Check(context.Background(), "user-1")
	assert.True(t, res.Allowed)
	assert.Equal(t, 5, res.Remaining)
	assert.Nil(t, res.LockedUntil)
}

func TestGuard_LockoutSequence(t *testing.T) {
	g, _ := newTestGuard(t)
	ctx := context.Background()

	for i, wantRemaining := range []int{4, 3, 2, 1} {
		res := g.RecordFailure(ctx, "user-1")
		assert.True(t, res.Allowed, "failure %d should not lock yet", i+1)
		assert.Equal(t, wantRemaining, res.Remaining)
		assert.Nil(t, res.LockedUntil)
	}

	res := g.RecordFailure(ctx, "user-1")
	assert.False(t, res.Allowed, "the fifth failure locks the account")
	assert.Equal(t, 0, res.Remaining)
	require.NotNil(t, res.LockedUntil)
	assert.WithinDuration(t, time.Now().Add(30*time.Minute), *res.LockedUntil, time.Minute)
	assert.Contains(t, res.Message, "30 minutes")
}

func TestGuard_CheckWhileLocked(t *testing.T) {
	g, _ := newTestGuard(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		g.RecordFailure(ctx, "user-1")
	}

	res := g.Check(ctx, "user-1")
	assert.False(t, res.Allowed)
	assert.Equal(t, 0, res.Remaining)
	require.NotNil(t, res.LockedUntil)
	assert.Contains(t, res.Message, "minutes")
}

func TestGuard_Reset(t *testing.T) {
	g, _ := newTestGuard(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		g.RecordFailure(ctx, "user-1")
	}
	require.False(t, g.Check(ctx, "user-1").Allowed)

	g.Reset(ctx, "user-1")

	res := g.Check(ctx, "user-1")
	assert.True(t, res.Allowed)
	assert.Equal(t, 5, res.Remaining)
	assert.Nil(t, res.LockedUntil)
}

func TestGuard_WindowExpiryClearsCount(t *testing.T) {
	g, _ := newTestGuard(t, WithWindow(50*time.Millisecond))
	ctx := context.Background()

	g.RecordFailure(ctx, "user-1")
	g.RecordFailure(ctx, "user-1")

	time.Sleep(80 * time.Millisecond)

	res := g.Check(ctx, "user-1")
	assert.True(t, res.Allowed)
	assert.Equal(t, 5, res.Remaining, "an expired record reads as clean")
}

func TestGuard_StaleCountWithoutLockDenies(t *testing.T) {
	g, store := newTestGuard(t)
	ctx := context.Background()

	// A record at the threshold with no active lock is not produced by
	// the guard itself; it must still deny.
	require.NoError(t, store.Set(ctx, "login_attempt:user-1", `{"count":5}`, time.Minute))

	res := g.Check(ctx, "user-1")
	assert.False(t, res.Allowed)
	assert.Equal(t, 0, res.Remaining)
}

func TestGuard_CorruptRecordReadsAsClean(t *testing.T) {
	g, store := newTestGuard(t)
	ctx := context.Background()

	require.NoError(t, store.Set(ctx, "login_attempt:user-1", "{not json", time.Minute))

	res := g.Check(ctx, "user-1")
	assert.True(t, res.Allowed)
	assert.Equal(t, 5, res.Remaining)
}

func TestGuard_FailOpen(t *testing.T) {
	g := New(failingStore{})

	// A bare context has no request-scoped logger; fail-open must still
	// log-and-allow rather than panic.
	ctx := context.Background()

	var check Result
	require.NotPanics(t, func() { check = g.Check(ctx, "user-1") })
	assert.True(t, check.Allowed)
	assert.Equal(t, 5, check.Remaining)

	rec := g.RecordFailure(ctx, "user-1")
	assert.True(t, rec.Allowed)
	assert.Equal(t, 4, rec.Remaining)

	// Reset must swallow the failure entirely.
	require.NotPanics(t, func() { g.Reset(ctx, "user-1") })
}

func TestGuard_ExpiredLockWithFreshWindow(t *testing.T) {
	base := time.Now()
	now := base
	g, store := newTestGuard(t, WithNow(func() time.Time { return now }))
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		g.RecordFailure(ctx, "user-1")
	}
	require.False(t, g.Check(ctx, "user-1").Allowed)

	// The record's TTL expires with the lockout; past it the identifier
	// is clean again.
	now = base.Add(31 * time.Minute)
	require.NoError(t, store.Del(ctx, "login_attempt:user-1")) // simulate natural TTL expiry
	res := g.Check(ctx, "user-1")
	assert.True(t, res.Allowed)
	assert.Equal(t, 5, res.Remaining)
}

func TestKey(t *testing.T) {
	assert.Equal(t, "1.2.3.4:user@example.com", Key("1.2.3.4", "User@Example.COM"))
	assert.Equal(t, "1.2.3.4:user@example.com", Key("1.2.3.4", "user@example.com"))
}

func TestGuard_SeparateIdentifiers(t *testing.T) {
	g, _ := newTestGuard(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		g.RecordFailure(ctx, Key("1.2.3.4", "a@example.com"))
	}

	assert.False(t, g.Check(ctx, Key("1.2.3.4", "a@example.com")).Allowed)
	assert.True(t, g.Check(ctx, Key("1.2.3.4", "b@example.com")).Allowed)
	assert.True(t, g.Check(ctx, Key("5.6.7.8", "a@example.com")).Allowed)
}
