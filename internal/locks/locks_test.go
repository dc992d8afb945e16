package locks

import (
	"context"
	"testing"

	"github.com/luljaj/relay/internal/kv"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testRedisURL = "redis://localhost:6379/15"

func newTestRegistry(t *testing.T) (*Registry, string, string) {
	t.Helper()
	kvClient, err := kv.NewClient(context.Background(), testRedisURL, "")
	if err != nil {
		t.Skipf("redis not reachable at %s: %v", testRedisURL, err)
	}
	repo, branch := "github.com/acme/widget", "main"
	t.Cleanup(func() {
		_ = kvClient.Del(context.Background(), namespaceKey(repo, branch))
		kvClient.Close()
	})
	return NewRegistry(kvClient), repo, branch
}

// I1: at most one active writer/reader set per file across distinct users.
func TestAcquire_ConflictBlocksForeignUser(t *testing.T) {
	r, repo, branch := newTestRegistry(t)
	ctx := context.Background()

	res, err := r.Acquire(ctx, AcquireInput{
		Repo: repo, Branch: branch, Paths: []string{"a.go"},
		UserID: "alice", UserName: "Alice", Status: StatusWriting, Now: 1000,
	})
	require.NoError(t, err)
	require.True(t, res.Success)

	res, err = r.Acquire(ctx, AcquireInput{
		Repo: repo, Branch: branch, Paths: []string{"a.go"},
		UserID: "bob", UserName: "Bob", Status: StatusWriting, Now: 1500,
	})
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, "FILE_CONFLICT", res.Reason)
	assert.Equal(t, "a.go", res.ConflictingFile)
	assert.Equal(t, "alice", res.ConflictingUser)
}

// I2: expired locks are invisible to conflict checks and to List.
func TestAcquire_ExpiredLockIsNotAConflict(t *testing.T) {
	r, repo, branch := newTestRegistry(t)
	ctx := context.Background()

	res, err := r.Acquire(ctx, AcquireInput{
		Repo: repo, Branch: branch, Paths: []string{"a.go"},
		UserID: "alice", UserName: "Alice", Status: StatusWriting, Now: 1000,
	})
	require.NoError(t, err)
	require.True(t, res.Success)

	future := res.Locks[0].Expiry + 1
	res, err = r.Acquire(ctx, AcquireInput{
		Repo: repo, Branch: branch, Paths: []string{"a.go"},
		UserID: "bob", UserName: "Bob", Status: StatusWriting, Now: future,
	})
	require.NoError(t, err)
	assert.True(t, res.Success, "an expired lock must not block a new acquire")

	locks, err := r.List(ctx, repo, branch, future)
	require.NoError(t, err)
	assert.Contains(t, locks, "a.go")
	assert.Equal(t, "bob", locks["a.go"].UserID)
}

// Acquire/Release round trip leaves the namespace empty.
func TestAcquireRelease_RoundTrip(t *testing.T) {
	r, repo, branch := newTestRegistry(t)
	ctx := context.Background()

	res, err := r.Acquire(ctx, AcquireInput{
		Repo: repo, Branch: branch, Paths: []string{"a.go", "b.go"},
		UserID: "alice", UserName: "Alice", Status: StatusWriting, Now: 1000,
	})
	require.NoError(t, err)
	require.True(t, res.Success)

	require.NoError(t, r.Release(ctx, repo, branch, "alice", []string{"a.go", "b.go"}))

	locks, err := r.List(ctx, repo, branch, 1000)
	require.NoError(t, err)
	assert.Empty(t, locks)
}

// I4: a multi-file acquire is all-or-nothing.
func TestAcquire_MultiFileAllOrNothing(t *testing.T) {
	r, repo, branch := newTestRegistry(t)
	ctx := context.Background()

	res, err := r.Acquire(ctx, AcquireInput{
		Repo: repo, Branch: branch, Paths: []string{"b.go"},
		UserID: "alice", UserName: "Alice", Status: StatusWriting, Now: 1000,
	})
	require.NoError(t, err)
	require.True(t, res.Success)

	res, err = r.Acquire(ctx, AcquireInput{
		Repo: repo, Branch: branch, Paths: []string{"a.go", "b.go", "c.go"},
		UserID: "bob", UserName: "Bob", Status: StatusWriting, Now: 1500,
	})
	require.NoError(t, err)
	assert.False(t, res.Success)

	locks, err := r.List(ctx, repo, branch, 1500)
	require.NoError(t, err)
	_, hasA := locks["a.go"]
	_, hasC := locks["c.go"]
	assert.False(t, hasA, "a.go must not have been written when c.go's owner conflicted")
	assert.False(t, hasC)
}

// Duplicate paths in one request collapse to one lock record.
func TestAcquire_DedupsPaths(t *testing.T) {
	r, repo, branch := newTestRegistry(t)
	ctx := context.Background()

	res, err := r.Acquire(ctx, AcquireInput{
		Repo: repo, Branch: branch, Paths: []string{"a.go", "a.go", "b.go"},
		UserID: "alice", UserName: "Alice", Status: StatusWriting, Now: 1000,
	})
	require.NoError(t, err)
	require.True(t, res.Success)
	assert.Len(t, res.Locks, 2)
}

// A user re-acquiring their own already-held lock is not a conflict.
func TestAcquire_SameUserReacquireSucceeds(t *testing.T) {
	r, repo, branch := newTestRegistry(t)
	ctx := context.Background()

	_, err := r.Acquire(ctx, AcquireInput{
		Repo: repo, Branch: branch, Paths: []string{"a.go"},
		UserID: "alice", UserName: "Alice", Status: StatusWriting, Now: 1000,
	})
	require.NoError(t, err)

	res, err := r.Acquire(ctx, AcquireInput{
		Repo: repo, Branch: branch, Paths: []string{"a.go"},
		UserID: "alice", UserName: "Alice", Status: StatusWriting, Now: 2000,
	})
	require.NoError(t, err)
	assert.True(t, res.Success)
}

func TestAcquire_EmptyPathsIsValidationError(t *testing.T) {
	r, repo, branch := newTestRegistry(t)
	_, err := r.Acquire(context.Background(), AcquireInput{Repo: repo, Branch: branch, UserID: "alice"})
	assert.Error(t, err)
}

func TestRelease_OnlyRemovesCallersLocks(t *testing.T) {
	r, repo, branch := newTestRegistry(t)
	ctx := context.Background()

	_, err := r.Acquire(ctx, AcquireInput{
		Repo: repo, Branch: branch, Paths: []string{"a.go"},
		UserID: "alice", UserName: "Alice", Status: StatusWriting, Now: 1000,
	})
	require.NoError(t, err)

	require.NoError(t, r.Release(ctx, repo, branch, "bob", []string{"a.go"}))

	locks, err := r.List(ctx, repo, branch, 1000)
	require.NoError(t, err)
	assert.Contains(t, locks, "a.go", "release by a non-owner must be a no-op")
}

func TestReleaseAll_ClearsNamespace(t *testing.T) {
	r, repo, branch := newTestRegistry(t)
	ctx := context.Background()

	_, err := r.Acquire(ctx, AcquireInput{
		Repo: repo, Branch: branch, Paths: []string{"a.go", "b.go"},
		UserID: "alice", UserName: "Alice", Status: StatusWriting, Now: 1000,
	})
	require.NoError(t, err)

	count, err := r.ReleaseAll(ctx, repo, branch)
	require.NoError(t, err)
	assert.Equal(t, int64(2), count)

	locks, err := r.List(ctx, repo, branch, 1000)
	require.NoError(t, err)
	assert.Empty(t, locks)
}

func TestCleanupExpired_RemovesOnlyPastExpiry(t *testing.T) {
	r, repo, branch := newTestRegistry(t)
	ctx := context.Background()

	res, err := r.Acquire(ctx, AcquireInput{
		Repo: repo, Branch: branch, Paths: []string{"a.go"},
		UserID: "alice", UserName: "Alice", Status: StatusWriting, Now: 1000,
	})
	require.NoError(t, err)
	expiry := res.Locks[0].Expiry

	_, err = r.Acquire(ctx, AcquireInput{
		Repo: repo, Branch: branch, Paths: []string{"b.go"},
		UserID: "alice", UserName: "Alice", Status: StatusWriting, Now: expiry,
	})
	require.NoError(t, err)

	removed, err := r.CleanupExpired(ctx, repo, branch, expiry+1)
	require.NoError(t, err)
	assert.Equal(t, int64(1), removed)
}
