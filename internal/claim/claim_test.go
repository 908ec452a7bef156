package claim

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/ticnsp/eaas/internal/liturgy"
)

// serverError mimics an error reply from the Redis server.
type serverError string

func (e serverError) Error() string { return string(e) }
func (serverError) RedisError()     {}

// fakeRedis emulates SET NX and the release script against a map.
type fakeRedis struct {
	mu      sync.Mutex
	values  map[string]string
	setErr  error
	evalSha int
}

func newFakeRedis() *fakeRedis {
	return &fakeRedis{values: make(map[string]string)}
}

func (f *fakeRedis) SetNX(_ context.Context, key string, value interface{}, _ time.Duration) *redis.BoolCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.setErr != nil {
		return redis.NewBoolResult(false, f.setErr)
	}
	if _, ok := f.values[key]; ok {
		return redis.NewBoolResult(false, nil)
	}
	f.values[key] = value.(string)
	return redis.NewBoolResult(true, nil)
}

func (f *fakeRedis) Eval(_ context.Context, _ string, keys []string, args ...interface{}) *redis.Cmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.values[keys[0]] == args[0].(string) {
		delete(f.values, keys[0])
		return redis.NewCmdResult(int64(1), nil)
	}
	return redis.NewCmdResult(int64(0), nil)
}

func (f *fakeRedis) EvalSha(context.Context, string, []string, ...interface{}) *redis.Cmd {
	f.mu.Lock()
	f.evalSha++
	f.mu.Unlock()
	return redis.NewCmdResult(nil, serverError("NOSCRIPT No matching script. Use EVAL."))
}

func (f *fakeRedis) EvalRO(ctx context.Context, script string, keys []string, args ...interface{}) *redis.Cmd {
	return f.Eval(ctx, script, keys, args...)
}

func (f *fakeRedis) EvalShaRO(ctx context.Context, sha string, keys []string, args ...interface{}) *redis.Cmd {
	return f.EvalSha(ctx, sha, keys, args...)
}

func (f *fakeRedis) ScriptExists(_ context.Context, hashes ...string) *redis.BoolSliceCmd {
	return redis.NewBoolSliceResult(make([]bool, len(hashes)), nil)
}

func (f *fakeRedis) ScriptLoad(context.Context, string) *redis.StringCmd {
	return redis.NewStringResult("sha", nil)
}

func TestRedisClaimIsExclusive(t *testing.T) {
	t.Parallel()

	fake := newFakeRedis()
	claimer := NewRedis(fake, "", nil)
	ctx := context.Background()

	release, err := claimer.Claim(ctx, "2019-01-26:SP", time.Minute)
	require.NoError(t, err)
	require.Contains(t, fake.values, "eaas:claim:2019-01-26:SP")

	_, err = claimer.Claim(ctx, "2019-01-26:SP", time.Minute)
	require.ErrorIs(t, err, liturgy.ErrClaimed)

	require.NoError(t, release(ctx))
	require.NotContains(t, fake.values, "eaas:claim:2019-01-26:SP")
	require.Positive(t, fake.evalSha, "script is tried by hash first")

	_, err = claimer.Claim(ctx, "2019-01-26:SP", time.Minute)
	require.NoError(t, err)
}

func TestRedisReleaseLeavesForeignLease(t *testing.T) {
	t.Parallel()

	fake := newFakeRedis()
	claimer := NewRedis(fake, "test:", nil)
	ctx := context.Background()

	release, err := claimer.Claim(ctx, "k", time.Minute)
	require.NoError(t, err)

	// Lease expired and another worker took it.
	fake.values["test:k"] = "someone-else"
	require.NoError(t, release(ctx))
	require.Equal(t, "someone-else", fake.values["test:k"])
}

func TestRedisClaimPropagatesErrors(t *testing.T) {
	t.Parallel()

	fake := newFakeRedis()
	fake.setErr = errors.New("connection refused")
	_, err := NewRedis(fake, "", nil).Claim(context.Background(), "k", time.Minute)
	require.ErrorContains(t, err, "connection refused")
	require.NotErrorIs(t, err, liturgy.ErrClaimed)
}

type manualClock struct{ now time.Time }

func (c *manualClock) Now() time.Time { return c.now }

func TestMemoryClaimExpires(t *testing.T) {
	t.Parallel()

	clock := &manualClock{now: time.Unix(0, 0)}
	claimer := NewMemory(clock)
	ctx := context.Background()

	staleRelease, err := claimer.Claim(ctx, "k", time.Minute)
	require.NoError(t, err)
	_, err = claimer.Claim(ctx, "k", time.Minute)
	require.ErrorIs(t, err, liturgy.ErrClaimed)

	clock.now = clock.now.Add(2 * time.Minute)
	freshRelease, err := claimer.Claim(ctx, "k", time.Minute)
	require.NoError(t, err)

	// The stale owner must not drop the new lease.
	require.NoError(t, staleRelease(ctx))
	_, err = claimer.Claim(ctx, "k", time.Minute)
	require.ErrorIs(t, err, liturgy.ErrClaimed)

	require.NoError(t, freshRelease(ctx))
	_, err = claimer.Claim(ctx, "k", time.Minute)
	require.NoError(t, err)
}
