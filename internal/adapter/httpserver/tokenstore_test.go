package httpserver_test

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/veriskill/veriskill/internal/adapter/httpserver"
	"github.com/veriskill/veriskill/internal/domain"
)

func newTokenStore(t *testing.T) (*httpserver.RedisTokenStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return httpserver.NewRedisTokenStore(rdb), mr
}

func TestTokenIssueAndResolve(t *testing.T) {
	t.Parallel()
	ts, _ := newTokenStore(t)
	ctx := context.Background()

	token, err := ts.Issue(ctx, "sub-1", time.Hour)
	require.NoError(t, err)
	require.NotEmpty(t, token)

	id, err := ts.Resolve(ctx, token)
	require.NoError(t, err)
	assert.Equal(t, "sub-1", id)

	// Tokens are single-submission and unique per issue.
	other, err := ts.Issue(ctx, "sub-2", time.Hour)
	require.NoError(t, err)
	assert.NotEqual(t, token, other)
}

func TestTokenResolveUnknownIsUnauthorized(t *testing.T) {
	t.Parallel()
	ts, _ := newTokenStore(t)
	_, err := ts.Resolve(context.Background(), "never-issued")
	assert.ErrorIs(t, err, domain.ErrUnauthorized)
}

func TestTokenExpires(t *testing.T) {
	t.Parallel()
	ts, mr := newTokenStore(t)
	ctx := context.Background()

	token, err := ts.Issue(ctx, "sub-1", time.Minute)
	require.NoError(t, err)

	mr.FastForward(2 * time.Minute)
	_, err = ts.Resolve(ctx, token)
	assert.ErrorIs(t, err, domain.ErrUnauthorized)
}

func TestTokenResolveRedisDownIsUnavailable(t *testing.T) {
	t.Parallel()
	ts, mr := newTokenStore(t)
	ctx := context.Background()
	token, err := ts.Issue(ctx, "sub-1", time.Hour)
	require.NoError(t, err)

	mr.Close()
	_, err = ts.Resolve(ctx, token)
	assert.ErrorIs(t, err, domain.ErrUnavailable)
}
