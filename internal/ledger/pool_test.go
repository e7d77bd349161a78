package ledger

import (
	"context"
	"errors"
	"math/big"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestPoolDialsOncePerChain(t *testing.T) {
	dials := 0
	pool := NewPool(func(context.Context, string) (Client, error) {
		dials++
		return &FakeClient{Prefix: 42, Balance: big.NewInt(100)}, nil
	}, zaptest.NewLogger(t))

	ctx := context.Background()
	first, err := pool.Get(ctx, "westend")
	require.NoError(t, err)
	second, err := pool.Get(ctx, "westend")
	require.NoError(t, err)

	assert.Same(t, first, second)
	assert.Equal(t, 1, dials)

	_, err = pool.Get(ctx, "rococo")
	require.NoError(t, err)
	assert.Equal(t, 2, dials)
}

func TestPoolPropagatesDialError(t *testing.T) {
	pool := NewPool(func(context.Context, string) (Client, error) {
		return nil, errors.New("connection refused")
	}, zaptest.NewLogger(t))

	_, err := pool.Get(context.Background(), "westend")
	assert.ErrorContains(t, err, "dial chain westend")
}

func TestPoolHealthCheckEvictsFailing(t *testing.T) {
	dials := 0
	pingErr := errors.New("node unreachable")
	pool := NewPool(func(context.Context, string) (Client, error) {
		dials++
		return &FakeClient{Prefix: 42, Balance: big.NewInt(100), PingErr: pingErr}, nil
	}, zaptest.NewLogger(t))

	ctx := context.Background()
	_, err := pool.Get(ctx, "westend")
	require.NoError(t, err)

	results := pool.HealthCheck(ctx)
	assert.ErrorIs(t, results["westend"], pingErr)

	// Next Get re-dials after the eviction.
	_, err = pool.Get(ctx, "westend")
	require.NoError(t, err)
	assert.Equal(t, 2, dials)
}
