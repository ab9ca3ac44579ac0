package verify

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sol402/gateway/types"
)

func TestPool_FailoverOrder(t *testing.T) {
	dead := &fakeConn{healthErr: errors.New("connection refused")}
	live := &fakeConn{}
	conns := map[string]Conn{
		"http://primary":  dead,
		"http://fallback": live,
	}
	pool := NewPool([]string{"http://primary", "http://fallback"},
		WithDialer(func(url string) Conn { return conns[url] }))

	conn, err := pool.Get(context.Background())
	require.NoError(t, err)
	assert.Same(t, live, conn)
}

func TestPool_CachesActiveConnection(t *testing.T) {
	dials := 0
	pool := NewPool([]string{"http://only"},
		WithDialer(func(string) Conn { dials++; return &fakeConn{} }))

	_, err := pool.Get(context.Background())
	require.NoError(t, err)
	_, err = pool.Get(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, dials)
}

func TestPool_MarkFailedForcesReprobe(t *testing.T) {
	dials := 0
	pool := NewPool([]string{"http://only"},
		WithDialer(func(string) Conn { dials++; return &fakeConn{} }))

	conn, err := pool.Get(context.Background())
	require.NoError(t, err)
	pool.MarkFailed(conn)

	_, err = pool.Get(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, dials)
}

func TestPool_AllEndpointsDead(t *testing.T) {
	pool := NewPool([]string{"http://a", "http://b"},
		WithDialer(func(string) Conn { return &fakeConn{healthErr: errors.New("dead")} }))

	_, err := pool.Get(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, types.ErrUnavailable))
}
