package bus

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestMirror(t *testing.T) (*RedisMirror, *miniredis.Miniredis) {
	mr, err := miniredis.Run()
	require.NoError(t, err)

	m, err := NewRedisMirror(mr.Addr(), "")
	require.NoError(t, err)

	return m, mr
}

func TestNewRedisMirror(t *testing.T) {
	m, mr := newTestMirror(t)
	defer mr.Close()
	defer func() { _ = m.Close() }()

	assert.NotNil(t, m.Client())
	assert.NoError(t, m.Ping(context.Background()))
}

func TestRedisMirror_PresenceSet(t *testing.T) {
	m, mr := newTestMirror(t)
	defer mr.Close()
	defer func() { _ = m.Close() }()

	ctx := context.Background()
	key := "voice:room-1"

	require.NoError(t, m.SetAdd(ctx, key, "user-a"))
	require.NoError(t, m.SetAdd(ctx, key, "user-b"))

	members, err := m.SetMembers(ctx, key)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"user-a", "user-b"}, members)

	require.NoError(t, m.SetRem(ctx, key, "user-a"))
	members, err = m.SetMembers(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, []string{"user-b"}, members)
}

func TestRedisMirror_Closed(t *testing.T) {
	var m *RedisMirror
	assert.NoError(t, m.Ping(context.Background()))
	assert.NoError(t, m.Close())
	assert.Nil(t, m.Client())
}
