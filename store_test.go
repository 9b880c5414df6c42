package agentchat

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func exerciseStore(t *testing.T, s Store) {
	t.Helper()
	ctx := context.Background()

	_, err := s.Get(ctx, KeyToken)
	require.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, s.Put(ctx, KeyToken, "abc"))
	v, err := s.Get(ctx, KeyToken)
	require.NoError(t, err)
	assert.Equal(t, "abc", v)

	require.NoError(t, s.Put(ctx, KeyToken, "def"))
	v, err = s.Get(ctx, KeyToken)
	require.NoError(t, err)
	assert.Equal(t, "def", v)

	require.NoError(t, s.Delete(ctx, KeyToken))
	_, err = s.Get(ctx, KeyToken)
	require.ErrorIs(t, err, ErrNotFound)

	// Deleting a missing key is not an error.
	require.NoError(t, s.Delete(ctx, KeyToken))
}

func TestMemoryStore(t *testing.T) {
	exerciseStore(t, NewMemoryStore())
}

func TestMemoryStore_CancelledContext(t *testing.T) {
	s := NewMemoryStore()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	assert.ErrorIs(t, s.Put(ctx, KeyScope, "x"), context.Canceled)
	_, err := s.Get(ctx, KeyScope)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestPebbleStore(t *testing.T) {
	s, err := OpenPebbleStore(t.TempDir(), zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	exerciseStore(t, s)
}

func TestPebbleStore_SurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	s, err := OpenPebbleStore(dir, nil)
	require.NoError(t, err)
	require.NoError(t, s.Put(ctx, KeyScope, "session_1_abcdefghi"))
	require.NoError(t, s.Close())
	require.NoError(t, s.Close(), "second close is a no-op")

	s, err = OpenPebbleStore(dir, nil)
	require.NoError(t, err)
	defer s.Close()

	v, err := s.Get(ctx, KeyScope)
	require.NoError(t, err)
	assert.Equal(t, "session_1_abcdefghi", v)
}
