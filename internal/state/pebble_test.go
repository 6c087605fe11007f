package state_test

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/classnet/classnet/internal/state"
)

func setupState(t *testing.T) (*state.Store, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "state")
	logger, _ := zap.NewDevelopment()
	s := state.NewStore(path, logger)
	require.NoError(t, s.Init())
	t.Cleanup(func() { s.Close() })
	return s, path
}

func TestMessageIDsMonotonic(t *testing.T) {
	s, _ := setupState(t)

	var last uint64
	for i := 0; i < 10; i++ {
		id, err := s.NextMessageID()
		require.NoError(t, err)
		assert.Greater(t, id, last)
		last = id
	}
}

func TestMessageIDsSurviveRestart(t *testing.T) {
	s, path := setupState(t)

	id1, err := s.NextMessageID()
	require.NoError(t, err)
	require.NoError(t, s.Close())

	logger, _ := zap.NewDevelopment()
	reopened := state.NewStore(path, logger)
	require.NoError(t, reopened.Init())
	t.Cleanup(func() { reopened.Close() })

	id2, err := reopened.NextMessageID()
	require.NoError(t, err)
	assert.Greater(t, id2, id1)
}

func TestDeliveredSet(t *testing.T) {
	s, _ := setupState(t)

	done, err := s.WasDelivered("a:5001", 7)
	require.NoError(t, err)
	assert.False(t, done)

	require.NoError(t, s.MarkDelivered("a:5001", 7))

	done, err = s.WasDelivered("a:5001", 7)
	require.NoError(t, err)
	assert.True(t, done)

	// Other identities stay unaffected.
	done, err = s.WasDelivered("a:5001", 8)
	require.NoError(t, err)
	assert.False(t, done)
	done, err = s.WasDelivered("b:5002", 7)
	require.NoError(t, err)
	assert.False(t, done)
}

func TestDeliveredSetSurvivesRestart(t *testing.T) {
	s, path := setupState(t)

	require.NoError(t, s.MarkDelivered("a:5001", 42))
	require.NoError(t, s.Close())

	logger, _ := zap.NewDevelopment()
	reopened := state.NewStore(path, logger)
	require.NoError(t, reopened.Init())
	t.Cleanup(func() { reopened.Close() })

	done, err := reopened.WasDelivered("a:5001", 42)
	require.NoError(t, err)
	assert.True(t, done)
}

func TestCleanDelivered(t *testing.T) {
	s, _ := setupState(t)

	require.NoError(t, s.MarkDelivered("a:5001", 1))
	require.NoError(t, s.MarkDelivered("a:5001", 2))

	// Fresh entries survive a retention-sized max age.
	count, err := s.CleanDelivered(time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 0, count)

	// A negative max age puts the cutoff in the future and expires them.
	count, err = s.CleanDelivered(-time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	done, err := s.WasDelivered("a:5001", 1)
	require.NoError(t, err)
	assert.False(t, done)
}
