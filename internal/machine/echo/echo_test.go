package echo

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse_Resources(t *testing.T) {
	m := &Machine{}
	result, err := m.Parse("USE SHARED lpar01\nUSE EXCLUSIVE guest01 guest02\nECHO hi\n")
	require.NoError(t, err)
	assert.Equal(t, []string{"lpar01"}, result.Resources.Shared)
	assert.Equal(t, []string{"guest01", "guest02"}, result.Resources.Exclusive)
	assert.Equal(t, description, result.Description)
}

func TestParse_InvalidMode(t *testing.T) {
	m := &Machine{}
	_, err := m.Parse("USE BOGUS lpar01\n")
	assert.Error(t, err)
}

func TestParse_UseInCleanupRejected(t *testing.T) {
	m := &Machine{}
	_, err := m.Parse("CLEANUP\nUSE SHARED lpar01\n")
	assert.Error(t, err)
}

func TestParse_CommentsAndBlankLinesSkipped(t *testing.T) {
	m := &Machine{}
	result, err := m.Parse("# a comment\n\nECHO ok # trailing comment\n")
	require.NoError(t, err)
	assert.Empty(t, result.Resources.Exclusive)
}

func TestStart_ReturnOverridesDefault(t *testing.T) {
	m, err := New("RETURN 7\n")
	require.NoError(t, err)
	rc, err := m.Start(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 7, rc)
}

func TestStart_Raise(t *testing.T) {
	m, err := New("RAISE\n")
	require.NoError(t, err)
	_, err = m.Start(context.Background())
	assert.Error(t, err)
}

func TestCleanup_SetsCleaningUpFlag(t *testing.T) {
	m, err := New("ECHO a\nCLEANUP\nECHO cleaning\n")
	require.NoError(t, err)
	assert.False(t, m.CleaningUp())
	rc, err := m.Cleanup(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, rc)
	assert.True(t, m.CleaningUp())
}

func TestCleanup_NoopWithoutCleanupSection(t *testing.T) {
	m, err := New("ECHO a\n")
	require.NoError(t, err)
	rc, err := m.Cleanup(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, rc)
	assert.False(t, m.CleaningUp())
}
