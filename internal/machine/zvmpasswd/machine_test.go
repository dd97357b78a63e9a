package zvmpasswd

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const validParams = `{"systems":[{"name":"lpar01"},{"name":"lpar02"}],"current_passwd":"old","new_passwd":"new"}`

func TestParse_Resources(t *testing.T) {
	m := &Machine{}
	result, err := m.Parse(validParams)
	require.NoError(t, err)
	assert.Equal(t, []string{"lpar01", "lpar02"}, result.Resources.Exclusive)
	assert.Equal(t, description, result.Description)
}

func TestParse_RejectsEmptySystemList(t *testing.T) {
	m := &Machine{}
	_, err := m.Parse(`{"systems":[],"current_passwd":"a","new_passwd":"b"}`)
	assert.Error(t, err)
}

func TestParse_RejectsMalformedJSON(t *testing.T) {
	m := &Machine{}
	_, err := m.Parse(`not json`)
	assert.Error(t, err)
}

func TestPrefilter_StripsPasswordsFromPersistedParams(t *testing.T) {
	m := &Machine{}
	stripped, extra, err := m.Prefilter(validParams)
	require.NoError(t, err)
	assert.NotContains(t, stripped, "old")
	assert.NotContains(t, stripped, "new")
	assert.Contains(t, extra, "old")
	assert.Contains(t, extra, "new")
}

func TestRecombine_RoundTripsPrefilteredSecrets(t *testing.T) {
	m := &Machine{}
	stripped, extra, err := m.Prefilter(validParams)
	require.NoError(t, err)

	recombined, err := m.Recombine(stripped, extra)
	require.NoError(t, err)

	reParsed, err := decodeRequest(recombined)
	require.NoError(t, err)
	assert.Equal(t, "old", reParsed.CurrentPasswd)
	assert.Equal(t, "new", reParsed.NewPasswd)
}

func TestRecombine_NoExtraReturnsInputUnchanged(t *testing.T) {
	m := &Machine{}
	out, err := m.Recombine(`{"systems":[{"name":"lpar01"}]}`, "")
	require.NoError(t, err)
	assert.Equal(t, `{"systems":[{"name":"lpar01"}]}`, out)
}

func TestStart_FailsWithoutRecombinedCredentials(t *testing.T) {
	m := &Machine{}
	stripped, _, err := m.Prefilter(validParams)
	require.NoError(t, err)
	_, err = m.Parse(stripped)
	require.NoError(t, err)

	_, err = m.Start(context.Background())
	assert.Error(t, err)
}

func TestStart_SucceedsWithRecombinedCredentials(t *testing.T) {
	m := &Machine{}
	_, err := m.Parse(validParams)
	require.NoError(t, err)

	rc, err := m.Start(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, rc)
}

func TestCleanup_SetsCleaningUpFlag(t *testing.T) {
	m := &Machine{}
	assert.False(t, m.CleaningUp())
	_, err := m.Cleanup(context.Background())
	require.NoError(t, err)
	assert.True(t, m.CleaningUp())
}
