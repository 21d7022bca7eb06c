package validate

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tidemarklabs/recalld/internal/errs"
)

func TestProjectName(t *testing.T) {
	valid := []string{"a", "my-project", "proj_1", "ABC-123", strings.Repeat("x", 50)}
	for _, name := range valid {
		assert.NoError(t, ProjectName(name), name)
	}

	invalid := []string{"", "has space", "a/b", "dots.here", strings.Repeat("x", 51), "émoji"}
	for _, name := range invalid {
		err := ProjectName(name)
		require.Error(t, err, name)
		assert.Equal(t, errs.KindValidation, errs.KindOf(err))
	}
}

func TestCollectionName(t *testing.T) {
	assert.NoError(t, CollectionName("myproj_codebase"))
	assert.NoError(t, CollectionName(strings.Repeat("c", 100)))
	assert.Error(t, CollectionName(strings.Repeat("c", 101)))
	assert.Error(t, CollectionName("bad name"))
}

func TestLimit(t *testing.T) {
	got, err := Limit(0, 10)
	require.NoError(t, err)
	assert.Equal(t, 10, got, "zero applies default")

	got, err = Limit(25, 10)
	require.NoError(t, err)
	assert.Equal(t, 25, got)

	_, err = Limit(101, 10)
	assert.Error(t, err)
	_, err = Limit(-1, 10)
	assert.Error(t, err)
}

func TestWeight(t *testing.T) {
	got, err := Weight(nil, 0.7)
	require.NoError(t, err)
	assert.Equal(t, 0.7, got)

	w := 0.5
	got, err = Weight(&w, 0.7)
	require.NoError(t, err)
	assert.Equal(t, 0.5, got)

	bad := 1.5
	_, err = Weight(&bad, 0.7)
	assert.Error(t, err)
}

func TestClusterThreshold(t *testing.T) {
	got, err := ClusterThreshold(nil, 0.9)
	require.NoError(t, err)
	assert.Equal(t, 0.9, got)

	low := 0.3
	_, err = ClusterThreshold(&low, 0.9)
	assert.Error(t, err, "clustering thresholds below 0.5 are rejected")
}

func TestOneOf(t *testing.T) {
	assert.NoError(t, OneOf("type", "decision", false, "decision", "insight"))
	assert.NoError(t, OneOf("type", "", true, "decision", "insight"))
	assert.Error(t, OneOf("type", "", false, "decision", "insight"))
	assert.Error(t, OneOf("type", "wish", false, "decision", "insight"))
}
