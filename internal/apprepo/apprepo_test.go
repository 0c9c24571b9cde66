package apprepo

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const httpYAML = `
name: http
versions:
  - version: "1.0"
    max_replicas: 3
  - version: "2.0"
    max_replicas: 5
`

func TestNew_LoadsAppSpecs(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "http.yaml"), []byte(httpYAML), 0o644))

	repo, err := New(dir)
	require.NoError(t, err)

	spec, ok := repo.Lookup("http", "1.0")
	require.True(t, ok)
	assert.Equal(t, 3, spec.MaxReplicas)

	spec, ok = repo.Lookup("http", "2.0")
	require.True(t, ok)
	assert.Equal(t, 5, spec.MaxReplicas)

	_, ok = repo.Lookup("http", "9.9")
	assert.False(t, ok)
}

func TestNew_EmptyDirectoryIsFatal(t *testing.T) {
	_, err := New(t.TempDir())
	assert.ErrorIs(t, err, ErrEmpty)
}

func TestRefresh_PrunesRemovedApps(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "http.yaml")
	require.NoError(t, os.WriteFile(path, []byte(httpYAML), 0o644))
	otherPath := filepath.Join(dir, "other.yaml")
	require.NoError(t, os.WriteFile(otherPath, []byte("name: other\nversions:\n  - version: \"1.0\"\n    max_replicas: 1\n"), 0o644))

	repo, err := New(dir)
	require.NoError(t, err)
	assert.Contains(t, repo.Apps(), "http")

	require.NoError(t, os.Remove(path))
	require.NoError(t, repo.Refresh())
	assert.NotContains(t, repo.Apps(), "http")
	assert.Contains(t, repo.Apps(), "other")

	require.NoError(t, os.Remove(otherPath))
	err = repo.Refresh()
	assert.ErrorIs(t, err, ErrEmpty, "refresh with no apps left reports ErrEmpty")
}
