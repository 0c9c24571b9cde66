package scaler

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/umpire/internal/apprepo"
	"github.com/cuemby/umpire/internal/broker"
	"github.com/cuemby/umpire/internal/broker/brokertest"
	"github.com/cuemby/umpire/internal/runtime/runtimetest"
	"github.com/cuemby/umpire/internal/snapshot"
)

func newTestRepo(t *testing.T, yamlBody string) *apprepo.Repository {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "http.yaml"), []byte(yamlBody), 0o644))
	repo, err := apprepo.New(dir)
	require.NoError(t, err)
	return repo
}

const httpAppYAML = `
name: http
versions:
  - version: "1.0"
    max_replicas: 3
`

func TestAppScaler_ScalesToQueueDepthCappedAtMaxReplicas(t *testing.T) {
	ctx := context.Background()
	bk := brokertest.NewMemory()
	rt := runtimetest.NewMemory()
	repo := newTestRepo(t, httpAppYAML)

	const stream = "aaaaaaaa-aaaa-aaaa-aaaa-aaaaaaaaaaaa:http:1.0"
	group := broker.ActionGroup("http", "1.0")
	require.NoError(t, bk.CreateGroup(ctx, stream, group))
	bk.SeedEntries(stream, 7)

	rt.Seed("svc-http", "walkoff_http", "img", 1, 1, 1)

	s := NewAppScaler(bk, rt, repo, "walkoff")
	snap, err := snapshot.Build(ctx, rt, "walkoff")
	require.NoError(t, err)

	require.NoError(t, s.Scale(ctx, snap))

	require.Len(t, rt.Ops, 1)
	assert.Contains(t, rt.Ops[0], "replicas=3")
}

func TestAppScaler_SkipsNoOpUpdate(t *testing.T) {
	ctx := context.Background()
	bk := brokertest.NewMemory()
	rt := runtimetest.NewMemory()
	repo := newTestRepo(t, httpAppYAML)

	const stream = "bbbbbbbb-bbbb-bbbb-bbbb-bbbbbbbbbbbb:http:1.0"
	group := broker.ActionGroup("http", "1.0")
	require.NoError(t, bk.CreateGroup(ctx, stream, group))
	bk.SeedEntries(stream, 3)

	rt.Seed("svc-http", "walkoff_http", "img", 1, 3, 3)

	s := NewAppScaler(bk, rt, repo, "walkoff")
	snap, err := snapshot.Build(ctx, rt, "walkoff")
	require.NoError(t, err)

	require.NoError(t, s.Scale(ctx, snap))
	assert.Empty(t, rt.Ops, "needed == current desired must be a no-op")
}

func TestAppScaler_SkipsGroupOnDeletedStream(t *testing.T) {
	ctx := context.Background()
	bk := brokertest.NewMemory()
	rt := runtimetest.NewMemory()
	repo := newTestRepo(t, httpAppYAML)

	const stream = "cccccccc-cccc-cccc-cccc-cccccccccccc:http:1.0"
	bk.SeedEntries(stream, 1) // no group created: PendingSummary will fail

	rt.Seed("svc-http", "walkoff_http", "img", 1, 1, 1)

	s := NewAppScaler(bk, rt, repo, "walkoff")
	snap, err := snapshot.Build(ctx, rt, "walkoff")
	require.NoError(t, err)

	assert.NoError(t, s.Scale(ctx, snap))
	assert.Empty(t, rt.Ops)
}

func TestAppScaler_PartialStreamFailureStillScalesOnSurvivors(t *testing.T) {
	ctx := context.Background()
	bk := brokertest.NewMemory()
	rt := runtimetest.NewMemory()
	repo := newTestRepo(t, httpAppYAML)

	const okStream = "dddddddd-dddd-dddd-dddd-dddddddddddd:http:1.0"
	const goneStream = "eeeeeeee-eeee-eeee-eeee-eeeeeeeeeeee:http:1.0"
	group := broker.ActionGroup("http", "1.0")
	require.NoError(t, bk.CreateGroup(ctx, okStream, group))
	bk.SeedEntries(okStream, 3)
	bk.SeedEntries(goneStream, 1) // no group created: PendingSummary will fail for this one

	rt.Seed("svc-http", "walkoff_http", "img", 1, 1, 1)

	s := NewAppScaler(bk, rt, repo, "walkoff")
	snap, err := snapshot.Build(ctx, rt, "walkoff")
	require.NoError(t, err)

	require.NoError(t, s.Scale(ctx, snap))

	// The failing sibling must not starve the group: it scales from the 3
	// entries on the surviving stream alone, not skip the tick entirely.
	require.Len(t, rt.Ops, 1)
	assert.Contains(t, rt.Ops[0], "replicas=3")
}
