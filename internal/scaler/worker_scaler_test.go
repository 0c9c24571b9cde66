package scaler

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/umpire/internal/broker"
	"github.com/cuemby/umpire/internal/broker/brokertest"
	"github.com/cuemby/umpire/internal/runtime/runtimetest"
	"github.com/cuemby/umpire/internal/snapshot"
)

func TestWorkerScaler_ScaleThroughZero(t *testing.T) {
	ctx := context.Background()
	bk := brokertest.NewMemory()
	rt := runtimetest.NewMemory()

	require.NoError(t, bk.CreateGroup(ctx, broker.WorkflowQueue, broker.WorkflowGroup))
	bk.SeedEntries(broker.WorkflowQueue, 10)

	rt.Seed("svc-worker", "walkoff_worker", "img", 1, 0, 0)

	s := NewWorkerScaler(bk, rt, "walkoff_worker", 4)
	snap, err := snapshot.Build(ctx, rt, "walkoff")
	require.NoError(t, err)

	require.NoError(t, s.Scale(ctx, snap))

	require.GreaterOrEqual(t, len(rt.Ops), 2)
	assert.Contains(t, rt.Ops[0], "replicas=0")
	assert.Contains(t, rt.Ops[1], "replicas=4")
}

func TestWorkerScaler_NoOpWhenAlreadySatisfied(t *testing.T) {
	ctx := context.Background()
	bk := brokertest.NewMemory()
	rt := runtimetest.NewMemory()

	require.NoError(t, bk.CreateGroup(ctx, broker.WorkflowQueue, broker.WorkflowGroup))
	bk.SeedEntries(broker.WorkflowQueue, 2)

	rt.Seed("svc-worker", "walkoff_worker", "img", 1, 4, 4)

	s := NewWorkerScaler(bk, rt, "walkoff_worker", 4)
	snap, err := snapshot.Build(ctx, rt, "walkoff")
	require.NoError(t, err)

	require.NoError(t, s.Scale(ctx, snap))
	assert.Empty(t, rt.Ops, "no update should be issued when needed <= current")
}

func TestWorkerScaler_GrowsExistingNonZeroService(t *testing.T) {
	ctx := context.Background()
	bk := brokertest.NewMemory()
	rt := runtimetest.NewMemory()

	require.NoError(t, bk.CreateGroup(ctx, broker.WorkflowQueue, broker.WorkflowGroup))
	bk.SeedEntries(broker.WorkflowQueue, 4)

	rt.Seed("svc-worker", "walkoff_worker", "img", 1, 2, 2)

	s := NewWorkerScaler(bk, rt, "walkoff_worker", 4)
	snap, err := snapshot.Build(ctx, rt, "walkoff")
	require.NoError(t, err)

	require.NoError(t, s.Scale(ctx, snap))
	require.Len(t, rt.Ops, 1, "no scale-through-zero step needed when current > 0")
	assert.Contains(t, rt.Ops[0], "replicas=4")
}
