package healer

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/umpire/internal/broker"
	"github.com/cuemby/umpire/internal/broker/brokertest"
	"github.com/cuemby/umpire/internal/runtime/runtimetest"
)

func TestHealer_ReclaimsStrandedMessage(t *testing.T) {
	ctx := context.Background()
	bk := brokertest.NewMemory()
	rt := runtimetest.NewMemory()

	stream := broker.FormatActionQueue(broker.NewExecutionID(), "http", "1.0")
	group := broker.ActionGroup("http", "1.0")

	require.NoError(t, bk.CreateGroup(ctx, stream, group))
	bk.SeedEntries(stream, 1)
	bk.DeliverTo(stream, group, "deadbeef01") // dead consumer

	// Only the service's own running container (svc-http-c0) is alive;
	// deadbeef01 is not among them.
	rt.Seed("svc-http", "walkoff_http", "img", 1, 1, 1)

	h := NewHealer(bk, rt, "walkoff")
	require.NoError(t, h.Heal(ctx))

	// The original entry must be gone and a fresh re-appended one must exist.
	n, err := bk.Length(ctx, stream)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	ackIdx, claimIdx, appendIdx, deleteIdx := -1, -1, -1, -1
	for i, op := range bk.Ops {
		switch {
		case ackIdx < 0 && len(op) >= 4 && op[:4] == "ack:":
			ackIdx = i
		case claimIdx < 0 && len(op) >= 6 && op[:6] == "claim:":
			claimIdx = i
		case appendIdx < 0 && len(op) >= 7 && op[:7] == "append:" && i > 1:
			appendIdx = i
		case deleteIdx < 0 && len(op) >= 7 && op[:7] == "delete:":
			deleteIdx = i
		}
	}

	require.GreaterOrEqual(t, claimIdx, 0, "claim must have happened")
	require.GreaterOrEqual(t, appendIdx, 0, "re-append must have happened")
	require.GreaterOrEqual(t, ackIdx, 0, "ack must have happened")
	require.GreaterOrEqual(t, deleteIdx, 0, "delete must have happened")

	assert.Less(t, claimIdx, appendIdx, "claim before re-append")
	assert.Less(t, appendIdx, ackIdx, "re-append before ack")
	assert.Less(t, ackIdx, deleteIdx, "ack before delete")
}

func TestHealer_SkipsStreamWhenPendingSummaryFails(t *testing.T) {
	ctx := context.Background()
	bk := brokertest.NewMemory()
	rt := runtimetest.NewMemory()

	// A stream matching the ActionQueue glob but with no group created at all
	// (e.g. deleted concurrently by an abort) must not abort the whole pass.
	deletedStream := broker.FormatActionQueue(broker.NewExecutionID(), "http", "1.0")
	bk.SeedEntries(deletedStream, 1)

	h := NewHealer(bk, rt, "walkoff")
	assert.NoError(t, h.Heal(ctx))
}
