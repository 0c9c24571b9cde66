package control

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/umpire/internal/broker"
	"github.com/cuemby/umpire/internal/broker/brokertest"
	"github.com/cuemby/umpire/internal/runtime/runtimetest"
)

type fakeStatusSender struct {
	sent []WorkflowStatusMessage
}

func (f *fakeStatusSender) Send(_ context.Context, msg WorkflowStatusMessage) error {
	f.sent = append(f.sent, msg)
	return nil
}

func seedAbortMessage(t *testing.T, bk *brokertest.Memory, executionID string, wf Workflow) {
	t.Helper()
	wfBytes, err := json.Marshal(wf)
	require.NoError(t, err)
	_, err = bk.Append(context.Background(), broker.ControlQueue, map[string]string{
		"execution_id": executionID,
		"workflow":     string(wfBytes),
	})
	require.NoError(t, err)
}

func TestListener_AbortWithNoExecutingWorker_SendsStatus(t *testing.T) {
	ctx := context.Background()
	bk := brokertest.NewMemory()
	rt := runtimetest.NewMemory()
	status := &fakeStatusSender{}

	require.NoError(t, bk.CreateGroup(ctx, broker.WorkflowQueue, broker.WorkflowGroup))

	const executionID = "11111111-1111-1111-1111-111111111111"
	seedAbortMessage(t, bk, executionID, Workflow{ID: "wf-1", Name: "demo"})

	l := NewListener(bk, rt, status, "self", "walkoff_worker")
	runOneMessage(t, ctx, l, bk)

	require.Len(t, status.sent, 1)
	assert.Equal(t, executionID, status.sent[0].ExecutionID)
	assert.Equal(t, "wf-1", status.sent[0].WorkflowID)
}

func TestListener_AbortSignalsWorkerAndAppContainers(t *testing.T) {
	ctx := context.Background()
	bk := brokertest.NewMemory()
	rt := runtimetest.NewMemory()

	rt.Seed("svc-worker", "walkoff_worker", "img", 1, 1, 1)
	rt.Seed("svc-http", "walkoff_http", "img", 1, 1, 1)
	workerContainers, err := rt.ListContainersOf(ctx, "walkoff_worker")
	require.NoError(t, err)
	require.NotEmpty(t, workerContainers)
	workerContainer := workerContainers[0]
	appContainers, err := rt.ListContainersOf(ctx, "walkoff_http")
	require.NoError(t, err)
	require.NotEmpty(t, appContainers)
	appContainer := appContainers[0]

	require.NoError(t, bk.CreateGroup(ctx, broker.WorkflowQueue, broker.WorkflowGroup))
	bk.SeedEntries(broker.WorkflowQueue, 1)
	bk.DeliverTo(broker.WorkflowQueue, broker.WorkflowGroup, workerContainer)

	const executionID = "22222222-2222-2222-2222-222222222222"
	const actionQueue = executionID + ":http:1.0"
	group := broker.ActionGroup("http", "1.0")
	require.NoError(t, bk.CreateGroup(ctx, actionQueue, group))
	bk.SeedEntries(actionQueue, 1)
	bk.DeliverTo(actionQueue, group, appContainer)

	seedAbortMessage(t, bk, executionID, Workflow{ID: "wf-2", Name: "demo"})

	l := NewListener(bk, rt, nil, "self", "walkoff_worker")
	runOneMessage(t, ctx, l, bk)

	assert.Contains(t, rt.SignalsFor("walkoff_worker"), "SIGQUIT")
	assert.Contains(t, rt.SignalsFor("walkoff_http"), "SIGKILL")
	assert.False(t, bk.StreamExists(actionQueue), "action queue must be deleted on abort")
}

func TestListener_NoHoldersActionQueueDoesNotBlockOthers(t *testing.T) {
	ctx := context.Background()
	bk := brokertest.NewMemory()
	rt := runtimetest.NewMemory()

	require.NoError(t, bk.CreateGroup(ctx, broker.WorkflowQueue, broker.WorkflowGroup))

	const executionID = "33333333-3333-3333-3333-333333333333"
	noHolders := executionID + ":http:1.0"
	hasHolders := executionID + ":worker:1.0"

	require.NoError(t, bk.CreateGroup(ctx, noHolders, broker.ActionGroup("http", "1.0")))
	bk.SeedEntries(noHolders, 1) // entries exist but nobody has read them: no holders

	group2 := broker.ActionGroup("worker", "1.0")
	require.NoError(t, bk.CreateGroup(ctx, hasHolders, group2))
	bk.SeedEntries(hasHolders, 1)
	bk.DeliverTo(hasHolders, group2, "a2")

	seedAbortMessage(t, bk, executionID, Workflow{ID: "wf-3", Name: "demo"})

	l := NewListener(bk, rt, nil, "self", "walkoff_worker")
	runOneMessage(t, ctx, l, bk)

	// The second ActionQueue (with holders) must still have been deleted, proving
	// the no-holders stream didn't stop iteration of the rest.
	assert.False(t, bk.StreamExists(hasHolders))
	// Abort completeness: every E:*:* stream is gone, including ones with no
	// holders to signal.
	assert.False(t, bk.StreamExists(noHolders))
}

// runOneMessage drives Listener.handle directly against the single queued
// control message, avoiding Run's infinite poll loop in tests.
func runOneMessage(t *testing.T, ctx context.Context, l *Listener, bk *brokertest.Memory) {
	t.Helper()
	msgs, err := bk.ReadGroup(ctx, broker.ControlGroup, l.consumer, []string{broker.ControlQueue}, 1, 0)
	if err != nil {
		require.NoError(t, l.bk.CreateGroup(ctx, broker.ControlQueue, broker.ControlGroup))
		msgs, err = bk.ReadGroup(ctx, broker.ControlGroup, l.consumer, []string{broker.ControlQueue}, 1, 0)
	}
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	require.NoError(t, l.handle(ctx, msgs[0]))
}
