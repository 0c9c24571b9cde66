// Package control implements the abort protocol: a long-lived consumer of the
// control stream that terminates a workflow's owning worker and app
// containers, purges its per-execution streams, and reports status.
package control

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/cuemby/umpire/internal/broker"
	"github.com/cuemby/umpire/internal/log"
	"github.com/cuemby/umpire/internal/metrics"
	"github.com/cuemby/umpire/internal/runtime"
)

// Workflow is the opaque, minimal workflow payload carried on an abort
// command; its internal structure beyond id/name is out of scope.
type Workflow struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// abortMessage is the wire shape of one ControlQueue entry.
type abortMessage struct {
	ExecutionID string   `json:"execution_id"`
	Workflow    Workflow `json:"workflow"`
}

// WorkflowStatusMessage is posted to the status channel when an abort is
// processed for an execution with no in-flight worker to signal.
type WorkflowStatusMessage struct {
	Status       string `json:"status"`
	ExecutionID  string `json:"execution_id"`
	WorkflowID   string `json:"workflow_id"`
	WorkflowName string `json:"workflow_name"`
}

// StatusAborted builds the status message emitted by the abort path.
func StatusAborted(executionID, workflowID, workflowName string) WorkflowStatusMessage {
	return WorkflowStatusMessage{
		Status:       "aborted",
		ExecutionID:  executionID,
		WorkflowID:   workflowID,
		WorkflowName: workflowName,
	}
}

// StatusSender delivers a WorkflowStatusMessage to the status channel; a
// failure is logged and otherwise ignored since the channel is best-effort.
type StatusSender interface {
	Send(ctx context.Context, msg WorkflowStatusMessage) error
}

// Listener consumes ControlQueue and executes the abort protocol.
type Listener struct {
	bk          broker.Broker
	rt          runtime.Runtime
	status      StatusSender
	consumer    string
	readTimeout time.Duration
	logger      zerolog.Logger
}

// NewListener constructs a Listener identifying itself to the broker as
// consumer (the controller's own container ID). The worker is identified by
// its consumer name on WorkflowGroup at abort time, not by service name, so
// no worker service name needs to be retained here.
func NewListener(bk broker.Broker, rt runtime.Runtime, status StatusSender, consumer, workerServiceName string) *Listener {
	return &Listener{
		bk:          bk,
		rt:          rt,
		status:      status,
		consumer:    consumer,
		readTimeout: 5 * time.Second,
		logger:      log.WithComponent("control"),
	}
}

// Run reads ControlQueue in a loop until ctx is cancelled. Transient errors
// are logged and the loop re-enters rather than exiting.
func (l *Listener) Run(ctx context.Context) error {
	if err := l.bk.CreateGroup(ctx, broker.ControlQueue, broker.ControlGroup); err != nil {
		return fmt.Errorf("control listener init: %w", err)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		msgs, err := l.bk.ReadGroup(ctx, broker.ControlGroup, l.consumer, []string{broker.ControlQueue}, 1, l.readTimeout)
		if err != nil {
			if _, ok := err.(*broker.LogicError); ok {
				// Stream/group missing: recreate and retry (spec.md §4.F step 1).
				if cgErr := l.bk.CreateGroup(ctx, broker.ControlQueue, broker.ControlGroup); cgErr != nil {
					l.logger.Warn().Err(cgErr).Msg("failed to recreate control group")
				}
				continue
			}
			l.logger.Debug().Err(err).Msg("control read failed, retrying")
			continue
		}
		if len(msgs) == 0 {
			continue
		}

		for _, m := range msgs {
			if err := l.handle(ctx, m); err != nil {
				l.logger.Warn().Err(err).Str("id", m.ID).Msg("abort handling failed")
			}
		}
	}
}

func (l *Listener) handle(ctx context.Context, m broker.Message) error {
	raw, ok := m.Fields["workflow"]
	if !ok {
		raw = "{}"
	}
	executionID := m.Fields["execution_id"]

	var wf Workflow
	if err := json.Unmarshal([]byte(raw), &wf); err != nil {
		l.logger.Warn().Err(err).Str("id", m.ID).Msg("malformed workflow payload")
	}

	if err := l.abort(ctx, executionID, wf); err != nil {
		return err
	}

	if err := l.bk.Ack(ctx, broker.ControlQueue, broker.ControlGroup, m.ID); err != nil {
		return err
	}
	if err := l.bk.DeleteEntry(ctx, broker.ControlQueue, m.ID); err != nil {
		return err
	}
	metrics.WorkflowsAbortedTotal.Inc()
	return nil
}

func (l *Listener) abort(ctx context.Context, executionID string, wf Workflow) error {
	executing, err := l.bk.PendingSummary(ctx, broker.WorkflowQueue, broker.WorkflowGroup)
	if err != nil {
		return err
	}

	if executing.Count == 0 {
		if l.status != nil {
			if err := l.status.Send(ctx, StatusAborted(executionID, wf.ID, wf.Name)); err != nil {
				l.logger.Warn().Err(err).Msg("status channel send failed")
			}
		}
	} else if len(executing.Consumers) > 0 {
		worker := executing.Consumers[0].Consumer
		if err := l.rt.SignalContainer(ctx, worker, runtime.SIGQUIT); err != nil {
			l.logger.Warn().Err(err).Str("worker", worker).Msg("failed to signal worker")
		}
	}

	if err := l.abortActionQueues(ctx, executionID); err != nil {
		l.logger.Warn().Err(err).Str("execution_id", executionID).Msg("abort action queues failed")
	}

	if err := l.bk.DeleteKey(ctx, broker.ResultsKey(executionID)); err != nil {
		l.logger.Debug().Err(err).Str("execution_id", executionID).Msg("results key delete failed")
	}
	return nil
}

func (l *Listener) abortActionQueues(ctx context.Context, executionID string) error {
	glob := executionID + ":*:*"
	keys, err := l.bk.KeysMatching(ctx, glob)
	if err != nil {
		return err
	}

	for _, key := range keys {
		_, app, version, ok := broker.ParseActionQueue(key)
		if !ok {
			continue
		}
		group := broker.ActionGroup(app, version)

		summary, err := l.bk.PendingSummary(ctx, key, group)
		if err != nil {
			// The stream or its group is gone (e.g. removed concurrently): skip
			// this ActionQueue without deleting it and go on to the execution's
			// other streams.
			continue
		}

		for _, c := range summary.Consumers {
			if err := l.rt.SignalContainer(ctx, c.Consumer, runtime.SIGKILL); err != nil {
				l.logger.Warn().Err(err).Str("consumer", c.Consumer).Msg("failed to signal app container")
			}
		}

		// Resolved open question: a stream with no holders does not stop the loop,
		// so the rest of this execution's streams are still aborted.
		// Delete unconditionally, even with no holders: abort completeness requires
		// every E:*:* stream gone once the abort is processed, not just the ones
		// that happened to have pending entries.
		if err := l.bk.DeleteKey(ctx, key); err != nil {
			l.logger.Warn().Err(err).Str("stream", key).Msg("failed to delete action queue")
		}
	}
	return nil
}
