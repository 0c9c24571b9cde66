// Package broker defines the capability surface Umpire needs from a stream-group
// message broker (append, read-as-group, pending inspection, claim, ack, delete,
// key enumeration) and classifies the errors the rest of the controller reacts to.
//
// The interface is intentionally narrow: every other package (scaler, healer,
// control) depends on Broker, never on a concrete client, so tests run against the
// in-memory fake in brokertest.
package broker

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/google/uuid"
)

// Well-known stream and group names, matching the original controller's static
// config (static.REDIS_WORKFLOW_QUEUE etc).
const (
	WorkflowQueue      = "workflow-queue"
	WorkflowGroup      = "workflow-group"
	ControlQueue       = "workflow-control"
	ControlGroup       = "workflow-control-group"
	ActionResultsGroup = "action-results-group"
	SyntheticConsumer  = "UMPIRE"
)

// uuidGlob is the 8-4-4-4-12 hex pattern expressed as a broker KEYS glob (Redis
// glob syntax has no repetition operator, so each hex digit is a literal '?'
// wildcard), surfaced as a constant per the design note in spec.md §9: dynamic
// key enumeration (not an in-memory catalogue) is the source of truth for
// in-flight executions.
const uuidGlob = "????????-????-????-????-????????????"

// ActionQueueGlob is the broker-side glob matching every ActionQueue key.
const ActionQueueGlob = uuidGlob + ":*:*"

// ResultsKeyGlob is the broker-side glob matching every ResultsKey, for
// shutdown cleanup (spec.md §4.G's "delete those streams" covers results
// keys too, per umpire.py:shutdown's broad "*:*" key scan).
const ResultsKeyGlob = "*:results"

// uuidRegexp validates/parses the same shape using Go regexp, for use after keys
// have already been enumerated with ActionQueueGlob.
const uuidRegexp = `[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{12}`

var actionQueueRE = regexp.MustCompile(`^(` + uuidRegexp + `):([^:]+):([^:]+)$`)

// ParseActionQueue splits an ActionQueue key into its execution ID, app name and
// version, returning ok=false if the key doesn't match the expected pattern.
func ParseActionQueue(key string) (executionID, appName, version string, ok bool) {
	m := actionQueueRE.FindStringSubmatch(key)
	if m == nil {
		return "", "", "", false
	}
	return m[1], m[2], m[3], true
}

// FormatActionQueue builds the ActionQueue key for an execution's app stream.
func FormatActionQueue(executionID, appName, version string) string {
	return fmt.Sprintf("%s:%s:%s", executionID, appName, version)
}

// ActionGroup returns the consumer group name for an (app, version) pair.
func ActionGroup(appName, version string) string {
	return fmt.Sprintf("%s:%s", appName, version)
}

// ResultsKey returns the results key deleted when an execution aborts.
func ResultsKey(executionID string) string {
	return executionID + ":results"
}

// NewExecutionID generates a fresh execution ID matching the 8-4-4-4-12 hex
// pattern ActionQueueGlob expects. Producers mint these; Umpire never does in
// production, but tests and fixtures use it to avoid hand-rolled UUID strings.
func NewExecutionID() string {
	return uuid.New().String()
}

// Message is one entry read from a stream.
type Message struct {
	Stream string
	ID     string
	Fields map[string]string
}

// ConsumerPending describes one consumer's share of a stream's pending entries.
type ConsumerPending struct {
	Consumer string
	Count    int64
}

// PendingSummary is the XPENDING summary form: count, ID range, per-consumer counts.
type PendingSummary struct {
	Count     int64
	MinID     string
	MaxID     string
	Consumers []ConsumerPending
}

// PendingEntry is one entry from the XPENDING extended (ranged) form.
type PendingEntry struct {
	ID         string
	Consumer   string
	Idle       time.Duration
	Deliveries int64
}

// Broker is the capability surface Umpire needs from the message broker.
type Broker interface {
	// CreateGroup creates group on stream, creating the stream if absent. Idempotent:
	// an "already exists" reply is not an error.
	CreateGroup(ctx context.Context, stream, group string) error
	// DestroyGroup destroys group on stream. Idempotent: a missing stream/group is
	// not an error.
	DestroyGroup(ctx context.Context, stream, group string) error
	// Append adds an entry to stream and returns its ID.
	Append(ctx context.Context, stream string, fields map[string]string) (string, error)
	// ReadGroup reads up to count new entries (delivered for the first time) across
	// streams as consumer in group. Blocks until at least one message arrives or
	// block elapses; a zero-length, nil-error result means the read timed out.
	ReadGroup(ctx context.Context, group, consumer string, streams []string, count int64, block time.Duration) ([]Message, error)
	// PendingSummary returns the XPENDING summary for stream/group.
	PendingSummary(ctx context.Context, stream, group string) (PendingSummary, error)
	// PendingRange returns up to count pending entries for consumer (or every
	// consumer if consumer is empty) between lo and hi IDs ("-" and "+" for the
	// full range).
	PendingRange(ctx context.Context, stream, group, consumer, lo, hi string, count int64) ([]PendingEntry, error)
	// Claim transfers ownership of id to newConsumer if it has been idle at least
	// minIdle, returning the claimed message(s).
	Claim(ctx context.Context, stream, group, newConsumer string, minIdle time.Duration, id string) ([]Message, error)
	// Ack acknowledges id in group on stream.
	Ack(ctx context.Context, stream, group, id string) error
	// DeleteEntry removes id from stream entirely (distinct from Ack).
	DeleteEntry(ctx context.Context, stream, id string) error
	// DeleteKey deletes key outright (e.g. an ActionQueue stream or a results
	// key), as opposed to DeleteEntry which removes a single stream entry.
	DeleteKey(ctx context.Context, key string) error
	// KeysMatching lists every key matching glob.
	KeysMatching(ctx context.Context, glob string) ([]string, error)
	// Length returns the number of entries in stream.
	Length(ctx context.Context, stream string) (int64, error)
}

// TransientError wraps a broker I/O or availability failure. Callers should log at
// debug and retry on the next tick.
type TransientError struct{ Err error }

func (e *TransientError) Error() string { return fmt.Sprintf("transient broker error: %v", e.Err) }
func (e *TransientError) Unwrap() error { return e.Err }

// LogicError wraps a semantic violation reported by the broker.
type LogicError struct{ Err error }

func (e *LogicError) Error() string { return fmt.Sprintf("broker logic error: %v", e.Err) }
func (e *LogicError) Unwrap() error { return e.Err }

// ErrStreamOrGroupMissing is returned (wrapped in LogicError) when a stream or
// group disappeared between enumeration and use, e.g. because the control
// listener deleted it mid-abort while the healer or scaler was iterating it.
var ErrStreamOrGroupMissing = errors.New("stream or group missing")
