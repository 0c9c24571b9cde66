package broker

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseActionQueue(t *testing.T) {
	key := FormatActionQueue("aaaaaaaa-aaaa-aaaa-aaaa-aaaaaaaaaaaa", "http", "1.0")
	assert.Equal(t, "aaaaaaaa-aaaa-aaaa-aaaa-aaaaaaaaaaaa:http:1.0", key)

	execID, app, version, ok := ParseActionQueue(key)
	assert.True(t, ok)
	assert.Equal(t, "aaaaaaaa-aaaa-aaaa-aaaa-aaaaaaaaaaaa", execID)
	assert.Equal(t, "http", app)
	assert.Equal(t, "1.0", version)
}

func TestParseActionQueue_RejectsMalformedKey(t *testing.T) {
	_, _, _, ok := ParseActionQueue("not-a-uuid:http:1.0")
	assert.False(t, ok)

	_, _, _, ok = ParseActionQueue(WorkflowQueue)
	assert.False(t, ok)
}

func TestActionGroup(t *testing.T) {
	assert.Equal(t, "http:1.0", ActionGroup("http", "1.0"))
}

func TestResultsKey(t *testing.T) {
	assert.Equal(t, "aaaaaaaa-aaaa-aaaa-aaaa-aaaaaaaaaaaa:results", ResultsKey("aaaaaaaa-aaaa-aaaa-aaaa-aaaaaaaaaaaa"))
}
