package control

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStatusClient_SendsJSONBody(t *testing.T) {
	var got WorkflowStatusMessage
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := NewStatusClient(srv.URL)
	msg := StatusAborted("exec-1", "wf-1", "demo")
	require.NoError(t, c.Send(context.Background(), msg))
	assert.Equal(t, msg, got)
}

func TestStatusClient_RetriesOnceOn5xxThenSucceeds(t *testing.T) {
	var attempts int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&attempts, 1) == 1 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := NewStatusClient(srv.URL)
	require.NoError(t, c.Send(context.Background(), StatusAborted("exec-2", "wf-2", "demo")))
	assert.Equal(t, int32(2), atomic.LoadInt32(&attempts))
}

func TestStatusClient_EmptyURLIsNoop(t *testing.T) {
	c := NewStatusClient("")
	assert.NoError(t, c.Send(context.Background(), StatusAborted("exec-3", "wf-3", "demo")))
}
