package homeassistant

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublish(t *testing.T) {
	var gotPath, gotAuth string
	var gotBody sensorState

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("Authorization")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	p := New(srv.URL, "token-123", "expense_reconciler")
	require.NotNil(t, p)

	p.Publish(context.Background(), "running", map[string]interface{}{"run_state": "fetching"})

	assert.Equal(t, "/api/states/sensor.expense_reconciler", gotPath)
	assert.Equal(t, "Bearer token-123", gotAuth)
	assert.Equal(t, "running", gotBody.State)
	assert.Equal(t, "fetching", gotBody.Attributes["run_state"])
}

func TestPublish_ServerErrorIsSwallowed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	p := New(srv.URL, "bad-token", "expense_reconciler")

	// Must not panic or surface the failure.
	p.Publish(context.Background(), "idle", nil)
}

func TestPublish_UnreachableHostIsSwallowed(t *testing.T) {
	p := New("http://127.0.0.1:1", "token", "expense_reconciler")
	p.Publish(context.Background(), "error", map[string]interface{}{"error": "boom"})
}

func TestNew_UnconfiguredReturnsNil(t *testing.T) {
	assert.Nil(t, New("", "token", "entity"))
}
