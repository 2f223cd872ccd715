package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Dylzzzzz/actual-budget-system/internal/logger"
	"github.com/Dylzzzzz/actual-budget-system/internal/reconcile"
	"github.com/Dylzzzzz/actual-budget-system/internal/state"
)

type mockEngine struct {
	StartFunc     func(ctx context.Context, runID string) error
	SnapshotFunc  func() reconcile.Snapshot
	ReprocessFunc func(ctx context.Context, id string) error

	busy atomic.Bool
	ran  chan struct{}
}

// Start mirrors the engine's single-flight slot: the first caller wins, any
// concurrent caller is rejected until the slot is released.
func (m *mockEngine) Start(ctx context.Context, runID string) error {
	if m.StartFunc != nil {
		return m.StartFunc(ctx, runID)
	}
	if !m.busy.CompareAndSwap(false, true) {
		return reconcile.ErrRunInProgress
	}
	if m.ran != nil {
		close(m.ran)
	}
	return nil
}

func (m *mockEngine) Snapshot() reconcile.Snapshot {
	if m.SnapshotFunc != nil {
		return m.SnapshotFunc()
	}
	return reconcile.Snapshot{RunState: reconcile.StateIdle}
}

func (m *mockEngine) Reprocess(ctx context.Context, id string) error {
	if m.ReprocessFunc != nil {
		return m.ReprocessFunc(ctx, id)
	}
	return nil
}

func newTestServer(eng *mockEngine) *httptest.Server {
	s := New(eng, logger.New("error"))
	return httptest.NewServer(s.Router())
}

func TestHandleReconcile_Accepted(t *testing.T) {
	eng := &mockEngine{ran: make(chan struct{})}
	srv := newTestServer(eng)
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/api/reconcile", "application/json", nil)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusAccepted, resp.StatusCode)

	var body map[string]interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, true, body["started"])
	assert.NotEmpty(t, body["run_id"])

	select {
	case <-eng.ran:
	case <-time.After(time.Second):
		t.Fatal("background run was never started")
	}
}

func TestHandleReconcile_ConflictWhileRunning(t *testing.T) {
	eng := &mockEngine{
		StartFunc: func(ctx context.Context, runID string) error {
			return reconcile.ErrRunInProgress
		},
	}
	srv := newTestServer(eng)
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/api/reconcile", "application/json", nil)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	var body map[string]interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, false, body["started"])
}

func TestHandleReconcile_SimultaneousTriggersStartOneRun(t *testing.T) {
	eng := &mockEngine{}
	srv := newTestServer(eng)
	defer srv.Close()

	const triggers = 8
	codes := make(chan int, triggers)
	var wg sync.WaitGroup
	for i := 0; i < triggers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			resp, err := http.Post(srv.URL+"/api/reconcile", "application/json", nil)
			if err != nil {
				codes <- 0
				return
			}
			resp.Body.Close()
			codes <- resp.StatusCode
		}()
	}
	wg.Wait()
	close(codes)

	// Exactly one trigger may report started; everyone else gets a conflict.
	accepted, conflicted := 0, 0
	for code := range codes {
		switch code {
		case http.StatusAccepted:
			accepted++
		case http.StatusConflict:
			conflicted++
		default:
			t.Fatalf("unexpected status code %d", code)
		}
	}
	assert.Equal(t, 1, accepted)
	assert.Equal(t, triggers-1, conflicted)
}

func TestHandleStatus(t *testing.T) {
	last := time.Date(2024, 1, 15, 8, 0, 0, 0, time.UTC)
	eng := &mockEngine{
		SnapshotFunc: func() reconcile.Snapshot {
			return reconcile.Snapshot{
				RunState:       reconcile.StateIdle,
				Counters:       state.Counters{Submitted: 4, Failed: 1},
				Statistics:     state.Statistics{TotalProcessed: 5, TotalSubmitted: 4, TotalFailed: 1},
				LastProcessing: &last,
			}
		},
	}
	srv := newTestServer(eng)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/api/status")
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)

	var snap reconcile.Snapshot
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&snap))
	assert.Equal(t, reconcile.StateIdle, snap.RunState)
	assert.Equal(t, 4, snap.Counters.Submitted)
	assert.Equal(t, 5, snap.Statistics.TotalProcessed)
}

func TestHandleReprocess(t *testing.T) {
	var gotID string
	eng := &mockEngine{
		ReprocessFunc: func(ctx context.Context, id string) error {
			gotID = id
			return nil
		},
	}
	srv := newTestServer(eng)
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/api/transactions/tx-42/reprocess", "application/json", nil)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "tx-42", gotID)
}

func TestHandleReprocess_WrongStatusConflicts(t *testing.T) {
	eng := &mockEngine{
		ReprocessFunc: func(ctx context.Context, id string) error {
			return fmt.Errorf("Reprocess: %s is submitted: %w", id, state.ErrNotFailed)
		},
	}
	srv := newTestServer(eng)
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/api/transactions/tx-1/reprocess", "application/json", nil)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	var body map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Contains(t, body["error"], "only failed transactions")
}

func TestHandleReprocess_UnknownTransactionNotFound(t *testing.T) {
	eng := &mockEngine{
		ReprocessFunc: func(ctx context.Context, id string) error {
			return fmt.Errorf("Reprocess: %s: %w", id, state.ErrNotTracked)
		},
	}
	srv := newTestServer(eng)
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/api/transactions/tx-9/reprocess", "application/json", nil)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestHandleHealth(t *testing.T) {
	srv := newTestServer(&mockEngine{})
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
