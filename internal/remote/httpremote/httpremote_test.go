package httpremote

import (
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/floorlog/internal/model"
	"github.com/roach88/floorlog/internal/remote"
)

var t0 = time.Date(2026, 3, 2, 6, 0, 0, 0, time.UTC)

func newTestServer(t *testing.T) (*remote.Memory, *Client) {
	t.Helper()
	mem := remote.NewMemory()
	srv := httptest.NewServer(NewServer(mem).Handler())
	t.Cleanup(srv.Close)
	return mem, NewClient(srv.URL+"/", srv.Client())
}

func claim(id, actor string) model.WorkEvent {
	return model.WorkEvent{
		EventID:      id,
		WorkItemCode: "WO-100",
		Type:         model.EventClaimed,
		ActorID:      actor,
		ActorRole:    model.RoleAssembler,
		DeviceID:     "tablet-7",
		OccurredAt:   t0,
	}
}

func TestClient_PushAndHistory(t *testing.T) {
	_, c := newTestServer(t)
	ctx := t.Context()

	results, err := c.PushEvents(ctx, []model.WorkEvent{claim("e1", "alice"), claim("e2", "bob")})
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, remote.VerdictAccepted, results[0].Verdict)
	assert.Equal(t, remote.VerdictConflicted, results[1].Verdict)

	history, err := c.History(ctx, "wo-100")
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, "e1", history[0].EventID)
	assert.Equal(t, t0, history[0].OccurredAt)
}

func TestClient_UnreachableAuthorityIsError(t *testing.T) {
	mem, c := newTestServer(t)
	mem.SetReachable(false)

	_, err := c.PushEvents(t.Context(), []model.WorkEvent{claim("e1", "alice")})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 503")
}

func TestClient_OversizedBatchIsRejected(t *testing.T) {
	_, c := newTestServer(t)

	batch := make([]model.WorkEvent, MaxBatch+1)
	for i := range batch {
		batch[i] = claim(fmt.Sprintf("e%d", i), "alice")
	}
	results, err := c.PushEvents(t.Context(), batch)
	require.NoError(t, err)
	require.Len(t, results, len(batch))
	assert.Equal(t, "e0", results[0].EventID)
	for _, r := range results {
		assert.Equal(t, remote.VerdictRejected, r.Verdict)
		assert.Contains(t, r.Reason, "too many events")
	}
}

func TestClient_StatusVerdicts(t *testing.T) {
	tests := []struct {
		status  int
		verdict remote.Verdict
		ok      bool
	}{
		{http.StatusBadRequest, remote.VerdictRejected, true},
		{http.StatusRequestEntityTooLarge, remote.VerdictRejected, true},
		{http.StatusUnprocessableEntity, remote.VerdictRejected, true},
		{http.StatusConflict, remote.VerdictConflicted, true},
		{http.StatusInternalServerError, "", false},
		{http.StatusServiceUnavailable, "", false},
		{http.StatusTooManyRequests, "", false},
	}
	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(tt.status)
				fmt.Fprint(w, `{"error":"nope"}`)
			}))
			defer srv.Close()
			c := NewClient(srv.URL, srv.Client())

			results, err := c.PushEvents(t.Context(), []model.WorkEvent{claim("e1", "alice")})
			if !tt.ok {
				require.Error(t, err)
				var se *StatusError
				require.True(t, errors.As(err, &se))
				assert.Equal(t, tt.status, se.Code)
				assert.Equal(t, "nope", se.Message)
				return
			}
			require.NoError(t, err)
			require.Len(t, results, 1)
			assert.Equal(t, "e1", results[0].EventID)
			assert.Equal(t, tt.verdict, results[0].Verdict)
			assert.Contains(t, results[0].Reason, "nope")
		})
	}
}

func TestServer_RejectsBadRequests(t *testing.T) {
	srv := httptest.NewServer(NewServer(remote.NewMemory()).Handler())
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/v1/events/push", "application/json", strings.NewReader(`{"events": []}`))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, err = http.Post(srv.URL+"/v1/events/push", "application/json", strings.NewReader(`{"evnts": 1}`))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, err = http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
