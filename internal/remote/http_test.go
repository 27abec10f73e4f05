package remote

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/clinsync/internal/model"
	"github.com/roach88/clinsync/internal/testutil"
)

func TestHTTP_RoundTrip(t *testing.T) {
	a, _, _ := newAuthority(t)
	srv := httptest.NewServer(NewHandler(a, nil))
	t.Cleanup(srv.Close)

	c := NewHTTPClient(srv.URL+"/", WithDeviceID("dev-1"), WithTimeout(5*time.Second))
	ctx := context.Background()

	item := pushItem("Patient", "P1", model.OpCreate, testutil.Epoch, model.Object{
		"name": model.String("Ada"),
		"mrn":  model.Int(1 << 53),
	})
	outs, err := c.Push(ctx, []PushItem{item})
	require.NoError(t, err)
	require.Len(t, outs, 1)
	assert.Equal(t, StatusAccepted, outs[0].Status)

	records, err := c.Changes(ctx, nil, 100)
	require.NoError(t, err)
	require.Len(t, records, 1)
	got := records[0].Entity
	assert.Equal(t, "P1", got.ID)
	assert.Equal(t, model.Int(1<<53), got.Payload["mrn"])
	assert.Equal(t, testutil.Epoch, got.LastModifiedUTC)

	since := records[0].ChangedAt
	records, err = c.Changes(ctx, &since, 100)
	require.NoError(t, err)
	assert.Empty(t, records)
}

func TestHTTP_ConflictCarriesRemote(t *testing.T) {
	a, _, _ := newAuthority(t)
	srv := httptest.NewServer(NewHandler(a, nil))
	t.Cleanup(srv.Close)
	c := NewHTTPClient(srv.URL)
	ctx := context.Background()

	_, err := c.Push(ctx, []PushItem{pushItem("Patient", "P1", model.OpCreate, testutil.Epoch.Add(time.Hour), model.Object{})})
	require.NoError(t, err)

	outs, err := c.Push(ctx, []PushItem{pushItem("Patient", "P1", model.OpUpdate, testutil.Epoch, model.Object{})})
	require.NoError(t, err)
	require.Len(t, outs, 1)
	assert.Equal(t, StatusConflict, outs[0].Status)
	require.NotNil(t, outs[0].Remote)
	assert.Equal(t, testutil.Epoch.Add(time.Hour), outs[0].Remote.Entity.LastModifiedUTC)
}

func TestHTTP_ErrorClassification(t *testing.T) {
	tests := []struct {
		name   string
		status int
		want   error
	}{
		{"server error", http.StatusInternalServerError, ErrUnavailable},
		{"unavailable", http.StatusServiceUnavailable, ErrUnavailable},
		{"throttled", http.StatusTooManyRequests, ErrUnavailable},
		{"bad request", http.StatusBadRequest, ErrBadRequest},
		{"unauthorized", http.StatusUnauthorized, ErrBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(`{"error":"nope"}`))
			}))
			t.Cleanup(srv.Close)

			_, err := NewHTTPClient(srv.URL).Push(context.Background(), nil)
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.want)
			assert.Contains(t, err.Error(), "nope")
		})
	}
}

func TestHTTP_UnreachableIsRetryable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	_, err := NewHTTPClient(url).Changes(context.Background(), nil, 10)
	require.Error(t, err)
	assert.True(t, IsRetryable(err))
}

func TestHandler_Validation(t *testing.T) {
	a, _, _ := newAuthority(t)
	h := NewHandler(a, nil)

	for _, target := range []string{"/v1/changes?since=yesterday", "/v1/changes?limit=-1"} {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, target, nil))
		assert.Equal(t, http.StatusBadRequest, rec.Code, target)
	}

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/push", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/push", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}
