package telemetry

import (
	"context"
	"errors"
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/clinsync/internal/model"
)

type fakeSource struct {
	st  model.QueueStatus
	err error
}

func (f fakeSource) QueueStatus(context.Context) (model.QueueStatus, error) {
	return f.st, f.err
}

func TestQueueCollector(t *testing.T) {
	oldest := time.Unix(1700000000, 0).UTC()
	src := fakeSource{st: model.QueueStatus{
		PendingCount:    2,
		FailedCount:     1,
		ExhaustedCount:  1,
		ConflictCount:   3,
		OldestPendingAt: &oldest,
	}}

	expected := `
# HELP clinsync_queue_items Queue items by status.
# TYPE clinsync_queue_items gauge
clinsync_queue_items{status="completed"} 0
clinsync_queue_items{status="conflict"} 3
clinsync_queue_items{status="failed"} 1
clinsync_queue_items{status="pending"} 2
clinsync_queue_items{status="processing"} 0
# HELP clinsync_queue_oldest_pending_seconds Unix time of the oldest pending item, 0 when none.
# TYPE clinsync_queue_oldest_pending_seconds gauge
clinsync_queue_oldest_pending_seconds 1.7e+09
`
	err := testutil.CollectAndCompare(NewQueueCollector(src), strings.NewReader(expected),
		"clinsync_queue_items", "clinsync_queue_oldest_pending_seconds")
	require.NoError(t, err)
}

func TestQueueCollector_ScrapeError(t *testing.T) {
	c := NewQueueCollector(fakeSource{err: errors.New("db closed")})
	expected := `
# HELP clinsync_queue_scrape_errors_total Queue status reads that failed during a scrape.
# TYPE clinsync_queue_scrape_errors_total counter
clinsync_queue_scrape_errors_total 1
`
	require.NoError(t, testutil.CollectAndCompare(c, strings.NewReader(expected)))
}

func TestSyncMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewSyncMetrics(reg)
	m.ObserveItem("push", "accepted")
	m.ObserveItem("push", "accepted")
	m.ObserveRun("ok", 2*time.Second)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.Items.WithLabelValues("push", "accepted")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Runs.WithLabelValues("ok")))

	var nilMetrics *SyncMetrics
	nilMetrics.ObserveItem("pull", "applied")
	nilMetrics.ObserveRun("ok", time.Second)
}

func TestHandlerServesRegistry(t *testing.T) {
	reg := NewRegistry(fakeSource{})
	srv := httptest.NewServer(Handler(reg))
	t.Cleanup(srv.Close)

	resp, err := srv.Client().Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "clinsync_queue_items")
	assert.Contains(t, string(body), "go_goroutines")
}
