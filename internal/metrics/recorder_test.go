package metrics

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecorderCounters(t *testing.T) {
	r := New()

	r.ObserveBatch(10000, 2048)
	r.ObserveBatch(5000, 1024)
	r.BatchSubmitted()
	r.BatchSubmissionFailed()
	r.ObservePoll(2, false)
	r.ObservePoll(1, true)
	r.ObserveResultRows(RowSkipped, 3)
	r.ObserveResultRows(RowGenuine, 0)
	r.ObserveRetry("batch_statuses")

	assert.Equal(t, 15000.0, testutil.ToFloat64(r.rowsRead))
	assert.Equal(t, 2.0, testutil.ToFloat64(r.batchesEmitted))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.batchesSubmitted))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.batchesFailed))
	assert.Equal(t, 2.0, testutil.ToFloat64(r.polls))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.pollFailures))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.pendingBatches))
	assert.Equal(t, 3.0, testutil.ToFloat64(r.resultRows.WithLabelValues(RowSkipped)))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.apiRetries.WithLabelValues("batch_statuses")))
}

func TestRecorderOutcome(t *testing.T) {
	r := New()
	finished := time.Unix(1700000000, 0)

	r.ObserveOutcome(true, finished)
	assert.Equal(t, 1.0, testutil.ToFloat64(r.lastRunClean))
	assert.Equal(t, 1700000000.0, testutil.ToFloat64(r.lastRunFinishedSec))

	r.ObserveOutcome(false, finished)
	assert.Equal(t, 0.0, testutil.ToFloat64(r.lastRunClean))
}

func TestRecorderTimingsSummary(t *testing.T) {
	r := New()
	assert.Equal(t, "No timings recorded", r.String())

	r.ObserveAPICall("create_job", 100*time.Millisecond, nil)
	r.ObserveAPICall("create_batch", 200*time.Millisecond, nil)
	r.ObserveAPICall("create_batch", 400*time.Millisecond, errors.New("boom"))

	s := r.String()
	assert.Equal(t, "create_batch: total=600ms count=2 avg=300ms; create_job: total=100ms count=1 avg=100ms", s)
}

func TestRecorderHandler(t *testing.T) {
	r := New()
	r.ObserveBatch(3, 100)

	rec := httptest.NewRecorder()
	r.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "bulkupsert_rows_read_total 3")
}

func TestRecorderWriteTextfile(t *testing.T) {
	r := New()
	r.ObserveOutcome(true, time.Now())

	path := filepath.Join(t.TempDir(), "bulkupsert.prom")
	require.NoError(t, r.WriteTextfile(path))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.True(t, strings.Contains(string(data), "bulkupsert_last_run_clean 1"))

	assert.NoError(t, r.WriteTextfile(""))
}

func TestNilRecorder(t *testing.T) {
	var r *Recorder

	assert.NotPanics(t, func() {
		r.ObserveBatch(1, 1)
		r.BatchSubmitted()
		r.BatchSubmissionFailed()
		r.ObservePoll(0, true)
		r.ObserveResultRows(RowGenuine, 1)
		r.ObserveAPICall("x", time.Second, nil)
		r.ObserveRetry("x")
		r.ObserveOutcome(true, time.Now())
	})
	assert.Nil(t, r.Registry())
	assert.NoError(t, r.WriteTextfile("/nonexistent/x.prom"))
	assert.Equal(t, "No timings recorded", r.String())
}
