package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ryabkov82/crm-bulk-upsert/internal/bulk"
	"github.com/ryabkov82/crm-bulk-upsert/internal/bulk/bulktest"
	"github.com/ryabkov82/crm-bulk-upsert/internal/config"
	"github.com/ryabkov82/crm-bulk-upsert/internal/job"
	"github.com/ryabkov82/crm-bulk-upsert/internal/metrics"
	"github.com/ryabkov82/crm-bulk-upsert/internal/notify"
	"github.com/ryabkov82/crm-bulk-upsert/internal/runerr"
)

func noWait(ctx context.Context, d time.Duration) error { return ctx.Err() }

// writeSource writes a header and n data rows "A<i>,Name <i>" for i in 1..n
func writeSource(t *testing.T, n int) string {
	t.Helper()
	var sb strings.Builder
	sb.WriteString("ACCOUNT_NO,Name\n")
	for i := 1; i <= n; i++ {
		fmt.Fprintf(&sb, "A%05d,Name %d\n", i, i)
	}
	path := filepath.Join(t.TempDir(), "accounts.csv")
	require.NoError(t, os.WriteFile(path, []byte(sb.String()), 0644))
	return path
}

type fixture struct {
	srv      *bulktest.Server
	client   *bulk.Client
	cfg      config.Config
	recorder *metrics.Recorder
}

func newFixture(t *testing.T, rows int) *fixture {
	t.Helper()
	srv := bulktest.NewServer()
	t.Cleanup(srv.Close)

	recorder := metrics.New()
	client := bulk.New(bulk.Options{
		Endpoint:     srv.URL,
		APIVersion:   "58.0",
		UserID:       "loader@example.com",
		Password:     "s3cret",
		Timeout:      5 * time.Second,
		MaxRetries:   1,
		BackoffMs:    1,
		BackoffMaxMs: 2,
		Gzip:         true,
		Recorder:     recorder,
	})
	require.NoError(t, client.Login(context.Background()))

	opts := config.DefaultOptions()
	opts.MaxRowsPerBatch = 10
	opts.StagingDir = t.TempDir()
	return &fixture{
		srv:    srv,
		client: client,
		cfg: config.Config{
			Settings: config.Settings{
				UserID:     "loader@example.com",
				Credential: "s3cret",
				APIVersion: "58.0",
				Endpoint:   srv.URL,
				FilePath:   writeSource(t, rows),
			},
			Options: opts,
		},
		recorder: recorder,
	}
}

func (f *fixture) runner(n notify.Notifier) *Runner {
	return New(f.cfg, f.client, nil, f.recorder, n).WithWaiter(noWait)
}

func TestRunClean(t *testing.T) {
	f := newFixture(t, 25)
	r := f.runner(notify.NewTaskNotifier(f.client, "Account import"))

	outcome, err := r.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, runerr.ExitClean, runerr.ExitCode(err))

	assert.True(t, outcome.IsClean)
	assert.Equal(t, 25, outcome.RecordsProcessed)
	assert.Zero(t, outcome.RecordsFailed)

	jobs := f.srv.Jobs()
	require.Len(t, jobs, 1)
	assert.Equal(t, "Closed", jobs[0].State)
	assert.Equal(t, "upsert", jobs[0].Operation)
	assert.Equal(t, "Account", jobs[0].Object)
	require.Len(t, jobs[0].Batches, 3)

	var body []string
	for i, want := range []int{10, 10, 5} {
		b := jobs[0].Batches[i]
		assert.Equal(t, "ACCOUNTNUMBER,Name", b.Header())
		assert.Len(t, b.Rows(), want)
		assert.Equal(t, "gzip", b.ContentEncoding)
		body = append(body, b.Rows()...)
	}
	require.Len(t, body, 25)
	assert.Equal(t, "A00001,Name 1", body[0])
	assert.Equal(t, "A00025,Name 25", body[24])

	run := r.Store().Snapshot()
	assert.Equal(t, job.PhaseSucceeded, run.Phase)
	assert.Equal(t, jobs[0].ID, run.JobID)
	assert.EqualValues(t, 25, run.RowsRead)
	assert.EqualValues(t, 3, run.BatchesEmitted)
	assert.EqualValues(t, 3, run.BatchesSubmitted)
	assert.NotNil(t, run.FinishedAt)
	require.NotNil(t, run.Outcome)
	assert.True(t, run.Outcome.IsClean)

	records := f.srv.Records()
	require.Len(t, records, 1)
	assert.Equal(t, "Task", records[0].SObject)
	assert.Contains(t, records[0].Fields["Description"], jobs[0].ID)
}

func TestRunAllowableErrorsStayClean(t *testing.T) {
	f := newFixture(t, 25)
	f.srv.RowResult = func(row string) (bool, string) {
		if strings.HasSuffix(row, "7") {
			return false, "[Allowable Error]: duplicate"
		}
		return true, ""
	}

	outcome, err := f.runner(nil).Run(context.Background())
	require.NoError(t, err)
	assert.True(t, outcome.IsClean)
	assert.Equal(t, 2, outcome.RecordsFailed)
	assert.Equal(t, 2, outcome.SkippedErrorCount)
	assert.Zero(t, outcome.GenuineFailures)
}

func TestRunGenuineFailureIsDirty(t *testing.T) {
	f := newFixture(t, 25)
	f.srv.RowResult = func(row string) (bool, string) {
		switch {
		case strings.HasSuffix(row, "Name 7"):
			return false, "[Allowable Error]: duplicate"
		case strings.HasSuffix(row, "Name 12"):
			return false, "REQUIRED_FIELD_MISSING:Required fields are missing: [Name]"
		}
		return true, ""
	}
	r := f.runner(notify.NewTaskNotifier(f.client, "Account import"))

	outcome, err := r.Run(context.Background())
	require.Error(t, err)
	assert.True(t, runerr.Is(err, runerr.DirtyRun))
	assert.Equal(t, runerr.ExitFailed, runerr.ExitCode(err))

	assert.False(t, outcome.IsClean)
	assert.Equal(t, 2, outcome.RecordsFailed)
	assert.Equal(t, 1, outcome.SkippedErrorCount)
	assert.Equal(t, 1, outcome.GenuineFailures)

	run := r.Store().Snapshot()
	assert.Equal(t, job.PhaseDirty, run.Phase)
	assert.NotEmpty(t, run.LastError)

	records := f.srv.Records()
	require.Len(t, records, 1, "dirty runs are notified too")
	assert.Contains(t, records[0].Fields["Subject"], "(dirty)")
}

func TestRunHeaderOnly(t *testing.T) {
	f := newFixture(t, 0)

	outcome, err := f.runner(nil).Run(context.Background())
	require.NoError(t, err)
	assert.True(t, outcome.IsClean)
	assert.Zero(t, f.srv.Calls(bulktest.RouteCreateBatch))

	jobs := f.srv.Jobs()
	require.Len(t, jobs, 1)
	assert.Equal(t, "Closed", jobs[0].State)
}

func TestRunMissingSource(t *testing.T) {
	f := newFixture(t, 1)
	f.cfg.Settings.FilePath = filepath.Join(t.TempDir(), "missing.csv")
	r := f.runner(nil)

	_, err := r.Run(context.Background())
	require.Error(t, err)
	assert.True(t, runerr.Is(err, runerr.SourceUnavailable))
	assert.Equal(t, runerr.ExitPrecondition, runerr.ExitCode(err))
	assert.Empty(t, f.srv.Jobs(), "no job is created for an unreadable source")
	assert.Equal(t, job.PhaseFailed, r.Store().Snapshot().Phase)
}

func TestRunSourceOutsideBaseDir(t *testing.T) {
	f := newFixture(t, 1)
	f.cfg.Options.AllowedBaseDir = t.TempDir()

	_, err := f.runner(nil).Run(context.Background())
	assert.True(t, runerr.Is(err, runerr.SourceUnavailable))
	assert.Empty(t, f.srv.Jobs())
}

func TestRunJobCreationFailure(t *testing.T) {
	f := newFixture(t, 5)
	f.srv.Fail(bulktest.RouteCreateJob, 500, `{"exceptionCode":"ServerUnavailable","exceptionMessage":"down"}`, 1)

	_, err := f.runner(nil).Run(context.Background())
	require.Error(t, err)
	assert.True(t, runerr.Is(err, runerr.JobCreationFailure))
	assert.Equal(t, 1, f.srv.Calls(bulktest.RouteCreateJob), "job creation is not retried")
	assert.Zero(t, f.srv.Calls(bulktest.RouteCreateBatch))
}

func TestRunSubmissionFailureSkipsBatch(t *testing.T) {
	f := newFixture(t, 25)
	f.srv.Fail(bulktest.RouteCreateBatch, 400, `{"exceptionCode":"InvalidBatch","exceptionMessage":"bad payload"}`, 1)
	r := f.runner(nil)

	outcome, err := r.Run(context.Background())
	require.Error(t, err)
	assert.True(t, runerr.Is(err, runerr.DirtyRun))
	assert.Equal(t, 1, outcome.SubmissionFailures)
	assert.Equal(t, 15, outcome.RecordsProcessed)
	assert.Zero(t, outcome.RecordsFailed)

	assert.Equal(t, 3, f.srv.Calls(bulktest.RouteCreateBatch))
	assert.Len(t, f.srv.Jobs()[0].Batches, 2)

	run := r.Store().Snapshot()
	assert.EqualValues(t, 1, run.SubmissionFailures)
	assert.Len(t, run.Batches, 2)
	assert.EqualValues(t, 2, run.Batches[0].Seq, "first tracked batch is the second emitted")
}

func TestRunFailedBatchIsDirty(t *testing.T) {
	f := newFixture(t, 25)
	f.srv.FinalState = func(b *bulktest.Batch) string {
		if len(b.Rows()) < 10 {
			return "Failed"
		}
		return "Completed"
	}

	outcome, err := f.runner(nil).Run(context.Background())
	assert.True(t, runerr.Is(err, runerr.DirtyRun))
	assert.Equal(t, 1, outcome.FailedBatches)
	assert.Zero(t, outcome.RecordsFailed)
	assert.False(t, outcome.IsClean)
}

func TestRunPollTimeoutAbortsJob(t *testing.T) {
	f := newFixture(t, 5)
	f.srv.PollsToComplete = 100
	f.cfg.Options.MaxPolls = 3
	r := f.runner(nil)

	_, err := r.Run(context.Background())
	require.Error(t, err)
	assert.True(t, runerr.Is(err, runerr.PollTimeout))
	assert.Equal(t, 3, f.srv.Calls(bulktest.RouteBatchStatuses))
	assert.Equal(t, "Aborted", f.srv.Jobs()[0].State)

	run := r.Store().Snapshot()
	assert.Equal(t, job.PhaseFailed, run.Phase)
	assert.Equal(t, 3, run.Polls)
	assert.Equal(t, 1, run.Pending)
	assert.Nil(t, run.Outcome)
}

func TestRunResultReadFailure(t *testing.T) {
	f := newFixture(t, 5)
	f.srv.ResultBody = func(b *bulktest.Batch) (string, bool) {
		return "Id,Created,Error\n001,true,\n", true
	}

	_, err := f.runner(nil).Run(context.Background())
	require.Error(t, err)
	assert.True(t, runerr.Is(err, runerr.ResultReadFailure))
}

type failingNotifier struct{ calls int }

func (n *failingNotifier) Notify(ctx context.Context, o job.RunOutcome) error {
	n.calls++
	return errors.New("topic unavailable")
}

func TestRunNotifierFailureKeepsOutcome(t *testing.T) {
	f := newFixture(t, 3)
	n := &failingNotifier{}

	outcome, err := f.runner(n).Run(context.Background())
	require.NoError(t, err)
	assert.True(t, outcome.IsClean)
	assert.Equal(t, 1, n.calls)
}

func TestRunCancelled(t *testing.T) {
	f := newFixture(t, 5)
	f.srv.PollsToComplete = 100
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	r := New(f.cfg, f.client, nil, nil, nil).WithWaiter(func(ctx context.Context, d time.Duration) error {
		cancel()
		return ctx.Err()
	})
	_, err := r.Run(ctx)
	require.Error(t, err)
	assert.True(t, runerr.Is(err, runerr.PollTimeout))
	assert.Equal(t, "Aborted", f.srv.Jobs()[0].State, "abort runs even after cancellation")
}
