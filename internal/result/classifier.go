// Package result reads per-batch result feeds and decides whether a run is clean.
package result

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strings"

	"go.uber.org/zap"

	"github.com/ryabkov82/crm-bulk-upsert/internal/job"
	"github.com/ryabkov82/crm-bulk-upsert/internal/logger"
	"github.com/ryabkov82/crm-bulk-upsert/internal/metrics"
	"github.com/ryabkov82/crm-bulk-upsert/internal/runerr"
)

// DefaultAllowList marks provider errors that do not make a run dirty
var DefaultAllowList = []string{"[Allowable Error]"}

// DefaultMaxLoggedFailures bounds the genuine failures logged per run
const DefaultMaxLoggedFailures = 20

// Result feed columns
const (
	ColumnID      = "Id"
	ColumnSuccess = "Success"
	ColumnCreated = "Created"
	ColumnError   = "Error"
)

// Row is one record of a result feed
type Row struct {
	RecordID string
	Success  bool
	Created  bool
	Error    string
}

// Failure is a genuine (not allow-listed) record failure
type Failure struct {
	BatchID  string
	RecordID string
	Message  string
}

// Tally accumulates classification counts over all batches
type Tally struct {
	Rows          int
	Succeeded     int
	Skipped       int
	Genuine       int
	BatchesRead   int
	FailedBatches int
	// Failures holds the first genuine failures, up to the logging cap
	Failures []Failure
}

// API is the part of the bulk client the classifier needs
type API interface {
	BatchResult(ctx context.Context, jobID, batchID string) (io.ReadCloser, error)
	JobStatus(ctx context.Context, jobID string) (job.JobStatus, error)
}

// Options configures a Classifier
type Options struct {
	AllowList         []string
	MaxLoggedFailures int
}

// Classifier matches failed rows against the allow-list
type Classifier struct {
	api       API
	allow     []string
	maxLogged int
	recorder  *metrics.Recorder
}

// New creates a classifier. An empty allow-list uses DefaultAllowList.
func New(api API, opts Options, recorder *metrics.Recorder) *Classifier {
	allow := opts.AllowList
	if len(allow) == 0 {
		allow = DefaultAllowList
	}
	maxLogged := opts.MaxLoggedFailures
	if maxLogged <= 0 {
		maxLogged = DefaultMaxLoggedFailures
	}
	return &Classifier{api: api, allow: allow, maxLogged: maxLogged, recorder: recorder}
}

// IsAllowed reports whether msg contains an allow-listed marker
func (c *Classifier) IsAllowed(msg string) bool {
	for _, marker := range c.allow {
		if marker != "" && strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

// Classify reads the result feed of every Completed batch. Failed and
// NotProcessed batches are counted as failed batches and not read.
// Any feed read or parse error is a fatal ResultReadFailure.
func (c *Classifier) Classify(ctx context.Context, jobID string, statuses []job.BatchStatus) (Tally, error) {
	var t Tally
	for _, s := range statuses {
		if s.State != job.BatchCompleted {
			t.FailedBatches++
			logger.Warn(ctx, "batch did not complete",
				zap.String("batch_id", s.BatchID),
				zap.String("state", string(s.State)),
				zap.String("message", s.StateMessage))
			continue
		}
		if err := c.classifyBatch(ctx, jobID, s.BatchID, &t); err != nil {
			return t, runerr.New(runerr.ResultReadFailure, fmt.Sprintf("read result of batch %s", s.BatchID), err)
		}
		t.BatchesRead++
	}

	if t.Genuine > len(t.Failures) {
		logger.Warn(ctx, "genuine failures not logged",
			zap.Int("logged", len(t.Failures)),
			zap.Int("total", t.Genuine))
	}
	return t, nil
}

func (c *Classifier) classifyBatch(ctx context.Context, jobID, batchID string, t *Tally) error {
	rc, err := c.api.BatchResult(ctx, jobID, batchID)
	if err != nil {
		return err
	}
	defer rc.Close()

	var succeeded, skipped, genuine int
	err = ParseFeed(rc, func(row Row) error {
		t.Rows++
		switch {
		case row.Success:
			succeeded++
		case c.IsAllowed(row.Error):
			skipped++
		default:
			genuine++
			if len(t.Failures) < c.maxLogged {
				t.Failures = append(t.Failures, Failure{BatchID: batchID, RecordID: row.RecordID, Message: row.Error})
				logger.Warn(ctx, "record failed",
					zap.String("batch_id", batchID),
					zap.String("record_id", row.RecordID),
					zap.String("error", row.Error))
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	t.Succeeded += succeeded
	t.Skipped += skipped
	t.Genuine += genuine
	c.recorder.ObserveResultRows(metrics.RowSucceeded, succeeded)
	c.recorder.ObserveResultRows(metrics.RowSkipped, skipped)
	c.recorder.ObserveResultRows(metrics.RowGenuine, genuine)
	return nil
}

// JobStatus fetches the authoritative job summary. Failure is a ResultReadFailure.
func (c *Classifier) JobStatus(ctx context.Context, jobID string) (job.JobStatus, error) {
	js, err := c.api.JobStatus(ctx, jobID)
	if err != nil {
		return js, runerr.New(runerr.ResultReadFailure, "read job status", err)
	}
	return js, nil
}

// Outcome derives the run outcome. The run is clean when the job's failed
// record count equals the skipped count exactly and no batch failed or was
// left unsubmitted.
func Outcome(jobID string, t Tally, js job.JobStatus, submissionFailures int) job.RunOutcome {
	return job.RunOutcome{
		JobID:              jobID,
		RecordsProcessed:   js.RecordsProcessed,
		RecordsFailed:      js.RecordsFailed,
		SkippedErrorCount:  t.Skipped,
		GenuineFailures:    t.Genuine,
		FailedBatches:      t.FailedBatches,
		SubmissionFailures: submissionFailures,
		IsClean:            js.RecordsFailed == t.Skipped && t.FailedBatches == 0 && submissionFailures == 0,
	}
}

// ParseFeed reads a CSV result feed. The first record is the header; every
// following record is zipped with it into a Row and passed to fn.
func ParseFeed(r io.Reader, fn func(Row) error) error {
	cr := csv.NewReader(r)
	cr.ReuseRecord = true

	header, err := cr.Read()
	if err == io.EOF {
		return errors.New("result feed is empty")
	}
	if err != nil {
		return fmt.Errorf("result header: %w", err)
	}

	cols := make([]string, len(header))
	hasSuccess := false
	for i, name := range header {
		cols[i] = canonicalColumn(name)
		if cols[i] == ColumnSuccess {
			hasSuccess = true
		}
	}
	if !hasSuccess {
		return fmt.Errorf("result header has no %s column: %v", ColumnSuccess, header)
	}

	for {
		record, err := cr.Read()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("result record: %w", err)
		}

		fields := make(map[string]string, len(cols))
		for i, v := range record {
			fields[cols[i]] = v
		}
		row := Row{
			RecordID: fields[ColumnID],
			Success:  parseBool(fields[ColumnSuccess]),
			Created:  parseBool(fields[ColumnCreated]),
			Error:    fields[ColumnError],
		}
		if err := fn(row); err != nil {
			return err
		}
	}
}

// canonicalColumn maps known columns case-insensitively and strips a BOM
func canonicalColumn(name string) string {
	name = strings.TrimSpace(strings.TrimPrefix(name, "\ufeff"))
	for _, known := range []string{ColumnID, ColumnSuccess, ColumnCreated, ColumnError} {
		if strings.EqualFold(name, known) {
			return known
		}
	}
	return name
}

func parseBool(s string) bool {
	return strings.EqualFold(strings.TrimSpace(s), "true")
}
