// Package notify reports the outcome of a run. Notification is fire-and-forget:
// failures are logged by the caller and never change the run result.
package notify

import (
	"context"
	"time"

	"github.com/hashicorp/go-multierror"
	"go.uber.org/zap"

	"github.com/ryabkov82/crm-bulk-upsert/internal/job"
	"github.com/ryabkov82/crm-bulk-upsert/internal/logger"
	"github.com/ryabkov82/crm-bulk-upsert/internal/runerr"
)

// DefaultTimeout bounds one notification round
const DefaultTimeout = 30 * time.Second

// Notifier reports a run outcome
type Notifier interface {
	Notify(ctx context.Context, outcome job.RunOutcome) error
}

// Multi fans out to every notifier and aggregates their errors
type Multi []Notifier

// Notify implements Notifier
func (m Multi) Notify(ctx context.Context, outcome job.RunOutcome) error {
	var result *multierror.Error
	for _, n := range m {
		if n == nil {
			continue
		}
		if err := n.Notify(ctx, outcome); err != nil {
			result = multierror.Append(result, err)
		}
	}
	if err := result.ErrorOrNil(); err != nil {
		return runerr.New(runerr.NotifyFailure, "notify", err)
	}
	return nil
}

// LogNotifier writes the outcome to the log
type LogNotifier struct{}

// Notify implements Notifier
func (LogNotifier) Notify(ctx context.Context, o job.RunOutcome) error {
	fields := []zap.Field{
		zap.String("job_id", o.JobID),
		zap.Bool("clean", o.IsClean),
		zap.Int("records_processed", o.RecordsProcessed),
		zap.Int("records_failed", o.RecordsFailed),
		zap.Int("skipped", o.SkippedErrorCount),
		zap.Int("genuine_failures", o.GenuineFailures),
		zap.Int("failed_batches", o.FailedBatches),
		zap.Int("submission_failures", o.SubmissionFailures),
	}
	if o.IsClean {
		logger.Info(ctx, "run completed clean", fields...)
	} else {
		logger.Warn(ctx, "run completed dirty", fields...)
	}
	return nil
}

// Fire sends the outcome with a bounded timeout and logs any failure.
// The returned error is informational only.
func Fire(ctx context.Context, n Notifier, timeout time.Duration, outcome job.RunOutcome) error {
	if n == nil {
		return nil
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	err := n.Notify(ctx, outcome)
	if err != nil {
		if runerr.KindOf(err) == "" {
			err = runerr.New(runerr.NotifyFailure, "notify", err)
		}
		logger.Error(ctx, "completion notification failed", err, zap.String("job_id", outcome.JobID))
	}
	return err
}

// status describes an outcome in one word
func status(o job.RunOutcome) string {
	if o.IsClean {
		return "clean"
	}
	return "dirty"
}
