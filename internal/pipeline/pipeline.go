// Package pipeline runs one upsert end to end: read the source, partition it
// into batches, drive the remote job, classify the results and notify.
package pipeline

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/ryabkov82/crm-bulk-upsert/internal/config"
	"github.com/ryabkov82/crm-bulk-upsert/internal/controller"
	"github.com/ryabkov82/crm-bulk-upsert/internal/ingest"
	"github.com/ryabkov82/crm-bulk-upsert/internal/job"
	"github.com/ryabkov82/crm-bulk-upsert/internal/logger"
	"github.com/ryabkov82/crm-bulk-upsert/internal/metrics"
	"github.com/ryabkov82/crm-bulk-upsert/internal/notify"
	"github.com/ryabkov82/crm-bulk-upsert/internal/result"
	"github.com/ryabkov82/crm-bulk-upsert/internal/runerr"
)

// abortTimeout bounds the best-effort job abort after a fatal error
const abortTimeout = 30 * time.Second

// API is the bulk client surface used by a run
type API interface {
	controller.API
	result.API
}

// Runner executes a single run
type Runner struct {
	cfg      config.Config
	api      API
	store    *job.Store
	recorder *metrics.Recorder
	notifier notify.Notifier
	waiter   controller.Waiter
}

// New creates a runner. recorder and notifier may be nil; a nil store gets a fresh one.
func New(cfg config.Config, api API, store *job.Store, recorder *metrics.Recorder, notifier notify.Notifier) *Runner {
	if store == nil {
		store = job.NewStore(cfg.Settings.FilePath)
	}
	return &Runner{
		cfg:      cfg,
		api:      api,
		store:    store,
		recorder: recorder,
		notifier: notifier,
	}
}

// WithWaiter replaces the wait between polls
func (r *Runner) WithWaiter(w controller.Waiter) *Runner {
	r.waiter = w
	return r
}

// Store returns the run tracker
func (r *Runner) Store() *job.Store {
	return r.store
}

// Run executes the upsert. It returns the outcome once results are classified;
// a dirty outcome comes with a DirtyRun error. Fatal errors abort the remote
// job when it exists.
func (r *Runner) Run(ctx context.Context) (job.RunOutcome, error) {
	opts := r.cfg.Options
	ctx = logger.WithRunID(ctx, r.store.RunID())
	logger.Info(ctx, "run started",
		zap.String("source", r.cfg.Settings.FilePath),
		zap.String("object", opts.Object),
		zap.String("external_id_field", opts.ExternalIDField))

	src, err := ingest.OpenSource(r.cfg.Settings.FilePath, ingest.SourceOptions{
		Encoding:       opts.SourceEncoding,
		AllowedBaseDir: opts.AllowedBaseDir,
	})
	if err != nil {
		return job.RunOutcome{}, r.fail(ctx, nil, nil, err)
	}
	defer func() {
		if cerr := src.Close(); cerr != nil {
			logger.Warn(ctx, "source close failed", zap.Error(cerr))
		}
	}()

	header, err := src.Header()
	if err != nil {
		return job.RunOutcome{}, r.fail(ctx, nil, nil, err)
	}
	header = ingest.NewHeaderRewrite(opts.HeaderPairs()).Apply(header)

	ctrl := controller.New(r.api, controller.Options{
		PollInterval: opts.PollInterval,
		MaxPolls:     opts.MaxPolls,
		MaxWait:      opts.MaxWait,
	}, r.store, r.recorder)
	if r.waiter != nil {
		ctrl.WithWaiter(r.waiter)
	}

	j, err := ctrl.CreateJob(ctx, opts.Object, opts.ExternalIDField)
	if err != nil {
		return job.RunOutcome{}, r.fail(ctx, ctrl, nil, err)
	}
	ctx = logger.WithJobID(ctx, j.ID)

	r.store.SetPhase(job.PhasePartition)
	var rows int64
	submissionFailures := 0
	partitioner := ingest.NewPartitioner(ingest.PartitionOptions{
		MaxBytesPerBatch: int64(opts.MaxBytesPerBatch),
		MaxRowsPerBatch:  opts.MaxRowsPerBatch,
		StagingDir:       opts.StagingDir,
	})
	stats, err := partitioner.Partition(ctx, header, src, func(b *ingest.Batch) error {
		rows += int64(b.Rows)
		r.store.UpdateParseProgress(rows, b.Seq)
		r.recorder.ObserveBatch(b.Rows, b.Bytes)

		if _, err := ctrl.SubmitBatch(ctx, j, b); err != nil {
			if runerr.Is(err, runerr.BatchSubmissionFailure) {
				submissionFailures++
				return nil
			}
			return err
		}
		return nil
	})
	if err != nil {
		return job.RunOutcome{}, r.fail(ctx, ctrl, j, err)
	}
	logger.Info(ctx, "source partitioned",
		zap.Int64("rows", stats.Rows),
		zap.Int64("batches", stats.Batches),
		zap.Int64("bytes", stats.Bytes),
		zap.Int("submission_failures", submissionFailures))

	if err := ctrl.CloseJob(ctx, j); err != nil {
		return job.RunOutcome{}, r.fail(ctx, ctrl, j, err)
	}

	r.store.SetPhase(job.PhasePolling)
	statuses, err := ctrl.AwaitCompletion(ctx, j, ctrl.Tracked())
	if err != nil {
		return job.RunOutcome{}, r.fail(ctx, ctrl, j, err)
	}

	r.store.SetPhase(job.PhaseClassifying)
	classifier := result.New(r.api, result.Options{
		AllowList:         opts.AllowList,
		MaxLoggedFailures: opts.MaxLoggedFailures,
	}, r.recorder)
	tally, err := classifier.Classify(ctx, j.ID, statuses)
	if err != nil {
		return job.RunOutcome{}, r.fail(ctx, nil, j, err)
	}
	js, err := classifier.JobStatus(ctx, j.ID)
	if err != nil {
		return job.RunOutcome{}, r.fail(ctx, nil, j, err)
	}
	outcome := result.Outcome(j.ID, tally, js, submissionFailures)
	r.store.SetOutcome(outcome)

	r.store.SetPhase(job.PhaseNotifying)
	notify.Fire(ctx, r.notifier, opts.NotifyTimeout, outcome)

	r.recorder.ObserveOutcome(outcome.IsClean, time.Now())
	logger.Info(ctx, "api timings", zap.String("summary", r.recorder.String()))

	if !outcome.IsClean {
		r.store.SetPhase(job.PhaseDirty)
		err := runerr.Errorf(runerr.DirtyRun, "classify",
			"%d failed records, %d allowed, %d failed batches, %d unsubmitted batches",
			outcome.RecordsFailed, outcome.SkippedErrorCount, outcome.FailedBatches, outcome.SubmissionFailures)
		r.store.UpdateError(err)
		logger.Warn(ctx, "run finished dirty", zap.Error(err))
		return outcome, err
	}

	r.store.SetPhase(job.PhaseSucceeded)
	logger.Info(ctx, "run finished clean",
		zap.Int("records_processed", outcome.RecordsProcessed),
		zap.Int("skipped", outcome.SkippedErrorCount))
	return outcome, nil
}

// fail records a fatal error and aborts the job when ctrl and j are set
func (r *Runner) fail(ctx context.Context, ctrl *controller.Controller, j *job.Job, err error) error {
	r.store.UpdateError(err)
	r.store.SetPhase(job.PhaseFailed)
	r.recorder.ObserveOutcome(false, time.Now())
	logger.Error(ctx, "run failed", err, zap.String("kind", string(runerr.KindOf(err))))

	if ctrl != nil && j != nil {
		actx, cancel := context.WithTimeout(context.WithoutCancel(ctx), abortTimeout)
		defer cancel()
		ctrl.AbortJob(actx, j)
	}
	return fmt.Errorf("run %s: %w", r.store.RunID(), err)
}
