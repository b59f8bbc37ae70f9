// Package controller drives the lifecycle of a remote upsert job: create,
// submit batches, close, and poll until every batch is terminal.
package controller

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/ryabkov82/crm-bulk-upsert/internal/ingest"
	"github.com/ryabkov82/crm-bulk-upsert/internal/job"
	"github.com/ryabkov82/crm-bulk-upsert/internal/logger"
	"github.com/ryabkov82/crm-bulk-upsert/internal/metrics"
	"github.com/ryabkov82/crm-bulk-upsert/internal/runerr"
)

// DefaultPollInterval is the wait between batch status polls
const DefaultPollInterval = 10 * time.Second

// API is the part of the bulk client the controller needs
type API interface {
	CreateJob(ctx context.Context, object, externalIDField string) (*job.Job, error)
	CreateBatch(ctx context.Context, jobID string, payload []byte) (job.BatchStatus, error)
	CloseJob(ctx context.Context, jobID string) error
	AbortJob(ctx context.Context, jobID string) error
	BatchStatuses(ctx context.Context, jobID string) ([]job.BatchStatus, error)
}

// Options bounds the completion poll
type Options struct {
	PollInterval time.Duration
	// MaxPolls caps the number of polls; 0 means unbounded
	MaxPolls int
	// MaxWait caps the total time spent polling; 0 means unbounded
	MaxWait time.Duration
}

// Waiter blocks for d or until ctx is done
type Waiter func(ctx context.Context, d time.Duration) error

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Controller owns the remote job of one run
type Controller struct {
	api      API
	opts     Options
	wait     Waiter
	store    *job.Store
	recorder *metrics.Recorder

	tracked []string
	seen    map[string]struct{}
}

// New creates a controller. store and recorder may be nil.
func New(api API, opts Options, store *job.Store, recorder *metrics.Recorder) *Controller {
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}
	return &Controller{
		api:      api,
		opts:     opts,
		wait:     sleep,
		store:    store,
		recorder: recorder,
		seen:     make(map[string]struct{}),
	}
}

// WithWaiter replaces the wait between polls
func (c *Controller) WithWaiter(w Waiter) *Controller {
	c.wait = w
	return c
}

// Tracked returns the ids of successfully submitted batches in submission order
func (c *Controller) Tracked() []string {
	return append([]string(nil), c.tracked...)
}

// CreateJob opens the upsert job. Failure is fatal and not retried.
func (c *Controller) CreateJob(ctx context.Context, object, externalIDField string) (*job.Job, error) {
	j, err := c.api.CreateJob(ctx, object, externalIDField)
	if err != nil {
		return nil, runerr.New(runerr.JobCreationFailure, "create job", err)
	}
	if j.State == "" {
		j.State = job.JobOpen
	}
	if c.store != nil {
		c.store.SetJobID(j.ID)
	}
	logger.Info(ctx, "job created",
		zap.String("job_id", j.ID),
		zap.String("object", j.Object),
		zap.String("external_id_field", j.ExternalIDField))
	return j, nil
}

// SubmitBatch uploads one batch. On success the batch is tracked for polling.
// A failed submission is recorded and returned as a non-fatal BatchSubmissionFailure;
// the batch is neither tracked nor retried.
func (c *Controller) SubmitBatch(ctx context.Context, j *job.Job, b *ingest.Batch) (job.BatchStatus, error) {
	op := fmt.Sprintf("submit batch %d", b.Seq)

	status, err := c.submit(ctx, j, b)
	if err != nil {
		serr := runerr.New(runerr.BatchSubmissionFailure, op, err)
		if c.store != nil {
			c.store.RecordSubmissionFailure(serr)
		}
		c.recorder.BatchSubmissionFailed()
		logger.Error(ctx, "batch submission failed", serr,
			zap.Int64("seq", b.Seq),
			zap.Int("rows", b.Rows))
		return job.BatchStatus{}, serr
	}

	status.Seq = b.Seq
	if status.JobID == "" {
		status.JobID = j.ID
	}
	if _, dup := c.seen[status.BatchID]; !dup {
		c.seen[status.BatchID] = struct{}{}
		c.tracked = append(c.tracked, status.BatchID)
		if c.store != nil {
			c.store.AddBatch(status)
		}
	}
	c.recorder.BatchSubmitted()
	logger.Debug(ctx, "batch submitted",
		zap.Int64("seq", b.Seq),
		zap.String("batch_id", status.BatchID),
		zap.Int("rows", b.Rows),
		zap.Int64("bytes", b.Bytes))
	return status, nil
}

func (c *Controller) submit(ctx context.Context, j *job.Job, b *ingest.Batch) (job.BatchStatus, error) {
	if j.State != job.JobOpen {
		return job.BatchStatus{}, fmt.Errorf("job %s is %s", j.ID, j.State)
	}
	payload, err := b.ReadPayload()
	if err != nil {
		return job.BatchStatus{}, err
	}
	return c.api.CreateBatch(ctx, j.ID, payload)
}

// CloseJob closes the job once all batches are submitted. It must be called exactly once.
func (c *Controller) CloseJob(ctx context.Context, j *job.Job) error {
	if j.State != job.JobOpen {
		return runerr.Errorf(runerr.JobCloseFailure, "close job", "job %s is already %s", j.ID, j.State)
	}
	if err := c.api.CloseJob(ctx, j.ID); err != nil {
		return runerr.New(runerr.JobCloseFailure, "close job", err)
	}
	j.State = job.JobClosed
	logger.Info(ctx, "job closed", zap.String("job_id", j.ID), zap.Int("batches", len(c.tracked)))
	return nil
}

// AbortJob makes a best-effort attempt to abort the job after a fatal error.
// Errors are logged and returned, never escalated.
func (c *Controller) AbortJob(ctx context.Context, j *job.Job) error {
	if j == nil || j.State == job.JobAborted {
		return nil
	}
	if err := c.api.AbortJob(ctx, j.ID); err != nil {
		logger.Warn(ctx, "job abort failed", zap.String("job_id", j.ID), zap.Error(err))
		return err
	}
	j.State = job.JobAborted
	logger.Info(ctx, "job aborted", zap.String("job_id", j.ID))
	return nil
}

// AwaitCompletion polls the job until every tracked batch is terminal and
// returns their final statuses in submission order.
//
// The first poll is immediate; each later poll waits PollInterval first.
// A transport error on a poll is logged and counted, and the next poll waits
// the same interval. Exceeding MaxPolls or MaxWait, or cancellation of ctx,
// stops polling with a PollTimeout.
func (c *Controller) AwaitCompletion(ctx context.Context, j *job.Job, batchIDs []string) ([]job.BatchStatus, error) {
	if c.opts.MaxWait > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.opts.MaxWait)
		defer cancel()
	}

	order := make([]string, 0, len(batchIDs))
	final := make(map[string]job.BatchStatus, len(batchIDs))
	pending := make(map[string]struct{}, len(batchIDs))
	for _, id := range batchIDs {
		if _, dup := final[id]; dup {
			continue
		}
		order = append(order, id)
		final[id] = job.BatchStatus{BatchID: id, JobID: j.ID, State: job.BatchQueued}
		pending[id] = struct{}{}
	}
	if c.store != nil {
		for _, b := range c.store.Snapshot().Batches {
			if s, ok := final[b.BatchID]; ok {
				s.Seq = b.Seq
				final[b.BatchID] = s
			}
		}
	}

	results := func() []job.BatchStatus {
		out := make([]job.BatchStatus, 0, len(order))
		for _, id := range order {
			out = append(out, final[id])
		}
		return out
	}

	polls, failures := 0, 0
	for len(pending) > 0 {
		if c.opts.MaxPolls > 0 && polls >= c.opts.MaxPolls {
			return results(), runerr.Errorf(runerr.PollTimeout, "await completion",
				"%d batches still pending after %d polls", len(pending), polls)
		}
		if polls > 0 {
			if err := c.wait(ctx, c.opts.PollInterval); err != nil {
				return results(), c.timeout(polls, len(pending), err)
			}
		} else if err := ctx.Err(); err != nil {
			return results(), c.timeout(polls, len(pending), err)
		}

		polls++
		statuses, err := c.api.BatchStatuses(ctx, j.ID)
		if err != nil {
			if ctx.Err() != nil {
				return results(), c.timeout(polls, len(pending), ctx.Err())
			}
			failures++
			perr := runerr.New(runerr.PollTransportFailure, fmt.Sprintf("poll %d", polls), err)
			logger.Warn(ctx, "batch status poll failed", zap.Int("poll", polls), zap.Error(perr))
			if c.store != nil {
				c.store.UpdateError(perr)
				c.store.UpdatePollProgress(polls, failures, len(pending))
			}
			c.recorder.ObservePoll(len(pending), true)
			continue
		}

		for _, s := range statuses {
			prev, ok := final[s.BatchID]
			if !ok {
				continue
			}
			if _, stillPending := pending[s.BatchID]; !stillPending {
				continue
			}
			s.Seq = prev.Seq
			if s.JobID == "" {
				s.JobID = j.ID
			}
			final[s.BatchID] = s
			if c.store != nil {
				c.store.UpdateBatch(s)
			}
			if s.State.Terminal() {
				delete(pending, s.BatchID)
				logger.Debug(ctx, "batch finished",
					zap.String("batch_id", s.BatchID),
					zap.String("state", string(s.State)),
					zap.Int("processed", s.RecordsProcessed),
					zap.Int("failed", s.RecordsFailed))
			}
		}

		if c.store != nil {
			c.store.UpdatePollProgress(polls, failures, len(pending))
		}
		c.recorder.ObservePoll(len(pending), false)
		logger.Info(ctx, "batch status poll",
			zap.Int("poll", polls),
			zap.Int("pending", len(pending)),
			zap.Int("tracked", len(order)))
	}

	return results(), nil
}

func (c *Controller) timeout(polls, pending int, cause error) error {
	return runerr.New(runerr.PollTimeout, "await completion",
		fmt.Errorf("%d batches still pending after %d polls: %w", pending, polls, cause))
}
