package job

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// Store tracks the progress of a single run in memory.
// The pipeline writes to it; the status server reads snapshots concurrently.
type Store struct {
	mu      sync.RWMutex
	run     Run
	batches map[string]int // batchId -> index in run.Batches
}

// NewStore creates a store for a new run with a fresh run ID
func NewStore(sourcePath string) *Store {
	return &Store{
		run: Run{
			ID:         uuid.New().String(),
			SourcePath: sourcePath,
			Phase:      PhaseStarting,
			StartedAt:  time.Now(),
		},
		batches: make(map[string]int),
	}
}

// RunID returns the run identifier
func (s *Store) RunID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.run.ID
}

// Snapshot returns a copy of the run state
func (s *Store) Snapshot() Run {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r := s.run
	r.Batches = append([]BatchStatus(nil), s.run.Batches...)
	r.Errors = append([]string(nil), s.run.Errors...)
	if s.run.Outcome != nil {
		o := *s.run.Outcome
		r.Outcome = &o
	}
	if s.run.FinishedAt != nil {
		t := *s.run.FinishedAt
		r.FinishedAt = &t
	}
	return r
}

// SetPhase moves the run to a new phase. Finished phases stamp FinishedAt once.
func (s *Store) SetPhase(p Phase) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.run.Phase = p
	if p.Finished() && s.run.FinishedAt == nil {
		now := time.Now()
		s.run.FinishedAt = &now
	}
}

// SetJobID records the remote job ID
func (s *Store) SetJobID(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.run.JobID = id
}

// UpdateParseProgress updates rows read and batches emitted
func (s *Store) UpdateParseProgress(rowsRead, batchesEmitted int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.run.RowsRead = rowsRead
	s.run.BatchesEmitted = batchesEmitted
}

// AddBatch records a successfully submitted batch. A batch ID is tracked at most once.
func (s *Store) AddBatch(b BatchStatus) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.batches[b.BatchID]; ok {
		return
	}
	s.batches[b.BatchID] = len(s.run.Batches)
	s.run.Batches = append(s.run.Batches, b)
	s.run.BatchesSubmitted++
}

// UpdateBatch replaces the status of a tracked batch, keeping its sequence number.
// Unknown batch IDs are ignored.
func (s *Store) UpdateBatch(b BatchStatus) {
	s.mu.Lock()
	defer s.mu.Unlock()

	i, ok := s.batches[b.BatchID]
	if !ok {
		return
	}
	b.Seq = s.run.Batches[i].Seq
	s.run.Batches[i] = b
}

// RecordSubmissionFailure counts a batch that could not be submitted
func (s *Store) RecordSubmissionFailure(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.run.SubmissionFailures++
	s.appendError(err)
}

// UpdatePollProgress records poll counters and the pending batch count
func (s *Store) UpdatePollProgress(polls, pollFailures, pending int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.run.Polls = polls
	s.run.PollFailures = pollFailures
	s.run.Pending = pending
}

// SetOutcome records the classified outcome
func (s *Store) SetOutcome(o RunOutcome) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.run.Outcome = &o
}

// UpdateError records a run error
func (s *Store) UpdateError(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.appendError(err)
}

// maxErrors bounds the error list kept in the snapshot
const maxErrors = 50

func (s *Store) appendError(err error) {
	if err == nil {
		return
	}
	s.run.LastError = err.Error()
	if len(s.run.Errors) < maxErrors {
		s.run.Errors = append(s.run.Errors, err.Error())
	}
}
