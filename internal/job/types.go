package job

import (
	"time"
)

// JobState represents the state of a remote bulk job
type JobState string

const (
	JobOpen    JobState = "Open"
	JobClosed  JobState = "Closed"
	JobAborted JobState = "Aborted"
)

// BatchState represents the processing state of a remote batch
type BatchState string

const (
	BatchQueued       BatchState = "Queued"
	BatchInProgress   BatchState = "InProgress"
	BatchCompleted    BatchState = "Completed"
	BatchFailed       BatchState = "Failed"
	BatchNotProcessed BatchState = "NotProcessed"
)

// Terminal reports whether no further transition occurs from this state
func (s BatchState) Terminal() bool {
	switch s {
	case BatchCompleted, BatchFailed, BatchNotProcessed:
		return true
	}
	return false
}

// Job is the remote upsert job of one run
type Job struct {
	ID              string
	Object          string
	Operation       string
	ExternalIDField string
	ContentType     string
	State           JobState
	CreatedAt       time.Time
}

// JobStatus is the authoritative job summary reported by the service
type JobStatus struct {
	ID               string
	State            JobState
	BatchesTotal     int
	BatchesCompleted int
	BatchesFailed    int
	RecordsProcessed int
	RecordsFailed    int
}

// BatchStatus is the status of one submitted batch
type BatchStatus struct {
	BatchID          string     `json:"batchId"`
	JobID            string     `json:"jobId"`
	Seq              int64      `json:"seq"`
	State            BatchState `json:"state"`
	StateMessage     string     `json:"stateMessage,omitempty"`
	RecordsProcessed int        `json:"recordsProcessed"`
	RecordsFailed    int        `json:"recordsFailed"`
}

// RunOutcome is the classified result of a run
type RunOutcome struct {
	JobID              string `json:"jobId"`
	RecordsProcessed   int    `json:"recordsProcessed"`
	RecordsFailed      int    `json:"recordsFailed"`
	SkippedErrorCount  int    `json:"skippedErrorCount"`
	GenuineFailures    int    `json:"genuineFailures"`
	FailedBatches      int    `json:"failedBatches"`
	SubmissionFailures int    `json:"submissionFailures"`
	IsClean            bool   `json:"isClean"`
}

// Phase is the pipeline stage a run is in
type Phase string

const (
	PhaseStarting    Phase = "starting"
	PhasePartition   Phase = "partitioning"
	PhasePolling     Phase = "polling"
	PhaseClassifying Phase = "classifying"
	PhaseNotifying   Phase = "notifying"
	PhaseSucceeded   Phase = "succeeded"
	PhaseDirty       Phase = "dirty"
	PhaseFailed      Phase = "failed"
)

// Finished reports whether the run has ended
func (p Phase) Finished() bool {
	return p == PhaseSucceeded || p == PhaseDirty || p == PhaseFailed
}

// Run is a snapshot of one upsert run
type Run struct {
	ID                 string        `json:"runId"`
	JobID              string        `json:"jobId,omitempty"`
	SourcePath         string        `json:"sourcePath"`
	Phase              Phase         `json:"phase"`
	StartedAt          time.Time     `json:"startedAt"`
	FinishedAt         *time.Time    `json:"finishedAt,omitempty"`
	RowsRead           int64         `json:"rowsRead"`
	BatchesEmitted     int64         `json:"batchesEmitted"`
	BatchesSubmitted   int64         `json:"batchesSubmitted"`
	SubmissionFailures int64         `json:"submissionFailures"`
	Pending            int           `json:"pending"`
	Polls              int           `json:"polls"`
	PollFailures       int           `json:"pollFailures"`
	Batches            []BatchStatus `json:"batches"`
	Outcome            *RunOutcome   `json:"outcome,omitempty"`
	Errors             []string      `json:"errors,omitempty"`
	LastError          string        `json:"lastError,omitempty"`
}
