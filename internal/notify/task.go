package notify

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/ryabkov82/crm-bulk-upsert/internal/job"
	"github.com/ryabkov82/crm-bulk-upsert/internal/logger"
)

// RecordCreator creates a CRM record and returns its id
type RecordCreator interface {
	CreateRecord(ctx context.Context, sobject string, fields map[string]interface{}) (string, error)
}

// TaskNotifier creates a high-priority Task record pointing at the job
type TaskNotifier struct {
	api     RecordCreator
	subject string
	now     func() time.Time
}

// NewTaskNotifier creates a task notifier. subject names the import.
func NewTaskNotifier(api RecordCreator, subject string) *TaskNotifier {
	if subject == "" {
		subject = "Bulk upsert"
	}
	return &TaskNotifier{api: api, subject: subject, now: time.Now}
}

// Notify implements Notifier
func (n *TaskNotifier) Notify(ctx context.Context, o job.RunOutcome) error {
	fields := map[string]interface{}{
		"Subject":      fmt.Sprintf("%s batch notification (%s)", n.subject, status(o)),
		"ActivityDate": n.now().Format("2006-01-02"),
		"Priority":     "High",
		"Description": fmt.Sprintf(
			"%s batch has run.\nPlease check the import job.\n[Job ID = %s]\n"+
				"Processed: %d, failed: %d, allowed: %d, failed batches: %d, unsubmitted batches: %d",
			n.subject, o.JobID,
			o.RecordsProcessed, o.RecordsFailed, o.SkippedErrorCount, o.FailedBatches, o.SubmissionFailures),
	}

	id, err := n.api.CreateRecord(ctx, "Task", fields)
	if err != nil {
		return fmt.Errorf("create task: %w", err)
	}
	logger.Info(ctx, "task created", zap.String("task_id", id), zap.String("job_id", o.JobID))
	return nil
}
