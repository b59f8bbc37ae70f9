package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/aws/aws-sdk-go-v2/service/sns/types"

	"github.com/ryabkov82/crm-bulk-upsert/internal/job"
)

// EventType is the event_type attribute of published messages
const EventType = "bulk_upsert.completed"

// snsAPI is the subset of the SNS client used here
type snsAPI interface {
	Publish(ctx context.Context, params *sns.PublishInput, optFns ...func(*sns.Options)) (*sns.PublishOutput, error)
}

// SNSNotifier publishes the outcome as JSON to an SNS topic
type SNSNotifier struct {
	client   snsAPI
	topicARN string
	now      func() time.Time
}

// NewSNSNotifier loads the default AWS config and creates a notifier for topicARN
func NewSNSNotifier(ctx context.Context, topicARN string) (*SNSNotifier, error) {
	if topicARN == "" {
		return nil, fmt.Errorf("SNS topic ARN not set")
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}
	return &SNSNotifier{client: sns.NewFromConfig(cfg), topicARN: topicARN, now: time.Now}, nil
}

type snsMessage struct {
	EventType  string         `json:"event_type"`
	Status     string         `json:"status"`
	FinishedAt time.Time      `json:"finished_at"`
	Outcome    job.RunOutcome `json:"outcome"`
}

// Notify implements Notifier
func (n *SNSNotifier) Notify(ctx context.Context, o job.RunOutcome) error {
	msg, err := json.Marshal(snsMessage{
		EventType:  EventType,
		Status:     status(o),
		FinishedAt: n.now().UTC(),
		Outcome:    o,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal outcome: %w", err)
	}

	_, err = n.client.Publish(ctx, &sns.PublishInput{
		TopicArn: aws.String(n.topicARN),
		Message:  aws.String(string(msg)),
		Subject:  aws.String(fmt.Sprintf("Bulk upsert %s: job %s", status(o), o.JobID)),
		MessageAttributes: map[string]types.MessageAttributeValue{
			"event_type": {
				DataType:    aws.String("String"),
				StringValue: aws.String(EventType),
			},
			"status": {
				DataType:    aws.String("String"),
				StringValue: aws.String(status(o)),
			},
		},
	})
	if err != nil {
		return fmt.Errorf("failed to publish to %s: %w", n.topicARN, err)
	}
	return nil
}
