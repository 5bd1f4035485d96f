package events

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	sqstypes "github.com/aws/aws-sdk-go-v2/service/sqs/types"

	"github.com/wolfman30/clinic-voice-booking/internal/dialogue"
)

// EventTypeCallOutcome tags outcome messages on the queue.
const EventTypeCallOutcome = "call.outcome.v1"

type sqsAPI interface {
	SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
}

// OutcomePublisher sends finished calls to an SQS queue for downstream consumers
// (reporting, follow-up workflows).
type OutcomePublisher struct {
	client   sqsAPI
	queueURL string
}

var _ dialogue.OutcomeRecorder = (*OutcomePublisher)(nil)

// NewOutcomePublisher creates a publisher around the provided SQS client.
func NewOutcomePublisher(client sqsAPI, queueURL string) *OutcomePublisher {
	if client == nil {
		panic("events: SQS client cannot be nil")
	}
	if queueURL == "" {
		panic("events: SQS queueURL cannot be empty")
	}
	return &OutcomePublisher{client: client, queueURL: queueURL}
}

// RecordOutcome publishes the call's outcome.
func (p *OutcomePublisher) RecordOutcome(ctx context.Context, sess *dialogue.Session) error {
	return p.Publish(ctx, NewCallOutcome(sess))
}

// Publish sends o. FIFO queues deduplicate on the call id.
func (p *OutcomePublisher) Publish(ctx context.Context, o CallOutcomeV1) error {
	body, err := json.Marshal(o)
	if err != nil {
		return fmt.Errorf("events: marshal call outcome: %w", err)
	}
	input := &sqs.SendMessageInput{
		QueueUrl:    aws.String(p.queueURL),
		MessageBody: aws.String(string(body)),
		MessageAttributes: map[string]sqstypes.MessageAttributeValue{
			"event_type": {DataType: aws.String("String"), StringValue: aws.String(EventTypeCallOutcome)},
			"outcome":    {DataType: aws.String("String"), StringValue: aws.String(o.Outcome)},
		},
	}
	if isFIFO(p.queueURL) {
		input.MessageGroupId = aws.String(o.CallID)
		input.MessageDeduplicationId = aws.String(o.CallID)
	}
	if _, err := p.client.SendMessage(ctx, input); err != nil {
		return fmt.Errorf("events: failed to send SQS message: %w", err)
	}
	return nil
}

func isFIFO(queueURL string) bool {
	return len(queueURL) > 5 && queueURL[len(queueURL)-5:] == ".fifo"
}
