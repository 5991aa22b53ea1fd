// Package sqsfifo provides the external FIFO Task Queue Transport backed
// by Amazon SQS FIFO queues: per-account ordering via MessageGroupId,
// message-level dedup via MessageDeduplicationId, visibility-timeout
// redelivery on nack, and explicit delete on ack.
package sqsfifo

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"

	"github.com/scrapctl/dispatcher/internal/domain"
)

// sqsMaxLongPollSeconds is the SQS-imposed ceiling on WaitTimeSeconds
// per ReceiveMessage call; longer timeouts are served by repeated polls.
const sqsMaxLongPollSeconds = 20

// sqsAPI is the subset of *sqs.Client this package calls, narrowed so
// tests can substitute a fake without a live queue.
type sqsAPI interface {
	SendMessage(ctx context.Context, in *sqs.SendMessageInput, opts ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
	ReceiveMessage(ctx context.Context, in *sqs.ReceiveMessageInput, opts ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	DeleteMessage(ctx context.Context, in *sqs.DeleteMessageInput, opts ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error)
	ChangeMessageVisibility(ctx context.Context, in *sqs.ChangeMessageVisibilityInput, opts ...func(*sqs.Options)) (*sqs.ChangeMessageVisibilityOutput, error)
}

// TaskTransport implements domain.TaskQueue against an SQS FIFO queue.
type TaskTransport struct {
	client   sqsAPI
	queueURL string
}

// NewTaskTransport constructs a TaskTransport for the given SQS FIFO
// queue URL.
func NewTaskTransport(client *sqs.Client, queueURL string) *TaskTransport {
	return &TaskTransport{client: client, queueURL: queueURL}
}

// Send publishes env with MessageGroupId=accountID (per-account ordering)
// and MessageDeduplicationId=env.ID (task-level dedup).
func (t *TaskTransport) Send(ctx context.Context, accountID string, env domain.TaskEnvelope) error {
	body, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("op=sqsfifo.Send: marshal: %w", err)
	}
	_, err = t.client.SendMessage(ctx, &sqs.SendMessageInput{
		QueueUrl:               aws.String(t.queueURL),
		MessageBody:            aws.String(string(body)),
		MessageGroupId:         aws.String(accountID),
		MessageDeduplicationId: aws.String(env.ID),
	})
	if err != nil {
		return fmt.Errorf("op=sqsfifo.Send: %w", err)
	}
	return nil
}

// Receive long-polls up to timeout for the next envelope addressed to
// accountID's message group. Since SQS has no server-side per-group
// selective receive, messages for other accounts are returned to
// visibility immediately so other pollers can still see them.
func (t *TaskTransport) Receive(ctx context.Context, accountID string, timeout time.Duration) (domain.TaskEnvelope, func(), func(), bool, error) {
	deadline := time.Now().Add(timeout)
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return domain.TaskEnvelope{}, func() {}, func() {}, false, nil
		}
		waitS := int32(sqsMaxLongPollSeconds)
		if remaining < time.Duration(sqsMaxLongPollSeconds)*time.Second {
			waitS = int32(remaining.Seconds())
			if waitS < 1 {
				waitS = 1
			}
		}

		out, err := t.client.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
			QueueUrl:              aws.String(t.queueURL),
			MaxNumberOfMessages:   1,
			WaitTimeSeconds:       waitS,
			MessageSystemAttributeNames: []types.MessageSystemAttributeName{types.MessageSystemAttributeNameMessageGroupId},
		})
		if err != nil {
			return domain.TaskEnvelope{}, nil, nil, false, fmt.Errorf("op=sqsfifo.Receive: %w", err)
		}
		if len(out.Messages) == 0 {
			if time.Now().After(deadline) {
				return domain.TaskEnvelope{}, func() {}, func() {}, false, nil
			}
			continue
		}

		msg := out.Messages[0]
		ack := func() { t.delete(ctx, msg.ReceiptHandle) }
		nack := func() { t.releaseNow(ctx, msg.ReceiptHandle) }

		var env domain.TaskEnvelope
		if err := json.Unmarshal([]byte(aws.ToString(msg.Body)), &env); err != nil {
			// Corrupt payloads are ack'd and dropped to prevent poison-pill cycles.
			slog.Error("sqsfifo: dropping corrupt message", slog.Any("error", err))
			ack()
			continue
		}
		if group := msg.Attributes[string(types.MessageSystemAttributeNameMessageGroupId)]; group != "" && group != accountID {
			// Not ours; release immediately so the rightful poller can see it.
			nack()
			continue
		}
		return env, ack, nack, true, nil
	}
}

func (t *TaskTransport) delete(ctx context.Context, receiptHandle *string) {
	if _, err := t.client.DeleteMessage(ctx, &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(t.queueURL),
		ReceiptHandle: receiptHandle,
	}); err != nil {
		slog.Error("sqsfifo: delete message failed", slog.Any("error", err))
	}
}

func (t *TaskTransport) releaseNow(ctx context.Context, receiptHandle *string) {
	if _, err := t.client.ChangeMessageVisibility(ctx, &sqs.ChangeMessageVisibilityInput{
		QueueUrl:          aws.String(t.queueURL),
		ReceiptHandle:     receiptHandle,
		VisibilityTimeout: 0,
	}); err != nil {
		slog.Error("sqsfifo: release message failed", slog.Any("error", err))
	}
}

// ResultTransport implements domain.ResultQueue against an SQS FIFO
// queue, grouped by correlation_id (the Job ID) to keep a Job's results
// in submission order.
type ResultTransport struct {
	client   sqsAPI
	queueURL string
}

// NewResultTransport constructs a ResultTransport for the given SQS FIFO
// queue URL.
func NewResultTransport(client *sqs.Client, queueURL string) *ResultTransport {
	return &ResultTransport{client: client, queueURL: queueURL}
}

// Send publishes env with MessageGroupId=env.JobID and
// MessageDeduplicationId derived from the Job/Task pair.
func (t *ResultTransport) Send(ctx context.Context, env domain.ResultEnvelope) error {
	body, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("op=sqsfifo.SendResult: marshal: %w", err)
	}
	dedupID := env.JobID + ":" + env.TaskID
	_, err = t.client.SendMessage(ctx, &sqs.SendMessageInput{
		QueueUrl:               aws.String(t.queueURL),
		MessageBody:            aws.String(string(body)),
		MessageGroupId:         aws.String(env.JobID),
		MessageDeduplicationId: aws.String(dedupID),
	})
	if err != nil {
		return fmt.Errorf("op=sqsfifo.SendResult: %w", err)
	}
	return nil
}

// TryGetNowait pops the next ResultEnvelope for accountID without
// blocking the caller beyond a single short-poll round trip. accountID
// filtering happens client-side since SQS has no server-side notion of
// the result's originating account.
func (t *ResultTransport) TryGetNowait(accountID string) (domain.ResultEnvelope, bool) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	out, err := t.client.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
		QueueUrl:            aws.String(t.queueURL),
		MaxNumberOfMessages: 1,
		WaitTimeSeconds:     0,
	})
	if err != nil || len(out.Messages) == 0 {
		return domain.ResultEnvelope{}, false
	}

	msg := out.Messages[0]

	var env domain.ResultEnvelope
	if err := json.Unmarshal([]byte(aws.ToString(msg.Body)), &env); err != nil {
		slog.Error("sqsfifo: dropping corrupt result message", slog.Any("error", err))
		t.delete(ctx, msg.ReceiptHandle)
		return domain.ResultEnvelope{}, false
	}
	if env.AccountID != accountID {
		// Re-deliver to the right poller; don't delete or we'd lose it.
		if _, rerr := t.client.ChangeMessageVisibility(ctx, &sqs.ChangeMessageVisibilityInput{
			QueueUrl: aws.String(t.queueURL), ReceiptHandle: msg.ReceiptHandle, VisibilityTimeout: 0,
		}); rerr != nil {
			slog.Error("sqsfifo: release result message failed", slog.Any("error", rerr))
		}
		return domain.ResultEnvelope{}, false
	}
	t.delete(ctx, msg.ReceiptHandle)
	return env, true
}

func (t *ResultTransport) delete(ctx context.Context, receiptHandle *string) {
	if _, err := t.client.DeleteMessage(ctx, &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(t.queueURL),
		ReceiptHandle: receiptHandle,
	}); err != nil {
		slog.Error("sqsfifo: delete result message failed", slog.Any("error", err))
	}
}
