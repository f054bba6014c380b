// Package sqs provides an implementation of the MessageSource interface for
// AWS SQS standard queues.
package sqs

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/aws/smithy-go"
	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"widgetconsumer/internal/source"
)

// Errors returned while constructing the source.
var ErrQueueURLEmpty = errors.New("queue URL is empty")

// sqsAPI is the subset of the SQS client used by the source.
type sqsAPI interface {
	ReceiveMessage(ctx context.Context, params *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	DeleteMessage(ctx context.Context, params *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error)
	ChangeMessageVisibility(ctx context.Context, params *sqs.ChangeMessageVisibilityInput, optFns ...func(*sqs.Options)) (*sqs.ChangeMessageVisibilityOutput, error)
	SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
	GetQueueAttributes(ctx context.Context, params *sqs.GetQueueAttributesInput, optFns ...func(*sqs.Options)) (*sqs.GetQueueAttributesOutput, error)
}

// Config contains configuration for the SQS source.
type Config struct {
	// QueueURL is the URL of the queue to consume.
	QueueURL string

	// DeadLetterQueueURL is where dead-lettered messages are sent. Empty
	// means dead-letter degrades to acknowledge-with-logging.
	DeadLetterQueueURL string

	// WaitTimeSeconds is the long-poll duration for receives.
	WaitTimeSeconds int

	// VisibilityTimeout is the initial visibility window (in seconds)
	// applied to received messages.
	VisibilityTimeout int

	// ReceiveBackoff bounds the internal retry of transient receive
	// errors. Zero values pick the defaults below.
	ReceiveBackoffInitial time.Duration
	ReceiveBackoffMax     time.Duration
	ReceiveMaxRetries     uint64
}

const (
	defaultWaitTimeSeconds   = 20
	defaultVisibilityTimeout = 30
	defaultBackoffInitial    = 500 * time.Millisecond
	defaultBackoffMax        = 30 * time.Second
	defaultMaxRetries        = 6
)

// Source is a MessageSource backed by an SQS standard queue.
type Source struct {
	client sqsAPI
	cfg    Config
	logger *logrus.Entry
}

// New creates an SQS-backed source.
func New(client sqsAPI, cfg Config) (*Source, error) {
	if client == nil {
		return nil, errors.New("sqs client is required")
	}
	if cfg.QueueURL == "" {
		return nil, ErrQueueURLEmpty
	}
	if cfg.WaitTimeSeconds <= 0 {
		cfg.WaitTimeSeconds = defaultWaitTimeSeconds
	}
	if cfg.WaitTimeSeconds > 20 {
		cfg.WaitTimeSeconds = 20
	}
	if cfg.VisibilityTimeout <= 0 {
		cfg.VisibilityTimeout = defaultVisibilityTimeout
	}
	if cfg.ReceiveBackoffInitial <= 0 {
		cfg.ReceiveBackoffInitial = defaultBackoffInitial
	}
	if cfg.ReceiveBackoffMax <= 0 {
		cfg.ReceiveBackoffMax = defaultBackoffMax
	}
	if cfg.ReceiveMaxRetries == 0 {
		cfg.ReceiveMaxRetries = defaultMaxRetries
	}

	return &Source{
		client: client,
		cfg:    cfg,
		logger: logrus.WithFields(logrus.Fields{
			"component": "sqs_source",
			"queue_url": cfg.QueueURL,
		}),
	}, nil
}

// Verify checks that the queue exists and is reachable. Called once at
// startup so misconfiguration fails before the loop starts.
func (s *Source) Verify(ctx context.Context) error {
	_, err := s.client.GetQueueAttributes(ctx, &sqs.GetQueueAttributesInput{
		QueueUrl:       aws.String(s.cfg.QueueURL),
		AttributeNames: []types.QueueAttributeName{types.QueueAttributeNameQueueArn},
	})
	if err != nil {
		return &source.FatalError{Cause: fmt.Errorf("queue not reachable: %w", err)}
	}
	return nil
}

// ReceiveBatch long-polls the queue for up to maxCount messages. Transient
// errors are retried with exponential backoff; exhaustion or a
// non-retryable error surfaces as a FatalError.
func (s *Source) ReceiveBatch(ctx context.Context, maxCount int) ([]source.Message, error) {
	if maxCount < 1 {
		maxCount = 1
	}
	if maxCount > 10 {
		// SQS caps a single receive at 10 messages.
		maxCount = 10
	}

	var out *sqs.ReceiveMessageOutput
	operation := func() error {
		var err error
		out, err = s.client.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
			QueueUrl:            aws.String(s.cfg.QueueURL),
			MaxNumberOfMessages: int32(maxCount),
			WaitTimeSeconds:     int32(s.cfg.WaitTimeSeconds),
			VisibilityTimeout:   int32(s.cfg.VisibilityTimeout),
			AttributeNames: []types.QueueAttributeName{
				types.QueueAttributeName("ApproximateReceiveCount"),
				types.QueueAttributeName("SentTimestamp"),
			},
			MessageAttributeNames: []string{"All"},
		})
		if err == nil {
			return nil
		}
		if !isTransient(err) {
			return backoff.Permanent(err)
		}
		s.logger.WithError(err).Warn("Transient receive error, backing off")
		return err
	}

	policy := s.receivePolicy(ctx)
	if err := backoff.Retry(operation, policy); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &source.FatalError{Cause: fmt.Errorf("failed to receive messages: %w", err)}
	}

	messages := make([]source.Message, 0, len(out.Messages))
	for i := range out.Messages {
		messages = append(messages, fromSQS(&out.Messages[i]))
	}
	return messages, nil
}

func (s *Source) receivePolicy(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.cfg.ReceiveBackoffInitial
	b.MaxInterval = s.cfg.ReceiveBackoffMax
	return backoff.WithContext(backoff.WithMaxRetries(b, s.cfg.ReceiveMaxRetries), ctx)
}

// Acknowledge deletes the message. SQS treats deleting an already-deleted
// message as success, matching the required idempotency.
func (s *Source) Acknowledge(ctx context.Context, msg source.Message) error {
	_, err := s.client.DeleteMessage(ctx, &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(s.cfg.QueueURL),
		ReceiptHandle: aws.String(msg.ReceiptHandle),
	})
	if err != nil {
		if isStaleHandle(err) {
			return source.ErrStaleHandle
		}
		return fmt.Errorf("failed to delete message %s: %w", msg.ID, err)
	}
	return nil
}

// ExtendVisibility pushes the message's visibility deadline out by
// additionalSeconds from now.
func (s *Source) ExtendVisibility(ctx context.Context, msg source.Message, additionalSeconds int) error {
	return s.changeVisibility(ctx, msg, additionalSeconds)
}

// Release makes the message redeliverable after delaySeconds.
func (s *Source) Release(ctx context.Context, msg source.Message, delaySeconds int) error {
	if delaySeconds < 0 {
		delaySeconds = 0
	}
	return s.changeVisibility(ctx, msg, delaySeconds)
}

func (s *Source) changeVisibility(ctx context.Context, msg source.Message, seconds int) error {
	_, err := s.client.ChangeMessageVisibility(ctx, &sqs.ChangeMessageVisibilityInput{
		QueueUrl:          aws.String(s.cfg.QueueURL),
		ReceiptHandle:     aws.String(msg.ReceiptHandle),
		VisibilityTimeout: int32(seconds),
	})
	if err != nil {
		if isStaleHandle(err) {
			return source.ErrStaleHandle
		}
		return fmt.Errorf("failed to change visibility of message %s: %w", msg.ID, err)
	}
	return nil
}

// DeadLetter forwards the message to the configured dead-letter queue and
// deletes the original. Without a dead-letter queue the payload is dropped
// with a log entry so the failure is at least visible.
func (s *Source) DeadLetter(ctx context.Context, msg source.Message) error {
	if s.cfg.DeadLetterQueueURL == "" {
		s.logger.WithFields(logrus.Fields{
			"message_id":     msg.ID,
			"delivery_count": msg.DeliveryCount,
		}).Warn("No dead-letter queue configured, dropping message")
		return s.Acknowledge(ctx, msg)
	}

	_, err := s.client.SendMessage(ctx, &sqs.SendMessageInput{
		QueueUrl:    aws.String(s.cfg.DeadLetterQueueURL),
		MessageBody: aws.String(string(msg.Body)),
		MessageAttributes: map[string]types.MessageAttributeValue{
			"deadLetterId": {
				DataType:    aws.String("String"),
				StringValue: aws.String(uuid.New().String()),
			},
			"originalMessageId": {
				DataType:    aws.String("String"),
				StringValue: aws.String(msg.ID),
			},
			"deliveryCount": {
				DataType:    aws.String("Number"),
				StringValue: aws.String(strconv.Itoa(msg.DeliveryCount)),
			},
		},
	})
	if err != nil {
		return fmt.Errorf("failed to send message %s to dead-letter queue: %w", msg.ID, err)
	}

	return s.Acknowledge(ctx, msg)
}

func fromSQS(m *types.Message) source.Message {
	msg := source.Message{
		ID:            aws.ToString(m.MessageId),
		ReceiptHandle: aws.ToString(m.ReceiptHandle),
		Body:          []byte(aws.ToString(m.Body)),
		DeliveryCount: 1,
		Attributes:    make(map[string]string, len(m.Attributes)),
	}
	for k, v := range m.Attributes {
		msg.Attributes[k] = v
	}
	if v, ok := m.Attributes["ApproximateReceiveCount"]; ok {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			msg.DeliveryCount = n
		}
	}
	if v, ok := m.Attributes["SentTimestamp"]; ok {
		if ms, err := strconv.ParseInt(v, 10, 64); err == nil {
			msg.EnqueuedAt = time.UnixMilli(ms)
		}
	}
	return msg
}

// isStaleHandle reports whether the error means the receipt handle's
// visibility window already expired.
func isStaleHandle(err error) bool {
	var apiErr smithy.APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	switch apiErr.ErrorCode() {
	case "ReceiptHandleIsInvalid",
		"InvalidParameterValue",
		"AWS.SimpleQueueService.MessageNotInflight":
		return true
	}
	return false
}

// isTransient reports whether a receive error is worth retrying with
// backoff. Unknown errors without an API code are assumed to be network
// failures and retried.
func isTransient(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var apiErr smithy.APIError
	if !errors.As(err, &apiErr) {
		return true
	}
	switch apiErr.ErrorCode() {
	case "RequestThrottled",
		"ThrottlingException",
		"ServiceUnavailable",
		"InternalError",
		"KmsThrottled",
		"RequestTimeout":
		return true
	}
	return false
}
