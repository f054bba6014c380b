package sqs

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awssqs "github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/aws/smithy-go"

	"widgetconsumer/internal/source"
)

type fakeSQSAPI struct {
	ReceiveMessageFunc          func(ctx context.Context, params *awssqs.ReceiveMessageInput, optFns ...func(*awssqs.Options)) (*awssqs.ReceiveMessageOutput, error)
	DeleteMessageFunc           func(ctx context.Context, params *awssqs.DeleteMessageInput, optFns ...func(*awssqs.Options)) (*awssqs.DeleteMessageOutput, error)
	ChangeMessageVisibilityFunc func(ctx context.Context, params *awssqs.ChangeMessageVisibilityInput, optFns ...func(*awssqs.Options)) (*awssqs.ChangeMessageVisibilityOutput, error)
	SendMessageFunc             func(ctx context.Context, params *awssqs.SendMessageInput, optFns ...func(*awssqs.Options)) (*awssqs.SendMessageOutput, error)
	GetQueueAttributesFunc      func(ctx context.Context, params *awssqs.GetQueueAttributesInput, optFns ...func(*awssqs.Options)) (*awssqs.GetQueueAttributesOutput, error)
}

func (f *fakeSQSAPI) ReceiveMessage(ctx context.Context, params *awssqs.ReceiveMessageInput, optFns ...func(*awssqs.Options)) (*awssqs.ReceiveMessageOutput, error) {
	if f.ReceiveMessageFunc == nil {
		return &awssqs.ReceiveMessageOutput{}, nil
	}
	return f.ReceiveMessageFunc(ctx, params, optFns...)
}

func (f *fakeSQSAPI) DeleteMessage(ctx context.Context, params *awssqs.DeleteMessageInput, optFns ...func(*awssqs.Options)) (*awssqs.DeleteMessageOutput, error) {
	if f.DeleteMessageFunc == nil {
		return &awssqs.DeleteMessageOutput{}, nil
	}
	return f.DeleteMessageFunc(ctx, params, optFns...)
}

func (f *fakeSQSAPI) ChangeMessageVisibility(ctx context.Context, params *awssqs.ChangeMessageVisibilityInput, optFns ...func(*awssqs.Options)) (*awssqs.ChangeMessageVisibilityOutput, error) {
	if f.ChangeMessageVisibilityFunc == nil {
		return &awssqs.ChangeMessageVisibilityOutput{}, nil
	}
	return f.ChangeMessageVisibilityFunc(ctx, params, optFns...)
}

func (f *fakeSQSAPI) SendMessage(ctx context.Context, params *awssqs.SendMessageInput, optFns ...func(*awssqs.Options)) (*awssqs.SendMessageOutput, error) {
	if f.SendMessageFunc == nil {
		return &awssqs.SendMessageOutput{}, nil
	}
	return f.SendMessageFunc(ctx, params, optFns...)
}

func (f *fakeSQSAPI) GetQueueAttributes(ctx context.Context, params *awssqs.GetQueueAttributesInput, optFns ...func(*awssqs.Options)) (*awssqs.GetQueueAttributesOutput, error) {
	if f.GetQueueAttributesFunc == nil {
		return &awssqs.GetQueueAttributesOutput{}, nil
	}
	return f.GetQueueAttributesFunc(ctx, params, optFns...)
}

const testQueueURL = "https://sqs.us-east-1.amazonaws.com/123456789012/widgets"

func fastConfig() Config {
	return Config{
		QueueURL:              testQueueURL,
		ReceiveBackoffInitial: time.Millisecond,
		ReceiveBackoffMax:     5 * time.Millisecond,
		ReceiveMaxRetries:     3,
	}
}

func apiError(code string) error {
	return &smithy.GenericAPIError{Code: code, Message: code}
}

func TestNewValidatesConfig(t *testing.T) {
	t.Parallel()
	if _, err := New(nil, fastConfig()); err == nil {
		t.Error("New() with nil client: expected error")
	}
	if _, err := New(&fakeSQSAPI{}, Config{}); !errors.Is(err, ErrQueueURLEmpty) {
		t.Errorf("New() with empty URL: error = %v, want %v", err, ErrQueueURLEmpty)
	}
}

func TestReceiveBatchMapsMessages(t *testing.T) {
	t.Parallel()
	sent := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	var gotInput *awssqs.ReceiveMessageInput
	client := &fakeSQSAPI{
		ReceiveMessageFunc: func(_ context.Context, params *awssqs.ReceiveMessageInput, _ ...func(*awssqs.Options)) (*awssqs.ReceiveMessageOutput, error) {
			gotInput = params
			return &awssqs.ReceiveMessageOutput{
				Messages: []types.Message{{
					MessageId:     aws.String("m-1"),
					ReceiptHandle: aws.String("rh-1"),
					Body:          aws.String(`{"type":"create"}`),
					Attributes: map[string]string{
						"ApproximateReceiveCount": "4",
						"SentTimestamp":           "1714564800000",
					},
				}},
			}, nil
		},
	}

	s, err := New(client, fastConfig())
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	// maxCount beyond the SQS per-call cap must be clamped.
	msgs, err := s.ReceiveBatch(context.Background(), 25)
	if err != nil {
		t.Fatalf("ReceiveBatch() error = %v", err)
	}
	if gotInput.MaxNumberOfMessages != 10 {
		t.Errorf("MaxNumberOfMessages = %d, want clamped 10", gotInput.MaxNumberOfMessages)
	}
	if aws.ToString(gotInput.QueueUrl) != testQueueURL {
		t.Errorf("QueueUrl = %q", aws.ToString(gotInput.QueueUrl))
	}

	if len(msgs) != 1 {
		t.Fatalf("len(msgs) = %d, want 1", len(msgs))
	}
	m := msgs[0]
	if m.ID != "m-1" || m.ReceiptHandle != "rh-1" {
		t.Errorf("identity = %q/%q", m.ID, m.ReceiptHandle)
	}
	if string(m.Body) != `{"type":"create"}` {
		t.Errorf("Body = %q", m.Body)
	}
	if m.DeliveryCount != 4 {
		t.Errorf("DeliveryCount = %d, want 4", m.DeliveryCount)
	}
	if !m.EnqueuedAt.Equal(sent) {
		t.Errorf("EnqueuedAt = %v, want %v", m.EnqueuedAt, sent)
	}
}

func TestReceiveBatchDefaultsDeliveryCount(t *testing.T) {
	t.Parallel()
	client := &fakeSQSAPI{
		ReceiveMessageFunc: func(_ context.Context, _ *awssqs.ReceiveMessageInput, _ ...func(*awssqs.Options)) (*awssqs.ReceiveMessageOutput, error) {
			return &awssqs.ReceiveMessageOutput{
				Messages: []types.Message{{
					MessageId:     aws.String("m-1"),
					ReceiptHandle: aws.String("rh-1"),
					Body:          aws.String("{}"),
				}},
			}, nil
		},
	}
	s, _ := New(client, fastConfig())
	msgs, err := s.ReceiveBatch(context.Background(), 1)
	if err != nil {
		t.Fatalf("ReceiveBatch() error = %v", err)
	}
	if msgs[0].DeliveryCount != 1 {
		t.Errorf("DeliveryCount = %d, want 1 when the attribute is absent", msgs[0].DeliveryCount)
	}
}

func TestReceiveBatchRetriesTransientErrors(t *testing.T) {
	t.Parallel()
	calls := 0
	client := &fakeSQSAPI{
		ReceiveMessageFunc: func(_ context.Context, _ *awssqs.ReceiveMessageInput, _ ...func(*awssqs.Options)) (*awssqs.ReceiveMessageOutput, error) {
			calls++
			if calls < 3 {
				return nil, apiError("ThrottlingException")
			}
			return &awssqs.ReceiveMessageOutput{}, nil
		},
	}
	s, _ := New(client, fastConfig())

	msgs, err := s.ReceiveBatch(context.Background(), 10)
	if err != nil {
		t.Fatalf("ReceiveBatch() error = %v", err)
	}
	if len(msgs) != 0 {
		t.Errorf("len(msgs) = %d, want 0", len(msgs))
	}
	if calls != 3 {
		t.Errorf("receive calls = %d, want 3 (two throttled, one success)", calls)
	}
}

func TestReceiveBatchFatalOnNonRetryableError(t *testing.T) {
	t.Parallel()
	calls := 0
	client := &fakeSQSAPI{
		ReceiveMessageFunc: func(_ context.Context, _ *awssqs.ReceiveMessageInput, _ ...func(*awssqs.Options)) (*awssqs.ReceiveMessageOutput, error) {
			calls++
			return nil, apiError("AccessDeniedException")
		},
	}
	s, _ := New(client, fastConfig())

	_, err := s.ReceiveBatch(context.Background(), 10)
	if !source.IsFatal(err) {
		t.Errorf("ReceiveBatch() error = %v, want fatal", err)
	}
	if calls != 1 {
		t.Errorf("receive calls = %d, want no retry of a non-retryable error", calls)
	}
}

func TestReceiveBatchReturnsContextError(t *testing.T) {
	t.Parallel()
	client := &fakeSQSAPI{
		ReceiveMessageFunc: func(_ context.Context, _ *awssqs.ReceiveMessageInput, _ ...func(*awssqs.Options)) (*awssqs.ReceiveMessageOutput, error) {
			return nil, apiError("ServiceUnavailable")
		},
	}
	cfg := fastConfig()
	cfg.ReceiveBackoffInitial = 50 * time.Millisecond
	cfg.ReceiveMaxRetries = 100
	s, _ := New(client, cfg)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, err := s.ReceiveBatch(ctx, 10)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("ReceiveBatch() error = %v, want context deadline", err)
	}
	if source.IsFatal(err) {
		t.Error("a canceled poll must not look like a fatal queue error")
	}
}

func TestAcknowledgeMapsStaleHandle(t *testing.T) {
	t.Parallel()
	tests := []struct {
		Name      string
		Err       error
		WantStale bool
	}{
		{"invalid receipt handle", apiError("ReceiptHandleIsInvalid"), true},
		{"not in flight", apiError("AWS.SimpleQueueService.MessageNotInflight"), true},
		{"other api error", apiError("InternalError"), false},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.Name, func(t *testing.T) {
			t.Parallel()
			client := &fakeSQSAPI{
				DeleteMessageFunc: func(_ context.Context, _ *awssqs.DeleteMessageInput, _ ...func(*awssqs.Options)) (*awssqs.DeleteMessageOutput, error) {
					return nil, tt.Err
				},
			}
			s, _ := New(client, fastConfig())

			err := s.Acknowledge(context.Background(), source.Message{ID: "m-1", ReceiptHandle: "rh"})
			if got := errors.Is(err, source.ErrStaleHandle); got != tt.WantStale {
				t.Errorf("stale = %v, want %v (err = %v)", got, tt.WantStale, err)
			}
		})
	}
}

func TestReleaseClampsNegativeDelay(t *testing.T) {
	t.Parallel()
	var gotTimeout int32 = -1
	client := &fakeSQSAPI{
		ChangeMessageVisibilityFunc: func(_ context.Context, params *awssqs.ChangeMessageVisibilityInput, _ ...func(*awssqs.Options)) (*awssqs.ChangeMessageVisibilityOutput, error) {
			gotTimeout = params.VisibilityTimeout
			return &awssqs.ChangeMessageVisibilityOutput{}, nil
		},
	}
	s, _ := New(client, fastConfig())

	if err := s.Release(context.Background(), source.Message{ReceiptHandle: "rh"}, -5); err != nil {
		t.Fatalf("Release() error = %v", err)
	}
	if gotTimeout != 0 {
		t.Errorf("VisibilityTimeout = %d, want 0", gotTimeout)
	}
}

func TestExtendVisibilityMapsStaleHandle(t *testing.T) {
	t.Parallel()
	client := &fakeSQSAPI{
		ChangeMessageVisibilityFunc: func(_ context.Context, _ *awssqs.ChangeMessageVisibilityInput, _ ...func(*awssqs.Options)) (*awssqs.ChangeMessageVisibilityOutput, error) {
			return nil, apiError("InvalidParameterValue")
		},
	}
	s, _ := New(client, fastConfig())

	err := s.ExtendVisibility(context.Background(), source.Message{ReceiptHandle: "rh"}, 30)
	if !errors.Is(err, source.ErrStaleHandle) {
		t.Errorf("ExtendVisibility() error = %v, want stale handle", err)
	}
}

func TestDeadLetterForwardsAndDeletes(t *testing.T) {
	t.Parallel()
	const dlqURL = testQueueURL + "-dlq"
	var sent *awssqs.SendMessageInput
	deleted := false
	client := &fakeSQSAPI{
		SendMessageFunc: func(_ context.Context, params *awssqs.SendMessageInput, _ ...func(*awssqs.Options)) (*awssqs.SendMessageOutput, error) {
			sent = params
			return &awssqs.SendMessageOutput{}, nil
		},
		DeleteMessageFunc: func(_ context.Context, _ *awssqs.DeleteMessageInput, _ ...func(*awssqs.Options)) (*awssqs.DeleteMessageOutput, error) {
			deleted = true
			return &awssqs.DeleteMessageOutput{}, nil
		},
	}
	cfg := fastConfig()
	cfg.DeadLetterQueueURL = dlqURL
	s, _ := New(client, cfg)

	msg := source.Message{ID: "m-1", ReceiptHandle: "rh", Body: []byte("payload"), DeliveryCount: 5}
	if err := s.DeadLetter(context.Background(), msg); err != nil {
		t.Fatalf("DeadLetter() error = %v", err)
	}

	if sent == nil {
		t.Fatal("SendMessage was not called")
	}
	if aws.ToString(sent.QueueUrl) != dlqURL {
		t.Errorf("QueueUrl = %q, want dead-letter queue", aws.ToString(sent.QueueUrl))
	}
	if aws.ToString(sent.MessageBody) != "payload" {
		t.Errorf("MessageBody = %q", aws.ToString(sent.MessageBody))
	}
	if got := aws.ToString(sent.MessageAttributes["originalMessageId"].StringValue); got != "m-1" {
		t.Errorf("originalMessageId = %q", got)
	}
	if got := aws.ToString(sent.MessageAttributes["deliveryCount"].StringValue); got != "5" {
		t.Errorf("deliveryCount = %q", got)
	}
	if !deleted {
		t.Error("original message was not deleted after forwarding")
	}
}

func TestDeadLetterWithoutQueueDropsMessage(t *testing.T) {
	t.Parallel()
	sendCalled := false
	deleted := false
	client := &fakeSQSAPI{
		SendMessageFunc: func(_ context.Context, _ *awssqs.SendMessageInput, _ ...func(*awssqs.Options)) (*awssqs.SendMessageOutput, error) {
			sendCalled = true
			return &awssqs.SendMessageOutput{}, nil
		},
		DeleteMessageFunc: func(_ context.Context, _ *awssqs.DeleteMessageInput, _ ...func(*awssqs.Options)) (*awssqs.DeleteMessageOutput, error) {
			deleted = true
			return &awssqs.DeleteMessageOutput{}, nil
		},
	}
	s, _ := New(client, fastConfig())

	if err := s.DeadLetter(context.Background(), source.Message{ID: "m-1", ReceiptHandle: "rh"}); err != nil {
		t.Fatalf("DeadLetter() error = %v", err)
	}
	if sendCalled {
		t.Error("SendMessage called with no dead-letter queue configured")
	}
	if !deleted {
		t.Error("message must still be deleted when dead-letter degrades to drop")
	}
}

func TestVerifyWrapsUnreachableQueue(t *testing.T) {
	t.Parallel()
	client := &fakeSQSAPI{
		GetQueueAttributesFunc: func(_ context.Context, _ *awssqs.GetQueueAttributesInput, _ ...func(*awssqs.Options)) (*awssqs.GetQueueAttributesOutput, error) {
			return nil, apiError("AWS.SimpleQueueService.NonExistentQueue")
		},
	}
	s, _ := New(client, fastConfig())

	if err := s.Verify(context.Background()); !source.IsFatal(err) {
		t.Errorf("Verify() error = %v, want fatal", err)
	}
}
