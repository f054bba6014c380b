// Package source provides the interface between the consumer loop and a
// durable, at-least-once message queue.
package source

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Message is a single delivery received from the queue.
type Message struct {
	// ID is the queue-assigned identifier for this message.
	ID string

	// ReceiptHandle is the token required to acknowledge, release, or
	// extend this specific delivery. It is only valid until the current
	// visibility window expires or the message is deleted.
	ReceiptHandle string

	// Body is the raw message payload.
	Body []byte

	// DeliveryCount is the number of times this message has been received,
	// including the current delivery.
	DeliveryCount int

	// EnqueuedAt is when the message was first sent to the queue.
	EnqueuedAt time.Time

	// Attributes contains queue-specific message attributes.
	Attributes map[string]string
}

// MessageSource abstracts the queue operations the consumer loop needs.
// Implementations must be safe for concurrent use.
type MessageSource interface {
	// ReceiveBatch receives up to maxCount messages, blocking up to the
	// configured poll duration. An empty queue yields an empty slice, not
	// an error. Transient queue errors are retried internally; an error
	// return means retries were exhausted and polling should stop.
	ReceiveBatch(ctx context.Context, maxCount int) ([]Message, error)

	// ExtendVisibility pushes out the visibility deadline of an in-flight
	// message by additional seconds from now. Fails with ErrStaleHandle if
	// the window already expired.
	ExtendVisibility(ctx context.Context, msg Message, additionalSeconds int) error

	// Acknowledge deletes the message from the queue. Acknowledging a
	// message twice is a no-op success.
	Acknowledge(ctx context.Context, msg Message) error

	// Release makes the message visible again for redelivery after
	// delaySeconds.
	Release(ctx context.Context, msg Message, delaySeconds int) error

	// DeadLetter moves the message to the terminal failure path. If no
	// dead-letter destination is configured it acknowledges the message
	// and logs that the payload was dropped.
	DeadLetter(ctx context.Context, msg Message) error
}

// ErrStaleHandle indicates the receipt handle is no longer valid: the
// visibility window expired and the queue owns the message again. The local
// delivery should be dropped silently; the queue will redeliver.
var ErrStaleHandle = errors.New("receipt handle is stale")

// TransientError wraps a queue error that is expected to clear on its own,
// such as throttling or a network blip. The adapter retries these with
// backoff before ever surfacing them.
type TransientError struct {
	Cause error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("transient queue error: %v", e.Cause)
}

func (e *TransientError) Unwrap() error { return e.Cause }

// FatalError wraps a queue error that persisted past backoff exhaustion or
// can never succeed, such as a missing queue or denied credentials. It halts
// the consumer loop.
type FatalError struct {
	Cause error
}

func (e *FatalError) Error() string {
	return fmt.Sprintf("fatal queue error: %v", e.Cause)
}

func (e *FatalError) Unwrap() error { return e.Cause }

// IsFatal reports whether err should halt the consumer loop.
func IsFatal(err error) bool {
	var fe *FatalError
	return errors.As(err, &fe)
}
