// Package sink defines the storage backend that widget requests are applied
// to, and the outcome classification the consumer loop routes on.
package sink

import (
	"context"
	"fmt"

	"widgetconsumer/internal/widget"
)

// Status classifies the result of handling one widget request.
type Status int

const (
	// Success means the request was fully applied; the message can be
	// acknowledged.
	Success Status = iota

	// RetryableFailure means the backend was unavailable or timed out; the
	// message should be released for redelivery.
	RetryableFailure

	// PermanentFailure means the request can never succeed (malformed
	// payload, authorization denied); the message goes to the dead-letter
	// path without further retries.
	PermanentFailure
)

func (s Status) String() string {
	switch s {
	case Success:
		return "success"
	case RetryableFailure:
		return "retryable_failure"
	case PermanentFailure:
		return "permanent_failure"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// Outcome is the classified result of one handle call.
type Outcome struct {
	Status Status
	Reason string
	Err    error
}

// OK is the successful outcome.
func OK() Outcome {
	return Outcome{Status: Success}
}

// Retryable marks a failure that a later redelivery may resolve.
func Retryable(reason string, err error) Outcome {
	return Outcome{Status: RetryableFailure, Reason: reason, Err: err}
}

// Permanent marks a failure that no amount of retrying can resolve.
func Permanent(reason string, err error) Outcome {
	return Outcome{Status: PermanentFailure, Reason: reason, Err: err}
}

// StorageSink applies a decoded widget request to a storage backend.
//
// Implementations must be idempotent per widget identity: under
// at-least-once delivery the same request may be handled more than once,
// and a re-application after a prior success must not corrupt state. They
// must also be safe for concurrent use across distinct widgets, and are
// responsible for classifying their own errors as retryable or permanent;
// the dispatcher never guesses.
type StorageSink interface {
	Handle(ctx context.Context, req *widget.Request) Outcome
}

// Mode selects which storage backend a consumer writes widgets to.
type Mode string

const (
	ModeDynamoDB Mode = "dynamodb"
	ModeS3       Mode = "s3"
)

// ParseMode validates a storage mode selector from configuration.
func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case ModeDynamoDB, ModeS3:
		return Mode(s), nil
	default:
		return "", fmt.Errorf("unknown storage mode: %q", s)
	}
}
