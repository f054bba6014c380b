// Package s3 implements the widget storage sink backed by an S3 bucket.
// Each widget is one JSON object at widgets/<owner>/<widget id>.
package s3

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"
	"github.com/sirupsen/logrus"

	"widgetconsumer/internal/sink"
	"widgetconsumer/internal/widget"
)

type s3API interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
}

// Sink writes widgets to an S3 bucket.
type Sink struct {
	client s3API
	bucket string
	logger *logrus.Entry
}

// New creates an S3 sink for the given bucket.
func New(client s3API, bucket string) (*Sink, error) {
	if client == nil {
		return nil, errors.New("s3 client is required")
	}
	if bucket == "" {
		return nil, errors.New("bucket name is required")
	}
	return &Sink{
		client: client,
		bucket: bucket,
		logger: logrus.WithFields(logrus.Fields{
			"component": "s3_sink",
			"bucket":    bucket,
		}),
	}, nil
}

// Handle applies a widget request to the bucket. PutObject on a fixed key
// is idempotent, so a redelivered request overwrites with identical bytes.
func (s *Sink) Handle(ctx context.Context, req *widget.Request) sink.Outcome {
	switch req.Type {
	case widget.RequestTypeCreate:
		return s.put(ctx, req.StorageKey(), req.ToWidget())
	case widget.RequestTypeUpdate:
		return s.update(ctx, req)
	case widget.RequestTypeDelete:
		return s.delete(ctx, req)
	default:
		return sink.Permanent("unknown_request_type", fmt.Errorf("request type %q", req.Type))
	}
}

func (s *Sink) put(ctx context.Context, key string, w *widget.Widget) sink.Outcome {
	data, err := json.Marshal(w)
	if err != nil {
		return sink.Permanent("marshal_widget_failed", err)
	}

	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		return classify("put widget object", err)
	}

	s.logger.WithFields(logrus.Fields{"widget_id": w.ID, "key": key}).Debug("Stored widget object")
	return sink.OK()
}

func (s *Sink) update(ctx context.Context, req *widget.Request) sink.Outcome {
	key := req.StorageKey()

	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if isNotFound(err) {
			// Updating an absent widget is an upsert.
			return s.put(ctx, key, req.ToWidget())
		}
		return classify("read widget object", err)
	}
	defer out.Body.Close()

	var existing widget.Widget
	if err := json.NewDecoder(out.Body).Decode(&existing); err != nil {
		// The stored object is not valid widget JSON. Overwriting it with
		// the request is the only way forward.
		s.logger.WithError(err).WithField("key", key).Warn("Replacing undecodable widget object")
		return s.put(ctx, key, req.ToWidget())
	}

	existing.Merge(req)
	return s.put(ctx, key, &existing)
}

func (s *Sink) delete(ctx context.Context, req *widget.Request) sink.Outcome {
	key := req.StorageKey()

	// DeleteObject on a missing key succeeds, which is exactly the
	// idempotency we need for redelivered deletes.
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return classify("delete widget object", err)
	}

	s.logger.WithFields(logrus.Fields{"widget_id": req.WidgetID, "key": key}).Debug("Deleted widget object")
	return sink.OK()
}

func isNotFound(err error) bool {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NoSuchKey", "NotFound":
			return true
		}
	}
	return false
}

// classify maps an S3 API error onto a processing outcome.
func classify(op string, err error) sink.Outcome {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return sink.Retryable(op+"_interrupted", err)
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "AccessDenied",
			"NoSuchBucket",
			"InvalidBucketName",
			"EntityTooLarge":
			return sink.Permanent(op+"_rejected", err)
		}
	}
	// SlowDown, InternalError, and anything unrecognized may clear on a
	// later delivery.
	return sink.Retryable(op+"_failed", err)
}
