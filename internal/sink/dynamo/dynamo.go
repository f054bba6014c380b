// Package dynamo implements the widget storage sink backed by a DynamoDB
// table. Widgets are stored one item per widget, keyed on widget_id, with
// otherAttributes flattened into top-level item attributes.
package dynamo

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/aws/smithy-go"
	"github.com/sirupsen/logrus"

	"widgetconsumer/internal/sink"
	"widgetconsumer/internal/widget"
)

// attributeKeyID is the table partition key.
const attributeKeyID = "widget_id"

// Reserved item attribute names that never come from otherAttributes.
var reservedAttributes = map[string]struct{}{
	attributeKeyID: {},
	"owner":        {},
	"label":        {},
	"description":  {},
}

type dynamoAPI interface {
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	DeleteItem(ctx context.Context, params *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
}

// Sink writes widgets to a DynamoDB table.
type Sink struct {
	client dynamoAPI
	table  string
	logger *logrus.Entry
}

// New creates a DynamoDB sink for the given table.
func New(client dynamoAPI, table string) (*Sink, error) {
	if client == nil {
		return nil, errors.New("dynamodb client is required")
	}
	if table == "" {
		return nil, errors.New("table name is required")
	}
	return &Sink{
		client: client,
		table:  table,
		logger: logrus.WithFields(logrus.Fields{
			"component": "dynamo_sink",
			"table":     table,
		}),
	}, nil
}

// Handle applies a widget request to the table. PutItem on a fixed key is
// idempotent, so redelivered create and update requests converge to the
// same item.
func (s *Sink) Handle(ctx context.Context, req *widget.Request) sink.Outcome {
	switch req.Type {
	case widget.RequestTypeCreate:
		return s.put(ctx, req.ToWidget())
	case widget.RequestTypeUpdate:
		return s.update(ctx, req)
	case widget.RequestTypeDelete:
		return s.delete(ctx, req)
	default:
		return sink.Permanent("unknown_request_type", fmt.Errorf("request type %q", req.Type))
	}
}

func (s *Sink) put(ctx context.Context, w *widget.Widget) sink.Outcome {
	item, err := attributevalue.MarshalMap(flatten(w))
	if err != nil {
		return sink.Permanent("marshal_item_failed", err)
	}
	_, err = s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(s.table),
		Item:      item,
	})
	if err != nil {
		return classify("put widget item", err)
	}

	s.logger.WithField("widget_id", w.ID).Debug("Stored widget item")
	return sink.OK()
}

func (s *Sink) update(ctx context.Context, req *widget.Request) sink.Outcome {
	out, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(s.table),
		Key:            keyFor(req.WidgetID),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return classify("read widget item", err)
	}

	// Updating an absent widget is an upsert.
	w := req.ToWidget()
	if len(out.Item) > 0 {
		existing, err := widgetFromItem(out.Item)
		if err != nil {
			return sink.Permanent("unmarshal_item_failed", err)
		}
		w = existing
		w.Merge(req)
	}
	return s.put(ctx, w)
}

func (s *Sink) delete(ctx context.Context, req *widget.Request) sink.Outcome {
	_, err := s.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName: aws.String(s.table),
		Key:       keyFor(req.WidgetID),
	})
	if err != nil {
		return classify("delete widget item", err)
	}

	s.logger.WithField("widget_id", req.WidgetID).Debug("Deleted widget item")
	return sink.OK()
}

func keyFor(widgetID string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		attributeKeyID: &types.AttributeValueMemberS{Value: widgetID},
	}
}

// flatten converts a widget into the stored item shape: the fixed fields
// plus one top-level string attribute per otherAttribute.
func flatten(w *widget.Widget) map[string]string {
	flat := map[string]string{
		attributeKeyID: w.ID,
		"owner":        w.Owner,
	}
	if w.Label != "" {
		flat["label"] = w.Label
	}
	if w.Description != "" {
		flat["description"] = w.Description
	}
	for _, attr := range w.OtherAttributes {
		if _, reserved := reservedAttributes[attr.Name]; reserved || attr.Name == "" {
			continue
		}
		flat[attr.Name] = attr.Value
	}
	return flat
}

func widgetFromItem(item map[string]types.AttributeValue) (*widget.Widget, error) {
	var flat map[string]string
	if err := attributevalue.UnmarshalMap(item, &flat); err != nil {
		return nil, fmt.Errorf("failed to unmarshal widget item: %w", err)
	}

	w := &widget.Widget{
		ID:          flat[attributeKeyID],
		Owner:       flat["owner"],
		Label:       flat["label"],
		Description: flat["description"],
	}

	names := make([]string, 0, len(flat))
	for name := range flat {
		if _, reserved := reservedAttributes[name]; reserved {
			continue
		}
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		w.OtherAttributes = append(w.OtherAttributes, widget.Attribute{Name: name, Value: flat[name]})
	}
	return w, nil
}

// classify maps a DynamoDB API error onto a processing outcome. Throttling
// and server faults clear on redelivery; validation and authorization
// failures never will.
func classify(op string, err error) sink.Outcome {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return sink.Retryable(op+"_interrupted", err)
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "AccessDeniedException",
			"ValidationException",
			"ResourceNotFoundException",
			"ConditionalCheckFailedException":
			return sink.Permanent(op+"_rejected", err)
		}
	}
	// Throttling, server faults, and anything unrecognized may clear on a
	// later delivery.
	return sink.Retryable(op+"_failed", err)
}
