// Package widget defines the Widget Request payload carried on the queue
// and the canonical widget representation written to storage.
package widget

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// RequestType identifies the operation a Widget Request asks for.
type RequestType string

const (
	RequestTypeCreate RequestType = "create"
	RequestTypeUpdate RequestType = "update"
	RequestTypeDelete RequestType = "delete"
)

// Errors returned while decoding or validating a Widget Request.
var (
	ErrEmptyBody          = errors.New("widget request body is empty")
	ErrMissingWidgetID    = errors.New("widget request has no widget id")
	ErrMissingOwner       = errors.New("widget request has no owner")
	ErrUnknownRequestType = errors.New("unknown widget request type")
)

// Attribute is a free-form name/value pair attached to a widget.
type Attribute struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// Request is a single Widget Request as enqueued by the producer.
type Request struct {
	Type            RequestType `json:"type"`
	RequestID       string      `json:"requestId"`
	WidgetID        string      `json:"widgetId"`
	Owner           string      `json:"owner"`
	Label           string      `json:"label,omitempty"`
	Description     string      `json:"description,omitempty"`
	OtherAttributes []Attribute `json:"otherAttributes,omitempty"`
}

// DecodeRequest parses and validates a raw queue message body.
//
// Validation failures are permanent: a request that cannot identify its
// widget or owner can never be stored, no matter how often it is retried.
func DecodeRequest(body []byte) (*Request, error) {
	if len(body) == 0 {
		return nil, ErrEmptyBody
	}

	var req Request
	if err := json.Unmarshal(body, &req); err != nil {
		return nil, fmt.Errorf("failed to parse widget request: %w", err)
	}

	// Producers are not consistent about casing of the type field.
	req.Type = RequestType(strings.ToLower(string(req.Type)))

	switch req.Type {
	case RequestTypeCreate, RequestTypeUpdate, RequestTypeDelete:
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownRequestType, req.Type)
	}

	if req.WidgetID == "" {
		return nil, ErrMissingWidgetID
	}
	if req.Owner == "" {
		return nil, ErrMissingOwner
	}

	return &req, nil
}

// StorageKey derives the object key for a widget stored in S3:
// widgets/<owner>/<widget id>, with the owner lowercased and spaces
// replaced by dashes.
func (r *Request) StorageKey() string {
	owner := strings.ReplaceAll(strings.ToLower(r.Owner), " ", "-")
	return fmt.Sprintf("widgets/%s/%s", owner, r.WidgetID)
}

// Widget is the canonical stored representation of a widget.
type Widget struct {
	ID              string      `json:"id"`
	Owner           string      `json:"owner"`
	Label           string      `json:"label,omitempty"`
	Description     string      `json:"description,omitempty"`
	OtherAttributes []Attribute `json:"otherAttributes,omitempty"`
}

// ToWidget converts a create or update request into its stored form.
func (r *Request) ToWidget() *Widget {
	return &Widget{
		ID:              r.WidgetID,
		Owner:           r.Owner,
		Label:           r.Label,
		Description:     r.Description,
		OtherAttributes: r.OtherAttributes,
	}
}

// Merge applies the non-empty fields of an update request over an existing
// widget. Attributes are merged by name, with the request winning.
func (w *Widget) Merge(r *Request) {
	if r.Label != "" {
		w.Label = r.Label
	}
	if r.Description != "" {
		w.Description = r.Description
	}
	if len(r.OtherAttributes) == 0 {
		return
	}
	byName := make(map[string]int, len(w.OtherAttributes))
	for i, attr := range w.OtherAttributes {
		byName[attr.Name] = i
	}
	for _, attr := range r.OtherAttributes {
		if i, ok := byName[attr.Name]; ok {
			w.OtherAttributes[i].Value = attr.Value
		} else {
			w.OtherAttributes = append(w.OtherAttributes, attr)
		}
	}
}
