package events

import (
	"context"
	"encoding/json"
	"time"

	"github.com/oklog/ulid/v2"
)

// Event represents a domain event envelope
type Event struct {
	ID            string          `json:"event_id"`
	Type          string          `json:"type"`
	Version       int             `json:"version"`
	OccurredAt    time.Time       `json:"occurred_at"`
	CorrelationID string          `json:"correlation_id,omitempty"`
	AggregateType string          `json:"aggregate_type"`
	AggregateID   string          `json:"aggregate_id"`
	Data          json.RawMessage `json:"data"`
}

// NewEvent creates a new event
func NewEvent(eventType, aggregateType, aggregateID string, data interface{}) (*Event, error) {
	dataBytes, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}

	return &Event{
		ID:            ulid.Make().String(),
		Type:          eventType,
		Version:       1,
		OccurredAt:    time.Now().UTC(),
		AggregateType: aggregateType,
		AggregateID:   aggregateID,
		Data:          dataBytes,
	}, nil
}

// WithCorrelation sets the correlation ID
func (e *Event) WithCorrelation(correlationID string) *Event {
	e.CorrelationID = correlationID
	return e
}

// DecodeData decodes the event data into a struct
func (e *Event) DecodeData(v interface{}) error {
	return json.Unmarshal(e.Data, v)
}

// EventPublisher publishes events to a message broker
type EventPublisher interface {
	Publish(ctx context.Context, event *Event) error
}

// Aggregate types
const (
	AggregatePayment     = "payment"
	AggregatePreapproval = "preapproval"
)

// Status change events
const (
	EventPaymentCompleted = "paypal.payment.completed"
	EventPaymentError     = "paypal.payment.error"
	EventPaymentRefunded  = "paypal.payment.refunded"

	EventPreapprovalApproved = "paypal.preapproval.approved"
	EventPreapprovalCanceled = "paypal.preapproval.canceled"
	EventPreapprovalUsed     = "paypal.preapproval.used"
	EventPreapprovalError    = "paypal.preapproval.error"
)

// Poll requests, consumed by the poll worker
const (
	EventPaymentPollRequested     = "paypal.payment.poll_requested"
	EventPreapprovalPollRequested = "paypal.preapproval.poll_requested"
)

// StatusChangedData is the data for status change events
type StatusChangedData struct {
	ID           int64     `json:"id"`
	Status       string    `json:"status"`
	StatusDetail string    `json:"status_detail,omitempty"`
	RemoteKey    string    `json:"remote_key,omitempty"`
	Amount       string    `json:"amount"`
	Currency     string    `json:"currency"`
	ChangedAt    time.Time `json:"changed_at"`
}

// PollRequestedData is the data for poll request events
type PollRequestedData struct {
	ID        int64     `json:"id"`
	NotBefore time.Time `json:"not_before"`
}
