package registry

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/pixell/agent-billing/pkg/config"
	"github.com/pixell/agent-billing/pkg/db/models"
	"github.com/pixell/agent-billing/pkg/enums"
	"github.com/pixell/agent-billing/pkg/outbox"
	"github.com/pixell/agent-billing/pkg/outbox/payloads"
)

// EventDescriptor routes one event type: the aggregate it must belong to, the
// topic it is published on and how its data is decoded.
type EventDescriptor struct {
	EventType     enums.OutboxEventType
	AggregateType enums.OutboxAggregateType
	Topic         string
	decode        func(json.RawMessage) (any, error)
}

// ResolvedEvent is a decoded, validated outbox row ready to publish.
type ResolvedEvent struct {
	Descriptor EventDescriptor
	Envelope   outbox.PayloadEnvelope
	Payload    any
}

// NonRetryableError marks a row that can never be published as stored.
type NonRetryableError struct {
	Err error
}

func (e NonRetryableError) Error() string {
	if e.Err == nil {
		return "non-retryable outbox error"
	}
	return e.Err.Error()
}

func (e NonRetryableError) Unwrap() error { return e.Err }

// NewNonRetryableError wraps err as permanent.
func NewNonRetryableError(err error) NonRetryableError {
	return NonRetryableError{Err: err}
}

// EventRegistry knows every event type the relay may publish.
type EventRegistry struct {
	entries map[enums.OutboxEventType]EventDescriptor
}

// typed builds a descriptor that decodes data into T and validates it.
func typed[T any](eventType enums.OutboxEventType, aggregate enums.OutboxAggregateType) EventDescriptor {
	return EventDescriptor{
		EventType:     eventType,
		AggregateType: aggregate,
		decode: func(data json.RawMessage) (any, error) {
			payload := new(T)
			if err := json.Unmarshal(data, payload); err != nil {
				return nil, err
			}
			if err := payloads.Validate(payload); err != nil {
				return nil, err
			}
			return payload, nil
		},
	}
}

// NewEventRegistry registers the billing events, routing each to the topic
// cfg assigns it.
func NewEventRegistry(cfg config.PubSubConfig) (*EventRegistry, error) {
	if cfg.BillingTopic == "" {
		return nil, errors.New("billing topic is required")
	}
	descriptors := []EventDescriptor{
		typed[payloads.TrialWillEndEvent](enums.EventSubscriptionTrialWillEnd, enums.AggregateOrganization),
		typed[payloads.SubscriptionCanceledEvent](enums.EventSubscriptionCanceled, enums.AggregateSubscription),
		typed[payloads.SubscriptionPastDueEvent](enums.EventSubscriptionPastDue, enums.AggregateSubscription),
		typed[payloads.AutoTopUpRequestedEvent](enums.EventAutoTopUpRequested, enums.AggregateOrganization),
		typed[payloads.CreditPurchaseSucceededEvent](enums.EventCreditPurchaseSucceeded, enums.AggregateCreditPurchase),
	}

	reg := &EventRegistry{entries: make(map[enums.OutboxEventType]EventDescriptor, len(descriptors))}
	for _, desc := range descriptors {
		if !desc.EventType.IsValid() {
			return nil, fmt.Errorf("unknown event type %q", desc.EventType)
		}
		desc.Topic = cfg.TopicFor(string(desc.EventType))
		reg.entries[desc.EventType] = desc
	}
	for eventType := range cfg.TopicOverrides {
		if _, ok := reg.entries[enums.OutboxEventType(eventType)]; !ok {
			return nil, fmt.Errorf("topic override for unknown event type %q", eventType)
		}
	}
	return reg, nil
}

// Topics lists the distinct topics the registry publishes to.
func (r *EventRegistry) Topics() []string {
	seen := make(map[string]bool)
	var topics []string
	for _, desc := range r.entries {
		if !seen[desc.Topic] {
			seen[desc.Topic] = true
			topics = append(topics, desc.Topic)
		}
	}
	return topics
}

// Resolve checks the row against its descriptor and decodes the payload.
// Every failure is a NonRetryableError.
func (r *EventRegistry) Resolve(row models.OutboxEvent) (*ResolvedEvent, error) {
	desc, ok := r.entries[row.EventType]
	if !ok {
		return nil, NewNonRetryableError(fmt.Errorf("unsupported event type %s", row.EventType))
	}
	if row.AggregateType != desc.AggregateType {
		return nil, NewNonRetryableError(fmt.Errorf("%s must belong to a %s aggregate, got %s", row.EventType, desc.AggregateType, row.AggregateType))
	}
	if row.AggregateID == uuid.Nil {
		return nil, NewNonRetryableError(errors.New("missing aggregate_id"))
	}

	envelope, err := outbox.DecodeEnvelope(row.Payload)
	if err != nil {
		return nil, NewNonRetryableError(fmt.Errorf("%s: %w", row.EventType, err))
	}
	payload, err := desc.decode(envelope.Data)
	if err != nil {
		return nil, NewNonRetryableError(fmt.Errorf("decode %s: %w", row.EventType, err))
	}
	return &ResolvedEvent{Descriptor: desc, Envelope: envelope, Payload: payload}, nil
}
