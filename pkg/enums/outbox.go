package enums

// OutboxAggregateType names the entity an outbox event belongs to.
type OutboxAggregateType string

const (
	AggregateOrganization   OutboxAggregateType = "organization"
	AggregateSubscription   OutboxAggregateType = "subscription"
	AggregateCreditPurchase OutboxAggregateType = "credit_purchase"
)

var aggregateTypes = set[OutboxAggregateType]{AggregateOrganization, AggregateSubscription, AggregateCreditPurchase}

func (a OutboxAggregateType) IsValid() bool { return aggregateTypes.has(a) }

// OutboxEventType enumerates the notifications the billing core emits.
type OutboxEventType string

const (
	EventSubscriptionTrialWillEnd OutboxEventType = "subscription.trial_will_end"
	EventSubscriptionCanceled     OutboxEventType = "subscription.canceled"
	EventSubscriptionPastDue      OutboxEventType = "subscription.past_due"
	EventAutoTopUpRequested       OutboxEventType = "credits.auto_topup_requested"
	EventCreditPurchaseSucceeded  OutboxEventType = "credits.purchase_succeeded"
)

var outboxEventTypes = set[OutboxEventType]{
	EventSubscriptionTrialWillEnd,
	EventSubscriptionCanceled,
	EventSubscriptionPastDue,
	EventAutoTopUpRequested,
	EventCreditPurchaseSucceeded,
}

func (e OutboxEventType) String() string { return string(e) }

func (e OutboxEventType) IsValid() bool { return outboxEventTypes.has(e) }

// OutboxEventTypes lists every event type the relay publishes.
func OutboxEventTypes() []OutboxEventType { return outboxEventTypes.values() }
