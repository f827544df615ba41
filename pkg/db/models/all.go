package models

// All lists every model in dependency order, for AutoMigrate in tests and
// SQLite/MySQL development databases.
func All() []any {
	return []any{
		&Organization{},
		&Subscription{},
		&CreditBalance{},
		&FeatureQuota{},
		&UsageEvent{},
		&CreditPurchase{},
		&WebhookEvent{},
		&BillingEvent{},
		&OutboxEvent{},
		&OutboxDLQ{},
	}
}
