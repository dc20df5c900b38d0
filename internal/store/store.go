package store

import "time"

// SubscriptionRecord is the persisted form of a webhook subscription.
// Records are immutable after creation.
type SubscriptionRecord struct {
	ID         string
	AnalysisID string
	WebhookURL string
	CreatedAt  time.Time
}
