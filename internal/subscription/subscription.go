// Package subscription manages webhook registrations for inbound message
// delivery. A subscription binds one analysis to one webhook URL; many
// subscriptions may exist per analysis.
package subscription

import (
	"errors"
	"fmt"
	"net/url"
)

// Subscription is a local registration binding an analysis to a webhook URL.
// Immutable after creation.
type Subscription struct {
	ID         string   `json:"id"`
	AnalysisID string   `json:"analysisId"`
	WebhookURL *url.URL `json:"webhookUrl"`
}

// ErrNotFound is returned when no subscription matches the given id.
var ErrNotFound = errors.New("subscription not found")

// ValidationError indicates a malformed registration request. It is returned
// before anything reaches the persistence layer.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid subscription request: %s %s", e.Field, e.Reason)
}

// SaveError indicates the backing store rejected or failed the write.
type SaveError struct {
	Err error
}

func (e *SaveError) Error() string { return fmt.Sprintf("saving subscription: %v", e.Err) }
func (e *SaveError) Unwrap() error { return e.Err }

// LookupError indicates a problem with the backing store during a read, as
// opposed to a clean "not found".
type LookupError struct {
	Err error
}

func (e *LookupError) Error() string { return fmt.Sprintf("looking up subscription: %v", e.Err) }
func (e *LookupError) Unwrap() error { return e.Err }
