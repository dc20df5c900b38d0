package subscription

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"github.com/google/uuid"

	"github.com/privateaim/node-message-broker/internal/store"
)

// Store is the persistence the registry needs.
// Defined at the consumer side per Go conventions.
type Store interface {
	CreateSubscription(ctx context.Context, rec *store.SubscriptionRecord) error
	GetSubscription(ctx context.Context, id string) (*store.SubscriptionRecord, error)
	ListSubscriptionsByAnalysis(ctx context.Context, analysisID string) ([]store.SubscriptionRecord, error)
}

// Registry validates registration requests and assigns subscription ids.
type Registry struct {
	store Store
	now   func() time.Time
}

func NewRegistry(s Store) *Registry {
	return &Registry{store: s, now: time.Now}
}

// Add validates the request, generates a fresh id and persists the
// subscription. Validation failures never reach the store.
func (r *Registry) Add(ctx context.Context, analysisID, webhookURL string) (string, error) {
	if analysisID == "" {
		return "", &ValidationError{Field: "analysisId", Reason: "must not be empty"}
	}
	parsed, err := url.Parse(webhookURL)
	if err != nil || !parsed.IsAbs() || parsed.Host == "" {
		return "", &ValidationError{Field: "webhookUrl", Reason: "must be an absolute URL"}
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return "", &ValidationError{Field: "webhookUrl", Reason: "must use http or https"}
	}

	id := uuid.NewString()
	rec := &store.SubscriptionRecord{
		ID:         id,
		AnalysisID: analysisID,
		WebhookURL: parsed.String(),
		CreatedAt:  r.now(),
	}
	if err := r.store.CreateSubscription(ctx, rec); err != nil {
		return "", &SaveError{Err: err}
	}

	slog.Info("subscription added",
		"subscription_id", id,
		"analysis_id", analysisID)

	return id, nil
}

// FindByID returns the subscription with the given id.
func (r *Registry) FindByID(ctx context.Context, id string) (Subscription, error) {
	rec, err := r.store.GetSubscription(ctx, id)
	if errors.Is(err, store.ErrNoRecord) {
		return Subscription{}, ErrNotFound
	}
	if err != nil {
		return Subscription{}, &LookupError{Err: err}
	}
	return fromRecord(rec)
}

// FindByAnalysis returns all subscriptions for the analysis. An empty result
// means no local subscribers, which is a normal state.
func (r *Registry) FindByAnalysis(ctx context.Context, analysisID string) ([]Subscription, error) {
	recs, err := r.store.ListSubscriptionsByAnalysis(ctx, analysisID)
	if err != nil {
		return nil, &LookupError{Err: err}
	}

	subs := make([]Subscription, 0, len(recs))
	for i := range recs {
		sub, err := fromRecord(&recs[i])
		if err != nil {
			return nil, &LookupError{Err: err}
		}
		subs = append(subs, sub)
	}
	return subs, nil
}

func fromRecord(rec *store.SubscriptionRecord) (Subscription, error) {
	u, err := url.Parse(rec.WebhookURL)
	if err != nil {
		return Subscription{}, fmt.Errorf("stored webhook URL %q is not parseable: %w", rec.WebhookURL, err)
	}
	return Subscription{ID: rec.ID, AnalysisID: rec.AnalysisID, WebhookURL: u}, nil
}
