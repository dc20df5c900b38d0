// Package api is the broker's HTTP front door: route definitions, request
// parsing, bearer-token verification, and error-to-status mapping.
package api

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/privateaim/node-message-broker/internal/discovery"
	"github.com/privateaim/node-message-broker/internal/subscription"
)

// Discovery is the discovery surface the API exposes.
type Discovery interface {
	ListParticipants(ctx context.Context, analysisID string) ([]discovery.ParticipatingNode, error)
	ResolveSelf(ctx context.Context, analysisID string) (discovery.ParticipatingNode, error)
}

// Registry is the subscription surface the API exposes.
type Registry interface {
	Add(ctx context.Context, analysisID, webhookURL string) (string, error)
	FindByID(ctx context.Context, id string) (subscription.Subscription, error)
}

// Messenger is the outbound messaging surface the API exposes.
type Messenger interface {
	SendBroadcast(ctx context.Context, analysisID string, payload json.RawMessage) error
	SendDirect(ctx context.Context, analysisID string, recipients []string, payload json.RawMessage) error
}

// TokenIntrospector verifies bearer tokens presented by API callers.
type TokenIntrospector interface {
	IntrospectToken(ctx context.Context, token string) (bool, error)
}

// HealthChecker reports one subsystem's health.
type HealthChecker interface {
	Name() string
	Healthy(ctx context.Context) bool
}

// Server bundles the broker services behind the HTTP surface.
type Server struct {
	discovery Discovery
	registry  Registry
	messenger Messenger
	health    []HealthChecker

	authEnabled  bool
	introspector TokenIntrospector
}

// Deps are the collaborators the API needs.
type Deps struct {
	Discovery    Discovery
	Registry     Registry
	Messenger    Messenger
	Health       []HealthChecker
	AuthEnabled  bool
	Introspector TokenIntrospector
}

func NewServer(d *Deps) *Server {
	return &Server{
		discovery:    d.Discovery,
		registry:     d.Registry,
		messenger:    d.Messenger,
		health:       d.Health,
		authEnabled:  d.AuthEnabled,
		introspector: d.Introspector,
	}
}

// Router builds the chi router with all broker routes.
func (s *Server) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(requestLogger)

	r.Get("/health", s.handleHealth)

	r.Route("/analyses/{analysisId}", func(r chi.Router) {
		if s.authEnabled {
			r.Use(bearerAuth(s.introspector))
		}

		r.Get("/participants", s.handleListParticipants)
		r.Get("/participants/self", s.handleResolveSelf)

		r.Post("/messages", s.handleSendMessage)
		r.Post("/messages/broadcasts", s.handleSendBroadcast)

		r.Post("/messages/subscriptions", s.handleAddSubscription)
		r.Get("/messages/subscriptions/{subscriptionId}", s.handleGetSubscription)
	})

	return r
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
