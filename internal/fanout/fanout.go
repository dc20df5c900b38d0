// Package fanout delivers inbound messages to every local webhook subscriber
// of their analysis. Deliveries are concurrent and independent: one failing
// target never aborts or delays the others.
package fanout

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/privateaim/node-message-broker/internal/bridge"
	"github.com/privateaim/node-message-broker/internal/subscription"
)

// RequestFailedError means the target responded, but with an error status.
type RequestFailedError struct {
	URL        string
	StatusCode int
	Body       string
}

func (e *RequestFailedError) Error() string {
	return fmt.Sprintf("delivery to %s failed with status %d: %s", e.URL, e.StatusCode, e.Body)
}

// UnreachableError means no response was received at all.
type UnreachableError struct {
	URL string
	Err error
}

func (e *UnreachableError) Error() string {
	return fmt.Sprintf("subscriber %s unreachable: %v", e.URL, e.Err)
}
func (e *UnreachableError) Unwrap() error { return e.Err }

// SetupError means the request could not even be constructed or sent.
type SetupError struct {
	URL string
	Err error
}

func (e *SetupError) Error() string {
	return fmt.Sprintf("setting up delivery request to %s: %v", e.URL, e.Err)
}
func (e *SetupError) Unwrap() error { return e.Err }

// SubscriptionLookup is the slice of the registry the engine needs.
type SubscriptionLookup interface {
	FindByAnalysis(ctx context.Context, analysisID string) ([]subscription.Subscription, error)
}

// Config for the engine.
type Config struct {
	// DeliveryTimeout bounds each webhook POST.
	DeliveryTimeout time.Duration

	// MaxBodyLogBytes caps how much of an error response body is kept for
	// diagnostics.
	MaxBodyLogBytes int
}

// Engine is the single bridge subscriber that fans inbound messages out to
// registered webhooks.
type Engine struct {
	cfg           Config
	bridge        *bridge.Bridge
	subscriptions SubscriptionLookup

	// Keep-alive clients are shared across all deliveries to bound outbound
	// connection churn; plain and TLS pools are kept separate.
	httpClient  *http.Client
	httpsClient *http.Client
}

func New(cfg Config, br *bridge.Bridge, subs SubscriptionLookup) *Engine {
	if cfg.DeliveryTimeout <= 0 {
		cfg.DeliveryTimeout = 10 * time.Second
	}
	if cfg.MaxBodyLogBytes <= 0 {
		cfg.MaxBodyLogBytes = 2048
	}
	return &Engine{
		cfg:           cfg,
		bridge:        br,
		subscriptions: subs,
		httpClient: &http.Client{
			Timeout:   cfg.DeliveryTimeout,
			Transport: newKeepAliveTransport(),
		},
		httpsClient: &http.Client{
			Timeout:   cfg.DeliveryTimeout,
			Transport: newKeepAliveTransport(),
		},
	}
}

func newKeepAliveTransport() *http.Transport {
	return &http.Transport{
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 10,
		IdleConnTimeout:     90 * time.Second,
	}
}

// Run consumes the bridge until it closes or ctx is cancelled. Messages are
// processed strictly in bridge order; the deliveries of a single message run
// concurrently and are all joined before the next message is taken.
func (e *Engine) Run(ctx context.Context) {
	slog.Info("fan-out engine started")
	for {
		msg, ok := e.bridge.Subscribe(ctx)
		if !ok {
			slog.Info("fan-out engine stopped")
			return
		}
		e.process(ctx, msg)
	}
}

// process handles one inbound message end to end. It never fails the message
// as a whole: every problem is classified and logged, then processing of the
// next message continues.
func (e *Engine) process(ctx context.Context, msg bridge.IncomingNodeMessage) {
	if err := validate(msg); err != nil {
		slog.Error("dropping malformed inbound message", "error", err)
		return
	}

	slog.Info("received message",
		"message_id", msg.Metadata.MessageID,
		"analysis_id", msg.Metadata.AnalysisID,
		"from", msg.From.ID)

	subs, err := e.subscriptions.FindByAnalysis(ctx, msg.Metadata.AnalysisID)
	if err != nil {
		slog.Error("cannot resolve subscribers for inbound message",
			"message_id", msg.Metadata.MessageID,
			"analysis_id", msg.Metadata.AnalysisID,
			"error", err)
		return
	}

	if len(subs) == 0 {
		slog.Info("no subscribers for inbound message",
			"message_id", msg.Metadata.MessageID,
			"analysis_id", msg.Metadata.AnalysisID)
		return
	}

	var wg sync.WaitGroup
	for _, sub := range subs {
		wg.Add(1)
		go func(sub subscription.Subscription) {
			defer wg.Done()
			if err := e.deliver(ctx, sub.WebhookURL, msg); err != nil {
				slog.Error("webhook delivery failed",
					"message_id", msg.Metadata.MessageID,
					"subscription_id", sub.ID,
					"error", err)
			}
		}(sub)
	}
	wg.Wait()
}

// deliver POSTs the raw message payload to one webhook. No retries: failed
// deliveries are logged and dropped, a deliberate gap for now.
func (e *Engine) deliver(ctx context.Context, target *url.URL, msg bridge.IncomingNodeMessage) error {
	slog.Info("distributing message",
		"message_id", msg.Metadata.MessageID,
		"target", target.String())

	reqCtx, cancel := context.WithTimeout(ctx, e.cfg.DeliveryTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, target.String(),
		bytes.NewReader(msg.Data))
	if err != nil {
		return &SetupError{URL: target.String(), Err: err}
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.clientFor(target).Do(req)
	if err != nil {
		// The request went out but no usable response came back: connection
		// refused, timeout, TLS failure, DNS error.
		return &UnreachableError{URL: target.String(), Err: err}
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		excerpt, _ := io.ReadAll(io.LimitReader(resp.Body, int64(e.cfg.MaxBodyLogBytes)))
		return &RequestFailedError{
			URL:        target.String(),
			StatusCode: resp.StatusCode,
			Body:       string(excerpt),
		}
	}
	return nil
}

func (e *Engine) clientFor(target *url.URL) *http.Client {
	if target.Scheme == "https" {
		return e.httpsClient
	}
	return e.httpClient
}

func validate(msg bridge.IncomingNodeMessage) error {
	if msg.From.Type != "robot" && msg.From.Type != "user" {
		return fmt.Errorf("sender type %q is not robot or user", msg.From.Type)
	}
	if msg.From.ID == "" {
		return errors.New("sender id is empty")
	}
	if msg.Metadata.MessageID == "" {
		return errors.New("message id is empty")
	}
	if msg.Metadata.AnalysisID == "" {
		return errors.New("analysis id is empty")
	}
	return nil
}
