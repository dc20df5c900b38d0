// Package message implements the outbound side of the broker: validating
// local send requests, resolving recipients, and instructing the Hub
// transport to emit.
package message

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	"github.com/privateaim/node-message-broker/internal/bridge"
	"github.com/privateaim/node-message-broker/internal/discovery"
	"github.com/privateaim/node-message-broker/internal/transport"
)

// ValidationError indicates a malformed send request.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid message request: %s %s", e.Field, e.Reason)
}

// InvalidRecipientsError names the requested recipients that are not
// participants of the analysis. When any recipient is invalid the send is not
// attempted at all.
type InvalidRecipientsError struct {
	AnalysisID string
	NodeIDs    []string
}

func (e *InvalidRecipientsError) Error() string {
	return fmt.Sprintf("recipient node ids [%s] are not participants of analysis %q",
		strings.Join(e.NodeIDs, ","), e.AnalysisID)
}

// Discoverer is the slice of the discovery resolver the service needs.
type Discoverer interface {
	ListParticipants(ctx context.Context, analysisID string) ([]discovery.ParticipatingNode, error)
}

// Emitter is the slice of the Hub transport the service needs. The service
// never touches the connection directly.
type Emitter interface {
	Emit(targets []transport.Target, data json.RawMessage, meta bridge.Metadata) error
}

// Service validates and dispatches outbound messages.
type Service struct {
	discovery Discoverer
	emitter   Emitter
	newID     func() string
}

func NewService(d Discoverer, e Emitter) *Service {
	return &Service{discovery: d, emitter: e, newID: uuid.NewString}
}

// SendBroadcast sends the payload to every participant of the analysis.
func (s *Service) SendBroadcast(ctx context.Context, analysisID string, payload json.RawMessage) error {
	if analysisID == "" {
		return &ValidationError{Field: "analysisId", Reason: "must not be empty"}
	}
	if err := validatePayload(payload); err != nil {
		return err
	}

	participants, err := s.discovery.ListParticipants(ctx, analysisID)
	if err != nil {
		return err
	}

	targets := make([]transport.Target, 0, len(participants))
	nodeIDs := make([]string, 0, len(participants))
	for _, p := range participants {
		targets = append(targets, transport.Target{Type: "robot", ID: p.NodeID})
		nodeIDs = append(nodeIDs, p.NodeID)
	}

	messageID := s.newID()
	if err := s.emitter.Emit(targets, payload, bridge.Metadata{
		MessageID:  messageID,
		AnalysisID: analysisID,
	}); err != nil {
		return fmt.Errorf("emitting broadcast message: %w", err)
	}

	slog.Info("sent broadcast message",
		"message_id", messageID,
		"analysis_id", analysisID,
		"nodes", strings.Join(nodeIDs, ","))
	return nil
}

// SendDirect sends the payload to the given recipients. Every recipient must
// be a participant of the analysis; otherwise the whole send is rejected with
// an InvalidRecipientsError naming exactly the offending ids.
func (s *Service) SendDirect(ctx context.Context, analysisID string, recipients []string, payload json.RawMessage) error {
	if analysisID == "" {
		return &ValidationError{Field: "analysisId", Reason: "must not be empty"}
	}
	if len(recipients) == 0 {
		return &ValidationError{Field: "recipients", Reason: "must not be empty"}
	}
	for _, r := range recipients {
		if r == "" {
			return &ValidationError{Field: "recipients", Reason: "must not contain empty node ids"}
		}
	}
	if err := validatePayload(payload); err != nil {
		return err
	}

	participants, err := s.discovery.ListParticipants(ctx, analysisID)
	if err != nil {
		return err
	}

	participantIDs := make(map[string]struct{}, len(participants))
	for _, p := range participants {
		participantIDs[p.NodeID] = struct{}{}
	}

	var invalid []string
	for _, r := range recipients {
		if _, ok := participantIDs[r]; !ok {
			invalid = append(invalid, r)
		}
	}
	if len(invalid) > 0 {
		return &InvalidRecipientsError{AnalysisID: analysisID, NodeIDs: invalid}
	}

	targets := make([]transport.Target, 0, len(recipients))
	for _, r := range recipients {
		targets = append(targets, transport.Target{Type: "robot", ID: r})
	}

	messageID := s.newID()
	if err := s.emitter.Emit(targets, payload, bridge.Metadata{
		MessageID:  messageID,
		AnalysisID: analysisID,
	}); err != nil {
		return fmt.Errorf("emitting message: %w", err)
	}

	slog.Info("sent message",
		"message_id", messageID,
		"analysis_id", analysisID,
		"recipients", strings.Join(recipients, ","))
	return nil
}

// validatePayload requires the message body to be a structured JSON object.
// The broker does not enforce any schema beyond that.
func validatePayload(payload json.RawMessage) error {
	var obj map[string]json.RawMessage
	if len(payload) == 0 || json.Unmarshal(payload, &obj) != nil || obj == nil {
		return &ValidationError{Field: "message", Reason: "must be a JSON object"}
	}
	return nil
}
