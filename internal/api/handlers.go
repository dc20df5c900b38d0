package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/privateaim/node-message-broker/internal/discovery"
	"github.com/privateaim/node-message-broker/internal/message"
	"github.com/privateaim/node-message-broker/internal/subscription"
)

// maxBodyBytes caps request bodies; message payloads are small control data.
const maxBodyBytes = 1 << 20

func (s *Server) handleListParticipants(w http.ResponseWriter, r *http.Request) {
	analysisID := chi.URLParam(r, "analysisId")

	participants, err := s.discovery.ListParticipants(r.Context(), analysisID)
	if err != nil {
		writeDiscoveryError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, participants)
}

func (s *Server) handleResolveSelf(w http.ResponseWriter, r *http.Request) {
	analysisID := chi.URLParam(r, "analysisId")

	self, err := s.discovery.ResolveSelf(r.Context(), analysisID)
	if errors.Is(err, discovery.ErrSelfNotFound) {
		writeError(w, http.StatusNotFound, "own node is not a participant of this analysis")
		return
	}
	if err != nil {
		writeDiscoveryError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, self)
}

func (s *Server) handleSendBroadcast(w http.ResponseWriter, r *http.Request) {
	analysisID := chi.URLParam(r, "analysisId")

	body, err := readBody(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	var req struct {
		Message json.RawMessage `json:"message"`
	}
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, http.StatusBadRequest, "request body must be a JSON object")
		return
	}

	if err := s.messenger.SendBroadcast(r.Context(), analysisID, req.Message); err != nil {
		writeSendError(w, err)
		return
	}
	w.WriteHeader(http.StatusCreated)
}

func (s *Server) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	analysisID := chi.URLParam(r, "analysisId")

	body, err := readBody(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	var req struct {
		Recipients []string        `json:"recipients"`
		Message    json.RawMessage `json:"message"`
	}
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, http.StatusBadRequest, "request body must be a JSON object")
		return
	}

	if err := s.messenger.SendDirect(r.Context(), analysisID, req.Recipients, req.Message); err != nil {
		writeSendError(w, err)
		return
	}
	w.WriteHeader(http.StatusCreated)
}

func (s *Server) handleAddSubscription(w http.ResponseWriter, r *http.Request) {
	analysisID := chi.URLParam(r, "analysisId")

	body, err := readBody(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	var req struct {
		WebhookURL string `json:"webhookUrl"`
	}
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, http.StatusBadRequest, "request body must be a JSON object")
		return
	}

	id, err := s.registry.Add(r.Context(), analysisID, req.WebhookURL)
	if err != nil {
		var vErr *subscription.ValidationError
		if errors.As(err, &vErr) {
			writeError(w, http.StatusBadRequest, vErr.Error())
			return
		}
		writeError(w, http.StatusBadGateway, "could not save subscription")
		return
	}

	w.Header().Set("Location", subscriptionLocation(r, id))
	writeJSON(w, http.StatusCreated, map[string]string{"subscriptionId": id})
}

func (s *Server) handleGetSubscription(w http.ResponseWriter, r *http.Request) {
	analysisID := chi.URLParam(r, "analysisId")
	subscriptionID := chi.URLParam(r, "subscriptionId")

	sub, err := s.registry.FindByID(r.Context(), subscriptionID)
	if errors.Is(err, subscription.ErrNotFound) {
		writeError(w, http.StatusNotFound, "subscription not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusBadGateway, "could not look up subscription")
		return
	}

	// A subscription is only visible through its own analysis.
	if sub.AnalysisID != analysisID {
		writeError(w, http.StatusNotFound, "subscription not found")
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"id":         sub.ID,
		"analysisId": sub.AnalysisID,
		"webhookUrl": sub.WebhookURL.String(),
	})
}

func readBody(r *http.Request) ([]byte, error) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("reading request body: %w", err)
	}
	return body, nil
}

func subscriptionLocation(r *http.Request, id string) string {
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	return fmt.Sprintf("%s://%s%s/%s", scheme, r.Host, r.URL.Path, id)
}

func writeDiscoveryError(w http.ResponseWriter, err error) {
	var fetchErr *discovery.FetchError
	var unexpectedErr *discovery.UnexpectedResultError
	if errors.As(err, &fetchErr) || errors.As(err, &unexpectedErr) {
		writeError(w, http.StatusBadGateway, "could not discover analysis participants")
		return
	}
	writeError(w, http.StatusInternalServerError, "internal error")
}

func writeSendError(w http.ResponseWriter, err error) {
	var vErr *message.ValidationError
	var recErr *message.InvalidRecipientsError
	switch {
	case errors.As(err, &vErr):
		writeError(w, http.StatusBadRequest, vErr.Error())
	case errors.As(err, &recErr):
		writeError(w, http.StatusBadRequest, recErr.Error())
	default:
		writeDiscoveryError(w, err)
	}
}
