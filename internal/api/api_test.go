package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/privateaim/node-message-broker/internal/discovery"
	"github.com/privateaim/node-message-broker/internal/message"
	"github.com/privateaim/node-message-broker/internal/subscription"
)

type fakeDiscovery struct {
	participants []discovery.ParticipatingNode
	self         discovery.ParticipatingNode
	listErr      error
	selfErr      error
}

func (f *fakeDiscovery) ListParticipants(_ context.Context, _ string) ([]discovery.ParticipatingNode, error) {
	return f.participants, f.listErr
}

func (f *fakeDiscovery) ResolveSelf(_ context.Context, _ string) (discovery.ParticipatingNode, error) {
	return f.self, f.selfErr
}

type fakeRegistry struct {
	addID      string
	addErr     error
	sub        subscription.Subscription
	findErr    error
	gotAdds    [][2]string
	gotFindIDs []string
}

func (f *fakeRegistry) Add(_ context.Context, analysisID, webhookURL string) (string, error) {
	f.gotAdds = append(f.gotAdds, [2]string{analysisID, webhookURL})
	return f.addID, f.addErr
}

func (f *fakeRegistry) FindByID(_ context.Context, id string) (subscription.Subscription, error) {
	f.gotFindIDs = append(f.gotFindIDs, id)
	return f.sub, f.findErr
}

type fakeMessenger struct {
	broadcastErr  error
	directErr     error
	gotBroadcasts []string
	gotRecipients [][]string
}

func (f *fakeMessenger) SendBroadcast(_ context.Context, analysisID string, _ json.RawMessage) error {
	f.gotBroadcasts = append(f.gotBroadcasts, analysisID)
	return f.broadcastErr
}

func (f *fakeMessenger) SendDirect(_ context.Context, _ string, recipients []string, _ json.RawMessage) error {
	f.gotRecipients = append(f.gotRecipients, recipients)
	return f.directErr
}

type fakeIntrospector struct {
	active bool
	err    error
	tokens []string
}

func (f *fakeIntrospector) IntrospectToken(_ context.Context, token string) (bool, error) {
	f.tokens = append(f.tokens, token)
	return f.active, f.err
}

type staticChecker struct {
	name    string
	healthy bool
}

func (c staticChecker) Name() string                   { return c.name }
func (c staticChecker) Healthy(_ context.Context) bool { return c.healthy }

func newTestServer(d *Deps) *httptest.Server {
	if d.Discovery == nil {
		d.Discovery = &fakeDiscovery{}
	}
	if d.Registry == nil {
		d.Registry = &fakeRegistry{}
	}
	if d.Messenger == nil {
		d.Messenger = &fakeMessenger{}
	}
	return httptest.NewServer(NewServer(d).Router())
}

func doJSON(t *testing.T, method, url, body string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, url, strings.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func TestListParticipants(t *testing.T) {
	t.Parallel()

	disc := &fakeDiscovery{participants: []discovery.ParticipatingNode{
		{NodeID: "robot-a", NodeType: discovery.NodeTypeDefault},
		{NodeID: "robot-b", NodeType: discovery.NodeTypeAggregator},
	}}
	srv := newTestServer(&Deps{Discovery: disc})
	t.Cleanup(srv.Close)

	resp := doJSON(t, http.MethodGet, srv.URL+"/analyses/analysis-1/participants", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var got []discovery.ParticipatingNode
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&got))
	assert.Equal(t, disc.participants, got)
}

func TestListParticipants_HubFailureIsBadGateway(t *testing.T) {
	t.Parallel()

	srv := newTestServer(&Deps{Discovery: &fakeDiscovery{
		listErr: &discovery.FetchError{Err: errors.New("connection refused")},
	}})
	t.Cleanup(srv.Close)

	resp := doJSON(t, http.MethodGet, srv.URL+"/analyses/analysis-1/participants", "")
	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
}

func TestResolveSelf(t *testing.T) {
	t.Parallel()

	srv := newTestServer(&Deps{Discovery: &fakeDiscovery{
		self: discovery.ParticipatingNode{NodeID: "robot-a", NodeType: discovery.NodeTypeAggregator},
	}})
	t.Cleanup(srv.Close)

	resp := doJSON(t, http.MethodGet, srv.URL+"/analyses/analysis-1/participants/self", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var got discovery.ParticipatingNode
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&got))
	assert.Equal(t, "robot-a", got.NodeID)
}

func TestResolveSelf_NotAParticipant(t *testing.T) {
	t.Parallel()

	srv := newTestServer(&Deps{Discovery: &fakeDiscovery{selfErr: discovery.ErrSelfNotFound}})
	t.Cleanup(srv.Close)

	resp := doJSON(t, http.MethodGet, srv.URL+"/analyses/analysis-1/participants/self", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestSendBroadcast(t *testing.T) {
	t.Parallel()

	messenger := &fakeMessenger{}
	srv := newTestServer(&Deps{Messenger: messenger})
	t.Cleanup(srv.Close)

	resp := doJSON(t, http.MethodPost, srv.URL+"/analyses/analysis-1/messages/broadcasts",
		`{"message":{"round":1}}`)
	assert.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Equal(t, []string{"analysis-1"}, messenger.gotBroadcasts)
}

func TestSendMessage_StatusMapping(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name       string
		body       string
		sendErr    error
		wantStatus int
	}{
		{
			name:       "accepted",
			body:       `{"recipients":["robot-b"],"message":{"x":1}}`,
			wantStatus: http.StatusCreated,
		},
		{
			name:       "body is not json",
			body:       `not json`,
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "validation failure",
			body:       `{"recipients":[],"message":{}}`,
			sendErr:    &message.ValidationError{Field: "recipients", Reason: "must not be empty"},
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "unknown recipients",
			body:       `{"recipients":["robot-x"],"message":{}}`,
			sendErr:    &message.InvalidRecipientsError{AnalysisID: "analysis-1", NodeIDs: []string{"robot-x"}},
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "hub unreachable",
			body:       `{"recipients":["robot-b"],"message":{}}`,
			sendErr:    &discovery.FetchError{Err: errors.New("timeout")},
			wantStatus: http.StatusBadGateway,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			srv := newTestServer(&Deps{Messenger: &fakeMessenger{directErr: tc.sendErr}})
			t.Cleanup(srv.Close)

			resp := doJSON(t, http.MethodPost, srv.URL+"/analyses/analysis-1/messages", tc.body)
			assert.Equal(t, tc.wantStatus, resp.StatusCode)
		})
	}
}

func TestAddSubscription(t *testing.T) {
	t.Parallel()

	registry := &fakeRegistry{addID: "sub-123"}
	srv := newTestServer(&Deps{Registry: registry})
	t.Cleanup(srv.Close)

	resp := doJSON(t, http.MethodPost, srv.URL+"/analyses/analysis-1/messages/subscriptions",
		`{"webhookUrl":"http://analysis.local/hook"}`)
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var got map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&got))
	assert.Equal(t, "sub-123", got["subscriptionId"])

	require.Len(t, registry.gotAdds, 1)
	assert.Equal(t, [2]string{"analysis-1", "http://analysis.local/hook"}, registry.gotAdds[0])

	location := resp.Header.Get("Location")
	require.NotEmpty(t, location)
	assert.True(t, strings.HasSuffix(location,
		"/analyses/analysis-1/messages/subscriptions/sub-123"), location)
}

func TestAddSubscription_ValidationFailure(t *testing.T) {
	t.Parallel()

	srv := newTestServer(&Deps{Registry: &fakeRegistry{
		addErr: &subscription.ValidationError{Field: "webhookUrl", Reason: "must be absolute"},
	}})
	t.Cleanup(srv.Close)

	resp := doJSON(t, http.MethodPost, srv.URL+"/analyses/analysis-1/messages/subscriptions",
		`{"webhookUrl":"not a url"}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestAddSubscription_StoreFailureIsBadGateway(t *testing.T) {
	t.Parallel()

	srv := newTestServer(&Deps{Registry: &fakeRegistry{
		addErr: &subscription.SaveError{Err: errors.New("disk full")},
	}})
	t.Cleanup(srv.Close)

	resp := doJSON(t, http.MethodPost, srv.URL+"/analyses/analysis-1/messages/subscriptions",
		`{"webhookUrl":"http://analysis.local/hook"}`)
	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
}

func TestGetSubscription(t *testing.T) {
	t.Parallel()

	hook, _ := url.Parse("http://analysis.local/hook")
	srv := newTestServer(&Deps{Registry: &fakeRegistry{
		sub: subscription.Subscription{ID: "sub-123", AnalysisID: "analysis-1", WebhookURL: hook},
	}})
	t.Cleanup(srv.Close)

	resp := doJSON(t, http.MethodGet, srv.URL+"/analyses/analysis-1/messages/subscriptions/sub-123", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var got map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&got))
	assert.Equal(t, "sub-123", got["id"])
	assert.Equal(t, "analysis-1", got["analysisId"])
	assert.Equal(t, "http://analysis.local/hook", got["webhookUrl"])
}

func TestGetSubscription_NotFound(t *testing.T) {
	t.Parallel()

	srv := newTestServer(&Deps{Registry: &fakeRegistry{findErr: subscription.ErrNotFound}})
	t.Cleanup(srv.Close)

	resp := doJSON(t, http.MethodGet, srv.URL+"/analyses/analysis-1/messages/subscriptions/missing", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestGetSubscription_HiddenAcrossAnalyses(t *testing.T) {
	t.Parallel()

	hook, _ := url.Parse("http://analysis.local/hook")
	srv := newTestServer(&Deps{Registry: &fakeRegistry{
		sub: subscription.Subscription{ID: "sub-123", AnalysisID: "analysis-1", WebhookURL: hook},
	}})
	t.Cleanup(srv.Close)

	// The subscription exists, but belongs to a different analysis.
	resp := doJSON(t, http.MethodGet, srv.URL+"/analyses/analysis-2/messages/subscriptions/sub-123", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestHealth(t *testing.T) {
	t.Parallel()

	t.Run("all subsystems healthy", func(t *testing.T) {
		t.Parallel()
		srv := newTestServer(&Deps{Health: []HealthChecker{
			staticChecker{name: "database", healthy: true},
			staticChecker{name: "hub-connection", healthy: true},
		}})
		t.Cleanup(srv.Close)

		resp := doJSON(t, http.MethodGet, srv.URL+"/health", "")
		require.Equal(t, http.StatusOK, resp.StatusCode)

		var got healthStatus
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&got))
		assert.Equal(t, statusHealthy, got.Status)
		assert.Len(t, got.Subsystems, 2)
	})

	t.Run("one subsystem down", func(t *testing.T) {
		t.Parallel()
		srv := newTestServer(&Deps{Health: []HealthChecker{
			staticChecker{name: "database", healthy: true},
			staticChecker{name: "hub-connection", healthy: false},
		}})
		t.Cleanup(srv.Close)

		resp := doJSON(t, http.MethodGet, srv.URL+"/health", "")
		require.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)

		var got healthStatus
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&got))
		assert.Equal(t, statusUnhealthy, got.Status)
	})
}

func TestBearerAuth(t *testing.T) {
	t.Parallel()

	t.Run("valid token passes through", func(t *testing.T) {
		t.Parallel()
		introspector := &fakeIntrospector{active: true}
		srv := newTestServer(&Deps{AuthEnabled: true, Introspector: introspector})
		t.Cleanup(srv.Close)

		req, _ := http.NewRequest(http.MethodGet, srv.URL+"/analyses/analysis-1/participants", nil)
		req.Header.Set("Authorization", "Bearer caller-token")
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		t.Cleanup(func() { _ = resp.Body.Close() })

		assert.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Equal(t, []string{"caller-token"}, introspector.tokens)
	})

	t.Run("missing header", func(t *testing.T) {
		t.Parallel()
		srv := newTestServer(&Deps{AuthEnabled: true, Introspector: &fakeIntrospector{active: true}})
		t.Cleanup(srv.Close)

		resp := doJSON(t, http.MethodGet, srv.URL+"/analyses/analysis-1/participants", "")
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
		assert.Equal(t, "Bearer", resp.Header.Get("WWW-Authenticate"))
	})

	t.Run("malformed header", func(t *testing.T) {
		t.Parallel()
		srv := newTestServer(&Deps{AuthEnabled: true, Introspector: &fakeIntrospector{active: true}})
		t.Cleanup(srv.Close)

		req, _ := http.NewRequest(http.MethodGet, srv.URL+"/analyses/analysis-1/participants", nil)
		req.Header.Set("Authorization", "Basic dXNlcjpwYXNz")
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		t.Cleanup(func() { _ = resp.Body.Close() })

		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	})

	t.Run("inactive token", func(t *testing.T) {
		t.Parallel()
		srv := newTestServer(&Deps{AuthEnabled: true, Introspector: &fakeIntrospector{active: false}})
		t.Cleanup(srv.Close)

		req, _ := http.NewRequest(http.MethodGet, srv.URL+"/analyses/analysis-1/participants", nil)
		req.Header.Set("Authorization", "Bearer expired")
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		t.Cleanup(func() { _ = resp.Body.Close() })

		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
		assert.Contains(t, resp.Header.Get("WWW-Authenticate"), "invalid_token")
	})

	t.Run("introspection outage", func(t *testing.T) {
		t.Parallel()
		srv := newTestServer(&Deps{AuthEnabled: true,
			Introspector: &fakeIntrospector{err: errors.New("auth service down")}})
		t.Cleanup(srv.Close)

		req, _ := http.NewRequest(http.MethodGet, srv.URL+"/analyses/analysis-1/participants", nil)
		req.Header.Set("Authorization", "Bearer caller-token")
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		t.Cleanup(func() { _ = resp.Body.Close() })

		assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
	})

	t.Run("disabled auth skips introspection", func(t *testing.T) {
		t.Parallel()
		introspector := &fakeIntrospector{}
		srv := newTestServer(&Deps{AuthEnabled: false, Introspector: introspector})
		t.Cleanup(srv.Close)

		resp := doJSON(t, http.MethodGet, srv.URL+"/analyses/analysis-1/participants", "")
		assert.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Empty(t, introspector.tokens)
	})

	t.Run("health never requires auth", func(t *testing.T) {
		t.Parallel()
		srv := newTestServer(&Deps{AuthEnabled: true, Introspector: &fakeIntrospector{}})
		t.Cleanup(srv.Close)

		resp := doJSON(t, http.MethodGet, srv.URL+"/health", "")
		assert.Equal(t, http.StatusOK, resp.StatusCode)
	})
}
