package hub

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/oauth2"
)

// RobotCredentials are the service-account credentials this node uses to
// authenticate against the Hub's auth service.
type RobotCredentials struct {
	ID     string
	Secret string
}

// robotTokenSource exchanges robot credentials for short-lived access tokens
// at the Hub auth service's token endpoint.
type robotTokenSource struct {
	client  *http.Client
	baseURL string
	creds   RobotCredentials
}

// NewTokenSource returns a cached oauth2.TokenSource backed by the Hub auth
// service. Tokens are reused until shortly before expiry; a fresh exchange
// happens transparently on demand.
func NewTokenSource(baseURL string, creds RobotCredentials, client *http.Client) oauth2.TokenSource {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	src := &robotTokenSource{
		client:  client,
		baseURL: strings.TrimRight(baseURL, "/"),
		creds:   creds,
	}
	return oauth2.ReuseTokenSource(nil, src)
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int64  `json:"expires_in"`
}

// Token performs the robot-credentials grant against the Hub auth service.
func (s *robotTokenSource) Token() (*oauth2.Token, error) {
	body, err := json.Marshal(map[string]string{
		"grant_type": "robot_credentials",
		"id":         s.creds.ID,
		"secret":     s.creds.Secret,
	})
	if err != nil {
		return nil, fmt.Errorf("encoding token request: %w", err)
	}

	req, err := http.NewRequest(http.MethodPost, s.baseURL+"/token", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("building token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("requesting access token: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		excerpt, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("token endpoint returned status %d: %s", resp.StatusCode, excerpt)
	}

	var tr tokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&tr); err != nil {
		return nil, fmt.Errorf("decoding token response: %w", err)
	}
	if tr.AccessToken == "" {
		return nil, fmt.Errorf("token endpoint returned an empty access token")
	}

	tok := &oauth2.Token{
		AccessToken: tr.AccessToken,
		TokenType:   tr.TokenType,
	}
	if tr.ExpiresIn > 0 {
		tok.Expiry = time.Now().Add(time.Duration(tr.ExpiresIn) * time.Second)
	}
	return tok, nil
}

// Introspection is the Hub auth service's verdict on a presented token.
type Introspection struct {
	Active  bool   `json:"active"`
	Sub     string `json:"sub"`
	SubKind string `json:"sub_kind"`
}

// AuthClient talks to the Hub auth service for concerns beyond this node's own
// token: verifying bearer tokens presented by local API callers.
type AuthClient struct {
	client  *http.Client
	baseURL string
}

// NewAuthClient builds an AuthClient. The given token source authorizes the
// introspection calls with this node's robot token.
func NewAuthClient(baseURL string, ts oauth2.TokenSource) *AuthClient {
	return &AuthClient{
		client:  oauth2.NewClient(context.Background(), ts),
		baseURL: strings.TrimRight(baseURL, "/"),
	}
}

// IntrospectToken asks the Hub auth service whether the token is active.
func (c *AuthClient) IntrospectToken(ctx context.Context, token string) (*Introspection, error) {
	form := url.Values{"token": {token}}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/token/introspect", strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("building introspection request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("requesting token introspection: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("introspection endpoint returned status %d", resp.StatusCode)
	}

	var in Introspection
	if err := json.NewDecoder(resp.Body).Decode(&in); err != nil {
		return nil, fmt.Errorf("decoding introspection response: %w", err)
	}
	return &in, nil
}
