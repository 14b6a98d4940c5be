package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"golang.org/x/oauth2"
)

// Provider names an OAuth identity provider on the broker
type Provider string

const (
	ProviderGoogle    Provider = "google"
	ProviderMicrosoft Provider = "microsoft"
)

// ErrNoLinkedAccount means the broker has no OAuth grant for the identity.
var ErrNoLinkedAccount = errors.New("no linked account")

// TokenBroker hands out OAuth token sources for a mailbox identity.
// Storage and refresh of the grants live behind it.
type TokenBroker interface {
	TokenSource(ctx context.Context, provider Provider, email, organizationID string) (oauth2.TokenSource, error)
}

// BrokerClient fetches OAuth tokens from the auth server over HTTP
type BrokerClient struct {
	baseURL      string
	serviceToken string
	client       *http.Client
}

// NewBrokerClient creates a client for the token broker at authServerURL.
// serviceToken authenticates this process to the broker.
func NewBrokerClient(authServerURL, serviceToken string) *BrokerClient {
	return &BrokerClient{
		baseURL:      authServerURL,
		serviceToken: serviceToken,
		client:       &http.Client{Timeout: 10 * time.Second},
	}
}

// TokenSource fetches one token eagerly so a missing or revoked grant
// surfaces here rather than on the first API call. The returned source
// refetches from the broker once the cached token expires.
func (c *BrokerClient) TokenSource(ctx context.Context, provider Provider, email, organizationID string) (oauth2.TokenSource, error) {
	src := &brokerSource{
		ctx:      ctx,
		client:   c,
		provider: provider,
		email:    email,
		orgID:    organizationID,
	}
	tok, err := src.Token()
	if err != nil {
		return nil, err
	}
	return oauth2.ReuseTokenSource(tok, src), nil
}

func (c *BrokerClient) fetch(ctx context.Context, provider Provider, email, organizationID string) (*oauth2.Token, error) {
	q := url.Values{}
	q.Set("email", email)
	if organizationID != "" {
		q.Set("organization_id", organizationID)
	}
	endpoint := fmt.Sprintf("%s/api/auth/accounts/%s/token?%s", c.baseURL, provider, q.Encode())

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if c.serviceToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.serviceToken)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, fmt.Errorf("%w: %s account %s", ErrNoLinkedAccount, provider, email)
	}

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("bad status %d: %s", resp.StatusCode, string(body))
	}

	var result struct {
		AccessToken  string `json:"access_token"`
		RefreshToken string `json:"refresh_token"`
		TokenType    string `json:"token_type"`
		ExpiresAt    int64  `json:"expires_at"` // unix timestamp
	}

	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	if result.AccessToken == "" {
		return nil, fmt.Errorf("broker returned empty access token for %s", email)
	}

	tok := &oauth2.Token{
		AccessToken:  result.AccessToken,
		RefreshToken: result.RefreshToken,
		TokenType:    result.TokenType,
	}
	if result.ExpiresAt > 0 {
		tok.Expiry = time.Unix(result.ExpiresAt, 0)
	}
	return tok, nil
}

type brokerSource struct {
	ctx      context.Context
	client   *BrokerClient
	provider Provider
	email    string
	orgID    string
}

func (s *brokerSource) Token() (*oauth2.Token, error) {
	return s.client.fetch(s.ctx, s.provider, s.email, s.orgID)
}
