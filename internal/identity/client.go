// Package identity is a client for the hosted identity service's REST API.
// It covers the two calls an anonymous device needs: creating an anonymous
// account and exchanging a refresh token for a fresh ID token.
package identity

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

const (
	// DefaultIdentityEndpoint is the base URL of the account API.
	DefaultIdentityEndpoint = "https://identitytoolkit.googleapis.com/v1"

	// DefaultTokenEndpoint is the base URL of the secure token API.
	DefaultTokenEndpoint = "https://securetoken.googleapis.com/v1"
)

// Account is the identity returned by a successful sign-up or refresh.
type Account struct {
	LocalID      string
	IDToken      string
	RefreshToken string
	ExpiresIn    time.Duration
}

// Client talks to the identity service on behalf of one API key.
type Client struct {
	apiKey           string
	identityEndpoint string
	tokenEndpoint    string
	http             *http.Client
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the HTTP client used for requests.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.http = hc
		}
	}
}

// WithEndpoints overrides both API base URLs.
func WithEndpoints(identityEndpoint, tokenEndpoint string) Option {
	return func(c *Client) {
		c.identityEndpoint = strings.TrimRight(identityEndpoint, "/")
		c.tokenEndpoint = strings.TrimRight(tokenEndpoint, "/")
	}
}

// WithEmulator routes requests to a local auth emulator at host:port.
func WithEmulator(host string) Option {
	return func(c *Client) {
		if host == "" {
			return
		}
		base := "http://" + host
		c.identityEndpoint = base + "/identitytoolkit.googleapis.com/v1"
		c.tokenEndpoint = base + "/securetoken.googleapis.com/v1"
	}
}

// NewClient creates a client for the given API key.
func NewClient(apiKey string, opts ...Option) *Client {
	c := &Client{
		apiKey:           apiKey,
		identityEndpoint: DefaultIdentityEndpoint,
		tokenEndpoint:    DefaultTokenEndpoint,
		http:             &http.Client{Timeout: 10 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type signUpResponse struct {
	IDToken      string `json:"idToken"`
	RefreshToken string `json:"refreshToken"`
	ExpiresIn    string `json:"expiresIn"`
	LocalID      string `json:"localId"`
}

// SignUpAnonymous creates a new anonymous account.
func (c *Client) SignUpAnonymous(ctx context.Context) (*Account, error) {
	body, err := json.Marshal(map[string]bool{"returnSecureToken": true})
	if err != nil {
		return nil, fmt.Errorf("identity: marshal sign-up: %w", err)
	}

	endpoint := c.identityEndpoint + "/accounts:signUp?key=" + url.QueryEscape(c.apiKey)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("identity: build sign-up request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	var resp signUpResponse
	if err := c.do(req, &resp); err != nil {
		return nil, err
	}
	if resp.LocalID == "" {
		return nil, &Error{Status: http.StatusOK, Code: CodeInternalError, Message: "sign-up response has no local id"}
	}
	return &Account{
		LocalID:      resp.LocalID,
		IDToken:      resp.IDToken,
		RefreshToken: resp.RefreshToken,
		ExpiresIn:    parseSeconds(resp.ExpiresIn),
	}, nil
}

type tokenResponse struct {
	IDToken      string `json:"id_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    string `json:"expires_in"`
	UserID       string `json:"user_id"`
}

// Refresh exchanges a refresh token for a new ID token.
func (c *Client) Refresh(ctx context.Context, refreshToken string) (*Account, error) {
	form := url.Values{}
	form.Set("grant_type", "refresh_token")
	form.Set("refresh_token", refreshToken)

	endpoint := c.tokenEndpoint + "/token?key=" + url.QueryEscape(c.apiKey)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("identity: build refresh request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	var resp tokenResponse
	if err := c.do(req, &resp); err != nil {
		return nil, err
	}
	return &Account{
		LocalID:      resp.UserID,
		IDToken:      resp.IDToken,
		RefreshToken: resp.RefreshToken,
		ExpiresIn:    parseSeconds(resp.ExpiresIn),
	}, nil
}

// do sends req and decodes a 200 response into out. Non-200 responses are
// decoded into an *Error.
func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.http.Do(req)
	if err != nil {
		if ctxErr := req.Context().Err(); ctxErr != nil {
			return ctxErr
		}
		return &Error{Code: CodeNetworkRequestFailed, Message: err.Error(), err: err}
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return &Error{Status: resp.StatusCode, Code: CodeNetworkRequestFailed, Message: err.Error(), err: err}
	}

	if resp.StatusCode != http.StatusOK {
		return parseError(resp.StatusCode, payload)
	}
	if err := json.Unmarshal(payload, out); err != nil {
		return fmt.Errorf("identity: decode response: %w", err)
	}
	return nil
}

func parseSeconds(s string) time.Duration {
	n, err := strconv.Atoi(s)
	if err != nil || n <= 0 {
		return 0
	}
	return time.Duration(n) * time.Second
}
