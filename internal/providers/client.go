package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net"
	"net/http"
	"strings"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/time/rate"

	"github.com/fuomag9/pulsebox/internal/apperr"
	"github.com/fuomag9/pulsebox/internal/config"
	"github.com/fuomag9/pulsebox/internal/models"
	"github.com/fuomag9/pulsebox/internal/netguard"
)

// maxErrorBody bounds how much of an upstream error response is kept for diagnostics
const maxErrorBody = 4 << 10

// Options are shared by every adapter constructor
type Options struct {
	Timeout time.Duration
	// Limit and Burst configure the per-adapter outbound rate limiter
	Limit rate.Limit
	Burst int
	// Guard, when set, refuses connections to blocked addresses
	Guard *netguard.Guard
}

func (o Options) withDefaults(limit rate.Limit, burst int) Options {
	if o.Timeout <= 0 {
		o.Timeout = 15 * time.Second
	}
	if o.Limit <= 0 {
		o.Limit = limit
	}
	if o.Burst <= 0 {
		o.Burst = burst
	}
	return o
}

// oauthClient wraps the authorization-code and refresh grants for one provider
type oauthClient struct {
	provider   models.ProviderType
	config     oauth2.Config
	httpClient *http.Client
}

func newOAuthClient(provider models.ProviderType, pc config.ProviderConfig, endpoint oauth2.Endpoint, defaultScopes []string, httpClient *http.Client) *oauthClient {
	if pc.AuthURL != "" {
		endpoint.AuthURL = pc.AuthURL
	}
	if pc.TokenURL != "" {
		endpoint.TokenURL = pc.TokenURL
	}
	endpoint.AuthStyle = oauth2.AuthStyleInParams

	scopes := pc.Scopes
	if len(scopes) == 0 {
		scopes = defaultScopes
	}

	return &oauthClient{
		provider: provider,
		config: oauth2.Config{
			ClientID:     pc.ClientID,
			ClientSecret: pc.ClientSecret,
			RedirectURL:  pc.RedirectURL,
			Scopes:       scopes,
			Endpoint:     endpoint,
		},
		httpClient: httpClient,
	}
}

func (c *oauthClient) context(ctx context.Context) context.Context {
	return context.WithValue(ctx, oauth2.HTTPClient, c.httpClient)
}

func (c *oauthClient) exchange(ctx context.Context, code, redirectURI string) (*oauth2.Token, error) {
	cfg := c.config
	if redirectURI != "" {
		cfg.RedirectURL = redirectURI
	}

	tok, err := cfg.Exchange(c.context(ctx), code)
	if err != nil {
		return nil, tokenEndpointError(apperr.KindTokenExchangeFailed, c.provider, err)
	}
	return tok, nil
}

func (c *oauthClient) refresh(ctx context.Context, refreshToken string) (*oauth2.Token, error) {
	// A token without an access token is never valid, so Token() always hits the refresh grant
	ts := c.config.TokenSource(c.context(ctx), &oauth2.Token{RefreshToken: refreshToken})
	tok, err := ts.Token()
	if err != nil {
		return nil, tokenEndpointError(apperr.KindTokenRefreshFailed, c.provider, err)
	}
	return tok, nil
}

// authorizedClient returns an HTTP client that sends accessToken as a bearer token
func (c *oauthClient) authorizedClient(accessToken string) *http.Client {
	return &http.Client{
		Timeout: c.httpClient.Timeout,
		Transport: &oauth2.Transport{
			Source: oauth2.StaticTokenSource(&oauth2.Token{AccessToken: accessToken, TokenType: "Bearer"}),
			Base:   c.httpClient.Transport,
		},
	}
}

func tokenSetFromOAuth(tok *oauth2.Token) *TokenSet {
	ts := &TokenSet{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		Metadata:     map[string]any{},
	}
	if !tok.Expiry.IsZero() {
		ts.ExpiresIn = int64(math.Round(time.Until(tok.Expiry).Seconds()))
	}
	if scope, ok := tok.Extra("scope").(string); ok && scope != "" {
		ts.Metadata["scope"] = scope
	}
	return ts
}

// tokenEndpointError maps an oauth2 failure into the error taxonomy, keeping the
// provider's response body and error code
func tokenEndpointError(kind apperr.Kind, provider models.ProviderType, err error) error {
	msg := fmt.Sprintf("%s token endpoint rejected the request", provider.Label())

	var re *oauth2.RetrieveError
	if errors.As(err, &re) {
		e := apperr.Wrap(kind, msg, err).WithDetails(truncateBody(re.Body))
		if re.ErrorCode != "" {
			e = e.WithCode(re.ErrorCode)
		}
		return e
	}
	return apperr.Wrap(kind, msg, err)
}

// IsRevoked reports whether err says the refresh grant is permanently invalid
func IsRevoked(err error) bool {
	e, ok := apperr.As(err)
	return ok && e.Code == "invalid_grant"
}

func newHTTPClient(opts Options) *http.Client {
	client := &http.Client{Timeout: opts.Timeout}
	if opts.Guard != nil {
		transport := http.DefaultTransport.(*http.Transport).Clone()
		dialer := &net.Dialer{Timeout: 10 * time.Second, KeepAlive: 30 * time.Second, Control: opts.Guard.DialControl}
		transport.DialContext = dialer.DialContext
		client.Transport = transport
	}
	return client
}

// getJSON performs an authenticated GET and decodes a JSON response
func getJSON(ctx context.Context, client *http.Client, rawURL string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	return doJSON(client, req, out)
}

// postJSON performs an authenticated POST with a JSON body and decodes a JSON response
func postJSON(ctx context.Context, client *http.Client, rawURL string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, rawURL, strings.NewReader(string(payload)))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	return doJSON(client, req, out)
}

// statusError is a non-2xx provider response
type statusError struct {
	StatusCode int
	Body       string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("request failed with status %d: %s", e.StatusCode, e.Body)
}

func doJSON(client *http.Client, req *http.Request, out any) error {
	req.Header.Set("Accept", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return &statusError{StatusCode: resp.StatusCode, Body: string(body)}
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

// fetchError maps a data API failure to UpstreamFetchFailed
func fetchError(provider models.ProviderType, op string, err error) error {
	e := apperr.Wrap(apperr.KindUpstreamFetchFailed, fmt.Sprintf("%s %s failed", provider.Label(), op), err)
	var se *statusError
	if errors.As(err, &se) {
		e = e.WithDetails(se.Body)
	}
	return e
}

func truncateBody(b []byte) string {
	if len(b) > maxErrorBody {
		b = b[:maxErrorBody]
	}
	return string(b)
}

func wait(ctx context.Context, limiter *rate.Limiter) error {
	if err := limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limiter: %w", err)
	}
	return nil
}
