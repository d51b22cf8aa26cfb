package identity

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"go.uber.org/zap"
)

// ErrNoSession means the authority holds no active session for this
// browser context (HTTP 401 on the whoami endpoint).
var ErrNoSession = errors.New("no active identity session")

type cookieCtxKey struct{}

// WithCookies carries the browser's Cookie header so public-endpoint
// calls run as the user. Admin calls ignore it.
func WithCookies(ctx context.Context, cookieHeader string) context.Context {
	if cookieHeader == "" {
		return ctx
	}
	return context.WithValue(ctx, cookieCtxKey{}, cookieHeader)
}

func cookiesFrom(ctx context.Context) string {
	v, _ := ctx.Value(cookieCtxKey{}).(string)
	return v
}

// Client talks to the identity authority. The http.Client must forward
// the user's session cookies (the authority is cookie-authenticated).
type Client struct {
	publicBase string
	adminBase  string
	hc         *http.Client
	log        *zap.SugaredLogger
}

func NewClient(publicBase, adminBase string, hc *http.Client, log *zap.SugaredLogger) *Client {
	if hc == nil {
		hc = http.DefaultClient
	}
	return &Client{
		publicBase: strings.TrimRight(publicBase, "/"),
		adminBase:  strings.TrimRight(adminBase, "/"),
		hc:         hc,
		log:        log,
	}
}

// Session fetches the current first-party session.
func (c *Client) Session(ctx context.Context) (*Session, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.publicBase+"/sessions/whoami", nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	if ck := cookiesFrom(ctx); ck != "" {
		req.Header.Set("Cookie", ck)
	}
	resp, err := c.hc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("session fetch: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusUnauthorized {
		return nil, ErrNoSession
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("session fetch: unexpected status %d", resp.StatusCode)
	}
	var s Session
	if err := json.NewDecoder(resp.Body).Decode(&s); err != nil {
		return nil, fmt.Errorf("session decode: %w", err)
	}
	return &s, nil
}

// UpdateTraits replaces the identity's traits via the admin API.
// Used by the mismatch remediation path to append a membership.
func (c *Client) UpdateTraits(ctx context.Context, identityID string, traits Traits) error {
	body, err := json.Marshal(map[string]any{"traits": traits})
	if err != nil {
		return err
	}
	u := c.adminBase + "/identities/" + url.PathEscape(identityID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, u, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.hc.Do(req)
	if err != nil {
		return fmt.Errorf("traits update: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return fmt.Errorf("traits update: status %d: %s", resp.StatusCode, string(b))
	}
	return nil
}

// CreateLogoutFlow asks the authority for a browser logout URL. When a
// logout token comes back it is submitted immediately so the first-party
// session dies even if the browser never follows the URL.
func (c *Client) CreateLogoutFlow(ctx context.Context) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.publicBase+"/self-service/logout/browser", nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("Accept", "application/json")
	if ck := cookiesFrom(ctx); ck != "" {
		req.Header.Set("Cookie", ck)
	}
	resp, err := c.hc.Do(req)
	if err != nil {
		return "", fmt.Errorf("logout flow: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("logout flow: status %d", resp.StatusCode)
	}
	var out struct {
		LogoutURL   string `json:"logout_url"`
		LogoutToken string `json:"logout_token"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("logout flow decode: %w", err)
	}
	if out.LogoutToken != "" {
		c.submitLogoutToken(ctx, out.LogoutToken)
	}
	return out.LogoutURL, nil
}

func (c *Client) submitLogoutToken(ctx context.Context, token string) {
	u := c.publicBase + "/self-service/logout?token=" + url.QueryEscape(token)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return
	}
	if ck := cookiesFrom(ctx); ck != "" {
		req.Header.Set("Cookie", ck)
	}
	resp, err := c.hc.Do(req)
	if err != nil {
		c.log.Warnw("logout token submit failed", "err", err)
		return
	}
	resp.Body.Close()
}

// LoginURL is the authority's browser login entry point. Credential
// collection is entirely the authority's concern.
func (c *Client) LoginURL(returnTo string) string {
	u := c.publicBase + "/self-service/login/browser"
	if returnTo != "" {
		u += "?return_to=" + url.QueryEscape(returnTo)
	}
	return u
}

// RegistrationURL is the authority's browser registration entry point.
func (c *Client) RegistrationURL(returnTo string) string {
	u := c.publicBase + "/self-service/registration/browser"
	if returnTo != "" {
		u += "?return_to=" + url.QueryEscape(returnTo)
	}
	return u
}
