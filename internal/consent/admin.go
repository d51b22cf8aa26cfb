// Package consent mediates authorization-server login/consent
// challenges into accept/reject decisions with tenant-scoped claims.
package consent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"go.uber.org/zap"
)

// Challenge is a pending consent request, as served by the
// authorization server's admin API.
type Challenge struct {
	ID              string   `json:"challenge"`
	Subject         string   `json:"subject"`
	RequestedScopes []string `json:"requested_scope"`
	Client          struct {
		ID   string `json:"client_id"`
		Name string `json:"client_name"`
	} `json:"client"`
}

// AdminClient drives the authorization server's admin endpoints.
type AdminClient struct {
	base string
	hc   *http.Client
	log  *zap.SugaredLogger
}

func NewAdminClient(base string, hc *http.Client, log *zap.SugaredLogger) *AdminClient {
	if hc == nil {
		hc = http.DefaultClient
	}
	return &AdminClient{base: strings.TrimRight(base, "/"), hc: hc, log: log}
}

// ConsentRequest fetches the pending challenge.
func (c *AdminClient) ConsentRequest(ctx context.Context, challenge string) (*Challenge, error) {
	u := c.base + "/oauth2/auth/requests/consent?consent_challenge=" + url.QueryEscape(challenge)
	var ch Challenge
	if err := c.do(ctx, http.MethodGet, u, nil, &ch); err != nil {
		return nil, err
	}
	return &ch, nil
}

type sessionClaims struct {
	IDToken     map[string]any `json:"id_token,omitempty"`
	AccessToken map[string]any `json:"access_token,omitempty"`
}

// AcceptConsent grants the requested scopes with the given claims and
// returns the URL the browser must be sent to.
func (c *AdminClient) AcceptConsent(ctx context.Context, challenge string, grantScope []string, idClaims, accessClaims map[string]any) (string, error) {
	u := c.base + "/oauth2/auth/requests/consent/accept?consent_challenge=" + url.QueryEscape(challenge)
	body := map[string]any{
		"grant_scope": grantScope,
		"session":     sessionClaims{IDToken: idClaims, AccessToken: accessClaims},
	}
	return c.redirect(ctx, u, body)
}

// RejectConsent forwards a denial. Not a system error: the server turns
// it into an error redirect for the relying application.
func (c *AdminClient) RejectConsent(ctx context.Context, challenge, errCode, description string) (string, error) {
	u := c.base + "/oauth2/auth/requests/consent/reject?consent_challenge=" + url.QueryEscape(challenge)
	body := map[string]any{"error": errCode, "error_description": description}
	return c.redirect(ctx, u, body)
}

// AcceptLogin completes a login challenge for an authenticated subject.
func (c *AdminClient) AcceptLogin(ctx context.Context, challenge, subject string, extra map[string]any) (string, error) {
	u := c.base + "/oauth2/auth/requests/login/accept?login_challenge=" + url.QueryEscape(challenge)
	body := map[string]any{"subject": subject}
	if len(extra) > 0 {
		body["context"] = extra
	}
	return c.redirect(ctx, u, body)
}

func (c *AdminClient) redirect(ctx context.Context, u string, body any) (string, error) {
	var out struct {
		RedirectTo string `json:"redirect_to"`
	}
	if err := c.do(ctx, http.MethodPut, u, body, &out); err != nil {
		return "", err
	}
	if out.RedirectTo == "" {
		return "", fmt.Errorf("authorization server returned no redirect_to")
	}
	return out.RedirectTo, nil
}

func (c *AdminClient) do(ctx context.Context, method, u string, body, out any) error {
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, u, rd)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.hc.Do(req)
	if err != nil {
		return fmt.Errorf("admin request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return fmt.Errorf("admin request: status %d: %s", resp.StatusCode, string(b))
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
