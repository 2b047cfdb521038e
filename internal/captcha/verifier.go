package captcha

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"enxero/internal/config"
)

var (
	ErrCaptchaRequired    = errors.New("captcha_required")
	ErrCaptchaUnavailable = errors.New("captcha_unavailable")
)

// Verifier checks the challenge token a client attaches to an
// unauthenticated, account-creating request.
type Verifier interface {
	Verify(ctx context.Context, token, remoteIP string) error
	Enabled() bool
}

type NoopVerifier struct{}

func (NoopVerifier) Verify(ctx context.Context, token, remoteIP string) error { return nil }
func (NoopVerifier) Enabled() bool                                          { return false }

// SiteVerifier talks to a siteverify endpoint (Turnstile or hCaptcha; both
// accept the same form post).
type SiteVerifier struct {
	provider  string
	verifyURL string
	secret    string
	client    *http.Client
}

func NewVerifier(cfg config.Config) Verifier {
	if !cfg.CaptchaEnabled {
		return NoopVerifier{}
	}
	return NewSiteVerifier(cfg.CaptchaProvider, cfg.CaptchaVerifyURL, cfg.CaptchaSecret, &http.Client{Timeout: 8 * time.Second})
}

func NewSiteVerifier(provider, verifyURL, secret string, client *http.Client) *SiteVerifier {
	if client == nil {
		client = http.DefaultClient
	}
	return &SiteVerifier{
		provider:  strings.ToLower(strings.TrimSpace(provider)),
		verifyURL: strings.TrimSpace(verifyURL),
		secret:    strings.TrimSpace(secret),
		client:    client,
	}
}

func (v *SiteVerifier) Enabled() bool { return true }

type siteVerifyResponse struct {
	Success    bool     `json:"success"`
	ErrorCodes []string `json:"error-codes"`
	Hostname   string   `json:"hostname"`
}

func (v *SiteVerifier) Verify(ctx context.Context, token, remoteIP string) error {
	token = strings.TrimSpace(token)
	if token == "" {
		return fmt.Errorf("%w: captcha token is required", ErrCaptchaRequired)
	}
	form := url.Values{}
	form.Set("secret", v.secret)
	form.Set("response", token)
	if ip := strings.TrimSpace(remoteIP); ip != "" {
		form.Set("remoteip", ip)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, v.verifyURL, strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrCaptchaUnavailable, err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := v.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrCaptchaUnavailable, v.provider, err)
	}
	defer resp.Body.Close()
	switch {
	case resp.StatusCode >= 500:
		return fmt.Errorf("%w: %s verify HTTP %d", ErrCaptchaUnavailable, v.provider, resp.StatusCode)
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		return fmt.Errorf("%w: %s verify HTTP %d", ErrCaptchaRequired, v.provider, resp.StatusCode)
	}

	var out siteVerifyResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return fmt.Errorf("%w: %v", ErrCaptchaUnavailable, err)
	}
	if !out.Success {
		if len(out.ErrorCodes) > 0 {
			return fmt.Errorf("%w: captcha rejected: %s", ErrCaptchaRequired, strings.Join(out.ErrorCodes, ","))
		}
		return fmt.Errorf("%w: captcha rejected", ErrCaptchaRequired)
	}
	return nil
}
