// Package captcha gates the destructive ticket actions behind a
// human-verification provider. Gating is active only when a key pair
// is configured; an absent or unresolved proof means "show the
// challenge again", never an error.
package captcha

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/mverril/mailgate/internal/config"
)

// Gate verifies CAPTCHA proofs against the configured provider
type Gate struct {
	cfg    config.CaptchaConfig
	client *http.Client
	logger *slog.Logger
}

// NewGate creates a Gate from configuration
func NewGate(cfg config.CaptchaConfig, logger *slog.Logger) *Gate {
	return &Gate{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
		logger: logger,
	}
}

// Enabled reports whether a key pair is configured
func (g *Gate) Enabled() bool {
	return g.cfg.SiteKey != "" && g.cfg.SecretKey != ""
}

// SiteKey is rendered into challenge pages
func (g *Gate) SiteKey() string {
	return g.cfg.SiteKey
}

// verifyResponse is the provider's answer
type verifyResponse struct {
	Success    bool     `json:"success"`
	ErrorCodes []string `json:"error-codes,omitempty"`
}

// Verify checks a submitted proof. An empty proof is simply "not
// solved yet" (false, nil). Provider/network failures are returned as
// errors so the caller can decide whether to fail open or re-challenge.
func (g *Gate) Verify(ctx context.Context, proof, remoteIP string) (bool, error) {
	if !g.Enabled() {
		return true, nil
	}
	if proof == "" {
		return false, nil
	}

	form := url.Values{}
	form.Set("secret", g.cfg.SecretKey)
	form.Set("response", proof)
	if remoteIP != "" {
		form.Set("remoteip", remoteIP)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.cfg.VerifyURL,
		strings.NewReader(form.Encode()))
	if err != nil {
		return false, fmt.Errorf("failed to build verify request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := g.client.Do(req)
	if err != nil {
		return false, fmt.Errorf("captcha verify request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return false, fmt.Errorf("captcha provider returned status %d", resp.StatusCode)
	}

	var vr verifyResponse
	if err := json.NewDecoder(resp.Body).Decode(&vr); err != nil {
		return false, fmt.Errorf("failed to decode verify response: %w", err)
	}

	if !vr.Success {
		g.logger.Info("captcha proof rejected", "remote_ip", remoteIP, "codes", vr.ErrorCodes)
	}
	return vr.Success, nil
}
