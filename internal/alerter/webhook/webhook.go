// Package webhook implements an HTTP POST alerter sink with an
// SSRF-hardened client (private-IP allowlist, bounded redirects) and a
// retryable-error classifier driving the sink's own delivery retry,
// ahead of the engine's record-level retry.
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/elastalert-go/elastalert/internal/alerter"
	"github.com/elastalert-go/elastalert/internal/models"
)

// MaxRedirects bounds how many redirects the client will follow before
// giving up.
const MaxRedirects = 3

// Timeout is the per-request deadline the http.Client enforces.
const Timeout = 10 * time.Second

const maxAttempts = 5

// Options configures a webhook Alerter.
type Options struct {
	URL                 string
	AllowedPrivateCIDRs []string
}

// Alerter POSTs a JSON payload describing the matches to a configured URL.
type Alerter struct {
	opts   Options
	client *http.Client
	nets   []*net.IPNet
}

// New builds a webhook Alerter, satisfying alerter.Factory.
func New(options map[string]any) (alerter.Alerter, error) {
	url, ok := options["url"].(string)
	if !ok || url == "" {
		return nil, fmt.Errorf("webhook: url is required")
	}

	var cidrs []string
	if raw, ok := options["allowed_private_cidrs"].([]any); ok {
		for _, v := range raw {
			if s, ok := v.(string); ok {
				cidrs = append(cidrs, s)
			}
		}
	}

	a := &Alerter{opts: Options{URL: url, AllowedPrivateCIDRs: cidrs}}
	nets, err := parseCIDRs(cidrs)
	if err != nil {
		return nil, fmt.Errorf("webhook: %w", err)
	}
	a.nets = nets
	a.client = a.newSecureClient()
	return a, nil
}

func parseCIDRs(cidrs []string) ([]*net.IPNet, error) {
	var out []*net.IPNet
	for _, c := range cidrs {
		_, n, err := net.ParseCIDR(c)
		if err != nil {
			return nil, fmt.Errorf("invalid CIDR %q: %w", c, err)
		}
		out = append(out, n)
	}
	return out, nil
}

func (a *Alerter) Type() string { return "webhook" }

// newSecureClient builds an http.Client whose CheckRedirect rejects
// redirects to private IPs not present in the configured allowlist, and
// gives up after MaxRedirects hops.
func (a *Alerter) newSecureClient() *http.Client {
	return &http.Client{
		Timeout: Timeout,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) >= MaxRedirects {
				return fmt.Errorf("webhook: stopped after %d redirects", MaxRedirects)
			}
			if err := a.validateHost(req.URL.Hostname()); err != nil {
				return err
			}
			return nil
		},
	}
}

func (a *Alerter) validateHost(host string) error {
	ips, err := net.LookupIP(host)
	if err != nil {
		return fmt.Errorf("webhook: cannot resolve %q: %w", host, err)
	}
	for _, ip := range ips {
		if !ip.IsPrivate() && !ip.IsLoopback() && !ip.IsLinkLocalUnicast() {
			continue
		}
		if !a.allowlisted(ip) {
			return fmt.Errorf("webhook: refusing to contact private IP %s", ip)
		}
	}
	return nil
}

func (a *Alerter) allowlisted(ip net.IP) bool {
	for _, n := range a.nets {
		if n.Contains(ip) {
			return true
		}
	}
	return false
}

func (a *Alerter) Alert(ctx context.Context, ruleName string, matches []models.Match) error {
	payload := map[string]any{
		"rule_name": ruleName,
		"matches":   matches,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("webhook.Alert: encode payload: %w", err)
	}

	if err := a.validateHost(hostOf(a.opts.URL)); err != nil {
		return err
	}

	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(calculateBackoff(attempt - 1)):
			}
		}

		err := a.deliver(ctx, body)
		if err == nil {
			return nil
		}
		lastErr = err
		if !isRetryableWebhookError(err) {
			return fmt.Errorf("webhook.Alert: %w", err)
		}
		log.Warn().Str("rule", ruleName).Int("attempt", attempt).Err(err).Msg("webhook delivery failed, retrying")
	}
	return fmt.Errorf("webhook.Alert: giving up after %d attempts: %w", maxAttempts, lastErr)
}

func (a *Alerter) deliver(ctx context.Context, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.opts.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	res, err := a.client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()

	if res.StatusCode >= 300 {
		return fmt.Errorf("webhook returned status %d", res.StatusCode)
	}
	return nil
}

func hostOf(rawURL string) string {
	u := strings.TrimPrefix(rawURL, "https://")
	u = strings.TrimPrefix(u, "http://")
	if i := strings.IndexAny(u, "/:"); i >= 0 {
		return u[:i]
	}
	return u
}

// calculateBackoff doubles from a 1s base per attempt, capped at 60s.
func calculateBackoff(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	backoff := time.Second << attempt
	if backoff > 60*time.Second || backoff <= 0 {
		backoff = 60 * time.Second
	}
	return backoff
}

// isRetryableWebhookError reports whether err looks like a transient
// network failure or a 5xx/429-shaped HTTP status.
func isRetryableWebhookError(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())

	for _, needle := range []string{
		"timeout", "connection refused", "connection reset",
		"no such host", "network unreachable", "eof",
	} {
		if strings.Contains(msg, needle) {
			return true
		}
	}

	if idx := strings.Index(msg, "status "); idx >= 0 {
		rest := msg[idx+len("status "):]
		end := 0
		for end < len(rest) && rest[end] >= '0' && rest[end] <= '9' {
			end++
		}
		if end > 0 {
			code, convErr := strconv.Atoi(rest[:end])
			if convErr == nil {
				if code == 429 {
					return true
				}
				if code >= 500 && code <= 599 {
					return true
				}
			}
		}
	}
	return false
}
