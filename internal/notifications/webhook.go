package notifications

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog"

	"github.com/MacJediWizard/keldris-recovery/internal/models"
)

// WebhookPayload is the body posted to the webhook endpoint.
type WebhookPayload struct {
	EventType string    `json:"event_type"`
	Timestamp time.Time `json:"timestamp"`
	Source    string    `json:"source"`
	Data      any       `json:"data"`
}

// blockedNets are private and reserved ranges that must not be used as webhook targets.
var blockedNets = mustParseCIDRs(
	"10.0.0.0/8",
	"172.16.0.0/12",
	"192.168.0.0/16",
	"127.0.0.0/8",
	"169.254.0.0/16",
	"::1/128",
)

func mustParseCIDRs(cidrs ...string) []*net.IPNet {
	nets := make([]*net.IPNet, 0, len(cidrs))
	for _, cidr := range cidrs {
		_, ipNet, err := net.ParseCIDR(cidr)
		if err != nil {
			panic(fmt.Sprintf("invalid blocked CIDR %q: %v", cidr, err))
		}
		nets = append(nets, ipNet)
	}
	return nets
}

func isBlockedIP(ip net.IP) bool {
	for _, blocked := range blockedNets {
		if blocked.Contains(ip) {
			return true
		}
	}
	return ip.IsUnspecified()
}

// WebhookConfig configures a WebhookSender.
type WebhookConfig struct {
	URL          string
	Secret       string
	MaxRetries   int
	Timeout      time.Duration
	AllowPrivate bool
}

// WebhookSender posts contact notifications and alerts to a single endpoint,
// signing bodies with HMAC-SHA256 and retrying with exponential backoff.
type WebhookSender struct {
	cfg    WebhookConfig
	client *http.Client
	logger zerolog.Logger
}

// NewWebhookSender validates cfg and creates a sender.
func NewWebhookSender(cfg WebhookConfig, logger zerolog.Logger) (*WebhookSender, error) {
	if err := ValidateWebhookURL(cfg.URL, cfg.AllowPrivate); err != nil {
		return nil, err
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}

	transport := &http.Transport{}
	if !cfg.AllowPrivate {
		transport.DialContext = validatingDialer()
	}

	return &WebhookSender{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout, Transport: transport},
		logger: logger.With().Str("component", "webhook_sender").Logger(),
	}, nil
}

// ValidateWebhookURL checks the scheme and host of a webhook URL. Unless
// allowPrivate is set, hosts resolving to private or reserved ranges are rejected.
func ValidateWebhookURL(urlStr string, allowPrivate bool) error {
	parsed, err := url.Parse(urlStr)
	if err != nil {
		return fmt.Errorf("invalid webhook URL: %w", err)
	}
	if parsed.Scheme != "https" && parsed.Scheme != "http" {
		return fmt.Errorf("webhook URL must use HTTP or HTTPS scheme")
	}
	host := parsed.Hostname()
	if host == "" {
		return fmt.Errorf("webhook URL must have a host")
	}
	if allowPrivate {
		return nil
	}

	ips, err := net.LookupHost(host)
	if err != nil {
		return fmt.Errorf("failed to resolve webhook host %q: %w", host, err)
	}
	for _, ipStr := range ips {
		if ip := net.ParseIP(ipStr); ip != nil && isBlockedIP(ip) {
			return fmt.Errorf("webhook URL resolves to blocked address %s", ipStr)
		}
	}
	return nil
}

// validatingDialer re-checks resolved addresses at connect time so a host
// cannot rebind to a private address after validation.
func validatingDialer() func(ctx context.Context, network, addr string) (net.Conn, error) {
	dialer := &net.Dialer{Timeout: 10 * time.Second}
	return func(ctx context.Context, network, addr string) (net.Conn, error) {
		host, port, err := net.SplitHostPort(addr)
		if err != nil {
			return nil, fmt.Errorf("invalid address %q: %w", addr, err)
		}
		ips, err := net.DefaultResolver.LookupIPAddr(ctx, host)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve host %q: %w", host, err)
		}
		for _, ipAddr := range ips {
			if !isBlockedIP(ipAddr.IP) {
				return dialer.DialContext(ctx, network, net.JoinHostPort(ipAddr.IP.String(), port))
			}
		}
		return nil, fmt.Errorf("all resolved IPs for %q are blocked (private/reserved)", host)
	}
}

// Notify implements Notifier.
func (w *WebhookSender) Notify(ctx context.Context, contact models.EmergencyContact, msg Message) error {
	return w.Send(ctx, WebhookPayload{
		EventType: msg.EventType,
		Timestamp: msg.Timestamp,
		Source:    "keldris-recovery",
		Data: map[string]any{
			"contact": contact,
			"message": msg,
		},
	})
}

// PublishAlert implements AlertPublisher.
func (w *WebhookSender) PublishAlert(ctx context.Context, alert *models.BackupAlert) error {
	return w.Send(ctx, WebhookPayload{
		EventType: "backup_alert." + string(alert.Type),
		Timestamp: alert.CreatedAt,
		Source:    "keldris-recovery",
		Data:      alert,
	})
}

// Send posts payload, retrying failed attempts with exponential backoff.
func (w *WebhookSender) Send(ctx context.Context, payload WebhookPayload) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal webhook payload: %w", err)
	}

	var lastErr error
	for attempt := 0; attempt < w.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			backoff := time.Duration(math.Pow(2, float64(attempt-1))) * time.Second
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
			w.logger.Debug().Int("attempt", attempt+1).Msg("retrying webhook")
		}

		lastErr = w.doSend(ctx, body)
		if lastErr == nil {
			return nil
		}
	}

	return fmt.Errorf("webhook failed after %d attempts: %w", w.cfg.MaxRetries, lastErr)
}

func (w *WebhookSender) doSend(ctx context.Context, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.cfg.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if w.cfg.Secret != "" {
		req.Header.Set("X-Keldris-Signature", computeHMAC(body, w.cfg.Secret))
	}

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("send webhook: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		w.logger.Debug().Int("status", resp.StatusCode).Msg("webhook notification sent")
		return nil
	}
	return fmt.Errorf("webhook returned status %d", resp.StatusCode)
}

func computeHMAC(payload []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}
