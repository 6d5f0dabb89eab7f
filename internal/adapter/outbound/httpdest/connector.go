// Package httpdest provides the HTTP destination connector: it delivers a
// connector message's encoded content as an HTTP request, with manual
// redirect handling, optional basic authentication, timeout-driven abort and
// SOAP fault detection.
package httpdest

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/interlock-hie/interlock/internal/domain/channel"
	"github.com/interlock-hie/interlock/internal/domain/message"
)

// maxRedirects bounds manual redirect following so each hop stays observable
// and loops terminate.
const maxRedirects = 20

// maxResponseBodySize caps response bodies read from the remote side.
const maxResponseBodySize = 10 * 1024 * 1024 // 10MB

// Config configures one HTTP destination.
type Config struct {
	URL    string
	Method string

	// ContentType of the outbound request body.
	ContentType string
	// Headers are added to every request.
	Headers map[string]string

	// AuthType is "none" or "basic".
	AuthType string
	Username string
	Password string

	// SocketTimeout bounds the whole exchange; expiry classifies as a
	// connection error.
	SocketTimeout time.Duration
}

func (c Config) method() string {
	if c.Method == "" {
		return http.MethodPost
	}
	return c.Method
}

func (c Config) timeout() time.Duration {
	if c.SocketTimeout <= 0 {
		return 30 * time.Second
	}
	return c.SocketTimeout
}

// Connector implements channel.DestinationAdapter over HTTP.
type Connector struct {
	cfg    Config
	client *http.Client
	logger *slog.Logger
}

// New creates an HTTP destination connector.
func New(cfg Config, logger *slog.Logger) *Connector {
	if logger == nil {
		logger = slog.Default()
	}
	return &Connector{
		cfg: cfg,
		client: &http.Client{
			Transport: &http.Transport{
				TLSClientConfig: &tls.Config{
					MinVersion: tls.VersionTLS12,
				},
				MaxIdleConns:        10,
				MaxIdleConnsPerHost: 5,
				IdleConnTimeout:     90 * time.Second,
			},
			// Redirects are followed manually so each hop is observable.
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		logger: logger.With("url", cfg.URL),
	}
}

// Start is a no-op; the connector holds no long-lived connection state.
func (c *Connector) Start(ctx context.Context) error { return nil }

// Stop closes idle connections.
func (c *Connector) Stop(ctx context.Context) error {
	c.client.CloseIdleConnections()
	return nil
}

// Send delivers the encoded content. The returned response carries the
// remote body; an application-layer negative (SOAP fault or HTTP error
// status) yields a response in ERROR status, while transport failures and
// timeouts return a *channel.ConnectionError.
func (c *Connector) Send(ctx context.Context, cm *message.ConnectorMessage) (*message.Response, error) {
	body, _ := cm.GetContent(message.ContentEncoded)

	ctx, cancel := context.WithTimeout(ctx, c.cfg.timeout())
	defer cancel()

	resp, err := c.exchange(ctx, c.cfg.URL, body)
	if err != nil {
		return nil, err
	}

	// SOAP fault bodies classify as application errors even under HTTP 2xx.
	if fault, detail := detectSOAPFault(resp.body); fault {
		return &message.Response{
			Status:  message.Error,
			Message: resp.body,
			Error:   fmt.Sprintf("SOAP fault: %s", detail),
		}, nil
	}

	if resp.statusCode >= 400 {
		return &message.Response{
			Status:        message.Error,
			Message:       resp.body,
			StatusMessage: resp.status,
			Error:         fmt.Sprintf("remote returned %s", resp.status),
		}, nil
	}

	return &message.Response{
		Status:        message.Sent,
		Message:       resp.body,
		StatusMessage: resp.status,
	}, nil
}

type exchangeResult struct {
	statusCode int
	status     string
	body       string
}

// exchange performs the request, following redirects manually up to
// maxRedirects hops.
func (c *Connector) exchange(ctx context.Context, target, body string) (*exchangeResult, error) {
	current := target
	for hop := 0; hop <= maxRedirects; hop++ {
		req, err := http.NewRequestWithContext(ctx, c.cfg.method(), current, strings.NewReader(body))
		if err != nil {
			return nil, fmt.Errorf("build request: %w", err)
		}
		if c.cfg.ContentType != "" {
			req.Header.Set("Content-Type", c.cfg.ContentType)
		}
		for k, v := range c.cfg.Headers {
			req.Header.Set(k, v)
		}
		if strings.EqualFold(c.cfg.AuthType, "basic") {
			req.SetBasicAuth(c.cfg.Username, c.cfg.Password)
		}

		resp, err := c.client.Do(req)
		if err != nil {
			return nil, classifyTransportError(err)
		}

		if isRedirect(resp.StatusCode) {
			location := resp.Header.Get("Location")
			_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxResponseBodySize))
			_ = resp.Body.Close()
			if location == "" {
				return nil, channel.NewApplicationError(
					fmt.Sprintf("redirect %d without Location", resp.StatusCode), nil)
			}
			next, err := url.Parse(location)
			if err != nil {
				return nil, channel.NewApplicationError("invalid redirect location", err)
			}
			base, _ := url.Parse(current)
			current = base.ResolveReference(next).String()
			c.logger.Debug("following redirect", "hop", hop+1, "location", current)
			continue
		}

		data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBodySize))
		_ = resp.Body.Close()
		if err != nil {
			return nil, classifyTransportError(err)
		}
		return &exchangeResult{
			statusCode: resp.StatusCode,
			status:     resp.Status,
			body:       string(data),
		}, nil
	}
	return nil, channel.NewApplicationError(
		fmt.Sprintf("redirect limit of %d exceeded", maxRedirects), nil)
}

func isRedirect(code int) bool {
	switch code {
	case http.StatusMovedPermanently, http.StatusFound, http.StatusSeeOther,
		http.StatusTemporaryRedirect, http.StatusPermanentRedirect:
		return true
	}
	return false
}

// classifyTransportError maps transport failures to the retryable connection
// error class. Timeouts and aborted requests count as connection errors.
func classifyTransportError(err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return channel.NewConnectionError("http send", err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return channel.NewConnectionError("http send", err)
	}
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return channel.NewConnectionError("http send", err)
	}
	return fmt.Errorf("http send: %w", err)
}

// detectSOAPFault inspects a response body for a SOAP fault element. The
// check is a single parse over the body; a fault classifies as ERROR
// regardless of the HTTP status.
func detectSOAPFault(body string) (bool, string) {
	lower := strings.ToLower(body)
	idx := strings.Index(lower, ":fault>")
	if idx < 0 {
		idx = strings.Index(lower, "<fault>")
		if idx < 0 {
			return false, ""
		}
	}
	for _, tag := range []string{"faultstring", "reason"} {
		open := strings.Index(lower, "<"+tag)
		if open < 0 {
			continue
		}
		start := strings.Index(lower[open:], ">")
		if start < 0 {
			continue
		}
		start += open + 1
		end := strings.Index(lower[start:], "</")
		if end < 0 {
			continue
		}
		return true, strings.TrimSpace(body[start : start+end])
	}
	return true, "fault body without fault string"
}

// Compile-time interface verification.
var _ channel.DestinationAdapter = (*Connector)(nil)
