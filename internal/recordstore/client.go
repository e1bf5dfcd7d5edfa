// Package recordstore is the HTTP and WebSocket client of the durable
// subscription record store.
package recordstore

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
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
	"golang.org/x/oauth2"

	perrors "github.com/rcourtman/pulsefit/internal/errors"
	"github.com/rcourtman/pulsefit/internal/subscription"
)

const (
	defaultTimeout     = 15 * time.Second
	maxResponseBytes   = 1 << 20
	recordsPathPrefix  = "/v1/subscriptions/"
	watchPathSuffix    = "/watch"
	defaultDNSCacheTTL = 5 * time.Minute
)

// Config configures a Client.
type Config struct {
	BaseURL string
	Token   string
	Timeout time.Duration
	// DNSCacheTTL is how often cached host lookups are refreshed.
	DNSCacheTTL time.Duration
}

// Client implements subscription.RecordStore.
type Client struct {
	base        *url.URL
	http        *http.Client
	tokens      oauth2.TokenSource
	ws          websocket.Dialer
	watchTuning watchTuning
	stopRefresh context.CancelFunc
}

var _ subscription.RecordStore = (*Client)(nil)

// NewClient validates cfg and builds a client whose connections resolve
// through a DNS cache.
func NewClient(cfg Config) (*Client, error) {
	raw := strings.TrimSpace(cfg.BaseURL)
	if raw == "" {
		return nil, perrors.NewOperationError(perrors.ErrorTypeValidation, "recordstore.init", "",
			errors.New("record store url not configured"))
	}
	base, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("parse record store url: %w", err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("record store url must be http or https, got %q", base.Scheme)
	}
	base.Path = strings.TrimRight(base.Path, "/")

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	dialer := newCachingDialer()
	refreshCtx, stopRefresh := context.WithCancel(context.Background())
	ttl := cfg.DNSCacheTTL
	if ttl <= 0 {
		ttl = defaultDNSCacheTTL
	}
	go dialer.refresh(refreshCtx, ttl)

	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.DialContext = dialer.DialContext

	var tokens oauth2.TokenSource
	httpClient := &http.Client{Transport: transport, Timeout: timeout}
	if token := strings.TrimSpace(cfg.Token); token != "" {
		tokens = oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token, TokenType: "Bearer"})
		ctx := context.WithValue(context.Background(), oauth2.HTTPClient, httpClient)
		httpClient = oauth2.NewClient(ctx, tokens)
		httpClient.Timeout = timeout
	}

	return &Client{
		base:   base,
		http:   httpClient,
		tokens: tokens,
		ws: websocket.Dialer{
			NetDialContext:   dialer.DialContext,
			HandshakeTimeout: wsHandshakeWait,
		},
		watchTuning: defaultWatchTuning(),
		stopRefresh: stopRefresh,
	}, nil
}

// Close stops the DNS refresh loop.
func (c *Client) Close() {
	if c.stopRefresh != nil {
		c.stopRefresh()
	}
}

// recordURL addresses userID's record, plus suffix, under the base URL.
// userID is escaped as a single path segment.
func (c *Client) recordURL(op, userID, suffix string) (*url.URL, error) {
	if userID == "" || userID == "." || userID == ".." {
		return nil, perrors.NewOperationError(perrors.ErrorTypeValidation, op, userID,
			errors.New("user id is not a valid path segment"))
	}
	u := *c.base
	u.Path = c.base.Path + recordsPathPrefix + userID + suffix
	u.RawPath = c.base.EscapedPath() + recordsPathPrefix + url.PathEscape(userID) + suffix
	return &u, nil
}

// ReadRecord fetches userID's record. A missing record is nil with no error.
func (c *Client) ReadRecord(ctx context.Context, userID string) (*subscription.Record, error) {
	const op = "recordstore.read"

	target, err := c.recordURL(op, userID, "")
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("%s: build request: %w", op, err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, requestError(op, userID, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, nil
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, statusError(op, userID, resp)
	}

	var rec subscription.Record
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxResponseBytes)).Decode(&rec); err != nil {
		return nil, perrors.NewOperationError(perrors.ErrorTypeInternal, op, userID,
			fmt.Errorf("decode record: %w", err))
	}
	return &rec, nil
}

// WriteRecord stores patch for userID. merge selects PATCH over PUT.
func (c *Client) WriteRecord(ctx context.Context, userID string, patch map[string]any, merge bool) error {
	const op = "recordstore.write"

	body, err := json.Marshal(patch)
	if err != nil {
		return fmt.Errorf("%s: encode patch: %w", op, err)
	}
	method := http.MethodPut
	if merge {
		method = http.MethodPatch
	}

	target, err := c.recordURL(op, userID, "")
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, method, target.String(), bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("%s: build request: %w", op, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return requestError(op, userID, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return statusError(op, userID, resp)
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxResponseBytes))
	return nil
}

func requestError(op, userID string, err error) error {
	if errors.Is(err, context.Canceled) {
		return err
	}
	log.Debug().Err(err).Str("op", op).Str("user_id", userID).Msg("Record store request failed")
	return perrors.NewOperationError(perrors.ErrorTypeTransient, op, userID, err)
}

func statusError(op, userID string, resp *http.Response) error {
	msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	err := fmt.Errorf("record store returned %s: %s", resp.Status, strings.TrimSpace(string(msg)))
	return perrors.NewOperationError(perrors.ErrorTypeInternal, op, userID, err).
		WithStatusCode(resp.StatusCode)
}
