// Package connector implements the vendor notification connector: it
// authenticates against the Genesys Cloud OAuth token endpoint, builds a
// subscription topic set (manually configured and/or discovered via the
// routing queues and active users APIs), opens a notification channel,
// subscribes to it, and streams the resulting websocket notifications into
// mapped, ingest-ready payloads forwarded to the scoring gateway.
package connector

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/telemetryplane/internal/clock"
	"github.com/MrWong99/telemetryplane/internal/config"
	"github.com/MrWong99/telemetryplane/internal/observe"
	"github.com/MrWong99/telemetryplane/internal/resilience"
	"github.com/MrWong99/telemetryplane/internal/statusstore"
)

const pingInterval = 20 * time.Second

// Connector owns the vendor OAuth session, topic cache, and websocket
// notification loop for one configured Genesys Cloud org.
type Connector struct {
	cfg     config.ConnectorConfig
	clock   clock.Clock
	status  *statusstore.Store
	metrics *observe.Metrics

	httpClient *http.Client
	breaker    *resilience.CircuitBreaker

	tokenMu     sync.Mutex
	token       string
	tokenExpiry time.Time

	topicMu       sync.Mutex
	topicCache    []string
	topicCachedAt time.Time
}

// New builds a Connector. status and metrics may be nil in tests that only
// exercise the mapping or discovery helpers.
func New(cfg config.ConnectorConfig, status *statusstore.Store, metrics *observe.Metrics, clk clock.Clock) *Connector {
	if clk == nil {
		clk = clock.Real
	}
	timeout := time.Duration(cfg.HTTPTimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 20 * time.Second
	}
	return &Connector{
		cfg:        cfg,
		clock:      clk,
		status:     status,
		metrics:    metrics,
		httpClient: &http.Client{Timeout: timeout},
		breaker:    resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{Name: "connector-vendor-api"}),
	}
}

// Run drives the connect -> subscribe -> stream -> reconnect loop until ctx
// is cancelled, mirroring the original run_forever supervisor: any failure
// along the way is logged to the status store, the reconnect counter is
// bumped, and the loop sleeps cfg.ReconnectDelaySeconds before trying again.
func (c *Connector) Run(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			c.setState("stopped")
			return ctx.Err()
		}
		if err := c.runOnce(ctx); err != nil {
			if ctx.Err() != nil {
				c.setState("stopped")
				return ctx.Err()
			}
			c.setError(err)
			c.incrementCounter("reconnect_count", 1)
			if c.metrics != nil {
				c.metrics.RecordReconnect(ctx)
			}
			c.setState("reconnecting")
			if err := c.sleep(ctx, c.reconnectDelay()); err != nil {
				c.setState("stopped")
				return ctx.Err()
			}
		}
	}
}

func (c *Connector) reconnectDelay() time.Duration {
	d := c.cfg.ReconnectDelaySeconds
	if d <= 0 {
		d = 5
	}
	return time.Duration(d) * time.Second
}

// runOnce performs one full connect -> subscribe -> stream cycle, returning
// when the websocket connection closes or an error occurs building the
// subscription.
func (c *Connector) runOnce(ctx context.Context) error {
	c.setState("connecting")

	topics, err := c.buildTopics(ctx)
	if err != nil {
		return fmt.Errorf("connector: build topics: %w", err)
	}
	if len(topics) == 0 {
		return fmt.Errorf("connector: no subscription topics configured")
	}
	c.setCounter("topics_count", len(topics))

	token, err := c.accessToken(ctx)
	if err != nil {
		return fmt.Errorf("connector: access token: %w", err)
	}

	channelID, connectURI, err := c.createNotificationChannel(ctx, token)
	if err != nil {
		return fmt.Errorf("connector: create channel: %w", err)
	}
	if channelID == "" || connectURI == "" {
		return fmt.Errorf("connector: channel response missing id/connectUri")
	}
	c.setStringCounter("channel_id", channelID)
	c.setStringCounter("websocket_uri", connectURI)
	c.setState("subscribed")

	if err := c.subscribeToTopics(ctx, token, channelID, topics); err != nil {
		return fmt.Errorf("connector: subscribe: %w", err)
	}

	return c.streamNotifications(ctx, connectURI)
}

// buildTopics returns the union of manually configured topics and the
// discovery-derived set, refreshing discovery only every RefreshSeconds.
func (c *Connector) buildTopics(ctx context.Context) ([]string, error) {
	manual := c.manualTopics()

	if c.cfg.TopicBuilderMode == "" || c.cfg.TopicBuilderMode == config.TopicBuilderOff || c.cfg.TopicBuilderMode == config.TopicBuilderManual {
		return manual, nil
	}

	c.topicMu.Lock()
	refresh := time.Duration(c.cfg.RefreshSeconds) * time.Second
	if refresh <= 0 {
		refresh = 300 * time.Second
	}
	stale := c.topicCache == nil || c.clock.Now().Sub(c.topicCachedAt) >= refresh
	cached := c.topicCache
	c.topicMu.Unlock()
	if !stale {
		return dedupeStrings(append(append([]string{}, manual...), cached...)), nil
	}

	token, err := c.accessToken(ctx)
	if err != nil {
		return nil, err
	}
	discovered, err := c.discoverTopics(ctx, token)
	if err != nil {
		return nil, err
	}

	c.topicMu.Lock()
	c.topicCache = discovered
	c.topicCachedAt = c.clock.Now()
	c.topicMu.Unlock()

	return dedupeStrings(append(append([]string{}, manual...), discovered...)), nil
}

func (c *Connector) manualTopics() []string {
	topics := append([]string{}, c.cfg.SubscriptionTopics...)
	for _, id := range c.cfg.QueueIDs {
		topics = append(topics, "v2.routing.queues."+id+".conversations.calls")
	}
	for _, id := range c.cfg.UserIDs {
		topics = append(topics, "v2.users."+id+".conversations.calls")
	}
	return topics
}

func dedupeStrings(in []string) []string {
	seen := map[string]struct{}{}
	out := in[:0]
	for _, s := range in {
		if s == "" {
			continue
		}
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}

// accessToken returns a cached OAuth token, refreshing it strictly before
// it expires (30s of slack) via the client-credentials grant.
func (c *Connector) accessToken(ctx context.Context) (string, error) {
	c.tokenMu.Lock()
	if c.token != "" && c.clock.Now().Before(c.tokenExpiry) {
		tok := c.token
		c.tokenMu.Unlock()
		return tok, nil
	}
	c.tokenMu.Unlock()
	return c.refreshToken(ctx)
}

func (c *Connector) refreshToken(ctx context.Context) (string, error) {
	form := url.Values{"grant_type": {"client_credentials"}}
	tokenURL := strings.TrimRight(c.cfg.LoginBaseURL, "/") + "/oauth/token"

	var token string
	var expiresIn int

	cfg := resilience.RetryConfig{
		MaxAttempts: c.cfg.RetryMaxAttempts,
		BaseDelay:   time.Duration(c.cfg.RetryBackoffSecs) * time.Second,
	}
	err := resilience.Retry(ctx, cfg, func(ctx context.Context, attempt int) (bool, error) {
		status := 0
		err := c.breaker.Execute(func() error {
			req, err := http.NewRequestWithContext(ctx, http.MethodPost, tokenURL, strings.NewReader(form.Encode()))
			if err != nil {
				return err
			}
			req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
			req.SetBasicAuth(c.cfg.ClientID, c.cfg.ClientSecret)
			resp, err := c.httpClient.Do(req)
			if err != nil {
				return err
			}
			defer resp.Body.Close()
			status = resp.StatusCode
			if resp.StatusCode >= 300 {
				return fmt.Errorf("oauth token request: unexpected status %s", resp.Status)
			}
			var body struct {
				AccessToken string `json:"access_token"`
				ExpiresIn   int    `json:"expires_in"`
			}
			if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
				return err
			}
			token = body.AccessToken
			expiresIn = body.ExpiresIn
			return nil
		})
		if err != nil && status >= 300 {
			return resilience.RetryableStatus(status), err
		}
		return true, err
	})
	if err != nil {
		return "", err
	}

	if expiresIn < 60 {
		expiresIn = 60
	}
	c.tokenMu.Lock()
	c.token = token
	c.tokenExpiry = c.clock.Now().Add(time.Duration(expiresIn)*time.Second - 30*time.Second)
	c.tokenMu.Unlock()
	c.setStringCounter("token_expires_at", c.tokenExpiry.UTC().Format(time.RFC3339))

	return token, nil
}

func (c *Connector) invalidateToken() {
	c.tokenMu.Lock()
	c.token = ""
	c.tokenMu.Unlock()
}

// createNotificationChannel opens a new notification channel and returns its
// id and websocket connect URI.
func (c *Connector) createNotificationChannel(ctx context.Context, token string) (string, string, error) {
	var body struct {
		ID         string `json:"id"`
		ConnectURI string `json:"connectUri"`
	}
	url := strings.TrimRight(c.cfg.APIBaseURL, "/") + "/api/v2/notifications/channels"
	if err := c.requestJSON(ctx, http.MethodPost, url, token, map[string]any{}, &body); err != nil {
		return "", "", err
	}
	return body.ID, body.ConnectURI, nil
}

// subscribeToTopics registers topics against an already-created channel.
func (c *Connector) subscribeToTopics(ctx context.Context, token, channelID string, topics []string) error {
	subs := make([]map[string]any, 0, len(topics))
	for _, t := range topics {
		subs = append(subs, map[string]any{"id": t})
	}
	url := strings.TrimRight(c.cfg.APIBaseURL, "/") + "/api/v2/notifications/channels/" + channelID + "/subscriptions"
	return c.requestJSON(ctx, http.MethodPost, url, token, subs, nil)
}

// requestJSON issues an authenticated JSON request through the shared
// retry+circuit-breaker helper, decoding the response body into out (when
// non-nil). A 401 response invalidates the cached token so the next call
// re-authenticates instead of repeating the same stale credential.
func (c *Connector) requestJSON(ctx context.Context, method, reqURL, token string, body any, out any) error {
	var encoded []byte
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		encoded = b
	}

	cfg := resilience.RetryConfig{
		MaxAttempts: c.cfg.RetryMaxAttempts,
		BaseDelay:   time.Duration(c.cfg.RetryBackoffSecs) * time.Second,
	}

	var respBody []byte
	err := resilience.Retry(ctx, cfg, func(ctx context.Context, attempt int) (bool, error) {
		if attempt > 1 {
			// A 401 on an earlier attempt invalidated the cached token;
			// accessToken then fetches a fresh one (otherwise it returns
			// the still-cached token).
			fresh, err := c.accessToken(ctx)
			if err != nil {
				return true, err
			}
			token = fresh
		}
		status := 0
		err := c.breaker.Execute(func() error {
			var reader io.Reader
			if encoded != nil {
				reader = bytes.NewReader(encoded)
			}
			req, err := http.NewRequestWithContext(ctx, method, reqURL, reader)
			if err != nil {
				return err
			}
			if encoded != nil {
				req.Header.Set("Content-Type", "application/json")
			}
			req.Header.Set("Authorization", "Bearer "+token)
			resp, err := c.httpClient.Do(req)
			if err != nil {
				return err
			}
			defer resp.Body.Close()
			data, _ := io.ReadAll(resp.Body)
			if resp.StatusCode == http.StatusUnauthorized {
				// A stale token is worth a retry with a fresh one, so this
				// status is deliberately left out of the
				// retryable-status classification below and defaults to
				// retryable=true.
				c.invalidateToken()
				return fmt.Errorf("request %s: unauthorized", reqURL)
			}
			if resp.StatusCode >= 300 {
				status = resp.StatusCode
				return fmt.Errorf("request %s: unexpected status %s", reqURL, resp.Status)
			}
			respBody = data
			return nil
		})
		if err != nil && status >= 300 {
			return resilience.RetryableStatus(status), err
		}
		return true, err
	})
	if err != nil {
		return err
	}
	if out != nil && len(respBody) > 0 {
		return json.Unmarshal(respBody, out)
	}
	return nil
}

// streamNotifications dials the channel's websocket and forwards mapped
// notification payloads until the connection closes or ctx is cancelled.
func (c *Connector) streamNotifications(ctx context.Context, connectURI string) error {
	conn, _, err := websocket.Dial(ctx, connectURI, nil)
	if err != nil {
		return fmt.Errorf("dial notification websocket: %w", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "done")

	c.setState("running")

	pingCtx, cancelPing := context.WithCancel(ctx)
	defer cancelPing()
	go c.pingLoop(pingCtx, conn)

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return fmt.Errorf("read notification: %w", err)
		}
		c.handleRawNotification(ctx, data)
	}
}

// pingLoop sends a websocket ping on a fixed interval since coder/websocket
// has no built-in keepalive ticker, unlike the vendor SDK this was ported
// from.
func (c *Connector) pingLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			_ = conn.Ping(pingCtx)
			cancel()
		}
	}
}

func (c *Connector) handleRawNotification(ctx context.Context, data []byte) {
	var payload any
	if err := json.Unmarshal(data, &payload); err != nil {
		return
	}
	c.setStringCounter("last_event_at", c.clock.Now().UTC().Format(time.RFC3339))
	for _, notification := range flattenNotifications(payload) {
		for _, mapped := range mapNotificationToPayloads(notification) {
			c.forwardPayload(ctx, mapped)
		}
	}
}

func (c *Connector) forwardPayload(ctx context.Context, payload map[string]any) {
	if c.cfg.EventIngestURL == "" {
		return
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return
	}
	cfg := resilience.RetryConfig{
		MaxAttempts: c.cfg.RetryMaxAttempts,
		BaseDelay:   time.Duration(c.cfg.RetryBackoffSecs) * time.Second,
	}
	err = resilience.Retry(ctx, cfg, func(ctx context.Context, attempt int) (bool, error) {
		status := 0
		err := c.breaker.Execute(func() error {
			req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.EventIngestURL, bytes.NewReader(body))
			if err != nil {
				return err
			}
			req.Header.Set("Content-Type", "application/json")
			if c.cfg.IngestToken != "" {
				req.Header.Set("X-Cloud-Token", c.cfg.IngestToken)
			}
			resp, err := c.httpClient.Do(req)
			if err != nil {
				return err
			}
			defer resp.Body.Close()
			status = resp.StatusCode
			if resp.StatusCode >= 300 {
				return fmt.Errorf("forward payload: unexpected status %s", resp.Status)
			}
			return nil
		})
		if err != nil && status >= 300 {
			return resilience.RetryableStatus(status), err
		}
		return true, err
	})
	if err != nil {
		c.incrementCounter("forward_failures", 1)
		c.setError(fmt.Errorf("connector: forward payload: %w", err))
		if c.metrics != nil {
			c.metrics.RecordForwardFailure(ctx, "event")
		}
		return
	}
	c.incrementCounter("forwarded_events", 1)
	if callID, _ := payload["call_id"].(string); callID != "" {
		c.setStringCounter("last_payload_call_id", callID)
	}
	if eventType, _ := payload["event_type"].(string); eventType != "" {
		c.setStringCounter("last_payload_type", eventType)
	}
	if c.metrics != nil {
		c.metrics.RecordForwardedEvent(ctx)
	}
}

// sleep blocks for d or until ctx is cancelled, returning ctx.Err() in the
// latter case so callers can distinguish a cooperative stop from a normal
// timer expiry.
func (c *Connector) sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func (c *Connector) setState(state string) {
	if c.status != nil {
		_ = c.status.SetState(state)
	}
}

func (c *Connector) setError(err error) {
	if c.status != nil {
		_ = c.status.SetError(err)
	}
}

func (c *Connector) incrementCounter(key string, amount int) {
	if c.status != nil {
		_ = c.status.Increment(key, amount)
	}
}

func (c *Connector) setCounter(key string, value int) {
	if c.status == nil {
		return
	}
	snap := c.status.Snapshot()
	delta := value - snap.Counters[key]
	_ = c.status.Increment(key, delta)
}

func (c *Connector) setStringCounter(key, value string) {
	if c.status != nil {
		_ = c.status.SetField(key, value)
	}
}
