// Package audiohook implements the AudioHook ingress: a websocket server
// that accepts one connection per call from the media platform, decodes the
// inbound audio stream, and forwards chunked PCM and lifecycle events to the
// scoring gateway.
package audiohook

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/MrWong99/telemetryplane/internal/clock"
	"github.com/MrWong99/telemetryplane/internal/config"
	"github.com/MrWong99/telemetryplane/internal/observe"
	"github.com/MrWong99/telemetryplane/internal/resilience"
	"github.com/MrWong99/telemetryplane/internal/statusstore"
)

// Server accepts AudioHook websocket connections and forwards their decoded
// audio and lifecycle events to the configured ingest sinks.
type Server struct {
	cfg     config.AudioHookConfig
	clock   clock.Clock
	status  *statusstore.Store
	metrics *observe.Metrics

	httpClient   *http.Client
	audioBreaker *resilience.CircuitBreaker
	eventBreaker *resilience.CircuitBreaker
	activeConns  atomic.Int64
	connCounter  atomic.Int64
}

// NewServer builds an AudioHook server. status and metrics may be nil in
// tests that only exercise decoding/framing.
func NewServer(cfg config.AudioHookConfig, status *statusstore.Store, metrics *observe.Metrics, clk clock.Clock) *Server {
	if clk == nil {
		clk = clock.Real
	}
	timeout := time.Duration(cfg.HTTPTimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 20 * time.Second
	}
	return &Server{
		cfg:     cfg,
		clock:   clk,
		status:  status,
		metrics: metrics,
		httpClient: &http.Client{
			Timeout: timeout,
		},
		audioBreaker: resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{Name: "audiohook-audio-sink"}),
		eventBreaker: resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{Name: "audiohook-event-sink"}),
	}
}

// ServeHTTP routes health probes and websocket upgrades on the configured
// path, returning 404 for any other path.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != s.cfg.Path {
		http.NotFound(w, r)
		return
	}

	if !isUpgradeRequest(r) {
		s.serveHealthProbe(w, r)
		return
	}

	s.serveConnection(w, r)
}

func isUpgradeRequest(r *http.Request) bool {
	for _, v := range r.Header.Values("Connection") {
		if bytes.Contains(bytes.ToLower([]byte(v)), []byte("upgrade")) {
			return true
		}
	}
	return r.Header.Get("Upgrade") != ""
}

func (s *Server) serveHealthProbe(w http.ResponseWriter, r *http.Request) {
	body := map[string]any{
		"ok":        true,
		"service":   "genesys_audiohook_listener",
		"path":      s.cfg.Path,
		"timestamp": s.clock.Now().UTC().Format(time.RFC3339),
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(body)
}

func (s *Server) serveConnection(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		return
	}

	id := uuid.NewString()
	now := s.clock.Now()
	c := newConnection(id, r.URL.Path, r.URL.RawQuery, now)
	c.sampleRate = s.cfg.SampleRateDefault
	c.channels = s.cfg.ChannelsDefault
	if c.sampleRate <= 0 {
		c.sampleRate = 8000
	}
	if c.channels <= 0 {
		c.channels = 1
	}

	s.connCounter.Add(1)
	s.activeConns.Add(1)
	defer s.activeConns.Add(-1)
	if s.metrics != nil {
		s.metrics.ActiveAudioHookConnections.Add(r.Context(), 1)
		defer s.metrics.ActiveAudioHookConnections.Add(r.Context(), -1)
	}
	if s.status != nil {
		_ = s.status.Increment("connection_count", 1)
		_ = s.status.SetState("running")
	}

	defer conn.Close(websocket.StatusNormalClosure, "closed")
	s.readLoop(r.Context(), conn, c)
}

// readLoop consumes websocket frames until the connection closes, dispatches
// binary frames through the packet decoder and text frames as bare command
// payloads.
func (s *Server) readLoop(ctx context.Context, conn *websocket.Conn, c *connection) {
	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			s.handleDisconnect(ctx, conn, c, err)
			return
		}

		switch typ {
		case websocket.MessageBinary:
			for _, pkt := range DecodePackets(data) {
				switch pkt.Type {
				case PacketTypeCommand:
					s.handleCommandPacket(ctx, conn, c, pkt.Payload, "binary")
				case PacketTypeAudio:
					s.handleAudioPacket(ctx, conn, c, pkt.Payload)
				}
			}
		case websocket.MessageText:
			s.handleCommandPacket(ctx, conn, c, data, "text")
		}
	}
}

func (s *Server) handleDisconnect(ctx context.Context, conn *websocket.Conn, c *connection, err error) {
	// ctx (the request context) may already be cancelled once the socket
	// read fails, so the final drain forwards on a detached context instead
	// of dropping the last chunk and the call_end event on the floor.
	drainCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	c.mu.Lock()
	c.flush(s, drainCtx, true, "disconnect")
	endEmitted := c.endEventEmitted
	c.endEventEmitted = true
	callID := c.callID
	c.mu.Unlock()

	if !endEmitted && callID != "" {
		s.forwardEvent(drainCtx, c, map[string]any{
			"call_id":     callID,
			"event_type":  "call_end",
			"occurred_at": s.clock.Now().UTC().Format(time.RFC3339),
		})
	}
	_ = err
}

// handleCommandPacket decodes a command JSON payload and dispatches it.
func (s *Server) handleCommandPacket(ctx context.Context, conn *websocket.Conn, c *connection, payload []byte, source string) {
	var command map[string]any
	if err := json.Unmarshal(payload, &command); err != nil {
		return
	}

	commandType, _ := command["type"].(string)
	commandID, _ := command["id"].(string)
	parameters := mapOf(command["parameters"])
	if parameters == nil {
		parameters = map[string]any{}
	}

	switch commandType {
	case "open":
		s.handleOpen(ctx, conn, c, commandID, command, parameters)
	case "ping":
		s.reply(ctx, conn, c, commandID, "pong", nil)
	case "close":
		s.reply(ctx, conn, c, commandID, "closed", nil)
		c.mu.Lock()
		c.flush(s, ctx, true, "close_command")
		c.mu.Unlock()
		_ = conn.Close(websocket.StatusNormalClosure, "close requested")
	case "event":
		s.handleEvent(ctx, c, parameters)
	case "disconnect", "error":
		if commandType == "error" && s.status != nil {
			msg, _ := parameters["message"].(string)
			_ = s.status.SetError(fmt.Errorf("audiohook: vendor reported error: %s", msg))
		}
		c.mu.Lock()
		c.flush(s, ctx, true, commandType)
		c.mu.Unlock()
		// The call_end event is emitted by handleDisconnect once the read
		// loop observes the closed socket.
		_ = conn.Close(websocket.StatusInternalError, commandType)
	default:
		_ = source
	}
}

func (s *Server) handleOpen(ctx context.Context, conn *websocket.Conn, c *connection, commandID string, command, parameters map[string]any) {
	c.mu.Lock()
	c.openCommandID = commandID
	c.callID = extractCallID(command, parameters, c.rawQuery, fmt.Sprintf("audiohook-%d", s.clock.Now().UnixMilli()))
	if media := extractMediaDetails(parameters["media"]); media.format != "" {
		c.mediaFormat = media.format
		if media.sampleRate > 0 {
			c.sampleRate = media.sampleRate
		}
		if media.channels > 0 {
			c.channels = media.channels
		}
		c.channelLabels = media.channelLabels
	}
	if len(c.channelLabels) == 0 {
		c.channelLabels = defaultChannelLabels(c.channels)
	}
	c.opened = true
	callID := c.callID
	c.mu.Unlock()

	s.reply(ctx, conn, c, commandID, "opened", map[string]any{
		"startPaused":    false,
		"conversationId": callID,
		"media": map[string]any{
			"format":   c.mediaFormat,
			"rate":     c.sampleRate,
			"channels": c.channelLabels,
		},
	})

	s.forwardEvent(ctx, c, map[string]any{
		"call_id":     callID,
		"event_type":  "call_start",
		"occurred_at": s.clock.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) handleEvent(ctx context.Context, c *connection, parameters map[string]any) {
	c.mu.Lock()
	callID := c.callID
	c.mu.Unlock()
	if callID == "" {
		return
	}

	text := extractEventText(parameters)
	payload := map[string]any{
		"call_id":     callID,
		"event_type":  "transcript",
		"occurred_at": s.clock.Now().UTC().Format(time.RFC3339),
	}
	if text != "" {
		payload["text"] = text
	}
	if speaker, ok := parameters["participant"]; ok {
		payload["speaker"] = speaker
	}
	s.forwardEvent(ctx, c, payload)
}

func (s *Server) handleAudioPacket(ctx context.Context, conn *websocket.Conn, c *connection, payload []byte) {
	headers, audio := parseAudioHeaders(payload)
	c.mu.Lock()
	if !c.opened {
		// Audio that arrives before the open command is discarded.
		c.mu.Unlock()
		return
	}
	format := c.mediaFormat
	if headers != nil {
		if media := extractMediaDetails(headers["media"]); media.format != "" {
			format = media.format
			c.mediaFormat = media.format
		}
	}
	decoded := decodeToPCM16LE(audio, format)
	if decoded == nil {
		c.mu.Unlock()
		if s.metrics != nil {
			s.metrics.RecordDecodeDrop(ctx, format)
		}
		return
	}
	c.audioPacketCount++
	c.rawAudioBytes += len(audio)
	maxChunkMS := s.cfg.MaxChunkDurationMS
	if maxChunkMS <= 0 {
		maxChunkMS = 4000
	}
	c.appendDecoded(decoded, maxChunkMS)
	c.flush(s, ctx, false, "streaming")
	c.mu.Unlock()

	if s.status != nil {
		_ = s.status.Increment("audio_packets", 1)
		_ = s.status.Increment("audio_bytes", len(audio))
	}
}

// flush drains c.audioBuffer according to the min/max chunk duration and
// flush interval thresholds, forwarding each resulting chunk to the audio
// sink synchronously (mirroring the listener's blocking sink calls).
// Callers must hold c.mu; this blocks the connection's reader on the sink
// POST, same as the original did on its own requests.post call.
func (c *connection) flush(s *Server, ctx context.Context, force bool, reason string) {
	if len(c.audioBuffer) == 0 {
		return
	}

	bps := c.bytesPerSecond()
	minMS := s.cfg.MinChunkDurationMS
	if minMS <= 0 {
		minMS = 500
	}
	maxMS := s.cfg.MaxChunkDurationMS
	if maxMS <= 0 {
		maxMS = 4000
	}
	flushIntervalMS := s.cfg.FlushIntervalMS
	if flushIntervalMS <= 0 {
		flushIntervalMS = 2000
	}

	minBytes := max(1, bps*minMS/1000)
	maxBytes := max(minBytes, bps*maxMS/1000)

	now := s.clock.Now()
	for len(c.audioBuffer) > 0 {
		elapsedMS := now.Sub(c.lastFlush).Milliseconds()
		if !force && len(c.audioBuffer) < minBytes && elapsedMS < int64(flushIntervalMS) {
			return
		}

		chunkSize := min(len(c.audioBuffer), maxBytes)
		chunk := append([]byte(nil), c.audioBuffer[:chunkSize]...)
		c.audioBuffer = c.audioBuffer[chunkSize:]
		c.seqCounter++

		connectionID, callID, sampleRate, channels, labels := c.id, c.callID, c.sampleRate, c.channels, c.channelLabels
		mediaFormat, audioPacketCount := c.mediaFormat, c.audioPacketCount
		s.forwardAudioChunk(ctx, connectionID, callID, chunk, sampleRate, channels, labels, mediaFormat, audioPacketCount, reason)

		c.lastFlush = now
		if !force && len(c.audioBuffer) < maxBytes {
			return
		}
	}
}

func (s *Server) reply(ctx context.Context, conn *websocket.Conn, c *connection, commandID, typ string, parameters map[string]any) {
	msg := map[string]any{
		"version": "2",
		"type":    typ,
		"seq":     c.seqCounter + 1,
		"id":      commandID,
	}
	if parameters != nil {
		msg["parameters"] = parameters
	}
	encoded, err := EncodeCommandPacket(msg)
	if err != nil {
		return
	}
	_ = conn.Write(ctx, websocket.MessageBinary, encoded)
}

// forwardAudioChunk POSTs a decoded PCM chunk to the configured audio sink,
// matching the original listener's _forward_audio_chunk payload shape.
func (s *Server) forwardAudioChunk(ctx context.Context, connectionID, callID string, pcm []byte, sampleRate, channels int, channelLabels []string, mediaFormat string, audioPacketCount int, reason string) {
	if s.cfg.AudioIngestURL == "" || callID == "" {
		return
	}
	payload := map[string]any{
		"provider":       "genesys_audiohook",
		"call_id":        callID,
		"audio_encoding": "pcm_s16le",
		"sample_rate":    sampleRate,
		"channels":       channels,
		"audio_b64":      base64Encode(pcm),
		"status":         "active",
		"timestamp":      s.clock.Now().UTC().Format(time.RFC3339),
		"metadata": map[string]any{
			"connection_id":      connectionID,
			"channel_labels":     channelLabels,
			"media_format":       mediaFormat,
			"flush_reason":       reason,
			"audio_packet_count": audioPacketCount,
		},
	}
	err := s.postJSON(ctx, s.audioBreaker, s.cfg.AudioIngestURL, payload)
	if err != nil {
		if s.status != nil {
			_ = s.status.Increment("forward_failures", 1)
			_ = s.status.SetError(fmt.Errorf("audiohook: forward audio chunk: %w", err))
		}
		if s.metrics != nil {
			s.metrics.RecordForwardFailure(ctx, "audio")
		}
		return
	}
	if s.status != nil {
		_ = s.status.Increment("forwarded_chunks", 1)
	}
	if s.metrics != nil {
		s.metrics.RecordForwardedAudioChunk(ctx)
	}
}

// forwardEvent POSTs a lifecycle/transcript event to the configured event sink.
func (s *Server) forwardEvent(ctx context.Context, c *connection, payload map[string]any) {
	if s.cfg.EventIngestURL == "" {
		return
	}
	err := s.postJSON(ctx, s.eventBreaker, s.cfg.EventIngestURL, payload)
	if err != nil {
		if s.status != nil {
			_ = s.status.Increment("forward_failures", 1)
			_ = s.status.SetError(fmt.Errorf("audiohook: forward event: %w", err))
		}
		if s.metrics != nil {
			s.metrics.RecordForwardFailure(ctx, "event")
		}
		return
	}
	if s.status != nil {
		_ = s.status.Increment("forwarded_events", 1)
	}
	if s.metrics != nil {
		s.metrics.RecordForwardedEvent(ctx)
	}
}

func (s *Server) postJSON(ctx context.Context, breaker *resilience.CircuitBreaker, url string, payload map[string]any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	cfg := resilience.RetryConfig{
		MaxAttempts: s.cfg.RetryMaxAttempts,
		BaseDelay:   time.Duration(s.cfg.RetryBackoffSecs) * time.Second,
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 4
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = 2 * time.Second
	}

	return resilience.Retry(ctx, cfg, func(ctx context.Context, attempt int) (bool, error) {
		status := 0
		err := breaker.Execute(func() error {
			req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
			if err != nil {
				return err
			}
			req.Header.Set("Content-Type", "application/json")
			if s.cfg.IngestToken != "" {
				req.Header.Set("X-Cloud-Token", s.cfg.IngestToken)
			}
			resp, err := s.httpClient.Do(req)
			if err != nil {
				return err
			}
			defer resp.Body.Close()
			status = resp.StatusCode
			if resp.StatusCode >= 300 {
				return fmt.Errorf("audiohook: sink %s: unexpected status %s", url, resp.Status)
			}
			return nil
		})
		if err != nil && status >= 300 {
			return resilience.RetryableStatus(status), err
		}
		return true, err
	})
}

func base64Encode(pcm []byte) string {
	return base64.StdEncoding.EncodeToString(pcm)
}
