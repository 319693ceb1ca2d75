// Package ingest implements the realtime ingest engine (normalization,
// per-call state, sentiment smoothing, risk scoring, and supervisor alert
// evaluation) for events arriving over the AudioHook transcript/event
// channel and the vendor connector.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MrWong99/telemetryplane/internal/clock"
	"github.com/MrWong99/telemetryplane/internal/config"
	"github.com/MrWong99/telemetryplane/internal/eventbus"
	"github.com/MrWong99/telemetryplane/internal/observe"
)

var (
	// ErrInvalidPayload is returned when the ingested payload is not a JSON object.
	ErrInvalidPayload = errors.New("ingest: payload must be a JSON object")
	// ErrMissingCallID is returned when no call_id/conversation_id/session_id field is present.
	ErrMissingCallID = errors.New("ingest: missing call_id")
	// ErrAlertNotFound is returned by AckAlert for an unknown alert id.
	ErrAlertNotFound = errors.New("ingest: alert not found")
)

const (
	maxEventsPerCall = 40
	maxAlertsPerCall = 30
	maxTextRunes     = 2400

	riskDecay               = 0.88
	riskTerminalDecay       = 0.6
	negSentimentCoeff       = 0.42
	negSentimentCap         = 0.46
	negSentimentSeverityGap = 0.2
	keywordRiskBonus        = 0.24
	deadAirFloorSeconds     = 10.0
	deadAirCap              = 0.25
	deadAirDivisor          = 100.0
	highSeverityBonus       = 0.16
	criticalSeverityBonus   = 0.20
)

// Event is one normalized transcript/event record attached to a call.
type Event struct {
	ID         int64          `json:"id"`
	Type       string         `json:"type"`
	Speaker    string         `json:"speaker"`
	Text       string         `json:"text"`
	Sentiment  *float64       `json:"sentiment"`
	Confidence *float64       `json:"confidence"`
	OccurredAt time.Time      `json:"occurred_at"`
	Metadata   map[string]any `json:"metadata"`
}

// Alert is a supervisor alert raised while evaluating a call's events.
type Alert struct {
	ID             int64          `json:"id"`
	CallID         string         `json:"call_id"`
	Type           string         `json:"type"`
	Severity       string         `json:"severity"`
	Message        string         `json:"message"`
	Acknowledged   bool           `json:"acknowledged"`
	AcknowledgedAt *time.Time     `json:"acknowledged_at,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
	Metadata       map[string]any `json:"metadata"`
}

// CallState is the live, continuously-updated state of one call.
type CallState struct {
	CallID         string         `json:"call_id"`
	Provider       string         `json:"provider"`
	Status         string         `json:"status"`
	AgentID        string         `json:"agent_id,omitempty"`
	CustomerID     string         `json:"customer_id,omitempty"`
	LastSpeaker    string         `json:"last_speaker,omitempty"`
	LastText       string         `json:"last_text,omitempty"`
	SentimentScore float64        `json:"sentiment_score"`
	RiskScore      float64        `json:"risk_score"`
	Metadata       map[string]any `json:"metadata"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
}

// Snapshot is the externally-visible view of a call: its state plus a
// bounded window of recent events and alerts.
type Snapshot struct {
	CallID         string    `json:"call_id"`
	Provider       string    `json:"provider"`
	Status         string    `json:"status"`
	RiskScore      float64   `json:"risk_score"`
	SentimentScore float64   `json:"sentiment_score"`
	UpdatedAt      time.Time `json:"updated_at"`
	Events         []Event   `json:"events"`
	Alerts         []Alert   `json:"alerts"`
}

// Result is returned by [Engine.Ingest].
type Result struct {
	CallID         string   `json:"call_id"`
	RiskScore      float64  `json:"risk_score"`
	SentimentScore float64  `json:"sentiment_score"`
	Alerts         []Alert  `json:"alerts"`
	Snapshot       Snapshot `json:"snapshot"`
	Event          Event    `json:"event"`
}

type normalizedPayload struct {
	callID     string
	provider   string
	eventType  string
	speaker    string
	text       string
	sentiment  *float64
	confidence *float64
	status     string
	agentID    string
	customerID string
	occurredAt time.Time
	metadata   map[string]any
}

// record holds one call's mutable state behind its own mutex, so
// concurrent ingests for different calls never contend with each other.
type record struct {
	mu          sync.Mutex
	state       CallState
	events      []Event
	alerts      []Alert
	lastAlertAt map[string]time.Time
}

func (r *record) appendEvent(ev Event) {
	r.events = append(r.events, ev)
	if len(r.events) > maxEventsPerCall {
		r.events = r.events[len(r.events)-maxEventsPerCall:]
	}
}

// appendAlert keeps alerts newest-first, matching the snapshot ordering.
func (r *record) appendAlert(a Alert) {
	r.alerts = append([]Alert{a}, r.alerts...)
	if len(r.alerts) > maxAlertsPerCall {
		r.alerts = r.alerts[:maxAlertsPerCall]
	}
}

func (r *record) snapshot() Snapshot {
	events := make([]Event, len(r.events))
	copy(events, r.events)
	alerts := make([]Alert, len(r.alerts))
	copy(alerts, r.alerts)
	return Snapshot{
		CallID:         r.state.CallID,
		Provider:       r.state.Provider,
		Status:         r.state.Status,
		RiskScore:      r.state.RiskScore,
		SentimentScore: r.state.SentimentScore,
		UpdatedAt:      r.state.UpdatedAt,
		Events:         events,
		Alerts:         alerts,
	}
}

// upsert applies normalized to the record's call state: create-on-first-seen,
// conditional field overwrite (only non-empty new values win) on updates.
func (r *record) upsert(n normalizedPayload, now time.Time) {
	if r.state.CallID == "" {
		status := n.status
		if status == "" {
			status = "active"
		}
		// A new call starts from a neutral score of 0, so the first event's
		// sentiment is smoothed like every later one (0.72*0 + 0.28*new).
		sentimentScore := 0.0
		if n.sentiment != nil {
			sentimentScore = *n.sentiment * 0.28
		}
		r.state = CallState{
			CallID:         n.callID,
			Provider:       n.provider,
			Status:         status,
			AgentID:        n.agentID,
			CustomerID:     n.customerID,
			LastSpeaker:    n.speaker,
			LastText:       truncateRunes(n.text, maxTextRunes),
			SentimentScore: roundTo(sentimentScore, 3),
			Metadata:       n.metadata,
			CreatedAt:      now,
			UpdatedAt:      now,
		}
		r.lastAlertAt = make(map[string]time.Time)
		return
	}

	r.state.Provider = n.provider
	if n.status != "" {
		r.state.Status = n.status
	}
	r.state.UpdatedAt = now

	if n.agentID != "" {
		r.state.AgentID = n.agentID
	}
	if n.customerID != "" {
		r.state.CustomerID = n.customerID
	}
	if n.speaker != "" {
		r.state.LastSpeaker = n.speaker
	}
	if n.text != "" {
		r.state.LastText = truncateRunes(n.text, maxTextRunes)
	}
	if n.sentiment != nil {
		prev := r.state.SentimentScore
		r.state.SentimentScore = roundTo(prev*0.72+*n.sentiment*0.28, 3)
	}

	merged := make(map[string]any, len(r.state.Metadata)+len(n.metadata))
	for k, v := range r.state.Metadata {
		merged[k] = v
	}
	for k, v := range n.metadata {
		merged[k] = v
	}
	r.state.Metadata = merged
}

// Engine evaluates ingested realtime events against per-call state, raises
// supervisor alerts, maintains the live risk score, and publishes both onto
// the event bus for SSE subscribers. Safe for concurrent use.
type Engine struct {
	cfg      config.ScoringConfig
	clock    clock.Clock
	bus      *eventbus.Bus
	metrics  *observe.Metrics
	keywords []string

	mu         sync.Mutex
	calls      map[string]*record
	alertIndex map[int64]string

	nextEventID atomic.Int64
	nextAlertID atomic.Int64
}

// New builds an [Engine]. metrics may be nil to disable metric recording;
// clk defaults to [clock.Real] when nil.
func New(cfg config.ScoringConfig, bus *eventbus.Bus, metrics *observe.Metrics, clk clock.Clock) *Engine {
	if clk == nil {
		clk = clock.Real
	}
	keywords := make([]string, 0, len(cfg.SupervisorKeywordTriggers))
	for _, k := range cfg.SupervisorKeywordTriggers {
		k = strings.ToLower(strings.TrimSpace(k))
		if k != "" {
			keywords = append(keywords, k)
		}
	}
	return &Engine{
		cfg:        cfg,
		clock:      clk,
		bus:        bus,
		metrics:    metrics,
		keywords:   keywords,
		calls:      make(map[string]*record),
		alertIndex: make(map[int64]string),
	}
}

func (e *Engine) recordFor(callID string) *record {
	e.mu.Lock()
	defer e.mu.Unlock()
	rec, ok := e.calls[callID]
	if !ok {
		rec = &record{lastAlertAt: make(map[string]time.Time)}
		e.calls[callID] = rec
	}
	return rec
}

func (e *Engine) indexAlert(callID string, alertID int64) {
	e.mu.Lock()
	e.alertIndex[alertID] = callID
	e.mu.Unlock()
}

// Ingest normalizes raw, upserts the referenced call's state, evaluates
// supervisor alerts, updates the risk score, and publishes the resulting
// event and any alerts onto the event bus.
func (e *Engine) Ingest(ctx context.Context, raw map[string]any) (*Result, error) {
	now := e.clock.Now()
	n, err := normalize(raw, now)
	if err != nil {
		return nil, err
	}

	rec := e.recordFor(n.callID)
	rec.mu.Lock()
	defer rec.mu.Unlock()

	rec.upsert(n, now)

	ev := Event{
		ID:         e.nextEventID.Add(1),
		Type:       n.eventType,
		Speaker:    n.speaker,
		Text:       n.text,
		Sentiment:  n.sentiment,
		Confidence: n.confidence,
		OccurredAt: n.occurredAt,
		Metadata:   n.metadata,
	}
	rec.appendEvent(ev)

	alerts := e.evaluateAlerts(rec, ev, now)

	snap := rec.snapshot()
	result := &Result{
		CallID:         rec.state.CallID,
		RiskScore:      rec.state.RiskScore,
		SentimentScore: rec.state.SentimentScore,
		Alerts:         alerts,
		Snapshot:       snap,
		Event:          ev,
	}

	e.publish(rec.state, ev, alerts)

	if e.metrics != nil {
		e.metrics.RecordForwardedEvent(ctx)
		e.metrics.RiskScore.Record(ctx, rec.state.RiskScore)
		for _, a := range alerts {
			e.metrics.RecordAlert(ctx, a.Type, a.Severity)
		}
	}

	slog.Info("realtime event ingested",
		"call_id", rec.state.CallID,
		"event_type", ev.Type,
		"alerts", len(alerts),
		"risk_score", rec.state.RiskScore,
	)

	return result, nil
}

func (e *Engine) publish(state CallState, ev Event, alerts []Alert) {
	if e.bus == nil {
		return
	}
	_ = e.bus.Publish(map[string]any{
		"type":            "realtime_event",
		"call_id":         state.CallID,
		"provider":        state.Provider,
		"status":          state.Status,
		"event":           ev,
		"risk_score":      state.RiskScore,
		"sentiment_score": state.SentimentScore,
	})
	for _, a := range alerts {
		_ = e.bus.Publish(map[string]any{
			"type":       "supervisor_alert",
			"call_id":    state.CallID,
			"provider":   state.Provider,
			"risk_score": state.RiskScore,
			"alert":      a,
		})
	}
}

// evaluateAlerts runs the negative-sentiment, escalation-keyword, and
// dead-air rules (each gated by its own cooldown), updates the risk score
// from the alerts that survived cooldown, then separately evaluates the
// high-risk-score rule against the freshly updated score.
func (e *Engine) evaluateAlerts(rec *record, ev Event, now time.Time) []Alert {
	var alerts []Alert
	text := strings.ToLower(ev.Text)
	threshold := e.cfg.NegativeSentimentThreshold

	var keywordHits []string
	for _, kw := range e.keywords {
		if strings.Contains(text, kw) {
			keywordHits = append(keywordHits, kw)
		}
	}
	deadAir := extractDeadAirSeconds(ev.Metadata)

	if ev.Sentiment != nil && *ev.Sentiment <= threshold {
		severity := "medium"
		if *ev.Sentiment <= threshold-negSentimentSeverityGap {
			severity = "high"
		}
		message := fmt.Sprintf("Negative sentiment detected (%.2f) in live call.", *ev.Sentiment)
		if a := e.createAlert(rec, now, "negative_sentiment", severity, message, map[string]any{
			"sentiment": *ev.Sentiment,
			"threshold": threshold,
			"event_id":  ev.ID,
		}); a != nil {
			alerts = append(alerts, *a)
		}
	}

	if len(keywordHits) > 0 {
		severity := "medium"
		for _, h := range keywordHits {
			if h == "supervisor" || h == "lawyer" || h == "legal" {
				severity = "high"
				break
			}
		}
		shown := keywordHits
		if len(shown) > 4 {
			shown = shown[:4]
		}
		message := "Escalation keywords detected: " + strings.Join(shown, ", ")
		if a := e.createAlert(rec, now, "escalation_keyword", severity, message, map[string]any{
			"keywords": keywordHits,
			"event_id": ev.ID,
		}); a != nil {
			alerts = append(alerts, *a)
		}
	}

	if deadAir != nil && *deadAir >= 20 {
		severity := "medium"
		if *deadAir >= 35 {
			severity = "high"
		}
		message := fmt.Sprintf("Extended dead air detected (%.1fs).", *deadAir)
		if a := e.createAlert(rec, now, "dead_air", severity, message, map[string]any{
			"dead_air_seconds": *deadAir,
			"event_id":         ev.ID,
		}); a != nil {
			alerts = append(alerts, *a)
		}
	}

	severityHits := make([]string, 0, len(alerts))
	for _, a := range alerts {
		severityHits = append(severityHits, a.Severity)
	}
	e.updateRiskScore(rec, ev.Sentiment, len(keywordHits) > 0, deadAir, severityHits, now)

	if rec.state.RiskScore >= e.cfg.HighRiskThreshold && e.canEmitAlert(rec, "high_risk_score", now) {
		message := fmt.Sprintf("Live risk score crossed threshold (%.2f).", rec.state.RiskScore)
		a := e.newAlert(rec.state.CallID, now, "high_risk_score", "critical", message, map[string]any{
			"risk_score": rec.state.RiskScore,
			"threshold":  e.cfg.HighRiskThreshold,
			"event_id":   ev.ID,
		})
		rec.lastAlertAt["high_risk_score"] = now
		rec.appendAlert(a)
		alerts = append(alerts, a)
	}

	return alerts
}

func (e *Engine) createAlert(rec *record, now time.Time, alertType, severity, message string, metadata map[string]any) *Alert {
	if !e.canEmitAlert(rec, alertType, now) {
		return nil
	}
	a := e.newAlert(rec.state.CallID, now, alertType, severity, message, metadata)
	rec.lastAlertAt[alertType] = now
	rec.appendAlert(a)
	return &a
}

func (e *Engine) newAlert(callID string, now time.Time, alertType, severity, message string, metadata map[string]any) Alert {
	id := e.nextAlertID.Add(1)
	e.indexAlert(callID, id)
	return Alert{
		ID:        id,
		CallID:    callID,
		Type:      alertType,
		Severity:  severity,
		Message:   message,
		CreatedAt: now,
		Metadata:  metadata,
	}
}

// canEmitAlert reports whether alertType has not already fired for rec
// within the configured cooldown window (floored at 5 seconds).
func (e *Engine) canEmitAlert(rec *record, alertType string, now time.Time) bool {
	cooldown := e.cfg.AlertCooldownSeconds
	if cooldown < 5 {
		cooldown = 5
	}
	last, ok := rec.lastAlertAt[alertType]
	if !ok {
		return true
	}
	return now.Sub(last) > time.Duration(cooldown)*time.Second
}

// updateRiskScore applies exponential decay plus additive terms for each
// signal present in this event, using only the severities of alerts that
// survived their cooldown, then clamps to [0,1].
func (e *Engine) updateRiskScore(rec *record, sentiment *float64, keywordHit bool, deadAir *float64, severityHits []string, now time.Time) {
	score := rec.state.RiskScore * riskDecay

	if sentiment != nil && *sentiment < 0 {
		score += math.Min(negSentimentCap, math.Abs(*sentiment)*negSentimentCoeff)
	}
	if keywordHit {
		score += keywordRiskBonus
	}
	if deadAir != nil {
		score += math.Min(deadAirCap, math.Max(0, *deadAir-deadAirFloorSeconds)/deadAirDivisor)
	}

	hasHigh, hasCritical := false, false
	for _, s := range severityHits {
		switch s {
		case "high":
			hasHigh = true
		case "critical":
			hasCritical = true
		}
	}
	if hasHigh {
		score += highSeverityBonus
	}
	if hasCritical {
		score += criticalSeverityBonus
	}

	switch rec.state.Status {
	case "ended", "completed", "closed":
		score *= riskTerminalDecay
	}

	rec.state.RiskScore = roundTo(math.Max(0, math.Min(1, score)), 2)
	rec.state.UpdatedAt = now
}

// Snapshot returns the current view of callID, or false if it has never
// been seen.
func (e *Engine) Snapshot(callID string) (Snapshot, bool) {
	e.mu.Lock()
	rec, ok := e.calls[callID]
	e.mu.Unlock()
	if !ok {
		return Snapshot{}, false
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	return rec.snapshot(), true
}

// AckAlert marks alertID acknowledged and, if that changed its state,
// publishes a supervisor_alert_ack event. Idempotent: acknowledging an
// already-acknowledged alert is a no-op that still returns it.
func (e *Engine) AckAlert(alertID int64) (*Alert, error) {
	e.mu.Lock()
	callID, ok := e.alertIndex[alertID]
	var rec *record
	if ok {
		rec = e.calls[callID]
	}
	e.mu.Unlock()
	if !ok || rec == nil {
		return nil, ErrAlertNotFound
	}

	rec.mu.Lock()
	var found *Alert
	changed := false
	for i := range rec.alerts {
		if rec.alerts[i].ID != alertID {
			continue
		}
		if !rec.alerts[i].Acknowledged {
			rec.alerts[i].Acknowledged = true
			ackAt := e.clock.Now()
			rec.alerts[i].AcknowledgedAt = &ackAt
			changed = true
		}
		a := rec.alerts[i]
		found = &a
		break
	}
	publishCallID := rec.state.CallID
	rec.mu.Unlock()

	if found == nil {
		return nil, ErrAlertNotFound
	}
	if changed && e.bus != nil {
		_ = e.bus.Publish(map[string]any{
			"type":    "supervisor_alert_ack",
			"call_id": publishCallID,
			"alert":   *found,
		})
	}
	return found, nil
}

func normalize(raw map[string]any, now time.Time) (normalizedPayload, error) {
	if raw == nil {
		return normalizedPayload{}, ErrInvalidPayload
	}

	callID := extractCallID(raw)
	if callID == "" {
		return normalizedPayload{}, ErrMissingCallID
	}

	metadata := map[string]any{}
	if m, ok := raw["metadata"].(map[string]any); ok {
		for k, v := range m {
			metadata[k] = v
		}
	}
	if metrics, ok := raw["metrics"].(map[string]any); ok {
		metadata["metrics"] = metrics
	}

	provider := strings.TrimSpace(stringField(raw, "provider"))
	if provider == "" {
		provider = "generic"
	}
	eventType := strings.ToLower(strings.TrimSpace(stringField(raw, "event_type")))
	if eventType == "" {
		eventType = "transcript"
	}

	text := strings.TrimSpace(stringField(raw, "text"))
	if text == "" {
		text = strings.TrimSpace(stringField(raw, "transcript"))
	}

	occurredRaw, ok := raw["timestamp"]
	if !ok || occurredRaw == nil {
		occurredRaw = raw["occurred_at"]
	}

	n := normalizedPayload{
		callID:     callID,
		provider:   provider,
		eventType:  eventType,
		speaker:    NormalizeSpeaker(stringField(raw, "speaker")),
		text:       text,
		sentiment:  clampSentiment(parseOptionalFloat(raw["sentiment"])),
		confidence: parseOptionalFloat(raw["confidence"]),
		status:     strings.ToLower(strings.TrimSpace(stringField(raw, "status"))),
		agentID:    strings.TrimSpace(stringField(raw, "agent_id")),
		customerID: strings.TrimSpace(stringField(raw, "customer_id")),
		occurredAt: parseOccurredAt(occurredRaw, now),
		metadata:   metadata,
	}
	return n, nil
}

// NormalizeSpeaker maps vendor-specific speaker/participant labels onto the
// two canonical roles the scoring model reasons about. Labels it does not
// recognize pass through lowercased and trimmed, so a new vendor label still
// shows up in a snapshot rather than being silently dropped.
func NormalizeSpeaker(raw string) string {
	s := strings.ToLower(strings.TrimSpace(raw))
	switch s {
	case "agent", "user", "acd", "internal":
		return "agent"
	case "customer", "external", "client", "caller":
		return "customer"
	default:
		return s
	}
}

func extractCallID(raw map[string]any) string {
	for _, key := range []string{"call_id", "conversation_id", "session_id"} {
		if v := strings.TrimSpace(stringField(raw, key)); v != "" {
			return v
		}
	}
	return ""
}

func stringField(raw map[string]any, key string) string {
	v, ok := raw[key]
	if !ok || v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprintf("%v", v)
}

// clampSentiment bounds a parsed sentiment value to [-1,1]; the gateway is
// a direct producer (unlike the Django ingest path this mirrors, which left
// the clamp to the connector's own _parse_sentiment) so out-of-range values
// posted straight to /ingest/events must still honor the data model.
func clampSentiment(f *float64) *float64 {
	if f == nil {
		return nil
	}
	v := *f
	switch {
	case v > 1:
		v = 1
	case v < -1:
		v = -1
	}
	return &v
}

func parseOptionalFloat(v any) *float64 {
	switch t := v.(type) {
	case float64:
		f := t
		return &f
	case float32:
		f := float64(t)
		return &f
	case int:
		f := float64(t)
		return &f
	case int64:
		f := float64(t)
		return &f
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(t), 64)
		if err != nil {
			return nil
		}
		return &f
	default:
		return nil
	}
}

func parseOccurredAt(v any, now time.Time) time.Time {
	switch t := v.(type) {
	case float64:
		sec := math.Trunc(t)
		nsec := (t - sec) * 1e9
		return time.Unix(int64(sec), int64(nsec)).UTC()
	case int:
		return time.Unix(int64(t), 0).UTC()
	case int64:
		return time.Unix(t, 0).UTC()
	case string:
		s := strings.TrimSpace(t)
		if s == "" {
			return now
		}
		s = strings.ReplaceAll(s, "Z", "+00:00")
		for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02T15:04:05", "2006-01-02 15:04:05"} {
			if parsed, err := time.Parse(layout, s); err == nil {
				return parsed.UTC()
			}
		}
		return now
	default:
		return now
	}
}

func extractDeadAirSeconds(metadata map[string]any) *float64 {
	if metadata == nil {
		return nil
	}
	sources := []map[string]any{metadata}
	if m, ok := metadata["metrics"].(map[string]any); ok {
		sources = append(sources, m)
	}
	for _, src := range sources {
		for _, key := range []string{"dead_air_seconds", "silence_seconds", "silence_duration"} {
			if v, ok := src[key]; ok {
				if f := parseOptionalFloat(v); f != nil {
					val := math.Max(0, *f)
					return &val
				}
			}
		}
	}
	return nil
}

func truncateRunes(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}

func roundTo(v float64, decimals int) float64 {
	pow := math.Pow(10, float64(decimals))
	return math.Round(v*pow) / pow
}
