package ingest_test

import (
	"context"
	"testing"
	"time"

	"github.com/MrWong99/telemetryplane/internal/clock"
	"github.com/MrWong99/telemetryplane/internal/config"
	"github.com/MrWong99/telemetryplane/internal/eventbus"
	"github.com/MrWong99/telemetryplane/internal/ingest"
)

func testEngine(t *testing.T) (*ingest.Engine, *eventbus.Bus, *clock.Fake) {
	t.Helper()
	cfg := config.ScoringConfig{
		NegativeSentimentThreshold: -0.45,
		HighRiskThreshold:          0.72,
		AlertCooldownSeconds:       75,
		SupervisorKeywordTriggers:  []string{"supervisor", "manager", "lawyer", "legal"},
	}
	fake := clock.NewFake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	bus := eventbus.New()
	return ingest.New(cfg, bus, nil, fake), bus, fake
}

func TestIngest_RejectsMissingCallID(t *testing.T) {
	e, _, _ := testEngine(t)
	_, err := e.Ingest(context.Background(), map[string]any{"text": "hello"})
	if err != ingest.ErrMissingCallID {
		t.Errorf("err = %v, want ErrMissingCallID", err)
	}
}

func TestIngest_RejectsNilPayload(t *testing.T) {
	e, _, _ := testEngine(t)
	_, err := e.Ingest(context.Background(), nil)
	if err != ingest.ErrInvalidPayload {
		t.Errorf("err = %v, want ErrInvalidPayload", err)
	}
}

func TestIngest_ClampsOutOfRangeSentiment(t *testing.T) {
	e, _, _ := testEngine(t)
	res, err := e.Ingest(context.Background(), map[string]any{"call_id": "call-clamp-high", "sentiment": 5})
	if err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	if res.SentimentScore != 0.28 {
		t.Errorf("SentimentScore = %v, want 0.28 (clamped to 1, then smoothed from 0)", res.SentimentScore)
	}

	res, err = e.Ingest(context.Background(), map[string]any{"call_id": "call-clamp-low", "sentiment": -7})
	if err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	if res.SentimentScore != -0.28 {
		t.Errorf("SentimentScore = %v, want -0.28 (clamped to -1, then smoothed from 0)", res.SentimentScore)
	}
}

func TestIngest_HappyPathCreatesCallAndSmoothsSentiment(t *testing.T) {
	e, _, _ := testEngine(t)
	res, err := e.Ingest(context.Background(), map[string]any{
		"call_id":   "call-1",
		"text":      "Thanks for calling, how can I help?",
		"speaker":   "agent",
		"sentiment": 0.5,
	})
	if err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	if res.CallID != "call-1" {
		t.Errorf("CallID = %q", res.CallID)
	}
	if res.SentimentScore != 0.14 {
		t.Errorf("SentimentScore = %v, want 0.14 (first event is smoothed from a neutral 0: 0.28*0.5)", res.SentimentScore)
	}
	if len(res.Alerts) != 0 {
		t.Errorf("expected no alerts, got %v", res.Alerts)
	}
	if res.Snapshot.Status != "active" {
		t.Errorf("Status = %q, want active", res.Snapshot.Status)
	}
}

func TestIngest_SentimentSmoothingAppliesAcrossEvents(t *testing.T) {
	e, _, _ := testEngine(t)
	ctx := context.Background()
	if _, err := e.Ingest(ctx, map[string]any{"call_id": "call-2", "sentiment": 0.5}); err != nil {
		t.Fatalf("Ingest 1: %v", err)
	}
	res, err := e.Ingest(ctx, map[string]any{"call_id": "call-2", "sentiment": -0.2})
	if err != nil {
		t.Fatalf("Ingest 2: %v", err)
	}
	// The first event stores 0.28*0.5; the second smooths from there.
	want := (0.5*0.28)*0.72 + (-0.2)*0.28
	if d := res.SentimentScore - want; d > 0.001 || d < -0.001 {
		t.Errorf("SentimentScore = %v, want %v", res.SentimentScore, want)
	}
}

func TestIngest_NegativeSentimentRaisesAlert(t *testing.T) {
	e, _, _ := testEngine(t)
	res, err := e.Ingest(context.Background(), map[string]any{
		"call_id":   "call-3",
		"sentiment": -0.5,
	})
	if err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	if len(res.Alerts) != 1 || res.Alerts[0].Type != "negative_sentiment" {
		t.Fatalf("alerts = %+v, want one negative_sentiment alert", res.Alerts)
	}
	if res.Alerts[0].Severity != "medium" {
		t.Errorf("severity = %q, want medium (-0.5 <= -0.45 but not <= -0.65)", res.Alerts[0].Severity)
	}
	if res.RiskScore <= 0 {
		t.Errorf("risk score = %v, want > 0", res.RiskScore)
	}
}

func TestIngest_EscalationKeywordHighSeverity(t *testing.T) {
	e, _, _ := testEngine(t)
	res, err := e.Ingest(context.Background(), map[string]any{
		"call_id": "call-4",
		"text":    "I want to speak to a supervisor right now",
	})
	if err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	if len(res.Alerts) != 1 || res.Alerts[0].Type != "escalation_keyword" {
		t.Fatalf("alerts = %+v", res.Alerts)
	}
	if res.Alerts[0].Severity != "high" {
		t.Errorf("severity = %q, want high (supervisor is a high-severity keyword)", res.Alerts[0].Severity)
	}
	if res.RiskScore < 0.24 {
		t.Errorf("risk score = %v, want >= 0.24", res.RiskScore)
	}
}

func TestIngest_EscalationKeywordMediumSeverityForManager(t *testing.T) {
	e, _, _ := testEngine(t)
	res, err := e.Ingest(context.Background(), map[string]any{
		"call_id": "call-4b",
		"text":    "let me get my manager",
	})
	if err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	if len(res.Alerts) != 1 {
		t.Fatalf("alerts = %+v", res.Alerts)
	}
	if res.Alerts[0].Severity != "medium" {
		t.Errorf("severity = %q, want medium ('manager' is not a high-severity keyword)", res.Alerts[0].Severity)
	}
}

func TestIngest_DeadAirAlertFromMetadataMetrics(t *testing.T) {
	e, _, _ := testEngine(t)
	res, err := e.Ingest(context.Background(), map[string]any{
		"call_id": "call-5",
		"metadata": map[string]any{
			"metrics": map[string]any{"dead_air_seconds": 40},
		},
	})
	if err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	if len(res.Alerts) != 1 || res.Alerts[0].Type != "dead_air" {
		t.Fatalf("alerts = %+v", res.Alerts)
	}
	if res.Alerts[0].Severity != "high" {
		t.Errorf("severity = %q, want high (40s >= 35s)", res.Alerts[0].Severity)
	}
}

func TestIngest_AlertCooldownSuppressesDuplicate(t *testing.T) {
	e, _, fake := testEngine(t)
	ctx := context.Background()
	payload := map[string]any{"call_id": "call-6", "sentiment": -0.5}

	res1, err := e.Ingest(ctx, payload)
	if err != nil {
		t.Fatalf("Ingest 1: %v", err)
	}
	if len(res1.Alerts) != 1 {
		t.Fatalf("expected first alert to fire, got %v", res1.Alerts)
	}

	fake.Advance(10 * time.Second)
	res2, err := e.Ingest(ctx, payload)
	if err != nil {
		t.Fatalf("Ingest 2: %v", err)
	}
	if len(res2.Alerts) != 0 {
		t.Fatalf("expected cooldown to suppress repeat alert, got %v", res2.Alerts)
	}

	fake.Advance(80 * time.Second)
	res3, err := e.Ingest(ctx, payload)
	if err != nil {
		t.Fatalf("Ingest 3: %v", err)
	}
	if len(res3.Alerts) != 1 {
		t.Fatalf("expected alert after cooldown elapsed, got %v", res3.Alerts)
	}
}

func TestIngest_TerminalStatusDecaysRiskScore(t *testing.T) {
	e, _, _ := testEngine(t)
	ctx := context.Background()
	if _, err := e.Ingest(ctx, map[string]any{"call_id": "call-7", "sentiment": -0.9}); err != nil {
		t.Fatalf("Ingest 1: %v", err)
	}
	before, _ := e.Snapshot("call-7")

	res, err := e.Ingest(ctx, map[string]any{"call_id": "call-7", "status": "completed"})
	if err != nil {
		t.Fatalf("Ingest 2: %v", err)
	}
	if res.RiskScore >= before.RiskScore {
		t.Errorf("risk score after terminal status = %v, want less than %v", res.RiskScore, before.RiskScore)
	}
}

func TestIngest_UpsertOnlyOverwritesNonEmptyFields(t *testing.T) {
	e, _, _ := testEngine(t)
	ctx := context.Background()
	if _, err := e.Ingest(ctx, map[string]any{
		"call_id":  "call-8",
		"agent_id": "agent-1",
		"speaker":  "agent",
	}); err != nil {
		t.Fatalf("Ingest 1: %v", err)
	}

	res, err := e.Ingest(ctx, map[string]any{"call_id": "call-8", "text": "hi"})
	if err != nil {
		t.Fatalf("Ingest 2: %v", err)
	}
	if res.Snapshot.CallID != "call-8" {
		t.Fatalf("unexpected snapshot: %+v", res.Snapshot)
	}
}

func TestIngest_PublishesRealtimeEventToBus(t *testing.T) {
	e, bus, _ := testEngine(t)
	_, mbox := bus.Subscribe()

	if _, err := e.Ingest(context.Background(), map[string]any{"call_id": "call-9", "text": "hi"}); err != nil {
		t.Fatalf("Ingest: %v", err)
	}

	select {
	case msg := <-mbox:
		if msg == "" {
			t.Error("expected non-empty published message")
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for realtime_event publish")
	}
}

func TestAckAlert_MarksAcknowledgedOnce(t *testing.T) {
	e, _, _ := testEngine(t)
	res, err := e.Ingest(context.Background(), map[string]any{"call_id": "call-10", "sentiment": -0.9})
	if err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	if len(res.Alerts) == 0 {
		t.Fatalf("expected an alert to ack, got none")
	}
	alertID := res.Alerts[0].ID

	ack, err := e.AckAlert(alertID)
	if err != nil {
		t.Fatalf("AckAlert: %v", err)
	}
	if !ack.Acknowledged || ack.AcknowledgedAt == nil {
		t.Errorf("ack = %+v, want acknowledged", ack)
	}

	ack2, err := e.AckAlert(alertID)
	if err != nil {
		t.Fatalf("AckAlert (idempotent): %v", err)
	}
	if ack2.AcknowledgedAt == nil || !ack2.AcknowledgedAt.Equal(*ack.AcknowledgedAt) {
		t.Errorf("second ack should not move AcknowledgedAt: got %v, want %v", ack2.AcknowledgedAt, ack.AcknowledgedAt)
	}
}

func TestAckAlert_UnknownIDReturnsError(t *testing.T) {
	e, _, _ := testEngine(t)
	if _, err := e.AckAlert(999); err != ingest.ErrAlertNotFound {
		t.Errorf("err = %v, want ErrAlertNotFound", err)
	}
}

func round2(v float64) float64 {
	return float64(int(v*100+0.5)) / 100
}
