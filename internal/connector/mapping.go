package connector

import (
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/MrWong99/telemetryplane/internal/ingest"
)

var callIDInTopicRe = regexp.MustCompile(`(?i)conversations\.([a-f0-9-]{16,})`)

// flattenNotifications normalizes the several shapes a vendor push message
// can arrive in (a bare notification object, a list of them, or an envelope
// with a "notifications" array) into a flat slice.
func flattenNotifications(payload any) []map[string]any {
	switch v := payload.(type) {
	case []any:
		var out []map[string]any
		for _, item := range v {
			if m, ok := item.(map[string]any); ok {
				out = append(out, m)
			}
		}
		return out
	case map[string]any:
		if list, ok := v["notifications"].([]any); ok {
			var out []map[string]any
			for _, item := range list {
				if m, ok := item.(map[string]any); ok {
					out = append(out, m)
				}
			}
			return out
		}
		return []map[string]any{v}
	default:
		return nil
	}
}

// mapNotificationToPayloads turns one vendor notification into zero or more
// ingest-ready payloads, one per mined text record (transcript segment), so
// a notification carrying several utterances is not collapsed to one event.
func mapNotificationToPayloads(notification map[string]any) []map[string]any {
	topic := strings.TrimSpace(firstString(notification["topicName"], notification["topic"]))
	if topic == "" || strings.HasSuffix(topic, "channel.metadata") {
		return nil
	}

	eventBody, _ := notification["eventBody"].(map[string]any)
	if eventBody == nil {
		eventBody = map[string]any{}
	}

	callID := extractCallID(topic, eventBody)
	if callID == "" {
		return nil
	}

	eventType := extractEventType(topic, eventBody)
	status := extractStatus(eventType, eventBody)
	sentiment := extractSentiment(eventBody)
	confidence := extractConfidence(eventBody)
	occurredAt := extractOccurredAt(notification, eventBody)
	speaker := extractSpeaker(eventBody)
	agentID := extractAgentID(eventBody)
	customerID := extractCustomerID(eventBody)

	records := extractTextRecords(eventBody)
	if len(records) == 0 {
		records = []textRecord{{speaker: speaker, source: "topic_only"}}
	}
	if len(records) > 6 {
		records = records[:6]
	}

	eventKeys := make([]string, 0, len(eventBody))
	for k := range eventBody {
		eventKeys = append(eventKeys, k)
	}
	sort.Strings(eventKeys)
	if len(eventKeys) > 40 {
		eventKeys = eventKeys[:40]
	}

	payloads := make([]map[string]any, 0, len(records))
	for _, rec := range records {
		recordSpeaker := rec.speaker
		if recordSpeaker == "" {
			recordSpeaker = speaker
		}
		metadata := map[string]any{
			"genesys_topic":      topic,
			"genesys_source":     orDefault(rec.source, "event"),
			"genesys_event_keys": eventKeys,
		}
		for k, v := range extractMonitoringMetrics(eventBody) {
			metadata[k] = v
		}

		payload := map[string]any{
			"provider":    "genesys_cloud",
			"call_id":     callID,
			"event_type":  eventType,
			"speaker":     ingest.NormalizeSpeaker(recordSpeaker),
			"text":        rec.text,
			"status":      status,
			"occurred_at": occurredAt,
			"agent_id":    agentID,
			"customer_id": customerID,
			"metadata":    metadata,
		}
		if sentiment != nil {
			payload["sentiment"] = *sentiment
		}
		if confidence != nil {
			payload["confidence"] = *confidence
		}
		payloads = append(payloads, payload)
	}
	return payloads
}

func extractCallID(topic string, eventBody map[string]any) string {
	candidates := []any{
		eventBody["conversationId"],
		eventBody["conversation_id"],
		eventBody["id"],
	}
	if conv, ok := eventBody["conversation"].(map[string]any); ok {
		candidates = append(candidates, conv["id"], conv["conversationId"])
	}
	for _, v := range candidates {
		if s := strings.TrimSpace(toStr(v)); s != "" {
			return s
		}
	}
	if m := callIDInTopicRe.FindStringSubmatch(topic); m != nil {
		return m[1]
	}
	return ""
}

func extractEventType(topic string, eventBody map[string]any) string {
	explicit := strings.ToLower(strings.TrimSpace(firstString(eventBody["eventType"], eventBody["type"])))
	if explicit != "" {
		return explicit
	}
	parts := strings.Split(topic, ".")
	for i := len(parts) - 1; i >= 0; i-- {
		if parts[i] != "" {
			return strings.ToLower(parts[i])
		}
	}
	return "transcript"
}

func extractStatus(eventType string, eventBody map[string]any) string {
	raw := strings.ToLower(strings.TrimSpace(firstString(eventBody["status"], eventBody["state"], eventBody["conversationState"])))
	terminal := []string{"disconnect", "terminated", "ended", "complete", "closed"}
	if raw != "" {
		for _, tok := range terminal {
			if strings.Contains(raw, tok) {
				return "ended"
			}
		}
		return "active"
	}
	for _, tok := range []string{"disconnect", "terminate", "end", "complete"} {
		if strings.Contains(eventType, tok) {
			return "ended"
		}
	}
	return "active"
}

func extractOccurredAt(notification, eventBody map[string]any) any {
	for _, key := range []string{"eventTime", "timestamp", "eventDate", "createdDate", "startTime"} {
		if v, ok := eventBody[key]; ok && v != nil {
			return v
		}
	}
	if meta, ok := notification["metadata"].(map[string]any); ok {
		if v, ok := meta["messageTime"]; ok && v != nil {
			return v
		}
	}
	return nil
}

func extractSpeaker(eventBody map[string]any) string {
	for _, key := range []string{"speaker", "speakerType", "participantPurpose", "purpose", "role"} {
		if v := strings.ToLower(strings.TrimSpace(toStr(eventBody[key]))); v != "" {
			return ingest.NormalizeSpeaker(v)
		}
	}
	if participants, ok := eventBody["participants"].([]any); ok {
		for _, p := range participants {
			participant, ok := p.(map[string]any)
			if !ok {
				continue
			}
			purpose := firstString(participant["purpose"], participant["participantPurpose"])
			state := strings.ToLower(toStr(participant["state"]))
			if purpose == "" {
				continue
			}
			if state == "connected" || state == "alerting" {
				return ingest.NormalizeSpeaker(purpose)
			}
		}
	}
	return ""
}

func extractAgentID(eventBody map[string]any) string {
	for _, key := range []string{"agentId", "agent_id", "userId"} {
		if v := strings.TrimSpace(toStr(eventBody[key])); v != "" {
			return v
		}
	}
	if participants, ok := eventBody["participants"].([]any); ok {
		for _, p := range participants {
			participant, ok := p.(map[string]any)
			if !ok {
				continue
			}
			purpose := strings.ToLower(toStr(participant["purpose"]))
			if purpose != "agent" && purpose != "user" {
				continue
			}
			if v := strings.TrimSpace(firstString(participant["userId"], participant["id"])); v != "" {
				return v
			}
		}
	}
	return ""
}

func extractCustomerID(eventBody map[string]any) string {
	for _, key := range []string{"customerId", "externalContactId", "customer_id"} {
		if v := strings.TrimSpace(toStr(eventBody[key])); v != "" {
			return v
		}
	}
	if participants, ok := eventBody["participants"].([]any); ok {
		for _, p := range participants {
			participant, ok := p.(map[string]any)
			if !ok {
				continue
			}
			purpose := strings.ToLower(toStr(participant["purpose"]))
			if purpose != "customer" && purpose != "external" {
				continue
			}
			if v := strings.TrimSpace(firstString(participant["id"], participant["externalContactId"])); v != "" {
				return v
			}
		}
	}
	return ""
}

type textRecord struct {
	text    string
	speaker string
	source  string
}

// extractTextRecords mines transcript-bearing fields out of an event body,
// collecting the structured transcripts/utterances arrays first and then a
// handful of bare text-like fields, then dedupes case-insensitively.
func extractTextRecords(eventBody map[string]any) []textRecord {
	var records []textRecord

	if transcripts, ok := eventBody["transcripts"].([]any); ok {
		for _, item := range transcripts {
			entry, ok := item.(map[string]any)
			if !ok {
				continue
			}
			text := strings.TrimSpace(firstString(entry["text"], entry["transcript"], entry["utteranceText"]))
			if text == "" {
				continue
			}
			speaker := strings.TrimSpace(firstString(entry["speaker"], entry["participantPurpose"], entry["role"]))
			records = append(records, textRecord{text: text, speaker: ingest.NormalizeSpeaker(speaker), source: "transcripts"})
		}
	}

	if utterances, ok := eventBody["utterances"].([]any); ok {
		for _, item := range utterances {
			entry, ok := item.(map[string]any)
			if !ok {
				continue
			}
			text := strings.TrimSpace(firstString(entry["text"], entry["utteranceText"]))
			if text == "" {
				continue
			}
			speaker := strings.TrimSpace(firstString(entry["speaker"], entry["role"]))
			records = append(records, textRecord{text: text, speaker: ingest.NormalizeSpeaker(speaker), source: "utterances"})
		}
	}

	for _, key := range []string{"text", "transcript", "utteranceText", "message"} {
		switch v := eventBody[key].(type) {
		case string:
			if t := strings.TrimSpace(v); t != "" {
				records = append(records, textRecord{text: t, source: key})
			}
		case map[string]any:
			if t := strings.TrimSpace(firstString(v["text"], v["body"])); t != "" {
				records = append(records, textRecord{text: t, source: key})
			}
		}
	}

	seen := map[string]struct{}{}
	deduped := records[:0]
	for _, rec := range records {
		key := strings.ToLower(rec.text)
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		deduped = append(deduped, rec)
	}
	return deduped
}

func extractSentiment(eventBody map[string]any) *float64 {
	for _, v := range []any{eventBody["sentiment"], eventBody["sentimentScore"], eventBody["overallSentiment"], eventBody["sentiment_score"]} {
		if _, isMap := v.(map[string]any); isMap {
			continue
		}
		if f := parseSentiment(v); f != nil {
			return f
		}
	}
	if sentiment, ok := eventBody["sentiment"].(map[string]any); ok {
		for _, key := range []string{"score", "overall", "value"} {
			if f := parseSentiment(sentiment[key]); f != nil {
				return f
			}
		}
	}
	return nil
}

func extractConfidence(eventBody map[string]any) *float64 {
	candidates := []any{eventBody["confidence"], eventBody["confidenceScore"], eventBody["sentimentConfidence"]}
	if sentiment, ok := eventBody["sentiment"].(map[string]any); ok {
		candidates = append(candidates, sentiment["confidence"], sentiment["confidenceScore"])
	}
	for _, v := range candidates {
		f := parseFloat(v)
		if f == nil {
			continue
		}
		clamped := clamp(*f, 0, 1)
		return &clamped
	}
	return nil
}

func extractMonitoringMetrics(eventBody map[string]any) map[string]any {
	metrics := map[string]any{}
	silence := firstNonNil(eventBody["deadAirSeconds"], eventBody["silenceSeconds"], eventBody["dead_air_seconds"])
	if silence != nil {
		if f := parseFloat(silence); f != nil {
			metrics["metrics"] = map[string]any{"dead_air_seconds": clamp(*f, 0, 1e9)}
		}
	}
	return metrics
}

func parseFloat(v any) *float64 {
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

func parseSentiment(v any) *float64 {
	if f := parseFloat(v); f != nil {
		clamped := clamp(*f, -1, 1)
		return &clamped
	}
	switch strings.ToLower(strings.TrimSpace(toStr(v))) {
	case "negative", "neg":
		n := -0.7
		return &n
	case "neutral":
		z := 0.0
		return &z
	case "positive", "pos":
		p := 0.7
		return &p
	default:
		return nil
	}
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func toStr(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	default:
		return ""
	}
}

func firstString(values ...any) string {
	for _, v := range values {
		if s := toStr(v); s != "" {
			return s
		}
	}
	return ""
}

func firstNonNil(values ...any) any {
	for _, v := range values {
		if v != nil {
			return v
		}
	}
	return nil
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}
