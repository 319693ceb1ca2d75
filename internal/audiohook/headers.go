package audiohook

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"strings"
)

// parseAudioHeaders splits an audio packet payload into its optional
// "key: value\r\n" header block and the raw audio bytes that follow. Packets
// with no header delimiter are treated as bare audio.
func parseAudioHeaders(payload []byte) (map[string]any, []byte) {
	delimiter := []byte("\r\n\r\n")
	delimiterSize := 4
	idx := bytes.Index(payload, delimiter)
	if idx < 0 {
		delimiter = []byte("\n\n")
		delimiterSize = 2
		idx = bytes.Index(payload, delimiter)
	}
	if idx < 0 {
		return nil, payload
	}

	headerBlob := payload[:idx]
	audio := payload[idx+delimiterSize:]
	headers := map[string]any{}

	for _, rawLine := range bytes.Split(headerBlob, []byte("\n")) {
		line := strings.TrimSpace(string(rawLine))
		if line == "" {
			continue
		}
		key, value, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		key = strings.ToLower(strings.TrimSpace(key))
		value = strings.TrimSpace(value)
		var decoded any
		if err := json.Unmarshal([]byte(value), &decoded); err == nil {
			headers[key] = decoded
		} else {
			headers[key] = value
		}
	}

	return headers, audio
}

// mediaDetails is the decoded form of an AudioHook "media" object.
type mediaDetails struct {
	format        string
	sampleRate    int
	channels      int
	channelLabels []string
}

// extractMediaDetails reads format/rate/channels out of a decoded "media"
// value, which may come from either an "open" command or an audio packet's
// header block.
func extractMediaDetails(media any) mediaDetails {
	m, ok := media.(map[string]any)
	if !ok {
		return mediaDetails{}
	}

	var d mediaDetails
	d.format = strings.ToUpper(strings.TrimSpace(stringOf(m["format"])))
	d.sampleRate = intOf(m["rate"])

	switch channels := m["channels"].(type) {
	case []any:
		for _, item := range channels {
			var label string
			switch v := item.(type) {
			case string:
				label = strings.TrimSpace(v)
			case map[string]any:
				label = strings.TrimSpace(stringOf(firstNonEmpty(v["name"], v["channel"])))
			}
			if label != "" {
				d.channelLabels = append(d.channelLabels, label)
			}
		}
		if len(d.channelLabels) > 0 {
			d.channels = len(d.channelLabels)
		} else {
			d.channels = len(channels)
		}
	case float64:
		d.channels = int(channels)
	}

	return d
}

func defaultChannelLabels(channels int) []string {
	switch {
	case channels <= 1:
		return []string{"mono"}
	case channels == 2:
		return []string{"external", "internal"}
	default:
		labels := make([]string, channels)
		for i := range labels {
			labels[i] = fmt.Sprintf("ch%d", i+1)
		}
		return labels
	}
}

// extractCallID resolves the conversation/call id for an "open" command,
// preferring explicit parameters, then top-level command fields, then the
// upgrade request's query string, and finally falling back to a
// connection-scoped synthetic id.
func extractCallID(command, parameters map[string]any, rawQuery string, fallback string) string {
	candidates := []any{
		parameters["conversationId"],
		parameters["conversation_id"],
		parameters["callId"],
		parameters["call_id"],
		parameters["id"],
		command["conversationId"],
		command["id"],
	}
	for _, c := range candidates {
		if v := strings.TrimSpace(stringOf(c)); v != "" {
			return v
		}
	}

	if query, err := url.ParseQuery(rawQuery); err == nil {
		for _, key := range []string{"conversationId", "conversation_id", "callId", "call_id", "id"} {
			if v := query.Get(key); strings.TrimSpace(v) != "" {
				return strings.TrimSpace(v)
			}
		}
	}

	return fallback
}

// extractEventText mines a best-effort transcript/message string out of an
// "event" command's parameters, including any nested "events" array.
func extractEventText(parameters map[string]any) string {
	directKeys := []string{"text", "transcript", "utteranceText", "message"}
	for _, key := range directKeys {
		if v := strings.TrimSpace(stringOf(parameters[key])); v != "" {
			return v
		}
	}

	events, _ := parameters["events"].([]any)
	for _, item := range events {
		m, ok := item.(map[string]any)
		if !ok {
			continue
		}
		for _, key := range directKeys {
			if v := strings.TrimSpace(stringOf(m[key])); v != "" {
				return v
			}
		}
		if nested, ok := m["parameters"].(map[string]any); ok {
			for _, key := range directKeys {
				if v := strings.TrimSpace(stringOf(nested[key])); v != "" {
					return v
				}
			}
		}
	}

	return ""
}

func stringOf(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	default:
		return fmt.Sprintf("%v", t)
	}
}

func intOf(v any) int {
	switch t := v.(type) {
	case float64:
		return int(t)
	case int:
		return t
	case string:
		n, err := strconv.Atoi(strings.TrimSpace(t))
		if err != nil {
			return 0
		}
		return n
	default:
		return 0
	}
}

func firstNonEmpty(values ...any) any {
	for _, v := range values {
		if s, ok := v.(string); ok && s != "" {
			return v
		}
	}
	return nil
}

func mapOf(v any) map[string]any {
	m, _ := v.(map[string]any)
	return m
}
