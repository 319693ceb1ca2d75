package audiohook

import "testing"

func TestParseAudioHeaders_SplitsHeaderAndAudio(t *testing.T) {
	payload := append([]byte("seq: 1\r\n\r\n"), 0xAA, 0xBB)
	headers, audio := parseAudioHeaders(payload)
	if headers["seq"] != float64(1) {
		t.Errorf("headers[seq] = %v, want 1", headers["seq"])
	}
	if string(audio) != string([]byte{0xAA, 0xBB}) {
		t.Errorf("audio = %v, want AA BB", audio)
	}
}

func TestParseAudioHeaders_NoDelimiterReturnsBareAudio(t *testing.T) {
	payload := []byte{0x01, 0x02, 0x03}
	headers, audio := parseAudioHeaders(payload)
	if headers != nil {
		t.Errorf("headers = %v, want nil", headers)
	}
	if string(audio) != string(payload) {
		t.Errorf("audio = %v, want %v", audio, payload)
	}
}

func TestExtractMediaDetails_ChannelArrayWithLabels(t *testing.T) {
	media := map[string]any{
		"format":   "PCMU",
		"rate":     float64(8000),
		"channels": []any{"external", "internal"},
	}
	d := extractMediaDetails(media)
	if d.format != "PCMU" || d.sampleRate != 8000 || d.channels != 2 {
		t.Fatalf("got %+v", d)
	}
	if len(d.channelLabels) != 2 || d.channelLabels[0] != "external" {
		t.Errorf("channelLabels = %v", d.channelLabels)
	}
}

func TestDefaultChannelLabels(t *testing.T) {
	if got := defaultChannelLabels(1); len(got) != 1 {
		t.Errorf("mono labels = %v", got)
	}
	if got := defaultChannelLabels(2); len(got) != 2 || got[0] != "external" {
		t.Errorf("stereo labels = %v", got)
	}
}

func TestExtractCallID_PrefersParameters(t *testing.T) {
	params := map[string]any{"conversationId": "abc-123"}
	got := extractCallID(map[string]any{}, params, "", "fallback")
	if got != "abc-123" {
		t.Errorf("got %q, want abc-123", got)
	}
}

func TestExtractCallID_FallsBackToQueryString(t *testing.T) {
	got := extractCallID(map[string]any{}, map[string]any{}, "call_id=from-query", "fallback")
	if got != "from-query" {
		t.Errorf("got %q, want from-query", got)
	}
}

func TestExtractCallID_FallsBackToDefault(t *testing.T) {
	got := extractCallID(map[string]any{}, map[string]any{}, "", "fallback")
	if got != "fallback" {
		t.Errorf("got %q, want fallback", got)
	}
}

func TestExtractEventText_DirectKey(t *testing.T) {
	got := extractEventText(map[string]any{"text": "hello"})
	if got != "hello" {
		t.Errorf("got %q, want hello", got)
	}
}

func TestExtractEventText_NestedEventsArray(t *testing.T) {
	params := map[string]any{
		"events": []any{
			map[string]any{"transcript": "nested text"},
		},
	}
	got := extractEventText(params)
	if got != "nested text" {
		t.Errorf("got %q, want nested text", got)
	}
}
