// Package liveaudio maintains a rolling, per-call window of PCM audio on
// disk — one file per chunk, so the window survives a process restart —
// and renders it as a standards-compliant WAV file on demand.
package liveaudio

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/MrWong99/telemetryplane/internal/clock"
)

// ErrEmptyChunk is returned by [Buffer.AppendPCMChunk] for a zero-length
// payload.
var ErrEmptyChunk = errors.New("liveaudio: empty audio chunk")

// ErrChunkTooLarge is returned when a chunk exceeds the configured maximum.
var ErrChunkTooLarge = errors.New("liveaudio: audio chunk exceeds max size")

// ErrInvalidFormat is returned for a non-positive sample rate, channel
// count, or sample width.
var ErrInvalidFormat = errors.New("liveaudio: invalid audio format")

const (
	minWindowSeconds    = 30
	minMaxChunkBytes    = 8192
	defaultSampleWidth  = 2
	stateFileName       = "state.json"
)

var callIDSanitizer = regexp.MustCompile(`[^A-Za-z0-9_.-]`)

// Chunk is one persisted PCM segment.
type Chunk struct {
	ID         string    `json:"id"`
	File       string    `json:"file"`
	Samples    int       `json:"samples"`
	Bytes      int       `json:"bytes"`
	OccurredAt time.Time `json:"occurred_at"`
}

// callState is the on-disk state.json document for one call.
type callState struct {
	CallID        string    `json:"call_id"`
	WindowSeconds int       `json:"window_seconds"`
	SampleRate    int       `json:"sample_rate"`
	Channels      int       `json:"channels"`
	SampleWidth   int       `json:"sample_width"`
	Chunks        []Chunk   `json:"chunks"`
	TotalSamples  int       `json:"total_samples"`
	NextSeq       int       `json:"next_seq"`
	UpdatedAt     time.Time `json:"updated_at"`
	LastChunkID   string    `json:"last_chunk_id"`
}

// StateSummary is the externally-visible view of a call's buffer, returned
// by [Buffer.AppendPCMChunk] and [Buffer.GetState].
type StateSummary struct {
	CallID          string    `json:"call_id"`
	Available       bool      `json:"available"`
	DurationSeconds float64   `json:"duration_seconds"`
	SampleRate      int       `json:"sample_rate,omitempty"`
	Channels        int       `json:"channels,omitempty"`
	SampleWidth     int       `json:"sample_width,omitempty"`
	ChunkCount      int       `json:"chunk_count"`
	UpdatedAt       time.Time `json:"updated_at,omitempty"`
	LastChunkID     string    `json:"last_chunk_id"`
	WindowSeconds   int       `json:"window_seconds"`
}

// Buffer stores rolling PCM chunks per call and renders WAV output.
// Safe for concurrent use; locking is striped per sanitized call id so
// concurrent calls for different call ids do not block one another.
type Buffer struct {
	baseDir       string
	windowSeconds int
	maxChunkBytes int
	clock         clock.Clock

	stripesMu sync.Mutex
	stripes   map[string]*sync.Mutex
}

// New creates a [Buffer] rooted at baseDir. windowSeconds is clamped to a
// minimum of 30; maxChunkBytes is clamped to a minimum of 8192, matching
// the original service's defensive floors.
func New(baseDir string, windowSeconds, maxChunkBytes int, clk clock.Clock) (*Buffer, error) {
	if windowSeconds < minWindowSeconds {
		windowSeconds = minWindowSeconds
	}
	if maxChunkBytes < minMaxChunkBytes {
		maxChunkBytes = minMaxChunkBytes
	}
	if clk == nil {
		clk = clock.Real
	}
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, fmt.Errorf("liveaudio: create base dir: %w", err)
	}
	return &Buffer{
		baseDir:       baseDir,
		windowSeconds: windowSeconds,
		maxChunkBytes: maxChunkBytes,
		clock:         clk,
		stripes:       make(map[string]*sync.Mutex),
	}, nil
}

// lockFor returns the per-call-id mutex, creating it on first use.
func (b *Buffer) lockFor(safeCallID string) *sync.Mutex {
	b.stripesMu.Lock()
	defer b.stripesMu.Unlock()
	m, ok := b.stripes[safeCallID]
	if !ok {
		m = &sync.Mutex{}
		b.stripes[safeCallID] = m
	}
	return m
}

// AppendPCMChunkParams bundles AppendPCMChunk's inputs.
type AppendPCMChunkParams struct {
	CallID      string
	PCM         []byte
	SampleRate  int
	Channels    int
	SampleWidth int // defaults to 2 (S16LE) if zero
	ChunkID     string
	OccurredAt  time.Time // defaults to clock.Now() if zero
}

// AppendPCMChunk validates and persists one PCM chunk, evicting the oldest
// chunks once the rolling window is exceeded, and returns the resulting
// state summary.
//
// If the call already has chunks in a different (sample_rate, channels,
// sample_width) triple, the existing buffer is reset (all chunk files and
// state deleted) before the new chunk is accepted, per the format-change
// invariant.
func (b *Buffer) AppendPCMChunk(p AppendPCMChunkParams) (StateSummary, error) {
	if len(p.PCM) == 0 {
		return StateSummary{}, ErrEmptyChunk
	}
	if len(p.PCM) > b.maxChunkBytes {
		return StateSummary{}, ErrChunkTooLarge
	}
	if p.SampleRate <= 0 || p.Channels <= 0 {
		return StateSummary{}, ErrInvalidFormat
	}
	sampleWidth := p.SampleWidth
	if sampleWidth <= 0 {
		sampleWidth = defaultSampleWidth
	}

	safeCallID := SafeCallID(p.CallID)
	occurredAt := p.OccurredAt
	if occurredAt.IsZero() {
		occurredAt = b.clock.Now()
	}

	mu := b.lockFor(safeCallID)
	mu.Lock()
	defer mu.Unlock()

	callDir := filepath.Join(b.baseDir, safeCallID)
	if err := os.MkdirAll(callDir, 0o755); err != nil {
		return StateSummary{}, fmt.Errorf("liveaudio: create call dir: %w", err)
	}

	statePath := filepath.Join(callDir, stateFileName)
	state := b.loadState(statePath, p.CallID)

	if b.formatChanged(state, p.SampleRate, p.Channels, sampleWidth) {
		b.resetCallDir(callDir)
		state = b.newState(p.CallID, p.SampleRate, p.Channels, sampleWidth)
	}

	seq := state.NextSeq
	if seq == 0 {
		seq = 1
	}
	chunkID := strings.TrimSpace(p.ChunkID)
	if chunkID == "" {
		chunkID = fmt.Sprintf("%d_%d", occurredAt.UnixMilli(), seq)
	}
	chunkFile := fmt.Sprintf("%09d_%s.pcm", seq, chunkID)
	chunkPath := filepath.Join(callDir, chunkFile)
	if err := os.WriteFile(chunkPath, p.PCM, 0o644); err != nil {
		return StateSummary{}, fmt.Errorf("liveaudio: write chunk: %w", err)
	}

	bytesPerSample := p.Channels * sampleWidth
	sampleCount := len(p.PCM) / bytesPerSample
	if sampleCount < 1 {
		sampleCount = 1
	}
	chunk := Chunk{
		ID:         chunkID,
		File:       chunkFile,
		Samples:    sampleCount,
		Bytes:      len(p.PCM),
		OccurredAt: occurredAt,
	}
	state.Chunks = append(state.Chunks, chunk)

	maxSamples := b.windowSeconds * p.SampleRate
	totalSamples := state.TotalSamples + sampleCount
	for len(state.Chunks) > 1 && totalSamples > maxSamples {
		dropped := state.Chunks[0]
		state.Chunks = state.Chunks[1:]
		totalSamples -= dropped.Samples
		droppedPath := filepath.Join(callDir, dropped.File)
		if err := os.Remove(droppedPath); err != nil && !os.IsNotExist(err) {
			slog.Debug("liveaudio chunk cleanup failed", "path", droppedPath, "err", err)
		}
	}
	if totalSamples < 0 {
		totalSamples = 0
	}

	state.TotalSamples = totalSamples
	state.NextSeq = seq + 1
	state.SampleRate = p.SampleRate
	state.Channels = p.Channels
	state.SampleWidth = sampleWidth
	state.UpdatedAt = b.clock.Now()
	state.LastChunkID = chunkID

	if err := b.saveState(statePath, state); err != nil {
		return StateSummary{}, err
	}

	return b.summarize(p.CallID, &state), nil
}

// GetState returns the current state summary for call_id, or an
// unavailable summary if no chunks have ever been appended.
func (b *Buffer) GetState(callID string) StateSummary {
	safeCallID := SafeCallID(callID)
	mu := b.lockFor(safeCallID)
	mu.Lock()
	defer mu.Unlock()

	statePath := filepath.Join(b.baseDir, safeCallID, stateFileName)
	if _, err := os.Stat(statePath); err != nil {
		return b.summarize(callID, nil)
	}
	state := b.loadState(statePath, callID)
	return b.summarize(callID, &state)
}

// GetWAVBytes concatenates all persisted chunk files in order and renders
// them as a WAV file. If maxSeconds > 0, only the most recent maxSeconds
// worth of audio is included. Returns nil with no error if the call has no
// audio.
func (b *Buffer) GetWAVBytes(callID string, maxSeconds int) ([]byte, error) {
	safeCallID := SafeCallID(callID)
	mu := b.lockFor(safeCallID)
	mu.Lock()
	defer mu.Unlock()

	callDir := filepath.Join(b.baseDir, safeCallID)
	statePath := filepath.Join(callDir, stateFileName)
	if _, err := os.Stat(statePath); err != nil {
		return nil, nil
	}
	state := b.loadState(statePath, callID)
	if len(state.Chunks) == 0 {
		return nil, nil
	}
	if state.SampleRate <= 0 || state.Channels <= 0 || state.SampleWidth <= 0 {
		return nil, nil
	}

	var pcm []byte
	for _, chunk := range state.Chunks {
		if chunk.File == "" {
			continue
		}
		data, err := os.ReadFile(filepath.Join(callDir, chunk.File))
		if err != nil {
			slog.Debug("liveaudio chunk read failed", "file", chunk.File, "err", err)
			continue
		}
		pcm = append(pcm, data...)
	}
	if len(pcm) == 0 {
		return nil, nil
	}

	bytesPerSecond := state.SampleRate * state.Channels * state.SampleWidth
	if maxSeconds > 0 && bytesPerSecond > 0 {
		maxBytes := bytesPerSecond * maxSeconds
		if len(pcm) > maxBytes {
			pcm = pcm[len(pcm)-maxBytes:]
		}
	}

	return EncodeWAV(pcm, state.SampleRate, state.Channels, state.SampleWidth), nil
}

func (b *Buffer) formatChanged(state callState, sampleRate, channels, sampleWidth int) bool {
	if len(state.Chunks) == 0 {
		return false
	}
	return state.SampleRate != sampleRate || state.Channels != channels || state.SampleWidth != sampleWidth
}

func (b *Buffer) resetCallDir(callDir string) {
	entries, err := os.ReadDir(callDir)
	if err != nil {
		return
	}
	for _, entry := range entries {
		if strings.HasSuffix(entry.Name(), ".pcm") || entry.Name() == stateFileName {
			path := filepath.Join(callDir, entry.Name())
			if err := os.Remove(path); err != nil {
				slog.Debug("liveaudio reset cleanup failed", "path", path, "err", err)
			}
		}
	}
}

func (b *Buffer) loadState(statePath, callID string) callState {
	data, err := os.ReadFile(statePath)
	if err != nil {
		return b.newState(callID, 16000, 1, defaultSampleWidth)
	}
	var state callState
	if err := json.Unmarshal(data, &state); err != nil {
		return b.newState(callID, 16000, 1, defaultSampleWidth)
	}
	if state.SampleRate <= 0 || state.Channels <= 0 || state.SampleWidth <= 0 {
		return b.newState(callID, 16000, 1, defaultSampleWidth)
	}
	if state.CallID == "" {
		state.CallID = callID
	}
	if state.WindowSeconds == 0 {
		state.WindowSeconds = b.windowSeconds
	}
	if state.NextSeq == 0 {
		state.NextSeq = 1
	}
	return state
}

func (b *Buffer) newState(callID string, sampleRate, channels, sampleWidth int) callState {
	return callState{
		CallID:        callID,
		WindowSeconds: b.windowSeconds,
		SampleRate:    sampleRate,
		Channels:      channels,
		SampleWidth:   sampleWidth,
		Chunks:        nil,
		TotalSamples:  0,
		NextSeq:       1,
	}
}

func (b *Buffer) saveState(statePath string, state callState) error {
	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("liveaudio: marshal state: %w", err)
	}
	if err := os.WriteFile(statePath, data, 0o644); err != nil {
		return fmt.Errorf("liveaudio: write state: %w", err)
	}
	return nil
}

func (b *Buffer) summarize(callID string, state *callState) StateSummary {
	if state == nil {
		return StateSummary{
			CallID:        callID,
			Available:     false,
			WindowSeconds: b.windowSeconds,
		}
	}
	var duration float64
	if state.SampleRate > 0 {
		duration = roundTo(float64(state.TotalSamples)/float64(state.SampleRate), 3)
	}
	windowSeconds := state.WindowSeconds
	if windowSeconds == 0 {
		windowSeconds = b.windowSeconds
	}
	id := state.CallID
	if id == "" {
		id = callID
	}
	return StateSummary{
		CallID:          id,
		Available:       len(state.Chunks) > 0,
		DurationSeconds: duration,
		SampleRate:      state.SampleRate,
		Channels:        state.Channels,
		SampleWidth:     state.SampleWidth,
		ChunkCount:      len(state.Chunks),
		UpdatedAt:       state.UpdatedAt,
		LastChunkID:     state.LastChunkID,
		WindowSeconds:   windowSeconds,
	}
}

func roundTo(v float64, decimals int) float64 {
	pow := 1.0
	for i := 0; i < decimals; i++ {
		pow *= 10
	}
	return float64(int(v*pow+0.5)) / pow
}

// SafeCallID sanitizes a call id for use as a filesystem path component:
// characters outside [A-Za-z0-9_.-] become underscores, leading/trailing
// '.' and '_' are trimmed, the result is truncated to 96 characters, and
// an empty result defaults to "call".
func SafeCallID(callID string) string {
	cleaned := callIDSanitizer.ReplaceAllString(strings.TrimSpace(callID), "_")
	cleaned = strings.Trim(cleaned, "._")
	if len(cleaned) > 96 {
		cleaned = cleaned[:96]
	}
	if cleaned == "" {
		return "call"
	}
	return cleaned
}
