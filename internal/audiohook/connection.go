package audiohook

import (
	"sync"
	"time"
)

// bufferCapFactor bounds per-connection buffered PCM to
// maxChunkDurationMS * bytesPerSecond * bufferCapFactor. A sink outage that
// outlasts this cap causes the oldest buffered audio to be dropped rather
// than stalling the websocket reader.
const bufferCapFactor = 8

// connection is the per-websocket-connection mutable state for one AudioHook
// session. All fields are guarded by mu; the server calls into connection
// methods from the single goroutine reading that connection's socket, so
// contention is limited to flush-timer races with the server's own code.
type connection struct {
	mu sync.Mutex

	id       string
	path     string
	rawQuery string

	openCommandID string
	callID        string
	sampleRate    int
	channels      int
	channelLabels []string
	mediaFormat   string
	opened        bool
	seqCounter    int

	audioBuffer      []byte
	audioPacketCount int
	rawAudioBytes    int
	lastFlush        time.Time
	openedAt         time.Time
	endEventEmitted  bool
}

func newConnection(id, path, rawQuery string, now time.Time) *connection {
	return &connection{
		id:          id,
		path:        path,
		rawQuery:    rawQuery,
		sampleRate:  8000,
		channels:    1,
		mediaFormat: "PCMU",
		lastFlush:   now,
		openedAt:    now,
	}
}

// bytesPerSecond returns the current canonical PCM S16LE byte rate.
func (c *connection) bytesPerSecond() int {
	bps := c.sampleRate * c.channels * 2
	if bps <= 0 {
		return 1
	}
	return bps
}

// appendDecoded appends decoded PCM to the buffer, dropping the oldest bytes
// above the backpressure cap so a stalled sink never blocks the reader.
func (c *connection) appendDecoded(decoded []byte, maxChunkDurationMS int) {
	c.audioBuffer = append(c.audioBuffer, decoded...)
	cap := (c.bytesPerSecond() * maxChunkDurationMS / 1000) * bufferCapFactor
	if cap > 0 && len(c.audioBuffer) > cap {
		c.audioBuffer = c.audioBuffer[len(c.audioBuffer)-cap:]
	}
}
