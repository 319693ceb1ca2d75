// Package gateway exposes the HTTP/SSE surface that fronts the telemetry
// plane: a streaming subscription endpoint backed by the event bus, per-call
// snapshot and live-audio endpoints backed by the ingest engine and
// live-audio buffer, alert acknowledgement, health/readiness, a Prometheus
// scrape endpoint, and the token-gated ingest endpoints C6 and C7 forward
// their events and audio chunks to.
package gateway

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/semaphore"

	"github.com/MrWong99/telemetryplane/internal/clock"
	"github.com/MrWong99/telemetryplane/internal/config"
	"github.com/MrWong99/telemetryplane/internal/eventbus"
	"github.com/MrWong99/telemetryplane/internal/health"
	"github.com/MrWong99/telemetryplane/internal/ingest"
	"github.com/MrWong99/telemetryplane/internal/liveaudio"
	"github.com/MrWong99/telemetryplane/internal/observe"
)

// Gateway wires the event bus, ingest engine, and live-audio buffer to an
// HTTP handler. The zero value is not usable; use [New].
type Gateway struct {
	cfg     config.ServerConfig
	bus     *eventbus.Bus
	engine  *ingest.Engine
	audio   *liveaudio.Buffer
	metrics *observe.Metrics
	health  *health.Handler
	clock   clock.Clock

	// ingestSem bounds concurrent Ingest calls across /ingest/events and
	// /ingest/audio-chunk to cfg.WorkerConcurrency, so a burst of ingress
	// requests cannot stall behind an unbounded number of per-call mutex
	// waiters; each HTTP handler goroutine still runs independently, only
	// the blocking Ingest call itself is gated.
	ingestSem *semaphore.Weighted
}

// New builds a [Gateway]. healthHandler and metrics may be nil in tests
// that only exercise the stream/snapshot/audio/alert routes.
func New(cfg config.ServerConfig, bus *eventbus.Bus, engine *ingest.Engine, audio *liveaudio.Buffer, metrics *observe.Metrics, healthHandler *health.Handler, clk clock.Clock) *Gateway {
	if clk == nil {
		clk = clock.Real
	}
	workers := cfg.WorkerConcurrency
	if workers <= 0 {
		workers = 8
	}
	return &Gateway{
		cfg:       cfg,
		bus:       bus,
		engine:    engine,
		audio:     audio,
		metrics:   metrics,
		health:    healthHandler,
		clock:     clk,
		ingestSem: semaphore.NewWeighted(int64(workers)),
	}
}

// Handler builds the gateway's routed [http.Handler], wrapped in the
// request-logging/tracing/metrics middleware when metrics are configured.
func (g *Gateway) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /stream", g.handleStream)
	mux.HandleFunc("GET /calls/{id}/snapshot", g.handleSnapshot)
	mux.HandleFunc("GET /calls/{id}/audio.wav", g.handleAudioWAV)
	mux.HandleFunc("GET /calls/{id}/audio/meta", g.handleAudioMeta)
	mux.HandleFunc("POST /alerts/{id}/ack", g.handleAlertAck)
	mux.HandleFunc("POST /ingest/events", g.handleIngestEvent)
	mux.HandleFunc("POST /ingest/audio-chunk", g.handleIngestAudioChunk)
	mux.Handle("GET /metrics", promhttp.Handler())
	if g.health != nil {
		g.health.Register(mux)
	}

	if g.metrics != nil {
		return observe.Middleware(g.metrics)(mux)
	}
	return mux
}
