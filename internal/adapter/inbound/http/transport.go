package http

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/interlock-hie/interlock/internal/domain/channel"
	"github.com/interlock-hie/interlock/internal/domain/message"
)

// Engine is the slice of the engine service the admin transport reads from.
type Engine interface {
	ServerID() string
	Channels() []*channel.Channel
	Channel(id string) (*channel.Channel, bool)
	DispatchRaw(ctx context.Context, channelID, raw string, sourceMap map[string]any) (*message.Message, error)
}

// Transport is the admin HTTP listener: health, metrics and the channel API.
type Transport struct {
	engine   Engine
	addr     string
	logger   *slog.Logger
	registry *prometheus.Registry
	metrics  *Metrics
	server   *http.Server
	errCh    chan error
}

// Option is a functional option for configuring Transport.
type Option func(*Transport)

// WithAddr sets the listen address. Default is "127.0.0.1:8091".
func WithAddr(addr string) Option {
	return func(t *Transport) {
		t.addr = addr
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(t *Transport) {
		t.logger = logger
	}
}

// WithMetrics shares an externally created metrics set and its registry,
// typically so the engine can use the same set as its event sink.
func WithMetrics(registry *prometheus.Registry, metrics *Metrics) Option {
	return func(t *Transport) {
		t.registry = registry
		t.metrics = metrics
	}
}

// NewTransport creates the admin transport over the given engine.
func NewTransport(engine Engine, opts ...Option) *Transport {
	t := &Transport{
		engine: engine,
		addr:   "127.0.0.1:8091",
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Metrics returns the event sink once Start has registered it.
func (t *Transport) Metrics() *Metrics {
	return t.metrics
}

// Start brings the listener up. It returns once listening; serve errors
// surface on Stop.
func (t *Transport) Start(ctx context.Context) error {
	if t.registry == nil {
		t.registry = prometheus.NewRegistry()
		t.registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	}
	if t.metrics == nil {
		t.metrics = NewMetrics(t.registry)
	}
	reg := t.registry

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", t.handleHealth)
	mux.Handle("GET /metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	mux.HandleFunc("GET /api/channels", t.handleListChannels)
	mux.HandleFunc("GET /api/channels/{id}/stats", t.handleChannelStats)
	mux.HandleFunc("POST /api/channels/{id}/messages", t.handleDispatch)

	var handler http.Handler = mux
	handler = MetricsMiddleware(t.metrics)(handler)
	handler = RequestIDMiddleware(t.logger)(handler)

	t.server = &http.Server{
		Addr:              t.addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	t.errCh = make(chan error, 1)

	go func() {
		t.logger.Info("admin listener starting", "addr", t.addr)
		if err := t.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			t.errCh <- err
		}
		close(t.errCh)
	}()
	return nil
}

// Stop shuts the listener down gracefully.
func (t *Transport) Stop(ctx context.Context) error {
	if t.server == nil {
		return nil
	}
	shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := t.server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown admin listener: %w", err)
	}
	if err, ok := <-t.errCh; ok && err != nil {
		return err
	}
	return nil
}

// healthResponse is the JSON body of /healthz.
type healthResponse struct {
	Status   string            `json:"status"`
	ServerID string            `json:"server_id"`
	Channels map[string]string `json:"channels"`
}

func (t *Transport) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{
		Status:   "healthy",
		ServerID: t.engine.ServerID(),
		Channels: make(map[string]string),
	}
	for _, ch := range t.engine.Channels() {
		resp.Channels[ch.Name()] = ch.State().String()
	}
	writeJSON(w, http.StatusOK, resp)
}

// channelSummary is one row of the channel listing.
type channelSummary struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	State    string `json:"state"`
	Received int64  `json:"received"`
	Filtered int64  `json:"filtered"`
	Sent     int64  `json:"sent"`
	Errored  int64  `json:"errored"`
}

func (t *Transport) handleListChannels(w http.ResponseWriter, r *http.Request) {
	var out []channelSummary
	for _, ch := range t.engine.Channels() {
		stats := ch.GetStatistics()
		out = append(out, channelSummary{
			ID:       ch.ID(),
			Name:     ch.Name(),
			State:    ch.State().String(),
			Received: stats.Received,
			Filtered: stats.Filtered,
			Sent:     stats.Sent,
			Errored:  stats.Errored,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func (t *Transport) handleChannelStats(w http.ResponseWriter, r *http.Request) {
	ch, ok := t.engine.Channel(r.PathValue("id"))
	if !ok {
		http.Error(w, "unknown channel", http.StatusNotFound)
		return
	}
	type row struct {
		MetaDataID int   `json:"metadata_id"`
		Received   int64 `json:"received"`
		Filtered   int64 `json:"filtered"`
		Sent       int64 `json:"sent"`
		Errored    int64 `json:"errored"`
	}
	out := map[string]any{}
	agg := ch.GetStatistics()
	out["aggregate"] = row{MetaDataID: 0, Received: agg.Received, Filtered: agg.Filtered, Sent: agg.Sent, Errored: agg.Errored}
	var connectors []row
	for metaDataID := range ch.Destinations() {
		snap := ch.ConnectorStatistics(metaDataID)
		connectors = append(connectors, row{
			MetaDataID: metaDataID,
			Received:   snap.Received,
			Filtered:   snap.Filtered,
			Sent:       snap.Sent,
			Errored:    snap.Errored,
		})
	}
	out["connectors"] = connectors
	writeJSON(w, http.StatusOK, out)
}

func (t *Transport) handleDispatch(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBodySize))
	if err != nil {
		http.Error(w, "read body failed", http.StatusBadRequest)
		return
	}
	msg, err := t.engine.DispatchRaw(r.Context(), r.PathValue("id"), string(body), map[string]any{
		"remoteAddress": r.RemoteAddr,
		"via":           "admin-api",
	})
	if err != nil {
		if errors.Is(err, channel.ErrChannelStopped) {
			http.Error(w, "channel stopped", http.StatusConflict)
			return
		}
		t.logger.Error("admin dispatch failed", "error", err)
		http.Error(w, "dispatch failed", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"message_id": msg.MessageID,
		"status":     msg.Source().Status.String(),
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
