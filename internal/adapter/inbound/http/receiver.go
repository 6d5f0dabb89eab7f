// Package http provides the HTTP inbound adapters: the per-channel listener
// source connector and the engine's admin transport.
package http

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/interlock-hie/interlock/internal/domain/channel"
	"github.com/interlock-hie/interlock/internal/domain/message"
)

// maxRequestBodySize caps inbound payloads.
const maxRequestBodySize = 10 * 1024 * 1024 // 10MB

// Dispatcher is the slice of the channel the receiver needs.
type Dispatcher interface {
	DispatchRawMessage(ctx context.Context, raw string, sourceMap map[string]any) (*message.Message, error)
	IsRespondAfterProcessing() bool
}

// ReceiverConfig configures one HTTP listener source.
type ReceiverConfig struct {
	Addr                string
	Path                string
	ResponseContentType string
}

// Receiver is the HTTP listener source connector: each POST body becomes one
// dispatched raw message, with request metadata carried in the source map.
type Receiver struct {
	cfg        ReceiverConfig
	dispatcher Dispatcher
	logger     *slog.Logger

	server *http.Server
	errCh  chan error
}

// NewReceiver creates an HTTP listener for the given channel.
func NewReceiver(cfg ReceiverConfig, dispatcher Dispatcher, logger *slog.Logger) *Receiver {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Path == "" {
		cfg.Path = "/"
	}
	if cfg.ResponseContentType == "" {
		cfg.ResponseContentType = "text/plain"
	}
	return &Receiver{
		cfg:        cfg,
		dispatcher: dispatcher,
		logger:     logger.With("listener", cfg.Addr),
	}
}

// Start begins accepting HTTP connections. It returns once the listener is
// up; serve errors surface on Stop.
func (r *Receiver) Start(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.HandleFunc(r.cfg.Path, r.handleDispatch)

	r.server = &http.Server{
		Addr:              r.cfg.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	r.errCh = make(chan error, 1)

	go func() {
		r.logger.Info("http listener starting")
		if err := r.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			r.errCh <- err
		}
		close(r.errCh)
	}()
	return nil
}

// Stop shuts the listener down gracefully.
func (r *Receiver) Stop(ctx context.Context) error {
	if r.server == nil {
		return nil
	}
	shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := r.server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown listener: %w", err)
	}
	if err, ok := <-r.errCh; ok && err != nil {
		return err
	}
	return nil
}

// handleDispatch reads the body and dispatches it into the channel. When the
// channel responds after processing, the reply reflects the pipeline
// outcome; in queued mode the reply acknowledges receipt.
func (r *Receiver) handleDispatch(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost && req.Method != http.MethodPut {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	body, err := io.ReadAll(io.LimitReader(req.Body, maxRequestBodySize))
	if err != nil {
		http.Error(w, "read body failed", http.StatusBadRequest)
		return
	}

	sourceMap := map[string]any{
		"remoteAddress": req.RemoteAddr,
		"method":        req.Method,
		"uri":           req.RequestURI,
		"contentType":   req.Header.Get("Content-Type"),
	}
	for k := range req.Header {
		sourceMap["header."+k] = req.Header.Get(k)
	}

	msg, err := r.dispatcher.DispatchRawMessage(req.Context(), string(body), sourceMap)
	if err != nil {
		r.logger.Error("dispatch failed", "error", err)
		http.Error(w, "dispatch failed", http.StatusServiceUnavailable)
		return
	}

	w.Header().Set("Content-Type", r.cfg.ResponseContentType)
	if !r.dispatcher.IsRespondAfterProcessing() {
		w.WriteHeader(http.StatusAccepted)
		fmt.Fprintf(w, "received message %d", msg.MessageID)
		return
	}

	source := msg.Source()
	switch source.Status {
	case message.Error:
		w.WriteHeader(http.StatusInternalServerError)
		if detail, ok := source.GetContent(message.ContentProcessingError); ok {
			_, _ = io.WriteString(w, detail)
		}
	default:
		w.WriteHeader(http.StatusOK)
		if resp, ok := source.GetContent(message.ContentEncoded); ok {
			_, _ = io.WriteString(w, resp)
		}
	}
}

// Compile-time interface verification.
var _ channel.SourceAdapter = (*Receiver)(nil)
