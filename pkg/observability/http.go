package observability

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// HealthPath is the liveness endpoint; it always answers 200 "ok".
const HealthPath = "/healthz"

// HealthServer serves liveness, Prometheus metrics and the recent event
// history over HTTP
type HealthServer struct {
	addr     string
	logger   *zap.Logger
	server   *http.Server
	listener net.Listener

	// cancel ends the request contexts of event watchers on Stop
	cancel context.CancelFunc
}

// NewHealthServer creates a new health server. events may be nil.
func NewHealthServer(addr string, events *EventStream, logger *zap.Logger) *HealthServer {
	ctx, cancel := context.WithCancel(context.Background())
	return &HealthServer{
		addr:   addr,
		logger: logger,
		cancel: cancel,
		server: &http.Server{
			Addr:              addr,
			Handler:           NewHealthHandler(events),
			ReadHeaderTimeout: 5 * time.Second,
			BaseContext:       func(net.Listener) context.Context { return ctx },
		},
	}
}

// NewHealthHandler builds the mux served by HealthServer
func NewHealthHandler(events *EventStream) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc(HealthPath, healthHandler)
	mux.Handle("/metrics", promhttp.Handler())
	if events != nil {
		mux.HandleFunc("/events", eventsHandler(events))
	}
	return mux
}

// Listen binds the server's address so bind errors surface at startup
func (hs *HealthServer) Listen() error {
	ln, err := net.Listen("tcp", hs.addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", hs.addr, err)
	}
	hs.listener = ln
	return nil
}

// Addr returns the bound address, or the configured one before Listen
func (hs *HealthServer) Addr() string {
	if hs.listener != nil {
		return hs.listener.Addr().String()
	}
	return hs.addr
}

// Serve blocks serving requests until Stop is called
func (hs *HealthServer) Serve() error {
	if hs.listener == nil {
		if err := hs.Listen(); err != nil {
			return err
		}
	}

	hs.logger.Info("Starting health server",
		zap.String("address", hs.Addr()),
	)

	if err := hs.server.Serve(hs.listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("health server failed: %w", err)
	}
	return nil
}

// Stop stops the health server gracefully
func (hs *HealthServer) Stop(ctx context.Context) error {
	hs.logger.Info("Stopping health server")
	hs.cancel()

	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := hs.server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("failed to shutdown health server: %w", err)
	}

	return nil
}

func healthHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

// eventsHandler serves the event history, or with ?watch=true streams new
// events as JSON lines until the client disconnects
func eventsHandler(events *EventStream) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("watch") == "true" {
			watchEvents(w, r, events)
			return
		}

		data, err := events.Export()
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(data)
	}
}

func watchEvents(w http.ResponseWriter, r *http.Request, events *EventStream) {
	ch := events.Watch()
	defer events.Unwatch(ch)

	rc := http.NewResponseController(w)
	w.Header().Set("Content-Type", "application/x-ndjson")
	w.WriteHeader(http.StatusOK)
	if err := rc.Flush(); err != nil {
		return
	}

	enc := json.NewEncoder(w)
	for {
		select {
		case <-r.Context().Done():
			return
		case event, ok := <-ch:
			if !ok {
				return
			}
			if err := enc.Encode(event); err != nil {
				return
			}
			if err := rc.Flush(); err != nil {
				return
			}
		}
	}
}
