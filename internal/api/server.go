// Package api exposes the supervisor, the channel editor and pairing over
// HTTP. Every response is a JSON envelope carrying success and message.
package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/treykane/ostm/internal/doctor"
	"github.com/treykane/ostm/internal/events"
	"github.com/treykane/ostm/internal/forward"
	"github.com/treykane/ostm/internal/model"
	"github.com/treykane/ostm/internal/pairing"
)

// Supervisor is the tunnel lifecycle surface used by the handlers.
type Supervisor interface {
	Start(ctx context.Context, id string) (model.TunnelResult, error)
	Stop(ctx context.Context, id string) (model.TunnelResult, error)
	Restart(ctx context.Context, id string) (model.TunnelResult, error)
	StartAll(ctx context.Context) (model.Summary, error)
	StopAll(ctx context.Context) (model.Summary, error)
	RestartAll(ctx context.Context) (model.Summary, error)
	Status(ctx context.Context, id string) (model.StatusReport, error)
	SetBandwidth(ctx context.Context, id string, bw model.Bandwidth) (model.TunnelResult, bool, error)
}

// Editor adds and removes channels.
type Editor interface {
	AddChannel(ctx context.Context, id string, t model.ForwardType, spec model.ChannelSpec) (forward.Result, error)
	RemoveChannel(ctx context.Context, id string, t model.ForwardType, port int) (forward.Result, error)
}

// Pairer provisions and removes tunnels.
type Pairer interface {
	Pair(ctx context.Context, req pairing.PairRequest) (model.TunnelConfig, error)
	Unpair(ctx context.Context, req pairing.UnpairRequest) error
}

// ConfigLoader loads one tunnel config.
type ConfigLoader interface {
	Load(id string) (model.TunnelConfig, error)
}

// Prober checks the reachability of a tunnel.
type Prober interface {
	CheckTunnel(ctx context.Context, cfg model.TunnelConfig) doctor.CheckReport
}

// EventReader reads the lifecycle journal.
type EventReader interface {
	Read(q events.Query) ([]events.Event, error)
}

// Deps are the collaborators served over HTTP.
type Deps struct {
	Supervisor Supervisor
	Editor     Editor
	Pairer     Pairer
	Configs    ConfigLoader
	Prober     Prober
	Events     EventReader
	// Gatherer backs /metrics; nil disables the endpoint.
	Gatherer     prometheus.Gatherer
	RedactErrors bool
}

// Server routes HTTP requests.
type Server struct {
	deps   Deps
	router *mux.Router
}

// NewServer builds the router.
func NewServer(d Deps) *Server {
	s := &Server{deps: d, router: mux.NewRouter()}
	s.routes()
	return s
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) routes() {
	r := s.router
	r.Use(logRequests)
	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusNotFound, envelope{Message: "route not found"})
	})
	r.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusMethodNotAllowed, envelope{Message: "method not allowed"})
	})

	api := r.PathPrefix("/api").Subrouter()
	t := api.PathPrefix("/tunnels").Subrouter()
	t.HandleFunc("/start", s.bulk(s.deps.Supervisor.StartAll)).Methods(http.MethodPost)
	t.HandleFunc("/start/{id}", s.single(s.deps.Supervisor.Start)).Methods(http.MethodPost)
	t.HandleFunc("/stop", s.bulk(s.deps.Supervisor.StopAll)).Methods(http.MethodPost)
	t.HandleFunc("/stop/{id}", s.single(s.deps.Supervisor.Stop)).Methods(http.MethodPost)
	t.HandleFunc("/restart", s.bulk(s.deps.Supervisor.RestartAll)).Methods(http.MethodPost)
	t.HandleFunc("/restart/{id}", s.single(s.deps.Supervisor.Restart)).Methods(http.MethodPost)
	t.HandleFunc("/status", s.status).Methods(http.MethodGet)
	t.HandleFunc("/status/{id}", s.status).Methods(http.MethodGet)
	t.HandleFunc("/{id}/bandwidth", s.setBandwidth).Methods(http.MethodPost)
	t.HandleFunc("/{id}/check", s.check).Methods(http.MethodGet)
	t.HandleFunc("/{id}/channels", s.addChannel).Methods(http.MethodPost)
	t.HandleFunc("/{id}/channels/{type}/{port}", s.removeChannel).Methods(http.MethodDelete)

	api.HandleFunc("/pairing", s.pair).Methods(http.MethodPost)
	api.HandleFunc("/pairing/{id}", s.unpair).Methods(http.MethodDelete)
	api.HandleFunc("/events", s.events).Methods(http.MethodGet)

	r.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, envelope{Success: true, Message: "ok"})
	}).Methods(http.MethodGet)
	if s.deps.Gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(s.deps.Gatherer, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	}
}

// ListenAndServe serves on addr until ctx is cancelled, then shuts down
// gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		slog.Info("http api listening", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()
	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		slog.Info("http api shutting down")
		return srv.Shutdown(shutdownCtx)
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, req)
		slog.Info("http request",
			"method", req.Method,
			"path", req.URL.Path,
			"status", rec.status,
			"duration_ms", time.Since(start).Milliseconds(),
		)
	})
}
