// Package api exposes the verification service over HTTP.
package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/newtron-network/newtcheck/pkg/store"
	"github.com/newtron-network/newtcheck/pkg/util"
	"github.com/newtron-network/newtcheck/pkg/verify"
)

// Name is reported by the root endpoint.
const Name = "newtcheck verification API"

// Service is the orchestrator surface the API needs. *verify.Orchestrator
// implements it.
type Service interface {
	StartPrecheck(ctx context.Context, req verify.PrecheckRequest) (*verify.StartResult, error)
	StartPostcheck(ctx context.Context, batchID string, req verify.PostcheckRequest) (*verify.StartResult, error)
	GetBatchStatus(ctx context.Context, batchID string) (*verify.BatchStatusView, error)
	GetBatchDiff(ctx context.Context, batchID string) (*verify.DiffView, error)
	GetBatchOutputs(ctx context.Context, batchID string, f verify.OutputFilter) (*verify.OutputsView, error)
	ListChecks(ctx context.Context, f store.CheckFilter) (*verify.CheckPage, error)
	SearchBatches(ctx context.Context, username string) (*verify.BatchSearch, error)
	Events() *verify.Broker
}

// Server is the HTTP API server
type Server struct {
	svc      Service
	addr     string
	mux      *http.ServeMux
	upgrader websocket.Upgrader
	http     *http.Server

	stop     chan struct{}
	stopOnce sync.Once
}

// NewServer creates a new API server
func NewServer(svc Service, addr string) *Server {
	s := &Server{
		svc:  svc,
		addr: addr,
		mux:  http.NewServeMux(),
		stop: make(chan struct{}),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
	s.setupRoutes()
	s.http = &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

func (s *Server) setupRoutes() {
	s.mux.HandleFunc("GET /{$}", s.rootHandler())
	s.mux.HandleFunc("POST /api/v1/precheck", s.precheckHandler())
	s.mux.HandleFunc("POST /api/v1/postcheck/{batch_id}", s.postcheckHandler())
	s.mux.HandleFunc("GET /api/v1/batch/{batch_id}/status", s.statusHandler())
	s.mux.HandleFunc("GET /api/v1/batch/{batch_id}/diff", s.diffHandler())
	s.mux.HandleFunc("GET /api/v1/batch/{batch_id}/outputs", s.outputsHandler())
	s.mux.HandleFunc("GET /api/v1/batch/{batch_id}/events", s.eventsHandler())
	s.mux.HandleFunc("GET /api/v1/checks", s.listChecksHandler())
	s.mux.HandleFunc("GET /api/v1/batches/search", s.searchHandler())
}

// Handler returns the routed handler wrapped with request logging.
func (s *Server) Handler() http.Handler {
	return logRequests(s.mux)
}

// Start serves until Shutdown is called.
func (s *Server) Start() error {
	util.WithOperation("api").Infof("Listening on %s", s.addr)
	if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting requests, ends event streams and waits for
// in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	s.stopOnce.Do(func() { close(s.stop) })
	return s.http.Shutdown(ctx)
}

type statusRecorder struct {
	http.ResponseWriter
	code int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.code = code
	r.ResponseWriter.WriteHeader(code)
}

// Hijack lets the websocket upgrader take over a logged connection.
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	r.code = http.StatusSwitchingProtocols
	return h.Hijack()
}

func logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, code: http.StatusOK}
		next.ServeHTTP(rec, r)
		util.WithOperation("api").WithField("method", r.Method).WithField("status", rec.code).
			Debugf("%s (%v)", r.URL.Path, time.Since(start).Round(time.Microsecond))
	})
}

func writeJSON(w http.ResponseWriter, code int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(data)
}

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error           string   `json:"error"`
	InvalidCommands []string `json:"invalid_commands,omitempty"`
	Devices         []string `json:"devices,omitempty"`
}

func writeError(w http.ResponseWriter, code int, message string) {
	writeJSON(w, code, ErrorResponse{Error: message})
}

// writeServiceError maps service errors to status codes. Unexpected errors
// are logged and reported without detail.
func writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	var verr *util.ValidationError
	var cerr *util.ConflictError
	switch {
	case errors.As(err, &verr):
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: err.Error(), InvalidCommands: verr.InvalidCommands})
	case errors.As(err, &cerr):
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: err.Error(), Devices: cerr.Devices})
	case errors.Is(err, util.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, util.ErrClosed):
		writeError(w, http.StatusServiceUnavailable, "service is shutting down")
	default:
		util.WithOperation("api").WithField("path", r.URL.Path).Errorf("Request failed: %v", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}
