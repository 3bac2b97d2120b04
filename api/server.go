// Package api exposes the entry repository and the queue service over HTTP, and
// provides the matching client.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/kvinsights/kvinsights/entry"
	"github.com/kvinsights/kvinsights/queue"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/exp/slog"
)

const (
	DefaultHTTPRequestTimeout = 15 * time.Second

	maxRequestBodySize = 1 << 24
)

// ServerOptions contains the options for NewServer.
type ServerOptions struct {
	// Logger is the logger. If no logger is passed, then default slog.Default() is used.
	Logger *slog.Logger
	// RelayHub, if set, is mounted under /api/v1/relay so that the queue services of
	// other processes can use this server as their relay.
	RelayHub http.Handler
	// TracerProvider traces the requests. If it is nil the global provider is used.
	TracerProvider trace.TracerProvider
}

type Server struct {
	sync.Mutex

	// Dependencies.
	repository *entry.Repository
	queue      *queue.Service

	log    *slog.Logger
	opts   ServerOptions
	server *http.Server
}

// NewServer creates a new server for the entry repository and the queue service.
func NewServer(
	repository *entry.Repository,
	queueService *queue.Service,
	opts ServerOptions,
) *Server {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.TracerProvider == nil {
		opts.TracerProvider = otel.GetTracerProvider()
	}

	return &Server{
		repository: repository,
		queue:      queueService,
		log:        opts.Logger.With(slog.String("module", "APIServer")),
		opts:       opts,
	}
}

// Handler returns the HTTP handler serving the API.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/v1/entries", s.listEntries)
	mux.HandleFunc("PUT /api/v1/entries", s.saveEntry)
	mux.HandleFunc("GET /api/v1/entries/cursor/{cursor}", s.findEntryByCursor)
	mux.HandleFunc("POST /api/v1/entries/get", s.getEntry)
	mux.HandleFunc("POST /api/v1/entries/exists", s.entryExists)
	mux.HandleFunc("POST /api/v1/entries/delete", s.deleteEntry)
	mux.HandleFunc("POST /api/v1/publish", s.publish)
	mux.HandleFunc("GET /api/v1/subscribe", s.subscribe)
	if s.opts.RelayHub != nil {
		mux.Handle("GET /api/v1/relay", s.opts.RelayHub)
	}

	return otelhttp.NewHandler(mux, "kvinsights",
		otelhttp.WithTracerProvider(s.opts.TracerProvider),
		otelhttp.WithSpanNameFormatter(func(operation string, r *http.Request) string {
			return r.Method + " " + r.URL.Path
		}))
}

// Start starts the server and blocks until it is stopped.
func (s *Server) Start(port int) error {
	s.Lock()
	s.server = &http.Server{
		Addr:    fmt.Sprintf(":%d", port),
		Handler: s.Handler(),
	}
	server := s.server
	s.Unlock()

	s.log.Info("starting http server", slog.Int("port", port))
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Stop shuts the server down and detaches the queue service from its relay. The
// store is left open.
func (s *Server) Stop(ctx context.Context) error {
	s.log.Info("shutting down http server")
	s.Lock()
	server := s.server
	s.Unlock()

	if server != nil {
		if err := server.Shutdown(ctx); err != nil {
			return fmt.Errorf("failed to shut down http server: %w", err)
		}
	}
	s.log.Info("successfully shut down http server")

	if err := s.queue.Close(); err != nil {
		return fmt.Errorf("failed to close the queue service: %w", err)
	}
	return nil
}

func (s *Server) listEntries(w http.ResponseWriter, r *http.Request) {
	ctx, cc := getContextFromRequest(r)
	defer cc()

	var (
		query      = r.URL.Query()
		pagination = &entry.Pagination{After: query.Get("after")}
	)
	if first := query.Get("first"); first != "" {
		n, err := strconv.Atoi(first)
		if err != nil || n < 0 {
			s.writeError(w, newBadRequestError("invalid first: %q", first))
			return
		}
		pagination.First = n
	}
	if prefix := query.Get("prefix"); prefix != "" {
		if err := json.Unmarshal([]byte(prefix), &pagination.Prefix); err != nil {
			s.writeError(w, newBadRequestError("invalid prefix: %w", err))
			return
		}
	}

	// One more than requested tells whether there is a next page.
	requested := pagination.First
	if requested > 0 && requested < math.MaxInt {
		pagination.First++
	}
	entries, err := s.repository.FindAllEntries(ctx, pagination)
	if err != nil {
		s.writeError(w, err)
		return
	}

	resp := listEntriesResponse{
		Entries:  make([]entryJSON, 0, len(entries)),
		PageInfo: PageInfo{EndCursor: pagination.After},
	}
	if requested > 0 && len(entries) > requested {
		entries = entries[:requested]
		resp.PageInfo.HasNextPage = true
	}
	for _, e := range entries {
		encoded, err := newEntryJSON(e.Entry, e.Cursor)
		if err != nil {
			s.writeError(w, err)
			return
		}
		resp.Entries = append(resp.Entries, encoded)
	}
	if len(entries) > 0 {
		resp.PageInfo.EndCursor = entries[len(entries)-1].Cursor
	}

	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) findEntryByCursor(w http.ResponseWriter, r *http.Request) {
	ctx, cc := getContextFromRequest(r)
	defer cc()

	e, ok, err := s.repository.FindEntryByCursor(ctx, r.PathValue("cursor"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	if !ok {
		s.writeNotFound(w)
		return
	}

	encoded, err := newEntryJSON(e.Entry, e.Cursor)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, encoded)
}

func (s *Server) getEntry(w http.ResponseWriter, r *http.Request) {
	ctx, cc := getContextFromRequest(r)
	defer cc()

	var req keyRequest
	if err := readJSON(r, &req); err != nil {
		s.writeError(w, err)
		return
	}

	e, ok, err := s.repository.GetEntry(ctx, req.Key)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if !ok {
		s.writeNotFound(w)
		return
	}

	encoded, err := newEntryJSON(e, "")
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, encoded)
}

func (s *Server) saveEntry(w http.ResponseWriter, r *http.Request) {
	ctx, cc := getContextFromRequest(r)
	defer cc()

	var req saveEntryRequest
	if err := readJSON(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	if err := req.Key.Validate(); err != nil {
		s.writeError(w, newBadRequestError("invalid key: %w", err))
		return
	}
	value, err := decodeValue(req.Value)
	if err != nil {
		s.writeError(w, newBadRequestError("invalid value: %w", err))
		return
	}

	e, err := s.repository.SaveEntry(ctx, req.Key, value, req.Versionstamp)
	if err != nil {
		s.writeError(w, err)
		return
	}

	encoded, err := newEntryJSON(e, "")
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, encoded)
}

func (s *Server) entryExists(w http.ResponseWriter, r *http.Request) {
	ctx, cc := getContextFromRequest(r)
	defer cc()

	var req keyRequest
	if err := readJSON(r, &req); err != nil {
		s.writeError(w, err)
		return
	}

	exists, err := s.repository.EntryExists(ctx, req.Key)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, existsResponse{Exists: exists})
}

func (s *Server) deleteEntry(w http.ResponseWriter, r *http.Request) {
	ctx, cc := getContextFromRequest(r)
	defer cc()

	var req keyRequest
	if err := readJSON(r, &req); err != nil {
		s.writeError(w, err)
		return
	}

	if err := s.repository.DeleteEntry(ctx, req.Key); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) publish(w http.ResponseWriter, r *http.Request) {
	ctx, cc := getContextFromRequest(r)
	defer cc()

	var req publishRequest
	if err := readJSON(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	value, err := decodeValue(req.Value)
	if err != nil {
		s.writeError(w, newBadRequestError("invalid value: %w", err))
		return
	}

	if err := s.queue.Publish(ctx, value); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) writeJSON(w http.ResponseWriter, statusCode int, v any) {
	marshaled, err := json.Marshal(v)
	if err != nil {
		s.writeError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	w.Write(marshaled)
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	statusCode, resp := errorResponseFor(err)
	if statusCode >= http.StatusInternalServerError {
		s.log.Error("error handling request", slog.Int("statusCode", statusCode), slog.Any("error", err))
	}

	marshaled, marshalErr := json.Marshal(resp)
	if marshalErr != nil {
		http.Error(w, err.Error(), statusCode)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	w.Write(marshaled)
}

func (s *Server) writeNotFound(w http.ResponseWriter) {
	s.writeJSON(w, http.StatusNotFound, errorResponse{Kind: errKindNotFound, Message: "entry not found"})
}

func readJSON(r *http.Request, v any) error {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBodySize))
	if err != nil {
		return newBadRequestError("error reading request body: %w", err)
	}
	if err := json.Unmarshal(body, v); err != nil {
		return newBadRequestError("error decoding request body: %w", err)
	}
	return nil
}

func getContextFromRequest(r *http.Request) (context.Context, context.CancelFunc) {
	timeout := DefaultHTTPRequestTimeout

	if headerValue := r.Header.Get(HTTPHeaderTimeout); headerValue != "" {
		headerTimeout, err := time.ParseDuration(headerValue)
		if err == nil {
			timeout = headerTimeout
		}
	}

	return context.WithTimeout(r.Context(), timeout)
}
