package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/turbolytics/observer/pkg/document"
	"github.com/turbolytics/observer/pkg/mirror"
	"github.com/turbolytics/observer/pkg/oplog"
)

const DefaultLimit = 100

type Option func(*Server)

func WithLogger(logger *zap.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

func WithObserver(o *oplog.Observer) Option {
	return func(s *Server) {
		s.observer = o
	}
}

func WithMirror(m *mirror.Mirror) Option {
	return func(s *Server) {
		s.mirror = m
	}
}

// WithRoutes mounts additional routes, e.g. archive or publisher stats.
func WithRoutes(fn func(r chi.Router)) Option {
	return func(s *Server) {
		s.extra = append(s.extra, fn)
	}
}

// Server exposes observer stats and the mirror contents over HTTP.
type Server struct {
	logger   *zap.Logger
	observer *oplog.Observer
	mirror   *mirror.Mirror
	extra    []func(r chi.Router)
}

type MirrorInfo struct {
	Namespace string       `json:"namespace"`
	State     mirror.State `json:"state"`
	Documents int          `json:"documents"`
	LoadedAt  time.Time    `json:"loaded_at,omitempty"`
}

type ObserverInfo struct {
	ID        string      `json:"id"`
	Namespace string      `json:"namespace,omitempty"`
	Stats     oplog.Stats `json:"stats"`
	Mirror    *MirrorInfo `json:"mirror,omitempty"`
}

type DocumentInfo struct {
	ID       json.RawMessage    `json:"id"`
	Document *document.Document `json:"document"`
}

func New(opts ...Option) *Server {
	s := &Server{
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Server) Routes() chi.Router {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/health", s.health)
	r.Get("/api/v1/observer", s.getObserver)
	r.Route("/api/v1/documents", func(r chi.Router) {
		r.Get("/", s.listDocuments)
		r.Get("/{id}", s.getDocument)
	})

	for _, fn := range s.extra {
		fn(r)
	}
	return r
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	status := http.StatusOK
	body := map[string]string{"status": "ok"}
	if s.mirror != nil && s.mirror.State() == mirror.StateError {
		status = http.StatusServiceUnavailable
		body["status"] = string(mirror.StateError)
	}
	writeJSON(w, status, body)
}

func (s *Server) getObserver(w http.ResponseWriter, r *http.Request) {
	var info ObserverInfo
	if s.observer != nil {
		info.ID = s.observer.ID
		info.Namespace = s.observer.Filter().Namespace
		info.Stats = s.observer.Stats()
	}
	if s.mirror != nil {
		info.Mirror = &MirrorInfo{
			Namespace: s.mirror.Namespace(),
			State:     s.mirror.State(),
			Documents: s.mirror.Len(),
			LoadedAt:  s.mirror.LoadedAt(),
		}
	}
	writeJSON(w, http.StatusOK, info)
}

func (s *Server) listDocuments(w http.ResponseWriter, r *http.Request) {
	if s.mirror == nil {
		http.Error(w, "no mirror configured", http.StatusNotFound)
		return
	}

	limit := DefaultLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			http.Error(w, "invalid limit", http.StatusBadRequest)
			return
		}
		limit = n
	}

	entries := s.mirror.Entries(limit)
	docs := make([]DocumentInfo, 0, len(entries))
	for _, e := range entries {
		info, err := toInfo(e)
		if err != nil {
			s.logger.Error("encoding document", zap.Error(err))
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		docs = append(docs, info)
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"documents": docs,
		"count":     len(docs),
		"total":     s.mirror.Len(),
	})
}

func (s *Server) getDocument(w http.ResponseWriter, r *http.Request) {
	if s.mirror == nil {
		http.Error(w, "no mirror configured", http.StatusNotFound)
		return
	}

	id := chi.URLParam(r, "id")
	e, ok := s.mirror.Lookup(id)
	if !ok {
		http.Error(w, "document not found", http.StatusNotFound)
		return
	}

	info, err := toInfo(e)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

func toInfo(e mirror.Entry) (DocumentInfo, error) {
	id, err := mirror.FormatID(e.ID)
	if err != nil {
		return DocumentInfo{}, err
	}
	return DocumentInfo{ID: json.RawMessage(id), Document: e.Document}, nil
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func (s *Server) Start(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:    addr,
		Handler: s.Routes(),
	}

	s.logger.Info("starting server", zap.String("addr", addr))

	go func() {
		<-ctx.Done()
		s.logger.Info("shutting down server")
		srv.Shutdown(context.Background())
	}()

	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
