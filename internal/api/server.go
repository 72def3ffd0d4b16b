// Package api exposes the HTTP resource contract over a Coordinator: upload,
// list, metadata, source, and target retrieval. No business logic lives
// here beyond request parsing; everything else is delegated to the
// coordinator and store.
package api

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	json "github.com/goccy/go-json"
	"github.com/rs/zerolog"

	"github.com/speexx/guetzli-service/internal/apierr"
	"github.com/speexx/guetzli-service/internal/coordinator"
	"github.com/speexx/guetzli-service/internal/metadata"
)

// Store is the subset of *store.Store the list endpoint depends on.
type Store interface {
	ListContentIDs() ([]string, error)
}

// Server hosts the /image HTTP surface.
type Server struct {
	coord  *coordinator.Coordinator
	store  Store
	log    zerolog.Logger
	server *http.Server
	once   sync.Once
}

// New constructs a Server.
func New(coord *coordinator.Coordinator, st Store, log zerolog.Logger) *Server {
	return &Server{coord: coord, store: st, log: log}
}

// Run starts the HTTP server and blocks until ctx is cancelled, then shuts
// down gracefully.
func (s *Server) Run(ctx context.Context, addr string) error {
	s.once.Do(func() {
		mux := http.NewServeMux()
		mux.HandleFunc("POST /image", s.handleUpload)
		mux.HandleFunc("GET /image", s.handleList)
		mux.HandleFunc("GET /image/{id}/meta", s.handleMeta)
		mux.HandleFunc("GET /image/{id}/source", s.handleSource)
		mux.HandleFunc("GET /image/{id}/target", s.handleTarget)
		s.server = &http.Server{
			Addr:    addr,
			Handler: corsMiddleware(loggingMiddleware(mux, s.log)),
		}
	})

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.server.Shutdown(shutdownCtx)
	}()

	s.log.Info().Str("addr", addr).Msg("api: listening")
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	mime := r.Header.Get("Content-Type")
	name := r.Header.Get("X-Guetzli-Img-Name")

	body := http.MaxBytesReader(w, r.Body, r.ContentLength+1)
	id, err := s.coord.Submit(r.Context(), body, r.ContentLength, mime, name)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	w.Header().Set("Location", "/image/"+id+"/source")
	w.WriteHeader(http.StatusCreated)
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	ids, err := s.store.ListContentIDs()
	if err != nil {
		s.log.Error().Err(err).Msg("api: list content ids failed")
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	respondJSON(w, http.StatusOK, listResponse{IDs: ids})
}

func (s *Server) handleMeta(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	rec, err := s.coord.GetMeta(id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, toMetaResponse(rec))
}

func (s *Server) handleSource(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	rc, sourceType, err := s.coord.GetSource(id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	defer rc.Close()

	rec, err := s.coord.GetMeta(id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	w.Header().Set("Content-Type", sourceType.MimeType())
	if wantsDownload(r) {
		w.Header().Set("Content-Disposition", `attachment; filename="`+rec.SourceName+`"`)
	}
	w.WriteHeader(http.StatusOK)
	if _, err := io.Copy(w, rc); err != nil {
		s.log.Warn().Err(err).Str("content_id", id).Msg("api: write source body failed")
	}
}

func (s *Server) handleTarget(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	rc, err := s.coord.GetTarget(id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	defer rc.Close()

	w.Header().Set("Content-Type", "image/jpeg")
	if wantsDownload(r) {
		w.Header().Set("Content-Disposition", `attachment; filename="target.jpg"`)
	}
	w.WriteHeader(http.StatusOK)
	if _, err := io.Copy(w, rc); err != nil {
		s.log.Warn().Err(err).Str("content_id", id).Msg("api: write target body failed")
	}
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	if apiErr, ok := apierr.As(err); ok {
		switch apiErr.Kind {
		case apierr.KindTooLarge, apierr.KindUnsupportedType:
			http.Error(w, apiErr.Message, http.StatusBadRequest)
			return
		case apierr.KindNotFound:
			http.Error(w, apiErr.Message, http.StatusNotFound)
			return
		}
	}
	s.log.Error().Err(err).Str("path", r.URL.Path).Msg("api: request failed")
	http.Error(w, "internal error", http.StatusInternalServerError)
}

func wantsDownload(r *http.Request) bool {
	switch strings.ToLower(r.URL.Query().Get("download")) {
	case "yes", "true", "y", "t":
		return true
	default:
		return false
	}
}

type listResponse struct {
	IDs []string `json:"ids"`
}

type sourceMeta struct {
	Name         string `json:"name,omitempty"`
	Mime         string `json:"mime,omitempty"`
	QualityLevel int    `json:"qualitylevel,omitempty"`
	Size         int64  `json:"size,omitempty"`
}

type targetMeta struct {
	QualityLevel int   `json:"qualitylevel,omitempty"`
	Size         int64 `json:"size,omitempty"`
}

type metaResponse struct {
	ContentID string      `json:"contentId"`
	Status    string      `json:"status"`
	Source    sourceMeta  `json:"source"`
	Target    *targetMeta `json:"target,omitempty"`
}

func toMetaResponse(rec metadata.Record) metaResponse {
	resp := metaResponse{
		ContentID: rec.ContentID,
		Status:    string(rec.Status),
		Source: sourceMeta{
			Name:         rec.SourceName,
			Mime:         rec.SourceType.MimeType(),
			QualityLevel: rec.SourceQuality,
			Size:         rec.SourceSize,
		},
	}
	if rec.Status == metadata.StatusTransformed {
		resp.Target = &targetMeta{QualityLevel: rec.TargetQuality, Size: rec.TargetSize}
	}
	return resp
}

func respondJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET,POST,OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type,X-Guetzli-Img-Name")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func loggingMiddleware(next http.Handler, log zerolog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		log.Info().Str("method", r.Method).Str("path", r.URL.Path).Dur("elapsed", time.Since(start)).Msg("api: request")
	})
}
