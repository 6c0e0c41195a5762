// Package web exposes the public HTTP surface: uploads, format
// requests, job status reads, queue depths, and the per-user status
// WebSocket.
package web

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/rs/zerolog/log"

	"github.com/local/docdispatch/internal/filetype"
	"github.com/local/docdispatch/internal/hub"
	"github.com/local/docdispatch/internal/job"
	"github.com/local/docdispatch/internal/store"
)

// Enqueuer is the producer side of the job broker.
type Enqueuer interface {
	Enqueue(ctx context.Context, class job.Class, payload []byte) error
	Depths(ctx context.Context, class job.Class) (pending int64, dead int64, err error)
}

// Statuses reads and writes job lifecycle state.
type Statuses interface {
	Set(ctx context.Context, jobID string, st store.JobState) error
	Get(ctx context.Context, jobID string) (store.JobState, bool, error)
}

// Config tunes the HTTP surface.
type Config struct {
	MaxUploadMB    int64
	MaxUploadPages int
}

// Server wires the handlers onto a ServeMux.
type Server struct {
	cfg      Config
	q        Enqueuer
	statuses Statuses
	registry *hub.Registry
	upgrader websocket.Upgrader
}

func New(cfg Config, q Enqueuer, statuses Statuses, registry *hub.Registry) *Server {
	if cfg.MaxUploadMB <= 0 {
		cfg.MaxUploadMB = 64
	}
	if cfg.MaxUploadPages <= 0 {
		cfg.MaxUploadPages = 200
	}
	return &Server{
		cfg:      cfg,
		q:        q,
		statuses: statuses,
		registry: registry,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
}

func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/api/upload", s.handleUpload)
	mux.HandleFunc("/api/format", s.handleFormat)
	mux.HandleFunc("/api/jobs/", s.handleJobStatus)
	mux.HandleFunc("/api/queues", s.handleQueues)
	mux.HandleFunc("/ws/status/", s.handleStatusWS)
	mux.HandleFunc("/health", s.handleHealth)
}

// handleUpload accepts one multipart file, validates it, and enqueues
// an extraction job. The payload travels with the job as base64 so the
// worker needs no shared filesystem.
func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	maxBytes := s.cfg.MaxUploadMB << 20
	r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
	if err := r.ParseMultipartForm(maxBytes); err != nil {
		writeError(w, http.StatusBadRequest, "invalid multipart form")
		return
	}

	userID := strings.TrimSpace(r.FormValue("user_id"))
	if userID == "" {
		writeError(w, http.StatusBadRequest, "user_id is required")
		return
	}

	file, hdr, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "missing file")
		return
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		writeError(w, http.StatusBadRequest, "unreadable file body")
		return
	}
	if len(data) == 0 {
		writeError(w, http.StatusBadRequest, "empty file")
		return
	}

	info := filetype.Detect(data)
	if !info.IsPDF && !info.IsImage {
		writeError(w, http.StatusUnsupportedMediaType,
			fmt.Sprintf("unsupported file type %s", info.MIMEType))
		return
	}
	if info.IsPDF {
		n, err := api.PageCount(bytes.NewReader(data), nil)
		if err != nil {
			writeError(w, http.StatusBadRequest, "corrupt or unreadable PDF")
			return
		}
		if n > s.cfg.MaxUploadPages {
			writeError(w, http.StatusRequestEntityTooLarge,
				fmt.Sprintf("PDF has %d pages, limit is %d", n, s.cfg.MaxUploadPages))
			return
		}
	}

	j := job.Job{
		ID:    uuid.NewString(),
		Class: job.ClassExtract,
		Files: []job.FilePayload{{
			Name:     hdr.Filename,
			MIMEType: info.MIMEType,
			DataB64:  base64.StdEncoding.EncodeToString(data),
		}},
		Meta:      job.Metadata{UserID: userID, FileName: hdr.Filename},
		CreatedAt: time.Now().UTC(),
	}
	s.enqueue(w, r, j)
}

type formatRequest struct {
	UserID   string `json:"user_id"`
	FileName string `json:"file_name"`
	RawText  string `json:"raw_text"`
}

// handleFormat enqueues a reformat+summarize job over already
// extracted text.
func (s *Server) handleFormat(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var req formatRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, s.cfg.MaxUploadMB<<20)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if strings.TrimSpace(req.UserID) == "" {
		writeError(w, http.StatusBadRequest, "user_id is required")
		return
	}
	if strings.TrimSpace(req.RawText) == "" {
		writeError(w, http.StatusBadRequest, "raw_text is required")
		return
	}

	j := job.Job{
		ID:        uuid.NewString(),
		Class:     job.ClassFormat,
		RawText:   req.RawText,
		Meta:      job.Metadata{UserID: req.UserID, FileName: req.FileName},
		CreatedAt: time.Now().UTC(),
	}
	s.enqueue(w, r, j)
}

func (s *Server) enqueue(w http.ResponseWriter, r *http.Request, j job.Job) {
	ctx := r.Context()
	now := time.Now().UTC()
	if err := s.statuses.Set(ctx, j.ID, store.JobState{
		Status:    job.StatusQueued,
		Class:     j.Class,
		UserID:    j.Meta.UserID,
		FileName:  j.Meta.FileName,
		Message:   "queued",
		CreatedAt: &now,
	}); err != nil {
		log.Error().Err(err).Str("job_id", j.ID).Msg("status write failed")
	}
	payload, err := json.Marshal(j)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "encode job")
		return
	}
	if err := s.q.Enqueue(ctx, j.Class, payload); err != nil {
		log.Error().Err(err).Str("job_id", j.ID).Msg("enqueue failed")
		writeError(w, http.StatusServiceUnavailable, "queue unavailable")
		return
	}
	log.Info().Str("job_id", j.ID).Str("job_type", string(j.Class)).
		Str("user_id", j.Meta.UserID).Msg("job enqueued")
	writeJSON(w, http.StatusAccepted, map[string]any{
		"job_id":   j.ID,
		"job_type": j.Class,
		"status":   job.StatusQueued,
	})
}

// handleJobStatus serves GET /api/jobs/{id}.
func (s *Server) handleJobStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	id := strings.TrimPrefix(r.URL.Path, "/api/jobs/")
	if id == "" || strings.Contains(id, "/") {
		writeError(w, http.StatusBadRequest, "invalid job id")
		return
	}
	st, found, err := s.statuses.Get(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, "status store unavailable")
		return
	}
	if !found {
		writeError(w, http.StatusNotFound, "job not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"job_id":     id,
		"status":     st.Status,
		"job_type":   st.Class,
		"user_id":    st.UserID,
		"file_name":  st.FileName,
		"message":    st.Message,
		"created_at": st.CreatedAt,
		"started_at": st.StartedAt,
		"ended_at":   st.EndedAt,
	})
}

// handleQueues reports stream and dead-letter depth per class.
func (s *Server) handleQueues(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	type depth struct {
		Pending int64 `json:"pending"`
		Dead    int64 `json:"dead_letter"`
	}
	out := map[job.Class]depth{}
	for _, class := range []job.Class{job.ClassExtract, job.ClassFormat, job.ClassFallback} {
		pending, dead, err := s.q.Depths(r.Context(), class)
		if err != nil {
			writeError(w, http.StatusServiceUnavailable, "queue unavailable")
			return
		}
		out[class] = depth{Pending: pending, Dead: dead}
	}
	writeJSON(w, http.StatusOK, out)
}

// handleStatusWS upgrades /ws/status/{user_id} and registers the
// connection for completion pushes. One live connection per user; a
// reconnect replaces the previous socket.
func (s *Server) handleStatusWS(w http.ResponseWriter, r *http.Request) {
	userID := strings.TrimPrefix(r.URL.Path, "/ws/status/")
	if userID == "" || strings.Contains(userID, "/") {
		writeError(w, http.StatusBadRequest, "invalid user id")
		return
	}
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn().Err(err).Str("user_id", userID).Msg("websocket upgrade failed")
		return
	}
	conn := hub.NewWSConn(ws)
	s.registry.Register(userID, conn)
	log.Info().Str("user_id", userID).Msg("status websocket connected")

	// Reader loop only consumes control frames; the registry owns all
	// writes. Exit unregisters unless a newer socket took over.
	go func() {
		defer func() {
			s.registry.Unregister(userID, conn)
			_ = ws.Close()
			log.Info().Str("user_id", userID).Msg("status websocket disconnected")
		}()
		ws.SetReadLimit(512)
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}
