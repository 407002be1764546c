// Package httpapi is the HTTP surface of the service: chunk submission,
// room inspection, live result streaming, health and metrics.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/deal-signal-lab/internal/archive"
	"github.com/deal-signal-lab/internal/logging"
	"github.com/deal-signal-lab/internal/memory"
	"github.com/deal-signal-lab/internal/pipeline"
	"github.com/deal-signal-lab/internal/queue"
	"github.com/deal-signal-lab/internal/voice"
)

const multipartMemory = 8 << 20

// Submitter is the part of the job runner the HTTP layer needs.
type Submitter interface {
	Submit(job *pipeline.Job) (*queue.Handle, error)
	Depth() int
}

type Options struct {
	MaxUploadBytes int64
	JobTimeout     time.Duration
	TempDir        string
	RateLimitRPS   float64
	RateLimitBurst int
	LLMEnabled     bool
}

// Deps wires the server. Archive, Hub, Metrics and MCP are optional.
type Deps struct {
	Runner  Submitter
	Memory  *memory.Store
	Archive *archive.Archive
	Hub     *Hub
	Metrics MetricsSource
	MCP     http.Handler
}

// MetricsSource serves /metrics and observes requests.
type MetricsSource interface {
	HTTPObserver
	Handler() http.Handler
}

type Server struct {
	opts Options
	d    Deps
}

func New(opts Options, d Deps) *Server {
	if opts.JobTimeout <= 0 {
		opts.JobTimeout = 120 * time.Second
	}
	return &Server{opts: opts, d: d}
}

// Handler builds the routed handler. ctx bounds background work such as
// the rate limiter sweeper.
func (s *Server) Handler(ctx context.Context) http.Handler {
	mux := http.NewServeMux()
	limit := RateLimit(ctx, s.opts.RateLimitRPS, s.opts.RateLimitBurst)

	mux.Handle("POST /process", limit(http.HandlerFunc(s.handleProcess)))
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /rooms/{id}/snapshot", s.handleSnapshot)
	mux.HandleFunc("POST /rooms/{id}/patch", s.handlePatch)
	if s.d.Archive != nil {
		mux.HandleFunc("GET /rooms/{id}/context", s.handleContext)
		mux.HandleFunc("GET /rooms/{id}/chunks", s.handleChunks)
		mux.HandleFunc("GET /rooms/{id}/summary", s.handleSummary)
		mux.HandleFunc("PUT /rooms/{id}/archive", s.handleCreateArchive)
	}
	if s.d.Hub != nil {
		mux.HandleFunc("GET /rooms/{id}/stream", func(w http.ResponseWriter, r *http.Request) {
			s.d.Hub.serve(w, r, r.PathValue("id"))
		})
	}
	if s.d.MCP != nil {
		mux.Handle("GET /mcp/ws", s.d.MCP)
	}

	var obs HTTPObserver
	if s.d.Metrics != nil {
		mux.Handle("GET /metrics", s.d.Metrics.Handler())
		obs = s.d.Metrics
	}
	return chain(mux, Observe(obs), Recover())
}

type errorBody struct {
	Error  string `json:"error"`
	Detail string `json:"detail"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logging.Warnw("http: encode response failed", "err", err)
	}
}

func writeError(w http.ResponseWriter, status int, code, detail string) {
	writeJSON(w, status, errorBody{Error: code, Detail: detail})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	body := map[string]any{
		"status":      "ok",
		"queue_depth": s.d.Runner.Depth(),
		"llm_enabled": s.opts.LLMEnabled,
		"embeddings":  s.d.Archive != nil && s.d.Archive.EmbeddingsEnabled(),
	}
	writeJSON(w, http.StatusOK, body)
}

// handleProcess accepts one audio chunk, queues it and waits for the
// result up to the job timeout.
func (s *Server) handleProcess(w http.ResponseWriter, r *http.Request) {
	if s.opts.MaxUploadBytes > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, s.opts.MaxUploadBytes)
	}
	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		var tooBig *http.MaxBytesError
		if errors.As(err, &tooBig) {
			writeError(w, http.StatusRequestEntityTooLarge, "too_large", err.Error())
			return
		}
		writeError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}
	defer r.MultipartForm.RemoveAll()

	job, err := parseJob(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}

	if err := s.stage(r, job); err != nil {
		if errors.Is(err, http.ErrMissingFile) {
			writeError(w, http.StatusBadRequest, "missing_audio", "audio file is required")
			return
		}
		logging.Errorw("http: staging upload failed", "job.id", job.ID, "err", err)
		writeError(w, http.StatusInternalServerError, "processing_failed", err.Error())
		return
	}

	handle, err := s.d.Runner.Submit(job)
	if err != nil {
		_ = os.RemoveAll(job.TempDir)
		switch {
		case errors.Is(err, queue.ErrQueueFull):
			writeError(w, http.StatusTooManyRequests, "queue_full", "Fila cheia, tente novamente.")
		case errors.Is(err, queue.ErrRunnerClosed):
			writeError(w, http.StatusServiceUnavailable, "shutting_down", err.Error())
		default:
			writeError(w, http.StatusInternalServerError, "processing_failed", err.Error())
		}
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.opts.JobTimeout)
	defer cancel()
	res, err := handle.Wait(ctx)
	switch {
	case errors.Is(err, queue.ErrTimeout):
		writeError(w, http.StatusGatewayTimeout, "timeout", "Processamento demorou demais.")
	case err != nil:
		writeError(w, http.StatusInternalServerError, "processing_failed", err.Error())
	default:
		writeJSON(w, http.StatusOK, res)
	}
}

func parseJob(r *http.Request) (*pipeline.Job, error) {
	job := &pipeline.Job{
		ID:          uuid.NewString(),
		ContextHint: r.FormValue("context_hint"),
		SubmittedAt: time.Now(),
	}
	if v := strings.TrimSpace(r.FormValue("seq")); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("seq: %w", err)
		}
		job.Seq = &n
	}
	if v := strings.TrimSpace(r.FormValue("timestamp")); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return nil, fmt.Errorf("timestamp: %w", err)
		}
		job.Timestamp = &f
	}
	if v := r.FormValue("roomId"); v != "" {
		job.RoomID = &v
	}
	if v := r.FormValue("clientId"); v != "" {
		job.ClientID = &v
	}
	return job, nil
}

// stage copies the uploaded audio into a fresh job directory.
func (s *Server) stage(r *http.Request, job *pipeline.Job) error {
	file, header, err := r.FormFile("audio")
	if err != nil {
		return fmt.Errorf("audio: %w", err)
	}
	defer file.Close()

	dir, err := os.MkdirTemp(s.opts.TempDir, voice.JobDirPrefix)
	if err != nil {
		return err
	}
	job.TempDir = dir

	name := filepath.Base(header.Filename)
	if name == "" || name == "." || name == string(filepath.Separator) {
		name = job.ID + ".webm"
	}
	job.InputPath = filepath.Join(dir, name)

	out, err := os.Create(job.InputPath)
	if err != nil {
		_ = os.RemoveAll(dir)
		return err
	}
	if _, err := io.Copy(out, file); err != nil {
		out.Close()
		_ = os.RemoveAll(dir)
		return err
	}
	if err := out.Close(); err != nil {
		_ = os.RemoveAll(dir)
		return err
	}
	return nil
}

func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	room := r.PathValue("id")
	unlock := s.d.Memory.Lock(room)
	st, err := s.d.Memory.Load(r.Context(), room)
	unlock()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "storage_error", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, memory.SummarizeForPrompt(st))
}

// handlePatch merges a JSON document into the room state. Objects merge
// key by key; {"__append__": [...]} appends to a list.
func (s *Server) handlePatch(w http.ResponseWriter, r *http.Request) {
	room := r.PathValue("id")
	var doc any
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&doc); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}
	if _, ok := doc.(map[string]any); !ok {
		writeError(w, http.StatusBadRequest, "bad_request", "patch must be a JSON object")
		return
	}

	unlock := s.d.Memory.Lock(room)
	defer unlock()
	st, err := s.d.Memory.Load(r.Context(), room)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "storage_error", err.Error())
		return
	}
	if err := s.d.Memory.ApplyPatch(st, memory.PatchFromDocument(doc)); err != nil {
		writeError(w, http.StatusUnprocessableEntity, "invalid_patch", err.Error())
		return
	}
	if err := s.d.Memory.Save(r.Context(), room, st); err != nil {
		writeError(w, http.StatusInternalServerError, "storage_error", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, memory.SummarizeForPrompt(st))
}

func (s *Server) handleContext(w http.ResponseWriter, r *http.Request) {
	k := 0
	if v := r.URL.Query().Get("k"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "bad_request", "k must be a non-negative integer")
			return
		}
		k = n
	}
	hits, err := s.d.Archive.RetrieveRelevant(r.Context(), r.PathValue("id"), r.URL.Query().Get("q"), k)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "storage_error", err.Error())
		return
	}
	for i := range hits {
		hits[i].Chunk = hits[i].Chunk.WithoutEmbedding()
	}
	writeJSON(w, http.StatusOK, hits)
}

func (s *Server) handleChunks(w http.ResponseWriter, r *http.Request) {
	chunks, err := s.d.Archive.ListChunks(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "storage_error", err.Error())
		return
	}
	for i := range chunks {
		chunks[i] = chunks[i].WithoutEmbedding()
	}
	writeJSON(w, http.StatusOK, chunks)
}

func (s *Server) handleSummary(w http.ResponseWriter, r *http.Request) {
	gs, err := s.d.Archive.GlobalSummary(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "storage_error", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, gs)
}

// handleCreateArchive creates or resets the archive of a room. An empty
// body keeps the default settings.
func (s *Server) handleCreateArchive(w http.ResponseWriter, r *http.Request) {
	room := r.PathValue("id")
	var settings *archive.Settings
	body, err := io.ReadAll(io.LimitReader(r.Body, 64<<10))
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}
	if len(strings.TrimSpace(string(body))) > 0 {
		settings = &archive.Settings{}
		if err := json.Unmarshal(body, settings); err != nil {
			writeError(w, http.StatusBadRequest, "bad_request", err.Error())
			return
		}
	}
	if err := s.d.Archive.CreateRoom(r.Context(), room, settings); err != nil {
		writeError(w, http.StatusInternalServerError, "storage_error", err.Error())
		return
	}
	current, err := s.d.Archive.Settings(r.Context(), room)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "storage_error", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"roomId": room, "settings": current})
}
