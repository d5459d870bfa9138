// Package httpapi exposes the training supervisor over HTTP.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/CZERTAINLY/trainer/internal/log"
	"github.com/CZERTAINLY/trainer/internal/model"
	"github.com/CZERTAINLY/trainer/internal/trainlog"
)

// Trainer is the part of service.Supervisor the API needs.
type Trainer interface {
	Start(ctx context.Context, req model.TrainRequest) (model.Job, error)
	Stop(ctx context.Context) (model.StopResult, error)
	Current() (model.Job, bool)
	Jobs(ctx context.Context, limit int) ([]model.Job, error)
	Log() *trainlog.Sink
}

type Server struct {
	Trainer Trainer
	Version string
}

// StartResponse is returned by POST /train.
type StartResponse struct {
	Status string `json:"status"`
	PID    int    `json:"pid"`
	JobID  string `json:"job_id"`
}

// StatusResponse is returned by GET /train/status. Job is nil when no job
// was started since the server came up.
type StatusResponse struct {
	Status string     `json:"status"`
	Job    *model.Job `json:"job,omitempty"`
}

type LogResponse struct {
	Log string `json:"log"`
}

// ErrorResponse is the body of every failed request.
type ErrorResponse struct {
	Status string `json:"status"`
	Msg    string `json:"msg"`
}

const (
	statusStarted = "started"
	statusIdle    = "idle"
	statusError   = "error"

	defaultLimit = 25
	maxLimit     = 100
	maxFormSize  = 1 << 20
)

func (s Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger)
	r.Use(cors)

	r.Get("/", s.handleRoot)
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	r.Route("/train", func(r chi.Router) {
		r.Post("/", s.handleStart)
		r.Post("/stop", s.handleStop)
		r.Get("/log", s.handleLog)
		r.Get("/log/stream", s.handleLogStream)
		r.Get("/status", s.handleStatus)
		r.Get("/jobs", s.handleJobs)
	})
	return r
}

func cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Headers", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET,POST,OPTIONS")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// requestLogger logs every request with slog and puts the request id
// into the context, so records of the handlers carry it too.
func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := log.ContextAttrs(r.Context(), slog.String("request_id", middleware.GetReqID(r.Context())))
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r.WithContext(ctx))
		slog.DebugContext(ctx, "http request",
			"method", r.Method,
			"path", r.URL.Path,
			"remote", r.RemoteAddr,
			"status", ww.Status(),
			"bytes", ww.BytesWritten(),
			"duration", time.Since(start),
		)
	})
}

func (s Server) handleRoot(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"message": "training API is running",
		"version": s.Version,
	})
}

func (s Server) handleStart(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	req, err := parseTrainRequest(r)
	if err != nil {
		writeErr(w, http.StatusBadRequest, err)
		return
	}

	job, err := s.Trainer.Start(ctx, req)
	switch {
	case err == nil:
	case errors.Is(err, model.ErrDatasetNotFound):
		writeErr(w, http.StatusBadRequest, err)
		return
	case errors.Is(err, model.ErrJobRunning):
		writeErr(w, http.StatusConflict, err)
		return
	default:
		slog.ErrorContext(ctx, "starting training failed", "error", err)
		writeErr(w, http.StatusInternalServerError, err)
		return
	}

	writeJSON(w, http.StatusOK, StartResponse{
		Status: statusStarted,
		PID:    job.PID,
		JobID:  job.ID,
	})
}

// parseTrainRequest reads the form fields of POST /train, both url
// encoded and multipart bodies are accepted.
func parseTrainRequest(r *http.Request) (model.TrainRequest, error) {
	if err := r.ParseMultipartForm(maxFormSize); err != nil && !errors.Is(err, http.ErrNotMultipart) {
		return model.TrainRequest{}, fmt.Errorf("parsing form: %w", err)
	}

	var req model.TrainRequest
	req.Dataset = strings.TrimSpace(r.FormValue("dataset_path"))
	if req.Dataset == "" {
		return model.TrainRequest{}, errors.New("missing dataset_path")
	}

	ints := []struct {
		name string
		dst  *int
	}{
		{"epochs", &req.Params.Epochs},
		{"batch_size", &req.Params.BatchSize},
		{"img_size", &req.Params.ImageSize},
	}
	for _, f := range ints {
		raw := strings.TrimSpace(r.FormValue(f.name))
		if raw == "" {
			continue
		}
		v, err := strconv.Atoi(raw)
		if err != nil || v <= 0 {
			return model.TrainRequest{}, fmt.Errorf("invalid %s: %s", f.name, raw)
		}
		*f.dst = v
	}
	req.Params.Model = strings.TrimSpace(r.FormValue("model_type"))
	return req, nil
}

func (s Server) handleStop(w http.ResponseWriter, r *http.Request) {
	res, err := s.Trainer.Stop(r.Context())
	if err != nil {
		// reported in the body, the request itself succeeded
		slog.WarnContext(r.Context(), "stop request failed", "error", err)
	}
	writeJSON(w, http.StatusOK, res)
}

func (s Server) handleLog(w http.ResponseWriter, r *http.Request) {
	content, err := s.Trainer.Log().Read()
	if err != nil {
		writeErr(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, LogResponse{Log: content})
}

// handleLogStream sends the log and everything appended to it as server
// sent events. Lines of a chunk become data lines of one event.
func (s Server) handleLogStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeErr(w, http.StatusInternalServerError, errors.New("streaming unsupported"))
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	err := s.Trainer.Log().Follow(r.Context(), 0, func(chunk []byte) error {
		var b strings.Builder
		for line := range strings.SplitSeq(string(chunk), "\n") {
			b.WriteString("data: ")
			b.WriteString(line)
			b.WriteByte('\n')
		}
		b.WriteByte('\n')
		if _, err := w.Write([]byte(b.String())); err != nil {
			return err
		}
		flusher.Flush()
		return nil
	})
	if err != nil && r.Context().Err() == nil {
		slog.WarnContext(r.Context(), "log stream ended", "error", err)
	}
}

func (s Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	job, ok := s.Trainer.Current()
	if !ok {
		writeJSON(w, http.StatusOK, StatusResponse{Status: statusIdle})
		return
	}
	writeJSON(w, http.StatusOK, StatusResponse{Status: string(job.State), Job: &job})
}

func (s Server) handleJobs(w http.ResponseWriter, r *http.Request) {
	limit := defaultLimit
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		value, err := strconv.Atoi(raw)
		if err != nil || value <= 0 {
			writeErr(w, http.StatusBadRequest, fmt.Errorf("invalid limit: %s", raw))
			return
		}
		limit = min(value, maxLimit)
	}

	jobs, err := s.Trainer.Jobs(r.Context(), limit)
	if err != nil {
		writeErr(w, http.StatusInternalServerError, err)
		return
	}
	if jobs == nil {
		jobs = []model.Job{}
	}
	writeJSON(w, http.StatusOK, jobs)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeErr(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, ErrorResponse{Status: statusError, Msg: err.Error()})
}
