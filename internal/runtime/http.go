package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"time"

	"github.com/loqalabs/loqa-voice/internal/capability"
	"github.com/loqalabs/loqa-voice/internal/registry"
	"github.com/loqalabs/loqa-voice/internal/voice"
	"github.com/loqalabs/loqa-voice/internal/voiceerr"
)

const maxBodyBytes = 1 << 20

// statusByKind maps error kinds to HTTP status codes. Kinds not listed are
// internal errors.
var statusByKind = map[voiceerr.Kind]int{
	voiceerr.ErrValidation:  http.StatusBadRequest,
	voiceerr.ErrNotFound:    http.StatusNotFound,
	voiceerr.ErrModelLoad:   http.StatusServiceUnavailable,
	voiceerr.ErrUnavailable: http.StatusServiceUnavailable,
}

type api struct {
	svc            *voice.Service
	logger         *slog.Logger
	sampleRate     int
	requestTimeout time.Duration
	metrics        http.Handler
	ready          func() bool
	nodes          func(capabilityName string) []capability.NodeInfo
}

func (a *api) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /design", a.handleDesign)
	mux.HandleFunc("POST /generate_file", a.handleGenerateFile)
	mux.HandleFunc("POST /generate_stream", a.handleGenerateStream)
	mux.HandleFunc("POST /load_model", a.handleLoadModel)
	mux.HandleFunc("GET /health", a.handleHealth)
	mux.HandleFunc("GET /speakers", a.handleListSpeakers)
	mux.HandleFunc("GET /speakers/{id}", a.handleGetSpeaker)
	mux.HandleFunc("GET /nodes", a.handleNodes)
	mux.HandleFunc("GET /healthz", a.handleLiveness)
	mux.HandleFunc("GET /readyz", a.handleReady)
	if a.metrics != nil {
		mux.Handle("GET /metrics", a.metrics)
	}
	return a.logRequests(mux)
}

func (a *api) handleDesign(w http.ResponseWriter, r *http.Request) {
	var req voice.VoiceDesignRequest
	if !a.decode(w, r, &req) {
		return
	}
	ctx, cancel := a.withTimeout(r.Context())
	defer cancel()

	id, err := a.svc.DesignVoice(ctx, req)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"speaker_id": id})
}

func (a *api) handleGenerateFile(w http.ResponseWriter, r *http.Request) {
	var req voice.SpeechGenerationRequest
	if !a.decode(w, r, &req) {
		return
	}
	ctx, cancel := a.withTimeout(r.Context())
	defer cancel()

	art, err := a.svc.GenerateFile(ctx, req)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	f, err := os.Open(art.AudioFile)
	if err != nil {
		a.writeError(w, r, voiceerr.E(voiceerr.ErrStorage, "http.generate_file", err))
		return
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		a.writeError(w, r, voiceerr.E(voiceerr.ErrStorage, "http.generate_file", err))
		return
	}

	w.Header().Set("Content-Type", "audio/wav")
	w.Header().Set("Content-Length", strconv.FormatInt(info.Size(), 10))
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", filepath.Base(art.AudioFile)))
	w.Header().Set("X-Text-File", filepath.Base(art.TextFile))
	w.WriteHeader(http.StatusOK)
	if _, err := io.Copy(w, f); err != nil {
		a.logger.Warn("failed to send audio file", slog.String("file", art.AudioFile), slogError(err))
	}
}

// handleGenerateStream writes raw PCM16 as it is produced. Once the first byte
// is out the status can no longer change, so a failure after that point is
// signalled by cutting the stream short.
func (a *api) handleGenerateStream(w http.ResponseWriter, r *http.Request) {
	var req voice.SpeechGenerationRequest
	if !a.decode(w, r, &req) {
		return
	}

	stream, err := a.svc.GenerateStream(r.Context(), req)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	defer stream.Close()

	rc := http.NewResponseController(w)
	w.Header().Set("Content-Type", fmt.Sprintf("audio/l16; rate=%d; channels=1", a.sampleRate))
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(http.StatusOK)
	_ = rc.Flush()

	for chunk := range stream.Chunks() {
		if _, err := w.Write(chunk); err != nil {
			a.logger.Info("stream consumer went away", slog.String("speaker_id", req.SpeakerID), slogError(err))
			return
		}
		if err := rc.Flush(); err != nil {
			a.logger.Info("stream consumer went away", slog.String("speaker_id", req.SpeakerID), slogError(err))
			return
		}
	}
	if err := stream.Err(); err != nil && !errors.Is(err, context.Canceled) {
		a.logger.Error("speech stream truncated", slog.String("speaker_id", req.SpeakerID), slogError(err))
	}
}

type loadModelRequest struct {
	ModelName string `json:"model_name"`
}

func (a *api) handleLoadModel(w http.ResponseWriter, r *http.Request) {
	var req loadModelRequest
	if !a.decode(w, r, &req) {
		return
	}
	family, err := a.svc.LoadModel(req.ModelName)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":       "ok",
		"model_loaded": true,
		"model_family": family.Name,
	})
}

func (a *api) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, a.svc.Health())
}

func (a *api) handleListSpeakers(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			a.writeError(w, r, voiceerr.Errorf(voiceerr.ErrValidation, "http.speakers", "invalid limit %q", v))
			return
		}
		limit = n
	}
	speakers, err := a.svc.Speakers(r.Context(), limit)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	if speakers == nil {
		speakers = []registry.Speaker{}
	}
	writeJSON(w, http.StatusOK, speakers)
}

func (a *api) handleGetSpeaker(w http.ResponseWriter, r *http.Request) {
	sp, err := a.svc.Speaker(r.Context(), r.PathValue("id"))
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sp)
}

func (a *api) handleNodes(w http.ResponseWriter, r *http.Request) {
	var nodes []capability.NodeInfo
	if a.nodes != nil {
		nodes = a.nodes(r.URL.Query().Get("capability"))
	}
	if nodes == nil {
		nodes = []capability.NodeInfo{}
	}
	sort.Slice(nodes, func(i, j int) bool { return nodes[i].ID < nodes[j].ID })
	writeJSON(w, http.StatusOK, nodes)
}

func (a *api) handleLiveness(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (a *api) handleReady(w http.ResponseWriter, _ *http.Request) {
	if a.ready == nil || a.ready() {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte("not ready"))
}

func (a *api) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		a.writeError(w, r, voiceerr.E(voiceerr.ErrValidation, "http.decode", err))
		return false
	}
	return true
}

func (a *api) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if a.requestTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, a.requestTimeout)
}

func (a *api) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status, ok := statusByKind[voiceerr.KindOf(err)]
	if !ok {
		status = http.StatusInternalServerError
	}
	if errors.Is(err, context.DeadlineExceeded) && status == http.StatusInternalServerError {
		status = http.StatusServiceUnavailable
	}
	level := slog.LevelWarn
	if status >= 500 {
		level = slog.LevelError
	}
	a.logger.Log(r.Context(), level, "request failed",
		slog.String("path", r.URL.Path),
		slog.Int("status", status),
		slogError(err))
	writeJSON(w, status, map[string]string{"detail": err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

type statusRecorder struct {
	http.ResponseWriter
	status int
	bytes  int64
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

func (s *statusRecorder) Write(b []byte) (int, error) {
	if s.status == 0 {
		s.status = http.StatusOK
	}
	n, err := s.ResponseWriter.Write(b)
	s.bytes += int64(n)
	return n, err
}

// Unwrap lets http.ResponseController reach the underlying writer's Flush.
func (s *statusRecorder) Unwrap() http.ResponseWriter { return s.ResponseWriter }

func (a *api) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w}
		next.ServeHTTP(rec, r)
		a.logger.Debug("http request",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Int("status", rec.status),
			slog.Int64("bytes", rec.bytes),
			slog.Duration("duration", time.Since(start)))
	})
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
