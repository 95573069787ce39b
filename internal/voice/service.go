// Package voice is the entry point for designing speakers and synthesizing
// speech with them. It owns no state beyond its collaborators.
package voice

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/loqalabs/loqa-voice/internal/audio"
	"github.com/loqalabs/loqa-voice/internal/config"
	"github.com/loqalabs/loqa-voice/internal/engine"
	"github.com/loqalabs/loqa-voice/internal/modelslot"
	"github.com/loqalabs/loqa-voice/internal/promptcache"
	"github.com/loqalabs/loqa-voice/internal/registry"
	"github.com/loqalabs/loqa-voice/internal/synthesis"
	"github.com/loqalabs/loqa-voice/internal/voiceerr"
)

type VoiceDesignRequest struct {
	Text     string `json:"text"`
	Language string `json:"language"`
	Instruct string `json:"instruct"`
	Name     string `json:"name"`
	Gender   string `json:"gender"`
}

type SpeechGenerationRequest struct {
	Text      string   `json:"text"`
	SpeakerID string   `json:"speaker_id"`
	Language  string   `json:"language,omitempty"`
	Emotion   []string `json:"emotion,omitempty"`
}

// Result holds exactly one of File or Stream.
type Result struct {
	Speaker registry.Speaker
	File    *synthesis.Artifacts
	Stream  *synthesis.Stream
}

type HealthStatus struct {
	Status        string `json:"status"`
	EngineLoaded  bool   `json:"engine_loaded"`
	ResidentRole  string `json:"resident_role,omitempty"`
	ModelFamily   string `json:"model_family"`
	CachedPrompts int    `json:"cached_prompts"`
}

// Registry is the speaker store the service reads and writes.
type Registry interface {
	Save(ctx context.Context, sp registry.Speaker) error
	Get(ctx context.Context, id string) (registry.Speaker, error)
	List(ctx context.Context, limit int) ([]registry.Speaker, error)
}

// Notifier is told about speakers once they are persisted.
type Notifier interface {
	SpeakerDesigned(ctx context.Context, sp registry.Speaker)
}

type Service struct {
	registry        Registry
	slot            *modelslot.Slot
	cache           *promptcache.Cache
	pipeline        *synthesis.Pipeline
	outDir          string
	sampleRate      int
	defaultLanguage string
	notifier        Notifier
	log             *slog.Logger
	tracer          trace.Tracer
	newID           func() string
}

func NewService(cfg config.Config, reg Registry, slot *modelslot.Slot, cache *promptcache.Cache, pipeline *synthesis.Pipeline, log *slog.Logger) *Service {
	return &Service{
		registry:        reg,
		slot:            slot,
		cache:           cache,
		pipeline:        pipeline,
		outDir:          cfg.Output.Dir,
		sampleRate:      cfg.Engine.SampleRate,
		defaultLanguage: cfg.Output.DefaultLanguage,
		log:             log.With(slog.String("component", "voice-service")),
		tracer:          otel.Tracer("github.com/loqalabs/loqa-voice/voice"),
		newID:           uuid.NewString,
	}
}

// SetNotifier installs n. It must be called before the service handles
// requests.
func (s *Service) SetNotifier(n Notifier) { s.notifier = n }

// DesignVoice creates a new speaker from an instruction and returns its id.
// Nothing is persisted unless every step succeeds.
func (s *Service) DesignVoice(ctx context.Context, req VoiceDesignRequest) (id string, err error) {
	if err := validateDesign(req); err != nil {
		return "", err
	}
	if req.Language == "" {
		req.Language = s.defaultLanguage
	}
	id = s.newID()
	ctx, span := s.tracer.Start(ctx, "voice.design", trace.WithAttributes(attribute.String("speaker.id", id)))
	defer func() { endSpan(span, err) }()

	lease, err := s.slot.Acquire(ctx, engine.RoleDesign)
	if err != nil {
		return "", err
	}
	wave, err := lease.Model().GenerateVoiceDesign(ctx, engine.DesignInput{
		Text:     req.Text,
		Language: req.Language,
		Instruct: req.Instruct,
	})
	lease.Release()
	if err != nil {
		if voiceerr.KindOf(err) == "" && !errors.Is(err, context.Canceled) {
			err = voiceerr.E(voiceerr.ErrSynthesis, "voice.design", err)
		}
		return "", err
	}
	if len(wave.Samples) == 0 {
		return "", voiceerr.Errorf(voiceerr.ErrSynthesis, "voice.design", "engine produced no reference audio")
	}

	sp := registry.Speaker{
		ID:              id,
		Name:            req.Name,
		Gender:          req.Gender,
		Language:        req.Language,
		Description:     req.Instruct,
		RefAudioFile:    filepath.Join(s.outDir, id+"_ref.wav"),
		RefTextFile:     filepath.Join(s.outDir, id+"_ref_text.txt"),
		RefInstructFile: filepath.Join(s.outDir, id+"_ref_instruct.txt"),
	}
	if err := s.writeReference(sp, wave, req); err != nil {
		removeReference(sp)
		return "", err
	}
	if err := s.registry.Save(ctx, sp); err != nil {
		removeReference(sp)
		return "", err
	}

	s.log.Info("speaker designed",
		slog.String("speaker_id", id),
		slog.String("name", sp.Name),
		slog.String("language", sp.Language))
	if s.notifier != nil {
		s.notifier.SpeakerDesigned(ctx, sp)
	}
	return id, nil
}

func (s *Service) writeReference(sp registry.Speaker, wave engine.Waveform, req VoiceDesignRequest) error {
	if err := os.MkdirAll(s.outDir, 0o755); err != nil {
		return voiceerr.E(voiceerr.ErrStorage, "voice.design", err)
	}
	rate := wave.SampleRate
	if rate <= 0 {
		rate = s.sampleRate
	}
	if err := audio.WriteWAVFile(sp.RefAudioFile, wave.Samples, rate); err != nil {
		return voiceerr.E(voiceerr.ErrStorage, "voice.design", err)
	}
	if err := os.WriteFile(sp.RefTextFile, []byte(req.Text), 0o644); err != nil {
		return voiceerr.E(voiceerr.ErrStorage, "voice.design", err)
	}
	if err := os.WriteFile(sp.RefInstructFile, []byte(req.Instruct), 0o644); err != nil {
		return voiceerr.E(voiceerr.ErrStorage, "voice.design", err)
	}
	return nil
}

func removeReference(sp registry.Speaker) {
	for _, path := range []string{sp.RefAudioFile, sp.RefTextFile, sp.RefInstructFile} {
		_ = os.Remove(path)
	}
}

// Synthesize resolves the speaker and generates speech, as a file or as a
// stream. An unknown speaker fails before any model work.
func (s *Service) Synthesize(ctx context.Context, req SpeechGenerationRequest, asStream bool) (Result, error) {
	if err := validateSpeech(req); err != nil {
		return Result{}, err
	}
	sp, err := s.registry.Get(ctx, req.SpeakerID)
	if err != nil {
		return Result{}, err
	}

	job := synthesis.Request{Text: req.Text, Language: req.Language, Emotion: req.Emotion}
	if asStream {
		if job.Language == "" {
			job.Language = sp.Language
		}
		if job.Language == "" {
			job.Language = s.defaultLanguage
		}
		stream, err := s.pipeline.GenerateStream(ctx, job, sp)
		if err != nil {
			return Result{}, err
		}
		return Result{Speaker: sp, Stream: stream}, nil
	}

	if job.Language == "" {
		job.Language = s.defaultLanguage
	}
	art, err := s.pipeline.GenerateFile(ctx, job, sp)
	if err != nil {
		return Result{}, err
	}
	return Result{Speaker: sp, File: &art}, nil
}

// GenerateFile is Synthesize for the file path.
func (s *Service) GenerateFile(ctx context.Context, req SpeechGenerationRequest) (synthesis.Artifacts, error) {
	res, err := s.Synthesize(ctx, req, false)
	if err != nil {
		return synthesis.Artifacts{}, err
	}
	return *res.File, nil
}

// GenerateStream is Synthesize for the streaming path.
func (s *Service) GenerateStream(ctx context.Context, req SpeechGenerationRequest) (*synthesis.Stream, error) {
	res, err := s.Synthesize(ctx, req, true)
	if err != nil {
		return nil, err
	}
	return res.Stream, nil
}

// LoadModel selects the model family used for subsequent loads.
func (s *Service) LoadModel(name string) (config.ModelFamily, error) {
	if strings.TrimSpace(name) == "" {
		return config.ModelFamily{}, voiceerr.Errorf(voiceerr.ErrValidation, "voice.load_model", "model_name is required")
	}
	return s.slot.SelectFamily(name)
}

func (s *Service) Health() HealthStatus {
	h := HealthStatus{
		Status:        "ok",
		EngineLoaded:  s.slot.EverLoaded(),
		ModelFamily:   s.slot.Family().Name,
		CachedPrompts: s.cache.Len(),
	}
	if role := s.slot.Role(); role != 0 {
		h.ResidentRole = role.String()
	}
	return h
}

func (s *Service) Speaker(ctx context.Context, id string) (registry.Speaker, error) {
	return s.registry.Get(ctx, id)
}

func (s *Service) Speakers(ctx context.Context, limit int) ([]registry.Speaker, error) {
	return s.registry.List(ctx, limit)
}

func validateDesign(req VoiceDesignRequest) error {
	var missing []string
	if strings.TrimSpace(req.Text) == "" {
		missing = append(missing, "text")
	}
	if strings.TrimSpace(req.Instruct) == "" {
		missing = append(missing, "instruct")
	}
	if strings.TrimSpace(req.Name) == "" {
		missing = append(missing, "name")
	}
	if len(missing) > 0 {
		return voiceerr.Errorf(voiceerr.ErrValidation, "voice.design", "missing %s", strings.Join(missing, ", "))
	}
	return nil
}

func validateSpeech(req SpeechGenerationRequest) error {
	if strings.TrimSpace(req.Text) == "" {
		return voiceerr.Errorf(voiceerr.ErrValidation, "voice.synthesize", "text is required")
	}
	if strings.TrimSpace(req.SpeakerID) == "" {
		return voiceerr.Errorf(voiceerr.ErrValidation, "voice.synthesize", "speaker_id is required")
	}
	return nil
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
