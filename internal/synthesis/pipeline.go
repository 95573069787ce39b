// Package synthesis turns text into speech in a registered speaker's voice,
// either as a finished WAV file or as a live PCM16 stream.
package synthesis

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/loqalabs/loqa-voice/internal/audio"
	"github.com/loqalabs/loqa-voice/internal/config"
	"github.com/loqalabs/loqa-voice/internal/engine"
	"github.com/loqalabs/loqa-voice/internal/modelslot"
	"github.com/loqalabs/loqa-voice/internal/promptcache"
	"github.com/loqalabs/loqa-voice/internal/registry"
	"github.com/loqalabs/loqa-voice/internal/voiceerr"
)

// Request is one synthesis job for an already resolved speaker.
type Request struct {
	Text     string
	Language string
	Emotion  []string
}

// Artifacts are the sibling files written by GenerateFile.
type Artifacts struct {
	AudioFile  string
	TextFile   string
	Samples    int
	SampleRate int
}

type Pipeline struct {
	slot       *modelslot.Slot
	cache      *promptcache.Cache
	stream     engine.StreamParams
	stall      time.Duration
	buildLimit time.Duration
	outDir     string
	sampleRate int
	log        *slog.Logger
	clock      func() time.Time

	tracer   trace.Tracer
	chunks   metric.Int64Counter
	duration metric.Float64Histogram
}

func New(cfg config.Config, slot *modelslot.Slot, cache *promptcache.Cache, log *slog.Logger) *Pipeline {
	p := &Pipeline{
		slot:  slot,
		cache: cache,
		stream: engine.StreamParams{
			EmitEveryFrames:     cfg.Stream.EmitEveryFrames,
			DecodeWindowFrames:  cfg.Stream.DecodeWindowFrames,
			FirstChunkEmitEvery: cfg.Stream.FirstChunkEmitEvery,
			FirstChunkFrames:    cfg.Stream.FirstChunkFrames,
		},
		stall:      cfg.Stream.StallTimeout,
		buildLimit: cfg.Engine.RequestTimeout,
		outDir:     cfg.Output.Dir,
		sampleRate: cfg.Engine.SampleRate,
		log:        log.With(slog.String("component", "synthesis")),
		clock:      time.Now,
		tracer:     otel.Tracer("github.com/loqalabs/loqa-voice/synthesis"),
	}
	meter := otel.Meter("github.com/loqalabs/loqa-voice/synthesis")
	var err error
	if p.chunks, err = meter.Int64Counter("voice.stream.chunks", metric.WithDescription("PCM chunks handed to stream consumers")); err != nil {
		p.log.Warn("failed to initialize metrics", slogError(err))
	}
	if p.duration, err = meter.Float64Histogram("voice.synthesis.duration", metric.WithUnit("s")); err != nil {
		p.log.Warn("failed to initialize metrics", slogError(err))
	}
	return p
}

// prompt resolves the speaker's voice prompt, loading a synthesis model for
// the build only when the cache misses.
func (p *Pipeline) prompt(ctx context.Context, sp registry.Speaker) (engine.VoicePrompt, error) {
	return p.cache.GetOrBuild(ctx, sp, func(ctx context.Context, ref engine.Reference) (engine.VoicePrompt, error) {
		lease, err := p.slot.Acquire(ctx, engine.RoleSynthesis)
		if err != nil {
			return engine.VoicePrompt{}, err
		}
		defer lease.Release()
		return lease.Model().CreateVoiceClonePrompt(ctx, ref)
	})
}

// GenerateFile synthesizes req to completion and writes
// <out>/<speaker>_<stamp>.wav next to <out>/<speaker>_<stamp>.txt.
func (p *Pipeline) GenerateFile(ctx context.Context, req Request, sp registry.Speaker) (art Artifacts, err error) {
	ctx, span := p.tracer.Start(ctx, "synthesis.generate_file", trace.WithAttributes(attribute.String("speaker.id", sp.ID)))
	defer func() { endSpan(span, err) }()
	start := time.Now()

	prompt, err := p.prompt(ctx, sp)
	if err != nil {
		return Artifacts{}, err
	}
	lease, err := p.slot.Acquire(ctx, engine.RoleSynthesis)
	if err != nil {
		return Artifacts{}, err
	}
	frames, errs := lease.Model().GenerateVoiceClone(ctx, p.cloneInput(req, prompt, engine.StreamParams{}))
	var samples []float32
	rate := p.sampleRate
	for f := range frames {
		samples = append(samples, f.Samples...)
		if f.SampleRate > 0 {
			rate = f.SampleRate
		}
	}
	genErr := <-errs
	lease.Release()
	if genErr != nil {
		return Artifacts{}, p.fault("synthesis.generate_file", genErr)
	}
	if len(samples) == 0 {
		return Artifacts{}, voiceerr.Errorf(voiceerr.ErrSynthesis, "synthesis.generate_file", "engine produced no audio")
	}

	art, err = p.writeArtifacts(sp.ID, req.Text, samples, rate)
	if err != nil {
		return Artifacts{}, err
	}
	p.record(ctx, "file", start)
	p.log.Info("speech file generated",
		slog.String("speaker_id", sp.ID),
		slog.String("audio_file", art.AudioFile),
		slog.Int("samples", art.Samples))
	return art, nil
}

func (p *Pipeline) writeArtifacts(speakerID, text string, samples []float32, rate int) (Artifacts, error) {
	if err := os.MkdirAll(p.outDir, 0o755); err != nil {
		return Artifacts{}, voiceerr.E(voiceerr.ErrStorage, "synthesis.write", err)
	}
	now := p.clock()
	stamp := fmt.Sprintf("%s_%03d", now.Format("20060102_150405"), now.Nanosecond()/int(time.Millisecond))
	base := filepath.Join(p.outDir, speakerID+"_"+stamp)
	art := Artifacts{AudioFile: base + ".wav", TextFile: base + ".txt", Samples: len(samples), SampleRate: rate}

	audioTmp, textTmp := art.AudioFile+".tmp", art.TextFile+".tmp"
	cleanup := func() {
		for _, path := range []string{audioTmp, textTmp, art.AudioFile, art.TextFile} {
			_ = os.Remove(path)
		}
	}
	if err := audio.WriteWAVFile(audioTmp, samples, rate); err != nil {
		cleanup()
		return Artifacts{}, voiceerr.E(voiceerr.ErrStorage, "synthesis.write", err)
	}
	if err := os.WriteFile(textTmp, []byte(text), 0o644); err != nil {
		cleanup()
		return Artifacts{}, voiceerr.E(voiceerr.ErrStorage, "synthesis.write", err)
	}
	if err := os.Rename(audioTmp, art.AudioFile); err != nil {
		cleanup()
		return Artifacts{}, voiceerr.E(voiceerr.ErrStorage, "synthesis.write", err)
	}
	if err := os.Rename(textTmp, art.TextFile); err != nil {
		cleanup()
		return Artifacts{}, voiceerr.E(voiceerr.ErrStorage, "synthesis.write", err)
	}
	return art, nil
}

// GenerateStream resolves the prompt and the device before returning, so
// every error the caller can still report as a status surfaces here. Audio
// then flows through the returned Stream at the consumer's pace.
func (p *Pipeline) GenerateStream(ctx context.Context, req Request, sp registry.Speaker) (*Stream, error) {
	ctx, span := p.tracer.Start(ctx, "synthesis.generate_stream", trace.WithAttributes(attribute.String("speaker.id", sp.ID)))
	start := time.Now()

	// The stream itself outlives the request deadline, so only the prompt
	// build is bounded here.
	buildCtx, cancelBuild := withLimit(ctx, p.buildLimit)
	prompt, err := p.prompt(buildCtx, sp)
	cancelBuild()
	if err != nil {
		endSpan(span, err)
		return nil, err
	}
	lease, err := p.slot.Acquire(ctx, engine.RoleSynthesis)
	if err != nil {
		endSpan(span, err)
		return nil, err
	}

	ctx, cancel := context.WithCancel(ctx)
	s := &Stream{
		chunks: make(chan []byte),
		done:   make(chan struct{}),
		cancel: cancel,
	}
	frames, errs := lease.Model().GenerateVoiceClone(ctx, p.cloneInput(req, prompt, p.stream))

	go func() {
		defer close(s.done)
		defer close(s.chunks)
		defer cancel()

		err := s.pump(ctx, frames, errs, p.stall, p.chunkCounter(ctx))
		// The model is handed back only after the engine has stopped.
		lease.Release()
		if err != nil && !errors.Is(err, context.Canceled) {
			err = p.fault("synthesis.generate_stream", err)
		}
		s.err = err
		endSpan(span, err)
		if err == nil {
			p.record(ctx, "stream", start)
		}
		p.log.Debug("speech stream finished",
			slog.String("speaker_id", sp.ID),
			slog.Int("samples", s.samples),
			slog.Bool("cancelled", errors.Is(err, context.Canceled)))
	}()
	return s, nil
}

func withLimit(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}

func (p *Pipeline) cloneInput(req Request, prompt engine.VoicePrompt, params engine.StreamParams) engine.CloneInput {
	if len(req.Emotion) > 0 {
		p.log.Debug("emotion hints passed to engine", slog.Any("emotion", req.Emotion))
	}
	return engine.CloneInput{
		Text:     req.Text,
		Language: req.Language,
		Emotion:  req.Emotion,
		Prompt:   prompt,
		Stream:   params,
	}
}

func (p *Pipeline) chunkCounter(ctx context.Context) func() {
	return func() {
		if p.chunks != nil {
			p.chunks.Add(ctx, 1)
		}
	}
}

// fault classifies an engine error. Errors that already carry a kind, or
// that come from cancellation, pass through unchanged.
func (p *Pipeline) fault(op string, err error) error {
	if voiceerr.KindOf(err) != "" || errors.Is(err, context.Canceled) {
		return err
	}
	return voiceerr.E(voiceerr.ErrSynthesis, op, err)
}

func (p *Pipeline) record(ctx context.Context, mode string, start time.Time) {
	if p.duration != nil {
		p.duration.Record(ctx, time.Since(start).Seconds(), metric.WithAttributes(attribute.String("mode", mode)))
	}
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
