// Package promptcache keeps one voice prompt per speaker for the life of the
// process. Prompts are expensive to build, so concurrent first requests for a
// speaker share a single build.
package promptcache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/singleflight"

	"github.com/loqalabs/loqa-voice/internal/audio"
	"github.com/loqalabs/loqa-voice/internal/engine"
	"github.com/loqalabs/loqa-voice/internal/registry"
	"github.com/loqalabs/loqa-voice/internal/voiceerr"
)

// BuildFunc constructs a prompt from validated reference artifacts. It is
// responsible for getting hold of a synthesis model.
type BuildFunc func(ctx context.Context, ref engine.Reference) (engine.VoicePrompt, error)

// Cache maps speaker id to voice prompt. Entries are never evicted.
type Cache struct {
	log   *slog.Logger
	group singleflight.Group

	mu      sync.RWMutex
	prompts map[string]engine.VoicePrompt

	builds metric.Int64Counter
	hits   metric.Int64Counter
}

func New(log *slog.Logger) *Cache {
	c := &Cache{
		log:     log.With(slog.String("component", "prompt-cache")),
		prompts: make(map[string]engine.VoicePrompt),
	}
	if err := c.initMetrics(); err != nil {
		c.log.Warn("failed to initialize metrics", slog.String("error", err.Error()))
	}
	return c
}

func (c *Cache) initMetrics() error {
	meter := otel.Meter("github.com/loqalabs/loqa-voice/promptcache")
	var err error
	if c.builds, err = meter.Int64Counter("voice.prompt_cache.builds", metric.WithDescription("Voice prompts constructed")); err != nil {
		return err
	}
	if c.hits, err = meter.Int64Counter("voice.prompt_cache.hits", metric.WithDescription("Voice prompts served from cache")); err != nil {
		return err
	}
	size, err := meter.Int64ObservableGauge("voice.prompt_cache.size", metric.WithDescription("Cached voice prompts"))
	if err != nil {
		return err
	}
	_, err = meter.RegisterCallback(func(ctx context.Context, obs metric.Observer) error {
		obs.ObserveInt64(size, int64(c.Len()))
		return nil
	}, size)
	return err
}

// GetOrBuild returns the prompt cached for sp, building it with build on first
// use. Failed builds are not cached.
func (c *Cache) GetOrBuild(ctx context.Context, sp registry.Speaker, build BuildFunc) (engine.VoicePrompt, error) {
	if p, ok := c.lookup(sp.ID); ok {
		if c.hits != nil {
			c.hits.Add(ctx, 1)
		}
		return p, nil
	}

	for {
		ch := c.group.DoChan(sp.ID, func() (any, error) {
			if p, ok := c.lookup(sp.ID); ok {
				return p, nil
			}
			return c.build(ctx, sp, build)
		})
		select {
		case <-ctx.Done():
			return engine.VoicePrompt{}, ctx.Err()
		case res := <-ch:
			if res.Err != nil {
				// The flight belonged to a caller that gave up; try again with ours.
				if isContextErr(res.Err) && ctx.Err() == nil {
					continue
				}
				return engine.VoicePrompt{}, res.Err
			}
			return res.Val.(engine.VoicePrompt), nil
		}
	}
}

func (c *Cache) build(ctx context.Context, sp registry.Speaker, build BuildFunc) (engine.VoicePrompt, error) {
	ref, err := reference(sp)
	if err != nil {
		return engine.VoicePrompt{}, err
	}
	prompt, err := build(ctx, ref)
	if err != nil {
		if voiceerr.KindOf(err) != "" || isContextErr(err) {
			return engine.VoicePrompt{}, err
		}
		return engine.VoicePrompt{}, voiceerr.E(voiceerr.ErrSynthesis, "promptcache.build", err)
	}
	prompt.SpeakerID = sp.ID

	c.mu.Lock()
	c.prompts[sp.ID] = prompt
	c.mu.Unlock()
	if c.builds != nil {
		c.builds.Add(ctx, 1)
	}
	c.log.Debug("voice prompt built", slog.String("speaker_id", sp.ID))
	return prompt, nil
}

// reference checks the speaker's artifacts before any model work happens.
func reference(sp registry.Speaker) (engine.Reference, error) {
	if sp.RefAudioFile == "" || sp.RefTextFile == "" {
		return engine.Reference{}, voiceerr.Errorf(voiceerr.ErrReferenceArtifact, "promptcache.reference", "speaker %s has no reference artifacts", sp.ID)
	}
	if _, _, err := audio.ReadWAVFile(sp.RefAudioFile); err != nil {
		return engine.Reference{}, voiceerr.E(voiceerr.ErrReferenceArtifact, "promptcache.reference", fmt.Errorf("reference audio %s: %w", sp.RefAudioFile, err))
	}
	text, err := os.ReadFile(sp.RefTextFile)
	if err != nil {
		return engine.Reference{}, voiceerr.E(voiceerr.ErrReferenceArtifact, "promptcache.reference", fmt.Errorf("reference text: %w", err))
	}
	return engine.Reference{
		SpeakerID: sp.ID,
		AudioPath: sp.RefAudioFile,
		Text:      strings.TrimSpace(string(text)),
	}, nil
}

func (c *Cache) lookup(id string) (engine.VoicePrompt, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	p, ok := c.prompts[id]
	return p, ok
}

// Len returns the number of cached prompts.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.prompts)
}

func isContextErr(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
