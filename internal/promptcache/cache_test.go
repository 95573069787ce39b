package promptcache

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loqalabs/loqa-voice/internal/audio"
	"github.com/loqalabs/loqa-voice/internal/engine"
	"github.com/loqalabs/loqa-voice/internal/registry"
	"github.com/loqalabs/loqa-voice/internal/voiceerr"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func writeSpeaker(t *testing.T, dir, id string) registry.Speaker {
	t.Helper()
	sp := registry.Speaker{
		ID:           id,
		RefAudioFile: filepath.Join(dir, id+"_ref.wav"),
		RefTextFile:  filepath.Join(dir, id+"_ref_text.txt"),
	}
	require.NoError(t, audio.WriteWAVFile(sp.RefAudioFile, make([]float32, 2400), 24000))
	require.NoError(t, os.WriteFile(sp.RefTextFile, []byte("hello there\n"), 0o644))
	return sp
}

type countingBuild struct {
	calls atomic.Int32
	delay time.Duration
	err   error
}

func (b *countingBuild) build(ctx context.Context, ref engine.Reference) (engine.VoicePrompt, error) {
	b.calls.Add(1)
	if b.delay > 0 {
		select {
		case <-ctx.Done():
			return engine.VoicePrompt{}, ctx.Err()
		case <-time.After(b.delay):
		}
	}
	if b.err != nil {
		return engine.VoicePrompt{}, b.err
	}
	return engine.VoicePrompt{Data: []byte("prompt:" + ref.Text)}, nil
}

func TestGetOrBuildCaches(t *testing.T) {
	cache := New(newLogger())
	sp := writeSpeaker(t, t.TempDir(), "spk-1")
	b := &countingBuild{}

	first, err := cache.GetOrBuild(context.Background(), sp, b.build)
	require.NoError(t, err)
	assert.Equal(t, []byte("prompt:hello there"), first.Data)
	assert.Equal(t, "spk-1", first.SpeakerID)

	second, err := cache.GetOrBuild(context.Background(), sp, b.build)
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.EqualValues(t, 1, b.calls.Load())
	assert.Equal(t, 1, cache.Len())
}

func TestConcurrentFirstUseBuildsOnce(t *testing.T) {
	cache := New(newLogger())
	sp := writeSpeaker(t, t.TempDir(), "spk-1")
	b := &countingBuild{delay: 50 * time.Millisecond}

	const n = 16
	var wg sync.WaitGroup
	results := make([]engine.VoicePrompt, n)
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = cache.GetOrBuild(context.Background(), sp, b.build)
		}(i)
	}
	wg.Wait()

	for i := 0; i < n; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, results[0], results[i])
	}
	assert.EqualValues(t, 1, b.calls.Load())
}

func TestMissingArtifactsDoNotPoison(t *testing.T) {
	dir := t.TempDir()
	cache := New(newLogger())
	sp := writeSpeaker(t, dir, "spk-1")
	require.NoError(t, os.Remove(sp.RefAudioFile))
	b := &countingBuild{}

	_, err := cache.GetOrBuild(context.Background(), sp, b.build)
	assert.ErrorIs(t, err, voiceerr.ErrReferenceArtifact)
	assert.EqualValues(t, 0, b.calls.Load(), "no model work for missing artifacts")
	assert.Equal(t, 0, cache.Len())

	writeSpeaker(t, dir, "spk-1")
	_, err = cache.GetOrBuild(context.Background(), sp, b.build)
	require.NoError(t, err)
	assert.EqualValues(t, 1, b.calls.Load())
}

func TestMissingTextIsReferenceError(t *testing.T) {
	cache := New(newLogger())
	sp := writeSpeaker(t, t.TempDir(), "spk-1")
	require.NoError(t, os.Remove(sp.RefTextFile))

	_, err := cache.GetOrBuild(context.Background(), sp, (&countingBuild{}).build)
	assert.ErrorIs(t, err, voiceerr.ErrReferenceArtifact)
}

func TestBuildErrorsKeepKind(t *testing.T) {
	cache := New(newLogger())
	sp := writeSpeaker(t, t.TempDir(), "spk-1")

	loadErr := voiceerr.E(voiceerr.ErrModelLoad, "modelslot.load", errors.New("no device"))
	_, err := cache.GetOrBuild(context.Background(), sp, (&countingBuild{err: loadErr}).build)
	assert.ErrorIs(t, err, voiceerr.ErrModelLoad)

	_, err = cache.GetOrBuild(context.Background(), sp, (&countingBuild{err: errors.New("engine crashed")}).build)
	assert.ErrorIs(t, err, voiceerr.ErrSynthesis)
	assert.Equal(t, 0, cache.Len())
}

func TestCancelledLeaderDoesNotFailFollowers(t *testing.T) {
	cache := New(newLogger())
	sp := writeSpeaker(t, t.TempDir(), "spk-1")
	b := &countingBuild{delay: 100 * time.Millisecond}

	leaderCtx, cancel := context.WithCancel(context.Background())
	leaderDone := make(chan error, 1)
	go func() {
		_, err := cache.GetOrBuild(leaderCtx, sp, b.build)
		leaderDone <- err
	}()
	time.Sleep(20 * time.Millisecond)

	followerDone := make(chan error, 1)
	go func() {
		_, err := cache.GetOrBuild(context.Background(), sp, b.build)
		followerDone <- err
	}()
	time.Sleep(20 * time.Millisecond)
	cancel()

	assert.ErrorIs(t, <-leaderDone, context.Canceled)
	require.NoError(t, <-followerDone)
	assert.Equal(t, 1, cache.Len())
}
