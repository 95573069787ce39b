package engine

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loqalabs/loqa-voice/internal/audio"
)

func TestMockDesignLength(t *testing.T) {
	loader := NewMockLoader(24000)
	model, err := loader.Load(context.Background(), LoadSpec{Role: RoleDesign, Path: "design"})
	require.NoError(t, err)

	wave, err := model.GenerateVoiceDesign(context.Background(), DesignInput{Text: "héllo", Instruct: "warm"})
	require.NoError(t, err)
	assert.Len(t, wave.Samples, 5*mockSamplesPerRune)
	assert.Equal(t, 24000, wave.SampleRate)

	_, err = model.CreateVoiceClonePrompt(context.Background(), Reference{})
	var wrong ErrWrongRole
	require.ErrorAs(t, err, &wrong)
	assert.Equal(t, RoleDesign, wrong.Have)
}

func TestMockLoadFailures(t *testing.T) {
	loader := NewMockLoader(24000)
	_, err := loader.Load(context.Background(), LoadSpec{Role: RoleDesign})
	assert.Error(t, err)

	boom := errors.New("out of memory")
	loader.FailLoads(boom)
	_, err = loader.Load(context.Background(), LoadSpec{Role: RoleDesign, Path: "design"})
	assert.ErrorIs(t, err, boom)

	loader.FailLoads(nil)
	_, err = loader.Load(context.Background(), LoadSpec{Role: RoleDesign, Path: "design"})
	assert.NoError(t, err)
	assert.EqualValues(t, 1, loader.Loads())
}

func TestMockResidentTracking(t *testing.T) {
	loader := NewMockLoader(24000)
	model, err := loader.Load(context.Background(), LoadSpec{Role: RoleSynthesis, Path: "base"})
	require.NoError(t, err)
	assert.Equal(t, 1, loader.Resident())

	require.NoError(t, model.Close())
	require.NoError(t, model.Close())
	assert.Equal(t, 0, loader.Resident())
	assert.False(t, model.Healthy())
}

func TestMockPromptAndClone(t *testing.T) {
	ref := filepath.Join(t.TempDir(), "ref.wav")
	require.NoError(t, audio.WriteWAVFile(ref, tone(2400, 220, 24000), 24000))

	loader := NewMockLoader(24000)
	model, err := loader.Load(context.Background(), LoadSpec{Role: RoleSynthesis, Path: "base"})
	require.NoError(t, err)

	prompt, err := model.CreateVoiceClonePrompt(context.Background(), Reference{SpeakerID: "s1", AudioPath: ref, Text: "hi"})
	require.NoError(t, err)
	assert.NotEmpty(t, prompt.Data)
	assert.EqualValues(t, 1, loader.PromptBuilds())

	params := StreamParams{EmitEveryFrames: 12, DecodeWindowFrames: 80, FirstChunkEmitEvery: 5, FirstChunkFrames: 48}
	frames, errs := model.GenerateVoiceClone(context.Background(), CloneInput{Text: "Hello world", Prompt: prompt, Stream: params})

	var sizes []int
	var total int
	for f := range frames {
		sizes = append(sizes, len(f.Samples))
		total += len(f.Samples)
	}
	require.NoError(t, <-errs)
	require.NotEmpty(t, sizes)
	assert.Equal(t, 5*2000, sizes[0], "first chunk uses the short cadence")
	assert.Equal(t, 11*mockSamplesPerRune, total)
}

func TestMockCloneCancel(t *testing.T) {
	loader := NewMockLoader(24000)
	loader.FrameDelay = time.Millisecond
	model, err := loader.Load(context.Background(), LoadSpec{Role: RoleSynthesis, Path: "base"})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	frames, errs := model.GenerateVoiceClone(ctx, CloneInput{
		Text:   "a fairly long sentence to keep the stream busy for a while",
		Stream: StreamParams{EmitEveryFrames: 1},
	})
	<-frames
	cancel()
	for range frames {
	}
	assert.ErrorIs(t, <-errs, context.Canceled)
}
