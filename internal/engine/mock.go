package engine

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"github.com/loqalabs/loqa-voice/internal/audio"
)

// Samples produced per character of input text, and per codec frame at the
// 12 Hz frame rate of the supported families.
const (
	mockSamplesPerRune = 1200
	mockFrameRate      = 12
)

// MockLoader builds deterministic in-process models. It exposes counters so
// callers can observe how often the expensive paths ran.
type MockLoader struct {
	SampleRate int
	// FrameDelay is slept before each emitted chunk.
	FrameDelay time.Duration

	loads        atomic.Int64
	promptBuilds atomic.Int64
	mu           sync.Mutex
	resident     int
	loadErr      error
}

func NewMockLoader(sampleRate int) *MockLoader {
	return &MockLoader{SampleRate: sampleRate}
}

func (l *MockLoader) Load(ctx context.Context, spec LoadSpec) (Model, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if spec.Path == "" {
		return nil, errors.New("model path is empty")
	}
	l.mu.Lock()
	if l.loadErr != nil {
		err := l.loadErr
		l.mu.Unlock()
		return nil, err
	}
	l.resident++
	l.mu.Unlock()
	l.loads.Add(1)
	rate := l.SampleRate
	if rate <= 0 {
		rate = 24000
	}
	return &mockModel{loader: l, spec: spec, sampleRate: rate}, nil
}

// FailLoads makes every following Load return err. A nil err restores loading.
func (l *MockLoader) FailLoads(err error) {
	l.mu.Lock()
	l.loadErr = err
	l.mu.Unlock()
}

// Loads returns the number of successful loads.
func (l *MockLoader) Loads() int64 { return l.loads.Load() }

// PromptBuilds returns how many voice prompts were constructed.
func (l *MockLoader) PromptBuilds() int64 { return l.promptBuilds.Load() }

// Resident returns how many loaded models have not been closed yet.
func (l *MockLoader) Resident() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.resident
}

type mockModel struct {
	loader     *MockLoader
	spec       LoadSpec
	sampleRate int
	closed     atomic.Bool
}

func (m *mockModel) Role() Role { return m.spec.Role }

func (m *mockModel) Healthy() bool { return !m.closed.Load() }

func (m *mockModel) Close() error {
	if m.closed.CompareAndSwap(false, true) {
		m.loader.mu.Lock()
		m.loader.resident--
		m.loader.mu.Unlock()
	}
	return nil
}

func (m *mockModel) check(want Role) error {
	if m.closed.Load() {
		return errors.New("model closed")
	}
	if m.spec.Role != want {
		return ErrWrongRole{Have: m.spec.Role, Want: want}
	}
	return nil
}

func (m *mockModel) GenerateVoiceDesign(ctx context.Context, in DesignInput) (Waveform, error) {
	if err := m.check(RoleDesign); err != nil {
		return Waveform{}, err
	}
	if err := ctx.Err(); err != nil {
		return Waveform{}, err
	}
	pitch := 110 + float64(seed(in.Instruct)%220)
	n := utf8.RuneCountInString(in.Text) * mockSamplesPerRune
	return Waveform{Samples: tone(n, pitch, m.sampleRate), SampleRate: m.sampleRate}, nil
}

func (m *mockModel) CreateVoiceClonePrompt(ctx context.Context, ref Reference) (VoicePrompt, error) {
	if err := m.check(RoleSynthesis); err != nil {
		return VoicePrompt{}, err
	}
	samples, _, err := audio.ReadWAVFile(ref.AudioPath)
	if err != nil {
		return VoicePrompt{}, fmt.Errorf("read reference audio: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return VoicePrompt{}, err
	}
	h := sha256.New()
	for _, s := range samples {
		_ = binary.Write(h, binary.LittleEndian, s)
	}
	h.Write([]byte(ref.Text))
	m.loader.promptBuilds.Add(1)
	return VoicePrompt{SpeakerID: ref.SpeakerID, Data: h.Sum(nil)}, nil
}

func (m *mockModel) GenerateVoiceClone(ctx context.Context, in CloneInput) (<-chan Frame, <-chan error) {
	frames := make(chan Frame)
	errs := make(chan error, 1)
	if err := m.check(RoleSynthesis); err != nil {
		errs <- err
		close(frames)
		close(errs)
		return frames, errs
	}

	go func() {
		defer close(frames)
		defer close(errs)

		pitch := 110.0
		if len(in.Prompt.Data) > 0 {
			pitch += float64(in.Prompt.Data[0])
		}
		total := utf8.RuneCountInString(in.Text) * mockSamplesPerRune
		waveform := tone(total, pitch, m.sampleRate)
		perFrame := m.sampleRate / mockFrameRate

		first := true
		for offset := 0; offset < total; {
			every := in.Stream.EmitEveryFrames
			if first && in.Stream.FirstChunkEmitEvery > 0 {
				every = in.Stream.FirstChunkEmitEvery
			}
			if every <= 0 {
				every = 1
			}
			end := offset + every*perFrame
			if end > total {
				end = total
			}
			if m.loader.FrameDelay > 0 {
				select {
				case <-ctx.Done():
					errs <- ctx.Err()
					return
				case <-time.After(m.loader.FrameDelay):
				}
			}
			select {
			case <-ctx.Done():
				errs <- ctx.Err()
				return
			case frames <- Frame{Samples: waveform[offset:end], SampleRate: m.sampleRate}:
			}
			offset = end
			first = false
		}
	}()
	return frames, errs
}

func seed(s string) uint32 {
	sum := sha256.Sum256([]byte(s))
	return binary.BigEndian.Uint32(sum[:4])
}

func tone(n int, freq float64, sampleRate int) []float32 {
	out := make([]float32, n)
	for i := range out {
		out[i] = float32(0.3 * math.Sin(2*math.Pi*freq*float64(i)/float64(sampleRate)))
	}
	return out
}
