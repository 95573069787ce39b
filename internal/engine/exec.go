package engine

import (
	"bufio"
	"context"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"os/exec"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/mattn/go-shellwords"
)

const (
	cancelGrace    = 2 * time.Second
	maxLineBytes   = 64 << 20
	initialLineBuf = 1 << 20
)

// ExecLoader starts one long-lived worker process per loaded model. The worker
// speaks newline-delimited JSON: requests on stdin, events on stdout.
type ExecLoader struct {
	cmd    []string
	logger *slog.Logger
}

type execRequest struct {
	ID        string   `json:"id"`
	Op        string   `json:"op"`
	Text      string   `json:"text,omitempty"`
	Language  string   `json:"language,omitempty"`
	Instruct  string   `json:"instruct,omitempty"`
	Emotion   []string `json:"emotion,omitempty"`
	SpeakerID string   `json:"speaker_id,omitempty"`
	RefAudio  string   `json:"ref_audio,omitempty"`
	RefText   string   `json:"ref_text,omitempty"`
	Prompt    string   `json:"prompt_base64,omitempty"`

	EmitEveryFrames     int `json:"emit_every_frames,omitempty"`
	DecodeWindowFrames  int `json:"decode_window_frames,omitempty"`
	FirstChunkEmitEvery int `json:"first_chunk_emit_every,omitempty"`
	FirstChunkFrames    int `json:"first_chunk_frames,omitempty"`
}

type execEvent struct {
	ID         string `json:"id"`
	Event      string `json:"event"` // ready, waveform, prompt, frame, done, error
	PCMBase64  string `json:"pcm_f32_base64"`
	SampleRate int    `json:"sample_rate"`
	Prompt     string `json:"prompt_base64"`
	Error      string `json:"error"`
}

func NewExecLoader(command string, logger *slog.Logger) (*ExecLoader, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(command)
	if err != nil {
		return nil, fmt.Errorf("parse engine command: %w", err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("engine command empty")
	}
	return &ExecLoader{cmd: args, logger: logger.With(slog.String("component", "exec-engine"))}, nil
}

func (l *ExecLoader) Load(ctx context.Context, spec LoadSpec) (Model, error) {
	args := append([]string{}, l.cmd[1:]...)
	args = append(args,
		"--role", spec.Role.String(),
		"--model", spec.Path,
		"--device", spec.Device,
	)
	if spec.AttnImpl != "" {
		args = append(args, "--attn-implementation", spec.AttnImpl)
	}

	// The worker outlives the load request; it is stopped by Close.
	cmd := exec.Command(l.cmd[0], args...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start engine worker: %w", err)
	}

	m := &execModel{
		role:    spec.Role,
		cmd:     cmd,
		stdin:   stdin,
		events:  make(chan execEvent, 1),
		done:    make(chan struct{}),
		closing: make(chan struct{}),
		logger:  l.logger.With(slog.String("role", spec.Role.String()), slog.String("model", spec.Path)),
	}
	go m.readLoop(stdout)

	select {
	case <-ctx.Done():
		_ = m.Close()
		return nil, ctx.Err()
	case ev, ok := <-m.events:
		switch {
		case !ok:
			_ = m.Close()
			return nil, errors.New("engine worker exited during load")
		case ev.Event == "error":
			_ = m.Close()
			return nil, fmt.Errorf("engine worker load: %s", ev.Error)
		case ev.Event != "ready":
			_ = m.Close()
			return nil, fmt.Errorf("engine worker sent %q before ready", ev.Event)
		}
	}
	m.logger.Info("engine worker ready", slog.Int("pid", cmd.Process.Pid))
	return m, nil
}

type execModel struct {
	role    Role
	cmd     *exec.Cmd
	stdin   io.WriteCloser
	events  chan execEvent
	done    chan struct{}
	closing chan struct{}
	broken  atomic.Bool
	mu      sync.Mutex
	once    sync.Once
	logger  *slog.Logger
}

func (m *execModel) Role() Role { return m.role }

func (m *execModel) Healthy() bool {
	if m.broken.Load() {
		return false
	}
	select {
	case <-m.done:
		return false
	default:
		return true
	}
}

func (m *execModel) Close() error {
	var err error
	m.once.Do(func() {
		m.broken.Store(true)
		close(m.closing)
		_ = m.stdin.Close()
		select {
		case <-m.done:
		case <-time.After(cancelGrace):
			_ = m.cmd.Process.Kill()
		}
		err = m.cmd.Wait()
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			err = nil
		}
	})
	return err
}

func (m *execModel) readLoop(stdout io.Reader) {
	defer close(m.done)
	defer close(m.events)
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, initialLineBuf), maxLineBytes)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var ev execEvent
		if err := json.Unmarshal(line, &ev); err != nil {
			m.logger.Warn("dropping malformed worker line", slogError(err))
			continue
		}
		select {
		case m.events <- ev:
		case <-m.closing:
			return
		}
	}
	if err := scanner.Err(); err != nil {
		m.logger.Warn("engine worker stdout closed", slogError(err))
	}
	m.broken.Store(true)
}

func (m *execModel) send(req execRequest) error {
	data, err := json.Marshal(req)
	if err != nil {
		return err
	}
	data = append(data, '\n')
	if _, err := m.stdin.Write(data); err != nil {
		m.broken.Store(true)
		return fmt.Errorf("write to engine worker: %w", err)
	}
	return nil
}

// next returns the next event addressed to id, skipping leftovers from
// requests that were abandoned earlier.
func (m *execModel) next(ctx context.Context, id string) (execEvent, error) {
	for {
		select {
		case <-ctx.Done():
			return execEvent{}, ctx.Err()
		case ev, ok := <-m.events:
			if !ok {
				return execEvent{}, errors.New("engine worker exited")
			}
			if ev.ID != id {
				continue
			}
			if ev.Event == "error" {
				return ev, errors.New(ev.Error)
			}
			return ev, nil
		}
	}
}

// abandon asks the worker to stop request id and drains its tail. A worker
// that does not acknowledge within the grace period is killed.
func (m *execModel) abandon(id string) {
	if err := m.send(execRequest{ID: id, Op: "cancel"}); err != nil {
		_ = m.cmd.Process.Kill()
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), cancelGrace)
	defer cancel()
	for {
		ev, err := m.next(ctx, id)
		if err != nil && ctx.Err() != nil {
			m.logger.Warn("engine worker ignored cancel, killing")
			m.broken.Store(true)
			_ = m.cmd.Process.Kill()
			return
		}
		if err != nil || ev.Event == "done" {
			return
		}
	}
}

func (m *execModel) call(ctx context.Context, req execRequest, want string) (execEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	req.ID = uuid.NewString()
	if err := m.send(req); err != nil {
		return execEvent{}, err
	}
	ev, err := m.next(ctx, req.ID)
	if err != nil {
		if ctx.Err() != nil {
			m.abandon(req.ID)
		}
		return execEvent{}, err
	}
	if ev.Event != want {
		return execEvent{}, fmt.Errorf("engine worker sent %q, expected %q", ev.Event, want)
	}
	return ev, nil
}

func (m *execModel) GenerateVoiceDesign(ctx context.Context, in DesignInput) (Waveform, error) {
	if m.role != RoleDesign {
		return Waveform{}, ErrWrongRole{Have: m.role, Want: RoleDesign}
	}
	ev, err := m.call(ctx, execRequest{Op: "design", Text: in.Text, Language: in.Language, Instruct: in.Instruct}, "waveform")
	if err != nil {
		return Waveform{}, err
	}
	samples, err := decodeF32(ev.PCMBase64)
	if err != nil {
		return Waveform{}, err
	}
	return Waveform{Samples: samples, SampleRate: ev.SampleRate}, nil
}

func (m *execModel) CreateVoiceClonePrompt(ctx context.Context, ref Reference) (VoicePrompt, error) {
	if m.role != RoleSynthesis {
		return VoicePrompt{}, ErrWrongRole{Have: m.role, Want: RoleSynthesis}
	}
	ev, err := m.call(ctx, execRequest{Op: "prompt", SpeakerID: ref.SpeakerID, RefAudio: ref.AudioPath, RefText: ref.Text}, "prompt")
	if err != nil {
		return VoicePrompt{}, err
	}
	data, err := base64.StdEncoding.DecodeString(ev.Prompt)
	if err != nil {
		return VoicePrompt{}, fmt.Errorf("decode voice prompt: %w", err)
	}
	return VoicePrompt{SpeakerID: ref.SpeakerID, Data: data}, nil
}

func (m *execModel) GenerateVoiceClone(ctx context.Context, in CloneInput) (<-chan Frame, <-chan error) {
	frames := make(chan Frame)
	errs := make(chan error, 1)
	if m.role != RoleSynthesis {
		errs <- ErrWrongRole{Have: m.role, Want: RoleSynthesis}
		close(frames)
		close(errs)
		return frames, errs
	}

	m.mu.Lock()
	go func() {
		defer close(frames)
		defer close(errs)
		defer m.mu.Unlock()

		req := execRequest{
			ID:                  uuid.NewString(),
			Op:                  "clone",
			Text:                in.Text,
			Language:            in.Language,
			Emotion:             in.Emotion,
			Prompt:              base64.StdEncoding.EncodeToString(in.Prompt.Data),
			EmitEveryFrames:     in.Stream.EmitEveryFrames,
			DecodeWindowFrames:  in.Stream.DecodeWindowFrames,
			FirstChunkEmitEvery: in.Stream.FirstChunkEmitEvery,
			FirstChunkFrames:    in.Stream.FirstChunkFrames,
		}
		if err := m.send(req); err != nil {
			errs <- err
			return
		}
		for {
			ev, err := m.next(ctx, req.ID)
			if err != nil {
				if ctx.Err() != nil {
					m.abandon(req.ID)
				}
				errs <- err
				return
			}
			switch ev.Event {
			case "done":
				return
			case "frame":
				samples, err := decodeF32(ev.PCMBase64)
				if err != nil {
					m.abandon(req.ID)
					errs <- err
					return
				}
				select {
				case <-ctx.Done():
					m.abandon(req.ID)
					errs <- ctx.Err()
					return
				case frames <- Frame{Samples: samples, SampleRate: ev.SampleRate}:
				}
			default:
				m.abandon(req.ID)
				errs <- fmt.Errorf("engine worker sent %q during clone", ev.Event)
				return
			}
		}
	}()
	return frames, errs
}

func decodeF32(b64 string) ([]float32, error) {
	raw, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return nil, fmt.Errorf("decode samples: %w", err)
	}
	if len(raw)%4 != 0 {
		return nil, fmt.Errorf("sample payload not aligned: %d bytes", len(raw))
	}
	out := make([]float32, len(raw)/4)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(raw[i*4:]))
	}
	return out, nil
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
