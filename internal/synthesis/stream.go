package synthesis

import (
	"context"
	"time"

	"github.com/loqalabs/loqa-voice/internal/audio"
	"github.com/loqalabs/loqa-voice/internal/engine"
	"github.com/loqalabs/loqa-voice/internal/voiceerr"
)

// Stream is a finite, non-restartable sequence of little-endian PCM16 chunks.
// Chunks are produced only as fast as they are read.
type Stream struct {
	chunks  chan []byte
	done    chan struct{}
	cancel  context.CancelFunc
	err     error
	samples int
}

// Chunks yields PCM16 buffers in playback order. The channel is closed when
// generation ends, fails or is cancelled.
func (s *Stream) Chunks() <-chan []byte { return s.chunks }

// Err reports why the stream ended. It blocks until Chunks is closed and is
// nil after a complete stream.
func (s *Stream) Err() error {
	<-s.done
	return s.err
}

// Samples returns the number of samples delivered so far. It is only
// meaningful after Chunks is closed.
func (s *Stream) Samples() int {
	<-s.done
	return s.samples
}

// Close stops generation and waits until the device has been handed back.
func (s *Stream) Close() {
	s.cancel()
	for range s.chunks {
	}
	<-s.done
}

// pump forwards engine frames as PCM16 chunks. When stall is positive and the
// engine goes that long without producing a frame, generation is cancelled and
// the stream fails. Time spent waiting on the consumer does not count.
func (s *Stream) pump(ctx context.Context, frames <-chan engine.Frame, errs <-chan error, stall time.Duration, sent func()) error {
	var stalled <-chan time.Time
	var timer *time.Timer
	if stall > 0 {
		timer = time.NewTimer(stall)
		defer timer.Stop()
		stalled = timer.C
	}
	for {
		var (
			f  engine.Frame
			ok bool
		)
		select {
		case f, ok = <-frames:
		case <-stalled:
			s.cancel()
			abort(frames, errs, nil)
			return voiceerr.Errorf(voiceerr.ErrSynthesis, "synthesis.generate_stream", "engine produced no audio for %s", stall)
		case <-ctx.Done():
			return abort(frames, errs, ctx.Err())
		}
		if !ok {
			return <-errs
		}
		if len(f.Samples) > 0 {
			select {
			case s.chunks <- audio.PCM16(f.Samples):
				s.samples += len(f.Samples)
				sent()
			case <-ctx.Done():
				return abort(frames, errs, ctx.Err())
			}
		}
		if timer != nil {
			timer.Reset(stall)
		}
	}
}

// abort waits for a cancelled engine to wind down. The engine's own error
// wins over fallback.
func abort(frames <-chan engine.Frame, errs <-chan error, fallback error) error {
	for range frames {
	}
	if err := <-errs; err != nil {
		return err
	}
	return fallback
}
