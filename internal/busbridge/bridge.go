// Package busbridge exposes the voice service on the NATS bus: speech requests
// come in on voice.tts.request and audio goes out as ordered PCM16 chunks.
package busbridge

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"

	"github.com/loqalabs/loqa-voice/internal/bus"
	"github.com/loqalabs/loqa-voice/internal/protocol"
	"github.com/loqalabs/loqa-voice/internal/registry"
	"github.com/loqalabs/loqa-voice/internal/synthesis"
	"github.com/loqalabs/loqa-voice/internal/voice"
	"github.com/loqalabs/loqa-voice/internal/voiceerr"
)

const queueGroup = "voice-tts"

// Synthesizer is the part of the voice service the bridge drives.
type Synthesizer interface {
	GenerateStream(ctx context.Context, req voice.SpeechGenerationRequest) (*synthesis.Stream, error)
}

type Options struct {
	NodeID         string
	SampleRate     int
	RequestTimeout time.Duration
}

type Bridge struct {
	opts   Options
	bus    *bus.Client
	synth  Synthesizer
	sub    *nats.Subscription
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	logger *slog.Logger
}

func New(parent context.Context, opts Options, busClient *bus.Client, synth Synthesizer, log *slog.Logger) *Bridge {
	ctx, cancel := context.WithCancel(parent)
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 5 * time.Minute
	}
	return &Bridge{
		opts:   opts,
		bus:    busClient,
		synth:  synth,
		ctx:    ctx,
		cancel: cancel,
		logger: log.With(slog.String("component", "bus-bridge")),
	}
}

// Start subscribes to speech requests. Nodes share requests through a queue
// group so each request is served once.
func (b *Bridge) Start() error {
	sub, err := b.bus.Conn().QueueSubscribe(protocol.SubjectTTSRequest, queueGroup, b.handleRequest)
	if err != nil {
		return err
	}
	b.sub = sub
	return nil
}

func (b *Bridge) Close() {
	b.cancel()
	if b.sub != nil {
		_ = b.sub.Drain()
	}
	b.wg.Wait()
}

func (b *Bridge) Healthy() bool { return b.sub != nil && b.sub.IsValid() }

// SpeakerDesigned publishes a notification for a newly persisted speaker.
func (b *Bridge) SpeakerDesigned(_ context.Context, sp registry.Speaker) {
	msg := protocol.SpeakerDesigned{
		SpeakerID: sp.ID,
		Name:      sp.Name,
		Gender:    sp.Gender,
		Language:  sp.Language,
		NodeID:    b.opts.NodeID,
		Timestamp: time.Now().UTC(),
	}
	b.publish(protocol.SubjectSpeakerDesigned, msg)
}

func (b *Bridge) handleRequest(msg *nats.Msg) {
	var req protocol.TTSRequest
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		b.logger.Warn("failed to decode tts request", slogError(err))
		return
	}
	if req.RequestID == "" {
		req.RequestID = uuid.NewString()
	}

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()

		ctx, cancel := context.WithTimeout(b.ctx, b.opts.RequestTimeout)
		defer cancel()

		stream, err := b.synth.GenerateStream(ctx, voice.SpeechGenerationRequest{
			Text:      req.Text,
			SpeakerID: req.SpeakerID,
			Language:  req.Language,
			Emotion:   req.Emotion,
		})
		if err != nil {
			b.logger.Warn("tts request rejected", slog.String("request_id", req.RequestID), slogError(err))
			b.publishDone(req, 0, err)
			return
		}
		defer stream.Close()

		sequence := 0
		for pcm := range stream.Chunks() {
			b.publish(protocol.SubjectTTSAudio, protocol.AudioChunk{
				RequestID:  req.RequestID,
				SessionID:  req.SessionID,
				Target:     req.Target,
				Sequence:   sequence,
				SampleRate: b.opts.SampleRate,
				Channels:   1,
				PCM:        pcm,
			})
			sequence++
		}
		err = stream.Err()
		if err == nil {
			b.publish(protocol.SubjectTTSAudio, protocol.AudioChunk{
				RequestID:  req.RequestID,
				SessionID:  req.SessionID,
				Target:     req.Target,
				Sequence:   sequence,
				SampleRate: b.opts.SampleRate,
				Channels:   1,
				Final:      true,
			})
		} else {
			b.logger.Warn("tts synthesis error", slog.String("request_id", req.RequestID), slogError(err))
		}
		b.publishDone(req, sequence, err)
	}()
}

func (b *Bridge) publishDone(req protocol.TTSRequest, chunks int, err error) {
	status := protocol.TTSStatus{
		RequestID: req.RequestID,
		SessionID: req.SessionID,
		Target:    req.Target,
		Completed: err == nil,
		Chunks:    chunks,
		Timestamp: time.Now().UTC(),
	}
	if err != nil {
		status.Error = err.Error()
		status.ErrorKind = string(voiceerr.KindOf(err))
	}
	b.publish(protocol.SubjectTTSDone, status)
}

func (b *Bridge) publish(subject string, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		b.logger.Warn("failed to marshal bus message", slog.String("subject", subject), slogError(err))
		return
	}
	if err := b.bus.Publish(subject, data); err != nil {
		b.logger.Warn("failed to publish bus message", slog.String("subject", subject), slogError(err))
	}
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
