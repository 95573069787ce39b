package busbridge

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats-server/v2/test"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loqalabs/loqa-voice/internal/bus"
	"github.com/loqalabs/loqa-voice/internal/config"
	"github.com/loqalabs/loqa-voice/internal/engine"
	"github.com/loqalabs/loqa-voice/internal/modelslot"
	"github.com/loqalabs/loqa-voice/internal/promptcache"
	"github.com/loqalabs/loqa-voice/internal/protocol"
	"github.com/loqalabs/loqa-voice/internal/registry"
	"github.com/loqalabs/loqa-voice/internal/synthesis"
	"github.com/loqalabs/loqa-voice/internal/voice"
	"github.com/loqalabs/loqa-voice/internal/voiceerr"
)

func startTestServer(t *testing.T) *server.Server {
	t.Helper()
	opts := test.DefaultTestOptions
	opts.Port = -1
	ns := test.RunServer(&opts)
	t.Cleanup(ns.Shutdown)
	return ns
}

func newVoiceService(t *testing.T, logger *slog.Logger) *voice.Service {
	t.Helper()
	dir := t.TempDir()
	cfg := config.Default()
	cfg.Output.Dir = filepath.Join(dir, "tts")
	cfg.Registry.Path = filepath.Join(dir, "speakers.db")

	store, err := registry.Open(context.Background(), cfg.Registry, logger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	slot, err := modelslot.New(cfg.Engine, engine.NewMockLoader(cfg.Engine.SampleRate), logger)
	require.NoError(t, err)
	cache := promptcache.New(logger)
	return voice.NewService(cfg, store, slot, cache, synthesis.New(cfg, slot, cache, logger), logger)
}

type fixture struct {
	svc    *voice.Service
	bridge *Bridge
	nc     *nats.Conn
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
	ns := startTestServer(t)

	client, err := bus.Connect(context.Background(), config.BusConfig{Servers: []string{ns.ClientURL()}, ConnectTimeout: 2000}, "voice-test", logger)
	require.NoError(t, err)
	t.Cleanup(client.Close)

	svc := newVoiceService(t, logger)
	bridge := New(context.Background(), Options{NodeID: "node-1", SampleRate: 24000, RequestTimeout: 10 * time.Second}, client, svc, logger)
	require.NoError(t, bridge.Start())
	t.Cleanup(bridge.Close)
	svc.SetNotifier(bridge)

	nc, err := nats.Connect(ns.ClientURL())
	require.NoError(t, err)
	t.Cleanup(nc.Close)
	return &fixture{svc: svc, bridge: bridge, nc: nc}
}

func (f *fixture) request(t *testing.T, req protocol.TTSRequest) {
	t.Helper()
	data, err := json.Marshal(req)
	require.NoError(t, err)
	require.NoError(t, f.nc.Publish(protocol.SubjectTTSRequest, data))
	require.NoError(t, f.nc.Flush())
}

func TestSpeakerDesignedIsPublished(t *testing.T) {
	f := newFixture(t)
	sub, err := f.nc.SubscribeSync(protocol.SubjectSpeakerDesigned)
	require.NoError(t, err)
	require.NoError(t, f.nc.Flush())

	id, err := f.svc.DesignVoice(context.Background(), voice.VoiceDesignRequest{
		Name: "Artoria", Gender: "Female", Language: "English", Instruct: "calm formal tone", Text: "hello there",
	})
	require.NoError(t, err)

	msg, err := sub.NextMsg(5 * time.Second)
	require.NoError(t, err)
	var evt protocol.SpeakerDesigned
	require.NoError(t, json.Unmarshal(msg.Data, &evt))
	assert.Equal(t, id, evt.SpeakerID)
	assert.Equal(t, "Artoria", evt.Name)
	assert.Equal(t, "node-1", evt.NodeID)
}

func TestStreamOverBus(t *testing.T) {
	f := newFixture(t)
	assert.True(t, f.bridge.Healthy())

	id, err := f.svc.DesignVoice(context.Background(), voice.VoiceDesignRequest{
		Name: "Artoria", Instruct: "calm formal tone", Text: "hello there",
	})
	require.NoError(t, err)

	audioSub, err := f.nc.SubscribeSync(protocol.SubjectTTSAudio)
	require.NoError(t, err)
	doneSub, err := f.nc.SubscribeSync(protocol.SubjectTTSDone)
	require.NoError(t, err)
	require.NoError(t, f.nc.Flush())

	f.request(t, protocol.TTSRequest{RequestID: "req-1", SessionID: "s-1", SpeakerID: id, Text: "Bus delivered speech."})

	msg, err := doneSub.NextMsg(10 * time.Second)
	require.NoError(t, err)
	var status protocol.TTSStatus
	require.NoError(t, json.Unmarshal(msg.Data, &status))
	require.True(t, status.Completed, status.Error)
	assert.Equal(t, "req-1", status.RequestID)

	var total, next int
	for {
		msg, err := audioSub.NextMsg(5 * time.Second)
		require.NoError(t, err)
		var chunk protocol.AudioChunk
		require.NoError(t, json.Unmarshal(msg.Data, &chunk))
		assert.Equal(t, next, chunk.Sequence)
		next++
		if chunk.Final {
			break
		}
		total += len(chunk.PCM)
	}
	assert.Equal(t, status.Chunks, next-1)
	assert.Equal(t, len([]rune("Bus delivered speech."))*1200*2, total)
}

func TestUnknownSpeakerReportsKind(t *testing.T) {
	f := newFixture(t)
	doneSub, err := f.nc.SubscribeSync(protocol.SubjectTTSDone)
	require.NoError(t, err)
	require.NoError(t, f.nc.Flush())

	f.request(t, protocol.TTSRequest{SpeakerID: "ghost", Text: "anyone?"})

	msg, err := doneSub.NextMsg(5 * time.Second)
	require.NoError(t, err)
	var status protocol.TTSStatus
	require.NoError(t, json.Unmarshal(msg.Data, &status))
	assert.False(t, status.Completed)
	assert.Equal(t, string(voiceerr.ErrNotFound), status.ErrorKind)
	assert.NotEmpty(t, status.RequestID)
}
