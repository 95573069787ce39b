package runtime

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/loqalabs/loqa-voice/internal/config"
)

func TestTelemetryExposesVoiceMetrics(t *testing.T) {
	cfg := config.Default()
	cfg.Node.ID = "voice-7"
	cfg.Environment = "test"

	tel, err := setupTelemetry(cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	t.Cleanup(func() { _ = tel.Shutdown(context.Background()) })
	require.NotNil(t, tel.metrics)

	loads, err := otel.Meter("github.com/loqalabs/loqa-voice/modelslot").Int64Counter("voice.model.loads")
	require.NoError(t, err)
	loads.Add(context.Background(), 1, metric.WithAttributes(attribute.String("role", "synthesis")))

	rec := httptest.NewRecorder()
	tel.metrics.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, "voice_model_loads")
	assert.Contains(t, body, `role="synthesis"`)
	assert.Contains(t, body, `service_instance_id="voice-7"`)
	assert.Contains(t, body, `voice_model_family="Qwen3-TTS"`)
	assert.Contains(t, body, "go_goroutines")
}

func TestTelemetryWithoutMetrics(t *testing.T) {
	cfg := config.Default()
	cfg.Telemetry.Metrics = false

	tel, err := setupTelemetry(cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	defer func() { _ = tel.Shutdown(context.Background()) }()
	assert.Nil(t, tel.metrics)
}

func TestServiceResource(t *testing.T) {
	cfg := config.Default()
	cfg.Node.ID = "voice-9"
	cfg.Engine.Device = "cpu"

	attrs := map[attribute.Key]attribute.Value{}
	for _, kv := range serviceResource(cfg).Attributes() {
		attrs[kv.Key] = kv.Value
	}
	assert.Equal(t, "loqa-voice", attrs["service.name"].AsString())
	assert.Equal(t, "voice-9", attrs["service.instance.id"].AsString())
	assert.Equal(t, "cpu", attrs["voice.engine.device"].AsString())
	assert.EqualValues(t, 24000, attrs["voice.sample_rate"].AsInt64())
}
