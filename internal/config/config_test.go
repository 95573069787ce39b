package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.HTTP.Port != 8008 {
		t.Fatalf("expected default port 8008, got %d", cfg.HTTP.Port)
	}
	if cfg.Stream.EmitEveryFrames != 12 || cfg.Stream.FirstChunkFrames != 48 {
		t.Fatalf("unexpected stream defaults: %+v", cfg.Stream)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("VOICE_BUS_ENABLED", "true")
	t.Setenv("VOICE_BUS_SERVERS", "nats://one:4222, nats://two:4222")
	t.Setenv("VOICE_BUS_USERNAME", "alice")
	t.Setenv("VOICE_BUS_PASSWORD", "secret")
	t.Setenv("VOICE_NODE_ID", "test-node")
	t.Setenv("VOICE_REGISTRY_PATH", "./tmp.db")
	t.Setenv("VOICE_ENGINE_MODE", "exec")
	t.Setenv("VOICE_ENGINE_COMMAND", "python3 worker.py --stdio")
	t.Setenv("VOICE_ENGINE_DEVICE", "cpu")
	t.Setenv("VOICE_ENGINE_ACQUIRE_TIMEOUT", "15s")
	t.Setenv("VOICE_STREAM_EMIT_EVERY_FRAMES", "8")
	t.Setenv("VOICE_STREAM_STALL_TIMEOUT", "45s")
	t.Setenv("VOICE_OUTPUT_DIR", "/var/lib/voice")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if !cfg.Bus.Enabled {
		t.Fatal("expected bus enabled override")
	}
	if len(cfg.Bus.Servers) != 2 {
		t.Fatalf("expected 2 servers, got %v", cfg.Bus.Servers)
	}
	if cfg.Bus.Username != "alice" || cfg.Bus.Password != "secret" {
		t.Fatalf("expected credentials override")
	}
	if cfg.Node.ID != "test-node" {
		t.Fatalf("expected node id override")
	}
	if cfg.Registry.Path != "./tmp.db" {
		t.Fatalf("expected registry path override")
	}
	if cfg.Engine.Mode != "exec" || cfg.Engine.Command != "python3 worker.py --stdio" {
		t.Fatalf("expected engine overrides, got %+v", cfg.Engine)
	}
	if cfg.Engine.Device != "cpu" {
		t.Fatalf("expected device override")
	}
	if cfg.Engine.AcquireTimeout != 15*time.Second {
		t.Fatalf("expected acquire timeout 15s, got %s", cfg.Engine.AcquireTimeout)
	}
	if cfg.Stream.EmitEveryFrames != 8 {
		t.Fatalf("expected emit every override")
	}
	if cfg.Stream.StallTimeout != 45*time.Second {
		t.Fatalf("expected stall timeout 45s, got %s", cfg.Stream.StallTimeout)
	}
	if cfg.Output.Dir != "/var/lib/voice" {
		t.Fatalf("expected output dir override")
	}
}

func TestExecModeRequiresCommand(t *testing.T) {
	t.Setenv("VOICE_ENGINE_MODE", "exec")
	if _, err := Load(""); err == nil {
		t.Fatal("expected validation error for exec mode without command")
	}
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "voice.yaml")
	data := []byte(`
http:
  port: 9010
engine:
  default_family: kokoro
  families:
    - name: Kokoro
      design_model: kokoro/design
      synthesis_model: kokoro/base
  acquire_timeout: 30s
stream:
  emit_every_frames: 10
  first_chunk_emit_every: 4
`)
	if err := os.WriteFile(path, data, 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.HTTP.Port != 9010 {
		t.Fatalf("expected port 9010, got %d", cfg.HTTP.Port)
	}
	if cfg.Engine.AcquireTimeout != 30*time.Second {
		t.Fatalf("expected 30s acquire timeout, got %s", cfg.Engine.AcquireTimeout)
	}
	fam, ok := cfg.Engine.Family("KOKORO-v1")
	if !ok || fam.SynthesisModel != "kokoro/base" {
		t.Fatalf("expected kokoro family match, got %+v %v", fam, ok)
	}
	if _, ok := cfg.Engine.Family("qwen3-tts"); ok {
		t.Fatal("replaced family list should not match qwen")
	}
}

func TestMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Fatal("expected error for missing config file")
	}
}
