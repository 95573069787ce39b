package registry

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/loqalabs/loqa-voice/internal/config"
	"github.com/loqalabs/loqa-voice/internal/voiceerr"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func openStore(t *testing.T, path string) *Store {
	t.Helper()
	s, err := Open(context.Background(), config.RegistryConfig{Path: path}, newLogger())
	if err != nil {
		t.Fatalf("open registry: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func artoria(id string) Speaker {
	return Speaker{
		ID:              id,
		Name:            "Artoria",
		Gender:          "Female",
		Language:        "English",
		Description:     "calm formal tone",
		RefAudioFile:    "outputs/tts/" + id + "_ref.wav",
		RefTextFile:     "outputs/tts/" + id + "_ref_text.txt",
		RefInstructFile: "outputs/tts/" + id + "_ref_instruct.txt",
	}
}

func TestSaveAndGet(t *testing.T) {
	s := openStore(t, filepath.Join(t.TempDir(), "speakers.db"))
	ctx := context.Background()

	if err := s.Save(ctx, artoria("spk-1")); err != nil {
		t.Fatalf("save: %v", err)
	}
	got, err := s.Get(ctx, "spk-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	want := artoria("spk-1")
	if got.Name != want.Name || got.Gender != want.Gender || got.Language != want.Language {
		t.Fatalf("unexpected speaker: %+v", got)
	}
	if got.Description != "calm formal tone" {
		t.Fatalf("unexpected description: %q", got.Description)
	}
	if got.RefAudioFile != want.RefAudioFile || got.RefInstructFile != want.RefInstructFile {
		t.Fatalf("unexpected artifact paths: %+v", got)
	}
	if got.CreatedAt.IsZero() {
		t.Fatalf("expected created_at to be set")
	}
}

func TestGetMissingIsNotFound(t *testing.T) {
	s := openStore(t, filepath.Join(t.TempDir(), "speakers.db"))
	_, err := s.Get(context.Background(), "nobody")
	if !errors.Is(err, voiceerr.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestSaveIsIdempotent(t *testing.T) {
	s := openStore(t, filepath.Join(t.TempDir(), "speakers.db"))
	ctx := context.Background()
	s.clock = func() time.Time { return time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC) }

	sp := artoria("spk-1")
	for i := 0; i < 2; i++ {
		if err := s.Save(ctx, sp); err != nil {
			t.Fatalf("save %d: %v", i, err)
		}
	}
	list, err := s.List(ctx, 10)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 1 {
		t.Fatalf("expected 1 speaker, got %d", len(list))
	}

	s.clock = func() time.Time { return time.Date(2025, 2, 1, 0, 0, 0, 0, time.UTC) }
	sp.Name = "Saber"
	if err := s.Save(ctx, sp); err != nil {
		t.Fatalf("update: %v", err)
	}
	got, err := s.Get(ctx, "spk-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Name != "Saber" {
		t.Fatalf("expected upsert to update name, got %q", got.Name)
	}
	if !got.CreatedAt.Equal(time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)) {
		t.Fatalf("created_at changed on upsert: %v", got.CreatedAt)
	}
}

func TestUpsertKeepsReferencePaths(t *testing.T) {
	s := openStore(t, filepath.Join(t.TempDir(), "speakers.db"))
	ctx := context.Background()

	original := artoria("spk-1")
	if err := s.Save(ctx, original); err != nil {
		t.Fatalf("save: %v", err)
	}

	update := artoria("spk-1")
	update.Description = "warmer tone"
	update.RefAudioFile = "elsewhere/other_ref.wav"
	update.RefTextFile = ""
	update.RefInstructFile = ""
	if err := s.Save(ctx, update); err != nil {
		t.Fatalf("update: %v", err)
	}

	got, err := s.Get(ctx, "spk-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Description != "warmer tone" {
		t.Fatalf("expected description to be updated, got %q", got.Description)
	}
	if got.RefAudioFile != original.RefAudioFile || got.RefTextFile != original.RefTextFile || got.RefInstructFile != original.RefInstructFile {
		t.Fatalf("reference paths changed on upsert: %+v", got)
	}
}

func TestSaveRejectsEmptyID(t *testing.T) {
	s := openStore(t, filepath.Join(t.TempDir(), "speakers.db"))
	err := s.Save(context.Background(), Speaker{Name: "x"})
	if !errors.Is(err, voiceerr.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestDurableAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "speakers.db")
	first, err := Open(context.Background(), config.RegistryConfig{Path: path}, newLogger())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := first.Save(context.Background(), artoria("spk-1")); err != nil {
		t.Fatalf("save: %v", err)
	}
	if err := first.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	second := openStore(t, path)
	if _, err := second.Get(context.Background(), "spk-1"); err != nil {
		t.Fatalf("get after reopen: %v", err)
	}
}

func TestListOrder(t *testing.T) {
	s := openStore(t, filepath.Join(t.TempDir(), "speakers.db"))
	ctx := context.Background()
	base := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 3; i++ {
		at := base.Add(time.Duration(2-i) * time.Hour)
		s.clock = func() time.Time { return at }
		if err := s.Save(ctx, artoria(fmt.Sprintf("spk-%d", i))); err != nil {
			t.Fatalf("save: %v", err)
		}
	}
	list, err := s.List(ctx, 2)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 2 || list[0].ID != "spk-2" || list[1].ID != "spk-1" {
		t.Fatalf("unexpected order: %+v", list)
	}
}

func TestConcurrentSaveAndGet(t *testing.T) {
	s := openStore(t, filepath.Join(t.TempDir(), "speakers.db"))
	ctx := context.Background()
	if err := s.Save(ctx, artoria("reader")); err != nil {
		t.Fatalf("seed: %v", err)
	}

	var wg sync.WaitGroup
	errs := make(chan error, 40)
	for i := 0; i < 20; i++ {
		wg.Add(2)
		go func(i int) {
			defer wg.Done()
			errs <- s.Save(ctx, artoria(fmt.Sprintf("writer-%d", i)))
		}(i)
		go func() {
			defer wg.Done()
			_, err := s.Get(ctx, "reader")
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("concurrent access: %v", err)
		}
	}
}
