package registry

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/loqalabs/loqa-voice/internal/config"
	"github.com/loqalabs/loqa-voice/internal/voiceerr"
	_ "modernc.org/sqlite"
)

// Speaker is a designed voice and the artifacts it was designed from.
type Speaker struct {
	ID              string    `json:"id"`
	Name            string    `json:"name"`
	Gender          string    `json:"gender"`
	Language        string    `json:"language"`
	Description     string    `json:"description"`
	RefAudioFile    string    `json:"ref_audio_file"`
	RefTextFile     string    `json:"ref_text_file"`
	RefInstructFile string    `json:"ref_instruct_file"`
	CreatedAt       time.Time `json:"created_at"`
}

// Store is the SQLite-backed speaker registry.
type Store struct {
	db    *sql.DB
	log   *slog.Logger
	clock func() time.Time
}

// Open creates the database file and schema if needed.
func Open(ctx context.Context, cfg config.RegistryConfig, log *slog.Logger) (*Store, error) {
	dir := filepath.Dir(cfg.Path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, voiceerr.E(voiceerr.ErrStorage, "registry.open", fmt.Errorf("create data dir: %w", err))
		}
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", cfg.Path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, voiceerr.E(voiceerr.ErrStorage, "registry.open", fmt.Errorf("open sqlite: %w", err))
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, voiceerr.E(voiceerr.ErrStorage, "registry.open", fmt.Errorf("ping sqlite: %w", err))
	}

	s := &Store{db: db, log: log, clock: time.Now}
	if err := s.initSchema(ctx); err != nil {
		db.Close()
		return nil, voiceerr.E(voiceerr.ErrStorage, "registry.open", err)
	}

	if cfg.VacuumOnStart {
		if _, err := db.ExecContext(ctx, "VACUUM"); err != nil {
			log.Warn("speaker registry vacuum failed", slog.String("error", err.Error()))
		}
	}
	return s, nil
}

func (s *Store) initSchema(ctx context.Context) error {
	ddl := `
CREATE TABLE IF NOT EXISTS speakers (
    id TEXT PRIMARY KEY,
    name TEXT NOT NULL,
    gender TEXT,
    language TEXT,
    description TEXT,
    ref_audio_file TEXT NOT NULL,
    ref_text_file TEXT NOT NULL,
    ref_instruct_file TEXT,
    created_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_speakers_created ON speakers(created_at);
`
	_, err := s.db.ExecContext(ctx, ddl)
	return err
}

// Close releases underlying resources.
func (s *Store) Close() error {
	return s.db.Close()
}

// Save upserts sp by id. Saving the same record twice is a no-op. On
// conflict only the descriptive fields change; the reference file paths and
// the creation time of the original record are kept.
func (s *Store) Save(ctx context.Context, sp Speaker) error {
	if sp.ID == "" {
		return voiceerr.Errorf(voiceerr.ErrValidation, "registry.save", "speaker id is empty")
	}
	if sp.CreatedAt.IsZero() {
		sp.CreatedAt = s.clock().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO speakers(id, name, gender, language, description, ref_audio_file, ref_text_file, ref_instruct_file, created_at)
		 VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET name=excluded.name, gender=excluded.gender, language=excluded.language,
		   description=excluded.description`,
		sp.ID, sp.Name, sp.Gender, sp.Language, sp.Description,
		sp.RefAudioFile, sp.RefTextFile, sp.RefInstructFile, sp.CreatedAt.UTC())
	if err != nil {
		return voiceerr.E(voiceerr.ErrStorage, "registry.save", err)
	}
	return nil
}

// Get returns the speaker with id, or an error of kind ErrNotFound.
func (s *Store) Get(ctx context.Context, id string) (Speaker, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, name, gender, language, description, ref_audio_file, ref_text_file, ref_instruct_file, created_at
		 FROM speakers WHERE id = ?`, id)
	sp, err := scanSpeaker(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Speaker{}, voiceerr.Errorf(voiceerr.ErrNotFound, "registry.get", "speaker %q", id)
	}
	if err != nil {
		return Speaker{}, voiceerr.E(voiceerr.ErrStorage, "registry.get", err)
	}
	return sp, nil
}

// List returns up to limit speakers, oldest first.
func (s *Store) List(ctx context.Context, limit int) ([]Speaker, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, gender, language, description, ref_audio_file, ref_text_file, ref_instruct_file, created_at
		 FROM speakers ORDER BY created_at ASC, id ASC LIMIT ?`, limit)
	if err != nil {
		return nil, voiceerr.E(voiceerr.ErrStorage, "registry.list", err)
	}
	defer rows.Close()

	var speakers []Speaker
	for rows.Next() {
		sp, err := scanSpeaker(rows)
		if err != nil {
			return nil, voiceerr.E(voiceerr.ErrStorage, "registry.list", err)
		}
		speakers = append(speakers, sp)
	}
	if err := rows.Err(); err != nil {
		return nil, voiceerr.E(voiceerr.ErrStorage, "registry.list", err)
	}
	return speakers, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanSpeaker(row scanner) (Speaker, error) {
	var sp Speaker
	var gender, language, description, instruct sql.NullString
	var created any
	if err := row.Scan(&sp.ID, &sp.Name, &gender, &language, &description,
		&sp.RefAudioFile, &sp.RefTextFile, &instruct, &created); err != nil {
		return Speaker{}, err
	}
	sp.Gender = gender.String
	sp.Language = language.String
	sp.Description = description.String
	sp.RefInstructFile = instruct.String
	sp.CreatedAt = parseTime(created)
	return sp, nil
}

// parseTime accepts the representations the sqlite driver hands back for a
// TIMESTAMP column.
func parseTime(v any) time.Time {
	switch t := v.(type) {
	case time.Time:
		return t
	case string:
		for _, layout := range []string{time.RFC3339Nano, "2006-01-02 15:04:05.999999999-07:00", "2006-01-02 15:04:05"} {
			if ts, err := time.Parse(layout, t); err == nil {
				return ts
			}
		}
	case []byte:
		return parseTime(string(t))
	}
	return time.Time{}
}
