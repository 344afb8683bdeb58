package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// Store represents the SQLite store.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// Open opens or creates the SQLite database at the given path and runs migrations.
func Open(path string) (*Store, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	db, err := sql.Open("sqlite3", path+"?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if err := MigrateDB(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate database: %w", err)
	}

	return &Store{db: db, now: time.Now}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// DB exposes the underlying handle for migration tooling.
func (s *Store) DB() *sql.DB {
	return s.db
}

// RecordHistory stores a completed dictation and returns the stored entry.
func (s *Store) RecordHistory(ctx context.Context, h NewHistory) (*HistoryEntry, error) {
	createdAt := s.now()
	var rewritten sql.NullString
	if h.RewrittenText != "" {
		rewritten = sql.NullString{String: h.RewrittenText, Valid: true}
	}
	var appName sql.NullString
	if h.AppName != "" {
		appName = sql.NullString{String: h.AppName, Valid: true}
	}

	result, err := s.db.ExecContext(ctx, `
		INSERT INTO histories (raw_text, rewritten_text, is_rewritten, app_name, prompt_id, processing_time_ms, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		h.RawText, rewritten, h.IsRewritten, appName, h.PromptID, h.ProcessingTimeMs, createdAt.UnixNano(),
	)
	if err != nil {
		return nil, fmt.Errorf("insert history: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("get last insert id: %w", err)
	}

	return &HistoryEntry{
		ID:               id,
		RawText:          h.RawText,
		RewrittenText:    h.RewrittenText,
		IsRewritten:      h.IsRewritten,
		AppName:          h.AppName,
		PromptID:         h.PromptID,
		ProcessingTimeMs: h.ProcessingTimeMs,
		CreatedAt:        time.Unix(0, createdAt.UnixNano()),
	}, nil
}

// ListHistory returns up to limit entries, newest first. A non-positive
// limit returns everything.
func (s *Store) ListHistory(ctx context.Context, limit int) ([]HistoryEntry, error) {
	query := `
		SELECT id, raw_text, rewritten_text, is_rewritten, app_name, prompt_id, processing_time_ms, created_at
		FROM histories ORDER BY created_at DESC, id DESC`
	args := []any{}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query histories: %w", err)
	}
	defer rows.Close()

	var entries []HistoryEntry
	for rows.Next() {
		var e HistoryEntry
		var rewritten, appName sql.NullString
		var promptID, processing sql.NullInt64
		var createdAt int64
		if err := rows.Scan(&e.ID, &e.RawText, &rewritten, &e.IsRewritten, &appName, &promptID, &processing, &createdAt); err != nil {
			return nil, fmt.Errorf("scan history: %w", err)
		}
		e.RewrittenText = rewritten.String
		e.AppName = appName.String
		if promptID.Valid {
			v := promptID.Int64
			e.PromptID = &v
		}
		if processing.Valid {
			v := processing.Int64
			e.ProcessingTimeMs = &v
		}
		e.CreatedAt = time.Unix(0, createdAt)
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate histories: %w", err)
	}

	return entries, nil
}

// InsertPrompt stores a prompt. Marking a prompt as default clears the flag
// on every other prompt.
func (s *Store) InsertPrompt(ctx context.Context, p *Prompt) (int64, error) {
	var patterns sql.NullString
	if len(p.AppPatterns) > 0 {
		data, err := json.Marshal(p.AppPatterns)
		if err != nil {
			return 0, fmt.Errorf("marshal app patterns: %w", err)
		}
		patterns = sql.NullString{String: string(data), Valid: true}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	if p.IsDefault {
		if _, err := tx.ExecContext(ctx, "UPDATE prompts SET is_default = 0 WHERE is_default = 1"); err != nil {
			return 0, fmt.Errorf("clear default prompt: %w", err)
		}
	}

	now := s.now().UnixNano()
	result, err := tx.ExecContext(ctx, `
		INSERT INTO prompts (name, content, app_patterns, is_default, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		p.Name, p.Content, patterns, p.IsDefault, now, now,
	)
	if err != nil {
		return 0, fmt.Errorf("insert prompt: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("get last insert id: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit prompt: %w", err)
	}

	p.ID = id
	p.CreatedAt = time.Unix(0, now)
	p.UpdatedAt = p.CreatedAt
	return id, nil
}

const promptColumns = "id, name, content, app_patterns, is_default, created_at, updated_at"

func scanPrompt(row interface{ Scan(...any) error }) (*Prompt, error) {
	var p Prompt
	var patterns sql.NullString
	var createdAt, updatedAt int64
	if err := row.Scan(&p.ID, &p.Name, &p.Content, &patterns, &p.IsDefault, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	if patterns.Valid && patterns.String != "" {
		// Unparseable patterns leave the prompt usable as a plain template.
		if err := json.Unmarshal([]byte(patterns.String), &p.AppPatterns); err != nil {
			p.AppPatterns = nil
		}
	}
	p.CreatedAt = time.Unix(0, createdAt)
	p.UpdatedAt = time.Unix(0, updatedAt)
	return &p, nil
}

// Prompt returns the prompt with the given ID, or nil if not found.
func (s *Store) Prompt(ctx context.Context, id int64) (*Prompt, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+promptColumns+" FROM prompts WHERE id = ?", id)
	p, err := scanPrompt(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get prompt: %w", err)
	}
	return p, nil
}

// DefaultPrompt returns the prompt flagged as default, or nil if none is.
func (s *Store) DefaultPrompt(ctx context.Context) (*Prompt, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+promptColumns+" FROM prompts WHERE is_default = 1 ORDER BY id LIMIT 1")
	p, err := scanPrompt(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get default prompt: %w", err)
	}
	return p, nil
}

// Prompts returns every stored prompt ordered by ID.
func (s *Store) Prompts(ctx context.Context) ([]Prompt, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT "+promptColumns+" FROM prompts ORDER BY id")
	if err != nil {
		return nil, fmt.Errorf("query prompts: %w", err)
	}
	defer rows.Close()

	var prompts []Prompt
	for rows.Next() {
		p, err := scanPrompt(rows)
		if err != nil {
			return nil, fmt.Errorf("scan prompt: %w", err)
		}
		prompts = append(prompts, *p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate prompts: %w", err)
	}
	return prompts, nil
}

// PromptForApp returns the first prompt, in ID order, with a pattern that
// occurs in appName ignoring case. It falls back to the default prompt and
// returns nil when neither exists.
func (s *Store) PromptForApp(ctx context.Context, appName string) (*Prompt, error) {
	prompts, err := s.Prompts(ctx)
	if err != nil {
		return nil, err
	}

	name := strings.ToLower(appName)
	if name != "" {
		for i := range prompts {
			for _, pattern := range prompts[i].AppPatterns {
				if pattern == "" {
					continue
				}
				if strings.Contains(name, strings.ToLower(pattern)) {
					return &prompts[i], nil
				}
			}
		}
	}

	for i := range prompts {
		if prompts[i].IsDefault {
			return &prompts[i], nil
		}
	}
	return nil, nil
}

// AddWord adds a dictionary entry, replacing the display form of an
// existing reading.
func (s *Store) AddWord(ctx context.Context, reading, display string) (int64, error) {
	reading = strings.TrimSpace(reading)
	display = strings.TrimSpace(display)
	if reading == "" || display == "" {
		return 0, fmt.Errorf("dictionary word requires reading and display")
	}

	var id int64
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO dictionary (reading, display, created_at) VALUES (?, ?, ?)
		ON CONFLICT(reading) DO UPDATE SET display = excluded.display
		RETURNING id`,
		reading, display, s.now().UnixNano(),
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("add dictionary word: %w", err)
	}
	return id, nil
}

// RemoveWord deletes the entry for reading. Missing entries are not an error.
func (s *Store) RemoveWord(ctx context.Context, reading string) error {
	if _, err := s.db.ExecContext(ctx, "DELETE FROM dictionary WHERE reading = ?", reading); err != nil {
		return fmt.Errorf("remove dictionary word: %w", err)
	}
	return nil
}

// DictionaryWords returns every dictionary entry in insertion order.
func (s *Store) DictionaryWords(ctx context.Context) ([]DictionaryWord, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT id, reading, display, created_at FROM dictionary ORDER BY id")
	if err != nil {
		return nil, fmt.Errorf("query dictionary: %w", err)
	}
	defer rows.Close()

	var words []DictionaryWord
	for rows.Next() {
		var w DictionaryWord
		var createdAt int64
		if err := rows.Scan(&w.ID, &w.Reading, &w.Display, &createdAt); err != nil {
			return nil, fmt.Errorf("scan dictionary word: %w", err)
		}
		w.CreatedAt = time.Unix(0, createdAt)
		words = append(words, w)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate dictionary: %w", err)
	}
	return words, nil
}

// Setting returns the value stored under key and whether it exists.
func (s *Store) Setting(ctx context.Context, key string) (string, bool, error) {
	var value string
	err := s.db.QueryRowContext(ctx, "SELECT value FROM settings WHERE key = ?", key).Scan(&value)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("get setting %s: %w", key, err)
	}
	return value, true, nil
}

// SetSetting stores value under key, replacing any previous value.
func (s *Store) SetSetting(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO settings (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value`,
		key, value,
	)
	if err != nil {
		return fmt.Errorf("set setting %s: %w", key, err)
	}
	return nil
}

// DeleteSetting removes key.
func (s *Store) DeleteSetting(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx, "DELETE FROM settings WHERE key = ?", key); err != nil {
		return fmt.Errorf("delete setting %s: %w", key, err)
	}
	return nil
}
