// Package docstore keeps user documents in a local SQLite file.
package docstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"geminize/internal/domain"
	"geminize/internal/record"

	_ "modernc.org/sqlite"
)

type Store struct {
	db     *sql.DB
	logger *slog.Logger
	now    func() time.Time
}

func New(ctx context.Context, dbPath string, logger *slog.Logger) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", dbPath, err)
	}
	db.SetMaxOpenConns(1)
	db.SetConnMaxLifetime(0)
	db.SetConnMaxIdleTime(0)

	s := &Store{db: db, logger: logger, now: time.Now}
	if err := s.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) migrate(ctx context.Context) error {
	statements := []string{
		`PRAGMA journal_mode = WAL;`,
		`CREATE TABLE IF NOT EXISTS user_documents (
			user_id TEXT PRIMARY KEY,
			schema_version INTEGER NOT NULL,
			body TEXT NOT NULL,
			updated_at TEXT NOT NULL
		);`,
	}
	for _, stmt := range statements {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate failed: %w", err)
		}
	}
	return s.upgradeLegacyDocuments(ctx)
}

// upgradeLegacyDocuments rewrites rows stored before the current schema.
func (s *Store) upgradeLegacyDocuments(ctx context.Context) error {
	rows, err := s.db.QueryContext(ctx, `SELECT user_id, body FROM user_documents WHERE schema_version < ?`, record.SchemaVersion)
	if err != nil {
		return fmt.Errorf("listing legacy documents: %w", err)
	}
	type legacy struct{ userID, body string }
	var pending []legacy
	for rows.Next() {
		var l legacy
		if err := rows.Scan(&l.userID, &l.body); err != nil {
			rows.Close()
			return err
		}
		pending = append(pending, l)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	for _, l := range pending {
		doc, err := record.Decode([]byte(l.body))
		if err != nil {
			s.logger.Warn("skipping unreadable legacy document", "user", l.userID, "error", err)
			continue
		}
		doc.UserID = l.userID
		if err := s.write(ctx, s.db, doc); err != nil {
			return fmt.Errorf("upgrading document for %s: %w", l.userID, err)
		}
		s.logger.Info("upgraded legacy document", "user", l.userID)
	}
	return nil
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (s *Store) write(ctx context.Context, db execer, doc domain.Document) error {
	body, err := record.Encode(doc)
	if err != nil {
		return err
	}
	_, err = db.ExecContext(ctx, `
		INSERT INTO user_documents (user_id, schema_version, body, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET
			schema_version=excluded.schema_version,
			body=excluded.body,
			updated_at=excluded.updated_at`,
		doc.UserID, record.SchemaVersion, string(body), doc.UpdatedAt.UTC().Format(time.RFC3339Nano))
	return err
}

type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func read(ctx context.Context, db querier, userID string) (domain.Document, error) {
	var body string
	err := db.QueryRowContext(ctx, `SELECT body FROM user_documents WHERE user_id = ?`, userID).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Document{UserID: userID, Accessories: []domain.Accessory{}}, nil
	}
	if err != nil {
		return domain.Document{}, err
	}
	doc, err := record.Decode([]byte(body))
	if err != nil {
		return domain.Document{}, err
	}
	doc.UserID = userID
	return doc, nil
}

// Fetch returns the user's document, empty when none was stored yet.
func (s *Store) Fetch(ctx context.Context, userID string) (*domain.Document, error) {
	doc, err := read(ctx, s.db, userID)
	if err != nil {
		return nil, fmt.Errorf("fetching document for %s: %w", userID, err)
	}
	return &doc, nil
}

// Update applies patch in a transaction and returns the stored document.
func (s *Store) Update(ctx context.Context, userID string, patch domain.Patch) (*domain.Document, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("beginning update: %w", err)
	}
	defer tx.Rollback()

	doc, err := read(ctx, tx, userID)
	if err != nil {
		return nil, fmt.Errorf("reading document for %s: %w", userID, err)
	}
	if patch.Accessories != nil {
		doc.Accessories = domain.CloneAccessories(patch.Accessories)
	}
	doc.UpdatedAt = s.now().UTC()

	if err := s.write(ctx, tx, doc); err != nil {
		return nil, fmt.Errorf("writing document for %s: %w", userID, err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing document for %s: %w", userID, err)
	}
	return &doc, nil
}

// ImportLegacy stores a raw document body as-is, tagged with its version,
// so it is upgraded on the next start. Used when seeding from old exports.
func (s *Store) ImportLegacy(ctx context.Context, userID string, schemaVersion int, body []byte) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO user_documents (user_id, schema_version, body, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET
			schema_version=excluded.schema_version,
			body=excluded.body,
			updated_at=excluded.updated_at`,
		userID, schemaVersion, string(body), s.now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("importing document for %s: %w", userID, err)
	}
	return nil
}
