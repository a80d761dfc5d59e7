// Package caselite is a reference implementation of the cases.Provider
// port backed by an embedded SQLite database. The case store is otherwise
// an external system; this package exists so the module is runnable
// standalone without a separate case-management service, using a CGO-free
// driver for embeddable storage.
package caselite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/ashita-ai/satori/internal/cases"
	"github.com/ashita-ai/satori/internal/model"
)

// Store is a SQLite-backed cases.Provider.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

const schema = `
CREATE TABLE IF NOT EXISTS resolved_cases (
    case_id         TEXT PRIMARY KEY,
    conversation_id TEXT NOT NULL,
    subject         TEXT NOT NULL,
    description     TEXT NOT NULL,
    resolution      TEXT NOT NULL,
    root_cause      TEXT NOT NULL,
    category        TEXT NOT NULL,
    tags            TEXT NOT NULL DEFAULT '',
    script_id       TEXT,
    closed_at       TEXT NOT NULL,
    outcome         TEXT NOT NULL
);
`

// New opens (creating if necessary) the SQLite database at path and ensures
// the schema exists.
func New(path string, logger *slog.Logger) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("caselite: open %s: %w", path, err)
	}
	db.SetMaxOpenConns(1) // modernc.org/sqlite: one writer at a time avoids SQLITE_BUSY

	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("caselite: create schema: %w", err)
	}

	return &Store{db: db, logger: logger}, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// GetResolvedCase implements cases.Provider.
func (s *Store) GetResolvedCase(ctx context.Context, caseID string) (model.ResolvedCase, error) {
	var c model.ResolvedCase
	var tags, closedAt string
	var scriptID sql.NullString

	err := s.db.QueryRowContext(ctx,
		`SELECT case_id, conversation_id, subject, description, resolution, root_cause,
		 category, tags, script_id, closed_at, outcome
		 FROM resolved_cases WHERE case_id = ?`, caseID,
	).Scan(&c.CaseID, &c.ConversationID, &c.Subject, &c.Description, &c.Resolution, &c.RootCause,
		&c.Category, &tags, &scriptID, &closedAt, &c.Outcome)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.ResolvedCase{}, fmt.Errorf("caselite: case %s: %w", caseID, cases.ErrCaseNotFound)
		}
		return model.ResolvedCase{}, fmt.Errorf("caselite: get case: %w", err)
	}

	if tags != "" {
		c.Tags = strings.Split(tags, ",")
	}
	if scriptID.Valid {
		c.ScriptID = &scriptID.String
	}
	c.ClosedAt, err = time.Parse(time.RFC3339, closedAt)
	if err != nil {
		return model.ResolvedCase{}, fmt.Errorf("caselite: parse closed_at: %w", err)
	}

	return c, nil
}

// PutResolvedCase inserts or replaces a case record, implementing the
// cases.Provider write path close_case uses to persist the record it
// constructs from its caller-supplied closure fields.
func (s *Store) PutResolvedCase(ctx context.Context, c model.ResolvedCase) error {
	var scriptID any
	if c.ScriptID != nil {
		scriptID = *c.ScriptID
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO resolved_cases (case_id, conversation_id, subject, description, resolution,
		 root_cause, category, tags, script_id, closed_at, outcome)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (case_id) DO UPDATE SET
		   conversation_id = excluded.conversation_id,
		   subject = excluded.subject,
		   description = excluded.description,
		   resolution = excluded.resolution,
		   root_cause = excluded.root_cause,
		   category = excluded.category,
		   tags = excluded.tags,
		   script_id = excluded.script_id,
		   closed_at = excluded.closed_at,
		   outcome = excluded.outcome`,
		c.CaseID, c.ConversationID, c.Subject, c.Description, c.Resolution, c.RootCause,
		c.Category, strings.Join(c.Tags, ","), scriptID, c.ClosedAt.Format(time.RFC3339), c.Outcome,
	)
	if err != nil {
		return fmt.Errorf("caselite: put case: %w", err)
	}
	return nil
}
