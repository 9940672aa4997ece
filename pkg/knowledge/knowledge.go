// Package knowledge maintains a lightweight searchable index over finished
// stage artifacts. Later stages and future sessions can query it for
// related prior material. Indexing is term-based: no embeddings, no
// external services, deterministic results.
package knowledge

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite" // SQLite driver

	"blueprint/pkg/logx"
	"blueprint/pkg/proto"
)

const schemaVersion = 1

// maxTermsPerEntry bounds the term set stored per artifact.
const maxTermsPerEntry = 50

// Base is a SQLite-backed artifact index.
type Base struct {
	db     *sql.DB
	logger *logx.Logger
}

// NewBase opens (or creates) the knowledge database at dbPath.
func NewBase(dbPath string) (*Base, error) {
	db, err := sql.Open("sqlite", fmt.Sprintf(
		"file:%s?_foreign_keys=ON&_journal_mode=WAL&_busy_timeout=5000",
		dbPath,
	))
	if err != nil {
		return nil, fmt.Errorf("failed to open knowledge database: %w", err)
	}

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping knowledge database: %w", err)
	}

	if err := initializeSchema(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize knowledge schema: %w", err)
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	return &Base{db: db, logger: logx.NewLogger("knowledge")}, nil
}

func initializeSchema(db *sql.DB) error {
	var current int
	if err := db.QueryRow("PRAGMA user_version").Scan(&current); err != nil {
		return fmt.Errorf("failed to read schema version: %w", err)
	}

	if current == schemaVersion {
		return nil
	}
	if current > schemaVersion {
		return fmt.Errorf("knowledge schema version %d is newer than supported version %d", current, schemaVersion)
	}

	const createTable = `
CREATE TABLE IF NOT EXISTS entries (
	id         TEXT PRIMARY KEY,
	session_id TEXT NOT NULL,
	stage      TEXT NOT NULL,
	kind       TEXT NOT NULL,
	terms      TEXT NOT NULL,
	document   TEXT NOT NULL,
	created_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_entries_session ON entries(session_id);
`
	if _, err := db.Exec(createTable); err != nil {
		return fmt.Errorf("failed to create entries table: %w", err)
	}
	if _, err := db.Exec(fmt.Sprintf("PRAGMA user_version = %d", schemaVersion)); err != nil {
		return fmt.Errorf("failed to set schema version: %w", err)
	}
	return nil
}

// IndexArtifact extracts key terms from the artifact's document and stores
// them. Re-indexing the same session and stage replaces the prior entry so
// revised artifacts do not accumulate.
func (b *Base) IndexArtifact(ctx context.Context, sessionID string, stage proto.Stage, artifact *proto.StageArtifact) error {
	text, err := artifact.Text()
	if err != nil {
		return err
	}
	if strings.TrimSpace(text) == "" {
		return fmt.Errorf("artifact %s has no document to index", artifact.Kind)
	}

	terms := extractTerms(text, maxTermsPerEntry)
	if len(terms) == 0 {
		return fmt.Errorf("artifact %s yielded no indexable terms", artifact.Kind)
	}

	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin indexing transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx,
		"DELETE FROM entries WHERE session_id = ? AND stage = ?",
		sessionID, stage.String()); err != nil {
		return fmt.Errorf("failed to clear prior index entry: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		"INSERT INTO entries (id, session_id, stage, kind, terms, document, created_at) VALUES (?, ?, ?, ?, ?, ?, ?)",
		uuid.NewString(), sessionID, stage.String(), string(artifact.Kind),
		strings.Join(terms, " "), text, time.Now().UTC()); err != nil {
		return fmt.Errorf("failed to index artifact: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit index entry: %w", err)
	}

	b.logger.Debug("indexed %s artifact for session %s (%d terms)", artifact.Kind, sessionID, len(terms))
	return nil
}

// Query returns up to limit indexed documents ranked by term overlap with
// the query text. Entries with no overlapping terms are omitted.
func (b *Base) Query(ctx context.Context, text string, limit int) ([]string, error) {
	if limit <= 0 {
		limit = 5
	}
	queryTerms := extractTerms(text, maxTermsPerEntry)
	if len(queryTerms) == 0 {
		return nil, nil
	}

	rows, err := b.db.QueryContext(ctx, "SELECT terms, document FROM entries")
	if err != nil {
		return nil, fmt.Errorf("failed to query knowledge entries: %w", err)
	}
	defer func() { _ = rows.Close() }()

	type scored struct {
		document string
		score    int
	}
	var matches []scored
	for rows.Next() {
		var terms, document string
		if err := rows.Scan(&terms, &document); err != nil {
			return nil, fmt.Errorf("failed to scan knowledge entry: %w", err)
		}
		entryTerms := make(map[string]bool)
		for _, t := range strings.Fields(terms) {
			entryTerms[t] = true
		}
		if n := overlap(queryTerms, entryTerms); n > 0 {
			matches = append(matches, scored{document: document, score: n})
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate knowledge entries: %w", err)
	}

	sort.SliceStable(matches, func(i, j int) bool {
		return matches[i].score > matches[j].score
	})
	if len(matches) > limit {
		matches = matches[:limit]
	}

	out := make([]string, len(matches))
	for i, m := range matches {
		out[i] = m.document
	}
	return out, nil
}

// Close closes the database connection.
func (b *Base) Close() error {
	if err := b.db.Close(); err != nil {
		return fmt.Errorf("failed to close knowledge database: %w", err)
	}
	return nil
}
