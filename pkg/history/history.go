// Package history archives completed session transcripts in a local sqlite
// database so past conversations can be listed and reloaded.
package history

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/arkenza/voicewire/pkg/realtime/conversation"
)

// Entry summarizes one archived session.
type Entry struct {
	ID        string
	StartedAt time.Time
	Mode      string
	ItemCount int
}

// Archive is the sqlite-backed transcript store.
type Archive struct {
	db     *sql.DB
	logger *slog.Logger
}

// Open opens (and if needed initializes) the archive at path. Use ":memory:"
// for an ephemeral archive.
func Open(path string, logger *slog.Logger) (*Archive, error) {
	if logger == nil {
		logger = slog.Default()
	}
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open archive database: %w", err)
	}

	createSessions := `
	CREATE TABLE IF NOT EXISTS sessions (
		id TEXT PRIMARY KEY,
		started_at DATETIME,
		mode TEXT
	);`

	createItems := `
	CREATE TABLE IF NOT EXISTS items (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		session_id TEXT,
		item_id TEXT,
		role TEXT,
		status TEXT,
		text TEXT,
		audio_bytes INTEGER,
		position INTEGER,
		FOREIGN KEY(session_id) REFERENCES sessions(id)
	);`

	if _, err := db.Exec(createSessions); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create sessions table: %w", err)
	}
	if _, err := db.Exec(createItems); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create items table: %w", err)
	}
	return &Archive{db: db, logger: logger}, nil
}

// Save stores one session's transcript. Saving the same id again replaces it.
func (a *Archive) Save(ctx context.Context, id string, startedAt time.Time, mode string, items []conversation.Item) error {
	tx, err := a.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		"INSERT OR REPLACE INTO sessions (id, started_at, mode) VALUES (?, ?, ?)",
		id, startedAt, mode,
	); err != nil {
		return fmt.Errorf("save session: %w", err)
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM items WHERE session_id = ?", id); err != nil {
		return fmt.Errorf("clear previous items: %w", err)
	}

	for i, item := range items {
		if _, err := tx.ExecContext(ctx,
			"INSERT INTO items (session_id, item_id, role, status, text, audio_bytes, position) VALUES (?, ?, ?, ?, ?, ?, ?)",
			id, item.ID, string(item.Role), string(item.Status), item.Text, item.AudioLen(), i,
		); err != nil {
			return fmt.Errorf("save item %s: %w", item.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transcript: %w", err)
	}
	a.logger.Info("transcript archived", "session_id", id, "item_count", len(items))
	return nil
}

// List returns archived sessions, newest first.
func (a *Archive) List(ctx context.Context) ([]Entry, error) {
	rows, err := a.db.QueryContext(ctx, `
		SELECT s.id, s.started_at, s.mode, COUNT(i.id)
		FROM sessions s LEFT JOIN items i ON i.session_id = s.id
		GROUP BY s.id ORDER BY s.started_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.ID, &e.StartedAt, &e.Mode, &e.ItemCount); err != nil {
			return nil, fmt.Errorf("scan session row: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Load returns one archived transcript in its original order.
func (a *Archive) Load(ctx context.Context, id string) ([]conversation.Item, error) {
	rows, err := a.db.QueryContext(ctx,
		"SELECT item_id, role, status, text FROM items WHERE session_id = ? ORDER BY position", id)
	if err != nil {
		return nil, fmt.Errorf("load transcript: %w", err)
	}
	defer rows.Close()

	var items []conversation.Item
	for rows.Next() {
		var (
			item   conversation.Item
			role   string
			status string
		)
		if err := rows.Scan(&item.ID, &role, &status, &item.Text); err != nil {
			return nil, fmt.Errorf("scan item row: %w", err)
		}
		item.Role = conversation.Role(role)
		item.Status = conversation.ItemStatus(status)
		items = append(items, item)
	}
	return items, rows.Err()
}

// Close releases the database handle.
func (a *Archive) Close() error {
	return a.db.Close()
}
