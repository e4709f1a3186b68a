package sqlite

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/mattn/go-sqlite3"

	"github.com/nstogner/gemchat/pkg/domain"
	"github.com/nstogner/gemchat/pkg/store"
)

// Store implements store.ThreadStore using SQLite.
type Store struct {
	db *sql.DB
}

// Verify interface compliance at compile time.
var _ store.ThreadStore = (*Store)(nil)

// New opens (or creates) a SQLite database at the given path and runs migrations.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w: %w", store.ErrUnavailable, err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w: %w", store.ErrUnavailable, err)
	}
	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Columns carry defaults so rows written by an older schema version load with
// zero values instead of failing.
func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS threads (
		id TEXT PRIMARY KEY,
		title TEXT NOT NULL DEFAULT '',
		created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
		updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS messages (
		id TEXT PRIMARY KEY,
		thread_id TEXT NOT NULL,
		role TEXT NOT NULL,
		content TEXT NOT NULL DEFAULT '',
		timestamp DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
		is_error INTEGER NOT NULL DEFAULT 0,
		seq INTEGER NOT NULL,
		FOREIGN KEY (thread_id) REFERENCES threads(id) ON DELETE CASCADE
	);
	CREATE INDEX IF NOT EXISTS idx_messages_thread_seq ON messages(thread_id, seq);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Save upserts the thread row and rewrites its message list in one
// transaction, so readers never observe a half-written thread.
func (s *Store) Save(ctx context.Context, t *domain.Thread) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("save thread: %w: %w", store.ErrUnavailable, err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO threads (id, title, created_at, updated_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET title=excluded.title, updated_at=excluded.updated_at`,
		t.ID, t.Title, t.CreatedAt, t.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("save thread: %w: %w", store.ErrUnavailable, err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM messages WHERE thread_id=?`, t.ID); err != nil {
		return fmt.Errorf("save thread: %w: %w", store.ErrUnavailable, err)
	}
	for i, m := range t.Messages {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO messages (id, thread_id, role, content, timestamp, is_error, seq)
			 VALUES (?, ?, ?, ?, ?, ?, ?)`,
			m.ID, t.ID, m.Role, m.Content, m.Timestamp, m.IsError, i+1,
		)
		if err != nil {
			return fmt.Errorf("save message: %w: %w", store.ErrUnavailable, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("save thread: %w: %w", store.ErrUnavailable, err)
	}
	return nil
}

// LoadAll returns every stored thread with its messages in conversation order.
func (s *Store) LoadAll(ctx context.Context) ([]domain.Thread, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, title, created_at, updated_at FROM threads ORDER BY updated_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("load threads: %w: %w", store.ErrUnavailable, err)
	}
	defer rows.Close()

	var threads []domain.Thread
	for rows.Next() {
		var t domain.Thread
		if err := rows.Scan(&t.ID, &t.Title, &t.CreatedAt, &t.UpdatedAt); err != nil {
			return nil, fmt.Errorf("load threads: %w: %w", store.ErrUnavailable, err)
		}
		threads = append(threads, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("load threads: %w: %w", store.ErrUnavailable, err)
	}

	for i := range threads {
		msgs, err := s.loadMessages(ctx, threads[i].ID)
		if err != nil {
			return nil, err
		}
		threads[i].Messages = msgs
	}
	return threads, nil
}

func (s *Store) loadMessages(ctx context.Context, threadID string) ([]domain.Message, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, role, content, timestamp, is_error
		 FROM messages WHERE thread_id=? ORDER BY seq ASC`, threadID)
	if err != nil {
		return nil, fmt.Errorf("load messages: %w: %w", store.ErrUnavailable, err)
	}
	defer rows.Close()

	var msgs []domain.Message
	for rows.Next() {
		var m domain.Message
		if err := rows.Scan(&m.ID, &m.Role, &m.Content, &m.Timestamp, &m.IsError); err != nil {
			return nil, fmt.Errorf("load messages: %w: %w", store.ErrUnavailable, err)
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

// Delete removes a thread and its messages. Messages go via ON DELETE CASCADE
// inside the same transaction as the thread row.
func (s *Store) Delete(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM threads WHERE id=?`, id)
	if err != nil {
		return fmt.Errorf("delete thread: %w: %w", store.ErrUnavailable, err)
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		return fmt.Errorf("delete thread %s: %w", id, store.ErrNotFound)
	}
	return nil
}
