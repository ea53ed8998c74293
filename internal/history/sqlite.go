package history

import (
	"context"
	"database/sql"
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	_ "github.com/glebarez/go-sqlite"
	"github.com/pkg/errors"

	"github.com/comigor/lmchat/internal/logger"
)

const sqliteSchema = `CREATE TABLE IF NOT EXISTS conversations (
    id TEXT PRIMARY KEY,
    title TEXT NOT NULL,
    created_at TEXT NOT NULL,
    updated_at TEXT NOT NULL,
    body TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS conversations_updated_at ON conversations(updated_at);`

// SQLiteStore keeps each conversation as one row holding the full JSON record.
type SQLiteStore struct {
	db  *sql.DB
	now func() time.Time
}

// NewSQLiteStore opens (and creates if needed) the database at path.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, errors.Wrap(err, "failed to create database directory")
		}
	}
	db, err := sql.Open("sqlite", "file:"+path+"?_pragma=busy_timeout(10000)&_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, errors.Wrap(err, "failed to open sqlite database")
	}
	// One writer keeps read-modify-write cycles serialized.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "failed to create conversations table")
	}
	logger.L.Info("sqlite conversation store ready", "path", path)
	return &SQLiteStore{db: db, now: time.Now}, nil
}

// List returns a summary of every conversation, most recently updated first.
func (s *SQLiteStore) List(ctx context.Context) ([]Summary, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, title, created_at, updated_at FROM conversations;`)
	if err != nil {
		return nil, errors.Wrap(ErrStoreUnavailable, err.Error())
	}
	defer rows.Close()

	var out []Summary
	for rows.Next() {
		var (
			sum                Summary
			created, updated string
		)
		if err := rows.Scan(&sum.ID, &sum.Title, &created, &updated); err != nil {
			logger.L.Warn("skipping unreadable conversation row", "error", err)
			continue
		}
		sum.CreatedAt, _ = time.Parse(time.RFC3339Nano, created)
		sum.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updated)
		out = append(out, sum)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(ErrStoreUnavailable, err.Error())
	}
	if out == nil {
		out = []Summary{}
	}
	sortSummaries(out)
	return out, nil
}

// Get loads a conversation by id.
func (s *SQLiteStore) Get(ctx context.Context, id string) (*Conversation, error) {
	if err := ValidateID(id); err != nil {
		return nil, err
	}
	return s.read(ctx, s.db, id)
}

// Upsert writes c in one transaction and returns its id.
func (s *SQLiteStore) Upsert(ctx context.Context, c *Conversation) (string, error) {
	in := c.Clone()
	if in.ID == "" {
		in.ID = NewID()
	}
	if err := ValidateID(in.ID); err != nil {
		return "", err
	}

	var id string
	err := s.tx(ctx, func(tx *sql.Tx) error {
		existing, err := s.read(ctx, tx, in.ID)
		if err != nil && !errors.Is(err, ErrNotFound) {
			return err
		}
		rec, err := merge(existing, in, s.now())
		if err != nil {
			return err
		}
		id = rec.ID
		return s.write(ctx, tx, rec)
	})
	if err != nil {
		return "", err
	}
	return id, nil
}

// Delete removes a conversation.
func (s *SQLiteStore) Delete(ctx context.Context, id string) error {
	if err := ValidateID(id); err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `DELETE FROM conversations WHERE id = ?;`, id)
	if err != nil {
		return errors.Wrapf(err, "failed to delete conversation %s", id)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return conversationNotFound(id)
	}
	return nil
}

// UpdateMessage replaces the content of one message.
func (s *SQLiteStore) UpdateMessage(ctx context.Context, conversationID, messageID, content string) error {
	return s.mutate(ctx, conversationID, func(c *Conversation) error {
		return editMessage(c, messageID, content, s.now())
	})
}

// DeleteMessage removes one message from a conversation.
func (s *SQLiteStore) DeleteMessage(ctx context.Context, conversationID, messageID string) error {
	return s.mutate(ctx, conversationID, func(c *Conversation) error {
		return removeMessage(c, messageID, s.now())
	})
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) mutate(ctx context.Context, id string, fn func(*Conversation) error) error {
	if err := ValidateID(id); err != nil {
		return err
	}
	return s.tx(ctx, func(tx *sql.Tx) error {
		c, err := s.read(ctx, tx, id)
		if err != nil {
			return err
		}
		if err := fn(c); err != nil {
			return err
		}
		return s.write(ctx, tx, c)
	})
}

func (s *SQLiteStore) tx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "failed to begin transaction")
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return errors.Wrap(tx.Commit(), "failed to commit transaction")
}

type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *SQLiteStore) read(ctx context.Context, q querier, id string) (*Conversation, error) {
	var body string
	err := q.QueryRowContext(ctx, `SELECT body FROM conversations WHERE id = ?;`, id).Scan(&body)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, conversationNotFound(id)
		}
		return nil, errors.Wrapf(err, "failed to read conversation %s", id)
	}
	var c Conversation
	if err := json.Unmarshal([]byte(body), &c); err != nil {
		return nil, errors.Wrapf(err, "failed to decode conversation %s", id)
	}
	repair(&c, id)
	return &c, nil
}

func (s *SQLiteStore) write(ctx context.Context, tx *sql.Tx, c *Conversation) error {
	body, err := json.Marshal(c)
	if err != nil {
		return errors.Wrap(err, "failed to encode conversation")
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO conversations (id, title, created_at, updated_at, body) VALUES (?,?,?,?,?)
ON CONFLICT(id) DO UPDATE SET title = excluded.title, updated_at = excluded.updated_at, body = excluded.body;`,
		c.ID, c.Title, c.CreatedAt.UTC().Format(time.RFC3339Nano), c.UpdatedAt.UTC().Format(time.RFC3339Nano), string(body))
	return errors.Wrapf(err, "failed to write conversation %s", c.ID)
}
