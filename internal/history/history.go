// Package history persists conversation transcripts.
//
// Two backends implement Store: FileStore keeps one JSON document per
// conversation in a directory, SQLiteStore keeps one row per conversation.
// Both rewrite the whole record on every mutation.
package history

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lithammer/shortuuid/v4"
	"github.com/pkg/errors"
)

var (
	// ErrNotFound is returned when a conversation or message does not exist.
	ErrNotFound = errors.New("not found")
	// ErrStoreUnavailable is returned when the backing storage cannot be read.
	ErrStoreUnavailable = errors.New("conversation store unavailable")
	// ErrInvalidID is returned for ids that cannot be used as a storage key.
	ErrInvalidID = errors.New("invalid conversation id")
	// ErrInvalidMessage is returned when a transcript violates the message invariants.
	ErrInvalidMessage = errors.New("invalid message")
)

// Store is the conversation persistence contract.
type Store interface {
	List(ctx context.Context) ([]Summary, error)
	Get(ctx context.Context, id string) (*Conversation, error)
	Upsert(ctx context.Context, c *Conversation) (string, error)
	Delete(ctx context.Context, id string) error
	UpdateMessage(ctx context.Context, conversationID, messageID, content string) error
	DeleteMessage(ctx context.Context, conversationID, messageID string) error
	Close() error
}

var idPattern = regexp.MustCompile(`^[A-Za-z0-9_-][A-Za-z0-9._-]{0,127}$`)

// ValidateID rejects ids that are empty, too long or could escape the storage directory.
func ValidateID(id string) error {
	if !idPattern.MatchString(id) || strings.Contains(id, "..") {
		return errors.Wrapf(ErrInvalidID, "%q", id)
	}
	return nil
}

// NewID returns a fresh time-ordered conversation id.
func NewID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

// NewMessageID returns a fresh message id.
func NewMessageID() string {
	return shortuuid.New()
}

// DefaultTitle is used when a conversation is stored without one.
func DefaultTitle(t time.Time) string {
	return "Chat " + t.Local().Format("2006-01-02 15:04")
}

func conversationNotFound(id string) error {
	return errors.Wrapf(ErrNotFound, "conversation %s", id)
}

func messageNotFound(conversationID, messageID string) error {
	return errors.Wrapf(ErrNotFound, "message %s in conversation %s", messageID, conversationID)
}

// merge builds the record Upsert writes. existing is nil when the id is new.
// The incoming conversation is never modified.
func merge(existing, incoming *Conversation, now time.Time) (*Conversation, error) {
	out := &Conversation{
		ID:        incoming.ID,
		Title:     incoming.Title,
		CreatedAt: incoming.CreatedAt,
		UpdatedAt: now,
	}
	if existing != nil {
		out.CreatedAt = existing.CreatedAt
		if out.Title == "" {
			out.Title = existing.Title
		}
	}
	if out.CreatedAt.IsZero() {
		out.CreatedAt = now
	}
	if out.Title == "" {
		out.Title = DefaultTitle(out.CreatedAt)
	}

	msgs, err := normalizeMessages(incoming.Messages, now)
	if err != nil {
		return nil, err
	}
	out.Messages = msgs
	return out, nil
}

// normalizeMessages fills missing ids and timestamps and enforces unique ids and known roles.
func normalizeMessages(in []Message, now time.Time) ([]Message, error) {
	out := make([]Message, 0, len(in))
	seen := make(map[string]struct{}, len(in))
	for i, m := range in {
		if !m.Role.Valid() {
			return nil, errors.Wrapf(ErrInvalidMessage, "message %d has role %q", i, m.Role)
		}
		if m.ID == "" {
			m.ID = NewMessageID()
		}
		if _, dup := seen[m.ID]; dup {
			return nil, errors.Wrapf(ErrInvalidMessage, "duplicate message id %q", m.ID)
		}
		seen[m.ID] = struct{}{}
		if m.Timestamp.IsZero() {
			m.Timestamp = now
		}
		out = append(out, m)
	}
	return out, nil
}

// repair makes records written by older versions satisfy the invariants readers rely on.
func repair(c *Conversation, id string) {
	if c.ID == "" {
		c.ID = id
	}
	if c.Messages == nil {
		c.Messages = []Message{}
	}
	if c.UpdatedAt.IsZero() {
		c.UpdatedAt = c.CreatedAt
	}
	if c.Title == "" && !c.CreatedAt.IsZero() {
		c.Title = DefaultTitle(c.CreatedAt)
	}
}

func editMessage(c *Conversation, messageID, content string, now time.Time) error {
	for i := range c.Messages {
		if c.Messages[i].ID == messageID {
			c.Messages[i].Content = content
			c.UpdatedAt = now
			return nil
		}
	}
	return messageNotFound(c.ID, messageID)
}

func removeMessage(c *Conversation, messageID string, now time.Time) error {
	for i := range c.Messages {
		if c.Messages[i].ID == messageID {
			c.Messages = append(c.Messages[:i:i], c.Messages[i+1:]...)
			c.UpdatedAt = now
			return nil
		}
	}
	return messageNotFound(c.ID, messageID)
}

func sortSummaries(s []Summary) {
	sort.SliceStable(s, func(i, j int) bool {
		if s[i].UpdatedAt.Equal(s[j].UpdatedAt) {
			return s[i].ID > s[j].ID
		}
		return s[i].UpdatedAt.After(s[j].UpdatedAt)
	})
}

// Open returns the Store selected by driver.
func Open(driver, dir, sqlitePath string) (Store, error) {
	switch driver {
	case "", "file":
		s, err := NewFileStore(nil, dir)
		if err != nil {
			return nil, err
		}
		return s, nil
	case "sqlite":
		s, err := NewSQLiteStore(sqlitePath)
		if err != nil {
			return nil, err
		}
		return s, nil
	default:
		return nil, fmt.Errorf("unsupported storage driver: %s", driver)
	}
}
