package history

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/afero"

	"github.com/comigor/lmchat/internal/logger"
)

const fileExt = ".json"

// FileStore keeps each conversation in <dir>/<id>.json.
// Writes go to a temp file in the same directory and are renamed over the
// target, so a reader sees either the old or the new record.
type FileStore struct {
	fs  afero.Fs
	dir string
	now func() time.Time

	mu sync.Mutex // serializes read-modify-write cycles
}

// NewFileStore creates dir if needed. A nil fs means the OS filesystem.
func NewFileStore(fs afero.Fs, dir string) (*FileStore, error) {
	if fs == nil {
		fs = afero.NewOsFs()
	}
	if err := fs.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.Wrap(err, "failed to create conversations directory")
	}
	logger.L.Info("file conversation store ready", "dir", dir)
	return &FileStore{fs: fs, dir: dir, now: time.Now}, nil
}

func (s *FileStore) path(id string) string {
	return filepath.Join(s.dir, id+fileExt)
}

// List returns a summary of every readable conversation, most recently updated first.
func (s *FileStore) List(ctx context.Context) ([]Summary, error) {
	entries, err := afero.ReadDir(s.fs, s.dir)
	if err != nil {
		return nil, errors.Wrap(ErrStoreUnavailable, err.Error())
	}
	out := make([]Summary, 0, len(entries))
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, fileExt) {
			continue
		}
		id := strings.TrimSuffix(name, fileExt)
		c, err := s.read(id)
		if err != nil {
			logger.L.Warn("skipping unreadable conversation", "file", name, "error", err)
			continue
		}
		out = append(out, c.Summary())
	}
	sortSummaries(out)
	return out, nil
}

// Get loads a conversation by id.
func (s *FileStore) Get(ctx context.Context, id string) (*Conversation, error) {
	if err := ValidateID(id); err != nil {
		return nil, err
	}
	return s.read(id)
}

// Upsert writes c, assigning an id when it has none, and returns the id.
func (s *FileStore) Upsert(ctx context.Context, c *Conversation) (string, error) {
	in := c.Clone()
	if in.ID == "" {
		in.ID = NewID()
	}
	if err := ValidateID(in.ID); err != nil {
		return "", err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	existing, err := s.read(in.ID)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return "", err
	}
	rec, err := merge(existing, in, s.now())
	if err != nil {
		return "", err
	}
	if err := s.write(rec); err != nil {
		return "", err
	}
	return rec.ID, nil
}

// Delete removes a conversation.
func (s *FileStore) Delete(ctx context.Context, id string) error {
	if err := ValidateID(id); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.fs.Remove(s.path(id)); err != nil {
		if os.IsNotExist(err) {
			return conversationNotFound(id)
		}
		return errors.Wrapf(err, "failed to delete conversation %s", id)
	}
	return nil
}

// UpdateMessage replaces the content of one message.
func (s *FileStore) UpdateMessage(ctx context.Context, conversationID, messageID, content string) error {
	return s.mutate(conversationID, func(c *Conversation) error {
		return editMessage(c, messageID, content, s.now())
	})
}

// DeleteMessage removes one message from a conversation.
func (s *FileStore) DeleteMessage(ctx context.Context, conversationID, messageID string) error {
	return s.mutate(conversationID, func(c *Conversation) error {
		return removeMessage(c, messageID, s.now())
	})
}

// Close is a no-op.
func (s *FileStore) Close() error { return nil }

func (s *FileStore) mutate(id string, fn func(*Conversation) error) error {
	if err := ValidateID(id); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	c, err := s.read(id)
	if err != nil {
		return err
	}
	if err := fn(c); err != nil {
		return err
	}
	return s.write(c)
}

func (s *FileStore) read(id string) (*Conversation, error) {
	data, err := afero.ReadFile(s.fs, s.path(id))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, conversationNotFound(id)
		}
		return nil, errors.Wrapf(err, "failed to read conversation %s", id)
	}
	var c Conversation
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, errors.Wrapf(err, "failed to decode conversation %s", id)
	}
	if c.ID != "" && c.ID != id {
		logger.L.Warn("conversation id does not match its file name; using the file name", "file", id+fileExt, "id", c.ID)
		c.ID = id
	}
	repair(&c, id)
	return &c, nil
}

func (s *FileStore) write(c *Conversation) error {
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return errors.Wrap(err, "failed to encode conversation")
	}

	tmp, err := afero.TempFile(s.fs, s.dir, "."+c.ID+"-*.tmp")
	if err != nil {
		return errors.Wrap(err, "failed to create temp file")
	}
	tmpName := tmp.Name()
	cleanup := func() { _ = s.fs.Remove(tmpName) }

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		cleanup()
		return errors.Wrap(err, "failed to write conversation")
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		cleanup()
		return errors.Wrap(err, "failed to sync conversation")
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return errors.Wrap(err, "failed to close conversation")
	}
	if err := s.fs.Rename(tmpName, s.path(c.ID)); err != nil {
		cleanup()
		return errors.Wrapf(err, "failed to replace conversation %s", c.ID)
	}
	return nil
}
