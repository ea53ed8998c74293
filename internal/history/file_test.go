package history

import (
	"context"
	"strings"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFileStore_WritesOneDocumentPerConversation(t *testing.T) {
	fs := afero.NewMemMapFs()
	s, err := NewFileStore(fs, "/conv")
	require.NoError(t, err)

	_, err = s.Upsert(context.Background(), &Conversation{ID: "42", Messages: transcript()})
	require.NoError(t, err)
	require.NoError(t, s.UpdateMessage(context.Background(), "42", "m1", "changed"))

	entries, err := afero.ReadDir(fs, "/conv")
	require.NoError(t, err)
	require.Len(t, entries, 1, "temp files must not be left behind")
	assert.Equal(t, "42.json", entries[0].Name())

	raw, err := afero.ReadFile(fs, "/conv/42.json")
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"changed"`)
	assert.Contains(t, string(raw), `"createdAt"`)
}

func TestFileStore_ReadsLegacyRecords(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/conv/1700000000000.json", []byte(`{
  "title": "Conversación 1/1/2024",
  "createdAt": "2024-01-01T10:00:00.000Z",
  "messages": [{"id": "1", "role": "user", "content": "hola", "timestamp": "2024-01-01T10:00:00.000Z"}]
}`), 0o644))
	require.NoError(t, afero.WriteFile(fs, "/conv/1700000000001.json", []byte(`{"id": "1700000000001", "createdAt": "2024-01-02T10:00:00Z"}`), 0o644))
	s, err := NewFileStore(fs, "/conv")
	require.NoError(t, err)

	c, err := s.Get(context.Background(), "1700000000000")
	require.NoError(t, err)
	assert.Equal(t, "1700000000000", c.ID)
	assert.True(t, c.UpdatedAt.Equal(c.CreatedAt))

	empty, err := s.Get(context.Background(), "1700000000001")
	require.NoError(t, err)
	assert.NotNil(t, empty.Messages)

	list, err := s.List(context.Background())
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "1700000000001", list[0].ID)
}

func TestFileStore_ListSkipsMalformedFiles(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/conv/broken.json", []byte("{not json"), 0o644))
	require.NoError(t, afero.WriteFile(fs, "/conv/notes.txt", []byte("ignore me"), 0o644))
	s, err := NewFileStore(fs, "/conv")
	require.NoError(t, err)
	_, err = s.Upsert(context.Background(), &Conversation{ID: "ok"})
	require.NoError(t, err)

	list, err := s.List(context.Background())
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "ok", list[0].ID)
}

func TestFileStore_ListUnavailable(t *testing.T) {
	fs := afero.NewMemMapFs()
	s, err := NewFileStore(fs, "/conv")
	require.NoError(t, err)
	require.NoError(t, fs.RemoveAll("/conv"))

	_, err = s.List(context.Background())
	require.ErrorIs(t, err, ErrStoreUnavailable)
}

func TestFileStore_RejectedWriteKeepsPreviousRecord(t *testing.T) {
	fs := afero.NewMemMapFs()
	s, err := NewFileStore(fs, "/conv")
	require.NoError(t, err)
	_, err = s.Upsert(context.Background(), &Conversation{ID: "c", Messages: transcript()})
	require.NoError(t, err)

	_, err = s.Upsert(context.Background(), &Conversation{ID: "c", Messages: []Message{{Role: "tool"}}})
	require.Error(t, err)

	c, err := s.Get(context.Background(), "c")
	require.NoError(t, err)
	assert.Len(t, c.Messages, 3)
}

func TestValidateID(t *testing.T) {
	for _, id := range []string{"1700000000000", "0195b3a2-7c1e-7d4f-9a6b-1c2d3e4f5a6b", "my_chat.v2"} {
		assert.NoError(t, ValidateID(id), id)
	}
	for _, id := range []string{"", ".", "..", "../x", `a\b`, "a b", strings.Repeat("x", 200)} {
		assert.ErrorIs(t, ValidateID(id), ErrInvalidID, id)
	}
}

func TestOpen_UnknownDriver(t *testing.T) {
	_, err := Open("redis", "", "")
	require.Error(t, err)
}

func TestFileStore_FileNameWinsOverEmbeddedID(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/conv/renamed.json", []byte(`{"id": "original", "title": "Copied", "createdAt": "2024-01-01T10:00:00Z", "messages": []}`), 0o644))
	s, err := NewFileStore(fs, "/conv")
	require.NoError(t, err)

	list, err := s.List(context.Background())
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "renamed", list[0].ID)

	c, err := s.Get(context.Background(), list[0].ID)
	require.NoError(t, err)
	assert.Equal(t, "renamed", c.ID)
	assert.Equal(t, "Copied", c.Title)

	require.NoError(t, s.Delete(context.Background(), list[0].ID))
	list, err = s.List(context.Background())
	require.NoError(t, err)
	assert.Empty(t, list)
}
