package history

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type storeFactory func(t *testing.T) Store

func backends() map[string]storeFactory {
	return map[string]storeFactory{
		"file": func(t *testing.T) Store {
			s, err := NewFileStore(afero.NewMemMapFs(), "/data/conversations")
			require.NoError(t, err)
			return s
		},
		"sqlite": func(t *testing.T) Store {
			s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "chats.db"))
			require.NoError(t, err)
			t.Cleanup(func() { s.Close() })
			return s
		},
	}
}

func transcript() []Message {
	ts := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	return []Message{
		{ID: "m1", Role: RoleUser, Content: "Hello", Timestamp: ts},
		{ID: "m2", Role: RoleAssistant, Content: "Hi there", Timestamp: ts.Add(time.Second)},
		{ID: "m3", Role: RoleUser, Content: "How are you?", Timestamp: ts.Add(2 * time.Second)},
	}
}

func contents(msgs []Message) []string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = m.Content
	}
	return out
}

func TestStore_RoundTrip(t *testing.T) {
	for name, newStore := range backends() {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := newStore(t)

			id, err := s.Upsert(ctx, &Conversation{ID: "conv-1", Title: "Greetings", Messages: transcript()})
			require.NoError(t, err)
			require.Equal(t, "conv-1", id)

			got, err := s.Get(ctx, id)
			require.NoError(t, err)
			assert.Equal(t, "conv-1", got.ID)
			assert.Equal(t, "Greetings", got.Title)
			require.Len(t, got.Messages, 3)
			for i, want := range transcript() {
				assert.Equal(t, want.ID, got.Messages[i].ID)
				assert.Equal(t, want.Role, got.Messages[i].Role)
				assert.Equal(t, want.Content, got.Messages[i].Content)
				assert.True(t, want.Timestamp.Equal(got.Messages[i].Timestamp))
			}
			assert.False(t, got.CreatedAt.IsZero())
			assert.False(t, got.UpdatedAt.IsZero())
		})
	}
}

func TestStore_UpsertAssignsIDAndDefaults(t *testing.T) {
	for name, newStore := range backends() {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := newStore(t)

			id, err := s.Upsert(ctx, &Conversation{Messages: []Message{{Role: RoleUser, Content: "no id"}}})
			require.NoError(t, err)
			require.NotEmpty(t, id)
			require.NoError(t, ValidateID(id))

			got, err := s.Get(ctx, id)
			require.NoError(t, err)
			assert.NotEmpty(t, got.Title)
			require.Len(t, got.Messages, 1)
			assert.NotEmpty(t, got.Messages[0].ID)
			assert.False(t, got.Messages[0].Timestamp.IsZero())

			other, err := s.Upsert(ctx, &Conversation{})
			require.NoError(t, err)
			assert.NotEqual(t, id, other)

			empty, err := s.Get(ctx, other)
			require.NoError(t, err)
			assert.NotNil(t, empty.Messages)
			assert.Empty(t, empty.Messages)
		})
	}
}

func TestStore_UpsertOverwritesKeepingCreatedAt(t *testing.T) {
	for name, newStore := range backends() {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := newStore(t)

			_, err := s.Upsert(ctx, &Conversation{ID: "c", Title: "First", Messages: transcript()})
			require.NoError(t, err)
			before, err := s.Get(ctx, "c")
			require.NoError(t, err)

			time.Sleep(2 * time.Millisecond)
			_, err = s.Upsert(ctx, &Conversation{ID: "c", Messages: transcript()[:1]})
			require.NoError(t, err)

			after, err := s.Get(ctx, "c")
			require.NoError(t, err)
			assert.Equal(t, "First", after.Title, "empty title keeps the stored one")
			assert.True(t, before.CreatedAt.Equal(after.CreatedAt))
			assert.True(t, after.UpdatedAt.After(before.UpdatedAt))
			assert.Equal(t, []string{"Hello"}, contents(after.Messages))
		})
	}
}

func TestStore_UpsertRejectsBadMessages(t *testing.T) {
	for name, newStore := range backends() {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := newStore(t)

			_, err := s.Upsert(ctx, &Conversation{ID: "c", Messages: []Message{
				{ID: "x", Role: RoleUser, Content: "a"},
				{ID: "x", Role: RoleAssistant, Content: "b"},
			}})
			require.ErrorIs(t, err, ErrInvalidMessage)

			_, err = s.Upsert(ctx, &Conversation{ID: "c", Messages: []Message{{Role: "system", Content: "a"}}})
			require.ErrorIs(t, err, ErrInvalidMessage)

			_, err = s.Get(ctx, "c")
			require.ErrorIs(t, err, ErrNotFound, "rejected upsert must not persist anything")
		})
	}
}

func TestStore_GetMissing(t *testing.T) {
	for name, newStore := range backends() {
		t.Run(name, func(t *testing.T) {
			_, err := newStore(t).Get(context.Background(), "never-created")
			require.ErrorIs(t, err, ErrNotFound)
		})
	}
}

func TestStore_DeleteTwice(t *testing.T) {
	for name, newStore := range backends() {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := newStore(t)
			_, err := s.Upsert(ctx, &Conversation{ID: "gone"})
			require.NoError(t, err)

			require.NoError(t, s.Delete(ctx, "gone"))
			require.ErrorIs(t, s.Delete(ctx, "gone"), ErrNotFound)
		})
	}
}

func TestStore_UpdateMessage(t *testing.T) {
	for name, newStore := range backends() {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := newStore(t)
			_, err := s.Upsert(ctx, &Conversation{ID: "c", Messages: transcript()})
			require.NoError(t, err)

			require.NoError(t, s.UpdateMessage(ctx, "c", "m2", "Edited"))

			got, err := s.Get(ctx, "c")
			require.NoError(t, err)
			require.Len(t, got.Messages, 3)
			orig := transcript()
			for i := range orig {
				assert.Equal(t, orig[i].ID, got.Messages[i].ID)
				assert.Equal(t, orig[i].Role, got.Messages[i].Role)
			}
			assert.Equal(t, []string{"Hello", "Edited", "How are you?"}, contents(got.Messages))

			require.ErrorIs(t, s.UpdateMessage(ctx, "c", "nope", "x"), ErrNotFound)
			require.ErrorIs(t, s.UpdateMessage(ctx, "missing", "m1", "x"), ErrNotFound)
		})
	}
}

func TestStore_DeleteMessage(t *testing.T) {
	for name, newStore := range backends() {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := newStore(t)
			_, err := s.Upsert(ctx, &Conversation{ID: "c", Messages: transcript()})
			require.NoError(t, err)

			require.NoError(t, s.DeleteMessage(ctx, "c", "m2"))

			got, err := s.Get(ctx, "c")
			require.NoError(t, err)
			require.Len(t, got.Messages, 2)
			assert.Equal(t, "m1", got.Messages[0].ID)
			assert.Equal(t, "m3", got.Messages[1].ID)

			require.ErrorIs(t, s.DeleteMessage(ctx, "c", "m2"), ErrNotFound)
			require.ErrorIs(t, s.DeleteMessage(ctx, "missing", "m1"), ErrNotFound)
		})
	}
}

func TestStore_ListMostRecentFirst(t *testing.T) {
	for name, newStore := range backends() {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := newStore(t)

			for _, id := range []string{"a", "b", "c"} {
				_, err := s.Upsert(ctx, &Conversation{ID: id, Title: "title " + id})
				require.NoError(t, err)
				time.Sleep(2 * time.Millisecond)
			}
			_, err := s.Upsert(ctx, &Conversation{ID: "a", Messages: transcript()})
			require.NoError(t, err)

			list, err := s.List(ctx)
			require.NoError(t, err)
			require.Len(t, list, 3)
			assert.Equal(t, "a", list[0].ID)
			assert.Equal(t, "c", list[1].ID)
			assert.Equal(t, "b", list[2].ID)
			assert.Equal(t, "title a", list[0].Title)
		})
	}
}

func TestStore_InvalidID(t *testing.T) {
	for name, newStore := range backends() {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := newStore(t)
			for _, id := range []string{"../etc/passwd", "a/b", ".hidden", "a..b"} {
				_, err := s.Get(ctx, id)
				assert.ErrorIs(t, err, ErrInvalidID, id)
				_, err = s.Upsert(ctx, &Conversation{ID: id})
				assert.ErrorIs(t, err, ErrInvalidID, id)
			}
		})
	}
}
