package resource

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryCRUD(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	created, err := m.Create(ctx, "task", Record{"title": "write report"})
	require.NoError(t, err)
	id := created["id"].(string)
	assert.NotEmpty(t, id)

	_, err = m.Create(ctx, "task", Record{"id": id})
	assert.True(t, errors.Is(err, ErrConflict))

	before, after, err := m.Update(ctx, "task", id, Record{"title": "final report", "id": "ignored"})
	require.NoError(t, err)
	assert.Equal(t, "write report", before["title"])
	assert.Equal(t, "final report", after["title"])
	assert.Equal(t, id, after["id"])

	got, err := m.Get(ctx, "task", id)
	require.NoError(t, err)
	assert.Equal(t, "final report", got["title"])

	// returned records are copies
	got["title"] = "mutated"
	again, _ := m.Get(ctx, "task", id)
	assert.Equal(t, "final report", again["title"])

	deleted, err := m.Delete(ctx, "task", id)
	require.NoError(t, err)
	assert.Equal(t, "final report", deleted["title"])

	_, err = m.Get(ctx, "task", id)
	assert.True(t, errors.Is(err, ErrNotFound))
	_, err = m.Delete(ctx, "task", id)
	assert.True(t, errors.Is(err, ErrNotFound))
	_, _, err = m.Update(ctx, "task", id, Record{})
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestMemoryPutAndQuery(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	require.NoError(t, m.Put(ctx, "prompt", "p2", Record{"name": "B", "lang": "en"}))
	require.NoError(t, m.Put(ctx, "prompt", "p1", Record{"name": "A", "lang": "en"}))
	require.NoError(t, m.Put(ctx, "prompt", "p3", Record{"name": "C", "lang": "ja"}))

	en, err := m.Query(ctx, "prompt", map[string]any{"lang": "en"})
	require.NoError(t, err)
	require.Len(t, en, 2)
	assert.Equal(t, "p1", en[0]["id"])

	all, err := m.Query(ctx, "prompt", nil)
	require.NoError(t, err)
	assert.Len(t, all, 3)

	// Put overwrites the whole record
	require.NoError(t, m.Put(ctx, "prompt", "p1", Record{"name": "A2"}))
	p1, err := m.Get(ctx, "prompt", "p1")
	require.NoError(t, err)
	assert.Equal(t, Record{"id": "p1", "name": "A2"}, p1)

	assert.Equal(t, []string{"prompt"}, m.Types())
}
