package catalog

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryRegisterVersionsMonotonically(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	v1, err := m.Register(ctx, Workflow{Name: "echo", Source: []byte("v1")})
	require.NoError(t, err)
	assert.Equal(t, 1, v1)

	v2, err := m.Register(ctx, Workflow{Name: "echo", Source: []byte("v2")})
	require.NoError(t, err)
	assert.Equal(t, 2, v2)

	latest, err := m.Get(ctx, "echo", 0)
	require.NoError(t, err)
	assert.Equal(t, []byte("v2"), latest.Source)

	first, err := m.Get(ctx, "echo", 1)
	require.NoError(t, err)
	assert.Equal(t, []byte("v1"), first.Source)
}

func TestMemoryGetUnknownWorkflow(t *testing.T) {
	m := NewMemory()
	_, err := m.Get(context.Background(), "missing", 0)
	assert.Error(t, err)
}

func TestMemoryListReturnsLatestPerName(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	_, _ = m.Register(ctx, Workflow{Name: "a", Source: []byte("1")})
	_, _ = m.Register(ctx, Workflow{Name: "a", Source: []byte("2")})
	_, _ = m.Register(ctx, Workflow{Name: "b", Source: []byte("1")})

	list, err := m.List(ctx)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "a", list[0].Name)
	assert.Equal(t, 2, list[0].Version)
	assert.Equal(t, "b", list[1].Name)
}
