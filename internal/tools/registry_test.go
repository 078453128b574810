package tools

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubTool struct {
	name string
	desc string
}

func (s stubTool) Descriptor() Descriptor {
	return Descriptor{Name: s.name, Description: s.desc}
}

func (s stubTool) Execute(context.Context, map[string]string, CallContext) (any, error) {
	return s.desc, nil
}

func TestRegistryRegisterAndGet(t *testing.T) {
	t.Parallel()

	r, err := NewRegistry(stubTool{name: "weather", desc: "forecast"})
	require.NoError(t, err)

	got, err := r.Get("weather")
	require.NoError(t, err)
	assert.Equal(t, "forecast", got.Descriptor().Description)

	_, err = r.Get("missing")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestRegistryRejectsDuplicatesAndEmptyNames(t *testing.T) {
	t.Parallel()

	r, err := NewRegistry()
	require.NoError(t, err)

	require.NoError(t, r.Register(stubTool{name: "a"}))
	require.ErrorIs(t, r.Register(stubTool{name: "a"}), ErrAlreadyExists)
	require.ErrorIs(t, r.Register(stubTool{}), ErrEmptyName)
	require.ErrorIs(t, r.Replace(stubTool{}), ErrEmptyName)

	_, err = NewRegistry(stubTool{name: "x"}, stubTool{name: "x"})
	require.ErrorIs(t, err, ErrAlreadyExists)
}

func TestRegistryReplace(t *testing.T) {
	t.Parallel()

	r, err := NewRegistry(stubTool{name: "a", desc: "old"})
	require.NoError(t, err)
	require.NoError(t, r.Replace(stubTool{name: "a", desc: "new"}))

	got, err := r.Get("a")
	require.NoError(t, err)
	assert.Equal(t, "new", got.Descriptor().Description)
	assert.Equal(t, 1, r.Len())
}

func TestRegistryListIsSorted(t *testing.T) {
	t.Parallel()

	r, err := NewRegistry(stubTool{name: "zeta"}, stubTool{name: "alpha"}, stubTool{name: "mid"})
	require.NoError(t, err)

	assert.Equal(t, []string{"alpha", "mid", "zeta"}, r.Names())
	list := r.List()
	require.Len(t, list, 3)
	assert.Equal(t, "alpha", list[0].Name)
}

func TestRegistryConcurrentAccess(t *testing.T) {
	t.Parallel()

	r, err := NewRegistry(stubTool{name: "base"})
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			_ = r.Replace(stubTool{name: "base", desc: "updated"})
		}()
		go func() {
			defer wg.Done()
			_, _ = r.Get("base")
			_ = r.Names()
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, r.Len())
}
