package memory

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStore_Lifecycle(t *testing.T) {
	s := New()
	ctx := context.Background()

	_, ok, err := s.Get(ctx, "k")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.Set(ctx, "k", "v1"))
	require.NoError(t, s.SetMany(ctx, map[string]string{"k": "v2", "j": "w"}))

	v, ok, err := s.Get(ctx, "k")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "v2", v)
	assert.Equal(t, 2, s.Len())

	require.NoError(t, s.Delete(ctx, "k"))
	require.NoError(t, s.Delete(ctx, "k"))
	assert.Equal(t, 1, s.Len())
}

func TestStore_Concurrent(t *testing.T) {
	s := New()
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			key := fmt.Sprintf("k%d", i)
			_ = s.Set(ctx, key, "v")
			_, _, _ = s.Get(ctx, key)
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 20, s.Len())
}
