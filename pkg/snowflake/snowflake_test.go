package snowflake

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewGenerator_RejectsOutOfRangeNode(t *testing.T) {
	_, err := NewGenerator(-1)
	assert.Error(t, err)

	_, err = NewGenerator(maxNode + 1)
	assert.Error(t, err)

	_, err = NewGenerator(maxNode)
	assert.NoError(t, err)
}

func TestGenerator_Next_Unique(t *testing.T) {
	g, err := NewGenerator(1)
	require.NoError(t, err)

	seen := make(map[int64]bool)
	for i := 0; i < 100000; i++ {
		id := g.Next()
		require.False(t, seen[id], "duplicate id %d at iteration %d", id, i)
		seen[id] = true
	}
}

func TestGenerator_Next_Monotonic(t *testing.T) {
	g, err := NewGenerator(2)
	require.NoError(t, err)

	prev := g.Next()
	for i := 0; i < 1000; i++ {
		next := g.Next()
		assert.Greater(t, next, prev)
		prev = next
	}
}

func TestGenerator_Next_ConcurrentUnique(t *testing.T) {
	g, err := NewGenerator(3)
	require.NoError(t, err)

	const goroutines = 50
	const perGoroutine = 2000

	ids := make(chan int64, goroutines*perGoroutine)
	var wg sync.WaitGroup
	wg.Add(goroutines)
	for i := 0; i < goroutines; i++ {
		go func() {
			defer wg.Done()
			for j := 0; j < perGoroutine; j++ {
				ids <- g.Next()
			}
		}()
	}
	wg.Wait()
	close(ids)

	seen := make(map[int64]bool, goroutines*perGoroutine)
	for id := range ids {
		require.False(t, seen[id])
		seen[id] = true
	}
}

func TestDistinctNodes_NoCollision(t *testing.T) {
	g1, err := NewGenerator(10)
	require.NoError(t, err)
	g2, err := NewGenerator(20)
	require.NoError(t, err)

	id1 := g1.Next()
	id2 := g2.Next()
	assert.NotEqual(t, id1, id2)
}
