package idempotency

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestCheckReturnsPriorResultWithinTTL(t *testing.T) {
	g := New()
	defer g.Close()

	_, ok := g.Check("op-1")
	require.False(t, ok)

	g.Record("op-1", "result-A")
	result, ok := g.Check("op-1")
	require.True(t, ok)
	require.Equal(t, "result-A", result)
}

func TestCheckContentDuplicateSuppressesRapidRepeats(t *testing.T) {
	g := New()
	defer g.Close()

	dup, err := g.CheckContentDuplicate("task_create:manual", map[string]any{"title": "x"}, 2*time.Second)
	require.NoError(t, err)
	require.False(t, dup, "first submission is never a duplicate")

	dup, err = g.CheckContentDuplicate("task_create:manual", map[string]any{"title": "x"}, 2*time.Second)
	require.NoError(t, err)
	require.True(t, dup, "identical content within the window is a duplicate")

	dup, err = g.CheckContentDuplicate("task_create:manual", map[string]any{"title": "y"}, 2*time.Second)
	require.NoError(t, err)
	require.False(t, dup, "different content is never a duplicate")
}

func TestEvictionRemovesOldestFractionAtCapacity(t *testing.T) {
	g := New()
	defer g.Close()
	g.capacity = 10

	for i := 0; i < 10; i++ {
		g.Record(string(rune('a'+i)), i)
		time.Sleep(time.Millisecond)
	}
	require.Len(t, g.byOp, 10)

	// Recording one more past capacity evicts the oldest 20%.
	g.Record("k", "new")
	require.LessOrEqual(t, len(g.byOp), 9)
	_, ok := g.Check("a")
	require.False(t, ok, "oldest entry should have been evicted")
}
