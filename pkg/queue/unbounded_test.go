package queue

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUnbounded_PreservesOrderWithoutBlocking(t *testing.T) {
	q := NewUnbounded[int]()
	defer q.Close()

	for i := 0; i < 1000; i++ {
		require.True(t, q.Push(i))
	}
	for i := 0; i < 1000; i++ {
		select {
		case got := <-q.Out():
			assert.Equal(t, i, got)
		case <-time.After(time.Second):
			t.Fatalf("item %d not delivered", i)
		}
	}
}

func TestUnbounded_CloseDropsAndClosesOut(t *testing.T) {
	q := NewUnbounded[string]()
	q.Push("a")
	q.Push("b")
	q.Close()
	q.Close()

	assert.False(t, q.Push("c"))
	assert.Eventually(t, func() bool {
		select {
		case _, ok := <-q.Out():
			return !ok
		default:
			return false
		}
	}, time.Second, time.Millisecond)
}
