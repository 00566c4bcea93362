package timerqueue

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestTimerQueueFiresInPriorityOrder(t *testing.T) {
	var mu sync.Mutex
	var fired []int

	q := New(func(v interface{}) {
		mu.Lock()
		fired = append(fired, v.(int))
		mu.Unlock()
	})
	q.Start()
	defer q.Halt()

	now := time.Now()
	q.Push(uint64(now.Add(30*time.Millisecond).UnixNano()), 2)
	q.Push(uint64(now.Add(10*time.Millisecond).UnixNano()), 1)
	q.Push(uint64(now.Add(50*time.Millisecond).UnixNano()), 3)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(fired) == 3
	}, time.Second, 5*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []int{1, 2, 3}, fired)
}

func TestPeekAndPop(t *testing.T) {
	q := New(func(interface{}) {})
	require.Nil(t, q.Peek())

	q.Push(100, "a")
	q.Push(50, "b")
	require.Equal(t, "b", q.Peek())

	q.Pop()
	require.Equal(t, "a", q.Peek())

	q.Pop()
	require.Nil(t, q.Peek())
}
