// Package timerqueue provides a priority-ordered deadline queue driven
// by a single timer goroutine. It is the generalized form of the
// teacher's client2/arq.go TimerQueue: there it fired retransmissions
// for unacknowledged SURBs; here the same push/peek/pop-by-priority
// shape drives the expiry of connmgr's peer poisoning windows.
package timerqueue

import (
	"container/heap"
	"sync"
	"time"
)

// Item is a single scheduled entry. Priority is a UnixNano deadline:
// lower fires first.
type item struct {
	priority uint64
	value    interface{}
	index    int
}

type itemHeap []*item

func (h itemHeap) Len() int            { return len(h) }
func (h itemHeap) Less(i, j int) bool  { return h[i].priority < h[j].priority }
func (h itemHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i]; h[i].index = i; h[j].index = j }
func (h *itemHeap) Push(x interface{}) { it := x.(*item); it.index = len(*h); *h = append(*h, it) }
func (h *itemHeap) Pop() interface{} {
	old := *h
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return it
}

// TimerQueue invokes a callback for every item whose deadline has
// passed, using a single background goroutine and a re-armed timer
// rather than one timer per item.
type TimerQueue struct {
	sync.Mutex
	wg sync.WaitGroup

	haltCh chan struct{}
	wakeCh chan struct{}
	h      itemHeap

	onExpire func(interface{})
}

// New creates a TimerQueue that calls onExpire for each item once its
// deadline (a UnixNano timestamp, see Push) has elapsed.
func New(onExpire func(interface{})) *TimerQueue {
	return &TimerQueue{
		haltCh:   make(chan struct{}),
		wakeCh:   make(chan struct{}, 1),
		onExpire: onExpire,
	}
}

// Start launches the worker goroutine. Must be called before Push.
func (q *TimerQueue) Start() {
	q.wg.Add(1)
	go q.worker()
}

// Halt stops the worker goroutine and waits for it to exit.
func (q *TimerQueue) Halt() {
	close(q.haltCh)
	q.wg.Wait()
}

// Push schedules value to expire at the given UnixNano priority.
func (q *TimerQueue) Push(priority uint64, value interface{}) {
	q.Lock()
	heap.Push(&q.h, &item{priority: priority, value: value})
	q.Unlock()
	select {
	case q.wakeCh <- struct{}{}:
	default:
	}
}

// Peek returns the earliest-deadline item without removing it, or nil
// if the queue is empty.
func (q *TimerQueue) Peek() interface{} {
	q.Lock()
	defer q.Unlock()
	if len(q.h) == 0 {
		return nil
	}
	return q.h[0].value
}

// Pop removes and discards the earliest-deadline item, if any.
func (q *TimerQueue) Pop() {
	q.Lock()
	defer q.Unlock()
	if len(q.h) == 0 {
		return
	}
	heap.Pop(&q.h)
}

func (q *TimerQueue) nextDelay() time.Duration {
	q.Lock()
	defer q.Unlock()
	if len(q.h) == 0 {
		return time.Hour
	}
	deadline := time.Unix(0, int64(q.h[0].priority))
	d := time.Until(deadline)
	if d < 0 {
		return 0
	}
	return d
}

func (q *TimerQueue) popExpired(now uint64) []interface{} {
	q.Lock()
	defer q.Unlock()
	var expired []interface{}
	for len(q.h) > 0 && q.h[0].priority <= now {
		it := heap.Pop(&q.h).(*item)
		expired = append(expired, it.value)
	}
	return expired
}

func (q *TimerQueue) worker() {
	defer q.wg.Done()
	timer := time.NewTimer(time.Hour)
	defer timer.Stop()
	for {
		select {
		case <-q.haltCh:
			return
		case <-q.wakeCh:
		case <-timer.C:
		}

		for _, v := range q.popExpired(uint64(time.Now().UnixNano())) {
			q.onExpire(v)
		}

		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(q.nextDelay())
	}
}
