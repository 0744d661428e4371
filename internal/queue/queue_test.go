package queue

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFIFO_Order(t *testing.T) {
	q := New[string]()
	for _, s := range []string{"A", "B", "C"} {
		require.True(t, q.Enqueue(s))
	}
	assert.Equal(t, 3, q.Len())

	for _, want := range []string{"A", "B", "C"} {
		got, ok := q.TryDequeue()
		require.True(t, ok)
		assert.Equal(t, want, got)
	}
	_, ok := q.TryDequeue()
	assert.False(t, ok, "dequeue from empty queue should return false")
}

func TestFIFO_Drain(t *testing.T) {
	q := New[int]()
	q.Enqueue(1)
	q.Enqueue(2)

	assert.Equal(t, []int{1, 2}, q.Drain())
	assert.Zero(t, q.Len())
	assert.Empty(t, q.Drain())
}

func TestFIFO_WaitSignals(t *testing.T) {
	q := New[int]()

	done := make(chan int)
	go func() {
		<-q.Wait()
		v, _ := q.TryDequeue()
		done <- v
	}()

	time.Sleep(10 * time.Millisecond)
	q.Enqueue(42)

	select {
	case v := <-done:
		assert.Equal(t, 42, v)
	case <-time.After(time.Second):
		t.Fatal("waiter was not woken")
	}
}

func TestFIFO_Close(t *testing.T) {
	q := New[int]()
	q.Enqueue(1)
	q.Close()
	q.Close()

	assert.True(t, q.Closed())
	assert.False(t, q.Enqueue(2), "enqueue after close should fail")

	v, ok := q.TryDequeue()
	require.True(t, ok, "queued items survive close")
	assert.Equal(t, 1, v)

	_, open := <-q.Wait()
	assert.False(t, open)
}

func TestFIFO_ConcurrentProducers(t *testing.T) {
	q := New[int]()
	var wg sync.WaitGroup
	for p := 0; p < 4; p++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 250; i++ {
				q.Enqueue(i)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1000, q.Len())
}
