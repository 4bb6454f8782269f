package queue

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnqueueThenDequeue(t *testing.T) {
	q := New()
	q.Enqueue(Frame{Kind: KindChunk, Data: "hello"})

	f, err := q.Dequeue(time.Second)
	require.NoError(t, err)
	assert.Equal(t, "hello", f.Data)
}

func TestDequeueBlocksUntilEnqueue(t *testing.T) {
	q := New()

	var wg sync.WaitGroup
	wg.Add(1)
	var got Frame
	var gotErr error
	go func() {
		defer wg.Done()
		got, gotErr = q.Dequeue(time.Second)
	}()

	time.Sleep(20 * time.Millisecond)
	q.Enqueue(Frame{Kind: KindStreamEnd})
	wg.Wait()

	require.NoError(t, gotErr)
	assert.Equal(t, KindStreamEnd, got.Kind)
}

func TestDequeueTimeout(t *testing.T) {
	q := New()
	_, err := q.Dequeue(20 * time.Millisecond)
	assert.ErrorIs(t, err, ErrTimeout)
}

func TestCloseFailsWaiters(t *testing.T) {
	q := New()

	var wg sync.WaitGroup
	wg.Add(1)
	var gotErr error
	go func() {
		defer wg.Done()
		_, gotErr = q.Dequeue(time.Second)
	}()

	time.Sleep(20 * time.Millisecond)
	q.Close()
	wg.Wait()

	assert.ErrorIs(t, gotErr, ErrClosed)
}

func TestCloseDropsBuffered(t *testing.T) {
	q := New()
	q.Enqueue(Frame{Kind: KindChunk, Data: "buffered"})
	q.Close()

	_, err := q.Dequeue(time.Second)
	assert.ErrorIs(t, err, ErrClosed)
}

func TestEnqueueAfterCloseIsNoOp(t *testing.T) {
	q := New()
	q.Close()
	q.Enqueue(Frame{Kind: KindChunk, Data: "ignored"})

	_, err := q.Dequeue(time.Millisecond)
	assert.ErrorIs(t, err, ErrClosed)
}
