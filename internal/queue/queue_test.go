// SPDX-License-Identifier: MIT
package queue

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestQueueFIFO(t *testing.T) {
	q := New()
	q.Push("a")
	q.Push("b")
	q.Push("c")
	assert.Equal(t, 3, q.Len())

	for _, want := range []string{"a", "b", "c"} {
		id, ok := q.Pop(context.Background(), time.Second)
		require.True(t, ok)
		assert.Equal(t, want, id)
	}
	assert.Equal(t, 0, q.Len())
}

func TestPopTimesOutOnEmptyQueue(t *testing.T) {
	q := New()
	start := time.Now()
	_, ok := q.Pop(context.Background(), 30*time.Millisecond)
	assert.False(t, ok)
	assert.GreaterOrEqual(t, time.Since(start), 30*time.Millisecond)
}

func TestPopReturnsOnContextCancel(t *testing.T) {
	q := New()
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()
	_, ok := q.Pop(ctx, 5*time.Second)
	assert.False(t, ok)
}

func TestPushWakesBlockedPop(t *testing.T) {
	defer goleak.VerifyNone(t)
	q := New()

	got := make(chan string, 1)
	go func() {
		id, ok := q.Pop(context.Background(), 5*time.Second)
		if ok {
			got <- id
		}
	}()

	time.Sleep(10 * time.Millisecond)
	q.Push("woken")

	select {
	case id := <-got:
		assert.Equal(t, "woken", id)
	case <-time.After(time.Second):
		t.Fatal("pop never woke up")
	}
}
