package engine

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoopRunsPostsInOrderAndContinuations(t *testing.T) {
	l := NewLoop(2)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go l.Run(ctx)

	var got []int
	done := make(chan struct{})
	for i := 0; i < 3; i++ {
		i := i
		l.Post(func() { got = append(got, i) })
	}
	l.Post(func() {
		async(l, func(context.Context) (int, error) { return 42, nil }, func(v int, err error) {
			got = append(got, v)
			close(done)
		})
	})

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("continuation never ran")
	}
	assert.Equal(t, []int{0, 1, 2, 42}, got)
}

func TestLoopTimerStop(t *testing.T) {
	l := NewLoop(1)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go l.Run(ctx)

	fired := make(chan string, 2)
	l.Post(func() {
		stopped := l.AfterFunc(10*time.Millisecond, func() { fired <- "stopped" })
		stopped.Stop()
		l.AfterFunc(20*time.Millisecond, func() { fired <- "kept" })
	})

	select {
	case v := <-fired:
		require.Equal(t, "kept", v)
	case <-time.After(2 * time.Second):
		t.Fatal("timer never fired")
	}
}
