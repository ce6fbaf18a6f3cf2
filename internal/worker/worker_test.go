package worker

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestInvoke_ReturnsError(t *testing.T) {
	boom := errors.New("boom")
	out := <-Invoke(context.Background(), func(context.Context) error { return boom })
	require.False(t, out.Panicked())
	require.ErrorIs(t, out.Err, boom)
	require.ErrorIs(t, out.Error(), boom)
}

func TestInvoke_RecoversPanic(t *testing.T) {
	out := <-Invoke(context.Background(), func(context.Context) error { panic("kaput") })
	require.True(t, out.Panicked())
	require.Equal(t, "kaput", out.Panic)
	require.Contains(t, out.Stack, "goroutine")
	require.EqualError(t, out.Error(), "panic: kaput")
}

func TestInvoke_AbandonedDoesNotBlock(t *testing.T) {
	release := make(chan struct{})
	ch := Invoke(context.Background(), func(context.Context) error {
		<-release
		return nil
	})
	close(release)
	// nobody receives; the buffered send must still complete
	require.Eventually(t, func() bool { return len(ch) == 1 }, time.Second, 5*time.Millisecond)
}

func TestPool_BoundsConcurrency(t *testing.T) {
	p := NewPool(2)
	block := make(chan struct{})
	var ran atomic.Int32
	require.True(t, p.TryGo(func() { <-block; ran.Add(1) }))
	require.True(t, p.TryGo(func() { <-block; ran.Add(1) }))
	require.False(t, p.TryGo(func() { ran.Add(1) }), "third job must be rejected")
	require.Equal(t, 2, p.Busy())
	require.Equal(t, 0, p.Free())
	close(block)
	p.Wait()
	require.Equal(t, int32(2), ran.Load())
	require.Equal(t, 2, p.Free())
}
