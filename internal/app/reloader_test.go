package app

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingReloadable struct {
	calls atomic.Int32
	err   error
}

func (c *countingReloadable) Reload(context.Context) error {
	c.calls.Add(1)
	return c.err
}

func TestIndexReloader_ReloadsOnTick(t *testing.T) {
	clock := clockwork.NewFakeClock()
	target := &countingReloadable{err: errors.New("first reload fails")}
	reloader := NewIndexReloader(target, time.Minute, clock)

	done := make(chan struct{})
	go func() {
		reloader.Run(context.Background())
		close(done)
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, clock.BlockUntilContext(ctx, 1))
	assert.Equal(t, int32(0), target.calls.Load(), "no reload before the first tick")

	clock.Advance(time.Minute)
	assert.Eventually(t, func() bool { return target.calls.Load() == 1 }, time.Second, 10*time.Millisecond)

	clock.Advance(time.Minute)
	assert.Eventually(t, func() bool { return target.calls.Load() == 2 }, time.Second, 10*time.Millisecond, "errors do not stop the loop")

	reloader.Stop()
	reloader.Stop()
	<-done
}

func TestIndexReloader_ZeroIntervalDisabled(t *testing.T) {
	target := &countingReloadable{}
	reloader := NewIndexReloader(target, 0, clockwork.NewFakeClock())

	done := make(chan struct{})
	go func() {
		reloader.Run(context.Background())
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("disabled reloader should return immediately")
	}
	assert.Equal(t, int32(0), target.calls.Load())
}
