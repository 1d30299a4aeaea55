package changefeed

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/meow-io/go-courier/config"
	"github.com/meow-io/go-courier/internal/test"
	"github.com/stretchr/testify/require"
)

func TestMain(m *testing.M) {
	os.Exit(test.DBCleanup(m.Run))
}

func TestBurstCoalesces(t *testing.T) {
	require := require.New(t)
	f := New(config.NewConfig(config.WithChangeDebounceMs(20)))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ticks := f.Observe(ctx, "room")
	for i := 0; i < 10; i++ {
		f.Publish("room")
	}

	select {
	case <-ticks:
	case <-time.After(time.Second):
		require.Fail("expected a tick")
	}
	select {
	case <-ticks:
		require.Fail("burst should produce one tick")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestOtherConversationsNotNotified(t *testing.T) {
	require := require.New(t)
	f := New(config.NewConfig(config.WithChangeDebounceMs(1)))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ticks := f.Observe(ctx, "a")
	f.Publish("b")
	select {
	case <-ticks:
		require.Fail("unexpected tick")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestObserveClosesOnCancel(t *testing.T) {
	require := require.New(t)
	f := New(config.NewConfig(config.WithChangeDebounceMs(1)))
	ctx, cancel := context.WithCancel(context.Background())
	ticks := f.Observe(ctx, "a")
	cancel()
	select {
	case _, ok := <-ticks:
		require.False(ok)
	case <-time.After(time.Second):
		require.Fail("stream not closed")
	}
	require.Eventually(func() bool {
		f.lock.Lock()
		defer f.lock.Unlock()
		return len(f.subs) == 0
	}, time.Second, 5*time.Millisecond)
}
