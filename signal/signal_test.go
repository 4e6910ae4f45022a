package signal_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lars/signal"
)

func TestAwaitUnblocksOnFire(t *testing.T) {
	s := signal.NewMemStore()
	var wg sync.WaitGroup
	var payload map[string]any
	var status string

	wg.Add(1)
	go func() {
		defer wg.Done()
		p, st, err := s.Await(context.Background(), "sess-1", "approval", 0)
		require.NoError(t, err)
		payload, status = p, st
	}()

	// give the waiter a moment to register before firing
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		names, _ := s.List(context.Background(), "sess-1")
		if len(names) == 1 {
			break
		}
		time.Sleep(time.Millisecond)
	}

	n, err := s.Fire(context.Background(), "sess-1", "approval", map[string]any{"ok": true})
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	wg.Wait()

	assert.Equal(t, string(signal.StatusFired), status)
	assert.Equal(t, true, payload["ok"])
}

func TestAwaitTimesOut(t *testing.T) {
	s := signal.NewMemStore()
	_, status, err := s.Await(context.Background(), "sess-1", "never", time.Second)
	require.NoError(t, err)
	assert.Equal(t, string(signal.StatusTimeout), status)
}

func TestFireWithNoWaiterIsNotAnError(t *testing.T) {
	s := signal.NewMemStore()
	n, err := s.Fire(context.Background(), "sess-1", "nobody-waiting", nil)
	assert.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestCancelUnblocksWaiter(t *testing.T) {
	s := signal.NewMemStore()
	done := make(chan string, 1)
	go func() {
		_, status, _ := s.Await(context.Background(), "sess-1", "cancel-me", 0)
		done <- status
	}()

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		names, _ := s.List(context.Background(), "sess-1")
		if len(names) == 1 {
			break
		}
		time.Sleep(time.Millisecond)
	}

	require.NoError(t, s.Cancel(context.Background(), "sess-1", "cancel-me"))
	assert.Equal(t, string(signal.StatusCancel), <-done)
}
