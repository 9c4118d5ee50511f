package routemanager

import (
	"context"
	"net/netip"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// fakeSource scripts an eventSource for listener tests.
type fakeSource struct {
	batches chan []RouteChange
	wakeCh  chan struct{}

	mu       sync.Mutex
	done     chan struct{}
	isDown   bool
	isClosed bool
}

func newFakeSource() *fakeSource {
	return &fakeSource{
		batches: make(chan []RouteChange, 8),
		wakeCh:  make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
}

func (f *fakeSource) recvBatch() ([]RouteChange, error) {
	select {
	case batch := <-f.batches:
		return batch, nil
	case <-f.wakeCh:
		return nil, errWake
	case <-f.done:
		return nil, errSourceClosed
	}
}

func (f *fakeSource) wake() error {
	select {
	case f.wakeCh <- struct{}{}:
	default:
	}
	return nil
}

func (f *fakeSource) shutdown() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.isDown {
		f.isDown = true
		close(f.done)
	}
	return nil
}

func (f *fakeSource) close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.isClosed = true
	return nil
}

func change(kind ChangeKind, dest string, prefix uint8) RouteChange {
	return RouteChange{Kind: kind, Route: NewRoute(netip.MustParseAddr(dest), prefix)}
}

func TestListenerDeliversInOrder(t *testing.T) {
	src := newFakeSource()
	l := newRouteListener(src)
	defer l.Close()

	batch := []RouteChange{
		change(ChangeAdd, "10.0.0.0", 8),
		change(ChangeDelete, "10.1.0.0", 16),
		change(ChangeAdd, "10.2.0.0", 16),
	}
	src.batches <- batch

	for i, want := range batch {
		got, err := l.Listen()
		require.NoError(t, err, "event %d", i)
		require.Equal(t, want, got, "event %d", i)
	}
}

func TestListenerShutdownUnblocksListen(t *testing.T) {
	src := newFakeSource()
	l := newRouteListener(src)

	errCh := make(chan error, 1)
	go func() {
		_, err := l.Listen()
		errCh <- err
	}()

	// Give the goroutine a moment to block in recvBatch.
	time.Sleep(10 * time.Millisecond)
	require.NoError(t, l.Shutdown())
	require.True(t, src.isDown, "Shutdown must reach the source")

	select {
	case err := <-errCh:
		require.ErrorIs(t, err, ErrInterrupted)
	case <-time.After(2 * time.Second):
		t.Fatal("Listen did not return after Shutdown")
	}

	// Terminal: later calls fail immediately, even with events queued.
	src.batches <- []RouteChange{change(ChangeAdd, "10.0.0.0", 8)}
	_, err := l.Listen()
	require.ErrorIs(t, err, ErrInterrupted)

	require.NoError(t, l.Shutdown(), "Shutdown must be idempotent")
	require.NoError(t, l.Close())
	require.True(t, src.isClosed)
}

func TestListenerContextCancel(t *testing.T) {
	src := newFakeSource()
	l := newRouteListener(src)
	defer l.Close()

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		_, err := l.ListenContext(ctx)
		errCh <- err
	}()

	time.Sleep(10 * time.Millisecond)
	cancel()

	select {
	case err := <-errCh:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("ListenContext did not return after cancel")
	}

	// Cancellation is not terminal; the listener keeps working.
	want := change(ChangeAdd, "192.168.0.0", 16)
	src.batches <- []RouteChange{want}
	got, err := l.Listen()
	require.NoError(t, err)
	require.Equal(t, want, got)
}

func TestListenerContextDeadline(t *testing.T) {
	src := newFakeSource()
	l := newRouteListener(src)
	defer l.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := l.ListenContext(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}
