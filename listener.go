package routemanager

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
)

// errWake marks a receive that was interrupted on purpose and should be
// retried or re-examined rather than surfaced to the caller.
var errWake = errors.New("receive interrupted")

// errSourceClosed marks a receive against a source whose underlying
// subscription has already been torn down.
var errSourceClosed = errors.New("event source closed")

// eventSource is the platform half of a RouteListener. recvBatch blocks
// for the next batch of decoded changes; wake unblocks a pending
// recvBatch once; shutdown unblocks it permanently and may be called from
// any goroutine; close releases the underlying resources.
type eventSource interface {
	recvBatch() ([]RouteChange, error)
	wake() error
	shutdown() error
	close() error
}

// RouteListener streams routing-table change events. Events are delivered
// in kernel order through Listen, which is meant for a single consuming
// goroutine. Shutdown may be called from anywhere and permanently stops
// the stream; Close additionally releases the platform resources and
// belongs on the consuming side, typically deferred.
type RouteListener struct {
	src eventSource

	mu      sync.Mutex
	pending []RouteChange

	down      atomic.Bool
	closeOnce sync.Once
	closeErr  error
}

func newRouteListener(src eventSource) *RouteListener {
	return &RouteListener{src: src}
}

// Listen blocks until the next routing-table change arrives. After
// Shutdown or Close it returns ErrInterrupted, including for calls
// already blocked when the shutdown happened.
func (l *RouteListener) Listen() (RouteChange, error) {
	return l.listen(nil)
}

// ListenContext is Listen bounded by a context. Cancellation makes the
// pending call return ctx.Err() without shutting the listener down.
func (l *RouteListener) ListenContext(ctx context.Context) (RouteChange, error) {
	stop := context.AfterFunc(ctx, func() { _ = l.src.wake() })
	defer stop()
	return l.listen(ctx)
}

func (l *RouteListener) listen(ctx context.Context) (RouteChange, error) {
	for {
		if l.down.Load() {
			return RouteChange{}, ErrInterrupted
		}
		if ctx != nil {
			if err := ctx.Err(); err != nil {
				return RouteChange{}, err
			}
		}
		if ev, ok := l.pop(); ok {
			return ev, nil
		}
		batch, err := l.src.recvBatch()
		switch {
		case errors.Is(err, errWake):
			continue
		case errors.Is(err, errSourceClosed):
			return RouteChange{}, ErrInterrupted
		case err != nil:
			if l.down.Load() {
				return RouteChange{}, ErrInterrupted
			}
			return RouteChange{}, err
		}
		l.push(batch)
	}
}

func (l *RouteListener) pop() (RouteChange, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.pending) == 0 {
		return RouteChange{}, false
	}
	ev := l.pending[0]
	l.pending = l.pending[1:]
	return ev, true
}

func (l *RouteListener) push(batch []RouteChange) {
	if len(batch) == 0 {
		return
	}
	l.mu.Lock()
	l.pending = append(l.pending, batch...)
	l.mu.Unlock()
}

// Shutdown stops the stream. It is safe to call from any goroutine and
// more than once; a blocked Listen returns ErrInterrupted.
func (l *RouteListener) Shutdown() error {
	if l.down.CompareAndSwap(false, true) {
		return l.src.shutdown()
	}
	return nil
}

// Close shuts the listener down and releases its platform resources. Do
// not call it concurrently with a blocked Listen; use Shutdown for that
// and Close afterwards.
func (l *RouteListener) Close() error {
	err := l.Shutdown()
	l.closeOnce.Do(func() { l.closeErr = l.src.close() })
	if err != nil {
		return err
	}
	return l.closeErr
}
