package election

import (
	"context"
	"sync"

	"leaderelect/pkg/coordination"
)

// lifecycle mirrors the session state for the election. Only the
// notification handler writes it; any number of goroutines may wait on done.
type lifecycle struct {
	mu    sync.Mutex
	state coordination.SessionState
	done  chan struct{}
	once  sync.Once
}

func newLifecycle() *lifecycle {
	return &lifecycle{
		state: coordination.StateConnecting,
		done:  make(chan struct{}),
	}
}

func (l *lifecycle) connected() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state != coordination.StateEnded {
		l.state = coordination.StateConnected
	}
}

// end is terminal and wakes every waiter exactly once.
func (l *lifecycle) end() {
	l.mu.Lock()
	l.state = coordination.StateEnded
	l.mu.Unlock()
	l.once.Do(func() { close(l.done) })
}

func (l *lifecycle) State() coordination.SessionState {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

func (l *lifecycle) Done() <-chan struct{} { return l.done }

// Wait blocks until the session ends or ctx is done.
func (l *lifecycle) Wait(ctx context.Context) error {
	select {
	case <-l.done:
		return coordination.ErrSessionEnded
	case <-ctx.Done():
		return ctx.Err()
	}
}
