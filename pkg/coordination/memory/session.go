package memory

import (
	"context"
	"fmt"
	"sync"

	"leaderelect/pkg/coordination"
)

var _ coordination.Session = (*Session)(nil)

// Session is a client session on a memory Server.
type Session struct {
	id     string
	server *Server
	state  coordination.SessionState // guarded by server.mu

	events chan coordination.Event

	// Events are queued without blocking the server and handed to the
	// channel in order by a single delivery goroutine.
	qmu   sync.Mutex
	qcond *sync.Cond
	queue []coordination.Event
}

func newSession(id string, server *Server) *Session {
	sess := &Session{
		id:     id,
		server: server,
		state:  coordination.StateConnecting,
		events: make(chan coordination.Event, 16),
	}
	sess.qcond = sync.NewCond(&sess.qmu)
	go sess.deliver()
	return sess
}

func (ss *Session) enqueue(ev coordination.Event) {
	ss.qmu.Lock()
	ss.queue = append(ss.queue, ev)
	ss.qmu.Unlock()
	ss.qcond.Signal()
}

func (ss *Session) deliver() {
	for {
		ss.qmu.Lock()
		for len(ss.queue) == 0 {
			ss.qcond.Wait()
		}
		ev := ss.queue[0]
		ss.queue = ss.queue[1:]
		ss.qmu.Unlock()

		ss.events <- ev
		if ev.Kind == coordination.SessionEnded {
			return
		}
	}
}

func (ss *Session) ID() string { return ss.id }

func (ss *Session) Events() <-chan coordination.Event { return ss.events }

func (ss *Session) State() coordination.SessionState {
	ss.server.mu.Lock()
	defer ss.server.mu.Unlock()
	return ss.state
}

// Close ends the session and removes its ephemeral nodes.
func (ss *Session) Close() error {
	ss.server.mu.Lock()
	defer ss.server.mu.Unlock()
	ss.server.endSessionLocked(ss.id)
	return nil
}

func (ss *Session) EnsureNamespace(ctx context.Context, namespace string) error {
	if err := ss.begin(ctx); err != nil {
		return err
	}
	defer ss.server.mu.Unlock()

	ss.server.ensureLocked(coordination.CleanNamespace(namespace))
	return nil
}

func (ss *Session) CreateEphemeralSequentialChild(ctx context.Context, namespace, prefix string, payload []byte) (string, error) {
	if err := ss.begin(ctx); err != nil {
		return "", err
	}
	defer ss.server.mu.Unlock()

	ns := coordination.CleanNamespace(namespace)
	parent, ok := ss.server.nodes[ns]
	if !ok {
		return "", fmt.Errorf("create under %s: %w", ns, coordination.ErrNoNode)
	}

	seq := parent.nextSeq
	parent.nextSeq++

	path := coordination.ChildPath(ns, coordination.SequentialName(prefix, seq))
	ss.server.nodes[path] = &node{
		payload: append([]byte(nil), payload...),
		owner:   ss.id,
	}
	return path, nil
}

func (ss *Session) ListChildren(ctx context.Context, namespace string) ([]string, error) {
	if err := ss.begin(ctx); err != nil {
		return nil, err
	}
	defer ss.server.mu.Unlock()

	ns := coordination.CleanNamespace(namespace)
	if _, ok := ss.server.nodes[ns]; !ok {
		return nil, fmt.Errorf("list %s: %w", ns, coordination.ErrNoNode)
	}
	return ss.server.childrenLocked(ns), nil
}

func (ss *Session) WatchDeletion(ctx context.Context, path string) (bool, error) {
	if err := ss.begin(ctx); err != nil {
		return false, err
	}
	defer ss.server.mu.Unlock()

	if _, ok := ss.server.nodes[path]; !ok {
		return false, nil
	}
	watchers, ok := ss.server.watches[path]
	if !ok {
		watchers = make(map[string]struct{})
		ss.server.watches[path] = watchers
	}
	watchers[ss.id] = struct{}{}
	return true, nil
}

// begin checks the context and session liveness and returns with server.mu held on success.
func (ss *Session) begin(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	ss.server.mu.Lock()
	if ss.state != coordination.StateConnected {
		ss.server.mu.Unlock()
		return coordination.ErrSessionClosed
	}
	return nil
}
