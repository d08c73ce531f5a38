// Package memory provides an in-process coordination service with the
// semantics the election relies on: persistent and ephemeral nodes,
// per-parent sequence numbers, one-shot deletion watches and session expiry.
package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"

	"leaderelect/pkg/coordination"
)

type node struct {
	payload []byte
	owner   string // session ID for ephemeral nodes, empty for persistent ones
	nextSeq int64
}

// Server is a single in-memory coordination service shared by many sessions.
type Server struct {
	mu          sync.Mutex
	nodes       map[string]*node
	sessions    map[string]*Session
	watches     map[string]map[string]struct{} // path -> session IDs
	unavailable bool
}

// NewServer returns an empty service containing only the root node.
func NewServer() *Server {
	return &Server{
		nodes:    map[string]*node{"/": {}},
		sessions: make(map[string]*Session),
		watches:  make(map[string]map[string]struct{}),
	}
}

// SetUnavailable makes subsequent Connect calls fail with coordination.ErrConnect.
func (s *Server) SetUnavailable(unavailable bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.unavailable = unavailable
}

// Connect opens a new session.
func (s *Server) Connect(ctx context.Context) (*Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %w", coordination.ErrConnect, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.unavailable {
		return nil, fmt.Errorf("%w: memory server is unavailable", coordination.ErrConnect)
	}

	sess := newSession(uuid.New().String(), s)
	s.sessions[sess.id] = sess
	sess.state = coordination.StateConnected
	sess.enqueue(coordination.Event{Kind: coordination.SessionConnected})
	return sess, nil
}

// Connector adapts Connect to coordination.Connector.
func (s *Server) Connector() coordination.Connector {
	return func(ctx context.Context) (coordination.Session, error) {
		sess, err := s.Connect(ctx)
		if err != nil {
			return nil, err
		}
		return sess, nil
	}
}

// Expire ends a session as if its timeout elapsed. It reports whether the session was live.
func (s *Server) Expire(sessionID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.endSessionLocked(sessionID)
}

// Exists reports whether a node is present at path.
func (s *Server) Exists(path string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.nodes[path]
	return ok
}

// Payload returns the data stored at path.
func (s *Server) Payload(path string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.nodes[path]
	if !ok {
		return nil, fmt.Errorf("%w: %s", coordination.ErrNoNode, path)
	}
	return append([]byte(nil), n.payload...), nil
}

// Delete removes a childless node regardless of its owner, firing deletion watches.
func (s *Server) Delete(path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.nodes[path]; !ok || path == "/" {
		return fmt.Errorf("%w: %s", coordination.ErrNoNode, path)
	}
	if len(s.childrenLocked(path)) > 0 {
		return fmt.Errorf("%w: %s has children", coordination.ErrCoordination, path)
	}
	s.deleteLocked(path)
	return nil
}

func (s *Server) endSessionLocked(id string) bool {
	sess, ok := s.sessions[id]
	if !ok {
		return false
	}
	delete(s.sessions, id)

	for _, watchers := range s.watches {
		delete(watchers, id)
	}

	var owned []string
	for p, n := range s.nodes {
		if n.owner == id {
			owned = append(owned, p)
		}
	}
	sort.Strings(owned)
	for _, p := range owned {
		s.deleteLocked(p)
	}

	sess.state = coordination.StateEnded
	sess.enqueue(coordination.Event{Kind: coordination.SessionEnded})
	return true
}

func (s *Server) deleteLocked(path string) {
	delete(s.nodes, path)

	watchers := s.watches[path]
	delete(s.watches, path)
	for id := range watchers {
		if sess, ok := s.sessions[id]; ok {
			sess.enqueue(coordination.Event{Kind: coordination.NodeDeleted, Path: path})
		}
	}
}

func (s *Server) childrenLocked(parent string) []string {
	var names []string
	for p := range s.nodes {
		if name, ok := coordination.ChildName(parent, p); ok {
			names = append(names, name)
		}
	}
	return names
}

func (s *Server) ensureLocked(path string) {
	if path == "/" {
		return
	}
	var cur string
	for _, part := range strings.Split(strings.TrimPrefix(path, "/"), "/") {
		cur += "/" + part
		if _, ok := s.nodes[cur]; !ok {
			s.nodes[cur] = &node{}
		}
	}
}
