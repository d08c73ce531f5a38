// Package election implements leader election over ephemeral sequential
// markers: the participant whose marker sorts first in the namespace leads,
// every other participant watches only its immediate predecessor.
package election

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"

	"leaderelect/pkg/coordination"
)

const (
	DefaultNamespace = "/election"
	DefaultPrefix    = "c_"
)

var tracer = otel.Tracer("leaderelect/election")

type registration int

const (
	unregistered registration = iota
	registering
	registered
)

// Verdict is the result of one leadership resolution.
type Verdict struct {
	Self        string `json:"self"`
	Leader      string `json:"leader"`
	Predecessor string `json:"predecessor,omitempty"`
	IsLeader    bool   `json:"is_leader"`
	Candidates  int    `json:"candidates"`
}

// String renders the verdict as the human-readable status line.
func (v Verdict) String() string {
	if v.IsLeader {
		return "I am the leader"
	}
	return fmt.Sprintf("I am not the leader, %s is the leader", v.Leader)
}

// Status is a point-in-time snapshot of a participant.
type Status struct {
	Namespace string   `json:"namespace"`
	Session   string   `json:"session"`
	State     string   `json:"state"`
	Identity  string   `json:"identity,omitempty"`
	Watching  string   `json:"watching,omitempty"`

	// Verdict is the last one published. A follower that is not the direct
	// successor keeps it until its own predecessor leaves, so Leader may
	// name a departed participant; ResolveLeadership reads fresh.
	Verdict *Verdict `json:"last_verdict,omitempty"`
}

// Candidate describes the process behind a marker. It is stored as the
// marker payload for operators and never read by the election itself.
type Candidate struct {
	ID        string    `json:"id"`
	Hostname  string    `json:"hostname"`
	PID       int       `json:"pid"`
	StartedAt time.Time `json:"started_at"`
}

// NewCandidate describes the current process.
func NewCandidate() Candidate {
	hostname, err := os.Hostname()
	if err != nil {
		hostname = "unknown"
	}
	return Candidate{
		ID:        fmt.Sprintf("%s-%s", hostname, uuid.New().String()[:8]),
		Hostname:  hostname,
		PID:       os.Getpid(),
		StartedAt: time.Now().UTC(),
	}
}

// Payload encodes the candidate for a marker.
func (c Candidate) Payload() []byte {
	data, err := json.Marshal(c)
	if err != nil {
		return nil
	}
	return data
}

// Config holds participant configuration.
type Config struct {
	Namespace string
	Prefix    string
	Payload   []byte
	Logger    *zap.Logger

	// OnVerdict is called with the first verdict and whenever leadership changes.
	OnVerdict func(Verdict)
}

// Participant is one candidate in an election, bound to a single session.
type Participant struct {
	session   coordination.Session
	namespace string
	prefix    string
	payload   []byte
	logger    *zap.Logger
	onVerdict func(Verdict)

	lifecycle *lifecycle

	// electMu serializes Elect so verdicts are published in resolution order.
	electMu sync.Mutex

	mu       sync.Mutex
	reg      registration
	identity string
	watching string
	verdict  *Verdict
}

// NewParticipant creates a participant on an established session.
func NewParticipant(session coordination.Session, cfg Config) *Participant {
	namespace := cfg.Namespace
	if namespace == "" {
		namespace = DefaultNamespace
	}
	prefix := cfg.Prefix
	if prefix == "" {
		prefix = DefaultPrefix
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Participant{
		session:   session,
		namespace: coordination.CleanNamespace(namespace),
		prefix:    prefix,
		payload:   cfg.Payload,
		logger:    logger.With(zap.String("namespace", namespace), zap.String("session", session.ID())),
		onVerdict: cfg.OnVerdict,
		lifecycle: newLifecycle(),
	}
}

// Identity returns the local marker name, empty until Volunteer succeeds.
func (p *Participant) Identity() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.identity
}

// Namespace returns the cleaned election namespace.
func (p *Participant) Namespace() string { return p.namespace }

// Done is closed once the session has ended.
func (p *Participant) Done() <-chan struct{} { return p.lifecycle.Done() }

// Wait blocks until the session ends (coordination.ErrSessionEnded) or ctx is done.
func (p *Participant) Wait(ctx context.Context) error { return p.lifecycle.Wait(ctx) }

// Candidates lists the current candidate set.
func (p *Participant) Candidates(ctx context.Context) ([]string, error) {
	names, err := p.session.ListChildren(ctx, p.namespace)
	if err != nil {
		return nil, classify("list candidates", err)
	}
	return sortedCopy(names), nil
}

// Status returns a snapshot of the participant.
func (p *Participant) Status() Status {
	p.mu.Lock()
	defer p.mu.Unlock()

	st := Status{
		Namespace: p.namespace,
		Session:   p.session.ID(),
		State:     p.lifecycle.State().String(),
		Identity:  p.identity,
		Watching:  p.watching,
	}
	if p.verdict != nil {
		v := *p.verdict
		st.Verdict = &v
	}
	return st
}
