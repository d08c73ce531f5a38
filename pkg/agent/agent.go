package agent

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"

	"leaderelect/pkg/coordination"
	"leaderelect/pkg/election"
	"leaderelect/pkg/metrics"
	"leaderelect/pkg/resilience"
)

// ErrNoParticipant is returned by status queries before the first attempt has registered.
var ErrNoParticipant = errors.New("no active participant")

// Config holds agent configuration.
type Config struct {
	Connector       coordination.Connector
	Namespace       string
	Prefix          string
	Payload         []byte
	CreateNamespace bool

	// Rejoin starts a fresh attempt (new session, new marker) after a session ends.
	Rejoin            bool
	RejoinDelay       time.Duration
	RejoinMaxFailures int

	Logger *zap.Logger
	Out    io.Writer // status lines, stdout by default
}

// Agent drives one process through connect, volunteer, resolve and wait.
type Agent struct {
	cfg     Config
	logger  *zap.Logger
	out     io.Writer
	breaker *resilience.CircuitBreaker

	outMu sync.Mutex

	mu      sync.RWMutex
	current *election.Participant
}

// New creates an agent.
func New(cfg Config) *Agent {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	out := cfg.Out
	if out == nil {
		out = os.Stdout
	}
	if cfg.RejoinMaxFailures <= 0 {
		cfg.RejoinMaxFailures = 5
	}

	a := &Agent{
		cfg:    cfg,
		logger: logger,
		out:    out,
	}
	a.breaker = resilience.NewCircuitBreaker("election-attempts", resilience.CircuitBreakerConfig{
		FailureThreshold: cfg.RejoinMaxFailures,
		SuccessThreshold: 1,
		// Open is terminal for the agent; it never waits for half-open.
		Timeout:       24 * time.Hour,
		MaxRequests:   1,
		OnStateChange: a.breakerChanged,
	})
	metrics.BreakerState.WithLabelValues(a.breaker.Name()).Set(float64(resilience.CircuitClosed))
	return a
}

func (a *Agent) breakerChanged(name string, from, to resilience.CircuitState) {
	metrics.BreakerState.WithLabelValues(name).Set(float64(to))
	a.logger.Warn("Circuit breaker state changed",
		zap.String("breaker", name),
		zap.Stringer("from", from),
		zap.Stringer("to", to),
	)
}

// Run performs one election attempt, or keeps rejoining when configured to.
// It returns nil when ctx is cancelled and, for a single attempt, when the
// session ends after a successful registration.
func (a *Agent) Run(ctx context.Context) error {
	if !a.cfg.Rejoin {
		err := a.RunOnce(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if errors.Is(err, coordination.ErrSessionEnded) {
			a.logger.Info("Coordination session ended, election attempt complete")
			return nil
		}
		return err
	}

	for {
		var attemptErr error
		err := a.breaker.Execute(ctx, func() error {
			attemptErr = a.RunOnce(ctx)
			// An attempt that lived until its session ended was healthy.
			if errors.Is(attemptErr, coordination.ErrSessionEnded) {
				return nil
			}
			return attemptErr
		})

		if ctx.Err() != nil {
			return nil
		}
		if errors.Is(err, resilience.ErrCircuitOpen) {
			return fmt.Errorf("giving up after %d consecutive failed attempts: %w", a.cfg.RejoinMaxFailures, err)
		}

		a.logger.Warn("Election attempt ended, rejoining",
			zap.Error(attemptErr),
			zap.Duration("delay", a.cfg.RejoinDelay),
			zap.Stringer("breaker", a.breaker.State()),
		)

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(a.cfg.RejoinDelay):
		}
	}
}

// RunOnce connects, registers, resolves and then blocks until the session
// ends or ctx is done. The session is closed on every return path.
func (a *Agent) RunOnce(ctx context.Context) (err error) {
	defer func() {
		result := "ok"
		switch {
		case errors.Is(err, coordination.ErrSessionEnded):
			result = "session_ended"
		case err != nil:
			result = "error"
		}
		metrics.Attempts.WithLabelValues(result).Inc()
	}()

	sess, err := a.cfg.Connector(ctx)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := sess.Close(); cerr != nil {
			a.logger.Warn("Failed to close coordination session", zap.Error(cerr))
		}
		a.logger.Info("Disconnected from coordination service", zap.String("session", sess.ID()))
	}()

	p := election.NewParticipant(sess, election.Config{
		Namespace: a.cfg.Namespace,
		Prefix:    a.cfg.Prefix,
		Payload:   a.cfg.Payload,
		Logger:    a.logger.Named("election"),
		OnVerdict: a.report,
	})
	a.setCurrent(p)

	hctx, cancel := context.WithCancel(ctx)
	defer cancel()
	handled := make(chan error, 1)
	go func() { handled <- p.HandleNotifications(hctx) }()

	if a.cfg.CreateNamespace {
		if err := sess.EnsureNamespace(ctx, p.Namespace()); err != nil {
			return fmt.Errorf("ensure namespace: %w", err)
		}
	}
	if _, err := p.Volunteer(ctx); err != nil {
		return err
	}
	if _, err := p.Elect(ctx); err != nil {
		return err
	}

	select {
	case <-ctx.Done():
		a.logger.Info("Shutting down election participant", zap.String("identity", p.Identity()))
		return nil
	case err := <-handled:
		return err
	}
}

func (a *Agent) report(v election.Verdict) {
	a.outMu.Lock()
	defer a.outMu.Unlock()
	fmt.Fprintln(a.out, v.String())
}

func (a *Agent) setCurrent(p *election.Participant) {
	a.mu.Lock()
	a.current = p
	a.mu.Unlock()
}

func (a *Agent) participant() (*election.Participant, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.current == nil {
		return nil, ErrNoParticipant
	}
	return a.current, nil
}

// Status reports the current participant's snapshot.
func (a *Agent) Status() (election.Status, error) {
	p, err := a.participant()
	if err != nil {
		return election.Status{}, err
	}
	return p.Status(), nil
}

// ResolveLeadership reads the candidate set now and decides leadership
// without touching the published verdict.
func (a *Agent) ResolveLeadership(ctx context.Context) (election.Verdict, error) {
	p, err := a.participant()
	if err != nil {
		return election.Verdict{}, err
	}
	return p.ResolveLeadership(ctx)
}

// Candidates lists the live candidate set through the current session.
func (a *Agent) Candidates(ctx context.Context) ([]string, error) {
	p, err := a.participant()
	if err != nil {
		return nil, err
	}
	return p.Candidates(ctx)
}

// Breaker exposes the rejoin circuit breaker state.
func (a *Agent) Breaker() map[string]interface{} {
	return a.breaker.Metrics()
}
