package etcd

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"
	"sync"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
	"go.etcd.io/etcd/client/v3/concurrency"
	"go.uber.org/zap"

	"leaderelect/pkg/coordination"
)

var _ coordination.Session = (*Session)(nil)

// Config holds the settings for an etcd-backed session.
type Config struct {
	Endpoints      []string
	DialTimeout    time.Duration
	SessionTimeout time.Duration
	Logger         *zap.Logger
}

// Session maps the coordination contract onto etcd. The session is a lease
// kept alive by a concurrency.Session; ephemeral nodes are keys attached to
// that lease. Sequence numbers come from the version of the namespace key,
// which every child creation bumps inside the same transaction.
type Session struct {
	client *clientv3.Client
	lease  *concurrency.Session
	logger *zap.Logger

	events chan coordination.Event

	// ctx bounds every background watch and is cancelled by Close.
	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	state     coordination.SessionState
	closeOnce sync.Once
	closeErr  error
	watches   sync.WaitGroup
}

// Connect dials etcd and establishes a lease with the configured session timeout.
func Connect(ctx context.Context, cfg Config) (*Session, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	dialTimeout := cfg.DialTimeout
	if dialTimeout <= 0 {
		dialTimeout = 5 * time.Second
	}

	cli, err := clientv3.New(clientv3.Config{
		Endpoints:   cfg.Endpoints,
		DialTimeout: dialTimeout,
		Logger:      logger.Named("etcd-client"),
	})
	if err != nil {
		return nil, fmt.Errorf("%w: failed to connect to etcd: %w", coordination.ErrConnect, err)
	}

	// The grant doubles as the reachability check; the client dials lazily.
	ttl := ttlSeconds(cfg.SessionTimeout)
	grantCtx, cancelGrant := context.WithTimeout(ctx, dialTimeout)
	grant, err := cli.Grant(grantCtx, int64(ttl))
	cancelGrant()
	if err != nil {
		cli.Close()
		return nil, fmt.Errorf("%w: failed to grant lease: %w", coordination.ErrConnect, err)
	}

	lease, err := concurrency.NewSession(cli, concurrency.WithTTL(ttl), concurrency.WithLease(grant.ID))
	if err != nil {
		cli.Close()
		return nil, fmt.Errorf("%w: failed to create concurrency session: %w", coordination.ErrConnect, err)
	}

	sctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		client: cli,
		lease:  lease,
		logger: logger.With(zap.String("session", strconv.FormatInt(int64(grant.ID), 16))),
		events: make(chan coordination.Event, 64),
		ctx:    sctx,
		cancel: cancel,
		state:  coordination.StateConnected,
	}
	s.events <- coordination.Event{Kind: coordination.SessionConnected}
	go s.monitor(lease.Done())

	s.logger.Debug("etcd session established", zap.Strings("endpoints", cfg.Endpoints), zap.Int("ttl_seconds", ttl))
	return s, nil
}

// ttlSeconds rounds a session timeout up to whole lease seconds.
func ttlSeconds(d time.Duration) int {
	ttl := int(math.Ceil(d.Seconds()))
	if ttl < 1 {
		return 1
	}
	return ttl
}

func (s *Session) ID() string {
	return strconv.FormatInt(int64(s.lease.Lease()), 16)
}

func (s *Session) Events() <-chan coordination.Event { return s.events }

func (s *Session) State() coordination.SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// monitor turns lease loss or Close into the terminal SessionEnded event.
// The event is dropped if the channel is full once Close has run.
func (s *Session) monitor(leaseDone <-chan struct{}) {
	select {
	case <-leaseDone:
	case <-s.ctx.Done():
	}
	s.markEnded()
	s.logger.Info("etcd session ended")

	ended := coordination.Event{Kind: coordination.SessionEnded}
	select {
	case s.events <- ended:
		return
	default:
	}
	s.notify(ended)
}

func (s *Session) markEnded() {
	s.mu.Lock()
	s.state = coordination.StateEnded
	s.mu.Unlock()
}

// Close revokes the lease, which deletes every ephemeral key of the session.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		s.markEnded()
		s.cancel()
		s.watches.Wait()
		s.closeErr = errors.Join(s.lease.Close(), s.client.Close())
	})
	return s.closeErr
}

func (s *Session) EnsureNamespace(ctx context.Context, namespace string) error {
	if err := s.alive(); err != nil {
		return err
	}
	ns := coordination.CleanNamespace(namespace)

	_, err := s.client.Txn(ctx).
		If(clientv3.Compare(clientv3.CreateRevision(ns), "=", 0)).
		Then(clientv3.OpPut(ns, "")).
		Commit()
	if err != nil {
		return s.wrap(ctx, "ensure namespace "+ns, err)
	}
	return nil
}

func (s *Session) CreateEphemeralSequentialChild(ctx context.Context, namespace, prefix string, payload []byte) (string, error) {
	if err := s.alive(); err != nil {
		return "", err
	}
	ns := coordination.CleanNamespace(namespace)

	for {
		resp, err := s.client.Get(ctx, ns)
		if err != nil {
			return "", s.wrap(ctx, "get namespace "+ns, err)
		}
		if len(resp.Kvs) == 0 {
			return "", fmt.Errorf("create under %s: %w", ns, coordination.ErrNoNode)
		}
		parent := resp.Kvs[0]

		// Version starts at 1 when the namespace is created.
		path := coordination.ChildPath(ns, coordination.SequentialName(prefix, parent.Version-1))

		txn, err := s.client.Txn(ctx).
			If(
				clientv3.Compare(clientv3.Version(ns), "=", parent.Version),
				clientv3.Compare(clientv3.CreateRevision(path), "=", 0),
			).
			Then(
				clientv3.OpPut(ns, string(parent.Value)),
				clientv3.OpPut(path, string(payload), clientv3.WithLease(s.lease.Lease())),
			).
			Else(clientv3.OpGet(path, clientv3.WithCountOnly())).
			Commit()
		if err != nil {
			return "", s.wrap(ctx, "create "+path, err)
		}
		if txn.Succeeded {
			return path, nil
		}

		if txn.Responses[0].GetResponseRange().Count > 0 {
			// The namespace key was recreated under live children, so its
			// version restarted; burn the taken number and move on.
			s.logger.Warn("sequence number already taken, skipping", zap.String("path", path))
			if err := s.skipSequence(ctx, ns, parent.Version, parent.Value); err != nil {
				return "", err
			}
			continue
		}
		s.logger.Debug("sequence contention, retrying", zap.String("namespace", ns))
	}
}

// skipSequence bumps the namespace version without creating a child.
func (s *Session) skipSequence(ctx context.Context, ns string, version int64, value []byte) error {
	_, err := s.client.Txn(ctx).
		If(clientv3.Compare(clientv3.Version(ns), "=", version)).
		Then(clientv3.OpPut(ns, string(value))).
		Commit()
	if err != nil {
		return s.wrap(ctx, "skip sequence in "+ns, err)
	}
	return nil
}

func (s *Session) ListChildren(ctx context.Context, namespace string) ([]string, error) {
	if err := s.alive(); err != nil {
		return nil, err
	}
	ns := coordination.CleanNamespace(namespace)

	// Both reads run in one transaction so they observe the same revision.
	resp, err := s.client.Txn(ctx).
		Then(
			clientv3.OpGet(ns, clientv3.WithCountOnly()),
			clientv3.OpGet(coordination.ChildPath(ns, ""), clientv3.WithPrefix(), clientv3.WithKeysOnly()),
		).
		Commit()
	if err != nil {
		return nil, s.wrap(ctx, "list "+ns, err)
	}
	if resp.Responses[0].GetResponseRange().Count == 0 {
		return nil, fmt.Errorf("list %s: %w", ns, coordination.ErrNoNode)
	}

	var names []string
	for _, kv := range resp.Responses[1].GetResponseRange().Kvs {
		if name, ok := coordination.ChildName(ns, string(kv.Key)); ok {
			names = append(names, name)
		}
	}
	return names, nil
}

func (s *Session) WatchDeletion(ctx context.Context, path string) (bool, error) {
	if err := s.alive(); err != nil {
		return false, err
	}

	resp, err := s.client.Get(ctx, path, clientv3.WithCountOnly())
	if err != nil {
		return false, s.wrap(ctx, "get "+path, err)
	}
	if resp.Count == 0 {
		return false, nil
	}

	if !s.trackWatch() {
		return false, coordination.ErrSessionClosed
	}

	// Watching from the revision after the read closes the gap between the
	// existence check and the watch.
	wctx, cancel := context.WithCancel(clientv3.WithRequireLeader(s.ctx))
	wch := s.client.Watch(wctx, path, clientv3.WithRev(resp.Header.Revision+1), clientv3.WithFilterPut())

	go func() {
		defer s.watches.Done()
		defer cancel()

		for wr := range wch {
			if err := wr.Err(); err != nil {
				// Reported as a deletion so the owner re-resolves and re-arms.
				s.logger.Warn("deletion watch broken", zap.String("path", path), zap.Error(err))
				s.notify(coordination.Event{Kind: coordination.NodeDeleted, Path: path})
				return
			}
			for _, ev := range wr.Events {
				if ev.Type == clientv3.EventTypeDelete {
					s.notify(coordination.Event{Kind: coordination.NodeDeleted, Path: path})
					return
				}
			}
		}
	}()
	return true, nil
}

// trackWatch registers a watch goroutine unless the session has ended.
// Close marks the session ended under the same lock before waiting.
func (s *Session) trackWatch() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != coordination.StateConnected {
		return false
	}
	s.watches.Add(1)
	return true
}

func (s *Session) notify(ev coordination.Event) {
	select {
	case s.events <- ev:
	case <-s.ctx.Done():
	}
}

func (s *Session) alive() error {
	if s.State() != coordination.StateConnected {
		return coordination.ErrSessionClosed
	}
	return nil
}

// wrap keeps context errors recognisable and tags everything else as a coordination failure.
func (s *Session) wrap(ctx context.Context, op string, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return fmt.Errorf("%s: %w", op, ctxErr)
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%s: %w", op, err)
	}
	if s.State() != coordination.StateConnected {
		return fmt.Errorf("%s: %w", op, coordination.ErrSessionClosed)
	}
	return fmt.Errorf("%w: %s: %w", coordination.ErrCoordination, op, err)
}
