package etcd

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
	"go.uber.org/zap"

	"leaderelect/pkg/coordination"
)

func TestTTLSeconds(t *testing.T) {
	tests := []struct {
		in   time.Duration
		want int
	}{
		{0, 1},
		{500 * time.Millisecond, 1},
		{3 * time.Second, 3},
		{3100 * time.Millisecond, 4},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ttlSeconds(tt.in), "ttlSeconds(%s)", tt.in)
	}
}

func TestConnect_Unreachable(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	_, err := Connect(ctx, Config{
		Endpoints:      []string{"127.0.0.1:1"},
		DialTimeout:    200 * time.Millisecond,
		SessionTimeout: time.Second,
	})
	assert.ErrorIs(t, err, coordination.ErrConnect)
}

func bareSession(events chan coordination.Event) *Session {
	ctx, cancel := context.WithCancel(context.Background())
	return &Session{
		logger: zap.NewNop(),
		events: events,
		ctx:    ctx,
		cancel: cancel,
		state:  coordination.StateConnected,
	}
}

func TestMonitor_DeliversSessionEnded(t *testing.T) {
	s := bareSession(make(chan coordination.Event, 1))
	defer s.cancel()
	leaseDone := make(chan struct{})
	close(leaseDone)

	s.monitor(leaseDone)

	assert.Equal(t, coordination.StateEnded, s.State())
	assert.Equal(t, coordination.SessionEnded, (<-s.events).Kind)
}

func TestMonitor_UnreadChannelDoesNotBlockClose(t *testing.T) {
	// Unbuffered and never read.
	s := bareSession(make(chan coordination.Event))
	leaseDone := make(chan struct{})

	finished := make(chan struct{})
	go func() {
		s.monitor(leaseDone)
		close(finished)
	}()
	close(leaseDone)

	select {
	case <-finished:
		t.Fatal("monitor returned before the event could be delivered or the session closed")
	case <-time.After(50 * time.Millisecond):
	}

	s.cancel()
	select {
	case <-finished:
	case <-time.After(time.Second):
		t.Fatal("monitor still blocked after close")
	}
}

func TestTrackWatch_RefusedOnceEnded(t *testing.T) {
	s := bareSession(make(chan coordination.Event, 1))
	defer s.cancel()

	require.True(t, s.trackWatch())
	s.watches.Done()

	s.markEnded()
	assert.False(t, s.trackWatch())

	waited := make(chan struct{})
	go func() {
		s.watches.Wait()
		close(waited)
	}()
	select {
	case <-waited:
	case <-time.After(time.Second):
		t.Fatal("refused watch was still counted")
	}
}

// EtcdSessionSuite runs against a real etcd cluster named by TEST_ETCD_ENDPOINTS.
type EtcdSessionSuite struct {
	suite.Suite
	endpoints []string
	namespace string
}

func (s *EtcdSessionSuite) SetupSuite() {
	endpoints := os.Getenv("TEST_ETCD_ENDPOINTS")
	if endpoints == "" {
		s.T().Skip("Skipping etcd integration tests (TEST_ETCD_ENDPOINTS not set)")
	}
	s.endpoints = strings.Split(endpoints, ",")
}

func (s *EtcdSessionSuite) SetupTest() {
	s.namespace = fmt.Sprintf("/leaderelect-test/%s", uuid.New().String()[:8])
}

func (s *EtcdSessionSuite) connect() *Session {
	sess, err := Connect(context.Background(), Config{
		Endpoints:      s.endpoints,
		DialTimeout:    2 * time.Second,
		SessionTimeout: 2 * time.Second,
	})
	s.Require().NoError(err)
	s.T().Cleanup(func() { _ = sess.Close() })

	ev := <-sess.Events()
	s.Require().Equal(coordination.SessionConnected, ev.Kind)
	return sess
}

func (s *EtcdSessionSuite) TestSequentialChildren() {
	ctx := context.Background()
	a := s.connect()
	b := s.connect()

	_, err := a.CreateEphemeralSequentialChild(ctx, s.namespace, "c_", nil)
	s.ErrorIs(err, coordination.ErrNoNode)

	s.Require().NoError(a.EnsureNamespace(ctx, s.namespace))
	s.Require().NoError(b.EnsureNamespace(ctx, s.namespace))

	p1, err := a.CreateEphemeralSequentialChild(ctx, s.namespace, "c_", []byte("a"))
	s.Require().NoError(err)
	p2, err := b.CreateEphemeralSequentialChild(ctx, s.namespace, "c_", []byte("b"))
	s.Require().NoError(err)

	s.Equal(coordination.ChildPath(s.namespace, "c_0000000000"), p1)
	s.Equal(coordination.ChildPath(s.namespace, "c_0000000001"), p2)

	children, err := a.ListChildren(ctx, s.namespace)
	s.Require().NoError(err)
	sort.Strings(children)
	s.Equal([]string{"c_0000000000", "c_0000000001"}, children)
}

func (s *EtcdSessionSuite) TestRecreatedNamespaceDoesNotReuseLiveMarker() {
	ctx := context.Background()
	a := s.connect()
	b := s.connect()
	s.Require().NoError(a.EnsureNamespace(ctx, s.namespace))

	p1, err := a.CreateEphemeralSequentialChild(ctx, s.namespace, "c_", []byte("a"))
	s.Require().NoError(err)

	// Drop and recreate only the namespace key; its version restarts while p1 lives on.
	_, err = a.client.Delete(ctx, s.namespace)
	s.Require().NoError(err)
	s.Require().NoError(a.EnsureNamespace(ctx, s.namespace))

	p2, err := b.CreateEphemeralSequentialChild(ctx, s.namespace, "c_", []byte("b"))
	s.Require().NoError(err)
	s.NotEqual(p1, p2)
	s.Equal(coordination.ChildPath(s.namespace, "c_0000000001"), p2)

	resp, err := a.client.Get(ctx, p1)
	s.Require().NoError(err)
	s.Require().Len(resp.Kvs, 1)
	s.Equal("a", string(resp.Kvs[0].Value))
	s.Equal(int64(a.lease.Lease()), resp.Kvs[0].Lease)
}

func (s *EtcdSessionSuite) TestCloseRemovesMarkerAndFiresWatch() {
	ctx := context.Background()
	a := s.connect()
	b := s.connect()
	s.Require().NoError(a.EnsureNamespace(ctx, s.namespace))

	p, err := a.CreateEphemeralSequentialChild(ctx, s.namespace, "c_", nil)
	s.Require().NoError(err)

	exists, err := b.WatchDeletion(ctx, p)
	s.Require().NoError(err)
	s.Require().True(exists)

	s.Require().NoError(a.Close())

	select {
	case ev := <-b.Events():
		s.Equal(coordination.NodeDeleted, ev.Kind)
		s.Equal(p, ev.Path)
	case <-time.After(5 * time.Second):
		s.Fail("no deletion notification")
	}

	children, err := b.ListChildren(ctx, s.namespace)
	s.Require().NoError(err)
	s.Empty(children)

	exists, err = b.WatchDeletion(ctx, p)
	s.Require().NoError(err)
	s.False(exists)
}

func (s *EtcdSessionSuite) TestClosedSessionRejectsOperations() {
	a := s.connect()
	s.Require().NoError(a.Close())
	s.Require().NoError(a.Close())

	_, err := a.ListChildren(context.Background(), s.namespace)
	s.ErrorIs(err, coordination.ErrSessionClosed)
	_, err = a.WatchDeletion(context.Background(), s.namespace)
	s.ErrorIs(err, coordination.ErrSessionClosed)
	s.Equal(coordination.StateEnded, a.State())
}

func TestEtcdSessionSuite(t *testing.T) {
	suite.Run(t, new(EtcdSessionSuite))
}

