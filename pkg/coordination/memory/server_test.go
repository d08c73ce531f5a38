package memory

import (
	"context"
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"leaderelect/pkg/coordination"
)

func connect(t *testing.T, s *Server) *Session {
	t.Helper()
	sess, err := s.Connect(context.Background())
	require.NoError(t, err)
	t.Cleanup(func() { _ = sess.Close() })
	requireEvent(t, sess, coordination.SessionConnected)
	return sess
}

func requireEvent(t *testing.T, sess *Session, kind coordination.EventKind) coordination.Event {
	t.Helper()
	select {
	case ev := <-sess.Events():
		require.Equal(t, kind, ev.Kind)
		return ev
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for %s", kind)
	}
	return coordination.Event{}
}

func TestConnect_Unavailable(t *testing.T) {
	s := NewServer()
	s.SetUnavailable(true)

	_, err := s.Connect(context.Background())
	assert.ErrorIs(t, err, coordination.ErrConnect)
}

func TestCreateEphemeralSequentialChild_MissingNamespace(t *testing.T) {
	sess := connect(t, NewServer())

	_, err := sess.CreateEphemeralSequentialChild(context.Background(), "/election", "c_", nil)
	assert.ErrorIs(t, err, coordination.ErrNoNode)
	assert.ErrorIs(t, err, coordination.ErrCoordination)
}

func TestCreateEphemeralSequentialChild_StrictlyIncreasing(t *testing.T) {
	s := NewServer()
	a := connect(t, s)
	b := connect(t, s)
	ctx := context.Background()
	require.NoError(t, a.EnsureNamespace(ctx, "/election"))

	var paths []string
	for i := 0; i < 5; i++ {
		sess := a
		if i%2 == 1 {
			sess = b
		}
		p, err := sess.CreateEphemeralSequentialChild(ctx, "/election", "c_", nil)
		require.NoError(t, err)
		paths = append(paths, p)
	}

	assert.Equal(t, "/election/c_0000000000", paths[0])
	for i := 1; i < len(paths); i++ {
		assert.Less(t, paths[i-1], paths[i])
	}

	children, err := a.ListChildren(ctx, "/election")
	require.NoError(t, err)
	sort.Strings(children)
	assert.Equal(t, []string{"c_0000000000", "c_0000000001", "c_0000000002", "c_0000000003", "c_0000000004"}, children)
}

func TestSequenceNeverRepeatsAfterDeletion(t *testing.T) {
	s := NewServer()
	a := connect(t, s)
	ctx := context.Background()
	require.NoError(t, a.EnsureNamespace(ctx, "/election"))

	first, err := a.CreateEphemeralSequentialChild(ctx, "/election", "c_", nil)
	require.NoError(t, err)
	require.NoError(t, s.Delete(first))

	second, err := a.CreateEphemeralSequentialChild(ctx, "/election", "c_", nil)
	require.NoError(t, err)
	assert.Less(t, first, second)
}

func TestExpire_RemovesEphemeralNodes(t *testing.T) {
	s := NewServer()
	a := connect(t, s)
	b := connect(t, s)
	ctx := context.Background()
	require.NoError(t, a.EnsureNamespace(ctx, "/election"))

	pa, err := a.CreateEphemeralSequentialChild(ctx, "/election", "c_", []byte("a"))
	require.NoError(t, err)
	pb, err := b.CreateEphemeralSequentialChild(ctx, "/election", "c_", []byte("b"))
	require.NoError(t, err)

	require.True(t, s.Expire(a.ID()))
	requireEvent(t, a, coordination.SessionEnded)
	assert.Equal(t, coordination.StateEnded, a.State())

	children, err := b.ListChildren(ctx, "/election")
	require.NoError(t, err)
	name, _ := coordination.ChildName("/election", pb)
	assert.Equal(t, []string{name}, children)
	assert.False(t, s.Exists(pa))
	assert.True(t, s.Exists("/election"), "persistent namespace survives")

	_, err = a.ListChildren(ctx, "/election")
	assert.ErrorIs(t, err, coordination.ErrSessionClosed)
	assert.False(t, s.Expire(a.ID()))
}

func TestWatchDeletion_OneShot(t *testing.T) {
	s := NewServer()
	a := connect(t, s)
	b := connect(t, s)
	ctx := context.Background()
	require.NoError(t, a.EnsureNamespace(ctx, "/election"))

	pa, err := a.CreateEphemeralSequentialChild(ctx, "/election", "c_", nil)
	require.NoError(t, err)

	exists, err := b.WatchDeletion(ctx, pa)
	require.NoError(t, err)
	require.True(t, exists)

	require.NoError(t, a.Close())
	ev := requireEvent(t, b, coordination.NodeDeleted)
	assert.Equal(t, pa, ev.Path)

	exists, err = b.WatchDeletion(ctx, pa)
	require.NoError(t, err)
	assert.False(t, exists, "no watch on a missing node")

	select {
	case ev := <-b.Events():
		t.Fatalf("unexpected event %v", ev)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestClose_Idempotent(t *testing.T) {
	s := NewServer()
	a := connect(t, s)

	require.NoError(t, a.Close())
	require.NoError(t, a.Close())
	requireEvent(t, a, coordination.SessionEnded)
}

func TestCanceledContext(t *testing.T) {
	a := connect(t, NewServer())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := a.ListChildren(ctx, "/")
	assert.ErrorIs(t, err, context.Canceled)
}

func TestPayloadRoundTrip(t *testing.T) {
	s := NewServer()
	a := connect(t, s)
	ctx := context.Background()
	require.NoError(t, a.EnsureNamespace(ctx, "/a/b"))
	assert.True(t, s.Exists("/a"))

	p, err := a.CreateEphemeralSequentialChild(ctx, "/a/b", "n_", []byte("hello"))
	require.NoError(t, err)

	data, err := s.Payload(p)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(data))

	assert.Error(t, s.Delete("/a/b"), "non-empty node")
}
