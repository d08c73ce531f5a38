package election

import (
	"context"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"leaderelect/pkg/coordination"
	"leaderelect/pkg/coordination/memory"
)

type node struct {
	p        *Participant
	sess     *memory.Session
	verdicts chan Verdict
	handled  chan error
}

// join connects, registers and elects one participant on srv, with its
// notification handler running.
func join(t *testing.T, srv *memory.Server) *node {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())

	sess, err := srv.Connect(ctx)
	require.NoError(t, err)
	t.Cleanup(func() {
		cancel()
		_ = sess.Close()
	})
	require.NoError(t, sess.EnsureNamespace(ctx, "/election"))

	n := &node{sess: sess, verdicts: make(chan Verdict, 16), handled: make(chan error, 1)}
	n.p = NewParticipant(sess, Config{
		Namespace: "/election",
		OnVerdict: func(v Verdict) { n.verdicts <- v },
	})
	go func() { n.handled <- n.p.HandleNotifications(ctx) }()

	_, err = n.p.Volunteer(ctx)
	require.NoError(t, err)
	_, err = n.p.Elect(ctx)
	require.NoError(t, err)
	return n
}

func (n *node) nextVerdict(t *testing.T) Verdict {
	t.Helper()
	select {
	case v := <-n.verdicts:
		return v
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for verdict")
	}
	return Verdict{}
}

func (n *node) noVerdict(t *testing.T) {
	t.Helper()
	select {
	case v := <-n.verdicts:
		t.Fatalf("unexpected verdict %+v", v)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestElect_ExactlyOneLeader(t *testing.T) {
	srv := memory.NewServer()

	var nodes []*node
	for i := 0; i < 5; i++ {
		nodes = append(nodes, join(t, srv))
	}

	leaders := 0
	for i, n := range nodes {
		v := n.nextVerdict(t)
		if v.IsLeader {
			leaders++
			assert.Equal(t, 0, i, "first registrant leads")
		}
		assert.Equal(t, nodes[0].p.Identity(), v.Leader)
	}
	assert.Equal(t, 1, leaders)
}

func TestElect_FollowerWatchesOnlyPredecessor(t *testing.T) {
	srv := memory.NewServer()
	a, b, c := join(t, srv), join(t, srv), join(t, srv)

	assert.Empty(t, a.p.Status().Watching)
	assert.Equal(t, coordination.ChildPath("/election", a.p.Identity()), b.p.Status().Watching)
	assert.Equal(t, coordination.ChildPath("/election", b.p.Identity()), c.p.Status().Watching)
}

func TestLeaderExpiry_SuccessorTakesOver(t *testing.T) {
	srv := memory.NewServer()
	leader, follower := join(t, srv), join(t, srv)

	require.True(t, leader.nextVerdict(t).IsLeader)
	require.False(t, follower.nextVerdict(t).IsLeader)

	require.True(t, srv.Expire(leader.sess.ID()))

	v := follower.nextVerdict(t)
	assert.True(t, v.IsLeader)
	assert.Equal(t, follower.p.Identity(), v.Leader)
	follower.noVerdict(t)

	assert.ErrorIs(t, <-leader.handled, coordination.ErrSessionEnded)
}

func TestLeaderExpiry_NoThunderingHerd(t *testing.T) {
	srv := memory.NewServer()
	a, b, c := join(t, srv), join(t, srv), join(t, srv)
	for _, n := range []*node{a, b, c} {
		n.nextVerdict(t)
	}

	require.True(t, srv.Expire(a.sess.ID()))

	assert.True(t, b.nextVerdict(t).IsLeader)
	c.noVerdict(t)

	// c still watches b and was never asked to re-resolve; its published
	// verdict is stale while a fresh read sees the new leader.
	assert.Equal(t, coordination.ChildPath("/election", b.p.Identity()), c.p.Status().Watching)
	assert.Equal(t, a.p.Identity(), c.p.Status().Verdict.Leader)
	fresh, err := c.p.ResolveLeadership(context.Background())
	require.NoError(t, err)
	assert.Equal(t, b.p.Identity(), fresh.Leader)
	assert.Equal(t, b.p.Identity(), fresh.Predecessor)

	require.True(t, srv.Expire(b.sess.ID()))
	v := c.nextVerdict(t)
	assert.True(t, v.IsLeader)
}

func TestMiddleExpiry_RewatchesNewPredecessor(t *testing.T) {
	srv := memory.NewServer()
	a, b, c := join(t, srv), join(t, srv), join(t, srv)
	for _, n := range []*node{a, b, c} {
		n.nextVerdict(t)
	}

	require.True(t, srv.Expire(b.sess.ID()))

	want := coordination.ChildPath("/election", a.p.Identity())
	require.Eventually(t, func() bool {
		return c.p.Status().Watching == want
	}, 2*time.Second, 10*time.Millisecond)

	// Same leader, so no new verdict is published.
	c.noVerdict(t)
	assert.Equal(t, 2, c.p.Status().Verdict.Candidates)
}

func TestSessionEnded_WakesAllWaiters(t *testing.T) {
	srv := memory.NewServer()
	n := join(t, srv)

	var wg sync.WaitGroup
	woken := make(chan error, 3)
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			woken <- n.p.Wait(context.Background())
		}()
	}

	require.NoError(t, n.sess.Close())
	wg.Wait()
	close(woken)

	for err := range woken {
		assert.ErrorIs(t, err, coordination.ErrSessionEnded)
	}
	assert.ErrorIs(t, <-n.handled, coordination.ErrSessionEnded)
	assert.Equal(t, "ended", n.p.Status().State)

	select {
	case <-n.p.Done():
	default:
		t.Fatal("Done not closed")
	}
}

func TestHandleNotifications_ConnectedState(t *testing.T) {
	srv := memory.NewServer()
	n := join(t, srv)

	require.Eventually(t, func() bool {
		return n.p.Status().State == "connected"
	}, time.Second, 10*time.Millisecond)
}

func TestHandleNotifications_IgnoresStaleDeletion(t *testing.T) {
	sess := newStubSession("/election/c_0000000002", "c_0000000001", "c_0000000002")
	p := volunteered(t, sess)
	_, err := p.Elect(context.Background())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.HandleNotifications(ctx) }()

	lists := func() int {
		sess.mu.Lock()
		defer sess.mu.Unlock()
		return sess.lists
	}
	before := lists()

	sess.events <- coordination.Event{Kind: coordination.NodeDeleted, Path: "/election/c_0000000000"}
	sess.events <- coordination.Event{Kind: coordination.NodeDeleted, Path: "/election/c_0000000001"}

	require.Eventually(t, func() bool { return lists() == before+1 }, time.Second, 10*time.Millisecond)

	cancel()
	assert.NoError(t, <-done)
}

func TestHandleNotifications_ReelectionFailureEndsLoop(t *testing.T) {
	sess := newStubSession("/election/c_0000000002", "c_0000000001", "c_0000000002")
	p := volunteered(t, sess)
	_, err := p.Elect(context.Background())
	require.NoError(t, err)

	sess.mu.Lock()
	sess.children = nil
	sess.mu.Unlock()

	done := make(chan error, 1)
	go func() { done <- p.HandleNotifications(context.Background()) }()
	sess.events <- coordination.Event{Kind: coordination.NodeDeleted, Path: "/election/c_0000000001"}

	select {
	case err := <-done:
		assert.ErrorIs(t, err, ErrNoCandidates)
	case <-time.After(2 * time.Second):
		t.Fatal("handler did not return")
	}
	assert.Empty(t, p.Status().Watching)
}

func TestCandidates_Sorted(t *testing.T) {
	srv := memory.NewServer()
	a, b := join(t, srv), join(t, srv)

	names, err := b.p.Candidates(context.Background())
	require.NoError(t, err)
	assert.True(t, sort.StringsAreSorted(names))
	assert.Equal(t, []string{a.p.Identity(), b.p.Identity()}, names)
}

func TestVolunteer_SecondCallCreatesNoMarker(t *testing.T) {
	srv := memory.NewServer()
	n := join(t, srv)

	_, err := n.p.Volunteer(context.Background())
	assert.ErrorIs(t, err, ErrAlreadyRegistered)

	names, err := n.p.Candidates(context.Background())
	require.NoError(t, err)
	assert.Len(t, names, 1)
}

func TestVolunteer_MissingNamespace(t *testing.T) {
	srv := memory.NewServer()
	sess, err := srv.Connect(context.Background())
	require.NoError(t, err)
	defer sess.Close()

	p := NewParticipant(sess, Config{Namespace: "/nowhere"})
	_, err = p.Volunteer(context.Background())
	assert.ErrorIs(t, err, coordination.ErrCoordination)
	assert.ErrorIs(t, err, coordination.ErrNoNode)
}

func TestResolveLeadership_MarkerVanished(t *testing.T) {
	srv := memory.NewServer()
	n := join(t, srv)

	require.NoError(t, srv.Delete(coordination.ChildPath("/election", n.p.Identity())))

	v, err := n.p.ResolveLeadership(context.Background())
	assert.ErrorIs(t, err, ErrNoCandidates)
	assert.False(t, v.IsLeader)
}

func TestCandidatePayload(t *testing.T) {
	c := NewCandidate()
	assert.NotEmpty(t, c.ID)
	assert.Contains(t, string(c.Payload()), `"hostname"`)
}
