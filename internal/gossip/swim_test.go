package gossip

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jonmest/flux/internal/backend"
	"github.com/jonmest/flux/internal/member"
)

func newTestLayer(t *testing.T) (*Layer, string) {
	pool := backend.New(nil)
	local := member.NewID("127.0.0.1:0")
	members := member.New(local, time.Second, nil)

	layer, err := New(Config{
		BindAddr:           "127.0.0.1:0",
		GossipInterval:     50 * time.Millisecond,
		PingTimeout:        100 * time.Millisecond,
		IndirectTimeout:    200 * time.Millisecond,
		SuspectTimeout:     time.Second,
		IndirectProbeCount: 1,
		Fanout:             2,
		StaleAfter:         StaleAfter,
	}, members, pool, nil, nil)
	require.NoError(t, err)

	t.Cleanup(func() { layer.Close() })
	return layer, layer.conn.LocalAddr().String()
}

func TestProbeTarget_DirectPingAckMarksAlive(t *testing.T) {
	a, _ := newTestLayer(t)
	b, addrB := newTestLayer(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go a.receiveLoop(ctx)
	go b.receiveLoop(ctx)

	bID := member.NewID(addrB)
	a.members.Apply(member.Event{Kind: member.EventAlive, ID: bID, Incarnation: 0})

	a.probeTarget(ctx, bID)

	m, ok := a.members.Get(bID)
	require.True(t, ok)
	assert.Equal(t, member.Alive, m.Status)
}

func TestProbeTarget_UnreachableTargetGoesSuspect(t *testing.T) {
	a, _ := newTestLayer(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go a.receiveLoop(ctx)

	unreachable := member.NewID("127.0.0.1:1")
	a.members.Apply(member.Event{Kind: member.EventAlive, ID: unreachable, Incarnation: 0})

	a.probeTarget(ctx, unreachable)

	m, ok := a.members.Get(unreachable)
	require.True(t, ok)
	assert.Equal(t, member.Suspect, m.Status)
}

func TestJoin_MergesKnownMembersFromSeed(t *testing.T) {
	seed, addrSeed := newTestLayer(t)
	joiner, _ := newTestLayer(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go seed.receiveLoop(ctx)
	go joiner.receiveLoop(ctx)

	joiner.Join(ctx, []string{addrSeed})

	require.Eventually(t, func() bool {
		return len(joiner.Members().Members()) > 1
	}, time.Second, 10*time.Millisecond)
}

func TestCapBackendSnapshot_CarriesPoolStatuses(t *testing.T) {
	pool := backend.New([]backend.Backend{{Addr: "10.0.0.1:80", Weight: 1}})
	pool.SetStatus("10.0.0.1:80", backend.Healthy)
	local := member.NewID("127.0.0.1:0")
	members := member.New(local, time.Second, nil)
	layer, err := New(Config{
		BindAddr: "127.0.0.1:0", GossipInterval: time.Second, PingTimeout: time.Second,
		IndirectTimeout: time.Second, SuspectTimeout: time.Second, StaleAfter: StaleAfter,
	}, members, pool, nil, nil)
	require.NoError(t, err)
	defer layer.Close()

	snapshot := layer.capBackendSnapshot()
	assert.Equal(t, backend.Healthy, snapshot["10.0.0.1:80"])
}

func TestSelfRefute_BroadcastsAliveOnAccusation(t *testing.T) {
	a, _ := newTestLayer(t)
	b, addrB := newTestLayer(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go a.receiveLoop(ctx)
	go b.receiveLoop(ctx)

	// a believes b is one of its Fanout targets for the refutation broadcast.
	bID := member.NewID(addrB)
	a.members.Apply(member.Event{Kind: member.EventAlive, ID: bID, Incarnation: 0})

	a.selfRefute(1)

	require.Eventually(t, func() bool {
		m, ok := b.members.Get(a.members.LocalID())
		return ok && m.Incarnation >= 1 && m.Status == member.Alive
	}, time.Second, 10*time.Millisecond)
}
