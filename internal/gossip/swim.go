package gossip

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/jonmest/flux/internal/backend"
	"github.com/jonmest/flux/internal/metrics"
	"github.com/jonmest/flux/internal/member"
)

// StaleAfter is the default window within which a local Health Checker
// decision is trusted over a gossiped one.
const StaleAfter = 15 * time.Second

// Config bundles the failure detector's timing and transport settings.
type Config struct {
	BindAddr           string
	GossipInterval     time.Duration
	PingTimeout        time.Duration
	IndirectTimeout    time.Duration
	SuspectTimeout     time.Duration
	IndirectProbeCount int
	Fanout             int
	StaleAfter         time.Duration
}

type pendingPing struct {
	target   member.ID
	deadline time.Time
}

type pendingIndirectPing struct {
	target   member.ID
	deadline time.Time
}

// Layer is the Gossip Layer: UDP transport, SWIM failure detector,
// membership dissemination, and backend-status reconciliation.
type Layer struct {
	cfg     Config
	conn    *net.UDPConn
	members *member.List
	backends *backend.Pool
	logger  *zap.Logger
	metrics *metrics.Registry

	mu                   sync.Mutex
	pendingPings         map[uint64]pendingPing
	pendingIndirectPings map[uint64]pendingIndirectPing
	// ackWaiters lets a pending ping's goroutine block on its own nonce
	// without polling; the matching Ack is sent on it when it arrives.
	ackWaiters map[uint64]chan Ack
}

// New binds the UDP socket and constructs the Layer. The Member List is
// constructed by the caller (it needs the local ID before the Layer can
// wire its self-refutation callback) and passed in.
func New(cfg Config, members *member.List, backends *backend.Pool, logger *zap.Logger, reg *metrics.Registry) (*Layer, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if reg == nil {
		reg = metrics.Default
	}
	addr, err := net.ResolveUDPAddr("udp", cfg.BindAddr)
	if err != nil {
		return nil, err
	}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return nil, err
	}

	l := &Layer{
		cfg:                  cfg,
		conn:                 conn,
		members:              members,
		backends:             backends,
		logger:               logger,
		metrics:              reg,
		pendingPings:         make(map[uint64]pendingPing),
		pendingIndirectPings: make(map[uint64]pendingIndirectPing),
		ackWaiters:           make(map[uint64]chan Ack),
	}

	members.SetCallbacks(l.selfRefute, l.suspectTimedOut)
	return l, nil
}

// Close releases the UDP socket.
func (l *Layer) Close() error { return l.conn.Close() }

// Members returns the underlying Member List, for callers (startup,
// tests) that need to observe membership directly.
func (l *Layer) Members() *member.List { return l.members }

// Run starts the three background tasks: the UDP
// receive loop, the periodic failure-detector tick, and the pending-ping
// reaper. Blocks until ctx is cancelled.
func (l *Layer) Run(ctx context.Context) {
	var wg sync.WaitGroup
	wg.Add(3)
	go func() { defer wg.Done(); l.receiveLoop(ctx) }()
	go func() { defer wg.Done(); l.detectorLoop(ctx) }()
	go func() { defer wg.Done(); l.reapLoop(ctx) }()
	wg.Wait()
}

func (l *Layer) receiveLoop(ctx context.Context) {
	buf := make([]byte, 65535)
	go func() {
		<-ctx.Done()
		_ = l.conn.Close()
	}()
	for {
		n, src, err := l.conn.ReadFromUDP(buf)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			continue
		}
		data := make([]byte, n)
		copy(data, buf[:n])
		l.metrics.GossipReceived.Add(1)
		go l.handle(ctx, data, src)
	}
}

func (l *Layer) send(msg Message, to *net.UDPAddr) {
	data := Encode(msg)
	if _, err := l.conn.WriteToUDP(data, to); err != nil {
		l.logger.Debug("gossip send failed", zap.Error(err), zap.String("to", to.String()))
		return
	}
	l.metrics.GossipSent.Add(1)
}

func (l *Layer) sendTo(msg Message, addr string) {
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		l.logger.Debug("resolve failed", zap.String("addr", addr), zap.Error(err))
		return
	}
	l.send(msg, udpAddr)
}

// --- failure detector loop ---

func (l *Layer) detectorLoop(ctx context.Context) {
	t := time.NewTicker(l.cfg.GossipInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			l.tick(ctx)
		}
	}
}

func (l *Layer) tick(ctx context.Context) {
	peers := l.members.RandomPeers(1, nil)
	if len(peers) == 0 {
		return
	}
	target := peers[0]
	l.probeTarget(ctx, target.ID)
}

// probeTarget runs one full direct-then-indirect SWIM round against
// target: direct ping first, indirect relay on timeout, suspect on full failure.
func (l *Layer) probeTarget(ctx context.Context, target member.ID) {
	nonce := randNonce()
	ackCh := make(chan Ack, 1)

	l.mu.Lock()
	l.pendingPings[nonce] = pendingPing{target: target, deadline: time.Now().Add(l.cfg.PingTimeout)}
	l.ackWaiters[nonce] = ackCh
	l.mu.Unlock()

	l.sendTo(Ping{Nonce: nonce}, target.Addr)

	select {
	case ack := <-ackCh:
		l.onAck(target, ack)
		l.clearPending(nonce)
		return
	case <-time.After(l.cfg.PingTimeout):
	case <-ctx.Done():
		l.clearPending(nonce)
		return
	}
	l.clearPending(nonce)

	// Deadline passed without a direct Ack: fan out indirect probes.
	l.indirectProbe(ctx, target)
}

func (l *Layer) indirectProbe(ctx context.Context, target member.ID) {
	exclude := map[member.ID]struct{}{target: {}}
	relays := l.members.RandomPeers(l.cfg.IndirectProbeCount, exclude)
	if len(relays) == 0 {
		l.markSuspect(target)
		return
	}

	nonce := randNonce()
	ackCh := make(chan Ack, 1)
	l.mu.Lock()
	l.pendingIndirectPings[nonce] = pendingIndirectPing{target: target, deadline: time.Now().Add(l.cfg.IndirectTimeout)}
	l.ackWaiters[nonce] = ackCh
	l.mu.Unlock()

	for _, relay := range relays {
		l.sendTo(PingReq{Nonce: nonce, Target: target}, relay.ID.Addr)
	}

	select {
	case ack := <-ackCh:
		l.onAck(target, ack)
	case <-time.After(l.cfg.IndirectTimeout):
		l.markSuspect(target)
	case <-ctx.Done():
	}

	l.mu.Lock()
	delete(l.pendingIndirectPings, nonce)
	delete(l.ackWaiters, nonce)
	l.mu.Unlock()
}

func (l *Layer) onAck(target member.ID, ack Ack) {
	cur, known := l.members.Get(target)
	inc := uint64(0)
	if known {
		inc = cur.Incarnation
	}
	l.members.Apply(member.Event{Kind: member.EventAlive, ID: target, Incarnation: inc})
	l.backends.ApplyRemoteStatuses(ack.Backends, l.cfg.StaleAfter.Nanoseconds())
}

func (l *Layer) markSuspect(target member.ID) {
	cur, known := l.members.Get(target)
	inc := uint64(0)
	if known {
		inc = cur.Incarnation
	}
	changed := l.members.Apply(member.Event{Kind: member.EventSuspect, ID: target, Incarnation: inc})
	if changed {
		l.metrics.MemberTransitions.Add(1)
		l.broadcast(SuspectMsg{ID: target, Incarnation: inc})
	}
}

func (l *Layer) clearPending(nonce uint64) {
	l.mu.Lock()
	delete(l.pendingPings, nonce)
	delete(l.ackWaiters, nonce)
	l.mu.Unlock()
}

// reapLoop drops any PendingPing/PendingIndirectPing past its deadline
// that wasn't already cleared by a timer-driven select above; this is a
// backstop for nonces whose owning goroutine never returns (e.g. panic
// recovery is out of scope, but ctx cancellation mid-flight is covered).
func (l *Layer) reapLoop(ctx context.Context) {
	t := time.NewTicker(1 * time.Second)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			now := time.Now()
			l.mu.Lock()
			for nonce, p := range l.pendingPings {
				if now.After(p.deadline) {
					delete(l.pendingPings, nonce)
					delete(l.ackWaiters, nonce)
				}
			}
			for nonce, p := range l.pendingIndirectPings {
				if now.After(p.deadline) {
					delete(l.pendingIndirectPings, nonce)
					delete(l.ackWaiters, nonce)
				}
			}
			l.mu.Unlock()
		}
	}
}

// --- inbound message handling ---

func (l *Layer) handle(ctx context.Context, data []byte, src *net.UDPAddr) {
	msg, err := Decode(data)
	if err != nil {
		l.metrics.GossipDecodeErrors.Add(1)
		l.logger.Debug("dropping malformed gossip datagram", zap.Error(err), zap.String("from", src.String()))
		return
	}

	switch m := msg.(type) {
	case Ping:
		l.handlePing(m, src)
	case Ack:
		l.handleAck(m)
	case PingReq:
		l.handlePingReq(ctx, m, src)
	case AliveMsg:
		l.handleRumor(member.EventAlive, m.ID, m.Incarnation)
	case SuspectMsg:
		l.handleRumor(member.EventSuspect, m.ID, m.Incarnation)
	case DeadMsg:
		l.handleRumor(member.EventDead, m.ID, m.Incarnation)
	case Join:
		l.handleJoin(m, src)
	case JoinAck:
		l.handleJoinAck(m)
	}
}

func (l *Layer) handlePing(m Ping, src *net.UDPAddr) {
	ack := Ack{Nonce: m.Nonce, Backends: l.capBackendSnapshot()}
	l.send(ack, src)
}

func (l *Layer) handleAck(m Ack) {
	l.mu.Lock()
	ch, ok := l.ackWaiters[m.Nonce]
	l.mu.Unlock()
	if ok {
		select {
		case ch <- m:
		default:
		}
	}
	l.backends.ApplyRemoteStatuses(m.Backends, l.cfg.StaleAfter.Nanoseconds())
}

// handlePingReq relays an indirect probe: ping the target ourselves and,
// if it acks, forward the Ack back to the original sender. If our own
// probe times out we simply drop state; the originator handles its own
// deadline.
func (l *Layer) handlePingReq(ctx context.Context, m PingReq, originator *net.UDPAddr) {
	relayNonce := randNonce()
	ackCh := make(chan Ack, 1)
	l.mu.Lock()
	l.ackWaiters[relayNonce] = ackCh
	l.mu.Unlock()
	defer func() {
		l.mu.Lock()
		delete(l.ackWaiters, relayNonce)
		l.mu.Unlock()
	}()

	l.sendTo(Ping{Nonce: relayNonce}, m.Target.Addr)

	select {
	case ack := <-ackCh:
		l.send(Ack{Nonce: m.Nonce, Backends: ack.Backends}, originator)
	case <-time.After(l.cfg.PingTimeout):
	case <-ctx.Done():
	}
}

func (l *Layer) handleRumor(kind member.EventKind, id member.ID, incarnation uint64) {
	changed := l.members.Apply(member.Event{Kind: kind, ID: id, Incarnation: incarnation})
	if changed {
		l.metrics.MemberTransitions.Add(1)
	}
}

func (l *Layer) handleJoin(m Join, src *net.UDPAddr) {
	l.members.Upsert(member.Member{ID: m.ID, Status: member.Alive, Incarnation: m.Incarnation})
	for _, known := range m.KnownMembers {
		l.members.Upsert(known)
	}
	ack := JoinAck{KnownMembers: l.members.Members(), Backends: l.capBackendSnapshot()}
	l.send(ack, src)
}

func (l *Layer) handleJoinAck(m JoinAck) {
	for _, known := range m.KnownMembers {
		l.members.Upsert(known)
	}
	l.backends.ApplyRemoteStatuses(m.Backends, l.cfg.StaleAfter.Nanoseconds())
}

// --- self-refutation and suspect timeout callbacks (wired via member.List) ---

func (l *Layer) selfRefute(newIncarnation uint64) {
	l.broadcast(AliveMsg{ID: l.members.LocalID(), Incarnation: newIncarnation})
}

func (l *Layer) suspectTimedOut(id member.ID, incarnation uint64) {
	l.metrics.MemberTransitions.Add(1)
	l.broadcast(DeadMsg{ID: id, Incarnation: incarnation})
}

// broadcast sends msg to min(fanout, |Alive peers|) random peers.
func (l *Layer) broadcast(msg Message) {
	peers := l.members.RandomPeers(len(l.members.Members()), nil)
	sent := 0
	for _, p := range peers {
		if sent >= l.cfg.Fanout {
			break
		}
		if p.Status != member.Alive {
			continue
		}
		l.sendTo(msg, p.ID.Addr)
		sent++
	}
}

// capBackendSnapshot returns the local Backend Pool's snapshot as the
// addr->Status map every outgoing Ack/JoinAck piggybacks.
func (l *Layer) capBackendSnapshot() map[string]backend.Status {
	snaps := l.backends.Snapshot()
	out := make(map[string]backend.Status, len(snaps))
	for _, s := range snaps {
		out[s.Addr] = s.Status
	}
	return out
}

// --- join ---

// Join sends a Join to every seed and merges whichever JoinAcks arrive
// within the gossip interval. A seed that never resolves or never
// responds is skipped; if every seed fails the node proceeds knowing
// only itself.
func (l *Layer) Join(ctx context.Context, seeds []string) {
	if len(seeds) == 0 {
		return
	}

	local := l.members.Local()
	joinMsg := Join{ID: local.ID, Incarnation: local.Incarnation, KnownMembers: l.members.Members()}

	for _, seed := range seeds {
		udpAddr, err := net.ResolveUDPAddr("udp", seed)
		if err != nil {
			l.logger.Warn("seed unresolvable, skipping", zap.String("seed", seed), zap.Error(err))
			continue
		}
		l.send(joinMsg, udpAddr)
	}

	// JoinAck replies arrive asynchronously through the normal receive
	// loop (handleJoinAck); give them one gossip interval to land before
	// returning control to the caller. If nothing comes back the node
	// proceeds knowing only itself.
	select {
	case <-time.After(l.cfg.GossipInterval):
	case <-ctx.Done():
	}
}

func randNonce() uint64 {
	var buf [8]byte
	_, _ = rand.Read(buf[:])
	return binary.BigEndian.Uint64(buf[:])
}
