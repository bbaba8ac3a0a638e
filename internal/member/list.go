// Package member implements cluster membership with per-member status
// and incarnation number, and the SWIM merge rules that decide whether
// an incoming Alive/Suspect/Dead rumor should override the local view.
package member

import (
	"crypto/rand"
	"encoding/binary"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Status is a member's liveness as tracked by SWIM.
type Status int

const (
	Alive Status = iota
	Suspect
	Dead
)

// rank orders statuses for the monotonicity invariant: at equal
// incarnation, Alive < Suspect < Dead.
func (s Status) rank() int { return int(s) }

func (s Status) String() string {
	switch s {
	case Alive:
		return "alive"
	case Suspect:
		return "suspect"
	case Dead:
		return "dead"
	default:
		return "unknown"
	}
}

// ID is a member identity: an address plus a random nonce, so successive
// incarnations of a process at the same address are distinguishable.
type ID struct {
	Addr  string
	Nonce uint64
}

// NewID generates a fresh ID for addr with a cryptographically random
// nonce, as required at process start.
func NewID(addr string) ID {
	var buf [8]byte
	_, _ = rand.Read(buf[:])
	return ID{Addr: addr, Nonce: binary.BigEndian.Uint64(buf[:])}
}

// Member is one entry in the Member List.
type Member struct {
	ID                ID
	Status            Status
	Incarnation       uint64
	StatusChangedAt   time.Time
}

// EventKind names the three rumor kinds the merge rules accept.
type EventKind int

const (
	EventAlive EventKind = iota
	EventSuspect
	EventDead
)

// Event is an incoming (or locally originated) membership rumor.
type Event struct {
	Kind        EventKind
	ID          ID
	Incarnation uint64
}

// List is the Member List: a map from MemberId to Member, always
// containing the local member, guarded by an RWMutex.
type List struct {
	mu     sync.RWMutex
	local  ID
	byID   map[ID]*Member

	suspectTimeout time.Duration
	logger         *zap.Logger

	// onRefute fires when the local member must bump its incarnation and
	// broadcast Alive after being accused; wired to the Gossip Layer.
	onRefute func(newIncarnation uint64)
	// onSuspectTimeout fires when a Suspect member times out to Dead
	// locally, so the Gossip Layer can broadcast Dead.
	onSuspectTimeout func(id ID, incarnation uint64)

	timers map[ID]*time.Timer
}

// New constructs a List containing only the local member, Alive at
// incarnation 0.
func New(local ID, suspectTimeout time.Duration, logger *zap.Logger) *List {
	if logger == nil {
		logger = zap.NewNop()
	}
	l := &List{
		local:          local,
		byID:           make(map[ID]*Member),
		suspectTimeout: suspectTimeout,
		logger:         logger,
		timers:         make(map[ID]*time.Timer),
	}
	l.byID[local] = &Member{ID: local, Status: Alive, Incarnation: 0, StatusChangedAt: time.Now()}
	return l
}

// SetCallbacks wires the self-refutation and suspect-timeout hooks into
// the Gossip Layer. Must be called before the list sees concurrent use.
func (l *List) SetCallbacks(onRefute func(uint64), onSuspectTimeout func(ID, uint64)) {
	l.mu.Lock()
	l.onRefute = onRefute
	l.onSuspectTimeout = onSuspectTimeout
	l.mu.Unlock()
}

// Local returns the local member's current view of itself.
func (l *List) Local() Member {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return *l.byID[l.local]
}

// LocalID returns the local member's identity.
func (l *List) LocalID() ID { return l.local }

// Members returns a point-in-time copy of every known member.
func (l *List) Members() []Member {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]Member, 0, len(l.byID))
	for _, m := range l.byID {
		out = append(out, *m)
	}
	return out
}

// Get returns the member for id, if known.
func (l *List) Get(id ID) (Member, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	m, ok := l.byID[id]
	if !ok {
		return Member{}, false
	}
	return *m, true
}

// Upsert installs or refreshes a member wholesale (used on Join/JoinAck,
// which carry full Member records rather than bare events). It applies
// the same acceptance rules as Apply, keyed by whichever is stronger.
func (l *List) Upsert(m Member) {
	switch m.Status {
	case Alive:
		l.Apply(Event{Kind: EventAlive, ID: m.ID, Incarnation: m.Incarnation})
	case Suspect:
		l.Apply(Event{Kind: EventSuspect, ID: m.ID, Incarnation: m.Incarnation})
	case Dead:
		l.Apply(Event{Kind: EventDead, ID: m.ID, Incarnation: m.Incarnation})
	}
}

// Apply applies an incoming membership event per the SWIM merge rules in
// the acceptance rules below. Returns true if the event changed local state.
func (l *List) Apply(ev Event) bool {
	if ev.ID == l.local {
		return l.applyToSelf(ev)
	}

	l.mu.Lock()
	m, known := l.byID[ev.ID]
	if !known {
		m = &Member{ID: ev.ID, Status: Alive, Incarnation: 0}
		l.byID[ev.ID] = m
	}

	accept, newStatus := acceptance(m.Status, m.Incarnation, ev)
	if !accept {
		l.mu.Unlock()
		return !known
	}

	old := m.Status
	m.Incarnation = ev.Incarnation
	m.Status = newStatus
	m.StatusChangedAt = time.Now()
	changed := old != newStatus || !known
	l.mu.Unlock()

	if newStatus == Suspect {
		l.armSuspectTimer(ev.ID, ev.Incarnation)
	} else {
		l.disarmSuspectTimer(ev.ID)
	}

	if changed {
		l.logger.Info("member transitioned",
			zap.String("addr", ev.ID.Addr),
			zap.String("status", newStatus.String()),
			zap.Uint64("incarnation", ev.Incarnation))
	}
	return changed
}

// applyToSelf handles a rumor about the local member: accept trivially
// for Alive (nothing to refute), but refute any Suspect/Dead accusation
// with incarnation >= local by bumping the incarnation and broadcasting
// Alive, refuting the suspicion by bumping its own incarnation number.
func (l *List) applyToSelf(ev Event) bool {
	if ev.Kind == EventAlive {
		return false
	}

	l.mu.Lock()
	local := l.byID[l.local]
	if ev.Incarnation < local.Incarnation {
		l.mu.Unlock()
		return false
	}
	newIncarnation := local.Incarnation + 1
	if ev.Incarnation >= newIncarnation {
		newIncarnation = ev.Incarnation + 1
	}
	local.Incarnation = newIncarnation
	local.Status = Alive
	local.StatusChangedAt = time.Now()
	fn := l.onRefute
	l.mu.Unlock()

	l.logger.Warn("refuting accusation", zap.Uint64("new_incarnation", newIncarnation))
	if fn != nil {
		fn(newIncarnation)
	}
	return true
}

// acceptance implements the per-kind incoming-event rules: higher incarnation
// always wins, and Dead beats everything for the same incarnation.
func acceptance(curStatus Status, curIncarnation uint64, ev Event) (accept bool, newStatus Status) {
	switch ev.Kind {
	case EventAlive:
		if ev.Incarnation > curIncarnation || (ev.Incarnation == curIncarnation && curStatus == Suspect) {
			return true, Alive
		}
		return false, curStatus
	case EventSuspect:
		if ev.Incarnation > curIncarnation || (ev.Incarnation == curIncarnation && curStatus == Alive) {
			return true, Suspect
		}
		return false, curStatus
	case EventDead:
		if ev.Incarnation >= curIncarnation {
			return true, Dead
		}
		return false, curStatus
	}
	return false, curStatus
}

// armSuspectTimer starts (or restarts) the timer that locally transitions
// a Suspect member to Dead after suspectTimeout, if it's still Suspect at
// the same incarnation when the timer fires.
func (l *List) armSuspectTimer(id ID, incarnation uint64) {
	l.mu.Lock()
	if t, ok := l.timers[id]; ok {
		t.Stop()
	}
	l.timers[id] = time.AfterFunc(l.suspectTimeout, func() {
		l.expireSuspect(id, incarnation)
	})
	l.mu.Unlock()
}

func (l *List) disarmSuspectTimer(id ID) {
	l.mu.Lock()
	if t, ok := l.timers[id]; ok {
		t.Stop()
		delete(l.timers, id)
	}
	l.mu.Unlock()
}

func (l *List) expireSuspect(id ID, incarnation uint64) {
	l.mu.Lock()
	m, ok := l.byID[id]
	if !ok || m.Status != Suspect || m.Incarnation != incarnation {
		l.mu.Unlock()
		return
	}
	m.Status = Dead
	m.StatusChangedAt = time.Now()
	fn := l.onSuspectTimeout
	l.mu.Unlock()

	l.logger.Info("member suspect timeout, marking dead", zap.String("addr", id.Addr), zap.Uint64("incarnation", incarnation))
	if fn != nil {
		fn(id, incarnation)
	}
}

// RandomPeers returns up to k Members drawn uniformly at random from
// Alive union Suspect, excluding the given ids and the local member.
func (l *List) RandomPeers(k int, exclude map[ID]struct{}) []Member {
	l.mu.RLock()
	candidates := make([]Member, 0, len(l.byID))
	for id, m := range l.byID {
		if id == l.local {
			continue
		}
		if _, skip := exclude[id]; skip {
			continue
		}
		if m.Status == Alive || m.Status == Suspect {
			candidates = append(candidates, *m)
		}
	}
	l.mu.RUnlock()

	shuffle(candidates)
	if k > len(candidates) {
		k = len(candidates)
	}
	return candidates[:k]
}

// shuffle is a Fisher-Yates shuffle using crypto/rand for its index
// draws, avoiding a dependency on math/rand's process-global seeding.
func shuffle(m []Member) {
	for i := len(m) - 1; i > 0; i-- {
		j := randIntn(i + 1)
		m[i], m[j] = m[j], m[i]
	}
}

func randIntn(n int) int {
	if n <= 1 {
		return 0
	}
	var buf [8]byte
	_, _ = rand.Read(buf[:])
	return int(binary.BigEndian.Uint64(buf[:]) % uint64(n))
}
