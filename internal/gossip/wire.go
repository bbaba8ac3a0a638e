// Package gossip implements the SWIM failure detector and backend-status
// dissemination over a compact UDP wire format. The wire format is
// deliberately hand-rolled rather than built on a generic codec: the
// byte layout (tag byte, big-endian fixed width integers, family-tagged
// socket addresses) needs exact control over per-field size, and a
// datagram that exceeds MaxDatagramSize must drop individual backend
// entries until it fits, which a generic encoder doesn't expose.
package gossip

import (
	"encoding/binary"
	"fmt"
	"net"
	"strconv"

	"github.com/jonmest/flux/internal/backend"
	"github.com/jonmest/flux/internal/fluxerr"
	"github.com/jonmest/flux/internal/member"
)

// Tag identifies a datagram's message kind.
type Tag byte

const (
	TagPing Tag = iota
	TagAck
	TagPingReq
	TagAlive
	TagSuspect
	TagDead
	TagJoin
	TagJoinAck
)

// MaxDatagramSize is the default cap a disseminated snapshot is
// truncated to.
const MaxDatagramSize = 1200

// Message is any of the eight gossip message kinds.
type Message interface {
	Tag() Tag
	encodeBody(*encoder)
}

type Ping struct{ Nonce uint64 }
type Ack struct {
	Nonce    uint64
	Backends map[string]backend.Status
}
type PingReq struct {
	Nonce  uint64
	Target member.ID
}
type AliveMsg struct {
	ID          member.ID
	Incarnation uint64
}
type SuspectMsg struct {
	ID          member.ID
	Incarnation uint64
}
type DeadMsg struct {
	ID          member.ID
	Incarnation uint64
}
type Join struct {
	ID            member.ID
	Incarnation   uint64
	KnownMembers  []member.Member
}
type JoinAck struct {
	KnownMembers []member.Member
	Backends     map[string]backend.Status
}

func (Ping) Tag() Tag       { return TagPing }
func (Ack) Tag() Tag        { return TagAck }
func (PingReq) Tag() Tag    { return TagPingReq }
func (AliveMsg) Tag() Tag   { return TagAlive }
func (SuspectMsg) Tag() Tag { return TagSuspect }
func (DeadMsg) Tag() Tag    { return TagDead }
func (Join) Tag() Tag       { return TagJoin }
func (JoinAck) Tag() Tag    { return TagJoinAck }

func (m Ping) encodeBody(e *encoder) { e.putUint64(m.Nonce) }

func (m Ack) encodeBody(e *encoder) {
	e.putUint64(m.Nonce)
	e.putBackendMap(m.Backends)
}

func (m PingReq) encodeBody(e *encoder) {
	e.putUint64(m.Nonce)
	e.putMemberID(m.Target)
}

func (m AliveMsg) encodeBody(e *encoder) {
	e.putMemberID(m.ID)
	e.putUint64(m.Incarnation)
}

func (m SuspectMsg) encodeBody(e *encoder) {
	e.putMemberID(m.ID)
	e.putUint64(m.Incarnation)
}

func (m DeadMsg) encodeBody(e *encoder) {
	e.putMemberID(m.ID)
	e.putUint64(m.Incarnation)
}

func (m Join) encodeBody(e *encoder) {
	e.putMemberID(m.ID)
	e.putUint64(m.Incarnation)
	e.putMembers(m.KnownMembers)
}

func (m JoinAck) encodeBody(e *encoder) {
	e.putMembers(m.KnownMembers)
	e.putBackendMap(m.Backends)
}

// Encode serializes a message with its leading tag byte, truncating a
// too-large snapshot (Ack/JoinAck's backend map) to a random sample that
// fits MaxDatagramSize.
func Encode(m Message) []byte {
	e := &encoder{}
	e.buf = append(e.buf, byte(m.Tag()))
	m.encodeBody(e)
	if len(e.buf) <= MaxDatagramSize {
		return e.buf
	}
	return truncate(m)
}

// truncate re-encodes m with its backend snapshot randomly sampled down
// until it fits, keeping a random sample rather than a biased prefix. The
// sample draws on Go's randomized map iteration order rather than a
// second explicit shuffle.
func truncate(m Message) []byte {
	sampleDown := func(bm map[string]backend.Status) []byte {
		keys := make([]string, 0, len(bm))
		for k := range bm {
			keys = append(keys, k)
		}
		for len(keys) > 0 {
			out := make(map[string]backend.Status, len(keys))
			for _, k := range keys {
				out[k] = bm[k]
			}
			e := &encoder{}
			e.buf = append(e.buf, byte(m.Tag()))
			switch mm := m.(type) {
			case Ack:
				mm.Backends = out
				mm.encodeBody(e)
			case JoinAck:
				mm.Backends = out
				mm.encodeBody(e)
			}
			if len(e.buf) <= MaxDatagramSize || len(keys) == 1 {
				return e.buf
			}
			keys = keys[:len(keys)-1]
		}
		e := &encoder{}
		e.buf = append(e.buf, byte(m.Tag()))
		m.encodeBody(e)
		return e.buf
	}

	switch mm := m.(type) {
	case Ack:
		return sampleDown(mm.Backends)
	case JoinAck:
		return sampleDown(mm.Backends)
	default:
		e := &encoder{}
		e.buf = append(e.buf, byte(m.Tag()))
		m.encodeBody(e)
		return e.buf
	}
}

// Decode parses a datagram into its Message, or returns a
// fluxerr ProtocolDecode error on any malformed input.
func Decode(data []byte) (Message, error) {
	if len(data) < 1 {
		return nil, fluxerr.ProtocolDecode("empty datagram")
	}
	d := &decoder{buf: data[1:]}
	var msg Message
	switch Tag(data[0]) {
	case TagPing:
		msg = Ping{Nonce: d.uint64()}
	case TagAck:
		nonce := d.uint64()
		bm := d.backendMap()
		msg = Ack{Nonce: nonce, Backends: bm}
	case TagPingReq:
		nonce := d.uint64()
		target := d.memberID()
		msg = PingReq{Nonce: nonce, Target: target}
	case TagAlive:
		id := d.memberID()
		inc := d.uint64()
		msg = AliveMsg{ID: id, Incarnation: inc}
	case TagSuspect:
		id := d.memberID()
		inc := d.uint64()
		msg = SuspectMsg{ID: id, Incarnation: inc}
	case TagDead:
		id := d.memberID()
		inc := d.uint64()
		msg = DeadMsg{ID: id, Incarnation: inc}
	case TagJoin:
		id := d.memberID()
		inc := d.uint64()
		members := d.members()
		msg = Join{ID: id, Incarnation: inc, KnownMembers: members}
	case TagJoinAck:
		members := d.members()
		bm := d.backendMap()
		msg = JoinAck{KnownMembers: members, Backends: bm}
	default:
		return nil, fluxerr.ProtocolDecode(fmt.Sprintf("unknown tag %d", data[0]))
	}
	if d.err != nil {
		return nil, fluxerr.ProtocolDecode(d.err.Error())
	}
	return msg, nil
}

// --- encoder ---

type encoder struct{ buf []byte }

func (e *encoder) putUint32(v uint32) {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	e.buf = append(e.buf, b[:]...)
}

func (e *encoder) putUint64(v uint64) {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	e.buf = append(e.buf, b[:]...)
}

func (e *encoder) putAddr(addr string) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		// Can't happen for addresses this process generated itself
		// (always host:port); encode as an unroutable IPv4 zero
		// address rather than panicking on a malformed string.
		e.buf = append(e.buf, 4)
		e.buf = append(e.buf, make([]byte, 4)...)
		e.putUint32FitPort(0)
		return
	}
	port, _ := strconv.Atoi(portStr)
	ip := net.ParseIP(host)
	if ip4 := ip.To4(); ip4 != nil {
		e.buf = append(e.buf, 4)
		e.buf = append(e.buf, ip4...)
	} else {
		e.buf = append(e.buf, 6)
		e.buf = append(e.buf, ip.To16()...)
	}
	e.putUint32FitPort(uint32(port))
}

// putUint32FitPort encodes a port as 2 bytes big-endian.
func (e *encoder) putUint32FitPort(port uint32) {
	var b [2]byte
	binary.BigEndian.PutUint16(b[:], uint16(port))
	e.buf = append(e.buf, b[:]...)
}

func (e *encoder) putMemberID(id member.ID) {
	e.putAddr(id.Addr)
	e.putUint64(id.Nonce)
}

func (e *encoder) putStatus(s member.Status) {
	e.buf = append(e.buf, byte(s))
}

func (e *encoder) putBackendStatus(s backend.Status) {
	e.buf = append(e.buf, byte(s))
}

func (e *encoder) putMembers(members []member.Member) {
	e.putUint32(uint32(len(members)))
	for _, m := range members {
		e.putMemberID(m.ID)
		e.putStatus(m.Status)
		e.putUint64(m.Incarnation)
	}
}

func (e *encoder) putBackendMap(bm map[string]backend.Status) {
	e.putUint32(uint32(len(bm)))
	for addr, status := range bm {
		e.putAddr(addr)
		e.putBackendStatus(status)
	}
}

// --- decoder ---

// decoder reads sequentially from buf, sticking the first error so
// callers can chain reads without checking after every field.
type decoder struct {
	buf []byte
	err error
}

func (d *decoder) need(n int) []byte {
	if d.err != nil {
		return nil
	}
	if len(d.buf) < n {
		d.err = fmt.Errorf("truncated datagram: need %d bytes, have %d", n, len(d.buf))
		return nil
	}
	out := d.buf[:n]
	d.buf = d.buf[n:]
	return out
}

func (d *decoder) uint32() uint32 {
	b := d.need(4)
	if b == nil {
		return 0
	}
	return binary.BigEndian.Uint32(b)
}

func (d *decoder) uint64() uint64 {
	b := d.need(8)
	if b == nil {
		return 0
	}
	return binary.BigEndian.Uint64(b)
}

func (d *decoder) addr() string {
	fam := d.need(1)
	if fam == nil {
		return ""
	}
	var ipLen int
	switch fam[0] {
	case 4:
		ipLen = 4
	case 6:
		ipLen = 16
	default:
		d.err = fmt.Errorf("unknown address family %d", fam[0])
		return ""
	}
	ipBytes := d.need(ipLen)
	if ipBytes == nil {
		return ""
	}
	portBytes := d.need(2)
	if portBytes == nil {
		return ""
	}
	ip := net.IP(ipBytes)
	port := binary.BigEndian.Uint16(portBytes)
	return net.JoinHostPort(ip.String(), strconv.Itoa(int(port)))
}

func (d *decoder) memberID() member.ID {
	addr := d.addr()
	nonce := d.uint64()
	return member.ID{Addr: addr, Nonce: nonce}
}

func (d *decoder) status() member.Status {
	b := d.need(1)
	if b == nil {
		return member.Alive
	}
	return member.Status(b[0])
}

func (d *decoder) backendStatus() backend.Status {
	b := d.need(1)
	if b == nil {
		return backend.Unknown
	}
	return backend.Status(b[0])
}

func (d *decoder) members() []member.Member {
	n := d.uint32()
	if d.err != nil {
		return nil
	}
	out := make([]member.Member, 0, n)
	for i := uint32(0); i < n; i++ {
		id := d.memberID()
		status := d.status()
		inc := d.uint64()
		if d.err != nil {
			return out
		}
		out = append(out, member.Member{ID: id, Status: status, Incarnation: inc})
	}
	return out
}

func (d *decoder) backendMap() map[string]backend.Status {
	n := d.uint32()
	if d.err != nil {
		return nil
	}
	out := make(map[string]backend.Status, n)
	for i := uint32(0); i < n; i++ {
		addr := d.addr()
		status := d.backendStatus()
		if d.err != nil {
			return out
		}
		out[addr] = status
	}
	return out
}
