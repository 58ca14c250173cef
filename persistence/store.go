package persistence

import (
	"cmp"
	"errors"
	"maps"
	"slices"
	"sync"

	"github.com/golang-io/opifex/packet"
)

// ErrPacketIDExhausted is returned when all 65535 packet identifiers are in flight.
var ErrPacketIDExhausted = errors.New("persistence: no packet identifier available")

type entry struct {
	seq uint64
	pkt packet.Packet
}

// Store 会话状态: 一个客户端标识对应的在途报文和订阅.
//
// Pending maps are keyed by packet identifier:
//   - incoming: QoS 2 PUBLISH received, PUBREL not yet seen
//   - outgoing: PUBLISH/SUBSCRIBE/UNSUBSCRIBE sent, acknowledgement not yet seen
//   - ackOutgoing: PUBREL sent, PUBCOMP not yet seen
//
// Every identifier allocated by Store is unique across incoming, outgoing and ackOutgoing.
type Store struct {
	mu            sync.Mutex
	lastID        uint16
	seq           uint64
	incoming      map[uint16]*packet.PUBLISH
	outgoing      map[uint16]entry
	ackOutgoing   map[uint16]uint64
	subscriptions map[string]uint8
}

func NewStore() *Store {
	return &Store{
		incoming:      make(map[uint16]*packet.PUBLISH),
		outgoing:      make(map[uint16]entry),
		ackOutgoing:   make(map[uint16]uint64),
		subscriptions: make(map[string]uint8),
	}
}

func (s *Store) inUse(id uint16) bool {
	if _, ok := s.incoming[id]; ok {
		return true
	}
	if _, ok := s.outgoing[id]; ok {
		return true
	}
	_, ok := s.ackOutgoing[id]
	return ok
}

func (s *Store) nextID() (uint16, error) {
	id := s.lastID
	for range 0xFFFF {
		id++
		if id == 0 {
			id = 1
		}
		if !s.inUse(id) {
			s.lastID = id
			return id, nil
		}
	}
	return 0, ErrPacketIDExhausted
}

// NextID returns an identifier that is not in flight. It wraps from 65535 back to 1.
func (s *Store) NextID() (uint16, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nextID()
}

// Reserve allocates an identifier, stamps it on pkt and records pkt as an
// outgoing packet awaiting acknowledgement, all in one step.
// pkt must be a *PUBLISH, *SUBSCRIBE or *UNSUBSCRIBE.
func (s *Store) Reserve(pkt packet.Packet) (uint16, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, err := s.nextID()
	if err != nil {
		return 0, err
	}
	switch p := pkt.(type) {
	case *packet.PUBLISH:
		p.PacketID = id
	case *packet.SUBSCRIBE:
		p.PacketID = id
	case *packet.UNSUBSCRIBE:
		p.PacketID = id
	default:
		return 0, errors.New("persistence: packet kind carries no identifier")
	}
	s.seq++
	s.outgoing[id] = entry{seq: s.seq, pkt: pkt}
	return id, nil
}

// PutIncoming parks a QoS 2 PUBLISH until its PUBREL. It reports false when
// the identifier was already parked, leaving the first copy in place.
func (s *Store) PutIncoming(pkt *packet.PUBLISH) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.incoming[pkt.PacketID]; ok {
		return false
	}
	s.incoming[pkt.PacketID] = pkt
	return true
}

// TakeIncoming removes and returns the PUBLISH parked under id.
func (s *Store) TakeIncoming(id uint16) (*packet.PUBLISH, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	pkt, ok := s.incoming[id]
	delete(s.incoming, id)
	return pkt, ok
}

// TakeOutgoing removes and returns the outgoing packet recorded under id.
func (s *Store) TakeOutgoing(id uint16) (packet.Packet, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.outgoing[id]
	delete(s.outgoing, id)
	return e.pkt, ok
}

// Release moves a QoS 2 PUBLISH from outgoing to ackOutgoing once its PUBREC
// arrives. It reports whether id was outgoing.
func (s *Store) Release(id uint16) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.outgoing[id]
	if ok {
		delete(s.outgoing, id)
		s.ackOutgoing[id] = e.seq
	}
	return ok
}

// PutAckOutgoing records a PUBREL sent for id.
func (s *Store) PutAckOutgoing(id uint16) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	s.ackOutgoing[id] = s.seq
}

// HasAckOutgoing reports whether a PUBREL for id awaits its PUBCOMP.
func (s *Store) HasAckOutgoing(id uint16) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.ackOutgoing[id]
	return ok
}

// TakeAckOutgoing clears the PUBREL recorded for id.
func (s *Store) TakeAckOutgoing(id uint16) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.ackOutgoing[id]
	delete(s.ackOutgoing, id)
	return ok
}

// Outgoing returns the unacknowledged outgoing packets in the order they were recorded.
func (s *Store) Outgoing() []packet.Packet {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := slices.SortedFunc(maps.Keys(s.outgoing), func(a, b uint16) int {
		return cmp.Compare(s.outgoing[a].seq, s.outgoing[b].seq)
	})
	out := make([]packet.Packet, 0, len(ids))
	for _, id := range ids {
		out = append(out, s.outgoing[id].pkt)
	}
	return out
}

// AckOutgoing returns the identifiers of unanswered PUBRELs in the order they were recorded.
func (s *Store) AckOutgoing() []uint16 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.SortedFunc(maps.Keys(s.ackOutgoing), func(a, b uint16) int {
		return cmp.Compare(s.ackOutgoing[a], s.ackOutgoing[b])
	})
}

// Pending returns the number of packets in each pending map.
func (s *Store) Pending() (incoming, outgoing, ackOutgoing int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.incoming), len(s.outgoing), len(s.ackOutgoing)
}

// Subscribe records the granted QoS for filter and returns the previous grant.
func (s *Store) Subscribe(filter string, qos uint8) (old uint8, existed bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	old, existed = s.subscriptions[filter]
	s.subscriptions[filter] = qos
	return old, existed
}

// Unsubscribe drops filter and returns its grant.
func (s *Store) Unsubscribe(filter string) (uint8, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	qos, ok := s.subscriptions[filter]
	delete(s.subscriptions, filter)
	return qos, ok
}

// Subscriptions returns a copy of filter to granted QoS.
func (s *Store) Subscriptions() map[string]uint8 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return maps.Clone(s.subscriptions)
}
