package persistence

import (
	"errors"
	"log"
	"maps"
	"slices"
	"sync"

	"github.com/golang-io/opifex/packet"
	"github.com/golang-io/opifex/topic"
	"golang.org/x/sync/errgroup"
)

// ErrUnknownClient is returned for operations on a client that never registered.
var ErrUnknownClient = errors.New("persistence: unknown client")

type record struct {
	store  *Store
	client Client // nil while offline
	clean  bool
}

// Memory 内存持久化: 会话, 订阅树和保留消息都保存在进程内.
type Memory struct {
	mu       sync.RWMutex
	clients  map[string]*record
	trie     *topic.Trie[Subscriber]
	retained map[string]*packet.PUBLISH
}

var _ Persistence = (*Memory)(nil)

func NewMemory() *Memory {
	return &Memory{
		clients:  make(map[string]*record),
		trie:     topic.NewTrie[Subscriber](),
		retained: make(map[string]*packet.PUBLISH),
	}
}

// dropSubscriptions removes every subscription of rec from the tree. Caller holds m.mu.
func (m *Memory) dropSubscriptions(clientID string, rec *record) {
	for filter, qos := range rec.store.Subscriptions() {
		m.trie.Remove(filter, Subscriber{ClientID: clientID, QoS: qos})
	}
}

func (m *Memory) RegisterClient(clientID string, c Client, clean bool) (*Store, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.clients[clientID]
	if ok && !clean {
		rec.client, rec.clean = c, false
		return rec.store, true
	}
	if ok {
		m.dropSubscriptions(clientID, rec)
	}
	rec = &record{store: NewStore(), client: c, clean: clean}
	m.clients[clientID] = rec
	return rec.store, false
}

func (m *Memory) Detach(clientID string, c Client) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if rec, ok := m.clients[clientID]; ok && rec.client == c {
		rec.client = nil
	}
}

func (m *Memory) DeregisterClient(clientID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if rec, ok := m.clients[clientID]; ok {
		m.dropSubscriptions(clientID, rec)
		delete(m.clients, clientID)
	}
}

func (m *Memory) Store(clientID string) (*Store, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.clients[clientID]
	if !ok {
		return nil, false
	}
	return rec.store, true
}

// Subscribe records the grant on the session and in the tree. A repeated
// filter replaces the earlier grant.
func (m *Memory) Subscribe(clientID, filter string, qos uint8) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.clients[clientID]
	if !ok {
		return ErrUnknownClient
	}
	if old, existed := rec.store.Subscribe(filter, qos); existed {
		m.trie.Remove(filter, Subscriber{ClientID: clientID, QoS: old})
	}
	m.trie.Add(filter, Subscriber{ClientID: clientID, QoS: qos})
	return nil
}

func (m *Memory) Unsubscribe(clientID, filter string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.clients[clientID]
	if !ok {
		return false
	}
	qos, ok := rec.store.Unsubscribe(filter)
	if ok {
		m.trie.Remove(filter, Subscriber{ClientID: clientID, QoS: qos})
	}
	return ok
}

// Retained returns the retained message for a topic name.
func (m *Memory) Retained(name string) (*packet.PUBLISH, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	pkt, ok := m.retained[name]
	return pkt, ok
}

// Subscriptions returns the number of (filter, client) pairs in the tree.
func (m *Memory) Subscriptions() int {
	return m.trie.Len()
}

type target struct {
	clientID string
	rec      *record
	client   Client
	qos      uint8
}

// Publish 发布消息: 每个客户端只投递一次, QoS 取其匹配订阅中最大的授予值,
// 且不超过发布者的 QoS. 投递不持有锁.
func (m *Memory) Publish(pkt *packet.PUBLISH) error {
	m.mu.Lock()
	if pkt.Retain {
		if len(pkt.Payload) == 0 {
			delete(m.retained, pkt.Topic)
		} else {
			kept := pkt.Clone()
			kept.Dup, kept.PacketID = false, 0
			m.retained[pkt.Topic] = kept
		}
	}
	grants := make(map[string]uint8)
	for _, sub := range m.trie.Match(pkt.Topic) {
		if qos, ok := grants[sub.ClientID]; !ok || sub.QoS > qos {
			grants[sub.ClientID] = sub.QoS
		}
	}
	targets := make([]target, 0, len(grants))
	for _, clientID := range slices.Sorted(maps.Keys(grants)) {
		rec, ok := m.clients[clientID]
		if !ok {
			continue
		}
		targets = append(targets, target{clientID: clientID, rec: rec, client: rec.client, qos: min(grants[clientID], pkt.QoS)})
	}
	m.mu.Unlock()

	var group errgroup.Group
	for _, t := range targets {
		pub := &packet.PUBLISH{Topic: pkt.Topic, Payload: pkt.Payload, QoS: t.qos, Props: pkt.Props}
		if t.client == nil {
			if t.qos > 0 && !t.rec.clean {
				if _, err := t.rec.store.Reserve(pub); err != nil {
					log.Printf("queue offline message failed: client_id=%s, topic=%s, err=%v", t.clientID, pub.Topic, err)
				}
			}
			continue
		}
		group.Go(func() error {
			return t.client.Deliver(pub)
		})
	}
	return group.Wait()
}

// HandleRetained 新订阅建立后按主题补发保留消息, Retain 标志保持为 1.
func (m *Memory) HandleRetained(clientID string, subs []packet.Subscription) error {
	m.mu.RLock()
	rec, ok := m.clients[clientID]
	if !ok {
		m.mu.RUnlock()
		return ErrUnknownClient
	}
	client := rec.client
	msgs := make([]*packet.PUBLISH, 0, len(m.retained))
	for _, name := range slices.Sorted(maps.Keys(m.retained)) {
		msgs = append(msgs, m.retained[name])
	}
	m.mu.RUnlock()
	if client == nil {
		return nil
	}

	for _, msg := range msgs {
		best := -1
		for _, sub := range subs {
			if topic.Matches(sub.TopicFilter, msg.Topic) && int(sub.MaximumQoS) > best {
				best = int(sub.MaximumQoS)
			}
		}
		if best < 0 {
			continue
		}
		pub := &packet.PUBLISH{Topic: msg.Topic, Payload: msg.Payload, QoS: min(uint8(best), msg.QoS), Retain: true, Props: msg.Props}
		if err := client.Deliver(pub); err != nil {
			return err
		}
	}
	return nil
}
