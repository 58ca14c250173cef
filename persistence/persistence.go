// Package persistence 保存会话状态, 订阅关系和保留消息, 并负责消息路由.
//
// Memory is the in-process implementation used by the broker. Sessions
// survive the connection that created them until a clean connect or an
// explicit DeregisterClient.
package persistence

import (
	"github.com/golang-io/opifex/packet"
)

// Client is a live connection the router can hand messages to.
//
// Deliver receives a private copy with PacketID unset; a session that
// delivers at QoS 1 or 2 allocates the identifier from its own Store.
type Client interface {
	Deliver(pkt *packet.PUBLISH) error
}

// Persistence is the contract between broker sessions and the router.
type Persistence interface {
	// RegisterClient attaches c to the session for clientID, creating it
	// when absent or when clean is set. existed reports whether a previous
	// session was resumed.
	RegisterClient(clientID string, c Client, clean bool) (store *Store, existed bool)
	// Detach marks the session offline if c is still its live connection.
	Detach(clientID string, c Client)
	// DeregisterClient removes the session and all its subscriptions.
	DeregisterClient(clientID string)
	// Store returns the session state for clientID.
	Store(clientID string) (*Store, bool)

	Subscribe(clientID, filter string, qos uint8) error
	Unsubscribe(clientID, filter string) bool

	// Publish routes pkt to every matching subscriber and keeps or clears
	// the retained message for its topic.
	Publish(pkt *packet.PUBLISH) error
	// HandleRetained replays retained messages matching the new subscriptions.
	HandleRetained(clientID string, subs []packet.Subscription) error
}

// Subscriber is the value stored in the subscription tree.
type Subscriber struct {
	ClientID string
	QoS      uint8
}
