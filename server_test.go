package mqtt

import (
	"context"
	"errors"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/golang-io/opifex/packet"
	"github.com/golang-io/opifex/persistence"
	"golang.org/x/time/rate"
)

// peer is a raw MQTT endpoint used to drive the other side of a connection.
type peer struct {
	t  *testing.T
	f  *packet.Framer
	in chan packet.Packet
}

func newPeer(t *testing.T, rwc net.Conn) *peer {
	p := startPeer(t, rwc)
	t.Cleanup(func() { _ = p.f.Close() })
	return p
}

// startPeer starts reading rwc; the caller closes p.f.
func startPeer(t *testing.T, rwc net.Conn) *peer {
	p := &peer{t: t, f: packet.NewFramer(rwc, 0), in: make(chan packet.Packet, 64)}
	go func() {
		defer close(p.in)
		for pkt := range p.f.Packets() {
			p.in <- pkt
		}
	}()
	return p
}

func (p *peer) send(pkt packet.Packet) {
	p.t.Helper()
	if err := p.f.WritePacket(pkt); err != nil {
		p.t.Fatalf("write %T: %v", pkt, err)
	}
}

func (p *peer) expect() packet.Packet {
	p.t.Helper()
	select {
	case pkt, ok := <-p.in:
		if !ok {
			p.t.Fatalf("connection closed, err=%v", p.f.Err())
		}
		return pkt
	case <-time.After(3 * time.Second):
		p.t.Fatal("timed out waiting for a packet")
	}
	return nil
}

func expectPacket[T packet.Packet](p *peer) T {
	p.t.Helper()
	pkt := p.expect()
	v, ok := pkt.(T)
	if !ok {
		var want T
		p.t.Fatalf("got %T, want %T", pkt, want)
	}
	return v
}

func (p *peer) expectClosed() {
	p.t.Helper()
	select {
	case pkt, ok := <-p.in:
		if ok {
			p.t.Fatalf("got %T, want closed connection", pkt)
		}
	case <-time.After(3 * time.Second):
		p.t.Fatal("connection still open")
	}
}

func (p *peer) expectNothing() {
	p.t.Helper()
	select {
	case pkt, ok := <-p.in:
		if ok {
			p.t.Fatalf("unexpected %T", pkt)
		}
	case <-time.After(100 * time.Millisecond):
	}
}

func (p *peer) connect(clientID string, clean bool) *packet.CONNACK {
	p.t.Helper()
	p.send(&packet.CONNECT{ClientID: clientID, CleanSession: clean})
	return expectPacket[*packet.CONNACK](p)
}

func (p *peer) subscribe(id uint16, subs ...packet.Subscription) []packet.ReasonCode {
	p.t.Helper()
	p.send(&packet.SUBSCRIBE{PacketID: id, Subscriptions: subs})
	suback := expectPacket[*packet.SUBACK](p)
	if suback.PacketID != id {
		p.t.Fatalf("SUBACK id = %d, want %d", suback.PacketID, id)
	}
	return suback.ReasonCodes
}

func newTestServer(t *testing.T, opts ...Option) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	return NewServer(ctx, opts...)
}

// attach opens an in-memory connection to s.
func attach(t *testing.T, s *Server) *peer {
	client, server := net.Pipe()
	go s.ServeConn(server)
	return newPeer(t, client)
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestNewServer(t *testing.T) {
	s := newTestServer(t)
	if s.activeConn == nil || s.listeners == nil || s.sessions == nil {
		t.Fatal("NewServer() should initialise its maps")
	}
	if _, ok := s.Persistence.(*persistence.Memory); !ok {
		t.Fatalf("default persistence = %T, want *persistence.Memory", s.Persistence)
	}
}

func TestServerSessionPresent(t *testing.T) {
	s := newTestServer(t)

	p := attach(t, s)
	connack := p.connect("t1", true)
	if connack.ReturnCode != packet.CodeAccepted || connack.SessionPresent {
		t.Fatalf("first CONNACK = %+v, want accepted without session", connack)
	}
	_ = p.f.Close()
	waitFor(t, "t1 offline", func() bool { return !s.Connected("t1") })

	p = attach(t, s)
	connack = p.connect("t1", false)
	if connack.ReturnCode != packet.CodeAccepted || !connack.SessionPresent {
		t.Fatalf("second CONNACK = %+v, want accepted with session", connack)
	}

	p = attach(t, s)
	if connack = p.connect("t1", true); connack.SessionPresent {
		t.Fatal("clean connect must start a new session")
	}
}

func TestServerQoS1ToQoS0Subscriber(t *testing.T) {
	s := newTestServer(t)
	sub := attach(t, s)
	sub.connect("sub", true)
	if codes := sub.subscribe(1, packet.Subscription{TopicFilter: "a/+", MaximumQoS: 0}); codes[0] != 0 {
		t.Fatalf("SUBACK = %v", codes)
	}

	pub := attach(t, s)
	pub.connect("pub", true)
	pub.send(&packet.PUBLISH{Topic: "a/b", Payload: []byte("hi"), QoS: 1, PacketID: 7, Retain: true})
	if puback := expectPacket[*packet.PUBACK](pub); puback.PacketID != 7 {
		t.Errorf("PUBACK id = %d, want 7", puback.PacketID)
	}

	got := expectPacket[*packet.PUBLISH](sub)
	if got.Topic != "a/b" || string(got.Payload) != "hi" || got.QoS != 0 || got.Retain || got.PacketID != 0 {
		t.Errorf("subscriber got %s retain=%t id=%d", got, got.Retain, got.PacketID)
	}
}

func TestServerQoS2DeliveredAtPubrel(t *testing.T) {
	s := newTestServer(t)
	sub := attach(t, s)
	sub.connect("sub", true)
	sub.subscribe(1, packet.Subscription{TopicFilter: "x", MaximumQoS: 2})

	pub := attach(t, s)
	pub.connect("pub", true)
	pub.send(&packet.PUBLISH{Topic: "x", Payload: []byte("once"), QoS: 2, PacketID: 1})
	expectPacket[*packet.PUBREC](pub)
	sub.expectNothing()

	// a retransmission before PUBREL is answered but not routed again
	pub.send(&packet.PUBLISH{Topic: "x", Payload: []byte("once"), QoS: 2, PacketID: 1, Dup: true})
	expectPacket[*packet.PUBREC](pub)
	sub.expectNothing()

	pub.send(&packet.PUBREL{PacketID: 1})
	if pubcomp := expectPacket[*packet.PUBCOMP](pub); pubcomp.PacketID != 1 {
		t.Errorf("PUBCOMP id = %d, want 1", pubcomp.PacketID)
	}
	got := expectPacket[*packet.PUBLISH](sub)
	if got.QoS != 2 || got.PacketID == 0 || string(got.Payload) != "once" {
		t.Fatalf("subscriber got %s id=%d", got, got.PacketID)
	}

	sub.send(&packet.PUBREC{PacketID: got.PacketID})
	if pubrel := expectPacket[*packet.PUBREL](sub); pubrel.PacketID != got.PacketID {
		t.Errorf("PUBREL id = %d, want %d", pubrel.PacketID, got.PacketID)
	}
	sub.send(&packet.PUBCOMP{PacketID: got.PacketID})
	sub.expectNothing()

	store, _ := s.Persistence.Store("sub")
	waitFor(t, "sub store drained", func() bool {
		in, out, ack := store.Pending()
		return in+out+ack == 0
	})

	// a second PUBREL for the same id completes without routing
	pub.send(&packet.PUBREL{PacketID: 1})
	expectPacket[*packet.PUBCOMP](pub)
	sub.expectNothing()
}

func TestServerSubackOrder(t *testing.T) {
	s := newTestServer(t)
	s.AuthorizeSubscribe = func(ctx context.Context, filter string) bool {
		return !strings.HasPrefix(filter, "deny/")
	}
	p := attach(t, s)
	p.connect("c", true)
	codes := p.subscribe(3,
		packet.Subscription{TopicFilter: "ok/1", MaximumQoS: 1},
		packet.Subscription{TopicFilter: "deny/x", MaximumQoS: 0},
		packet.Subscription{TopicFilter: "ok/2", MaximumQoS: 2},
		packet.Subscription{TopicFilter: "deny/#", MaximumQoS: 2},
	)
	want := []packet.ReasonCode{1, packet.SubackFailure, 2, packet.SubackFailure}
	if len(codes) != len(want) {
		t.Fatalf("SUBACK = %v, want %v", codes, want)
	}
	for i := range want {
		if codes[i] != want[i] {
			t.Errorf("SUBACK[%d] = %v, want %v", i, codes[i], want[i])
		}
	}
}

func TestServerFirstPacketMustBeConnect(t *testing.T) {
	s := newTestServer(t)
	p := attach(t, s)
	p.send(&packet.PINGREQ{})
	p.expectClosed()
}

func TestServerSecondConnect(t *testing.T) {
	s := newTestServer(t)
	p := attach(t, s)
	p.connect("c", true)
	p.send(&packet.CONNECT{ClientID: "c", CleanSession: true})
	p.expectClosed()
}

func TestServerUnacceptableProtocol(t *testing.T) {
	for _, version := range []byte{packet.VERSION310, packet.VERSION500} {
		s := newTestServer(t)
		p := attach(t, s)
		p.send(&packet.CONNECT{Version: version, ClientID: "c", CleanSession: true})
		connack := expectPacket[*packet.CONNACK](p)
		if connack.ReturnCode != packet.Err3UnacceptableProtocolVersion {
			t.Errorf("level %d: return code = %v, want 0x01", version, connack.ReturnCode)
		}
		p.expectClosed()
	}
}

func TestServerAuthenticate(t *testing.T) {
	tests := []struct {
		name     string
		auth     func(ctx context.Context, clientID, username string, password []byte) packet.ReasonCode
		username string
		password []byte
		want     packet.ReasonCode
	}{
		{"default", nil, "", nil, packet.CodeAccepted},
		{"config ok", CONFIG.Authenticate, "root", []byte("admin"), packet.CodeAccepted},
		{"config bad password", CONFIG.Authenticate, "root", []byte("nope"), packet.Err3BadUsernameOrPassword},
		{"config unknown user", CONFIG.Authenticate, "who", []byte("admin"), packet.Err3BadUsernameOrPassword},
		{"v5 code folds to not authorized", func(context.Context, string, string, []byte) packet.ReasonCode {
			return packet.ErrBanned
		}, "", nil, packet.Err3NotAuthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestServer(t)
			s.Authenticate = tt.auth
			p := attach(t, s)
			p.send(&packet.CONNECT{ClientID: "c", CleanSession: true, Username: tt.username, Password: tt.password})
			connack := expectPacket[*packet.CONNACK](p)
			if connack.ReturnCode != tt.want {
				t.Fatalf("return code = %v, want %v", connack.ReturnCode, tt.want)
			}
			if tt.want != packet.CodeAccepted {
				p.expectClosed()
			}
		})
	}
}

func TestServerRetained(t *testing.T) {
	s := newTestServer(t)
	pub := attach(t, s)
	pub.connect("pub", true)
	pub.send(&packet.PUBLISH{Topic: "r/1", Payload: []byte("keep"), QoS: 1, PacketID: 1, Retain: true})
	expectPacket[*packet.PUBACK](pub)

	sub := attach(t, s)
	sub.connect("sub", true)
	sub.subscribe(1, packet.Subscription{TopicFilter: "r/+", MaximumQoS: 0})
	got := expectPacket[*packet.PUBLISH](sub)
	if got.Topic != "r/1" || string(got.Payload) != "keep" || !got.Retain || got.QoS != 0 {
		t.Fatalf("retained replay = %s retain=%t", got, got.Retain)
	}

	pub.send(&packet.PUBLISH{Topic: "r/1", Retain: true})
	got = expectPacket[*packet.PUBLISH](sub)
	if len(got.Payload) != 0 || got.Retain {
		t.Fatalf("live copy = %s retain=%t", got, got.Retain)
	}
	mem := s.Persistence.(*persistence.Memory)
	if _, ok := mem.Retained("r/1"); ok {
		t.Fatal("empty retained publish should delete the retained message")
	}

	late := attach(t, s)
	late.connect("late", true)
	late.subscribe(1, packet.Subscription{TopicFilter: "r/#"})
	late.expectNothing()
}

func TestServerWill(t *testing.T) {
	for _, graceful := range []bool{false, true} {
		s := newTestServer(t)
		watcher := attach(t, s)
		watcher.connect("watcher", true)
		watcher.subscribe(1, packet.Subscription{TopicFilter: "will/#"})

		p := attach(t, s)
		p.send(&packet.CONNECT{ClientID: "dying", CleanSession: true, Will: &packet.Will{Topic: "will/dying", Payload: []byte("bye")}})
		expectPacket[*packet.CONNACK](p)
		if graceful {
			p.send(&packet.DISCONNECT{})
			p.expectClosed()
			watcher.expectNothing()
			continue
		}
		_ = p.f.Close()
		got := expectPacket[*packet.PUBLISH](watcher)
		if got.Topic != "will/dying" || string(got.Payload) != "bye" {
			t.Errorf("will = %s", got)
		}
	}
}

func TestServerReservedTopic(t *testing.T) {
	s := newTestServer(t)
	sub := attach(t, s)
	sub.connect("sub", true)
	sub.subscribe(1, packet.Subscription{TopicFilter: "$foo/#", MaximumQoS: 1})

	pub := attach(t, s)
	pub.connect("pub", true)
	pub.send(&packet.PUBLISH{Topic: "$foo/bar", Payload: []byte("x"), QoS: 1, PacketID: 5})
	expectPacket[*packet.PUBACK](pub)
	sub.expectNothing()
}

func TestServerAuthorizePublish(t *testing.T) {
	s := newTestServer(t)
	var mu sync.Mutex
	var seen []string
	s.AuthorizePublish = func(ctx context.Context, name string) bool {
		id, _ := ClientIDFromContext(ctx)
		mu.Lock()
		seen = append(seen, id+":"+name)
		mu.Unlock()
		return name != "secret"
	}
	sub := attach(t, s)
	sub.connect("sub", true)
	sub.subscribe(1, packet.Subscription{TopicFilter: "#"})

	pub := attach(t, s)
	pub.connect("pub", true)
	pub.send(&packet.PUBLISH{Topic: "secret", QoS: 2, PacketID: 1})
	expectPacket[*packet.PUBREC](pub)
	pub.send(&packet.PUBREL{PacketID: 1})
	expectPacket[*packet.PUBCOMP](pub)
	sub.expectNothing()

	pub.send(&packet.PUBLISH{Topic: "open"})
	if got := expectPacket[*packet.PUBLISH](sub); got.Topic != "open" {
		t.Errorf("got %s", got)
	}
	mu.Lock()
	defer mu.Unlock()
	if len(seen) != 2 || seen[0] != "pub:secret" || seen[1] != "pub:open" {
		t.Errorf("authorize calls = %v", seen)
	}
}

func TestServerDeliversOncePerClient(t *testing.T) {
	s := newTestServer(t)
	sub := attach(t, s)
	sub.connect("sub", true)
	codes := sub.subscribe(1,
		packet.Subscription{TopicFilter: "a/+", MaximumQoS: 0},
		packet.Subscription{TopicFilter: "a/#", MaximumQoS: 1},
	)
	if codes[0] != 0 || codes[1] != 1 {
		t.Fatalf("SUBACK = %v", codes)
	}

	pub := attach(t, s)
	pub.connect("pub", true)
	pub.send(&packet.PUBLISH{Topic: "a/b", QoS: 2, PacketID: 9})
	expectPacket[*packet.PUBREC](pub)
	pub.send(&packet.PUBREL{PacketID: 9})
	expectPacket[*packet.PUBCOMP](pub)

	got := expectPacket[*packet.PUBLISH](sub)
	if got.QoS != 1 {
		t.Errorf("qos = %d, want the highest grant 1", got.QoS)
	}
	sub.send(&packet.PUBACK{PacketID: got.PacketID})
	sub.expectNothing()
}

func TestServerUnsubscribe(t *testing.T) {
	s := newTestServer(t)
	p := attach(t, s)
	p.connect("c", true)
	p.subscribe(1, packet.Subscription{TopicFilter: "u/1"})
	p.send(&packet.UNSUBSCRIBE{PacketID: 2, TopicFilters: []string{"u/1", "never/subscribed"}})
	if unsuback := expectPacket[*packet.UNSUBACK](p); unsuback.PacketID != 2 {
		t.Errorf("UNSUBACK id = %d, want 2", unsuback.PacketID)
	}
	p.send(&packet.PUBLISH{Topic: "u/1"})
	p.expectNothing()
}

func TestServerPing(t *testing.T) {
	s := newTestServer(t)
	p := attach(t, s)
	p.connect("c", true)
	p.send(&packet.PINGREQ{})
	expectPacket[*packet.PINGRESP](p)
}

func TestServerKeepAliveTimeout(t *testing.T) {
	s := newTestServer(t)
	watcher := attach(t, s)
	watcher.connect("watcher", true)
	watcher.subscribe(1, packet.Subscription{TopicFilter: "gone"})

	p := attach(t, s)
	p.send(&packet.CONNECT{ClientID: "idle", CleanSession: true, KeepAlive: 1, Will: &packet.Will{Topic: "gone", Payload: []byte("idle")}})
	expectPacket[*packet.CONNACK](p)
	start := time.Now()
	p.expectClosed()
	if elapsed := time.Since(start); elapsed < time.Second {
		t.Errorf("closed after %s, want about 1.5s", elapsed)
	}
	if got := expectPacket[*packet.PUBLISH](watcher); string(got.Payload) != "idle" {
		t.Errorf("will = %s", got)
	}
}

func TestServerSysEvents(t *testing.T) {
	s := newTestServer(t)
	watcher := attach(t, s)
	watcher.connect("watcher", true)
	watcher.subscribe(1, packet.Subscription{TopicFilter: "$SYS/+/clients"})

	p := attach(t, s)
	p.connect("ev", true)
	got := expectPacket[*packet.PUBLISH](watcher)
	if got.Topic != TopicConnect || string(got.Payload) != "ev" {
		t.Fatalf("connect event = %s", got)
	}
	p.send(&packet.DISCONNECT{})
	got = expectPacket[*packet.PUBLISH](watcher)
	if got.Topic != TopicDisconnect || string(got.Payload) != "ev" {
		t.Fatalf("disconnect event = %s", got)
	}
}

func TestServerTakeover(t *testing.T) {
	s := newTestServer(t)
	watcher := attach(t, s)
	watcher.connect("watcher", true)
	watcher.subscribe(1, packet.Subscription{TopicFilter: "will/dup"})

	first := attach(t, s)
	first.send(&packet.CONNECT{ClientID: "dup", CleanSession: false, Will: &packet.Will{Topic: "will/dup", Payload: []byte("first")}})
	expectPacket[*packet.CONNACK](first)

	second := attach(t, s)
	if connack := second.connect("dup", false); !connack.SessionPresent {
		t.Error("takeover should resume the session")
	}
	first.expectClosed()
	watcher.expectNothing()
	if !s.Connected("dup") {
		t.Error("second connection should stay live")
	}
	second.send(&packet.PINGREQ{})
	expectPacket[*packet.PINGRESP](second)
}

func TestServerOfflineReplay(t *testing.T) {
	s := newTestServer(t)
	sub := attach(t, s)
	sub.connect("p", false)
	sub.subscribe(1, packet.Subscription{TopicFilter: "q/1", MaximumQoS: 1})
	_ = sub.f.Close()
	waitFor(t, "p offline", func() bool { return !s.Connected("p") })

	pub := attach(t, s)
	pub.connect("pub", true)
	pub.send(&packet.PUBLISH{Topic: "q/1", Payload: []byte("queued"), QoS: 1, PacketID: 1})
	expectPacket[*packet.PUBACK](pub)

	sub = attach(t, s)
	if connack := sub.connect("p", false); !connack.SessionPresent {
		t.Fatal("session should be present")
	}
	got := expectPacket[*packet.PUBLISH](sub)
	if got.Topic != "q/1" || got.QoS != 1 || string(got.Payload) != "queued" {
		t.Fatalf("replayed %s", got)
	}
	sub.send(&packet.PUBACK{PacketID: got.PacketID})
	store, _ := s.Persistence.Store("p")
	waitFor(t, "replayed message acknowledged", func() bool {
		_, out, _ := store.Pending()
		return out == 0
	})
}

func TestServerEmptyClientID(t *testing.T) {
	s := newTestServer(t)
	p := attach(t, s)
	if connack := p.connect("", true); connack.ReturnCode != packet.CodeAccepted {
		t.Fatalf("return code = %v", connack.ReturnCode)
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	for id := range s.sessions {
		if !strings.HasPrefix(id, "opifex-") {
			t.Errorf("assigned client id = %q", id)
		}
	}
	if len(s.sessions) != 1 {
		t.Errorf("sessions = %d, want 1", len(s.sessions))
	}
}

func TestServerRemoveClient(t *testing.T) {
	s := newTestServer(t)
	p := attach(t, s)
	p.connect("gone", false)
	s.RemoveClient("gone")
	p.expectClosed()
	if _, ok := s.Persistence.Store("gone"); ok {
		t.Error("session should be deleted")
	}
	p = attach(t, s)
	if connack := p.connect("gone", false); connack.SessionPresent {
		t.Error("removed session must not be resumed")
	}
}

func TestServerPublishRate(t *testing.T) {
	s := newTestServer(t, PublishRate(rate.Every(100*time.Millisecond), 1))
	p := attach(t, s)
	p.connect("c", true)
	start := time.Now()
	for i := range 3 {
		p.send(&packet.PUBLISH{Topic: "r", QoS: 1, PacketID: uint16(i + 1)})
		expectPacket[*packet.PUBACK](p)
	}
	if elapsed := time.Since(start); elapsed < 150*time.Millisecond {
		t.Errorf("3 publishes took %s, want the limiter to space them", elapsed)
	}
}

func TestServerConnState(t *testing.T) {
	s := newTestServer(t)
	var mu sync.Mutex
	var states []ConnState
	s.ConnState = func(_ net.Conn, state ConnState) {
		mu.Lock()
		states = append(states, state)
		mu.Unlock()
	}
	p := attach(t, s)
	p.connect("c", true)
	p.send(&packet.DISCONNECT{})
	p.expectClosed()
	waitFor(t, "closed state", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(states) > 0 && states[len(states)-1] == StateClosed
	})
	mu.Lock()
	defer mu.Unlock()
	if states[0] != StateNew {
		t.Errorf("first state = %d, want StateNew", states[0])
	}
}

func TestServerShutdown(t *testing.T) {
	s := newTestServer(t)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	served := make(chan error, 1)
	go func() { served <- s.Serve(ln) }()

	conn, err := net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	p := newPeer(t, conn)
	p.connect("c", true)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown() = %v", err)
	}
	if err := <-served; !errors.Is(err, ErrServerClosed) {
		t.Errorf("Serve() = %v, want ErrServerClosed", err)
	}
	p.expectClosed()
	if err := s.ListenAndServe(URL("mqtt://127.0.0.1:0")); !errors.Is(err, ErrServerClosed) {
		t.Errorf("ListenAndServe() after shutdown = %v", err)
	}
}
