package mqtt

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/golang-io/opifex/packet"
	"github.com/golang-io/opifex/persistence"
	"github.com/golang-io/opifex/topic"
	"github.com/golang-io/requests"
	"golang.org/x/net/websocket"
	"golang.org/x/time/rate"
)

// errClientDisconnect ends the read loop after a DISCONNECT.
var errClientDisconnect = errors.New("mqtt: client disconnect")

type clientIDKey struct{}

// ClientIDFromContext returns the client identifier of the broker session
// that owns ctx. Authorization callbacks receive such a context.
func ClientIDFromContext(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(clientIDKey{}).(string)
	return id, ok
}

func newLimiter(limit rate.Limit, burst int) *rate.Limiter {
	if burst < 1 {
		burst = 1
	}
	return rate.NewLimiter(limit, burst)
}

// conn represents the server side of an MQTT connection.
type conn struct {
	// server is the server on which the connection arrived. Immutable; never nil.
	server *Server

	// rwc is the underlying network connection.
	// It is usually of type *net.TCPConn, *tls.Conn or *websocket.Conn.
	rwc net.Conn

	// framer reads and writes packets on rwc, counting bytes into stat.
	framer *packet.Framer

	// remoteAddr is rwc.RemoteAddr().String(), populated inside serve.
	remoteAddr string

	// tlsState is the TLS connection state when using TLS. nil means not TLS.
	tlsState *tls.ConnectionState

	curState atomic.Uint64 // packed (unix time<<8|uint8(ConnState))

	ID               string
	ctx              context.Context // carries ID for the authorization callbacks
	keepAlive        *time.Timer
	keepAliveTimeout time.Duration
	limiter          *rate.Limiter
	connected        atomic.Bool

	mu   sync.Mutex
	will *packet.Will // nil after DISCONNECT or takeover

	ready     chan struct{} // closed once CONNACK is written
	done      chan struct{} // closed when close has finished
	closeOnce sync.Once
}

func (c *conn) setState(nc net.Conn, state ConnState, runHook bool) {
	srv := c.server
	switch state {
	case StateNew:
		srv.trackConn(c, true)
	case StateClosed:
		srv.trackConn(c, false)
	default:
	}
	if state > 0xFF || state < 0 {
		panic("invalid conn state")
	}
	packedState := uint64(time.Now().Unix()<<8) | uint64(state)
	c.curState.Store(packedState)
	if !runHook {
		return
	}
	if hook := srv.ConnState; hook != nil {
		hook(nc, state)
	}
}

func (c *conn) getState() (state ConnState, unixSec int64) {
	packedState := c.curState.Load()
	return ConnState(packedState & 0xFF), int64(packedState >> 8)
}

func (c *conn) writePacket(pkt packet.Packet) error {
	if err := c.framer.WritePacket(pkt); err != nil {
		return err
	}
	stat.PacketSent.Inc()
	return nil
}

// Deliver hands a routed message to this connection. QoS 1 and 2 copies
// take a packet identifier from the session store first.
func (c *conn) Deliver(pub *packet.PUBLISH) error {
	select {
	case <-c.ready:
	case <-c.done:
		return packet.ErrClosed
	}
	if pub.QoS > 0 {
		store, ok := c.server.Persistence.Store(c.ID)
		if !ok {
			return fmt.Errorf("mqtt: no session for %s", c.ID)
		}
		if _, err := store.Reserve(pub); err != nil {
			return err
		}
	}
	return c.writePacket(pub)
}

func (c *conn) takeWill() *packet.Will {
	c.mu.Lock()
	defer c.mu.Unlock()
	will := c.will
	c.will = nil
	return will
}

// takeover closes the connection without publishing its will.
func (c *conn) takeover() {
	c.takeWill()
	_ = c.framer.Close()
}

// close tears the session down once: will, offline, $SYS event, timer.
func (c *conn) close() {
	c.closeOnce.Do(func() {
		_ = c.framer.Close()
		if c.keepAlive != nil {
			c.keepAlive.Stop()
		}
		if c.connected.Load() {
			srv := c.server
			srv.Persistence.Detach(c.ID, c)
			if will := c.takeWill(); will != nil {
				log.Printf("client will published: clientId=%s, topic=%s", c.ID, will.Topic)
				err := srv.Persistence.Publish(&packet.PUBLISH{Topic: will.Topic, Payload: will.Payload, QoS: will.QoS, Retain: will.Retain, Props: will.Props})
				if err != nil {
					log.Printf("publish will failed: clientId=%s, err=%v", c.ID, err)
				}
			}
			srv.untrackSession(c)
			srv.broadcast(TopicDisconnect, []byte(c.ID))
		}
		close(c.done)
		c.setState(c.rwc, StateClosed, true)
	})
}

// Serve a new connection.
func (c *conn) serve(ctx context.Context) {
	// 兼容 websocket.Conn 的 RemoteAddr 字段实现，避免 URL.String 的空指针
	if ws, ok := c.rwc.(*websocket.Conn); ok {
		if req := ws.Request(); req != nil {
			c.remoteAddr = req.RemoteAddr
		}
	} else if ra := c.rwc.RemoteAddr(); ra != nil {
		c.remoteAddr = ra.String()
	}

	// 记录客户端连接日志
	log.Printf("connect connected: remote=%s", c.remoteAddr)

	defer func() {
		if err := recover(); err != nil && err != ErrAbortHandler {
			buf := make([]byte, size)
			buf = buf[:runtime.Stack(buf, false)]
			log.Printf("mqtt: panic serving %v: %v", c.remoteAddr, err)
			log.Printf("%s", buf)
		}
		// 记录客户端断开连接日志
		log.Printf("connect disconnected: clientId=%s, remote=%s", c.ID, c.remoteAddr)
		c.close()
	}()

	if tlsConn, ok := c.rwc.(*tls.Conn); ok {
		tlsTO := 10 * time.Second
		dl := time.Now().Add(tlsTO)
		_ = c.rwc.SetReadDeadline(dl)
		_ = c.rwc.SetWriteDeadline(dl)
		if err := tlsConn.HandshakeContext(ctx); err != nil {
			var reason string
			if re, ok := err.(tls.RecordHeaderError); ok && re.Conn != nil {
				_ = re.Conn.Close()
				reason = "client sent a plaintext request to a TLS server"
			} else {
				reason = err.Error()
			}
			log.Printf("mqtt: TLS handshake error from %s: %v", c.rwc.RemoteAddr(), reason)
			return
		}
		// Restore Conn-level deadlines.
		_ = c.rwc.SetReadDeadline(time.Time{})
		_ = c.rwc.SetWriteDeadline(time.Time{})
		c.tlsState = new(tls.ConnectionState)
		*c.tlsState = tlsConn.ConnectionState()
	}

	// 服务端收到的第一个报文必须是 CONNECT [MQTT-3.1.0-1]
	pkt, err := c.framer.ReadPacket()
	if err != nil {
		log.Printf("readRequest: remote=%s, err=%v", c.remoteAddr, err)
		return
	}
	stat.PacketReceived.Inc()
	connect, ok := pkt.(*packet.CONNECT)
	if !ok {
		log.Printf("mqtt: %v", violation("%s before CONNECT, remote=%s", packet.Kind[pkt.Kind()], c.remoteAddr))
		return
	}
	if err := c.handleConnect(ctx, connect); err != nil {
		log.Printf("client connect refused: clientId=%s, remote=%s, err=%v", connect.ClientID, c.remoteAddr, err)
		return
	}
	c.setState(c.rwc, StateIdle, true)

	for pkt := range c.framer.Packets() {
		stat.PacketReceived.Inc()
		c.setState(c.rwc, StateActive, true)
		c.resetKeepAlive()
		if err := c.handle(pkt); err != nil {
			if !errors.Is(err, errClientDisconnect) {
				log.Printf("serve packet failed: clientId=%s, packet=%s, err=%v", c.ID, packet.Kind[pkt.Kind()], err)
			}
			return
		}
		c.setState(c.rwc, StateIdle, true)
	}
	if err := c.framer.Err(); err != nil && !errors.Is(err, packet.ErrUnexpectedEOF) && !errors.Is(err, io.EOF) {
		log.Printf("readRequest: clientId=%s, err=%v", c.ID, err)
	}
}

func (c *conn) handleConnect(ctx context.Context, pkt *packet.CONNECT) error {
	srv := c.server
	// 协议级别不为 4 时返回 0x01 并断开连接 [MQTT-3.1.2-2]
	if pkt.Version != packet.VERSION311 {
		_ = c.writePacket(&packet.CONNACK{ReturnCode: packet.Err3UnacceptableProtocolVersion})
		return &ConnackError{Code: packet.Err3UnacceptableProtocolVersion}
	}

	clientID := pkt.ClientID
	if clientID == "" {
		// 客户端标识符为空时由服务端分配, 此时 CleanSession 必须为 1
		clientID = "opifex-" + requests.GenId()
	}
	if code := srv.authenticate(ctx, clientID, pkt.Username, pkt.Password); code != packet.CodeAccepted {
		log.Printf("client auth failed: clientId=%s, username=%s, remote=%s, reason=%v", clientID, pkt.Username, c.remoteAddr, code)
		_ = c.writePacket(&packet.CONNACK{ReturnCode: code})
		return &ConnackError{Code: code}
	}
	log.Printf("client auth ok: clientId=%s, username=%s, remote=%s", clientID, pkt.Username, c.remoteAddr)

	c.ID = clientID
	c.ctx = context.WithValue(ctx, clientIDKey{}, clientID)
	c.will = pkt.Will
	if old := srv.trackSession(c); old != nil {
		log.Printf("client session taken over: clientId=%s, old=%s, new=%s", clientID, old.remoteAddr, c.remoteAddr)
		old.takeover()
	}
	store, existed := srv.Persistence.RegisterClient(clientID, c, pkt.CleanSession)
	c.connected.Store(true)

	if err := c.writePacket(&packet.CONNACK{SessionPresent: existed}); err != nil {
		return err
	}
	close(c.ready)
	log.Printf("client connected: clientId=%s, clean=%t, sessionPresent=%t, keepAlive=%d", clientID, pkt.CleanSession, existed, pkt.KeepAlive)

	srv.broadcast(TopicConnect, []byte(clientID))

	if pkt.KeepAlive > 0 {
		// 1.5 倍保持连接时间内未收到任何报文则断开连接 [MQTT-3.1.2-24]
		timeout := time.Duration(pkt.KeepAlive) * time.Second * 3 / 2
		c.keepAlive = time.AfterFunc(timeout, func() {
			log.Printf("client keepalive timeout: clientId=%s, remote=%s", c.ID, c.remoteAddr)
			_ = c.framer.Close()
		})
		c.keepAliveTimeout = timeout
	}
	return c.replay(store)
}

// replay resends a resumed session's unacknowledged packets: PUBREL first,
// then PUBLISH with DUP set.
func (c *conn) replay(store *persistence.Store) error {
	for _, id := range store.AckOutgoing() {
		if err := c.writePacket(&packet.PUBREL{PacketID: id}); err != nil {
			return err
		}
	}
	for _, pkt := range store.Outgoing() {
		if pub, ok := pkt.(*packet.PUBLISH); ok {
			pub.Dup = true
		}
		if err := c.writePacket(pkt); err != nil {
			return err
		}
	}
	return nil
}

func (c *conn) resetKeepAlive() {
	if c.keepAlive != nil {
		c.keepAlive.Reset(c.keepAliveTimeout)
	}
}

func (c *conn) publish(pub *packet.PUBLISH) {
	if err := c.server.Persistence.Publish(pub); err != nil {
		log.Printf("publish err: clientId=%s, topic=%s, err=%v", c.ID, pub.Topic, err)
	}
}

func (c *conn) handle(req packet.Packet) error {
	srv := c.server
	store, ok := srv.Persistence.Store(c.ID)
	if !ok {
		return fmt.Errorf("mqtt: session %s removed", c.ID)
	}
	switch pkt := req.(type) {
	case *packet.PUBLISH:
		if c.limiter != nil {
			if err := c.limiter.Wait(c.ctx); err != nil {
				return err
			}
		}
		// 客户端不允许发布以 $ 开头的主题
		allowed := !topic.IsReserved(pkt.Topic) && srv.authorizePublish(c.ctx, pkt.Topic)
		if !allowed {
			stat.PublishDropped.Inc()
			log.Printf("client publish denied: clientId=%s, topic=%s", c.ID, pkt.Topic)
		}
		switch pkt.QoS {
		case 0:
			if allowed {
				c.publish(pkt)
			}
			return nil
		case 1:
			if allowed {
				c.publish(pkt)
			}
			return c.writePacket(&packet.PUBACK{PacketID: pkt.PacketID})
		default:
			// QoS 2: 暂存至 PUBREL 到达再路由, 重复的 PUBLISH 只回 PUBREC
			if allowed {
				store.PutIncoming(pkt)
			}
			return c.writePacket(&packet.PUBREC{PacketID: pkt.PacketID})
		}
	case *packet.PUBACK:
		store.TakeOutgoing(pkt.PacketID)
		return nil
	case *packet.PUBREC:
		store.Release(pkt.PacketID)
		return c.writePacket(&packet.PUBREL{PacketID: pkt.PacketID})
	case *packet.PUBREL:
		if pub, ok := store.TakeIncoming(pkt.PacketID); ok {
			c.publish(pub)
		}
		return c.writePacket(&packet.PUBCOMP{PacketID: pkt.PacketID})
	case *packet.PUBCOMP:
		store.TakeAckOutgoing(pkt.PacketID)
		return nil
	case *packet.SUBSCRIBE:
		return c.handleSubscribe(pkt)
	case *packet.UNSUBSCRIBE:
		for _, filter := range pkt.TopicFilters {
			srv.Persistence.Unsubscribe(c.ID, filter)
		}
		log.Printf("client unsubscribed: clientId=%s, remote=%s, topics=%v", c.ID, c.remoteAddr, pkt.TopicFilters)
		return c.writePacket(&packet.UNSUBACK{PacketID: pkt.PacketID})
	case *packet.PINGREQ:
		// 服务端必须发送 PINGRESP报文响应客户端的PINGREQ报文 [MQTT-3.12.4-1]。
		return c.writePacket(&packet.PINGRESP{})
	case *packet.DISCONNECT:
		// 记录客户端主动断开连接日志
		log.Printf("client requested disconnect: clientId=%s, remote=%s", c.ID, c.remoteAddr)
		c.takeWill() // 服务端在收到DISCONNECT报文时: 必须丢弃任何与当前连接关联的未发布的遗嘱消息 [MQTT-3.14.4-3]。
		return errClientDisconnect
	default:
		return violation("unexpected %s from client", packet.Kind[req.Kind()])
	}
}

func (c *conn) handleSubscribe(pkt *packet.SUBSCRIBE) error {
	srv := c.server
	codes := make([]packet.ReasonCode, len(pkt.Subscriptions))
	granted := make([]packet.Subscription, 0, len(pkt.Subscriptions))
	var failed []string
	for i, sub := range pkt.Subscriptions {
		if !srv.authorizeSubscribe(c.ctx, sub.TopicFilter) {
			codes[i] = packet.SubackFailure
			failed = append(failed, sub.TopicFilter)
			continue
		}
		if err := srv.Persistence.Subscribe(c.ID, sub.TopicFilter, sub.MaximumQoS); err != nil {
			codes[i] = packet.SubackFailure
			failed = append(failed, sub.TopicFilter)
			continue
		}
		codes[i] = packet.ReasonCode(sub.MaximumQoS)
		granted = append(granted, sub)
	}

	// 记录订阅日志
	if len(granted) > 0 {
		log.Printf("client subscribed: clientId=%s, remote=%s, subscriptions=%d", c.ID, c.remoteAddr, len(granted))
	}
	if len(failed) > 0 {
		log.Printf("client subscription failed: clientId=%s, remote=%s, failed_topics=%v", c.ID, c.remoteAddr, failed)
	}

	// SUBACK 的返回码顺序必须与 SUBSCRIBE 中的主题过滤器顺序一致 [MQTT-3.9.3-1]
	if err := c.writePacket(&packet.SUBACK{PacketID: pkt.PacketID, ReasonCodes: codes}); err != nil {
		return err
	}
	if len(granted) == 0 {
		return nil
	}
	return srv.Persistence.HandleRetained(c.ID, granted)
}
