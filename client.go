package mqtt

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log"
	"maps"
	"math"
	"math/rand/v2"
	"net"
	"net/url"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/golang-io/opifex/packet"
	"github.com/golang-io/opifex/persistence"
	"golang.org/x/net/websocket"
	"golang.org/x/sync/errgroup"
)

// State 客户端会话状态: offline → connecting → connected → disconnecting → disconnected.
//
// The chain is linear with one exception: when a connected client loses its
// connection and reconnects, it goes back to StateConnecting. StateDisconnecting
// is only ever followed by StateDisconnected, which is final.
type State int32

const (
	StateOffline State = iota
	// StateConnecting covers the first dial and every reconnect after a lost connection.
	StateConnecting
	StateConnected
	StateDisconnecting
	StateDisconnected
)

func (s State) String() string {
	switch s {
	case StateOffline:
		return "offline"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDisconnecting:
		return "disconnecting"
	case StateDisconnected:
		return "disconnected"
	}
	return fmt.Sprintf("State(%d)", int32(s))
}

// phase is how far a single connection attempt got.
type phase int

const (
	phaseDial      phase = iota // transport could not be established
	phaseHandshake              // transport up, no successful CONNACK
	phaseConnected              // CONNACK accepted
)

// A Client is an MQTT client session. It owns one connection at a time and
// reconnects with clean=false after a connection loss, so QoS 1 and 2 state
// survives. Clients are safe for concurrent use by multiple goroutines.
type Client struct {
	// URL is the broker address: mqtt://, tcp://, mqtts://, tls://, ws:// or wss://.
	URL *url.URL

	// DialContext specifies the dial function for creating unencrypted TCP connections.
	// If DialContext is nil, the client dials using package net.
	DialContext func(ctx context.Context, network, addr string) (net.Conn, error)

	// DialTLSContext specifies an optional dial function for creating TLS connections.
	// The returned net.Conn is assumed to already be past the TLS handshake.
	DialTLSContext func(ctx context.Context, network, addr string) (net.Conn, error)

	// TLSClientConfig specifies the TLS configuration to use with tls.Client.
	// If nil, the default configuration is used.
	TLSClientConfig *tls.Config

	options  Options
	store    *persistence.Store
	inflight *inflight
	state    atomic.Int32

	mu     sync.Mutex
	framer *packet.Framer // nil unless connected
	cancel context.CancelFunc

	done     chan struct{}
	doneOnce sync.Once

	lastSend atomic.Int64 // unix nano
	lastRecv atomic.Int64

	onMessage atomic.Pointer[func(*packet.PUBLISH)]
	messages  chan *packet.PUBLISH
}

func New(opts ...Option) *Client {
	options := newOptions(opts...)
	client := &Client{
		options:  options,
		store:    persistence.NewStore(),
		inflight: newInflight(),
		done:     make(chan struct{}),
		messages: make(chan *packet.PUBLISH, 1024),
	}

	var err error
	if client.URL, err = url.Parse(options.URL); err != nil {
		panic(err)
	}

	// 记录客户端创建日志
	log.Printf("client created: client_id=%s, server=%s", options.ClientID, options.URL)
	return client
}

func (c *Client) ID() string {
	return c.options.ClientID
}

func (c *Client) State() State {
	return State(c.state.Load())
}

// setState moves the client to s. Once disconnecting, the client only moves forward.
func (c *Client) setState(s State) bool {
	for {
		cur := State(c.state.Load())
		if cur >= StateDisconnecting && s < cur {
			return false
		}
		if c.state.CompareAndSwap(int32(cur), int32(s)) {
			return true
		}
	}
}

// OnMessage sets the handler for inbound messages. Messages are handed over
// one at a time in arrival order; QoS 2 messages arrive at their PUBREL.
func (c *Client) OnMessage(fn func(*packet.PUBLISH)) {
	c.onMessage.Store(&fn)
}

func (c *Client) currentFramer() *packet.Framer {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.framer
}

func (c *Client) dial(ctx context.Context, scheme, addr string) (net.Conn, error) {
	// 用户自定义拨号优先
	if c.DialContext != nil && (scheme == "tcp" || scheme == "mqtt") {
		con, err := c.DialContext(ctx, "tcp", addr)
		if con == nil && err == nil {
			err = errors.New("mqtt: Transport.DialContext hook returned (nil, nil)")
		}
		return con, err
	}
	if c.DialTLSContext != nil && (scheme == "tls" || scheme == "mqtts") {
		con, err := c.DialTLSContext(ctx, "tcp", addr)
		if con == nil && err == nil {
			err = errors.New("mqtt: Transport.DialTLSContext hook returned (nil, nil)")
		}
		return con, err
	}

	switch scheme {
	case "mqtt", "tcp":
		return (&net.Dialer{}).DialContext(ctx, "tcp", addr)
	case "mqtts", "tls":
		return (&tls.Dialer{Config: c.TLSClientConfig}).DialContext(ctx, "tcp", addr)
	case "ws", "wss":
		// 构造 WebSocket URL，默认路径 /mqtt
		path := c.URL.Path
		if path == "" {
			path = "/mqtt"
		}
		loc := &url.URL{Scheme: scheme, Host: addr, Path: path}
		// 兼容 Origin 要求
		originScheme := "http"
		if scheme == "wss" {
			originScheme = "https"
		}
		origin := &url.URL{Scheme: originScheme, Host: addr}

		cfg, err := websocket.NewConfig(loc.String(), origin.String())
		if err != nil {
			return nil, err
		}
		// 协商 mqtt 子协议，二进制帧
		cfg.Protocol = []string{"mqtt"}
		if scheme == "wss" {
			cfg.TlsConfig = c.TLSClientConfig
		}
		ws, err := websocket.DialConfig(cfg)
		if err != nil {
			return nil, err
		}
		ws.PayloadType = websocket.BinaryFrame
		return ws, nil
	default:
		return nil, fmt.Errorf("mqtt: unsupported scheme %q", scheme)
	}
}

// backoff returns the wait before reconnect attempt n (0-based):
// min(max, (1+jitter) * base * 1.5^n).
func (c *Client) backoff(n int) time.Duration {
	d := (1 + rand.Float64()) * float64(c.options.ReconnectDelay) * math.Pow(1.5, float64(n))
	return min(c.options.MaxReconnectDelay, time.Duration(d))
}

// Connect starts the session and returns once the broker accepted CONNECT.
// Transport failures are retried Retries times with backoff; a refused
// CONNACK or a handshake failure is returned at once. After Connect returns
// nil the client keeps reconnecting in the background until Disconnect or
// Close, or until AutoReconnect is off and the connection drops.
func (c *Client) Connect(ctx context.Context) error {
	if !c.state.CompareAndSwap(int32(StateOffline), int32(StateConnecting)) {
		return fmt.Errorf("mqtt: client already started: state=%s", c.State())
	}
	log.Printf("client attempting to connect: client_id=%s, server=%s", c.options.ClientID, c.URL.Host)

	runCtx, cancel := context.WithCancel(context.Background())
	c.mu.Lock()
	c.cancel = cancel
	c.mu.Unlock()

	result := make(chan error, 1)
	go c.dispatch()
	go c.run(runCtx, result)

	select {
	case err := <-result:
		return err
	case <-ctx.Done():
		log.Printf("client connect timeout: client_id=%s", c.options.ClientID)
		cancel()
		<-c.done
		return ctx.Err()
	}
}

func (c *Client) run(ctx context.Context, result chan<- error) {
	var err error
	resolved := false
	resolve := func(err error) {
		if !resolved {
			resolved = true
			result <- err
		}
	}
	defer func() {
		resolve(err)
		c.finish(err)
	}()

	clean, attempt := c.options.Clean, 0
	for {
		c.setState(StateConnecting)
		var ph phase
		ph, err = c.session(ctx, clean, func() { resolve(nil) })
		if ctx.Err() != nil {
			err = ErrClientClosed
			return
		}
		switch ph {
		case phaseConnected:
			log.Printf("client connection lost: client_id=%s, error=%v", c.options.ClientID, err)
			clean, attempt = false, 0
			if !c.options.AutoReconnect {
				return
			}
		case phaseHandshake:
			var refused *ConnackError
			if !resolved || errors.As(err, &refused) {
				return
			}
		case phaseDial:
		}
		if attempt >= c.options.Retries {
			log.Printf("client reconnect gave up: client_id=%s, attempts=%d, error=%v", c.options.ClientID, attempt, err)
			return
		}
		delay := c.backoff(attempt)
		attempt++
		log.Printf("client reconnecting: client_id=%s, attempt=%d, delay=%s", c.options.ClientID, attempt, delay)
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			err = ErrClientClosed
			return
		case <-timer.C:
		}
	}
}

// finish ends the session for good and rejects everything still waiting.
func (c *Client) finish(err error) {
	c.setState(StateDisconnected)
	if err == nil || errors.Is(err, ErrClientClosed) {
		err = ErrClientClosed
	} else {
		err = fmt.Errorf("%w: %w", ErrClientClosed, err)
	}
	c.inflight.rejectAll(err)
	c.closeDone()
	log.Printf("client closed: client_id=%s", c.options.ClientID)
}

func (c *Client) closeDone() {
	c.doneOnce.Do(func() { close(c.done) })
}

// session runs one connection: dial, CONNECT, CONNACK, then packets until the
// connection fails or ctx is done.
func (c *Client) session(ctx context.Context, clean bool, onConnack func()) (phase, error) {
	// 记录网络连接尝试日志
	log.Printf("client attempting to dial: client_id=%s, server=%s", c.options.ClientID, c.URL.Host)
	rwc, err := c.dial(ctx, c.URL.Scheme, c.URL.Host)
	if err != nil {
		log.Printf("client dial failed: client_id=%s, server=%s, error=%v", c.options.ClientID, c.URL.Host, err)
		return phaseDial, err
	}

	f := packet.NewFramer(rwc, c.options.MaxPacketSize)
	f.SetVersion(c.options.Version)
	sctx, cancel := context.WithCancel(ctx)
	group, gctx := errgroup.WithContext(sctx)
	group.Go(func() error {
		<-gctx.Done()
		_ = f.Close()
		return nil
	})
	defer func() {
		cancel()
		_ = group.Wait()
	}()

	c.lastRecv.Store(time.Now().UnixNano())
	connect := &packet.CONNECT{
		CleanSession: clean,
		KeepAlive:    c.options.KeepAlive,
		ClientID:     c.options.ClientID,
		Will:         c.options.Will,
		Username:     c.options.Username,
		Password:     c.options.Password,
	}
	if err := c.send(f, connect); err != nil {
		log.Printf("client connect packet send failed: client_id=%s, error=%v", c.options.ClientID, err)
		return phaseHandshake, err
	}

	var failure error
	up := false
	for pkt := range f.Packets() {
		c.lastRecv.Store(time.Now().UnixNano())
		if up {
			if failure = c.handle(f, pkt); failure != nil {
				break
			}
			continue
		}
		// 收到 CONNACK 之前的任何其他报文都是协议错误
		connack, ok := pkt.(*packet.CONNACK)
		if !ok {
			return phaseHandshake, violation("%s before CONNACK", packet.Kind[pkt.Kind()])
		}
		if connack.ReturnCode != packet.CodeAccepted {
			log.Printf("client connect failed: client_id=%s, return_code=%v", c.options.ClientID, connack.ReturnCode)
			return phaseHandshake, &ConnackError{Code: connack.ReturnCode}
		}
		up = true
		if failure = c.established(f); failure != nil {
			break
		}
		c.setState(StateConnected)
		log.Printf("client connected successfully: client_id=%s, server=%s, session_present=%t", c.options.ClientID, c.URL.Host, connack.SessionPresent)
		onConnack()
		if c.options.KeepAlive > 0 {
			group.Go(func() error {
				return c.keepalive(gctx, f)
			})
		}
		if !clean && !connack.SessionPresent {
			group.Go(func() error {
				c.resubscribe(gctx)
				return nil
			})
		}
	}

	c.mu.Lock()
	if c.framer == f {
		c.framer = nil
	}
	c.mu.Unlock()
	cancel()

	if err := group.Wait(); failure == nil {
		failure = err
	}
	if failure == nil {
		failure = f.Err()
	}
	if failure == nil {
		failure = ErrNotConnected
	}
	if !up {
		return phaseHandshake, failure
	}
	return phaseConnected, failure
}

// established flushes the session store and publishes f as the live framer.
// Second-stage PUBRELs go first, then unacknowledged packets with DUP set.
// Holding c.mu keeps new requests out of the flush until f is published.
func (c *Client) established(f *packet.Framer) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, id := range c.store.AckOutgoing() {
		if err := c.send(f, &packet.PUBREL{PacketID: id}); err != nil {
			return err
		}
	}
	for _, pkt := range c.store.Outgoing() {
		if pub, ok := pkt.(*packet.PUBLISH); ok {
			pub.Dup = true
		}
		if err := c.send(f, pkt); err != nil {
			var ee *packet.EncoderError
			if !errors.As(err, &ee) {
				return err
			}
			id := packetID(pkt)
			c.store.TakeOutgoing(id)
			c.inflight.resolve(id, ackResult{err: err})
		}
	}
	c.framer = f
	return nil
}

// resubscribe restores the subscriptions of a session the broker forgot.
func (c *Client) resubscribe(ctx context.Context) {
	grants := c.store.Subscriptions()
	if len(grants) == 0 {
		return
	}
	subs := make([]packet.Subscription, 0, len(grants))
	for _, filter := range slices.Sorted(maps.Keys(grants)) {
		subs = append(subs, packet.Subscription{TopicFilter: filter, MaximumQoS: grants[filter]})
	}
	if _, err := c.Subscribe(ctx, subs...); err != nil {
		log.Printf("client resubscribe failed: client_id=%s, error=%v", c.options.ClientID, err)
	}
}

func packetID(pkt packet.Packet) uint16 {
	switch p := pkt.(type) {
	case *packet.PUBLISH:
		return p.PacketID
	case *packet.SUBSCRIBE:
		return p.PacketID
	case *packet.UNSUBSCRIBE:
		return p.PacketID
	}
	return 0
}

func (c *Client) send(f *packet.Framer, pkt packet.Packet) error {
	if err := f.WritePacket(pkt); err != nil {
		return err
	}
	c.lastSend.Store(time.Now().UnixNano())
	return nil
}

// keepalive sends PINGREQ when nothing was sent for a whole interval and
// drops the connection when nothing was received for 1.5 intervals.
// keepalive sends PINGREQ once nothing has been written for a full interval
// and gives up when a PINGREQ goes a full interval without any reply.
func (c *Client) keepalive(ctx context.Context, f *packet.Framer) error {
	interval := time.Duration(c.options.KeepAlive) * time.Second
	timer := time.NewTimer(interval)
	defer timer.Stop()
	var pinged time.Time // last unanswered PINGREQ
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-timer.C:
		}
		now := time.Now()
		if !pinged.IsZero() {
			if time.Unix(0, c.lastRecv.Load()).After(pinged) {
				pinged = time.Time{}
			} else if now.Sub(pinged) >= interval {
				log.Printf("client keepalive timeout: client_id=%s", c.options.ClientID)
				return ErrKeepAliveTimeout
			}
		}
		wait := interval - now.Sub(time.Unix(0, c.lastSend.Load()))
		if wait <= 0 {
			if pinged.IsZero() {
				pinged = time.Now()
				if err := c.send(f, &packet.PINGREQ{}); err != nil {
					return err
				}
			}
			wait = interval
		}
		if !pinged.IsZero() {
			wait = min(wait, interval-time.Since(pinged))
		}
		timer.Reset(wait)
	}
}

func (c *Client) handle(f *packet.Framer, pkt packet.Packet) error {
	switch p := pkt.(type) {
	case *packet.PUBLISH:
		switch p.QoS {
		case 0:
			c.deliver(p)
		case 1:
			c.deliver(p)
			return c.send(f, &packet.PUBACK{PacketID: p.PacketID})
		default:
			// QoS 2: 暂存至 PUBREL 到达再交付
			c.store.PutIncoming(p)
			return c.send(f, &packet.PUBREC{PacketID: p.PacketID})
		}
	case *packet.PUBREL:
		if pub, ok := c.store.TakeIncoming(p.PacketID); ok {
			c.deliver(pub)
		}
		return c.send(f, &packet.PUBCOMP{PacketID: p.PacketID})
	case *packet.PUBACK:
		if _, ok := c.store.TakeOutgoing(p.PacketID); ok {
			c.inflight.resolve(p.PacketID, ackResult{codes: []packet.ReasonCode{p.ReasonCode}})
		}
	case *packet.PUBREC:
		if p.ReasonCode.Failed() {
			c.store.TakeOutgoing(p.PacketID)
			c.inflight.resolve(p.PacketID, ackResult{codes: []packet.ReasonCode{p.ReasonCode}})
			return nil
		}
		c.store.Release(p.PacketID)
		return c.send(f, &packet.PUBREL{PacketID: p.PacketID})
	case *packet.PUBCOMP:
		if c.store.TakeAckOutgoing(p.PacketID) {
			c.inflight.resolve(p.PacketID, ackResult{codes: []packet.ReasonCode{p.ReasonCode}})
		}
	case *packet.SUBACK:
		req, ok := c.store.TakeOutgoing(p.PacketID)
		if !ok {
			return nil
		}
		if sub, ok := req.(*packet.SUBSCRIBE); ok {
			for i, s := range sub.Subscriptions {
				if i < len(p.ReasonCodes) && !p.ReasonCodes[i].Failed() {
					c.store.Subscribe(s.TopicFilter, byte(p.ReasonCodes[i]))
				}
			}
		}
		c.inflight.resolve(p.PacketID, ackResult{codes: p.ReasonCodes})
	case *packet.UNSUBACK:
		req, ok := c.store.TakeOutgoing(p.PacketID)
		if !ok {
			return nil
		}
		if unsub, ok := req.(*packet.UNSUBSCRIBE); ok {
			for _, filter := range unsub.TopicFilters {
				c.store.Unsubscribe(filter)
			}
		}
		c.inflight.resolve(p.PacketID, ackResult{codes: p.ReasonCodes})
	case *packet.PINGRESP:
	case *packet.DISCONNECT:
		return fmt.Errorf("mqtt: server disconnect: %w", p.ReasonCode)
	default:
		return violation("unexpected %s from server", packet.Kind[pkt.Kind()])
	}
	return nil
}

func (c *Client) deliver(pub *packet.PUBLISH) {
	// 记录接收消息日志
	log.Printf("client received: client_id=%s, topic=%s, qos=%d, size=%d", c.options.ClientID, pub.Topic, pub.QoS, len(pub.Payload))
	select {
	case c.messages <- pub:
	case <-c.done:
	}
}

func (c *Client) dispatch() {
	for {
		select {
		case pub := <-c.messages:
			if fn := c.onMessage.Load(); fn != nil && *fn != nil {
				(*fn)(pub)
			}
		case <-c.done:
			return
		}
	}
}

func (c *Client) active() bool {
	s := c.State()
	return s == StateConnecting || s == StateConnected
}

// request records pkt in the session store and waits for its terminal
// acknowledgement. Without a live connection the packet waits for the next one.
func (c *Client) request(ctx context.Context, pkt packet.Packet) ([]packet.ReasonCode, error) {
	c.mu.Lock()
	id, err := c.store.Reserve(pkt)
	if err != nil {
		c.mu.Unlock()
		return nil, err
	}
	wait := c.inflight.add(id)
	f := c.framer
	c.mu.Unlock()

	if f != nil {
		if err := c.send(f, pkt); err != nil {
			var ee *packet.EncoderError
			if errors.As(err, &ee) {
				c.store.TakeOutgoing(id)
				c.inflight.remove(id)
				return nil, err
			}
		}
	}
	select {
	case res := <-wait:
		return res.codes, res.err
	case <-c.done:
		c.inflight.remove(id)
		return nil, ErrClientClosed
	case <-ctx.Done():
		c.inflight.remove(id)
		return nil, ctx.Err()
	}
}

// Publish sends pkt. QoS 0 returns once written; QoS 1 and 2 return when
// PUBACK or PUBCOMP arrives. pkt is not modified.
func (c *Client) Publish(ctx context.Context, pkt *packet.PUBLISH) error {
	if !c.active() {
		return ErrNotConnected
	}
	if pkt.QoS > 2 {
		return fmt.Errorf("mqtt: invalid qos %d", pkt.QoS)
	}
	// 记录发布消息日志
	log.Printf("client publish: client_id=%s, topic=%s, qos=%d, size=%d", c.options.ClientID, pkt.Topic, pkt.QoS, len(pkt.Payload))
	pub := pkt.Clone()
	pub.Dup = false
	if pub.QoS == 0 {
		pub.PacketID = 0
		f := c.currentFramer()
		if f == nil {
			return ErrNotConnected
		}
		return c.send(f, pub)
	}
	codes, err := c.request(ctx, pub)
	if err != nil {
		log.Printf("client publish: client_id=%s, topic=%s, error=%v", c.options.ClientID, pkt.Topic, err)
		return err
	}
	if len(codes) > 0 && codes[0].Failed() {
		return codes[0]
	}
	return nil
}

// Subscribe sends one SUBSCRIBE and returns the granted QoS (or failure
// code) for each subscription, in request order.
func (c *Client) Subscribe(ctx context.Context, subs ...packet.Subscription) ([]packet.ReasonCode, error) {
	if len(subs) == 0 {
		return nil, errors.New("mqtt: no subscriptions")
	}
	if !c.active() {
		return nil, ErrNotConnected
	}
	// 记录订阅尝试日志
	topics := make([]string, 0, len(subs))
	for _, sub := range subs {
		topics = append(topics, sub.TopicFilter)
	}
	log.Printf("client attempting to subscribe: client_id=%s, topics=%v", c.options.ClientID, topics)

	codes, err := c.request(ctx, &packet.SUBSCRIBE{Subscriptions: slices.Clone(subs)})
	if err != nil {
		log.Printf("client subscribe failed: client_id=%s, error=%v", c.options.ClientID, err)
		return nil, err
	}
	log.Printf("client subscribed successfully: client_id=%s, topics=%v, codes=%v", c.options.ClientID, topics, codes)
	return codes, nil
}

// Unsubscribe sends one UNSUBSCRIBE for filters and waits for UNSUBACK.
func (c *Client) Unsubscribe(ctx context.Context, filters ...string) error {
	if len(filters) == 0 {
		return errors.New("mqtt: no topic filters")
	}
	if !c.active() {
		return ErrNotConnected
	}
	codes, err := c.request(ctx, &packet.UNSUBSCRIBE{TopicFilters: slices.Clone(filters)})
	if err != nil {
		return err
	}
	for _, code := range codes {
		if code.Failed() {
			return code
		}
	}
	log.Printf("client unsubscribed successfully: client_id=%s, topics=%v", c.options.ClientID, filters)
	return nil
}

func (c *Client) stop() {
	c.mu.Lock()
	cancel := c.cancel
	c.mu.Unlock()
	if cancel != nil {
		cancel()
		return
	}
	c.setState(StateDisconnected)
	c.closeDone()
}

// Disconnect sends DISCONNECT, so the broker drops the will, and ends the session.
func (c *Client) Disconnect(ctx context.Context) error {
	// 记录断开连接日志
	log.Printf("client attempting to disconnect: client_id=%s", c.options.ClientID)
	if c.State() == StateDisconnected {
		return nil
	}
	c.setState(StateDisconnecting)
	var err error
	if f := c.currentFramer(); f != nil {
		if err = c.send(f, &packet.DISCONNECT{}); err != nil {
			log.Printf("client disconnect packet send failed: client_id=%s, error=%v", c.options.ClientID, err)
		}
	}
	c.stop()
	select {
	case <-c.done:
	case <-ctx.Done():
		return ctx.Err()
	}
	log.Printf("client disconnected successfully: client_id=%s", c.options.ClientID)
	return err
}

// Close drops the connection without DISCONNECT; the broker publishes the will.
func (c *Client) Close() error {
	c.setState(StateDisconnecting)
	c.stop()
	<-c.done
	return nil
}

// Done is closed when the session has ended for good.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// ConnectAndSubscribe connects, subscribes to the configured subscriptions
// and blocks until ctx is done or the session ends.
func (c *Client) ConnectAndSubscribe(ctx context.Context) error {
	if err := c.Connect(ctx); err != nil {
		return err
	}
	if subs := c.options.Subscriptions; len(subs) > 0 {
		if _, err := c.Subscribe(ctx, subs...); err != nil {
			return err
		}
	}
	select {
	case <-ctx.Done():
		_ = c.Disconnect(context.Background())
		return ctx.Err()
	case <-c.done:
		return ErrClientClosed
	}
}
