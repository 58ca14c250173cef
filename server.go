package mqtt

import (
	"context"
	"crypto/tls"
	"errors"
	"log"
	"math/rand/v2"
	"net"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/golang-io/opifex/packet"
	"github.com/golang-io/opifex/persistence"
	"github.com/golang-io/requests"
	"golang.org/x/net/websocket"
)

// shutdownPollIntervalMax is the max polling interval when checking
// quiescence during Server.Shutdown. Polling starts with a small
// interval and backs off to the max.
const shutdownPollIntervalMax = 500 * time.Millisecond
const size = 64 << 10

const (
	// StateNew represents a new connection that has not sent CONNECT yet.
	// Connections begin at this state and then transition to either
	// StateActive or StateClosed.
	StateNew ConnState = iota

	// StateActive represents a connection that is handling a packet.
	StateActive

	// StateIdle represents a connection waiting for its next packet.
	StateIdle

	// StateClosed represents a closed connection. This is a terminal state.
	StateClosed
)

// ErrAbortHandler is a sentinel panic value to abort a connection.
// Panicking with ErrAbortHandler suppresses logging of a stack trace.
var ErrAbortHandler = errors.New("mqtt: abort Handler")

// A ConnState represents the state of a client connection to a server.
// It's used by the optional [Server.ConnState] hook.
type ConnState int

// A Server accepts MQTT connections and runs a broker session for each one.
// Create it with NewServer.
type Server struct {
	// TLSConfig optionally provides a TLS configuration for use
	// by ServeTLS and ListenAndServeTLS.
	TLSConfig *tls.Config

	// ConnState specifies an optional callback function that is
	// called when a client connection changes state.
	ConnState func(net.Conn, ConnState)

	// ConnContext optionally specifies a function that modifies
	// the context used for a new connection c.
	ConnContext func(ctx context.Context, c net.Conn) context.Context

	// Authenticate 校验 CONNECT 的凭证, 返回 CONNACK 返回码. nil 表示全部放行.
	// Codes outside the MQTT 3.1.1 set are reported as 0x05 not authorized.
	Authenticate func(ctx context.Context, clientID, username string, password []byte) packet.ReasonCode

	// AuthorizePublish may veto a client PUBLISH. A vetoed message is still
	// acknowledged but not routed. nil allows everything.
	AuthorizePublish func(ctx context.Context, topic string) bool

	// AuthorizeSubscribe may refuse a single topic filter of a SUBSCRIBE,
	// which is then answered with 0x80. nil allows everything.
	AuthorizeSubscribe func(ctx context.Context, filter string) bool

	// Persistence holds sessions, subscriptions and retained messages.
	Persistence persistence.Persistence

	ctx     context.Context
	options Options

	inShutdown atomic.Bool // true when server is in shutdown

	mu            sync.RWMutex
	listeners     map[*net.Listener]struct{}
	activeConn    map[*conn]struct{}
	sessions      map[string]*conn // ClientID:conn
	onShutdown    []func()
	listenerGroup sync.WaitGroup
}

// NewServer returns a server backed by in-memory persistence. The server
// shuts down when ctx is done. Options tune MaxPacketSize and PublishRate.
func NewServer(ctx context.Context, opts ...Option) *Server {
	s := &Server{
		Persistence: persistence.NewMemory(),
		ctx:         ctx,
		options:     newOptions(opts...),
		activeConn:  make(map[*conn]struct{}),
		listeners:   make(map[*net.Listener]struct{}),
		sessions:    make(map[string]*conn),
	}

	go func() {
		<-ctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.Shutdown(sctx); err != nil {
			log.Printf("mqtt: shutdown: err=%v", err)
		}
	}()
	return s
}

// RegisterOnShutdown registers a function to call on Shutdown.
func (s *Server) RegisterOnShutdown(f func()) {
	s.mu.Lock()
	s.onShutdown = append(s.onShutdown, f)
	s.mu.Unlock()
}

// Shutdown closes all listeners, then closes idle connections until none is
// left or ctx is done.
func (s *Server) Shutdown(ctx context.Context) error {
	s.inShutdown.Store(true)
	s.mu.Lock()
	lnerr := s.closeListenersLocked()
	for _, f := range s.onShutdown {
		go f()
	}
	s.mu.Unlock()
	s.listenerGroup.Wait()

	pollIntervalBase := time.Millisecond
	nextPollInterval := func() time.Duration {
		// Add 10% jitter.
		interval := pollIntervalBase + time.Duration(rand.IntN(int(pollIntervalBase/10)))
		// Double and clamp for next time.
		pollIntervalBase *= 2
		if pollIntervalBase > shutdownPollIntervalMax {
			pollIntervalBase = shutdownPollIntervalMax
		}
		return interval
	}

	timer := time.NewTimer(nextPollInterval())
	defer timer.Stop()
	for {
		if s.closeIdleConns() {
			return lnerr
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
			timer.Reset(nextPollInterval())
		}
	}
}

// closeIdleConns closes all idle connections and reports whether the
// server is quiescent.
func (s *Server) closeIdleConns() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	quiescent := true
	for c := range s.activeConn {
		st, unixSec := c.getState()
		// Treat StateNew connections as idle if CONNECT has not
		// arrived in over 5 seconds.
		if st == StateNew && unixSec < time.Now().Unix()-5 {
			st = StateIdle
		}
		if st != StateIdle || unixSec == 0 {
			quiescent = false
			continue
		}
		_ = c.framer.Close()
	}
	return quiescent
}

func (s *Server) closeListenersLocked() error {
	var err error
	for ln := range s.listeners {
		if cerr := (*ln).Close(); cerr != nil && err == nil {
			err = cerr
		}
	}
	return err
}

// Create new connection from rwc.
func (s *Server) newConn(rwc net.Conn) *conn {
	c := &conn{
		server: s,
		rwc:    rwc,
		framer: packet.NewFramer(&statConn{Conn: rwc, stat: stat}, s.options.MaxPacketSize),
		ready:  make(chan struct{}),
		done:   make(chan struct{}),
	}
	if s.options.PublishRate > 0 {
		c.limiter = newLimiter(s.options.PublishRate, s.options.PublishBurst)
	}
	return c
}

// Serve accepts incoming connections on the Listener l, creating a
// new service goroutine for each.
//
// Serve always returns a non-nil error and closes l.
// After [Server.Shutdown], the returned error is [ErrServerClosed].
func (s *Server) Serve(l net.Listener) error {
	defer l.Close()

	if !s.trackListener(&l, true) {
		return ErrServerClosed
	}
	defer s.trackListener(&l, false)

	for {
		rw, err := l.Accept()
		if err != nil {
			if s.shuttingDown() {
				return ErrServerClosed
			}
			return err
		}
		go s.ServeConn(rw)
	}
}

// ServeConn runs a broker session on an established connection and returns
// when the session ends.
func (s *Server) ServeConn(rw net.Conn) {
	connCtx := s.ctx
	if cc := s.ConnContext; cc != nil {
		connCtx = cc(connCtx, rw)
		if connCtx == nil {
			panic("ConnContext returned nil")
		}
	}
	c := s.newConn(rw)
	c.setState(c.rwc, StateNew, true)
	c.serve(connCtx)
}

func (s *Server) trackConn(c *conn, add bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if add {
		stat.ActiveConnections.Inc()
		s.activeConn[c] = struct{}{}
	} else if _, ok := s.activeConn[c]; ok {
		stat.ActiveConnections.Dec()
		delete(s.activeConn, c)
	}
}

// trackSession makes c the live connection for its client identifier and
// returns the connection it replaces, if any.
func (s *Server) trackSession(c *conn) *conn {
	s.mu.Lock()
	defer s.mu.Unlock()
	old := s.sessions[c.ID]
	s.sessions[c.ID] = c
	return old
}

func (s *Server) untrackSession(c *conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sessions[c.ID] == c {
		delete(s.sessions, c.ID)
	}
}

// Connected reports whether clientID has a live connection.
func (s *Server) Connected(clientID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.sessions[clientID]
	return ok
}

// RemoveClient drops the live connection of clientID without its will and
// deletes the stored session.
func (s *Server) RemoveClient(clientID string) {
	s.mu.RLock()
	c := s.sessions[clientID]
	s.mu.RUnlock()
	if c != nil {
		c.takeover()
		<-c.done
	}
	s.Persistence.DeregisterClient(clientID)
	log.Printf("client removed: clientId=%s", clientID)
}

// trackListener adds or removes a net.Listener to the set of tracked
// listeners. It reports whether the server is still up.
func (s *Server) trackListener(ln *net.Listener, add bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if add {
		if s.shuttingDown() {
			return false
		}
		s.listeners[ln] = struct{}{}
		s.listenerGroup.Add(1)
	} else {
		delete(s.listeners, ln)
		s.listenerGroup.Done()
	}
	return true
}

func (s *Server) shuttingDown() bool {
	return s.inShutdown.Load()
}

func (s *Server) authenticate(ctx context.Context, clientID, username string, password []byte) packet.ReasonCode {
	if s.Authenticate == nil {
		return packet.CodeAccepted
	}
	code := s.Authenticate(ctx, clientID, username, password)
	if code > packet.Err3NotAuthorized {
		code = packet.Err3NotAuthorized
	}
	return code
}

func (s *Server) authorizePublish(ctx context.Context, name string) bool {
	return s.AuthorizePublish == nil || s.AuthorizePublish(ctx, name)
}

func (s *Server) authorizeSubscribe(ctx context.Context, filter string) bool {
	return s.AuthorizeSubscribe == nil || s.AuthorizeSubscribe(ctx, filter)
}

// broadcast routes a broker-originated message. Reserved topics are allowed.
func (s *Server) broadcast(name string, payload []byte) {
	if err := s.Persistence.Publish(&packet.PUBLISH{Topic: name, Payload: payload}); err != nil {
		log.Printf("broadcast failed: topic=%s, err=%v", name, err)
	}
}

func (s *Server) listen(opts ...Option) (*url.URL, net.Listener, error) {
	if s.shuttingDown() {
		return nil, nil, ErrServerClosed
	}
	options := newOptions(opts...)
	u, err := url.Parse(options.URL)
	if err != nil {
		return nil, nil, err
	}
	ln, err := net.Listen("tcp", u.Host)
	if err != nil {
		return nil, nil, err
	}
	return u, ln, nil
}

func (s *Server) ListenAndServe(opts ...Option) error {
	u, ln, err := s.listen(opts...)
	if err != nil {
		return err
	}
	log.Printf("mqtt serve: %s", u.Host)
	return s.Serve(ln)
}

// ServeTLS is Serve over TLS. certFile and keyFile may be empty when
// TLSConfig already carries a certificate.
func (s *Server) ServeTLS(l net.Listener, certFile, keyFile string) error {
	config := &tls.Config{}
	if s.TLSConfig != nil {
		config = s.TLSConfig.Clone()
	}
	if len(config.Certificates) == 0 || certFile != "" || keyFile != "" {
		cert, err := tls.LoadX509KeyPair(certFile, keyFile)
		if err != nil {
			return err
		}
		config.Certificates = []tls.Certificate{cert}
	}
	return s.Serve(tls.NewListener(l, config))
}

func (s *Server) ListenAndServeTLS(certFile, keyFile string, opts ...Option) error {
	u, ln, err := s.listen(opts...)
	if err != nil {
		return err
	}
	log.Printf("mqtt(s) serve: %s", u.Host)
	return s.ServeTLS(ln, certFile, keyFile)
}

// WebsocketHandler returns the handler that upgrades a request and runs an
// MQTT session on it. 子协议为 "mqtt", 报文以二进制帧传输.
func (s *Server) WebsocketHandler() http.Handler {
	return websocket.Server{
		Handshake: func(config *websocket.Config, r *http.Request) error {
			config.Protocol = []string{"mqtt"}
			return nil
		},
		Handler: func(ws *websocket.Conn) {
			ws.PayloadType = websocket.BinaryFrame
			s.ServeConn(ws)
		},
	}
}

// ListenAndServeWebsocket serves MQTT over WebSocket on the URL path
// (default /mqtt).
func (s *Server) ListenAndServeWebsocket(opts ...Option) error {
	if s.shuttingDown() {
		return ErrServerClosed
	}
	options := newOptions(opts...)
	u, err := url.Parse(options.URL)
	if err != nil {
		return err
	}
	path := u.Path
	if path == "" {
		path = "/mqtt"
	}
	ws := s.WebsocketHandler()
	mux := requests.NewServeMux(requests.URL(u.Host))
	mux.Route(path, func(w http.ResponseWriter, r *http.Request) {
		ws.ServeHTTP(w, r)
	})
	srv := requests.NewServer(s.ctx, mux, requests.OnStart(func(hs *http.Server) {
		log.Printf("websocket serve: %s%s", hs.Addr, path)
	}))
	return srv.ListenAndServe()
}
