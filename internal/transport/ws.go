package transport

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"nhooyr.io/websocket"
)

// WebSocket transport constants.
const (
	wsDefaultPath      = "/mesh"
	wsDefaultReadLimit = 16 * 1024 * 1024 // 16 MB max message size
)

// WebSocketTransport implements Transport over a WebSocket connection.
// WebSocket has no native stream multiplexing, so each PeerConn exposes
// exactly one Stream; a framed-mode link already multiplexes channels on
// top of that one stream via the frame/channel layers, so nothing is lost.
type WebSocketTransport struct {
	mu        sync.Mutex
	listeners []*webSocketListener
	closed    bool
}

// NewWebSocketTransport creates a new WebSocket transport.
func NewWebSocketTransport() *WebSocketTransport {
	return &WebSocketTransport{}
}

// Type returns the transport type.
func (t *WebSocketTransport) Type() TransportType { return TransportWebSocket }

// Dial connects to a remote peer over WebSocket.
func (t *WebSocketTransport) Dial(ctx context.Context, addr string, opts DialOptions) (PeerConn, error) {
	t.mu.Lock()
	closed := t.closed
	t.mu.Unlock()
	if closed {
		return nil, fmt.Errorf("transport closed")
	}

	wsURL := parseWebSocketURL(addr)

	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	dialOpts := &websocket.DialOptions{
		Subprotocols: []string{DefaultWSSubprotocol},
		HTTPClient:   buildHTTPClient(opts),
	}

	conn, _, err := websocket.Dial(ctx, wsURL, dialOpts)
	if err != nil {
		return nil, fmt.Errorf("websocket dial failed: %w", err)
	}
	conn.SetReadLimit(wsDefaultReadLimit)

	return &webSocketPeerConn{conn: conn, isDialer: true}, nil
}

// Listen creates a WebSocket listener.
func (t *WebSocketTransport) Listen(addr string, opts ListenOptions) (Listener, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil, fmt.Errorf("transport closed")
	}
	if opts.TLSConfig == nil && !opts.PlainText {
		return nil, fmt.Errorf("TLS config required for WebSocket listener (use PlainText for reverse-proxy deployments)")
	}

	path := opts.Path
	if path == "" {
		path = wsDefaultPath
	}

	l := &webSocketListener{
		addr:      addr,
		path:      path,
		tlsConfig: opts.TLSConfig,
		connCh:    make(chan *webSocketPeerConn, 16),
		closeCh:   make(chan struct{}),
	}
	if err := l.start(); err != nil {
		return nil, err
	}

	t.listeners = append(t.listeners, l)
	return l, nil
}

// Close shuts down the transport and all listeners.
func (t *WebSocketTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil
	}
	t.closed = true

	var lastErr error
	for _, l := range t.listeners {
		if err := l.Close(); err != nil {
			lastErr = err
		}
	}
	t.listeners = nil
	return lastErr
}

// webSocketListener implements Listener for WebSocket, accepting upgrade
// requests on an HTTP server bound to addr.
type webSocketListener struct {
	addr      string
	path      string
	tlsConfig *tls.Config
	server    *http.Server
	netLn     net.Listener
	connCh    chan *webSocketPeerConn
	closeCh   chan struct{}
	closed    atomic.Bool
}

// start initializes the HTTP server serving the WebSocket upgrade endpoint.
func (l *webSocketListener) start() error {
	mux := http.NewServeMux()
	mux.HandleFunc(l.path, l.handleUpgrade)

	l.server = &http.Server{Addr: l.addr, Handler: mux, TLSConfig: l.tlsConfig}

	ln, err := net.Listen("tcp", l.addr)
	if err != nil {
		return fmt.Errorf("listen failed: %w", err)
	}
	l.netLn = ln

	go func() {
		if l.tlsConfig != nil {
			l.server.ServeTLS(ln, "", "")
		} else {
			l.server.Serve(ln)
		}
	}()
	return nil
}

// handleUpgrade accepts one inbound WebSocket upgrade request.
func (l *webSocketListener) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	if l.closed.Load() {
		http.Error(w, "server closed", http.StatusServiceUnavailable)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		Subprotocols: []string{DefaultWSSubprotocol},
	})
	if err != nil {
		return
	}
	conn.SetReadLimit(wsDefaultReadLimit)

	peerConn := &webSocketPeerConn{conn: conn, isDialer: false}
	select {
	case l.connCh <- peerConn:
	case <-l.closeCh:
		conn.Close(websocket.StatusGoingAway, "server closed")
	}
}

// Accept waits for and returns the next WebSocket connection.
func (l *webSocketListener) Accept(ctx context.Context) (PeerConn, error) {
	select {
	case conn := <-l.connCh:
		return conn, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-l.closeCh:
		return nil, fmt.Errorf("listener closed")
	}
}

// Addr returns the listener's bound address.
func (l *webSocketListener) Addr() net.Addr {
	if l.netLn != nil {
		return l.netLn.Addr()
	}
	return nil
}

// Close stops the listener.
func (l *webSocketListener) Close() error {
	if l.closed.Swap(true) {
		return nil
	}
	close(l.closeCh)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if l.server != nil {
		return l.server.Shutdown(ctx)
	}
	return nil
}

// webSocketPeerConn implements PeerConn for WebSocket: a single bidirectional
// stream, created lazily and shared between OpenStream and AcceptStream.
type webSocketPeerConn struct {
	conn       *websocket.Conn
	isDialer   bool
	streamOnce sync.Once
	stream     *webSocketStream
	closed     atomic.Bool
}

func (c *webSocketPeerConn) OpenStream(ctx context.Context) (Stream, error) {
	c.streamOnce.Do(func() { c.stream = &webSocketStream{conn: c.conn, ctx: context.Background()} })
	return c.stream, nil
}

func (c *webSocketPeerConn) AcceptStream(ctx context.Context) (Stream, error) {
	c.streamOnce.Do(func() { c.stream = &webSocketStream{conn: c.conn, ctx: context.Background()} })
	return c.stream, nil
}

// Close terminates the WebSocket connection.
func (c *webSocketPeerConn) Close() error {
	if c.closed.Swap(true) {
		return nil
	}
	return c.conn.Close(websocket.StatusNormalClosure, "connection closed")
}

// LocalAddr returns the local address (not exposed by the WebSocket library).
func (c *webSocketPeerConn) LocalAddr() net.Addr { return nil }

// RemoteAddr returns the remote address (not exposed by the WebSocket library).
func (c *webSocketPeerConn) RemoteAddr() net.Addr { return nil }

// IsDialer returns true if this side initiated the connection.
func (c *webSocketPeerConn) IsDialer() bool { return c.isDialer }

// TransportType returns the transport protocol type.
func (c *webSocketPeerConn) TransportType() TransportType { return TransportWebSocket }

// webSocketStream adapts a WebSocket connection's binary messages to the
// plain io.Reader/io.Writer a framed-mode link expects.
type webSocketStream struct {
	conn   *websocket.Conn
	ctx    context.Context
	reader io.Reader
	readMu sync.Mutex
	closed atomic.Bool
}

// Read reads data from the current (or next) binary WebSocket message.
func (s *webSocketStream) Read(p []byte) (int, error) {
	s.readMu.Lock()
	if s.reader != nil {
		n, err := s.reader.Read(p)
		if err == io.EOF {
			s.reader = nil
			s.readMu.Unlock()
			if n > 0 {
				return n, nil
			}
		} else {
			s.readMu.Unlock()
			return n, err
		}
	} else {
		s.readMu.Unlock()
	}

	msgType, reader, err := s.conn.Reader(s.ctx)
	if err != nil {
		return 0, err
	}
	if msgType != websocket.MessageBinary {
		return 0, fmt.Errorf("unexpected message type: %v", msgType)
	}

	s.readMu.Lock()
	s.reader = reader
	n, err := s.reader.Read(p)
	if err == io.EOF {
		s.reader = nil
		err = nil
	}
	s.readMu.Unlock()
	return n, err
}

// Write sends p as one binary WebSocket message.
func (s *webSocketStream) Write(p []byte) (int, error) {
	if s.closed.Load() {
		return 0, fmt.Errorf("stream closed")
	}
	if err := s.conn.Write(s.ctx, websocket.MessageBinary, p); err != nil {
		return 0, err
	}
	return len(p), nil
}

// Close fully closes the stream.
func (s *webSocketStream) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	return s.conn.Close(websocket.StatusNormalClosure, "stream closed")
}

// SetDeadline is a no-op: the WebSocket library uses context-based
// cancellation rather than read/write deadlines.
func (s *webSocketStream) SetDeadline(t time.Time) error { return nil }

// parseWebSocketURL turns a bare host:port into a wss:// URL, or passes a
// full ws(s):// URL through unchanged.
func parseWebSocketURL(addr string) string {
	if strings.HasPrefix(addr, "ws://") || strings.HasPrefix(addr, "wss://") {
		return addr
	}
	return "wss://" + addr + wsDefaultPath
}

// buildHTTPClient creates an HTTP client carrying the dial's TLS and proxy
// settings. A nil TLSConfig defaults to skipping certificate verification,
// safe because the channel layer authenticates and encrypts end to end.
func buildHTTPClient(opts DialOptions) *http.Client {
	tlsConfig := opts.TLSConfig
	if tlsConfig == nil {
		tlsConfig = &tls.Config{InsecureSkipVerify: true, MinVersion: tls.VersionTLS13}
	}

	rt := &http.Transport{TLSClientConfig: tlsConfig}
	if opts.ProxyURL != "" {
		if proxyURL, err := url.Parse(opts.ProxyURL); err == nil {
			rt.Proxy = http.ProxyURL(proxyURL)
		}
	}

	return &http.Client{Transport: rt, Timeout: opts.Timeout}
}
