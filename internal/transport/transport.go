// Package transport provides the single pluggable byte-stream transport
// (WebSocket) that a framed-mode link is bridged onto.
package transport

import (
	"context"
	"crypto/tls"
	"io"
	"net"
	"time"
)

// TransportType identifies the transport protocol.
type TransportType string

// TransportWebSocket is the only transport adapter this repository ships;
// see DESIGN.md for the reasoning.
const TransportWebSocket TransportType = "ws"

// Transport creates and accepts peer connections.
type Transport interface {
	// Dial connects to a remote peer.
	Dial(ctx context.Context, addr string, opts DialOptions) (PeerConn, error)

	// Listen creates a listener for incoming connections.
	Listen(addr string, opts ListenOptions) (Listener, error)

	// Type returns the transport type identifier.
	Type() TransportType

	// Close shuts down the transport.
	Close() error
}

// Listener accepts incoming peer connections.
type Listener interface {
	// Accept waits for and returns the next connection.
	Accept(ctx context.Context) (PeerConn, error)

	// Addr returns the listener's network address.
	Addr() net.Addr

	// Close stops the listener.
	Close() error
}

// PeerConn represents a connection to a peer. WebSocket has no native
// stream multiplexing, so a PeerConn exposes exactly one Stream.
type PeerConn interface {
	// OpenStream returns the connection's single outgoing stream.
	OpenStream(ctx context.Context) (Stream, error)

	// AcceptStream returns the connection's single incoming stream.
	AcceptStream(ctx context.Context) (Stream, error)

	// Close terminates the connection.
	Close() error

	// LocalAddr returns the local address.
	LocalAddr() net.Addr

	// RemoteAddr returns the remote address.
	RemoteAddr() net.Addr

	// IsDialer returns true if this side initiated the connection.
	IsDialer() bool

	// TransportType returns the transport protocol type.
	TransportType() TransportType
}

// Stream is a bidirectional byte stream onto which a framed-mode link reads
// and writes fixed-size wire frames.
type Stream interface {
	io.Reader
	io.Writer

	// Close fully closes the stream in both directions.
	Close() error

	// SetDeadline sets read and write deadlines.
	SetDeadline(t time.Time) error
}

// DialOptions contains options for dialing a peer.
type DialOptions struct {
	// TLSConfig is the TLS configuration for the connection. Nil means
	// connect over TLS with certificate verification skipped, which is safe
	// because the channel layer already authenticates and encrypts the
	// protocol payload end to end.
	TLSConfig *tls.Config

	// Timeout is the connection timeout.
	Timeout time.Duration

	// ProxyURL is an optional HTTP proxy URL for the WebSocket dial.
	ProxyURL string
}

// ListenOptions contains options for creating a listener.
type ListenOptions struct {
	// TLSConfig is the TLS configuration for the listener. Required unless
	// PlainText is set.
	TLSConfig *tls.Config

	// PlainText allows a listener with no TLSConfig, for deployments that
	// terminate TLS at a reverse proxy in front of the agent.
	PlainText bool

	// Path is the HTTP path the WebSocket upgrade is served on.
	Path string
}

// DefaultDialOptions returns DialOptions with sensible defaults.
func DefaultDialOptions() DialOptions {
	return DialOptions{
		Timeout: 30 * time.Second,
	}
}

// DefaultListenOptions returns ListenOptions with sensible defaults.
func DefaultListenOptions() ListenOptions {
	return ListenOptions{}
}
