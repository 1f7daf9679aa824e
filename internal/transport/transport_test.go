package transport_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/postalsys/meshline/internal/crypt"
	"github.com/postalsys/meshline/internal/identity"
	"github.com/postalsys/meshline/internal/link"
	"github.com/postalsys/meshline/internal/mesh"
	"github.com/postalsys/meshline/internal/transport"
)

// streamLinkTransport adapts a transport.Stream to link.Transport, the same
// bridge cmd/meshctl uses to hand a byte stream to a framed-mode link.
type streamLinkTransport struct{ stream transport.Stream }

func (t *streamLinkTransport) Send(b []byte) error {
	_, err := t.stream.Write(b)
	return err
}

// pumpFrames reads frame-aligned chunks off stream and feeds them to the
// mesh until the stream closes or the test stops it, mirroring
// cmd/meshctl.pumpStream: a byte-stream transport gives no guarantee that one
// Read returns exactly one wire frame, so reads are buffered and sliced to
// the link's negotiated frame size before reaching the frame layer.
func pumpFrames(t *testing.T, m *mesh.Mesh, mu *sync.Mutex, hn identity.Hashname, stream transport.Stream) {
	t.Helper()
	mu.Lock()
	l, ok := m.Link(hn)
	mu.Unlock()
	if !ok {
		t.Fatalf("pumpFrames: no link registered for %s", hn)
	}
	frameLen := l.FrameSize()

	go func() {
		var pending []byte
		readBuf := make([]byte, 4096)
		for {
			n, err := stream.Read(readBuf)
			if n > 0 {
				pending = append(pending, readBuf[:n]...)
				consumed := 0
				for len(pending)-consumed >= frameLen {
					frame := pending[consumed : consumed+frameLen]
					mu.Lock()
					_ = m.ReceiveFrame(hn, frame)
					mu.Unlock()
					consumed += frameLen
				}
				if consumed > 0 {
					remainder := len(pending) - consumed
					copy(pending, pending[consumed:])
					pending = pending[:remainder]
				}
			}
			if err != nil {
				return
			}
		}
	}()
}

// tickUntilLined drains both links' outbound frames until the exchange
// lines or the deadline passes.
func tickUntilLined(t *testing.T, mu *sync.Mutex, ma, mb *mesh.Mesh, la, lb *link.Link) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		mu.Lock()
		ma.TickFrames()
		mb.TickFrames()
		lined := la.Exchange().Session.Lined != crypt.NotLined && lb.Exchange().Session.Lined != crypt.NotLined
		mu.Unlock()
		if lined {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("exchange never lined: A lined=%v B lined=%v", la.Exchange().Session.Lined, lb.Exchange().Session.Lined)
}

// TestFramedLinkHandshakeOverWebSocket drives a real framed-mode link
// handshake between two meshes over an actual WebSocket loopback connection,
// exercising the WebSocket transport end to end rather than asserting on its
// internals in isolation.
func TestFramedLinkHandshakeOverWebSocket(t *testing.T) {
	certPEM, keyPEM, err := transport.GenerateSelfSignedCert("localhost", time.Hour)
	if err != nil {
		t.Fatalf("generate cert: %v", err)
	}
	serverTLS, err := transport.TLSConfigFromBytes(certPEM, keyPEM)
	if err != nil {
		t.Fatalf("build server tls config: %v", err)
	}

	tr := transport.NewWebSocketTransport()
	defer tr.Close()

	listenOpts := transport.DefaultListenOptions()
	listenOpts.TLSConfig = serverTLS
	ln, err := tr.Listen("127.0.0.1:0", listenOpts)
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	rng := crypt.CryptoRandSource{}
	idA, err := identity.Generate(rng, []crypt.CSID{crypt.CS3a})
	if err != nil {
		t.Fatalf("generate identity A: %v", err)
	}
	idB, err := identity.Generate(rng, []crypt.CSID{crypt.CS3a})
	if err != nil {
		t.Fatalf("generate identity B: %v", err)
	}

	clock := crypt.SystemClock{}
	ma := mesh.New(idA, mesh.Options{FrameSize: 64, MaxFrames: 16}, rng, clock, nil, nil)
	mb := mesh.New(idB, mesh.Options{FrameSize: 64, MaxFrames: 16}, rng, clock, nil, nil)

	acceptCh := make(chan transport.Stream, 1)
	acceptErrCh := make(chan error, 1)
	go func() {
		conn, err := ln.Accept(context.Background())
		if err != nil {
			acceptErrCh <- err
			return
		}
		stream, err := conn.AcceptStream(context.Background())
		if err != nil {
			acceptErrCh <- err
			return
		}
		acceptCh <- stream
	}()

	dialConn, err := tr.Dial(context.Background(), ln.Addr().String(), transport.DefaultDialOptions())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	dialerStream, err := dialConn.OpenStream(context.Background())
	if err != nil {
		t.Fatalf("open stream: %v", err)
	}

	var listenerStream transport.Stream
	select {
	case listenerStream = <-acceptCh:
	case err := <-acceptErrCh:
		t.Fatalf("accept: %v", err)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for inbound connection")
	}

	// The core is single-threaded by contract; the pump goroutines and the
	// tick loop below all serialize through this mutex, the same pattern
	// cmd/meshctl uses.
	var mu sync.Mutex

	if _, err := ma.AddLink(idB, link.ModeFramed, &streamLinkTransport{stream: dialerStream}, nil); err != nil {
		t.Fatalf("A AddLink: %v", err)
	}
	if _, err := mb.AddLink(idA, link.ModeFramed, &streamLinkTransport{stream: listenerStream}, nil); err != nil {
		t.Fatalf("B AddLink: %v", err)
	}

	pumpFrames(t, ma, &mu, idB.Hashname, dialerStream)
	pumpFrames(t, mb, &mu, idA.Hashname, listenerStream)

	if err := ma.Resync(idB.Hashname); err != nil {
		t.Fatalf("A resync: %v", err)
	}
	mu.Lock()
	err = mb.Resync(idA.Hashname)
	mu.Unlock()
	if err != nil {
		t.Fatalf("B resync: %v", err)
	}

	la, ok := ma.Link(idB.Hashname)
	if !ok {
		t.Fatal("expected A's link to exist")
	}
	lb, ok := mb.Link(idA.Hashname)
	if !ok {
		t.Fatal("expected B's link to exist")
	}

	tickUntilLined(t, &mu, ma, mb, la, lb)

	if la.Mode() != link.ModeFramed || lb.Mode() != link.ModeFramed {
		t.Fatal("expected both links to remain in framed mode")
	}

	// A channel opened after lining should reach the peer purely over the
	// WebSocket byte stream, through the frame-reassembly layer.
	mu.Lock()
	id := la.Exchange().NextChannelID()
	_, err = la.Channels().Open(id, "bulk", nil)
	mu.Unlock()
	if err != nil {
		t.Fatalf("open channel: %v", err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		mu.Lock()
		ma.TickFrames()
		mb.TickFrames()
		n := lb.Channels().Len()
		mu.Unlock()
		if n != 0 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	mu.Lock()
	n := lb.Channels().Len()
	mu.Unlock()
	if n != 1 {
		t.Fatalf("expected B to receive the channel open over the websocket stream, got %d channels", n)
	}
}
