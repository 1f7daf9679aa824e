// Package main provides the CLI entry point for the meshline agent.
package main

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/postalsys/meshline/internal/channel"
	"github.com/postalsys/meshline/internal/config"
	"github.com/postalsys/meshline/internal/crypt"
	"github.com/postalsys/meshline/internal/identity"
	"github.com/postalsys/meshline/internal/link"
	"github.com/postalsys/meshline/internal/lob"
	"github.com/postalsys/meshline/internal/mesh"
	"github.com/postalsys/meshline/internal/meshlog"
	"github.com/postalsys/meshline/internal/meshmetrics"
	"github.com/postalsys/meshline/internal/transport"
)

// Version is set at build time via ldflags.
var Version = "dev"

func main() {
	rootCmd := &cobra.Command{
		Use:     "meshctl",
		Short:   "meshctl - userspace mesh overlay agent",
		Long:    "meshctl runs and inspects a meshline agent: identity management, link handshakes, and channel multiplexing over pluggable transports.",
		Version: Version,
	}

	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(keygenCmd())
	rootCmd.AddCommand(hashnameCmd())
	rootCmd.AddCommand(runCmd())
	rootCmd.AddCommand(demoCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

var defaultCSIDs = []crypt.CSID{crypt.CS1a, crypt.CS2a, crypt.CS3a}

func demoCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "demo",
		Short: "Run a loopback handshake between two in-process meshes",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDemo()
		},
	}
}

// runDemo wires two Mesh instances to each other's Receive method directly,
// skipping any real transport, and drives a handshake plus one channel open
// so a reader can see the protocol's shape without standing up a network.
func runDemo() error {
	rng := crypt.CryptoRandSource{}
	clock := crypt.SystemClock{}

	a, err := identity.Generate(rng, defaultCSIDs)
	if err != nil {
		return err
	}
	b, err := identity.Generate(rng, defaultCSIDs)
	if err != nil {
		return err
	}
	fmt.Printf("agent A hashname: %s\n", a.Hashname)
	fmt.Printf("agent B hashname: %s\n", b.Hashname)

	var meshA, meshB *mesh.Mesh
	meshA = mesh.New(a, mesh.Options{}, rng, clock, nil, nil)
	meshB = mesh.New(b, mesh.Options{}, rng, clock, nil, nil)

	var received *lob.Packet
	onOpenB := func(kind string, id uint32) channel.Handler {
		return func(ch *channel.Channel, pkt *lob.Packet) { received = pkt }
	}

	if _, err := meshA.AddLink(b, link.ModeDatagram, loopbackTransport{to: func(d []byte) error { return meshB.Receive(d) }}, nil); err != nil {
		return err
	}
	if _, err := meshB.AddLink(a, link.ModeDatagram, loopbackTransport{to: func(d []byte) error { return meshA.Receive(d) }}, onOpenB); err != nil {
		return err
	}

	if err := meshA.Resync(b.Hashname); err != nil {
		return fmt.Errorf("A resync: %w", err)
	}
	if err := meshB.Resync(a.Hashname); err != nil {
		return fmt.Errorf("B resync: %w", err)
	}

	la, _ := meshA.Link(b.Hashname)
	lb, _ := meshB.Link(a.Hashname)
	fmt.Printf("A lined: %v, B lined: %v (ciphersuite %s)\n", la.Exchange().Session.Lined != crypt.NotLined, lb.Exchange().Session.Lined != crypt.NotLined, la.Exchange().Session.CSID())

	id := la.Exchange().NextChannelID()
	if _, err := la.Channels().Open(id, "bulk", nil); err != nil {
		return fmt.Errorf("open channel: %w", err)
	}

	if received == nil {
		return fmt.Errorf("demo channel open was not delivered to B")
	}
	kind, _ := received.GetString("type")
	fmt.Printf("B received channel open: type=%s\n", kind)
	return nil
}

type loopbackTransport struct {
	to func([]byte) error
}

func (t loopbackTransport) Send(b []byte) error { return t.to(b) }

func initCmd() *cobra.Command {
	var identityPath string

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Generate or load the agent's identity",
		RunE: func(cmd *cobra.Command, args []string) error {
			id, created, err := identity.LoadOrGenerate(identityPath, crypt.CryptoRandSource{}, defaultCSIDs)
			if err != nil {
				return fmt.Errorf("initialize identity: %w", err)
			}
			if created {
				fmt.Printf("generated new identity at %s\n", identityPath)
			} else {
				fmt.Printf("loaded existing identity from %s\n", identityPath)
			}
			fmt.Printf("hashname: %s\n", id.Hashname)
			return nil
		},
	}
	cmd.Flags().StringVarP(&identityPath, "identity", "i", "./data/identity.json", "path to the identity file")
	return cmd
}

func keygenCmd() *cobra.Command {
	var suite string

	cmd := &cobra.Command{
		Use:   "keygen",
		Short: "Generate a single-ciphersuite key pair and print it",
		RunE: func(cmd *cobra.Command, args []string) error {
			var csid crypt.CSID
			switch suite {
			case "1a":
				csid = crypt.CS1a
			case "2a":
				csid = crypt.CS2a
			case "3a":
				csid = crypt.CS3a
			default:
				return fmt.Errorf("unknown ciphersuite %q (must be 1a, 2a, or 3a)", suite)
			}
			pkt, err := crypt.KeyGen(csid, crypt.CryptoRandSource{})
			if err != nil {
				return fmt.Errorf("generate key pair: %w", err)
			}
			pub, _ := pkt.GetString(csid.String())
			sec, _ := pkt.GetString(csid.String() + "_secret")
			fmt.Printf("{\n  %q: %q,\n  %q: %q\n}\n", csid.String(), pub, csid.String()+"_secret", sec)
			return nil
		},
	}
	cmd.Flags().StringVarP(&suite, "suite", "s", "3a", "ciphersuite to generate for (1a, 2a, 3a)")
	return cmd
}

func hashnameCmd() *cobra.Command {
	var identityPath string

	cmd := &cobra.Command{
		Use:   "hashname",
		Short: "Print the hashname of an identity file",
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := identity.Load(identityPath)
			if err != nil {
				return fmt.Errorf("load identity: %w", err)
			}
			fmt.Println(id.Hashname)
			return nil
		},
	}
	cmd.Flags().StringVarP(&identityPath, "identity", "i", "./data/identity.json", "path to the identity file")
	return cmd
}

func runCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the mesh agent",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			return runAgent(cfg)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "./meshctl.yaml", "path to the configuration file")
	return cmd
}

func runAgent(cfg *config.Config) error {
	log := meshlog.NewLogger(cfg.Agent.LogLevel, cfg.Agent.LogFormat)
	rng := crypt.CryptoRandSource{}

	local, created, err := identity.LoadOrGenerate(cfg.Agent.IdentityPath, rng, defaultCSIDs)
	if err != nil {
		return fmt.Errorf("load identity: %w", err)
	}
	if created {
		log.Info("generated new identity", meshlog.KeyHashname, local.Hashname.String())
	}

	force, err := cfg.Mesh.ForceCSID()
	if err != nil {
		return err
	}

	metrics := meshmetrics.Default()
	m := mesh.New(local, mesh.Options{
		Force:     force,
		FrameSize: cfg.Mesh.FrameSize,
		MaxFrames: cfg.Mesh.MaxFrames,
	}, rng, crypt.SystemClock{}, log, metrics)

	if cfg.Metrics.Enabled {
		go serveMetrics(cfg.Metrics.Address, log)
	}

	// The core is single-threaded by contract: every transport goroutine
	// and the tick loop below go through this mutex, so the mesh only ever
	// runs one call at a time.
	var mu sync.Mutex

	knownPeers := make(map[string]*identity.Identity, len(cfg.Peers))
	for _, pc := range cfg.Peers {
		remote, err := identity.Load(pc.IdentityPath)
		if err != nil {
			log.Error("load peer identity failed", meshlog.KeyError, err, "identity_path", pc.IdentityPath)
			continue
		}
		if pc.Hashname != "" && remote.Hashname.String() != pc.Hashname {
			log.Error("peer identity hashname mismatch", "identity_path", pc.IdentityPath, "expected", pc.Hashname, "got", remote.Hashname.String())
			continue
		}
		knownPeers[remote.Hashname.String()] = remote

		if err := dialPeer(m, &mu, pc, remote, cfg, log); err != nil {
			log.Error("dial peer failed", meshlog.KeyError, err, "address", pc.Address)
		}
	}

	for _, lc := range cfg.Listeners {
		if err := serveListener(m, &mu, lc, cfg, knownPeers, log); err != nil {
			log.Error("listener failed", meshlog.KeyError, err, "address", lc.Address)
		}
	}

	log.Info("meshctl running", meshlog.KeyHashname, local.Hashname.String())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			log.Info("shutting down")
			return nil
		case <-ticker.C:
			mu.Lock()
			m.TickFrames()
			mu.Unlock()
		}
	}
}

func serveMetrics(addr string, log *slog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	log.Info("serving metrics", "address", addr)
	if err := http.ListenAndServe(addr, mux); err != nil {
		log.Error("metrics server stopped", meshlog.KeyError, err)
	}
}

func dialPeer(m *mesh.Mesh, mu *sync.Mutex, pc config.PeerConfig, remote *identity.Identity, cfg *config.Config, log *slog.Logger) error {
	tr, err := newTransport(pc.Transport)
	if err != nil {
		return err
	}
	tlsConfig, err := buildTLSConfig(cfg, &pc.TLS)
	if err != nil {
		return err
	}

	opts := transport.DefaultDialOptions()
	opts.TLSConfig = tlsConfig
	opts.ProxyURL = pc.Proxy

	conn, err := tr.Dial(context.Background(), pc.Address, opts)
	if err != nil {
		return fmt.Errorf("dial %s: %w", pc.Address, err)
	}
	stream, err := conn.OpenStream(context.Background())
	if err != nil {
		return fmt.Errorf("open stream to %s: %w", pc.Address, err)
	}

	// Introduce ourselves with a one-line hashname preamble before any
	// core protocol bytes: a byte-stream transport is inherently 1:1 with
	// one connection, but the acceptor still needs to know which of its
	// configured peers just dialed in before it can build that peer's
	// Exchange (it takes both identities).
	if _, err := fmt.Fprintf(stream, "%s\n", m.Local().Hashname); err != nil {
		return fmt.Errorf("send introduction: %w", err)
	}

	mu.Lock()
	_, err = m.AddLink(remote, link.ModeFramed, newStreamTransport(stream), nil)
	if err == nil {
		err = m.Resync(remote.Hashname)
	}
	mu.Unlock()
	if err != nil {
		return err
	}
	pumpStream(m, mu, remote.Hashname, stream, log)
	return nil
}

func serveListener(m *mesh.Mesh, mu *sync.Mutex, lc config.ListenerConfig, cfg *config.Config, knownPeers map[string]*identity.Identity, log *slog.Logger) error {
	tr, err := newTransport(lc.Transport)
	if err != nil {
		return err
	}
	tlsConfig, err := buildTLSConfig(cfg, &lc.TLS)
	if err != nil {
		return err
	}

	opts := transport.DefaultListenOptions()
	opts.TLSConfig = tlsConfig
	opts.Path = lc.Path
	opts.PlainText = lc.PlainText

	ln, err := tr.Listen(lc.Address, opts)
	if err != nil {
		return fmt.Errorf("listen %s: %w", lc.Address, err)
	}

	go func() {
		for {
			conn, err := ln.Accept(context.Background())
			if err != nil {
				log.Error("accept failed", meshlog.KeyError, err)
				return
			}
			go handleAcceptedConn(m, mu, conn, knownPeers, log)
		}
	}()
	return nil
}

func handleAcceptedConn(m *mesh.Mesh, mu *sync.Mutex, conn transport.PeerConn, knownPeers map[string]*identity.Identity, log *slog.Logger) {
	stream, err := conn.AcceptStream(context.Background())
	if err != nil {
		log.Error("accept stream failed", meshlog.KeyError, err)
		return
	}

	hn, err := readIntroduction(stream)
	if err != nil {
		log.Error("introduction failed", meshlog.KeyError, err, meshlog.KeyRemoteAddr, conn.RemoteAddr())
		stream.Close()
		return
	}
	remote, ok := knownPeers[hn]
	if !ok {
		log.Error("inbound connection from unconfigured peer", meshlog.KeyHashname, hn)
		stream.Close()
		return
	}

	log.Info("accepted inbound connection", meshlog.KeyHashname, hn, meshlog.KeyRemoteAddr, conn.RemoteAddr())
	mu.Lock()
	_, err = m.AddLink(remote, link.ModeFramed, newStreamTransport(stream), nil)
	mu.Unlock()
	if err != nil {
		log.Error("add link failed", meshlog.KeyError, err)
		return
	}
	pumpStream(m, mu, remote.Hashname, stream, log)
}

// readIntroduction reads the one-line hex hashname preamble a dialer sends
// before any core protocol bytes (see dialPeer).
func readIntroduction(stream transport.Stream) (string, error) {
	buf := make([]byte, identity.HashnameSize*2+1)
	var n int
	for n < len(buf) {
		read, err := stream.Read(buf[n : n+1])
		if err != nil {
			return "", err
		}
		if read == 0 {
			continue
		}
		if buf[n] == '\n' {
			return string(buf[:n]), nil
		}
		n++
	}
	return "", fmt.Errorf("introduction line exceeded hashname length")
}

func newTransport(name string) (transport.Transport, error) {
	switch name {
	case "ws":
		return transport.NewWebSocketTransport(), nil
	default:
		return nil, fmt.Errorf("unsupported transport %q", name)
	}
}

// buildTLSConfig assembles a *tls.Config from the effective cert/key/CA
// material, letting a listener- or peer-level TLSConfig override the
// global one.
func buildTLSConfig(cfg *config.Config, override *config.TLSConfig) (*tls.Config, error) {
	certPEM, err := cfg.GetEffectiveCertPEM(override)
	if err != nil {
		return nil, fmt.Errorf("load certificate: %w", err)
	}
	keyPEM, err := cfg.GetEffectiveKeyPEM(override)
	if err != nil {
		return nil, fmt.Errorf("load key: %w", err)
	}

	tlsConfig := &tls.Config{
		MinVersion:         tls.VersionTLS13,
		NextProtos:         []string{transport.DefaultALPNProtocol},
		InsecureSkipVerify: override != nil && override.InsecureSkipVerify,
	}

	if len(certPEM) > 0 && len(keyPEM) > 0 {
		cert, err := tls.X509KeyPair(certPEM, keyPEM)
		if err != nil {
			return nil, fmt.Errorf("parse certificate/key: %w", err)
		}
		tlsConfig.Certificates = []tls.Certificate{cert}
	}

	caPEM, err := cfg.GetEffectiveCAPEM(override)
	if err != nil {
		return nil, fmt.Errorf("load CA: %w", err)
	}
	if len(caPEM) > 0 {
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(caPEM) {
			return nil, fmt.Errorf("parse CA certificate")
		}
		tlsConfig.RootCAs = pool
		tlsConfig.ClientCAs = pool
	}

	mtls := cfg.TLS.MTLS
	if override != nil && override.MTLS != nil {
		mtls = *override.MTLS
	}
	if mtls {
		tlsConfig.ClientAuth = tls.RequireAndVerifyClientCert
	}

	return tlsConfig, nil
}

// streamTransport adapts a transport.Stream to link.Transport.
type streamTransport struct {
	stream transport.Stream
}

func newStreamTransport(s transport.Stream) *streamTransport { return &streamTransport{stream: s} }

func (t *streamTransport) Send(b []byte) error {
	_, err := t.stream.Write(b)
	return err
}

// pumpStream reads inbound frames off stream and feeds them to the mesh
// until the stream closes: the core stays caller-driven, this goroutine is
// purely host I/O glue. A byte-stream
// transport gives no guarantee that one Read returns exactly one wire frame,
// so reads are accumulated and sliced into frameSize-aligned chunks before
// reaching the frame layer.
func pumpStream(m *mesh.Mesh, mu *sync.Mutex, hn identity.Hashname, stream transport.Stream, log *slog.Logger) {
	mu.Lock()
	l, ok := m.Link(hn)
	mu.Unlock()
	if !ok {
		log.Error("pumpStream: no link registered", meshlog.KeyHashname, hn.String())
		return
	}
	frameLen := l.FrameSize()

	go func() {
		var total uint64
		var pending []byte
		readBuf := make([]byte, 64*1024)
		for {
			n, err := stream.Read(readBuf)
			if n > 0 {
				total += uint64(n)
				pending = append(pending, readBuf[:n]...)

				consumed := 0
				for len(pending)-consumed >= frameLen {
					frame := pending[consumed : consumed+frameLen]
					mu.Lock()
					ferr := m.ReceiveFrame(hn, frame)
					mu.Unlock()
					if ferr != nil {
						log.Debug("frame rejected", meshlog.KeyHashname, hn.String(), meshlog.KeyError, ferr)
					}
					consumed += frameLen
				}
				if consumed > 0 {
					remainder := len(pending) - consumed
					copy(pending, pending[consumed:])
					pending = pending[:remainder]
				}
			}
			if err != nil {
				log.Info("stream closed", meshlog.KeyHashname, hn.String(), "bytes_read", humanize.Bytes(total))
				return
			}
		}
	}()
}
