// Package mesh owns one local identity and the set of links it has
// established with remote peers, dispatching inbound bytes to the matching
// link by inspecting the wire packet's head.
package mesh

import (
	"fmt"
	"log/slog"

	"github.com/postalsys/meshline/internal/channel"
	"github.com/postalsys/meshline/internal/crypt"
	"github.com/postalsys/meshline/internal/exchange"
	"github.com/postalsys/meshline/internal/identity"
	"github.com/postalsys/meshline/internal/link"
	"github.com/postalsys/meshline/internal/lob"
	"github.com/postalsys/meshline/internal/merr"
	"github.com/postalsys/meshline/internal/meshlog"
	"github.com/postalsys/meshline/internal/meshmetrics"
)

// Options carries the mesh-wide negotiable parameters.
type Options struct {
	// Force pins every exchange to a single ciphersuite; zero negotiates.
	Force crypt.CSID
	// FrameSize is the frame payload size for framed-mode links.
	FrameSize uint8
	// MaxFrames bounds in-flight reassembly for framed-mode links.
	MaxFrames uint32
}

// Mesh binds one local identity to zero or more links, keyed by remote
// hashname, and to the line-ID index used to route inbound datagram traffic
// without a priori knowledge of which peer sent it.
type Mesh struct {
	local *identity.Identity
	opts  Options
	rng   crypt.RandSource
	clock crypt.Clock

	log     *slog.Logger
	metrics *meshmetrics.Metrics

	links    map[identity.Hashname]*link.Link
	byLineIn map[[crypt.LineIDSize]byte]*link.Link
}

// New creates a Mesh for local, using rng and clock as the host-supplied
// capabilities the core never reaches around.
func New(local *identity.Identity, opts Options, rng crypt.RandSource, clock crypt.Clock, log *slog.Logger, metrics *meshmetrics.Metrics) *Mesh {
	if log == nil {
		log = meshlog.NopLogger()
	}
	return &Mesh{
		local:    local,
		opts:     opts,
		rng:      rng,
		clock:    clock,
		log:      log,
		metrics:  metrics,
		links:    make(map[identity.Hashname]*link.Link),
		byLineIn: make(map[[crypt.LineIDSize]byte]*link.Link),
	}
}

// Local returns the mesh's local identity.
func (m *Mesh) Local() *identity.Identity { return m.local }

// AddLink negotiates an exchange with remote and binds it to transport,
// registering the resulting link under remote's hashname.
func (m *Mesh) AddLink(remote *identity.Identity, mode link.Mode, transport link.Transport, onOpen channel.OnOpenFunc) (*link.Link, error) {
	const op = "mesh.AddLink"
	if _, exists := m.links[remote.Hashname]; exists {
		return nil, merr.New(op, merr.State, fmt.Errorf("link to %s already exists", remote.Hashname))
	}

	ex, err := exchange.New(m.local, remote, m.rng, m.clock, m.opts.Force)
	if err != nil {
		return nil, err
	}

	l, err := link.New(ex, mode, m.opts.FrameSize, m.opts.MaxFrames, transport, onOpen, m.log, m.metrics)
	if err != nil {
		return nil, err
	}

	m.links[remote.Hashname] = l
	return l, nil
}

// Link returns the link to hn, if one exists.
func (m *Mesh) Link(hn identity.Hashname) (*link.Link, bool) {
	l, ok := m.links[hn]
	return l, ok
}

// RemoveLink closes and forgets the link to hn, if any.
func (m *Mesh) RemoveLink(hn identity.Hashname) {
	l, ok := m.links[hn]
	if !ok {
		return
	}
	l.Close()
	delete(m.links, hn)
	for key, candidate := range m.byLineIn {
		if candidate == l {
			delete(m.byLineIn, key)
		}
	}
}

// Resync triggers a fresh open emission on the link to hn.
func (m *Mesh) Resync(hn identity.Hashname) error {
	const op = "mesh.Resync"
	l, ok := m.links[hn]
	if !ok {
		return merr.New(op, merr.State, fmt.Errorf("no link to %s", hn))
	}
	return l.Resync(m.rng)
}

// Receive dispatches one inbound datagram-transport wire packet: opens are
// identified by a single-byte head selecting the ciphersuite, lines by an
// empty head whose body starts with the receiver's line ID.
func (m *Mesh) Receive(data []byte) error {
	const op = "mesh.Receive"
	pkt, err := lob.Parse(data)
	if err != nil {
		m.log.Debug("malformed packet discarded", meshlog.KeyOp, op)
		return nil
	}

	if csid, ok := pkt.OpenCSID(); ok {
		return m.receiveOpen(crypt.CSID(csid), pkt)
	}
	return m.receiveLine(pkt)
}

// receiveOpen tries every datagram-mode link negotiated for csid, since the
// sender's hashname is not recoverable until the open decrypts.
func (m *Mesh) receiveOpen(csid crypt.CSID, open *lob.Packet) error {
	for hn, l := range m.links {
		if l.Mode() != link.ModeDatagram {
			continue
		}
		if l.Exchange().Session.CSID() != csid {
			continue
		}
		if err := l.HandleOpen(open, m.rng); err != nil {
			m.log.Debug("open rejected", meshlog.KeyHashname, hn.String())
			if l.Closed() {
				m.RemoveLink(hn)
			}
			continue
		}
		m.reindex(l)
		return nil
	}
	m.log.Debug("open packet matched no known link", meshlog.KeyCSID, csid.String())
	return nil
}

func (m *Mesh) receiveLine(pkt *lob.Packet) error {
	body := pkt.Body()
	if len(body) < crypt.LineIDSize {
		return nil
	}
	var key [crypt.LineIDSize]byte
	copy(key[:], body[:crypt.LineIDSize])

	l, ok := m.byLineIn[key]
	if !ok {
		return nil
	}
	if err := l.HandleLine(pkt); err != nil {
		m.log.Debug("line packet rejected", meshlog.KeyHashname, l.Hashname())
	}
	return nil
}

// ReceiveFrame routes one inbound frame to the framed-mode link already
// bound to hn: a byte-stream connection is inherently 1:1 with one link, so
// no ciphertext-based matching is required (contrast receiveOpen).
func (m *Mesh) ReceiveFrame(hn identity.Hashname, data []byte) error {
	const op = "mesh.ReceiveFrame"
	l, ok := m.links[hn]
	if !ok {
		return merr.New(op, merr.State, fmt.Errorf("unknown link %s", hn))
	}
	err := l.ReceiveFrame(data, m.rng)
	if l.Exchange().Session.Lined != crypt.NotLined {
		m.reindex(l)
	}
	if l.FramesErr() || l.Closed() {
		m.RemoveLink(hn)
	}
	return err
}

// TickFrames drains every framed-mode link's pending outbound frames; call
// once per event-loop turn.
func (m *Mesh) TickFrames() {
	for hn, l := range m.links {
		if l.Mode() != link.ModeFramed {
			continue
		}
		for {
			more, err := l.Tick()
			if err != nil {
				m.log.Debug("frame tick failed", meshlog.KeyHashname, hn.String())
				break
			}
			if !more {
				break
			}
		}
		if l.Closed() {
			m.RemoveLink(hn)
		}
	}
}

func (m *Mesh) reindex(l *link.Link) {
	var key [crypt.LineIDSize]byte
	copy(key[:], l.Exchange().Session.LineIn[:])
	m.byLineIn[key] = l
}
