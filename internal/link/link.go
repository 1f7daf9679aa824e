// Package link binds one negotiated exchange to a concrete transport
// connection, whether a lossy datagram path (each call delivers one
// complete wire packet) or a lossy byte-stream path framed through the
// frames layer.
package link

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/postalsys/meshline/internal/channel"
	"github.com/postalsys/meshline/internal/crypt"
	"github.com/postalsys/meshline/internal/exchange"
	"github.com/postalsys/meshline/internal/frames"
	"github.com/postalsys/meshline/internal/lob"
	"github.com/postalsys/meshline/internal/merr"
	"github.com/postalsys/meshline/internal/meshlog"
	"github.com/postalsys/meshline/internal/meshmetrics"
)

// Mode distinguishes the two transport shapes a link runs over: an unreliable
// datagram transport delivers one complete wire packet per call, while a
// lossy byte-stream transport is framed through the frames layer.
type Mode int

const (
	ModeDatagram Mode = iota
	ModeFramed
)

// Transport is the external collaborator a link sends raw bytes through;
// concrete adapters live outside the protocol engine.
type Transport interface {
	Send(b []byte) error
}

// openFailureLimit closes a link after this many consecutive open failures.
const openFailureLimit = 3

// Link is the bidirectional relationship with one remote peer, carrying its
// Exchange (ciphersuite session) and Channel multiplexer over one transport.
type Link struct {
	exchange  *exchange.Exchange
	channels  *channel.Manager
	frames    *frames.Frames
	mode      Mode
	frameSize uint8
	transport Transport

	openFailures int
	closed       bool
	lineActive   bool

	log     *slog.Logger
	metrics *meshmetrics.Metrics
}

// New creates a Link over an already-negotiated exchange. frameSize and
// maxFrames are only meaningful for ModeFramed.
func New(ex *exchange.Exchange, mode Mode, frameSize uint8, maxFrames uint32, transport Transport, onOpen channel.OnOpenFunc, log *slog.Logger, metrics *meshmetrics.Metrics) (*Link, error) {
	if log == nil {
		log = meshlog.NopLogger()
	}

	l := &Link{
		exchange:  ex,
		mode:      mode,
		frameSize: frameSize,
		transport: transport,
		log:       log,
		metrics:   metrics,
	}

	if mode == ModeFramed {
		fr, err := frames.New(frameSize, maxFrames)
		if err != nil {
			return nil, err
		}
		l.frames = fr
	}

	l.channels = channel.NewManager(l.sendInner, onOpen, metrics)
	return l, nil
}

// Hashname returns the remote peer's hashname.
func (l *Link) Hashname() string { return l.exchange.Remote.Hashname.String() }

// Exchange returns the link's underlying exchange.
func (l *Link) Exchange() *exchange.Exchange { return l.exchange }

// Channels returns the link's channel multiplexer.
func (l *Link) Channels() *channel.Manager { return l.channels }

// Mode reports whether this link is datagram- or frame-transported.
func (l *Link) Mode() Mode { return l.mode }

// FrameSize returns the negotiated on-wire frame size (payload+tag) for a
// ModeFramed link, so a byte-stream caller can align reads to frame
// boundaries before calling ReceiveFrame; zero for ModeDatagram.
func (l *Link) FrameSize() int {
	if l.mode != ModeFramed {
		return 0
	}
	return int(l.frameSize) + 4
}

// Closed reports whether the link has been torn down.
func (l *Link) Closed() bool { return l.closed }

// FramesErr reports whether the frame layer (ModeFramed only) has hit its
// sticky fatal error state.
func (l *Link) FramesErr() bool {
	return l.frames != nil && l.frames.Err()
}

// Resync emits a fresh open handshake packet, per "link.resync() triggers a
// fresh open emission"): directly over the transport in datagram
// mode, through the frame layer (drained by Tick) in framed mode.
func (l *Link) Resync(rng crypt.RandSource) error {
	const op = "link.Resync"
	open, err := l.exchange.Openize(rng)
	if err != nil {
		return merr.New(op, merr.Crypto, err)
	}
	if l.metrics != nil {
		l.metrics.OpensSent.Inc()
	}
	if l.mode == ModeFramed {
		return l.frames.Send(open)
	}
	raw, err := open.Raw()
	if err != nil {
		return merr.New(op, merr.Malformed, err)
	}
	return l.transport.Send(raw)
}

// HandleOpen processes an inbound open packet: deopenize, derive line keys,
// and apply the channel-survival rule: a rekey in place keeps channels, a
// fresh line closes them. Three consecutive failures close the link.
func (l *Link) HandleOpen(open *lob.Packet, rng crypt.RandSource) error {
	const op = "link.HandleOpen"
	if l.closed {
		return merr.New(op, merr.State, fmt.Errorf("link closed"))
	}

	hadLine := l.exchange.Session.Lined != crypt.NotLined

	inner, err := l.exchange.Deopenize(rng, open)
	if err != nil {
		// A verified open from a different peer isn't a failure of this
		// link; a mesh trialling candidates would otherwise close healthy
		// links on another peer's traffic.
		if errors.Is(err, exchange.ErrWrongSender) {
			return err
		}
		l.openFailures++
		if l.metrics != nil {
			l.metrics.OpenFailures.WithLabelValues(kindOf(err)).Inc()
		}
		if l.openFailures >= openFailureLimit {
			l.Close()
		}
		return err
	}

	if err := l.exchange.Line(inner); err != nil {
		l.openFailures++
		if l.metrics != nil {
			l.metrics.OpenFailures.WithLabelValues(kindOf(err)).Inc()
		}
		if l.openFailures >= openFailureLimit {
			l.Close()
		}
		return err
	}

	l.openFailures = 0
	if l.metrics != nil {
		l.metrics.OpensReceived.Inc()
		if l.exchange.Session.Lined == crypt.LinedReset {
			l.metrics.LineResets.Inc()
		} else {
			l.metrics.LinesTotal.Inc()
			if !hadLine {
				l.metrics.LinesActive.Inc()
				l.lineActive = true
			}
		}
	}

	if l.exchange.Session.Lined == crypt.LinedFresh && hadLine {
		l.channels.CloseAll()
	}
	return nil
}

// HandleLine processes an inbound line packet: delineize and hand the
// result to the channel multiplexer.
func (l *Link) HandleLine(linePkt *lob.Packet) error {
	const op = "link.HandleLine"
	if l.closed {
		return merr.New(op, merr.State, fmt.Errorf("link closed"))
	}
	inner, err := l.exchange.Delineize(linePkt)
	if err != nil {
		return err
	}
	return l.channels.Dispatch(inner)
}

// dispatchPacket routes one wire-format packet (open or line) to the
// matching handler, mirroring the open-vs-line test at mesh level for
// packets that arrive already addressed to this specific link (framed-mode
// byte streams are inherently 1:1 with a link).
func (l *Link) dispatchPacket(pkt *lob.Packet, rng crypt.RandSource) error {
	if _, ok := pkt.OpenCSID(); ok {
		return l.HandleOpen(pkt, rng)
	}
	return l.HandleLine(pkt)
}

// ReceiveDatagram processes one complete wire packet delivered whole by a
// datagram transport.
func (l *Link) ReceiveDatagram(raw []byte, rng crypt.RandSource) error {
	const op = "link.ReceiveDatagram"
	if l.mode != ModeDatagram {
		return merr.New(op, merr.State, fmt.Errorf("link is not in datagram mode"))
	}
	pkt, err := lob.Parse(raw)
	if err != nil {
		return nil // MALFORMED: discarded, no state change
	}
	return l.dispatchPacket(pkt, rng)
}

// ReceiveFrame feeds one inbound wire frame into the frame layer and
// dispatches every packet it reassembles.
func (l *Link) ReceiveFrame(data []byte, rng crypt.RandSource) error {
	const op = "link.ReceiveFrame"
	if l.mode != ModeFramed {
		return merr.New(op, merr.State, fmt.Errorf("link is not in framed mode"))
	}
	if l.metrics != nil {
		l.metrics.FramesReceived.Inc()
	}
	if err := l.frames.InboxFrame(data); err != nil {
		if merr.Is(err, merr.Fatal) || merr.Is(err, merr.Exhausted) {
			if l.metrics != nil {
				l.metrics.FrameErrors.WithLabelValues(kindOf(err)).Inc()
			}
			l.Close()
		}
		return err
	}
	for {
		pkt, ok := l.frames.Receive()
		if !ok {
			break
		}
		if err := l.dispatchPacket(pkt, rng); err != nil {
			l.log.Debug("frame-reassembled packet rejected", meshlog.KeyHashname, l.Hashname(), "err", err)
		}
	}
	return nil
}

// Tick emits exactly one outbound frame (ModeFramed only): a meta frame
// carrying the current ack state when an ack is owed or no data frame is
// unsent, otherwise the next data frame of the head outbox packet. It reports more=true while unsent data
// frames remain, so an event loop drains a burst with `for more` and then
// calls Tick once per turn; the idle meta each turn is what lets a peer
// recover when its ack frame was lost.
func (l *Link) Tick() (more bool, err error) {
	const op = "link.Tick"
	if l.mode != ModeFramed || l.closed {
		return false, nil
	}
	buf := make([]byte, int(l.frameSize)+4)
	if ferr := l.frames.OutboxFrame(buf, nil); ferr != nil {
		if merr.Is(ferr, merr.Fatal) {
			l.Close()
		}
		return false, ferr
	}
	if serr := l.transport.Send(buf); serr != nil {
		return false, merr.New(op, merr.Malformed, serr)
	}
	if serr := l.frames.Sent(); serr != nil {
		return false, serr
	}
	if l.metrics != nil {
		l.metrics.FramesSent.Inc()
	}
	return l.frames.PendingData(), nil
}

// sendInner lineizes inner under this link's exchange and transmits it,
// either directly (datagram mode) or through the frame layer (framed mode).
// It is the callback the channel manager sends every outbound packet
// through.
func (l *Link) sendInner(inner *lob.Packet) error {
	const op = "link.sendInner"
	if l.closed {
		return merr.New(op, merr.State, fmt.Errorf("link closed"))
	}
	linePkt, err := l.exchange.Lineize(inner)
	if err != nil {
		return err
	}
	if l.mode == ModeDatagram {
		raw, err := linePkt.Raw()
		if err != nil {
			return merr.New(op, merr.Malformed, err)
		}
		return l.transport.Send(raw)
	}
	return l.frames.Send(linePkt)
}

// Close tears the link down: channels end, and session key material is
// zeroised.
func (l *Link) Close() {
	if l.closed {
		return
	}
	l.closed = true
	l.channels.CloseAll()
	l.exchange.Session.Zero()
	if l.metrics != nil {
		if l.lineActive {
			l.metrics.LinesActive.Dec()
		}
		l.metrics.LinkClosures.WithLabelValues("closed").Inc()
	}
}

func kindOf(err error) string {
	for _, k := range []merr.Kind{merr.Malformed, merr.Crypto, merr.State, merr.Replay, merr.Exhausted, merr.Fatal} {
		if merr.Is(err, k) {
			return k.String()
		}
	}
	return "unknown"
}
