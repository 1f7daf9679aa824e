// Package channel implements the multiplexer that carries multiple typed,
// ordered logical streams over one established line, identified by a
// 32-bit `c` field.
package channel

import (
	"fmt"

	"github.com/postalsys/meshline/internal/lob"
	"github.com/postalsys/meshline/internal/merr"
	"github.com/postalsys/meshline/internal/meshmetrics"
)

// State is a channel's position in its lifecycle.
type State int

const (
	Opening State = iota
	Open
	Ending
	Ended
	Errored
)

// String names a State for logging.
func (s State) String() string {
	switch s {
	case Opening:
		return "opening"
	case Open:
		return "open"
	case Ending:
		return "ending"
	case Ended:
		return "ended"
	case Errored:
		return "errored"
	default:
		return "unknown"
	}
}

// Handler is invoked synchronously on every packet delivered to a channel,
// preserving per-channel ordering.
type Handler func(ch *Channel, pkt *lob.Packet)

// OnOpenFunc is consulted when an inbound packet names a previously unseen
// channel ID together with a `type` field: it decides how the new channel
// should be handled, or returns nil to have packets queue for Receive.
type OnOpenFunc func(kind string, id uint32) Handler

// Channel is one multiplexed logical stream within a line.
type Channel struct {
	id      uint32
	kind    string
	state   State
	inbox   []*lob.Packet
	sentSeq uint32
	ackSeq  uint32
	handler Handler
	send    func(*lob.Packet) error
}

// ID returns the channel's 32-bit identifier.
func (c *Channel) ID() uint32 { return c.id }

// Kind returns the `type` field the channel was opened with.
func (c *Channel) Kind() string { return c.kind }

// State returns the channel's current lifecycle state.
func (c *Channel) State() State { return c.state }

// Send transmits pkt on this channel, stamping it with the channel ID. It
// fails with STATE if the channel has already ended or errored.
func (c *Channel) Send(pkt *lob.Packet) error {
	const op = "channel.Send"
	if c.state == Ended || c.state == Errored {
		return merr.New(op, merr.State, fmt.Errorf("channel %d is %s", c.id, c.state))
	}
	pkt.SetUint32("c", c.id)
	if err := c.send(pkt); err != nil {
		return err
	}
	c.sentSeq++
	return nil
}

// Receive pops the next queued inbound packet, or (nil, false) if the
// channel has no handler attached and nothing is queued.
func (c *Channel) Receive() (*lob.Packet, bool) {
	if len(c.inbox) == 0 {
		return nil, false
	}
	pkt := c.inbox[0]
	c.inbox = c.inbox[1:]
	return pkt, true
}

// End sends a packet with `end: true`, moving the channel toward ENDED.
func (c *Channel) End() error {
	pkt := lob.New()
	pkt.SetBool("end", true)
	err := c.Send(pkt)
	if c.state == Opening || c.state == Open {
		c.state = Ending
	}
	return err
}

// deliver hands an inbound packet to the channel's handler (or queues it),
// then applies the end/err lifecycle transitions. A channel stays OPENING
// through its opening packet and moves to OPEN on the first later packet
// without a `type` field.
func (c *Channel) deliver(pkt *lob.Packet) {
	if msg, ok := pkt.GetString("err"); ok && msg != "" {
		c.state = Errored
	} else if c.state == Opening && !pkt.Has("type") {
		c.state = Open
	}

	if c.handler != nil {
		c.handler(c, pkt)
	} else {
		c.inbox = append(c.inbox, pkt)
	}

	if end, ok := pkt.GetBool("end"); ok && end && c.state != Errored {
		c.state = Ended
	}
}

// Manager owns the set of channels multiplexed over one line.
type Manager struct {
	channels map[uint32]*Channel
	send     func(*lob.Packet) error
	onOpen   OnOpenFunc
	metrics  *meshmetrics.Metrics
}

// NewManager creates a Manager whose channels transmit through send (a
// lineize-and-transmit callback owned by the link) and whose newly opened
// inbound channels are offered to onOpen.
func NewManager(send func(*lob.Packet) error, onOpen OnOpenFunc, metrics *meshmetrics.Metrics) *Manager {
	return &Manager{
		channels: make(map[uint32]*Channel),
		send:     send,
		onOpen:   onOpen,
		metrics:  metrics,
	}
}

// Open creates a locally initiated channel with the given ID (allocated by
// the owning exchange's NextChannelID) and kind, and sends its opening
// packet.
func (m *Manager) Open(id uint32, kind string, handler Handler) (*Channel, error) {
	const op = "channel.Open"
	if _, exists := m.channels[id]; exists {
		return nil, merr.New(op, merr.State, fmt.Errorf("channel %d already exists", id))
	}
	ch := &Channel{id: id, kind: kind, state: Opening, handler: handler, send: m.send}
	m.channels[id] = ch

	open := lob.New()
	open.SetString("type", kind)
	if err := ch.Send(open); err != nil {
		delete(m.channels, id)
		return nil, err
	}
	ch.state = Open
	if m.metrics != nil {
		m.metrics.ChannelsOpened.Inc()
		m.metrics.ChannelsActive.Inc()
	}
	return ch, nil
}

// Get returns the channel with the given ID, if any.
func (m *Manager) Get(id uint32) (*Channel, bool) {
	ch, ok := m.channels[id]
	return ch, ok
}

// Dispatch routes one inbound packet (decrypted from a line packet) to its
// channel, creating a new OPENING channel when `c` is unseen and `type` is
// present, and silently dropping it when `type` is absent.
func (m *Manager) Dispatch(pkt *lob.Packet) error {
	const op = "channel.Dispatch"
	id, ok := pkt.GetUint32("c")
	if !ok {
		return merr.New(op, merr.Malformed, fmt.Errorf("packet has no channel id"))
	}

	ch, exists := m.channels[id]
	if !exists {
		kind, hasType := pkt.GetString("type")
		if !hasType {
			return nil
		}
		var handler Handler
		if m.onOpen != nil {
			handler = m.onOpen(kind, id)
		}
		ch = &Channel{id: id, kind: kind, state: Opening, handler: handler, send: m.send}
		m.channels[id] = ch
		if m.metrics != nil {
			m.metrics.ChannelsOpened.Inc()
			m.metrics.ChannelsActive.Inc()
		}
	}

	ch.deliver(pkt)

	if ch.state == Ended || ch.state == Errored {
		if m.metrics != nil {
			m.metrics.ChannelsActive.Dec()
			m.metrics.ChannelsClosed.WithLabelValues(ch.state.String()).Inc()
		}
	}
	return nil
}

// CloseAll transitions every non-terminal channel to ENDED and forgets it,
// called when a fresh (non-reset) open replaces the line they belonged to.
func (m *Manager) CloseAll() {
	for id, ch := range m.channels {
		if ch.state != Ended && ch.state != Errored {
			ch.state = Ended
			if m.metrics != nil {
				m.metrics.ChannelsActive.Dec()
				m.metrics.ChannelsClosed.WithLabelValues("link_closed").Inc()
			}
		}
		delete(m.channels, id)
	}
}

// Len returns the number of currently tracked channels.
func (m *Manager) Len() int { return len(m.channels) }
