// Package lob implements the self-describing packet container used
// throughout the mesh: a 2-byte big-endian head length, a UTF-8 JSON head,
// and an opaque body. Packets additionally chain into singly linked queues.
package lob

import (
	"encoding/binary"
	"encoding/json"
	"fmt"

	"github.com/postalsys/meshline/internal/merr"
)

// MaxHeadLen is the largest head length the 2-byte length prefix can encode.
const MaxHeadLen = 0xffff

// Packet is the in-memory representation of a lob packet: a JSON head, an
// opaque body, and a link to the next packet in a chain (Push and Shift use
// it as a lightweight FIFO queue; the frame and channel layers keep their
// queues in slices instead).
type Packet struct {
	head map[string]any
	body []byte
	next *Packet

	// open packets carry a single-byte ciphersuite ID instead of a JSON
	// head; kept out of the head map so a JSON head can never collide
	// with it.
	csid   byte
	isOpen bool

	// ID tracks caller-defined bookkeeping (e.g. bytes of this packet
	// already acknowledged by a frame window). It is not part of the
	// wire format.
	ID int
}

// New returns an empty packet with no head fields and no body.
func New() *Packet {
	return &Packet{head: make(map[string]any)}
}

// Parse decodes raw wire bytes into a Packet. It fails with a Malformed
// error when the head length exceeds the input or the head is not valid
// JSON (an empty head is accepted: a zero-length head is the on-wire
// encoding of a line packet per the wire format, and a single-byte head is
// the encoding of an open packet, neither of which this function attempts
// to interpret as JSON).
func Parse(raw []byte) (*Packet, error) {
	const op = "lob.Parse"
	if len(raw) < 2 {
		return nil, merr.New(op, merr.Malformed, fmt.Errorf("buffer too short for head length"))
	}

	headLen := int(binary.BigEndian.Uint16(raw[:2]))
	if headLen > len(raw)-2 {
		return nil, merr.New(op, merr.Malformed, fmt.Errorf("head length %d exceeds input", headLen))
	}

	p := &Packet{head: make(map[string]any)}
	headBytes := raw[2 : 2+headLen]
	p.body = append([]byte(nil), raw[2+headLen:]...)

	switch {
	case headLen == 0:
		// Line packet: empty head, nothing to parse.
	case headLen == 1:
		// Open packet: the single byte is a ciphersuite ID, not JSON.
		p.csid = headBytes[0]
		p.isOpen = true
	default:
		if err := json.Unmarshal(headBytes, &p.head); err != nil {
			return nil, merr.New(op, merr.Malformed, fmt.Errorf("head JSON: %w", err))
		}
	}

	return p, nil
}

// Raw serialises the packet back to wire bytes.
func (p *Packet) Raw() ([]byte, error) {
	const op = "lob.Raw"

	headBytes, err := p.headBytes()
	if err != nil {
		return nil, merr.New(op, merr.Malformed, err)
	}
	if len(headBytes) > MaxHeadLen {
		return nil, merr.New(op, merr.Malformed, fmt.Errorf("head too large: %d bytes", len(headBytes)))
	}

	buf := make([]byte, 2+len(headBytes)+len(p.body))
	binary.BigEndian.PutUint16(buf[:2], uint16(len(headBytes)))
	copy(buf[2:], headBytes)
	copy(buf[2+len(headBytes):], p.body)
	return buf, nil
}

func (p *Packet) headBytes() ([]byte, error) {
	if p.isOpen {
		return []byte{p.csid}, nil
	}
	if len(p.head) == 0 {
		return nil, nil
	}
	return json.Marshal(p.head)
}

// SetOpenCSID marks this packet as an open packet whose single-byte head is
// the given ciphersuite ID, discarding any JSON head fields.
func (p *Packet) SetOpenCSID(csid byte) {
	p.head = make(map[string]any)
	p.csid = csid
	p.isOpen = true
}

// OpenCSID returns the ciphersuite ID of an open packet and true, or
// (0, false) if this packet's head isn't a single ciphersuite byte.
func (p *Packet) OpenCSID() (byte, bool) {
	if !p.isOpen {
		return 0, false
	}
	return p.csid, true
}

// GetString returns a string head field.
func (p *Packet) GetString(key string) (string, bool) {
	v, ok := p.head[key]
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

// SetString sets a string head field.
func (p *Packet) SetString(key, value string) {
	p.head[key] = value
}

// GetInt returns an integer head field. JSON numbers decode as float64, so
// this accepts both float64 and int representations.
func (p *Packet) GetInt(key string) (int, bool) {
	v, ok := p.head[key]
	if !ok {
		return 0, false
	}
	switch n := v.(type) {
	case float64:
		return int(n), true
	case int:
		return n, true
	default:
		return 0, false
	}
}

// SetInt sets an integer head field.
func (p *Packet) SetInt(key string, value int) {
	p.head[key] = value
}

// GetUint32 returns a uint32 head field.
func (p *Packet) GetUint32(key string) (uint32, bool) {
	n, ok := p.GetInt(key)
	if !ok || n < 0 {
		return 0, false
	}
	return uint32(n), true
}

// SetUint32 sets a uint32 head field.
func (p *Packet) SetUint32(key string, value uint32) {
	p.head[key] = int(value)
}

// GetBool returns a boolean head field.
func (p *Packet) GetBool(key string) (bool, bool) {
	v, ok := p.head[key]
	if !ok {
		return false, false
	}
	b, ok := v.(bool)
	return b, ok
}

// SetBool sets a boolean head field.
func (p *Packet) SetBool(key string, value bool) {
	p.head[key] = value
}

// Has reports whether the head contains key.
func (p *Packet) Has(key string) bool {
	_, ok := p.head[key]
	return ok
}

// Body returns the packet body.
func (p *Packet) Body() []byte {
	return p.body
}

// SetBody replaces the packet body.
func (p *Packet) SetBody(b []byte) {
	p.body = b
}

// Len returns the serialised length of the packet (used by the frame layer
// to size the outbox). It serialises the packet with Raw to measure it, and
// returns 0 if that fails.
func (p *Packet) Len() int {
	raw, err := p.Raw()
	if err != nil {
		return 0
	}
	return len(raw)
}

// Chain appends next after p, returning next for convenient call chaining.
func (p *Packet) Chain(next *Packet) *Packet {
	p.next = next
	return next
}

// Next returns the next packet in the chain, or nil.
func (p *Packet) Next() *Packet {
	if p == nil {
		return nil
	}
	return p.next
}

// SetNext sets the next pointer directly (used by queue implementations).
func (p *Packet) SetNext(next *Packet) {
	p.next = next
}

// Push appends pkt to the tail of the queue headed by head and returns the
// (possibly new) head.
func Push(head, pkt *Packet) *Packet {
	if head == nil {
		return pkt
	}
	cur := head
	for cur.next != nil {
		cur = cur.next
	}
	cur.next = pkt
	return head
}

// Shift removes and returns the head of the queue, returning the packet and
// the new head.
func Shift(head *Packet) (*Packet, *Packet) {
	if head == nil {
		return nil, nil
	}
	rest := head.next
	head.next = nil
	return head, rest
}
