// Package frames implements the fixed-size frame reliability layer that
// carries lob packets over a lossy, frame-sized transport: a rolling
// murmur3 hash chain binds each data frame to everything sent before it in
// the same packet, and a self-describing meta frame carries acks in both
// directions.
package frames

import (
	"encoding/binary"
	"fmt"

	"github.com/spaolacci/murmur3"

	"github.com/postalsys/meshline/internal/lob"
	"github.com/postalsys/meshline/internal/merr"
)

// MinPayloadSize and MaxPayloadSize bound the negotiable frame payload.
const (
	MinPayloadSize = 16
	MaxPayloadSize = 128

	// metaPrefixLen is the size of the fixed rx_hash/tx_hash prefix of a
	// meta frame's payload; the remaining size-metaPrefixLen bytes
	// carry caller-supplied opaque metadata.
	metaPrefixLen = 10

	// hashTagSize is the trailing little-endian hash on every wire frame.
	hashTagSize = 4
)

// initialHash is the frames layer's starting rolling-hash value before any
// frame has been sent or received in either direction.
const initialHash = 42

type cachedFrame struct {
	data []byte
	prev *cachedFrame
}

// Frames is one direction-paired frame reliability state machine for a
// single link.
type Frames struct {
	size uint8 // negotiated payload size S

	outbase uint32 // last rx_hash acknowledged by the peer
	inlast  uint32 // tag of the last accepted inbound data frame

	in  int // count of cached inbound data frames
	out int // count of outbound data frames sent of the head outbox packet

	cache *cachedFrame // reassembly cache, most-recent-first

	outbox []*lob.Packet
	sent   int // bytes of outbox[0] already sent

	inbox []*lob.Packet

	flush bool
	err   bool

	maxFrames uint32 // ceiling on in-flight reassembly
}

// New creates a Frames state machine for the given negotiated payload size.
// maxFrames bounds the number of cached inbound frames for one partial
// packet; zero means unbounded.
func New(size uint8, maxFrames uint32) (*Frames, error) {
	const op = "frames.New"
	if size < MinPayloadSize || size > MaxPayloadSize {
		return nil, merr.New(op, merr.Malformed, fmt.Errorf("invalid frame size %d", size))
	}
	return &Frames{
		size:      size,
		outbase:   initialHash,
		inlast:    initialHash,
		maxFrames: maxFrames,
	}, nil
}

// Err reports whether the frame layer is in the sticky fatal error state
//: once set, the caller must recreate the Frames.
func (f *Frames) Err() bool { return f.err }

// Send enqueues out for delivery. A nil out requests an immediate flush
// (ack) with no new data.
func (f *Frames) Send(out *lob.Packet) error {
	const op = "frames.Send"
	if f.err {
		return merr.New(op, merr.Fatal, nil)
	}
	if out == nil {
		f.flush = true
		return nil
	}
	f.outbox = append(f.outbox, out)
	return nil
}

// Receive pops the next reassembled inbound packet, or (nil, false) if none
// is ready.
func (f *Frames) Receive() (*lob.Packet, bool) {
	if len(f.inbox) == 0 {
		return nil, false
	}
	pkt := f.inbox[0]
	f.inbox = f.inbox[1:]
	return pkt, true
}

// Ready reports whether there is a frame worth sending right now.
func (f *Frames) Ready() bool {
	if f.err {
		return false
	}
	return f.flush || len(f.outbox) > 0
}

// Await reports whether more inbound frames are expected: either a partial
// packet is cached, or the head outbox packet's send window isn't closed.
func (f *Frames) Await() bool {
	if f.err {
		return false
	}
	if f.cache != nil {
		return true
	}
	if len(f.outbox) == 0 {
		return false
	}
	return f.out*int(f.size) > f.outbox[0].Len()
}

// Busy reports whether the frame layer has anything to send or is still
// awaiting more inbound data.
func (f *Frames) Busy() bool {
	return f.Ready() || f.Await()
}

// PendingData reports whether the head outbox packet still has unsent data
// frames. Distinct from Ready: a fully sent packet awaiting its ack keeps
// Ready true (meta frames are still worth emitting) but PendingData false.
func (f *Frames) PendingData() bool {
	if f.err || len(f.outbox) == 0 {
		return false
	}
	return f.out*int(f.size) <= f.outbox[0].Len()
}

// outboxRecompute recomputes the rolling tx hash over the bytes of the head
// outbox packet already sent: each stride is at most size bytes, with the
// final stride clamped to len-at using ordinary unsigned arithmetic.
func (f *Frames) outboxRecompute() uint32 {
	hash := f.outbase
	if len(f.outbox) == 0 {
		return hash
	}
	raw, err := f.outbox[0].Raw()
	if err != nil {
		return hash
	}
	length := uint32(len(raw))
	var at uint32
	for i := 0; at < length && i < f.out; i++ {
		stride := uint32(f.size)
		if at+stride > length {
			stride = length - at
		}
		hash ^= murmur3.Sum32(raw[at : at+stride])
		hash += uint32(i)
		at += stride
	}
	return hash
}

// OutboxFrame fills buf (length size+4) with the next frame to send: either
// a meta (ack) frame or the next data frame of the head outbox packet.
func (f *Frames) OutboxFrame(buf []byte, meta []byte) error {
	const op = "frames.OutboxFrame"
	if f.err {
		return merr.New(op, merr.Fatal, nil)
	}
	size := int(f.size)
	if len(buf) != size+hashTagSize {
		return merr.New(op, merr.Malformed, fmt.Errorf("buffer must be %d bytes", size+hashTagSize))
	}

	var packetLen int
	var raw []byte
	if len(f.outbox) > 0 {
		var err error
		raw, err = f.outbox[0].Raw()
		if err != nil {
			return merr.New(op, merr.Malformed, err)
		}
		packetLen = len(raw)
	}

	hash := f.outboxRecompute()

	if f.flush || packetLen == 0 || f.out*size > packetLen {
		f.flush = true
		for i := range buf {
			buf[i] = 0
		}
		binary.LittleEndian.PutUint32(buf[0:4], f.inlast)
		binary.LittleEndian.PutUint32(buf[4:8], hash)
		if meta != nil {
			copy(buf[metaPrefixLen:size], meta)
		}
		tag := murmur3.Sum32(buf[:size])
		binary.LittleEndian.PutUint32(buf[size:], tag)
		return nil
	}

	for i := range buf {
		buf[i] = 0
	}
	at := f.out * size
	payloadLen := size
	if at+size > packetLen {
		payloadLen = packetLen - at
		buf[size-1] = byte(payloadLen)
	}
	copy(buf[:payloadLen], raw[at:at+payloadLen])

	// Hash only the used portion: for a tail frame payloadLen < size, and
	// the receiver recomputes it the same truncated way.
	hash ^= murmur3.Sum32(buf[:payloadLen])
	hash += uint32(f.out)
	binary.LittleEndian.PutUint32(buf[size:], hash)
	return nil
}

// Sent must be called once the frame filled by the preceding OutboxFrame
// call has actually been transmitted; it advances the send window.
func (f *Frames) Sent() error {
	const op = "frames.Sent"
	if f.err {
		return merr.New(op, merr.Fatal, nil)
	}
	size := int(f.size)
	var packetLen int
	if len(f.outbox) > 0 {
		packetLen = f.outbox[0].Len()
	}
	at := f.out * size

	if f.flush || packetLen == 0 || at > packetLen {
		f.flush = false
		return nil
	}

	n := size
	if at+size > packetLen {
		n = packetLen - at
	}
	f.sent = at + n
	f.out++
	return nil
}

// InboxFrame processes one received wire frame (size+4 bytes).
func (f *Frames) InboxFrame(data []byte) error {
	const op = "frames.InboxFrame"
	if f.err {
		return merr.New(op, merr.Fatal, nil)
	}
	size := int(f.size)
	if len(data) != size+hashTagSize {
		return merr.New(op, merr.Malformed, fmt.Errorf("frame must be %d bytes", size+hashTagSize))
	}

	payload := data[:size]
	hash1 := binary.LittleEndian.Uint32(data[size:])
	hash2 := murmur3.Sum32(payload)

	if hash1 == hash2 {
		return f.handleMetaFrame(payload)
	}

	if hash1 == f.inlast {
		// duplicate of the previous data frame: silently dropped.
		return nil
	}

	dataHash := (hash2 ^ f.inlast) + uint32(f.in)
	if hash1 == dataHash {
		f.cache = &cachedFrame{data: append([]byte(nil), payload...), prev: f.cache}
		f.in++
		if f.maxFrames != 0 && uint32(f.in) > f.maxFrames {
			f.err = true
			return merr.New(op, merr.Exhausted, fmt.Errorf("max_frames exceeded"))
		}
		f.flush = false
		f.inlast = hash1
		return nil
	}

	tail := payload[size-1]
	if tail >= uint8(size) {
		f.flush = true
		return nil
	}
	tailHash := (murmur3.Sum32(payload[:tail]) ^ f.inlast) + uint32(f.in)
	if hash1 != tailHash {
		f.flush = true
		return nil
	}

	f.flush = true
	f.inlast = hash1

	total := f.in*size + int(tail)
	buf := make([]byte, total)
	copy(buf[f.in*size:], payload[:tail])

	frame := f.cache
	n := f.in
	for n > 0 && frame != nil {
		n--
		copy(buf[n*size:], frame.data)
		frame = frame.prev
	}
	f.cache = nil
	f.in = 0

	pkt, err := lob.Parse(buf)
	if err != nil {
		return merr.New(op, merr.Malformed, err)
	}
	f.inbox = append(f.inbox, pkt)
	return nil
}

func (f *Frames) handleMetaFrame(payload []byte) error {
	const op = "frames.InboxFrame"
	rxHash := binary.LittleEndian.Uint32(payload[0:4])
	txHash := binary.LittleEndian.Uint32(payload[4:8])

	var raw []byte
	var packetLen int
	if len(f.outbox) > 0 {
		var err error
		raw, err = f.outbox[0].Raw()
		if err != nil {
			return merr.New(op, merr.Malformed, err)
		}
		packetLen = len(raw)
	}

	rxs := f.outbase
	for i := 0; i < f.out; i++ {
		if rxHash == rxs {
			f.out = i
			break
		}
		at := i * int(f.size)
		stride := int(f.size)
		if at+stride > packetLen {
			stride = packetLen - at
		}
		if stride < 0 {
			stride = 0
		}
		rxs ^= murmur3.Sum32(raw[at : at+stride])
		rxs += uint32(i)
	}

	if rxHash != rxs {
		f.err = true
		return merr.New(op, merr.Fatal, fmt.Errorf("unverifiable meta-frame rx_hash"))
	}

	if f.out*int(f.size) > packetLen {
		f.out = 0
		f.outbase = rxHash
		if len(f.outbox) > 0 {
			f.outbox = f.outbox[1:]
		}
		f.sent = 0
	}

	if txHash == f.inlast {
		f.flush = false
	} else {
		f.flush = true
	}

	return nil
}
