package mesh

import (
	"testing"

	"github.com/postalsys/meshline/internal/channel"
	"github.com/postalsys/meshline/internal/crypt"
	"github.com/postalsys/meshline/internal/identity"
	"github.com/postalsys/meshline/internal/link"
	"github.com/postalsys/meshline/internal/lob"
)

type seqRand struct{ b byte }

func (r *seqRand) Fill(buf []byte) error {
	for i := range buf {
		r.b++
		buf[i] = r.b
	}
	return nil
}

type fixedClock struct{ now uint64 }

func (c fixedClock) NowSeconds() uint64 { return c.now }

type pipeTransport struct{ deliver func([]byte) error }

func (p *pipeTransport) Send(b []byte) error { return p.deliver(b) }

func buildMeshPair(t *testing.T) (ma, mb *Mesh, idA, idB *identity.Identity, rngA, rngB *seqRand) {
	t.Helper()
	rngA = &seqRand{b: 0}
	rngB = &seqRand{b: 90}

	var err error
	idA, err = identity.Generate(rngA, []crypt.CSID{crypt.CS3a})
	if err != nil {
		t.Fatal(err)
	}
	idB, err = identity.Generate(rngB, []crypt.CSID{crypt.CS3a})
	if err != nil {
		t.Fatal(err)
	}

	ma = New(idA, Options{}, rngA, fixedClock{1}, nil, nil)
	mb = New(idB, Options{}, rngB, fixedClock{1}, nil, nil)

	transportA := &pipeTransport{}
	transportB := &pipeTransport{}

	if _, err := ma.AddLink(idB, link.ModeDatagram, transportA, nil); err != nil {
		t.Fatal(err)
	}
	if _, err := mb.AddLink(idA, link.ModeDatagram, transportB, nil); err != nil {
		t.Fatal(err)
	}

	transportA.deliver = func(b []byte) error { return mb.Receive(b) }
	transportB.deliver = func(b []byte) error { return ma.Receive(b) }

	return ma, mb, idA, idB, rngA, rngB
}

func TestMeshHandshakeRoutesByLineID(t *testing.T) {
	ma, mb, idA, idB, _, _ := buildMeshPair(t)

	if err := ma.Resync(idB.Hashname); err != nil {
		t.Fatalf("A resync: %v", err)
	}
	if err := mb.Resync(idA.Hashname); err != nil {
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
	if la.Exchange().Session.Lined == crypt.NotLined {
		t.Fatal("expected A lined")
	}
	if lb.Exchange().Session.Lined == crypt.NotLined {
		t.Fatal("expected B lined")
	}

	// A subsequent line packet from A, sent without going through
	// mesh-level open handling, should route purely by line ID.
	var delivered *lob.Packet
	lb2Channels := channel.NewManager(func(p *lob.Packet) error { return nil }, func(kind string, id uint32) channel.Handler {
		return func(ch *channel.Channel, pkt *lob.Packet) { delivered = pkt }
	}, nil)
	_ = lb2Channels

	id := la.Exchange().NextChannelID()
	if _, err := la.Channels().Open(id, "bulk", nil); err != nil {
		t.Fatal(err)
	}
	if lb.Channels().Len() != 1 {
		t.Fatalf("expected B to have received the channel open via line-ID routing, got %d channels", lb.Channels().Len())
	}
	_ = delivered
}

func TestMeshOpenMatchesCorrectLinkAmongMultiple(t *testing.T) {
	rngA := &seqRand{b: 0}
	rngB := &seqRand{b: 40}
	rngC := &seqRand{b: 80}

	idA, err := identity.Generate(rngA, []crypt.CSID{crypt.CS3a})
	if err != nil {
		t.Fatal(err)
	}
	idB, err := identity.Generate(rngB, []crypt.CSID{crypt.CS3a})
	if err != nil {
		t.Fatal(err)
	}
	idC, err := identity.Generate(rngC, []crypt.CSID{crypt.CS3a})
	if err != nil {
		t.Fatal(err)
	}

	ma := New(idA, Options{}, rngA, fixedClock{1}, nil, nil)

	var toB, toC []byte
	transportB := &pipeTransport{deliver: func(b []byte) error { toB = b; return nil }}
	transportC := &pipeTransport{deliver: func(b []byte) error { toC = b; return nil }}

	if _, err := ma.AddLink(idB, link.ModeDatagram, transportB, nil); err != nil {
		t.Fatal(err)
	}
	if _, err := ma.AddLink(idC, link.ModeDatagram, transportC, nil); err != nil {
		t.Fatal(err)
	}

	mb := New(idB, Options{}, rngB, fixedClock{1}, nil, nil)
	transportBBack := &pipeTransport{deliver: func(b []byte) error { return ma.Receive(b) }}
	if _, err := mb.AddLink(idA, link.ModeDatagram, transportBBack, nil); err != nil {
		t.Fatal(err)
	}

	if err := ma.Resync(idB.Hashname); err != nil {
		t.Fatal(err)
	}
	if toB == nil {
		t.Fatal("expected an open sent toward B")
	}
	if toC != nil {
		t.Fatal("expected no traffic sent toward C")
	}
	if err := mb.Receive(toB); err != nil {
		t.Fatal(err)
	}

	if err := mb.Resync(idA.Hashname); err != nil {
		t.Fatal(err)
	}

	lb, _ := mb.Link(idA.Hashname)
	if lb.Exchange().Session.Lined == crypt.NotLined {
		t.Fatal("expected B's link to A to be lined")
	}
	la, _ := ma.Link(idB.Hashname)
	if la.Exchange().Session.Lined == crypt.NotLined {
		t.Fatal("expected A's link to B to be lined (not accidentally matched to C)")
	}
	lc, _ := ma.Link(idC.Hashname)
	if lc.Exchange().Session.Lined != crypt.NotLined {
		t.Fatal("expected A's link to C to remain un-lined")
	}
}
