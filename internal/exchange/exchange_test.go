package exchange

import (
	"errors"
	"testing"

	"github.com/postalsys/meshline/internal/crypt"
	"github.com/postalsys/meshline/internal/identity"
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

func mustIdentity(t *testing.T, rng crypt.RandSource, csids ...crypt.CSID) *identity.Identity {
	t.Helper()
	id, err := identity.Generate(rng, csids)
	if err != nil {
		t.Fatalf("identity.Generate: %v", err)
	}
	return id
}

func TestNewNegotiatesHighestMutual(t *testing.T) {
	rngA := &seqRand{b: 0}
	rngB := &seqRand{b: 60}
	a := mustIdentity(t, rngA, crypt.CS1a, crypt.CS3a)
	b := mustIdentity(t, rngB, crypt.CS1a, crypt.CS2a, crypt.CS3a)

	ex, err := New(a, b, rngA, fixedClock{100}, 0)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if ex.Session.CSID() != crypt.CS3a {
		t.Fatalf("expected negotiated CS3a, got %v", ex.Session.CSID())
	}
}

func TestNewHonorsForce(t *testing.T) {
	rngA := &seqRand{b: 0}
	rngB := &seqRand{b: 60}
	a := mustIdentity(t, rngA, crypt.CS1a, crypt.CS3a)
	b := mustIdentity(t, rngB, crypt.CS1a, crypt.CS3a)

	ex, err := New(a, b, rngA, fixedClock{100}, crypt.CS1a)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if ex.Session.CSID() != crypt.CS1a {
		t.Fatalf("expected forced CS1a, got %v", ex.Session.CSID())
	}
}

func TestNewFailsWithNoCommonCiphersuite(t *testing.T) {
	rngA := &seqRand{b: 0}
	rngB := &seqRand{b: 60}
	a := mustIdentity(t, rngA, crypt.CS1a)
	b := mustIdentity(t, rngB, crypt.CS2a)

	if _, err := New(a, b, rngA, fixedClock{100}, 0); err == nil {
		t.Fatal("expected error for no common ciphersuite")
	}
}

func TestNextChannelIDParityFromHashnameOrder(t *testing.T) {
	rngA := &seqRand{b: 0}
	rngB := &seqRand{b: 60}
	a := mustIdentity(t, rngA, crypt.CS3a)
	b := mustIdentity(t, rngB, crypt.CS3a)

	exAB, err := New(a, b, rngA, fixedClock{1}, crypt.CS3a)
	if err != nil {
		t.Fatal(err)
	}
	exBA, err := New(b, a, rngB, fixedClock{1}, crypt.CS3a)
	if err != nil {
		t.Fatal(err)
	}

	firstAB := exAB.NextChannelID()
	firstBA := exBA.NextChannelID()
	if firstAB%2 == firstBA%2 {
		t.Fatalf("expected opposite parity, got %d and %d", firstAB, firstBA)
	}
	if exAB.NextChannelID() != firstAB+2 {
		t.Fatal("expected channel IDs to increment by 2")
	}
}

func TestDeopenizeRejectsWrongSender(t *testing.T) {
	rngA := &seqRand{b: 0}
	rngB := &seqRand{b: 60}
	rngC := &seqRand{b: 120}
	a := mustIdentity(t, rngA, crypt.CS3a)
	b := mustIdentity(t, rngB, crypt.CS3a)
	c := mustIdentity(t, rngC, crypt.CS3a)

	exAB, err := New(a, b, rngA, fixedClock{1}, crypt.CS3a)
	if err != nil {
		t.Fatal(err)
	}
	exCA, err := New(c, a, rngC, fixedClock{1}, crypt.CS3a)
	if err != nil {
		t.Fatal(err)
	}

	// C's open decrypts and verifies under A's identity keys alone, so
	// only the embedded sender key tells A's exchange-to-B it's not B's.
	open, err := exCA.Openize(rngC)
	if err != nil {
		t.Fatal(err)
	}
	_, err = exAB.Deopenize(rngA, open)
	if !errors.Is(err, ErrWrongSender) {
		t.Fatalf("expected ErrWrongSender, got %v", err)
	}
}

func TestOpenizeDeopenizeRoundTrip(t *testing.T) {
	rngA := &seqRand{b: 0}
	rngB := &seqRand{b: 60}
	a := mustIdentity(t, rngA, crypt.CS3a)
	b := mustIdentity(t, rngB, crypt.CS3a)

	exAB, err := New(a, b, rngA, fixedClock{1}, crypt.CS3a)
	if err != nil {
		t.Fatal(err)
	}
	exBA, err := New(b, a, rngB, fixedClock{1}, crypt.CS3a)
	if err != nil {
		t.Fatal(err)
	}

	open, err := exAB.Openize(rngA)
	if err != nil {
		t.Fatalf("Openize: %v", err)
	}
	inner, err := exBA.Deopenize(rngB, open)
	if err != nil {
		t.Fatalf("Deopenize: %v", err)
	}
	if err := exBA.Line(inner); err != nil {
		t.Fatalf("Line: %v", err)
	}
	if exBA.Session.Lined != crypt.LinedFresh {
		t.Fatalf("expected LinedFresh, got %v", exBA.Session.Lined)
	}
}
