package lob

import (
	"bytes"
	"testing"

	"github.com/postalsys/meshline/internal/merr"
)

func TestRoundTrip(t *testing.T) {
	cases := []struct {
		name string
		fn   func() *Packet
	}{
		{"empty", func() *Packet { return New() }},
		{"withHead", func() *Packet {
			p := New()
			p.SetString("type", "bulk")
			p.SetUint32("c", 7)
			return p
		}},
		{"withBody", func() *Packet {
			p := New()
			p.SetBody([]byte("hello world"))
			return p
		}},
		{"openPacket", func() *Packet {
			p := New()
			p.SetOpenCSID(0x1a)
			p.SetBody([]byte{1, 2, 3})
			return p
		}},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			p := c.fn()
			raw, err := p.Raw()
			if err != nil {
				t.Fatalf("Raw: %v", err)
			}
			parsed, err := Parse(raw)
			if err != nil {
				t.Fatalf("Parse: %v", err)
			}
			raw2, err := parsed.Raw()
			if err != nil {
				t.Fatalf("Raw after parse: %v", err)
			}
			if !bytes.Equal(raw, raw2) {
				t.Fatalf("round trip mismatch: %x != %x", raw, raw2)
			}
			if !bytes.Equal(p.Body(), parsed.Body()) {
				t.Fatalf("body mismatch: %x != %x", p.Body(), parsed.Body())
			}
		})
	}
}

func TestParseMalformedHeadLenExceedsInput(t *testing.T) {
	raw := []byte{0, 10, 1, 2, 3} // head length 10 but only 3 bytes follow
	_, err := Parse(raw)
	if !merr.Is(err, merr.Malformed) {
		t.Fatalf("expected Malformed error, got %v", err)
	}
}

func TestParseMalformedJSON(t *testing.T) {
	headBytes := []byte(`{"bad":`)
	raw := make([]byte, 2+len(headBytes))
	raw[0] = 0
	raw[1] = byte(len(headBytes))
	copy(raw[2:], headBytes)
	_, err := Parse(raw)
	if !merr.Is(err, merr.Malformed) {
		t.Fatalf("expected Malformed error, got %v", err)
	}
}

func TestGetSetString(t *testing.T) {
	p := New()
	p.SetString("line", "deadbeef")
	v, ok := p.GetString("line")
	if !ok || v != "deadbeef" {
		t.Fatalf("got %q, %v", v, ok)
	}
	if _, ok := p.GetString("missing"); ok {
		t.Fatal("expected missing key to be absent")
	}
}

func TestGetSetIntAfterRoundTrip(t *testing.T) {
	p := New()
	p.SetInt("at", 1234567890)
	raw, err := p.Raw()
	if err != nil {
		t.Fatal(err)
	}
	parsed, err := Parse(raw)
	if err != nil {
		t.Fatal(err)
	}
	v, ok := parsed.GetInt("at")
	if !ok || v != 1234567890 {
		t.Fatalf("got %d, %v", v, ok)
	}
}

func TestChainQueue(t *testing.T) {
	a, b, c := New(), New(), New()
	a.SetString("name", "a")
	b.SetString("name", "b")
	c.SetString("name", "c")

	var head *Packet
	head = Push(head, a)
	head = Push(head, b)
	head = Push(head, c)

	var order []string
	for head != nil {
		var pkt *Packet
		pkt, head = Shift(head)
		name, _ := pkt.GetString("name")
		order = append(order, name)
	}

	if len(order) != 3 || order[0] != "a" || order[1] != "b" || order[2] != "c" {
		t.Fatalf("unexpected order: %v", order)
	}
}

func TestOpenCSIDRoundTrip(t *testing.T) {
	p := New()
	p.SetOpenCSID(0x3a)
	raw, err := p.Raw()
	if err != nil {
		t.Fatal(err)
	}
	if len(raw) < 3 || raw[0] != 0 || raw[1] != 1 || raw[2] != 0x3a {
		t.Fatalf("unexpected open packet wire encoding: %x", raw)
	}
	parsed, err := Parse(raw)
	if err != nil {
		t.Fatal(err)
	}
	csid, ok := parsed.OpenCSID()
	if !ok || csid != 0x3a {
		t.Fatalf("got %x, %v", csid, ok)
	}
}
