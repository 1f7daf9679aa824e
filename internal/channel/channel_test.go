package channel

import (
	"testing"

	"github.com/postalsys/meshline/internal/lob"
)

func newTestManager(t *testing.T, onOpen OnOpenFunc) (*Manager, *[]*lob.Packet) {
	t.Helper()
	var sent []*lob.Packet
	send := func(p *lob.Packet) error {
		sent = append(sent, p)
		return nil
	}
	return NewManager(send, onOpen, nil), &sent
}

func TestOpenSendsTypeAndStampsChannelID(t *testing.T) {
	m, sent := newTestManager(t, nil)
	ch, err := m.Open(2, "bulk", nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if ch.State() != Open {
		t.Fatalf("expected Open, got %v", ch.State())
	}
	if len(*sent) != 1 {
		t.Fatalf("expected one packet sent, got %d", len(*sent))
	}
	kind, _ := (*sent)[0].GetString("type")
	if kind != "bulk" {
		t.Fatalf("expected type=bulk, got %q", kind)
	}
	id, _ := (*sent)[0].GetUint32("c")
	if id != 2 {
		t.Fatalf("expected c=2, got %d", id)
	}
}

func TestDispatchUnseenWithTypeCreatesOpeningChannel(t *testing.T) {
	var gotKind string
	var gotID uint32
	m, _ := newTestManager(t, func(kind string, id uint32) Handler {
		gotKind, gotID = kind, id
		return nil
	})

	pkt := lob.New()
	pkt.SetUint32("c", 7)
	pkt.SetString("type", "bulk")
	if err := m.Dispatch(pkt); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}

	if gotKind != "bulk" || gotID != 7 {
		t.Fatalf("onOpen not invoked with expected kind/id: %q %d", gotKind, gotID)
	}
	ch, ok := m.Get(7)
	if !ok {
		t.Fatal("expected channel 7 to exist")
	}
	if ch.State() != Opening {
		t.Fatalf("expected channel to stay Opening after its opening packet, got %v", ch.State())
	}
}

func TestDispatchUnseenWithoutTypeIsDropped(t *testing.T) {
	m, _ := newTestManager(t, nil)
	pkt := lob.New()
	pkt.SetUint32("c", 9)
	if err := m.Dispatch(pkt); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if _, ok := m.Get(9); ok {
		t.Fatal("expected no channel to be created")
	}
}

func TestDispatchEndTransitionsToEnded(t *testing.T) {
	var delivered []*lob.Packet
	m, _ := newTestManager(t, func(kind string, id uint32) Handler {
		return func(ch *Channel, pkt *lob.Packet) {
			delivered = append(delivered, pkt)
		}
	})

	open := lob.New()
	open.SetUint32("c", 3)
	open.SetString("type", "bulk")
	if err := m.Dispatch(open); err != nil {
		t.Fatal(err)
	}

	end := lob.New()
	end.SetUint32("c", 3)
	end.SetBool("end", true)
	if err := m.Dispatch(end); err != nil {
		t.Fatal(err)
	}

	ch, _ := m.Get(3)
	if ch.State() != Ended {
		t.Fatalf("expected Ended, got %v", ch.State())
	}
	if len(delivered) != 2 {
		t.Fatalf("expected both packets delivered to handler, got %d", len(delivered))
	}
}

func TestDispatchErrTransitionsToErroredAndDelivers(t *testing.T) {
	var delivered bool
	m, _ := newTestManager(t, func(kind string, id uint32) Handler {
		return func(ch *Channel, pkt *lob.Packet) {
			delivered = true
		}
	})

	open := lob.New()
	open.SetUint32("c", 5)
	open.SetString("type", "bulk")
	if err := m.Dispatch(open); err != nil {
		t.Fatal(err)
	}

	errPkt := lob.New()
	errPkt.SetUint32("c", 5)
	errPkt.SetString("err", "boom")
	if err := m.Dispatch(errPkt); err != nil {
		t.Fatal(err)
	}

	ch, _ := m.Get(5)
	if ch.State() != Errored {
		t.Fatalf("expected Errored, got %v", ch.State())
	}
	if !delivered {
		t.Fatal("expected err packet to still be delivered")
	}
}

func TestSendFailsOnEndedChannel(t *testing.T) {
	m, _ := newTestManager(t, nil)
	ch, err := m.Open(2, "bulk", nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := ch.End(); err != nil {
		t.Fatal(err)
	}
	end := lob.New()
	end.SetUint32("c", 2)
	end.SetBool("end", true)
	ch.deliver(end)

	if err := ch.Send(lob.New()); err == nil {
		t.Fatal("expected error sending on ended channel")
	}
}

func TestCloseAllEndsEveryChannel(t *testing.T) {
	m, _ := newTestManager(t, nil)
	if _, err := m.Open(2, "bulk", nil); err != nil {
		t.Fatal(err)
	}
	if _, err := m.Open(4, "bulk", nil); err != nil {
		t.Fatal(err)
	}
	m.CloseAll()
	if m.Len() != 0 {
		t.Fatalf("expected no tracked channels after CloseAll, got %d", m.Len())
	}
}

func TestReceiveQueuesWhenNoHandler(t *testing.T) {
	m, _ := newTestManager(t, func(kind string, id uint32) Handler { return nil })
	open := lob.New()
	open.SetUint32("c", 1)
	open.SetString("type", "bulk")
	if err := m.Dispatch(open); err != nil {
		t.Fatal(err)
	}
	follow := lob.New()
	follow.SetUint32("c", 1)
	follow.SetBody([]byte("hi"))
	if err := m.Dispatch(follow); err != nil {
		t.Fatal(err)
	}

	ch, _ := m.Get(1)
	first, ok := ch.Receive()
	if !ok {
		t.Fatal("expected first queued packet")
	}
	if first.Has("type") != true {
		t.Fatal("expected first packet to be the opening packet")
	}
	second, ok := ch.Receive()
	if !ok || string(second.Body()) != "hi" {
		t.Fatal("expected second queued packet with body 'hi'")
	}
	if _, ok := ch.Receive(); ok {
		t.Fatal("expected queue to be drained")
	}
}
