package ucp

import (
	"bytes"
	"encoding/binary"
	"testing"
	"time"
)

func newLocalSession() *Session {
	cfg := DefaultConfig()
	cfg.TickInterval = time.Hour // keep the background updater from firing mid-test
	return newSession(0x00010002, cfg, nil)
}

func TestSessionDeliversInOrder(t *testing.T) {
	s := newLocalSession()
	defer s.teardown(ReasonFIN)

	s.onDAT(0, []byte("a"))
	s.onDAT(1, []byte("b"))
	s.onDAT(2, []byte("c"))

	buf := make([]byte, 3)
	n, err := s.Read(buf)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if n != 3 || !bytes.Equal(buf, []byte("abc")) {
		t.Fatalf("got %q, want %q", buf[:n], "abc")
	}
}

func TestSessionReordersOutOfOrderPackets(t *testing.T) {
	s := newLocalSession()
	defer s.teardown(ReasonFIN)

	s.onDAT(2, []byte("c"))
	s.onDAT(0, []byte("a"))
	s.onDAT(1, []byte("b"))

	buf := make([]byte, 3)
	n, err := s.Read(buf)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if !bytes.Equal(buf[:n], []byte("abc")) {
		t.Fatalf("got %q, want %q", buf[:n], "abc")
	}
}

func TestSessionDropsBelowWindowDuplicates(t *testing.T) {
	s := newLocalSession()
	defer s.teardown(ReasonFIN)

	s.onDAT(0, []byte("a"))
	buf := make([]byte, 1)
	s.Read(buf)

	s.onDAT(0, []byte("a")) // duplicate, already delivered
	s.mu.Lock()
	next := s.nextRecvSeq
	s.mu.Unlock()
	if next != 1 {
		t.Fatalf("expected nextRecvSeq to stay at 1, got %d", next)
	}
}

func TestOnACKRemovesAcknowledgedEntries(t *testing.T) {
	s := newLocalSession()
	defer s.teardown(ReasonFIN)

	s.mu.Lock()
	s.sendQueue[0] = &outEntry{seq: 0, wire: []byte("x")}
	s.sendQueue[1] = &outEntry{seq: 1, wire: []byte("y")}
	s.sendQueue[5] = &outEntry{seq: 5, wire: []byte("z")}
	s.mu.Unlock()

	s.onACK(1, nil)

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sendQueue[0]; ok {
		t.Fatal("seq 0 should have been acked away")
	}
	if _, ok := s.sendQueue[1]; ok {
		t.Fatal("seq 1 should have been acked away")
	}
	if _, ok := s.sendQueue[5]; !ok {
		t.Fatal("seq 5 is beyond the ack and should remain queued")
	}
}

func TestOnACKPayloadMaxSeqAdvancesPeerMaxAcked(t *testing.T) {
	s := newLocalSession()
	defer s.teardown(ReasonFIN)

	s.mu.Lock()
	s.sendQueue[2] = &outEntry{seq: 2, wire: []byte("hole")}
	s.mu.Unlock()

	// Cumulative ack stops at the hole (seq 1), but the peer has
	// selectively acked up through seq 10: peerMaxAcked must follow the
	// out-of-order payload value, not just the cumulative ackSeq, or a gap
	// this far ahead can never satisfy the fast-retransmit test.
	payload := make([]byte, 8)
	binary.BigEndian.PutUint64(payload, 10)
	s.onACK(1, payload)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.peerMaxAcked != 10 {
		t.Fatalf("peerMaxAcked = %d, want 10", s.peerMaxAcked)
	}
	if _, ok := s.sendQueue[2]; !ok {
		t.Fatal("seq 2 (the hole) should still be queued, only maxSeq=10 is removed")
	}
}

func TestTickFastRetransmitsOnSelectiveAckGap(t *testing.T) {
	s := newLocalSession()
	defer s.teardown(ReasonFIN)

	s.mu.Lock()
	s.sendQueue[2] = &outEntry{seq: 2, wire: []byte("hole"), sentAt: time.Now()}
	s.peerMaxAcked = 2 + s.cfg.FastRetransmitDelta
	s.mu.Unlock()

	s.tick()

	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.sendQueue[2]
	if !ok {
		t.Fatal("seq 2 should still be queued after a fast retransmit")
	}
	if e.retry != 1 {
		t.Fatalf("expected one fast retransmit to have fired, retry = %d", e.retry)
	}
}

func TestReadAfterCloseReturnsErr(t *testing.T) {
	s := newLocalSession()
	s.teardown(ReasonTimeout)

	_, err := s.Read(make([]byte, 1))
	if err != ErrTimeout {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}
}
