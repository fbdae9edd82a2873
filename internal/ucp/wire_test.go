package ucp

import (
	"bytes"
	"testing"
)

func TestEncodeDecodePacketRoundTrip(t *testing.T) {
	p := packet{sessionID: 0x11223344, seq: 987654321, cmd: cmdDAT, payload: []byte("hello ucp")}
	wire := encodePacket(p)

	got, err := decodePacket(wire)
	if err != nil {
		t.Fatalf("decodePacket: %v", err)
	}
	if got.sessionID != p.sessionID || got.seq != p.seq || got.cmd != p.cmd {
		t.Fatalf("round trip mismatch: got %+v, want %+v", got, p)
	}
	if !bytes.Equal(got.payload, p.payload) {
		t.Fatalf("payload mismatch: got %q, want %q", got.payload, p.payload)
	}
}

func TestEncodePacketEmptyPayload(t *testing.T) {
	wire := encodePacket(packet{sessionID: 1, cmd: cmdHRT})
	got, err := decodePacket(wire)
	if err != nil {
		t.Fatalf("decodePacket: %v", err)
	}
	if len(got.payload) != 0 {
		t.Fatalf("expected empty payload, got %d bytes", len(got.payload))
	}
}

func TestDecodePacketRejectsCorruptedFrame(t *testing.T) {
	wire := encodePacket(packet{sessionID: 1, seq: 1, cmd: cmdDAT, payload: []byte("abc")})
	wire[10] ^= 0xff // corrupt a masked header byte
	if _, err := decodePacket(wire); err == nil {
		t.Fatal("expected crc mismatch error, got nil")
	}
}

func TestDecodePacketRejectsShortFrame(t *testing.T) {
	if _, err := decodePacket([]byte{1, 2, 3}); err == nil {
		t.Fatal("expected error on short frame")
	}
}
