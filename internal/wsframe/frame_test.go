package wsframe

import (
	"bytes"
	"testing"
)

func TestAcceptKeyRFCExample(t *testing.T) {
	got := AcceptKey("dGhlIHNhbXBsZSBub25jZQ==")
	want := "s3pPLMBiTxaQ9kYGzzhZRbK+xOo="
	if got != want {
		t.Fatalf("AcceptKey = %q, want %q", got, want)
	}
}

func TestNegotiateExtensionPreference(t *testing.T) {
	ext, resp := NegotiateExtension("permessage-deflate; client_max_window_bits, x-webkit-deflate-frame")
	if ext != ExtPermessageDeflate {
		t.Fatalf("ext = %v, want ExtPermessageDeflate", ext)
	}
	if resp == "" {
		t.Fatal("expected non-empty response extension header")
	}
	ext2, _ := NegotiateExtension("x-webkit-deflate-frame")
	if ext2 != ExtWebkitDeflateFrame {
		t.Fatalf("ext2 = %v, want ExtWebkitDeflateFrame", ext2)
	}
	ext3, resp3 := NegotiateExtension("")
	if ext3 != ExtNone || resp3 != "" {
		t.Fatalf("ext3 = %v resp3 = %q, want ExtNone/empty", ext3, resp3)
	}
}

// scenario D: fragmented, masked, uncompressed text message "Hello".
func TestFragmentedMaskedTextMessage(t *testing.T) {
	mask := [4]byte{0x37, 0xfa, 0x21, 0x3d}
	hello := []byte("Hello")
	masked := append([]byte(nil), hello...)
	applyMask(masked, mask, 0)

	frame1 := []byte{0x01, 0x85}
	frame1 = append(frame1, mask[:]...)
	frame1 = append(frame1, masked...)

	frame2 := []byte{0x80, 0x80}
	frame2 = append(frame2, mask[:]...) // empty payload

	dec := &Decoder{IsClient: true}
	var out []Message
	if err := dec.Feed(frame1, &out); err != nil {
		t.Fatalf("Feed frame1: %v", err)
	}
	if len(out) != 0 {
		t.Fatalf("expected no message after first fragment, got %d", len(out))
	}
	if !dec.HasPartial() {
		t.Fatal("expected HasPartial true after first fragment")
	}
	if err := dec.Feed(frame2, &out); err != nil {
		t.Fatalf("Feed frame2: %v", err)
	}
	if len(out) != 1 {
		t.Fatalf("expected 1 message, got %d", len(out))
	}
	if out[0].Opcode != OpText {
		t.Fatalf("opcode = %v, want OpText", out[0].Opcode)
	}
	if string(out[0].Payload) != "Hello" {
		t.Fatalf("payload = %q, want %q", out[0].Payload, "Hello")
	}
	if dec.HasPartial() {
		t.Fatal("expected HasPartial false after FIN")
	}
}

// scenario: round-trip through Encoder -> Decoder for every extension mode.
func TestRoundTripAllExtensions(t *testing.T) {
	msg := bytes.Repeat([]byte("the quick brown fox jumps over the lazy dog. "), 10)
	for _, ext := range []Extension{ExtNone, ExtPermessageDeflate, ExtWebkitDeflateFrame} {
		enc := &Encoder{IsClient: true, Extension: ext}
		wire, err := enc.Encode(OpBinary, msg)
		if err != nil {
			t.Fatalf("ext %v: Encode: %v", ext, err)
		}
		dec := &Decoder{IsClient: true, Extension: ext}
		var out []Message
		if err := dec.Feed(wire, &out); err != nil {
			t.Fatalf("ext %v: Feed: %v", ext, err)
		}
		if len(out) != 1 {
			t.Fatalf("ext %v: got %d messages, want 1", ext, len(out))
		}
		if !bytes.Equal(out[0].Payload, msg) {
			t.Fatalf("ext %v: round trip mismatch", ext)
		}
	}
}

func TestFrameTooLargeRejected(t *testing.T) {
	dec := &Decoder{}
	// construct a header claiming a payload larger than MaxFramePayload
	big := uint64(MaxFramePayload) + 1
	hdr := []byte{0x82, 0x7f}
	for i := 7; i >= 0; i-- {
		hdr = append(hdr, byte(big>>(8*i)))
	}
	var out []Message
	err := dec.Feed(hdr, &out)
	if err == nil {
		t.Fatal("expected error for oversized frame")
	}
}
