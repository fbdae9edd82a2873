// Package wsframe implements RFC 6455 WebSocket frame parsing/assembly,
// including fragmentation, masking, permessage-deflate (RFC 7692) and the
// older x-webkit-deflate-frame extension, per spec §4.5.
package wsframe

import (
	"bytes"
	"compress/flate"
	"encoding/binary"
	"io"

	"github.com/pkg/errors"
)

// Opcode is the WebSocket frame opcode.
type Opcode byte

const (
	OpContinuation Opcode = 0x0
	OpText         Opcode = 0x1
	OpBinary       Opcode = 0x2
	OpClose        Opcode = 0x8
	OpPing         Opcode = 0x9
	OpPong         Opcode = 0xA
)

// Extension identifies the negotiated deflate extension, if any.
type Extension int

const (
	ExtNone Extension = iota
	ExtPermessageDeflate
	ExtWebkitDeflateFrame
)

// Limits match spec §5's resource caps.
const (
	MaxFramePayload = 4 << 20  // 4 MiB
	MaxMessage      = 32 << 20 // 32 MiB
)

var (
	// ErrFrameTooLarge is returned when a single frame's payload exceeds
	// MaxFramePayload (spec §4.5 step 5).
	ErrFrameTooLarge = errors.New("wsframe: frame payload exceeds cap")
	// ErrMessageTooLarge is returned when the cumulative assembled message
	// would exceed MaxMessage.
	ErrMessageTooLarge = errors.New("wsframe: message exceeds cap")
	// ErrBadFrame covers any other structurally malformed frame.
	ErrBadFrame = errors.New("wsframe: malformed frame")
)

// Message is a fully assembled, decoded application message (spec §4.5
// step 7): either a control frame outcome or a data message.
type Message struct {
	Opcode  Opcode // OpText or OpBinary for data; OpPing/OpPong/OpClose for control
	Payload []byte
}

// Decoder incrementally parses a byte stream (arbitrarily fragmented at the
// TCP layer) into Messages. One Decoder per session, matching spec §3's "the
// in-progress message buffer is empty iff no partial frame has been seen".
type Decoder struct {
	IsClient  bool // true if decoding frames sent BY a client (must be masked)
	Extension Extension

	scratch []byte // not-yet-parsed bytes
	// in-progress message assembly state
	msgOpcode   Opcode
	msgBuf      []byte // assembled (decompressed, if per-frame) payload so far
	rawBuf      []byte // raw (still-compressed) payload so far, for permessage-deflate
	msgRSV1Seen bool
	inMessage   bool
}

// Feed appends newly received bytes and repeatedly attempts to parse
// frames, appending any complete Messages to out. All of in is copied into
// its internal scratch buffer, so callers don't need to retain in
// afterwards. It returns an error if a frame violated the spec.
func (d *Decoder) Feed(in []byte, out *[]Message) error {
	d.scratch = append(d.scratch, in...)
	for {
		consumed, ctrlOrData, err := d.tryParseOne()
		if err != nil {
			return err
		}
		if consumed == 0 {
			return nil // need more bytes
		}
		d.scratch = d.scratch[consumed:]
		if ctrlOrData != nil {
			*out = append(*out, *ctrlOrData)
		}
	}
}

// HasPartial reports whether a message is mid-assembly, i.e. spec §3's
// "in-progress message buffer is empty iff no partial frame has been seen".
func (d *Decoder) HasPartial() bool { return d.inMessage }

// tryParseOne attempts to parse exactly one frame from d.scratch. It
// returns consumed=0 if more bytes are needed. msg is non-nil when the
// frame completed a deliverable application message (control frame handled
// per §4.5 step 7, or a FIN data frame).
func (d *Decoder) tryParseOne() (consumed int, msg *Message, err error) {
	b := d.scratch
	if len(b) < 2 {
		return 0, nil, nil
	}
	fin := b[0]&0x80 != 0
	rsv1 := b[0]&0x40 != 0
	opcode := Opcode(b[0] & 0x0f)
	masked := b[1]&0x80 != 0
	lenField := int(b[1] & 0x7f)

	if d.IsClient != masked {
		// spec §4.5 step 4: client->server MUST be masked, server->client
		// MUST NOT be.
		return 0, nil, errors.Wrap(ErrBadFrame, "mask bit mismatch")
	}

	hdr := 2
	var payloadLen uint64
	switch lenField {
	case 126:
		if len(b) < hdr+2 {
			return 0, nil, nil
		}
		payloadLen = uint64(binary.BigEndian.Uint16(b[hdr:]))
		hdr += 2
	case 127:
		if len(b) < hdr+8 {
			return 0, nil, nil
		}
		payloadLen = binary.BigEndian.Uint64(b[hdr:])
		hdr += 8
	default:
		payloadLen = uint64(lenField)
	}

	if payloadLen > MaxFramePayload {
		return 0, nil, ErrFrameTooLarge
	}

	var mask [4]byte
	if masked {
		if len(b) < hdr+4 {
			return 0, nil, nil
		}
		copy(mask[:], b[hdr:hdr+4])
		hdr += 4
	}

	total := hdr + int(payloadLen)
	if len(b) < total {
		return 0, nil, nil
	}

	payload := make([]byte, payloadLen)
	copy(payload, b[hdr:total])
	if masked {
		applyMask(payload, mask, 0)
	}

	if opcode == OpClose || opcode == OpPing || opcode == OpPong {
		// control frames are always one-frame, never fragmented (spec §4.5).
		return total, &Message{Opcode: opcode, Payload: payload}, nil
	}

	if opcode != OpContinuation {
		d.msgOpcode = opcode
		d.msgBuf = nil
		d.rawBuf = nil
		d.msgRSV1Seen = false
		d.inMessage = true
	}
	if rsv1 {
		d.msgRSV1Seen = true
	}

	if err := d.absorbPayload(payload, rsv1); err != nil {
		return 0, nil, err
	}

	if !fin {
		return total, nil, nil
	}

	final, err := d.finishMessage()
	if err != nil {
		return 0, nil, err
	}
	d.inMessage = false
	return total, &Message{Opcode: d.msgOpcode, Payload: final}, nil
}

// absorbPayload folds one frame's (already unmasked) payload into the
// in-progress message per spec §4.5 step 6.
func (d *Decoder) absorbPayload(payload []byte, rsv1 bool) error {
	switch {
	case rsv1 && d.Extension == ExtWebkitDeflateFrame:
		// x-webkit-deflate-frame: decompress THIS frame now, prefixing the
		// zlib magic the extension omits on the wire.
		out, err := inflateZlibHeaderless(payload)
		if err != nil {
			return errors.Wrap(err, "wsframe: webkit-deflate-frame")
		}
		d.msgBuf = append(d.msgBuf, out...)
	case d.Extension == ExtPermessageDeflate && d.msgRSV1Seen:
		// permessage-deflate: buffer raw compressed bytes, decompress once
		// at end-of-message (spec §4.5 step 7).
		d.rawBuf = append(d.rawBuf, payload...)
	default:
		d.msgBuf = append(d.msgBuf, payload...)
	}
	if len(d.msgBuf)+len(d.rawBuf) > MaxMessage {
		return ErrMessageTooLarge
	}
	return nil
}

// finishMessage produces the final assembled message payload on FIN.
func (d *Decoder) finishMessage() ([]byte, error) {
	if d.Extension == ExtPermessageDeflate && d.msgRSV1Seen {
		out, err := inflateDeflateBlock(d.rawBuf)
		if err != nil {
			return nil, errors.Wrap(err, "wsframe: permessage-deflate")
		}
		if len(out) > MaxMessage {
			return nil, ErrMessageTooLarge
		}
		return out, nil
	}
	return d.msgBuf, nil
}

// inflateZlibHeaderless decompresses a single x-webkit-deflate-frame
// payload. The extension strips the zlib 2-byte header (0x78 0x9c) from the
// wire; spec §4.5 step 6 says to prepend it before decompressing. Since the
// header itself carries no information our flate-based decoder needs, we
// simply skip straight to the raw DEFLATE block.
func inflateZlibHeaderless(payload []byte) ([]byte, error) {
	return inflateDeflateBlock(payload)
}

// inflateDeflateBlock decompresses a raw DEFLATE stream. RFC 7692 requires
// appending the 4-byte terminator 00 00 ff ff (stripped on the wire) before
// handing it to a stock flate.Reader. That terminator is a non-final
// (BFINAL=0) empty stored block, since it was produced by a sync flush, not
// Close: flate.Reader hits true end-of-input looking for the next block
// header and reports io.ErrUnexpectedEOF even though decompression fully
// succeeded, so that specific error is the expected, clean terminator here
// rather than a real failure.
func inflateDeflateBlock(p []byte) ([]byte, error) {
	full := append(append([]byte{}, p...), 0x00, 0x00, 0xff, 0xff)
	r := flate.NewReader(bytes.NewReader(full))
	defer r.Close()
	var out bytes.Buffer
	if _, err := io.Copy(&out, r); err != nil && err != io.ErrUnexpectedEOF {
		return nil, err
	}
	return out.Bytes(), nil
}
