package wsframe

import (
	"bytes"
	"compress/flate"
	"crypto/rand"
	"encoding/binary"

	"github.com/pkg/errors"
)

// maxFramePayloadOut is the outbound per-frame split size (spec §4.5 send
// path: "frames of up to ~62 KiB").
const maxFramePayloadOut = 62 * 1024

// permessageDeflateMinSize is the threshold below which whole-message
// compression is skipped even when negotiated (spec §4.5 send path).
const permessageDeflateMinSize = 128

// Encoder turns application messages into wire frames for one session.
type Encoder struct {
	IsClient  bool // true if this encoder originates client->server frames (must mask)
	Extension Extension
}

// Encode splits msg into one or more complete wire frames carrying opcode,
// applying the negotiated deflate extension per spec §4.5's send path.
func (e *Encoder) Encode(opcode Opcode, msg []byte) ([]byte, error) {
	switch {
	case opcode == OpClose || opcode == OpPing || opcode == OpPong:
		return e.encodeControlFrame(opcode, msg)
	case e.Extension == ExtPermessageDeflate && len(msg) >= permessageDeflateMinSize:
		compressed, err := deflateBlock(msg)
		if err != nil {
			return nil, errors.Wrap(err, "wsframe: permessage-deflate encode")
		}
		return e.encodeDataFrames(opcode, compressed, true /*rsv1 on first frame only*/, false)
	case e.Extension == ExtWebkitDeflateFrame:
		return e.encodeWebkitFrames(opcode, msg)
	default:
		return e.encodeDataFrames(opcode, msg, false, false)
	}
}

func (e *Encoder) encodeControlFrame(opcode Opcode, payload []byte) ([]byte, error) {
	if len(payload) > 125 {
		return nil, errors.New("wsframe: control frame payload over 125 bytes")
	}
	return e.frame(true, false, opcode, payload)
}

// encodeDataFrames splits payload into <=maxFramePayloadOut chunks. rsv1First
// sets RSV1 only on the first frame (permessage-deflate semantics); the
// per-frame case (webkit) is handled by encodeWebkitFrames instead.
func (e *Encoder) encodeDataFrames(opcode Opcode, payload []byte, rsv1First, rsv1Each bool) ([]byte, error) {
	var out bytes.Buffer
	if len(payload) == 0 {
		b, err := e.frame(true, rsv1First, opcode, nil)
		if err != nil {
			return nil, err
		}
		return b, nil
	}
	first := true
	for off := 0; off < len(payload); off += maxFramePayloadOut {
		end := off + maxFramePayloadOut
		if end > len(payload) {
			end = len(payload)
		}
		fin := end == len(payload)
		op := OpContinuation
		if first {
			op = opcode
		}
		rsv1 := rsv1Each || (rsv1First && first)
		b, err := e.frame(fin, rsv1, op, payload[off:end])
		if err != nil {
			return nil, err
		}
		out.Write(b)
		first = false
	}
	return out.Bytes(), nil
}

// encodeWebkitFrames compresses each outbound frame independently and sets
// RSV1 on every frame (spec §4.5 send path, x-webkit-deflate-frame branch).
func (e *Encoder) encodeWebkitFrames(opcode Opcode, payload []byte) ([]byte, error) {
	var out bytes.Buffer
	if len(payload) == 0 {
		compressed, err := deflateBlock(nil)
		if err != nil {
			return nil, err
		}
		b, err := e.frame(true, true, opcode, compressed)
		if err != nil {
			return nil, err
		}
		return b, nil
	}
	first := true
	for off := 0; off < len(payload); off += maxFramePayloadOut {
		end := off + maxFramePayloadOut
		if end > len(payload) {
			end = len(payload)
		}
		fin := end == len(payload)
		op := OpContinuation
		if first {
			op = opcode
		}
		compressed, err := deflateBlock(payload[off:end])
		if err != nil {
			return nil, errors.Wrap(err, "wsframe: webkit-deflate-frame encode")
		}
		b, err := e.frame(fin, true, op, compressed)
		if err != nil {
			return nil, err
		}
		out.Write(b)
		first = false
	}
	return out.Bytes(), nil
}

// frame writes a single frame header (+ mask, if IsClient) and payload.
func (e *Encoder) frame(fin, rsv1 bool, opcode Opcode, payload []byte) ([]byte, error) {
	var buf bytes.Buffer
	b0 := byte(opcode)
	if fin {
		b0 |= 0x80
	}
	if rsv1 {
		b0 |= 0x40
	}
	buf.WriteByte(b0)

	maskBit := byte(0)
	if e.IsClient {
		maskBit = 0x80
	}

	n := len(payload)
	switch {
	case n < 126:
		buf.WriteByte(maskBit | byte(n))
	case n <= 0xffff:
		buf.WriteByte(maskBit | 126)
		binary.Write(&buf, binary.BigEndian, uint16(n))
	default:
		buf.WriteByte(maskBit | 127)
		binary.Write(&buf, binary.BigEndian, uint64(n))
	}

	if e.IsClient {
		var mask [4]byte
		if _, err := rand.Read(mask[:]); err != nil {
			return nil, errors.Wrap(err, "wsframe: generate mask")
		}
		// A non-zero mask is required by spec §4.5; in the all-zero case
		// (astronomically rare) the first byte is forced to 1.
		if mask == [4]byte{} {
			mask[0] = 1
		}
		buf.Write(mask[:])
		masked := append([]byte(nil), payload...)
		applyMask(masked, mask, 0)
		buf.Write(masked)
	} else {
		buf.Write(payload)
	}
	return buf.Bytes(), nil
}

// deflateBlock DEFLATE-compresses p with a sync flush and strips the
// trailing 00 00 ff ff terminator per RFC 7692 (spec §4.5 send path). A
// sync flush (not Close) is required: Close emits a final block (BFINAL=1)
// that a peer's per-message inflate context cannot resume after, and its
// tail bytes aren't the 00 00 ff ff RFC 7692 names for stripping.
func deflateBlock(p []byte) ([]byte, error) {
	var buf bytes.Buffer
	w, err := flate.NewWriter(&buf, flate.DefaultCompression)
	if err != nil {
		return nil, err
	}
	if _, err := w.Write(p); err != nil {
		return nil, err
	}
	if err := w.Flush(); err != nil {
		return nil, err
	}
	out := buf.Bytes()
	if bytes.HasSuffix(out, []byte{0x00, 0x00, 0xff, 0xff}) {
		out = out[:len(out)-4]
	}
	return out, nil
}
