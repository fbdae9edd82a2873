package ucp

import (
	"encoding/binary"
	"hash/crc32"

	"github.com/pkg/errors"
	"github.com/templexxx/xorsimd"
)

// Wire commands (spec §4.7).
const (
	cmdHRT  byte = 20
	cmdSYN  byte = 21
	cmdSYNR byte = 22
	cmdDAT  byte = 30
	cmdDATR byte = 31 // redundant (FEC parity) data, never counted in the ordered stream
	cmdACK  byte = 32
	cmdFIN  byte = 33
)

// headerSize is the 20-byte header: crc32(4) + session-id(4) + seq(8) +
// cmd(1) + reserved(1) + payload length(2).
const headerSize = 20

// maxPacket is the largest payload a single DAT packet carries, matching
// spec §4.7's "≈1472 bytes" payload ceiling for a 1500 byte-MTU link;
// Session.Write lowers it to Config.MTU minus headerSize when that is smaller.
const maxPacket = 1472

var crcTable = crc32.MakeTable(crc32.IEEE)

// packet is one decoded UCP frame.
type packet struct {
	sessionID uint32
	seq       uint64
	cmd       byte
	payload   []byte
}

// encodePacket builds the wire form of p: header + payload, CRC32 over the
// 16 bytes following the CRC field plus the payload, then the whole frame
// from offset 4 onward is XOR-masked with the CRC value (spec §4.7). This is
// an obfuscation pass only, never a security boundary.
func encodePacket(p packet) []byte {
	buf := make([]byte, headerSize+len(p.payload))
	binary.BigEndian.PutUint32(buf[4:8], p.sessionID)
	binary.BigEndian.PutUint64(buf[8:16], p.seq)
	buf[16] = p.cmd
	buf[17] = 0
	binary.BigEndian.PutUint16(buf[18:20], uint16(len(p.payload)))
	copy(buf[headerSize:], p.payload)

	sum := crc32.Checksum(buf[4:], crcTable)
	binary.BigEndian.PutUint32(buf[0:4], sum)

	mask := make([]byte, 4)
	binary.BigEndian.PutUint32(mask, sum)
	xorsimd.Bytes(buf[4:], buf[4:], repeatMask(mask, len(buf)-4))
	return buf
}

// repeatMask tiles a 4-byte mask out to n bytes, matching the wsframe
// package's mask-tiling approach for xorsimd.Bytes.
func repeatMask(mask []byte, n int) []byte {
	out := make([]byte, n)
	for i := range out {
		out[i] = mask[i%4]
	}
	return out
}

// decodePacket reverses encodePacket and verifies the CRC, rejecting
// malformed or truncated frames cheaply (spec §4.7's "reject malformed
// packets cheaply" framing of the obfuscation pass).
func decodePacket(buf []byte) (packet, error) {
	if len(buf) < headerSize {
		return packet{}, errors.New("ucp: short packet")
	}
	sum := binary.BigEndian.Uint32(buf[0:4])

	plain := make([]byte, len(buf)-4)
	mask := make([]byte, 4)
	binary.BigEndian.PutUint32(mask, sum)
	xorsimd.Bytes(plain, buf[4:], repeatMask(mask, len(plain)))

	if crc32.Checksum(plain, crcTable) != sum {
		return packet{}, errors.New("ucp: crc mismatch")
	}

	sessionID := binary.BigEndian.Uint32(plain[0:4])
	seq := binary.BigEndian.Uint64(plain[4:12])
	cmd := plain[12]
	plen := binary.BigEndian.Uint16(plain[14:16])
	if int(plen) > len(plain)-16 {
		return packet{}, errors.New("ucp: payload length overruns packet")
	}
	payload := append([]byte(nil), plain[16:16+int(plen)]...)
	return packet{sessionID: sessionID, seq: seq, cmd: cmd, payload: payload}, nil
}
