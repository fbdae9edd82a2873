package wsframe

import "github.com/templexxx/xorsimd"

// maskTileSize is the length of the tiled mask buffer applyMask builds on
// each call and XORs against the payload one tile at a time.
const maskTileSize = 4096

// applyMask XORs p in place against the 4-byte cyclic mask, starting at the
// given phase offset (so masking can resume across buffer boundaries - e.g.
// buffered-but-not-yet-decoded payload split across two reads). This is the
// RFC 6455 masking algorithm; xorsimd gives us the "little-endian
// word-at-a-time" XOR spec §4.5 step 6 calls for.
func applyMask(p []byte, mask [4]byte, phase int) {
	if len(p) == 0 {
		return
	}
	tile := make([]byte, maskTileSize)
	for i := range tile {
		tile[i] = mask[(phase+i)%4]
	}
	for off := 0; off < len(p); off += maskTileSize {
		end := off + maskTileSize
		if end > len(p) {
			end = len(p)
		}
		n := end - off
		xorsimd.Bytes(p[off:end], p[off:end], tile[:n])
	}
}
