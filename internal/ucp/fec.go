package ucp

import (
	"encoding/binary"

	"github.com/klauspost/reedsolomon"
)

// FEC groups spray ParityShard parity packets (cmd=DATR) alongside every
// DataShard consecutive DAT packets, letting the receiver reconstruct a
// dropped DAT without waiting on a retransmit (spec §9's note that kcp-go's
// fec.go is the grounding for this, adapted to UCP's own packet layout).
//
// Group membership is derived from seq, not carried on the wire: group
// number = seq / DataShard, shard index = seq % DataShard for DAT packets.
// A DATR packet reuses the seq field for the group's base seq (group number
// * DataShard) and prefixes its payload with a 1-byte parity shard index.
// Every shard is padded to fecShardSize with a 2-byte length prefix so a
// reconstructed shard can be trimmed back to its real payload length.

const fecShardSize = maxPacket + 2

func fecPadShard(payload []byte) []byte {
	shard := make([]byte, fecShardSize)
	binary.BigEndian.PutUint16(shard[:2], uint16(len(payload)))
	copy(shard[2:], payload)
	return shard
}

func fecUnpadShard(shard []byte) []byte {
	n := binary.BigEndian.Uint16(shard[:2])
	return append([]byte(nil), shard[2:2+int(n)]...)
}

// fecSender accumulates DataShard outbound payloads per group and emits
// ParityShard parity shards once a group fills.
type fecSender struct {
	enc    reedsolomon.Encoder
	data   int
	parity int

	group   uint64
	shards  [][]byte
	filled  int
}

func newFECSender(dataShards, parityShards int) (*fecSender, error) {
	enc, err := reedsolomon.New(dataShards, parityShards)
	if err != nil {
		return nil, err
	}
	return &fecSender{enc: enc, data: dataShards, parity: parityShards}, nil
}

// add feeds one outbound DAT payload (identified by its absolute seq) into
// the current group, returning parity shards (indexed from fs.data) once
// the group is complete.
func (fs *fecSender) add(seq uint64, payload []byte) [][]byte {
	group := seq / uint64(fs.data)
	if fs.filled == 0 {
		fs.group = group
		fs.shards = make([][]byte, fs.data+fs.parity)
	}
	idx := int(seq % uint64(fs.data))
	fs.shards[idx] = fecPadShard(payload)
	fs.filled++

	if fs.filled < fs.data {
		return nil
	}
	for i := fs.data; i < fs.data+fs.parity; i++ {
		fs.shards[i] = make([]byte, fecShardSize)
	}
	if err := fs.enc.Encode(fs.shards); err != nil {
		fs.filled = 0
		return nil
	}
	parity := fs.shards[fs.data : fs.data+fs.parity]
	fs.filled = 0
	return parity
}

// fecRecvGroup tracks arrived shards for one receive-side group.
type fecRecvGroup struct {
	shards [][]byte
	have   []bool
	count  int
}

// fecReceiver reconstructs missing DAT payloads from whatever DAT/DATR
// shards have arrived for a group.
type fecReceiver struct {
	enc    reedsolomon.Encoder
	data   int
	parity int
	groups map[uint64]*fecRecvGroup
}

func newFECReceiver(dataShards, parityShards int) (*fecReceiver, error) {
	enc, err := reedsolomon.New(dataShards, parityShards)
	if err != nil {
		return nil, err
	}
	return &fecReceiver{enc: enc, data: dataShards, parity: parityShards, groups: map[uint64]*fecRecvGroup{}}, nil
}

func (fr *fecReceiver) group(groupNum uint64) *fecRecvGroup {
	g, ok := fr.groups[groupNum]
	if !ok {
		g = &fecRecvGroup{shards: make([][]byte, fr.data+fr.parity), have: make([]bool, fr.data+fr.parity)}
		fr.groups[groupNum] = g
		// Bound memory: keep only a small trailing window of groups.
		if len(fr.groups) > 64 {
			for k := range fr.groups {
				if k+64 < groupNum {
					delete(fr.groups, k)
				}
			}
		}
	}
	return g
}

// onDAT records a data shard for reconstruction bookkeeping. It never gates
// delivery of the DAT itself — that happens through the normal ARQ path.
func (fr *fecReceiver) onDAT(seq uint64, payload []byte) {
	groupNum := seq / uint64(fr.data)
	idx := int(seq % uint64(fr.data))
	g := fr.group(groupNum)
	if !g.have[idx] {
		g.have[idx] = true
		g.count++
	}
	g.shards[idx] = fecPadShard(payload)
}

// onDATR records a parity shard and attempts reconstruction of any missing
// data shards in its group, returning (seq, payload) pairs recovered.
func (fr *fecReceiver) onDATR(baseSeq uint64, payload []byte) []recovered {
	if len(payload) < 1 {
		return nil
	}
	shardIdx := int(payload[0])
	groupNum := baseSeq / uint64(fr.data)
	g := fr.group(groupNum)
	if shardIdx < len(g.shards) && !g.have[shardIdx] {
		g.have[shardIdx] = true
		g.count++
		g.shards[shardIdx] = append([]byte(nil), payload[1:]...)
	}

	if g.count < fr.data {
		return nil
	}
	missing := false
	for i := 0; i < fr.data; i++ {
		if !g.have[i] {
			missing = true
			break
		}
	}
	if !missing {
		return nil
	}
	work := make([][]byte, len(g.shards))
	copy(work, g.shards)
	if err := fr.enc.Reconstruct(work); err != nil {
		return nil
	}
	var out []recovered
	for i := 0; i < fr.data; i++ {
		if !g.have[i] {
			out = append(out, recovered{seq: groupNum*uint64(fr.data) + uint64(i), payload: fecUnpadShard(work[i])})
			g.have[i] = true
			g.shards[i] = work[i]
			g.count++
		}
	}
	return out
}

type recovered struct {
	seq     uint64
	payload []byte
}
