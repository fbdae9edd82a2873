package ucp

import "testing"

func TestFECReconstructsOneMissingDataShard(t *testing.T) {
	const dataShards, parityShards = 4, 2
	sender, err := newFECSender(dataShards, parityShards)
	if err != nil {
		t.Fatalf("newFECSender: %v", err)
	}
	receiver, err := newFECReceiver(dataShards, parityShards)
	if err != nil {
		t.Fatalf("newFECReceiver: %v", err)
	}

	payloads := [][]byte{[]byte("one"), []byte("two"), []byte("three"), []byte("four")}
	var parity [][]byte
	for i, p := range payloads {
		if pr := sender.add(uint64(i), p); pr != nil {
			parity = pr
		}
	}
	if parity == nil {
		t.Fatal("expected parity shards once the group filled")
	}

	// Feed every data shard except seq 2 ("three"), plus the parity shards.
	for i, p := range payloads {
		if i == 2 {
			continue
		}
		receiver.onDAT(uint64(i), p)
	}

	var recovered []recovered
	for i, shard := range parity {
		pw := make([]byte, 1+len(shard))
		pw[0] = byte(dataShards + i)
		copy(pw[1:], shard)
		recovered = append(recovered, receiver.onDATR(0, pw)...)
	}

	var found bool
	for _, r := range recovered {
		if r.seq == 2 {
			found = true
			if string(r.payload) != "three" {
				t.Fatalf("reconstructed payload = %q, want %q", r.payload, "three")
			}
		}
	}
	if !found {
		t.Fatal("expected seq 2 to be reconstructed")
	}
}
