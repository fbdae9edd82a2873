package ucpcrypt

import (
	"fmt"
	"io"
	"math/big"

	"github.com/pkg/errors"
	"github.com/xtaci/qpp"
)

// qppPower is the permutation dimension, matching the teacher's qpp usage.
const qppPower = 8

// ValidateQPPParams checks a deployment's -qpp-count/-qpp-key pair, mirroring
// std/qpp.go's ValidateQPPParams so the same CLI warnings survive the move
// off kcp-go.
func ValidateQPPParams(count int, key string) ([]string, error) {
	if count <= 0 {
		return nil, errors.New("ucpcrypt: qpp count must be greater than 0")
	}
	var warnings []string
	if min := qpp.QPPMinimumSeedLength(qppPower); len(key) < min {
		warnings = append(warnings, fmt.Sprintf("qpp: key has %d bytes, need at least %d", len(key), min))
	}
	if min := qpp.QPPMinimumPads(qppPower); count < min {
		warnings = append(warnings, fmt.Sprintf("qpp: count %d, need at least %d", count, min))
	}
	if new(big.Int).GCD(nil, nil, big.NewInt(int64(count)), big.NewInt(qppPower)).Int64() != 1 {
		warnings = append(warnings, fmt.Sprintf("qpp: count %d should be coprime with %d for best mixing", count, qppPower))
	}
	return warnings, nil
}

// qppPort layers a Quantum Permutation Pad extra-entropy pass over an
// underlying UCP stream, adapted from std/qpp.go's QPPPort.
type qppPort struct {
	under io.ReadWriteCloser
	pad   *qpp.QuantumPermutationPad
	wprng *qpp.Rand
	rprng *qpp.Rand
}

// NewQPPPort wraps under with a QPP pass keyed by seed, with count
// permutation pads (spec §9's supplemental obfuscation note, extended per
// the teacher's -QPP/-QPPCount flags).
func NewQPPPort(under io.ReadWriteCloser, count int, seed []byte) io.ReadWriteCloser {
	pad := qpp.NewQPP(seed, uint16(count))
	return &qppPort{
		under: under,
		pad:   pad,
		wprng: qpp.CreatePRNG(seed),
		rprng: qpp.CreatePRNG(seed),
	}
}

func (p *qppPort) Read(b []byte) (int, error) {
	n, err := p.under.Read(b)
	p.pad.DecryptWithPRNG(b[:n], p.rprng)
	return n, err
}

func (p *qppPort) Write(b []byte) (int, error) {
	p.pad.EncryptWithPRNG(b, p.wprng)
	return p.under.Write(b)
}

func (p *qppPort) Close() error { return p.under.Close() }
