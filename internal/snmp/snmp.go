// Package snmp is the periodic CSV stats dump supplemented from
// std/snmp.go: the teacher logs kcp.DefaultSnmp on a ticker, and this
// package does the same for the UCP engine's own counters instead, since
// internal/ucp is no longer kcp-go and has no Snmp type to borrow.
package snmp

import (
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
)

// Stats is a set of process-wide UCP counters, incremented from
// internal/ucp's send/receive/retransmit paths. All fields are accessed
// with the atomic package so any goroutine may bump them without a lock.
type Stats struct {
	PacketsSent       uint64
	PacketsRecv       uint64
	BytesSent         uint64
	BytesRecv         uint64
	Retransmits       uint64
	FastRetransmits   uint64
	FECParitySent     uint64
	FECRecovered      uint64
	ACKsSent          uint64
	ACKsRecv          uint64
	SessionsEstablished uint64
	SessionsTimedOut   uint64
	SessionsClosed     uint64
}

// DefaultStats is the process-wide counter set, mirroring kcp.DefaultSnmp's
// role as a package-level singleton the teacher's SnmpLogger reads from.
var DefaultStats = &Stats{}

// Header lists the CSV column names, in the same order as ToSlice.
func (s *Stats) Header() []string {
	return []string{
		"PacketsSent", "PacketsRecv", "BytesSent", "BytesRecv",
		"Retransmits", "FastRetransmits", "FECParitySent", "FECRecovered",
		"ACKsSent", "ACKsRecv", "SessionsEstablished", "SessionsTimedOut", "SessionsClosed",
	}
}

// ToSlice snapshots every counter as a string, for one CSV row.
func (s *Stats) ToSlice() []string {
	vals := []uint64{
		atomic.LoadUint64(&s.PacketsSent), atomic.LoadUint64(&s.PacketsRecv),
		atomic.LoadUint64(&s.BytesSent), atomic.LoadUint64(&s.BytesRecv),
		atomic.LoadUint64(&s.Retransmits), atomic.LoadUint64(&s.FastRetransmits),
		atomic.LoadUint64(&s.FECParitySent), atomic.LoadUint64(&s.FECRecovered),
		atomic.LoadUint64(&s.ACKsSent), atomic.LoadUint64(&s.ACKsRecv),
		atomic.LoadUint64(&s.SessionsEstablished), atomic.LoadUint64(&s.SessionsTimedOut),
		atomic.LoadUint64(&s.SessionsClosed),
	}
	out := make([]string, len(vals))
	for i, v := range vals {
		out[i] = fmt.Sprint(v)
	}
	return out
}

// Logger periodically appends one CSV row of DefaultStats to path, exactly
// as std/snmp.go's SnmpLogger does for kcp.DefaultSnmp: path may contain a
// time.Format layout in its filename portion so logs rotate by day/hour.
func Logger(path string, intervalSeconds int) {
	if path == "" || intervalSeconds <= 0 {
		return
	}
	ticker := time.NewTicker(time.Duration(intervalSeconds) * time.Second)
	defer ticker.Stop()
	for range ticker.C {
		if err := appendRow(path); err != nil {
			return
		}
	}
}

func appendRow(path string) error {
	logdir, logfile := filepath.Split(path)
	f, err := os.OpenFile(filepath.Join(logdir, time.Now().Format(logfile)), os.O_RDWR|os.O_CREATE|os.O_APPEND, 0o644)
	if err != nil {
		return errors.Wrap(err, "snmp: open log file")
	}
	defer f.Close()

	w := csv.NewWriter(f)
	if stat, err := f.Stat(); err == nil && stat.Size() == 0 {
		if err := w.Write(append([]string{"Unix"}, DefaultStats.Header()...)); err != nil {
			return errors.Wrap(err, "snmp: write header")
		}
	}
	if err := w.Write(append([]string{fmt.Sprint(time.Now().Unix())}, DefaultStats.ToSlice()...)); err != nil {
		return errors.Wrap(err, "snmp: write row")
	}
	w.Flush()
	return w.Error()
}
