package ucp

import (
	"io"
	"time"

	"github.com/pkg/errors"
	"github.com/xtaci/smux"
)

// MuxConfig carries the smux tunables the teacher exposes on its CLI
// (version, buffer sizes, keepalive), used to multiplex many application
// streams over one UCP session (spec §4.7's "application streams share one
// session").
type MuxConfig struct {
	Version           int
	MaxReceiveBuffer  int
	MaxStreamBuffer   int
	MaxFrameSize      int
	KeepAliveSeconds  int
}

// buildSmuxConfig translates MuxConfig into a validated *smux.Config.
func buildSmuxConfig(c MuxConfig) (*smux.Config, error) {
	cfg := smux.DefaultConfig()
	cfg.Version = c.Version
	cfg.MaxReceiveBuffer = c.MaxReceiveBuffer
	cfg.MaxStreamBuffer = c.MaxStreamBuffer
	cfg.MaxFrameSize = c.MaxFrameSize
	cfg.KeepAliveInterval = time.Duration(c.KeepAliveSeconds) * time.Second
	if err := smux.VerifyConfig(cfg); err != nil {
		return nil, errors.Wrap(err, "ucp: invalid smux config")
	}
	return cfg, nil
}

// MuxBridge multiplexes application-level streams over a single UCP
// Session, grounding spec §4.7's "optional stream multiplexing" on the
// teacher's smux usage.
type MuxBridge struct {
	session *smux.Session
}

// NewClientMux wraps an already-dialed UCP Session (or its compressed
// Stream()) in a client-role smux session (spec §4.7's stream
// multiplexing atop one reliable session).
func NewClientMux(s io.ReadWriteCloser, muxCfg MuxConfig) (*MuxBridge, error) {
	cfg, err := buildSmuxConfig(muxCfg)
	if err != nil {
		return nil, err
	}
	sess, err := smux.Client(s, cfg)
	if err != nil {
		return nil, errors.Wrap(err, "ucp: smux client")
	}
	return &MuxBridge{session: sess}, nil
}

// NewServerMux wraps an accepted UCP Session (or its compressed Stream())
// in a server-role smux session.
func NewServerMux(s io.ReadWriteCloser, muxCfg MuxConfig) (*MuxBridge, error) {
	cfg, err := buildSmuxConfig(muxCfg)
	if err != nil {
		return nil, err
	}
	sess, err := smux.Server(s, cfg)
	if err != nil {
		return nil, errors.Wrap(err, "ucp: smux server")
	}
	return &MuxBridge{session: sess}, nil
}

// OpenStream opens a new multiplexed application stream (client role).
func (b *MuxBridge) OpenStream() (*smux.Stream, error) { return b.session.OpenStream() }

// AcceptStream accepts the next multiplexed application stream (server role).
func (b *MuxBridge) AcceptStream() (*smux.Stream, error) { return b.session.AcceptStream() }

// Close tears down the smux session (and, transitively, the underlying UCP
// Session it was built on).
func (b *MuxBridge) Close() error { return b.session.Close() }

// NumStreams reports live multiplexed stream count, exposed for snmp/status
// reporting.
func (b *MuxBridge) NumStreams() int { return b.session.NumStreams() }

// IsClosed reports whether the underlying smux session (and transitively
// its UCP session) has torn down, so callers know to redial.
func (b *MuxBridge) IsClosed() bool { return b.session.IsClosed() }
