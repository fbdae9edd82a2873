package ioloop

import "net"

// ErrWouldBlock is returned by Recv/Send/RecvFrom/SendTo when there is
// nothing to read or the socket buffer is full right now — the Go-level
// analogue of EAGAIN.
var ErrWouldBlock = errWouldBlockSentinel{}

type errWouldBlockSentinel struct{}

func (errWouldBlockSentinel) Error() string { return "ioloop: would block" }

// Multiplexer is the uniform operation set spec §4.1 and §9 ask every
// caller to see regardless of epoll vs. IOCP underneath: add/modify/remove
// fd interest, wait for events, and key-indexed read/write/accept. Both
// Loop implementations (epoll_linux.go, portable_other.go) satisfy it.
type Multiplexer interface {
	TCPListen(port int, bindIP string, v6only bool) (Key, error)
	UDPListen(port int, bindIP string, v6only bool) (Key, error)
	ModifyInterest(k Key, wantRead, wantWrite bool) error
	CloseKey(k Key) error
	Wait(events []Event, timeoutMs int) (int, error)
	Close() error
	Kind(k Key) (HandleKind, bool)

	// Accept completes one pending accept on a listening Key.
	Accept(k Key) (client Key, peer net.Addr, err error)
	// Recv reads up to len(p) bytes from a connected stream Key.
	// Returns (0, ErrWouldBlock) if nothing is available, (0, io.EOF) on
	// peer close.
	Recv(k Key, p []byte) (int, error)
	// Send writes as many of p's bytes as the socket will currently
	// accept; returns ErrWouldBlock (with n possibly > 0) if the kernel
	// send buffer is full.
	Send(k Key, p []byte) (int, error)
	// RecvFrom reads one datagram from a UDP Key.
	RecvFrom(k Key, p []byte) (int, net.Addr, error)
	// SendTo writes one datagram to a UDP Key.
	SendTo(k Key, p []byte, addr net.Addr) (int, error)
}

var (
	_ Multiplexer = (*Loop)(nil)
)
