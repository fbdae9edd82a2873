//go:build !linux

package ioloop

import (
	"net"
	"time"

	"github.com/pkg/errors"
)

// immediate is used with SetDeadline(time.Now().Add(immediate)) to emulate
// a non-blocking syscall on top of the standard net package: if data (or a
// pending connection) is already queued by the OS it is returned
// immediately, otherwise the call times out right away and we translate
// that into ErrWouldBlock. This keeps internal/evserver's calling
// convention identical across platforms.
const immediate = 1 * time.Millisecond

// Accept completes one pending accept on a listening Key.
func (l *Loop) Accept(k Key) (Key, net.Addr, error) {
	l.mu.Lock()
	c, ok := l.conns[k]
	l.mu.Unlock()
	if !ok || c.listener == nil {
		return 0, nil, errors.New("ioloop: not a listener key")
	}
	type deadliner interface{ SetDeadline(time.Time) error }
	if d, ok := c.listener.(deadliner); ok {
		d.SetDeadline(time.Now().Add(immediate))
	}
	conn, err := c.listener.Accept()
	l.notify(k, Readable) // re-arm: another accept may already be queued
	if err != nil {
		if ne, ok := err.(net.Error); ok && ne.Timeout() {
			return 0, nil, ErrWouldBlock
		}
		return 0, nil, err
	}
	ck := l.RegisterConn(conn, KindTCPIn)
	return ck, conn.RemoteAddr(), nil
}

// Recv reads from a connected stream Key.
func (l *Loop) Recv(k Key, p []byte) (int, error) {
	l.mu.Lock()
	c, ok := l.conns[k]
	l.mu.Unlock()
	if !ok || c.conn == nil {
		return 0, errors.New("ioloop: not a stream key")
	}
	c.conn.SetReadDeadline(time.Now().Add(immediate))
	n, err := c.conn.Read(p)
	if n > 0 {
		l.notify(k, Readable) // more may be buffered
	}
	if err != nil {
		if ne, ok := err.(net.Error); ok && ne.Timeout() {
			if n > 0 {
				return n, nil
			}
			return 0, ErrWouldBlock
		}
		return n, err
	}
	return n, nil
}

// Send writes to a connected stream Key.
func (l *Loop) Send(k Key, p []byte) (int, error) {
	l.mu.Lock()
	c, ok := l.conns[k]
	l.mu.Unlock()
	if !ok || c.conn == nil {
		return 0, errors.New("ioloop: not a stream key")
	}
	c.conn.SetWriteDeadline(time.Now().Add(immediate))
	n, err := c.conn.Write(p)
	if err != nil {
		if ne, ok := err.(net.Error); ok && ne.Timeout() {
			return n, ErrWouldBlock
		}
		return n, err
	}
	return n, nil
}

// RecvFrom reads one datagram from a UDP Key.
func (l *Loop) RecvFrom(k Key, p []byte) (int, net.Addr, error) {
	l.mu.Lock()
	c, ok := l.conns[k]
	l.mu.Unlock()
	if !ok || c.packet == nil {
		return 0, nil, errors.New("ioloop: not a udp key")
	}
	c.packet.SetReadDeadline(time.Now().Add(immediate))
	n, addr, err := c.packet.ReadFrom(p)
	if n > 0 {
		l.notify(k, Readable)
	}
	if err != nil {
		if ne, ok := err.(net.Error); ok && ne.Timeout() {
			if n > 0 {
				return n, addr, nil
			}
			return 0, nil, ErrWouldBlock
		}
		return n, addr, err
	}
	return n, addr, nil
}

// SendTo writes one datagram to a UDP Key.
func (l *Loop) SendTo(k Key, p []byte, addr net.Addr) (int, error) {
	l.mu.Lock()
	c, ok := l.conns[k]
	l.mu.Unlock()
	if !ok || c.packet == nil {
		return 0, errors.New("ioloop: not a udp key")
	}
	n, err := c.packet.WriteTo(p, addr)
	if err != nil {
		if ne, ok := err.(net.Error); ok && ne.Timeout() {
			return n, ErrWouldBlock
		}
		return n, err
	}
	return n, nil
}
