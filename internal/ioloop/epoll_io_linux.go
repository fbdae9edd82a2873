//go:build linux

package ioloop

import (
	"io"
	"net"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// Accept completes one pending accept on a listening Key (spec §4.1
// Readable handling for listeners).
func (l *Loop) Accept(k Key) (Key, net.Addr, error) {
	fd, ok := l.reg.fd(k)
	if !ok {
		return 0, nil, errors.New("ioloop: unknown key")
	}
	nfd, sa, err := unix.Accept4(fd, unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
	if err != nil {
		if err == unix.EAGAIN {
			return 0, nil, ErrWouldBlock
		}
		return 0, nil, errors.Wrap(err, "ioloop: accept4")
	}
	peer := sockaddrToAddr(sa)
	ck, err := l.Register(nfd, KindTCPIn, true, false)
	if err != nil {
		unix.Close(nfd)
		return 0, nil, err
	}
	return ck, peer, nil
}

// Recv reads from a connected stream Key.
func (l *Loop) Recv(k Key, p []byte) (int, error) {
	fd, ok := l.reg.fd(k)
	if !ok {
		return 0, errors.New("ioloop: unknown key")
	}
	n, err := unix.Read(fd, p)
	if err != nil {
		if err == unix.EAGAIN {
			return 0, ErrWouldBlock
		}
		return 0, err
	}
	if n == 0 {
		return 0, io.EOF
	}
	return n, nil
}

// Send writes to a connected stream Key.
func (l *Loop) Send(k Key, p []byte) (int, error) {
	fd, ok := l.reg.fd(k)
	if !ok {
		return 0, errors.New("ioloop: unknown key")
	}
	n, err := unix.Write(fd, p)
	if err != nil {
		if err == unix.EAGAIN {
			return n, ErrWouldBlock
		}
		return n, err
	}
	return n, nil
}

// RecvFrom reads one datagram from a UDP Key.
func (l *Loop) RecvFrom(k Key, p []byte) (int, net.Addr, error) {
	fd, ok := l.reg.fd(k)
	if !ok {
		return 0, nil, errors.New("ioloop: unknown key")
	}
	n, sa, err := unix.Recvfrom(fd, p, 0)
	if err != nil {
		if err == unix.EAGAIN {
			return 0, nil, ErrWouldBlock
		}
		return 0, nil, err
	}
	return n, sockaddrToAddr(sa), nil
}

// SendTo writes one datagram to a UDP Key.
func (l *Loop) SendTo(k Key, p []byte, addr net.Addr) (int, error) {
	fd, ok := l.reg.fd(k)
	if !ok {
		return 0, errors.New("ioloop: unknown key")
	}
	sa, err := addrToSockaddr(addr)
	if err != nil {
		return 0, err
	}
	if err := unix.Sendto(fd, p, 0, sa); err != nil {
		if err == unix.EAGAIN {
			return 0, ErrWouldBlock
		}
		return 0, err
	}
	return len(p), nil
}

func sockaddrToAddr(sa unix.Sockaddr) net.Addr {
	switch s := sa.(type) {
	case *unix.SockaddrInet4:
		return &net.UDPAddr{IP: append([]byte(nil), s.Addr[:]...), Port: s.Port}
	case *unix.SockaddrInet6:
		return &net.UDPAddr{IP: append([]byte(nil), s.Addr[:]...), Port: s.Port}
	default:
		return nil
	}
}

func addrToSockaddr(addr net.Addr) (unix.Sockaddr, error) {
	udpAddr, ok := addr.(*net.UDPAddr)
	if !ok {
		return nil, errors.New("ioloop: addr is not a *net.UDPAddr")
	}
	if ip4 := udpAddr.IP.To4(); ip4 != nil {
		var sa unix.SockaddrInet4
		copy(sa.Addr[:], ip4)
		sa.Port = udpAddr.Port
		return &sa, nil
	}
	var sa unix.SockaddrInet6
	copy(sa.Addr[:], udpAddr.IP.To16())
	sa.Port = udpAddr.Port
	return &sa, nil
}
