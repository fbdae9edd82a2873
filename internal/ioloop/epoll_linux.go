//go:build linux

package ioloop

import (
	"net"
	"sync"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// Loop wraps a Linux epoll instance behind the spec §4.1 multiplexer
// operation set. It uses level-triggered semantics, as spec §4.1 requires
// for the epoll variant.
type Loop struct {
	epfd int
	reg  *registry

	mu     sync.Mutex
	closed bool
}

// Open creates the multiplexer handle (spec §4.1's open()).
func Open() (*Loop, error) {
	fd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, errors.Wrap(err, "ioloop: epoll_create1")
	}
	return &Loop{epfd: fd, reg: newRegistry()}, nil
}

// Register adds a raw, already-non-blocking fd to the multiplexer under a
// freshly allocated Key.
func (l *Loop) Register(fd int, kind HandleKind, wantRead, wantWrite bool) (Key, error) {
	k := l.reg.alloc(fd, kind)
	ev := unix.EpollEvent{Fd: int32(fd)}
	ev.Events = interestMask(wantRead, wantWrite)
	if err := unix.EpollCtl(l.epfd, unix.EPOLL_CTL_ADD, fd, &ev); err != nil {
		l.reg.remove(k)
		return 0, errors.Wrap(err, "ioloop: epoll_ctl add")
	}
	return k, nil
}

func interestMask(wantRead, wantWrite bool) uint32 {
	var m uint32
	if wantRead {
		m |= unix.EPOLLIN
	}
	if wantWrite {
		m |= unix.EPOLLOUT
	}
	return m
}

// ModifyInterest changes the read/write interest bits for an already
// registered Key (spec §4.1's modify_interest).
func (l *Loop) ModifyInterest(k Key, wantRead, wantWrite bool) error {
	fd, ok := l.reg.fd(k)
	if !ok {
		return errors.New("ioloop: unknown key")
	}
	ev := unix.EpollEvent{Fd: int32(fd)}
	ev.Events = interestMask(wantRead, wantWrite)
	if err := unix.EpollCtl(l.epfd, unix.EPOLL_CTL_MOD, fd, &ev); err != nil {
		return errors.Wrap(err, "ioloop: epoll_ctl mod")
	}
	return nil
}

// CloseKey unregisters fd before closing it, and suppresses further event
// dispatch for that key (spec §4.1 cancellation semantics).
func (l *Loop) CloseKey(k Key) error {
	fd, ok := l.reg.fd(k)
	if !ok {
		return nil
	}
	unix.EpollCtl(l.epfd, unix.EPOLL_CTL_DEL, fd, nil)
	l.reg.remove(k)
	return unix.Close(fd)
}

// Kind reports the handle kind (listen/tcp-in/tcp-out/udp) for a Key.
func (l *Loop) Kind(k Key) (HandleKind, bool) { return l.reg.kind(k) }

// Fd returns the raw OS fd behind a Key, for syscall-level recv/send.
func (l *Loop) Fd(k Key) (int, bool) { return l.reg.fd(k) }

// Wait blocks for at most timeoutMs, filling events with ready Keys (spec
// §4.1's wait()).
func (l *Loop) Wait(events []Event, timeoutMs int) (int, error) {
	raw := make([]unix.EpollEvent, len(events))
	n, err := unix.EpollWait(l.epfd, raw, timeoutMs)
	if err != nil {
		if err == unix.EINTR {
			return 0, nil
		}
		return 0, errors.Wrap(err, "ioloop: epoll_wait")
	}
	for i := 0; i < n; i++ {
		fd := int(raw[i].Fd)
		k := l.keyForFd(fd)
		kind := EventKind(0)
		if raw[i].Events&(unix.EPOLLIN|unix.EPOLLHUP) != 0 {
			kind |= Readable
		}
		if raw[i].Events&unix.EPOLLOUT != 0 {
			kind |= Writable
		}
		if raw[i].Events&(unix.EPOLLERR|unix.EPOLLHUP) != 0 {
			kind |= ErrorHangup
		}
		events[i] = Event{Key: k, Kind: kind}
	}
	return n, nil
}

// keyForFd is a linear scan over the registry; the registry map itself
// gives O(1) key->fd lookup for the common path, and this reverse fd->key
// direction is only needed on a wakeup. No fd->key side index is kept.
func (l *Loop) keyForFd(fd int) Key {
	l.reg.mu.Lock()
	defer l.reg.mu.Unlock()
	for k, f := range l.reg.entries {
		if f == fd {
			return k
		}
	}
	return 0
}

// Close releases the multiplexer handle itself.
func (l *Loop) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil
	}
	l.closed = true
	return unix.Close(l.epfd)
}

// TCPListen creates a non-blocking listening raw socket bound to
// bindIP:port and registers it, returning its Key (spec §4.1's
// tcp_listen).
func (l *Loop) TCPListen(port int, bindIP string, v6only bool) (Key, error) {
	domain := unix.AF_INET
	if v6only {
		domain = unix.AF_INET6
	}
	fd, err := unix.Socket(domain, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return 0, errors.Wrap(err, "ioloop: socket")
	}
	unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
	if v6only {
		unix.SetsockoptInt(fd, unix.IPPROTO_IPV6, unix.IPV6_V6ONLY, 1)
	}
	if err := bindAddr(fd, domain, bindIP, port); err != nil {
		unix.Close(fd)
		return 0, err
	}
	if err := unix.Listen(fd, 1024); err != nil {
		unix.Close(fd)
		return 0, errors.Wrap(err, "ioloop: listen")
	}
	return l.Register(fd, KindTCPListen, true, false)
}

// UDPListen creates a non-blocking bound UDP socket (spec §4.1's
// udp_listen), used by internal/ucp's channels.
func (l *Loop) UDPListen(port int, bindIP string, v6only bool) (Key, error) {
	domain := unix.AF_INET
	if v6only {
		domain = unix.AF_INET6
	}
	fd, err := unix.Socket(domain, unix.SOCK_DGRAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return 0, errors.Wrap(err, "ioloop: socket")
	}
	unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
	if err := bindAddr(fd, domain, bindIP, port); err != nil {
		unix.Close(fd)
		return 0, err
	}
	return l.Register(fd, KindUDP, true, false)
}

func bindAddr(fd, domain int, ip string, port int) error {
	if domain == unix.AF_INET6 {
		var sa unix.SockaddrInet6
		sa.Port = port
		if ip != "" {
			copy(sa.Addr[:], parseIP(ip))
		}
		return errors.Wrap(unix.Bind(fd, &sa), "ioloop: bind")
	}
	var sa unix.SockaddrInet4
	sa.Port = port
	if ip != "" {
		copy(sa.Addr[:], parseIP(ip))
	}
	return errors.Wrap(unix.Bind(fd, &sa), "ioloop: bind")
}

func parseIP(s string) []byte {
	ip := net.ParseIP(s)
	if ip4 := ip.To4(); ip4 != nil {
		return ip4
	}
	if ip16 := ip.To16(); ip16 != nil {
		return ip16
	}
	return make([]byte, 16)
}
