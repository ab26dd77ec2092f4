//go:build linux

package link

import (
	"fmt"
	"net"
	"sync/atomic"
	"time"

	"golang.org/x/sys/unix"
)

// readTimeout bounds each blocking read so Close is noticed.
const readTimeout = 200 * time.Millisecond

type packetSocket struct {
	fd     int
	iface  *net.Interface
	closed atomic.Bool
}

func htons(v uint16) uint16 { return v<<8 | v>>8 }

// OpenSocket opens an AF_PACKET socket bound to ifname that only sees
// tbflow frames. It requires CAP_NET_RAW.
func OpenSocket(ifname string) (Socket, error) {
	iface, err := net.InterfaceByName(ifname)
	if err != nil {
		return nil, err
	}
	proto := htons(EtherType)
	fd, err := unix.Socket(unix.AF_PACKET, unix.SOCK_RAW, int(proto))
	if err != nil {
		return nil, fmt.Errorf("link: socket: %w", err)
	}
	if err := unix.Bind(fd, &unix.SockaddrLinklayer{Protocol: proto, Ifindex: iface.Index}); err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("link: bind %s: %w", ifname, err)
	}
	tv := unix.NsecToTimeval(readTimeout.Nanoseconds())
	if err := unix.SetsockoptTimeval(fd, unix.SOL_SOCKET, unix.SO_RCVTIMEO, &tv); err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("link: set read timeout: %w", err)
	}
	return &packetSocket{fd: fd, iface: iface}, nil
}

func (s *packetSocket) ReadFrame(buf []byte) (int, error) {
	for {
		if s.closed.Load() {
			return 0, ErrSocketClosed
		}
		n, _, err := unix.Recvfrom(s.fd, buf, 0)
		switch err {
		case nil:
			return n, nil
		case unix.EAGAIN, unix.EINTR:
			continue
		default:
			if s.closed.Load() {
				return 0, ErrSocketClosed
			}
			return 0, err
		}
	}
}

func (s *packetSocket) WriteFrame(frame []byte, dst net.HardwareAddr) error {
	if s.closed.Load() {
		return ErrSocketClosed
	}
	addr := &unix.SockaddrLinklayer{
		Protocol: htons(EtherType),
		Ifindex:  s.iface.Index,
		Halen:    6,
	}
	copy(addr.Addr[:], dst)
	return unix.Sendto(s.fd, frame, 0, addr)
}

func (s *packetSocket) HardwareAddr() net.HardwareAddr { return s.iface.HardwareAddr }
func (s *packetSocket) MTU() int                       { return s.iface.MTU }

func (s *packetSocket) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	return unix.Close(s.fd)
}
