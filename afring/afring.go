//go:build linux

// Package afring implements memory-mapped AF_PACKET RX rings.
// It negotiates the kernel TPACKET ring ABI on a packet socket,
// maps the kernel-allocated buffer into the process and exposes
// the mapping as an indexable frame table for zero-copy reads.
//
// Two incompatible ABI generations are supported:
//
//   - TPACKET_V2: frame-granular handoff, one table entry per frame.
//   - TPACKET_V3: block-granular handoff with batched retirement,
//     one table entry per block.
//
// A Ring is owned by exactly one capture context. Setup and teardown
// are not safe for concurrent use.
package afring

import (
	"fmt"
	"io"
	"os"
	"unsafe"

	"golang.org/x/sys/unix"
)

// Version selects the TPACKET ring ABI generation on the socket.
type Version uint32

const (
	TPacketV2 Version = unix.TPACKET_V2
	TPacketV3 Version = unix.TPACKET_V3
)

func (v Version) String() string {
	switch v {
	case TPacketV2:
		return "V2"
	case TPacketV3:
		return "V3"
	}
	return fmt.Sprintf("V?(%d)", uint32(v))
}

// Sizes of the kernel layout and counter structures, c.f.
// https://github.com/torvalds/linux/blob/master/include/uapi/linux/if_packet.h
const (
	sizeofTPacketReq    = 16 // struct tpacket_req
	sizeofTPacketReq3   = 28 // struct tpacket_req3
	sizeofTPacketStats  = 8  // struct tpacket_stats
	sizeofTPacketStats3 = 12 // struct tpacket_stats_v3
)

var pageSize = unix.Getpagesize()

// Config carries the sizing profile and reporting options threaded
// through ring setup.
type Config struct {
	// JumboFrames selects the large block/frame sizing profile to
	// accommodate packets beyond the standard Ethernet MTU.
	JumboFrames bool
	// Verbose enables human-readable setup reporting.
	Verbose bool
	// LogWriter receives setup report lines. Defaults to os.Stdout.
	LogWriter io.Writer
}

func (c Config) logWriter() io.Writer {
	if c.LogWriter != nil {
		return c.LogWriter
	}
	return os.Stdout
}

// fatalf aborts with a diagnostic naming the failing operation.
// Ring setup has no safe degraded mode: a half-constructed ring would
// silently corrupt future packet reads, so unrecoverable conditions
// abort at the point of detection.
func fatalf(format string, args ...any) {
	panic(fmt.Errorf(format, args...))
}

// sockops abstracts the kernel touchpoints of ring setup and teardown
// so they can be exercised without a live packet socket.
type sockops interface {
	setVersion(fd int, v Version) error
	version(fd int) (Version, error)
	setRing(fd int, layout []byte) error
	stats(fd int, buf []byte) error
	mmap(fd, length int) ([]byte, error)
	munmap(b []byte) error
	bind(fd, ifindex int) error
	poll(fds []unix.PollFd, timeoutMS int) (int, error)
}

// unixOps is the production sockops implementation.
type unixOps struct{}

func (unixOps) setVersion(fd int, v Version) error {
	return unix.SetsockoptInt(fd, unix.SOL_PACKET, unix.PACKET_VERSION, int(v))
}

func (unixOps) version(fd int) (Version, error) {
	v, err := unix.GetsockoptInt(fd, unix.SOL_PACKET, unix.PACKET_VERSION)
	if err != nil {
		return 0, err
	}
	return Version(v), nil
}

func (unixOps) setRing(fd int, layout []byte) error {
	return setsockopt(fd, unix.SOL_PACKET, unix.PACKET_RX_RING,
		unsafe.Pointer(&layout[0]), uintptr(len(layout)))
}

func (unixOps) stats(fd int, buf []byte) error {
	return getsockopt(fd, unix.SOL_PACKET, unix.PACKET_STATISTICS,
		unsafe.Pointer(&buf[0]), uintptr(len(buf)))
}

func (unixOps) mmap(fd, length int) ([]byte, error) {
	return unix.Mmap(fd, 0, length,
		unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
}

func (unixOps) munmap(b []byte) error {
	return unix.Munmap(b)
}

func (unixOps) bind(fd, ifindex int) error {
	return unix.Bind(fd, &unix.SockaddrLinklayer{
		Protocol: htons(unix.ETH_P_ALL),
		Ifindex:  ifindex,
	})
}

func (unixOps) poll(fds []unix.PollFd, timeoutMS int) (int, error) {
	return unix.Poll(fds, timeoutMS)
}

func setsockopt(fd, level, name int, val unsafe.Pointer, vallen uintptr) error {
	_, _, e := unix.Syscall6(unix.SYS_SETSOCKOPT,
		uintptr(fd), uintptr(level), uintptr(name),
		uintptr(val), vallen, 0)
	if e != 0 {
		return e
	}
	return nil
}

func getsockopt(fd, level, name int, val unsafe.Pointer, vallen uintptr) error {
	l := uint32(vallen) // socklen_t
	_, _, e := unix.Syscall6(unix.SYS_GETSOCKOPT,
		uintptr(fd),
		uintptr(level),
		uintptr(name),
		uintptr(val),
		uintptr(unsafe.Pointer(&l)),
		0,
	)
	if e != 0 {
		return e
	}
	return nil
}

func htons(v uint16) uint16 {
	return v<<8 | v>>8
}

// OpenSocket opens a raw AF_PACKET socket capturing all protocols,
// suitable for SetupRXRing.
func OpenSocket() (int, error) {
	fd, err := unix.Socket(unix.AF_PACKET, unix.SOCK_RAW, int(htons(unix.ETH_P_ALL)))
	if err != nil {
		return -1, fmt.Errorf("opening AF_PACKET socket: %w", err)
	}
	return fd, nil
}
