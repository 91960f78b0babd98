//go:build linux

package afring

import (
	"sync/atomic"
	"unsafe"

	"golang.org/x/sys/unix"
)

// Ring is one mmap'd RX channel between the kernel and this process.
//
// The zero value is ready for SetupRXRing. A Ring owns its mapped
// region and frame table exclusively; neither may be used after
// DestroyRXRing. Not safe for concurrent use.
type Ring struct {
	geo    Geometry
	mm     []byte
	mmLen  int
	frames [][]byte

	conf Config
	ops  sockops
}

// Version reports the ring ABI generation selected at setup.
func (r *Ring) Version() Version { return r.geo.version }

// MappedLen reports the length of the mapped region in bytes, zero
// after teardown.
func (r *Ring) MappedLen() int { return r.mmLen }

// NumFrames reports the frame table length: one entry per frame for
// V2, one per block for V3.
func (r *Ring) NumFrames() int { return len(r.frames) }

// Frame returns the i-th frame table entry. The slice aliases the
// mapped region and is invalidated by DestroyRXRing.
func (r *Ring) Frame(i int) []byte { return r.frames[i] }

// mapRing maps the kernel-allocated ring into the process.
func (r *Ring) mapRing(fd int) {
	mm, err := r.ops.mmap(fd, r.mmLen)
	if err != nil {
		fatalf("mmap of %d byte RX ring: %v", r.mmLen, err)
	}
	r.mm = mm
}

// allocFrames builds the frame table from the active geometry. The
// (count, unit size) pair is version-dependent: V3 hands off whole
// blocks, V2 individual frames. Supplying the wrong pair corrupts
// frame addressing downstream.
func (r *Ring) allocFrames() {
	var count, unit int
	switch r.geo.version {
	case TPacketV3:
		count, unit = int(r.geo.blockNr), int(r.geo.blockSize)
	default:
		count, unit = int(r.geo.frameNr), int(r.geo.frameSize)
	}
	r.frames = buildFrameTable(r.mm, count, unit)
}

// buildFrameTable slices mm into count windows of unit bytes each.
// Every entry lies within mm and entries do not overlap.
func buildFrameTable(mm []byte, count, unit int) [][]byte {
	frames := make([][]byte, count)
	for i := range frames {
		off := i * unit
		frames[i] = mm[off : off+unit : off+unit]
	}
	return frames
}

// bindRing associates the ring's socket with a network interface for
// receive traffic.
func (r *Ring) bindRing(fd, ifindex int) {
	if err := r.ops.bind(fd, ifindex); err != nil {
		fatalf("binding RX ring to ifindex %d: %v", ifindex, err)
	}
}

// pollRDNORM is POLLRDNORM from <poll.h>; x/sys/unix does not export
// it for linux.
const pollRDNORM = 0x40

// PreparePoll configures pfd for readiness polling on the capture
// socket.
func PreparePoll(fd int, pfd *unix.PollFd) {
	*pfd = unix.PollFd{
		Fd:     int32(fd),
		Events: unix.POLLIN | pollRDNORM | unix.POLLERR,
	}
}

// Wait blocks until the capture socket becomes readable or the timeout
// expires. Interruption by signals is retried, never surfaced.
func (r *Ring) Wait(pfd *unix.PollFd, timeoutMS int) error {
	for {
		pollset := [1]unix.PollFd{{Fd: pfd.Fd, Events: pfd.Events}}
		_, err := r.ops.poll(pollset[:], timeoutMS)
		if err == unix.EINTR {
			continue
		}
		pfd.Revents = pollset[0].Revents
		return err
	}
}

// Per-frame (V2) and per-block (V3) handoff status. The status word
// of a V2 frame is the first field of tpacket2_hdr; for a V3 block it
// sits at offset 8 of the block descriptor, past version and
// offset_to_priv, followed by the packet count.
const (
	v3BlockStatusOffset  = 8
	v3BlockNumPktsOffset = 12
)

func statusWord(unit []byte, off int) *uint32 {
	return (*uint32)(unsafe.Pointer(&unit[off]))
}

// FrameReady reports whether the kernel has handed frame i to user
// space. Valid for V2 rings only.
func (r *Ring) FrameReady(i int) bool {
	return atomic.LoadUint32(statusWord(r.frames[i], 0))&unix.TP_STATUS_USER != 0
}

// ReleaseFrame returns frame i to the kernel. Valid for V2 rings only.
func (r *Ring) ReleaseFrame(i int) {
	atomic.StoreUint32(statusWord(r.frames[i], 0), unix.TP_STATUS_KERNEL)
}

// BlockReady reports whether the kernel has retired block i to user
// space. Valid for V3 rings only.
func (r *Ring) BlockReady(i int) bool {
	return atomic.LoadUint32(statusWord(r.frames[i], v3BlockStatusOffset))&unix.TP_STATUS_USER != 0
}

// BlockPackets reports the number of packets the kernel placed in
// block i. Valid for V3 rings only, and only while the block is held
// by user space.
func (r *Ring) BlockPackets(i int) uint32 {
	return atomic.LoadUint32(statusWord(r.frames[i], v3BlockNumPktsOffset))
}

// ReleaseBlock returns block i to the kernel. Valid for V3 rings only.
func (r *Ring) ReleaseBlock(i int) {
	atomic.StoreUint32(statusWord(r.frames[i], v3BlockStatusOffset), unix.TP_STATUS_KERNEL)
}
