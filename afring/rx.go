//go:build linux

package afring

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"golang.org/x/sys/unix"
)

// SetupRXRing builds a receive ring on the packet socket fd out of a
// size budget in bytes. It computes the layout, selects the requested
// TPACKET version on the socket, creates the kernel ring (degrading
// the block count under memory pressure), maps it, builds the frame
// table, binds to the interface and prepares pfd for polling.
//
// The sequence is fixed; any unrecoverable failure aborts with a
// diagnostic naming the failing step. On return the ring is fully
// usable, there is no partial-success mode.
func SetupRXRing(r *Ring, fd, size, ifindex int, pfd *unix.PollFd, wantV3 bool, conf Config) {
	*r = Ring{conf: conf, ops: r.ops}
	if r.ops == nil {
		r.ops = unixOps{}
	}
	r.setupLayout(fd, size, wantV3)
	r.createRing(fd)
	r.mapRing(fd)
	r.allocFrames()
	r.bindRing(fd, ifindex)
	PreparePoll(fd, pfd)
}

// setupLayout computes the geometry for the budget, selects the ring
// ABI on the socket and verifies the result.
func (r *Ring) setupLayout(fd, size int, wantV3 bool) {
	v := TPacketV2
	if wantV3 {
		v = TPacketV3
	}
	g := newGeometry(size, v, r.conf.JumboFrames)
	if err := r.ops.setVersion(fd, v); err != nil {
		fatalf("selecting TPACKET_%s: %v", v, err)
	}
	g.verify()
	r.geo = g
}

// createRing asks the kernel to allocate the ring. ENOMEM is the one
// recoverable failure: as long as more than one block is requested the
// block count is halved, the frame count recomputed and the request
// retried, trading capture capacity for successful startup. Anything
// else aborts.
func (r *Ring) createRing(fd int) {
	var buf [sizeofTPacketReq3]byte
	for {
		err := r.ops.setRing(fd, r.geo.encode(&buf))
		if err == nil {
			break
		}
		if errors.Is(err, unix.ENOMEM) && r.geo.halve() {
			continue
		}
		fatalf("creating PACKET_RX_RING (%d blocks of %d bytes): %v",
			r.geo.blockNr, r.geo.blockSize, err)
	}

	r.mmLen = r.geo.mappedLen()

	if r.conf.Verbose {
		w := r.conf.logWriter()
		mib := float64(r.mmLen) / (1 << 20)
		switch r.geo.version {
		case TPacketV3:
			fmt.Fprintf(w, "RX,V3: %.2f MiB, %d blocks, each %d bytes allocated\n",
				mib, r.geo.blockNr, r.geo.blockSize)
		default:
			fmt.Fprintf(w, "RX,V2: %.2f MiB, %d frames, each %d bytes allocated\n",
				mib, r.geo.frameNr, r.geo.frameSize)
		}
	}
}

// DestroyRXRing releases everything SetupRXRing acquired. Invoking it
// on an already-destroyed ring is a no-op with respect to unmapping.
//
// The two ABI generations tear down differently, and deliberately so:
// a V3 ring is released by the kernel when the socket is closed, while
// a V2 ring must be explicitly detached by reconfiguring the socket
// with a zeroed layout.
func DestroyRXRing(fd int, r *Ring) {
	if r.ops == nil {
		r.ops = unixOps{}
	}

	if r.mmLen != 0 {
		_ = r.ops.munmap(r.mm)
	}
	r.mm = nil
	r.mmLen = 0
	r.frames = nil

	if r.geo.version == TPacketV3 {
		return
	}

	r.geo = Geometry{version: r.geo.version}
	var buf [sizeofTPacketReq3]byte
	if err := r.ops.setRing(fd, r.geo.encode(&buf)); err != nil {
		fatalf("destroying PACKET_RX_RING: %v", err)
	}
}

// Stats is a point-in-time snapshot of the kernel packet counters on
// a capture socket.
type Stats struct {
	Version Version
	// Packets is the total number of packets the kernel saw for this
	// socket, including dropped ones.
	Packets uint64
	// Drops is the number of packets dropped for lack of ring space.
	Drops uint64
	// FreezeQCnt is the number of V3 queue freezes, zero for V2.
	FreezeQCnt uint64
}

// Passed is the number of packets that made it into the ring.
func (s Stats) Passed() uint64 { return s.Packets - s.Drops }

// DropRate is the percentage of packets dropped, zero when no packets
// were seen.
func (s Stats) DropRate() float64 {
	if s.Packets == 0 {
		return 0
	}
	return float64(s.Drops) / float64(s.Packets) * 100
}

// Unread is the backlog left in the ring on exit given how many
// packets the consumer processed. The counter snapshot races with the
// consumer, so the subtraction saturates at zero instead of reporting
// a negative backlog.
func (s Stats) Unread(seen uint64) uint64 {
	if seen >= s.Packets {
		return 0
	}
	return s.Packets - seen
}

// readStats fetches PACKET_STATISTICS using the counter structure
// sized for the ABI generation negotiated on the socket.
func (r *Ring) readStats(fd int) (Stats, error) {
	v, err := r.ops.version(fd)
	if err != nil {
		return Stats{}, err
	}
	var buf [sizeofTPacketStats3]byte
	n := sizeofTPacketStats
	if v == TPacketV3 {
		n = sizeofTPacketStats3
	}
	if err := r.ops.stats(fd, buf[:n]); err != nil {
		return Stats{}, err
	}
	s := Stats{
		Version: v,
		Packets: uint64(binary.NativeEndian.Uint32(buf[0:4])),
		Drops:   uint64(binary.NativeEndian.Uint32(buf[4:8])),
	}
	if v == TPacketV3 {
		s.FreezeQCnt = uint64(binary.NativeEndian.Uint32(buf[8:12]))
	}
	return s, nil
}

// ReportNetStats reads the kernel packet counters and writes the
// shutdown loss report to w. seen is the number of packets the
// consumer processed; for V3 it is compared against the kernel total
// to report the unread-on-exit backlog. A failing counter query is
// skipped silently, shutdown must not be blocked by it.
func (r *Ring) ReportNetStats(w io.Writer, fd int, seen uint64) {
	s, err := r.readStats(fd)
	if err != nil {
		return
	}

	incoming, unread := s.Packets, uint64(0)
	if s.Version == TPacketV3 {
		incoming = seen
		unread = s.Unread(seen)
	}

	fmt.Fprintf(w, "\r%12d  packets incoming (%d unread on exit)\n", incoming, unread)
	fmt.Fprintf(w, "\r%12d  packets passed filter\n", s.Passed())
	fmt.Fprintf(w, "\r%12d  packets failed filter (out of space)\n", s.Drops)
	if s.Packets > 0 {
		fmt.Fprintf(w, "\r%12.4f%% packet droprate\n", s.DropRate())
	}
}
