//go:build linux

package afring

import (
	"encoding/binary"
	"time"

	"golang.org/x/sys/unix"
)

// Block-retirement timeout for TPACKET_V3. A partially filled block is
// handed to user space after this long. 0 lets the kernel decide.
const retireBlockTimeout = 100 * time.Millisecond

// Geometry is the ring layout negotiated with the kernel. The version
// tag selects which variant is active; it is chosen once at setup and
// never mutated afterwards. The retirement fields are meaningful only
// under the TPacketV3 tag.
type Geometry struct {
	version Version

	blockSize uint32
	blockNr   uint32
	frameSize uint32
	frameNr   uint32

	// TPacketV3 only.
	retireTimeout  time.Duration
	sizeofPriv     uint32
	featureReqWord uint32
}

// newGeometry derives the ring layout from a size budget in bytes.
// Block and frame sizes are fixed powers-of-two multiples of the page
// size and TPACKET_ALIGNMENT respectively; the jumbo profile scales
// both up for oversized packets. The budget is truncated to whole
// blocks.
func newGeometry(size int, v Version, jumbo bool) Geometry {
	if size <= 0 {
		fatalf("ring layout: size budget %d must be positive", size)
	}
	g := Geometry{version: v}

	if jumbo {
		g.blockSize = uint32(pageSize) << 4
		g.frameSize = unix.TPACKET_ALIGNMENT << 12
	} else {
		g.blockSize = uint32(pageSize) << 2
		g.frameSize = unix.TPACKET_ALIGNMENT << 7
	}

	g.blockNr = uint32(uint64(size) / uint64(g.blockSize))
	g.frameNr = g.blockSize / g.frameSize * g.blockNr

	if v == TPacketV3 {
		g.retireTimeout = retireBlockTimeout
		g.sizeofPriv = 0
		g.featureReqWord = 0
	}
	return g
}

// halve degrades the layout under allocation pressure: block count is
// halved and the frame count recomputed. Reports false once the block
// count cannot be reduced further.
func (g *Geometry) halve() bool {
	if g.blockNr <= 1 {
		return false
	}
	g.blockNr >>= 1
	g.frameNr = g.blockSize / g.frameSize * g.blockNr
	return true
}

// mappedLen is the total length of the kernel-allocated region.
func (g *Geometry) mappedLen() int {
	return int(g.blockSize) * int(g.blockNr)
}

// encode serializes the active variant into buf in native byte order,
// mirroring struct tpacket_req (V2) or struct tpacket_req3 (V3), and
// returns the slice holding exactly the active layout.
func (g *Geometry) encode(buf *[sizeofTPacketReq3]byte) []byte {
	binary.NativeEndian.PutUint32(buf[0:4], g.blockSize)
	binary.NativeEndian.PutUint32(buf[4:8], g.blockNr)
	binary.NativeEndian.PutUint32(buf[8:12], g.frameSize)
	binary.NativeEndian.PutUint32(buf[12:16], g.frameNr)
	if g.version != TPacketV3 {
		return buf[:sizeofTPacketReq]
	}
	binary.NativeEndian.PutUint32(buf[16:20], uint32(g.retireTimeout/time.Millisecond))
	binary.NativeEndian.PutUint32(buf[20:24], g.sizeofPriv)
	binary.NativeEndian.PutUint32(buf[24:28], g.featureReqWord)
	return buf[:sizeofTPacketReq3]
}

// verify checks geometry consistency. A violation means the sizing
// math itself is broken and any ring built from it would corrupt
// frame addressing, so it aborts rather than returning an error.
func (g *Geometry) verify() {
	if g.blockNr < 1 {
		fatalf("ring layout: budget yields %d blocks of %d bytes, need at least 1",
			g.blockNr, g.blockSize)
	}
	if g.blockSize%uint32(pageSize) != 0 {
		fatalf("ring layout: block size %d not a multiple of page size %d",
			g.blockSize, pageSize)
	}
	if g.frameSize%unix.TPACKET_ALIGNMENT != 0 {
		fatalf("ring layout: frame size %d not a multiple of alignment %d",
			g.frameSize, unix.TPACKET_ALIGNMENT)
	}
	if g.blockSize%g.frameSize != 0 {
		fatalf("ring layout: block size %d not divisible by frame size %d",
			g.blockSize, g.frameSize)
	}
	if g.frameNr != g.blockSize/g.frameSize*g.blockNr {
		fatalf("ring layout: frame count %d inconsistent with %d blocks of %d/%d bytes",
			g.frameNr, g.blockNr, g.blockSize, g.frameSize)
	}
}
