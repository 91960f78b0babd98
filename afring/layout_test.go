//go:build linux

package afring

import (
	"encoding/binary"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

// requirePanicContains runs fn and requires it to panic with an error
// whose message contains substr. Fatal ring failures abort via panic.
func requirePanicContains(t *testing.T, substr string, fn func()) {
	t.Helper()
	defer func() {
		r := recover()
		require.NotNil(t, r, "expected a panic")
		err, ok := r.(error)
		require.True(t, ok, "panic value is not an error: %v", r)
		require.Contains(t, err.Error(), substr)
	}()
	fn()
}

func TestNewGeometry(t *testing.T) {
	page := uint32(pageSize)

	for _, tt := range []struct {
		name      string
		size      int
		version   Version
		jumbo     bool
		blockSize uint32
		frameSize uint32
	}{
		{"v2 default", 16 << 20, TPacketV2, false, page << 2, unix.TPACKET_ALIGNMENT << 7},
		{"v2 jumbo", 16 << 20, TPacketV2, true, page << 4, unix.TPACKET_ALIGNMENT << 12},
		{"v3 default", 64 << 20, TPacketV3, false, page << 2, unix.TPACKET_ALIGNMENT << 7},
		{"v3 jumbo", 64 << 20, TPacketV3, true, page << 4, unix.TPACKET_ALIGNMENT << 12},
		{"truncating budget", 16<<20 + 12345, TPacketV2, false, page << 2, unix.TPACKET_ALIGNMENT << 7},
		{"single block", 4 * pageSize, TPacketV2, false, page << 2, unix.TPACKET_ALIGNMENT << 7},
	} {
		t.Run(tt.name, func(t *testing.T) {
			g := newGeometry(tt.size, tt.version, tt.jumbo)

			assert.Equal(t, tt.version, g.version)
			assert.Equal(t, tt.blockSize, g.blockSize)
			assert.Equal(t, tt.frameSize, g.frameSize)
			assert.Equal(t, uint32(tt.size)/tt.blockSize, g.blockNr)
			assert.Equal(t, g.blockSize/g.frameSize*g.blockNr, g.frameNr)

			// Exact capacity identity: frames tile the blocks.
			assert.Equal(t, uint64(g.blockSize)*uint64(g.blockNr),
				uint64(g.frameNr)*uint64(g.frameSize))

			switch tt.version {
			case TPacketV3:
				assert.Equal(t, 100*time.Millisecond, g.retireTimeout)
				assert.Zero(t, g.sizeofPriv)
				assert.Zero(t, g.featureReqWord)
			default:
				assert.Zero(t, g.retireTimeout)
			}
		})
	}
}

func TestNewGeometryRejectsNonPositiveBudget(t *testing.T) {
	for _, size := range []int{0, -1, -(16 << 20)} {
		requirePanicContains(t, "must be positive", func() {
			newGeometry(size, TPacketV2, false)
		})
	}
}

func TestGeometryEncodeV2(t *testing.T) {
	g := newGeometry(16<<20, TPacketV2, false)
	var buf [sizeofTPacketReq3]byte
	enc := g.encode(&buf)

	require.Len(t, enc, sizeofTPacketReq)
	assert.Equal(t, g.blockSize, binary.NativeEndian.Uint32(enc[0:4]))
	assert.Equal(t, g.blockNr, binary.NativeEndian.Uint32(enc[4:8]))
	assert.Equal(t, g.frameSize, binary.NativeEndian.Uint32(enc[8:12]))
	assert.Equal(t, g.frameNr, binary.NativeEndian.Uint32(enc[12:16]))
}

func TestGeometryEncodeV3(t *testing.T) {
	g := newGeometry(16<<20, TPacketV3, false)
	var buf [sizeofTPacketReq3]byte
	enc := g.encode(&buf)

	require.Len(t, enc, sizeofTPacketReq3)
	assert.Equal(t, g.blockSize, binary.NativeEndian.Uint32(enc[0:4]))
	assert.Equal(t, g.blockNr, binary.NativeEndian.Uint32(enc[4:8]))
	assert.Equal(t, g.frameSize, binary.NativeEndian.Uint32(enc[8:12]))
	assert.Equal(t, g.frameNr, binary.NativeEndian.Uint32(enc[12:16]))
	assert.Equal(t, uint32(100), binary.NativeEndian.Uint32(enc[16:20]), "retire timeout in ms")
	assert.Zero(t, binary.NativeEndian.Uint32(enc[20:24]), "sizeof_priv")
	assert.Zero(t, binary.NativeEndian.Uint32(enc[24:28]), "feature request word")
}

func TestGeometryHalve(t *testing.T) {
	g := newGeometry(16*4*pageSize, TPacketV2, false) // 16 blocks

	require.EqualValues(t, 16, g.blockNr)
	for want := uint32(8); want >= 1; want >>= 1 {
		require.True(t, g.halve())
		assert.Equal(t, want, g.blockNr)
		assert.Equal(t, g.blockSize/g.frameSize*g.blockNr, g.frameNr)
	}
	assert.False(t, g.halve(), "a single block cannot be degraded further")
	assert.EqualValues(t, 1, g.blockNr)
}

func TestGeometryVerify(t *testing.T) {
	valid := newGeometry(16<<20, TPacketV2, false)
	assert.NotPanics(t, func() { valid.verify() })

	t.Run("zero blocks", func(t *testing.T) {
		g := newGeometry(pageSize, TPacketV2, false) // budget below one block
		requirePanicContains(t, "need at least 1", func() { g.verify() })
	})
	t.Run("unaligned block size", func(t *testing.T) {
		g := valid
		g.blockSize += 512
		requirePanicContains(t, "page size", func() { g.verify() })
	})
	t.Run("unaligned frame size", func(t *testing.T) {
		g := valid
		g.frameSize += 3
		requirePanicContains(t, "alignment", func() { g.verify() })
	})
	t.Run("indivisible frame size", func(t *testing.T) {
		g := valid
		g.frameSize += unix.TPACKET_ALIGNMENT
		g.frameNr = g.blockSize / g.frameSize * g.blockNr
		requirePanicContains(t, "not divisible", func() { g.verify() })
	})
	t.Run("inconsistent frame count", func(t *testing.T) {
		g := valid
		g.frameNr++
		requirePanicContains(t, "inconsistent", func() { g.verify() })
	})
}
