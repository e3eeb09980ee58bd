package octree

import (
	"github.com/go-gl/mathgl/mgl32"
)

// MortonCode interleaves three 10-bit cell coordinates as ...zyxzyxzyx,
// with x in the highest bit of every triple.
type MortonCode uint32

const (
	// CoordBits is the number of bits kept per axis.
	CoordBits = 10
	// Resolution is the number of cells per axis at the finest level.
	Resolution = 1 << CoordBits
	// MaxCodeDepth is the deepest tree a 30-bit code can address.
	MaxCodeDepth = CoordBits

	maxCoord = Resolution - 1
)

// Encode normalises x, y and z from [-rng, rng] to the integer grid and
// interleaves the result. Coordinates outside the domain are clamped to the
// nearest edge cell.
func Encode(rng, x, y, z float32) MortonCode {
	xx := expandBits(quantize(rng, x))
	yy := expandBits(quantize(rng, y))
	zz := expandBits(quantize(rng, z))
	return MortonCode((xx << 2) + (yy << 1) + zz)
}

// EncodeVec is Encode for a position vector.
func EncodeVec(rng float32, p mgl32.Vec3) MortonCode {
	return Encode(rng, p[0], p[1], p[2])
}

// FromCell interleaves integer cell coordinates directly. Each coordinate is
// clamped to [0, 1023].
func FromCell(x, y, z uint32) MortonCode {
	x = min(x, maxCoord)
	y = min(y, maxCoord)
	z = min(z, maxCoord)
	return MortonCode((expandBits(x) << 2) + (expandBits(y) << 1) + expandBits(z))
}

// Decode returns the integer cell coordinates packed into code.
func Decode(code MortonCode) (x, y, z uint32) {
	c := uint32(code)
	return compactBits(c >> 2), compactBits(c >> 1), compactBits(c)
}

// IsNeighbour reports whether two codes agree on every bit at or above
// 3*(depth+1), i.e. whether they fall in the same node at that depth.
func IsNeighbour(a, b MortonCode, depth uint32) bool {
	t := uint32(a ^ b)
	s := 3 * (depth + 1)
	return ((t << s) & t) == ((uint32(0xFFFFFFFF) << s) & t)
}

func quantize(rng, v float32) uint32 {
	v = (v + rng) / (2 * rng)
	v = min(max(v*Resolution, 0), maxCoord)
	if v != v {
		// NaN position (zero range or NaN input) lands in the first cell
		return 0
	}
	return uint32(v)
}

// expandBits spreads the low 10 bits of v so that two zero bits separate
// every source bit.
func expandBits(v uint32) uint32 {
	v = (v * 0x00010001) & 0xFF0000FF
	v = (v * 0x00000101) & 0x0F00F00F
	v = (v * 0x00000011) & 0xC30C30C3
	v = (v * 0x00000005) & 0x49249249
	return v
}

func compactBits(v uint32) uint32 {
	v &= 0x49249249
	v = (v ^ (v >> 2)) & 0xC30C30C3
	v = (v ^ (v >> 4)) & 0x0F00F00F
	v = (v ^ (v >> 8)) & 0xFF0000FF
	v = (v ^ (v >> 16)) & 0x000003FF
	return v
}
