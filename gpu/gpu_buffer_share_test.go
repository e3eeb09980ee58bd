package gpu

import (
	"encoding/binary"
	"math"
	"testing"

	"github.com/go-gl/mathgl/mgl32"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"particles/core"
)

func TestLayoutOffsets(t *testing.T) {
	assert.Equal(t, 0, PositionOffset)
	assert.Equal(t, 12, VelocityOffset)
	assert.Equal(t, 24, MassOffset)
	assert.Equal(t, 28, ParticleStride)
	assert.Equal(t, 28*2000, BufferSize(2000))

	require.Len(t, Attributes, 3)
	for i, a := range Attributes {
		assert.Equal(t, uint32(i), a.Location)
	}
}

func TestEncodeParticlesKnownBytes(t *testing.T) {
	ps := []core.Particle{
		core.NewParticle(mgl32.Vec3{1, 2, 3}, mgl32.Vec3{-1, 0.5, 0}, 42),
		core.NewParticle(mgl32.Vec3{}, mgl32.Vec3{}, 0),
	}
	ps[0].FusionRef = 1

	buf := make([]byte, BufferSize(len(ps))+5)
	n, err := EncodeParticles(buf, ps)
	require.NoError(t, err)
	require.Equal(t, 56, n)

	f := func(off int) float32 {
		return math.Float32frombits(binary.LittleEndian.Uint32(buf[off:]))
	}
	assert.Equal(t, []float32{1, 2, 3, -1, 0.5, 0, 42},
		[]float32{f(0), f(4), f(8), f(12), f(16), f(20), f(24)})
	// second particle starts right after the first one
	assert.Equal(t, float32(0), f(28+MassOffset))
}

func TestEncodeShortBuffer(t *testing.T) {
	ps := make([]core.Particle, 3)
	_, err := EncodeParticles(make([]byte, BufferSize(3)-1), ps)
	assert.ErrorIs(t, err, ErrShortBuffer)
}

func TestDecodeParticles(t *testing.T) {
	ps := []core.Particle{
		core.NewParticle(mgl32.Vec3{1, 2, 3}, mgl32.Vec3{4, 5, 6}, 7),
		core.NewParticle(mgl32.Vec3{-1, -2, -3}, mgl32.Vec3{}, 0.25),
	}
	buf := make([]byte, BufferSize(len(ps)))
	_, err := EncodeParticles(buf, ps)
	require.NoError(t, err)

	got, err := DecodeParticles(buf)
	require.NoError(t, err)
	assert.Equal(t, ps, got)

	_, err = DecodeParticles(buf[:30])
	assert.ErrorIs(t, err, ErrMisaligned)
}
