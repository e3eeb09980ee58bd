package gpu

import (
	"errors"
	"fmt"

	"particles/core"
)

var (
	ErrShortBuffer = errors.New("gpu: destination buffer too small")
	ErrMisaligned  = errors.New("gpu: buffer length is not a multiple of the particle stride")
)

// BufferSize returns the number of bytes needed for n packed particles.
func BufferSize(n int) int {
	return n * ParticleStride
}

// EncodeParticles packs ps into dst in store order and returns the number
// of bytes written.
func EncodeParticles(dst []byte, ps []core.Particle) (int, error) {
	size := BufferSize(len(ps))
	if len(dst) < size {
		return 0, fmt.Errorf("%w: need %d bytes, have %d", ErrShortBuffer, size, len(dst))
	}
	for i := range ps {
		ConvertToGPUParticle(&ps[i]).Put(dst[i*ParticleStride:])
	}
	return size, nil
}

// DecodeParticles unpacks a buffer produced by EncodeParticles.
func DecodeParticles(src []byte) ([]core.Particle, error) {
	if len(src)%ParticleStride != 0 {
		return nil, fmt.Errorf("%w: %d bytes", ErrMisaligned, len(src))
	}
	ps := make([]core.Particle, len(src)/ParticleStride)
	for i := range ps {
		ps[i] = ReadGPUParticle(src[i*ParticleStride:]).Particle()
	}
	return ps, nil
}
