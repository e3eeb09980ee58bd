package gpu

import (
	"encoding/binary"
	"math"

	"github.com/go-gl/mathgl/mgl32"

	"particles/core"
)

// GPUParticle is the vertex layout the renderer binds for the particle
// pipeline. It is tightly packed: no padding and no fusion reference.
type GPUParticle struct {
	Position [3]float32 // location 0, offset 0
	Velocity [3]float32 // location 1, offset 12
	Mass     float32    // location 2, offset 24
}

const (
	floatSize = 4

	PositionOffset = 0
	VelocityOffset = PositionOffset + 3*floatSize
	MassOffset     = VelocityOffset + 3*floatSize

	// ParticleStride is the size of one packed particle in bytes.
	ParticleStride = MassOffset + floatSize
)

// VertexAttribute describes one field of GPUParticle as a vertex input.
type VertexAttribute struct {
	Name       string `json:"name"`
	Location   uint32 `json:"location"`
	Offset     uint32 `json:"offset"`
	Components uint32 `json:"components"` // 32-bit floats
}

// Attributes lists the vertex inputs in location order.
var Attributes = []VertexAttribute{
	{Name: "position", Location: 0, Offset: PositionOffset, Components: 3},
	{Name: "velocity", Location: 1, Offset: VelocityOffset, Components: 3},
	{Name: "mass", Location: 2, Offset: MassOffset, Components: 1},
}

// ConvertToGPUParticle converts a Particle to GPU format
func ConvertToGPUParticle(p *core.Particle) GPUParticle {
	return GPUParticle{
		Position: p.Position,
		Velocity: p.Velocity,
		Mass:     p.Mass,
	}
}

// Put writes the particle into b, which must hold at least ParticleStride
// bytes.
func (g GPUParticle) Put(b []byte) {
	_ = b[ParticleStride-1]
	putVec3(b[PositionOffset:], g.Position)
	putVec3(b[VelocityOffset:], g.Velocity)
	binary.LittleEndian.PutUint32(b[MassOffset:], math.Float32bits(g.Mass))
}

// ReadGPUParticle reads one packed particle from b.
func ReadGPUParticle(b []byte) GPUParticle {
	_ = b[ParticleStride-1]
	return GPUParticle{
		Position: readVec3(b[PositionOffset:]),
		Velocity: readVec3(b[VelocityOffset:]),
		Mass:     math.Float32frombits(binary.LittleEndian.Uint32(b[MassOffset:])),
	}
}

// Particle converts back to the simulation type. The fusion reference is not
// part of the layout and comes back empty.
func (g GPUParticle) Particle() core.Particle {
	return core.NewParticle(mgl32.Vec3(g.Position), mgl32.Vec3(g.Velocity), g.Mass)
}

func putVec3(b []byte, v [3]float32) {
	binary.LittleEndian.PutUint32(b[0:], math.Float32bits(v[0]))
	binary.LittleEndian.PutUint32(b[4:], math.Float32bits(v[1]))
	binary.LittleEndian.PutUint32(b[8:], math.Float32bits(v[2]))
}

func readVec3(b []byte) [3]float32 {
	return [3]float32{
		math.Float32frombits(binary.LittleEndian.Uint32(b[0:])),
		math.Float32frombits(binary.LittleEndian.Uint32(b[4:])),
		math.Float32frombits(binary.LittleEndian.Uint32(b[8:])),
	}
}
