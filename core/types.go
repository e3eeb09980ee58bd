package core

import (
	"github.com/go-gl/mathgl/mgl32"
)

// NoFusion marks a particle that has no fusion partner this step.
const NoFusion int32 = -1

// Particle is a point mass of the simulation
type Particle struct {
	Position mgl32.Vec3
	Velocity mgl32.Vec3
	Mass     float32

	// FusionRef is the store index of the particle this one will absorb or
	// be absorbed by. Only meaningful inside a single step.
	FusionRef int32
}

// NewParticle returns a particle with no fusion partner
func NewParticle(position, velocity mgl32.Vec3, mass float32) Particle {
	return Particle{
		Position:  position,
		Velocity:  velocity,
		Mass:      mass,
		FusionRef: NoFusion,
	}
}

// IsInert reports whether the particle has been absorbed (or never had mass).
// Inert particles exert no force and can't be fused with. It reads Mass
// only, so it is safe while another goroutine writes Velocity.
func (p *Particle) IsInert() bool {
	return p.Mass == 0
}

// Add merges two particles inelastically: position and velocity are the
// mass-weighted averages and the masses add up. Merging two massless
// particles yields a massless particle at the first one's position.
func (p Particle) Add(o Particle) Particle {
	total := p.Mass + o.Mass
	if total == 0 {
		return NewParticle(p.Position, p.Velocity, 0)
	}
	return NewParticle(
		p.Position.Mul(p.Mass).Add(o.Position.Mul(o.Mass)).Mul(1/total),
		p.Velocity.Mul(p.Mass).Add(o.Velocity.Mul(o.Mass)).Mul(1/total),
		total,
	)
}

// Momentum returns mass * velocity
func (p Particle) Momentum() mgl32.Vec3 {
	return p.Velocity.Mul(p.Mass)
}
