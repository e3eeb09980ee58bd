package core

import (
	"time"

	"github.com/go-gl/mathgl/mgl32"
	"golang.org/x/exp/rand"
)

// DefaultParticleCount matches what the renderer's buffers are sized for
// when nothing else is configured.
const DefaultParticleCount = 2000

// StoreGenerationParams controls the random initial state
type StoreGenerationParams struct {
	Count   int
	Seed    uint64     // 0 picks a time based seed
	Spread  float32    // positions are uniform in [-Spread, Spread] per axis
	Offset  mgl32.Vec3 // added to every initial position
	MinMass float32
	MaxMass float32
}

// DefaultStoreParams places the cloud two units above the origin so it sits
// in front of a standing viewer.
func DefaultStoreParams() StoreGenerationParams {
	return StoreGenerationParams{
		Count:   DefaultParticleCount,
		Spread:  2.0,
		Offset:  mgl32.Vec3{0, 2, 0},
		MinMass: 10.0,
		MaxMass: 100.0,
	}
}

// ParticleStore is the fixed-length array of simulated bodies. Its length
// never changes: absorbed particles stay in their slot with zero mass so the
// renderer's buffer layout is stable for the whole run.
type ParticleStore struct {
	particles []Particle
}

// NewParticleStore wraps an existing set of particles. The slice is owned by
// the store afterwards.
func NewParticleStore(particles []Particle) *ParticleStore {
	return &ParticleStore{particles: particles}
}

// CreateRandomStore builds a store with random positions and masses and
// zero initial velocity.
func CreateRandomStore(params StoreGenerationParams) *ParticleStore {
	seed := params.Seed
	if seed == 0 {
		seed = uint64(time.Now().UnixNano())
	}
	rng := rand.New(rand.NewSource(seed))

	particles := make([]Particle, params.Count)
	for i := range particles {
		pos := mgl32.Vec3{
			uniform(rng, -params.Spread, params.Spread),
			uniform(rng, -params.Spread, params.Spread),
			uniform(rng, -params.Spread, params.Spread),
		}
		particles[i] = NewParticle(pos.Add(params.Offset), mgl32.Vec3{}, uniform(rng, params.MinMass, params.MaxMass))
	}
	return NewParticleStore(particles)
}

func uniform(rng *rand.Rand, lo, hi float32) float32 {
	return lo + rng.Float32()*(hi-lo)
}

// Len returns the number of slots, inert ones included.
func (s *ParticleStore) Len() int {
	return len(s.particles)
}

// At returns a pointer to the particle in slot i.
func (s *ParticleStore) At(i int) *Particle {
	return &s.particles[i]
}

// Particles exposes the backing slice. Callers must not append to it.
func (s *ParticleStore) Particles() []Particle {
	return s.particles
}

// Clone returns a deep copy of the store
func (s *ParticleStore) Clone() *ParticleStore {
	dst := make([]Particle, len(s.particles))
	copy(dst, s.particles)
	return NewParticleStore(dst)
}

// TotalMass sums the mass of every slot.
func (s *ParticleStore) TotalMass() float64 {
	total := 0.0
	for i := range s.particles {
		total += float64(s.particles[i].Mass)
	}
	return total
}

// ActiveCount returns the number of particles that still carry mass.
func (s *ParticleStore) ActiveCount() int {
	n := 0
	for i := range s.particles {
		if !s.particles[i].IsInert() {
			n++
		}
	}
	return n
}
