package physics

import (
	"context"
	"runtime"
	"testing"
	"time"

	"github.com/go-gl/mathgl/mgl32"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"particles/core"
	"particles/gpu"
)

func testParams() Params {
	p := DefaultParams()
	p.Workers = 4
	return p
}

func newTestEngine(t *testing.T, particles []core.Particle, params Params) *Engine {
	t.Helper()
	return NewEngine(core.NewParticleStore(particles), params, zap.NewNop().Sugar())
}

func randomStore(count int, spread float32, seed uint64) *core.ParticleStore {
	params := core.DefaultStoreParams()
	params.Count = count
	params.Spread = spread
	params.Seed = seed
	return core.CreateRandomStore(params)
}

func TestFusionHeavierAbsorbsLighter(t *testing.T) {
	for _, heavyFirst := range []bool{true, false} {
		name := "heavy_first"
		if !heavyFirst {
			name = "heavy_second"
		}
		t.Run(name, func(t *testing.T) {
			heavy := core.NewParticle(mgl32.Vec3{0, 0, 0}, mgl32.Vec3{1, 0, 0}, 10)
			light := core.NewParticle(mgl32.Vec3{0.005, 0, 0}, mgl32.Vec3{0, 1, 0}, 5)
			ps := []core.Particle{heavy, light}
			hi, li := 0, 1
			if !heavyFirst {
				ps = []core.Particle{light, heavy}
				hi, li = 1, 0
			}

			e := newTestEngine(t, ps, testParams())
			e.Step()

			// The pair is within the fusion threshold, so the mutual force
			// is dropped and both just drift for one timestep before merging.
			dt := e.Params().Timestep
			wantPos := mgl32.Vec3{
				(10*dt + 5*0.005) / 15,
				(5 * dt) / 15,
				0,
			}
			wantVel := mgl32.Vec3{10.0 / 15, 5.0 / 15, 0}

			got := ps[hi]
			assert.Equal(t, float32(15), got.Mass)
			assert.InDelta(t, wantPos[0], got.Position[0], 1e-6)
			assert.InDelta(t, wantPos[1], got.Position[1], 1e-6)
			assert.InDelta(t, wantVel[0], got.Velocity[0], 1e-6)
			assert.InDelta(t, wantVel[1], got.Velocity[1], 1e-6)

			assert.Equal(t, float32(0), ps[li].Mass)
			assert.Equal(t, core.NoFusion, ps[li].FusionRef)
			assert.InDelta(t, 15.0, e.store.TotalMass(), 1e-6)
		})
	}
}

func TestEqualMassesDoNotFuse(t *testing.T) {
	ps := []core.Particle{
		core.NewParticle(mgl32.Vec3{0, 0, 0}, mgl32.Vec3{}, 7),
		core.NewParticle(mgl32.Vec3{0.001, 0, 0}, mgl32.Vec3{}, 7),
	}
	e := newTestEngine(t, ps, testParams())
	e.Step()

	assert.Equal(t, float32(7), ps[0].Mass)
	assert.Equal(t, float32(7), ps[1].Mass)
	assert.Equal(t, int32(1), ps[0].FusionRef)
	assert.Equal(t, int32(0), ps[1].FusionRef)
}

func TestInertParticleExertsNoForce(t *testing.T) {
	ps := []core.Particle{
		core.NewParticle(mgl32.Vec3{0, 0, 0}, mgl32.Vec3{}, 10),
		// massless and well inside the fusion threshold of particle 0
		core.NewParticle(mgl32.Vec3{0.001, 0, 0}, mgl32.Vec3{}, 0),
		core.NewParticle(mgl32.Vec3{1, 0, 0}, mgl32.Vec3{}, 10),
	}
	e := newTestEngine(t, ps, testParams())
	e.Step()

	p := e.Params()
	// only particle 2 pulls on particle 0: G*m0*m2/1^2 / m0 * dt
	wantVel := p.GravityConst * 10 * p.Timestep
	assert.InDelta(t, wantVel, ps[0].Velocity[0], 1e-12)
	assert.Equal(t, core.NoFusion, ps[0].FusionRef)
	assert.Equal(t, float32(10), ps[0].Mass)

	assert.Equal(t, float32(0), ps[1].Mass)
	assert.Equal(t, mgl32.Vec3{0.001, 0, 0}, ps[1].Position)
	assert.Equal(t, mgl32.Vec3{}, ps[1].Velocity)
	assert.Equal(t, core.NoFusion, ps[1].FusionRef)
}

func TestCoincidentParticlesStayFinite(t *testing.T) {
	ps := []core.Particle{
		core.NewParticle(mgl32.Vec3{1, 1, 1}, mgl32.Vec3{}, 20),
		core.NewParticle(mgl32.Vec3{1, 1, 1}, mgl32.Vec3{}, 10),
	}
	e := newTestEngine(t, ps, testParams())
	e.Step()

	assert.Equal(t, float32(30), ps[0].Mass)
	assert.True(t, ps[0].Position.ApproxEqual(mgl32.Vec3{1, 1, 1}), "position %v", ps[0].Position)
	assert.Equal(t, mgl32.Vec3{}, ps[0].Velocity)
	assert.Equal(t, float32(0), ps[1].Mass)
}

func TestMassIsConserved(t *testing.T) {
	// A tight cloud so that plenty of particles fuse.
	store := randomStore(400, 0.15, 3)
	before := store.TotalMass()

	e := NewEngine(store, testParams(), zap.NewNop().Sugar())
	for i := 0; i < 25; i++ {
		e.Step()
	}

	assert.InEpsilon(t, before, store.TotalMass(), 1e-5)
	assert.Equal(t, 400, store.Len())
	assert.Equal(t, uint64(25), e.Steps())
	for i, p := range store.Particles() {
		assert.GreaterOrEqual(t, p.Mass, float32(0), "particle %d", i)
	}
}

func TestGravityPullsPairTogether(t *testing.T) {
	ps := []core.Particle{
		core.NewParticle(mgl32.Vec3{-1, 0, 0}, mgl32.Vec3{}, 50),
		core.NewParticle(mgl32.Vec3{1, 0, 0}, mgl32.Vec3{}, 50),
	}
	e := newTestEngine(t, ps, testParams())
	e.Step()

	assert.Greater(t, ps[0].Velocity[0], float32(0))
	assert.Less(t, ps[1].Velocity[0], float32(0))
	// equal and opposite
	assert.InDelta(t, ps[0].Velocity[0], -ps[1].Velocity[0], 1e-9)
}

func TestCellGroupingMatchesRanges(t *testing.T) {
	store := randomStore(300, 0.5, 11)

	byRange := testParams()
	byCell := testParams()
	byCell.GroupByCell = true
	byCell.MaxSize = 4

	a := NewEngine(store.Clone(), byRange, zap.NewNop().Sugar())
	b := NewEngine(store.Clone(), byCell, zap.NewNop().Sugar())
	for i := 0; i < 5; i++ {
		a.Step()
		b.Step()
	}

	assert.Equal(t, a.store.Particles(), b.store.Particles())

	// The tree of the last step still holds the particles that step fused.
	cells := b.Cells()
	assert.GreaterOrEqual(t, cells.Members, b.store.ActiveCount())
	assert.LessOrEqual(t, cells.Members, 300)
	assert.Positive(t, cells.Leaves)
	assert.LessOrEqual(t, cells.NeighbourMax, 7)
	assert.GreaterOrEqual(t, cells.Pairs, cells.Leaves)
	assert.Positive(t, cells.CentreOfMass.Mass)
}

func TestAsyncStepIsExclusive(t *testing.T) {
	e := NewEngine(randomStore(2000, 2, 5), testParams(), zap.NewNop().Sugar())
	require.True(t, e.ResultReady())

	h, err := e.AsyncStep()
	require.NoError(t, err)
	assert.False(t, e.ResultReady())

	_, err = e.AsyncStep()
	assert.ErrorIs(t, err, ErrStepInFlight)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	require.NoError(t, h.Wait(ctx))

	assert.True(t, h.Ready())
	assert.True(t, e.ResultReady())
	assert.Equal(t, uint64(1), h.Step())
	assert.Equal(t, uint64(1), e.Steps())
	assert.Positive(t, h.Elapsed())

	h2, err := e.AsyncStep()
	require.NoError(t, err)
	require.NoError(t, h2.Wait(ctx))
	assert.Equal(t, uint64(2), h2.Step())
}

func TestStepWaitsForAsyncStep(t *testing.T) {
	e := NewEngine(randomStore(1000, 2, 9), testParams(), zap.NewNop().Sugar())

	_, err := e.AsyncStep()
	require.NoError(t, err)
	e.Step()

	assert.True(t, e.ResultReady())
	assert.Equal(t, uint64(2), e.Steps())
}

func TestCopyToWaitsForCompletion(t *testing.T) {
	e := NewEngine(randomStore(2000, 2, 13), testParams(), zap.NewNop().Sugar())
	require.Equal(t, 2000, e.ParticleCount())
	require.Equal(t, 2000*gpu.ParticleStride, e.ByteSize())

	_, err := e.AsyncStep()
	require.NoError(t, err)

	first := make([]byte, e.ByteSize())
	n, err := e.CopyTo(first)
	require.NoError(t, err)
	require.Equal(t, e.ByteSize(), n)
	require.True(t, e.ResultReady())

	// Nothing is running now, so a second copy must be identical.
	second := make([]byte, e.ByteSize())
	_, err = e.CopyTo(second)
	require.NoError(t, err)
	assert.Equal(t, first, second)

	decoded, err := gpu.DecodeParticles(first)
	require.NoError(t, err)
	for i, p := range decoded {
		want := e.store.At(i)
		require.Equal(t, want.Position, p.Position, "particle %d", i)
		require.Equal(t, want.Mass, p.Mass, "particle %d", i)
	}
}

func TestCopyToRejectsShortBuffer(t *testing.T) {
	e := NewEngine(randomStore(10, 2, 1), testParams(), zap.NewNop().Sugar())
	_, err := e.CopyTo(make([]byte, e.ByteSize()-1))
	assert.ErrorIs(t, err, gpu.ErrShortBuffer)
}

func TestCopyToContextCancelled(t *testing.T) {
	e := NewEngine(randomStore(3000, 2, 17), testParams(), zap.NewNop().Sugar())
	h, err := e.AsyncStep()
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = e.CopyToContext(ctx, make([]byte, e.ByteSize()))
	if !h.Ready() {
		assert.ErrorIs(t, err, context.Canceled)
	}
	<-h.Done()
}

func TestDiagnostics(t *testing.T) {
	ps := []core.Particle{
		core.NewParticle(mgl32.Vec3{0, 0, 0}, mgl32.Vec3{1, 0, 0}, 2),
		core.NewParticle(mgl32.Vec3{3, 0, 0}, mgl32.Vec3{0, 2, 0}, 1),
		core.NewParticle(mgl32.Vec3{9, 9, 9}, mgl32.Vec3{5, 5, 5}, 0),
	}
	tot := Measure(ps)
	assert.Equal(t, 3, tot.Particles)
	assert.Equal(t, 2, tot.Active)
	assert.InDelta(t, 3.0, tot.Mass, 1e-9)
	assert.InDelta(t, 2.0, tot.Momentum.X, 1e-9)
	assert.InDelta(t, 2.0, tot.Momentum.Y, 1e-9)
	assert.InDelta(t, 0.5*2*1+0.5*1*4, tot.KineticEnergy, 1e-9)
	assert.InDelta(t, 1.0, tot.CentreOfMass.X, 1e-9)

	e := newTestEngine(t, ps, testParams())
	got, err := e.Diagnostics(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(0), got.Step)
	assert.Equal(t, tot, Totals{
		Particles: got.Particles, Active: got.Active, Mass: got.Mass,
		Momentum: got.Momentum, KineticEnergy: got.KineticEnergy, CentreOfMass: got.CentreOfMass,
	})
}

func BenchmarkStep(b *testing.B) {
	for _, byCell := range []bool{false, true} {
		name := "ranges"
		if byCell {
			name = "cells"
		}
		b.Run(name, func(b *testing.B) {
			params := DefaultParams()
			params.GroupByCell = byCell
			e := NewEngine(randomStore(core.DefaultParticleCount, 2, 1), params, zap.NewNop().Sugar())
			b.ResetTimer()
			for i := 0; i < b.N; i++ {
				e.Step()
			}
		})
	}
}

func TestZeroWorkersUsesGOMAXPROCS(t *testing.T) {
	p := testParams()
	p.Workers = 0
	e := newTestEngine(t, nil, p)
	assert.Equal(t, runtime.GOMAXPROCS(0), e.Params().Workers)
	assert.Equal(t, runtime.GOMAXPROCS(0), DefaultParams().Workers)
}
