package physics

import (
	"context"
	"errors"
	"math"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-gl/mathgl/mgl32"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"particles/core"
	"particles/gpu"
	"particles/octree"
)

// MinSeparation is the distance below which two particles are treated as
// coincident: they exert no force on each other but can still fuse.
const MinSeparation float32 = 1e-6

var ErrStepInFlight = errors.New("physics: a step is already in flight")

// Params are the simulation tunables. They are fixed for the lifetime of an
// Engine.
type Params struct {
	Timestep        float32
	GravityConst    float32
	FusionThreshold float32

	// Workers bounds the goroutines used by the force phase. Zero or less
	// means GOMAXPROCS.
	Workers int
	// GroupByCell hands force work out per octree leaf instead of per
	// contiguous index range.
	GroupByCell bool

	MaxSize  float32
	MaxDepth uint32
}

// DefaultParams returns the values the demo runs with
func DefaultParams() Params {
	return Params{
		Timestep:        0.001,
		GravityConst:    0.0001,
		FusionThreshold: 0.01,
		Workers:         runtime.GOMAXPROCS(0),
		MaxSize:         octree.DefaultMaxSize,
		MaxDepth:        octree.DefaultMaxDepth,
	}
}

// Engine advances a ParticleStore. It is either idle or computing exactly
// one step; the step may run on the caller's goroutine (Step) or in the
// background (AsyncStep).
type Engine struct {
	store  *core.ParticleStore
	params Params
	log    *zap.SugaredLogger

	// computing is the idle/computing state. current is the handle of the
	// latest step and is never nil.
	computing atomic.Bool
	current   atomic.Pointer[StepHandle]
	steps     atomic.Uint64

	// data is held for writing by a running step and for reading by
	// snapshots.
	data sync.RWMutex

	tree *octree.Octree[member]
}

// NewEngine wraps store. The engine mutates the store in place from now on;
// callers read it through CopyTo and Diagnostics only.
func NewEngine(store *core.ParticleStore, params Params, log *zap.SugaredLogger) *Engine {
	if params.Workers <= 0 {
		params.Workers = runtime.GOMAXPROCS(0)
	}
	e := &Engine{
		store:  store,
		params: params,
		log:    log.Named("physics"),
		tree:   octree.New[member](params.MaxSize, params.MaxDepth),
	}
	e.current.Store(completedHandle())

	e.log.Infow("engine ready",
		"particles", store.Len(),
		"timestep", params.Timestep,
		"gravity", params.GravityConst,
		"fusionThreshold", params.FusionThreshold,
		"workers", params.Workers,
		"groupByCell", params.GroupByCell,
	)
	return e
}

// Params returns the engine's tunables.
func (e *Engine) Params() Params { return e.params }

// ParticleCount returns the number of slots in the store.
func (e *Engine) ParticleCount() int { return e.store.Len() }

// ByteSize returns the size of a packed snapshot.
func (e *Engine) ByteSize() int { return gpu.BufferSize(e.store.Len()) }

// Steps returns the number of completed steps.
func (e *Engine) Steps() uint64 { return e.steps.Load() }

// ResultReady reports whether no step is running. When it returns true the
// writes of every finished step are visible to the caller.
func (e *Engine) ResultReady() bool { return !e.computing.Load() }

// Step runs one step on the calling goroutine, waiting first for any step
// that is already in flight.
func (e *Engine) Step() {
	for {
		if h, ok := e.begin(); ok {
			e.run(h)
			return
		}
		<-e.current.Load().Done()
	}
}

// AsyncStep starts one step in the background and returns its handle. Only
// one step may be in flight; a second call before it completes returns
// ErrStepInFlight. A started step always runs to completion.
func (e *Engine) AsyncStep() (*StepHandle, error) {
	h, ok := e.begin()
	if !ok {
		return nil, ErrStepInFlight
	}
	go e.run(h)
	return h, nil
}

// Wait blocks until no step is in flight or ctx is done.
func (e *Engine) Wait(ctx context.Context) error {
	for !e.ResultReady() {
		if err := e.current.Load().Wait(ctx); err != nil {
			return err
		}
	}
	return nil
}

// CopyTo writes the packed particle snapshot into dst and returns the
// number of bytes written. It waits for an in-flight step to finish first.
func (e *Engine) CopyTo(dst []byte) (int, error) {
	_, n, err := e.Snapshot(context.Background(), dst)
	return n, err
}

// CopyToContext is CopyTo with a cancellable wait.
func (e *Engine) CopyToContext(ctx context.Context, dst []byte) (int, error) {
	_, n, err := e.Snapshot(ctx, dst)
	return n, err
}

// Snapshot is CopyTo that also reports which step the snapshot belongs to.
func (e *Engine) Snapshot(ctx context.Context, dst []byte) (step uint64, n int, err error) {
	if len(dst) < e.ByteSize() {
		return 0, 0, gpu.ErrShortBuffer
	}
	if err := e.Wait(ctx); err != nil {
		return 0, 0, err
	}
	// A step dispatched after Wait holds the write lock until it is done,
	// so the copy below is never torn.
	e.data.RLock()
	defer e.data.RUnlock()
	n, err = gpu.EncodeParticles(dst, e.store.Particles())
	return e.steps.Load(), n, err
}

func (e *Engine) begin() (*StepHandle, bool) {
	if !e.computing.CompareAndSwap(false, true) {
		return nil, false
	}
	h := newStepHandle()
	e.current.Store(h)
	return h, true
}

func (e *Engine) run(h *StepHandle) {
	e.data.Lock()
	start := time.Now()
	e.step()
	step := e.steps.Add(1)
	elapsed := time.Since(start)
	e.data.Unlock()

	e.computing.Store(false)
	h.finish(step, elapsed)
}

func (e *Engine) step() {
	ps := e.store.Particles()
	if e.params.GroupByCell {
		e.forcesByCell(ps)
	} else {
		e.forcesByRange(ps)
	}
	e.integrate(ps)
}

// forcesByRange splits the store into one contiguous slice per worker.
func (e *Engine) forcesByRange(ps []core.Particle) {
	n := len(ps)
	if n == 0 {
		return
	}
	workers := min(e.params.Workers, n)
	chunk := (n + workers - 1) / workers

	var g errgroup.Group
	for start := 0; start < n; start += chunk {
		start, end := start, min(start+chunk, n)
		g.Go(func() error {
			for i := start; i < end; i++ {
				e.accelerate(ps, i)
			}
			return nil
		})
	}
	_ = g.Wait()
}

// accelerate is the force phase for particle i. It reads the position and
// mass of every particle and writes only the velocity and fusion reference
// of particle i, so it can run for all particles at once.
func (e *Engine) accelerate(ps []core.Particle, i int) {
	p1 := &ps[i]
	if p1.IsInert() {
		p1.FusionRef = core.NoFusion
		return
	}

	var total, nearestForce mgl32.Vec3
	nearest := core.NoFusion
	minDist := float32(math.MaxFloat32)

	for j := range ps {
		if j == i {
			continue
		}
		p2 := &ps[j]
		if p2.IsInert() {
			continue
		}
		d := p2.Position.Sub(p1.Position)
		dist := d.Len()

		var f mgl32.Vec3
		if dist > MinSeparation {
			// unit(d) * G*m1*m2 / dist^2
			f = d.Mul(e.params.GravityConst * p1.Mass * p2.Mass / (dist * dist * dist))
			total = total.Add(f)
		}
		if dist < minDist {
			minDist = dist
			nearest = int32(j)
			nearestForce = f
		}
	}

	if nearest != core.NoFusion && minDist < e.params.FusionThreshold {
		// Too close to trust the force; the pair fuses instead.
		total = total.Sub(nearestForce)
		p1.FusionRef = nearest
	} else {
		p1.FusionRef = core.NoFusion
	}

	p1.Velocity = p1.Velocity.Add(total.Mul(e.params.Timestep / p1.Mass))
}

// integrate advances positions and resolves fusions in one sequential pass.
// Inert slots are frozen: they neither move nor take part in fusion.
// Fusion writes to a second particle, so this must not run concurrently.
func (e *Engine) integrate(ps []core.Particle) {
	dt := e.params.Timestep
	for i := range ps {
		p := &ps[i]
		if p.IsInert() {
			p.FusionRef = core.NoFusion
			continue
		}
		p.Position = p.Position.Add(p.Velocity.Mul(dt))

		ref := p.FusionRef
		if ref == core.NoFusion {
			continue
		}
		q := &ps[ref]
		// Only the heavier side of a pair merges.
		if q.IsInert() || !(p.Mass > q.Mass) {
			continue
		}

		absorbed := *q
		if int(ref) > i {
			// not reached by this pass yet
			absorbed.Position = absorbed.Position.Add(absorbed.Velocity.Mul(dt))
		}
		merged := p.Add(absorbed)
		p.Position = merged.Position
		p.Velocity = merged.Velocity
		p.Mass = merged.Mass

		q.Mass = 0
		q.FusionRef = core.NoFusion
	}
}
