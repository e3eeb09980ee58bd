package physics

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Frame is one packed snapshot of the store. Frames are never modified
// after they are published.
type Frame struct {
	Step    uint64
	Count   int
	Data    []byte
	Taken   time.Time
	Elapsed time.Duration // compute time of the step that produced it
}

// ThreadedPhysicsEngine steps an Engine in the background at a fixed rate
// and publishes a snapshot after every step.
type ThreadedPhysicsEngine struct {
	engine   *Engine
	log      *zap.SugaredLogger
	interval time.Duration

	paused atomic.Bool
	latest atomic.Pointer[Frame]

	subsMu sync.Mutex
	subs   map[int]chan *Frame
	nextID int

	physicsFrameTime atomic.Int64 // ns
	dropped          atomic.Uint64
}

// NewThreadedPhysicsEngine wraps engine and publishes its current state as
// the first frame.
func NewThreadedPhysicsEngine(engine *Engine, interval time.Duration, log *zap.SugaredLogger) *ThreadedPhysicsEngine {
	t := &ThreadedPhysicsEngine{
		engine:   engine,
		log:      log.Named("runner"),
		interval: interval,
		subs:     make(map[int]chan *Frame),
	}
	if err := t.publish(context.Background(), 0); err != nil {
		t.log.Warnw("initial snapshot failed", "err", err)
	}
	return t
}

// Run steps the simulation until ctx is cancelled. A step that has started
// is always finished before Run returns.
func (t *ThreadedPhysicsEngine) Run(ctx context.Context) error {
	return t.run(ctx, 0)
}

// RunSteps is Run that also returns once the engine has completed limit
// steps in total. It never starts a step past the limit.
func (t *ThreadedPhysicsEngine) RunSteps(ctx context.Context, limit uint64) error {
	if limit == 0 {
		t.closeSubscribers()
		return nil
	}
	return t.run(ctx, limit)
}

func (t *ThreadedPhysicsEngine) run(ctx context.Context, limit uint64) error {
	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()
	defer t.closeSubscribers()

	lastPrint := time.Now()
	stepsSincePrint := 0
	for {
		if limit > 0 && t.engine.Steps() >= limit {
			return nil
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
		// select picks randomly when both are ready
		if ctx.Err() != nil {
			return nil
		}
		if t.paused.Load() {
			continue
		}

		stepped, err := t.tick(ctx)
		if err != nil {
			return err
		}
		if stepped {
			stepsSincePrint++
		}

		if since := time.Since(lastPrint); since >= time.Second {
			fields := []any{
				"step", t.engine.Steps(),
				"stepsPerSec", float64(stepsSincePrint) / since.Seconds(),
				"stepMs", float64(t.PhysicsFrameTime().Microseconds()) / 1000,
				"dropped", t.dropped.Load(),
			}
			if t.engine.Params().GroupByCell {
				cells := t.engine.Cells()
				fields = append(fields,
					"leaves", cells.Leaves,
					"pairs", cells.Pairs,
					"neighbourMax", cells.NeighbourMax,
				)
			}
			t.log.Infow("physics", fields...)
			lastPrint = time.Now()
			stepsSincePrint = 0
		}
	}
}

// tick runs one step and publishes it. It reports false when another caller
// already had a step in flight.
func (t *ThreadedPhysicsEngine) tick(ctx context.Context) (bool, error) {
	h, err := t.engine.AsyncStep()
	if errors.Is(err, ErrStepInFlight) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	// no cancellation mid-step: wait unconditionally
	<-h.Done()
	t.physicsFrameTime.Store(int64(h.Elapsed()))

	if err := t.publish(ctx, h.Elapsed()); err != nil {
		if ctx.Err() != nil {
			return true, nil
		}
		return true, err
	}
	return true, nil
}

func (t *ThreadedPhysicsEngine) publish(ctx context.Context, elapsed time.Duration) error {
	data := make([]byte, t.engine.ByteSize())
	step, _, err := t.engine.Snapshot(ctx, data)
	if err != nil {
		return err
	}
	frame := &Frame{
		Step:    step,
		Count:   t.engine.ParticleCount(),
		Data:    data,
		Taken:   time.Now(),
		Elapsed: elapsed,
	}
	t.latest.Store(frame)

	t.subsMu.Lock()
	defer t.subsMu.Unlock()
	for _, ch := range t.subs {
		select {
		case ch <- frame:
		default:
			// slow subscriber, it will get the next one
			t.dropped.Add(1)
		}
	}
	return nil
}

// GetCurrentFrame returns the most recent snapshot without blocking.
func (t *ThreadedPhysicsEngine) GetCurrentFrame() *Frame {
	return t.latest.Load()
}

// Subscribe returns a channel receiving every published frame, and a
// function that unsubscribes and closes it. Frames are dropped rather than
// queued when the receiver falls behind.
func (t *ThreadedPhysicsEngine) Subscribe() (<-chan *Frame, func()) {
	t.subsMu.Lock()
	defer t.subsMu.Unlock()

	id := t.nextID
	t.nextID++
	ch := make(chan *Frame, 2)
	t.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			t.subsMu.Lock()
			defer t.subsMu.Unlock()
			if c, ok := t.subs[id]; ok {
				delete(t.subs, id)
				close(c)
			}
		})
	}
}

func (t *ThreadedPhysicsEngine) closeSubscribers() {
	t.subsMu.Lock()
	defer t.subsMu.Unlock()
	for id, ch := range t.subs {
		delete(t.subs, id)
		close(ch)
	}
}

// Pause stops issuing steps; the in-flight one still completes.
func (t *ThreadedPhysicsEngine) Pause() { t.paused.Store(true) }

// Resume restarts stepping after Pause.
func (t *ThreadedPhysicsEngine) Resume() { t.paused.Store(false) }

// Paused reports whether stepping is paused.
func (t *ThreadedPhysicsEngine) Paused() bool { return t.paused.Load() }

// PhysicsFrameTime returns the compute time of the last step.
func (t *ThreadedPhysicsEngine) PhysicsFrameTime() time.Duration {
	return time.Duration(t.physicsFrameTime.Load())
}

// UpdateInterval returns the fixed interval between steps.
func (t *ThreadedPhysicsEngine) UpdateInterval() time.Duration {
	return t.interval
}

// Engine returns the wrapped engine.
func (t *ThreadedPhysicsEngine) Engine() *Engine {
	return t.engine
}
