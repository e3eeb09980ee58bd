package physics

import (
	"context"

	"gonum.org/v1/gonum/spatial/r3"

	"particles/core"
)

// Totals are conserved (or slowly drifting) quantities of the store,
// accumulated in float64.
type Totals struct {
	Step          uint64  `json:"step"`
	Particles     int     `json:"particles"`
	Active        int     `json:"active"`
	Mass          float64 `json:"mass"`
	Momentum      r3.Vec  `json:"momentum"`
	KineticEnergy float64 `json:"kineticEnergy"`
	CentreOfMass  r3.Vec  `json:"centreOfMass"`
}

// Measure computes Totals for ps.
func Measure(ps []core.Particle) Totals {
	t := Totals{Particles: len(ps)}
	var weighted r3.Vec
	for i := range ps {
		p := &ps[i]
		if p.IsInert() {
			continue
		}
		m := float64(p.Mass)
		v := toR3(p.Velocity)
		t.Active++
		t.Mass += m
		t.Momentum = r3.Add(t.Momentum, r3.Scale(m, v))
		t.KineticEnergy += 0.5 * m * r3.Dot(v, v)
		weighted = r3.Add(weighted, r3.Scale(m, toR3(p.Position)))
	}
	if t.Mass > 0 {
		t.CentreOfMass = r3.Scale(1/t.Mass, weighted)
	}
	return t
}

// Diagnostics measures the store once the in-flight step, if any, is done.
func (e *Engine) Diagnostics(ctx context.Context) (Totals, error) {
	if err := e.Wait(ctx); err != nil {
		return Totals{}, err
	}
	e.data.RLock()
	defer e.data.RUnlock()
	t := Measure(e.store.Particles())
	t.Step = e.steps.Load()
	return t, nil
}

func toR3(v [3]float32) r3.Vec {
	return r3.Vec{X: float64(v[0]), Y: float64(v[1]), Z: float64(v[2])}
}
