// Package recording writes simulation frames to a CBOR stream and reads
// them back. A stream is one Header item followed by any number of Record
// items.
package recording

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"particles/core"
	"particles/gpu"
	"particles/physics"
)

// FormatVersion is bumped whenever Header or Record change incompatibly.
const FormatVersion = 1

var (
	ErrBadVersion = errors.New("recording: unsupported format version")
	ErrBadStride  = errors.New("recording: unexpected particle stride")
)

type Header struct {
	Version         int       `cbor:"1,keyasint"`
	RunID           uuid.UUID `cbor:"2,keyasint"`
	Started         int64     `cbor:"3,keyasint"` // unix nanoseconds
	Particles       int       `cbor:"4,keyasint"`
	Stride          int       `cbor:"5,keyasint"`
	Timestep        float32   `cbor:"6,keyasint"`
	GravityConst    float32   `cbor:"7,keyasint"`
	FusionThreshold float32   `cbor:"8,keyasint"`
}

// NewHeader describes a run of engine, with a fresh run id.
func NewHeader(engine *physics.Engine) Header {
	p := engine.Params()
	return Header{
		Version:         FormatVersion,
		RunID:           uuid.New(),
		Started:         time.Now().UnixNano(),
		Particles:       engine.ParticleCount(),
		Stride:          gpu.ParticleStride,
		Timestep:        p.Timestep,
		GravityConst:    p.GravityConst,
		FusionThreshold: p.FusionThreshold,
	}
}

// Record is one recorded frame. Data is the packed particle buffer.
type Record struct {
	Step    uint64 `cbor:"1,keyasint"`
	Elapsed int64  `cbor:"2,keyasint"` // step compute time, ns
	Data    []byte `cbor:"3,keyasint"`
}

// Particles unpacks the frame.
func (r Record) Particles() ([]core.Particle, error) {
	return gpu.DecodeParticles(r.Data)
}

// Recorder appends every Every-th frame to a stream.
type Recorder struct {
	enc    *cbor.Encoder
	header Header
	every  uint64
	log    *zap.SugaredLogger

	written int
	last    uint64
}

// NewRecorder writes header to w and returns a recorder for the frames that
// follow. every < 1 records every frame.
func NewRecorder(w io.Writer, header Header, every int, log *zap.SugaredLogger) (*Recorder, error) {
	mode, err := cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		return nil, err
	}
	if every < 1 {
		every = 1
	}
	r := &Recorder{
		enc:    mode.NewEncoder(w),
		header: header,
		every:  uint64(every),
		log:    log.Named("recording").With("run", header.RunID.String()),
	}
	if err := r.enc.Encode(header); err != nil {
		return nil, fmt.Errorf("write header: %w", err)
	}
	return r, nil
}

// Header returns the header written at the start of the stream.
func (r *Recorder) Header() Header { return r.header }

// Written returns the number of records written so far.
func (r *Recorder) Written() int { return r.written }

// Record writes f if its step is due. It reports whether f was written.
// Frames at or before the last recorded step are ignored.
func (r *Recorder) Record(f *physics.Frame) (bool, error) {
	if f == nil || f.Step%r.every != 0 {
		return false, nil
	}
	if r.written > 0 && f.Step <= r.last {
		return false, nil
	}
	if len(f.Data) != r.header.Particles*r.header.Stride {
		return false, fmt.Errorf("%w: frame of %d bytes for %d particles", ErrBadStride, len(f.Data), r.header.Particles)
	}
	rec := Record{Step: f.Step, Elapsed: int64(f.Elapsed), Data: f.Data}
	if err := r.enc.Encode(rec); err != nil {
		return false, fmt.Errorf("write step %d: %w", f.Step, err)
	}
	r.written++
	r.last = f.Step
	return true, nil
}

// Run records frames until ctx is done or frames is closed.
func (r *Recorder) Run(ctx context.Context, frames <-chan *physics.Frame) error {
	defer func() {
		r.log.Infow("recording stopped", "records", r.written, "lastStep", r.last)
	}()
	for {
		select {
		case <-ctx.Done():
			return nil
		case f, ok := <-frames:
			if !ok {
				return nil
			}
			if _, err := r.Record(f); err != nil {
				return err
			}
		}
	}
}
