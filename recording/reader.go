package recording

import (
	"fmt"
	"io"

	"github.com/fxamacker/cbor/v2"

	"particles/gpu"
)

// Reader reads a stream written by a Recorder.
type Reader struct {
	dec    *cbor.Decoder
	header Header
}

// NewReader reads and checks the stream header.
func NewReader(r io.Reader) (*Reader, error) {
	mode, err := cbor.DecOptions{}.DecMode()
	if err != nil {
		return nil, err
	}
	rd := &Reader{dec: mode.NewDecoder(r)}
	if err := rd.dec.Decode(&rd.header); err != nil {
		return nil, fmt.Errorf("read header: %w", err)
	}
	if rd.header.Version != FormatVersion {
		return nil, fmt.Errorf("%w: %d", ErrBadVersion, rd.header.Version)
	}
	if rd.header.Stride != gpu.ParticleStride {
		return nil, fmt.Errorf("%w: %d", ErrBadStride, rd.header.Stride)
	}
	return rd, nil
}

func (r *Reader) Header() Header { return r.header }

// Next returns the next record, or io.EOF at the end of the stream.
func (r *Reader) Next() (Record, error) {
	var rec Record
	if err := r.dec.Decode(&rec); err != nil {
		return Record{}, err
	}
	return rec, nil
}
