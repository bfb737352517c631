package fft

import (
	"fmt"
	"runtime"
	"sync"

	"libdeconv/internal/models"
)

// Option configures a Plan
type Option func(*planConfig)

type planConfig struct {
	engine  Engine
	workers int
}

// WithEngine selects the line transform
func WithEngine(e Engine) Option {
	return func(c *planConfig) { c.engine = e }
}

// WithWorkers sets the number of goroutines used per axis pass
func WithWorkers(n int) Option {
	return func(c *planConfig) {
		if n > 0 {
			c.workers = n
		}
	}
}

// lineWorker owns the per-goroutine transforms and line buffers
type lineWorker struct {
	lines [3]LineEngine
	in    []complex128
	out   []complex128
}

// Plan performs separable 3D transforms on volumes of fixed power-of-two
// dimensions. Each pass distributes the lines of one axis over the workers.
// A Plan serves one caller at a time.
type Plan struct {
	dims    models.Dims
	engine  Engine
	workers []*lineWorker
	scratch []complex128
}

// NewPlan prepares transforms for dims
func NewPlan(dims models.Dims, opts ...Option) (*Plan, error) {
	if !dims.Valid() || !dims.PowerOfTwo() {
		return nil, fmt.Errorf("%w: %s", ErrNotPowerOfTwo, dims)
	}
	cfg := planConfig{engine: EngineGonum, workers: runtime.NumCPU()}
	for _, opt := range opts {
		opt(&cfg)
	}

	sizes := [3]int{dims.X, dims.Y, dims.Z}
	longest := max(dims.X, dims.Y, dims.Z)
	p := &Plan{dims: dims, engine: cfg.engine, workers: make([]*lineWorker, cfg.workers)}
	for w := range p.workers {
		lw := &lineWorker{in: make([]complex128, longest), out: make([]complex128, longest)}
		for a, n := range sizes {
			if n == 1 {
				continue
			}
			line, err := NewLineEngine(cfg.engine, n)
			if err != nil {
				return nil, err
			}
			lw.lines[a] = line
		}
		p.workers[w] = lw
	}
	return p, nil
}

func (p *Plan) Dims() models.Dims { return p.dims }
func (p *Plan) Engine() Engine    { return p.engine }

// Transform replaces data with its forward or inverse (1/N scaled) transform
func (p *Plan) Transform(data []complex128, inverse bool) error {
	if len(data) != p.dims.Len() {
		return fmt.Errorf("%w: got %d, want %d", ErrLength, len(data), p.dims.Len())
	}
	for a := models.AxisX; a <= models.AxisZ; a++ {
		if p.dims.Axis(a) == 1 {
			continue
		}
		if err := p.pass(data, a, inverse); err != nil {
			return err
		}
	}
	return nil
}

// pass transforms every line along axis a, splitting the lines across
// workers the same way for every call
func (p *Plan) pass(data []complex128, a models.Axis, inverse bool) error {
	d := p.dims
	n := d.Axis(a)
	nLines := d.Len() / n

	var stride int
	var start func(l int) int
	switch a {
	case models.AxisX:
		stride = 1
		start = func(l int) int { return l * d.X }
	case models.AxisY:
		stride = d.X
		start = func(l int) int { return l%d.X + (l/d.X)*d.X*d.Y }
	default:
		stride = d.X * d.Y
		start = func(l int) int { return l }
	}

	numWorkers := min(len(p.workers), nLines)
	chunk := (nLines + numWorkers - 1) / numWorkers
	errs := make([]error, numWorkers)

	var wg sync.WaitGroup
	for w := 0; w < numWorkers; w++ {
		first := w * chunk
		last := min(first+chunk, nLines)
		if first >= last {
			continue
		}
		wg.Add(1)
		go func(w, first, last int) {
			defer wg.Done()
			worker := p.workers[w]
			line := worker.lines[a]
			in, out := worker.in[:n], worker.out[:n]
			for l := first; l < last; l++ {
				s := start(l)
				for i := 0; i < n; i++ {
					in[i] = data[s+i*stride]
				}
				var err error
				if inverse {
					err = line.Inverse(out, in)
				} else {
					err = line.Forward(out, in)
				}
				if err != nil {
					errs[w] = fmt.Errorf("%s axis line %d: %w", a, l, err)
					return
				}
				for i := 0; i < n; i++ {
					data[s+i*stride] = out[i]
				}
			}
		}(w, first, last)
	}
	wg.Wait()

	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}

// ForwardInto transforms real samples into dst
func (p *Plan) ForwardInto(dst []complex128, src []float64) error {
	if len(src) != len(dst) {
		return fmt.Errorf("%w: got %d and %d", ErrLength, len(src), len(dst))
	}
	for i, v := range src {
		dst[i] = complex(v, 0)
	}
	return p.Transform(dst, false)
}

// Forward returns the spectrum of real samples
func (p *Plan) Forward(src []float64) ([]complex128, error) {
	dst := make([]complex128, len(src))
	if err := p.ForwardInto(dst, src); err != nil {
		return nil, err
	}
	return dst, nil
}

// InverseInto writes the real part of the inverse transform of spec into
// dst. spec is left unchanged.
func (p *Plan) InverseInto(dst []float64, spec []complex128) error {
	if len(dst) != len(spec) {
		return fmt.Errorf("%w: got %d and %d", ErrLength, len(dst), len(spec))
	}
	if len(p.scratch) != len(spec) {
		p.scratch = make([]complex128, len(spec))
	}
	copy(p.scratch, spec)
	if err := p.Transform(p.scratch, true); err != nil {
		return err
	}
	for i, v := range p.scratch {
		dst[i] = real(v)
	}
	return nil
}

// Inverse returns the real part of the inverse transform of spec
func (p *Plan) Inverse(spec []complex128) ([]float64, error) {
	dst := make([]float64, len(spec))
	if err := p.InverseInto(dst, spec); err != nil {
		return nil, err
	}
	return dst, nil
}
