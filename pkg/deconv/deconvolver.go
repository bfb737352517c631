// Package deconv implements iterative deconvolution of 3D widefield
// fluorescence images: a Richardson-Lucy/Landweber engine (LW), a
// preconditioned conjugate gradient engine (CG) and an EM-ML engine with
// optional Newton acceleration (EM).
package deconv

import (
	"errors"
	"fmt"
	"io"
	"math"
	"strings"
	"time"

	"go.uber.org/zap"
	"gonum.org/v1/gonum/floats"

	"libdeconv/internal/models"
	"libdeconv/pkg/cube"
	"libdeconv/pkg/fft"
	"libdeconv/pkg/psf"
)

var (
	ErrPrecisionMismatch = errors.New("deconv: image and PSF precision differ")
	ErrShapeMismatch     = errors.New("deconv: image and PSF dimensions differ")
	ErrDimensions        = errors.New("deconv: dimensions must be powers of two")
	ErrOption            = errors.New("deconv: invalid option")
	ErrTerminal          = errors.New("deconv: engine is in a terminal state")
	ErrDiverged          = errors.New("deconv: iteration diverged")
	ErrNonFinite         = errors.New("deconv: non-finite value")
)

// Division guards per precision
const (
	EpsilonDouble = 2.22e-16
	EpsilonSingle = 1e-6
)

// State is the lifecycle position of an engine
type State int

const (
	Initialized State = iota
	Running
	Converged
	MaxIterationsReached
	Stalled
	Failed
)

func (s State) String() string {
	switch s {
	case Initialized:
		return "initialized"
	case Running:
		return "running"
	case Converged:
		return "converged"
	case MaxIterationsReached:
		return "max-iterations"
	case Stalled:
		return "stalled"
	case Failed:
		return "failed"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Terminal reports whether no further iterations are possible
func (s State) Terminal() bool { return s >= Converged }

// History holds the per-iteration series. ObjectMax and Likelihood are only
// filled when tracked.
type History struct {
	Update     []float64
	ObjectMax  []float64
	Likelihood []float64
	Residual   []float64
}

func (h History) clone() History {
	cp := func(s []float64) []float64 { return append([]float64(nil), s...) }
	return History{Update: cp(h.Update), ObjectMax: cp(h.ObjectMax), Likelihood: cp(h.Likelihood), Residual: cp(h.Residual)}
}

// core is the precision-independent state shared by the engines. All
// arithmetic runs on float64 buffers; single precision estimates are
// rounded to float32 after every update.
type core struct {
	name      string
	opts      Options
	dims      models.Dims
	spacing   models.Spacing
	precision models.Precision
	eps       float64
	log       *zap.Logger

	plan *fft.Plan
	h    []complex128 // PSF spectrum
	otf  []float64    // |H|²
	k0   float64      // kernel value at the origin
	y    []float64    // observed
	ynrm float64      // ‖y‖
	o    []float64    // estimate
	prev []float64
	good []float64
	spec []complex128
	work []float64

	scale      float64
	start      []float64 // initial estimate in image units
	iterations int
	state      State
	err        error
	history    History
	started    time.Time
	stopped    time.Time

	// filled by the step of the current iteration
	residual   float64
	likelihood float64
	stalled    bool
	vanished   bool
}

// newCore validates the inputs and prepares the spectra
func newCore(name string, observed cube.Volume, spacing models.Spacing, model psf.Model, opts []Option) (*core, error) {
	if model.Precision() != observed.Precision() {
		return nil, fmt.Errorf("%w: image %s, PSF %s", ErrPrecisionMismatch, observed.Precision(), model.Precision())
	}
	kernel := model.Kernel()
	d := observed.Dims()
	if kernel.Dims() != d {
		return nil, fmt.Errorf("%w: image %s, PSF %s", ErrShapeMismatch, d, kernel.Dims())
	}
	if !d.PowerOfTwo() {
		return nil, fmt.Errorf("%w: %s", ErrDimensions, d)
	}
	o := DefaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	if err := o.validate(d.Len()); err != nil {
		return nil, err
	}
	if o.InitialEstimate != nil && o.InitialEstimate.Dims() != d {
		return nil, fmt.Errorf("%w: initial estimate %s, image %s", ErrOption, o.InitialEstimate.Dims(), d)
	}

	planOpts := []fft.Option{fft.WithEngine(o.FFTEngine)}
	if o.Workers > 0 {
		planOpts = append(planOpts, fft.WithWorkers(o.Workers))
	}
	plan, err := fft.NewPlan(d, planOpts...)
	if err != nil {
		return nil, err
	}

	c := &core{
		name:      name,
		opts:      o,
		dims:      d,
		spacing:   spacing,
		precision: observed.Precision(),
		eps:       EpsilonDouble,
		log:       o.Logger,
		plan:      plan,
		otf:       make([]float64, d.Len()),
		k0:        kernel.Data()[0],
		y:         observed.Float64s(),
		prev:      make([]float64, d.Len()),
		spec:      make([]complex128, d.Len()),
		work:      make([]float64, d.Len()),
		scale:     1,
	}
	if c.precision == models.Single {
		c.eps = EpsilonSingle
	}
	if c.log == nil {
		c.log = zap.NewNop()
	}

	if c.h, err = plan.Forward(kernel.Data()); err != nil {
		return nil, err
	}
	if o.FrequencySupport != nil {
		fft.Mask(c.h, o.FrequencySupport)
	}
	fft.Power(c.otf, c.h)

	if o.InitialEstimate != nil {
		c.o = o.InitialEstimate.Float64s()
	} else {
		c.o = append([]float64(nil), c.y...)
	}
	c.start = append([]float64(nil), c.o...)
	// estimate and image share one scale so the estimate stays in image units
	if o.Normalize {
		if m := floats.Max(c.y); m > 0 {
			c.scale = m
			floats.Scale(1/m, c.y)
			floats.Scale(1/m, c.o)
		}
	}
	c.ynrm = floats.Norm(c.y, 2)
	c.applySupport()
	c.round()
	c.good = append([]float64(nil), c.o...)

	c.log.Info("Engine prepared",
		zap.String("engine", name),
		zap.Stringer("dims", d),
		zap.Stringer("precision", c.precision),
		zap.Int("maxIterations", o.MaxIterations),
		zap.Float64("criterion", o.Criterion))
	return c, nil
}

// filter writes IFFT(FFT(src)·H) into dst, or the correlation with conj(H).
// dst and src may alias.
func (c *core) filter(dst, src []float64, conj bool) error {
	if err := c.plan.ForwardInto(c.spec, src); err != nil {
		return err
	}
	if conj {
		fft.MulConjInto(c.spec, c.spec, c.h)
	} else {
		fft.MulInto(c.spec, c.spec, c.h)
	}
	return c.plan.InverseInto(dst, c.spec)
}

func (c *core) applySupport() {
	for i, keep := range c.opts.SpatialSupport {
		if !keep {
			c.o[i] = 0
		}
	}
}

func (c *core) round() {
	if c.precision != models.Single {
		return
	}
	for i, v := range c.o {
		c.o[i] = float64(float32(v))
	}
}

func clampNegative(v []float64) {
	for i, x := range v {
		if x < 0 {
			v[i] = 0
		}
	}
}

func allFinite(v []float64) bool {
	for _, x := range v {
		if math.IsNaN(x) || math.IsInf(x, 0) {
			return false
		}
	}
	return true
}

// update returns ‖o − prev‖² / ‖o‖², or 0 for a zero estimate
func (c *core) update() float64 {
	n := floats.Dot(c.o, c.o)
	if n == 0 {
		return 0
	}
	d := floats.Distance(c.o, c.prev, 2)
	return d * d / n
}

// iterate runs one step with the shared bookkeeping around it
func (c *core) iterate(step func() error) error {
	if c.state.Terminal() {
		return fmt.Errorf("%w: %s", ErrTerminal, c.state)
	}
	if c.state == Initialized {
		c.state = Running
		c.started = time.Now()
	}
	if c.iterations >= c.opts.MaxIterations {
		c.finish(MaxIterationsReached, nil)
		return nil
	}

	copy(c.prev, c.o)
	c.stalled, c.vanished = false, false
	err := step()
	if err == nil && !allFinite(c.o) {
		err = fmt.Errorf("%w: estimate at iteration %d", ErrNonFinite, c.iterations+1)
	}
	if err != nil {
		copy(c.o, c.good)
		c.finish(Failed, err)
		return err
	}
	c.applySupport()
	c.round()
	copy(c.good, c.o)
	c.iterations++

	update := c.update()
	c.history.Update = append(c.history.Update, update)
	c.history.Residual = append(c.history.Residual, c.residual)
	if c.opts.TrackMax {
		c.history.ObjectMax = append(c.history.ObjectMax, floats.Max(c.o))
	}
	if c.opts.TrackLikelihood {
		c.history.Likelihood = append(c.history.Likelihood, c.likelihood)
	}
	c.log.Debug("Iteration",
		zap.String("engine", c.name),
		zap.Int("iteration", c.iterations),
		zap.Float64("update", update),
		zap.Float64("residual", c.residual))

	switch {
	case c.vanished || c.converged():
		c.finish(Converged, nil)
	case c.stalled:
		c.finish(Stalled, nil)
	case c.iterations >= c.opts.MaxIterations:
		c.finish(MaxIterationsReached, nil)
	}
	return nil
}

// converged applies the windowed mean test to the update history
func (c *core) converged() bool {
	w := c.opts.Window
	u := c.history.Update
	if len(u) < w {
		return false
	}
	return floats.Sum(u[len(u)-w:])/float64(w) <= c.opts.Criterion
}

func (c *core) finish(s State, err error) {
	c.state = s
	c.err = err
	c.stopped = time.Now()
	fields := []zap.Field{
		zap.String("engine", c.name),
		zap.Stringer("state", s),
		zap.Int("iterations", c.iterations),
		zap.Duration("elapsed", c.stopped.Sub(c.started)),
	}
	if err != nil {
		c.log.Error("Deconvolution failed", append(fields, zap.Error(err))...)
		return
	}
	c.log.Info("Deconvolution finished", fields...)
}

// run iterates until a terminal state
func (c *core) run(step func() error) (State, error) {
	for !c.state.Terminal() {
		if err := c.iterate(step); err != nil {
			return c.state, err
		}
	}
	return c.state, nil
}

// estimate returns the estimate in the units of the observed image
func (c *core) estimate() []float64 {
	if c.iterations == 0 {
		return append([]float64(nil), c.start...)
	}
	out := append([]float64(nil), c.o...)
	if c.scale != 1 {
		floats.Scale(c.scale, out)
	}
	return out
}

// residualNorm returns ‖y − ho‖ / ‖y‖ for a blurred estimate ho
func (c *core) residualNorm(ho []float64) float64 {
	if c.ynrm == 0 {
		return floats.Norm(ho, 2)
	}
	return floats.Distance(c.y, ho, 2) / c.ynrm
}

// poisson returns Σ y·log(ho) − ho with ho clamped at eps
func (c *core) poisson(ho []float64) float64 {
	var sum float64
	for i, v := range ho {
		v = math.Max(v, c.eps)
		sum += c.y[i]*math.Log(v) - v
	}
	return sum
}

// Engine is the behaviour shared by LW, CG and EM
type Engine[T cube.Element] interface {
	Iterate() error
	Run() (State, error)
	Estimate() *cube.Cube[T]
	Iterations() int
	State() State
	Err() error
	History() History
	Name() string
	Profile(w io.Writer)
}

// New builds the engine named "lw", "cg" or "em"
func New[T cube.Element](name string, observed *cube.Cube[T], model psf.Model, opts ...Option) (Engine[T], error) {
	switch strings.ToLower(name) {
	case "lw":
		e, err := NewLW(observed, model, opts...)
		if err != nil {
			return nil, err
		}
		return e, nil
	case "cg":
		e, err := NewCG(observed, model, opts...)
		if err != nil {
			return nil, err
		}
		return e, nil
	case "em":
		e, err := NewEM(observed, model, opts...)
		if err != nil {
			return nil, err
		}
		return e, nil
	default:
		return nil, fmt.Errorf("%w: unknown engine %q", ErrOption, name)
	}
}

// base provides the accessors of every engine
type base[T cube.Element] struct {
	*core
}

// Estimate returns a copy of the current estimate
func (b base[T]) Estimate() *cube.Cube[T] {
	out, _ := cube.FromFloat64s[T](b.dims, b.estimate())
	out.SetSpacing(b.spacing)
	return out
}

func (b base[T]) Iterations() int    { return b.iterations }
func (b base[T]) State() State       { return b.state }
func (b base[T]) Err() error         { return b.err }
func (b base[T]) History() History   { return b.history.clone() }
func (b base[T]) Name() string       { return b.name }
func (b base[T]) Options() Options   { return b.opts }
func (b base[T]) Started() time.Time { return b.started }
func (b base[T]) Stopped() time.Time { return b.stopped }
