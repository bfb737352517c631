package deconv

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"
)

// Track file suffixes appended to the output head
const (
	SuffixUpdate     = "_Update.txt"
	SuffixMax        = "_MaxIntensity.txt"
	SuffixLikelihood = "_Likelihood.txt"
)

func flag(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}

func stamp(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Format(time.RFC3339)
}

// profile writes the settings and progress shared by every engine
func (c *core) profile(w io.Writer) {
	o := c.opts
	fmt.Fprintf(w, "# %s deconvolution\n", c.name)
	fmt.Fprintf(w, "%12d -> X dimension.\n", c.dims.X)
	fmt.Fprintf(w, "%12d -> Y dimension.\n", c.dims.Y)
	fmt.Fprintf(w, "%12d -> Z dimension.\n", c.dims.Z)
	fmt.Fprintf(w, "%12s -> Precision.\n", c.precision)
	fmt.Fprintf(w, "%12s -> FFT engine.\n", o.FFTEngine)
	fmt.Fprintf(w, "%12d -> Maximum iterations.\n", o.MaxIterations)
	fmt.Fprintf(w, "%12d -> Iterations performed.\n", c.iterations)
	fmt.Fprintf(w, "%12.4e -> Convergence criterion.\n", o.Criterion)
	fmt.Fprintf(w, "%12d -> Convergence window.\n", o.Window)
	fmt.Fprintf(w, "%12s -> Normalize.\n", flag(o.Normalize))
	fmt.Fprintf(w, "%12s -> Track maximum intensity.\n", flag(o.TrackMax))
	fmt.Fprintf(w, "%12s -> Track likelihood.\n", flag(o.TrackLikelihood))
	fmt.Fprintf(w, "%12s -> Initial estimate supplied.\n", flag(o.InitialEstimate != nil))
	fmt.Fprintf(w, "%12s -> Spatial support.\n", flag(o.SpatialSupport != nil))
	fmt.Fprintf(w, "%12s -> Frequency support.\n", flag(o.FrequencySupport != nil))
	if o.Normalize {
		fmt.Fprintf(w, "%12.4e -> Observed maximum.\n", c.scale)
	}
	fmt.Fprintf(w, "%12s -> State.\n", c.state)
	if n := len(c.history.Update); n > 0 {
		fmt.Fprintf(w, "%12.4e -> Last update.\n", c.history.Update[n-1])
		fmt.Fprintf(w, "%12.4e -> Last relative residual.\n", c.history.Residual[n-1])
	}
	if c.err != nil {
		fmt.Fprintf(w, "# error: %v\n", c.err)
	}
}

func (c *core) profileTimes(w io.Writer) {
	fmt.Fprintf(w, "%s -> Start time.\n", stamp(c.started))
	fmt.Fprintf(w, "%s -> Stop time.\n", stamp(c.stopped))
}

// Profile writes a "value -> description" summary of the run
func (e *LW[T]) Profile(w io.Writer) {
	e.profile(w)
	fmt.Fprintf(w, "%12s -> Update rule.\n", e.opts.Mode)
	if e.opts.Mode == LWLandweber {
		writeConditioning(w, e.opts, e.cv)
	}
	e.profileTimes(w)
}

// Profile writes a "value -> description" summary of the run
func (e *CG[T]) Profile(w io.Writer) {
	e.profile(w)
	writeConditioning(w, e.opts, e.cv)
	fmt.Fprintf(w, "%12s -> Intensity regularization.\n", flag(e.opts.IntensityRegularization))
	if e.opts.IntensityRegularization {
		fmt.Fprintf(w, "%12.4e -> Intensity regularization penalty.\n", e.ir)
	}
	fmt.Fprintf(w, "%12d -> Stall patience.\n", e.opts.StallPatience)
	fmt.Fprintf(w, "%12.4e -> Divergence factor.\n", e.opts.DivergenceFactor)
	fmt.Fprintf(w, "%12.4e -> Initial relative residual.\n", e.initial)
	e.profileTimes(w)
}

// Profile writes a "value -> description" summary of the run
func (e *EM[T]) Profile(w io.Writer) {
	e.profile(w)
	fmt.Fprintf(w, "%12s -> Newton acceleration.\n", flag(e.opts.Accelerate))
	if n := len(e.alphas); n > 0 {
		fmt.Fprintf(w, "%12.4f -> Last acceleration step.\n", e.alphas[n-1])
	}
	fmt.Fprintf(w, "%12d -> Intensity regularization period.\n", e.opts.IREvery)
	if e.opts.IREvery > 0 {
		fmt.Fprintf(w, "%12.4e -> Intensity regularization penalty.\n", e.penalty)
	}
	e.profileTimes(w)
}

func writeConditioning(w io.Writer, o Options, cv float64) {
	fmt.Fprintf(w, "%12d -> Conditioning search iterations.\n", o.ConditioningIterations)
	if o.ConditioningIterations > 0 {
		fmt.Fprintf(w, "%12.4e -> Conditioning search tolerance.\n", o.ConditioningTolerance)
	}
	fmt.Fprintf(w, "%12.4e -> Conditioning value.\n", cv)
}

// WriteTracks writes one file per recorded series next to head. Series that
// were not tracked are skipped.
func WriteTracks(head string, h History) error {
	if dir := filepath.Dir(head); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("error creating track directory: %w", err)
		}
	}
	series := []struct {
		suffix string
		values []float64
	}{
		{SuffixUpdate, h.Update},
		{SuffixMax, h.ObjectMax},
		{SuffixLikelihood, h.Likelihood},
	}
	for _, s := range series {
		if len(s.values) == 0 {
			continue
		}
		if err := writeTrack(head+s.suffix, s.values); err != nil {
			return err
		}
	}
	return nil
}

func writeTrack(path string, values []float64) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("error creating track file: %w", err)
	}
	w := bufio.NewWriter(f)
	for i, v := range values {
		fmt.Fprintf(w, "%4d %12.6e\n", i+1, v)
	}
	if err := w.Flush(); err != nil {
		f.Close()
		return fmt.Errorf("error writing track file: %w", err)
	}
	return f.Close()
}
