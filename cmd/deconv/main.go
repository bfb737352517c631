package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fatih/color"
	"go.uber.org/zap"

	"libdeconv/internal/models"
	"libdeconv/pkg/config"
	"libdeconv/pkg/cube"
	"libdeconv/pkg/deconv"
	"libdeconv/pkg/logging"
	"libdeconv/pkg/metrics"
	"libdeconv/pkg/psf"
	"libdeconv/pkg/runstore"
	"libdeconv/pkg/visualization"
)

// params gathers the command line after configuration merging
type params struct {
	cfg       *config.Config
	engine    string
	image     string
	psfPath   string
	estimate  string
	out       string
	truth     string
	spacing   models.Spacing
	centred   bool
	pad       bool
	precision models.Precision
}

func main() {
	configPath := flag.String("config", "", "YAML configuration file")
	engine := flag.String("engine", "", "Deconvolution engine: lw, cg or em")
	image := flag.String("image", "", "Observed image data file (.u8, .i16, .f32, .f64)")
	psfPath := flag.String("psf", "", "PSF data file, or an .rzh table expanded to the image geometry")
	estimate := flag.String("estimate", "", "Initial estimate data file")
	out := flag.String("out", "", "Output head; writes <out>.hdr and <out>.f32|.f64")
	iterations := flag.Int("iterations", -1, "Maximum number of iterations")
	criterion := flag.Float64("criterion", -1, "Convergence criterion on the mean update")
	ir := flag.Bool("ir", false, "Enable CG intensity regularization")
	irEvery := flag.Int("ir-every", -1, "EM intensity regularization period in iterations, 0 disables (default from config)")
	accelerate := flag.Bool("accelerate", false, "Enable the accelerated update (em)")
	mode := flag.String("mode", "", "LW update rule: rl or landweber")
	precision := flag.String("precision", "", "Computation precision: float32 or float64")
	spacing := flag.String("spacing", "", "Voxel spacing dx,dy,dz in micrometres (defaults to the PSF spacing)")
	centred := flag.Bool("centred", true, "The PSF file has its focus at the centre")
	pad := flag.Bool("pad", false, "Zero-pad the image to powers of two and crop the result back")
	truth := flag.String("truth", "", "Reference volume for quality metrics")
	previews := flag.Bool("previews", false, "Save slice previews of the result")
	ledger := flag.String("ledger", "", "SQLite run ledger")
	envFile := flag.String("env", ".env", "Environment override file")
	flag.Parse()

	if *image == "" || *psfPath == "" || *out == "" {
		flag.Usage()
		os.Exit(1)
	}

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		fail("Failed to load configuration: %v", err)
	}
	if err := cfg.ApplyEnv(*envFile); err != nil {
		fail("Failed to apply environment: %v", err)
	}

	// Command line flags take precedence over file and environment
	d := &cfg.Deconvolution
	if *engine != "" {
		d.Engine = *engine
	}
	if *iterations >= 0 {
		d.MaxIterations = *iterations
	}
	if *criterion >= 0 {
		d.Criterion = *criterion
	}
	if *precision != "" {
		d.Precision = *precision
	}
	if *mode != "" {
		cfg.LW.Mode = *mode
	}
	applyRegularization(cfg, *ir, *irEvery)
	if *accelerate {
		cfg.EM.Accelerate = true
	}
	if *previews {
		cfg.Output.Previews = true
	}
	if *ledger != "" {
		cfg.Ledger.Enabled = true
		cfg.Ledger.Path = *ledger
	}
	if err := cfg.Validate(); err != nil {
		fail("Invalid configuration: %v", err)
	}

	logger := logging.New(logging.Config{
		Level:       cfg.Logging.Level,
		File:        cfg.Logging.File,
		Development: cfg.Logging.Development,
	})
	defer logger.Sync()

	p := params{
		cfg:      cfg,
		engine:   strings.ToLower(d.Engine),
		image:    *image,
		psfPath:  *psfPath,
		estimate: *estimate,
		out:      *out,
		truth:    *truth,
		centred:  *centred,
		pad:      *pad,
	}
	p.precision, _ = models.ParsePrecision(d.Precision)
	sp := *spacing
	if sp == "" {
		sp = cfg.PSF.Spacing
	}
	if p.spacing, err = models.ParseSpacing(sp); err != nil {
		fail("Invalid spacing: %v", err)
	}

	title := color.New(color.FgCyan, color.Bold)
	title.Println("================================")
	title.Println("3D WIDEFIELD FLUORESCENCE DECONVOLUTION")
	title.Println("================================")

	start := time.Now()
	if p.precision == models.Single {
		err = run[float32](p, logger)
	} else {
		err = run[float64](p, logger)
	}
	if err != nil {
		fail("Deconvolution failed: %v", err)
	}
	color.New(color.FgHiBlack).Printf("Total time: %.2f seconds\n", time.Since(start).Seconds())
}

// applyRegularization merges -ir and -ir-every into cfg. A negative every
// keeps the configured EM period.
func applyRegularization(cfg *config.Config, ir bool, every int) {
	if ir {
		cfg.CG.IntensityRegularization = true
	}
	if every >= 0 {
		cfg.EM.IREvery = every
	}
}

func fail(format string, args ...any) {
	color.New(color.FgRed, color.Bold).Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}

func run[T cube.Element](p params, logger *zap.Logger) error {
	ctx := context.Background()

	fmt.Printf("Loading image %s...\n", p.image)
	img, err := cube.ReadFile[T](p.image)
	if err != nil {
		return err
	}
	img.SetSpacing(p.spacing)
	original := img.Dims()

	work := original
	if !original.PowerOfTwo() {
		if !p.pad {
			return fmt.Errorf("image %s is not a power of two in every axis; use -pad", original)
		}
		work = models.Dims{
			X: models.NextPowerOfTwo(original.X),
			Y: models.NextPowerOfTwo(original.Y),
			Z: models.NextPowerOfTwo(original.Z),
		}
		fmt.Printf("Padding %s to %s\n", original, work)
		if img, err = img.PadTo(work, 0); err != nil {
			return err
		}
	}

	fmt.Printf("Loading PSF %s...\n", p.psfPath)
	model, err := loadPSF(p, work)
	if err != nil {
		return err
	}

	opts, err := p.cfg.Options()
	if err != nil {
		return err
	}
	options := []deconv.Option{deconv.WithOptions(opts), deconv.WithLogger(logger)}
	if p.estimate != "" {
		est, err := cube.ReadFile[T](p.estimate)
		if err != nil {
			return err
		}
		if est.Dims() != work {
			if est, err = est.PadTo(work, 0); err != nil {
				return err
			}
		}
		options = append(options, deconv.WithInitialEstimate(est))
	}

	var store *runstore.Store
	var runID string
	if p.cfg.Ledger.Enabled {
		if store, err = runstore.Open(ctx, p.cfg.Ledger.Path); err != nil {
			return err
		}
		defer store.Close()
	}

	engine, err := deconv.New[T](p.engine, img, model, options...)
	if err != nil {
		return err
	}
	if store != nil {
		runID, err = store.Begin(ctx, runstore.Run{
			Engine:    p.engine,
			Precision: p.precision.String(),
			Dims:      work.String(),
			Image:     p.image,
			PSF:       p.psfPath,
			Output:    p.out,
		})
		if err != nil {
			return err
		}
	}

	fmt.Printf("Running %s for at most %d iterations...\n", strings.ToUpper(p.engine), opts.MaxIterations)
	state, runErr := engine.Run()
	if store != nil {
		res := runstore.Result{Iterations: engine.Iterations(), State: state, Err: runErr}
		if err := store.Finish(ctx, runID, res, engine.History()); err != nil {
			logger.Warn("Failed to record run", zap.String("id", runID), zap.Error(err))
		}
	}
	if runErr != nil && !errors.Is(runErr, deconv.ErrDiverged) && !errors.Is(runErr, deconv.ErrNonFinite) {
		return runErr
	}

	result := engine.Estimate()
	if work != original {
		if result, err = result.CropTo(original); err != nil {
			return err
		}
		result.SetSpacing(p.spacing)
	}
	path, err := cube.WriteFile(result, p.out)
	if err != nil {
		return err
	}
	if err := writePlan(p.out+"_plan.txt", engine); err != nil {
		return err
	}
	if p.cfg.Output.Tracks {
		if err := deconv.WriteTracks(p.out, engine.History()); err != nil {
			return err
		}
	}

	summary(engine, state, runErr, path)

	if p.truth != "" {
		if err := compare(p.truth, result); err != nil {
			logger.Warn("Failed to compute metrics", zap.Error(err))
		}
	}
	if p.cfg.Output.Previews {
		dir := p.cfg.Output.PreviewDir
		if !filepath.IsAbs(dir) {
			dir = filepath.Join(filepath.Dir(p.out), dir)
		}
		viewer := visualization.NewViewer(result, p.spacing)
		for _, plane := range []models.Plane{models.PlaneXY, models.PlaneXZ, models.PlaneYZ} {
			fmt.Printf("Saving %s slices to: %s\n", plane, dir)
			if err := viewer.SaveSliceSequence(plane, dir); err != nil {
				logger.Warn("Failed to save slices", zap.Stringer("plane", plane), zap.Error(err))
			}
		}
	}
	if runID != "" {
		fmt.Printf("Run recorded as %s in %s\n", runID, p.cfg.Ledger.Path)
	}
	return nil
}

// loadPSF reads a measured kernel or expands an r-z table to dims
func loadPSF(p params, dims models.Dims) (psf.Model, error) {
	if filepath.Ext(p.psfPath) == psf.SuffixRZHeader {
		table, err := psf.LoadRZ(cube.Head(p.psfPath), p.precision)
		if err != nil {
			return nil, err
		}
		workers := psf.WithWorkers(p.cfg.Deconvolution.Workers)
		return table.To3D(dims, p.spacing, p.cfg.PSF.Points2Sum, workers)
	}

	kernel, err := cube.ReadFile[float64](p.psfPath)
	if err != nil {
		return nil, err
	}
	model, err := psf.FromMeasured(kernel, p.precision, p.centred)
	if err != nil {
		return nil, err
	}
	if model.Dims() != dims {
		return model.Resize(dims)
	}
	return model, nil
}

// writePlan stores the engine profile
func writePlan(path string, engine interface{ Profile(io.Writer) }) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("error creating plan file: %w", err)
	}
	engine.Profile(f)
	return f.Close()
}

type progress interface {
	Iterations() int
	History() deconv.History
}

func summary(e progress, state deconv.State, err error, path string) {
	var clr *color.Color
	switch state {
	case deconv.Converged:
		clr = color.New(color.FgGreen, color.Bold)
	case deconv.Failed:
		clr = color.New(color.FgRed, color.Bold)
	default:
		clr = color.New(color.FgYellow, color.Bold)
	}
	fmt.Println()
	clr.Printf("Finished: %s after %d iterations\n", state, e.Iterations())
	if err != nil {
		color.New(color.FgRed).Printf("Engine error: %v (last good estimate kept)\n", err)
	}
	if u := e.History().Update; len(u) > 0 {
		fmt.Printf("Final update: %.6e\n", u[len(u)-1])
	}
	fmt.Printf("Estimate saved to: %s\n", path)
}

// compare prints quality metrics of result against the reference at path
func compare[T cube.Element](path string, result *cube.Cube[T]) error {
	truth, err := cube.ReadFile[float64](path)
	if err != nil {
		return err
	}
	report, err := metrics.Compare(truth, result)
	if err != nil {
		return err
	}
	fmt.Printf("\nQuality metrics against %s:\n", path)
	fmt.Printf("=======================================\n")
	report.Write(os.Stdout)
	return nil
}
