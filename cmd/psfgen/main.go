package main

import (
	"flag"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/fatih/color"

	"libdeconv/internal/models"
	"libdeconv/pkg/config"
	"libdeconv/pkg/cube"
	"libdeconv/pkg/psf"
	"libdeconv/pkg/visualization"
)

const usage = `Usage:
  psfgen 3d    -out <head> -dims X,Y,Z -spacing dx,dy,dz [optics flags]
  psfgen rz    -out <head> -samples R -sections S -dr DR -dz DZ [optics flags]
  psfgen rz3d  -rz <head> -out <head> -dims X,Y,Z -spacing dx,dy,dz [-points P]
  psfgen beads -image <file> -out <head> [-window X,Y,Z] [-threshold T] [-separation D]
`

// opticsFlags registers the microscope parameters on fs, defaulting to cfg
type opticsFlags struct {
	na, lambda, ri  *float64
	requiredRI, wd  *float64
	coverRequired   *float64
	coverActual     *float64
	coverRequiredRI *float64
	coverActualRI   *float64
	precision       *string
	workers         *int
	nodes           *int
	configPath      *string
	previews        *bool
}

func newOpticsFlags(fs *flag.FlagSet, cfg *config.Config) *opticsFlags {
	o := cfg.Optics
	return &opticsFlags{
		na:              fs.Float64("na", o.NA, "Numerical aperture"),
		lambda:          fs.Float64("lambda", o.Wavelength, "Emission wavelength (um)"),
		ri:              fs.Float64("ri", o.RI, "Refractive index of the immersion medium in use"),
		requiredRI:      fs.Float64("required-ri", 0, "Design immersion RI when it differs from -ri"),
		wd:              fs.Float64("wd", 0, "Objective working distance (um) for an immersion mismatch"),
		coverRequired:   fs.Float64("cover-required", 0, "Design cover slip thickness (um)"),
		coverActual:     fs.Float64("cover-actual", 0, "Cover slip thickness in use (um)"),
		coverRequiredRI: fs.Float64("cover-required-ri", 0, "Design cover slip RI"),
		coverActualRI:   fs.Float64("cover-actual-ri", 0, "Cover slip RI in use"),
		precision:       fs.String("precision", cfg.Deconvolution.Precision, "Kernel precision: float32 or float64"),
		workers:         fs.Int("workers", cfg.Deconvolution.Workers, "Number of goroutines"),
		nodes:           fs.Int("nodes", cfg.PSF.Nodes, "Gauss-Legendre nodes of the pupil integral"),
		configPath:      fs.String("config", "", "YAML configuration file"),
		previews:        fs.Bool("previews", false, "Save slice previews of the kernel"),
	}
}

func (f *opticsFlags) optics() psf.Optics {
	o := psf.Optics{NA: *f.na, Wavelength: *f.lambda, RI: *f.ri}
	if *f.requiredRI > 0 {
		o.Immersion = &psf.ImmersionMismatch{RequiredRI: *f.requiredRI, WorkingDistance: *f.wd}
	}
	if *f.coverRequired > 0 || *f.coverActual > 0 {
		o.CoverSlip = &psf.CoverSlipMismatch{
			RequiredThickness: *f.coverRequired,
			ActualThickness:   *f.coverActual,
			RequiredRI:        *f.coverRequiredRI,
			ActualRI:          *f.coverActualRI,
		}
	}
	return o
}

func (f *opticsFlags) options() []psf.Option {
	return []psf.Option{psf.WithWorkers(*f.workers), psf.WithNodes(*f.nodes), psf.WithProgress(printProgress)}
}

func printProgress(completed, total int, message string) {
	if completed == total || completed%max(1, total/10) == 0 {
		fmt.Printf("\r%s: %d/%d", message, completed, total)
		if completed == total {
			fmt.Println()
		}
	}
}

// loadConfig reads -config ahead of flag parsing so that it can seed the
// flag defaults
func loadConfig(args []string) *config.Config {
	path := ""
	for i, a := range args {
		if (a == "-config" || a == "--config") && i+1 < len(args) {
			path = args[i+1]
		}
	}
	cfg, err := config.LoadConfig(path)
	if err != nil {
		fail("Failed to load configuration: %v", err)
	}
	if err := cfg.ApplyEnv(); err != nil {
		fail("Failed to apply environment: %v", err)
	}
	return cfg
}

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(1)
	}
	cmd, args := os.Args[1], os.Args[2:]
	cfg := loadConfig(args)

	color.New(color.FgCyan, color.Bold).Println("================================")
	color.New(color.FgCyan, color.Bold).Println("WIDEFIELD FLUORESCENCE PSF GENERATOR")
	color.New(color.FgCyan, color.Bold).Println("================================")

	start := time.Now()
	var err error
	switch cmd {
	case "3d":
		err = gen3D(cfg, args)
	case "rz":
		err = genRZ(cfg, args)
	case "rz3d":
		err = genRZ3D(cfg, args)
	case "beads":
		err = genBeads(cfg, args)
	default:
		fmt.Fprint(os.Stderr, usage)
		os.Exit(1)
	}
	if err != nil {
		fail("%s failed: %v", cmd, err)
	}
	color.New(color.FgGreen, color.Bold).Printf("Done in %.2f seconds\n", time.Since(start).Seconds())
}

func fail(format string, args ...any) {
	color.New(color.FgRed, color.Bold).Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}

func gen3D(cfg *config.Config, args []string) error {
	fs := flag.NewFlagSet("3d", flag.ExitOnError)
	of := newOpticsFlags(fs, cfg)
	out := fs.String("out", "psf", "Output head")
	dims := fs.String("dims", cfg.PSF.Dims, "Kernel size X,Y,Z")
	spacing := fs.String("spacing", cfg.PSF.Spacing, "Voxel spacing dx,dy,dz (um)")
	fs.Parse(args)

	d, sp, prec, err := geometry(*dims, *spacing, *of.precision)
	if err != nil {
		return err
	}
	fmt.Printf("Computing %s PSF...\n", d)
	p, err := psf.NewFluo3D(of.optics(), sp, d, prec, of.options()...)
	if err != nil {
		return err
	}
	return save3D(p, *out, *of.previews)
}

func genRZ(cfg *config.Config, args []string) error {
	fs := flag.NewFlagSet("rz", flag.ExitOnError)
	of := newOpticsFlags(fs, cfg)
	out := fs.String("out", "psf", "Output head")
	samples := fs.Int("samples", cfg.PSF.RadialSamples, "Radial samples")
	sections := fs.Int("sections", cfg.PSF.Sections, "Axial sections")
	dr := fs.Float64("dr", cfg.PSF.RadialCalibration, "Radial calibration (um)")
	dz := fs.Float64("dz", cfg.PSF.Sectioning, "Sectioning (um)")
	fs.Parse(args)

	prec, err := models.ParsePrecision(*of.precision)
	if err != nil {
		return err
	}
	fmt.Printf("Computing %dx%d r-z table...\n", *samples, *sections)
	table, err := psf.NewFluoRZ(of.optics(), *samples, *sections, *dr, *dz, prec, of.options()...)
	if err != nil {
		return err
	}
	if err := table.Save(*out); err != nil {
		return err
	}
	fmt.Printf("Table saved to: %s%s\n", *out, psf.SuffixRZHeader)
	return writeProfile(*out+"_profile.txt", table)
}

func genRZ3D(cfg *config.Config, args []string) error {
	fs := flag.NewFlagSet("rz3d", flag.ExitOnError)
	of := newOpticsFlags(fs, cfg)
	rz := fs.String("rz", "", "Head of the r-z table")
	out := fs.String("out", "psf", "Output head")
	dims := fs.String("dims", cfg.PSF.Dims, "Kernel size X,Y,Z")
	spacing := fs.String("spacing", cfg.PSF.Spacing, "Voxel spacing dx,dy,dz (um)")
	points := fs.Int("points", cfg.PSF.Points2Sum, "Odd supersampling factor")
	fs.Parse(args)

	if *rz == "" {
		return fmt.Errorf("-rz is required")
	}
	d, sp, prec, err := geometry(*dims, *spacing, *of.precision)
	if err != nil {
		return err
	}
	table, err := psf.LoadRZ(*rz, prec)
	if err != nil {
		return err
	}
	fmt.Printf("Expanding %s to %s with %d points per voxel...\n", *rz, d, *points)
	p, err := table.To3D(d, sp, *points, of.options()...)
	if err != nil {
		return err
	}
	return save3D(p, *out, *of.previews)
}

func genBeads(cfg *config.Config, args []string) error {
	fs := flag.NewFlagSet("beads", flag.ExitOnError)
	of := newOpticsFlags(fs, cfg)
	image := fs.String("image", "", "Bead image data file")
	out := fs.String("out", "psf", "Output head")
	defaults := psf.DefaultDistillOptions()
	window := fs.String("window", defaults.Window.String(), "Kernel size X,Y,Z")
	threshold := fs.Float64("threshold", defaults.Threshold, "Minimum bead peak as a fraction of the image maximum")
	separation := fs.Float64("separation", defaults.MinSeparation, "Minimum distance between beads (voxels)")
	maxBeads := fs.Int("max", 0, "Maximum number of beads averaged (0 = all)")
	spacing := fs.String("spacing", cfg.PSF.Spacing, "Voxel spacing dx,dy,dz (um)")
	fs.Parse(args)

	if *image == "" {
		return fmt.Errorf("-image is required")
	}
	w, sp, prec, err := geometry(*window, *spacing, *of.precision)
	if err != nil {
		return err
	}
	img, err := cube.ReadFile[float64](*image)
	if err != nil {
		return err
	}
	img.SetSpacing(sp)

	opts := psf.DistillOptions{Window: w, Threshold: *threshold, MinSeparation: *separation, MaxBeads: *maxBeads}
	kernel, beads, err := psf.Distill(img, opts)
	if err != nil {
		return err
	}
	fmt.Printf("Averaged %d beads\n", len(beads))
	for _, b := range beads {
		fmt.Printf("- (%d, %d, %d) peak %.3f\n", b.X, b.Y, b.Z, b.Peak)
	}
	p, err := psf.FromMeasured(kernel, prec, true)
	if err != nil {
		return err
	}
	return save3D(p, *out, *of.previews)
}

func geometry(dims, spacing, precision string) (models.Dims, models.Spacing, models.Precision, error) {
	d, err := models.ParseDims(dims)
	if err != nil {
		return d, models.Spacing{}, 0, err
	}
	sp, err := models.ParseSpacing(spacing)
	if err != nil {
		return d, sp, 0, err
	}
	prec, err := models.ParsePrecision(precision)
	return d, sp, prec, err
}

// save3D writes the centred kernel, its profile and optional previews
func save3D(p *psf.Fluo3D, head string, previews bool) error {
	centred := p.Centred()
	centred.SetSpacing(p.Spacing())
	var path string
	var err error
	if p.Precision() == models.Single {
		path, err = cube.WriteFile(cube.Convert[float32](centred), head)
	} else {
		path, err = cube.WriteFile(centred, head)
	}
	if err != nil {
		return err
	}
	fmt.Printf("Kernel saved to: %s\n", path)

	if previews {
		viewer := visualization.NewViewer(centred, p.Spacing())
		for _, plane := range []models.Plane{models.PlaneXY, models.PlaneXZ} {
			if err := viewer.SaveSliceSequence(plane, head+"_slices"); err != nil {
				return err
			}
		}
	}
	return writeProfile(head+"_profile.txt", p)
}

func writeProfile(path string, p interface{ Profile(io.Writer) }) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("error creating profile: %w", err)
	}
	p.Profile(f)
	return f.Close()
}
