package main

import (
	"context"
	"io"
	"math"
	"os"
	"path/filepath"
	"testing"

	"go.uber.org/zap/zaptest"

	"libdeconv/internal/models"
	"libdeconv/pkg/config"
	"libdeconv/pkg/cube"
	"libdeconv/pkg/deconv"
	"libdeconv/pkg/runstore"
)

// writeFixtures stores a bead image and a centred Gaussian kernel
func writeFixtures(t *testing.T, dir string, d models.Dims) (image, kernel string) {
	t.Helper()
	img, _ := cube.New[float64](d)
	img.Fill(1)
	if err := img.DrawEllipse(d.X/2, d.Y/2, d.Z/2, 2, 2, 1, 20); err != nil {
		t.Fatal(err)
	}
	k, _ := cube.New[float64](d)
	for z := 0; z < d.Z; z++ {
		for y := 0; y < d.Y; y++ {
			for x := 0; x < d.X; x++ {
				dx, dy, dz := float64(x-d.X/2), float64(y-d.Y/2), float64(z-d.Z/2)
				k.Set(x, y, z, math.Exp(-(dx*dx+dy*dy)/2-dz*dz/4))
			}
		}
	}
	var err error
	if image, err = cube.WriteFile(img, filepath.Join(dir, "image")); err != nil {
		t.Fatal(err)
	}
	if kernel, err = cube.WriteFile(k, filepath.Join(dir, "psf")); err != nil {
		t.Fatal(err)
	}
	return image, kernel
}

// TestRun deconvolves a padded image end to end and records the run
func TestRun(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping end to end run in short mode")
	}
	dir := t.TempDir()
	image, kernel := writeFixtures(t, dir, models.Dims{X: 12, Y: 16, Z: 8})

	cfg := config.DefaultConfig()
	cfg.Deconvolution.MaxIterations = 4
	cfg.Deconvolution.Workers = 2
	cfg.Output.Previews = true
	cfg.Ledger.Enabled = true
	cfg.Ledger.Path = filepath.Join(dir, "runs.db")

	p := params{
		cfg:       cfg,
		engine:    "em",
		image:     image,
		psfPath:   kernel,
		out:       filepath.Join(dir, "out", "result"),
		truth:     image,
		spacing:   models.Spacing{X: 0.1, Y: 0.1, Z: 0.2},
		centred:   true,
		pad:       true,
		precision: models.Double,
	}
	if err := run[float64](p, zaptest.NewLogger(t)); err != nil {
		t.Fatalf("run failed: %v", err)
	}

	result, err := cube.ReadFile[float64](p.out + cube.SuffixF64)
	if err != nil {
		t.Fatalf("Result not readable: %v", err)
	}
	if d := result.Dims(); d != (models.Dims{X: 12, Y: 16, Z: 8}) {
		t.Errorf("Expected result cropped back to 12x16x8, got %s", d)
	}
	for _, name := range []string{p.out + "_plan.txt", p.out + deconv.SuffixUpdate} {
		if _, err := os.Stat(name); err != nil {
			t.Errorf("Missing output %s: %v", name, err)
		}
	}
	if _, err := os.Stat(filepath.Join(dir, "out", "previews", "slice_xy_000.png")); err != nil {
		t.Errorf("Missing preview: %v", err)
	}

	store, err := runstore.Open(context.Background(), cfg.Ledger.Path)
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()
	runs, err := store.List(context.Background(), 0)
	if err != nil || len(runs) != 1 {
		t.Fatalf("Expected one recorded run, got %d (%v)", len(runs), err)
	}
	if runs[0].Engine != "em" || runs[0].Iterations != 4 || runs[0].Dims != "16x16x8" {
		t.Errorf("Unexpected ledger entry: %+v", runs[0])
	}
}

// TestRunRejectsUnpadded requires -pad for non power of two images
func TestRunRejectsUnpadded(t *testing.T) {
	dir := t.TempDir()
	image, kernel := writeFixtures(t, dir, models.Dims{X: 12, Y: 16, Z: 8})
	p := params{
		cfg:       config.DefaultConfig(),
		engine:    "lw",
		image:     image,
		psfPath:   kernel,
		out:       filepath.Join(dir, "result"),
		spacing:   models.Spacing{X: 0.1, Y: 0.1, Z: 0.2},
		centred:   true,
		precision: models.Double,
	}
	if err := run[float64](p, zaptest.NewLogger(t)); err == nil {
		t.Error("Expected an error without padding")
	}
}

// TestApplyRegularization keeps the configured EM period unless -ir-every
// is given, and -ir only touches CG
func TestApplyRegularization(t *testing.T) {
	cfg := config.DefaultConfig()
	applyRegularization(cfg, true, -1)
	if !cfg.CG.IntensityRegularization || cfg.EM.IREvery != 50 {
		t.Errorf("Unexpected settings after -ir: cg %v, em every %d", cfg.CG.IntensityRegularization, cfg.EM.IREvery)
	}

	cfg = config.DefaultConfig()
	applyRegularization(cfg, false, 0)
	if cfg.CG.IntensityRegularization || cfg.EM.IREvery != 0 {
		t.Errorf("Expected EM regularization disabled, got every %d", cfg.EM.IREvery)
	}
	applyRegularization(cfg, false, 7)
	if cfg.EM.IREvery != 7 {
		t.Errorf("Expected period 7, got %d", cfg.EM.IREvery)
	}
	if deconv.DefaultOptions().IREvery != 0 {
		t.Error("Library default should leave EM regularization off")
	}
}

type staticPlan string

func (s staticPlan) Profile(w io.Writer) { io.WriteString(w, string(s)) }

// TestWritePlan stores the profile and reports creation failures
func TestWritePlan(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "plan.txt")
	if err := writePlan(path, staticPlan("        1000 -> Maximum iterations.\n")); err != nil {
		t.Fatalf("writePlan failed: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "        1000 -> Maximum iterations.\n" {
		t.Errorf("Unexpected plan content %q", data)
	}
	if err := writePlan(filepath.Join(dir, "missing", "plan.txt"), staticPlan("")); err == nil {
		t.Error("Expected an error for a missing directory")
	}
}
