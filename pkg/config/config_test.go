package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"libdeconv/pkg/deconv"
	"libdeconv/pkg/fft"
)

// TestLoadMissing returns defaults when the file does not exist
func TestLoadMissing(t *testing.T) {
	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	if cfg.Deconvolution.MaxIterations != 1000 || cfg.Deconvolution.Engine != "lw" {
		t.Errorf("Unexpected defaults: %+v", cfg.Deconvolution)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Defaults do not validate: %v", err)
	}
}

// TestSaveLoad round trips a modified configuration through YAML
func TestSaveLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "conf", "deconv.yaml")
	cfg := DefaultConfig()
	cfg.Deconvolution.Engine = "cg"
	cfg.CG.Conditioning.Iterations = 0
	cfg.CG.Conditioning.Value = 1e-4
	cfg.EM.Accelerate = true

	if err := SaveConfig(cfg, path); err != nil {
		t.Fatalf("SaveConfig failed: %v", err)
	}
	back, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	if back.Deconvolution.Engine != "cg" || !back.EM.Accelerate || back.Optics.NA != cfg.Optics.NA {
		t.Errorf("Values lost in round trip: %+v", back)
	}

	opts, err := back.Options()
	if err != nil {
		t.Fatalf("Options failed: %v", err)
	}
	if opts.ConditioningIterations != 0 || opts.ConditioningValue != 1e-4 {
		t.Errorf("CG conditioning not selected: %d, %g", opts.ConditioningIterations, opts.ConditioningValue)
	}

	if err := os.WriteFile(path, []byte("deconvolution: [broken"), 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadConfig(path); err == nil {
		t.Error("Expected a parse error")
	}
}

// TestApplyEnv reads overrides from an env file and the environment
func TestApplyEnv(t *testing.T) {
	for _, k := range []string{EnvLogLevel, EnvLogFile, EnvLedger, EnvWorkers, EnvFFTEngine} {
		t.Setenv(k, "")
		os.Unsetenv(k)
	}
	envFile := filepath.Join(t.TempDir(), "test.env")
	content := "DECONV_LOG_LEVEL=debug\nDECONV_LEDGER=/tmp/runs.db\nDECONV_FFT_ENGINE=algo\n"
	if err := os.WriteFile(envFile, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	t.Setenv(EnvWorkers, "3")

	cfg := DefaultConfig()
	if err := cfg.ApplyEnv(envFile, filepath.Join(t.TempDir(), "absent.env")); err != nil {
		t.Fatalf("ApplyEnv failed: %v", err)
	}
	if cfg.Logging.Level != "debug" || !cfg.Ledger.Enabled || cfg.Ledger.Path != "/tmp/runs.db" {
		t.Errorf("Overrides not applied: %+v %+v", cfg.Logging, cfg.Ledger)
	}
	if cfg.Deconvolution.Workers != 3 {
		t.Errorf("Expected 3 workers, got %d", cfg.Deconvolution.Workers)
	}
	opts, err := cfg.Options()
	if err != nil || opts.FFTEngine != fft.EngineAlgo {
		t.Errorf("Expected algo engine, got %v (%v)", opts.FFTEngine, err)
	}

	t.Setenv(EnvWorkers, "many")
	if err := cfg.ApplyEnv(envFile); !errors.Is(err, ErrInvalid) {
		t.Errorf("Expected ErrInvalid, got %v", err)
	}
}

// TestValidate rejects unknown names and inconsistent optics
func TestValidate(t *testing.T) {
	cases := map[string]func(*Config){
		"Engine":    func(c *Config) { c.Deconvolution.Engine = "wiener" },
		"Precision": func(c *Config) { c.Deconvolution.Precision = "int8" },
		"FFT":       func(c *Config) { c.Deconvolution.FFTEngine = "fftw" },
		"Mode":      func(c *Config) { c.LW.Mode = "sgd" },
		"Optics":    func(c *Config) { c.Optics.RI = 1.0 },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := DefaultConfig()
			mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("Expected a validation error")
			}
		})
	}

	cfg := DefaultConfig()
	cfg.LW.Mode = "landweber"
	opts, err := cfg.Options()
	if err != nil || opts.Mode != deconv.LWLandweber {
		t.Errorf("Expected Landweber mode, got %v (%v)", opts.Mode, err)
	}
	dims, spacing, err := cfg.PSFGeometry()
	if err != nil || dims.X != 64 || spacing.Z != 0.2 {
		t.Errorf("Unexpected PSF geometry %v %v (%v)", dims, spacing, err)
	}
}
