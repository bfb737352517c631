// Package config provides configuration loading and management for the
// deconvolution tools. It handles loading configuration from YAML files,
// environment overrides and default values.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"libdeconv/internal/models"
	"libdeconv/pkg/deconv"
	"libdeconv/pkg/fft"
	"libdeconv/pkg/psf"
)

var ErrInvalid = errors.New("config: invalid value")

// Environment variables read by ApplyEnv
const (
	EnvLogLevel  = "DECONV_LOG_LEVEL"
	EnvLogFile   = "DECONV_LOG_FILE"
	EnvLedger    = "DECONV_LEDGER"
	EnvWorkers   = "DECONV_WORKERS"
	EnvFFTEngine = "DECONV_FFT_ENGINE"
)

// Conditioning configures the conditioning value search
type Conditioning struct {
	// Iterations of trial Landweber steps per evaluation; 0 uses Value
	Iterations int `yaml:"iterations"`

	// Tolerance is the relative bracket width ending the search
	Tolerance float64 `yaml:"tolerance"`

	// Value is the fixed conditioning value used without a search
	Value float64 `yaml:"value"`
}

// Config represents the application configuration loaded from YAML
type Config struct {
	// Deconvolution parameters shared by all engines
	Deconvolution struct {
		// Engine is lw, cg or em
		Engine string `yaml:"engine"`

		// Precision is float32 or float64
		Precision string `yaml:"precision"`

		// MaxIterations bounds the run; 0 returns the initial estimate
		MaxIterations int `yaml:"maxIterations"`

		// Criterion is the mean update below which the run converges
		Criterion float64 `yaml:"criterion"`

		// Window is the number of updates averaged by the convergence test
		Window int `yaml:"window"`

		// Normalize scales image and estimate to unit maxima
		Normalize bool `yaml:"normalize"`

		TrackMax        bool `yaml:"trackMax"`
		TrackLikelihood bool `yaml:"trackLikelihood"`

		// FFTEngine is gonum or algo
		FFTEngine string `yaml:"fftEngine"`

		// Workers is the number of goroutines per FFT pass
		Workers int `yaml:"workers"`
	} `yaml:"deconvolution"`

	// LW engine parameters
	LW struct {
		// Mode is rl or landweber
		Mode         string       `yaml:"mode"`
		Conditioning Conditioning `yaml:"conditioning"`
	} `yaml:"lw"`

	// CG engine parameters
	CG struct {
		IntensityRegularization bool         `yaml:"intensityRegularization"`
		StallPatience           int          `yaml:"stallPatience"`
		DivergenceFactor        float64      `yaml:"divergenceFactor"`
		Conditioning            Conditioning `yaml:"conditioning"`
	} `yaml:"cg"`

	// EM engine parameters
	EM struct {
		Accelerate bool `yaml:"accelerate"`

		// IREvery is the intensity regularization period; 0 disables it
		IREvery int `yaml:"irEvery"`

		// IRPenalty overrides the kernel derived penalty when positive
		IRPenalty float64 `yaml:"irPenalty"`
	} `yaml:"em"`

	// Optics of the microscope used for computed PSFs
	Optics psf.Optics `yaml:"optics"`

	// PSF sampling parameters
	PSF struct {
		// Dims as "X,Y,Z"
		Dims string `yaml:"dims"`

		// Spacing in micrometres as "dx,dy,dz"
		Spacing string `yaml:"spacing"`

		RadialSamples     int     `yaml:"radialSamples"`
		Sections          int     `yaml:"sections"`
		RadialCalibration float64 `yaml:"radialCalibration"`
		Sectioning        float64 `yaml:"sectioning"`

		// Points2Sum is the odd supersampling factor of r-z expansion
		Points2Sum int `yaml:"points2Sum"`

		// Nodes of the Gauss-Legendre rule
		Nodes int `yaml:"nodes"`
	} `yaml:"psf"`

	// Output parameters
	Output struct {
		// Tracks writes the history files next to the result
		Tracks bool `yaml:"tracks"`

		// Previews saves slice images of the result
		Previews bool `yaml:"previews"`

		// PreviewDir is the directory for the slice images
		PreviewDir string `yaml:"previewDir"`
	} `yaml:"output"`

	// Ledger records runs in a SQLite database
	Ledger struct {
		Enabled bool   `yaml:"enabled"`
		Path    string `yaml:"path"`
	} `yaml:"ledger"`

	// Logging parameters
	Logging struct {
		// Level is debug, info, warn or error
		Level string `yaml:"level"`

		// File receives JSON logs when set
		File string `yaml:"file"`

		// Development switches the console to the development encoder
		Development bool `yaml:"development"`
	} `yaml:"logging"`
}

// DefaultConfig returns a configuration with default values
func DefaultConfig() *Config {
	cfg := &Config{}
	defaults := deconv.DefaultOptions()

	cfg.Deconvolution.Engine = "lw"
	cfg.Deconvolution.Precision = models.Double.String()
	cfg.Deconvolution.MaxIterations = defaults.MaxIterations
	cfg.Deconvolution.Criterion = defaults.Criterion
	cfg.Deconvolution.Window = defaults.Window
	cfg.Deconvolution.FFTEngine = fft.EngineGonum.String()
	cfg.Deconvolution.Workers = runtime.NumCPU()

	conditioning := Conditioning{
		Iterations: defaults.ConditioningIterations,
		Tolerance:  defaults.ConditioningTolerance,
		Value:      defaults.ConditioningValue,
	}
	cfg.LW.Mode = deconv.LWRichardsonLucy.String()
	cfg.LW.Conditioning = conditioning
	cfg.CG.StallPatience = defaults.StallPatience
	cfg.CG.DivergenceFactor = defaults.DivergenceFactor
	cfg.CG.Conditioning = conditioning
	cfg.EM.IREvery = 50

	cfg.Optics = psf.Optics{NA: 1.4, Wavelength: 0.52, RI: 1.518}

	cfg.PSF.Dims = "64,64,32"
	cfg.PSF.Spacing = "0.1,0.1,0.2"
	cfg.PSF.RadialSamples = 512
	cfg.PSF.Sections = 64
	cfg.PSF.RadialCalibration = 0.01
	cfg.PSF.Sectioning = 0.1
	cfg.PSF.Points2Sum = 1
	cfg.PSF.Nodes = psf.DefaultNodes

	cfg.Output.Tracks = true
	cfg.Output.PreviewDir = "previews"

	cfg.Ledger.Path = "deconv_runs.db"

	cfg.Logging.Level = "info"

	return cfg
}

// LoadConfig loads configuration from a YAML file
// If the file doesn't exist, it returns the default configuration
func LoadConfig(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return cfg, nil
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("error reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("error parsing config file: %w", err)
	}

	return cfg, nil
}

// SaveConfig saves the configuration to a YAML file
func SaveConfig(cfg *Config, configPath string) error {
	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("error creating config directory: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("error marshaling config: %w", err)
	}

	if err := os.WriteFile(configPath, data, 0644); err != nil {
		return fmt.Errorf("error writing config file: %w", err)
	}

	return nil
}

// CreateDefaultConfigFile creates a default configuration file at the specified path
func CreateDefaultConfigFile(configPath string) error {
	cfg := DefaultConfig()
	return SaveConfig(cfg, configPath)
}

// ApplyEnv loads envFiles (".env" when none are given) and applies the
// DECONV_* overrides. Missing env files are ignored.
func (c *Config) ApplyEnv(envFiles ...string) error {
	if len(envFiles) == 0 {
		envFiles = []string{".env"}
	}
	for _, f := range envFiles {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("error loading %s: %w", f, err)
		}
	}

	if v := os.Getenv(EnvLogLevel); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv(EnvLogFile); v != "" {
		c.Logging.File = v
	}
	if v := os.Getenv(EnvLedger); v != "" {
		c.Ledger.Enabled = true
		c.Ledger.Path = v
	}
	if v := os.Getenv(EnvWorkers); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%w: %s=%q", ErrInvalid, EnvWorkers, v)
		}
		c.Deconvolution.Workers = n
	}
	if v := os.Getenv(EnvFFTEngine); v != "" {
		c.Deconvolution.FFTEngine = v
	}
	return nil
}

// Validate checks the values that cannot be checked by the engines
// themselves before a run starts
func (c *Config) Validate() error {
	switch strings.ToLower(c.Deconvolution.Engine) {
	case "lw", "cg", "em":
	default:
		return fmt.Errorf("%w: engine %q", ErrInvalid, c.Deconvolution.Engine)
	}
	if _, err := models.ParsePrecision(c.Deconvolution.Precision); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	if c.Deconvolution.Workers < 0 {
		return fmt.Errorf("%w: workers %d", ErrInvalid, c.Deconvolution.Workers)
	}
	if _, err := c.Options(); err != nil {
		return err
	}
	return c.Optics.Validate()
}

// Options converts the deconvolution sections into engine options. The
// conditioning section of the configured engine is used.
func (c *Config) Options() (deconv.Options, error) {
	o := deconv.DefaultOptions()
	d := c.Deconvolution
	o.MaxIterations = d.MaxIterations
	o.Criterion = d.Criterion
	o.Window = d.Window
	o.Normalize = d.Normalize
	o.TrackMax = d.TrackMax
	o.TrackLikelihood = d.TrackLikelihood
	o.Workers = d.Workers

	engine, err := fft.ParseEngine(d.FFTEngine)
	if err != nil {
		return o, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	o.FFTEngine = engine
	if o.Mode, err = deconv.ParseLWMode(c.LW.Mode); err != nil {
		return o, fmt.Errorf("%w: %v", ErrInvalid, err)
	}

	cond := c.LW.Conditioning
	if strings.EqualFold(d.Engine, "cg") {
		cond = c.CG.Conditioning
	}
	o.ConditioningIterations = cond.Iterations
	o.ConditioningTolerance = cond.Tolerance
	o.ConditioningValue = cond.Value

	o.IntensityRegularization = c.CG.IntensityRegularization
	o.StallPatience = c.CG.StallPatience
	o.DivergenceFactor = c.CG.DivergenceFactor
	o.Accelerate = c.EM.Accelerate
	o.IREvery = c.EM.IREvery
	o.IRPenalty = c.EM.IRPenalty
	return o, nil
}

// PSFGeometry parses the PSF dims and spacing
func (c *Config) PSFGeometry() (models.Dims, models.Spacing, error) {
	dims, err := models.ParseDims(c.PSF.Dims)
	if err != nil {
		return dims, models.Spacing{}, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	spacing, err := models.ParseSpacing(c.PSF.Spacing)
	if err != nil {
		return dims, spacing, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	return dims, spacing, nil
}
