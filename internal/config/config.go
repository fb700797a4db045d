// Package config loads the engine settings: minimizer tolerances, loss
// weighting, rendering and the worker pool. Files are TOML or YAML, chosen
// by extension; keys left out keep their defaults.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"sourcefit/internal/fit"
	"sourcefit/internal/group"
	"sourcefit/internal/logging"
	"sourcefit/internal/loss"
	"sourcefit/internal/psf"
	"sourcefit/internal/render"
)

// ErrUnknownFormat is returned for files that are neither TOML nor YAML.
var ErrUnknownFormat = errors.New("unknown config format")

// Config is the complete engine configuration.
type Config struct {
	Fit    FitConfig    `toml:"fit" yaml:"fit"`
	Loss   LossConfig   `toml:"loss" yaml:"loss"`
	Render RenderConfig `toml:"render" yaml:"render"`
	Pool   PoolConfig   `toml:"pool" yaml:"pool"`
	Log    LogConfig    `toml:"log" yaml:"log"`
}

type FitConfig struct {
	MaxIterations     int     `toml:"max_iterations" yaml:"max_iterations"`
	Tau               float64 `toml:"tau" yaml:"tau"`
	GradientTolerance float64 `toml:"gradient_tolerance" yaml:"gradient_tolerance"`
	StepTolerance     float64 `toml:"step_tolerance" yaml:"step_tolerance"`
	LossTolerance     float64 `toml:"loss_tolerance" yaml:"loss_tolerance"`
	StallPatience     int     `toml:"stall_patience" yaml:"stall_patience"`
	AbsoluteTolerance float64 `toml:"absolute_tolerance" yaml:"absolute_tolerance"`
	MaxDamping        float64 `toml:"max_damping" yaml:"max_damping"`
	MaxCondition      float64 `toml:"max_condition" yaml:"max_condition"`
	JacobianStep      float64 `toml:"jacobian_step" yaml:"jacobian_step"`
	JacobianWorkers   int     `toml:"jacobian_workers" yaml:"jacobian_workers"`
}

type LossConfig struct {
	Scale  float64 `toml:"scale" yaml:"scale"`
	Linear bool    `toml:"linear" yaml:"linear"`
}

type RenderConfig struct {
	OversampleBelow float64 `toml:"oversample_below" yaml:"oversample_below"`
	MaxOversampling int     `toml:"max_oversampling" yaml:"max_oversampling"`
	SharpTolerance  float64 `toml:"sharp_tolerance" yaml:"sharp_tolerance"`
	SharpSampling   int     `toml:"sharp_sampling" yaml:"sharp_sampling"`
	Resample        string  `toml:"resample" yaml:"resample"`
}

type PoolConfig struct {
	Workers int      `toml:"workers" yaml:"workers"`
	Budget  Duration `toml:"budget" yaml:"budget"`
}

type LogConfig struct {
	Level     string `toml:"level" yaml:"level"`
	JSON      bool   `toml:"json" yaml:"json"`
	Timestamp bool   `toml:"timestamp" yaml:"timestamp"`
}

// Duration is a time.Duration written as "90s" or "2m".
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(b []byte) error {
	v, err := time.ParseDuration(string(b))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// Default returns the configuration used when no file is given.
func Default() Config {
	f := fit.DefaultOptions()
	r := render.DefaultOptions()
	l := loss.DefaultOptions()
	return Config{
		Fit: FitConfig{
			MaxIterations:     f.MaxIterations,
			Tau:               f.Tau,
			GradientTolerance: f.GradientTolerance,
			StepTolerance:     f.StepTolerance,
			LossTolerance:     f.LossTolerance,
			StallPatience:     f.StallPatience,
			AbsoluteTolerance: f.AbsoluteTolerance,
			MaxDamping:        f.MaxDamping,
			MaxCondition:      f.MaxCondition,
			JacobianStep:      f.JacobianStep,
		},
		Loss: LossConfig{Scale: l.Scale, Linear: l.Linear},
		Render: RenderConfig{
			OversampleBelow: r.OversampleBelow,
			MaxOversampling: r.MaxOversampling,
			SharpTolerance:  r.SharpTolerance,
			SharpSampling:   r.SharpSampling,
			Resample:        r.Resample.String(),
		},
		Log: LogConfig{Level: "info", Timestamp: true},
	}
}

// Load reads a TOML (.toml) or YAML (.yaml, .yml) file over the defaults
// and validates the result.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("config load failed (%s): %w", path, err)
	}
	cfg, err := Parse(data, filepath.Ext(path))
	if err != nil {
		return Config{}, fmt.Errorf("config parse failed (%s): %w", path, err)
	}
	return cfg, nil
}

// Parse decodes data in the format named by ext over the defaults. Unknown
// keys are errors.
func Parse(data []byte, ext string) (Config, error) {
	cfg := Default()
	switch strings.ToLower(strings.TrimPrefix(ext, ".")) {
	case "toml":
		md, err := toml.Decode(string(data), &cfg)
		if err != nil {
			return Config{}, err
		}
		if undecoded := md.Undecoded(); len(undecoded) > 0 {
			keys := make([]string, len(undecoded))
			for i, k := range undecoded {
				keys[i] = k.String()
			}
			return Config{}, fmt.Errorf("unknown keys: %s", strings.Join(keys, ", "))
		}
	case "yaml", "yml":
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
			return Config{}, err
		}
	default:
		return Config{}, fmt.Errorf("%w: %q", ErrUnknownFormat, ext)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks every section by building the options it configures.
func (c Config) Validate() error {
	if err := c.FitOptions(zerolog.Nop()).Validate(); err != nil {
		return fmt.Errorf("fit: %w", err)
	}
	if err := c.LossOptions().Validate(); err != nil {
		return fmt.Errorf("loss: %w", err)
	}
	ro, err := c.RenderOptions()
	if err != nil {
		return fmt.Errorf("render: %w", err)
	}
	if err := ro.Validate(); err != nil {
		return fmt.Errorf("render: %w", err)
	}
	if c.Pool.Workers < 0 {
		return fmt.Errorf("pool: workers %d must be >= 0", c.Pool.Workers)
	}
	if c.Pool.Budget.Duration < 0 {
		return fmt.Errorf("pool: budget %s must be >= 0", c.Pool.Budget)
	}
	if _, ok := logging.ParseLevel(c.Log.Level); !ok {
		return fmt.Errorf("log: unknown level %q", c.Log.Level)
	}
	return nil
}

// FitOptions returns the minimizer options.
func (c Config) FitOptions(logger zerolog.Logger) fit.Options {
	o := fit.DefaultOptions()
	o.MaxIterations = c.Fit.MaxIterations
	o.Tau = c.Fit.Tau
	o.GradientTolerance = c.Fit.GradientTolerance
	o.StepTolerance = c.Fit.StepTolerance
	o.LossTolerance = c.Fit.LossTolerance
	o.StallPatience = c.Fit.StallPatience
	o.AbsoluteTolerance = c.Fit.AbsoluteTolerance
	o.MaxDamping = c.Fit.MaxDamping
	o.MaxCondition = c.Fit.MaxCondition
	o.JacobianStep = c.Fit.JacobianStep
	if c.Fit.JacobianWorkers > 0 {
		o.Workers = c.Fit.JacobianWorkers
	}
	o.Logger = logger
	return o
}

// LossOptions returns the residual weighting options.
func (c Config) LossOptions() loss.Options {
	return loss.Options{Scale: c.Loss.Scale, Linear: c.Loss.Linear}
}

// RenderOptions returns the rendering options.
func (c Config) RenderOptions() (render.Options, error) {
	m, err := psf.ParseMethod(c.Render.Resample)
	if err != nil {
		return render.Options{}, err
	}
	return render.Options{
		OversampleBelow: c.Render.OversampleBelow,
		MaxOversampling: c.Render.MaxOversampling,
		SharpTolerance:  c.Render.SharpTolerance,
		SharpSampling:   c.Render.SharpSampling,
		Resample:        m,
	}, nil
}

// NewPool returns a worker pool configured from c.
func (c Config) NewPool(logger zerolog.Logger) (*group.Pool, error) {
	ro, err := c.RenderOptions()
	if err != nil {
		return nil, err
	}
	p := group.NewPool(c.Pool.Workers, logger)
	p.Budget = c.Pool.Budget.Duration
	p.Options = group.Options{Fit: c.FitOptions(logger), Render: ro, Loss: c.LossOptions()}
	return p, nil
}

// Logging returns the logger configuration, before environment overrides.
func (c Config) Logging() logging.Config {
	lvl, _ := logging.ParseLevel(c.Log.Level)
	return logging.Config{Level: lvl, JSON: c.Log.JSON, Timestamp: c.Log.Timestamp}
}
