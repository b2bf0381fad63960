package array

import "time"

// Motor step range and conversion constants. These are the defaults for the
// deployed actuator hardware; tests construct their own Tunables instead of
// mutating these.
const (
	DefaultMotorMinPositionSteps = -1200
	DefaultMotorMaxPositionSteps = 1200
	DefaultStepsPerDegree        = 190.0

	DefaultMinSamples         = 5
	DefaultJitterMADThreshold = 0.015
	DefaultOutlierMADFactor   = 3.0

	DefaultAckTimeout  = 2 * time.Second
	DefaultDoneTimeout = 15 * time.Second
)

// RunnerSettings are the user-tunable knobs of a calibration run. All fields
// are plain numbers; Normalize clamps them into their valid ranges.
type RunnerSettings struct {
	// DeltaSteps is the probe move issued from home along each axis.
	DeltaSteps int `yaml:"deltaSteps" json:"deltaSteps"`
	// DwellMs is the settle time after a motion before sampling.
	DwellMs int `yaml:"dwellMs" json:"dwellMs"`
	// GridGapFraction is the inter-tile gap as a fraction of the tile
	// footprint. Valid range [0,1].
	GridGapFraction float64 `yaml:"gridGapFraction" json:"gridGapFraction"`
	// MoveAsideFraction is the park offset for not-yet-measured siblings,
	// as a fraction of the full step range. Valid range [0,5].
	MoveAsideFraction float64 `yaml:"moveAsideFraction" json:"moveAsideFraction"`
	// SampleTimeoutMs bounds one detection sample including retries.
	SampleTimeoutMs int `yaml:"sampleTimeoutMs" json:"sampleTimeoutMs"`
	// MaxDetectionRetries bounds re-sampling after a rejected sample.
	MaxDetectionRetries int `yaml:"maxDetectionRetries" json:"maxDetectionRetries"`
	// RetryDelayMs is the pause between detection retries.
	RetryDelayMs int `yaml:"retryDelayMs" json:"retryDelayMs"`
}

// DefaultRunnerSettings returns the settings used when the config file does
// not override them.
func DefaultRunnerSettings() RunnerSettings {
	return RunnerSettings{
		DeltaSteps:          100,
		DwellMs:             250,
		GridGapFraction:     0.05,
		MoveAsideFraction:   0.5,
		SampleTimeoutMs:     10000,
		MaxDetectionRetries: 3,
		RetryDelayMs:        500,
	}
}

// Normalize clamps every field into its documented valid range and returns
// the result. Zero-valued fields fall back to defaults.
func (s RunnerSettings) Normalize() RunnerSettings {
	def := DefaultRunnerSettings()

	if s.DeltaSteps <= 0 {
		s.DeltaSteps = def.DeltaSteps
	}
	if s.DwellMs < 0 {
		s.DwellMs = def.DwellMs
	}
	s.GridGapFraction = clampFloat(s.GridGapFraction, 0, 1)
	s.MoveAsideFraction = clampFloat(s.MoveAsideFraction, 0, 5)
	if s.SampleTimeoutMs <= 0 {
		s.SampleTimeoutMs = def.SampleTimeoutMs
	}
	if s.MaxDetectionRetries < 0 {
		s.MaxDetectionRetries = def.MaxDetectionRetries
	}
	if s.RetryDelayMs < 0 {
		s.RetryDelayMs = def.RetryDelayMs
	}
	return s
}

// Dwell returns the settle time as a duration.
func (s RunnerSettings) Dwell() time.Duration {
	return time.Duration(s.DwellMs) * time.Millisecond
}

// SampleTimeout returns the total per-sample budget as a duration.
func (s RunnerSettings) SampleTimeout() time.Duration {
	return time.Duration(s.SampleTimeoutMs) * time.Millisecond
}

// RetryDelay returns the inter-retry pause as a duration.
func (s RunnerSettings) RetryDelay() time.Duration {
	return time.Duration(s.RetryDelayMs) * time.Millisecond
}

// Tunables are the hardware and detection constants threaded through
// constructors. They exist as a struct (rather than package globals) so tests
// can run multiple grids with different hardware profiles side by side.
type Tunables struct {
	MinSteps       int           `yaml:"minSteps" json:"minSteps"`
	MaxSteps       int           `yaml:"maxSteps" json:"maxSteps"`
	StepsPerDegree float64       `yaml:"stepsPerDegree" json:"stepsPerDegree"`
	MinSamples     int           `yaml:"minSamples" json:"minSamples"`
	JitterMAD      float64       `yaml:"jitterMad" json:"jitterMad"`
	OutlierFactor  float64       `yaml:"outlierFactor" json:"outlierFactor"`
	AckTimeout     time.Duration `yaml:"ackTimeout" json:"ackTimeout"`
	DoneTimeout    time.Duration `yaml:"doneTimeout" json:"doneTimeout"`
}

// DefaultTunables returns the deployed hardware profile.
func DefaultTunables() Tunables {
	return Tunables{
		MinSteps:       DefaultMotorMinPositionSteps,
		MaxSteps:       DefaultMotorMaxPositionSteps,
		StepsPerDegree: DefaultStepsPerDegree,
		MinSamples:     DefaultMinSamples,
		JitterMAD:      DefaultJitterMADThreshold,
		OutlierFactor:  DefaultOutlierMADFactor,
		AckTimeout:     DefaultAckTimeout,
		DoneTimeout:    DefaultDoneTimeout,
	}
}

func clampFloat(v, min, max float64) float64 {
	if v < min {
		return min
	}
	if v > max {
		return max
	}
	return v
}
