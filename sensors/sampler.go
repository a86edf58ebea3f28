package sensors

import (
	"context"
	"math"
	"time"

	"github.com/benbjohnson/clock"
	"go.viam.com/rdk/logging"

	"github.com/Team-5243/Reefscape/kinematics"
	"github.com/Team-5243/Reefscape/telemetry"
	"github.com/Team-5243/Reefscape/wheels"
)

// Config describes the wheel train and the plausibility limits for readings.
type Config struct {
	WheelRadiusMeters float64 `json:"wheel_radius_meters"`
	// GearRatio is motor rotations per wheel rotation.
	GearRatio float64 `json:"gear_ratio"`
	// Readings beyond these magnitudes are treated as faults.
	MaxWheelSpeed  float64 `json:"max_plausible_wheel_speed"`
	MaxAngularRate float64 `json:"max_plausible_angular_rate"`
	// MaxFaultTicks consecutive ticks with every reading faulted is a total loss.
	MaxFaultTicks int `json:"max_fault_ticks"`
}

// DefaultConfig is a 3 inch wheel behind an 8.45:1 gearbox.
func DefaultConfig() Config {
	return Config{
		WheelRadiusMeters: 0.0762,
		GearRatio:         8.45,
		MaxWheelSpeed:     10,
		MaxAngularRate:    2000,
		MaxFaultTicks:     5,
	}
}

// Validate reports a *kinematics.ConfigurationError for unusable wheel train parameters.
func (c Config) Validate() error {
	if !(c.WheelRadiusMeters > 0) || math.IsInf(c.WheelRadiusMeters, 0) {
		return kinematics.NewConfigurationError("sensors", "wheel radius must be positive, got %v", c.WheelRadiusMeters)
	}
	if !(c.GearRatio > 0) || math.IsInf(c.GearRatio, 0) {
		return kinematics.NewConfigurationError("sensors", "gear ratio must be positive, got %v", c.GearRatio)
	}
	if !(c.MaxWheelSpeed > 0) || !(c.MaxAngularRate > 0) {
		return kinematics.NewConfigurationError("sensors", "plausibility limits must be positive")
	}
	if c.MaxFaultTicks < 1 {
		return kinematics.NewConfigurationError("sensors", "max_fault_ticks must be at least 1, got %d", c.MaxFaultTicks)
	}
	return nil
}

// RotationsToMeters converts motor rotations to distance travelled at the wheel surface.
func (c Config) RotationsToMeters(rotations float64) float64 {
	return rotations / c.GearRatio * 2 * math.Pi * c.WheelRadiusMeters
}

// MetersToRotations is the inverse of RotationsToMeters.
func (c Config) MetersToRotations(meters float64) float64 {
	return meters / (2 * math.Pi * c.WheelRadiusMeters) * c.GearRatio
}

// RPMToMetersPerSecond converts motor RPM to wheel surface speed.
func (c Config) RPMToMetersPerSecond(rpm float64) float64 {
	return c.RotationsToMeters(rpm) / 60
}

// MetersPerSecondToRPM is the inverse of RPMToMetersPerSecond.
func (c Config) MetersPerSecondToRPM(mps float64) float64 {
	return c.MetersToRotations(mps) * 60
}

// Sample is one tick's worth of sensor readings in SI units.
type Sample struct {
	Time time.Time
	// Positions are cumulative wheel distances in meters.
	Positions  wheels.Set[float64]
	Velocities wheels.Set[float64]
	// HeadingDegrees is the raw gyro heading; the estimator applies its own offset.
	HeadingDegrees float64
	RateDegPerSec  float64
	// Faults counts the readings substituted this tick.
	Faults int
}

const readingsPerSample = 2*len(wheels.All) + 2

// Substituted reports whether every reading in the sample is a held last-good value.
func (s Sample) Substituted() bool {
	return s.Faults >= readingsPerSample
}

// Sampler reads every sensor once per call to Sample.
type Sampler struct {
	cfg     Config
	gyro    Gyro
	encoder Encoder
	clock   clock.Clock
	tel     *telemetry.Store
	logger  logging.Logger

	last      Sample
	faulted   map[string]bool
	lossTicks int
}

// NewSampler validates cfg and returns a sampler whose last-known-good values start at zero.
func NewSampler(
	cfg Config,
	gyro Gyro,
	encoder Encoder,
	clk clock.Clock,
	tel *telemetry.Store,
	logger logging.Logger,
) (*Sampler, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if gyro == nil || encoder == nil {
		return nil, kinematics.NewConfigurationError("sensors", "gyro and encoder are required")
	}
	return &Sampler{
		cfg:     cfg,
		gyro:    gyro,
		encoder: encoder,
		clock:   clk,
		tel:     tel,
		logger:  logger,
		faulted: map[string]bool{},
	}, nil
}

// Config returns the wheel train parameters.
func (s *Sampler) Config() Config {
	return s.cfg
}

// Sample reads the gyro and all four encoders. It never fails: a reading that errors, is not finite or is
// implausible is replaced by the last good one and counted under "fault.<source>".
func (s *Sampler) Sample(ctx context.Context) Sample {
	next := Sample{Time: s.clock.Now()}

	heading, err := s.gyro.Heading(ctx)
	next.HeadingDegrees = s.check("gyro.heading", heading, err, math.Inf(1), s.last.HeadingDegrees, &next.Faults)

	rate, err := s.gyro.AngularRate(ctx)
	next.RateDegPerSec = s.check("gyro.rate", rate, err, s.cfg.MaxAngularRate, s.last.RateDegPerSec, &next.Faults)

	for _, w := range wheels.All {
		rot, err := s.encoder.CumulativeRotations(ctx, w)
		next.Positions.Put(w, s.check(
			telemetry.Join("encoder.position", w.String()),
			s.cfg.RotationsToMeters(rot), err, math.Inf(1), s.last.Positions.Get(w), &next.Faults))

		rpm, err := s.encoder.VelocityRPM(ctx, w)
		next.Velocities.Put(w, s.check(
			telemetry.Join("encoder.velocity", w.String()),
			s.cfg.RPMToMetersPerSecond(rpm), err, s.cfg.MaxWheelSpeed, s.last.Velocities.Get(w), &next.Faults))
	}

	if next.Faults == readingsPerSample {
		s.lossTicks++
		if s.lossTicks == s.cfg.MaxFaultTicks {
			s.logger.Errorw("total sensor loss", "ticks", s.lossTicks)
		}
	} else {
		s.lossTicks = 0
	}
	s.tel.Set("sensors.total_loss", s.TotalLoss())

	s.last = next
	return next
}

// check returns v when it is a good reading, otherwise fallback.
func (s *Sampler) check(source string, v float64, err error, limit, fallback float64, faults *int) float64 {
	bad := err != nil || math.IsNaN(v) || math.IsInf(v, 0) || math.Abs(v) > limit
	if !bad {
		if s.faulted[source] {
			s.logger.Infow("sensor recovered", "source", source)
			delete(s.faulted, source)
		}
		return v
	}
	*faults++
	s.tel.Inc(telemetry.Join("fault", source))
	if !s.faulted[source] {
		s.faulted[source] = true
		s.logger.Warnw("sensor fault, holding last good value", "source", source, "value", v, "error", err)
	}
	return fallback
}

// TotalLoss reports whether every reading has faulted for MaxFaultTicks consecutive samples.
func (s *Sampler) TotalLoss() bool {
	return s.lossTicks >= s.cfg.MaxFaultTicks
}

// Last returns the most recent sample.
func (s *Sampler) Last() Sample {
	return s.last
}

// ResetHeading zeroes the gyro and the held heading.
func (s *Sampler) ResetHeading(ctx context.Context) error {
	if err := s.gyro.Reset(ctx); err != nil {
		return err
	}
	s.last.HeadingDegrees = 0
	return nil
}
