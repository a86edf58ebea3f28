// Package drive is the chassis-level facade: it turns chassis velocity or stick intent into wheel targets.
package drive

import (
	"context"
	"math"

	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"go.viam.com/rdk/logging"

	"github.com/Team-5243/Reefscape/control"
	"github.com/Team-5243/Reefscape/kinematics"
	"github.com/Team-5243/Reefscape/telemetry"
	"github.com/Team-5243/Reefscape/wheels"
)

// Config holds the rated limits of the drivetrain.
type Config struct {
	// MaxSpeed (m/s) and MaxAngularSpeed (rad/s) are what a full-scale normalized command means.
	MaxSpeed        float64 `json:"max_speed"`
	MaxAngularSpeed float64 `json:"max_angular_speed"`
	// MaxWheelSpeed (m/s) bounds every wheel target; larger requests are scaled down together.
	MaxWheelSpeed float64     `json:"max_wheel_speed"`
	Stick         StickConfig `json:"stick"`
}

// DefaultConfig is a 4 m/s chassis.
func DefaultConfig() Config {
	return Config{
		MaxSpeed:        4,
		MaxAngularSpeed: 2 * math.Pi,
		MaxWheelSpeed:   4,
		Stick:           DefaultStickConfig(),
	}
}

// Validate reports a *kinematics.ConfigurationError for non-positive limits.
func (c Config) Validate() error {
	for name, v := range map[string]float64{
		"max_speed":         c.MaxSpeed,
		"max_angular_speed": c.MaxAngularSpeed,
		"max_wheel_speed":   c.MaxWheelSpeed,
	} {
		if !(v > 0) || math.IsInf(v, 0) {
			return kinematics.NewConfigurationError("drive", "%s must be positive, got %v", name, v)
		}
	}
	if c.Stick.Deadzone < 0 || c.Stick.Deadzone >= 1 || c.Stick.RotationDeadzone < 0 || c.Stick.RotationDeadzone >= 1 {
		return kinematics.NewConfigurationError("drive", "stick deadzones must be in [0, 1)")
	}
	if c.Stick.SlewRate < 0 {
		return kinematics.NewConfigurationError("drive", "slew_rate must not be negative, got %v", c.Stick.SlewRate)
	}
	if _, err := ParseShaping(string(c.Stick.Shaping)); err != nil {
		return kinematics.NewConfigurationError("drive", "%v", err)
	}
	return nil
}

// PoseSource supplies the heading for field-centric driving.
type PoseSource interface {
	Pose() kinematics.Pose
}

// Drive owns the four wheel controllers. It is not safe for concurrent use.
type Drive struct {
	cfg         Config
	kin         *kinematics.Mecanum
	actuator    control.Actuator
	controllers wheels.Set[*control.WheelVelocityController]
	pose        PoseSource
	tel         *telemetry.Store
	logger      logging.Logger

	shaping  Shaping
	limiters [3]*control.SlewRateLimiter

	// diagnostic is set while SetVoltage owns the motors.
	diagnostic bool
	commanded  kinematics.ChassisVelocity
	measured   kinematics.ChassisVelocity
}

// New builds a wheel controller per wheel from wheelCfg.
func New(
	cfg Config,
	kin *kinematics.Mecanum,
	actuator control.Actuator,
	wheelCfg wheels.Set[control.Config],
	pose PoseSource,
	clk clock.Clock,
	tel *telemetry.Store,
	logger logging.Logger,
) (*Drive, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if kin == nil || actuator == nil || pose == nil {
		return nil, errors.New("drive needs kinematics, an actuator and a pose source")
	}
	d := &Drive{
		cfg:      cfg,
		kin:      kin,
		actuator: actuator,
		pose:     pose,
		tel:      tel,
		logger:   logger,
		shaping:  cfg.Stick.Shaping,
	}
	if d.shaping == "" {
		d.shaping = ShapingNone
	}
	for _, w := range wheels.All {
		c, err := control.NewWheelVelocityController(w, wheelCfg.Get(w), actuator, tel, logger)
		if err != nil {
			return nil, err
		}
		d.controllers.Put(w, c)
	}
	if cfg.Stick.SlewRate > 0 {
		for i := range d.limiters {
			d.limiters[i] = control.NewSlewRateLimiter(cfg.Stick.SlewRate, clk)
		}
	}
	return d, nil
}

// Kinematics returns the model the drive was built with.
func (d *Drive) Kinematics() *kinematics.Mecanum {
	return d.kin
}

// SetShaping switches the stick response curve.
func (d *Drive) SetShaping(s Shaping) error {
	parsed, err := ParseShaping(string(s))
	if err != nil {
		return err
	}
	d.shaping = parsed
	d.logger.Infow("stick shaping changed", "shaping", parsed)
	return nil
}

// Shaping returns the active stick response curve.
func (d *Drive) Shaping() Shaping {
	return d.shaping
}

func (d *Drive) clampIntent(vx, vy, omega float64) (float64, float64, float64) {
	out := [3]float64{vx, vy, omega}
	for i, v := range out {
		if math.IsNaN(v) {
			continue
		}
		if c := math.Max(-1, math.Min(1, v)); c != v {
			d.tel.Inc("saturation.intent")
			out[i] = c
		}
	}
	return out[0], out[1], out[2]
}

func (d *Drive) scale(vx, vy, omega float64) kinematics.ChassisVelocity {
	return kinematics.ChassisVelocity{
		Vx:    vx * d.cfg.MaxSpeed,
		Vy:    vy * d.cfg.MaxSpeed,
		Omega: omega * d.cfg.MaxAngularSpeed,
	}
}

// DriveRobotCentric drives at a normalized robot-frame intent; each component is clamped to [-1, 1] and scaled
// by the rated speeds.
func (d *Drive) DriveRobotCentric(ctx context.Context, vx, vy, omega float64) error {
	vx, vy, omega = d.clampIntent(vx, vy, omega)
	return d.DriveChassisVelocity(ctx, d.scale(vx, vy, omega))
}

// DriveFieldCentric drives at a normalized field-frame intent, rotated into the robot frame by the estimated
// heading.
func (d *Drive) DriveFieldCentric(ctx context.Context, vx, vy, omega float64) error {
	vx, vy, omega = d.clampIntent(vx, vy, omega)
	return d.DriveChassisVelocity(ctx, kinematics.FromFieldRelative(d.scale(vx, vy, omega), d.pose.Pose().Theta))
}

// DriveStick shapes raw stick axes and drives with them, robot- or field-centric.
func (d *Drive) DriveStick(ctx context.Context, x, y, z float64, fieldCentric bool) error {
	stick := d.cfg.Stick
	stick.Shaping = d.shaping
	x, y, z = stick.Shape(x, y, z)
	if d.limiters[0] != nil {
		x = d.limiters[0].Calculate(x)
		y = d.limiters[1].Calculate(y)
		z = d.limiters[2].Calculate(z)
	}
	if fieldCentric {
		return d.DriveFieldCentric(ctx, x, y, z)
	}
	return d.DriveRobotCentric(ctx, x, y, z)
}

// DriveChassisVelocity drives at a physical robot-frame velocity (m/s, rad/s). Wheel targets over the wheel
// limit are scaled down together. A non-finite request stops every wheel and returns
// control.ErrNonFiniteTarget.
func (d *Drive) DriveChassisVelocity(ctx context.Context, v kinematics.ChassisVelocity) error {
	d.diagnostic = false
	if !v.IsFinite() {
		d.logger.Warnw("non-finite chassis velocity requested, stopping", "velocity", v)
		d.commanded = kinematics.ChassisVelocity{}
		return multierr.Combine(control.ErrNonFiniteTarget, d.setTargets(ctx, wheels.Set[float64]{}))
	}

	speeds, saturated := kinematics.Desaturate(d.kin.ToWheelSpeeds(v), d.cfg.MaxWheelSpeed)
	if saturated {
		d.tel.Inc("saturation.wheel_speed")
		d.logger.Debugw("wheel speeds desaturated", "requested", v, "limit", d.cfg.MaxWheelSpeed)
	}
	d.commanded = d.kin.ToChassisVelocity(speeds)
	return d.setTargets(ctx, speeds)
}

func (d *Drive) setTargets(ctx context.Context, speeds wheels.Set[float64]) error {
	var err error
	for _, w := range wheels.All {
		err = multierr.Append(err, d.controllers.Get(w).SetTargetVelocity(ctx, speeds.Get(w)))
	}
	return err
}

// SetVoltage applies the same open-loop voltage to every wheel until the next drive command. It is the
// characterization path and bypasses the controllers.
func (d *Drive) SetVoltage(ctx context.Context, volts float64) error {
	if math.IsNaN(volts) || math.IsInf(volts, 0) {
		return errors.Errorf("invalid diagnostic voltage %v", volts)
	}
	d.diagnostic = true
	d.commanded = kinematics.ChassisVelocity{}
	var err error
	for _, w := range wheels.All {
		d.controllers.Get(w).Reset()
		err = multierr.Append(err, d.actuator.SetVoltage(ctx, w, volts))
	}
	return err
}

// Stop commands zero velocity and clears the stick slew state.
func (d *Drive) Stop(ctx context.Context) error {
	for _, l := range d.limiters {
		if l != nil {
			l.Reset(0)
		}
	}
	return d.DriveChassisVelocity(ctx, kinematics.ChassisVelocity{})
}

// Halt zeroes every wheel output without closed-loop control, for when the measurements cannot be trusted.
// Update must not be called until the measurements recover.
func (d *Drive) Halt(ctx context.Context) error {
	for _, l := range d.limiters {
		if l != nil {
			l.Reset(0)
		}
	}
	d.diagnostic = false
	d.commanded = kinematics.ChassisVelocity{}
	var err error
	for _, w := range wheels.All {
		err = multierr.Append(err, d.controllers.Get(w).Halt(ctx))
	}
	return err
}

// Update feeds measured wheel velocities to the controllers; call once per tick.
func (d *Drive) Update(ctx context.Context, measured wheels.Set[float64], dt float64) error {
	d.measured = d.kin.ToChassisVelocity(measured)
	if d.diagnostic {
		return nil
	}
	var err error
	for _, w := range wheels.All {
		err = multierr.Append(err, d.controllers.Get(w).Update(ctx, measured.Get(w), dt))
	}
	return err
}

// ChassisVelocity is the measured robot-frame velocity from the last Update.
func (d *Drive) ChassisVelocity() kinematics.ChassisVelocity {
	return d.measured
}

// Commanded is the robot-frame velocity last commanded, after desaturation.
func (d *Drive) Commanded() kinematics.ChassisVelocity {
	return d.commanded
}

// WheelTargets returns each wheel controller's current target (m/s).
func (d *Drive) WheelTargets() wheels.Set[float64] {
	return wheels.Map(d.controllers, func(_ wheels.Wheel, c *control.WheelVelocityController) float64 {
		return c.Target()
	})
}

// AtTarget reports whether every wheel is within tolerance of its target.
func (d *Drive) AtTarget() bool {
	for _, w := range wheels.All {
		if !d.controllers.Get(w).AtTarget() {
			return false
		}
	}
	return true
}
