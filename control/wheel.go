package control

import (
	"context"
	"math"

	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"go.viam.com/rdk/logging"

	"github.com/Team-5243/Reefscape/kinematics"
	"github.com/Team-5243/Reefscape/telemetry"
	"github.com/Team-5243/Reefscape/wheels"
)

// ErrNonFiniteTarget is returned when a NaN or infinite velocity was requested. The wheel is commanded to zero.
var ErrNonFiniteTarget = errors.New("non-finite wheel velocity target")

// Actuator drives one motor per wheel.
type Actuator interface {
	// SetVelocityReference hands a closed-loop velocity target (m/s at the wheel surface) to the motor controller.
	SetVelocityReference(ctx context.Context, w wheels.Wheel, metersPerSecond float64) error
	// SetVoltage applies an open-loop voltage.
	SetVoltage(ctx context.Context, w wheels.Wheel, volts float64) error
}

// Mode selects where the velocity loop is closed.
type Mode string

const (
	// ModeOnboard closes the loop here: feedforward plus PID, output as voltage.
	ModeOnboard Mode = "onboard"
	// ModeExternal forwards the reference to the motor controller, which runs its own loop.
	ModeExternal Mode = "external"
)

// Config tunes one wheel's velocity controller.
type Config struct {
	Mode        Mode        `json:"mode"`
	Feedforward Feedforward `json:"feedforward"`
	PID         PIDGains    `json:"pid"`
	MaxVoltage  float64     `json:"max_voltage"`
	// Tolerance is the velocity error (m/s) within which AtTarget reports true.
	Tolerance float64 `json:"tolerance"`
}

// DefaultConfig matches a 12 V drivetrain characterized at roughly 2.5 V per m/s.
func DefaultConfig() Config {
	return Config{
		Mode:        ModeOnboard,
		Feedforward: Feedforward{KS: 0.15, KV: 2.5, KA: 0.1},
		PID:         PIDGains{Kp: 0.8, Ki: 0.2, IntegralLimit: 2},
		MaxVoltage:  12,
		Tolerance:   0.05,
	}
}

// Validate reports a *kinematics.ConfigurationError for settings that would leave the wheel uncontrolled.
func (c Config) Validate() error {
	switch c.Mode {
	case ModeOnboard, ModeExternal:
	default:
		return kinematics.NewConfigurationError("wheel controller", "unknown mode %q", c.Mode)
	}
	if c.MaxVoltage <= 0 || math.IsInf(c.MaxVoltage, 0) || math.IsNaN(c.MaxVoltage) {
		return kinematics.NewConfigurationError("wheel controller", "max_voltage must be positive, got %v", c.MaxVoltage)
	}
	if c.Tolerance <= 0 || math.IsNaN(c.Tolerance) {
		return kinematics.NewConfigurationError("wheel controller", "tolerance must be positive, got %v", c.Tolerance)
	}
	if err := c.Feedforward.Validate(); err != nil {
		return err
	}
	if err := c.PID.Validate(); err != nil {
		return err
	}
	if c.Mode == ModeOnboard && c.Feedforward.KV == 0 && c.PID.Kp == 0 {
		return kinematics.NewConfigurationError("wheel controller", "onboard mode needs a positive kv or kp")
	}
	return nil
}

// WheelVelocityController drives a single wheel to a linear velocity.
type WheelVelocityController struct {
	wheel     wheels.Wheel
	cfg       Config
	actuator  Actuator
	telemetry *telemetry.Store
	logger    logging.Logger

	target     float64
	prevTarget float64
	measured   float64
	voltage    float64
	pid        PIDState
}

// NewWheelVelocityController validates cfg and returns a controller with a zero target.
func NewWheelVelocityController(
	w wheels.Wheel,
	cfg Config,
	actuator Actuator,
	tel *telemetry.Store,
	logger logging.Logger,
) (*WheelVelocityController, error) {
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrapf(err, "%v", w)
	}
	if actuator == nil {
		return nil, errors.Errorf("%v: actuator is required", w)
	}
	return &WheelVelocityController{wheel: w, cfg: cfg, actuator: actuator, telemetry: tel, logger: logger}, nil
}

// Wheel returns which wheel this controller drives.
func (c *WheelVelocityController) Wheel() wheels.Wheel {
	return c.wheel
}

// SetTargetVelocity sets the wheel's velocity target in m/s. In external mode the reference is sent immediately;
// in onboard mode it takes effect on the next Update.
func (c *WheelVelocityController) SetTargetVelocity(ctx context.Context, metersPerSecond float64) error {
	if math.IsNaN(metersPerSecond) || math.IsInf(metersPerSecond, 0) {
		c.telemetry.Inc(telemetry.Join("fault", "target", c.wheel.String()))
		c.logger.Warnw("non-finite velocity target, commanding zero", "wheel", c.wheel, "target", metersPerSecond)
		c.target = 0
		c.pid.Reset()
		var err error
		if c.cfg.Mode == ModeExternal {
			err = c.actuator.SetVelocityReference(ctx, c.wheel, 0)
		} else {
			err = c.actuator.SetVoltage(ctx, c.wheel, 0)
		}
		return multierr.Combine(ErrNonFiniteTarget, err)
	}

	c.target = metersPerSecond
	if c.cfg.Mode == ModeExternal {
		return c.actuator.SetVelocityReference(ctx, c.wheel, metersPerSecond)
	}
	return nil
}

// Update feeds the latest measured wheel velocity (m/s) and, in onboard mode, applies a new voltage.
func (c *WheelVelocityController) Update(ctx context.Context, measured, dt float64) error {
	c.measured = measured
	if c.cfg.Mode == ModeExternal {
		return nil
	}

	accel := 0.0
	if dt > 0 {
		accel = (c.target - c.prevTarget) / dt
	}
	c.prevTarget = c.target

	volts := c.cfg.Feedforward.Calculate(c.target, accel) + c.cfg.PID.Update(&c.pid, c.target-measured, dt)
	if math.Abs(volts) > c.cfg.MaxVoltage {
		c.telemetry.Inc(telemetry.Join("saturation", "voltage", c.wheel.String()))
		c.logger.Debugw("wheel voltage saturated", "wheel", c.wheel, "requested", volts, "limit", c.cfg.MaxVoltage)
		volts = clamp(volts, -c.cfg.MaxVoltage, c.cfg.MaxVoltage)
	}
	c.voltage = volts
	return c.actuator.SetVoltage(ctx, c.wheel, volts)
}

// Halt resets the controller and commands zero output directly: 0 V in onboard mode, a zero reference in
// external mode. Unlike a zero target it does not depend on a velocity measurement.
func (c *WheelVelocityController) Halt(ctx context.Context) error {
	c.Reset()
	if c.cfg.Mode == ModeExternal {
		return c.actuator.SetVelocityReference(ctx, c.wheel, 0)
	}
	return c.actuator.SetVoltage(ctx, c.wheel, 0)
}

// Target returns the current velocity target.
func (c *WheelVelocityController) Target() float64 {
	return c.target
}

// Voltage returns the last voltage applied in onboard mode.
func (c *WheelVelocityController) Voltage() float64 {
	return c.voltage
}

// AtTarget reports whether the last measurement is within tolerance of the target.
func (c *WheelVelocityController) AtTarget() bool {
	return math.Abs(c.target-c.measured) <= c.cfg.Tolerance
}

// Reset zeroes the target and the controller memory without commanding the actuator.
func (c *WheelVelocityController) Reset() {
	c.target, c.prevTarget, c.voltage = 0, 0, 0
	c.pid.Reset()
}
