// Package sim is a physics stand-in for the drivetrain hardware: four motors, their encoders and a gyro,
// advanced explicitly with Step.
package sim

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/pkg/errors"
	rdkutils "go.viam.com/rdk/utils"

	"github.com/Team-5243/Reefscape/control"
	"github.com/Team-5243/Reefscape/kinematics"
	"github.com/Team-5243/Reefscape/sensors"
	"github.com/Team-5243/Reefscape/wheels"
)

// Config describes the simulated motors.
type Config struct {
	Wheel sensors.Config `json:"wheel" yaml:"wheel"`
	// Motor is the plant's voltage model; open-loop voltage accelerates the wheel through it.
	Motor control.Feedforward `json:"motor" yaml:"motor"`
	// ResponseTime is the time constant of a motor controller tracking a velocity reference.
	ResponseTime time.Duration `json:"-" yaml:"response_time"`
}

// DefaultConfig matches the default wheel train and velocity controller gains.
func DefaultConfig() Config {
	return Config{
		Wheel:        sensors.DefaultConfig(),
		Motor:        control.DefaultConfig().Feedforward,
		ResponseTime: 50 * time.Millisecond,
	}
}

type driveMode int

const (
	modeReference driveMode = iota
	modeVoltage
)

type motor struct {
	mode     driveMode
	command  float64 // m/s or volts
	velocity float64
	position float64
}

// Drivetrain implements control.Actuator, sensors.Encoder and sensors.Gyro.
type Drivetrain struct {
	cfg Config
	kin *kinematics.Mecanum

	mu            sync.Mutex
	motors        wheels.Set[motor]
	pose          kinematics.Pose
	yaw           float64 // unwrapped, radians
	rate          float64
	headingOffset float64 // degrees
	gyroFault     error
	encoderFaults wheels.Set[error]
}

// New places the robot at start with every motor at rest.
func New(cfg Config, kin *kinematics.Mecanum, start kinematics.Pose) (*Drivetrain, error) {
	if err := cfg.Wheel.Validate(); err != nil {
		return nil, err
	}
	if err := cfg.Motor.Validate(); err != nil {
		return nil, err
	}
	if cfg.Motor.KV <= 0 || cfg.Motor.KA <= 0 || cfg.ResponseTime <= 0 {
		return nil, kinematics.NewConfigurationError("sim", "motor kV, kA and response time must be positive")
	}
	if kin == nil {
		return nil, errors.New("simulated drivetrain needs kinematics")
	}
	return &Drivetrain{cfg: cfg, kin: kin, pose: start, yaw: start.Theta}, nil
}

// SetVelocityReference sets the wheel's closed-loop target.
func (d *Drivetrain) SetVelocityReference(ctx context.Context, w wheels.Wheel, metersPerSecond float64) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	m := d.motors.Get(w)
	m.mode, m.command = modeReference, metersPerSecond
	d.motors.Put(w, m)
	return nil
}

// SetVoltage applies an open-loop voltage.
func (d *Drivetrain) SetVoltage(ctx context.Context, w wheels.Wheel, volts float64) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	m := d.motors.Get(w)
	m.mode, m.command = modeVoltage, volts
	d.motors.Put(w, m)
	return nil
}

// Step advances the simulation by dt.
func (d *Drivetrain) Step(dt time.Duration) {
	seconds := dt.Seconds()
	if seconds <= 0 {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	var deltas wheels.Set[float64]
	for _, w := range wheels.All {
		m := d.motors.Get(w)
		v0 := m.velocity
		m.velocity = d.settle(m, seconds)
		if math.IsNaN(m.velocity) || math.IsInf(m.velocity, 0) {
			m.velocity = 0
		}
		delta := (v0 + m.velocity) / 2 * seconds
		m.position += delta
		deltas.Put(w, delta)
		d.motors.Put(w, m)
	}

	twist := d.kin.ToTwist(deltas)
	d.pose = d.pose.Translate(twist.Dx, twist.Dy, d.yaw+twist.Dtheta/2)
	d.yaw += twist.Dtheta
	d.pose.Theta = kinematics.NormalizeAngle(d.yaw)
	d.rate = twist.Dtheta / seconds
}

// settle returns the velocity after seconds of first-order response toward the motor's steady state.
func (d *Drivetrain) settle(m motor, seconds float64) float64 {
	target, tau := m.command, d.cfg.ResponseTime.Seconds()
	if m.mode == modeVoltage {
		ff := d.cfg.Motor
		target = 0
		if math.Abs(m.command) > ff.KS {
			target = (m.command - math.Copysign(ff.KS, m.command)) / ff.KV
		}
		tau = ff.KA / ff.KV
	}
	return target + (m.velocity-target)*math.Exp(-seconds/tau)
}

// CumulativeRotations is the motor shaft position.
func (d *Drivetrain) CumulativeRotations(ctx context.Context, w wheels.Wheel) (float64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.encoderFaults.Get(w); err != nil {
		return 0, err
	}
	return d.cfg.Wheel.MetersToRotations(d.motors.Get(w).position), nil
}

// VelocityRPM is the motor shaft speed.
func (d *Drivetrain) VelocityRPM(ctx context.Context, w wheels.Wheel) (float64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.encoderFaults.Get(w); err != nil {
		return 0, err
	}
	return d.cfg.Wheel.MetersPerSecondToRPM(d.motors.Get(w).velocity), nil
}

// Heading is the unwrapped yaw in degrees.
func (d *Drivetrain) Heading(ctx context.Context) (float64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.gyroFault != nil {
		return 0, d.gyroFault
	}
	return rdkutils.RadToDeg(d.yaw) + d.headingOffset, nil
}

// AngularRate is the yaw rate over the last step in degrees per second.
func (d *Drivetrain) AngularRate(ctx context.Context) (float64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.gyroFault != nil {
		return 0, d.gyroFault
	}
	return rdkutils.RadToDeg(d.rate), nil
}

// Reset makes the gyro read zero.
func (d *Drivetrain) Reset(ctx context.Context) error {
	return d.SetHeadingOffset(ctx, 0)
}

// SetHeadingOffset makes the gyro read degrees at the current yaw.
func (d *Drivetrain) SetHeadingOffset(ctx context.Context, degrees float64) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.gyroFault != nil {
		return d.gyroFault
	}
	d.headingOffset = degrees - rdkutils.RadToDeg(d.yaw)
	return nil
}

// Pose is the true field pose, which the estimator only ever sees through the sensors.
func (d *Drivetrain) Pose() kinematics.Pose {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.pose
}

// WheelVelocities returns the true wheel surface speeds.
func (d *Drivetrain) WheelVelocities() wheels.Set[float64] {
	d.mu.Lock()
	defer d.mu.Unlock()
	return wheels.Map(d.motors, func(_ wheels.Wheel, m motor) float64 { return m.velocity })
}

// FailGyro makes every gyro read return err until called again with nil.
func (d *Drivetrain) FailGyro(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.gyroFault = err
}

// FailEncoder makes reads of w return err until called again with nil.
func (d *Drivetrain) FailEncoder(w wheels.Wheel, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.encoderFaults.Put(w, err)
}
