package mecanumbase

import (
	"math"
	"time"

	"github.com/pkg/errors"
	goutils "go.viam.com/utils"

	"github.com/Team-5243/Reefscape/align"
	"github.com/Team-5243/Reefscape/canmotor"
	"github.com/Team-5243/Reefscape/control"
	"github.com/Team-5243/Reefscape/drive"
	"github.com/Team-5243/Reefscape/estimator"
	"github.com/Team-5243/Reefscape/kinematics"
	"github.com/Team-5243/Reefscape/sensors"
	"github.com/Team-5243/Reefscape/vision"
	"github.com/Team-5243/Reefscape/wheels"
)

// SimulatedChannel in place of a CAN channel runs the base against the simulated drivetrain.
const SimulatedChannel = "simulated"

// Config is the resource configuration. Zero values fall back to each component's defaults.
type Config struct {
	WheelbaseMm  float64 `json:"wheelbase_mm" yaml:"wheelbase_mm"`
	TrackwidthMm float64 `json:"trackwidth_mm" yaml:"trackwidth_mm"`
	// WheelOffsetsMm overrides the rectangle for chassis whose wheels are not at its corners.
	WheelOffsetsMm *wheels.Set[kinematics.Offset] `json:"wheel_offsets_mm,omitempty" yaml:"wheel_offsets_mm,omitempty"`
	WheelRadiusMm  float64                        `json:"wheel_radius_mm,omitempty" yaml:"wheel_radius_mm,omitempty"`
	GearRatio      float64                        `json:"gear_ratio,omitempty" yaml:"gear_ratio,omitempty"`

	MaxSpeedMps          float64 `json:"max_speed_mps,omitempty" yaml:"max_speed_mps,omitempty"`
	MaxAngularDegsPerSec float64 `json:"max_angular_degs_per_sec,omitempty" yaml:"max_angular_degs_per_sec,omitempty"`
	MaxWheelSpeedMps     float64 `json:"max_wheel_speed_mps,omitempty" yaml:"max_wheel_speed_mps,omitempty"`

	// ControlMode is "onboard" (PID here, voltage out) or "external" (the motor controller's own loop).
	ControlMode string               `json:"control_mode,omitempty" yaml:"control_mode,omitempty"`
	Feedforward *control.Feedforward `json:"feedforward,omitempty" yaml:"feedforward,omitempty"`
	PID         *control.PIDGains    `json:"pid,omitempty" yaml:"pid,omitempty"`
	MaxVoltage  float64              `json:"max_voltage,omitempty" yaml:"max_voltage,omitempty"`

	Stick     StickConfig     `json:"stick,omitempty" yaml:"stick,omitempty"`
	Estimator EstimatorConfig `json:"estimator,omitempty" yaml:"estimator,omitempty"`
	Align     AlignConfig     `json:"align,omitempty" yaml:"align,omitempty"`
	Cameras   []CameraConfig  `json:"cameras,omitempty" yaml:"cameras,omitempty"`

	// MovementSensor names the IMU used as the gyro. Not needed when simulated.
	MovementSensor string `json:"movement_sensor,omitempty" yaml:"movement_sensor,omitempty"`
	CANChannel     string `json:"can_channel" yaml:"can_channel"`
	// TicksPerRotation and MaxRPM describe the motor controllers on the CAN bus.
	TicksPerRotation float64 `json:"ticks_per_rotation,omitempty" yaml:"ticks_per_rotation,omitempty"`
	MaxRPM           float64 `json:"max_rpm,omitempty" yaml:"max_rpm,omitempty"`

	TickPeriodMs       int `json:"tick_period_ms,omitempty" yaml:"tick_period_ms,omitempty"`
	VisionOffsetMaxAge int `json:"vision_offset_max_age_ms,omitempty" yaml:"vision_offset_max_age_ms,omitempty"`
}

// StickConfig is the joystick response.
type StickConfig struct {
	Deadzone         *float64 `json:"deadzone,omitempty" yaml:"deadzone,omitempty"`
	RotationDeadzone *float64 `json:"rotation_deadzone,omitempty" yaml:"rotation_deadzone,omitempty"`
	Shaping          string   `json:"shaping,omitempty" yaml:"shaping,omitempty"`
	SlewRate         float64  `json:"slew_rate,omitempty" yaml:"slew_rate,omitempty"`
}

// EstimatorConfig tunes vision fusion.
type EstimatorConfig struct {
	OdometryStdDev       float64 `json:"odometry_std_dev,omitempty" yaml:"odometry_std_dev,omitempty"`
	SingleTargetStdDev   float64 `json:"single_target_std_dev,omitempty" yaml:"single_target_std_dev,omitempty"`
	MultiTargetStdDev    float64 `json:"multi_target_std_dev,omitempty" yaml:"multi_target_std_dev,omitempty"`
	MaxAmbiguity         float64 `json:"max_ambiguity,omitempty" yaml:"max_ambiguity,omitempty"`
	MaxSingleTagDistance float64 `json:"max_single_tag_distance,omitempty" yaml:"max_single_tag_distance,omitempty"`
	MaxAngularRate       float64 `json:"max_angular_rate,omitempty" yaml:"max_angular_rate,omitempty"`
	HistorySeconds       float64 `json:"history_seconds,omitempty" yaml:"history_seconds,omitempty"`
}

// AlignConfig tunes the vision alignment routine.
type AlignConfig struct {
	Camera           string         `json:"camera,omitempty" yaml:"camera,omitempty"`
	ToleranceDegrees float64        `json:"tolerance_degrees,omitempty" yaml:"tolerance_degrees,omitempty"`
	SettleSeconds    float64        `json:"settle_seconds,omitempty" yaml:"settle_seconds,omitempty"`
	StrafeDivisor    float64        `json:"strafe_divisor,omitempty" yaml:"strafe_divisor,omitempty"`
	MinStrafe        *float64       `json:"min_strafe,omitempty" yaml:"min_strafe,omitempty"`
	Pipelines        map[string]int `json:"pipelines,omitempty" yaml:"pipelines,omitempty"`
	DefaultTarget    string         `json:"default_target,omitempty" yaml:"default_target,omitempty"`
	DefaultPipeline  int            `json:"default_pipeline,omitempty" yaml:"default_pipeline,omitempty"`
	TimeoutSeconds   float64        `json:"timeout_seconds,omitempty" yaml:"timeout_seconds,omitempty"`
}

// CameraConfig is one pose-estimating camera and the fusion mode its samples are read with.
type CameraConfig struct {
	Name string `json:"name" yaml:"name"`
	Mode string `json:"mode,omitempty" yaml:"mode,omitempty"`
}

// Validate ensures all parts of the config are valid and returns the movement sensor as a dependency.
func (cfg *Config) Validate(path string) ([]string, error) {
	if cfg.WheelOffsetsMm == nil {
		if cfg.WheelbaseMm == 0 {
			return nil, goutils.NewConfigValidationFieldRequiredError(path, "wheelbase_mm")
		}
		if cfg.TrackwidthMm == 0 {
			return nil, goutils.NewConfigValidationFieldRequiredError(path, "trackwidth_mm")
		}
	}
	if cfg.CANChannel == "" {
		return nil, goutils.NewConfigValidationFieldRequiredError(path, "can_channel")
	}
	var deps []string
	if !cfg.simulated() {
		if cfg.MovementSensor == "" {
			return nil, goutils.NewConfigValidationFieldRequiredError(path, "movement_sensor")
		}
		deps = append(deps, cfg.MovementSensor)
	}

	if _, err := kinematics.NewMecanum(cfg.geometry()); err != nil {
		return nil, goutils.NewConfigValidationError(path, err)
	}
	if _, err := cfg.components(); err != nil {
		return nil, goutils.NewConfigValidationError(path, err)
	}
	return deps, nil
}

func (cfg *Config) simulated() bool {
	return cfg.CANChannel == SimulatedChannel
}

func (cfg *Config) geometry() kinematics.Geometry {
	if cfg.WheelOffsetsMm != nil {
		return wheels.Map(*cfg.WheelOffsetsMm, func(_ wheels.Wheel, o kinematics.Offset) kinematics.Offset {
			return kinematics.Offset{X: o.X / 1000, Y: o.Y / 1000}
		})
	}
	return kinematics.RectangularGeometry(cfg.WheelbaseMm/1000, cfg.TrackwidthMm/1000)
}

func (cfg *Config) tickPeriod() time.Duration {
	if cfg.TickPeriodMs <= 0 {
		return 20 * time.Millisecond
	}
	return time.Duration(cfg.TickPeriodMs) * time.Millisecond
}

func (cfg *Config) visionOffsetMaxAge() time.Duration {
	if cfg.VisionOffsetMaxAge <= 0 {
		return 500 * time.Millisecond
	}
	return time.Duration(cfg.VisionOffsetMaxAge) * time.Millisecond
}

// componentConfigs is every sub-component configuration resolved against its defaults.
type componentConfigs struct {
	sensors   sensors.Config
	wheel     control.Config
	drive     drive.Config
	estimator estimator.Config
	align     align.Config
	bus       canmotor.Config
	cameras   []camera
}

type camera struct {
	name string
	mode vision.FusionMode
}

func override(dst *float64, v float64) {
	if v != 0 {
		*dst = v
	}
}

func seconds(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}

// components resolves and validates every sub-component configuration.
func (cfg *Config) components() (componentConfigs, error) {
	var c componentConfigs

	c.sensors = sensors.DefaultConfig()
	override(&c.sensors.WheelRadiusMeters, cfg.WheelRadiusMm/1000)
	override(&c.sensors.GearRatio, cfg.GearRatio)

	c.wheel = control.DefaultConfig()
	if cfg.ControlMode != "" {
		c.wheel.Mode = control.Mode(cfg.ControlMode)
	}
	if cfg.Feedforward != nil {
		c.wheel.Feedforward = *cfg.Feedforward
	}
	if cfg.PID != nil {
		c.wheel.PID = *cfg.PID
	}
	override(&c.wheel.MaxVoltage, cfg.MaxVoltage)

	c.drive = drive.DefaultConfig()
	override(&c.drive.MaxSpeed, cfg.MaxSpeedMps)
	override(&c.drive.MaxAngularSpeed, cfg.MaxAngularDegsPerSec*math.Pi/180)
	override(&c.drive.MaxWheelSpeed, cfg.MaxWheelSpeedMps)
	if cfg.Stick.Deadzone != nil {
		c.drive.Stick.Deadzone = *cfg.Stick.Deadzone
	}
	if cfg.Stick.RotationDeadzone != nil {
		c.drive.Stick.RotationDeadzone = *cfg.Stick.RotationDeadzone
	}
	if cfg.Stick.Shaping != "" {
		c.drive.Stick.Shaping = drive.Shaping(cfg.Stick.Shaping)
	}
	c.drive.Stick.SlewRate = cfg.Stick.SlewRate
	if c.sensors.MaxWheelSpeed < c.drive.MaxWheelSpeed {
		c.sensors.MaxWheelSpeed = 2 * c.drive.MaxWheelSpeed
	}

	c.estimator = estimator.DefaultConfig()
	e := cfg.Estimator
	override(&c.estimator.OdometryStdDev, e.OdometryStdDev)
	override(&c.estimator.SingleTargetStdDev, e.SingleTargetStdDev)
	override(&c.estimator.MultiTargetStdDev, e.MultiTargetStdDev)
	override(&c.estimator.MaxAmbiguity, e.MaxAmbiguity)
	override(&c.estimator.MaxSingleTagDistance, e.MaxSingleTagDistance)
	override(&c.estimator.MaxAngularRate, e.MaxAngularRate)
	if e.HistorySeconds != 0 {
		c.estimator.HistoryWindow = seconds(e.HistorySeconds)
	}

	c.align = align.DefaultConfig()
	a := cfg.Align
	if a.Camera != "" {
		c.align.Camera = a.Camera
	}
	override(&c.align.ToleranceDegrees, a.ToleranceDegrees)
	if a.SettleSeconds != 0 {
		c.align.Settle = seconds(a.SettleSeconds)
	}
	override(&c.align.StrafeDivisor, a.StrafeDivisor)
	if a.MinStrafe != nil {
		c.align.MinStrafe = *a.MinStrafe
	}
	if a.Pipelines != nil {
		c.align.Pipelines = a.Pipelines
	}
	if a.DefaultTarget != "" {
		c.align.DefaultTarget = a.DefaultTarget
	}
	c.align.DefaultPipeline = a.DefaultPipeline
	c.align.Timeout = seconds(a.TimeoutSeconds)

	c.bus = canmotor.DefaultConfig()
	if !cfg.simulated() {
		c.bus.Channel = cfg.CANChannel
	}
	override(&c.bus.TicksPerRotation, cfg.TicksPerRotation)
	override(&c.bus.MaxRPM, cfg.MaxRPM)
	override(&c.bus.NominalVoltage, cfg.MaxVoltage)

	seen := map[string]bool{}
	for i, cam := range cfg.Cameras {
		if cam.Name == "" {
			return c, errors.Errorf("cameras[%d] needs a name", i)
		}
		if seen[cam.Name] {
			return c, errors.Errorf("camera %q listed twice", cam.Name)
		}
		seen[cam.Name] = true
		mode := vision.MultiTarget
		if cam.Mode != "" {
			parsed, err := vision.ParseFusionMode(cam.Mode)
			if err != nil {
				return c, errors.Wrapf(err, "camera %q", cam.Name)
			}
			mode = parsed
		}
		c.cameras = append(c.cameras, camera{name: cam.Name, mode: mode})
	}

	for _, err := range []error{
		c.sensors.Validate(),
		c.wheel.Validate(),
		c.drive.Validate(),
		c.estimator.Validate(),
		c.align.Validate(),
	} {
		if err != nil {
			return c, err
		}
	}
	if !cfg.simulated() {
		if err := c.bus.Validate(); err != nil {
			return c, err
		}
	}
	return c, nil
}
