// Package align strafes the robot until a vision target is centred horizontally and stays centred.
package align

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"go.viam.com/rdk/logging"

	"github.com/Team-5243/Reefscape/kinematics"
	"github.com/Team-5243/Reefscape/telemetry"
	"github.com/Team-5243/Reefscape/vision"
)

// State is where a Controller is in its run.
type State int

const (
	// Idle means never initialized.
	Idle State = iota
	Active
	Done
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Active:
		return "active"
	case Done:
		return "done"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Driver is the part of the drive facade the controller commands, in normalized robot-centric intent.
type Driver interface {
	DriveRobotCentric(ctx context.Context, vx, vy, omega float64) error
}

// Config tunes the alignment routine.
type Config struct {
	Camera           string        `json:"camera"`
	ToleranceDegrees float64       `json:"tolerance_degrees"`
	Settle           time.Duration `json:"settle"`
	// StrafeDivisor converts degrees of offset into normalized strafe.
	StrafeDivisor float64 `json:"strafe_divisor"`
	// MinStrafe is the smallest strafe that still moves the robot.
	MinStrafe float64 `json:"min_strafe"`
	// Pipelines maps a target class to the camera pipeline that detects it.
	Pipelines       map[string]int `json:"pipelines"`
	DefaultTarget   string         `json:"default_target"`
	DefaultPipeline int            `json:"default_pipeline"`
	// Timeout ends the routine as interrupted. Zero disables it.
	Timeout time.Duration `json:"timeout,omitempty"`
}

// DefaultConfig aligns the front camera on coral.
func DefaultConfig() Config {
	return Config{
		Camera:           "limelight-front",
		ToleranceDegrees: 2,
		Settle:           3 * time.Second,
		StrafeDivisor:    150,
		MinStrafe:        0.075,
		Pipelines:        map[string]int{"coral": 2},
		DefaultTarget:    "coral",
		DefaultPipeline:  0,
	}
}

// Validate reports a *kinematics.ConfigurationError for settings the routine cannot run with.
func (c Config) Validate() error {
	if c.Camera == "" {
		return kinematics.NewConfigurationError("align", "camera is required")
	}
	if !(c.ToleranceDegrees > 0) || !(c.StrafeDivisor > 0) {
		return kinematics.NewConfigurationError("align", "tolerance and strafe divisor must be positive")
	}
	if c.Settle <= 0 || c.Timeout < 0 {
		return kinematics.NewConfigurationError("align", "settle must be positive and timeout not negative")
	}
	if c.MinStrafe < 0 || c.MinStrafe > 1 {
		return kinematics.NewConfigurationError("align", "min_strafe must be in [0, 1], got %v", c.MinStrafe)
	}
	if _, ok := c.Pipelines[c.DefaultTarget]; !ok {
		return kinematics.NewConfigurationError("align", "no pipeline for default target %q", c.DefaultTarget)
	}
	return nil
}

// Strafe is the proportional command for an offset of x degrees: x/divisor clamped to [-1, 1], raised to at
// least minStrafe in magnitude.
func Strafe(x, divisor, minStrafe float64) float64 {
	strafe := math.Max(-1, math.Min(1, x/divisor))
	if math.Abs(strafe) < minStrafe {
		strafe = math.Copysign(minStrafe, strafe)
	}
	return strafe
}

// Controller runs one alignment at a time. It is not safe for concurrent use.
type Controller struct {
	cfg    Config
	sensor vision.Sensor
	driver Driver
	clock  clock.Clock
	tel    *telemetry.Store
	logger logging.Logger

	state       State
	target      string
	pipeline    int
	started     time.Time
	settling    bool
	settleStart time.Time
	strafe      float64
}

// New validates cfg.
func New(
	cfg Config,
	sensor vision.Sensor,
	driver Driver,
	clk clock.Clock,
	tel *telemetry.Store,
	logger logging.Logger,
) (*Controller, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if sensor == nil || driver == nil {
		return nil, errors.New("alignment needs a vision sensor and a driver")
	}
	return &Controller{
		cfg:      cfg,
		sensor:   sensor,
		driver:   driver,
		clock:    clk,
		tel:      tel,
		logger:   logger,
		pipeline: cfg.DefaultPipeline,
	}, nil
}

// State returns the current state.
func (c *Controller) State() State {
	return c.state
}

// Pipeline returns the pipeline index this controller last selected.
func (c *Controller) Pipeline() int {
	return c.pipeline
}

// LastStrafe returns the most recent strafe command.
func (c *Controller) LastStrafe() float64 {
	return c.strafe
}

// Initialize starts an alignment on the given target class ("" for the default). A run that is still active
// is ended as interrupted first.
func (c *Controller) Initialize(ctx context.Context, target string) error {
	if target == "" {
		target = c.cfg.DefaultTarget
	}
	pipeline, ok := c.cfg.Pipelines[target]
	if !ok {
		return errors.Errorf("no pipeline configured for target %q", target)
	}

	var err error
	if c.state == Active {
		err = c.End(ctx, true)
	}
	if perr := c.sensor.SetPipelineIndex(ctx, c.cfg.Camera, pipeline); perr != nil {
		return multierr.Combine(err, errors.Wrapf(perr, "selecting pipeline %d", pipeline))
	}
	c.pipeline = pipeline
	c.target = target
	c.started = c.clock.Now()
	c.settling = false
	c.strafe = 0
	c.state = Active
	c.logger.Infow("alignment started", "target", target, "pipeline", pipeline, "camera", c.cfg.Camera)
	return err
}

// Execute runs one tick and returns the resulting state. Vision dropouts stop the robot and restart the
// settle timer; they are not errors.
func (c *Controller) Execute(ctx context.Context) (State, error) {
	if c.state != Active {
		return c.state, nil
	}
	now := c.clock.Now()
	if c.cfg.Timeout > 0 && now.Sub(c.started) >= c.cfg.Timeout {
		c.logger.Warnw("alignment timed out", "target", c.target, "timeout", c.cfg.Timeout)
		c.tel.Inc("align.timeout")
		return c.state, c.End(ctx, true)
	}

	x, err := c.sensor.HorizontalOffsetDegrees(ctx, c.cfg.Camera)
	if err != nil {
		if !errors.Is(err, vision.ErrNoTarget) {
			c.logger.Warnw("reading target offset", "camera", c.cfg.Camera, "error", err)
		}
		c.settling = false
		return c.state, c.command(ctx, 0)
	}

	if math.Abs(x) > c.cfg.ToleranceDegrees {
		c.settling = false
		strafe := Strafe(x, c.cfg.StrafeDivisor, c.cfg.MinStrafe)
		if math.Abs(strafe) == 1 {
			c.tel.Inc("saturation.align")
		}
		return c.state, c.command(ctx, strafe)
	}

	if !c.settling {
		c.settling = true
		c.settleStart = now
	}
	if now.Sub(c.settleStart) >= c.cfg.Settle {
		return c.state, c.End(ctx, false)
	}
	return c.state, c.command(ctx, 0)
}

func (c *Controller) command(ctx context.Context, strafe float64) error {
	c.strafe = strafe
	return c.driver.DriveRobotCentric(ctx, 0, strafe, 0)
}

// End restores the default pipeline and stops the robot. It only acts on an active run, so a routine is
// stopped exactly once however many times End is called.
func (c *Controller) End(ctx context.Context, interrupted bool) error {
	if c.state != Active {
		return nil
	}
	c.state = Done
	c.settling = false
	c.pipeline = c.cfg.DefaultPipeline
	c.strafe = 0
	if interrupted {
		c.tel.Inc("align.interrupted")
	} else {
		c.tel.Inc("align.completed")
	}
	c.logger.Infow("alignment ended", "target", c.target, "interrupted", interrupted,
		"elapsed", c.clock.Since(c.started))
	return multierr.Combine(
		c.sensor.SetPipelineIndex(ctx, c.cfg.Camera, c.cfg.DefaultPipeline),
		c.driver.DriveRobotCentric(ctx, 0, 0, 0),
	)
}
