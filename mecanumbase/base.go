// Package mecanumbase is the composition root: a viam base that owns the sensors, the pose estimator, the
// drive and the alignment controller, and runs them on one fixed-period control loop.
package mecanumbase

import (
	"context"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"go.viam.com/rdk/components/base"
	"go.viam.com/rdk/logging"
	"go.viam.com/rdk/resource"
	"go.viam.com/rdk/spatialmath"
	rdkutils "go.viam.com/rdk/utils"
	viamutils "go.viam.com/utils"

	"github.com/Team-5243/Reefscape/align"
	"github.com/Team-5243/Reefscape/canmotor"
	"github.com/Team-5243/Reefscape/control"
	"github.com/Team-5243/Reefscape/drive"
	"github.com/Team-5243/Reefscape/estimator"
	"github.com/Team-5243/Reefscape/kinematics"
	"github.com/Team-5243/Reefscape/sensors"
	"github.com/Team-5243/Reefscape/sim"
	"github.com/Team-5243/Reefscape/telemetry"
	"github.com/Team-5243/Reefscape/vision"
	"github.com/Team-5243/Reefscape/wheels"
)

// Model is the registered base model.
var Model = resource.NewModel("team5243", "reefscape", "mecanum")

func init() {
	resource.RegisterComponent(
		base.API,
		Model,
		resource.Registration[base.Base, *Config]{Constructor: newBase})
}

// hardware is what the base drives and reads: the CAN motor controllers and an IMU, or the simulator.
type hardware struct {
	actuator control.Actuator
	encoder  sensors.Encoder
	gyro     sensors.Gyro
	sim      *sim.Drivetrain
	close    func(ctx context.Context) error
}

// simulated wraps a simulated drivetrain as base hardware.
func simulated(d *sim.Drivetrain) hardware {
	return hardware{
		actuator: d,
		encoder:  d,
		gyro:     d,
		sim:      d,
		close:    func(context.Context) error { return nil },
	}
}

func newHardware(
	cfg *Config,
	c componentConfigs,
	kin *kinematics.Mecanum,
	deps resource.Dependencies,
	clk clock.Clock,
	tel *telemetry.Store,
	logger logging.Logger,
) (hardware, error) {
	if cfg.simulated() {
		simCfg := sim.DefaultConfig()
		simCfg.Wheel = c.sensors
		if ff := c.wheel.Feedforward; ff.KV > 0 && ff.KA > 0 {
			simCfg.Motor = ff
		}
		d, err := sim.New(simCfg, kin, kinematics.Pose{})
		if err != nil {
			return hardware{}, err
		}
		return simulated(d), nil
	}

	gyro, err := sensors.NewMovementSensorGyro(deps, cfg.MovementSensor)
	if err != nil {
		return hardware{}, err
	}
	bus, err := canmotor.Open(c.bus, c.sensors, clk, tel, logger)
	if err != nil {
		return hardware{}, errors.Wrap(err, "opening motor bus")
	}
	return hardware{actuator: bus, encoder: bus, gyro: gyro, close: bus.Close}, nil
}

type mecanumBase struct {
	resource.Named
	logger     logging.Logger
	clock      clock.Clock
	tel        *telemetry.Store
	period     time.Duration
	properties base.Properties
	geometries []spatialmath.Geometry
	hw         hardware

	// mu serializes the control tick with every API call into the components below.
	mu          sync.Mutex
	cameras     []camera
	sampler     *sensors.Sampler
	estimator   *estimator.PoseEstimator
	vision      *vision.Store
	drive       *drive.Drive
	aligner     *align.Controller
	lastTick    time.Time
	sensorsLost bool

	isMoving                atomic.Bool
	cancel                  func()
	activeBackgroundWorkers sync.WaitGroup
	closeOnce               sync.Once
}

// newBase builds the base from its resource config and starts the control loop.
func newBase(ctx context.Context, deps resource.Dependencies, conf resource.Config, logger logging.Logger) (base.Base, error) {
	cfg, err := resource.NativeConfig[*Config](conf)
	if err != nil {
		return nil, err
	}

	var geometries []spatialmath.Geometry
	if conf.Frame != nil {
		frame, err := conf.Frame.ParseConfig()
		if err != nil {
			return nil, err
		}
		if g := frame.Geometry(); g != nil {
			geometries = append(geometries, g)
		}
	}

	c, err := cfg.components()
	if err != nil {
		return nil, err
	}
	kin, err := kinematics.NewMecanum(cfg.geometry())
	if err != nil {
		return nil, err
	}
	clk := clock.New()
	tel := newTelemetry()
	hw, err := newHardware(cfg, c, kin, deps, clk, tel, logger)
	if err != nil {
		return nil, err
	}

	b, err := newMecanumBase(ctx, conf.ResourceName(), cfg, c, kin, hw, clk, tel, logger)
	if err != nil {
		return nil, multierr.Combine(err, hw.close(ctx))
	}
	b.geometries = geometries
	b.start()
	return b, nil
}

func newTelemetry() *telemetry.Store {
	return telemetry.NewStore(map[string]interface{}{
		"pose.x":             0.0,
		"pose.y":             0.0,
		"pose.theta_deg":     0.0,
		"pose.stale":         false,
		"align.state":        align.Idle.String(),
		"sensors.total_loss": false,
	})
}

// newMecanumBase wires the components resolved from cfg. The control loop is not started.
func newMecanumBase(
	ctx context.Context,
	name resource.Name,
	cfg *Config,
	c componentConfigs,
	kin *kinematics.Mecanum,
	hw hardware,
	clk clock.Clock,
	tel *telemetry.Store,
	logger logging.Logger,
) (*mecanumBase, error) {
	sampler, err := sensors.NewSampler(c.sensors, hw.gyro, hw.encoder, clk, tel, logger)
	if err != nil {
		return nil, err
	}
	initial := sampler.Sample(ctx)
	est, err := estimator.New(c.estimator, kin, initial, kinematics.Pose{}, clk, tel, logger)
	if err != nil {
		return nil, err
	}
	store := vision.NewStore(clk, cfg.visionOffsetMaxAge())
	drv, err := drive.New(c.drive, kin, hw.actuator, wheels.Uniform(c.wheel), est, clk, tel, logger)
	if err != nil {
		return nil, err
	}
	aligner, err := align.New(c.align, store, drv, clk, tel, logger)
	if err != nil {
		return nil, err
	}

	trackwidth := math.Abs(kin.Geometry().FrontLeft.Y - kin.Geometry().FrontRight.Y)
	return &mecanumBase{
		Named:  name.AsNamed(),
		logger: logger,
		clock:  clk,
		tel:    tel,
		period: cfg.tickPeriod(),
		properties: base.Properties{
			WidthMeters:              trackwidth,
			WheelCircumferenceMeters: 2 * math.Pi * c.sensors.WheelRadiusMeters,
		},
		hw:        hw,
		cameras:   c.cameras,
		sampler:   sampler,
		estimator: est,
		vision:    store,
		drive:     drv,
		aligner:   aligner,
		lastTick:  initial.Time,
	}, nil
}

func (b *mecanumBase) start() {
	cancelCtx, cancel := context.WithCancel(context.Background())
	b.cancel = cancel
	b.activeBackgroundWorkers.Add(1)
	viamutils.ManagedGo(func() {
		b.controlLoop(cancelCtx)
	}, b.activeBackgroundWorkers.Done)
}

// controlLoop runs tick every period until ctx is cancelled.
func (b *mecanumBase) controlLoop(ctx context.Context) {
	ticker := b.clock.Ticker(b.period)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		b.tick(ctx)
	}
}

// tick is one control period: sense, estimate, fuse vision, align, then drive the wheels.
func (b *mecanumBase) tick(ctx context.Context) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.clock.Now()
	elapsed := now.Sub(b.lastTick)
	b.lastTick = now
	if b.hw.sim != nil {
		b.hw.sim.Step(elapsed)
	}

	sample := b.sampler.Sample(ctx)
	pose := b.estimator.Update(sample)

	for _, cam := range b.cameras {
		if err := b.vision.SetRobotOrientation(ctx, cam.name, rdkutils.RadToDeg(pose.Theta), sample.RateDegPerSec); err != nil {
			b.logger.Debugw("orientation hint failed", "camera", cam.name, "error", err)
		}
	}
	for _, cam := range b.cameras {
		s, ok, err := b.vision.PoseEstimate(ctx, cam.name, cam.mode)
		if err != nil {
			b.logger.Debugw("pose estimate read failed", "camera", cam.name, "error", err)
			continue
		}
		if ok {
			b.estimator.AddVisionSample(s, cam.mode)
		}
	}

	if b.aligner.State() == align.Active {
		state, err := b.aligner.Execute(ctx)
		if err != nil {
			b.logger.Warnw("alignment tick failed", "error", err)
		}
		if state != align.Active {
			b.isMoving.Store(false)
		}
	}

	if b.sampler.TotalLoss() {
		if !b.sensorsLost {
			b.logger.Errorw("all sensors lost, stopping and holding pose", "pose", b.estimator.Pose().String())
			if b.aligner.State() == align.Active {
				if err := b.aligner.End(ctx, true); err != nil {
					b.logger.Warnw("ending alignment", "error", err)
				}
			}
		}
		b.sensorsLost = true
		b.isMoving.Store(false)
		// held velocities are not measurements; closing the loop on them would drive the wheels
		if err := b.drive.Halt(ctx); err != nil {
			b.logger.Warnw("halting after sensor loss", "error", err)
		}
	} else {
		if b.sensorsLost {
			b.logger.Info("sensors recovered")
			b.sensorsLost = false
		}
		if err := b.drive.Update(ctx, sample.Velocities, elapsed.Seconds()); err != nil {
			b.logger.Debugw("wheel update failed", "error", err)
		}
	}

	pose = b.estimator.Pose()
	b.tel.Set("pose.x", pose.X)
	b.tel.Set("pose.y", pose.Y)
	b.tel.Set("pose.theta_deg", rdkutils.RadToDeg(pose.Theta))
	b.tel.Set("pose.stale", b.estimator.Stale(3*b.period))
	b.tel.Set("align.state", b.aligner.State().String())
}

// interruptAlignment ends an active alignment because something else now owns the drive. Callers hold mu.
func (b *mecanumBase) interruptAlignment(ctx context.Context) error {
	if b.aligner.State() != align.Active {
		return nil
	}
	return b.aligner.End(ctx, true)
}

// SetPower drives with normalized [-1, 1] intent: linear.Y forward, linear.X right, angular.Z counter-clockwise.
func (b *mecanumBase) SetPower(ctx context.Context, linear, angular r3.Vector, extra map[string]interface{}) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	err := b.interruptAlignment(ctx)
	b.isMoving.Store(linear.Norm() > 0 || angular.Z != 0)
	return multierr.Combine(err, b.drive.DriveRobotCentric(ctx, linear.Y, -linear.X, angular.Z))
}

// SetVelocity drives at linear mm/s and angular degrees/s, in the same axes as SetPower.
func (b *mecanumBase) SetVelocity(ctx context.Context, linear, angular r3.Vector, extra map[string]interface{}) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.setVelocity(ctx, linear, angular)
}

func (b *mecanumBase) setVelocity(ctx context.Context, linear, angular r3.Vector) error {
	err := b.interruptAlignment(ctx)
	b.isMoving.Store(linear.Norm() > 0 || angular.Z != 0)
	return multierr.Combine(err, b.drive.DriveChassisVelocity(ctx, kinematics.ChassisVelocity{
		Vx:    linear.Y / 1000,
		Vy:    -linear.X / 1000,
		Omega: rdkutils.DegToRad(angular.Z),
	}))
}

// MoveStraight drives forward (or backward for a negative distance or speed) for as long as the distance
// takes at the given speed, then stops.
func (b *mecanumBase) MoveStraight(ctx context.Context, distanceMm int, mmPerSec float64, extra map[string]interface{}) error {
	if distanceMm == 0 || mmPerSec == 0 {
		return b.Stop(ctx, extra)
	}
	speed := math.Abs(mmPerSec)
	if (distanceMm < 0) != (mmPerSec < 0) {
		speed = -speed
	}
	duration := time.Duration(math.Abs(float64(distanceMm)) / math.Abs(mmPerSec) * float64(time.Second))
	return b.timedMove(ctx, r3.Vector{Y: speed}, r3.Vector{}, duration)
}

// Spin turns by angleDeg (counter-clockwise positive) at degsPerSec.
func (b *mecanumBase) Spin(ctx context.Context, angleDeg, degsPerSec float64, extra map[string]interface{}) error {
	if angleDeg == 0 || degsPerSec == 0 {
		return b.Stop(ctx, extra)
	}
	rate := math.Copysign(math.Abs(degsPerSec), angleDeg)
	duration := time.Duration(math.Abs(angleDeg/degsPerSec) * float64(time.Second))
	return b.timedMove(ctx, r3.Vector{}, r3.Vector{Z: rate}, duration)
}

func (b *mecanumBase) timedMove(ctx context.Context, linear, angular r3.Vector, duration time.Duration) error {
	b.mu.Lock()
	err := b.setVelocity(ctx, linear, angular)
	b.mu.Unlock()
	if err != nil {
		return multierr.Combine(err, b.Stop(ctx, nil))
	}

	if !viamutils.SelectContextOrWait(ctx, duration) {
		return multierr.Combine(ctx.Err(), b.Stop(context.Background(), nil))
	}
	return b.Stop(ctx, nil)
}

// Stop zeroes every wheel and ends any alignment in progress.
func (b *mecanumBase) Stop(ctx context.Context, extra map[string]interface{}) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.isMoving.Store(false)
	return multierr.Combine(b.interruptAlignment(ctx), b.drive.Stop(ctx))
}

func (b *mecanumBase) IsMoving(ctx context.Context) (bool, error) {
	return b.isMoving.Load(), nil
}

func (b *mecanumBase) Properties(ctx context.Context, extra map[string]interface{}) (base.Properties, error) {
	return b.properties, nil
}

func (b *mecanumBase) Geometries(ctx context.Context, extra map[string]interface{}) ([]spatialmath.Geometry, error) {
	return b.geometries, nil
}

// Reconfigure always rebuilds.
func (b *mecanumBase) Reconfigure(ctx context.Context, deps resource.Dependencies, conf resource.Config) error {
	return resource.NewMustRebuildError(conf.ResourceName())
}

// Close stops the control loop, zeroes the wheels and releases the hardware.
func (b *mecanumBase) Close(ctx context.Context) error {
	var err error
	b.closeOnce.Do(func() {
		if b.cancel != nil {
			b.cancel()
		}
		b.activeBackgroundWorkers.Wait()
		err = multierr.Combine(b.Stop(ctx, nil), b.hw.close(ctx))
	})
	return err
}
