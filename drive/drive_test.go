package drive

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"go.viam.com/rdk/logging"
	"go.viam.com/test"

	"github.com/Team-5243/Reefscape/control"
	"github.com/Team-5243/Reefscape/kinematics"
	"github.com/Team-5243/Reefscape/telemetry"
	"github.com/Team-5243/Reefscape/wheels"
)

type recordingActuator struct {
	references wheels.Set[float64]
	voltages   wheels.Set[float64]
}

func (a *recordingActuator) SetVelocityReference(ctx context.Context, w wheels.Wheel, mps float64) error {
	a.references.Put(w, mps)
	return nil
}

func (a *recordingActuator) SetVoltage(ctx context.Context, w wheels.Wheel, volts float64) error {
	a.voltages.Put(w, volts)
	return nil
}

type fixedPose struct{ pose kinematics.Pose }

func (p *fixedPose) Pose() kinematics.Pose { return p.pose }

type fixture struct {
	drive *Drive
	act   *recordingActuator
	pose  *fixedPose
	clk   *clock.Mock
	tel   *telemetry.Store
}

func newFixture(t *testing.T, mode control.Mode, mutate func(*Config)) *fixture {
	t.Helper()
	kin, err := kinematics.NewMecanum(kinematics.RectangularGeometry(0.5, 0.5))
	test.That(t, err, test.ShouldBeNil)
	cfg := DefaultConfig()
	cfg.MaxSpeed = 2
	cfg.MaxAngularSpeed = 4
	cfg.MaxWheelSpeed = 3
	cfg.Stick.Shaping = ShapingNone
	if mutate != nil {
		mutate(&cfg)
	}
	wheelCfg := control.DefaultConfig()
	wheelCfg.Mode = mode

	f := &fixture{act: &recordingActuator{}, pose: &fixedPose{}, clk: clock.NewMock(), tel: telemetry.NewStore(nil)}
	f.drive, err = New(cfg, kin, f.act, wheels.Uniform(wheelCfg), f.pose, f.clk, f.tel, logging.NewTestLogger(t))
	test.That(t, err, test.ShouldBeNil)
	return f
}

func shouldAllBe(t *testing.T, s wheels.Set[float64], want float64) {
	t.Helper()
	for _, w := range wheels.All {
		test.That(t, s.Get(w), test.ShouldAlmostEqual, want, 1e-9)
	}
}

func TestShape(t *testing.T) {
	none := StickConfig{Deadzone: 0.1, RotationDeadzone: 0.1, Shaping: ShapingNone}

	t.Run("circular deadzone", func(t *testing.T) {
		x, y, _ := none.Shape(0.05, 0.05, 0)
		test.That(t, x, test.ShouldEqual, 0.0)
		test.That(t, y, test.ShouldEqual, 0.0)

		// each axis is inside 0.1 but the vector is outside the circle
		x, y, _ = none.Shape(0.08, 0.07, 0)
		test.That(t, x, test.ShouldEqual, 0.08)
		test.That(t, y, test.ShouldEqual, 0.07)
	})

	t.Run("rotation deadzone", func(t *testing.T) {
		_, _, z := none.Shape(0, 0, 0.09)
		test.That(t, z, test.ShouldEqual, 0.0)
		_, _, z = none.Shape(0, 0, -0.3)
		test.That(t, z, test.ShouldEqual, -0.3)
	})

	t.Run("magnitude clamp", func(t *testing.T) {
		x, y, _ := none.Shape(1, 1, 0)
		test.That(t, x, test.ShouldAlmostEqual, math.Sqrt2/2, 1e-12)
		test.That(t, y, test.ShouldAlmostEqual, math.Sqrt2/2, 1e-12)
	})

	t.Run("squared", func(t *testing.T) {
		c := none
		c.Shaping = ShapingSquared
		x, y, z := c.Shape(0, -0.5, -0.5)
		test.That(t, x, test.ShouldEqual, 0.0)
		test.That(t, y, test.ShouldAlmostEqual, -0.25, 1e-12)
		test.That(t, z, test.ShouldAlmostEqual, -0.25, 1e-12)
	})

	t.Run("sqrt", func(t *testing.T) {
		c := none
		c.Shaping = ShapingSqrt
		x, _, z := c.Shape(0.25, 0, 0.25)
		test.That(t, x, test.ShouldAlmostEqual, 0.5, 1e-12)
		test.That(t, z, test.ShouldAlmostEqual, 0.5, 1e-12)
	})
}

func TestRobotCentric(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, control.ModeExternal, nil)

	test.That(t, f.drive.DriveRobotCentric(ctx, 0.5, 0, 0), test.ShouldBeNil)
	shouldAllBe(t, f.act.references, 1)
	test.That(t, f.drive.Commanded().Vx, test.ShouldAlmostEqual, 1, 1e-9)

	test.That(t, f.drive.DriveRobotCentric(ctx, 0, 0, 0.25), test.ShouldBeNil)
	test.That(t, f.act.references.FrontLeft, test.ShouldAlmostEqual, -0.5, 1e-9)
	test.That(t, f.act.references.FrontRight, test.ShouldAlmostEqual, 0.5, 1e-9)

	t.Run("intent is clamped", func(t *testing.T) {
		test.That(t, f.drive.DriveRobotCentric(ctx, 7, 0, 0), test.ShouldBeNil)
		shouldAllBe(t, f.act.references, 2)
		test.That(t, f.tel.Count("saturation.intent"), test.ShouldEqual, int64(1))
	})

	t.Run("wheel speeds are desaturated", func(t *testing.T) {
		test.That(t, f.drive.DriveRobotCentric(ctx, 1, 0, 1), test.ShouldBeNil)
		// raw targets are 0 and 4 on alternating sides; scaled to fit the 3 m/s wheel limit
		test.That(t, f.act.references.FrontLeft, test.ShouldAlmostEqual, 0, 1e-9)
		test.That(t, f.act.references.FrontRight, test.ShouldAlmostEqual, 3, 1e-9)
		test.That(t, f.act.references.BackLeft, test.ShouldAlmostEqual, 0, 1e-9)
		test.That(t, f.act.references.BackRight, test.ShouldAlmostEqual, 3, 1e-9)
		test.That(t, f.tel.Count("saturation.wheel_speed"), test.ShouldEqual, int64(1))
		test.That(t, f.drive.Commanded().Vx, test.ShouldAlmostEqual, 1.5, 1e-9)
	})
}

func TestFieldCentric(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, control.ModeExternal, nil)
	f.pose.pose.Theta = math.Pi / 2

	// the robot faces field +Y, so field +Y is straight ahead
	test.That(t, f.drive.DriveFieldCentric(ctx, 0, 0.5, 0), test.ShouldBeNil)
	shouldAllBe(t, f.act.references, 1)

	f.pose.pose.Theta = 0
	test.That(t, f.drive.DriveFieldCentric(ctx, 0, 0.5, 0), test.ShouldBeNil)
	test.That(t, f.act.references.FrontLeft, test.ShouldAlmostEqual, -1, 1e-9)
	test.That(t, f.act.references.FrontRight, test.ShouldAlmostEqual, 1, 1e-9)
}

func TestStick(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, control.ModeExternal, nil)

	test.That(t, f.drive.DriveStick(ctx, 0.05, 0.05, 0.05, false), test.ShouldBeNil)
	shouldAllBe(t, f.act.references, 0)

	test.That(t, f.drive.SetShaping(ShapingSquared), test.ShouldBeNil)
	test.That(t, f.drive.DriveStick(ctx, 0.5, 0, 0, false), test.ShouldBeNil)
	shouldAllBe(t, f.act.references, 0.5)

	test.That(t, f.drive.SetShaping(ShapingNone), test.ShouldBeNil)
	test.That(t, f.drive.DriveStick(ctx, 0.5, 0, 0, false), test.ShouldBeNil)
	shouldAllBe(t, f.act.references, 1)

	test.That(t, f.drive.SetShaping("cubic"), test.ShouldNotBeNil)
	test.That(t, f.drive.Shaping(), test.ShouldEqual, ShapingNone)

	f.pose.pose.Theta = math.Pi
	test.That(t, f.drive.DriveStick(ctx, 0.5, 0, 0, true), test.ShouldBeNil)
	shouldAllBe(t, f.act.references, -1)
}

func TestStickSlewRate(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, control.ModeExternal, func(c *Config) { c.Stick.SlewRate = 1 })

	test.That(t, f.drive.DriveStick(ctx, 1, 0, 0, false), test.ShouldBeNil)
	shouldAllBe(t, f.act.references, 0)

	f.clk.Add(500 * time.Millisecond)
	test.That(t, f.drive.DriveStick(ctx, 1, 0, 0, false), test.ShouldBeNil)
	shouldAllBe(t, f.act.references, 1)

	test.That(t, f.drive.Stop(ctx), test.ShouldBeNil)
	shouldAllBe(t, f.act.references, 0)
	test.That(t, f.drive.DriveStick(ctx, 1, 0, 0, false), test.ShouldBeNil)
	shouldAllBe(t, f.act.references, 0)
}

func TestNonFiniteVelocity(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, control.ModeExternal, nil)
	test.That(t, f.drive.DriveRobotCentric(ctx, 0.5, 0, 0), test.ShouldBeNil)

	err := f.drive.DriveChassisVelocity(ctx, kinematics.ChassisVelocity{Vx: math.NaN()})
	test.That(t, errors.Is(err, control.ErrNonFiniteTarget), test.ShouldBeTrue)
	shouldAllBe(t, f.act.references, 0)

	err = f.drive.DriveRobotCentric(ctx, 0, math.NaN(), 0)
	test.That(t, errors.Is(err, control.ErrNonFiniteTarget), test.ShouldBeTrue)
}

func TestOnboardUpdateAndVoltage(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, control.ModeOnboard, nil)

	test.That(t, f.drive.DriveRobotCentric(ctx, 0.5, 0, 0), test.ShouldBeNil)
	test.That(t, f.drive.Update(ctx, wheels.Uniform(0.5), 0.02), test.ShouldBeNil)
	test.That(t, f.act.voltages.FrontLeft, test.ShouldBeGreaterThan, 0)
	test.That(t, f.drive.ChassisVelocity().Vx, test.ShouldAlmostEqual, 0.5, 1e-9)
	shouldAllBe(t, f.drive.WheelTargets(), 1)
	test.That(t, f.drive.AtTarget(), test.ShouldBeFalse)

	test.That(t, f.drive.SetVoltage(ctx, 3), test.ShouldBeNil)
	shouldAllBe(t, f.act.voltages, 3)
	test.That(t, f.drive.Update(ctx, wheels.Uniform(0.2), 0.02), test.ShouldBeNil)
	shouldAllBe(t, f.act.voltages, 3)
	shouldAllBe(t, f.drive.WheelTargets(), 0)

	test.That(t, f.drive.SetVoltage(ctx, math.Inf(1)), test.ShouldNotBeNil)

	test.That(t, f.drive.Stop(ctx), test.ShouldBeNil)
	test.That(t, f.drive.Update(ctx, wheels.Uniform(0.0), 0.02), test.ShouldBeNil)
	shouldAllBe(t, f.act.voltages, 0)
}

func TestHalt(t *testing.T) {
	ctx := context.Background()

	t.Run("onboard", func(t *testing.T) {
		f := newFixture(t, control.ModeOnboard, nil)
		test.That(t, f.drive.DriveRobotCentric(ctx, 1, 0, 0), test.ShouldBeNil)
		test.That(t, f.drive.Update(ctx, wheels.Uniform(2.0), 0.02), test.ShouldBeNil)
		test.That(t, f.act.voltages.FrontLeft, test.ShouldBeGreaterThan, 0)

		// a stopped drive still servoing against a stale 2 m/s would push backwards
		test.That(t, f.drive.Stop(ctx), test.ShouldBeNil)
		test.That(t, f.drive.Update(ctx, wheels.Uniform(2.0), 0.02), test.ShouldBeNil)
		test.That(t, f.act.voltages.FrontLeft, test.ShouldBeLessThan, 0)

		test.That(t, f.drive.Halt(ctx), test.ShouldBeNil)
		shouldAllBe(t, f.act.voltages, 0)
		shouldAllBe(t, f.drive.WheelTargets(), 0)
		test.That(t, f.drive.Commanded(), test.ShouldResemble, kinematics.ChassisVelocity{})
	})

	t.Run("external", func(t *testing.T) {
		f := newFixture(t, control.ModeExternal, nil)
		test.That(t, f.drive.DriveRobotCentric(ctx, 1, 0, 0), test.ShouldBeNil)
		shouldAllBe(t, f.act.references, 2)
		test.That(t, f.drive.Halt(ctx), test.ShouldBeNil)
		shouldAllBe(t, f.act.references, 0)
		shouldAllBe(t, f.act.voltages, 0)
	})
}

func TestConfigValidation(t *testing.T) {
	test.That(t, DefaultConfig().Validate(), test.ShouldBeNil)
	cfg := DefaultConfig()
	cfg.MaxWheelSpeed = 0
	var cfgErr *kinematics.ConfigurationError
	test.That(t, errors.As(cfg.Validate(), &cfgErr), test.ShouldBeTrue)

	cfg = DefaultConfig()
	cfg.Stick.Shaping = "cubic"
	test.That(t, cfg.Validate(), test.ShouldNotBeNil)
}
