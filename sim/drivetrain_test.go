package sim

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"go.viam.com/rdk/logging"
	"go.viam.com/test"

	"github.com/Team-5243/Reefscape/estimator"
	"github.com/Team-5243/Reefscape/kinematics"
	"github.com/Team-5243/Reefscape/sensors"
	"github.com/Team-5243/Reefscape/wheels"
)

const tick = 20 * time.Millisecond

func newDrivetrain(t *testing.T) *Drivetrain {
	t.Helper()
	kin, err := kinematics.NewMecanum(kinematics.RectangularGeometry(0.5, 0.5))
	test.That(t, err, test.ShouldBeNil)
	d, err := New(DefaultConfig(), kin, kinematics.Pose{})
	test.That(t, err, test.ShouldBeNil)
	return d
}

func setAll(t *testing.T, d *Drivetrain, speeds wheels.Set[float64]) {
	t.Helper()
	for _, w := range wheels.All {
		test.That(t, d.SetVelocityReference(context.Background(), w, speeds.Get(w)), test.ShouldBeNil)
	}
}

func run(d *Drivetrain, duration time.Duration) {
	for elapsed := time.Duration(0); elapsed < duration; elapsed += tick {
		d.Step(tick)
	}
}

func TestVelocityReference(t *testing.T) {
	ctx := context.Background()
	d := newDrivetrain(t)
	setAll(t, d, wheels.Uniform(1.0))
	run(d, 2*time.Second)

	for _, v := range d.WheelVelocities().Slice() {
		test.That(t, v, test.ShouldAlmostEqual, 1, 1e-6)
	}
	pose := d.Pose()
	test.That(t, pose.X, test.ShouldBeBetween, 1.9, 2.0)
	test.That(t, pose.Y, test.ShouldAlmostEqual, 0, 1e-9)
	test.That(t, pose.Theta, test.ShouldAlmostEqual, 0, 1e-9)

	rot, err := d.CumulativeRotations(ctx, wheels.FrontRight)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, DefaultConfig().Wheel.RotationsToMeters(rot), test.ShouldAlmostEqual, pose.X, 1e-9)
	rpm, err := d.VelocityRPM(ctx, wheels.FrontRight)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, rpm, test.ShouldAlmostEqual, DefaultConfig().Wheel.MetersPerSecondToRPM(1), 1e-3)
}

func TestSpinAndGyro(t *testing.T) {
	ctx := context.Background()
	d := newDrivetrain(t)
	// half wheelbase plus half trackwidth is 0.5 m, so 0.5 m/s at the wheels is 1 rad/s
	setAll(t, d, wheels.Of(-0.5, 0.5, -0.5, 0.5))
	run(d, 2*time.Second)

	rate, err := d.AngularRate(ctx)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, rate, test.ShouldAlmostEqual, 180/math.Pi, 1e-6)
	heading, err := d.Heading(ctx)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, heading, test.ShouldBeGreaterThan, 100)

	test.That(t, d.Reset(ctx), test.ShouldBeNil)
	heading, err = d.Heading(ctx)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, heading, test.ShouldAlmostEqual, 0, 1e-9)

	test.That(t, d.SetHeadingOffset(ctx, 90), test.ShouldBeNil)
	heading, err = d.Heading(ctx)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, heading, test.ShouldAlmostEqual, 90, 1e-9)
}

func TestVoltage(t *testing.T) {
	ctx := context.Background()
	d := newDrivetrain(t)
	for _, w := range wheels.All {
		test.That(t, d.SetVoltage(ctx, w, 0.1), test.ShouldBeNil)
	}
	run(d, time.Second)
	test.That(t, d.WheelVelocities(), test.ShouldResemble, wheels.Uniform(0.0))

	ff := DefaultConfig().Motor
	for _, w := range wheels.All {
		test.That(t, d.SetVoltage(ctx, w, ff.KS+ff.KV), test.ShouldBeNil)
	}
	run(d, time.Second)
	for _, v := range d.WheelVelocities().Slice() {
		test.That(t, v, test.ShouldAlmostEqual, 1, 1e-6)
	}
}

func TestFaults(t *testing.T) {
	ctx := context.Background()
	d := newDrivetrain(t)
	boom := errors.New("boom")

	d.FailGyro(boom)
	_, err := d.Heading(ctx)
	test.That(t, err, test.ShouldEqual, boom)
	_, err = d.AngularRate(ctx)
	test.That(t, err, test.ShouldEqual, boom)
	test.That(t, d.Reset(ctx), test.ShouldEqual, boom)
	d.FailGyro(nil)
	_, err = d.Heading(ctx)
	test.That(t, err, test.ShouldBeNil)

	d.FailEncoder(wheels.BackLeft, boom)
	_, err = d.CumulativeRotations(ctx, wheels.BackLeft)
	test.That(t, err, test.ShouldEqual, boom)
	_, err = d.VelocityRPM(ctx, wheels.BackRight)
	test.That(t, err, test.ShouldBeNil)
}

func TestEstimatorTracksSimulation(t *testing.T) {
	ctx := context.Background()
	logger := logging.NewTestLogger(t)
	mock := clock.NewMock()
	d := newDrivetrain(t)

	sampler, err := sensors.NewSampler(DefaultConfig().Wheel, d, d, mock, nil, logger)
	test.That(t, err, test.ShouldBeNil)
	est, err := estimator.New(estimator.DefaultConfig(), d.kin, sampler.Sample(ctx), kinematics.Pose{}, mock, nil, logger)
	test.That(t, err, test.ShouldBeNil)

	// forward and left together, no rotation
	setAll(t, d, d.kin.ToWheelSpeeds(kinematics.ChassisVelocity{Vx: 1, Vy: 0.5}))
	for i := 0; i < 50; i++ {
		d.Step(tick)
		mock.Add(tick)
		est.Update(sampler.Sample(ctx))
	}

	truth, estimate := d.Pose(), est.Pose()
	test.That(t, truth.X, test.ShouldBeGreaterThan, 0.5)
	test.That(t, estimate.X, test.ShouldAlmostEqual, truth.X, 1e-9)
	test.That(t, estimate.Y, test.ShouldAlmostEqual, truth.Y, 1e-9)
	test.That(t, estimate.Theta, test.ShouldAlmostEqual, 0, 1e-9)
}

func TestConfigErrors(t *testing.T) {
	kin, err := kinematics.NewMecanum(kinematics.RectangularGeometry(0.5, 0.5))
	test.That(t, err, test.ShouldBeNil)

	cfg := DefaultConfig()
	cfg.ResponseTime = 0
	_, err = New(cfg, kin, kinematics.Pose{})
	test.That(t, err, test.ShouldNotBeNil)

	_, err = New(DefaultConfig(), nil, kinematics.Pose{})
	test.That(t, err, test.ShouldNotBeNil)
}
