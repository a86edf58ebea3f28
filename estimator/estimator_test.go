package estimator

import (
	"errors"
	"math"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"go.viam.com/rdk/logging"
	"go.viam.com/test"

	"github.com/Team-5243/Reefscape/kinematics"
	"github.com/Team-5243/Reefscape/sensors"
	"github.com/Team-5243/Reefscape/telemetry"
	"github.com/Team-5243/Reefscape/vision"
	"github.com/Team-5243/Reefscape/wheels"
)

const tick = 20 * time.Millisecond

type harness struct {
	est *PoseEstimator
	clk *clock.Mock
	tel *telemetry.Store

	positions wheels.Set[float64]
	heading   float64
	rate      float64
}

func newHarness(t *testing.T, start kinematics.Pose) *harness {
	t.Helper()
	kin, err := kinematics.NewMecanum(kinematics.RectangularGeometry(0.5, 0.5))
	test.That(t, err, test.ShouldBeNil)
	h := &harness{clk: clock.NewMock(), tel: telemetry.NewStore(nil)}
	h.est, err = New(DefaultConfig(), kin, h.sample(), start, h.clk, h.tel, logging.NewTestLogger(t))
	test.That(t, err, test.ShouldBeNil)
	return h
}

func (h *harness) sample() sensors.Sample {
	return sensors.Sample{
		Time:           h.clk.Now(),
		Positions:      h.positions,
		HeadingDegrees: h.heading,
		RateDegPerSec:  h.rate,
	}
}

// step advances one tick with every wheel travelling forward by d meters.
func (h *harness) step(d float64) kinematics.Pose {
	h.clk.Add(tick)
	h.positions = wheels.Map(h.positions, func(_ wheels.Wheel, p float64) float64 { return p + d })
	return h.est.Update(h.sample())
}

func (h *harness) visionAt(x, y float64, age time.Duration, tags int) vision.PoseSample {
	return vision.PoseSample{
		Pose:                  kinematics.Pose{X: x, Y: y},
		Timestamp:             h.clk.Now().Add(-age),
		TagCount:              tags,
		PrimaryAmbiguity:      0.1,
		PrimaryDistanceMeters: 1,
	}
}

func TestZeroMotionIdempotence(t *testing.T) {
	start := kinematics.Pose{X: 1, Y: 2, Theta: 0.3}
	h := newHarness(t, start)
	for i := 0; i < 100; i++ {
		p := h.step(0)
		test.That(t, p.X, test.ShouldEqual, start.X)
		test.That(t, p.Y, test.ShouldEqual, start.Y)
		test.That(t, p.Theta, test.ShouldAlmostEqual, start.Theta, 1e-12)
	}
}

func TestOdometry(t *testing.T) {
	h := newHarness(t, kinematics.Pose{})
	p := h.step(1)
	test.That(t, p.X, test.ShouldAlmostEqual, 1, 1e-9)
	test.That(t, p.Y, test.ShouldAlmostEqual, 0, 1e-9)

	// facing +Y the same wheel travel moves the robot along the field Y axis
	h.heading = 90
	p = h.step(1)
	test.That(t, p.X, test.ShouldAlmostEqual, 1, 1e-9)
	test.That(t, p.Y, test.ShouldAlmostEqual, 1, 1e-9)
	test.That(t, p.Theta, test.ShouldAlmostEqual, math.Pi/2, 1e-12)

	t.Run("strafe", func(t *testing.T) {
		h.heading = 0
		h.clk.Add(tick)
		h.positions = wheels.Zip(h.positions, wheels.Of(-0.5, 0.5, 0.5, -0.5),
			func(_ wheels.Wheel, p, d float64) float64 { return p + d })
		p := h.est.Update(h.sample())
		test.That(t, p.X, test.ShouldAlmostEqual, 1, 1e-9)
		test.That(t, p.Y, test.ShouldAlmostEqual, 1.5, 1e-9)
	})
}

func TestRejectZeroTags(t *testing.T) {
	h := newHarness(t, kinematics.Pose{X: 3})
	for _, mode := range []vision.FusionMode{vision.SingleTarget, vision.MultiTarget} {
		ok, reason := h.est.AddVisionSample(h.visionAt(-40, 99, 0, 0), mode)
		test.That(t, ok, test.ShouldBeFalse)
		test.That(t, reason, test.ShouldEqual, RejectNoTags)
		test.That(t, h.est.Pose(), test.ShouldResemble, kinematics.Pose{X: 3})
	}
	test.That(t, h.tel.Count("vision.rejected.no_tags"), test.ShouldEqual, int64(2))
}

func TestSingleTargetRules(t *testing.T) {
	h := newHarness(t, kinematics.Pose{})

	s := h.visionAt(6, 0, 0, 1)
	s.PrimaryAmbiguity = 0.9
	ok, reason := h.est.AddVisionSample(s, vision.SingleTarget)
	test.That(t, ok, test.ShouldBeFalse)
	test.That(t, reason, test.ShouldEqual, RejectAmbiguous)
	test.That(t, h.est.Pose(), test.ShouldResemble, kinematics.Pose{})

	s.PrimaryAmbiguity = 0.3
	ok, reason = h.est.AddVisionSample(s, vision.SingleTarget)
	test.That(t, ok, test.ShouldBeTrue)
	test.That(t, reason, test.ShouldEqual, Accepted)
	// gain is q/(q+sqrt(qr)) = 0.01/(0.01+0.05)
	test.That(t, h.est.Pose().X, test.ShouldAlmostEqual, 1, 1e-9)

	t.Run("too far with one tag", func(t *testing.T) {
		far := h.visionAt(6, 0, 0, 1)
		far.PrimaryDistanceMeters = 3.5
		ok, reason := h.est.AddVisionSample(far, vision.SingleTarget)
		test.That(t, ok, test.ShouldBeFalse)
		test.That(t, reason, test.ShouldEqual, RejectTooFar)
	})

	t.Run("two tags skip the single-tag rules", func(t *testing.T) {
		multi := h.visionAt(1, 0, 0, 2)
		multi.PrimaryAmbiguity = 0.95
		multi.PrimaryDistanceMeters = 5
		ok, _ := h.est.AddVisionSample(multi, vision.SingleTarget)
		test.That(t, ok, test.ShouldBeTrue)
	})
}

func TestMultiTargetSpinRule(t *testing.T) {
	h := newHarness(t, kinematics.Pose{})
	for _, rate := range []float64{800, -800} {
		h.rate = rate
		h.step(0)
		ok, reason := h.est.AddVisionSample(h.visionAt(8, 0, 0, 1), vision.MultiTarget)
		test.That(t, ok, test.ShouldBeFalse)
		test.That(t, reason, test.ShouldEqual, RejectSpinning)
	}
	test.That(t, h.est.Pose().X, test.ShouldEqual, 0.0)

	h.rate = 100
	h.step(0)
	// ambiguity does not matter in multi-target mode
	s := h.visionAt(8, 0, 0, 1)
	s.PrimaryAmbiguity = 0.9
	ok, _ := h.est.AddVisionSample(s, vision.MultiTarget)
	test.That(t, ok, test.ShouldBeTrue)
	// 0.01/(0.01+0.07)
	test.That(t, h.est.Pose().X, test.ShouldAlmostEqual, 1, 1e-9)
}

func TestVisionNeverMovesHeading(t *testing.T) {
	h := newHarness(t, kinematics.Pose{Theta: 0.25})
	s := h.visionAt(0, 0, 0, 3)
	s.Pose.Theta = -2
	ok, _ := h.est.AddVisionSample(s, vision.SingleTarget)
	test.That(t, ok, test.ShouldBeTrue)
	test.That(t, h.est.Pose().Theta, test.ShouldEqual, 0.25)
}

func TestSequentialCameras(t *testing.T) {
	h := newHarness(t, kinematics.Pose{})
	for i := 0; i < 10; i++ {
		h.step(0)
	}

	ok, _ := h.est.AddVisionSample(h.visionAt(6, 0, 0, 2), vision.SingleTarget)
	test.That(t, ok, test.ShouldBeTrue)
	test.That(t, h.est.Pose().X, test.ShouldAlmostEqual, 1, 1e-9)

	// the second camera's older frame is measured against the already corrected estimate
	ok, _ = h.est.AddVisionSample(h.visionAt(6, 0, 3*tick, 2), vision.SingleTarget)
	test.That(t, ok, test.ShouldBeTrue)
	test.That(t, h.est.Pose().X, test.ShouldAlmostEqual, 1+5.0/6, 1e-9)
}

func TestLatencyCompensation(t *testing.T) {
	h := newHarness(t, kinematics.Pose{})
	for i := 0; i < 50; i++ {
		h.step(0.02)
	}
	test.That(t, h.est.Pose().X, test.ShouldAlmostEqual, 1, 1e-9)

	// a frame from half a second ago that agrees with where the robot was then changes nothing
	ok, _ := h.est.AddVisionSample(h.visionAt(0.5, 0, 500*time.Millisecond, 2), vision.SingleTarget)
	test.That(t, ok, test.ShouldBeTrue)
	test.That(t, h.est.Pose().X, test.ShouldAlmostEqual, 1, 1e-9)

	// between ticks the estimate is interpolated
	ok, _ = h.est.AddVisionSample(h.visionAt(0.49+0.6, 0, 510*time.Millisecond, 2), vision.SingleTarget)
	test.That(t, ok, test.ShouldBeTrue)
	test.That(t, h.est.Pose().X, test.ShouldAlmostEqual, 1.1, 1e-9)
}

func TestStaleAndMalformedSamples(t *testing.T) {
	h := newHarness(t, kinematics.Pose{})
	for i := 0; i < 100; i++ {
		h.step(0)
	}

	ok, reason := h.est.AddVisionSample(h.visionAt(5, 5, 2*time.Second, 2), vision.MultiTarget)
	test.That(t, ok, test.ShouldBeFalse)
	test.That(t, reason, test.ShouldEqual, RejectStale)

	nan := h.visionAt(math.NaN(), 0, 0, 2)
	ok, reason = h.est.AddVisionSample(nan, vision.SingleTarget)
	test.That(t, ok, test.ShouldBeFalse)
	test.That(t, reason, test.ShouldEqual, RejectNonFinite)

	inf := h.visionAt(0, 0, 0, 2)
	inf.Pose.Theta = math.Inf(-1)
	_, reason = h.est.AddVisionSample(inf, vision.SingleTarget)
	test.That(t, reason, test.ShouldEqual, RejectNonFinite)

	_, reason = h.est.AddVisionSample(vision.PoseSample{TagCount: 2}, vision.SingleTarget)
	test.That(t, reason, test.ShouldEqual, RejectNonFinite)

	test.That(t, h.est.Pose(), test.ShouldResemble, kinematics.Pose{})
	test.That(t, h.tel.Count("vision.rejected.non_finite"), test.ShouldEqual, int64(3))
	test.That(t, h.tel.Count("vision.accepted"), test.ShouldEqual, int64(0))

	t.Run("future timestamps read the present estimate", func(t *testing.T) {
		ok, _ := h.est.AddVisionSample(h.visionAt(0.6, 0, -time.Second, 2), vision.SingleTarget)
		test.That(t, ok, test.ShouldBeTrue)
		test.That(t, h.est.Pose().X, test.ShouldAlmostEqual, 0.1, 1e-9)
	})
}

func TestSetPose(t *testing.T) {
	h := newHarness(t, kinematics.Pose{})
	h.heading = 90
	for i := 0; i < 5; i++ {
		h.step(1)
	}
	test.That(t, h.est.Pose().Y, test.ShouldAlmostEqual, 5, 1e-9)

	test.That(t, h.est.SetPose(kinematics.Pose{X: 2, Y: 2, Theta: 0}, h.sample()), test.ShouldBeNil)
	test.That(t, h.est.Pose(), test.ShouldResemble, kinematics.Pose{X: 2, Y: 2})

	// deltas are taken from the positions at reset, not from zero
	p := h.step(0)
	test.That(t, p.X, test.ShouldAlmostEqual, 2, 1e-12)
	test.That(t, p.Y, test.ShouldAlmostEqual, 2, 1e-12)
	test.That(t, p.Theta, test.ShouldAlmostEqual, 0, 1e-12)

	// the gyro still reads 90 but the pose heading was reset to 0
	p = h.step(1)
	test.That(t, p.X, test.ShouldAlmostEqual, 3, 1e-9)
	test.That(t, p.Y, test.ShouldAlmostEqual, 2, 1e-9)

	h.heading = 180
	p = h.step(0)
	test.That(t, p.Theta, test.ShouldAlmostEqual, math.Pi/2, 1e-12)

	test.That(t, h.est.SetPose(kinematics.Pose{X: math.NaN()}, h.sample()), test.ShouldNotBeNil)
	test.That(t, h.est.Pose().X, test.ShouldAlmostEqual, 3, 1e-9)
}

func TestStaleness(t *testing.T) {
	h := newHarness(t, kinematics.Pose{})
	h.step(0)
	test.That(t, h.est.LastUpdate().Equal(h.clk.Now()), test.ShouldBeTrue)
	test.That(t, h.est.Stale(100*time.Millisecond), test.ShouldBeFalse)
	h.clk.Add(time.Second)
	test.That(t, h.est.Stale(100*time.Millisecond), test.ShouldBeTrue)

	// odometry keeps running on held readings, but they do not refresh the estimate
	h.step(0)
	test.That(t, h.est.Stale(100*time.Millisecond), test.ShouldBeFalse)
	good := h.est.LastUpdate()
	for i := 0; i < 10; i++ {
		h.clk.Add(tick)
		held := h.sample()
		held.Faults = 10
		h.est.Update(held)
	}
	test.That(t, h.est.LastUpdate().Equal(good), test.ShouldBeTrue)
	test.That(t, h.est.Stale(100*time.Millisecond), test.ShouldBeTrue)

	h.step(0)
	test.That(t, h.est.Stale(100*time.Millisecond), test.ShouldBeFalse)
}

func TestConfigErrors(t *testing.T) {
	kin, err := kinematics.NewMecanum(kinematics.RectangularGeometry(0.5, 0.5))
	test.That(t, err, test.ShouldBeNil)
	cfg := DefaultConfig()
	cfg.SingleTargetStdDev = 0
	est, err := New(cfg, kin, sensors.Sample{}, kinematics.Pose{}, clock.NewMock(), nil, logging.NewTestLogger(t))
	test.That(t, est, test.ShouldBeNil)
	var cfgErr *kinematics.ConfigurationError
	test.That(t, errors.As(err, &cfgErr), test.ShouldBeTrue)
}
