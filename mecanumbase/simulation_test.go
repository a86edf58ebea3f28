package mecanumbase

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/golang/geo/r3"
	"go.viam.com/rdk/logging"
	"go.viam.com/test"

	"github.com/Team-5243/Reefscape/kinematics"
)

func TestSimulation(t *testing.T) {
	ctx := context.Background()
	start := kinematics.Pose{X: 1, Y: 2, Theta: math.Pi / 2}
	s, err := NewSimulation(ctx, "sim", testConfig(), start, logging.NewTestLogger(t))
	test.That(t, err, test.ShouldBeNil)
	defer s.Base().Close(ctx)

	begin := s.Now()
	test.That(t, s.Base().SetPower(ctx, r3.Vector{Y: 0.5}, r3.Vector{}, nil), test.ShouldBeNil)
	s.Run(ctx, 2*time.Second+10*time.Millisecond)
	test.That(t, s.Now().Sub(begin), test.ShouldEqual, 2*time.Second)

	truth := s.TruePose()
	test.That(t, truth.X, test.ShouldAlmostEqual, 1, 1e-6)
	test.That(t, truth.Y, test.ShouldBeGreaterThan, 4)
	test.That(t, s.WheelVelocities().FrontLeft, test.ShouldAlmostEqual, 2, 0.1)

	resp, err := s.Base().DoCommand(ctx, map[string]interface{}{"command": "get_pose"})
	test.That(t, err, test.ShouldBeNil)
	test.That(t, resp["x"], test.ShouldAlmostEqual, truth.X, 1e-6)
	test.That(t, resp["y"], test.ShouldAlmostEqual, truth.Y, 1e-6)
	test.That(t, resp["theta_deg"], test.ShouldAlmostEqual, 90, 1e-6)

	cfg := testConfig()
	cfg.CANChannel = "can0"
	_, err = NewSimulation(ctx, "sim", cfg, start, logging.NewTestLogger(t))
	test.That(t, err, test.ShouldNotBeNil)
}
