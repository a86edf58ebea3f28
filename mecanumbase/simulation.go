package mecanumbase

import (
	"context"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"
	"go.viam.com/rdk/components/base"
	"go.viam.com/rdk/logging"

	"github.com/Team-5243/Reefscape/kinematics"
	"github.com/Team-5243/Reefscape/sim"
	"github.com/Team-5243/Reefscape/wheels"
)

// Simulation is a base on the simulated drivetrain whose control loop is stepped by the caller on a mock
// clock instead of running in the background.
type Simulation struct {
	base  *mecanumBase
	sim   *sim.Drivetrain
	clock *clock.Mock
}

// NewSimulation builds a simulated base with the robot starting at start. cfg must name the simulated
// CAN channel.
func NewSimulation(ctx context.Context, name string, cfg *Config, start kinematics.Pose, logger logging.Logger) (*Simulation, error) {
	if !cfg.simulated() {
		return nil, errors.Errorf("can_channel must be %q to simulate", SimulatedChannel)
	}
	if _, err := cfg.Validate("simulation"); err != nil {
		return nil, err
	}
	c, err := cfg.components()
	if err != nil {
		return nil, err
	}
	kin, err := kinematics.NewMecanum(cfg.geometry())
	if err != nil {
		return nil, err
	}

	simCfg := sim.DefaultConfig()
	simCfg.Wheel = c.sensors
	if ff := c.wheel.Feedforward; ff.KV > 0 && ff.KA > 0 {
		simCfg.Motor = ff
	}
	d, err := sim.New(simCfg, kin, start)
	if err != nil {
		return nil, err
	}

	mock := clock.NewMock()
	b, err := newMecanumBase(ctx, base.Named(name), cfg, c, kin, simulated(d), mock, newTelemetry(), logger)
	if err != nil {
		return nil, err
	}
	if err := b.estimator.SetPose(start, b.sampler.Sample(ctx)); err != nil {
		return nil, err
	}
	return &Simulation{base: b, sim: d, clock: mock}, nil
}

// Base is the simulated base, for driving through the viam API.
func (s *Simulation) Base() base.Base {
	return s.base
}

// Run advances the clock by d, one control period at a time. A remainder shorter than a period is not run.
func (s *Simulation) Run(ctx context.Context, d time.Duration) {
	for elapsed := s.base.period; elapsed <= d; elapsed += s.base.period {
		if ctx.Err() != nil {
			return
		}
		s.clock.Add(s.base.period)
		s.base.tick(ctx)
	}
}

// Now is the simulated time.
func (s *Simulation) Now() time.Time {
	return s.clock.Now()
}

// TruePose is where the simulated robot actually is, as opposed to where the base estimates it is.
func (s *Simulation) TruePose() kinematics.Pose {
	return s.sim.Pose()
}

// WheelVelocities are the simulated wheel speeds in m/s.
func (s *Simulation) WheelVelocities() wheels.Set[float64] {
	return s.sim.WheelVelocities()
}
