package main

import (
	"context"
	"os"
	"time"

	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"go.viam.com/rdk/logging"
	"gopkg.in/yaml.v3"

	"github.com/Team-5243/Reefscape/kinematics"
	"github.com/Team-5243/Reefscape/mecanumbase"
)

// Scenario is a scripted run of the simulated base.
type Scenario struct {
	Base  mecanumbase.Config `yaml:"base"`
	Start kinematics.Pose    `yaml:"start"`
	Steps []Step             `yaml:"steps"`
}

// Step is one action followed by an optional run of the control loop. Exactly one action may be set; a step
// with none only runs.
type Step struct {
	SetPower    *Motion                `yaml:"set_power,omitempty"`
	SetVelocity *Motion                `yaml:"set_velocity,omitempty"`
	Stop        bool                   `yaml:"stop,omitempty"`
	Command     map[string]interface{} `yaml:"command,omitempty"`
	Run         time.Duration          `yaml:"run,omitempty"`
}

// Motion is a linear and angular request in viam base axes.
type Motion struct {
	Linear  r3.Vector `yaml:"linear"`
	Angular r3.Vector `yaml:"angular"`
}

// Result is what the scenario ends with.
type Result struct {
	Elapsed   time.Duration
	TruePose  kinematics.Pose
	Estimate  map[string]interface{}
	Telemetry map[string]interface{}
	Responses []map[string]interface{}
}

func loadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return parseScenario(data)
}

func parseScenario(data []byte) (*Scenario, error) {
	var s Scenario
	if err := yaml.Unmarshal(data, &s); err != nil {
		return nil, errors.Wrap(err, "parsing scenario")
	}
	if s.Base.CANChannel == "" {
		s.Base.CANChannel = mecanumbase.SimulatedChannel
	}
	for i, step := range s.Steps {
		actions := 0
		for _, set := range []bool{step.SetPower != nil, step.SetVelocity != nil, step.Stop, step.Command != nil} {
			if set {
				actions++
			}
		}
		if actions > 1 {
			return nil, errors.Errorf("step %d has %d actions, want at most one", i, actions)
		}
		if step.Run < 0 {
			return nil, errors.Errorf("step %d has a negative run", i)
		}
		if step.Command != nil {
			s.Steps[i].Command = numbersAsFloats(step.Command)
		}
	}
	return &s, nil
}

// numbersAsFloats converts YAML integers to float64, the only number type DoCommand arguments arrive as over
// the wire.
func numbersAsFloats(cmd map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(cmd))
	for k, v := range cmd {
		switch n := v.(type) {
		case int:
			out[k] = float64(n)
		case int64:
			out[k] = float64(n)
		case uint64:
			out[k] = float64(n)
		default:
			out[k] = v
		}
	}
	return out
}

func (s *Scenario) run(ctx context.Context, logger logging.Logger) (*Result, error) {
	simulation, err := mecanumbase.NewSimulation(ctx, "mecanum", &s.Base, s.Start, logger)
	if err != nil {
		return nil, err
	}
	b := simulation.Base()
	defer func() {
		if err := b.Close(ctx); err != nil {
			logger.Warnw("closing simulated base", "error", err)
		}
	}()

	began := simulation.Now()
	var responses []map[string]interface{}
	for i, step := range s.Steps {
		var err error
		switch {
		case step.SetPower != nil:
			err = b.SetPower(ctx, step.SetPower.Linear, step.SetPower.Angular, nil)
		case step.SetVelocity != nil:
			err = b.SetVelocity(ctx, step.SetVelocity.Linear, step.SetVelocity.Angular, nil)
		case step.Stop:
			err = b.Stop(ctx, nil)
		case step.Command != nil:
			var resp map[string]interface{}
			resp, err = b.DoCommand(ctx, step.Command)
			if resp != nil {
				responses = append(responses, resp)
			}
		}
		if err != nil {
			return nil, errors.Wrapf(err, "step %d", i)
		}
		simulation.Run(ctx, step.Run)
		logger.Debugw("step done", "step", i, "pose", simulation.TruePose().String())
	}

	estimate, err := b.DoCommand(ctx, map[string]interface{}{"command": "get_pose"})
	if err != nil {
		return nil, err
	}
	tel, err := b.DoCommand(ctx, map[string]interface{}{"command": "get_telemetry"})
	if err != nil {
		return nil, err
	}
	return &Result{
		Elapsed:   simulation.Now().Sub(began),
		TruePose:  simulation.TruePose(),
		Estimate:  estimate,
		Telemetry: tel,
		Responses: responses,
	}, nil
}
