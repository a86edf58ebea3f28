// Package control holds the per-wheel velocity controller and the small pure control blocks it is built from.
package control

import (
	"math"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/Team-5243/Reefscape/kinematics"
)

// PIDGains are the constants of a discrete PID on velocity error. IntegralLimit bounds the accumulated
// integral term (in output units); zero leaves it unbounded.
type PIDGains struct {
	Kp            float64 `json:"kp" yaml:"kp"`
	Ki            float64 `json:"ki" yaml:"ki"`
	Kd            float64 `json:"kd" yaml:"kd"`
	IntegralLimit float64 `json:"integral_limit,omitempty" yaml:"integral_limit,omitempty"`
}

// PIDState is the controller memory. It belongs to exactly one controller instance.
type PIDState struct {
	Integral  float64
	PrevError float64
	primed    bool
}

// Reset clears the integrator and the derivative history.
func (s *PIDState) Reset() {
	*s = PIDState{}
}

// Validate rejects negative or non-finite gains.
func (g PIDGains) Validate() error {
	for name, v := range map[string]float64{"kp": g.Kp, "ki": g.Ki, "kd": g.Kd, "integral_limit": g.IntegralLimit} {
		if math.IsNaN(v) || math.IsInf(v, 0) || v < 0 {
			return kinematics.NewConfigurationError("pid", "%s must be a finite non-negative number, got %v", name, v)
		}
	}
	return nil
}

// Update advances state by one step of dt seconds for the given error and returns the PID output.
// The derivative term is skipped on the first step after a reset.
func (g PIDGains) Update(state *PIDState, err, dt float64) float64 {
	if dt <= 0 {
		return g.Kp*err + state.Integral
	}
	state.Integral += g.Ki * err * dt
	if g.IntegralLimit > 0 {
		state.Integral = clamp(state.Integral, -g.IntegralLimit, g.IntegralLimit)
	}
	deriv := 0.0
	if state.primed {
		deriv = (err - state.PrevError) / dt
	}
	state.PrevError = err
	state.primed = true
	return g.Kp*err + state.Integral + g.Kd*deriv
}

// Feedforward is the characterized motor model: volts = kS·sign(v) + kV·v + kA·a.
type Feedforward struct {
	KS float64 `json:"ks" yaml:"ks"`
	KV float64 `json:"kv" yaml:"kv"`
	KA float64 `json:"ka" yaml:"ka"`
}

// Calculate returns the feedforward voltage for velocity v (m/s) and acceleration a (m/s²).
func (f Feedforward) Calculate(v, a float64) float64 {
	sign := 0.0
	if v > 0 {
		sign = 1
	} else if v < 0 {
		sign = -1
	}
	return f.KS*sign + f.KV*v + f.KA*a
}

// Validate rejects negative or non-finite constants.
func (f Feedforward) Validate() error {
	for name, v := range map[string]float64{"ks": f.KS, "kv": f.KV, "ka": f.KA} {
		if math.IsNaN(v) || math.IsInf(v, 0) || v < 0 {
			return kinematics.NewConfigurationError("feedforward", "%s must be a finite non-negative number, got %v", name, v)
		}
	}
	return nil
}

// SlewRateLimiter bounds how fast a signal may change, in units per second of wall time.
type SlewRateLimiter struct {
	rate  float64
	clock clock.Clock
	prev  float64
	last  time.Time
}

// NewSlewRateLimiter starts at zero. rate must be positive.
func NewSlewRateLimiter(rate float64, clk clock.Clock) *SlewRateLimiter {
	return &SlewRateLimiter{rate: rate, clock: clk, last: clk.Now()}
}

// Calculate moves toward input by at most rate times the time elapsed since the previous call.
func (l *SlewRateLimiter) Calculate(input float64) float64 {
	now := l.clock.Now()
	step := l.rate * now.Sub(l.last).Seconds()
	l.prev += clamp(input-l.prev, -step, step)
	l.last = now
	return l.prev
}

// Reset jumps straight to value.
func (l *SlewRateLimiter) Reset(value float64) {
	l.prev = value
	l.last = l.clock.Now()
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}
