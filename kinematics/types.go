// Package kinematics converts between chassis velocity and the four wheel velocities of a mecanum base.
//
// Frames follow the usual robot convention: +X forward, +Y left, positive rotation counter-clockwise.
package kinematics

import (
	"fmt"
	"math"

	"github.com/Team-5243/Reefscape/wheels"
)

// ChassisVelocity is a robot-frame velocity: forward and strafe in m/s, rotation in rad/s.
type ChassisVelocity struct {
	Vx    float64 `json:"vx"`
	Vy    float64 `json:"vy"`
	Omega float64 `json:"omega"`
}

// IsFinite reports whether every component is a real number.
func (v ChassisVelocity) IsFinite() bool {
	return isFinite(v.Vx) && isFinite(v.Vy) && isFinite(v.Omega)
}

// FromFieldRelative rotates a field-frame velocity into the robot frame for a robot at heading (radians).
func FromFieldRelative(v ChassisVelocity, heading float64) ChassisVelocity {
	sin, cos := math.Sincos(-heading)
	return ChassisVelocity{
		Vx:    v.Vx*cos - v.Vy*sin,
		Vy:    v.Vx*sin + v.Vy*cos,
		Omega: v.Omega,
	}
}

// Twist is a robot-frame displacement: meters forward, meters left, radians turned.
type Twist struct {
	Dx     float64
	Dy     float64
	Dtheta float64
}

// Pose is a field-frame position in meters and heading in radians.
type Pose struct {
	X     float64 `json:"x" yaml:"x"`
	Y     float64 `json:"y" yaml:"y"`
	Theta float64 `json:"theta" yaml:"theta"`
}

// IsFinite reports whether every component is a real number.
func (p Pose) IsFinite() bool {
	return isFinite(p.X) && isFinite(p.Y) && isFinite(p.Theta)
}

// Translate moves the pose by a robot-frame displacement expressed at the given field heading.
func (p Pose) Translate(dx, dy, heading float64) Pose {
	sin, cos := math.Sincos(heading)
	return Pose{
		X:     p.X + dx*cos - dy*sin,
		Y:     p.Y + dx*sin + dy*cos,
		Theta: p.Theta,
	}
}

// Interpolate returns the pose a fraction t of the way from p to q, turning the short way round.
func (p Pose) Interpolate(q Pose, t float64) Pose {
	if t <= 0 {
		return p
	}
	if t >= 1 {
		return q
	}
	return Pose{
		X:     p.X + (q.X-p.X)*t,
		Y:     p.Y + (q.Y-p.Y)*t,
		Theta: NormalizeAngle(p.Theta + NormalizeAngle(q.Theta-p.Theta)*t),
	}
}

func (p Pose) String() string {
	return fmt.Sprintf("(%.3f, %.3f, %.1f°)", p.X, p.Y, p.Theta*180/math.Pi)
}

// NormalizeAngle wraps radians into (-π, π].
func NormalizeAngle(a float64) float64 {
	a = math.Mod(a, 2*math.Pi)
	if a <= -math.Pi {
		a += 2 * math.Pi
	} else if a > math.Pi {
		a -= 2 * math.Pi
	}
	return a
}

// Offset is a wheel contact point relative to the robot center, in meters.
type Offset struct {
	X float64 `json:"x" yaml:"x"`
	Y float64 `json:"y" yaml:"y"`
}

// Geometry is the mounting offset of every wheel. It never changes after a Mecanum is built from it.
type Geometry = wheels.Set[Offset]

// RectangularGeometry places the wheels at the corners of a wheelbase x trackwidth rectangle (meters).
func RectangularGeometry(wheelbase, trackwidth float64) Geometry {
	halfBase, halfTrack := wheelbase/2, trackwidth/2
	return wheels.Of(
		Offset{X: halfBase, Y: halfTrack},
		Offset{X: halfBase, Y: -halfTrack},
		Offset{X: -halfBase, Y: halfTrack},
		Offset{X: -halfBase, Y: -halfTrack},
	)
}

// ConfigurationError reports construction parameters that would produce wrong motion.
type ConfigurationError struct {
	Component string
	Reason    string
}

// NewConfigurationError returns a *ConfigurationError for the named component.
func NewConfigurationError(component, format string, args ...interface{}) error {
	return &ConfigurationError{Component: component, Reason: fmt.Sprintf(format, args...)}
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("invalid %s configuration: %s", e.Component, e.Reason)
}

func isFinite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
