package drive

import (
	"math"

	"github.com/pkg/errors"
)

// Shaping is the response curve applied to stick input after the deadzone.
type Shaping string

// Supported stick response curves.
const (
	ShapingNone    Shaping = "none"
	ShapingSquared Shaping = "squared"
	ShapingSqrt    Shaping = "sqrt"
)

// ParseShaping validates a shaping name. The empty string means none.
func ParseShaping(s string) (Shaping, error) {
	switch Shaping(s) {
	case "", ShapingNone:
		return ShapingNone, nil
	case ShapingSquared, ShapingSqrt:
		return Shaping(s), nil
	default:
		return "", errors.Errorf("unknown stick shaping %q, expected none|squared|sqrt", s)
	}
}

// StickConfig controls how raw joystick axes become drive intent.
type StickConfig struct {
	// Deadzone is the radius of the circular deadzone on the translation stick.
	Deadzone float64 `json:"deadzone"`
	// RotationDeadzone is the linear deadzone on the rotation axis.
	RotationDeadzone float64 `json:"rotation_deadzone"`
	Shaping          Shaping `json:"shaping"`
	// SlewRate limits each axis to this change per second. Zero disables it.
	SlewRate float64 `json:"slew_rate,omitempty"`
}

// DefaultStickConfig uses 0.1 deadzones and the squared curve.
func DefaultStickConfig() StickConfig {
	return StickConfig{Deadzone: 0.1, RotationDeadzone: 0.1, Shaping: ShapingSquared}
}

// Shape applies the deadzones, the magnitude clamp and the response curve to raw stick axes in [-1, 1].
// x is forward, y is left, z is counter-clockwise rotation.
func (c StickConfig) Shape(x, y, z float64) (float64, float64, float64) {
	magSq := x*x + y*y
	if magSq < c.Deadzone*c.Deadzone {
		x, y, magSq = 0, 0, 0
	}
	if math.Abs(z) < c.RotationDeadzone {
		z = 0
	}
	if magSq > 1 {
		mag := math.Sqrt(magSq)
		x, y, magSq = x/mag, y/mag, 1
	}
	z = math.Max(-1, math.Min(1, z))

	if magSq > 0 {
		mag := math.Sqrt(magSq)
		var scale float64
		switch c.Shaping {
		case ShapingSquared:
			scale = mag
		case ShapingSqrt:
			scale = 1 / math.Sqrt(mag)
		default:
			scale = 1
		}
		x, y = x*scale, y*scale
	}
	switch c.Shaping {
	case ShapingSquared:
		z *= math.Abs(z)
	case ShapingSqrt:
		z = math.Copysign(math.Sqrt(math.Abs(z)), z)
	case ShapingNone:
	}
	return x, y, z
}
