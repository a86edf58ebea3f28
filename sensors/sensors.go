// Package sensors reads the gyro and wheel encoders once per tick, converting to SI units and substituting the
// last good reading for anything that faults.
package sensors

import (
	"context"

	"github.com/Team-5243/Reefscape/wheels"
)

// Gyro is the heading source. Headings are degrees, counter-clockwise positive.
type Gyro interface {
	Heading(ctx context.Context) (float64, error)
	// AngularRate is in degrees per second.
	AngularRate(ctx context.Context) (float64, error)
	Reset(ctx context.Context) error
	SetHeadingOffset(ctx context.Context, degrees float64) error
}

// Encoder reports motor shaft rotations for each wheel.
type Encoder interface {
	CumulativeRotations(ctx context.Context, w wheels.Wheel) (float64, error)
	VelocityRPM(ctx context.Context, w wheels.Wheel) (float64, error)
}
