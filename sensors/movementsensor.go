package sensors

import (
	"context"
	"sync"

	"github.com/pkg/errors"
	"go.viam.com/rdk/components/movementsensor"
	"go.viam.com/rdk/resource"
	"go.viam.com/rdk/spatialmath"
	rdkutils "go.viam.com/rdk/utils"
)

// orientationSource is the part of a movement sensor the gyro needs.
type orientationSource interface {
	Orientation(ctx context.Context, extra map[string]interface{}) (spatialmath.Orientation, error)
	AngularVelocity(ctx context.Context, extra map[string]interface{}) (spatialmath.AngularVelocity, error)
}

// MovementSensorGyro adapts a viam movement sensor (an IMU) into a Gyro. Reset and SetHeadingOffset are kept
// here as an offset since the sensor itself cannot be re-zeroed.
type MovementSensorGyro struct {
	source orientationSource

	mu     sync.Mutex
	offset float64
}

// NewMovementSensorGyro wraps the named movement sensor from deps.
func NewMovementSensorGyro(deps resource.Dependencies, name string) (*MovementSensorGyro, error) {
	ms, err := movementsensor.FromDependencies(deps, name)
	if err != nil {
		return nil, errors.Wrapf(err, "no movement sensor named %q", name)
	}
	return &MovementSensorGyro{source: ms}, nil
}

func (g *MovementSensorGyro) raw(ctx context.Context) (float64, error) {
	o, err := g.source.Orientation(ctx, nil)
	if err != nil {
		return 0, err
	}
	if o == nil {
		return 0, errors.New("movement sensor returned no orientation")
	}
	return rdkutils.RadToDeg(o.EulerAngles().Yaw), nil
}

// Heading returns yaw in degrees plus the configured offset.
func (g *MovementSensorGyro) Heading(ctx context.Context) (float64, error) {
	yaw, err := g.raw(ctx)
	if err != nil {
		return 0, err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	return yaw + g.offset, nil
}

// AngularRate returns the yaw rate in degrees per second.
func (g *MovementSensorGyro) AngularRate(ctx context.Context) (float64, error) {
	av, err := g.source.AngularVelocity(ctx, nil)
	if err != nil {
		return 0, err
	}
	return av.Z, nil
}

// Reset makes the current heading read zero.
func (g *MovementSensorGyro) Reset(ctx context.Context) error {
	yaw, err := g.raw(ctx)
	if err != nil {
		return err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.offset = -yaw
	return nil
}

// SetHeadingOffset makes the current heading read degrees.
func (g *MovementSensorGyro) SetHeadingOffset(ctx context.Context, degrees float64) error {
	yaw, err := g.raw(ctx)
	if err != nil {
		return err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.offset = degrees - yaw
	return nil
}
