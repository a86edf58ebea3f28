// Package vision describes what the motion core needs from the AprilTag cameras and provides an in-memory
// Sensor that the camera collaborator pushes results into.
package vision

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/Team-5243/Reefscape/kinematics"
)

// ErrNoTarget is returned by HorizontalOffsetDegrees when the camera currently sees no target.
var ErrNoTarget = errors.New("no vision target")

// FusionMode selects how a camera's pose solve was produced, which decides how it is vetted and weighted.
type FusionMode int

const (
	// SingleTarget solves are independent per frame and can be heading-ambiguous with one tag.
	SingleTarget FusionMode = iota
	// MultiTarget solves are seeded with the robot heading and break down when the robot spins fast.
	MultiTarget
)

func (m FusionMode) String() string {
	switch m {
	case SingleTarget:
		return "single_target"
	case MultiTarget:
		return "multi_target"
	default:
		return fmt.Sprintf("fusion_mode(%d)", int(m))
	}
}

// ParseFusionMode accepts the names produced by String.
func ParseFusionMode(s string) (FusionMode, error) {
	switch strings.ToLower(s) {
	case "single_target", "single":
		return SingleTarget, nil
	case "multi_target", "multi":
		return MultiTarget, nil
	default:
		return 0, errors.Errorf("unknown fusion mode %q", s)
	}
}

// MarshalText lets FusionMode appear by name in JSON and YAML.
func (m FusionMode) MarshalText() ([]byte, error) {
	return []byte(m.String()), nil
}

// UnmarshalText is the inverse of MarshalText.
func (m *FusionMode) UnmarshalText(b []byte) error {
	parsed, err := ParseFusionMode(string(b))
	if err != nil {
		return err
	}
	*m = parsed
	return nil
}

// PoseSample is one field-frame pose solve. It is never modified after it is produced.
type PoseSample struct {
	Pose                  kinematics.Pose
	Timestamp             time.Time
	TagCount              int
	PrimaryAmbiguity      float64
	PrimaryDistanceMeters float64
}

// Sensor is the camera boundary.
type Sensor interface {
	// HorizontalOffsetDegrees is the signed horizontal angle to the current target.
	HorizontalOffsetDegrees(ctx context.Context, camera string) (float64, error)
	// PoseEstimate returns the newest pose solve for the mode, and false when there is nothing new since the
	// previous call.
	PoseEstimate(ctx context.Context, camera string, mode FusionMode) (PoseSample, bool, error)
	SetPipelineIndex(ctx context.Context, camera string, index int) error
	// SetRobotOrientation feeds the current heading back to the camera for heading-seeded solves.
	SetRobotOrientation(ctx context.Context, camera string, headingDegrees, yawRateDegPerSec float64) error
}
