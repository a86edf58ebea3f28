package mecanumbase

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/multierr"
	rdkutils "go.viam.com/rdk/utils"

	"github.com/Team-5243/Reefscape/drive"
	"github.com/Team-5243/Reefscape/kinematics"
	"github.com/Team-5243/Reefscape/vision"
)

// DoCommand commands.
const (
	cmdGetPose           = "get_pose"
	cmdSetPose           = "set_pose"
	cmdResetHeading      = "reset_heading"
	cmdGetVelocity       = "get_velocity"
	cmdDriveFieldCentric = "drive_field_centric"
	cmdStick             = "stick"
	cmdSetShaping        = "set_shaping"
	cmdAlign             = "align"
	cmdAlignCancel       = "align_cancel"
	cmdVisionSample      = "vision_sample"
	cmdVisionOffset      = "vision_offset"
	cmdSysIDVoltage      = "sysid_voltage"
	cmdGetTelemetry      = "get_telemetry"
)

func floatArg(cmd map[string]interface{}, key string) (float64, error) {
	raw, ok := cmd[key]
	if !ok {
		return 0, errors.Errorf("%s must be set", key)
	}
	v, ok := raw.(float64)
	if !ok {
		return 0, errors.Errorf("%s value must be a number but is type %T", key, raw)
	}
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, errors.Errorf("%s value must be finite", key)
	}
	return v, nil
}

func optionalFloatArg(cmd map[string]interface{}, key string, fallback float64) (float64, error) {
	if _, ok := cmd[key]; !ok {
		return fallback, nil
	}
	return floatArg(cmd, key)
}

func stringArg(cmd map[string]interface{}, key string) (string, error) {
	raw, ok := cmd[key]
	if !ok {
		return "", errors.Errorf("%s must be set", key)
	}
	v, ok := raw.(string)
	if !ok {
		return "", errors.Errorf("%s value must be a string", key)
	}
	return v, nil
}

func boolArg(cmd map[string]interface{}, key string) (bool, error) {
	raw, ok := cmd[key]
	if !ok {
		return false, nil
	}
	v, ok := raw.(bool)
	if !ok {
		return false, errors.Errorf("%s value must be a boolean", key)
	}
	return v, nil
}

// DoCommand is the surface beyond base.Base: pose access, field-centric and stick driving, vision input and
// alignment, and diagnostics. The command name is under "command".
func (b *mecanumBase) DoCommand(ctx context.Context, cmd map[string]interface{}) (map[string]interface{}, error) {
	name, ok := cmd["command"]
	if !ok {
		return nil, errors.New("missing 'command' value")
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	switch name {
	case cmdGetPose:
		return b.poseResponse(), nil

	case cmdSetPose:
		x, err := floatArg(cmd, "x")
		if err != nil {
			return nil, err
		}
		y, err := floatArg(cmd, "y")
		if err != nil {
			return nil, err
		}
		theta, err := floatArg(cmd, "theta_deg")
		if err != nil {
			return nil, err
		}
		pose := kinematics.Pose{X: x, Y: y, Theta: rdkutils.DegToRad(theta)}
		if err := b.estimator.SetPose(pose, b.sampler.Last()); err != nil {
			return nil, err
		}
		return b.poseResponse(), nil

	case cmdResetHeading:
		if err := b.sampler.ResetHeading(ctx); err != nil {
			return nil, errors.Wrap(err, "resetting gyro")
		}
		pose := b.estimator.Pose()
		pose.Theta = 0
		if err := b.estimator.SetPose(pose, b.sampler.Last()); err != nil {
			return nil, err
		}
		return b.poseResponse(), nil

	case cmdGetVelocity:
		measured, commanded := b.drive.ChassisVelocity(), b.drive.Commanded()
		return map[string]interface{}{
			"vx":                 measured.Vx,
			"vy":                 measured.Vy,
			"omega":              measured.Omega,
			"commanded_vx":       commanded.Vx,
			"commanded_vy":       commanded.Vy,
			"commanded_omega":    commanded.Omega,
			"wheel_targets":      b.drive.WheelTargets().Slice(),
			"at_target":          b.drive.AtTarget(),
			"angular_rate_deg_s": b.estimator.AngularRate(),
		}, nil

	case cmdDriveFieldCentric:
		vx, err := floatArg(cmd, "vx")
		if err != nil {
			return nil, err
		}
		vy, err := floatArg(cmd, "vy")
		if err != nil {
			return nil, err
		}
		omega, err := optionalFloatArg(cmd, "omega", 0)
		if err != nil {
			return nil, err
		}
		err = multierr.Combine(b.interruptAlignment(ctx), b.drive.DriveFieldCentric(ctx, vx, vy, omega))
		if err != nil {
			return nil, err
		}
		b.isMoving.Store(vx != 0 || vy != 0 || omega != 0)
		return map[string]interface{}{"return": "drive_field_centric command processed"}, nil

	case cmdStick:
		x, err := floatArg(cmd, "x")
		if err != nil {
			return nil, err
		}
		y, err := floatArg(cmd, "y")
		if err != nil {
			return nil, err
		}
		z, err := optionalFloatArg(cmd, "z", 0)
		if err != nil {
			return nil, err
		}
		fieldCentric, err := boolArg(cmd, "field_centric")
		if err != nil {
			return nil, err
		}
		err = multierr.Combine(b.interruptAlignment(ctx), b.drive.DriveStick(ctx, x, y, z, fieldCentric))
		if err != nil {
			return nil, err
		}
		commanded := b.drive.Commanded()
		b.isMoving.Store(commanded != kinematics.ChassisVelocity{})
		return map[string]interface{}{"vx": commanded.Vx, "vy": commanded.Vy, "omega": commanded.Omega}, nil

	case cmdSetShaping:
		raw, err := stringArg(cmd, "shaping")
		if err != nil {
			return nil, err
		}
		shaping, err := drive.ParseShaping(raw)
		if err != nil {
			return nil, err
		}
		if err := b.drive.SetShaping(shaping); err != nil {
			return nil, err
		}
		return map[string]interface{}{"shaping": string(b.drive.Shaping())}, nil

	case cmdAlign:
		target := ""
		if _, ok := cmd["target"]; ok {
			t, err := stringArg(cmd, "target")
			if err != nil {
				return nil, err
			}
			target = t
		}
		if err := b.aligner.Initialize(ctx, target); err != nil {
			return nil, err
		}
		b.isMoving.Store(true)
		return b.alignResponse(), nil

	case cmdAlignCancel:
		if err := b.interruptAlignment(ctx); err != nil {
			return nil, err
		}
		b.isMoving.Store(false)
		return b.alignResponse(), nil

	case cmdVisionSample:
		return b.visionSample(cmd)

	case cmdVisionOffset:
		camera, err := stringArg(cmd, "camera")
		if err != nil {
			return nil, err
		}
		if _, ok := cmd["degrees"]; !ok {
			b.vision.ClearTarget(camera)
			return map[string]interface{}{"return": "target cleared"}, nil
		}
		degrees, err := floatArg(cmd, "degrees")
		if err != nil {
			return nil, err
		}
		b.vision.PublishOffset(camera, degrees)
		return map[string]interface{}{"return": "vision_offset command processed"}, nil

	case cmdSysIDVoltage:
		volts, err := floatArg(cmd, "volts")
		if err != nil {
			return nil, err
		}
		if err := multierr.Combine(b.interruptAlignment(ctx), b.drive.SetVoltage(ctx, volts)); err != nil {
			return nil, err
		}
		b.isMoving.Store(volts != 0)
		return map[string]interface{}{"return": fmt.Sprintf("sysid_voltage command processed: %f", volts)}, nil

	case cmdGetTelemetry:
		return b.tel.Snapshot(""), nil

	default:
		return nil, fmt.Errorf("no such command: %s", name)
	}
}

func (b *mecanumBase) poseResponse() map[string]interface{} {
	pose := b.estimator.Pose()
	return map[string]interface{}{
		"x":           pose.X,
		"y":           pose.Y,
		"theta_deg":   rdkutils.RadToDeg(pose.Theta),
		"last_update": b.estimator.LastUpdate().Format(time.RFC3339Nano),
		"stale":       b.estimator.Stale(3 * b.period),
	}
}

func (b *mecanumBase) alignResponse() map[string]interface{} {
	return map[string]interface{}{
		"state":    b.aligner.State().String(),
		"pipeline": b.aligner.Pipeline(),
		"strafe":   b.aligner.LastStrafe(),
	}
}

// visionSample queues a pose solve from a configured camera; the next tick fuses it with the camera's mode. The
// solve time is "timestamp" (unix seconds) or "latency_ms" before now, defaulting to now.
func (b *mecanumBase) visionSample(cmd map[string]interface{}) (map[string]interface{}, error) {
	camera, err := stringArg(cmd, "camera")
	if err != nil {
		return nil, err
	}
	var mode vision.FusionMode
	found := false
	for _, c := range b.cameras {
		if c.name == camera {
			mode, found = c.mode, true
		}
	}
	if !found {
		return nil, errors.Errorf("camera %q is not configured for pose estimates", camera)
	}

	var sample vision.PoseSample
	if sample.Pose.X, err = floatArg(cmd, "x"); err != nil {
		return nil, err
	}
	if sample.Pose.Y, err = floatArg(cmd, "y"); err != nil {
		return nil, err
	}
	theta, err := optionalFloatArg(cmd, "theta_deg", 0)
	if err != nil {
		return nil, err
	}
	sample.Pose.Theta = rdkutils.DegToRad(theta)
	tags, err := optionalFloatArg(cmd, "tag_count", 1)
	if err != nil {
		return nil, err
	}
	sample.TagCount = int(tags)
	if sample.PrimaryAmbiguity, err = optionalFloatArg(cmd, "ambiguity", 0); err != nil {
		return nil, err
	}
	if sample.PrimaryDistanceMeters, err = optionalFloatArg(cmd, "distance_meters", 0); err != nil {
		return nil, err
	}

	sample.Timestamp = b.clock.Now()
	if _, ok := cmd["timestamp"]; ok {
		unix, err := floatArg(cmd, "timestamp")
		if err != nil {
			return nil, err
		}
		sample.Timestamp = time.Unix(0, int64(unix*float64(time.Second)))
	} else if _, ok := cmd["latency_ms"]; ok {
		latency, err := floatArg(cmd, "latency_ms")
		if err != nil {
			return nil, err
		}
		sample.Timestamp = sample.Timestamp.Add(-time.Duration(latency * float64(time.Millisecond)))
	}

	b.vision.PublishPose(camera, mode, sample)
	return map[string]interface{}{"return": "vision_sample queued", "mode": mode.String()}, nil
}
