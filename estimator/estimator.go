// Package estimator tracks the robot's field pose from wheel odometry and the gyro, corrected by vision.
package estimator

import (
	"math"
	"sort"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"
	"go.viam.com/rdk/logging"
	rdkutils "go.viam.com/rdk/utils"
	"gonum.org/v1/gonum/mat"

	"github.com/Team-5243/Reefscape/kinematics"
	"github.com/Team-5243/Reefscape/sensors"
	"github.com/Team-5243/Reefscape/telemetry"
	"github.com/Team-5243/Reefscape/vision"
	"github.com/Team-5243/Reefscape/wheels"
)

// Rejection names why a vision sample was not fused. The zero value means it was accepted.
type Rejection string

// Rejection reasons, in the order they are checked.
const (
	Accepted        Rejection = ""
	RejectNonFinite Rejection = "non_finite"
	RejectNoTags    Rejection = "no_tags"
	RejectAmbiguous Rejection = "ambiguous"
	RejectTooFar    Rejection = "too_far"
	RejectSpinning  Rejection = "spinning"
	RejectStale     Rejection = "stale"
)

type snapshot struct {
	time time.Time
	pose kinematics.Pose
}

// PoseEstimator owns the pose. It is not safe for concurrent use.
type PoseEstimator struct {
	cfg    Config
	kin    *kinematics.Mecanum
	clock  clock.Clock
	tel    *telemetry.Store
	logger logging.Logger

	// steady-state gains per vision mode, x/y/theta on the diagonal
	gains map[vision.FusionMode]*mat.DiagDense

	pose          kinematics.Pose
	headingOffset float64
	prevPositions wheels.Set[float64]
	rate          float64
	lastUpdate    time.Time
	history       []snapshot
}

// New starts the estimate at pose, using initial as the reference for the first odometry delta.
func New(
	cfg Config,
	kin *kinematics.Mecanum,
	initial sensors.Sample,
	pose kinematics.Pose,
	clk clock.Clock,
	tel *telemetry.Store,
	logger logging.Logger,
) (*PoseEstimator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if kin == nil {
		return nil, errors.New("pose estimator needs kinematics")
	}
	e := &PoseEstimator{
		cfg:    cfg,
		kin:    kin,
		clock:  clk,
		tel:    tel,
		logger: logger,
		gains: map[vision.FusionMode]*mat.DiagDense{
			vision.SingleTarget: fusionGain(cfg.OdometryStdDev, cfg.SingleTargetStdDev),
			vision.MultiTarget:  fusionGain(cfg.OdometryStdDev, cfg.MultiTargetStdDev),
		},
	}
	if err := e.SetPose(pose, initial); err != nil {
		return nil, err
	}
	return e, nil
}

// fusionGain is the steady-state Kalman gain q/(q+sqrt(q·r)) per axis. Heading gets zero gain: vision never
// moves it.
func fusionGain(odometryStdDev, visionStdDev float64) *mat.DiagDense {
	q := odometryStdDev * odometryStdDev
	r := visionStdDev * visionStdDev
	k := q / (q + math.Sqrt(q*r))
	return mat.NewDiagDense(3, []float64{k, k, 0})
}

// Pose returns the current estimate.
func (e *PoseEstimator) Pose() kinematics.Pose {
	return e.pose
}

// AngularRate returns the last gyro yaw rate in degrees per second.
func (e *PoseEstimator) AngularRate() float64 {
	return e.rate
}

// LastUpdate is the time of the most recent odometry update backed by at least one real sensor reading.
func (e *PoseEstimator) LastUpdate() time.Time {
	return e.lastUpdate
}

// Stale reports whether odometry has not run within maxAge.
func (e *PoseEstimator) Stale(maxAge time.Duration) bool {
	return e.clock.Since(e.lastUpdate) > maxAge
}

func (e *PoseEstimator) heading(s sensors.Sample) float64 {
	return kinematics.NormalizeAngle(rdkutils.DegToRad(s.HeadingDegrees) + e.headingOffset)
}

// SetPose replaces the estimate. Later odometry deltas are taken against the wheel positions in at, and the
// gyro heading in at is offset so it reads pose.Theta.
func (e *PoseEstimator) SetPose(pose kinematics.Pose, at sensors.Sample) error {
	if !pose.IsFinite() {
		return errors.Errorf("cannot reset pose to %v", pose)
	}
	pose.Theta = kinematics.NormalizeAngle(pose.Theta)
	e.headingOffset = pose.Theta - rdkutils.DegToRad(at.HeadingDegrees)
	e.pose = pose
	e.prevPositions = at.Positions
	e.rate = at.RateDegPerSec
	e.lastUpdate = at.Time
	e.history = append(e.history[:0], snapshot{time: at.Time, pose: pose})
	e.logger.Infow("pose reset", "pose", pose.String())
	return nil
}

// Update integrates one tick of odometry and returns the new estimate.
func (e *PoseEstimator) Update(s sensors.Sample) kinematics.Pose {
	deltas := wheels.Zip(s.Positions, e.prevPositions, func(_ wheels.Wheel, now, prev float64) float64 {
		return now - prev
	})
	twist := e.kin.ToTwist(deltas)
	heading := e.heading(s)

	next := e.pose.Translate(twist.Dx, twist.Dy, heading)
	next.Theta = heading
	if next.IsFinite() {
		e.pose = next
	} else {
		e.tel.Inc("fault.odometry")
		e.logger.Warnw("odometry produced a non-finite pose, holding", "twist", twist, "heading", heading)
	}
	e.prevPositions = s.Positions
	e.rate = s.RateDegPerSec
	if !s.Substituted() {
		e.lastUpdate = s.Time
	}

	e.record(s.Time, e.pose)
	return e.pose
}

func (e *PoseEstimator) record(t time.Time, pose kinematics.Pose) {
	if n := len(e.history); n > 0 && !t.After(e.history[n-1].time) {
		e.history[n-1] = snapshot{time: e.history[n-1].time, pose: pose}
	} else {
		e.history = append(e.history, snapshot{time: t, pose: pose})
	}
	// keep one entry at or before the cutoff so the edge of the window can still be interpolated
	cutoff := t.Add(-e.cfg.HistoryWindow)
	drop := 0
	for drop+1 < len(e.history) && !e.history[drop+1].time.After(cutoff) {
		drop++
	}
	if drop > 0 {
		e.history = append(e.history[:0], e.history[drop:]...)
	}
}

// poseAt interpolates the estimate history at t. Times after the newest entry read the current estimate.
func (e *PoseEstimator) poseAt(t time.Time) (kinematics.Pose, bool) {
	if len(e.history) == 0 || t.Before(e.history[0].time) || t.Before(e.lastUpdate.Add(-e.cfg.HistoryWindow)) {
		return kinematics.Pose{}, false
	}
	i := sort.Search(len(e.history), func(i int) bool { return e.history[i].time.After(t) })
	if i == len(e.history) {
		return e.pose, true
	}
	before, after := e.history[i-1], e.history[i]
	span := after.time.Sub(before.time).Seconds()
	return before.pose.Interpolate(after.pose, t.Sub(before.time).Seconds()/span), true
}

// vet applies the acceptance rules in order and returns the first that fails.
func (e *PoseEstimator) vet(s vision.PoseSample, mode vision.FusionMode) Rejection {
	if !s.Pose.IsFinite() || math.IsNaN(s.PrimaryAmbiguity) || math.IsNaN(s.PrimaryDistanceMeters) || s.Timestamp.IsZero() {
		return RejectNonFinite
	}
	if s.TagCount <= 0 {
		return RejectNoTags
	}
	switch mode {
	case vision.SingleTarget:
		if s.TagCount == 1 && s.PrimaryAmbiguity > e.cfg.MaxAmbiguity {
			return RejectAmbiguous
		}
		if s.TagCount == 1 && s.PrimaryDistanceMeters > e.cfg.MaxSingleTagDistance {
			return RejectTooFar
		}
	case vision.MultiTarget:
		if math.Abs(e.rate) > e.cfg.MaxAngularRate {
			return RejectSpinning
		}
	}
	return Accepted
}

// AddVisionSample fuses a camera pose solve if it passes the acceptance rules. A rejected sample leaves the
// estimate untouched; rejection is routine and only counted and logged at debug level.
func (e *PoseEstimator) AddVisionSample(s vision.PoseSample, mode vision.FusionMode) (bool, Rejection) {
	reason := e.vet(s, mode)
	var past kinematics.Pose
	if reason == Accepted {
		var ok bool
		if past, ok = e.poseAt(s.Timestamp); !ok {
			reason = RejectStale
		}
	}
	if reason != Accepted {
		e.tel.Inc(telemetry.Join("vision.rejected", string(reason)))
		e.logger.Debugw("vision sample rejected", "reason", reason, "mode", mode, "tags", s.TagCount,
			"ambiguity", s.PrimaryAmbiguity, "distance", s.PrimaryDistanceMeters, "pose", s.Pose.String())
		return false, reason
	}

	residual := mat.NewVecDense(3, []float64{
		s.Pose.X - past.X,
		s.Pose.Y - past.Y,
		kinematics.NormalizeAngle(s.Pose.Theta - past.Theta),
	})
	var correction mat.VecDense
	correction.MulVec(e.gains[mode], residual)
	dx, dy, dtheta := correction.AtVec(0), correction.AtVec(1), correction.AtVec(2)

	shift := func(p kinematics.Pose) kinematics.Pose {
		return kinematics.Pose{X: p.X + dx, Y: p.Y + dy, Theta: kinematics.NormalizeAngle(p.Theta + dtheta)}
	}
	e.pose = shift(e.pose)
	// shift the stored trajectory too; later samples compare against the corrected state whatever their timestamp
	for i := range e.history {
		e.history[i].pose = shift(e.history[i].pose)
	}

	e.tel.Inc("vision.accepted")
	e.logger.Debugw("vision sample fused", "mode", mode, "tags", s.TagCount, "correction_x", dx, "correction_y", dy)
	return true, Accepted
}
