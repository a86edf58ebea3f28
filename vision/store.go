package vision

import (
	"context"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

type cameraState struct {
	offset   float64
	offsetAt time.Time
	visible  bool

	pending map[FusionMode]PoseSample

	pipeline    int
	headingHint float64
	rateHint    float64
}

// Store is a Sensor backed by the latest values pushed by the camera collaborator. Offsets older than
// maxOffsetAge read as ErrNoTarget. It is safe for concurrent use.
type Store struct {
	clock        clock.Clock
	maxOffsetAge time.Duration

	mu      sync.Mutex
	cameras map[string]*cameraState
}

var _ Sensor = (*Store)(nil)

// NewStore returns an empty store.
func NewStore(clk clock.Clock, maxOffsetAge time.Duration) *Store {
	return &Store{clock: clk, maxOffsetAge: maxOffsetAge, cameras: map[string]*cameraState{}}
}

func (s *Store) camera(name string) *cameraState {
	c, ok := s.cameras[name]
	if !ok {
		c = &cameraState{pending: map[FusionMode]PoseSample{}}
		s.cameras[name] = c
	}
	return c
}

// PublishOffset records the horizontal angle to the camera's current target.
func (s *Store) PublishOffset(camera string, degrees float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := s.camera(camera)
	c.offset, c.offsetAt, c.visible = degrees, s.clock.Now(), true
}

// ClearTarget records that the camera lost its target.
func (s *Store) ClearTarget(camera string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.camera(camera).visible = false
}

// PublishPose queues a pose solve; only the newest per camera and mode is kept.
func (s *Store) PublishPose(camera string, mode FusionMode, sample PoseSample) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.camera(camera).pending[mode] = sample
}

// HorizontalOffsetDegrees implements Sensor.
func (s *Store) HorizontalOffsetDegrees(ctx context.Context, camera string) (float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := s.camera(camera)
	if !c.visible || (s.maxOffsetAge > 0 && s.clock.Since(c.offsetAt) > s.maxOffsetAge) {
		return 0, ErrNoTarget
	}
	return c.offset, nil
}

// PoseEstimate implements Sensor. Each published sample is returned once.
func (s *Store) PoseEstimate(ctx context.Context, camera string, mode FusionMode) (PoseSample, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := s.camera(camera)
	sample, ok := c.pending[mode]
	if ok {
		delete(c.pending, mode)
	}
	return sample, ok, nil
}

// SetPipelineIndex implements Sensor.
func (s *Store) SetPipelineIndex(ctx context.Context, camera string, index int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.camera(camera).pipeline = index
	return nil
}

// Pipeline returns the pipeline last selected for the camera.
func (s *Store) Pipeline(camera string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.camera(camera).pipeline
}

// SetRobotOrientation implements Sensor.
func (s *Store) SetRobotOrientation(ctx context.Context, camera string, headingDegrees, yawRateDegPerSec float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := s.camera(camera)
	c.headingHint, c.rateHint = headingDegrees, yawRateDegPerSec
	return nil
}

// OrientationHint returns the heading and yaw rate last sent to the camera.
func (s *Store) OrientationHint(camera string) (headingDegrees, yawRateDegPerSec float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := s.camera(camera)
	return c.headingHint, c.rateHint
}
