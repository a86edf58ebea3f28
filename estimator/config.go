package estimator

import (
	"math"
	"time"

	"github.com/Team-5243/Reefscape/kinematics"
)

// Config tunes odometry trust and the vision acceptance rules.
type Config struct {
	// OdometryStdDev is the per-axis position standard deviation (m) assumed for dead reckoning.
	OdometryStdDev float64 `json:"odometry_std_dev"`
	// SingleTargetStdDev and MultiTargetStdDev are the vision position standard deviations (m) per mode.
	SingleTargetStdDev float64 `json:"single_target_std_dev"`
	MultiTargetStdDev  float64 `json:"multi_target_std_dev"`

	// Single-target samples seeing one tag are rejected above these.
	MaxAmbiguity         float64 `json:"max_ambiguity"`
	MaxSingleTagDistance float64 `json:"max_single_tag_distance"`
	// Multi-target samples are rejected while the robot turns faster than this (deg/s).
	MaxAngularRate float64 `json:"max_angular_rate"`

	// HistoryWindow is how far back a vision timestamp may reach.
	HistoryWindow time.Duration `json:"history_window"`
}

// DefaultConfig returns the competition tuning.
func DefaultConfig() Config {
	return Config{
		OdometryStdDev:       0.1,
		SingleTargetStdDev:   0.5,
		MultiTargetStdDev:    0.7,
		MaxAmbiguity:         0.7,
		MaxSingleTagDistance: 3.0,
		MaxAngularRate:       720,
		HistoryWindow:        1500 * time.Millisecond,
	}
}

// Validate reports a *kinematics.ConfigurationError for non-positive settings.
func (c Config) Validate() error {
	for name, v := range map[string]float64{
		"odometry_std_dev":        c.OdometryStdDev,
		"single_target_std_dev":   c.SingleTargetStdDev,
		"multi_target_std_dev":    c.MultiTargetStdDev,
		"max_ambiguity":           c.MaxAmbiguity,
		"max_single_tag_distance": c.MaxSingleTagDistance,
		"max_angular_rate":        c.MaxAngularRate,
	} {
		if !(v > 0) || math.IsInf(v, 0) {
			return kinematics.NewConfigurationError("pose estimator", "%s must be positive, got %v", name, v)
		}
	}
	if c.HistoryWindow <= 0 {
		return kinematics.NewConfigurationError("pose estimator", "history_window must be positive, got %v", c.HistoryWindow)
	}
	return nil
}
