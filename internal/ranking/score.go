// Package ranking scores venue candidates by expected value per minute of
// driving and orders them for display.
package ranking

import (
	"math"

	"strategy-pipeline/internal/models"
)

// Thresholds holds the grade cut points and the minimum worthwhile fare.
type Thresholds struct {
	GradeAMin   float64
	GradeBMin   float64
	MinEarnings float64
}

// DefaultThresholds returns A >= 1.0, B >= 0.5 and an $8 minimum.
func DefaultThresholds() Thresholds {
	return Thresholds{GradeAMin: 1.0, GradeBMin: 0.5, MinEarnings: 8}
}

// ValuePerMin is earnings divided by drive minutes, with drive floored at 1.
func ValuePerMin(earnings, driveMinutes float64) float64 {
	return earnings / math.Max(driveMinutes, 1)
}

// Grade buckets a value-per-minute figure.
func (t Thresholds) Grade(vpm float64) string {
	switch {
	case vpm >= t.GradeAMin:
		return models.GradeA
	case vpm >= t.GradeBMin:
		return models.GradeB
	default:
		return models.GradeC
	}
}

// NotWorth reports whether earnings fall below the minimum, independent of grade.
func (t Thresholds) NotWorth(earnings float64) bool {
	return earnings < t.MinEarnings
}
