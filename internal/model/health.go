package model

import "github.com/shopspring/decimal"

// HealthLevel buckets a weighted money age into a deterministic band.
type HealthLevel string

const (
	HealthExcellent HealthLevel = "excellent" // [0, 3) days
	HealthStrong    HealthLevel = "strong"    // [3, 7)
	HealthHealthy   HealthLevel = "healthy"   // [7, 14)
	HealthAdequate  HealthLevel = "adequate"  // [14, 30)
	HealthStrained  HealthLevel = "strained"  // [30, 60)
	HealthCritical  HealthLevel = "critical"  // [60, ∞)
)

var healthBuckets = []struct {
	upper int64 // exclusive, in days
	level HealthLevel
}{
	{3, HealthExcellent},
	{7, HealthStrong},
	{14, HealthHealthy},
	{30, HealthAdequate},
	{60, HealthStrained},
}

// HealthForAge maps a weighted age in days onto its health bucket.
func HealthForAge(ageDays decimal.Decimal) HealthLevel {
	for _, b := range healthBuckets {
		if ageDays.LessThan(decimal.NewFromInt(b.upper)) {
			return b.level
		}
	}
	return HealthCritical
}
