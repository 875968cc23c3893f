package model

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func TestHealthForAge(t *testing.T) {
	cases := []struct {
		age  string
		want HealthLevel
	}{
		{"0", HealthExcellent},
		{"2.99", HealthExcellent},
		{"3", HealthStrong},
		{"6.99", HealthStrong},
		{"7", HealthHealthy},
		{"13.5", HealthHealthy},
		{"14", HealthAdequate},
		{"29.99", HealthAdequate},
		{"30", HealthStrained},
		{"40.87", HealthStrained},
		{"59.99", HealthStrained},
		{"60", HealthCritical},
		{"365", HealthCritical},
	}
	for _, tc := range cases {
		age := decimal.RequireFromString(tc.age)
		if got := HealthForAge(age); got != tc.want {
			t.Errorf("HealthForAge(%s) = %s, want %s", tc.age, got, tc.want)
		}
	}
}

func TestAgeDays(t *testing.T) {
	out := time.Date(2026, 2, 1, 12, 0, 0, 0, time.UTC)

	if got := AgeDays(out.AddDate(0, 0, -45), out); got != 45 {
		t.Errorf("45 day old funds: got %d", got)
	}
	// Partial days truncate.
	if got := AgeDays(out.Add(-36*time.Hour), out); got != 1 {
		t.Errorf("36h old funds: got %d, want 1", got)
	}
	// Future-dated inflow clamps rather than going negative.
	if got := AgeDays(out.Add(12*time.Hour), out); got != 0 {
		t.Errorf("future inflow: got %d, want 0", got)
	}
}
