package domain

import (
	"fmt"
	"math"
	"strings"

	"github.com/shopspring/decimal"
)

// RoundingPolicy decides how partial hours are billed.
type RoundingPolicy string

const (
	RoundUpToHour   RoundingPolicy = "round_up"
	RoundDownToHour RoundingPolicy = "round_down"
)

var minutesPerHour = decimal.NewFromInt(60)

// Cost returns the price of durationMinutes at hourlyRate, rounded to cents.
// Non-positive durations are free.
func Cost(durationMinutes float64, hourlyRate decimal.Decimal, policy RoundingPolicy) decimal.Decimal {
	if durationMinutes <= 0 || math.IsNaN(durationMinutes) || math.IsInf(durationMinutes, 0) {
		return decimal.Zero
	}
	hours := decimal.NewFromFloat(durationMinutes).Div(minutesPerHour)
	if policy == RoundDownToHour {
		hours = hours.Floor()
	} else {
		hours = hours.Ceil()
	}
	return hours.Mul(hourlyRate).Round(2)
}

func ParseRoundingPolicy(s string) (RoundingPolicy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "up", "round_up", "ceil":
		return RoundUpToHour, nil
	case "down", "round_down", "floor":
		return RoundDownToHour, nil
	}
	return "", fmt.Errorf("unknown rounding policy %q", s)
}
