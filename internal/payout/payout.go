// Package payout computes reviewer cookie payouts.
package payout

// RateTable maps a project classification to its base rate.
type RateTable map[string]float64

// DefaultRate applies to absent or unknown classifications.
const DefaultRate = 1.0

// DefaultRates is the stock rate table.
func DefaultRates() RateTable {
	return RateTable{
		"CLI":                   1,
		"Cargo":                 1,
		"Web App":               0.6,
		"Chat Bot":              0.6,
		"Extension":             1,
		"Desktop App (Windows)": 1.5,
		"Desktop App (Linux)":   1.5,
		"Desktop App (macOS)":   1.5,
		"Minecraft Mods":        1,
		"Hardware":              1,
		"Android App":           1.5,
		"iOS App":               1.5,
		"Steam Games":           1,
		"PyPI":                  1,
		"Other":                 1.5,
	}
}

// Base returns the base rate for projectType.
func (t RateTable) Base(projectType string) float64 {
	if rate, ok := t[projectType]; ok {
		return rate
	}
	return DefaultRate
}

type Result struct {
	Cookies    float64 `json:"cookies"`
	Multiplier float64 `json:"multiplier"`
}

// Calc returns the payout for one decision. A non-nil customBounty replaces
// the computed amount and reports a multiplier of 1.
func Calc(reviewerMultiplier float64, projectType string, customBounty *float64, rates RateTable) Result {
	if customBounty != nil {
		return Result{Cookies: *customBounty, Multiplier: 1}
	}
	return Result{
		Cookies:    rates.Base(projectType) * reviewerMultiplier,
		Multiplier: reviewerMultiplier,
	}
}
