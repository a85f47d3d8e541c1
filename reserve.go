package airouter

import "time"

// ReservePolicy decides when the reserve provider may serve traffic even
// though primaries still exist. The reserve is kept for the end of the
// quota day: once the reset is near and a primary is running dry, spending
// reserve capacity beats refusing requests.
type ReservePolicy struct {
	// Enabled turns the early-admission rule on. The reserve always
	// serves when no primary candidate survives, regardless.
	Enabled bool `yaml:"enabled"`

	// HoursBeforeReset is how close to the daily reset the rule starts
	// applying.
	HoursBeforeReset float64 `yaml:"hours_before_reset"`

	// PrimaryMinRatio admits the reserve once some primary's remaining
	// budget fraction falls below this value.
	PrimaryMinRatio float64 `yaml:"primary_min_ratio"`
}

// Admit reports whether the reserve may serve now. resetAt is the next
// daily budget reset; ratios hold each primary's remaining budget
// fraction, exhausted and cooling providers included.
func (p ReservePolicy) Admit(now, resetAt time.Time, ratios []float64) bool {
	if !p.Enabled {
		return false
	}
	window := time.Duration(p.HoursBeforeReset * float64(time.Hour))
	if resetAt.Sub(now) > window {
		return false
	}
	if len(ratios) == 0 {
		return true
	}
	lowest := ratios[0]
	for _, r := range ratios[1:] {
		if r < lowest {
			lowest = r
		}
	}
	return lowest < p.PrimaryMinRatio
}
