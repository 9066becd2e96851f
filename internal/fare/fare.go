// Package fare prices a trip from its distance and vehicle class.
package fare

import (
	"errors"
	"math"
	"strings"
)

var ErrUnknownClass = errors.New("unknown vehicle class")

// DefaultClass prices requests that do not name a vehicle class.
const DefaultClass = "car"

type Model interface {
	Amount(distanceKm float64) float64
}

// FlatRate charges Base plus PerKm for every kilometre.
type FlatRate struct {
	Base  float64
	PerKm float64
}

func (f FlatRate) Amount(distanceKm float64) float64 {
	return f.Base + f.PerKm*math.Max(distanceKm, 0)
}

// Tier prices the kilometres up to UpToKm. UpToKm == 0 means unbounded and
// must be last.
type Tier struct {
	UpToKm float64
	PerKm  float64
}

// Tiered charges Base plus each tier's rate for the distance falling inside it.
type Tiered struct {
	Base  float64
	Tiers []Tier
}

func (t Tiered) Amount(distanceKm float64) float64 {
	total := t.Base
	remaining := math.Max(distanceKm, 0)
	floor := 0.0
	for _, tier := range t.Tiers {
		if remaining <= 0 {
			break
		}
		span := remaining
		if tier.UpToKm > 0 {
			span = math.Min(remaining, tier.UpToKm-floor)
			floor = tier.UpToKm
		}
		total += span * tier.PerKm
		remaining -= span
	}
	return total
}

// Table maps lower-case vehicle classes to their pricing model.
type Table map[string]Model

func DefaultTable() Table {
	return Table{
		"bike": FlatRate{Base: 20, PerKm: 6},
		"car":  FlatRate{Base: 50, PerKm: 12},
		"van": Tiered{Base: 80, Tiers: []Tier{
			{UpToKm: 5, PerKm: 18},
			{UpToKm: 15, PerKm: 15},
			{PerKm: 12},
		}},
	}
}

// Estimate returns the fare rounded to two decimals.
func (t Table) Estimate(class string, distanceKm float64) (float64, error) {
	class = strings.ToLower(strings.TrimSpace(class))
	if class == "" {
		class = DefaultClass
	}
	m, ok := t[class]
	if !ok {
		return 0, ErrUnknownClass
	}
	return math.Round(m.Amount(distanceKm)*100) / 100, nil
}
