package medal

import (
	"encoding/json"
	"fmt"
	"strings"

	"vexa.gg/parkour/internal/parkour/catalog"
)

type Tier int

const (
	None Tier = iota
	Bronze
	Silver
	Gold
)

var tierNames = [...]string{"NONE", "BRONZE", "SILVER", "GOLD"}

func (t Tier) String() string {
	if t < None || t > Gold {
		return fmt.Sprintf("Tier(%d)", int(t))
	}
	return tierNames[t]
}

func ParseTier(s string) (Tier, error) {
	for i, n := range tierNames {
		if strings.EqualFold(strings.TrimSpace(s), n) {
			return Tier(i), nil
		}
	}
	return None, fmt.Errorf("unknown medal tier %q", s)
}

func (t Tier) MarshalJSON() ([]byte, error) { return json.Marshal(t.String()) }

// ladder lists thresholds from strictest to loosest.
var ladder = []struct {
	tier  Tier
	limit func(catalog.MapDefinition) *int64
}{
	{Gold, func(m catalog.MapDefinition) *int64 { return m.GoldTimeMs }},
	{Silver, func(m catalog.MapDefinition) *int64 { return m.SilverTimeMs }},
	{Bronze, func(m catalog.MapDefinition) *int64 { return m.BronzeTimeMs }},
}

// Classify returns the best tier reached by elapsedMs on m. Tiers without a
// threshold cannot be reached.
func Classify(elapsedMs int64, m catalog.MapDefinition) Tier {
	for _, rung := range ladder {
		if lim := rung.limit(m); lim != nil && elapsedMs <= *lim {
			return rung.tier
		}
	}
	return None
}

// Set is a small bitset of earned tiers.
type Set uint8

func (s Set) Has(t Tier) bool { return t > None && s&(1<<uint(t)) != 0 }

func (s Set) With(t Tier) Set {
	if t <= None {
		return s
	}
	return s | 1<<uint(t)
}

func (s Set) Without(other Set) Set { return s &^ other }

func (s Set) Empty() bool { return s == 0 }

// Tiers lists members from Bronze up to Gold.
func (s Set) Tiers() []Tier {
	out := make([]Tier, 0, 3)
	for t := Bronze; t <= Gold; t++ {
		if s.Has(t) {
			out = append(out, t)
		}
	}
	return out
}

func (s Set) MarshalJSON() ([]byte, error) {
	names := make([]string, 0, 3)
	for _, t := range s.Tiers() {
		names = append(names, t.String())
	}
	return json.Marshal(names)
}

// Earned is the cumulative set for a best time: every tier whose threshold
// the time meets.
func Earned(bestMs int64, m catalog.MapDefinition) Set {
	var s Set
	for _, rung := range ladder {
		if lim := rung.limit(m); lim != nil && bestMs <= *lim {
			s = s.With(rung.tier)
		}
	}
	return s
}

// Newly returns the tiers gained by improving from prevBest to newBest. A
// nil prevBest means the map had never been completed.
func Newly(prevBest *int64, newBest int64, m catalog.MapDefinition) []Tier {
	now := Earned(newBest, m)
	if prevBest == nil {
		return now.Tiers()
	}
	return now.Without(Earned(*prevBest, m)).Tiers()
}
