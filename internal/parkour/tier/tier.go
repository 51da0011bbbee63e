// Package tier maps a player's share of obtainable completion XP onto named
// rank tiers.
package tier

import (
	"encoding/json"
	"fmt"
	"math"
)

type Tier int

const (
	Unranked Tier = iota
	Iron
	Bronze
	Silver
	Gold
	Platinum
	Emerald
	Diamond
	Master
	Grandmaster
	Challenger
	VexaGod
)

// Band is one row of the threshold table. A band covers
// [MinPercent, next band's MinPercent); the last band is unbounded.
type Band struct {
	Tier       Tier
	Name       string
	MinPercent float64
}

var Table = []Band{
	{Unranked, "Unranked", 0},
	{Iron, "Iron", 0.01},
	{Bronze, "Bronze", 10},
	{Silver, "Silver", 20},
	{Gold, "Gold", 30},
	{Platinum, "Platinum", 40},
	{Emerald, "Emerald", 50},
	{Diamond, "Diamond", 60},
	{Master, "Master", 70},
	{Grandmaster, "Grandmaster", 80},
	{Challenger, "Challenger", 90},
	{VexaGod, "VexaGod", 100},
}

func (t Tier) String() string {
	if t < 0 || int(t) >= len(Table) {
		return fmt.Sprintf("Tier(%d)", int(t))
	}
	return Table[t].Name
}

func (t Tier) MarshalJSON() ([]byte, error) { return json.Marshal(t.String()) }

// Index is the 1-based position of the tier in the table (Unranked = 1).
func (t Tier) Index() int { return int(t) + 1 }

// ValidateTable checks that bands start at zero, are listed in tier order and
// have strictly ascending lower bounds.
func ValidateTable(bands []Band) error {
	if len(bands) == 0 {
		return fmt.Errorf("empty tier table")
	}
	if bands[0].MinPercent != 0 {
		return fmt.Errorf("first band must start at 0, got %v", bands[0].MinPercent)
	}
	for i := 1; i < len(bands); i++ {
		if bands[i].Tier != bands[i-1].Tier+1 {
			return fmt.Errorf("band %d out of tier order", i)
		}
		if !(bands[i].MinPercent > bands[i-1].MinPercent) {
			return fmt.Errorf("band %s lower bound %v not above %v", bands[i].Name, bands[i].MinPercent, bands[i-1].MinPercent)
		}
	}
	return nil
}

func ForPercent(percent float64) Tier {
	if math.IsNaN(percent) || percent < 0 {
		return Unranked
	}
	t := Table[0].Tier
	for _, b := range Table {
		if percent < b.MinPercent {
			break
		}
		t = b.Tier
	}
	return t
}

// Percent returns earned as a percentage of total; zero when total is zero.
func Percent(earned, total int64) float64 {
	if total <= 0 || earned <= 0 {
		return 0
	}
	return float64(earned) * 100 / float64(total)
}

func ForXP(earned, total int64) Tier {
	if total <= 0 {
		return Unranked
	}
	if earned >= total {
		return VexaGod
	}
	return ForPercent(Percent(earned, total))
}

// XPToNext is the additional XP needed to reach the next tier, or 0 at the top.
func XPToNext(earned, total int64) int64 {
	if total <= 0 {
		return 0
	}
	cur := ForXP(earned, total)
	if cur == VexaGod {
		return 0
	}
	next := Table[cur+1].MinPercent
	need := int64(math.Ceil(next * float64(total) / 100))
	// float rounding can put need one off the boundary in either direction
	for need < total && ForXP(need, total) <= cur {
		need++
	}
	for need-1 > earned && ForXP(need-1, total) > cur {
		need--
	}
	if need <= earned {
		return 0
	}
	return need - earned
}
