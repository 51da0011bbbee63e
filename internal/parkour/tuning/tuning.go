package tuning

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

type Tuning struct {
	PageSize int `yaml:"page_size" json:"page_size"`

	SampleIntervalSeconds int `yaml:"sample_interval_seconds" json:"sample_interval_seconds"`
	SampleRetentionHours  int `yaml:"sample_retention_hours" json:"sample_retention_hours"`
	GraphWindowHours      int `yaml:"graph_window_hours" json:"graph_window_hours"`
	GraphMaxBuckets       int `yaml:"graph_max_buckets" json:"graph_max_buckets"`
	GraphBarSegments      int `yaml:"graph_bar_segments" json:"graph_bar_segments"`

	RequireAllCheckpoints bool `yaml:"require_all_checkpoints" json:"require_all_checkpoints"`
	MaxNameLength         int  `yaml:"max_name_length" json:"max_name_length"`

	SnapshotEveryMinutes int `yaml:"snapshot_every_minutes" json:"snapshot_every_minutes"`

	MedalWeights MedalWeights     `yaml:"medal_weights" json:"medal_weights"`
	CategoryXP   map[string]int64 `yaml:"category_xp" json:"category_xp"`
}

type MedalWeights struct {
	Gold            int `yaml:"gold" json:"gold"`
	Silver          int `yaml:"silver" json:"silver"`
	Bronze          int `yaml:"bronze" json:"bronze"`
	FirstCompletion int `yaml:"first_completion" json:"first_completion"`
}

func Defaults() Tuning {
	return Tuning{
		PageSize:              50,
		SampleIntervalSeconds: 600,
		SampleRetentionHours:  7 * 24,
		GraphWindowHours:      24,
		GraphMaxBuckets:       96,
		GraphBarSegments:      10,
		RequireAllCheckpoints: true,
		MaxNameLength:         32,
		SnapshotEveryMinutes:  15,
		MedalWeights: MedalWeights{
			Gold:            3,
			Silver:          2,
			Bronze:          1,
			FirstCompletion: 1,
		},
		CategoryXP: map[string]int64{
			"easy":   15,
			"medium": 30,
			"hard":   60,
			"insane": 100,
			"other":  15,
		},
	}
}

// Load reads a yaml file on top of Defaults. Keys missing from the file keep
// their default values.
func Load(path string) (Tuning, error) {
	t := Defaults()
	raw, err := os.ReadFile(path)
	if err != nil {
		return t, err
	}
	if err := yaml.Unmarshal(raw, &t); err != nil {
		return t, fmt.Errorf("parkour.yaml: %w", err)
	}
	if err := t.Validate(); err != nil {
		return t, fmt.Errorf("parkour.yaml: %w", err)
	}
	return t, nil
}

func (t Tuning) Validate() error {
	switch {
	case t.PageSize <= 0:
		return fmt.Errorf("page_size must be > 0")
	case t.SampleIntervalSeconds <= 0:
		return fmt.Errorf("sample_interval_seconds must be > 0")
	case t.SampleRetentionHours <= 0:
		return fmt.Errorf("sample_retention_hours must be > 0")
	case t.GraphWindowHours <= 0:
		return fmt.Errorf("graph_window_hours must be > 0")
	case t.GraphMaxBuckets <= 0:
		return fmt.Errorf("graph_max_buckets must be > 0")
	case t.GraphBarSegments <= 0:
		return fmt.Errorf("graph_bar_segments must be > 0")
	case t.MaxNameLength <= 0:
		return fmt.Errorf("max_name_length must be > 0")
	case t.SnapshotEveryMinutes < 0:
		return fmt.Errorf("snapshot_every_minutes must be >= 0")
	}
	w := t.MedalWeights
	if w.Gold < 0 || w.Silver < 0 || w.Bronze < 0 || w.FirstCompletion < 0 {
		return fmt.Errorf("medal_weights must be >= 0")
	}
	for cat, xp := range t.CategoryXP {
		if xp < 0 {
			return fmt.Errorf("category_xp[%s] must be >= 0", cat)
		}
	}
	return nil
}

func (t Tuning) SampleInterval() time.Duration {
	return time.Duration(t.SampleIntervalSeconds) * time.Second
}

func (t Tuning) SampleRetention() time.Duration {
	return time.Duration(t.SampleRetentionHours) * time.Hour
}

func (t Tuning) GraphWindow() time.Duration {
	return time.Duration(t.GraphWindowHours) * time.Hour
}
