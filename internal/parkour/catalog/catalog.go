package catalog

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// DefaultOrder is used for maps that do not declare a display order.
const DefaultOrder = 1000

type Category string

const (
	Easy   Category = "easy"
	Medium Category = "medium"
	Hard   Category = "hard"
	Insane Category = "insane"
	Other  Category = "other"
)

func NormalizeCategory(s string) Category {
	switch c := Category(strings.ToLower(strings.TrimSpace(s))); c {
	case Easy, Medium, Hard, Insane:
		return c
	default:
		return Other
	}
}

type Transform struct {
	X   float64 `yaml:"x" json:"x"`
	Y   float64 `yaml:"y" json:"y"`
	Z   float64 `yaml:"z" json:"z"`
	Yaw float64 `yaml:"yaw,omitempty" json:"yaw,omitempty"`
}

type MapDefinition struct {
	ID                string      `yaml:"id" json:"id" validate:"required,max=64"`
	Name              string      `yaml:"name" json:"name,omitempty" validate:"max=128"`
	Category          Category    `yaml:"category" json:"category"`
	Difficulty        int         `yaml:"difficulty" json:"difficulty" validate:"min=0"`
	Order             int         `yaml:"order" json:"order"`
	FirstCompletionXP int64       `yaml:"first_completion_xp" json:"first_completion_xp" validate:"min=0"`
	BronzeTimeMs      *int64      `yaml:"bronze_time_ms,omitempty" json:"bronze_time_ms,omitempty" validate:"omitempty,gt=0"`
	SilverTimeMs      *int64      `yaml:"silver_time_ms,omitempty" json:"silver_time_ms,omitempty" validate:"omitempty,gt=0"`
	GoldTimeMs        *int64      `yaml:"gold_time_ms,omitempty" json:"gold_time_ms,omitempty" validate:"omitempty,gt=0"`
	Active            bool        `yaml:"active" json:"active"`
	Start             *Transform  `yaml:"start,omitempty" json:"start,omitempty"`
	Finish            *Transform  `yaml:"finish,omitempty" json:"finish,omitempty"`
	Checkpoints       []Transform `yaml:"checkpoints,omitempty" json:"checkpoints,omitempty"`
}

func (d MapDefinition) HasStart() bool      { return d.Start != nil }
func (d MapDefinition) CheckpointCount() int { return len(d.Checkpoints) }

func (d MapDefinition) DisplayName() string {
	if strings.TrimSpace(d.Name) != "" {
		return d.Name
	}
	return d.ID
}

var validate = validator.New()

// Validate checks field constraints and that configured medal thresholds get
// stricter from bronze to gold.
func Validate(d MapDefinition) error {
	if err := validate.Struct(d); err != nil {
		return fmt.Errorf("map %q: %w", d.ID, err)
	}
	var prev *int64
	for _, th := range []*int64{d.BronzeTimeMs, d.SilverTimeMs, d.GoldTimeMs} {
		if th == nil {
			continue
		}
		if prev != nil && *th > *prev {
			return fmt.Errorf("map %q: medal thresholds must not increase from bronze to gold", d.ID)
		}
		prev = th
	}
	return nil
}

var ErrDuplicateMap = errors.New("duplicate map id")

// Catalog is the read-only view of map definitions used by the engine. Only
// Replace and Reload mutate it.
type Catalog struct {
	mu     sync.RWMutex
	byID   map[string]MapDefinition
	digest string

	version atomic.Uint64
}

func New(defs []MapDefinition) (*Catalog, error) {
	c := &Catalog{byID: map[string]MapDefinition{}}
	if err := c.Replace(defs); err != nil {
		return nil, err
	}
	return c, nil
}

func LoadFile(path string, categoryXP map[string]int64) (*Catalog, error) {
	c := &Catalog{byID: map[string]MapDefinition{}}
	if err := c.Reload(path, categoryXP); err != nil {
		return nil, err
	}
	return c, nil
}

// Reload replaces the catalog with the contents of path. On error the current
// definitions are kept.
func (c *Catalog) Reload(path string, categoryXP map[string]int64) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	defs, err := Parse(raw, categoryXP)
	if err != nil {
		return err
	}
	sum := sha256.Sum256(raw)
	digest := hex.EncodeToString(sum[:])
	return c.swap(defs, &digest)
}

// Replace swaps in defs and keeps the current digest.
func (c *Catalog) Replace(defs []MapDefinition) error {
	return c.swap(defs, nil)
}

// swap publishes the definitions, digest and new version together.
func (c *Catalog) swap(defs []MapDefinition, digest *string) error {
	next := make(map[string]MapDefinition, len(defs))
	for _, d := range defs {
		d.ID = strings.TrimSpace(d.ID)
		d.Category = NormalizeCategory(string(d.Category))
		if err := Validate(d); err != nil {
			return err
		}
		if _, dup := next[d.ID]; dup {
			return fmt.Errorf("%w: %s", ErrDuplicateMap, d.ID)
		}
		next[d.ID] = d
	}
	c.mu.Lock()
	c.byID = next
	if digest != nil {
		c.digest = *digest
	}
	c.version.Add(1)
	c.mu.Unlock()
	return nil
}

func (c *Catalog) GetMap(id string) (MapDefinition, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	d, ok := c.byID[id]
	return d, ok
}

func (c *Catalog) HasMap(id string) bool {
	_, ok := c.GetMap(id)
	return ok
}

// ListMaps returns every map ordered by display order, then id.
func (c *Catalog) ListMaps() []MapDefinition {
	c.mu.RLock()
	out := make([]MapDefinition, 0, len(c.byID))
	for _, d := range c.byID {
		out = append(out, d)
	}
	c.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].Order != out[j].Order {
			return out[i].Order < out[j].Order
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// TotalPossibleXP sums first-completion XP over active maps.
func (c *Catalog) TotalPossibleXP() int64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var total int64
	for _, d := range c.byID {
		if d.Active {
			total += d.FirstCompletionXP
		}
	}
	return total
}

func (c *Catalog) Version() uint64 { return c.version.Load() }

func (c *Catalog) Digest() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.digest
}

// Stamp returns the version and the digest of the same catalog contents.
func (c *Catalog) Stamp() (uint64, string) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.version.Load(), c.digest
}

type fileV1 struct {
	Maps []rawMap `yaml:"maps"`
}

type rawMap struct {
	ID                string      `yaml:"id"`
	Name              string      `yaml:"name"`
	Category          string      `yaml:"category"`
	Difficulty        int         `yaml:"difficulty"`
	Order             *int        `yaml:"order"`
	FirstCompletionXP *int64      `yaml:"first_completion_xp"`
	BronzeTimeMs      *int64      `yaml:"bronze_time_ms"`
	SilverTimeMs      *int64      `yaml:"silver_time_ms"`
	GoldTimeMs        *int64      `yaml:"gold_time_ms"`
	Active            *bool       `yaml:"active"`
	Start             *Transform  `yaml:"start"`
	Finish            *Transform  `yaml:"finish"`
	Checkpoints       []Transform `yaml:"checkpoints"`
}

// Parse decodes a maps.yaml document. Maps without first_completion_xp get the
// category default from categoryXP; maps without active default to active.
func Parse(raw []byte, categoryXP map[string]int64) ([]MapDefinition, error) {
	var f fileV1
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("maps.yaml: %w", err)
	}
	out := make([]MapDefinition, 0, len(f.Maps))
	for _, r := range f.Maps {
		d := MapDefinition{
			ID:           strings.TrimSpace(r.ID),
			Name:         r.Name,
			Category:     NormalizeCategory(r.Category),
			Difficulty:   r.Difficulty,
			Order:        DefaultOrder,
			BronzeTimeMs: r.BronzeTimeMs,
			SilverTimeMs: r.SilverTimeMs,
			GoldTimeMs:   r.GoldTimeMs,
			Active:       true,
			Start:        r.Start,
			Finish:       r.Finish,
			Checkpoints:  r.Checkpoints,
		}
		if r.Order != nil {
			d.Order = *r.Order
		}
		if r.Active != nil {
			d.Active = *r.Active
		}
		if r.FirstCompletionXP != nil {
			d.FirstCompletionXP = *r.FirstCompletionXP
		} else {
			d.FirstCompletionXP = categoryXP[string(d.Category)]
		}
		if err := Validate(d); err != nil {
			return nil, fmt.Errorf("maps.yaml: %w", err)
		}
		out = append(out, d)
	}
	return out, nil
}
