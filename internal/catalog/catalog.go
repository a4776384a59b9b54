// Package catalog holds the static progression configuration: rank tiers,
// the closed item set, gacha pools, purchasable products and live-event
// templates. A Catalog is loaded once at startup and never mutated.
package catalog

import (
	_ "embed"
	"fmt"
	"math"
	"os"

	"progression-engine/internal/domain"

	"gopkg.in/yaml.v3"
)

//go:embed default.yaml
var defaultCatalog []byte

const weightTolerance = 1e-9

type Item struct {
	ID     domain.ItemID `yaml:"id"`
	Rarity string        `yaml:"rarity"`
}

type PullCost struct {
	Currency domain.CurrencyID `yaml:"currency"`
	Amount   int64             `yaml:"amount"`
}

type RarityBucket struct {
	ID     string          `yaml:"id"`
	Weight float64         `yaml:"weight"`
	Items  []domain.ItemID `yaml:"items"`
}

// Pool rarities are ordered lowest to highest. The last bucket is the top
// rarity and the one before it is the guaranteed floor.
type Pool struct {
	ID                  string         `yaml:"id"`
	HardPity            int            `yaml:"hard_pity"`
	GuaranteedThreshold int            `yaml:"guaranteed_threshold"`
	SoftPityStep        float64        `yaml:"soft_pity_step"`
	FloorStep           float64        `yaml:"floor_step"`
	Cost                PullCost       `yaml:"cost"`
	Rarities            []RarityBucket `yaml:"rarities"`
}

func (p *Pool) TopIndex() int   { return len(p.Rarities) - 1 }
func (p *Pool) FloorIndex() int { return len(p.Rarities) - 2 }

type Product struct {
	ID         string          `yaml:"id"`
	PriceCents int64           `yaml:"price_cents"`
	Grants     []domain.Reward `yaml:"grants"`
}

type ChallengeTemplate struct {
	ID          string          `yaml:"id"`
	Description string          `yaml:"description"`
	Requirement int             `yaml:"requirement"`
	Rewards     []domain.Reward `yaml:"rewards"`
}

type EventTemplate struct {
	Type       string              `yaml:"type"`
	Challenges []ChallengeTemplate `yaml:"challenges"`
}

type file struct {
	Tiers    []domain.RankTier `yaml:"tiers"`
	Items    []Item            `yaml:"items"`
	Pools    []*Pool           `yaml:"pools"`
	Products []Product         `yaml:"products"`
	Events   []EventTemplate   `yaml:"events"`
}

type Catalog struct {
	tiers    []domain.RankTier
	items    map[domain.ItemID]Item
	pools    map[string]*Pool
	products map[string]Product
	events   map[string]EventTemplate
}

// Load reads the catalog at path, or the embedded default when path is empty.
func Load(path string) (*Catalog, error) {
	data := defaultCatalog
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read catalog: %w", err)
		}
		data = b
	}
	return Parse(data)
}

func Parse(data []byte) (*Catalog, error) {
	var f file
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse catalog: %w", err)
	}

	c := &Catalog{
		items:    make(map[domain.ItemID]Item, len(f.Items)),
		pools:    make(map[string]*Pool, len(f.Pools)),
		products: make(map[string]Product, len(f.Products)),
		events:   make(map[string]EventTemplate, len(f.Events)),
	}

	tiers, err := buildTiers(f.Tiers)
	if err != nil {
		return nil, err
	}
	c.tiers = tiers

	for _, it := range f.Items {
		if it.ID == "" {
			return nil, fmt.Errorf("item with empty id")
		}
		if _, dup := c.items[it.ID]; dup {
			return nil, fmt.Errorf("duplicate item %q", it.ID)
		}
		c.items[it.ID] = it
	}

	for _, p := range f.Pools {
		if err := c.validatePool(p); err != nil {
			return nil, fmt.Errorf("pool %q: %w", p.ID, err)
		}
		c.pools[p.ID] = p
	}

	for _, p := range f.Products {
		if p.ID == "" || p.PriceCents <= 0 || len(p.Grants) == 0 {
			return nil, fmt.Errorf("product %q: id, positive price and grants are required", p.ID)
		}
		if err := c.validateRewards(p.Grants); err != nil {
			return nil, fmt.Errorf("product %q: %w", p.ID, err)
		}
		c.products[p.ID] = p
	}

	for _, ev := range f.Events {
		if ev.Type == "" || len(ev.Challenges) == 0 {
			return nil, fmt.Errorf("event template %q: type and challenges are required", ev.Type)
		}
		seen := map[string]bool{}
		for _, ch := range ev.Challenges {
			if ch.ID == "" || ch.Requirement <= 0 || seen[ch.ID] {
				return nil, fmt.Errorf("event template %q: invalid challenge %q", ev.Type, ch.ID)
			}
			seen[ch.ID] = true
			if err := c.validateRewards(ch.Rewards); err != nil {
				return nil, fmt.Errorf("event template %q challenge %q: %w", ev.Type, ch.ID, err)
			}
		}
		c.events[ev.Type] = ev
	}

	return c, nil
}

func buildTiers(in []domain.RankTier) ([]domain.RankTier, error) {
	if len(in) == 0 {
		return nil, fmt.Errorf("at least one rank tier is required")
	}
	if in[0].MinPoints != 0 {
		return nil, fmt.Errorf("first tier must start at 0 points")
	}
	tiers := make([]domain.RankTier, len(in))
	copy(tiers, in)
	for i := range tiers {
		if tiers[i].ID == "" {
			return nil, fmt.Errorf("tier %d has empty id", i)
		}
		if i > 0 && tiers[i].MinPoints <= tiers[i-1].MinPoints {
			return nil, fmt.Errorf("tier %q: min_points must be strictly increasing", tiers[i].ID)
		}
	}
	for i := range tiers {
		if i == len(tiers)-1 {
			tiers[i].MaxPoints = -1
			tiers[i].IsTopRank = true
			continue
		}
		tiers[i].MaxPoints = tiers[i+1].MinPoints - 1
	}
	return tiers, nil
}

func (c *Catalog) validatePool(p *Pool) error {
	if p.ID == "" {
		return fmt.Errorf("empty id")
	}
	if len(p.Rarities) < 2 {
		return fmt.Errorf("at least two rarities are required")
	}
	if p.HardPity <= 0 || p.GuaranteedThreshold <= 0 {
		return fmt.Errorf("hard_pity and guaranteed_threshold must be positive")
	}
	if p.SoftPityStep < 0 || p.FloorStep < 0 {
		return fmt.Errorf("pity steps must not be negative")
	}
	if !p.Cost.Currency.Valid() || p.Cost.Amount < 0 {
		return fmt.Errorf("invalid cost %v", p.Cost)
	}
	var sum float64
	for _, r := range p.Rarities {
		if r.Weight < 0 {
			return fmt.Errorf("rarity %q has negative weight", r.ID)
		}
		if len(r.Items) == 0 {
			return fmt.Errorf("rarity %q has no items", r.ID)
		}
		for _, id := range r.Items {
			if _, ok := c.items[id]; !ok {
				return fmt.Errorf("rarity %q references unknown item %q", r.ID, id)
			}
		}
		sum += r.Weight
	}
	if math.Abs(sum-1.0) > weightTolerance {
		return fmt.Errorf("rarity weights sum to %f, want 1.0", sum)
	}
	return nil
}

func (c *Catalog) validateRewards(rewards []domain.Reward) error {
	for _, r := range rewards {
		if r.Amount <= 0 {
			return fmt.Errorf("reward %q must have a positive amount", r.ID)
		}
		switch r.Kind {
		case domain.RewardCurrency:
			if !domain.CurrencyID(r.ID).Valid() {
				return fmt.Errorf("unknown currency %q", r.ID)
			}
		case domain.RewardItem:
			if _, ok := c.items[domain.ItemID(r.ID)]; !ok {
				return fmt.Errorf("unknown item %q", r.ID)
			}
		default:
			return fmt.Errorf("unknown reward kind %q", r.Kind)
		}
	}
	return nil
}

// Tiers returns the tier table ordered by MinPoints. Callers must not modify it.
func (c *Catalog) Tiers() []domain.RankTier {
	return c.tiers
}

func (c *Catalog) Item(id domain.ItemID) (Item, bool) {
	it, ok := c.items[id]
	return it, ok
}

func (c *Catalog) Pool(id string) (*Pool, bool) {
	p, ok := c.pools[id]
	return p, ok
}

func (c *Catalog) Product(id string) (Product, bool) {
	p, ok := c.products[id]
	return p, ok
}

func (c *Catalog) EventTemplate(eventType string) (EventTemplate, bool) {
	t, ok := c.events[eventType]
	return t, ok
}
