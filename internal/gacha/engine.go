package gacha

import (
	"progression-engine/internal/catalog"
	"progression-engine/internal/domain"
)

const MaxPullsPerRequest = 10

type Result struct {
	ItemID      domain.ItemID `json:"item_id"`
	Rarity      string        `json:"rarity"`
	RarityIndex int           `json:"rarity_index"`
	IsNew       bool          `json:"is_new"`
}

type Outcome struct {
	Results []Result
	State   domain.PoolPityState
	// Rewards holds the pull cost as a debit followed by one grant per result.
	Rewards []domain.Reward
}

type Engine struct {
	rng RandomSource
}

func NewEngine(rng RandomSource) *Engine {
	if rng == nil {
		rng = DefaultRNG()
	}
	return &Engine{rng: rng}
}

// Probabilities returns the per-rarity chance of a drawn (not forced) pull
// for the given counters, indexed like pool.Rarities. With zero counters the
// result equals the configured base weights.
func Probabilities(pool *catalog.Pool, st domain.PoolPityState) []float64 {
	n := len(pool.Rarities)
	top, floor := pool.TopIndex(), pool.FloorIndex()
	probs := make([]float64, n)

	pTop := pool.Rarities[top].Weight + float64(st.PityCounter)*pool.SoftPityStep
	pTop = clamp01(pTop)

	var restWeight float64
	for i := 0; i < floor; i++ {
		restWeight += pool.Rarities[i].Weight
	}

	pFloor := pool.Rarities[floor].Weight + float64(st.GuaranteedCounter)*pool.FloorStep
	if restWeight == 0 || pFloor > 1-pTop {
		pFloor = 1 - pTop
	}

	probs[top] = pTop
	probs[floor] = pFloor

	rest := 1 - pTop - pFloor
	if restWeight > 0 {
		for i := 0; i < floor; i++ {
			probs[i] = rest * pool.Rarities[i].Weight / restWeight
		}
	}
	return probs
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// rarityFor picks the rarity index of the next pull. A pull that would be the
// HardPity-th without a top result is forced to top; likewise for the floor
// guarantee. Pity takes precedence.
func (e *Engine) rarityFor(pool *catalog.Pool, st domain.PoolPityState) int {
	switch {
	case st.PityCounter >= pool.HardPity-1:
		return pool.TopIndex()
	case st.GuaranteedCounter >= pool.GuaranteedThreshold-1:
		return pool.FloorIndex()
	}

	probs := Probabilities(pool, st)
	u := e.rng.Float64()
	var cum float64
	for i := len(probs) - 1; i >= 0; i-- {
		cum += probs[i]
		if u < cum {
			return i
		}
	}
	return 0
}

// Advance updates the counters after a pull that produced rarity idx.
func Advance(pool *catalog.Pool, st domain.PoolPityState, idx int) domain.PoolPityState {
	st.TotalPulls++
	st.PityCounter++
	st.GuaranteedCounter++
	if idx == pool.TopIndex() {
		st.PityCounter = 0
	}
	if idx >= pool.FloorIndex() {
		st.GuaranteedCounter = 0
	}
	return st
}

// Pull performs count pulls against the player's pity state for pool and
// writes the advanced counters back into state. The returned rewards must be
// applied in the same transaction as the counter update.
func (e *Engine) Pull(state *domain.PlayerState, pool *catalog.Pool, count int) Outcome {
	st := state.Gacha.PerPoolState[pool.ID]

	out := Outcome{
		Results: make([]Result, 0, count),
		Rewards: make([]domain.Reward, 0, count+1),
	}
	if pool.Cost.Amount > 0 {
		out.Rewards = append(out.Rewards, domain.CurrencyReward(pool.Cost.Currency, -pool.Cost.Amount*int64(count)))
	}

	seen := map[domain.ItemID]bool{}
	for i := 0; i < count; i++ {
		idx := e.rarityFor(pool, st)
		bucket := pool.Rarities[idx]
		item := bucket.Items[e.rng.IntN(len(bucket.Items))]

		out.Results = append(out.Results, Result{
			ItemID:      item,
			Rarity:      bucket.ID,
			RarityIndex: idx,
			IsNew:       state.Inventory[item] == 0 && !seen[item],
		})
		out.Rewards = append(out.Rewards, domain.ItemReward(item, 1))
		seen[item] = true

		st = Advance(pool, st, idx)
	}

	state.Gacha.PerPoolState[pool.ID] = st
	out.State = st
	return out
}
