package gacha

import (
	"math/rand/v2"
	"sync"
)

// RandomSource yields uniform draws. Float64 is in [0, 1) and IntN in [0, n).
type RandomSource interface {
	Float64() float64
	IntN(n int) int
}

type runtimeRNG struct{}

func (runtimeRNG) Float64() float64 { return rand.Float64() }
func (runtimeRNG) IntN(n int) int   { return rand.IntN(n) }

// DefaultRNG uses the runtime's randomly seeded generator and is safe for
// concurrent use.
func DefaultRNG() RandomSource { return runtimeRNG{} }

type seededRNG struct {
	mu sync.Mutex
	r  *rand.Rand
}

// NewSeededRNG returns a reproducible source, for simulations and tests.
func NewSeededRNG(seed uint64) RandomSource {
	return &seededRNG{r: rand.New(rand.NewPCG(seed, 0))}
}

func (s *seededRNG) Float64() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.r.Float64()
}

func (s *seededRNG) IntN(n int) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.r.IntN(n)
}
