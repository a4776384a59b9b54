package domain

import (
	"time"
)

type CurrencyID string

const (
	CurrencyCoins CurrencyID = "coins"
	CurrencyGems  CurrencyID = "gems"
	CurrencyXP    CurrencyID = "xp"
)

var Currencies = []CurrencyID{CurrencyCoins, CurrencyGems, CurrencyXP}

func (c CurrencyID) Valid() bool {
	for _, known := range Currencies {
		if c == known {
			return true
		}
	}
	return false
}

type ItemID string

type RewardKind string

const (
	RewardCurrency RewardKind = "currency"
	RewardItem     RewardKind = "item"
)

// Reward is one grant (or debit, when Amount is negative) applied by the
// ledger in the same transaction as the domain state that produced it.
type Reward struct {
	Kind   RewardKind `json:"kind"`
	ID     string     `json:"id"`
	Amount int64      `json:"amount"`
}

func CurrencyReward(id CurrencyID, amount int64) Reward {
	return Reward{Kind: RewardCurrency, ID: string(id), Amount: amount}
}

func ItemReward(id ItemID, amount int64) Reward {
	return Reward{Kind: RewardItem, ID: string(id), Amount: amount}
}

type RankTier struct {
	ID          string `yaml:"id" json:"id"`
	DisplayName string `yaml:"display_name" json:"display_name"`
	MinPoints   int    `yaml:"min_points" json:"min_points"`
	// MaxPoints is -1 for the last tier.
	MaxPoints int  `yaml:"-" json:"max_points"`
	IsTopRank bool `yaml:"-" json:"is_top_rank"`
}

type PlayerRankRecord struct {
	PlayerID    string    `json:"player_id"`
	SeasonID    string    `json:"season_id"`
	TierID      string    `json:"tier_id"`
	Points      int       `json:"points"`
	LastMatchAt time.Time `json:"last_match_at"`
	Wins        int       `json:"wins"`
	Losses      int       `json:"losses"`
}

type Season struct {
	SeasonID string
	Number   int
	StartAt  time.Time
	EndAt    time.Time
	Active   bool
}

type PoolPityState struct {
	PityCounter       int   `json:"pity_counter"`
	GuaranteedCounter int   `json:"guaranteed_counter"`
	TotalPulls        int64 `json:"total_pulls"`
}

type GachaPlayerState struct {
	PerPoolState map[string]PoolPityState `json:"per_pool_state"`
}

type Vec3 struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
}

type ActionSample struct {
	PlayerID        string    `json:"player_id"`
	SessionID       string    `json:"session_id"`
	ActionType      string    `json:"action_type"`
	Position        Vec3      `json:"position"`
	Velocity        Vec3      `json:"velocity"`
	ClientTimestamp time.Time `json:"client_timestamp"`
	ServerTimestamp time.Time `json:"server_timestamp"`
}

type ViolationType string

const (
	ViolationSpeedHack          ViolationType = "speed_hack"
	ViolationTeleport           ViolationType = "teleport"
	ViolationActionSpam         ViolationType = "action_spam"
	ViolationSuspiciousBehavior ViolationType = "suspicious_behavior"
)

type Severity string

const (
	SeverityNone     Severity = ""
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

func (s Severity) Rank() int {
	switch s {
	case SeverityLow:
		return 1
	case SeverityMedium:
		return 2
	case SeverityHigh:
		return 3
	case SeverityCritical:
		return 4
	default:
		return 0
	}
}

type Violation struct {
	ID         string        `json:"id"`
	PlayerID   string        `json:"player_id"`
	Type       ViolationType `json:"type"`
	Severity   Severity      `json:"severity"`
	Evidence   string        `json:"evidence"`
	DetectedAt time.Time     `json:"detected_at"`
}

type EventChallengeProgress struct {
	ProgressCount int        `json:"progress_count"`
	Completed     bool       `json:"completed"`
	CompletedAt   *time.Time `json:"completed_at,omitempty"`
}

type Suspension struct {
	Reason   string    `json:"reason"`
	Severity Severity  `json:"severity"`
	Since    time.Time `json:"since"`
	Until    time.Time `json:"until"`
}

type IntegrityState struct {
	Samples      []ActionSample `json:"samples"`
	LastPosition *Vec3          `json:"last_position,omitempty"`
	LastActionAt time.Time      `json:"last_action_at"`
	Suspension   *Suspension    `json:"suspension,omitempty"`
}

// PlayerState is the single document the ledger reads and writes per player.
type PlayerState struct {
	PlayerID  string                                        `json:"player_id"`
	Wallet    map[CurrencyID]int64                          `json:"wallet"`
	Inventory map[ItemID]int64                              `json:"inventory"`
	Ranks     map[string]*PlayerRankRecord                  `json:"ranks"`
	Gacha     GachaPlayerState                              `json:"gacha"`
	Events    map[string]map[string]*EventChallengeProgress `json:"events"`
	Integrity IntegrityState                                `json:"integrity"`
}

func NewPlayerState(playerID string) *PlayerState {
	s := &PlayerState{PlayerID: playerID}
	s.Normalize()
	return s
}

// Normalize allocates nil maps left behind by JSON decoding.
func (s *PlayerState) Normalize() {
	if s.Wallet == nil {
		s.Wallet = map[CurrencyID]int64{}
	}
	if s.Inventory == nil {
		s.Inventory = map[ItemID]int64{}
	}
	if s.Ranks == nil {
		s.Ranks = map[string]*PlayerRankRecord{}
	}
	if s.Gacha.PerPoolState == nil {
		s.Gacha.PerPoolState = map[string]PoolPityState{}
	}
	if s.Events == nil {
		s.Events = map[string]map[string]*EventChallengeProgress{}
	}
}

func (s *PlayerState) SuspendedAt(now time.Time) (*Suspension, bool) {
	sus := s.Integrity.Suspension
	if sus == nil || !now.Before(sus.Until) {
		return nil, false
	}
	return sus, true
}

type LiveEventChallenge struct {
	ChallengeID string   `json:"challenge_id"`
	Description string   `json:"description"`
	Requirement int      `json:"requirement"`
	Rewards     []Reward `json:"rewards"`
}

type LiveEvent struct {
	EventID    string
	EventType  string
	Data       map[string]string
	Challenges []LiveEventChallenge
	StartAt    time.Time
	EndAt      time.Time
	RequestID  string
	CreatedAt  time.Time
}

func (e *LiveEvent) Running(now time.Time) bool {
	return !now.Before(e.StartAt) && now.Before(e.EndAt)
}

func (e *LiveEvent) Challenge(id string) (LiveEventChallenge, bool) {
	for _, c := range e.Challenges {
		if c.ChallengeID == id {
			return c, true
		}
	}
	return LiveEventChallenge{}, false
}
