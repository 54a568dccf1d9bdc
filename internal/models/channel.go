package models

// Tier is the sync priority bucket assigned to a channel.
type Tier string

const (
	TierUltra  Tier = "ultra"
	TierHigh   Tier = "high"
	TierMedium Tier = "medium"
	TierLow    Tier = "low"
)

// Tiers lists every tier in sync order.
var Tiers = []Tier{TierUltra, TierHigh, TierMedium, TierLow}

// Rank orders tiers; lower syncs first.
func (t Tier) Rank() int {
	for i, tier := range Tiers {
		if tier == t {
			return i
		}
	}
	return len(Tiers)
}

// Channel is a transient discovery result.
type Channel struct {
	ID          string
	Name        string
	MemberCount int
	IsArchived  bool
	IsMember    bool
	Category    Tier
}
