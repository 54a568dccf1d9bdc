// Package channels discovers chat channels, drops the ones not worth
// syncing and orders the rest by priority tier.
package channels

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/xhad/dealctx/internal/models"
)

// Rules drive filtering and tiering.
type Rules struct {
	UltraPrefixes    []string
	NoiseTerms       []string
	BusinessKeywords []string

	MinMembers    int // below this a channel is dropped
	NoiseFloor    int // noise channels are kept from this many members
	MediumMembers int // member count for the medium tier
}

// DefaultRules returns the built-in rule set.
func DefaultRules() Rules {
	return Rules{
		UltraPrefixes: []string{"fern-"},
		NoiseTerms:    []string{"random", "test", "bot-", "notifications", "alerts", "logs", "spam"},
		BusinessKeywords: []string{
			"sales", "deals", "revenue", "partnerships", "customers",
			"demo", "onboarding", "support", "implementation", "integration",
			"contracts", "legal", "success", "growth",
		},
		MinMembers:    2,
		NoiseFloor:    5,
		MediumMembers: 10,
	}
}

// Company and client channels: acme-client, partners-globex and the like.
var clientPattern = regexp.MustCompile(`-(client|customer|partner)s?$|^(client|customer|partner)s?-`)

// Prioritizer assigns tiers. It holds no state between calls, so the same
// input always produces the same output.
type Prioritizer struct {
	rules  Rules
	logger *zap.Logger
}

func NewPrioritizer(rules Rules, logger *zap.Logger) *Prioritizer {
	if logger == nil {
		logger = zap.NewNop()
	}
	if rules.MinMembers == 0 {
		rules.MinMembers = 2
	}
	if rules.NoiseFloor == 0 {
		rules.NoiseFloor = 5
	}
	if rules.MediumMembers == 0 {
		rules.MediumMembers = 10
	}
	return &Prioritizer{rules: rules, logger: logger}
}

// Categorize returns the channel's tier, or false when the channel should
// not be synced at all.
func (p *Prioritizer) Categorize(ch models.Channel) (models.Tier, bool) {
	name := strings.ToLower(ch.Name)

	if ch.MemberCount < p.rules.MinMembers {
		return "", false
	}
	if ch.MemberCount < p.rules.NoiseFloor && containsAny(name, p.rules.NoiseTerms) {
		return "", false
	}

	for _, prefix := range p.rules.UltraPrefixes {
		if strings.HasPrefix(name, strings.ToLower(prefix)) {
			return models.TierUltra, true
		}
	}

	// Only ultra channels survive archiving.
	if ch.IsArchived {
		return "", false
	}

	if clientPattern.MatchString(name) || containsAny(name, p.rules.BusinessKeywords) {
		return models.TierHigh, true
	}
	if ch.MemberCount >= p.rules.MediumMembers {
		return models.TierMedium, true
	}
	return models.TierLow, true
}

// Prioritize filters and tiers channels and returns them ultra first, then
// high, medium and low. Within a tier larger channels come first; ties
// break on name and id so the order is fully deterministic.
func (p *Prioritizer) Prioritize(chs []models.Channel) []models.Channel {
	out := make([]models.Channel, 0, len(chs))
	for _, ch := range chs {
		tier, ok := p.Categorize(ch)
		if !ok {
			continue
		}
		ch.Category = tier
		out = append(out, ch)
	}

	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.Category.Rank() != b.Category.Rank() {
			return a.Category.Rank() < b.Category.Rank()
		}
		if a.MemberCount != b.MemberCount {
			return a.MemberCount > b.MemberCount
		}
		if a.Name != b.Name {
			return a.Name < b.Name
		}
		return a.ID < b.ID
	})

	p.logger.Debug("channels prioritized",
		zap.Int("listed", len(chs)),
		zap.Int("kept", len(out)),
		zap.Any("per_tier", CountByTier(out)))
	return out
}

// ListFunc returns one page of channels and the cursor of the next page.
type ListFunc func(ctx context.Context, cursor string) ([]models.Channel, string, error)

// maxListPages guards against a platform that keeps returning cursors.
const maxListPages = 200

// Discover pages through every channel and prioritizes them. On a listing
// error the channels gathered so far are still prioritized and returned
// alongside the error.
func (p *Prioritizer) Discover(ctx context.Context, list ListFunc) ([]models.Channel, error) {
	var all []models.Channel
	cursor := ""
	for page := 0; page < maxListPages; page++ {
		if err := ctx.Err(); err != nil {
			return p.Prioritize(all), err
		}
		chs, next, err := list(ctx, cursor)
		if err != nil {
			p.logger.Warn("channel listing stopped early",
				zap.Int("pages", page), zap.Int("channels", len(all)), zap.Error(err))
			return p.Prioritize(all), fmt.Errorf("list channels: %w", err)
		}
		all = append(all, chs...)
		if next == "" {
			break
		}
		cursor = next
	}

	out := p.Prioritize(all)
	p.logger.Info("channel discovery complete", zap.Int("channels", len(out)))
	return out, nil
}

// Select applies per-tier caps for one sync pass. A tier with no cap, or a
// non-positive cap, is uncapped.
func Select(prioritized []models.Channel, caps map[models.Tier]int) []models.Channel {
	taken := make(map[models.Tier]int)
	out := make([]models.Channel, 0, len(prioritized))
	for _, ch := range prioritized {
		if limit, ok := caps[ch.Category]; ok && limit > 0 && taken[ch.Category] >= limit {
			continue
		}
		taken[ch.Category]++
		out = append(out, ch)
	}
	return out
}

// CountByTier tallies channels per tier.
func CountByTier(chs []models.Channel) map[models.Tier]int {
	counts := make(map[models.Tier]int, len(models.Tiers))
	for _, ch := range chs {
		counts[ch.Category]++
	}
	return counts
}

// Depth is how far back and how deep a tier is synced.
type Depth struct {
	MaxPages  int
	PageSize  int
	Lookback  time.Duration
	MinLength int
}

// DefaultDepths are the per-tier sync settings used when none are configured.
var DefaultDepths = map[models.Tier]Depth{
	models.TierUltra:  {MaxPages: 10, PageSize: 30, Lookback: 180 * 24 * time.Hour, MinLength: 1},
	models.TierHigh:   {MaxPages: 6, PageSize: 25, Lookback: 90 * 24 * time.Hour, MinLength: 3},
	models.TierMedium: {MaxPages: 3, PageSize: 20, Lookback: 30 * 24 * time.Hour, MinLength: 5},
	models.TierLow:    {MaxPages: 2, PageSize: 15, Lookback: 14 * 24 * time.Hour, MinLength: 8},
}

// DepthFor returns the depth for tier from depths, falling back to
// DefaultDepths and finally to the low tier.
func DepthFor(depths map[models.Tier]Depth, tier models.Tier) Depth {
	if d, ok := depths[tier]; ok {
		return d
	}
	if d, ok := DefaultDepths[tier]; ok {
		return d
	}
	return DefaultDepths[models.TierLow]
}

func containsAny(s string, terms []string) bool {
	for _, t := range terms {
		if t != "" && strings.Contains(s, strings.ToLower(t)) {
			return true
		}
	}
	return false
}
