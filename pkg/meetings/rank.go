package meetings

import (
	"regexp"
	"sort"
	"strings"

	"github.com/xhad/dealctx/internal/models"
	"github.com/xhad/dealctx/pkg/processor"
)

// Field weights for Score.
const (
	TitleWeight      = 3.0
	SummaryWeight    = 2.0
	TranscriptWeight = 1.0
	ExternalBoost    = 1.2
)

var termProcessor = processor.New()

// Terms splits a query into the terms Score matches.
func Terms(query string) []string {
	return termProcessor.QueryTerms(query)
}

// Score is the weighted count of query terms found in the title, the
// summary and the transcript, boosted for client-facing meetings.
func Score(m models.Meeting, terms []string) float64 {
	if len(terms) == 0 {
		return 0
	}
	title := strings.ToLower(m.Title + " " + m.MeetingTitle)
	summary := strings.ToLower(m.Summary.Markdown)
	transcript := strings.ToLower(m.TranscriptText())

	var score float64
	for _, t := range terms {
		t = strings.ToLower(t)
		if strings.Contains(title, t) {
			score += TitleWeight
		}
		if strings.Contains(summary, t) {
			score += SummaryWeight
		}
		if strings.Contains(transcript, t) {
			score += TranscriptWeight
		}
	}
	if m.IsExternal() {
		score *= ExternalBoost
	}
	return score
}

// Dedup drops meetings that share an id, url or share url with an earlier
// one. Identifiers are unioned across duplicates, so two meetings linked
// only through a third collapse into one. The first-seen record of each
// group is kept, in first-seen order.
func Dedup(ms []models.Meeting) []models.Meeting {
	parent := make([]int, len(ms))
	for i := range parent {
		parent[i] = i
	}
	var find func(int) int
	find = func(i int) int {
		for parent[i] != i {
			parent[i] = parent[parent[i]]
			i = parent[i]
		}
		return i
	}
	union := func(a, b int) {
		ra, rb := find(a), find(b)
		if ra == rb {
			return
		}
		// The earlier record stays the root.
		if rb < ra {
			ra, rb = rb, ra
		}
		parent[rb] = ra
	}

	owner := make(map[string]int)
	for i, m := range ms {
		for _, id := range m.Identifiers() {
			if j, ok := owner[id]; ok {
				union(i, j)
			} else {
				owner[id] = i
			}
		}
	}

	out := make([]models.Meeting, 0, len(ms))
	for i, m := range ms {
		if find(i) == i {
			out = append(out, m)
		}
	}
	return out
}

// SortByRecency orders meetings newest first.
func SortByRecency(ms []models.Meeting) {
	sort.SliceStable(ms, func(i, j int) bool { return ms[i].CreatedAt.After(ms[j].CreatedAt) })
}

var legalSuffixRe = regexp.MustCompile(`\s+(inc|corp|llc|ltd)\.?$`)
var nonWordRe = regexp.MustCompile(`[^\p{L}\p{N}_]`)

// CompanyVariations returns the lower-cased name, the name without a legal
// suffix and the name without spaces or punctuation.
func CompanyVariations(name string) []string {
	lower := strings.ToLower(strings.TrimSpace(name))
	if lower == "" {
		return nil
	}
	candidates := []string{
		lower,
		strings.TrimSpace(legalSuffixRe.ReplaceAllString(lower, "")),
		nonWordRe.ReplaceAllString(lower, ""),
	}

	var out []string
	seen := make(map[string]struct{})
	for _, c := range candidates {
		if c == "" {
			continue
		}
		if _, dup := seen[c]; dup {
			continue
		}
		seen[c] = struct{}{}
		out = append(out, c)
	}
	return out
}

// MentionsCompany reports whether any variation appears in the meeting's
// titles, transcript or summary, or as an invitee email domain.
func MentionsCompany(m models.Meeting, variations []string) bool {
	fields := []string{
		strings.ToLower(m.Title),
		strings.ToLower(m.MeetingTitle),
		strings.ToLower(m.TranscriptText()),
		strings.ToLower(m.Summary.Markdown),
	}
	for _, inv := range m.Invitees {
		if at := strings.LastIndexByte(inv.Email, '@'); at >= 0 {
			fields = append(fields, strings.ToLower(inv.Email[at+1:]))
		}
	}
	for _, f := range fields {
		for _, v := range variations {
			if v != "" && strings.Contains(f, v) {
				return true
			}
		}
	}
	return false
}
