package entity

import (
	"regexp"
	"strings"
	"unicode"

	"github.com/xhad/dealctx/internal/models"
)

// Hints is optional context for extraction.
type Hints struct {
	ChannelName string
	UserEmail   string
}

// Extractor finds entity mentions in text. Implementations must be safe for
// concurrent use.
type Extractor interface {
	Extract(snap *Snapshot, text string, hints Hints) models.EntitySet
	// DedicatedCompany returns the company a channel is dedicated to, or "".
	DedicatedCompany(snap *Snapshot, channelName string) string
}

// Heuristic matches cached names by substring, channel name and email
// domain. Every method adds to the result; none removes an earlier match.
type Heuristic struct {
	domains map[string]string
}

// NewHeuristic creates an extractor. domains maps email domains to
// canonical company names.
func NewHeuristic(domains map[string]string) *Heuristic {
	d := make(map[string]string, len(domains))
	for domain, company := range domains {
		d[strings.ToLower(domain)] = strings.ToLower(company)
	}
	return &Heuristic{domains: d}
}

// FreeMailDomains never identify a company.
var FreeMailDomains = map[string]struct{}{
	"gmail.com":      {},
	"googlemail.com": {},
	"yahoo.com":      {},
	"hotmail.com":    {},
	"outlook.com":    {},
	"icloud.com":     {},
	"proton.me":      {},
}

var emailRe = regexp.MustCompile(`[A-Za-z0-9._%+\-]+@([A-Za-z0-9.\-]+\.[A-Za-z]{2,})`)

// Extract returns the cached names that appear as case-insensitive
// substrings of text, plus the companies implied by the channel hint, by
// email addresses in text and by the user email hint. A nil snapshot yields
// an empty set.
func (h *Heuristic) Extract(snap *Snapshot, text string, hints Hints) models.EntitySet {
	var out models.EntitySet
	if snap == nil {
		return out
	}

	lower := strings.ToLower(text)
	for _, c := range snap.Companies {
		if strings.Contains(lower, c) {
			out.AddCompany(c)
		}
	}
	for _, c := range snap.Contacts {
		if strings.Contains(lower, c) {
			out.AddContact(c)
		}
	}
	for _, o := range snap.Opportunities {
		if strings.Contains(lower, o) {
			out.AddOpportunity(o)
		}
	}

	if hints.ChannelName != "" {
		out.AddCompany(h.DedicatedCompany(snap, hints.ChannelName))
	}

	for _, m := range emailRe.FindAllStringSubmatch(text, -1) {
		for _, c := range h.companiesForDomain(snap, m[1]) {
			out.AddCompany(c)
		}
	}

	if hints.UserEmail != "" {
		if at := strings.LastIndexByte(hints.UserEmail, '@'); at >= 0 {
			for _, c := range h.companiesForDomain(snap, hints.UserEmail[at+1:]) {
				out.AddCompany(c)
			}
		}
	}

	return out
}

// DedicatedCompany checks whether a cached company, or its name without a
// legal suffix, forms the start, the end or the whole of the normalized
// channel name. The longest match wins.
func (h *Heuristic) DedicatedCompany(snap *Snapshot, channelName string) string {
	if snap == nil {
		return ""
	}
	channel := Normalize(channelName)
	if channel == "" {
		return ""
	}

	best, bestLen := "", 0
	for _, c := range snap.Companies {
		for _, candidate := range []string{Normalize(c), Normalize(BaseName(c))} {
			if len(candidate) < MinNameLength || len(candidate) <= bestLen {
				continue
			}
			if strings.HasPrefix(channel, candidate) || strings.HasSuffix(channel, candidate) {
				best, bestLen = c, len(candidate)
			}
		}
	}
	return best
}

func (h *Heuristic) companiesForDomain(snap *Snapshot, domain string) []string {
	domain = strings.ToLower(strings.TrimSuffix(domain, "."))
	if _, free := FreeMailDomains[domain]; free {
		return nil
	}

	var out []string
	if c, ok := h.domains[domain]; ok {
		out = append(out, c)
	}
	for _, c := range snap.Companies {
		if strings.ReplaceAll(c, " ", "")+".com" == domain {
			out = append(out, c)
		}
	}
	return out
}

// Normalize lower-cases s and drops everything but letters and digits.
func Normalize(s string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(s) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(r)
		}
	}
	return b.String()
}

var legalSuffixes = []string{"inc", "corp", "corporation", "llc", "ltd", "co", "company", "gmbh", "plc"}

// BaseName strips a trailing legal suffix such as "Inc." or "Corp".
func BaseName(name string) string {
	fields := strings.Fields(strings.ToLower(name))
	for len(fields) > 1 {
		last := strings.Trim(fields[len(fields)-1], ".,")
		stripped := false
		for _, s := range legalSuffixes {
			if last == s {
				fields = fields[:len(fields)-1]
				stripped = true
				break
			}
		}
		if !stripped {
			break
		}
	}
	return strings.TrimRight(strings.Join(fields, " "), ",")
}
