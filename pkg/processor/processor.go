// Package processor normalizes chat and CRM text before it is indexed or
// matched against query terms.
package processor

import (
	"regexp"
	"strings"
	"unicode"

	"github.com/PuerkitoBio/goquery"
)

type ProcessorConfig struct {
	RemoveStopwords bool
	CustomStopwords []string
	// MinTermLength drops query terms shorter than this many runes.
	MinTermLength int
}

type Processor struct {
	config    ProcessorConfig
	stopwords map[string]struct{}
}

func NewWithConfig(config ProcessorConfig) Processor {
	if config.MinTermLength == 0 {
		config.MinTermLength = 2
	}

	stop := make(map[string]struct{})
	if config.RemoveStopwords {
		for _, w := range getStopwords() {
			stop[w] = struct{}{}
		}
		for _, w := range config.CustomStopwords {
			stop[strings.ToLower(w)] = struct{}{}
		}
	}

	return Processor{
		config:    config,
		stopwords: stop,
	}
}

// New returns the processor used for query terms: stopwords removed.
func New() Processor {
	return NewWithConfig(ProcessorConfig{RemoveStopwords: true})
}

// Slack encodes links as <target|label> or <target>.
var markupRe = regexp.MustCompile(`<([^<>|]+)(?:\|([^<>]*))?>`)

// CleanMessage turns chat markup into plain text. User and channel
// references keep their ids, links keep their label or target, and
// mailto links collapse to the address so email domains stay visible.
func (p *Processor) CleanMessage(text string) string {
	text = markupRe.ReplaceAllStringFunc(text, func(m string) string {
		parts := markupRe.FindStringSubmatch(m)
		target, label := parts[1], parts[2]
		switch {
		case strings.HasPrefix(target, "@"):
			return target
		case strings.HasPrefix(target, "#"):
			if label != "" {
				return "#" + label
			}
			return target
		case strings.HasPrefix(target, "!"):
			return "@" + strings.TrimPrefix(strings.SplitN(target, "^", 2)[0], "!")
		case strings.HasPrefix(target, "mailto:"):
			return strings.TrimPrefix(target, "mailto:")
		case label != "":
			return label
		default:
			return target
		}
	})

	text = strings.NewReplacer("&amp;", "&", "&lt;", "<", "&gt;", ">").Replace(text)

	// Replace multiple spaces with single space
	return strings.Join(strings.Fields(text), " ")
}

var blockBreaks = strings.NewReplacer("<br", " <br", "</p>", " </p>", "</div>", " </div>", "</li>", " </li>")

// StripHTML returns the visible text of an HTML fragment such as a CRM
// rich-text field. Plain text passes through with whitespace collapsed.
func (p *Processor) StripHTML(fragment string) string {
	if !strings.ContainsAny(fragment, "<&") {
		return strings.Join(strings.Fields(fragment), " ")
	}
	fragment = blockBreaks.Replace(fragment)
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(fragment))
	if err != nil {
		return strings.Join(strings.Fields(fragment), " ")
	}
	doc.Find("script, style").Remove()
	return strings.Join(strings.Fields(doc.Text()), " ")
}

// QueryTerms lower-cases text and splits it into search terms, dropping
// punctuation, duplicates, stopwords and very short words.
func (p *Processor) QueryTerms(text string) []string {
	words := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '-' && r != '\''
	})

	var terms []string
	seen := make(map[string]struct{})
	for _, word := range words {
		word = strings.Trim(strings.ReplaceAll(word, "'", ""), "-")
		if len([]rune(word)) < p.config.MinTermLength {
			continue
		}
		if _, stop := p.stopwords[word]; stop {
			continue
		}
		if _, dup := seen[word]; dup {
			continue
		}
		seen[word] = struct{}{}
		terms = append(terms, word)
	}
	return terms
}

// Common English stopwords, plus words that carry no meaning in
// business questions.
func getStopwords() []string {
	return []string{
		"a", "an", "and", "are", "as", "at", "be", "by", "for",
		"from", "has", "he", "in", "is", "it", "its", "of", "on",
		"that", "the", "to", "was", "were", "will", "with",
		"what", "whats", "how", "any", "about", "tell", "me", "show",
		"do", "did", "we", "our", "us", "have", "there", "this",
	}
}
