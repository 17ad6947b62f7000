package classifier

import (
	"strings"
	"unicode"

	"github.com/JakeFAU/practicewatch/internal/monitor"
)

// Options toggles optional rules.
type Options struct {
	// TrackPartial enables the children-only acceptance rule.
	TrackPartial bool
}

// Classifier applies an ordered rule table; the first matching rule wins.
type Classifier struct {
	rules []Rule
}

// New builds a Classifier over DefaultRules.
func New(opts Options) *Classifier {
	return NewWithRules(DefaultRules(), opts)
}

// NewWithRules builds a Classifier over a custom rule table.
func NewWithRules(rules []Rule, opts Options) *Classifier {
	active := make([]Rule, 0, len(rules))
	for _, r := range rules {
		if r.PartialOnly && !opts.TrackPartial {
			continue
		}
		active = append(active, r)
	}
	return &Classifier{rules: active}
}

// Version reports the rule table version.
func (c *Classifier) Version() string {
	return RulesetVersion
}

// ClassifyHTML strips markup from body and classifies the remaining text.
func (c *Classifier) ClassifyHTML(body []byte) monitor.Verdict {
	return c.classify(ExtractText(body))
}

// Classify derives a verdict from plain page text.
func (c *Classifier) Classify(pageText string) monitor.Verdict {
	return c.classify(collapse(pageText))
}

func (c *Classifier) classify(plain string) monitor.Verdict {
	if !hasLetters(plain) {
		return monitor.Verdict{Status: monitor.StatusUnknown, ReasonCode: ReasonParseError}
	}
	folded := fold(plain)
	for _, rule := range c.rules {
		if rule.Exclude != nil && rule.Exclude.MatchString(folded) {
			continue
		}
		loc := rule.Pattern.FindStringIndex(folded)
		if loc == nil {
			continue
		}
		return monitor.Verdict{
			Status:     rule.Status,
			Lock:       rule.Lock,
			ReasonCode: rule.Name,
			Evidence:   evidence(plain, folded, loc[0], loc[1]),
			Partial:    rule.Partial,
		}
	}
	return monitor.Verdict{Status: monitor.StatusUnknown, ReasonCode: ReasonNoSignal}
}

// evidence returns a window of at most MaxEvidenceRunes centred on the match.
// Original casing is used when folding kept byte offsets aligned.
func evidence(plain, folded string, start, end int) string {
	source := folded
	if len(plain) == len(folded) {
		source = plain
	}
	runeStart := len([]rune(source[:start]))
	runeEnd := runeStart + len([]rune(source[start:end]))
	runes := []rune(source)

	limit := monitor.MaxEvidenceRunes
	if runeEnd-runeStart >= limit {
		return strings.TrimSpace(string(runes[runeStart : runeStart+limit]))
	}
	pad := (limit - (runeEnd - runeStart)) / 2
	from := max(0, runeStart-pad)
	to := min(len(runes), from+limit)
	from = max(0, to-limit)
	return strings.TrimSpace(string(runes[from:to]))
}

func hasLetters(s string) bool {
	for _, r := range s {
		if unicode.IsLetter(r) {
			return true
		}
	}
	return false
}
