package classifier

import (
	"regexp"

	"github.com/JakeFAU/practicewatch/internal/monitor"
)

// RulesetVersion identifies the rule table below. Bump it whenever a pattern
// or the rule order changes so historical verdicts can be traced back.
const RulesetVersion = "2026.10.2"

// Reason codes emitted by the classifier.
const (
	ReasonNotAcceptingExplicit  = "not_accepting_explicit"
	ReasonNotTakingOn           = "not_taking_on"
	ReasonNotConfirmed          = "not_confirmed"
	ReasonAcceptingChildrenOnly = "accepting_children_only"
	ReasonAcceptingExplicit     = "accepting_explicit"
	ReasonNoSignal              = "no_signal"
	ReasonParseError            = "parse_error"
)

// Rule is one entry of the ordered rule table. Patterns run against
// normalised, case-folded text.
type Rule struct {
	Name    string
	Status  monitor.Status
	Lock    bool
	Partial bool
	Pattern *regexp.Regexp
	// Exclude suppresses the rule when it matches anywhere in the text.
	Exclude *regexp.Regexp
	// PartialOnly rules are skipped unless partial tracking is enabled.
	PartialOnly bool
}

const patientsPhrase = `new\s+(?:nhs\s+|adult\s+|private\s+)*patients`

// DefaultRules returns the rule table in precedence order: negative phrases,
// then the not-confirmed override, then positive phrases.
func DefaultRules() []Rule {
	return []Rule{
		{
			Name:    ReasonNotAcceptingExplicit,
			Status:  monitor.StatusNotAccepting,
			Lock:    true,
			Pattern: regexp.MustCompile(`(?:\bnot|n't|\bcannot|\bunable\s+to)\s+(?:currently\s+)?accept(?:ing)?\s+(?:any\s+)?` + patientsPhrase),
		},
		{
			Name:   ReasonNotTakingOn,
			Status: monitor.StatusNotAccepting,
			Lock:   true,
			Pattern: regexp.MustCompile(
				`(?:\bnot|n't)\s+(?:currently\s+)?taking\s+on\s+(?:any\s+)?` + patientsPhrase +
					`|\bcurrently\s+not\s+accepting\b` +
					`|\bno\s+longer\s+(?:accepting|taking\s+on)\s+new\b`,
			),
		},
		{
			Name:    ReasonNotConfirmed,
			Status:  monitor.StatusUnknown,
			Lock:    true,
			// Up to two words may sit between the negation and "confirmed"
			// ("has not yet confirmed", "has not recently confirmed").
			Pattern: regexp.MustCompile(
				`(?:\bhas\s+not|\bhave\s+not|hasn't|haven't)\s+(?:\w+\s+){0,2}?confirmed\s+(?:if|whether)\b[^.]{0,160}?` +
					patientsPhrase,
			),
		},
		{
			Name:        ReasonAcceptingChildrenOnly,
			Status:      monitor.StatusAccepting,
			Lock:        true,
			Partial:     true,
			PartialOnly: true,
			Pattern:     regexp.MustCompile(`\baccept(?:s|ing)\s+new\s+nhs\s+patients\b[^.]{0,200}?(?:\bchildren\b|\baged\s+1[78]\s+or\s+under\b)`),
			Exclude:     regexp.MustCompile(`\badults?\s+(?:aged|entitled|over|who)\b`),
		},
		{
			Name:   ReasonAcceptingExplicit,
			Status: monitor.StatusAccepting,
			Lock:   true,
			Pattern: regexp.MustCompile(
				`\bwhen\s+availability\s+allows\b[^.]{0,160}?\baccepts?\s+` + patientsPhrase +
					`|\b(?:accepting|accepts|taking\s+on)\s+` + patientsPhrase,
			),
		},
	}
}
