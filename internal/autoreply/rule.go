package autoreply

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"unicode"

	"github.com/nextlevelbuilder/autoreply/internal/store"
)

var (
	// errRuleConfig marks a rule that cannot be loaded at all (e.g. a
	// malformed regex). Such rules are skipped.
	errRuleConfig = errors.New("rule configuration error")

	// errRuleInvariant marks a rule whose fields contradict its match mode.
	// Such rules are kept but never match.
	errRuleInvariant = errors.New("rule invariant violation")
)

// ruleKind is the tier a compiled rule competes in.
type ruleKind int

const (
	kindKeyword  ruleKind = iota // tier 3
	kindFallback                 // tier 5: default fallback and AI catch-all
	kindInert                    // never matches; still contributes end keywords
)

// trigger decides whether message text selects a rule.
type trigger interface {
	matches(text string) bool
}

// containsTrigger matches when any keyword is a case-insensitive substring.
type containsTrigger struct {
	keywords []string // lowercased
}

func (t containsTrigger) matches(text string) bool {
	lower := strings.ToLower(text)
	for _, kw := range t.keywords {
		if strings.Contains(lower, kw) {
			return true
		}
	}
	return false
}

// wholeWordTrigger matches when the token sequence of any keyword appears
// contiguously in the tokenized message.
type wholeWordTrigger struct {
	phrases [][]string
}

func (t wholeWordTrigger) matches(text string) bool {
	tokens := tokenize(text)
	for _, phrase := range t.phrases {
		if containsSequence(tokens, phrase) {
			return true
		}
	}
	return false
}

// regexTrigger matches the OR-joined keyword pattern.
type regexTrigger struct {
	re *regexp.Regexp
}

func (t regexTrigger) matches(text string) bool { return t.re.MatchString(text) }

// catchAllTrigger matches everything.
type catchAllTrigger struct{}

func (catchAllTrigger) matches(string) bool { return true }

// compiledRule is a validated rule. Exactly one trigger drives matching and
// kind fixes the tier it is evaluated in.
type compiledRule struct {
	*store.Rule
	kind        ruleKind
	trigger     trigger
	endKeywords []string
	bubbles     []store.Bubble // active, non-empty
}

func (c *compiledRule) usesAI() bool {
	return c.UseAI || c.MatchMode == store.MatchAICatchAll
}

// allows reports whether the rule's scope admits a group or direct message.
func (c *compiledRule) allows(isGroup bool) bool {
	switch c.Scope {
	case store.ScopeGroup:
		return isGroup
	case store.ScopeIndividual:
		return !isGroup
	default:
		return true
	}
}

// compileRule validates r and builds its trigger.
//
// A nil rule with an errRuleConfig error means the rule must be skipped.
// A non-nil rule with an errRuleInvariant error is inert: it never matches
// but its end keywords and chain target stay usable.
func compileRule(r store.Rule) (*compiledRule, error) {
	rule := r
	c := &compiledRule{
		Rule:        &rule,
		endKeywords: rule.EndKeywordSet(),
	}
	for _, b := range rule.Bubbles {
		if b.Active && strings.TrimSpace(b.Text) != "" {
			c.bubbles = append(c.bubbles, b)
		}
	}

	switch rule.Scope {
	case "", store.ScopeAll, store.ScopeGroup, store.ScopeIndividual:
	default:
		return inert(c, "unknown scope %q", rule.Scope)
	}

	keywords := cleanKeywords(rule.Keywords)
	mode := rule.MatchMode
	if mode == "" {
		// Legacy rows carry only the fallback flag or a keyword list.
		if rule.IsDefaultFallback {
			mode = store.MatchDefaultFallback
		} else {
			mode = store.MatchContains
		}
	}

	switch mode {
	case store.MatchDefaultFallback, store.MatchAICatchAll:
		c.kind = kindFallback
		c.trigger = catchAllTrigger{}
		return c, nil
	}

	if rule.IsDefaultFallback {
		return inert(c, "default fallback flag set on %s rule", mode)
	}
	if len(keywords) == 0 {
		return inert(c, "%s rule has no keywords", mode)
	}

	c.kind = kindKeyword
	switch mode {
	case store.MatchContains:
		lowered := make([]string, len(keywords))
		for i, kw := range keywords {
			lowered[i] = strings.ToLower(kw)
		}
		c.trigger = containsTrigger{keywords: lowered}
	case store.MatchWholeWord:
		var phrases [][]string
		for _, kw := range keywords {
			if toks := tokenize(kw); len(toks) > 0 {
				phrases = append(phrases, toks)
			}
		}
		if len(phrases) == 0 {
			return inert(c, "whole_word rule has no word characters in keywords")
		}
		c.trigger = wholeWordTrigger{phrases: phrases}
	case store.MatchRegex:
		re, err := regexp.Compile("(?i)(?:" + strings.Join(keywords, "|") + ")")
		if err != nil {
			return nil, fmt.Errorf("%w: rule %s: compile regex: %v", errRuleConfig, rule.ID, err)
		}
		c.trigger = regexTrigger{re: re}
	default:
		return inert(c, "unknown match mode %q", mode)
	}
	return c, nil
}

func inert(c *compiledRule, format string, args ...any) (*compiledRule, error) {
	c.kind = kindInert
	c.trigger = nil
	return c, fmt.Errorf("%w: rule %s: %s", errRuleInvariant, c.ID, fmt.Sprintf(format, args...))
}

func cleanKeywords(in []string) []string {
	out := make([]string, 0, len(in))
	for _, kw := range in {
		if kw = strings.TrimSpace(kw); kw != "" {
			out = append(out, kw)
		}
	}
	return out
}

// tokenize lowercases s and splits it on anything that is not a letter or digit.
func tokenize(s string) []string {
	return strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r)
	})
}

func containsSequence(tokens, seq []string) bool {
	if len(seq) == 0 || len(seq) > len(tokens) {
		return false
	}
outer:
	for i := 0; i+len(seq) <= len(tokens); i++ {
		for j, s := range seq {
			if tokens[i+j] != s {
				continue outer
			}
		}
		return true
	}
	return false
}

// findRule resolves a rule by ID.
func findRule(rules []*compiledRule, id string) *compiledRule {
	for _, r := range rules {
		if r.ID == id {
			return r
		}
	}
	return nil
}

// resolveNextAction resolves a next-action reference by flow key first,
// then by rule ID.
func resolveNextAction(rules []*compiledRule, ref string) *compiledRule {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return nil
	}
	for _, r := range rules {
		if r.FlowKey != "" && r.FlowKey == ref {
			return r
		}
	}
	return findRule(rules, ref)
}
