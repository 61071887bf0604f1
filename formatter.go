package loom

import (
	"strings"

	"golang.org/x/text/width"
)

// Formatter rules, applied in listed order. The width rules convert between
// ASCII (space, 0x21-0x7E) and the fullwidth forms block (U+3000,
// U+FF01-U+FF5E); other characters pass through untouched.
const (
	RuleLowercase  = "lowercase"
	RuleUppercase  = "uppercase"
	RuleFullToHalf = "full_to_half"
	RuleHalfToFull = "half_to_full"
)

// FormatterRules lists the supported rule names.
var FormatterRules = []string{RuleLowercase, RuleUppercase, RuleFullToHalf, RuleHalfToFull}

// ValidateRules checks every rule name against the supported set.
func ValidateRules(rules []string) error {
	for _, r := range rules {
		if !supportedRule(r) {
			return Validationf("unsupported rule: %q (supported rules: %s)", r, strings.Join(FormatterRules, ", "))
		}
	}
	return nil
}

// ApplyRules applies rules to text in order. An empty rule list is a no-op.
func ApplyRules(text string, rules []string) (string, error) {
	if err := ValidateRules(rules); err != nil {
		return "", err
	}
	for _, r := range rules {
		switch r {
		case RuleLowercase:
			text = strings.ToLower(text)
		case RuleUppercase:
			text = strings.ToUpper(text)
		case RuleFullToHalf:
			text = foldWidth(text, fullwidthASCII, func(r rune) rune {
				return width.LookupRune(r).Narrow()
			})
		case RuleHalfToFull:
			text = foldWidth(text, halfwidthASCII, func(r rune) rune {
				return width.LookupRune(r).Wide()
			})
		}
	}
	return text, nil
}

// halfwidthASCII reports whether r has a fullwidth counterpart we convert:
// ASCII space and the printable range.
func halfwidthASCII(r rune) bool {
	return r == 0x20 || (r >= 0x21 && r <= 0x7E)
}

// fullwidthASCII reports whether r is the ideographic space or a fullwidth
// form of printable ASCII.
func fullwidthASCII(r rune) bool {
	return r == 0x3000 || (r >= 0xFF01 && r <= 0xFF5E)
}

// foldWidth rewrites runes matched by in through fold, keeping everything
// else (including halfwidth katakana, which x/text/width would otherwise
// also convert) as-is.
func foldWidth(s string, in func(rune) bool, fold func(rune) rune) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if in(r) {
			if folded := fold(r); folded != 0 {
				r = folded
			}
		}
		b.WriteRune(r)
	}
	return b.String()
}

func supportedRule(rule string) bool {
	for _, r := range FormatterRules {
		if r == rule {
			return true
		}
	}
	return false
}
