package categorize

import "strings"

// toolGuard flags power-tool purchases, which are equipment rather than
// project expense and must never be auto-categorized. Consumables that
// merely mention a tool (drill bits, saw blades) pass.
type toolGuard struct {
	lexicon    []string
	qualifiers []string
}

func newToolGuard(lexicon, qualifiers []string) *toolGuard {
	lower := func(in []string) []string {
		out := make([]string, len(in))
		for i, s := range in {
			out[i] = strings.ToLower(s)
		}
		return out
	}
	return &toolGuard{lexicon: lower(lexicon), qualifiers: lower(qualifiers)}
}

// Check returns a non-empty warning when the description names a power
// tool without a consumable qualifier.
func (g *toolGuard) Check(description string) string {
	words := normalizeWords(description)

	matched := ""
	for _, term := range g.lexicon {
		if containsPhrase(words, term) {
			matched = term
			break
		}
	}
	if matched == "" {
		return ""
	}
	for _, q := range g.qualifiers {
		if containsPhrase(words, q) {
			return ""
		}
	}
	return "possible power tool purchase (" + matched + "): equipment requires manual categorization"
}

// normalizeWords lowercases and strips punctuation into whole words, so
// "nailer" does not satisfy the "nail" qualifier.
func normalizeWords(s string) []string {
	fields := strings.Fields(strings.ToLower(s))
	words := make([]string, 0, len(fields))
	for _, f := range fields {
		f = strings.Trim(f, ".,;:!?\"'()/-")
		if f != "" {
			words = append(words, f)
		}
	}
	return words
}

// containsPhrase reports whether the word list contains the (possibly
// multi-word) phrase as consecutive whole words.
func containsPhrase(words []string, phrase string) bool {
	parts := strings.Fields(phrase)
	if len(parts) == 0 {
		return false
	}
outer:
	for i := 0; i+len(parts) <= len(words); i++ {
		for j, p := range parts {
			if words[i+j] != p {
				continue outer
			}
		}
		return true
	}
	return false
}
