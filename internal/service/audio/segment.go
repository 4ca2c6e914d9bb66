package audio

import (
	"strings"
	"unicode"
)

// SplitSpeakable breaks generated text into fragments safe to hand to
// synthesis one at a time. Strong sentence boundaries win; a sentence longer
// than maxRunes is re-split at secondary punctuation (commas, dashes), and as
// a last resort at a word boundary, so no single fragment risks a long
// synthesis stall.
func SplitSpeakable(text string, maxRunes int) []string {
	if maxRunes <= 0 {
		maxRunes = 180
	}

	var out []string
	for _, sentence := range splitSentences(text) {
		if len([]rune(sentence)) <= maxRunes {
			out = append(out, sentence)
			continue
		}
		for _, clause := range splitClauses(sentence, maxRunes) {
			out = append(out, clause)
		}
	}
	return out
}

func splitSentences(text string) []string {
	var sentences []string
	var b strings.Builder

	runes := []rune(text)
	for i := 0; i < len(runes); i++ {
		r := runes[i]
		b.WriteRune(r)
		if r == '.' || r == '!' || r == '?' {
			// Boundary only when followed by space or end, so "3.50" and
			// "Dr. Smith" style dots inside a token stay intact.
			if i+1 >= len(runes) || unicode.IsSpace(runes[i+1]) {
				if s := strings.TrimSpace(b.String()); s != "" {
					sentences = append(sentences, s)
				}
				b.Reset()
			}
		}
	}
	if s := strings.TrimSpace(b.String()); s != "" {
		sentences = append(sentences, s)
	}
	return sentences
}

func splitClauses(sentence string, maxRunes int) []string {
	var out []string
	current := ""

	flush := func() {
		if s := strings.TrimSpace(current); s != "" {
			out = append(out, s)
		}
		current = ""
	}

	for _, part := range splitOnSecondary(sentence) {
		candidate := part
		if current != "" {
			candidate = current + " " + part
		}
		if len([]rune(candidate)) > maxRunes && current != "" {
			flush()
			candidate = part
		}
		current = candidate
	}
	flush()

	// Hard word-boundary split for any clause still over the limit.
	var final []string
	for _, clause := range out {
		final = append(final, splitWords(clause, maxRunes)...)
	}
	return final
}

func splitOnSecondary(sentence string) []string {
	var parts []string
	var b strings.Builder
	for _, r := range sentence {
		switch r {
		case ',', ';', ':', '—', '–':
			b.WriteRune(r)
			if s := strings.TrimSpace(b.String()); s != "" {
				parts = append(parts, s)
			}
			b.Reset()
		default:
			b.WriteRune(r)
		}
	}
	if s := strings.TrimSpace(b.String()); s != "" {
		parts = append(parts, s)
	}
	return parts
}

func splitWords(clause string, maxRunes int) []string {
	if len([]rune(clause)) <= maxRunes {
		return []string{clause}
	}

	var out []string
	current := ""
	for _, word := range strings.Fields(clause) {
		candidate := word
		if current != "" {
			candidate = current + " " + word
		}
		if len([]rune(candidate)) > maxRunes && current != "" {
			out = append(out, current)
			candidate = word
		}
		current = candidate
	}
	if current != "" {
		out = append(out, current)
	}
	return out
}
