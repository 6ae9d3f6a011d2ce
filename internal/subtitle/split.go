// SPDX-License-Identifier: MIT

package subtitle

import (
	"strings"
	"unicode"
)

const sentenceEnders = "。！？!?；;…."

// joinSep returns the separator for concatenating two text pieces: a space
// only when the left piece ends in an ASCII letter or digit, otherwise a
// direct join. Punctuation tails (including "." ) concatenate directly.
func joinSep(left string) string {
	l := []rune(left)
	if len(l) == 0 {
		return ""
	}
	last := l[len(l)-1]
	if (last >= 'a' && last <= 'z') || (last >= 'A' && last <= 'Z') || (last >= '0' && last <= '9') {
		return " "
	}
	return ""
}

// splitAfter cuts text after any rune in enders that is followed by
// whitespace, keeping the punctuation on the left piece.
func splitAfter(text, enders string) []string {
	runes := []rune(text)
	var parts []string
	start := 0
	for i := 0; i < len(runes)-1; i++ {
		if strings.ContainsRune(enders, runes[i]) && unicode.IsSpace(runes[i+1]) {
			parts = append(parts, string(runes[start:i+1]))
			j := i + 1
			for j < len(runes) && unicode.IsSpace(runes[j]) {
				j++
			}
			start = j
			i = j - 1
		}
	}
	if start < len(runes) {
		parts = append(parts, string(runes[start:]))
	}
	return parts
}

// splitByPunctuation breaks text into sentences on sentence-final
// punctuation. English additionally gets a weak comma/semicolon split for
// over-long pieces so single lines do not run away.
func splitByPunctuation(text, language string) []string {
	if text == "" {
		return nil
	}
	parts := splitAfter(text, sentenceEnders)
	if language == "en" {
		var tmp []string
		for _, p := range parts {
			p = strings.TrimSpace(p)
			if len([]rune(p)) > 72 && strings.ContainsAny(p, ",;") {
				for _, piece := range splitAfter(p, ",;") {
					if strings.TrimSpace(piece) != "" {
						tmp = append(tmp, piece)
					}
				}
			} else {
				tmp = append(tmp, p)
			}
		}
		parts = tmp
	}
	var out []string
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		return []string{text}
	}
	return out
}

// CharBudget returns the per-line character budget for a language/model
// combination. CJK scripts read denser, so their budgets are tighter.
func CharBudget(language, model string) int {
	modelL := strings.ToLower(model)
	switch {
	case language == "ja":
		return 20
	case language == "zh":
		return 24
	case language == "auto" && (strings.Contains(modelL, "kotoba") || strings.Contains(modelL, "whisper")):
		return 22
	}
	return 42
}

// SplitLines splits a normalized transcript into subtitle lines under the
// character budget. maxChars of 0 selects the language default; the
// effective budget is clamped to [10, 100].
func SplitLines(text, language string, maxChars int, model string) []string {
	if text == "" {
		return nil
	}
	budget := maxChars
	if budget == 0 {
		budget = CharBudget(language, model)
	}
	if budget < 10 {
		budget = 10
	}
	if budget > 100 {
		budget = 100
	}

	sentences := splitByPunctuation(text, language)
	var lines []string
	cur := ""

	flush := func() {
		if c := strings.TrimSpace(cur); c != "" {
			lines = append(lines, c)
		}
		cur = ""
	}

	for _, s := range sentences {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		runes := []rune(s)

		// Extra-long sentences are hard-cut at the budget.
		if float64(len(runes)) > float64(budget)*1.8 {
			flush()
			for start := 0; start < len(runes); start += budget {
				end := start + budget
				if end > len(runes) {
					end = len(runes)
				}
				lines = append(lines, string(runes[start:end]))
			}
			continue
		}

		if cur == "" {
			cur = s
			continue
		}

		candidate := cur + joinSep(cur) + s
		if len([]rune(candidate)) <= budget {
			cur = candidate
		} else {
			flush()
			cur = s
		}
	}
	flush()

	// A trailing stub line reads badly; fold it into its predecessor when
	// the merged line stays near the budget.
	shortFloor := budget / 5
	if shortFloor < 4 {
		shortFloor = 4
	}
	var merged []string
	for _, line := range lines {
		if len(merged) == 0 {
			merged = append(merged, line)
			continue
		}
		prev := merged[len(merged)-1]
		if len([]rune(line)) < shortFloor && len([]rune(prev))+len([]rune(line))+1 <= budget+6 {
			merged[len(merged)-1] = prev + joinSep(prev) + line
		} else {
			merged = append(merged, line)
		}
	}
	return merged
}
