// SPDX-License-Identifier: MIT

// Package subtitle turns segment transcripts into a readable SRT: transcript
// normalization, line splitting under a per-language character budget,
// per-line time allocation, and cue assembly.
package subtitle

import (
	"html"
	"regexp"
	"strings"
	"unicode"
)

// isCJK reports whether r falls in the unified-ideograph, kana, katakana
// extension, or hangul ranges. De-spacing is defined by these exact ranges,
// not by locale classes.
func isCJK(r rune) bool {
	switch {
	case r >= 0x4E00 && r <= 0x9FFF:
		return true
	case r >= 0x3040 && r <= 0x30FF:
		return true
	case r >= 0x31F0 && r <= 0x31FF:
		return true
	case r >= 0xAC00 && r <= 0xD7AF:
		return true
	}
	return false
}

func isCJKPunct(r rune) bool {
	return strings.ContainsRune("，。！？、；：", r)
}

var (
	horizWSRe     = regexp.MustCompile(`[\t\r\f\v]+`)
	newlinesRe    = regexp.MustCompile(`\n+`)
	multiSpaceRe  = regexp.MustCompile(`\s{2,}`)
	spaceBefPunct = regexp.MustCompile(`\s+([,，。！？!?:：；;])`)
	spaceAftOpen  = regexp.MustCompile(`([(（\[【{])\s+`)
	spaceBefClose = regexp.MustCompile(`\s+([)）\]】}])`)
)

// deSpaceBetween deletes whitespace runs whose left and right neighbors both
// satisfy their predicate.
func deSpaceBetween(s string, left, right func(rune) bool) string {
	runes := []rune(s)
	var out []rune
	for i := 0; i < len(runes); i++ {
		r := runes[i]
		if !unicode.IsSpace(r) {
			out = append(out, r)
			continue
		}
		j := i
		for j < len(runes) && unicode.IsSpace(runes[j]) {
			j++
		}
		if len(out) > 0 && j < len(runes) && left(out[len(out)-1]) && right(runes[j]) {
			i = j - 1
			continue
		}
		out = append(out, r)
	}
	return string(out)
}

// collapseRepeatPunct shortens runs of three or more identical noise
// punctuation marks to two.
func collapseRepeatPunct(s string) string {
	const noisy = "!?！？。.,，"
	runes := []rune(s)
	var out []rune
	for i := 0; i < len(runes); i++ {
		r := runes[i]
		if !strings.ContainsRune(noisy, r) {
			out = append(out, r)
			continue
		}
		j := i
		for j < len(runes) && runes[j] == r {
			j++
		}
		out = append(out, r)
		if j-i >= 2 {
			out = append(out, r)
		}
		i = j - 1
	}
	return string(out)
}

// Normalize cleans one segment transcript: HTML-unescape, whitespace
// flattening, CJK de-spacing, punctuation spacing fixes, and repeated-mark
// collapsing. It is idempotent.
func Normalize(text, language, model string) string {
	if text == "" {
		return ""
	}
	x := html.UnescapeString(text)
	x = strings.ReplaceAll(x, "　", " ")
	x = horizWSRe.ReplaceAllString(x, " ")
	x = newlinesRe.ReplaceAllString(x, " ")
	x = strings.TrimSpace(multiSpaceRe.ReplaceAllString(x, " "))

	// Remote models sometimes emit CJK text with a space after every
	// character; collapse those before touching punctuation.
	x = deSpaceBetween(x, isCJK, isCJK)

	x = spaceBefPunct.ReplaceAllString(x, "$1")
	x = spaceAftOpen.ReplaceAllString(x, "$1")
	x = spaceBefClose.ReplaceAllString(x, "$1")

	x = collapseRepeatPunct(x)

	modelL := strings.ToLower(model)
	if language == "zh" || language == "ja" || language == "auto" ||
		strings.Contains(modelL, "whisper") || strings.Contains(modelL, "kotoba") {
		x = deSpaceBetween(x, isCJK, isCJK)
		x = deSpaceBetween(x, isCJK, isCJKPunct)
		x = deSpaceBetween(x, isCJKPunct, isCJK)
	}

	return strings.TrimSpace(x)
}
