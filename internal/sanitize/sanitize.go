// Package sanitize normalizes raw OCR text before it reaches the LLM. It is
// pure: no I/O, no external calls.
package sanitize

import (
	"regexp"
	"strings"
)

// noisePatterns match boilerplate lines that carry no invoice content.
var noisePatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\bPage \d+ of \d+\b`),
	regexp.MustCompile(`(?i)Invoice scanned by.*`),
	regexp.MustCompile(`(?i)\bConfidential\b`),
}

var spaceRun = regexp.MustCompile(`[ \t\f\v]+`)

// minZoneLines guards zone stripping on very short documents.
const minZoneLines = 5

// ForLLM bounds and cleans OCR text, preserving line breaks:
//
//  1. optionally strip the top and bottom stripTop/stripBottom lines
//     (boilerplate zones),
//  2. normalize whitespace per line and remove denylisted noise text,
//     dropping lines that are left empty,
//  3. truncate to maxChars (raised to 1000 when smaller) at a line
//     boundary, never mid-line.
func ForLLM(text string, maxChars, stripTop, stripBottom int) string {
	if stripTop < 0 {
		stripTop = 0
	}
	if stripBottom < 0 {
		stripBottom = 0
	}

	lines := splitLines(text)
	if len(lines) > stripTop+stripBottom+minZoneLines {
		end := len(lines)
		if stripBottom > 0 {
			end -= stripBottom
		}
		lines = lines[stripTop:end]
	}

	var kept []string
	for _, ln := range lines {
		ln = spaceRun.ReplaceAllString(ln, " ")
		ln = strings.TrimSpace(ln)
		if ln == "" {
			continue
		}
		for _, pat := range noisePatterns {
			ln = pat.ReplaceAllString(ln, "")
		}
		ln = strings.TrimSpace(ln)
		if ln != "" {
			kept = append(kept, ln)
		}
	}
	out := strings.Join(kept, "\n")

	if maxChars < 1000 {
		maxChars = 1000
	}
	if len(out) > maxChars {
		if cut := strings.LastIndex(out[:maxChars], "\n"); cut > 0 {
			out = out[:cut]
		} else {
			out = out[:maxChars]
		}
	}
	return out
}

// Reduction returns the fraction of characters removed relative to the raw
// input, rounded to three decimals.
func Reduction(raw, sanitized string) float64 {
	base := len(raw)
	if base == 0 {
		return 0
	}
	r := 1.0 - float64(len(sanitized))/float64(base)
	if r < 0 {
		r = 0
	}
	return float64(int(r*1000+0.5)) / 1000
}

func splitLines(text string) []string {
	text = strings.ReplaceAll(text, "\r\n", "\n")
	text = strings.ReplaceAll(text, "\r", "\n")
	return strings.Split(text, "\n")
}
