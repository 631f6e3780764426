package normalize

import (
	"regexp"
	"strings"
)

// minFuzzyCandidateLen filters out fragments too short to be a real query.
const minFuzzyCandidateLen = 10

// maxFuzzyInputLen bounds the text the heuristics scan. Prompts beyond this
// are truncated; the heuristics target the instruction framing, which sits
// at the head or tail of the prompt.
const maxFuzzyInputLen = 8192

// queryPatterns is the fixed ordered list of heuristics used to recover a
// user query that was folded into the system prompt. Each pattern's first
// capture group is a candidate; the longest candidate wins.
var queryPatterns = []*regexp.Regexp{
	// Labeled query lines: "User query: …", "Question - …", "Prompt: …".
	regexp.MustCompile(`(?im)^\s*(?:user query|user question|query|question|prompt)\s*[:\-]\s*(.+)$`),
	// Double-quoted passages.
	regexp.MustCompile(`"([^"\n]+)"`),
	// Single-quoted passages.
	regexp.MustCompile(`'([^'\n]+)'`),
	// A trailing interrogative sentence.
	regexp.MustCompile(`(?s)([^.!?\n][^.!?]*\?)\s*$`),
	// Polite requests embedded mid-prompt.
	regexp.MustCompile(`(?i)(please\s+[^.!?\n]+[.!?]?)`),
}

// ExtractQueryFromPrompt runs the fixed heuristics over a system prompt
// and returns the longest candidate longer than minFuzzyCandidateLen, or
// "" when nothing matches. Deterministic and bounded.
func ExtractQueryFromPrompt(prompt string) string {
	prompt = strings.TrimSpace(prompt)
	if prompt == "" {
		return ""
	}
	if len(prompt) > maxFuzzyInputLen {
		prompt = prompt[:maxFuzzyInputLen]
	}

	best := ""
	for _, pat := range queryPatterns {
		for _, match := range pat.FindAllStringSubmatch(prompt, -1) {
			candidate := strings.TrimSpace(match[1])
			if len(candidate) <= minFuzzyCandidateLen {
				continue
			}
			if len(candidate) > len(best) {
				best = candidate
			}
		}
	}
	return best
}
