// Package scorer provides the built-in heuristic metric scorers.
//
// Relevance scores (0.0-1.0) measure lexical alignment between the user
// query, retrieved context and the model response. They are deliberately
// cheap and deterministic so metrics can be computed on demand inside a
// request; an LLM-judge scorer can replace them behind the same
// interface.
package scorer

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"unicode"

	"github.com/miru-ai/miru/internal/model"
	"github.com/miru-ai/miru/internal/normalize"
)

// maxInputLen caps the text fed into a scorer. Longer inputs are
// truncated silently.
const maxInputLen = 8192

// stopwords excluded from overlap scoring.
var stopwords = map[string]bool{
	"a": true, "an": true, "and": true, "are": true, "as": true, "at": true,
	"be": true, "by": true, "for": true, "from": true, "has": true, "he": true,
	"in": true, "is": true, "it": true, "its": true, "of": true, "on": true,
	"or": true, "that": true, "the": true, "to": true, "was": true, "were": true,
	"will": true, "with": true, "you": true, "your": true, "i": true, "me": true,
	"my": true, "we": true, "our": true, "this": true, "these": true, "do": true,
	"does": true, "can": true, "could": true, "would": true, "should": true,
	"what": true, "which": true, "who": true, "how": true, "when": true,
	"where": true, "why": true, "please": true,
}

// QueryRelevance scores how well the user query fits the agent's domain,
// measured against the system prompt and retrieved context.
type QueryRelevance struct{}

// MetricType identifies the metric this scorer produces.
func (QueryRelevance) MetricType() model.MetricType {
	return model.MetricTypeQueryRelevance
}

// Score computes the query relevance details for one LLM span.
func (QueryRelevance) Score(ctx context.Context, f normalize.Features) (map[string]any, error) {
	if f.UserQuery == "" {
		return nil, fmt.Errorf("scorer: no user query extracted")
	}

	reference := f.SystemPrompt
	if len(f.Context) > 0 {
		reference += " " + strings.Join(f.Context, " ")
	}

	score, shared := overlapScore(f.UserQuery, reference)
	return map[string]any{
		model.DetailKeyRelevanceScore: score,
		model.DetailKeyJustification:  overlapJustification("query", score, shared),
	}, nil
}

// ResponseRelevance scores how directly the model response addresses the
// user query.
type ResponseRelevance struct{}

// MetricType identifies the metric this scorer produces.
func (ResponseRelevance) MetricType() model.MetricType {
	return model.MetricTypeResponseRelevance
}

// Score computes the response relevance details for one LLM span.
func (ResponseRelevance) Score(ctx context.Context, f normalize.Features) (map[string]any, error) {
	if f.UserQuery == "" {
		return nil, fmt.Errorf("scorer: no user query extracted")
	}
	if f.Response == "" {
		return nil, fmt.Errorf("scorer: no response extracted")
	}

	score, shared := overlapScore(f.Response, f.UserQuery)
	return map[string]any{
		model.DetailKeyRelevanceScore: score,
		model.DetailKeyJustification:  overlapJustification("response", score, shared),
	}, nil
}

// ToolSelection classifies whether the span's tool call was the right
// choice for the query.
type ToolSelection struct{}

// MetricType identifies the metric this scorer produces.
func (ToolSelection) MetricType() model.MetricType {
	return model.MetricTypeToolSelection
}

// actionVerbs signal a query that expects the agent to invoke a tool.
var actionVerbs = []string{
	"search", "look up", "lookup", "find", "fetch", "get", "retrieve",
	"calculate", "compute", "check", "book", "schedule", "send", "weather",
	"current", "latest", "today",
}

// Score classifies the tool decision. The response is searched for tool
// calls; the query is searched for action intent.
func (ToolSelection) Score(ctx context.Context, f normalize.Features) (map[string]any, error) {
	if f.UserQuery == "" {
		return nil, fmt.Errorf("scorer: no user query extracted")
	}

	calledTool := strings.Contains(f.Response, "tool_calls") || f.ToolName != nil
	wantsTool := false
	lower := strings.ToLower(truncate(f.UserQuery))
	for _, verb := range actionVerbs {
		if strings.Contains(lower, verb) {
			wantsTool = true
			break
		}
	}

	var selection model.ToolClassification
	var why string
	switch {
	case calledTool && wantsTool:
		selection = model.ToolClassificationCorrect
		why = "query expects an action and a tool was invoked"
	case calledTool && !wantsTool:
		selection = model.ToolClassificationIncorrect
		why = "a tool was invoked but the query does not ask for an action"
	case !calledTool && wantsTool:
		selection = model.ToolClassificationIncorrect
		why = "query expects an action but no tool was invoked"
	default:
		selection = model.ToolClassificationNoToolExpected
		why = "query does not require a tool"
	}

	// usage mirrors selection for the heuristic scorer: a correctly
	// selected tool is assumed correctly invoked.
	usage := selection
	if selection == model.ToolClassificationNoToolExpected {
		usage = model.ToolClassificationNoToolExpected
	}

	return map[string]any{
		model.DetailKeyToolSelection: int(selection),
		model.DetailKeyToolUsage:     int(usage),
		model.DetailKeyJustification: why,
	}, nil
}

// overlapScore computes a content-word overlap ratio between text and
// reference, returning the score and up to five shared terms.
func overlapScore(text, reference string) (float64, []string) {
	textTerms := contentTerms(truncate(text))
	refTerms := contentTerms(truncate(reference))
	if len(textTerms) == 0 {
		return 0, nil
	}
	if len(refTerms) == 0 {
		// nothing to compare against; neutral midpoint rather than a
		// false negative
		return 0.5, nil
	}

	var shared []string
	for term := range textTerms {
		if refTerms[term] {
			shared = append(shared, term)
		}
	}
	sort.Strings(shared)

	score := float64(len(shared)) / float64(len(textTerms))
	if score > 1 {
		score = 1
	}
	if len(shared) > 5 {
		shared = shared[:5]
	}
	return score, shared
}

func overlapJustification(kind string, score float64, shared []string) string {
	if len(shared) == 0 {
		return fmt.Sprintf("no %s terms overlap the reference text (score %.2f)", kind, score)
	}
	return fmt.Sprintf("%s shares terms %s with the reference text (score %.2f)",
		kind, strings.Join(shared, ", "), score)
}

// contentTerms tokenizes into lowercase content words, dropping stopwords
// and single characters.
func contentTerms(s string) map[string]bool {
	terms := map[string]bool{}
	for _, field := range strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r)
	}) {
		if len(field) < 2 || stopwords[field] {
			continue
		}
		terms[field] = true
	}
	return terms
}

func truncate(s string) string {
	if len(s) > maxInputLen {
		return s[:maxInputLen]
	}
	return s
}
