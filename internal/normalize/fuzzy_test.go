package normalize

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestExtractQueryFromPromptLabeledLine(t *testing.T) {
	prompt := "You are a helpful assistant.\nUser query: how do solar panels work\nAnswer concisely."
	assert.Equal(t, "how do solar panels work", ExtractQueryFromPrompt(prompt))
}

func TestExtractQueryFromPromptQuotedPassage(t *testing.T) {
	prompt := `Answer the question "what is the boiling point of water" using the context below.`
	assert.Equal(t, "what is the boiling point of water", ExtractQueryFromPrompt(prompt))
}

func TestExtractQueryFromPromptTrailingQuestion(t *testing.T) {
	prompt := "You are an expert geographer. Which river is the longest in the world?"
	assert.Equal(t, "Which river is the longest in the world?", ExtractQueryFromPrompt(prompt))
}

func TestExtractQueryFromPromptLongestCandidateWins(t *testing.T) {
	prompt := "Question: short query here\nUser query: a considerably longer query that should win the selection"
	assert.Equal(t, "a considerably longer query that should win the selection", ExtractQueryFromPrompt(prompt))
}

func TestExtractQueryFromPromptIgnoresShortCandidates(t *testing.T) {
	assert.Equal(t, "", ExtractQueryFromPrompt(`The word "hi" is short.`))
}

func TestExtractQueryFromPromptEmpty(t *testing.T) {
	assert.Equal(t, "", ExtractQueryFromPrompt(""))
	assert.Equal(t, "", ExtractQueryFromPrompt("   "))
}

func TestExtractQueryFromPromptBoundedInput(t *testing.T) {
	prompt := "User query: the question sits at the head of the prompt\n" + strings.Repeat("x", maxFuzzyInputLen*2)
	assert.Equal(t, "the question sits at the head of the prompt", ExtractQueryFromPrompt(prompt))
}

func TestExtractQueryFromPromptDeterministic(t *testing.T) {
	prompt := `Please summarize the article. "What were the key findings?" was asked.`
	first := ExtractQueryFromPrompt(prompt)
	for i := 0; i < 5; i++ {
		assert.Equal(t, first, ExtractQueryFromPrompt(prompt))
	}
}
