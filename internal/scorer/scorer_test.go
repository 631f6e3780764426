package scorer

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/miru-ai/miru/internal/model"
	"github.com/miru-ai/miru/internal/normalize"
)

func TestQueryRelevanceOnTopic(t *testing.T) {
	details, err := QueryRelevance{}.Score(context.Background(), normalize.Features{
		SystemPrompt: "You are a weather assistant. Answer questions about weather, temperature and forecasts.",
		UserQuery:    "What is the weather forecast for Tokyo?",
	})
	require.NoError(t, err)

	score, ok := details[model.DetailKeyRelevanceScore].(float64)
	require.True(t, ok)
	assert.Greater(t, score, 0.3)
	assert.NotEmpty(t, details[model.DetailKeyJustification])
}

func TestQueryRelevanceOffTopic(t *testing.T) {
	details, err := QueryRelevance{}.Score(context.Background(), normalize.Features{
		SystemPrompt: "You are a weather assistant.",
		UserQuery:    "Summarize Hamlet in three paragraphs covering themes and characters.",
	})
	require.NoError(t, err)

	score := details[model.DetailKeyRelevanceScore].(float64)
	assert.Less(t, score, 0.3)
}

func TestQueryRelevanceRequiresQuery(t *testing.T) {
	_, err := QueryRelevance{}.Score(context.Background(), normalize.Features{
		SystemPrompt: "You are a weather assistant.",
	})
	require.Error(t, err)
}

func TestResponseRelevanceEchoesQueryTerms(t *testing.T) {
	details, err := ResponseRelevance{}.Score(context.Background(), normalize.Features{
		UserQuery: "What is the capital of France?",
		Response:  "The capital of France is Paris.",
	})
	require.NoError(t, err)

	score := details[model.DetailKeyRelevanceScore].(float64)
	assert.Greater(t, score, 0.5)
}

func TestResponseRelevanceRequiresResponse(t *testing.T) {
	_, err := ResponseRelevance{}.Score(context.Background(), normalize.Features{
		UserQuery: "What is the capital of France?",
	})
	require.Error(t, err)
}

func TestToolSelectionClassification(t *testing.T) {
	toolName := "get_weather"

	tests := []struct {
		name string
		f    normalize.Features
		want model.ToolClassification
	}{
		{
			name: "action query with tool call",
			f: normalize.Features{
				UserQuery: "Check the current weather in Berlin",
				ToolName:  &toolName,
			},
			want: model.ToolClassificationCorrect,
		},
		{
			name: "action query without tool call",
			f: normalize.Features{
				UserQuery: "Search for the latest news about Go",
				Response:  "I cannot browse the internet.",
			},
			want: model.ToolClassificationIncorrect,
		},
		{
			name: "chat query without tool call",
			f: normalize.Features{
				UserQuery: "Tell me a short story about a dragon",
				Response:  "Once upon a time...",
			},
			want: model.ToolClassificationNoToolExpected,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			details, err := ToolSelection{}.Score(context.Background(), tt.f)
			require.NoError(t, err)
			assert.Equal(t, int(tt.want), details[model.DetailKeyToolSelection])
			assert.NotEmpty(t, details[model.DetailKeyJustification])
		})
	}
}

func TestScorersAreDeterministic(t *testing.T) {
	f := normalize.Features{
		SystemPrompt: "You answer questions about astronomy, planets and stars.",
		UserQuery:    "How far is Mars from Earth?",
		Response:     "Mars is on average 225 million km from Earth.",
	}

	first, err := ResponseRelevance{}.Score(context.Background(), f)
	require.NoError(t, err)
	second, err := ResponseRelevance{}.Score(context.Background(), f)
	require.NoError(t, err)
	assert.Equal(t, first, second)
}
