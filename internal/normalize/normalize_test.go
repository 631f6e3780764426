package normalize

import (
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newNormalizer() *Normalizer {
	return New(slog.Default())
}

func wireAttr(key string, value map[string]any) map[string]any {
	return map[string]any{"key": key, "value": value}
}

func TestSpanExtractsWireEnvelopes(t *testing.T) {
	raw := map[string]any{
		"name": "chat",
		"attributes": []any{
			wireAttr("llm.model_name", map[string]any{"stringValue": "gpt-4"}),
			wireAttr("llm.token_count.prompt", map[string]any{"intValue": "42"}),
			wireAttr("document.score", map[string]any{"doubleValue": 0.87}),
			wireAttr("flag", map[string]any{"boolValue": true}),
			wireAttr("tag.tags", map[string]any{"arrayValue": map[string]any{
				"values": []any{
					map[string]any{"stringValue": "a"},
					map[string]any{"stringValue": "b"},
				},
			}}),
		},
	}

	span := newNormalizer().Span(raw)
	attrs := span["attributes"].(map[string]any)

	llm := attrs["llm"].(map[string]any)
	assert.Equal(t, "gpt-4", llm["model_name"])
	tokens := llm["token_count"].(map[string]any)
	assert.Equal(t, int64(42), tokens["prompt"])
	doc := attrs["document"].(map[string]any)
	assert.Equal(t, 0.87, doc["score"])
	assert.Equal(t, true, attrs["flag"])
	tag := attrs["tag"].(map[string]any)
	assert.Equal(t, []any{"a", "b"}, tag["tags"])
	assert.Equal(t, Version, span[VersionKey])
}

func TestSpanUnflattensIntKeysIntoOrderedLists(t *testing.T) {
	raw := map[string]any{
		"attributes": map[string]any{
			"llm.input_messages.0.message.role":     "system",
			"llm.input_messages.0.message.content":  "You are helpful.",
			"llm.input_messages.2.message.role":     "user",
			"llm.input_messages.2.message.content":  "Second question",
			"llm.input_messages.10.message.role":    "user",
			"llm.input_messages.10.message.content": "Third question",
		},
	}

	span := newNormalizer().Span(raw)
	attrs := span["attributes"].(map[string]any)
	msgs := attrs["llm"].(map[string]any)["input_messages"].([]any)
	require.Len(t, msgs, 3)

	// ordered by integer index, not lexicographically
	first := msgs[0].(map[string]any)["message"].(map[string]any)
	assert.Equal(t, "system", first["role"])
	last := msgs[2].(map[string]any)["message"].(map[string]any)
	assert.Equal(t, "Third question", last["content"])
}

func TestSpanMimeTypeDrivenParsing(t *testing.T) {
	raw := map[string]any{
		"attributes": map[string]any{
			"input.value":      `{"question": "hi"}`,
			"input.mime_type":  "application/json",
			"output.value":     `{"answer": "hello"}`,
			"output.mime_type": "text/plain",
		},
	}

	span := newNormalizer().Span(raw)
	attrs := span["attributes"].(map[string]any)

	in := attrs["input"].(map[string]any)
	assert.Equal(t, map[string]any{"question": "hi"}, in["value"])

	// text/plain values stay strings even when they happen to hold JSON
	out := attrs["output"].(map[string]any)
	assert.Equal(t, `{"answer": "hello"}`, out["value"])
}

func TestSpanKeepsNonJSONStringsOnJSONKeys(t *testing.T) {
	raw := map[string]any{
		"attributes": map[string]any{
			"metadata": "just a note",
		},
	}

	span := newNormalizer().Span(raw)
	attrs := span["attributes"].(map[string]any)
	assert.Equal(t, "just a note", attrs["metadata"])
}

func TestSpanParsesJSONRegisteredKeys(t *testing.T) {
	raw := map[string]any{
		"attributes": map[string]any{
			"metadata": `{"session_id": "sess-9"}`,
		},
	}

	span := newNormalizer().Span(raw)
	attrs := span["attributes"].(map[string]any)
	assert.Equal(t, map[string]any{"session_id": "sess-9"}, attrs["metadata"])
}

func TestSpanLiftsMessageContents(t *testing.T) {
	raw := map[string]any{
		"attributes": map[string]any{
			"llm.input_messages.0.message.contents": `[{"message_content.type": "text", "message_content.text": "hi there"}]`,
		},
	}

	span := newNormalizer().Span(raw)
	attrs := span["attributes"].(map[string]any)
	msg := attrs["llm"].(map[string]any)["input_messages"].([]any)[0].(map[string]any)["message"].(map[string]any)
	contents := msg["contents"].([]any)
	require.Len(t, contents, 1)

	content := contents[0].(map[string]any)["message_content"].(map[string]any)
	assert.Equal(t, "text", content["type"])
	assert.Equal(t, "hi there", content["text"])
}

func TestSpanScalarSubtreeConflictKeepsFirstWriter(t *testing.T) {
	raw := map[string]any{
		"attributes": map[string]any{
			"llm.provider":       "openai",
			"llm.provider.extra": "dropped",
		},
	}

	span := newNormalizer().Span(raw)
	attrs := span["attributes"].(map[string]any)
	// sorted key order makes the scalar the first writer
	assert.Equal(t, "openai", attrs["llm"].(map[string]any)["provider"])
}

func TestSpanDeterministicAndIdempotent(t *testing.T) {
	raw := map[string]any{
		"name": "chat",
		"attributes": map[string]any{
			"openinference.span.kind":              "LLM",
			"llm.input_messages.0.message.role":    "user",
			"llm.input_messages.0.message.content": "hi",
			"metadata":                             `{"user_id": "u1"}`,
		},
	}

	n := newNormalizer()
	first := n.Span(raw)
	second := n.Span(raw)
	assert.Equal(t, first, second)

	again := n.Span(first)
	assert.Equal(t, first, again)
}

func TestSpanDoesNotMutateInput(t *testing.T) {
	attrs := map[string]any{"metadata": `{"k": "v"}`}
	raw := map[string]any{"attributes": attrs}

	newNormalizer().Span(raw)
	assert.Equal(t, `{"k": "v"}`, attrs["metadata"])
}

func TestSpanNilAndUnexpectedAttributeShapes(t *testing.T) {
	span := newNormalizer().Span(map[string]any{"name": "bare"})
	assert.Equal(t, map[string]any{}, span["attributes"])

	span = newNormalizer().Span(map[string]any{"attributes": "garbage"})
	assert.Equal(t, map[string]any{}, span["attributes"])
}
