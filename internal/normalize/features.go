package normalize

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/miru-ai/miru/internal/model"
	"github.com/miru-ai/miru/internal/semconv"
)

// Features is everything the rest of the engine derives from one
// normalized span: classification, binding, and the extracted LLM content
// that feeds trace metadata and metric scoring.
type Features struct {
	Kind       model.SpanKind
	Name       string
	StatusCode model.StatusCode

	TaskID    string
	SessionID *string
	UserID    *string
	ToolName  *string

	SystemPrompt string
	UserQuery    string
	Response     string
	Context      []string

	InputContent  string
	OutputContent string

	PromptTokens     int
	CompletionTokens int
}

// ExtractFeatures derives all features from a normalized span. Pure: the
// span is not mutated.
func ExtractFeatures(span map[string]any) Features {
	attrs, _ := span["attributes"].(map[string]any)

	f := Features{
		Kind:       model.ParseSpanKind(attrPathString(attrs, semconv.SpanKindKey)),
		Name:       stringOf(span["name"]),
		StatusCode: extractStatusCode(span),
	}

	for _, key := range semconv.TaskKeys() {
		if v := attrPathString(attrs, key); v != "" {
			f.TaskID = v
			break
		}
	}

	// Top-level session.id/user.id attributes win; a metadata blob is the
	// fallback for instrumentation that only tags the nested form.
	f.SessionID = firstNonEmpty(
		attrPathString(attrs, semconv.SessionID),
		metadataString(attrs, "session_id"),
	)
	f.UserID = firstNonEmpty(
		attrPathString(attrs, semconv.UserID),
		metadataString(attrs, "user_id"),
	)

	f.SystemPrompt, f.UserQuery = extractInputMessages(attrs)
	f.Response = extractResponse(attrs)
	f.Context = extractContext(attrs)

	// A system prompt that swallowed the user's question is the common
	// failure mode of single-message instrumentation; fall back to fuzzy
	// heuristics over the system prompt.
	if f.UserQuery == "" || f.UserQuery == f.SystemPrompt {
		if fuzzy := ExtractQueryFromPrompt(f.SystemPrompt); fuzzy != "" {
			f.UserQuery = fuzzy
		}
	}

	if f.Kind == model.SpanKindTool {
		name := attrPathString(attrs, "tool.name")
		if name == "" {
			name = f.Name
		}
		if name != "" {
			f.ToolName = &name
		}
	}

	f.InputContent = stringifyValue(attrPath(attrs, semconv.InputValue))
	if f.InputContent == "" {
		f.InputContent = f.UserQuery
	}
	f.OutputContent = stringifyValue(attrPath(attrs, semconv.OutputValue))
	if f.OutputContent == "" {
		f.OutputContent = f.Response
	}

	f.PromptTokens = attrPathInt(attrs, semconv.LLMTokenCountPrompt)
	f.CompletionTokens = attrPathInt(attrs, semconv.LLMTokenCountCompletion)

	return f
}

// extractStatusCode reads the span's status envelope. Accepts the OTLP
// enum name, the bare name, and the numeric code.
func extractStatusCode(span map[string]any) model.StatusCode {
	status, _ := span["status"].(map[string]any)
	if status == nil {
		return model.StatusCodeUnset
	}
	switch code := status["code"].(type) {
	case string:
		switch strings.ToUpper(strings.TrimPrefix(code, "STATUS_CODE_")) {
		case "OK":
			return model.StatusCodeOk
		case "ERROR":
			return model.StatusCodeError
		}
	case float64:
		return statusFromNumber(int(code))
	case int64:
		return statusFromNumber(int(code))
	case int:
		return statusFromNumber(code)
	}
	return model.StatusCodeUnset
}

func statusFromNumber(code int) model.StatusCode {
	switch code {
	case 1:
		return model.StatusCodeOk
	case 2:
		return model.StatusCodeError
	}
	return model.StatusCodeUnset
}

// extractInputMessages walks llm.input_messages and returns the first
// system-role content and the first user-role content.
func extractInputMessages(attrs map[string]any) (systemPrompt, userQuery string) {
	for _, msg := range messageList(attrPath(attrs, semconv.LLMInputMessages)) {
		role := strings.ToLower(stringOf(msg["role"]))
		content := stringifyValue(msg["content"])
		if content == "" {
			continue
		}
		switch role {
		case "system":
			if systemPrompt == "" {
				systemPrompt = content
			}
		case "user":
			if userQuery == "" {
				userQuery = content
			}
		}
		if systemPrompt != "" && userQuery != "" {
			break
		}
	}
	return systemPrompt, userQuery
}

// extractResponse returns the first output message's content, or its
// serialized tool calls when the content is empty.
func extractResponse(attrs map[string]any) string {
	for _, msg := range messageList(attrPath(attrs, semconv.LLMOutputMessages)) {
		if content := stringifyValue(msg["content"]); content != "" {
			return content
		}
		if calls, ok := msg["tool_calls"]; ok && calls != nil {
			if b, err := json.Marshal(calls); err == nil {
				return string(b)
			}
		}
	}
	return ""
}

// extractContext collects retrieved document contents.
func extractContext(attrs map[string]any) []string {
	docs, _ := attrPath(attrs, "retrieval.documents").([]any)
	var out []string
	for _, d := range docs {
		item, ok := d.(map[string]any)
		if !ok {
			continue
		}
		// Unflattened form nests fields under "document".
		if doc, ok := item["document"].(map[string]any); ok {
			item = doc
		}
		if content := stringifyValue(item["content"]); content != "" {
			out = append(out, content)
		}
	}
	return out
}

// messageList normalizes the two shapes a message list can take after
// normalization: items wrapped in a "message" object (unflattened dotted
// keys) or bare message objects (JSON-inlined payloads).
func messageList(v any) []map[string]any {
	items, ok := v.([]any)
	if !ok {
		return nil
	}
	out := make([]map[string]any, 0, len(items))
	for _, item := range items {
		m, ok := item.(map[string]any)
		if !ok {
			continue
		}
		if inner, ok := m["message"].(map[string]any); ok {
			m = inner
		}
		out = append(out, m)
	}
	return out
}

// attrPath resolves a dotted semantic-convention key against the nested
// attribute tree.
func attrPath(attrs map[string]any, dotted string) any {
	node := any(attrs)
	for _, seg := range strings.Split(dotted, ".") {
		m, ok := node.(map[string]any)
		if !ok {
			return nil
		}
		node, ok = m[seg]
		if !ok {
			return nil
		}
	}
	return node
}

func attrPathString(attrs map[string]any, dotted string) string {
	return stringOf(attrPath(attrs, dotted))
}

func attrPathInt(attrs map[string]any, dotted string) int {
	switch v := attrPath(attrs, dotted).(type) {
	case int64:
		return int(v)
	case int:
		return v
	case float64:
		return int(v)
	}
	return 0
}

// metadataString reads a key from the span's metadata blob, if the blob
// normalized into an object.
func metadataString(attrs map[string]any, key string) string {
	meta, _ := attrs[semconv.Metadata].(map[string]any)
	if meta == nil {
		return ""
	}
	return stringOf(meta[key])
}

func stringOf(v any) string {
	s, _ := v.(string)
	return s
}

// stringifyValue renders an extracted value for content fields: strings
// pass through, structured values serialize to compact JSON.
func stringifyValue(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case map[string]any, []any:
		b, err := json.Marshal(val)
		if err != nil {
			return ""
		}
		return string(b)
	default:
		return fmt.Sprintf("%v", val)
	}
}

func firstNonEmpty(candidates ...string) *string {
	for _, c := range candidates {
		if c != "" {
			return &c
		}
	}
	return nil
}
