// Package semconv is the OpenInference semantic conventions registry: a
// read-only table mapping attribute paths to their expected primitive type,
// plus the mime-type rules that decide when a string value holds JSON.
//
// See https://github.com/Arize-ai/openinference for the upstream conventions.
package semconv

import "strings"

// AttrType is the expected primitive type of a registered attribute.
type AttrType int

const (
	TypeString AttrType = iota
	TypeInt
	TypeFloat
	TypeBool
	TypeJSON
)

// Well-known attribute keys referenced throughout the engine.
const (
	SpanKindKey = "openinference.span.kind"

	InputValue     = "input.value"
	InputMimeType  = "input.mime_type"
	OutputValue    = "output.value"
	OutputMimeType = "output.mime_type"

	LLMInputMessages  = "llm.input_messages"
	LLMOutputMessages = "llm.output_messages"

	LLMTokenCountPrompt     = "llm.token_count.prompt"
	LLMTokenCountCompletion = "llm.token_count.completion"
	LLMTokenCountTotal      = "llm.token_count.total"

	TaskID    = "miru.task"
	SessionID = "session.id"
	UserID    = "user.id"
	Metadata  = "metadata"

	MessageRole      = "message.role"
	MessageContent   = "message.content"
	MessageContents  = "message.contents"
	MessageToolCalls = "message.tool_calls"

	ToolCallFunctionName      = "tool_call.function.name"
	ToolCallFunctionArguments = "tool_call.function.arguments"

	// MessageContentPrefix marks keys inside a *.message.contents item that
	// are lifted into a nested message_content object during normalization.
	MessageContentPrefix = "message_content."

	// MimeTypeSuffix is the sibling suffix that governs JSON inlining of
	// *.value attributes.
	MimeTypeSuffix = ".mime_type"
	ValueSuffix    = ".value"

	// JSONMimeType is the mime type that triggers JSON parsing of a value.
	JSONMimeType = "application/json"
)

// legacyTaskKeys are task-binding attribute keys emitted by older
// instrumentation; probed after TaskID.
var legacyTaskKeys = []string{"arthur.task"}

// TaskKeys returns the task-binding attribute keys in probe order.
func TaskKeys() []string {
	return append([]string{TaskID}, legacyTaskKeys...)
}

// registry maps attribute paths to expected types. Paths match either the
// whole key or a dotted suffix of it, so flattened entries such as
// llm.input_messages.0.message.role resolve through "message.role".
var registry = map[string]AttrType{
	SpanKindKey: TypeString,

	InputValue:     TypeString,
	InputMimeType:  TypeString,
	OutputValue:    TypeString,
	OutputMimeType: TypeString,

	Metadata:  TypeJSON,
	SessionID: TypeString,
	UserID:    TypeString,
	TaskID:    TypeString,

	"llm.model_name":            TypeString,
	"llm.provider":              TypeString,
	"llm.system":                TypeString,
	"llm.invocation_parameters": TypeJSON,
	LLMTokenCountPrompt:         TypeInt,
	LLMTokenCountCompletion:     TypeInt,
	LLMTokenCountTotal:          TypeInt,
	LLMInputMessages:            TypeJSON,
	LLMOutputMessages:           TypeJSON,
	"llm.tools":                 TypeJSON,

	"llm.prompt_template.template":  TypeString,
	"llm.prompt_template.variables": TypeJSON,
	"llm.prompt_template.version":   TypeString,

	MessageRole:      TypeString,
	MessageContent:   TypeString,
	MessageContents:  TypeJSON,
	MessageToolCalls: TypeJSON,
	"message.name":   TypeString,

	"message_content.type": TypeString,
	"message_content.text": TypeString,

	"tool.name":               TypeString,
	"tool.description":        TypeString,
	"tool.parameters":         TypeJSON,
	"tool.json_schema":        TypeJSON,
	ToolCallFunctionName:      TypeString,
	ToolCallFunctionArguments: TypeJSON,
	"tool_call.id":            TypeString,

	"retrieval.documents": TypeJSON,
	"document.id":         TypeString,
	"document.content":    TypeString,
	"document.score":      TypeFloat,
	"document.metadata":   TypeJSON,

	"embedding.model_name": TypeString,
	"embedding.text":       TypeString,
	"embedding.vector":     TypeJSON,
	"embedding.embeddings": TypeJSON,

	"reranker.query":            TypeString,
	"reranker.model_name":       TypeString,
	"reranker.top_k":            TypeInt,
	"reranker.input_documents":  TypeJSON,
	"reranker.output_documents": TypeJSON,

	"tag.tags": TypeJSON,
}

func init() {
	for _, k := range legacyTaskKeys {
		registry[k] = TypeString
	}
}

// ExpectedType returns the registered type for an attribute key. Lookup is
// by exact path first, then by progressively shorter dotted suffixes, so
// keys nested under flattened list indexes still resolve. The second return
// reports whether the key (or a suffix of it) is registered.
func ExpectedType(key string) (AttrType, bool) {
	if t, ok := registry[key]; ok {
		return t, true
	}
	rest := key
	for {
		i := strings.IndexByte(rest, '.')
		if i < 0 {
			return TypeString, false
		}
		rest = rest[i+1:]
		if t, ok := registry[rest]; ok {
			return t, true
		}
	}
}

// IsJSON reports whether the key is registered with a JSON expected type.
func IsJSON(key string) bool {
	t, ok := ExpectedType(key)
	return ok && t == TypeJSON
}

// MimeTypeSibling returns the mime-type attribute key governing a *.value
// key, or "" when the key is not a value attribute.
func MimeTypeSibling(key string) string {
	if !strings.HasSuffix(key, ValueSuffix) {
		return ""
	}
	return strings.TrimSuffix(key, ValueSuffix) + MimeTypeSuffix
}

// ShouldParseJSON answers whether a string value at key should be parsed as
// JSON: true when the key is registered as JSON, or when the sibling
// mime_type attribute in flat carries "application/json".
func ShouldParseJSON(key string, flat map[string]any) bool {
	if IsJSON(key) {
		return true
	}
	sib := MimeTypeSibling(key)
	if sib == "" {
		return false
	}
	mt, _ := flat[sib].(string)
	return mt == JSONMimeType
}
