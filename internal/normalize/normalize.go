// Package normalize converts raw OpenInference spans from OTLP wire form
// into the canonical nested attribute tree stored and queried by the rest
// of the engine.
//
// Normalization is deterministic (equal inputs produce equal outputs) and
// idempotent (normalizing an already-normalized span is a no-op). It never
// fails: any sub-step that cannot interpret a value preserves the raw value
// and logs at debug level.
package normalize

import (
	"encoding/json"
	"errors"
	"log/slog"
	"sort"
	"strconv"
	"strings"

	"github.com/miru-ai/miru/internal/semconv"
)

// Version stamp injected on every normalized span for forward
// compatibility. Spans read back without the stamp are logged as a warning
// and still served.
const (
	VersionKey = "miru_version"
	Version    = "v1"
)

// Normalizer rewrites raw span dicts into canonical form. It holds no
// mutable state; a single instance is shared across requests.
type Normalizer struct {
	logger *slog.Logger
}

// New creates a Normalizer.
func New(logger *slog.Logger) *Normalizer {
	return &Normalizer{logger: logger}
}

// Span returns a deep copy of raw with a fully nested attributes tree and
// the version stamp set. The input is never mutated.
func (n *Normalizer) Span(raw map[string]any) map[string]any {
	span := deepCopyMap(raw)

	flat := n.flattenAttributes(span["attributes"])
	n.applyMimeTypeParsing(flat)
	n.liftMessageContents(flat)
	nested := n.unflatten(flat)
	n.reparseJSONStrings(nested, "")

	span["attributes"] = nested
	span[VersionKey] = Version
	return span
}

// flattenAttributes produces the flat dotted-key map from whatever shape
// the attributes arrived in: an OTLP wire list of {key, value} envelope
// pairs, or an already-flat (or already-nested) map.
func (n *Normalizer) flattenAttributes(attrs any) map[string]any {
	switch v := attrs.(type) {
	case []any:
		return n.extractWireList(v)
	case map[string]any:
		// Already extracted (possibly already nested). Copy so later
		// passes can mutate freely.
		flat := make(map[string]any, len(v))
		for k, val := range v {
			flat[k] = val
		}
		return flat
	case nil:
		return map[string]any{}
	default:
		n.logger.Debug("normalize: unexpected attributes shape, dropping", "type", typeName(attrs))
		return map[string]any{}
	}
}

// extractWireList converts OTLP {key, value} envelope pairs into a flat
// map, coercing each value toward its registered type.
func (n *Normalizer) extractWireList(pairs []any) map[string]any {
	flat := make(map[string]any, len(pairs))
	for _, p := range pairs {
		kv, ok := p.(map[string]any)
		if !ok {
			n.logger.Debug("normalize: non-object attribute entry skipped")
			continue
		}
		key, ok := kv["key"].(string)
		if !ok || key == "" {
			n.logger.Debug("normalize: attribute entry without key skipped")
			continue
		}
		val := n.decodeEnvelope(kv["value"])
		flat[key] = n.coerce(key, val)
	}
	return flat
}

// decodeEnvelope unwraps one OTLP AnyValue envelope
// (stringValue/intValue/doubleValue/boolValue/arrayValue/kvlistValue) into
// a plain Go value. Unrecognized envelopes are returned as-is.
func (n *Normalizer) decodeEnvelope(env any) any {
	m, ok := env.(map[string]any)
	if !ok {
		return env
	}
	if v, ok := m["stringValue"]; ok {
		return v
	}
	if v, ok := m["intValue"]; ok {
		// OTLP JSON carries int64 as a string.
		switch iv := v.(type) {
		case string:
			if parsed, err := strconv.ParseInt(iv, 10, 64); err == nil {
				return parsed
			}
			return iv
		case float64:
			return int64(iv)
		default:
			return iv
		}
	}
	if v, ok := m["doubleValue"]; ok {
		return v
	}
	if v, ok := m["boolValue"]; ok {
		return v
	}
	if v, ok := m["bytesValue"]; ok {
		return v
	}
	if v, ok := m["arrayValue"]; ok {
		arr, _ := v.(map[string]any)
		values, _ := arr["values"].([]any)
		out := make([]any, 0, len(values))
		for _, item := range values {
			out = append(out, n.decodeEnvelope(item))
		}
		return out
	}
	if v, ok := m["kvlistValue"]; ok {
		kvl, _ := v.(map[string]any)
		values, _ := kvl["values"].([]any)
		out := make(map[string]any, len(values))
		for _, item := range values {
			pair, ok := item.(map[string]any)
			if !ok {
				continue
			}
			key, _ := pair["key"].(string)
			if key == "" {
				continue
			}
			out[key] = n.decodeEnvelope(pair["value"])
		}
		return out
	}
	return env
}

// coerce nudges a freshly-extracted value toward the registered type for
// its key. Parse failures preserve the raw value.
func (n *Normalizer) coerce(key string, v any) any {
	want, registered := semconv.ExpectedType(key)
	if !registered {
		return v
	}
	switch want {
	case semconv.TypeJSON:
		s, ok := v.(string)
		if !ok {
			return v
		}
		parsed, err := parseJSON(s)
		if err != nil {
			n.logger.Debug("normalize: json attribute did not parse, keeping raw", "key", key, "error", err)
			return v
		}
		return parsed
	case semconv.TypeInt:
		switch iv := v.(type) {
		case int64:
			return iv
		case int:
			return int64(iv)
		case float64:
			if iv == float64(int64(iv)) {
				return int64(iv)
			}
			return iv
		case string:
			if parsed, err := strconv.ParseInt(iv, 10, 64); err == nil {
				return parsed
			}
			n.logger.Debug("normalize: int attribute did not parse, keeping raw", "key", key)
			return iv
		}
	case semconv.TypeFloat:
		switch fv := v.(type) {
		case float64:
			return fv
		case int64:
			return float64(fv)
		case int:
			return float64(fv)
		case string:
			if parsed, err := strconv.ParseFloat(fv, 64); err == nil {
				return parsed
			}
			n.logger.Debug("normalize: float attribute did not parse, keeping raw", "key", key)
			return fv
		}
	case semconv.TypeBool:
		switch bv := v.(type) {
		case bool:
			return bv
		case string:
			if parsed, err := strconv.ParseBool(bv); err == nil {
				return parsed
			}
			n.logger.Debug("normalize: bool attribute did not parse, keeping raw", "key", key)
			return bv
		}
	case semconv.TypeString:
		switch sv := v.(type) {
		case string:
			return sv
		case int64:
			return strconv.FormatInt(sv, 10)
		case float64:
			return strconv.FormatFloat(sv, 'g', -1, 64)
		case bool:
			return strconv.FormatBool(sv)
		}
	}
	return v
}

// applyMimeTypeParsing JSON-parses *.value string attributes whose sibling
// *.mime_type is application/json.
func (n *Normalizer) applyMimeTypeParsing(flat map[string]any) {
	for _, key := range sortedKeys(flat) {
		if !strings.HasSuffix(key, semconv.ValueSuffix) {
			continue
		}
		s, ok := flat[key].(string)
		if !ok {
			continue
		}
		if !semconv.ShouldParseJSON(key, flat) {
			continue
		}
		parsed, err := parseJSON(s)
		if err != nil {
			n.logger.Debug("normalize: mime-typed value did not parse, keeping raw", "key", key, "error", err)
			continue
		}
		flat[key] = parsed
	}
}

// liftMessageContents handles *.message.contents attributes: the value is
// a JSON array of item objects, and any item keys carrying the
// message_content. prefix are lifted into a nested message_content object.
func (n *Normalizer) liftMessageContents(flat map[string]any) {
	for _, key := range sortedKeys(flat) {
		if key != semconv.MessageContents && !strings.HasSuffix(key, "."+semconv.MessageContents) {
			continue
		}
		val := flat[key]
		if s, ok := val.(string); ok {
			parsed, err := parseJSON(s)
			if err != nil {
				n.logger.Debug("normalize: message contents did not parse, keeping raw", "key", key, "error", err)
				continue
			}
			val = parsed
		}
		items, ok := val.([]any)
		if !ok {
			continue
		}
		for i, item := range items {
			obj, ok := item.(map[string]any)
			if !ok {
				continue
			}
			items[i] = liftContentItem(obj)
		}
		flat[key] = items
	}
}

// liftContentItem moves message_content.-prefixed keys of one contents item
// under a nested message_content object. Other keys pass through.
func liftContentItem(obj map[string]any) map[string]any {
	var lifted map[string]any
	out := make(map[string]any, len(obj))
	for _, k := range sortedKeys(obj) {
		if strings.HasPrefix(k, semconv.MessageContentPrefix) {
			if lifted == nil {
				lifted = make(map[string]any)
			}
			lifted[strings.TrimPrefix(k, semconv.MessageContentPrefix)] = obj[k]
			continue
		}
		out[k] = obj[k]
	}
	if lifted != nil {
		if existing, ok := out["message_content"].(map[string]any); ok {
			for k, v := range lifted {
				existing[k] = v
			}
		} else {
			out["message_content"] = lifted
		}
	}
	return out
}

// unflatten turns the flat dotted-key map into a nested tree. Intermediate
// dicts whose keys are all base-10 integers become lists ordered by the
// integer value. Keys are visited in sorted order so conflicts resolve
// deterministically (first writer wins).
func (n *Normalizer) unflatten(flat map[string]any) map[string]any {
	root := make(map[string]any, len(flat))
	for _, key := range sortedKeys(flat) {
		segments := strings.Split(key, ".")
		node := root
		ok := true
		for _, seg := range segments[:len(segments)-1] {
			child, exists := node[seg]
			if !exists {
				next := make(map[string]any)
				node[seg] = next
				node = next
				continue
			}
			childMap, isMap := child.(map[string]any)
			if !isMap {
				n.logger.Debug("normalize: key conflicts with scalar, keeping scalar", "key", key, "segment", seg)
				ok = false
				break
			}
			node = childMap
		}
		if !ok {
			continue
		}
		leaf := segments[len(segments)-1]
		if _, exists := node[leaf]; exists {
			n.logger.Debug("normalize: key conflicts with subtree, keeping subtree", "key", key)
			continue
		}
		node[leaf] = flat[key]
	}
	listified, _ := listifyIntKeys(root).(map[string]any)
	return listified
}

// listifyIntKeys recursively converts maps whose keys are all base-10
// integers into lists ordered by integer value.
func listifyIntKeys(v any) any {
	switch node := v.(type) {
	case map[string]any:
		for k, child := range node {
			node[k] = listifyIntKeys(child)
		}
		if len(node) == 0 {
			return node
		}
		type indexed struct {
			idx int
			val any
		}
		items := make([]indexed, 0, len(node))
		for k, child := range node {
			i, err := strconv.Atoi(k)
			if err != nil || i < 0 {
				return node
			}
			items = append(items, indexed{idx: i, val: child})
		}
		sort.Slice(items, func(a, b int) bool { return items[a].idx < items[b].idx })
		list := make([]any, 0, len(items))
		for _, it := range items {
			list = append(list, it.val)
		}
		return list
	case []any:
		for i, child := range node {
			node[i] = listifyIntKeys(child)
		}
		return node
	default:
		return v
	}
}

// reparseJSONStrings is the final recursive pass: any string leaf whose
// dotted path is registered as JSON gets parsed. This necessarily runs
// after unflattening, because fields such as tool_call.function.arguments
// only become addressable once the dotted keys have been expanded.
func (n *Normalizer) reparseJSONStrings(v any, path string) {
	switch node := v.(type) {
	case map[string]any:
		for _, k := range sortedKeys(node) {
			childPath := k
			if path != "" {
				childPath = path + "." + k
			}
			if s, ok := node[k].(string); ok {
				if semconv.IsJSON(childPath) {
					parsed, err := parseJSON(s)
					if err != nil {
						n.logger.Debug("normalize: nested json did not parse, keeping raw", "key", childPath, "error", err)
						continue
					}
					node[k] = parsed
					n.reparseJSONStrings(node[k], childPath)
				}
				continue
			}
			n.reparseJSONStrings(node[k], childPath)
		}
	case []any:
		for i, child := range node {
			childPath := path + "." + strconv.Itoa(i)
			if path == "" {
				childPath = strconv.Itoa(i)
			}
			if s, ok := child.(string); ok {
				if semconv.IsJSON(childPath) {
					parsed, err := parseJSON(s)
					if err != nil {
						n.logger.Debug("normalize: nested json did not parse, keeping raw", "key", childPath, "error", err)
						continue
					}
					node[i] = parsed
					n.reparseJSONStrings(node[i], childPath)
				}
				continue
			}
			n.reparseJSONStrings(child, childPath)
		}
	}
}

// errNotJSONContainer rejects bare scalars so ordinary strings survive
// json-typed keys.
var errNotJSONContainer = errors.New("value is not a JSON object or array")

// parseJSON decodes a string that must hold a JSON object or array.
func parseJSON(s string) (any, error) {
	trimmed := strings.TrimSpace(s)
	if !strings.HasPrefix(trimmed, "{") && !strings.HasPrefix(trimmed, "[") {
		return nil, errNotJSONContainer
	}
	var out any
	if err := json.Unmarshal([]byte(trimmed), &out); err != nil {
		return nil, err
	}
	return out, nil
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func deepCopyMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = deepCopyValue(v)
	}
	return out
}

func deepCopyValue(v any) any {
	switch node := v.(type) {
	case map[string]any:
		return deepCopyMap(node)
	case []any:
		out := make([]any, len(node))
		for i, child := range node {
			out[i] = deepCopyValue(child)
		}
		return out
	default:
		return v
	}
}

func typeName(v any) string {
	if v == nil {
		return "nil"
	}
	switch v.(type) {
	case string:
		return "string"
	case []any:
		return "list"
	case map[string]any:
		return "map"
	default:
		return "other"
	}
}
