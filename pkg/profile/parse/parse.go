// Package parse implements the tolerant LLM-output parser shared by the
// ingestion worker and the consolidator (§4.7): extraction of a JSON
// candidate from noisy free text, conservative repair, and a
// character-scanning fallback when repair still fails to parse.
package parse

import (
	"encoding/json"
	"regexp"
	"strings"

	"github.com/memlattice/profilememory/pkg/profile/model"
	"github.com/memlattice/profilememory/pkg/profileerrors"
)

// jsonPatterns are tried in order when no <think> tag is present. The first
// matching pattern wins.
var jsonPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?s)<OLD_PROFILE>\s*(\{.*?\})\s*</OLD_PROFILE>`),
	regexp.MustCompile(`(?s)<NEW_PROFILE>\s*(\{.*?\})\s*</NEW_PROFILE>`),
	regexp.MustCompile(`(?s)<profile>\s*(\{.*?\})\s*</profile>`),
	regexp.MustCompile(`(?s)<json>\s*(\{.*?\})\s*</json>`),
	regexp.MustCompile("(?s)```json\\s*(\\{.*?\\})\\s*```"),
	regexp.MustCompile("(?s)```\\s*(\\{.*?\\})\\s*```"),
	regexp.MustCompile(`(?s)<think>\s*(\{.*?\})\s*</think>`),
}

var lastObjectPattern = regexp.MustCompile(`(?s)(\{.*\})`)

var (
	parentheticalPattern = regexp.MustCompile(`\.\.\.\s*\([^)]*\)`)
	trailingCommaPattern = regexp.MustCompile(`,(\s*[}\]])`)
	unquotedKeyPattern   = regexp.MustCompile(`(\w+):\s*`)
	singleQuotedPattern  = regexp.MustCompile(`'([^']*)'`)
	backtickQuotedPattern = regexp.MustCompile("`([^`]*)`")
)

// extract splits responseText into a thinking trace (for logging only) and
// a best-effort JSON candidate string.
func extract(responseText string) (candidate, thinking string) {
	if strings.Contains(responseText, "<think>") && strings.Contains(responseText, "</think>") {
		rest := strings.TrimPrefix(responseText, "<think>")
		idx := strings.LastIndex(rest, "</think>")
		if idx < 0 {
			return strings.TrimSpace(rest), ""
		}
		thinking = strings.TrimSpace(rest[:idx])
		candidate = rest[idx+len("</think>"):]
		return candidate, thinking
	}

	for _, pattern := range jsonPatterns {
		if m := pattern.FindStringSubmatch(responseText); m != nil {
			return strings.TrimSpace(m[1]), ""
		}
	}

	if m := lastObjectPattern.FindStringSubmatch(responseText); m != nil {
		return strings.TrimSpace(m[1]), ""
	}
	return strings.TrimSpace(responseText), ""
}

// repair applies the conservative cleanup sequence from §4.7 to a raw JSON
// candidate.
func repair(candidate string) string {
	if candidate == "" {
		return candidate
	}
	s := candidate
	s = parentheticalPattern.ReplaceAllString(s, "")
	s = trailingCommaPattern.ReplaceAllString(s, "$1")
	s = unquotedKeyPattern.ReplaceAllString(s, `"$1": `)
	s = singleQuotedPattern.ReplaceAllString(s, `"$1"`)
	s = backtickQuotedPattern.ReplaceAllString(s, `"$1"`)

	open := strings.Count(s, "{")
	closeCount := strings.Count(s, "}")
	if open > closeCount {
		s += strings.Repeat("}", open-closeCount)
	}
	return strings.TrimSpace(s)
}

// scanObjects walks text character by character tracking string state and
// brace depth, accumulating every complete top-level JSON object it can
// find. Used only when repaired-candidate parsing still fails.
func scanObjects(text string) []orderedObject {
	var objects []orderedObject
	var current strings.Builder
	depth := 0
	inString := false
	escapeNext := false

	for _, ch := range text {
		if escapeNext {
			current.WriteRune(ch)
			escapeNext = false
			continue
		}
		if ch == '\\' {
			escapeNext = true
			current.WriteRune(ch)
			continue
		}
		if ch == '"' {
			inString = !inString
		}
		current.WriteRune(ch)

		if !inString {
			switch ch {
			case '{':
				depth++
			case '}':
				depth--
				if depth == 0 && strings.TrimSpace(current.String()) != "" {
					if obj, err := decodeOrderedObject([]byte(current.String())); err == nil {
						objects = append(objects, obj)
					}
					current.Reset()
				}
			}
		}
	}
	return objects
}

// kv is one key-value pair of a top-level JSON object, in source order.
type kv struct {
	Key   string
	Value any
}

type orderedObject []kv

func (o orderedObject) asMap() map[string]any {
	m := make(map[string]any, len(o))
	for _, p := range o {
		m[p.Key] = p.Value
	}
	return m
}

// decodeOrderedObject decodes a single top-level JSON object, preserving
// the source order of its keys. Nested structures decode with Go's usual
// (unordered) generic representation.
func decodeOrderedObject(data []byte) (orderedObject, error) {
	dec := json.NewDecoder(strings.NewReader(string(data)))
	tok, err := dec.Token()
	if err != nil {
		return nil, err
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return nil, profileerrors.New(profileerrors.ParseError, "expected top-level JSON object")
	}

	var out orderedObject
	for dec.More() {
		keyTok, err := dec.Token()
		if err != nil {
			return nil, err
		}
		key, ok := keyTok.(string)
		if !ok {
			return nil, profileerrors.New(profileerrors.ParseError, "expected string object key")
		}
		var value any
		if err := dec.Decode(&value); err != nil {
			return nil, err
		}
		out = append(out, kv{Key: key, Value: value})
	}
	return out, nil
}

// lenientObject extracts, repairs, and parses responseText into a generic
// JSON object, falling back to the brace-scanning merge strategy. Returns
// the thinking trace alongside the parsed object, with key order preserved
// (the reference relies on dict insertion order when applying commands).
func lenientObject(responseText string) (orderedObject, string, error) {
	candidate, thinking := extract(responseText)
	repaired := repair(candidate)

	if repaired != "" {
		if obj, err := decodeOrderedObject([]byte(repaired)); err == nil {
			return obj, thinking, nil
		}
	}

	objects := scanObjects(repaired)
	if len(objects) == 0 {
		return nil, thinking, profileerrors.New(profileerrors.ParseError, "no parseable JSON object found in LLM output")
	}

	var merged orderedObject
	for i, o := range objects {
		for _, p := range o {
			merged = append(merged, kv{Key: indexedKey(i, p.Key), Value: p.Value})
		}
	}
	return merged, thinking, nil
}

func indexedKey(i int, key string) string {
	var b strings.Builder
	b.WriteString(itoa(i))
	b.WriteByte('_')
	b.WriteString(key)
	return b.String()
}

func itoa(i int) string {
	if i == 0 {
		return "0"
	}
	digits := []byte{}
	n := i
	for n > 0 {
		digits = append([]byte{byte('0' + n%10)}, digits...)
		n /= 10
	}
	return string(digits)
}

// UpdateResult is the outcome of parsing an update-prompt LLM response.
type UpdateResult struct {
	Commands []model.Command
	Thinking string
	Raw      map[string]any
}

// ParseUpdate parses an LLM response from the update prompt into a list of
// validated commands, in the order they appeared in the response (the
// reference applies commands in dict-iteration order, so within a single
// message's command set, order is significant — e.g. a delete followed by
// an add for the same feature/tag).
func ParseUpdate(responseText string) (UpdateResult, error) {
	obj, thinking, err := lenientObject(responseText)
	if err != nil {
		return UpdateResult{Thinking: thinking}, err
	}

	var commands []model.Command
	for _, p := range obj {
		cmdMap, ok := p.Value.(map[string]any)
		if !ok {
			continue
		}
		cmd, ok := validateCommand(cmdMap)
		if !ok {
			continue
		}
		commands = append(commands, cmd)
	}

	return UpdateResult{Commands: commands, Thinking: thinking, Raw: obj.asMap()}, nil
}

func validateCommand(m map[string]any) (model.Command, bool) {
	kindStr, _ := m["command"].(string)
	feature, hasFeature := stringField(m, "feature")
	tag, hasTag := stringField(m, "tag")
	if !hasFeature || !hasTag {
		return model.Command{}, false
	}

	switch kindStr {
	case "add":
		value, hasValue := stringField(m, "value")
		if !hasValue {
			return model.Command{}, false
		}
		date, _ := stringField(m, "date")
		author, _ := stringField(m, "author")
		return model.Command{
			Kind: model.CommandAdd, Feature: feature, Tag: tag,
			Value: value, HasValue: true, Date: date, Author: author,
		}, true
	case "delete":
		value, hasValue := stringField(m, "value")
		author, _ := stringField(m, "author")
		return model.Command{
			Kind: model.CommandDelete, Feature: feature, Tag: tag,
			Value: value, HasValue: hasValue, Author: author,
		}, true
	default:
		return model.Command{}, false
	}
}

func stringField(m map[string]any, key string) (string, bool) {
	v, ok := m[key]
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

// ConsolidateMemory is one validated entry of the consolidation response's
// consolidate_memories list.
type ConsolidateMemory struct {
	Tag       string
	Feature   string
	Value     string
	Citations []int64
}

// ConsolidationResult is the outcome of parsing a consolidation-prompt LLM
// response.
type ConsolidationResult struct {
	KeepAll             bool
	KeepMemories        []int64
	ConsolidateMemories []ConsolidateMemory
	Thinking            string
}

// ParseConsolidation parses an LLM response from the consolidation prompt.
// Missing or malformed keep_memories/consolidate_memories degrade to
// KeepAll=true (skip all deletions) per §4.6.
func ParseConsolidation(responseText string) (ConsolidationResult, error) {
	ordered, thinking, err := lenientObject(responseText)
	if err != nil {
		return ConsolidationResult{Thinking: thinking}, err
	}
	obj := ordered.asMap()

	result := ConsolidationResult{Thinking: thinking}

	rawConsolidate, hasConsolidate := obj["consolidate_memories"]
	rawKeep, hasKeep := obj["keep_memories"]

	if !hasKeep {
		result.KeepAll = true
	}

	consolidateList, ok := rawConsolidate.([]any)
	if !hasConsolidate {
		consolidateList = nil
		result.KeepAll = true
	} else if !ok {
		consolidateList = nil
		result.KeepAll = true
	}

	keepList, ok := rawKeep.([]any)
	if hasKeep && !ok {
		keepList = nil
		result.KeepAll = true
	}

	for _, v := range keepList {
		if f, ok := v.(float64); ok {
			result.KeepMemories = append(result.KeepMemories, int64(f))
		}
	}

	for _, v := range consolidateList {
		m, ok := v.(map[string]any)
		if !ok {
			continue
		}
		cm, ok := validateConsolidateMemory(m)
		if !ok {
			continue
		}
		result.ConsolidateMemories = append(result.ConsolidateMemories, cm)
	}

	return result, nil
}

func validateConsolidateMemory(m map[string]any) (ConsolidateMemory, bool) {
	tag, ok := stringField(m, "tag")
	if !ok {
		return ConsolidateMemory{}, false
	}
	feature, ok := stringField(m, "feature")
	if !ok {
		return ConsolidateMemory{}, false
	}
	value, ok := stringField(m, "value")
	if !ok {
		return ConsolidateMemory{}, false
	}
	metadata, ok := m["metadata"].(map[string]any)
	if !ok {
		return ConsolidateMemory{}, false
	}
	rawCitations, ok := metadata["citations"].([]any)
	if !ok {
		return ConsolidateMemory{}, false
	}
	citations := make([]int64, 0, len(rawCitations))
	for _, c := range rawCitations {
		f, ok := c.(float64)
		if !ok {
			return ConsolidateMemory{}, false
		}
		citations = append(citations, int64(f))
	}
	return ConsolidateMemory{Tag: tag, Feature: feature, Value: value, Citations: citations}, true
}
