package verdict

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// ErrNoJSON indicates the raw model text contained no JSON object at all.
var ErrNoJSON = errors.New("no JSON object found in model output")

// allowedTop is the allow-list of top-level fields in a raw model output.
// Anything outside this set is a structural violation, not silently dropped.
var allowedTop = map[string]bool{
	"kind":     true,
	"decision": true,
	"refusal":  true,
}

// Parse decodes free-form model text into an Output. It tries a direct JSON
// parse first, then falls back to extracting the first balanced JSON object
// substring. The result is not yet validated beyond the union shape; the
// enforcer owns structural and content validation.
func Parse(raw string) (Output, error) {
	trimmed := strings.TrimSpace(raw)

	obj, err := decodeStrict(trimmed)
	if err == nil {
		return obj, nil
	}

	extracted, ok := extractObject(trimmed)
	if !ok {
		return Output{}, ErrNoJSON
	}
	obj, err2 := decodeStrict(extracted)
	if err2 != nil {
		return Output{}, fmt.Errorf("parse extracted JSON object: %w", err2)
	}
	return obj, nil
}

// requiredDecisionFields must be present in a decision object; absence is a
// structural violation, not a zero value.
var requiredDecisionFields = []string{"outcome", "headline", "summary", "confidence"}

// requiredRefusalFields must be present in a refusal object.
var requiredRefusalFields = []string{"reason", "safe_next_step"}

func decodeStrict(s string) (Output, error) {
	var rawMap map[string]json.RawMessage
	if err := json.Unmarshal([]byte(s), &rawMap); err != nil {
		return Output{}, fmt.Errorf("parse output: %w", err)
	}
	for field := range rawMap {
		if !allowedTop[field] {
			return Output{}, fmt.Errorf("output contains disallowed top-level field %q", field)
		}
	}
	var out Output
	if err := json.Unmarshal([]byte(s), &out); err != nil {
		return Output{}, fmt.Errorf("parse output structure: %w", err)
	}

	if err := checkPresence(rawMap, out); err != nil {
		return Output{}, err
	}
	return out, nil
}

// checkPresence verifies required variant fields exist in the raw JSON, so a
// missing "confidence" is reported instead of silently reading as zero.
func checkPresence(rawMap map[string]json.RawMessage, out Output) error {
	var variantKey string
	var required []string
	switch out.Kind {
	case KindDecision:
		variantKey, required = "decision", requiredDecisionFields
	case KindRefusal:
		variantKey, required = "refusal", requiredRefusalFields
	default:
		return nil // unknown kind is reported by the enforcer's union check
	}

	variant, ok := rawMap[variantKey]
	if !ok {
		return nil
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(variant, &fields); err != nil {
		return fmt.Errorf("parse %s object: %w", variantKey, err)
	}
	for _, field := range required {
		if _, ok := fields[field]; !ok {
			return fmt.Errorf("%s is missing required field %q", variantKey, field)
		}
	}
	return nil
}

// extractObject returns the first balanced top-level JSON object in s.
// Brace counting skips string literals and escapes.
func extractObject(s string) (string, bool) {
	start := strings.IndexByte(s, '{')
	if start < 0 {
		return "", false
	}
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(s); i++ {
		c := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return s[start : i+1], true
			}
		}
	}
	return "", false
}
