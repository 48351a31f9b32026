package card

import (
	"fmt"
	"regexp"
	"strings"
)

var placeholderPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// Expand resolves ${a.b.c} placeholders in value against the variable map.
// A string that is entirely one placeholder yields the underlying value with
// its type intact; a string embedding placeholders interpolates them into
// text. Unresolvable references stay literal. Maps and slices are expanded
// recursively.
func Expand(value any, vars map[string]any) any {
	switch v := value.(type) {
	case string:
		return expandString(v, vars)
	case map[string]any:
		out := make(map[string]any, len(v))
		for k, elem := range v {
			out[k] = Expand(elem, vars)
		}
		return out
	case []any:
		out := make([]any, len(v))
		for i, elem := range v {
			out[i] = Expand(elem, vars)
		}
		return out
	default:
		return value
	}
}

func expandString(s string, vars map[string]any) any {
	matches := placeholderPattern.FindAllStringSubmatchIndex(s, -1)
	if len(matches) == 0 {
		return s
	}

	// Whole-string placeholder: hand back the raw value, not its string form.
	if len(matches) == 1 && matches[0][0] == 0 && matches[0][1] == len(s) {
		if resolved, ok := ResolvePath(vars, s[matches[0][2]:matches[0][3]]); ok {
			return resolved
		}
		return s
	}

	return placeholderPattern.ReplaceAllStringFunc(s, func(placeholder string) string {
		path := placeholder[2 : len(placeholder)-1]
		resolved, ok := ResolvePath(vars, path)
		if !ok {
			return placeholder
		}
		return stringify(resolved)
	})
}

// ResolvePath walks a dotted path through nested maps.
func ResolvePath(vars map[string]any, path string) (any, bool) {
	segments := strings.Split(path, ".")
	var current any = vars
	for _, seg := range segments {
		m, ok := current.(map[string]any)
		if !ok {
			return nil, false
		}
		current, ok = m[seg]
		if !ok {
			return nil, false
		}
	}
	return current, true
}

func stringify(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case float64:
		// Trim the ".0" YAML/JSON numbers otherwise pick up.
		if t == float64(int64(t)) {
			return fmt.Sprintf("%d", int64(t))
		}
		return fmt.Sprintf("%g", t)
	default:
		return fmt.Sprintf("%v", v)
	}
}
