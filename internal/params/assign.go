package params

import (
	"fmt"
	"strings"

	"github.com/fentz26/scriptd/internal/xjson"
)

// ParseAssignments turns command-line "key=value" pairs into a parameter
// map. A value that is valid JSON (a number, bool, list, object or quoted
// string) is decoded; anything else is kept as a plain string.
func ParseAssignments(args []string) (map[string]any, error) {
	out := make(map[string]any, len(args))
	for _, arg := range args {
		key, raw, ok := strings.Cut(arg, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			return nil, fmt.Errorf("%w: %q is not key=value", ErrInvalidParameters, arg)
		}
		out[key] = assignedValue(raw)
	}
	return out, nil
}

func assignedValue(raw string) any {
	if raw == "" || !xjson.Valid([]byte(raw)) {
		return raw
	}
	var v any
	if err := xjson.UnmarshalNumbers([]byte(raw), &v); err != nil {
		return raw
	}
	return v
}
