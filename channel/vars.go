package channel

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// FormatVars renders vars as FreeSWITCH's "{k1=v1,k2=v2}" variable
// string, per spec §6: booleans lowercased and unquoted, numbers
// unquoted, pre-quoted strings kept as-is, other strings single-quoted.
// An empty map formats to "". Keys are sorted for deterministic output.
func FormatVars(vars map[string]string) string {
	if len(vars) == 0 {
		return ""
	}
	keys := make([]string, 0, len(vars))
	for k := range vars {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+"="+formatValue(vars[k]))
	}
	return "{" + strings.Join(parts, ",") + "}"
}

// FormatVarValues is FormatVars' typed sibling: values may be bool,
// any numeric type, or string, formatted per the same rules.
func FormatVarValues(vars map[string]any) string {
	if len(vars) == 0 {
		return ""
	}
	keys := make([]string, 0, len(vars))
	for k := range vars {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+"="+formatAnyValue(vars[k]))
	}
	return "{" + strings.Join(parts, ",") + "}"
}

func formatValue(v string) string {
	if isQuoted(v) {
		return v
	}
	if v == "true" || v == "false" {
		return v
	}
	if isNumber(v) {
		return v
	}
	return "'" + v + "'"
}

func formatAnyValue(v any) string {
	switch t := v.(type) {
	case bool:
		return strconv.FormatBool(t)
	case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64:
		return fmt.Sprintf("%d", t)
	case float32, float64:
		return fmt.Sprintf("%v", t)
	case string:
		return formatValue(t)
	default:
		return formatValue(fmt.Sprintf("%v", t))
	}
}

func isQuoted(s string) bool {
	if len(s) < 2 {
		return false
	}
	return (s[0] == '\'' && s[len(s)-1] == '\'') || (s[0] == '"' && s[len(s)-1] == '"')
}

func isNumber(s string) bool {
	if s == "" {
		return false
	}
	_, err := strconv.ParseFloat(s, 64)
	return err == nil
}
