package util

import (
	"fmt"
	"regexp"
	"time"
)

var namedParamRegex = regexp.MustCompile(`@[A-Za-z_][A-Za-z0-9_]*`)

// DBDebugPreparedStatement Replaces @name placeholders with the param values.
// Used only for logging. Never execute the returned statement.
func DBDebugPreparedStatement(stmnt string, params map[string]interface{}) string {
	return namedParamRegex.ReplaceAllStringFunc(stmnt, func(placeholder string) string {
		value, exists := params[placeholder[1:]]
		if !exists {
			return placeholder
		}
		return debugParamValue(value)
	})
}

func debugParamValue(value interface{}) string {
	switch v := value.(type) {
	case string:
		return fmt.Sprintf("'%s'", v)
	case time.Time:
		return fmt.Sprintf("'%s'", v.UTC().Format(DATETIME_FORMAT_DB))
	case []string:
		quoted := make([]interface{}, 0, len(v))
		for i := range v {
			quoted = append(quoted, fmt.Sprintf("'%s'", v[i]))
		}
		return fmt.Sprintf("%v", quoted)
	default:
		return fmt.Sprintf("%v", v)
	}
}

