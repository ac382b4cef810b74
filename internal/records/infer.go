package records

import "strings"

// ColumnType classifies a column for schema bootstrap.
type ColumnType string

const (
	TypeBoolean  ColumnType = "Boolean"
	TypeDateTime ColumnType = "DateTime"
	TypeFloat    ColumnType = "Float"
	TypeText     ColumnType = "Text"
)

// Names containing any of these fragments hold numeric measurements.
var floatHints = []string{"amount", "price", "value", "pm25", "pm10"}

// InferColumnType guesses a column's type from its name alone, by naming
// convention. The predicate order matters: "has_price_data" is Boolean even
// though it contains the "price" float hint.
func InferColumnType(name string) ColumnType {
	n := strings.ToLower(strings.TrimSpace(name))
	switch {
	case strings.HasSuffix(n, "_at") || n == "timestamp":
		return TypeDateTime
	case strings.HasPrefix(n, "is_") || strings.HasPrefix(n, "has_"):
		return TypeBoolean
	}
	for _, hint := range floatHints {
		if strings.Contains(n, hint) {
			return TypeFloat
		}
	}
	return TypeText
}
