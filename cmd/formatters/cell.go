package formatters

import (
	"fmt"
	"strconv"
	"time"
)

// Layouts used when a temporal value becomes a text cell. The zone the value
// carries is kept as-is.
const (
	TimestampLayout = "2006-01-02 15:04:05.999999-07:00"
	DateLayout      = "2006-01-02"
)

// FormatCell renders one source value as text. pgType is the column's
// PostgreSQL type name (udt_name) and only changes how dates are printed.
func FormatCell(value interface{}, pgType string) string {
	switch v := value.(type) {
	case nil:
		return ""
	case string:
		return v
	case []byte:
		return string(v)
	case time.Time:
		if pgType == "date" {
			return v.Format(DateLayout)
		}
		return v.Format(TimestampLayout)
	case bool:
		if v {
			return "TRUE"
		}
		return "FALSE"
	case int64:
		return strconv.FormatInt(v, 10)
	case int32:
		return strconv.FormatInt(int64(v), 10)
	case int:
		return strconv.Itoa(v)
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(v), 'f', -1, 32)
	case fmt.Stringer:
		return v.String()
	default:
		return fmt.Sprintf("%v", v)
	}
}

// FormatRow renders a row in column order. types may be shorter than row.
func FormatRow(row []interface{}, types []string) []string {
	cells := make([]string, len(row))
	for i, v := range row {
		var t string
		if i < len(types) {
			t = types[i]
		}
		cells[i] = FormatCell(v, t)
	}
	return cells
}
