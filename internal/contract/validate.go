// ABOUTME: Record validation and coercion against the active schema contract
// ABOUTME: Produces a cleaned record or a machine-readable rejection reason

package contract

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/sheetbridge/sheetbridge/internal/store"
)

// ValidateRecord cleans a raw record against the contract. With no contract
// loaded the record passes through unchanged. Validation short-circuits: the
// first failing column wins, reported as missing_required:<col> or
// type_error:<col>:<type>.
func (r *Registry) ValidateRecord(row store.Record) (bool, store.Record, string) {
	c := r.Get()
	if c == nil || len(c.Columns) == 0 {
		return true, row, ""
	}

	// Sorted column order keeps the first failing column deterministic.
	names := make([]string, 0, len(c.Columns))
	for name := range c.Columns {
		names = append(names, name)
	}
	sort.Strings(names)

	clean := make(store.Record, len(row))
	for _, name := range names {
		col := c.Columns[name]
		value, ok := row[name]
		if !ok || value == nil {
			if col.Required {
				return false, row, "missing_required:" + name
			}
			clean[name] = nil
			continue
		}
		coerced, err := coerce(value, col.Type)
		if err != nil {
			return false, row, "type_error:" + name + ":" + col.Type
		}
		clean[name] = coerced
	}

	// Columns outside the contract pass through untouched; the schema is
	// additive, not exclusive.
	for name, value := range row {
		if _, ok := clean[name]; !ok {
			clean[name] = value
		}
	}
	return true, clean, ""
}

// coerce converts a raw value to the declared column type.
func coerce(value any, typ string) (any, error) {
	switch typ {
	case TypeString:
		return asString(value), nil
	case TypeInteger:
		return coerceInteger(value)
	case TypeNumber:
		return coerceNumber(value)
	case TypeBoolean:
		return coerceBoolean(value), nil
	case TypeDatetime:
		t, zoned, err := parseISO(asString(value))
		if err != nil {
			return nil, err
		}
		if zoned {
			return t.Format(time.RFC3339), nil
		}
		return t.Format("2006-01-02T15:04:05"), nil
	case TypeDate:
		t, _, err := parseISO(asString(value))
		if err != nil {
			return nil, err
		}
		return t.Format("2006-01-02"), nil
	default:
		return value, nil
	}
}

func asString(value any) string {
	switch t := value.(type) {
	case string:
		return t
	case float64:
		if t == float64(int64(t)) {
			return strconv.FormatInt(int64(t), 10)
		}
		return strconv.FormatFloat(t, 'g', -1, 64)
	case bool:
		if t {
			return "true"
		}
		return "false"
	default:
		return fmt.Sprintf("%v", t)
	}
}

func coerceInteger(value any) (any, error) {
	switch t := value.(type) {
	case float64:
		// JSON numbers always decode as float64; truncate toward zero.
		return int64(t), nil
	case int:
		return int64(t), nil
	case int64:
		return t, nil
	case string:
		n, err := strconv.ParseInt(strings.TrimSpace(t), 10, 64)
		if err != nil {
			return nil, err
		}
		return n, nil
	default:
		return nil, fmt.Errorf("cannot coerce %T to integer", value)
	}
}

func coerceNumber(value any) (any, error) {
	switch t := value.(type) {
	case float64:
		return t, nil
	case int:
		return float64(t), nil
	case int64:
		return float64(t), nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(t), 64)
		if err != nil {
			return nil, err
		}
		return f, nil
	default:
		return nil, fmt.Errorf("cannot coerce %T to number", value)
	}
}

// coerceBoolean accepts existing booleans and the truthy string forms
// {"1","true","yes","y"} case-insensitively; everything else is false.
func coerceBoolean(value any) bool {
	if b, ok := value.(bool); ok {
		return b
	}
	switch strings.ToLower(strings.TrimSpace(asString(value))) {
	case "1", "true", "yes", "y":
		return true
	default:
		return false
	}
}

// naiveLayouts parse timestamps that carry no zone offset. Such values are
// re-emitted without one.
var naiveLayouts = []string{
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

// parseISO parses an ISO-8601 timestamp and reports whether the input
// carried a zone offset.
func parseISO(s string) (time.Time, bool, error) {
	s = strings.TrimSpace(s)
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t, true, nil
	}
	for _, layout := range naiveLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, false, nil
		}
	}
	return time.Time{}, false, fmt.Errorf("not ISO-8601: %q", s)
}
