package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/dshills/approvalflow-go/flow"
)

// rawOrEmptyObject returns the raw JSON as a string, defaulting to an
// empty object so NOT NULL context columns never see empty strings.
func rawOrEmptyObject(raw json.RawMessage) string {
	if len(raw) == 0 {
		return "{}"
	}
	return string(raw)
}

// nullRaw maps empty raw JSON to SQL NULL.
func nullRaw(raw json.RawMessage) interface{} {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}

// nullString maps "" to SQL NULL, keeping unique indexes on optional
// columns (e.g. idempotency_key) from colliding on empty strings.
func nullString(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// nullTimeText formats an optional timestamp as RFC3339Nano text, or
// SQL NULL when absent.
func nullTimeText(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return t.UTC().Format(time.RFC3339Nano)
}

// parseNullTimeText is the inverse of nullTimeText.
func parseNullTimeText(s sql.NullString) (*time.Time, error) {
	if !s.Valid || s.String == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339Nano, s.String)
	if err != nil {
		return nil, fmt.Errorf("failed to parse timestamp: %w", err)
	}
	return &t, nil
}

// marshalUISchemaPtr serializes an optional UI schema, mapping nil to
// SQL NULL.
func marshalUISchemaPtr(schema *flow.UISchema) (interface{}, error) {
	if schema == nil {
		return nil, nil
	}
	data, err := json.Marshal(schema)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal ui schema: %w", err)
	}
	return string(data), nil
}

// marshalNullableMap serializes an optional map, mapping nil to SQL NULL.
func marshalNullableMap(m map[string]any) (interface{}, error) {
	if m == nil {
		return nil, nil
	}
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal map: %w", err)
	}
	return string(data), nil
}

// nullTimeValue maps an optional timestamp to sql.NullTime for drivers
// with native time support (MySQL with parseTime=true).
func nullTimeValue(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}

// timePtr converts sql.NullTime back to an optional timestamp.
func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}
