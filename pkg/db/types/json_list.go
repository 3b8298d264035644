package dbtypes

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

// StringList persists an ordered list of strings as a JSON array. It reads and
// writes the same text on Postgres (jsonb) and SQLite (text).
type StringList []string

func (l *StringList) Scan(src any) error {
	var out []string
	if err := scanJSON(src, &out); err != nil {
		return fmt.Errorf("StringList: %w", err)
	}
	*l = StringList(out)
	return nil
}

func (l StringList) Value() (driver.Value, error) {
	if l == nil {
		return "[]", nil
	}
	b, err := json.Marshal([]string(l))
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

// UUIDList persists an ordered list of UUIDs as a JSON array.
type UUIDList []uuid.UUID

func (l *UUIDList) Scan(src any) error {
	var out []uuid.UUID
	if err := scanJSON(src, &out); err != nil {
		return fmt.Errorf("UUIDList: %w", err)
	}
	*l = UUIDList(out)
	return nil
}

func (l UUIDList) Value() (driver.Value, error) {
	if l == nil {
		return "[]", nil
	}
	b, err := json.Marshal([]uuid.UUID(l))
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func scanJSON(src any, dst any) error {
	var raw []byte
	switch v := src.(type) {
	case nil:
		return nil
	case string:
		raw = []byte(v)
	case []byte:
		raw = v
	default:
		return fmt.Errorf("unsupported Scan type %T", src)
	}
	if len(raw) == 0 {
		return nil
	}
	return json.Unmarshal(raw, dst)
}
