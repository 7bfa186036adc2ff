package types

import (
	"database/sql"
	"database/sql/driver"
	"encoding/json"
	"fmt"
)

// Compile-time interface assertions. Scan is on pointer receivers; Value is
// on value receivers.
var (
	_ sql.Scanner   = (*Fields)(nil)
	_ driver.Valuer = Fields(nil)
	_ sql.Scanner   = (*Payload)(nil)
	_ driver.Valuer = Payload(nil)
)

// scanJSONB scans a JSON/JSONB database value into a Go pointer. It handles
// nil values and the []byte and string representations used by drivers.
func scanJSONB(dest any, value any) error {
	if value == nil {
		return nil
	}
	data, err := jsonBytes(value)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, dest)
}

func jsonBytes(value any) ([]byte, error) {
	switch v := value.(type) {
	case []byte:
		return v, nil
	case string:
		return []byte(v), nil
	default:
		return nil, fmt.Errorf("jsonb: unsupported scan type %T", value)
	}
}

// Scan implements sql.Scanner. NULL yields an empty mapping.
func (f *Fields) Scan(value any) error {
	if value == nil {
		*f = nil
		return nil
	}
	return scanJSONB(f, value)
}

// Value implements driver.Valuer. A nil mapping is stored as an empty object
// so the column can stay NOT NULL.
func (f Fields) Value() (driver.Value, error) {
	return f.MarshalJSON()
}

// Scan implements sql.Scanner. NULL yields a nil Payload.
func (p *Payload) Scan(value any) error {
	if value == nil {
		*p = nil
		return nil
	}
	data, err := jsonBytes(value)
	if err != nil {
		return err
	}
	*p = append(Payload(nil), data...)
	return nil
}

// Value implements driver.Valuer. An empty Payload is stored as SQL NULL.
func (p Payload) Value() (driver.Value, error) {
	if len(p) == 0 {
		return nil, nil
	}
	return []byte(p), nil
}
