package datastore

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
)

// Metadata - type which represents key/value pair metadata
type Metadata map[string]interface{}

// Value - implement driver.Valuer interface for conversion to and from sql
func (m Metadata) Value() (driver.Value, error) {
	return json.Marshal(m)
}

// Scan - implement driver.Scanner interface for conversion to and from sql
func (m *Metadata) Scan(value interface{}) error {
	if value == nil {
		return nil
	}
	b, ok := value.([]byte)
	if !ok {
		return errors.New("failed to scan Metadata, not byte slice")
	}
	return json.Unmarshal(b, &m)
}

// GetBool returns a bool valued key, false when absent or mistyped
func (m Metadata) GetBool(key string) bool {
	b, ok := m[key].(bool)
	return ok && b
}

// GetString returns a string valued key and whether it was present
func (m Metadata) GetString(key string) (string, bool) {
	s, ok := m[key].(string)
	return s, ok
}
