// Copyright 2024-2026 Aiku AI

package identitystore

import (
	"encoding/json"
	"fmt"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// Record is a single stored identity or room entry. Data holds arbitrary
// nested JSON metadata; queries address it with paths like
// "data.wechaty.contactId".
type Record struct {
	ID   string          `json:"id"`
	Data json.RawMessage `json:"data,omitempty"`
}

// NewRecord creates a record with an empty data object.
func NewRecord(id string) *Record {
	return &Record{ID: id, Data: json.RawMessage(`{}`)}
}

// Set writes value at the dot-separated path inside Data, creating
// intermediate objects as needed.
func (r *Record) Set(path string, value any) error {
	data := r.Data
	if len(data) == 0 {
		data = json.RawMessage(`{}`)
	}
	updated, err := sjson.SetBytes(data, path, value)
	if err != nil {
		return fmt.Errorf("failed to set %s on record %s: %w", path, r.ID, err)
	}
	r.Data = updated
	return nil
}

// Get reads the value at the dot-separated path inside Data.
func (r *Record) Get(path string) gjson.Result {
	return gjson.GetBytes(r.Data, path)
}

// GetString is a shortcut for Get(path).String().
func (r *Record) GetString(path string) string {
	return r.Get(path).String()
}

func (r *Record) encode() ([]byte, error) {
	if r.ID == "" {
		return nil, fmt.Errorf("record id is required")
	}
	if len(r.Data) > 0 && !gjson.ValidBytes(r.Data) {
		return nil, fmt.Errorf("record %s has invalid data", r.ID)
	}
	return json.Marshal(r)
}

func decodeRecord(raw []byte) (*Record, error) {
	var rec Record
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, fmt.Errorf("failed to decode record: %w", err)
	}
	return &rec, nil
}
