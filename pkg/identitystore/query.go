// Copyright 2024-2026 Aiku AI

package identitystore

import (
	"fmt"

	"github.com/tidwall/gjson"
)

// Query maps dot-separated record field paths to the scalar value each field
// must equal. An empty Query matches nothing.
type Query map[string]any

// NewQuery prefixes every field name with namespace, so
// NewQuery("data.wechaty", {"contactId": "x"}) filters on
// "data.wechaty.contactId".
func NewQuery(namespace string, fields map[string]any) Query {
	q := make(Query, len(fields))
	for key, value := range fields {
		if namespace != "" {
			key = namespace + "." + key
		}
		q[key] = value
	}
	return q
}

// Match reports whether the encoded record satisfies every field of q.
func (q Query) Match(raw []byte) bool {
	if len(q) == 0 {
		return false
	}
	for path, want := range q {
		if !matchValue(gjson.GetBytes(raw, path), want) {
			return false
		}
	}
	return true
}

func matchValue(got gjson.Result, want any) bool {
	if !got.Exists() {
		return false
	}
	switch v := want.(type) {
	case string:
		return got.Type == gjson.String && got.Str == v
	case bool:
		return (got.Type == gjson.True || got.Type == gjson.False) && got.Bool() == v
	case int:
		return got.Type == gjson.Number && got.Float() == float64(v)
	case int64:
		return got.Type == gjson.Number && got.Float() == float64(v)
	case float64:
		return got.Type == gjson.Number && got.Float() == v
	case fmt.Stringer:
		return got.Type == gjson.String && got.Str == v.String()
	default:
		return got.String() == fmt.Sprint(v)
	}
}
