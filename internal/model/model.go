// Copyright (c) 2025 EMhub Team
// EMhub - electron microscopy facility management
// This source code is licensed under the MIT license found in the LICENSE file.

// package model defines the core data structures of EMhub: users, resources,
// applications, bookings and microscope sessions. The types carry no storage
// concerns; persistence lives in internal/db.
package model // import "github.com/3dem/emhub/internal/model"

import (
	"encoding/json"
	"strconv"
	"strings"
)

// Extra is the free-form JSON attribute bag attached to most entities.
type Extra map[string]any

// Get returns the raw value for key, or nil.
func (e Extra) Get(key string) any {
	if e == nil {
		return nil
	}
	return e[key]
}

// Bool reads key as a boolean, returning def when missing or not convertible.
func (e Extra) Bool(key string, def bool) bool {
	switch v := e.Get(key).(type) {
	case bool:
		return v
	case string:
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	case float64:
		return v != 0
	case int:
		return v != 0
	}
	return def
}

// Float reads key as a number, returning def when missing or not convertible.
func (e Extra) Float(key string, def float64) float64 {
	switch v := e.Get(key).(type) {
	case float64:
		return v
	case float32:
		return float64(v)
	case int:
		return float64(v)
	case int64:
		return float64(v)
	case uint64:
		return float64(v)
	case json.Number:
		if f, err := v.Float64(); err == nil {
			return f
		}
	case string:
		if f, err := strconv.ParseFloat(strings.TrimSpace(v), 64); err == nil {
			return f
		}
	}
	return def
}

// Int reads key as an integer (truncating floats).
func (e Extra) Int(key string, def int) int {
	return int(e.Float(key, float64(def)))
}

// String reads key as a string.
func (e Extra) String(key string, def string) string {
	if v, ok := e.Get(key).(string); ok {
		return v
	}
	return def
}

// With returns a copy of e with key set to value.
func (e Extra) With(key string, value any) Extra {
	out := make(Extra, len(e)+1)
	for k, v := range e {
		out[k] = v
	}
	out[key] = value
	return out
}

// containsInt reports whether ids contains id.
func containsInt(ids []int, id int) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}

// containsString reports whether list contains s.
func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
