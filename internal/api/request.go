// Copyright (c) 2025 EMhub Team
// EMhub - electron microscopy facility management
// This source code is licensed under the MIT license found in the LICENSE file.

package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"slices"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/3dem/emhub/internal/db"
)

// listRequest is the body of the get_ routes.
type listRequest struct {
	// Condition is either a list of {column, op, value} objects or an
	// object of column -> value equalities.
	Condition json.RawMessage `json:"condition"`
	OrderBy   string          `json:"orderBy"`
	// Attrs projects the returned objects on these keys.
	Attrs []string `json:"attrs"`
	Tags  string   `json:"tags"`
}

func (r *listRequest) query() (db.Query, error) {
	q := db.Query{OrderBy: r.OrderBy, Tags: r.Tags}
	raw := bytes.TrimSpace(r.Condition)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return q, nil
	}
	switch raw[0] {
	case '[':
		if err := json.Unmarshal(raw, &q.Conditions); err != nil {
			return q, fmt.Errorf("%w: invalid condition: %v", errBadRequest, err)
		}
	case '{':
		var eq map[string]any
		if err := json.Unmarshal(raw, &eq); err != nil {
			return q, fmt.Errorf("%w: invalid condition: %v", errBadRequest, err)
		}
		keys := make([]string, 0, len(eq))
		for k := range eq {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			q.Conditions = append(q.Conditions, db.Cond{Column: k, Op: "=", Value: eq[k]})
		}
	default:
		return q, fmt.Errorf("%w: condition must be a list or an object", errBadRequest)
	}
	return q, nil
}

// project keeps only attrs of every item; nil attrs keeps everything.
func project[T any](items []T, attrs []string) (any, error) {
	if items == nil {
		items = []T{}
	}
	if len(attrs) == 0 {
		return items, nil
	}
	data, err := json.Marshal(items)
	if err != nil {
		return nil, err
	}
	var maps []map[string]any
	if err := json.Unmarshal(data, &maps); err != nil {
		return nil, err
	}
	for _, m := range maps {
		for k := range m {
			if !slices.Contains(attrs, k) {
				delete(m, k)
			}
		}
	}
	return maps, nil
}

// itemRequest is the body of the create_, update_ and delete_ routes.
type itemRequest struct {
	Attrs map[string]any `json:"attrs"`
}

func bindAttrs(c *gin.Context) (map[string]any, error) {
	var req itemRequest
	if err := bindBody(c, &req); err != nil {
		return nil, err
	}
	if req.Attrs == nil {
		return nil, fmt.Errorf("%w: Expecting 'attrs' in the request", errBadRequest)
	}
	return req.Attrs, nil
}

// bindBody decodes the JSON body into v; an empty body leaves v untouched.
func bindBody(c *gin.Context, v any) error {
	data, err := io.ReadAll(c.Request.Body)
	if err != nil {
		return err
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("%w: Expecting JSON request: %v", errBadRequest, err)
	}
	return nil
}

var timeKeys = []string{"start", "end", "date", "created", "repeat_stop", "timestamp"}

var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02T15:04",
	"2006-01-02",
	"2006/01/02",
}

// parseTime accepts RFC 3339 and the ISO-like layouts used by the web
// clients. Times without a zone are UTC.
func parseTime(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("%w: invalid date '%s'", errBadRequest, s)
}

// decodeAttrs overlays attrs on dst through JSON, so fields missing from
// attrs keep their current value. Date strings are normalised first.
func decodeAttrs(attrs map[string]any, dst any) error {
	norm := make(map[string]any, len(attrs))
	for k, v := range attrs {
		if str, ok := v.(string); ok && slices.Contains(timeKeys, k) && str != "" {
			t, err := parseTime(str)
			if err != nil {
				return err
			}
			v = t.Format(time.RFC3339Nano)
		}
		norm[k] = v
	}
	data, err := json.Marshal(norm)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, dst); err != nil {
		return fmt.Errorf("%w: %v", errBadRequest, err)
	}
	return nil
}

func intValue(v any) (int, bool) {
	switch n := v.(type) {
	case float64:
		return int(n), n == float64(int(n))
	case int:
		return n, true
	case json.Number:
		i, err := n.Int64()
		return int(i), err == nil
	case string:
		i, err := strconv.Atoi(strings.TrimSpace(n))
		return i, err == nil
	}
	return 0, false
}

func attrID(attrs map[string]any, key string) (int, error) {
	v, ok := attrs[key]
	if !ok {
		return 0, fmt.Errorf("%w: missing '%s'", errBadRequest, key)
	}
	id, ok := intValue(v)
	if !ok {
		return 0, fmt.Errorf("%w: invalid '%s': %v", errBadRequest, key, v)
	}
	return id, nil
}

func intList(v any) ([]int, error) {
	if v == nil {
		return nil, nil
	}
	list, ok := v.([]any)
	if !ok {
		return nil, fmt.Errorf("%w: expected a list of ids", errBadRequest)
	}
	out := make([]int, 0, len(list))
	for _, item := range list {
		id, ok := intValue(item)
		if !ok {
			return nil, fmt.Errorf("%w: invalid id %v", errBadRequest, item)
		}
		out = append(out, id)
	}
	return out, nil
}

func boolAttr(attrs map[string]any, key string, def bool) bool {
	if b, ok := attrs[key].(bool); ok {
		return b
	}
	return def
}
