package remote

import (
	"encoding/json"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/dhawalhost/wardbridge/internal/identity"
)

// attrFunc converts one raw attribute into the tagged value. The bool is
// false when the attribute carries nothing usable and should be left out.
type attrFunc func(v any) (identity.AttrValue, bool)

// record builds a RemoteRecord from a raw attribute bag.
func record(bag map[string]any, conv attrFunc) identity.RemoteRecord {
	rec := identity.RemoteRecord{Attributes: make(map[string]identity.AttrValue, len(bag))}
	for k, raw := range bag {
		if v, ok := conv(raw); ok {
			rec.Attributes[k] = v
		}
	}
	get := func(name string) string {
		if v, ok := rec.Attributes[name]; ok {
			return v.Scalarize()
		}
		return ""
	}
	rec.ExternalID = get("uid")
	rec.Name = get("name")
	rec.Mail = get("mail")
	rec.Revision = get("vid")
	status := strings.ToLower(get("status"))
	rec.Active = status == "1" || status == "true"
	return rec
}

// v1Attr handles the pre-v8 shapes: localized value lists ({"und": [{"value"}]}),
// nested items ({"und": {"item": {"value"}}}), scalars and plain objects.
func v1Attr(v any) (identity.AttrValue, bool) {
	switch t := v.(type) {
	case nil:
		return identity.Scalar(""), true
	case map[string]any:
		if len(t) == 0 {
			return identity.Scalar(""), true
		}
		if und, ok := t["und"]; ok {
			if values, ok := itemValues(und); ok {
				return identity.ValueList(values...), true
			}
			if value, ok := nestedItem(und); ok {
				return identity.Nested(value), true
			}
		}
		if value, ok := nestedItem(t); ok {
			return identity.Nested(value), true
		}
		for _, k := range sortedKeys(t) {
			if values, ok := itemValues(t[k]); ok && isLangKey(k) {
				return identity.ValueList(values...), true
			}
		}
		fields := make([]identity.Field, 0, len(t))
		for _, k := range sortedKeys(t) {
			if fv, ok := v1Attr(t[k]); ok {
				fields = append(fields, identity.Field{Key: k, Value: fv})
			}
		}
		return identity.Object(fields...), true
	case []any:
		if len(t) == 0 {
			return identity.Scalar(""), true
		}
		if values, ok := itemValues(t); ok {
			return identity.ValueList(values...), true
		}
		values := make([]string, 0, len(t))
		for _, item := range t {
			s, ok := scalarString(item)
			if !ok {
				return listObject(t), true
			}
			values = append(values, s)
		}
		return identity.Multi(values...), true
	}
	s, _ := scalarString(v)
	return identity.Scalar(s), true
}

// v2Attr handles the v8+ attribute lists: each attribute is a list of
// {"value", "format"?} items. Items without a value are dropped, formatted
// values are dates, single items are scalars and several items are a
// multi-value attribute. Anything else falls back to the pre-v8 rules.
func v2Attr(v any) (identity.AttrValue, bool) {
	list, ok := v.([]any)
	if !ok {
		if v == nil {
			return identity.Scalar(""), true
		}
		return v1Attr(v)
	}
	if len(list) == 0 {
		return identity.Scalar(""), true
	}
	first, ok := list[0].(map[string]any)
	if !ok {
		return v1Attr(v)
	}
	value, _ := scalarString(first["value"])
	if value == "" {
		return identity.AttrValue{}, false
	}
	if _, dated := first["format"]; dated {
		if ts, ok := parseDate(value); ok {
			return identity.Date(ts), true
		}
		return identity.Scalar(value), true
	}
	if len(list) == 1 {
		return identity.Scalar(value), true
	}
	values := make([]string, 0, len(list))
	for _, item := range list {
		if m, ok := item.(map[string]any); ok {
			s, _ := scalarString(m["value"])
			values = append(values, s)
		}
	}
	return identity.Multi(values...), true
}

func itemValues(v any) ([]string, bool) {
	list, ok := v.([]any)
	if !ok || len(list) == 0 {
		return nil, false
	}
	first, ok := list[0].(map[string]any)
	if !ok {
		return nil, false
	}
	if _, ok := first["value"]; !ok {
		return nil, false
	}
	values := make([]string, 0, len(list))
	for _, item := range list {
		if m, ok := item.(map[string]any); ok {
			s, _ := scalarString(m["value"])
			values = append(values, s)
		}
	}
	return values, true
}

func nestedItem(v any) (string, bool) {
	m, ok := v.(map[string]any)
	if !ok {
		return "", false
	}
	item, ok := m["item"].(map[string]any)
	if !ok {
		return "", false
	}
	raw, ok := item["value"]
	if !ok {
		return "", false
	}
	s, _ := scalarString(raw)
	return s, true
}

func listObject(list []any) identity.AttrValue {
	fields := make([]identity.Field, 0, len(list))
	for i, item := range list {
		if fv, ok := v1Attr(item); ok {
			fields = append(fields, identity.Field{Key: strconv.Itoa(i), Value: fv})
		}
	}
	return identity.Object(fields...)
}

// isLangKey matches language codes used as value-list keys ("en", "fr", "pt-br").
func isLangKey(k string) bool {
	if len(k) < 2 || len(k) > 5 {
		return false
	}
	for _, r := range k {
		if (r < 'a' || r > 'z') && r != '-' {
			return false
		}
	}
	return true
}

func scalarString(v any) (string, bool) {
	switch t := v.(type) {
	case nil:
		return "", true
	case string:
		return t, true
	case json.Number:
		return t.String(), true
	case bool:
		if t {
			return "1", true
		}
		return "0", true
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64), true
	case int:
		return strconv.Itoa(t), true
	case int64:
		return strconv.FormatInt(t, 10), true
	}
	return "", false
}

var dateLayouts = []string{
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

func parseDate(s string) (time.Time, bool) {
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return time.Unix(n, 0).UTC(), true
	}
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// List returns the entries of a decoded index response. Serialized and XML
// bodies may carry lists as objects keyed by position; those are returned
// in key order.
func List(v any) []any {
	switch t := v.(type) {
	case []any:
		return t
	case map[string]any:
		keys := sortedKeys(t)
		sort.SliceStable(keys, func(i, j int) bool {
			a, errA := strconv.Atoi(keys[i])
			b, errB := strconv.Atoi(keys[j])
			if errA == nil && errB == nil {
				return a < b
			}
			return false
		})
		out := make([]any, 0, len(t))
		for _, k := range keys {
			out = append(out, t[k])
		}
		return out
	}
	return nil
}

// Collection returns the entries of a decoded list or object response. ok is
// false for anything else, such as raw text or an empty body.
func Collection(v any) (entries []any, ok bool) {
	switch v.(type) {
	case []any, map[string]any:
		return List(v), true
	}
	return nil, false
}

// MergeEntry combines an index entry with the full record fetched for it.
// Keys present in the index entry win; mail and uid always come from it.
func MergeEntry(entry, full map[string]any) map[string]any {
	out := make(map[string]any, len(entry)+len(full))
	for k, v := range full {
		out[k] = v
	}
	for k, v := range entry {
		out[k] = v
	}
	out["mail"] = entry["mail"]
	out["uid"] = entry["uid"]
	return out
}

func viewRows(v any, conv attrFunc) []identity.ViewRow {
	var rows []identity.ViewRow
	for _, entry := range List(v) {
		m, ok := entry.(map[string]any)
		if !ok {
			continue
		}
		get := func(k string) string {
			if av, ok := conv(m[k]); ok {
				return strings.TrimSpace(av.Scalarize())
			}
			return ""
		}
		rows = append(rows, identity.ViewRow{
			GroupName:        get("cohort_name"),
			GroupID:          get("cohort_id"),
			GroupDescription: get("cohort_description"),
			MemberExternalID: get("uid"),
		})
	}
	return rows
}
