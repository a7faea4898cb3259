// Package mapping resolves configured remote attributes into the string values
// stored on local profile fields.
package mapping

import (
	"sort"
	"strconv"
	"strings"

	"github.com/dhawalhost/wardbridge/internal/identity"
)

// Config binds local fields and custom fields to remote attribute names.
// Custom fields are keyed by short name or by numeric field id.
// A key present with an empty remote name is mapped to the empty string.
type Config struct {
	Fields       map[string]string `yaml:"fields"`
	CustomFields map[string]string `yaml:"custom_fields"`
}

// Mapper resolves remote attributes for local fields.
type Mapper struct {
	fields map[string]string
	custom map[string]string
}

// New returns a Mapper for cfg. The maps are copied.
func New(cfg Config) *Mapper {
	m := &Mapper{
		fields: make(map[string]string, len(cfg.Fields)),
		custom: make(map[string]string, len(cfg.CustomFields)),
	}
	for k, v := range cfg.Fields {
		m.fields[k] = strings.TrimSpace(v)
	}
	for k, v := range cfg.CustomFields {
		m.custom[k] = strings.TrimSpace(v)
	}
	return m
}

// Fields returns the mapped local field names in a stable order.
func (m *Mapper) Fields() []string {
	return sortedKeys(m.fields)
}

// CustomFields returns the custom field binding keys in a stable order.
func (m *Mapper) CustomFields() []string {
	return sortedKeys(m.custom)
}

// Field resolves a local profile field. ok is false when the field is
// unmapped and must be left untouched; a mapped field whose remote
// attribute is absent resolves to "".
func (m *Mapper) Field(rec identity.RemoteRecord, local string) (value string, ok bool) {
	remote, mapped := m.fields[local]
	if !mapped {
		return "", false
	}
	return Normalize(local, resolve(rec, remote)), true
}

// Custom resolves a custom profile field by short name, with the same
// unmapped semantics as Field.
func (m *Mapper) Custom(rec identity.RemoteRecord, shortName string) (value string, ok bool) {
	remote, mapped := m.custom[shortName]
	if !mapped {
		return "", false
	}
	return resolve(rec, remote), true
}

// CustomField resolves def by short name, falling back to its numeric id as
// the binding key.
func (m *Mapper) CustomField(rec identity.RemoteRecord, def identity.CustomField) (value string, ok bool) {
	if value, ok = m.Custom(rec, def.ShortName); ok {
		return value, true
	}
	return m.Custom(rec, strconv.FormatInt(def.ID, 10))
}

func resolve(rec identity.RemoteRecord, remote string) string {
	if remote == "" {
		return ""
	}
	v, ok := rec.Attr(remote)
	if !ok {
		return ""
	}
	return v.Scalarize()
}

// Normalize applies local format constraints: lang is lower-cased and
// country upper-cased, both cut to two characters.
func Normalize(field, value string) string {
	switch field {
	case "lang":
		return truncate(strings.ToLower(value), 2)
	case "country":
		return truncate(strings.ToUpper(value), 2)
	}
	return value
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
