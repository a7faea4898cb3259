// Package identity holds the records exchanged between the remote session
// client, the attribute mapper and the reconciliation engines.
package identity

import (
	"errors"
	"strconv"
	"strings"
	"time"
)

// ErrNotFound is returned by stores when a record does not exist.
var ErrNotFound = errors.New("identity: not found")

// AttrKind tags the shape of a remote attribute value.
type AttrKind int

const (
	// KindScalar is a plain string, number or boolean.
	KindScalar AttrKind = iota
	// KindDate is a value that carried a date format in the remote payload.
	KindDate
	// KindValueList is a localized list of {value} items ("und": [{"value": ...}]).
	KindValueList
	// KindNested is a single {item: {value}} structure.
	KindNested
	// KindMulti is a flat multi-value attribute (several values, no language key).
	KindMulti
	// KindObject is any other structured value.
	KindObject
)

func (k AttrKind) String() string {
	switch k {
	case KindScalar:
		return "scalar"
	case KindDate:
		return "date"
	case KindValueList:
		return "value_list"
	case KindNested:
		return "nested"
	case KindMulti:
		return "multi"
	case KindObject:
		return "object"
	}
	return "unknown"
}

// Field is one key of a structured object attribute, kept in payload order.
type Field struct {
	Key   string
	Value AttrValue
}

// AttrValue is a remote attribute value. Only the members matching Kind are set.
type AttrValue struct {
	Kind   AttrKind
	Scalar string
	Time   time.Time
	Values []string
	Fields []Field
}

// Scalar builds a scalar attribute.
func Scalar(s string) AttrValue { return AttrValue{Kind: KindScalar, Scalar: s} }

// Date builds a date attribute.
func Date(t time.Time) AttrValue { return AttrValue{Kind: KindDate, Time: t} }

// ValueList builds a localized value-list attribute.
func ValueList(values ...string) AttrValue { return AttrValue{Kind: KindValueList, Values: values} }

// Nested builds a single nested item attribute.
func Nested(value string) AttrValue { return AttrValue{Kind: KindNested, Values: []string{value}} }

// Multi builds a flat multi-value attribute.
func Multi(values ...string) AttrValue { return AttrValue{Kind: KindMulti, Values: values} }

// Object builds a structured attribute.
func Object(fields ...Field) AttrValue { return AttrValue{Kind: KindObject, Fields: fields} }

// RemoteRecord is a remote identity normalized from either API generation.
type RemoteRecord struct {
	ExternalID string
	Name       string
	Mail       string
	Active     bool
	Revision   string
	Attributes map[string]AttrValue
}

// Attr returns the attribute stored under name.
func (r RemoteRecord) Attr(name string) (AttrValue, bool) {
	if r.Attributes == nil {
		return AttrValue{}, false
	}
	v, ok := r.Attributes[name]
	return v, ok
}

// Anonymous reports whether the record is the remote anonymous user (uid < 1).
func (r RemoteRecord) Anonymous() bool {
	id := strings.TrimSpace(r.ExternalID)
	if id == "" || id == "0" || strings.HasPrefix(id, "-") {
		return true
	}
	return false
}

// ProfileFields lists the local profile fields a mapping may target.
var ProfileFields = []string{
	"firstname", "lastname", "email", "city", "country", "lang", "description",
	"url", "institution", "department", "phone1", "phone2", "address",
}

// LocalUser is the local account record.
type LocalUser struct {
	ID          int64     `json:"id" db:"id"`
	IDNumber    string    `json:"idnumber" db:"idnumber"`
	Username    string    `json:"username" db:"username"`
	AuthMethod  string    `json:"auth_method" db:"auth_method"`
	HostID      int       `json:"host_id" db:"host_id"`
	FirstName   string    `json:"firstname" db:"firstname"`
	LastName    string    `json:"lastname" db:"lastname"`
	Email       string    `json:"email" db:"email"`
	City        string    `json:"city" db:"city"`
	Country     string    `json:"country" db:"country"`
	Lang        string    `json:"lang" db:"lang"`
	Description string    `json:"description" db:"description"`
	URL         string    `json:"url" db:"url"`
	Institution string    `json:"institution" db:"institution"`
	Department  string    `json:"department" db:"department"`
	Phone1      string    `json:"phone1" db:"phone1"`
	Phone2      string    `json:"phone2" db:"phone2"`
	Address     string    `json:"address" db:"address"`
	Confirmed   bool      `json:"confirmed" db:"confirmed"`
	Suspended   bool      `json:"suspended" db:"suspended"`
	Deleted     bool      `json:"deleted" db:"deleted"`
	Modified    time.Time `json:"modified" db:"modified"`
}

func (u *LocalUser) field(name string) *string {
	switch name {
	case "firstname":
		return &u.FirstName
	case "lastname":
		return &u.LastName
	case "email":
		return &u.Email
	case "city":
		return &u.City
	case "country":
		return &u.Country
	case "lang":
		return &u.Lang
	case "description":
		return &u.Description
	case "url":
		return &u.URL
	case "institution":
		return &u.Institution
	case "department":
		return &u.Department
	case "phone1":
		return &u.Phone1
	case "phone2":
		return &u.Phone2
	case "address":
		return &u.Address
	}
	return nil
}

// Get returns a profile field by name.
func (u *LocalUser) Get(name string) (string, bool) {
	p := u.field(name)
	if p == nil {
		return "", false
	}
	return *p, true
}

// Set assigns a profile field by name and reports whether the field exists.
func (u *LocalUser) Set(name, value string) bool {
	p := u.field(name)
	if p == nil {
		return false
	}
	*p = value
	return true
}

// CustomField is a local custom profile field definition.
type CustomField struct {
	ID        int64  `json:"id" db:"id"`
	ShortName string `json:"shortname" db:"shortname"`
	Name      string `json:"name" db:"name"`
}

// CustomValue is one user's value for a custom field.
type CustomValue struct {
	ID      int64  `json:"id" db:"id"`
	UserID  int64  `json:"user_id" db:"user_id"`
	FieldID int64  `json:"field_id" db:"field_id"`
	Data    string `json:"data" db:"data"`
}

// Group is a local group ("cohort") owned by a component.
type Group struct {
	ID          int64  `json:"id" db:"id"`
	Name        string `json:"name" db:"name"`
	IDNumber    string `json:"idnumber" db:"idnumber"`
	Description string `json:"description" db:"description"`
	Component   string `json:"component" db:"component"`
}

// ViewRow is one row of the remote grouping view.
type ViewRow struct {
	GroupName        string `json:"group_name"`
	GroupID          string `json:"group_id"`
	GroupDescription string `json:"group_description"`
	MemberExternalID string `json:"member_external_id"`
}

// Scalarize reduces a value to the single string stored locally:
// the first item of a localized value list, the value of a nested item,
// a scalar as is, a date as unix seconds, a multi-value attribute joined
// with commas and, for any other object, the first field that yields a
// non-empty value.
func (v AttrValue) Scalarize() string {
	switch v.Kind {
	case KindScalar:
		return v.Scalar
	case KindDate:
		if v.Time.IsZero() {
			return ""
		}
		return strconv.FormatInt(v.Time.Unix(), 10)
	case KindValueList, KindNested:
		if len(v.Values) == 0 {
			return ""
		}
		return v.Values[0]
	case KindMulti:
		return strings.Join(v.Values, ",")
	case KindObject:
		for _, f := range v.Fields {
			if s := f.Value.Scalarize(); s != "" {
				return s
			}
		}
	}
	return ""
}
