package response

import (
	"strings"

	"github.com/beevik/etree"
)

// xmlValue converts an element into the generic tree used for JSON bodies.
// Leaf elements become their trimmed text, except an empty is_array="true"
// element, which is an empty list. Elements flagged is_array="true",
// or whose children are all <item>, become lists. Repeated child tags inside
// an object become lists as well.
func xmlValue(el *etree.Element) any {
	children := el.ChildElements()
	if len(children) == 0 {
		if el.SelectAttrValue("is_array", "") == "true" {
			return []any{}
		}
		return strings.TrimSpace(el.Text())
	}
	if el.SelectAttrValue("is_array", "") == "true" || allItems(children) {
		list := make([]any, 0, len(children))
		for _, c := range children {
			list = append(list, xmlValue(c))
		}
		return list
	}
	obj := make(map[string]any, len(children))
	repeated := make(map[string]bool)
	for _, c := range children {
		v := xmlValue(c)
		prev, exists := obj[c.Tag]
		switch {
		case !exists:
			obj[c.Tag] = v
		case repeated[c.Tag]:
			obj[c.Tag] = append(prev.([]any), v)
		default:
			obj[c.Tag] = []any{prev, v}
			repeated[c.Tag] = true
		}
	}
	return obj
}

func allItems(children []*etree.Element) bool {
	for _, c := range children {
		if c.Tag != "item" {
			return false
		}
	}
	return true
}
