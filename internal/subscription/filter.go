package subscription

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Matches reports whether a candidate resource passes the subscription's
// filters for its resource type.
func (d Definition) Matches(resourceType string, resource map[string]interface{}) bool {
	return matchesFilters(d.Filters, resourceType, resource)
}

// matchesFilters evaluates a subscription's filters against a candidate
// resource. Filters for the resource type and the "*" wildcard both apply.
// Groups with the same name are disjunctive; distinct names are conjunctive.
func matchesFilters(filters map[string][]Filter, resourceType string, resource map[string]interface{}) bool {
	var applicable []Filter
	applicable = append(applicable, filters[resourceType]...)
	applicable = append(applicable, filters["*"]...)
	if len(applicable) == 0 {
		return true
	}

	groups := make(map[string][]Filter)
	var order []string
	for _, f := range applicable {
		if _, seen := groups[f.Name]; !seen {
			order = append(order, f.Name)
		}
		groups[f.Name] = append(groups[f.Name], f)
	}

	for _, name := range order {
		groupOK := false
		for _, f := range groups[name] {
			if matchesFilter(f, resource) {
				groupOK = true
				break
			}
		}
		if !groupOK {
			return false
		}
	}
	return true
}

func matchesFilter(f Filter, resource map[string]interface{}) bool {
	values := extractFieldValues(resource, f.Name)
	if len(values) == 0 && f.Name == "patient" {
		// the patient search parameter conventionally lives in "subject"
		values = extractFieldValues(resource, "subject")
	}
	for _, v := range values {
		if matchesValue(f, v) {
			return true
		}
	}
	return false
}

func matchesValue(f Filter, actual string) bool {
	if f.Modifier == "contains" {
		return strings.Contains(actual, f.Value)
	}

	cmp, comparable := compareTyped(actual, f.Value)
	switch f.Comparator {
	case "", "eq":
		if comparable {
			return cmp == 0
		}
		return actual == f.Value
	case "ne":
		if comparable {
			return cmp != 0
		}
		return actual != f.Value
	case "gt":
		return comparable && cmp > 0
	case "ge":
		return comparable && cmp >= 0
	case "lt":
		return comparable && cmp < 0
	case "le":
		return comparable && cmp <= 0
	default:
		return false
	}
}

// compareTyped compares two values as numbers or dates when both parse as
// such. The bool reports whether an ordered comparison was possible.
func compareTyped(a, b string) (int, bool) {
	if an, err := strconv.ParseFloat(a, 64); err == nil {
		if bn, err := strconv.ParseFloat(b, 64); err == nil {
			switch {
			case an < bn:
				return -1, true
			case an > bn:
				return 1, true
			}
			return 0, true
		}
	}
	if at, ok := parseDate(a); ok {
		if bt, ok := parseDate(b); ok {
			switch {
			case at.Before(bt):
				return -1, true
			case at.After(bt):
				return 1, true
			}
			return 0, true
		}
	}
	return 0, false
}

func parseDate(s string) (time.Time, bool) {
	for _, layout := range []string{time.RFC3339, "2006-01-02T15:04:05", "2006-01-02"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

// extractFieldValues resolves a dotted path, fanning out over arrays. A
// reference-shaped leaf map contributes its reference value so filters like
// "patient" match "subject.reference" style fields by their common aliases.
func extractFieldValues(resource map[string]interface{}, path string) []string {
	if resource == nil {
		return nil
	}
	current := []interface{}{resource}
	for _, seg := range strings.Split(path, ".") {
		var next []interface{}
		for _, item := range current {
			m, ok := item.(map[string]interface{})
			if !ok {
				continue
			}
			val, ok := m[seg]
			if !ok {
				continue
			}
			if arr, isArr := val.([]interface{}); isArr {
				next = append(next, arr...)
			} else {
				next = append(next, val)
			}
		}
		current = next
		if len(current) == 0 {
			return nil
		}
	}

	var out []string
	for _, v := range current {
		switch t := v.(type) {
		case map[string]interface{}:
			if ref, ok := t["reference"].(string); ok {
				out = append(out, ref)
			}
		case []interface{}, nil:
		case float64:
			out = append(out, strconv.FormatFloat(t, 'f', -1, 64))
		case bool:
			out = append(out, strconv.FormatBool(t))
		default:
			out = append(out, fmt.Sprintf("%v", t))
		}
	}
	return out
}
