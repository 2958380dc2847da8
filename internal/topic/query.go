package topic

import (
	"fmt"
	"strings"
)

// queryAtom is one "name[:modifier]=value[,value…]" clause of a query
// predicate. Atoms in one query are conjunctive; values within an atom are
// disjunctive.
type queryAtom struct {
	field    string
	modifier string
	values   []string

	// unknown modifiers evaluate to false instead of failing the topic
	unknownModifier bool
}

type compiledQuery struct {
	atoms []queryAtom
}

const (
	modNone    = ""
	modNot     = "not"
	modIn      = "in"
	modNotIn   = "not-in"
	modMissing = "missing"
)

// parseQuery compiles a query string of the form "a=1&b:not=2,3". An empty
// string yields a nil query, which matches everything.
func parseQuery(q string) (*compiledQuery, []string, error) {
	q = strings.TrimSpace(q)
	if q == "" {
		return nil, nil, nil
	}
	var warnings []string
	cq := &compiledQuery{}
	for _, clause := range strings.Split(q, "&") {
		if clause == "" {
			continue
		}
		eq := strings.Index(clause, "=")
		if eq < 0 {
			return nil, nil, fmt.Errorf("query clause %q has no value", clause)
		}
		name := clause[:eq]
		value := clause[eq+1:]
		atom := queryAtom{field: name, values: strings.Split(value, ",")}
		if colon := strings.Index(name, ":"); colon >= 0 {
			atom.field = name[:colon]
			atom.modifier = name[colon+1:]
		}
		if atom.field == "" {
			return nil, nil, fmt.Errorf("query clause %q has no field name", clause)
		}
		switch atom.modifier {
		case modNone, modNot, modIn, modNotIn, modMissing:
		default:
			atom.unknownModifier = true
			warnings = append(warnings, fmt.Sprintf("unknown query modifier %q in clause %q", atom.modifier, clause))
		}
		cq.atoms = append(cq.atoms, atom)
	}
	return cq, warnings, nil
}

// matches evaluates the query against a resource. A nil query or nil resource
// context is handled by the caller; here resource is the bound revision.
func (cq *compiledQuery) matches(resource map[string]interface{}) bool {
	if cq == nil {
		return true
	}
	for _, atom := range cq.atoms {
		if !atom.matches(resource) {
			return false
		}
	}
	return true
}

func (a queryAtom) matches(resource map[string]interface{}) bool {
	if a.unknownModifier {
		return false
	}
	fieldValues := extractField(resource, a.field)

	switch a.modifier {
	case modMissing:
		wantMissing := len(a.values) > 0 && a.values[0] == "true"
		if wantMissing {
			return len(fieldValues) == 0
		}
		return len(fieldValues) > 0

	case modNot, modNotIn:
		// no field value can equal any listed value
		for _, fv := range fieldValues {
			for _, v := range a.values {
				if fv == v {
					return false
				}
			}
		}
		return true

	default: // modNone, modIn: any field value equals any listed value
		for _, fv := range fieldValues {
			for _, v := range a.values {
				if fv == v {
					return true
				}
			}
		}
		return false
	}
}

// extractField resolves a dotted field path against a resource and returns
// the stringified leaf values. Arrays fan out at any segment.
func extractField(resource map[string]interface{}, path string) []string {
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
	out := make([]string, 0, len(current))
	for _, v := range current {
		switch v.(type) {
		case map[string]interface{}, []interface{}:
			// composite leaves have no comparable scalar form
		default:
			out = append(out, fmt.Sprintf("%v", v))
		}
	}
	return out
}
