package topic

import (
	"fmt"

	"github.com/carewire/carewire/internal/store"
)

// Authored topic documents arrive in three shapes: a first-class
// SubscriptionTopic resource, and two older variants that wrap the definition
// in a Basic resource carrying the canonical URL in an extension (one uses
// valueCanonical, the other valueUri). LoadDefinition detects the carrier and
// normalizes all three into a Definition so the registry never sees the
// authored shape.

const (
	extTopicCanonical       = "http://hl7.org/fhir/uv/subscriptions-backport/StructureDefinition/backport-topic-canonical"
	extTopicResourceTrigger = "http://hl7.org/fhir/uv/subscriptions-backport/StructureDefinition/backport-topic-resource-trigger"
)

// LoadDefinition parses an authored topic document.
func LoadDefinition(doc map[string]interface{}) (Definition, error) {
	switch rt, _ := doc["resourceType"].(string); rt {
	case "SubscriptionTopic":
		return loadR5Topic(doc)
	case "Basic":
		return loadBasicTopic(doc)
	default:
		return Definition{}, fmt.Errorf("document resourceType %q is not a topic carrier", rt)
	}
}

// loadR5Topic parses the first-class SubscriptionTopic shape.
func loadR5Topic(doc map[string]interface{}) (Definition, error) {
	def := Definition{
		URL:         str(doc, "url"),
		Title:       str(doc, "title"),
		CanFilterBy: make(map[string][]string),
	}
	if def.URL == "" {
		return Definition{}, fmt.Errorf("SubscriptionTopic has no url")
	}

	for _, t := range arr(doc, "resourceTrigger") {
		tm, ok := t.(map[string]interface{})
		if !ok {
			continue
		}
		trig := Trigger{
			ResourceType:   str(tm, "resource"),
			PathExpression: str(tm, "fhirPathCriteria"),
		}
		for _, i := range arr(tm, "supportedInteraction") {
			if s, ok := i.(string); ok {
				trig.Interactions = append(trig.Interactions, store.ChangeKind(s))
			}
		}
		if qc, ok := tm["queryCriteria"].(map[string]interface{}); ok {
			qp := &QueryPredicate{
				Previous:        str(qc, "previous"),
				Current:         str(qc, "current"),
				ResultForCreate: Result(str(qc, "resultForCreate")),
				ResultForDelete: Result(str(qc, "resultForDelete")),
			}
			if rb, ok := qc["requireBoth"].(bool); ok {
				qp.RequireBoth = &rb
			}
			trig.QueryPredicate = qp
		}
		def.Triggers = append(def.Triggers, trig)
	}

	for _, f := range arr(doc, "canFilterBy") {
		fm, ok := f.(map[string]interface{})
		if !ok {
			continue
		}
		rt := str(fm, "resource")
		if rt == "" {
			rt = "*"
		}
		if param := str(fm, "filterParameter"); param != "" {
			def.CanFilterBy[rt] = append(def.CanFilterBy[rt], param)
		}
	}

	for _, s := range arr(doc, "notificationShape") {
		sm, ok := s.(map[string]interface{})
		if !ok {
			continue
		}
		for _, inc := range arr(sm, "include") {
			if is, ok := inc.(string); ok {
				def.NotificationShape = append(def.NotificationShape, is)
			}
		}
	}

	return def, nil
}

// loadBasicTopic parses the two Basic-wrapped variants. The canonical URL is
// the detection carrier: valueCanonical in the older variant, valueUri in the
// newer one. Everything else is shared nested-extension structure.
func loadBasicTopic(doc map[string]interface{}) (Definition, error) {
	exts := arr(doc, "extension")

	def := Definition{CanFilterBy: make(map[string][]string)}
	for _, e := range exts {
		em, ok := e.(map[string]interface{})
		if !ok {
			continue
		}
		switch str(em, "url") {
		case extTopicCanonical:
			if u := str(em, "valueCanonical"); u != "" {
				def.URL = u
			} else if u := str(em, "valueUri"); u != "" {
				def.URL = u
			}
		case extTopicResourceTrigger:
			trig, filterParams, err := loadBasicTrigger(em)
			if err != nil {
				return Definition{}, err
			}
			def.Triggers = append(def.Triggers, trig)
			def.CanFilterBy[trig.ResourceType] = append(def.CanFilterBy[trig.ResourceType], filterParams...)
		}
	}
	if def.URL == "" {
		return Definition{}, fmt.Errorf("Basic topic has no canonical URL extension")
	}
	return def, nil
}

func loadBasicTrigger(ext map[string]interface{}) (Trigger, []string, error) {
	trig := Trigger{}
	qp := &QueryPredicate{}
	hasQuery := false
	var filterParams []string

	for _, e := range arr(ext, "extension") {
		em, ok := e.(map[string]interface{})
		if !ok {
			continue
		}
		switch str(em, "url") {
		case "resourceType":
			trig.ResourceType = str(em, "valueCode")
		case "supportedInteraction":
			trig.Interactions = append(trig.Interactions, store.ChangeKind(str(em, "valueCode")))
		case "fhirPathCriteria":
			trig.PathExpression = str(em, "valueString")
		case "canFilterBy":
			if p := str(em, "valueString"); p != "" {
				filterParams = append(filterParams, p)
			}
		case "queryCriteria":
			hasQuery = true
			for _, q := range arr(em, "extension") {
				qm, ok := q.(map[string]interface{})
				if !ok {
					continue
				}
				switch str(qm, "url") {
				case "previous":
					qp.Previous = str(qm, "valueString")
				case "current":
					qp.Current = str(qm, "valueString")
				case "resultForCreate":
					qp.ResultForCreate = Result(str(qm, "valueCode"))
				case "resultForDelete":
					qp.ResultForDelete = Result(str(qm, "valueCode"))
				case "requireBoth":
					if b, ok := qm["valueBoolean"].(bool); ok {
						qp.RequireBoth = &b
					}
				}
			}
		}
	}
	if hasQuery {
		trig.QueryPredicate = qp
	}
	if trig.ResourceType == "" {
		return Trigger{}, nil, fmt.Errorf("Basic topic trigger has no resourceType")
	}
	return trig, filterParams, nil
}

func str(m map[string]interface{}, key string) string {
	s, _ := m[key].(string)
	return s
}

func arr(m map[string]interface{}, key string) []interface{} {
	a, _ := m[key].([]interface{})
	return a
}
