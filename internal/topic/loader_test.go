package topic

import (
	"encoding/json"
	"testing"

	"github.com/carewire/carewire/internal/store"
)

func mustParseJSON(t *testing.T, src string) map[string]interface{} {
	t.Helper()
	var doc map[string]interface{}
	if err := json.Unmarshal([]byte(src), &doc); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	return doc
}

func TestLoadR5Topic(t *testing.T) {
	doc := mustParseJSON(t, `{
		"resourceType": "SubscriptionTopic",
		"url": "http://example.org/FHIR/SubscriptionTopic/encounter-complete",
		"title": "Encounter Complete",
		"resourceTrigger": [{
			"resource": "Encounter",
			"supportedInteraction": ["create", "update"],
			"queryCriteria": {
				"previous": "status:not=completed",
				"current": "status=completed",
				"resultForCreate": "passes",
				"resultForDelete": "fails",
				"requireBoth": true
			},
			"fhirPathCriteria": "%current.status = 'completed'"
		}],
		"canFilterBy": [
			{"resource": "Encounter", "filterParameter": "patient"},
			{"filterParameter": "_id"}
		],
		"notificationShape": [{"resource": "Encounter", "include": ["Encounter:patient"]}]
	}`)

	def, err := LoadDefinition(doc)
	if err != nil {
		t.Fatalf("LoadDefinition: %v", err)
	}
	if def.URL != "http://example.org/FHIR/SubscriptionTopic/encounter-complete" {
		t.Errorf("URL = %q", def.URL)
	}
	if len(def.Triggers) != 1 {
		t.Fatalf("triggers = %d, want 1", len(def.Triggers))
	}
	trig := def.Triggers[0]
	if trig.ResourceType != "Encounter" || len(trig.Interactions) != 2 {
		t.Errorf("trigger = %+v", trig)
	}
	if trig.QueryPredicate == nil {
		t.Fatal("query predicate missing")
	}
	if trig.QueryPredicate.Previous != "status:not=completed" {
		t.Errorf("previous = %q", trig.QueryPredicate.Previous)
	}
	if trig.QueryPredicate.RequireBoth == nil || !*trig.QueryPredicate.RequireBoth {
		t.Error("requireBoth not carried")
	}
	if trig.PathExpression != "%current.status = 'completed'" {
		t.Errorf("path expression = %q", trig.PathExpression)
	}
	if !def.AllowsFilter("Encounter", "patient") || !def.AllowsFilter("Observation", "_id") {
		t.Errorf("canFilterBy = %v", def.CanFilterBy)
	}
	if len(def.NotificationShape) != 1 || def.NotificationShape[0] != "Encounter:patient" {
		t.Errorf("notificationShape = %v", def.NotificationShape)
	}
}

func TestLoadBasicTopicVariants(t *testing.T) {
	// older variant: canonical as valueCanonical; newer: valueUri
	for _, carrier := range []string{"valueCanonical", "valueUri"} {
		t.Run(carrier, func(t *testing.T) {
			doc := mustParseJSON(t, `{
				"resourceType": "Basic",
				"extension": [
					{"url": "`+extTopicCanonical+`", "`+carrier+`": "http://example.org/topic/t1"},
					{"url": "`+extTopicResourceTrigger+`", "extension": [
						{"url": "resourceType", "valueCode": "Observation"},
						{"url": "supportedInteraction", "valueCode": "create"},
						{"url": "queryCriteria", "extension": [
							{"url": "current", "valueString": "status=final"},
							{"url": "requireBoth", "valueBoolean": false}
						]},
						{"url": "canFilterBy", "valueString": "patient"}
					]}
				]
			}`)

			def, err := LoadDefinition(doc)
			if err != nil {
				t.Fatalf("LoadDefinition: %v", err)
			}
			if def.URL != "http://example.org/topic/t1" {
				t.Errorf("URL = %q", def.URL)
			}
			if len(def.Triggers) != 1 {
				t.Fatalf("triggers = %d, want 1", len(def.Triggers))
			}
			trig := def.Triggers[0]
			if trig.ResourceType != "Observation" {
				t.Errorf("resourceType = %q", trig.ResourceType)
			}
			if len(trig.Interactions) != 1 || trig.Interactions[0] != store.ChangeCreate {
				t.Errorf("interactions = %v", trig.Interactions)
			}
			if trig.QueryPredicate == nil || trig.QueryPredicate.Current != "status=final" {
				t.Errorf("query predicate = %+v", trig.QueryPredicate)
			}
			if !def.AllowsFilter("Observation", "patient") {
				t.Errorf("canFilterBy = %v", def.CanFilterBy)
			}
		})
	}
}

func TestLoadDefinitionRejectsNonTopicCarriers(t *testing.T) {
	if _, err := LoadDefinition(map[string]interface{}{"resourceType": "Patient"}); err == nil {
		t.Error("Patient accepted as topic carrier")
	}
	if _, err := LoadDefinition(map[string]interface{}{"resourceType": "Basic"}); err == nil {
		t.Error("Basic without canonical extension accepted")
	}
	if _, err := LoadDefinition(map[string]interface{}{"resourceType": "SubscriptionTopic"}); err == nil {
		t.Error("SubscriptionTopic without url accepted")
	}
}

func TestLoadedTopicRegisters(t *testing.T) {
	doc := mustParseJSON(t, `{
		"resourceType": "SubscriptionTopic",
		"url": "http://example.org/topic/roundtrip",
		"resourceTrigger": [{
			"resource": "Encounter",
			"supportedInteraction": ["update"],
			"queryCriteria": {"current": "status=completed"}
		}]
	}`)
	def, err := LoadDefinition(doc)
	if err != nil {
		t.Fatalf("LoadDefinition: %v", err)
	}
	r := newTestRegistry(t)
	if _, err := r.Register(def); err != nil {
		t.Fatalf("Register: %v", err)
	}
}
