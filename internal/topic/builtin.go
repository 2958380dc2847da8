package topic

import "github.com/carewire/carewire/internal/store"

// BuiltinDefinitions returns the topic catalog registered for every tenant at
// startup. Tenants can still author their own topics on top of these.
func BuiltinDefinitions() []Definition {
	boolPtr := func(b bool) *bool { return &b }

	return []Definition{
		{
			URL:   "http://carewire.local/SubscriptionTopic/encounter-start",
			Title: "Encounter Start",
			Triggers: []Trigger{{
				ResourceType: "Encounter",
				Interactions: []store.ChangeKind{store.ChangeCreate, store.ChangeUpdate},
				QueryPredicate: &QueryPredicate{
					Previous:        "status:not=in-progress",
					Current:         "status=in-progress",
					ResultForCreate: ResultPasses,
					ResultForDelete: ResultFails,
				},
			}},
			CanFilterBy: map[string][]string{
				"Encounter": {"patient", "subject", "class"},
			},
			NotificationShape: []string{"Encounter:patient"},
		},
		{
			URL:   "http://carewire.local/SubscriptionTopic/encounter-end",
			Title: "Encounter End",
			Triggers: []Trigger{{
				ResourceType: "Encounter",
				Interactions: []store.ChangeKind{store.ChangeUpdate},
				QueryPredicate: &QueryPredicate{
					Previous:        "status:not=finished",
					Current:         "status=finished",
					ResultForCreate: ResultFails,
					ResultForDelete: ResultFails,
				},
			}},
			CanFilterBy: map[string][]string{
				"Encounter": {"patient", "subject", "class"},
			},
			NotificationShape: []string{"Encounter:patient"},
		},
		{
			URL:   "http://carewire.local/SubscriptionTopic/encounter-complete",
			Title: "Encounter Complete",
			Triggers: []Trigger{{
				ResourceType: "Encounter",
				Interactions: []store.ChangeKind{store.ChangeCreate, store.ChangeUpdate},
				QueryPredicate: &QueryPredicate{
					Previous:        "status:not=completed",
					Current:         "status=completed",
					ResultForCreate: ResultPasses,
					ResultForDelete: ResultFails,
					RequireBoth:     boolPtr(true),
				},
			}},
			CanFilterBy: map[string][]string{
				"Encounter": {"patient", "subject"},
			},
		},
		{
			URL:   "http://carewire.local/SubscriptionTopic/new-lab-result",
			Title: "New Lab Result",
			Triggers: []Trigger{{
				ResourceType:   "Observation",
				Interactions:   []store.ChangeKind{store.ChangeCreate},
				PathExpression: "%current.category.coding.code = 'laboratory'",
			}},
			CanFilterBy: map[string][]string{
				"Observation": {"patient", "subject", "code", "status"},
			},
			NotificationShape: []string{"Observation:patient", "Observation:encounter"},
		},
		{
			URL:   "http://carewire.local/SubscriptionTopic/admission-discharge",
			Title: "Admission and Discharge",
			Triggers: []Trigger{
				{
					ResourceType: "Encounter",
					Interactions: []store.ChangeKind{store.ChangeCreate, store.ChangeUpdate},
					QueryPredicate: &QueryPredicate{
						Current:         "class=inpatient&status=in-progress",
						ResultForCreate: ResultPasses,
						ResultForDelete: ResultFails,
						RequireBoth:     boolPtr(false),
					},
				},
				{
					ResourceType: "Encounter",
					Interactions: []store.ChangeKind{store.ChangeUpdate},
					QueryPredicate: &QueryPredicate{
						Previous:        "status=in-progress",
						Current:         "status=finished",
						ResultForCreate: ResultFails,
						ResultForDelete: ResultFails,
					},
				},
			},
			CanFilterBy: map[string][]string{
				"Encounter": {"patient", "subject", "class"},
			},
		},
	}
}
