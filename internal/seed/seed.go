// Package seed loads reproducible synthetic clinical data into a tenant's
// store. Seeding goes through the normal write path, so active subscriptions
// see the generated resources like any other traffic.
package seed

import (
	"context"
	"fmt"
	"math/rand"

	"github.com/rs/zerolog"

	"github.com/carewire/carewire/internal/store"
)

// Config controls the volume of generated data. The Seed value makes runs
// reproducible; two runs with the same seed produce identical resources up
// to server-assigned ids and timestamps.
type Config struct {
	Patients                 int
	Practitioners            int
	EncountersPerPatient     int
	ObservationsPerEncounter int
	ConditionsPerPatient     int
	Seed                     int64
}

// DefaultConfig is sized for a demo tenant: small enough to load instantly,
// large enough to page through.
func DefaultConfig() Config {
	return Config{
		Patients:                 25,
		Practitioners:            5,
		EncountersPerPatient:     3,
		ObservationsPerEncounter: 2,
		ConditionsPerPatient:     1,
		Seed:                     1,
	}
}

// Summary reports what one run created.
type Summary struct {
	Patients      int
	Practitioners int
	Encounters    int
	Observations  int
	Conditions    int
}

var (
	givenNames  = []string{"Amara", "Kwame", "Lena", "Mateo", "Priya", "Tomas", "Yuki", "Zainab", "Elias", "Nadia"}
	familyNames = []string{"Okafor", "Lindqvist", "Reyes", "Tanaka", "Haddad", "Novak", "Mensah", "Silva", "Petrov", "Iyer"}

	encounterClasses = []string{"AMB", "EMER", "IMP", "VR"}
	encounterStates  = []string{"planned", "in-progress", "completed"}

	conditionCodes = []struct{ code, display string }{
		{"44054006", "Diabetes mellitus type 2"},
		{"38341003", "Hypertensive disorder"},
		{"195967001", "Asthma"},
		{"13645005", "Chronic obstructive lung disease"},
	}

	observationCodes = []struct {
		code, display, unit string
		low, high           float64
	}{
		{"8867-4", "Heart rate", "/min", 55, 110},
		{"8480-6", "Systolic blood pressure", "mm[Hg]", 95, 165},
		{"8310-5", "Body temperature", "Cel", 36.1, 39.2},
		{"2339-0", "Glucose", "mg/dL", 70, 210},
	}
)

// Seeder writes synthetic resources into one store.
type Seeder struct {
	store  *store.Store
	rng    *rand.Rand
	logger zerolog.Logger
}

func New(st *store.Store, cfg Config, logger zerolog.Logger) *Seeder {
	return &Seeder{
		store:  st,
		rng:    rand.New(rand.NewSource(cfg.Seed)),
		logger: logger.With().Str("component", "seed").Logger(),
	}
}

// Run generates and stores the configured volume of data. It stops at the
// first store error.
func (s *Seeder) Run(ctx context.Context, cfg Config) (Summary, error) {
	var sum Summary

	practitionerRefs := make([]string, 0, cfg.Practitioners)
	for i := 0; i < cfg.Practitioners; i++ {
		created, err := s.store.Create(ctx, "Practitioner", s.practitioner())
		if err != nil {
			return sum, fmt.Errorf("seed practitioner: %w", err)
		}
		practitionerRefs = append(practitionerRefs, "Practitioner/"+created["id"].(string))
		sum.Practitioners++
	}

	for i := 0; i < cfg.Patients; i++ {
		patient, err := s.store.Create(ctx, "Patient", s.patient())
		if err != nil {
			return sum, fmt.Errorf("seed patient: %w", err)
		}
		sum.Patients++
		patientRef := "Patient/" + patient["id"].(string)

		for j := 0; j < cfg.ConditionsPerPatient; j++ {
			if _, err := s.store.Create(ctx, "Condition", s.condition(patientRef)); err != nil {
				return sum, fmt.Errorf("seed condition: %w", err)
			}
			sum.Conditions++
		}

		for j := 0; j < cfg.EncountersPerPatient; j++ {
			enc, err := s.store.Create(ctx, "Encounter", s.encounter(patientRef, practitionerRefs))
			if err != nil {
				return sum, fmt.Errorf("seed encounter: %w", err)
			}
			sum.Encounters++
			encounterRef := "Encounter/" + enc["id"].(string)

			for k := 0; k < cfg.ObservationsPerEncounter; k++ {
				if _, err := s.store.Create(ctx, "Observation", s.observation(patientRef, encounterRef)); err != nil {
					return sum, fmt.Errorf("seed observation: %w", err)
				}
				sum.Observations++
			}
		}
	}

	s.logger.Info().
		Int("patients", sum.Patients).
		Int("encounters", sum.Encounters).
		Int("observations", sum.Observations).
		Msg("synthetic data loaded")
	return sum, nil
}

func (s *Seeder) pick(values []string) string {
	return values[s.rng.Intn(len(values))]
}

func (s *Seeder) patient() store.Resource {
	gender := "female"
	if s.rng.Intn(2) == 0 {
		gender = "male"
	}
	year := 1940 + s.rng.Intn(70)
	return store.Resource{
		"resourceType": "Patient",
		"active":       true,
		"gender":       gender,
		"birthDate":    fmt.Sprintf("%d-%02d-%02d", year, 1+s.rng.Intn(12), 1+s.rng.Intn(28)),
		"name": []interface{}{
			map[string]interface{}{
				"family": s.pick(familyNames),
				"given":  []interface{}{s.pick(givenNames)},
			},
		},
	}
}

func (s *Seeder) practitioner() store.Resource {
	return store.Resource{
		"resourceType": "Practitioner",
		"active":       true,
		"name": []interface{}{
			map[string]interface{}{
				"family": s.pick(familyNames),
				"given":  []interface{}{s.pick(givenNames)},
				"prefix": []interface{}{"Dr."},
			},
		},
	}
}

func (s *Seeder) encounter(patientRef string, practitioners []string) store.Resource {
	enc := store.Resource{
		"resourceType": "Encounter",
		"status":       s.pick(encounterStates),
		"class": map[string]interface{}{
			"system": "http://terminology.hl7.org/CodeSystem/v3-ActCode",
			"code":   s.pick(encounterClasses),
		},
		"subject": map[string]interface{}{"reference": patientRef},
	}
	if len(practitioners) > 0 {
		enc["participant"] = []interface{}{
			map[string]interface{}{
				"individual": map[string]interface{}{"reference": s.pick(practitioners)},
			},
		}
	}
	return enc
}

func (s *Seeder) condition(patientRef string) store.Resource {
	c := conditionCodes[s.rng.Intn(len(conditionCodes))]
	return store.Resource{
		"resourceType": "Condition",
		"clinicalStatus": map[string]interface{}{
			"coding": []interface{}{
				map[string]interface{}{
					"system": "http://terminology.hl7.org/CodeSystem/condition-clinical",
					"code":   "active",
				},
			},
		},
		"code": map[string]interface{}{
			"coding": []interface{}{
				map[string]interface{}{
					"system":  "http://snomed.info/sct",
					"code":    c.code,
					"display": c.display,
				},
			},
			"text": c.display,
		},
		"subject": map[string]interface{}{"reference": patientRef},
	}
}

func (s *Seeder) observation(patientRef, encounterRef string) store.Resource {
	o := observationCodes[s.rng.Intn(len(observationCodes))]
	value := o.low + s.rng.Float64()*(o.high-o.low)
	return store.Resource{
		"resourceType": "Observation",
		"status":       "final",
		"code": map[string]interface{}{
			"coding": []interface{}{
				map[string]interface{}{
					"system":  "http://loinc.org",
					"code":    o.code,
					"display": o.display,
				},
			},
			"text": o.display,
		},
		"subject":   map[string]interface{}{"reference": patientRef},
		"encounter": map[string]interface{}{"reference": encounterRef},
		"valueQuantity": map[string]interface{}{
			"value":  float64(int(value*10)) / 10,
			"unit":   o.unit,
			"system": "http://unitsofmeasure.org",
			"code":   o.unit,
		},
	}
}
