package httpapi

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/carewire/carewire/internal/config"
	"github.com/carewire/carewire/internal/tenant"
	"github.com/carewire/carewire/internal/valueset"
)

const completeTopicURL = "http://carewire.local/SubscriptionTopic/encounter-complete"

func newTestServer(t *testing.T) *Server {
	t.Helper()
	cfg := &config.Config{
		Port:                    "0",
		Env:                     "test",
		DefaultTenant:           "default",
		RetryLimit:              3,
		ErrorLimit:              3,
		EndOfLifeDays:           30,
		DispatcherWorkers:       2,
		GeneratorWorkers:        2,
		IngressQueueCapacity:    64,
		EventLogRetention:       100,
		HeartbeatTickSeconds:    5,
		HandshakeTimeoutSeconds: 60,
	}
	tenants := tenant.NewRegistry(cfg, valueset.NewInMemoryService(), zerolog.Nop())
	t.Cleanup(func() { tenants.Shutdown(time.Second) })
	return New(cfg, tenants, zerolog.Nop())
}

func do(t *testing.T, s *Server, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set(echoContentType, "application/json")
	}
	rec := httptest.NewRecorder()
	s.Echo().ServeHTTP(rec, req)
	return rec
}

const echoContentType = "Content-Type"

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode response %q: %v", rec.Body.String(), err)
	}
	return out
}

func TestHealth(t *testing.T) {
	s := newTestServer(t)
	rec := do(t, s, http.MethodGet, "/health", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestResourceCRUD(t *testing.T) {
	s := newTestServer(t)

	rec := do(t, s, http.MethodPost, "/default/Patient", `{"resourceType": "Patient", "name": [{"family": "Osei"}]}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create status = %d body %s", rec.Code, rec.Body.String())
	}
	created := decode(t, rec)
	id, _ := created["id"].(string)
	if id == "" {
		t.Fatal("created resource has no id")
	}

	rec = do(t, s, http.MethodGet, "/default/Patient/"+id, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("get status = %d", rec.Code)
	}

	rec = do(t, s, http.MethodPut, "/default/Patient/"+id, `{"resourceType": "Patient", "name": [{"family": "Osei-Mensah"}]}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("update status = %d body %s", rec.Code, rec.Body.String())
	}
	updated := decode(t, rec)
	meta, _ := updated["meta"].(map[string]interface{})
	if meta["versionId"] != "2" {
		t.Errorf("versionId = %v, want 2", meta["versionId"])
	}

	rec = do(t, s, http.MethodGet, "/default/Patient", "")
	bundle := decode(t, rec)
	if bundle["total"] != float64(1) {
		t.Errorf("list total = %v", bundle["total"])
	}

	rec = do(t, s, http.MethodDelete, "/default/Patient/"+id, "")
	if rec.Code != http.StatusNoContent {
		t.Fatalf("delete status = %d", rec.Code)
	}

	rec = do(t, s, http.MethodGet, "/default/Patient/"+id, "")
	if rec.Code != http.StatusGone {
		t.Errorf("get after delete = %d, want 410", rec.Code)
	}
	oo := decode(t, rec)
	if oo["resourceType"] != "OperationOutcome" {
		t.Errorf("error body = %v", oo)
	}

	rec = do(t, s, http.MethodGet, "/default/Patient/never-existed", "")
	if rec.Code != http.StatusNotFound {
		t.Errorf("get missing = %d, want 404", rec.Code)
	}
}

func subscriptionDoc(endpoint string) string {
	return `{
		"resourceType": "Subscription",
		"status": "requested",
		"criteria": "` + completeTopicURL + `",
		"channel": {
			"type": "rest-hook",
			"endpoint": "` + endpoint + `",
			"payload": "application/fhir+json"
		}
	}`
}

func TestSubscriptionLifecycleOverHTTP(t *testing.T) {
	s := newTestServer(t)

	rec := do(t, s, http.MethodPost, "/default/Subscription", subscriptionDoc("http://example.org/endpoints/test"))
	if rec.Code != http.StatusCreated {
		t.Fatalf("create subscription = %d body %s", rec.Code, rec.Body.String())
	}
	sub := decode(t, rec)
	subID, _ := sub["id"].(string)
	if sub["status"] != "requested" {
		t.Errorf("initial status = %v", sub["status"])
	}

	rec = do(t, s, http.MethodPost, "/default/Encounter", `{"resourceType": "Encounter", "status": "planned"}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create encounter = %d", rec.Code)
	}
	encID, _ := decode(t, rec)["id"].(string)

	rec = do(t, s, http.MethodPut, "/default/Encounter/"+encID, `{"resourceType": "Encounter", "status": "completed"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("complete encounter = %d", rec.Code)
	}

	// the pipeline is asynchronous past the store write; poll $events
	deadline := time.Now().Add(2 * time.Second)
	var events []interface{}
	for time.Now().Before(deadline) {
		rec = do(t, s, http.MethodGet, "/default/Subscription/"+subID+"/$events", "")
		if rec.Code == http.StatusOK {
			bundle := decode(t, rec)
			entries, _ := bundle["entry"].([]interface{})
			if len(entries) > 0 {
				status, _ := entries[0].(map[string]interface{})["resource"].(map[string]interface{})
				events, _ = status["notificationEvent"].([]interface{})
				if len(events) > 0 {
					break
				}
			}
		}
		time.Sleep(10 * time.Millisecond)
	}
	if len(events) != 1 {
		t.Fatalf("notificationEvent = %v, want one event", events)
	}
	ev := events[0].(map[string]interface{})
	if ev["eventNumber"] != "1" {
		t.Errorf("eventNumber = %v", ev["eventNumber"])
	}
	focus, _ := ev["focus"].(map[string]interface{})
	if focus["reference"] != "Encounter/"+encID {
		t.Errorf("focus = %v", focus)
	}

	rec = do(t, s, http.MethodGet, "/default/Subscription/"+subID+"/$status", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("$status = %d", rec.Code)
	}
	statusBundle := decode(t, rec)
	entries, _ := statusBundle["entry"].([]interface{})
	statusDoc, _ := entries[0].(map[string]interface{})["resource"].(map[string]interface{})
	if statusDoc["type"] != "query-status" {
		t.Errorf("status type = %v", statusDoc["type"])
	}
	if statusDoc["status"] != "active" {
		t.Errorf("subscription status = %v, want active after first event", statusDoc["status"])
	}

	rec = do(t, s, http.MethodDelete, "/default/Subscription/"+subID, "")
	if rec.Code != http.StatusNoContent {
		t.Fatalf("delete = %d", rec.Code)
	}
	rec = do(t, s, http.MethodGet, "/default/Subscription/"+subID, "")
	if rec.Code != http.StatusNotFound {
		t.Errorf("get after delete = %d", rec.Code)
	}
}

func TestSubscriptionRejections(t *testing.T) {
	s := newTestServer(t)
	tests := []struct {
		name string
		body string
	}{
		{"unknown topic", `{"resourceType": "Subscription", "criteria": "http://nowhere/topic", "channel": {"type": "rest-hook", "endpoint": "https://x.example.com/h"}}`},
		{"relative endpoint", subscriptionDoc("/relative/hook")},
		{"unknown channel", `{"resourceType": "Subscription", "criteria": "` + completeTopicURL + `", "channel": {"type": "carrier-pigeon"}}`},
		{"undeclared filter", `{
			"resourceType": "Subscription",
			"criteria": "` + completeTopicURL + `",
			"_criteria": {"extension": [{"url": "http://hl7.org/fhir/uv/subscriptions-backport/StructureDefinition/backport-filter-criteria", "valueString": "Encounter?location=Location/l1"}]},
			"channel": {"type": "rest-hook", "endpoint": "https://x.example.com/h"}
		}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := do(t, s, http.MethodPost, "/default/Subscription", tt.body)
			if rec.Code != http.StatusBadRequest {
				t.Fatalf("status = %d body %s", rec.Code, rec.Body.String())
			}
			oo := decode(t, rec)
			if oo["resourceType"] != "OperationOutcome" {
				t.Errorf("error body = %v", oo)
			}
		})
	}
}

func TestEventsParamValidation(t *testing.T) {
	s := newTestServer(t)
	rec := do(t, s, http.MethodPost, "/default/Subscription", subscriptionDoc("https://consumer.example.com/hook"))
	subID, _ := decode(t, rec)["id"].(string)

	rec = do(t, s, http.MethodGet, "/default/Subscription/"+subID+"/$events?content=bogus", "")
	if rec.Code != http.StatusBadRequest {
		t.Errorf("bad content level = %d", rec.Code)
	}
	rec = do(t, s, http.MethodGet, "/default/Subscription/"+subID+"/$events?eventsSinceNumber=x", "")
	if rec.Code != http.StatusBadRequest {
		t.Errorf("bad since = %d", rec.Code)
	}
	rec = do(t, s, http.MethodGet, "/default/Subscription/nope/$events", "")
	if rec.Code != http.StatusNotFound {
		t.Errorf("missing subscription = %d", rec.Code)
	}
}

func TestTopicRegistrationOverHTTP(t *testing.T) {
	s := newTestServer(t)
	doc := `{
		"resourceType": "SubscriptionTopic",
		"url": "http://carewire.local/SubscriptionTopic/med-request",
		"resourceTrigger": [{
			"resource": "MedicationRequest",
			"supportedInteraction": ["create"]
		}]
	}`
	rec := do(t, s, http.MethodPost, "/default/SubscriptionTopic", doc)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create topic = %d body %s", rec.Code, rec.Body.String())
	}

	rec = do(t, s, http.MethodGet, "/default/SubscriptionTopic?url=http://carewire.local/SubscriptionTopic/med-request", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("get topic = %d", rec.Code)
	}
	def := decode(t, rec)
	if def["url"] != "http://carewire.local/SubscriptionTopic/med-request" {
		t.Errorf("definition = %v", def)
	}

	rec = do(t, s, http.MethodGet, "/default/SubscriptionTopic", "")
	list := decode(t, rec)
	if total, _ := list["total"].(float64); total < 6 {
		t.Errorf("total = %v, want builtins plus the new topic", list["total"])
	}
}
