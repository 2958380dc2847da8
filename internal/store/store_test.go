package store

import (
	"context"
	"errors"
	"testing"
)

type recordingListener struct {
	changes []Change
}

func (r *recordingListener) OnChange(_ context.Context, ch Change) {
	r.changes = append(r.changes, ch)
}

func TestCreateAssignsIDAndVersion(t *testing.T) {
	s := New()
	res, err := s.Create(context.Background(), "Patient", Resource{"name": "Ada"})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if res.ID() == "" {
		t.Error("Create did not assign an id")
	}
	if res.Type() != "Patient" {
		t.Errorf("resourceType = %q, want Patient", res.Type())
	}
	meta, _ := res["meta"].(map[string]interface{})
	if meta["versionId"] != "1" {
		t.Errorf("versionId = %v, want \"1\"", meta["versionId"])
	}
}

func TestUpdateBumpsVersionAndFeedsPrevious(t *testing.T) {
	s := New()
	lis := &recordingListener{}
	s.AddListener(lis)
	ctx := context.Background()

	created, err := s.Create(ctx, "Encounter", Resource{"id": "e1", "status": "planned"})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	updated, err := s.Update(ctx, "Encounter", "e1", Resource{"status": "completed"})
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	meta, _ := updated["meta"].(map[string]interface{})
	if meta["versionId"] != "2" {
		t.Errorf("versionId = %v, want \"2\"", meta["versionId"])
	}

	if len(lis.changes) != 2 {
		t.Fatalf("got %d changes, want 2", len(lis.changes))
	}
	upd := lis.changes[1]
	if upd.Kind != ChangeUpdate {
		t.Errorf("Kind = %q, want update", upd.Kind)
	}
	if upd.Previous["status"] != "planned" {
		t.Errorf("Previous.status = %v, want planned", upd.Previous["status"])
	}
	if upd.Current["status"] != "completed" {
		t.Errorf("Current.status = %v, want completed", upd.Current["status"])
	}
	_ = created
}

func TestDeleteLeavesTombstone(t *testing.T) {
	s := New()
	ctx := context.Background()
	if _, err := s.Create(ctx, "Observation", Resource{"id": "o1"}); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := s.Delete(ctx, "Observation", "o1"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := s.Get("Observation", "o1"); !errors.Is(err, ErrDeleted) {
		t.Errorf("Get after delete = %v, want ErrDeleted", err)
	}
	if _, err := s.Get("Observation", "never"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get unknown = %v, want ErrNotFound", err)
	}
}

func TestChangeOrderMirrorsMutationOrder(t *testing.T) {
	s := New()
	lis := &recordingListener{}
	s.AddListener(lis)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if _, err := s.Create(ctx, "Patient", Resource{}); err != nil {
			t.Fatalf("Create %d: %v", i, err)
		}
	}
	if len(lis.changes) != 3 {
		t.Fatalf("got %d changes, want 3", len(lis.changes))
	}
	for i, ch := range lis.changes {
		if ch.Kind != ChangeCreate {
			t.Errorf("change %d kind = %q, want create", i, ch.Kind)
		}
	}
}

func TestStoredCopyIsIsolatedFromCaller(t *testing.T) {
	s := New()
	ctx := context.Background()
	body := Resource{"id": "p1", "name": map[string]interface{}{"family": "Ada"}}
	if _, err := s.Create(ctx, "Patient", body); err != nil {
		t.Fatalf("Create: %v", err)
	}
	body["name"].(map[string]interface{})["family"] = "mutated"

	got, err := s.Get("Patient", "p1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got["name"].(map[string]interface{})["family"] != "Ada" {
		t.Error("stored resource shares memory with caller body")
	}
}

func TestCreateRejectsDuplicateID(t *testing.T) {
	s := New()
	ctx := context.Background()
	if _, err := s.Create(ctx, "Patient", Resource{"id": "p1"}); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := s.Create(ctx, "Patient", Resource{"id": "p1"}); err == nil {
		t.Error("duplicate Create succeeded, want error")
	}
}
