package profile

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/google/uuid"
)

func TestNew_EmptyCollections(t *testing.T) {
	p := New(uuid.New())
	if !p.IsEmpty() || p.Persisted {
		t.Errorf("expected empty unpersisted profile")
	}
	b, err := json.Marshal(p)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	for _, c := range Categories {
		if !strings.Contains(string(b), `"`+string(c)+`":[]`) {
			t.Errorf("expected %s to serialize as an empty array: %s", c, b)
		}
	}
}

func TestProfile_EntryJSONCarriesProvenance(t *testing.T) {
	msg := uuid.New()
	p := New(uuid.New())
	Merge(p, FactDelta{Medications: []MedicationChange{{Name: "Advil", Action: ActionAdd}}}, msg)

	b, err := json.Marshal(p.Medications[0])
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var flat map[string]any
	if err := json.Unmarshal(b, &flat); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if flat["provenance_message_id"] != msg.String() {
		t.Errorf("expected flattened provenance_message_id, got %v", flat["provenance_message_id"])
	}
	for _, k := range []string{"name", "status", "entry_id", "seq", "added_at"} {
		if _, ok := flat[k]; !ok {
			t.Errorf("missing field %q in %s", k, b)
		}
	}
}

func TestProfile_ActiveMedications(t *testing.T) {
	p := New(uuid.New())
	Merge(p, FactDelta{Medications: []MedicationChange{
		{Name: "A", Action: ActionAdd},
		{Name: "B", Action: ActionAdd},
	}}, uuid.New())
	Merge(p, FactDelta{Medications: []MedicationChange{{Name: "A", Action: ActionStop}}}, uuid.New())

	active := p.ActiveMedications()
	if len(active) != 1 || active[0].Name != "B" {
		t.Errorf("expected only B active, got %+v", active)
	}
}

func TestProfile_CloneIsDeep(t *testing.T) {
	p := New(uuid.New())
	Merge(p, FactDelta{Conditions: []ConditionChange{{Name: "Asthma", Action: ActionAdd}}}, uuid.New())
	cp := p.Clone()
	cp.Conditions[0].Status = "Resolved"
	if p.Conditions[0].Status == "Resolved" {
		t.Error("clone shares backing array with original")
	}
}
