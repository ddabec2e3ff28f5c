package profile

import (
	"errors"
	"testing"
)

func TestDecodeFactDelta(t *testing.T) {
	raw := `{
		"medications": [{"name": "Advil", "action": "ADD"}, {"name": 42, "action": "ADD"}],
		"symptoms": "none",
		"allergies": null,
		"conditions": [{"name": "Asthma", "status": "Active", "action": "ADD"}],
		"extra": [1, 2, 3]
	}`

	d, skipped, err := DecodeFactDelta([]byte(raw))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(d.Medications) != 1 || d.Medications[0].Name != "Advil" {
		t.Errorf("expected one valid medication, got %+v", d.Medications)
	}
	if len(d.Symptoms) != 0 || len(d.Allergies) != 0 {
		t.Errorf("expected malformed categories to be empty")
	}
	if len(d.Conditions) != 1 {
		t.Errorf("expected one condition, got %d", len(d.Conditions))
	}
	if skipped != 2 {
		t.Errorf("expected 2 skipped entries, got %d", skipped)
	}
}

func TestDecodeFactDelta_NotObject(t *testing.T) {
	for _, in := range []string{``, `null`, `[]`, `"text"`, `{broken`} {
		if _, _, err := DecodeFactDelta([]byte(in)); !errors.Is(err, ErrDeltaNotObject) {
			t.Errorf("DecodeFactDelta(%q): expected ErrDeltaNotObject, got %v", in, err)
		}
	}
}

func TestFactDelta_Len(t *testing.T) {
	var d FactDelta
	if !d.IsEmpty() {
		t.Error("zero delta should be empty")
	}
	d.Symptoms = append(d.Symptoms, SymptomChange{Description: "x", Action: ActionAdd})
	d.Allergies = append(d.Allergies, AllergyChange{Allergen: "y", Action: ActionAdd})
	if d.Len() != 2 || d.IsEmpty() {
		t.Errorf("expected len 2, got %d", d.Len())
	}
}
