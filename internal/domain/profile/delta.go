package profile

import (
	"encoding/json"
	"errors"
	"strings"
)

type Action string

const (
	ActionAdd    Action = "ADD"
	ActionStop   Action = "STOP"
	ActionUpdate Action = "UPDATE"
	ActionRemove Action = "REMOVE"
)

func normalizeAction(a Action) Action {
	return Action(strings.ToUpper(strings.TrimSpace(string(a))))
}

type MedicationChange struct {
	Name   string `json:"name" yaml:"name"`
	Action Action `json:"action" yaml:"action"`
	Status string `json:"status,omitempty" yaml:"status,omitempty"`
}

type SymptomChange struct {
	Description string `json:"description" yaml:"description"`
	Severity    string `json:"severity,omitempty" yaml:"severity,omitempty"`
	Action      Action `json:"action" yaml:"action"`
}

type AllergyChange struct {
	Allergen string `json:"allergen" yaml:"allergen"`
	Reaction string `json:"reaction,omitempty" yaml:"reaction,omitempty"`
	Action   Action `json:"action" yaml:"action"`
}

type ConditionChange struct {
	Name   string `json:"name" yaml:"name"`
	Status string `json:"status,omitempty" yaml:"status,omitempty"`
	Action Action `json:"action" yaml:"action"`
}

// FactDelta is the set of proposed profile changes for one turn.
type FactDelta struct {
	Medications []MedicationChange `json:"medications" yaml:"medications,omitempty"`
	Symptoms    []SymptomChange    `json:"symptoms" yaml:"symptoms,omitempty"`
	Allergies   []AllergyChange    `json:"allergies" yaml:"allergies,omitempty"`
	Conditions  []ConditionChange  `json:"conditions" yaml:"conditions,omitempty"`
}

func (d FactDelta) Len() int {
	return len(d.Medications) + len(d.Symptoms) + len(d.Allergies) + len(d.Conditions)
}

func (d FactDelta) IsEmpty() bool { return d.Len() == 0 }

var ErrDeltaNotObject = errors.New("fact delta is not a JSON object")

// DecodeFactDelta parses a delta leniently. A category that is not an array
// is treated as empty and an entry that does not decode is skipped, so one
// malformed element never discards its siblings. It returns the number of
// entries skipped.
func DecodeFactDelta(data []byte) (FactDelta, int, error) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil || raw == nil {
		return FactDelta{}, 0, ErrDeltaNotObject
	}

	var d FactDelta
	skipped := 0
	skipped += decodeEntries(raw[string(CategoryMedications)], &d.Medications)
	skipped += decodeEntries(raw[string(CategorySymptoms)], &d.Symptoms)
	skipped += decodeEntries(raw[string(CategoryAllergies)], &d.Allergies)
	skipped += decodeEntries(raw[string(CategoryConditions)], &d.Conditions)
	return d, skipped, nil
}

func decodeEntries[T any](raw json.RawMessage, out *[]T) int {
	if len(raw) == 0 {
		return 0
	}
	var items []json.RawMessage
	if err := json.Unmarshal(raw, &items); err != nil {
		// null is an empty category, anything else is malformed
		if string(raw) == "null" {
			return 0
		}
		return 1
	}
	skipped := 0
	for _, item := range items {
		var v T
		if err := json.Unmarshal(item, &v); err != nil {
			skipped++
			continue
		}
		*out = append(*out, v)
	}
	return skipped
}
