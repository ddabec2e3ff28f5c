package profile

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

type Category string

const (
	CategoryMedications Category = "medications"
	CategorySymptoms    Category = "symptoms"
	CategoryAllergies   Category = "allergies"
	CategoryConditions  Category = "conditions"
)

var Categories = []Category{CategoryMedications, CategorySymptoms, CategoryAllergies, CategoryConditions}

const (
	MedicationActive  = "ACTIVE"
	MedicationStopped = "STOPPED"

	DefaultSeverity        = "MODERATE"
	DefaultReaction        = "Unknown"
	DefaultConditionStatus = "Active"
)

// Provenance is carried by every fact entry. MessageID is the turn that last
// touched the entry; Seq is the creation marker, unique and increasing within
// one profile.
type Provenance struct {
	EntryID   uuid.UUID `json:"entry_id"`
	MessageID uuid.UUID `json:"provenance_message_id"`
	Seq       int64     `json:"seq"`
	AddedAt   time.Time `json:"added_at"`
}

type Medication struct {
	Name   string `json:"name"`
	Status string `json:"status"`
	Provenance
}

type Symptom struct {
	Description string `json:"description"`
	Severity    string `json:"severity"`
	Provenance
}

type Allergy struct {
	Allergen string `json:"allergen"`
	Reaction string `json:"reaction"`
	Provenance
}

type Condition struct {
	Name   string `json:"name"`
	Status string `json:"status"`
	Provenance
}

// Profile maps to the patient_profile table. The four collections are
// append-only; entries change status but are never removed.
type Profile struct {
	ID          uuid.UUID    `db:"id" json:"id"`
	PatientID   uuid.UUID    `db:"patient_id" json:"patient_id"`
	Medications []Medication `db:"medications" json:"medications"`
	Symptoms    []Symptom    `db:"symptoms" json:"symptoms"`
	Allergies   []Allergy    `db:"allergies" json:"allergies"`
	Conditions  []Condition  `db:"conditions" json:"conditions"`
	CreatedAt   time.Time    `db:"created_at" json:"created_at"`
	UpdatedAt   time.Time    `db:"updated_at" json:"updated_at"`

	// Persisted is false for a profile materialized in memory by Load.
	Persisted bool `json:"-"`

	index   map[Category]map[string][]int
	lastSeq int64
}

// New returns an empty, unpersisted profile for patientID.
func New(patientID uuid.UUID) *Profile {
	return &Profile{
		PatientID:   patientID,
		Medications: []Medication{},
		Symptoms:    []Symptom{},
		Allergies:   []Allergy{},
		Conditions:  []Condition{},
	}
}

func normalizeKey(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

// reindex rebuilds the name index and the sequence high-water mark. Called
// lazily before the first merge on a loaded profile.
func (p *Profile) reindex() {
	p.index = make(map[Category]map[string][]int, len(Categories))
	for _, c := range Categories {
		p.index[c] = make(map[string][]int)
	}
	p.lastSeq = 0
	for i, m := range p.Medications {
		p.track(CategoryMedications, m.Name, i, m.Seq)
	}
	for i, s := range p.Symptoms {
		p.track(CategorySymptoms, s.Description, i, s.Seq)
	}
	for i, a := range p.Allergies {
		p.track(CategoryAllergies, a.Allergen, i, a.Seq)
	}
	for i, c := range p.Conditions {
		p.track(CategoryConditions, c.Name, i, c.Seq)
	}
}

func (p *Profile) track(c Category, key string, pos int, seq int64) {
	k := normalizeKey(key)
	p.index[c][k] = append(p.index[c][k], pos)
	if seq > p.lastSeq {
		p.lastSeq = seq
	}
}

func (p *Profile) lookup(c Category, key string) []int {
	if p.index == nil {
		p.reindex()
	}
	return p.index[c][normalizeKey(key)]
}

func (p *Profile) nextSeq() int64 {
	if p.index == nil {
		p.reindex()
	}
	p.lastSeq++
	return p.lastSeq
}

func (p *Profile) IsEmpty() bool {
	return len(p.Medications) == 0 && len(p.Symptoms) == 0 &&
		len(p.Allergies) == 0 && len(p.Conditions) == 0
}

func (p *Profile) ActiveMedications() []Medication {
	var out []Medication
	for _, m := range p.Medications {
		if m.Status == MedicationActive && strings.TrimSpace(m.Name) != "" {
			out = append(out, m)
		}
	}
	return out
}

// Clone returns a deep copy without the index.
func (p *Profile) Clone() *Profile {
	if p == nil {
		return nil
	}
	cp := *p
	cp.Medications = append([]Medication{}, p.Medications...)
	cp.Symptoms = append([]Symptom{}, p.Symptoms...)
	cp.Allergies = append([]Allergy{}, p.Allergies...)
	cp.Conditions = append([]Condition{}, p.Conditions...)
	cp.index = nil
	cp.lastSeq = 0
	return &cp
}
