package profile

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// Dropped describes a delta entry the merge could not apply. It carries no
// fact values so it is safe to log.
type Dropped struct {
	Category Category `json:"category"`
	Action   Action   `json:"action"`
	Reason   string   `json:"reason"`
}

const (
	ReasonMissingKey    = "missing name"
	ReasonNoMatch       = "no matching entry"
	ReasonMissingStatus = "missing status"
	ReasonUnsupported   = "unsupported action"
)

// MergeReport summarizes one merge. Skipped counts ADDs that would duplicate
// an entry already written by the same turn.
type MergeReport struct {
	Added   int       `json:"added"`
	Updated int       `json:"updated"`
	Skipped int       `json:"skipped"`
	Dropped []Dropped `json:"dropped,omitempty"`
}

func (r MergeReport) Changed() bool { return r.Added > 0 || r.Updated > 0 }

func (r *MergeReport) drop(c Category, a Action, reason string) {
	r.Dropped = append(r.Dropped, Dropped{Category: c, Action: a, Reason: reason})
}

// Merger applies fact deltas. NewID and Now supply entry ids and timestamps.
type Merger struct {
	NewID func() uuid.UUID
	Now   func() time.Time
}

var defaultMerger = Merger{
	NewID: uuid.New,
	Now:   func() time.Time { return time.Now().UTC() },
}

// Merge applies d to p in place using the default id and clock sources.
func Merge(p *Profile, d FactDelta, provenance uuid.UUID) MergeReport {
	return defaultMerger.Merge(p, d, provenance)
}

func (m Merger) Merge(p *Profile, d FactDelta, provenance uuid.UUID) MergeReport {
	var r MergeReport
	if p.index == nil {
		p.reindex()
	}
	for _, c := range d.Medications {
		m.mergeMedication(p, c, provenance, &r)
	}
	for _, c := range d.Symptoms {
		m.mergeSymptom(p, c, provenance, &r)
	}
	for _, c := range d.Allergies {
		m.mergeAllergy(p, c, provenance, &r)
	}
	for _, c := range d.Conditions {
		m.mergeCondition(p, c, provenance, &r)
	}
	if r.Changed() {
		p.UpdatedAt = m.Now()
	}
	return r
}

func (m Merger) stamp(p *Profile, provenance uuid.UUID) Provenance {
	return Provenance{
		EntryID:   m.NewID(),
		MessageID: provenance,
		Seq:       p.nextSeq(),
		AddedAt:   m.Now(),
	}
}

func (m Merger) mergeMedication(p *Profile, c MedicationChange, provenance uuid.UUID, r *MergeReport) {
	action := normalizeAction(c.Action)
	name := strings.TrimSpace(c.Name)
	if name == "" {
		r.drop(CategoryMedications, action, ReasonMissingKey)
		return
	}
	positions := p.lookup(CategoryMedications, name)

	switch action {
	case ActionAdd:
		status := strings.ToUpper(strings.TrimSpace(c.Status))
		if status != MedicationStopped {
			status = MedicationActive
		}
		if p.addedBy(CategoryMedications, name, provenance) {
			r.Skipped++
			return
		}
		p.Medications = append(p.Medications, Medication{Name: name, Status: status, Provenance: m.stamp(p, provenance)})
		p.track(CategoryMedications, name, len(p.Medications)-1, p.lastSeq)
		r.Added++

	case ActionStop:
		if len(positions) == 0 {
			r.drop(CategoryMedications, action, ReasonNoMatch)
			return
		}
		for _, i := range positions {
			med := &p.Medications[i]
			if med.Status == MedicationStopped && med.MessageID == provenance {
				continue
			}
			med.Status = MedicationStopped
			med.MessageID = provenance
			r.Updated++
		}

	default:
		r.drop(CategoryMedications, action, ReasonUnsupported)
	}
}

func (m Merger) mergeSymptom(p *Profile, c SymptomChange, provenance uuid.UUID, r *MergeReport) {
	action := normalizeAction(c.Action)
	if action != ActionAdd {
		r.drop(CategorySymptoms, action, ReasonUnsupported)
		return
	}
	desc := strings.TrimSpace(c.Description)
	if desc == "" {
		r.drop(CategorySymptoms, action, ReasonMissingKey)
		return
	}
	if p.addedBy(CategorySymptoms, desc, provenance) {
		r.Skipped++
		return
	}
	severity := strings.ToUpper(strings.TrimSpace(c.Severity))
	if severity == "" {
		severity = DefaultSeverity
	}
	p.Symptoms = append(p.Symptoms, Symptom{Description: desc, Severity: severity, Provenance: m.stamp(p, provenance)})
	p.track(CategorySymptoms, desc, len(p.Symptoms)-1, p.lastSeq)
	r.Added++
}

func (m Merger) mergeAllergy(p *Profile, c AllergyChange, provenance uuid.UUID, r *MergeReport) {
	action := normalizeAction(c.Action)
	if action != ActionAdd {
		r.drop(CategoryAllergies, action, ReasonUnsupported)
		return
	}
	allergen := strings.TrimSpace(c.Allergen)
	if allergen == "" {
		r.drop(CategoryAllergies, action, ReasonMissingKey)
		return
	}
	if p.addedBy(CategoryAllergies, allergen, provenance) {
		r.Skipped++
		return
	}
	reaction := strings.TrimSpace(c.Reaction)
	if reaction == "" {
		reaction = DefaultReaction
	}
	p.Allergies = append(p.Allergies, Allergy{Allergen: allergen, Reaction: reaction, Provenance: m.stamp(p, provenance)})
	p.track(CategoryAllergies, allergen, len(p.Allergies)-1, p.lastSeq)
	r.Added++
}

func (m Merger) mergeCondition(p *Profile, c ConditionChange, provenance uuid.UUID, r *MergeReport) {
	action := normalizeAction(c.Action)
	name := strings.TrimSpace(c.Name)
	if name == "" {
		r.drop(CategoryConditions, action, ReasonMissingKey)
		return
	}
	status := strings.TrimSpace(c.Status)

	switch action {
	case ActionAdd:
		if p.addedBy(CategoryConditions, name, provenance) {
			r.Skipped++
			return
		}
		if status == "" {
			status = DefaultConditionStatus
		}
		p.Conditions = append(p.Conditions, Condition{Name: name, Status: status, Provenance: m.stamp(p, provenance)})
		p.track(CategoryConditions, name, len(p.Conditions)-1, p.lastSeq)
		r.Added++

	case ActionUpdate:
		if status == "" {
			r.drop(CategoryConditions, action, ReasonMissingStatus)
			return
		}
		positions := p.lookup(CategoryConditions, name)
		if len(positions) == 0 {
			r.drop(CategoryConditions, action, ReasonNoMatch)
			return
		}
		for _, i := range positions {
			cond := &p.Conditions[i]
			if cond.Status == status && cond.MessageID == provenance {
				continue
			}
			cond.Status = status
			cond.MessageID = provenance
			r.Updated++
		}

	default:
		r.drop(CategoryConditions, action, ReasonUnsupported)
	}
}

// addedBy reports whether an entry with key was already created by the turn
// identified by provenance.
func (p *Profile) addedBy(c Category, key string, provenance uuid.UUID) bool {
	for _, i := range p.lookup(c, key) {
		var msgID uuid.UUID
		switch c {
		case CategorySymptoms:
			msgID = p.Symptoms[i].MessageID
		case CategoryAllergies:
			msgID = p.Allergies[i].MessageID
		case CategoryConditions:
			msgID = p.Conditions[i].MessageID
		case CategoryMedications:
			msgID = p.Medications[i].MessageID
		}
		if msgID == provenance {
			return true
		}
	}
	return false
}
