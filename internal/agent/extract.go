package agent

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/nightingale/nightingale/internal/domain/profile"
	"github.com/nightingale/nightingale/internal/platform/llm"
)

const extractPrompt = `Extract structured medical facts from this patient message.

Patient Message: "%s"

Current Profile:
- Medications: %s
- Symptoms: %s
- Allergies: %s
- Conditions: %s

Extract only NEW or UPDATED information about:
1. Medications (name, status: ACTIVE/STOPPED)
2. Symptoms (description, severity)
3. Allergies (allergen, reaction)
4. Conditions (name, status)

Do not repeat facts that are already in the current profile unchanged.

Respond in JSON format:
{
    "medications": [{"name": "...", "action": "ADD|STOP", "status": "ACTIVE|STOPPED"}],
    "symptoms": [{"description": "...", "severity": "MILD|MODERATE|SEVERE", "action": "ADD"}],
    "allergies": [{"allergen": "...", "reaction": "...", "action": "ADD"}],
    "conditions": [{"name": "...", "status": "...", "action": "ADD|UPDATE"}]
}

If no new facts, return empty arrays.
`

// Extractor turns a redacted message into a FactDelta against the current
// profile.
type Extractor struct {
	llm    llm.Completer
	logger zerolog.Logger
}

func NewExtractor(c llm.Completer, logger zerolog.Logger) *Extractor {
	return &Extractor{llm: c, logger: logger}
}

// Extract never fails: a model error or a malformed answer yields an empty
// delta.
func (e *Extractor) Extract(ctx context.Context, text string, p *profile.Profile) profile.FactDelta {
	out, err := e.llm.Complete(ctx, e.prompt(text, p))
	if err != nil {
		return profile.FactDelta{}
	}
	raw, err := llm.ExtractJSON(out)
	if err != nil {
		e.logger.Warn().Err(err).Msg("fact extraction returned no JSON")
		return profile.FactDelta{}
	}
	delta, skipped, err := profile.DecodeFactDelta([]byte(raw))
	if err != nil {
		e.logger.Warn().Err(err).Msg("fact extraction returned malformed delta")
		return profile.FactDelta{}
	}
	if skipped > 0 {
		e.logger.Warn().Int("skipped", skipped).Msg("fact extraction entries skipped")
	}
	return delta
}

type factView struct {
	Name   string `json:"name,omitempty"`
	Status string `json:"status,omitempty"`
	Detail string `json:"detail,omitempty"`
}

func (e *Extractor) prompt(text string, p *profile.Profile) string {
	if p == nil {
		p = &profile.Profile{}
	}
	meds := make([]factView, 0, len(p.Medications))
	for _, m := range p.Medications {
		meds = append(meds, factView{Name: m.Name, Status: m.Status})
	}
	symptoms := make([]factView, 0, len(p.Symptoms))
	for _, s := range p.Symptoms {
		symptoms = append(symptoms, factView{Name: s.Description, Detail: s.Severity})
	}
	allergies := make([]factView, 0, len(p.Allergies))
	for _, a := range p.Allergies {
		allergies = append(allergies, factView{Name: a.Allergen, Detail: a.Reaction})
	}
	conditions := make([]factView, 0, len(p.Conditions))
	for _, c := range p.Conditions {
		conditions = append(conditions, factView{Name: c.Name, Status: c.Status})
	}
	return fmt.Sprintf(extractPrompt, text,
		jsonList(meds), jsonList(symptoms), jsonList(allergies), jsonList(conditions))
}

func jsonList(v []factView) string {
	b, err := json.Marshal(v)
	if err != nil {
		return "[]"
	}
	return string(b)
}
