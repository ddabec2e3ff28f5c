package agent

import (
	"context"
	"fmt"
	"strings"

	"github.com/nightingale/nightingale/internal/domain/profile"
	"github.com/nightingale/nightingale/internal/platform/llm"
)

const (
	// MediumRiskDisclaimer is appended to every MEDIUM-tier reply.
	MediumRiskDisclaimer = "Note: Given the nature of your symptoms, I recommend consulting with " +
		"a healthcare professional for a proper evaluation."

	// FallbackResponse replaces a reply the model could not produce.
	FallbackResponse = "I apologize, but I'm having trouble generating a response right now. " +
		"Please try again or consult with a healthcare professional if your concern is urgent."

	noHistory = "No prior medical history available."
)

const responsePrompt = `You are a helpful medical AI assistant. Provide a helpful, empathetic response to the patient.

Patient Message: "%s"

Patient Context:
%s

Risk Level: %s

Guidelines:
1. Be empathetic and supportive
2. Provide general health information and actionable advice
3. Never diagnose conditions
4. Recommend consulting a healthcare professional if symptoms are concerning
5. Keep the response concise (2-3 paragraphs)

Response:`

type Responder struct {
	llm llm.Completer
}

func NewResponder(c llm.Completer) *Responder {
	return &Responder{llm: c}
}

// Respond returns the patient-facing reply. It never returns "".
func (r *Responder) Respond(ctx context.Context, text string, p *profile.Profile, risk RiskAssessment) string {
	out, err := r.llm.Complete(ctx, fmt.Sprintf(responsePrompt, text, ProfileContext(p), risk.RiskLevel))
	out = strings.TrimSpace(out)
	if err != nil || out == "" {
		return FallbackResponse
	}
	if risk.RiskLevel == RiskMedium {
		out += "\n\n" + MediumRiskDisclaimer
	}
	return out
}

// ProfileContext summarizes active medications, conditions and allergies.
// Entries without a name are skipped.
func ProfileContext(p *profile.Profile) string {
	if p == nil {
		return noHistory
	}
	var lines []string

	var meds []string
	for _, m := range p.ActiveMedications() {
		meds = append(meds, m.Name)
	}
	if len(meds) > 0 {
		lines = append(lines, "Current medications: "+strings.Join(meds, ", "))
	}

	var conditions []string
	for _, c := range p.Conditions {
		if name := strings.TrimSpace(c.Name); name != "" {
			conditions = append(conditions, name)
		}
	}
	if len(conditions) > 0 {
		lines = append(lines, "Known conditions: "+strings.Join(conditions, ", "))
	}

	var allergies []string
	for _, a := range p.Allergies {
		if name := strings.TrimSpace(a.Allergen); name != "" {
			allergies = append(allergies, name)
		}
	}
	if len(allergies) > 0 {
		lines = append(lines, "Allergies: "+strings.Join(allergies, ", "))
	}

	if len(lines) == 0 {
		return noHistory
	}
	return strings.Join(lines, "\n")
}
