package agent

import (
	"context"
	"fmt"
	"strings"

	"github.com/nightingale/nightingale/internal/platform/llm"
)

var highRiskKeywords = []string{
	"chest pain", "crushing pain", "heart attack", "stroke",
	"suicide", "kill myself", "end my life", "suicidal",
	"severe bleeding", "heavy bleeding", "can't breathe", "difficulty breathing",
	"unconscious", "passed out", "seizure", "convulsion",
	"severe headache", "worst headache", "sudden weakness",
	"severe abdominal pain", "vomiting blood", "blood in stool",
}

var mediumRiskKeywords = []string{
	"high fever", "persistent fever", "severe pain",
	"can't sleep", "extreme fatigue", "dizziness",
	"confusion", "disoriented", "severe nausea",
}

// KeywordScan returns HIGH or MEDIUM when text contains a phrase from that
// tier's lexicon, checking HIGH first, and "" when nothing matches.
func KeywordScan(text string) RiskLevel {
	lower := strings.ToLower(text)
	for _, k := range highRiskKeywords {
		if strings.Contains(lower, k) {
			return RiskHigh
		}
	}
	for _, k := range mediumRiskKeywords {
		if strings.Contains(lower, k) {
			return RiskMedium
		}
	}
	return ""
}

const riskPrompt = `You are a medical triage AI. Analyze this patient message and determine the risk level.

Patient Message: "%s"

Classify the risk level as:
- HIGH: Life-threatening emergency (chest pain, suicide ideation, severe bleeding, stroke symptoms, etc.)
- MEDIUM: Urgent but not immediately life-threatening (high fever, severe pain, persistent symptoms)
- LOW: General health questions, mild symptoms, medication questions

Respond in JSON format:
{
    "risk_level": "HIGH|MEDIUM|LOW",
    "reason": "Brief explanation of why this risk level",
    "confidence": "HIGH|MEDIUM|LOW",
    "requires_escalation": true/false
}

HIGH and MEDIUM risk ALWAYS require escalation (requires_escalation: true).
`

// Classifier combines the keyword lexicons with a model judgment. A HIGH
// keyword hit is a floor the model cannot lower.
type Classifier struct {
	llm llm.Completer
}

func NewClassifier(c llm.Completer) *Classifier {
	return &Classifier{llm: c}
}

type riskJudgment struct {
	RiskLevel          string `json:"risk_level"`
	Reason             string `json:"reason"`
	Confidence         string `json:"confidence"`
	RequiresEscalation bool   `json:"requires_escalation"`
}

// Assess always returns a classification. Model failures fall back to the
// keyword tiers.
func (c *Classifier) Assess(ctx context.Context, text string) RiskAssessment {
	keyword := KeywordScan(text)

	a, err := c.modelAssessment(ctx, text)
	if err != nil {
		return keywordFallback(keyword)
	}
	if keyword == RiskHigh {
		a.RiskLevel = RiskHigh
		a.RequiresEscalation = true
	}
	return a
}

func (c *Classifier) modelAssessment(ctx context.Context, text string) (RiskAssessment, error) {
	out, err := c.llm.Complete(ctx, fmt.Sprintf(riskPrompt, text))
	if err != nil {
		return RiskAssessment{}, err
	}
	var j riskJudgment
	if err := llm.DecodeJSON(out, &j); err != nil {
		return RiskAssessment{}, err
	}

	level := ParseRiskLevel(j.RiskLevel)
	if level == RiskUnknown {
		return RiskAssessment{}, fmt.Errorf("unrecognized risk_level %q", j.RiskLevel)
	}
	a := RiskAssessment{
		RiskLevel:          level,
		Reason:             strings.TrimSpace(j.Reason),
		Confidence:         parseConfidence(j.Confidence),
		RequiresEscalation: j.RequiresEscalation,
	}
	if level == RiskHigh || level == RiskMedium {
		a.RequiresEscalation = true
	}
	if a.Reason == "" {
		a.Reason = "Model assessment"
	}
	return a, nil
}

func parseConfidence(s string) Confidence {
	switch c := Confidence(strings.ToUpper(strings.TrimSpace(s))); c {
	case ConfidenceLow, ConfidenceMedium, ConfidenceHigh:
		return c
	default:
		return ConfidenceLow
	}
}

func keywordFallback(keyword RiskLevel) RiskAssessment {
	if keyword == "" {
		return RiskAssessment{
			RiskLevel:  RiskLow,
			Reason:     "No concerning keywords detected",
			Confidence: ConfidenceLow,
		}
	}
	return RiskAssessment{
		RiskLevel:          keyword,
		Reason:             "Keyword-based detection",
		Confidence:         ConfidenceMedium,
		RequiresEscalation: true,
	}
}
