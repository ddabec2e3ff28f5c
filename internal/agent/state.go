package agent

import (
	"errors"
	"strings"

	"github.com/google/uuid"

	"github.com/nightingale/nightingale/internal/domain/profile"
)

type RiskLevel string

const (
	RiskLow     RiskLevel = "LOW"
	RiskMedium  RiskLevel = "MEDIUM"
	RiskHigh    RiskLevel = "HIGH"
	RiskUnknown RiskLevel = "UNKNOWN"
)

// ParseRiskLevel normalizes s. Anything unrecognized is RiskUnknown.
func ParseRiskLevel(s string) RiskLevel {
	switch l := RiskLevel(strings.ToUpper(strings.TrimSpace(s))); l {
	case RiskLow, RiskMedium, RiskHigh:
		return l
	default:
		return RiskUnknown
	}
}

type Confidence string

const (
	ConfidenceLow    Confidence = "LOW"
	ConfidenceMedium Confidence = "MEDIUM"
	ConfidenceHigh   Confidence = "HIGH"
)

type RiskAssessment struct {
	RiskLevel          RiskLevel  `json:"risk_level" yaml:"risk_level"`
	Reason             string     `json:"reason" yaml:"reason"`
	Confidence         Confidence `json:"confidence" yaml:"confidence"`
	RequiresEscalation bool       `json:"requires_escalation" yaml:"requires_escalation"`
}

// Outcome is the terminal result of a turn: either Responded or Escalated.
type Outcome interface {
	outcome()
}

// Responded carries the patient-facing reply of a non-escalated turn.
type Responded struct {
	Text string
}

// Escalated carries the ticket opened for the turn and the canned notice
// shown to the patient.
type Escalated struct {
	TicketID uuid.UUID
	Notice   string
}

func (Responded) outcome() {}
func (Escalated) outcome() {}

var (
	ErrRiskAlreadySet  = errors.New("risk assessment already set for this turn")
	ErrAlreadyRedacted = errors.New("message already redacted for this turn")
)

// State is threaded through every stage of one turn and is owned by a
// single Workflow.Run call.
type State struct {
	ConversationID uuid.UUID
	PatientID      uuid.UUID
	MessageID      uuid.UUID
	RawMessage     string

	PHIDetected    bool
	Profile        *profile.Profile
	ExtractedFacts profile.FactDelta
	Outcome        Outcome
	Stage          Stage

	redacted       *string
	risk           *RiskAssessment
	shouldEscalate bool
}

// NewState returns the initial state for one incoming patient message.
func NewState(conversationID, patientID, messageID uuid.UUID, raw string) State {
	return State{
		ConversationID: conversationID,
		PatientID:      patientID,
		MessageID:      messageID,
		RawMessage:     raw,
		Stage:          StageRedact,
	}
}

func (s *State) setRedacted(text string) error {
	if s.redacted != nil {
		return ErrAlreadyRedacted
	}
	s.redacted = &text
	return nil
}

// RedactedMessage returns the redacted text, or "" before the redact stage.
func (s *State) RedactedMessage() string {
	if s.redacted == nil {
		return ""
	}
	return *s.redacted
}

// setRisk records the assessment and the escalation decision derived from
// it. Both are fixed for the rest of the turn.
func (s *State) setRisk(a RiskAssessment) error {
	if s.risk != nil {
		return ErrRiskAlreadySet
	}
	s.risk = &a
	s.shouldEscalate = a.RequiresEscalation
	return nil
}

func (s *State) Risk() (RiskAssessment, bool) {
	if s.risk == nil {
		return RiskAssessment{}, false
	}
	return *s.risk, true
}

// RiskLevel returns the assessed tier, or RiskUnknown before the risk gate.
func (s *State) RiskLevel() RiskLevel {
	if s.risk == nil {
		return RiskUnknown
	}
	return s.risk.RiskLevel
}

func (s *State) ShouldEscalate() bool { return s.shouldEscalate }

// Response is the reply text of a Responded outcome, or "".
func (s *State) Response() string {
	if r, ok := s.Outcome.(Responded); ok {
		return r.Text
	}
	return ""
}

// TicketID is the ticket of an Escalated outcome, or uuid.Nil.
func (s *State) TicketID() uuid.UUID {
	if e, ok := s.Outcome.(Escalated); ok {
		return e.TicketID
	}
	return uuid.Nil
}

// PatientText is what the patient sees at the end of the turn.
func (s *State) PatientText() string {
	switch o := s.Outcome.(type) {
	case Responded:
		return o.Text
	case Escalated:
		return o.Notice
	}
	return ""
}
