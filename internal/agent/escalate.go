package agent

import (
	"context"
	"fmt"
	"strings"

	"github.com/nightingale/nightingale/internal/domain/escalation"
	"github.com/nightingale/nightingale/internal/platform/db"
	"github.com/nightingale/nightingale/internal/platform/llm"
)

// EscalationNotice is the patient-facing text of an escalated turn. It must
// never carry clinical advice.
const EscalationNotice = "Your message has been escalated to a healthcare professional. " +
	"A clinician will respond shortly."

const defaultEscalationReason = "High risk detected"

const sbarPrompt = `Generate a clinical summary in SBAR format for this escalation.

Patient Message: "%s"
Risk Level: %s
Risk Reason: %s

Patient Profile:
%s

Generate SBAR format:
**Situation**: What is happening with the patient right now?
**Background**: Relevant medical history and context
**Assessment**: Your clinical assessment of the situation
**Recommendation**: What should the clinician do?

Keep it concise and professional.
`

// Escalator hands a turn to a clinician: it writes the SBAR summary, opens
// the ticket and marks the conversation escalated. The ticket and the status
// change commit together.
type Escalator struct {
	llm           llm.Completer
	profiles      ProfileStore
	tickets       TicketOpener
	conversations ConversationEscalator
	uow           db.UnitOfWork
}

func NewEscalator(c llm.Completer, profiles ProfileStore, tickets TicketOpener, conversations ConversationEscalator, uow db.UnitOfWork) *Escalator {
	return &Escalator{llm: c, profiles: profiles, tickets: tickets, conversations: conversations, uow: uow}
}

// Escalate is a no-op unless the turn was gated to escalate. On success the
// state's outcome is Escalated.
func (e *Escalator) Escalate(ctx context.Context, st *State) error {
	if !st.ShouldEscalate() {
		return nil
	}
	if st.Profile == nil {
		p, err := e.profiles.Load(ctx, st.PatientID)
		if err != nil {
			return err
		}
		st.Profile = p
	}

	risk, _ := st.Risk()
	reason := strings.TrimSpace(risk.Reason)
	if reason == "" {
		reason = defaultEscalationReason
	}
	level := risk.RiskLevel
	if level == "" {
		level = RiskUnknown
	}

	req := escalation.OpenRequest{
		ConversationID: st.ConversationID,
		PatientID:      st.PatientID,
		MessageID:      st.MessageID,
		Reason:         reason,
		RiskLevel:      string(level),
		Summary:        e.Summarize(ctx, st.RedactedMessage(), level, reason, ProfileContext(st.Profile)),
	}

	var ticket *escalation.Ticket
	err := e.uow.Do(ctx, func(ctx context.Context) error {
		t, err := e.tickets.Open(ctx, req)
		if err != nil {
			return fmt.Errorf("open escalation: %w", err)
		}
		if err := e.conversations.MarkEscalated(ctx, st.ConversationID); err != nil {
			return fmt.Errorf("mark conversation escalated: %w", err)
		}
		ticket = t
		return nil
	})
	if err != nil {
		return err
	}

	st.Outcome = Escalated{TicketID: ticket.ID, Notice: EscalationNotice}
	return nil
}

// Summarize returns the SBAR narrative for the clinician, or a plain summary
// of the same fields when the model is unavailable.
func (e *Escalator) Summarize(ctx context.Context, text string, level RiskLevel, reason, background string) string {
	out, err := e.llm.Complete(ctx, fmt.Sprintf(sbarPrompt, text, level, reason, background))
	out = strings.TrimSpace(out)
	if err != nil || out == "" {
		return fallbackSummary(text, level, reason, background)
	}
	return out
}

func fallbackSummary(text string, level RiskLevel, reason, background string) string {
	return fmt.Sprintf("Patient reports: %s\nRisk Level: %s\nReason: %s\nBackground: %s",
		text, level, reason, background)
}
