package escalation

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/nightingale/nightingale/internal/platform/db"
	"github.com/nightingale/nightingale/internal/platform/hipaa"
)

// ReplyPoster delivers a clinician's answer into the patient's conversation.
type ReplyPoster interface {
	PostClinicianReply(ctx context.Context, conversationID uuid.UUID, clinicianID, content string) error
}

type Auditor interface {
	Log(ctx context.Context, userID, action, resourceType string, resourceID uuid.UUID, content string) (*hipaa.AuditRecord, error)
}

type Service struct {
	tickets TicketRepository
	uow     db.UnitOfWork
	replies ReplyPoster
	audit   Auditor
	logger  zerolog.Logger
	now     func() time.Time
}

func NewService(tickets TicketRepository, uow db.UnitOfWork, replies ReplyPoster, audit Auditor, logger zerolog.Logger) *Service {
	return &Service{
		tickets: tickets,
		uow:     uow,
		replies: replies,
		audit:   audit,
		logger:  logger.With().Str("component", "escalation").Logger(),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

var validRiskLevels = map[string]bool{
	"LOW": true, "MEDIUM": true, "HIGH": true, "UNKNOWN": true,
}

// Open creates a PENDING ticket for the escalated message. Opening twice for
// the same message returns the first ticket.
func (s *Service) Open(ctx context.Context, req OpenRequest) (*Ticket, error) {
	if req.ConversationID == uuid.Nil {
		return nil, fmt.Errorf("conversation_id is required")
	}
	if req.PatientID == uuid.Nil {
		return nil, fmt.Errorf("patient_id is required")
	}
	if req.MessageID == uuid.Nil {
		return nil, fmt.Errorf("message_id is required")
	}
	if !validRiskLevels[req.RiskLevel] {
		return nil, fmt.Errorf("invalid risk_level: %s", req.RiskLevel)
	}
	if strings.TrimSpace(req.Summary) == "" {
		return nil, fmt.Errorf("summary is required")
	}

	t, created, err := s.tickets.Create(ctx, &Ticket{
		ConversationID: req.ConversationID,
		PatientID:      req.PatientID,
		MessageID:      req.MessageID,
		Reason:         req.Reason,
		RiskLevel:      req.RiskLevel,
		Summary:        req.Summary,
		Status:         StatusPending,
	})
	if err != nil {
		return nil, fmt.Errorf("create escalation ticket: %w", err)
	}
	s.logger.Info().
		Str("ticket_id", t.ID.String()).
		Str("conversation_id", t.ConversationID.String()).
		Str("risk_level", t.RiskLevel).
		Bool("created", created).
		Msg("escalation opened")
	return t, nil
}

func (s *Service) Get(ctx context.Context, id uuid.UUID) (*Ticket, error) {
	return s.tickets.GetByID(ctx, id)
}

// List returns the clinician queue, highest risk first. With no status filter
// only open tickets (PENDING, IN_PROGRESS) are returned.
func (s *Service) List(ctx context.Context, f Filter, limit, offset int) ([]*Ticket, int, error) {
	for _, st := range f.Statuses {
		if !st.Valid() {
			return nil, 0, fmt.Errorf("invalid status: %s", st)
		}
	}
	if len(f.Statuses) == 0 {
		f.Statuses = []Status{StatusPending, StatusInProgress}
	}
	return s.tickets.List(ctx, f, limit, offset)
}

// Respond assigns the ticket to clinicianID, records the answer, moves a
// PENDING ticket to IN_PROGRESS and posts the answer to the conversation.
func (s *Service) Respond(ctx context.Context, id uuid.UUID, clinicianID, response string) (*Ticket, error) {
	if clinicianID == "" {
		return nil, fmt.Errorf("clinician id is required")
	}
	if strings.TrimSpace(response) == "" {
		return nil, fmt.Errorf("response is required")
	}

	var out *Ticket
	err := s.uow.Do(ctx, func(ctx context.Context) error {
		t, err := s.tickets.GetForUpdate(ctx, id)
		if err != nil {
			return err
		}
		if t.Status == StatusResolved {
			return fmt.Errorf("%w: ticket is resolved", ErrInvalidTransition)
		}
		t.AssignedClinicianID = &clinicianID
		t.ClinicianResponse = &response
		if t.Status == StatusPending {
			t.Status = StatusInProgress
		}
		if err := s.tickets.Update(ctx, t); err != nil {
			return fmt.Errorf("update ticket: %w", err)
		}
		if err := s.replies.PostClinicianReply(ctx, t.ConversationID, clinicianID, response); err != nil {
			return fmt.Errorf("post clinician reply: %w", err)
		}
		if _, err := s.audit.Log(ctx, clinicianID, hipaa.ActionClinicianResponded, "EscalationTicket", t.ID, response); err != nil {
			return err
		}
		out = t
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// SetStatus moves the ticket forward in its lifecycle. RESOLVED stamps
// resolved_at; backwards moves return ErrInvalidTransition.
func (s *Service) SetStatus(ctx context.Context, id uuid.UUID, clinicianID string, status Status) (*Ticket, error) {
	if !status.Valid() {
		return nil, fmt.Errorf("invalid status: %s", status)
	}

	var out *Ticket
	err := s.uow.Do(ctx, func(ctx context.Context) error {
		t, err := s.tickets.GetForUpdate(ctx, id)
		if err != nil {
			return err
		}
		if !t.Status.CanTransitionTo(status) {
			return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, t.Status, status)
		}
		if t.Status == status {
			out = t
			return nil
		}
		t.Status = status
		if status == StatusResolved {
			now := s.now()
			t.ResolvedAt = &now
		}
		if err := s.tickets.Update(ctx, t); err != nil {
			return fmt.Errorf("update ticket: %w", err)
		}
		if _, err := s.audit.Log(ctx, clinicianID, hipaa.ActionEscalationStatusSet, "EscalationTicket", t.ID, string(status)); err != nil {
			return err
		}
		out = t
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}
