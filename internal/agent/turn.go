package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/nightingale/nightingale/internal/domain/conversation"
	"github.com/nightingale/nightingale/internal/platform/db"
	"github.com/nightingale/nightingale/internal/platform/hipaa"
)

var (
	ErrEmptyMessage     = errors.New("message content is required")
	ErrAlreadyProcessed = errors.New("message already processed")
	ErrNotPatientText   = errors.New("only patient messages can be reprocessed")
)

// Conversations is the message store a turn reads and writes.
type Conversations interface {
	Get(ctx context.Context, id uuid.UUID) (*conversation.Conversation, error)
	AddMessage(ctx context.Context, m *conversation.Message) error
	GetMessage(ctx context.Context, id uuid.UUID) (*conversation.Message, error)
	MarkProcessed(ctx context.Context, messageID uuid.UUID, riskLevel string) error
}

// ConversationLocker runs fn while no other turn holds the same
// conversation.
type ConversationLocker interface {
	WithLock(ctx context.Context, conversationID uuid.UUID, fn func(ctx context.Context) error) error
}

type Auditor interface {
	Log(ctx context.Context, userID, action, resourceType string, resourceID uuid.UUID, content string) (*hipaa.AuditRecord, error)
}

// TurnResult is what the sender of a message gets back.
type TurnResult struct {
	PatientMessageID   uuid.UUID  `json:"patient_message_id" yaml:"patient_message_id"`
	Response           string     `json:"response" yaml:"response"`
	Escalated          bool       `json:"escalated" yaml:"escalated"`
	EscalationTicketID *uuid.UUID `json:"escalation_ticket_id" yaml:"escalation_ticket_id,omitempty"`
	RiskLevel          RiskLevel  `json:"risk_level" yaml:"risk_level"`
	Processed          bool       `json:"processed" yaml:"processed"`
}

// TurnService stores an incoming patient message, runs the workflow on it
// and records the outcome.
type TurnService struct {
	workflow      *Workflow
	conversations Conversations
	uow           db.UnitOfWork
	locker        ConversationLocker
	audit         Auditor
	redactor      *hipaa.Redactor
	logger        zerolog.Logger
}

func NewTurnService(w *Workflow, conversations Conversations, uow db.UnitOfWork, locker ConversationLocker, audit Auditor, logger zerolog.Logger) *TurnService {
	return &TurnService{
		workflow:      w,
		conversations: conversations,
		uow:           uow,
		locker:        locker,
		audit:         audit,
		redactor:      hipaa.NewRedactor(),
		logger:        logger.With().Str("component", "turn").Logger(),
	}
}

// Send handles one patient message. The message is committed (redacted)
// before the workflow starts, so it survives a failed run. A failed run is
// not an error here: the result carries ApologyMessage and Processed=false
// and the message can be retried with Reprocess. Turns on one conversation
// run one at a time.
func (s *TurnService) Send(ctx context.Context, conversationID uuid.UUID, senderID, content string) (*TurnResult, error) {
	if strings.TrimSpace(content) == "" {
		return nil, ErrEmptyMessage
	}
	conv, err := s.conversations.Get(ctx, conversationID)
	if err != nil {
		return nil, err
	}

	var res *TurnResult
	err = s.locker.WithLock(ctx, conv.ID, func(ctx context.Context) error {
		redacted, entities := s.redactor.Redact(content)
		msg := &conversation.Message{
			ID:             uuid.New(),
			ConversationID: conv.ID,
			Sender:         conversation.SenderPatient,
			SenderID:       &senderID,
			Content:        redacted,
			PHIDetected:    len(entities) > 0,
		}

		err := s.uow.Do(ctx, func(ctx context.Context) error {
			if err := s.conversations.AddMessage(ctx, msg); err != nil {
				return fmt.Errorf("store patient message: %w", err)
			}
			if _, err := s.audit.Log(ctx, senderID, hipaa.ActionMessageSent, "Message", msg.ID, content); err != nil {
				return err
			}
			return nil
		})
		if err != nil {
			return err
		}
		res = s.run(ctx, conv, msg.ID, senderID, content)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

// Reprocess runs the workflow again for a stored patient message that never
// completed. The stored text is already redacted, and redaction leaves it
// unchanged. The processed check happens under the conversation lock, so two
// retries of one message cannot both run.
func (s *TurnService) Reprocess(ctx context.Context, conversationID, messageID uuid.UUID, senderID string) (*TurnResult, error) {
	var res *TurnResult
	err := s.locker.WithLock(ctx, conversationID, func(ctx context.Context) error {
		msg, err := s.conversations.GetMessage(ctx, messageID)
		if err != nil {
			return err
		}
		if msg.ConversationID != conversationID {
			return conversation.ErrNotFound
		}
		if msg.Sender != conversation.SenderPatient {
			return ErrNotPatientText
		}
		if msg.Processed {
			return ErrAlreadyProcessed
		}
		conv, err := s.conversations.Get(ctx, msg.ConversationID)
		if err != nil {
			return err
		}
		res = s.run(ctx, conv, msg.ID, senderID, msg.Content)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

func (s *TurnService) run(ctx context.Context, conv *conversation.Conversation, messageID uuid.UUID, senderID, content string) *TurnResult {
	failed := &TurnResult{
		PatientMessageID: messageID,
		Response:         ApologyMessage,
		RiskLevel:        RiskUnknown,
	}

	final, err := s.workflow.Run(ctx, NewState(conv.ID, conv.PatientID, messageID, content))
	if err != nil {
		failed.RiskLevel = final.RiskLevel()
		return failed
	}

	if err := s.uow.Do(ctx, func(ctx context.Context) error {
		return s.record(ctx, conv, messageID, senderID, &final)
	}); err != nil {
		s.logger.Error().Err(err).Str("message_id", messageID.String()).Msg("recording turn outcome failed")
		return failed
	}

	res := &TurnResult{
		PatientMessageID: messageID,
		Response:         final.PatientText(),
		RiskLevel:        final.RiskLevel(),
		Processed:        true,
	}
	if id := final.TicketID(); id != uuid.Nil {
		res.Escalated = true
		res.EscalationTicketID = &id
	}
	return res
}

func (s *TurnService) record(ctx context.Context, conv *conversation.Conversation, messageID uuid.UUID, senderID string, final *State) error {
	if err := s.conversations.MarkProcessed(ctx, messageID, string(final.RiskLevel())); err != nil {
		return fmt.Errorf("mark message processed: %w", err)
	}
	if err := s.conversations.AddMessage(ctx, &conversation.Message{
		ConversationID: conv.ID,
		Sender:         conversation.SenderAI,
		Content:        final.PatientText(),
		Processed:      true,
	}); err != nil {
		return fmt.Errorf("store reply: %w", err)
	}

	if !final.ExtractedFacts.IsEmpty() && final.Profile != nil {
		delta, err := json.Marshal(final.ExtractedFacts)
		if err != nil {
			return fmt.Errorf("encode fact delta: %w", err)
		}
		if _, err := s.audit.Log(ctx, senderID, hipaa.ActionProfileUpdated, "PatientProfile", final.Profile.ID, string(delta)); err != nil {
			return err
		}
	}
	if id := final.TicketID(); id != uuid.Nil {
		if _, err := s.audit.Log(ctx, senderID, hipaa.ActionEscalationCreated, "EscalationTicket", id, string(final.RiskLevel())); err != nil {
			return err
		}
	}
	return nil
}
