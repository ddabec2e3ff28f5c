package conversation

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

type Service struct {
	conversations ConversationRepository
	messages      MessageRepository
}

func NewService(conversations ConversationRepository, messages MessageRepository) *Service {
	return &Service{conversations: conversations, messages: messages}
}

func (s *Service) Create(ctx context.Context, patientID uuid.UUID) (*Conversation, error) {
	if patientID == uuid.Nil {
		return nil, fmt.Errorf("patient_id is required")
	}
	c := &Conversation{PatientID: patientID, Status: StatusActive}
	if err := s.conversations.Create(ctx, c); err != nil {
		return nil, fmt.Errorf("create conversation: %w", err)
	}
	return c, nil
}

func (s *Service) Get(ctx context.Context, id uuid.UUID) (*Conversation, error) {
	return s.conversations.GetByID(ctx, id)
}

func (s *Service) GetWithMessages(ctx context.Context, id uuid.UUID) (*WithMessages, error) {
	c, err := s.conversations.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	msgs, err := s.messages.ListByConversation(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	if msgs == nil {
		msgs = []*Message{}
	}
	return &WithMessages{Conversation: c, Messages: msgs}, nil
}

// Latest returns the patient's open conversation, or ErrNotFound.
func (s *Service) Latest(ctx context.Context, patientID uuid.UUID) (*Conversation, error) {
	return s.conversations.LatestOpen(ctx, patientID)
}

func (s *Service) ListByPatient(ctx context.Context, patientID uuid.UUID, statuses []Status, limit, offset int) ([]*Conversation, int, error) {
	for _, st := range statuses {
		if !validStatuses[st] {
			return nil, 0, fmt.Errorf("invalid status: %s", st)
		}
	}
	return s.conversations.ListByPatient(ctx, patientID, statuses, limit, offset)
}

var validStatuses = map[Status]bool{
	StatusActive: true, StatusEscalated: true, StatusClosed: true,
}

// MarkEscalated moves an ACTIVE conversation to ESCALATED. Escalated and
// closed conversations are left as they are.
func (s *Service) MarkEscalated(ctx context.Context, id uuid.UUID) error {
	c, err := s.conversations.GetByID(ctx, id)
	if err != nil {
		return err
	}
	if c.Status != StatusActive {
		return nil
	}
	return s.conversations.UpdateStatus(ctx, id, StatusEscalated)
}

func (s *Service) Close(ctx context.Context, id uuid.UUID) (*Conversation, error) {
	c, err := s.conversations.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if c.Status == StatusClosed {
		return c, nil
	}
	if err := s.conversations.UpdateStatus(ctx, id, StatusClosed); err != nil {
		return nil, err
	}
	c.Status = StatusClosed
	return c, nil
}

var validSenders = map[Sender]bool{
	SenderPatient: true, SenderAI: true, SenderClinician: true,
}

func (s *Service) AddMessage(ctx context.Context, m *Message) error {
	if m.ConversationID == uuid.Nil {
		return fmt.Errorf("conversation_id is required")
	}
	if !validSenders[m.Sender] {
		return fmt.Errorf("invalid sender: %s", m.Sender)
	}
	if strings.TrimSpace(m.Content) == "" {
		return fmt.Errorf("content is required")
	}
	return s.messages.Create(ctx, m)
}

func (s *Service) GetMessage(ctx context.Context, id uuid.UUID) (*Message, error) {
	return s.messages.GetByID(ctx, id)
}

// MarkProcessed records the turn's risk tier on the patient message.
func (s *Service) MarkProcessed(ctx context.Context, messageID uuid.UUID, riskLevel string) error {
	return s.messages.MarkProcessed(ctx, messageID, riskLevel)
}

// PostClinicianReply appends a clinician message to the conversation.
func (s *Service) PostClinicianReply(ctx context.Context, conversationID uuid.UUID, clinicianID, content string) error {
	if _, err := s.conversations.GetByID(ctx, conversationID); err != nil {
		if errors.Is(err, ErrNotFound) {
			return fmt.Errorf("post reply: %w", err)
		}
		return err
	}
	return s.AddMessage(ctx, &Message{
		ConversationID: conversationID,
		Sender:         SenderClinician,
		SenderID:       &clinicianID,
		Content:        content,
		Processed:      true,
	})
}
