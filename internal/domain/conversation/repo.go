package conversation

import (
	"context"
	"errors"

	"github.com/google/uuid"
)

var ErrNotFound = errors.New("conversation not found")

type ConversationRepository interface {
	Create(ctx context.Context, c *Conversation) error
	GetByID(ctx context.Context, id uuid.UUID) (*Conversation, error)
	UpdateStatus(ctx context.Context, id uuid.UUID, status Status) error
	// LatestOpen returns the most recently updated ACTIVE or ESCALATED
	// conversation for the patient.
	LatestOpen(ctx context.Context, patientID uuid.UUID) (*Conversation, error)
	ListByPatient(ctx context.Context, patientID uuid.UUID, statuses []Status, limit, offset int) ([]*Conversation, int, error)
}

type MessageRepository interface {
	Create(ctx context.Context, m *Message) error
	GetByID(ctx context.Context, id uuid.UUID) (*Message, error)
	MarkProcessed(ctx context.Context, id uuid.UUID, riskLevel string) error
	ListByConversation(ctx context.Context, conversationID uuid.UUID) ([]*Message, error)
}
