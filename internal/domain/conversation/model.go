package conversation

import (
	"time"

	"github.com/google/uuid"
)

type Status string

const (
	StatusActive    Status = "ACTIVE"
	StatusEscalated Status = "ESCALATED"
	StatusClosed    Status = "CLOSED"
)

type Sender string

const (
	SenderPatient   Sender = "PATIENT"
	SenderAI        Sender = "AI"
	SenderClinician Sender = "CLINICIAN"
)

// Conversation maps to the conversation table.
type Conversation struct {
	ID        uuid.UUID `db:"id" json:"id"`
	PatientID uuid.UUID `db:"patient_id" json:"patient_id"`
	Status    Status    `db:"status" json:"status"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
	UpdatedAt time.Time `db:"updated_at" json:"updated_at"`
}

// Message maps to the message table. Patient content is stored redacted.
type Message struct {
	ID             uuid.UUID `db:"id" json:"id"`
	ConversationID uuid.UUID `db:"conversation_id" json:"conversation_id"`
	Sender         Sender    `db:"sender" json:"sender"`
	SenderID       *string   `db:"sender_id" json:"sender_id,omitempty"`
	Content        string    `db:"content" json:"content"`
	PHIDetected    bool      `db:"phi_detected" json:"phi_detected"`
	RiskLevel      *string   `db:"risk_level" json:"risk_level,omitempty"`
	Processed      bool      `db:"processed" json:"processed"`
	CreatedAt      time.Time `db:"created_at" json:"created_at"`
}

type WithMessages struct {
	*Conversation
	Messages []*Message `json:"messages"`
}
