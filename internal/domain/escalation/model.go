package escalation

import (
	"time"

	"github.com/google/uuid"
)

type Status string

const (
	StatusPending    Status = "PENDING"
	StatusInProgress Status = "IN_PROGRESS"
	StatusResolved   Status = "RESOLVED"
)

var statusRank = map[Status]int{
	StatusPending:    0,
	StatusInProgress: 1,
	StatusResolved:   2,
}

func (s Status) Valid() bool {
	_, ok := statusRank[s]
	return ok
}

// CanTransitionTo reports whether moving from s to next keeps the ticket
// lifecycle monotonic. Re-asserting the current status is allowed.
func (s Status) CanTransitionTo(next Status) bool {
	from, ok1 := statusRank[s]
	to, ok2 := statusRank[next]
	return ok1 && ok2 && to >= from
}

// Ticket maps to the escalation_ticket table. One ticket exists per
// escalated patient message.
type Ticket struct {
	ID                  uuid.UUID  `db:"id" json:"id"`
	ConversationID      uuid.UUID  `db:"conversation_id" json:"conversation_id"`
	PatientID           uuid.UUID  `db:"patient_id" json:"patient_id"`
	MessageID           uuid.UUID  `db:"message_id" json:"message_id"`
	Reason              string     `db:"reason" json:"reason"`
	RiskLevel           string     `db:"risk_level" json:"risk_level"`
	Summary             string     `db:"summary" json:"summary"`
	Status              Status     `db:"status" json:"status"`
	AssignedClinicianID *string    `db:"assigned_clinician_id" json:"assigned_clinician_id,omitempty"`
	ClinicianResponse   *string    `db:"clinician_response" json:"clinician_response,omitempty"`
	CreatedAt           time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt           time.Time  `db:"updated_at" json:"updated_at"`
	ResolvedAt          *time.Time `db:"resolved_at" json:"resolved_at,omitempty"`
}

// OpenRequest carries what the escalation stage knows about the turn.
type OpenRequest struct {
	ConversationID uuid.UUID
	PatientID      uuid.UUID
	MessageID      uuid.UUID
	Reason         string
	RiskLevel      string
	Summary        string
}

// Filter narrows the clinician queue. An empty Statuses means the open queue.
type Filter struct {
	Statuses  []Status
	PatientID *uuid.UUID
	RiskLevel string
}
