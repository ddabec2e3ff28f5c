package escalation

import (
	"context"
	"errors"

	"github.com/google/uuid"
)

var (
	ErrNotFound          = errors.New("escalation ticket not found")
	ErrInvalidTransition = errors.New("invalid escalation status transition")
)

type TicketRepository interface {
	// Create inserts t unless a ticket for t.MessageID exists, in which case
	// the existing ticket is returned with created=false.
	Create(ctx context.Context, t *Ticket) (ticket *Ticket, created bool, err error)
	GetByID(ctx context.Context, id uuid.UUID) (*Ticket, error)
	GetForUpdate(ctx context.Context, id uuid.UUID) (*Ticket, error)
	Update(ctx context.Context, t *Ticket) error
	List(ctx context.Context, f Filter, limit, offset int) ([]*Ticket, int, error)
}
