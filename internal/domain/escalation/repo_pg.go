package escalation

import (
	"context"
	"errors"

	sq "github.com/Masterminds/squirrel"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/nightingale/nightingale/internal/platform/db"
)

var psql = sq.StatementBuilder.PlaceholderFormat(sq.Dollar)

type ticketRepoPG struct{ pool *pgxpool.Pool }

func NewTicketRepoPG(pool *pgxpool.Pool) TicketRepository {
	return &ticketRepoPG{pool: pool}
}

func (r *ticketRepoPG) conn(ctx context.Context) db.Querier {
	return db.Conn(ctx, r.pool)
}

const ticketCols = `id, conversation_id, patient_id, message_id, reason, risk_level, summary,
	status, assigned_clinician_id, clinician_response, created_at, updated_at, resolved_at`

var ticketColList = []string{
	"id", "conversation_id", "patient_id", "message_id", "reason", "risk_level", "summary",
	"status", "assigned_clinician_id", "clinician_response", "created_at", "updated_at", "resolved_at",
}

func (r *ticketRepoPG) scanTicket(row pgx.Row) (*Ticket, error) {
	var t Ticket
	err := row.Scan(&t.ID, &t.ConversationID, &t.PatientID, &t.MessageID, &t.Reason, &t.RiskLevel, &t.Summary,
		&t.Status, &t.AssignedClinicianID, &t.ClinicianResponse, &t.CreatedAt, &t.UpdatedAt, &t.ResolvedAt)
	if db.IsNoRows(err) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func (r *ticketRepoPG) Create(ctx context.Context, t *Ticket) (*Ticket, bool, error) {
	t.ID = uuid.New()
	created, err := r.scanTicket(r.conn(ctx).QueryRow(ctx, `
		INSERT INTO escalation_ticket (id, conversation_id, patient_id, message_id, reason,
			risk_level, summary, status)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
		ON CONFLICT (message_id) DO NOTHING
		RETURNING `+ticketCols,
		t.ID, t.ConversationID, t.PatientID, t.MessageID, t.Reason,
		t.RiskLevel, t.Summary, t.Status))
	if err == nil {
		return created, true, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, false, err
	}
	existing, err := r.scanTicket(r.conn(ctx).QueryRow(ctx,
		`SELECT `+ticketCols+` FROM escalation_ticket WHERE message_id = $1`, t.MessageID))
	if err != nil {
		return nil, false, err
	}
	return existing, false, nil
}

func (r *ticketRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*Ticket, error) {
	return r.scanTicket(r.conn(ctx).QueryRow(ctx, `SELECT `+ticketCols+` FROM escalation_ticket WHERE id = $1`, id))
}

func (r *ticketRepoPG) GetForUpdate(ctx context.Context, id uuid.UUID) (*Ticket, error) {
	return r.scanTicket(r.conn(ctx).QueryRow(ctx, `SELECT `+ticketCols+` FROM escalation_ticket WHERE id = $1 FOR UPDATE`, id))
}

func (r *ticketRepoPG) Update(ctx context.Context, t *Ticket) error {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE escalation_ticket SET status=$2, assigned_clinician_id=$3, clinician_response=$4,
			resolved_at=$5, updated_at=NOW()
		WHERE id = $1`,
		t.ID, t.Status, t.AssignedClinicianID, t.ClinicianResponse, t.ResolvedAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *ticketRepoPG) List(ctx context.Context, f Filter, limit, offset int) ([]*Ticket, int, error) {
	where := filterClause(f)

	countSQL, countArgs, err := psql.Select("COUNT(*)").From("escalation_ticket").Where(where).ToSql()
	if err != nil {
		return nil, 0, err
	}
	var total int
	if err := r.conn(ctx).QueryRow(ctx, countSQL, countArgs...).Scan(&total); err != nil {
		return nil, 0, err
	}

	listSQL, listArgs, err := psql.Select(ticketColList...).
		From("escalation_ticket").
		Where(where).
		OrderBy("CASE risk_level WHEN 'HIGH' THEN 0 WHEN 'MEDIUM' THEN 1 ELSE 2 END", "created_at ASC").
		Limit(uint64(limit)).
		Offset(uint64(offset)).
		ToSql()
	if err != nil {
		return nil, 0, err
	}
	rows, err := r.conn(ctx).Query(ctx, listSQL, listArgs...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	var items []*Ticket
	for rows.Next() {
		t, err := r.scanTicket(rows)
		if err != nil {
			return nil, 0, err
		}
		items = append(items, t)
	}
	return items, total, rows.Err()
}

// filterClause builds the WHERE clause for List. UUIDs are passed as strings
// because squirrel expands array-typed values into IN lists.
func filterClause(f Filter) sq.And {
	where := sq.And{}
	if len(f.Statuses) > 0 {
		statuses := make([]string, 0, len(f.Statuses))
		for _, s := range f.Statuses {
			statuses = append(statuses, string(s))
		}
		where = append(where, sq.Eq{"status": statuses})
	}
	if f.PatientID != nil {
		where = append(where, sq.Eq{"patient_id": f.PatientID.String()})
	}
	if f.RiskLevel != "" {
		where = append(where, sq.Eq{"risk_level": f.RiskLevel})
	}
	return where
}
