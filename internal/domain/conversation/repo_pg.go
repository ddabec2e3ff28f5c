package conversation

import (
	"context"

	sq "github.com/Masterminds/squirrel"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/nightingale/nightingale/internal/platform/db"
)

var psql = sq.StatementBuilder.PlaceholderFormat(sq.Dollar)

// =========== Conversation Repository ===========

type conversationRepoPG struct{ pool *pgxpool.Pool }

func NewConversationRepoPG(pool *pgxpool.Pool) ConversationRepository {
	return &conversationRepoPG{pool: pool}
}

func (r *conversationRepoPG) conn(ctx context.Context) db.Querier {
	return db.Conn(ctx, r.pool)
}

const convCols = `id, patient_id, status, created_at, updated_at`

func (r *conversationRepoPG) scanConversation(row pgx.Row) (*Conversation, error) {
	var c Conversation
	err := row.Scan(&c.ID, &c.PatientID, &c.Status, &c.CreatedAt, &c.UpdatedAt)
	if db.IsNoRows(err) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func (r *conversationRepoPG) Create(ctx context.Context, c *Conversation) error {
	c.ID = uuid.New()
	return r.conn(ctx).QueryRow(ctx, `
		INSERT INTO conversation (id, patient_id, status)
		VALUES ($1, $2, $3)
		RETURNING created_at, updated_at`,
		c.ID, c.PatientID, c.Status).Scan(&c.CreatedAt, &c.UpdatedAt)
}

func (r *conversationRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*Conversation, error) {
	return r.scanConversation(r.conn(ctx).QueryRow(ctx, `SELECT `+convCols+` FROM conversation WHERE id = $1`, id))
}

func (r *conversationRepoPG) UpdateStatus(ctx context.Context, id uuid.UUID, status Status) error {
	tag, err := r.conn(ctx).Exec(ctx, `UPDATE conversation SET status = $2, updated_at = NOW() WHERE id = $1`, id, status)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *conversationRepoPG) LatestOpen(ctx context.Context, patientID uuid.UUID) (*Conversation, error) {
	return r.scanConversation(r.conn(ctx).QueryRow(ctx, `
		SELECT `+convCols+` FROM conversation
		WHERE patient_id = $1 AND status IN ('ACTIVE', 'ESCALATED')
		ORDER BY updated_at DESC
		LIMIT 1`, patientID))
}

func (r *conversationRepoPG) ListByPatient(ctx context.Context, patientID uuid.UUID, statuses []Status, limit, offset int) ([]*Conversation, int, error) {
	where := sq.And{sq.Eq{"patient_id": patientID.String()}}
	if len(statuses) > 0 {
		s := make([]string, 0, len(statuses))
		for _, st := range statuses {
			s = append(s, string(st))
		}
		where = append(where, sq.Eq{"status": s})
	}

	countSQL, countArgs, err := psql.Select("COUNT(*)").From("conversation").Where(where).ToSql()
	if err != nil {
		return nil, 0, err
	}
	var total int
	if err := r.conn(ctx).QueryRow(ctx, countSQL, countArgs...).Scan(&total); err != nil {
		return nil, 0, err
	}

	listSQL, listArgs, err := psql.Select("id", "patient_id", "status", "created_at", "updated_at").
		From("conversation").
		Where(where).
		OrderBy("updated_at DESC").
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
	var items []*Conversation
	for rows.Next() {
		c, err := r.scanConversation(rows)
		if err != nil {
			return nil, 0, err
		}
		items = append(items, c)
	}
	return items, total, rows.Err()
}

// =========== Message Repository ===========

type messageRepoPG struct{ pool *pgxpool.Pool }

func NewMessageRepoPG(pool *pgxpool.Pool) MessageRepository {
	return &messageRepoPG{pool: pool}
}

func (r *messageRepoPG) conn(ctx context.Context) db.Querier {
	return db.Conn(ctx, r.pool)
}

const msgCols = `id, conversation_id, sender, sender_id, content, phi_detected, risk_level, processed, created_at`

func (r *messageRepoPG) scanMessage(row pgx.Row) (*Message, error) {
	var m Message
	err := row.Scan(&m.ID, &m.ConversationID, &m.Sender, &m.SenderID, &m.Content, &m.PHIDetected,
		&m.RiskLevel, &m.Processed, &m.CreatedAt)
	if db.IsNoRows(err) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &m, nil
}

func (r *messageRepoPG) Create(ctx context.Context, m *Message) error {
	if m.ID == uuid.Nil {
		m.ID = uuid.New()
	}
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO message (id, conversation_id, sender, sender_id, content, phi_detected, risk_level, processed)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
		ON CONFLICT (id) DO NOTHING`,
		m.ID, m.ConversationID, m.Sender, m.SenderID, m.Content, m.PHIDetected, m.RiskLevel, m.Processed)
	if err != nil {
		return err
	}
	_, err = r.conn(ctx).Exec(ctx, `UPDATE conversation SET updated_at = NOW() WHERE id = $1`, m.ConversationID)
	return err
}

func (r *messageRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*Message, error) {
	return r.scanMessage(r.conn(ctx).QueryRow(ctx, `SELECT `+msgCols+` FROM message WHERE id = $1`, id))
}

func (r *messageRepoPG) MarkProcessed(ctx context.Context, id uuid.UUID, riskLevel string) error {
	tag, err := r.conn(ctx).Exec(ctx, `UPDATE message SET processed = TRUE, risk_level = $2 WHERE id = $1`, id, riskLevel)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *messageRepoPG) ListByConversation(ctx context.Context, conversationID uuid.UUID) ([]*Message, error) {
	rows, err := r.conn(ctx).Query(ctx, `SELECT `+msgCols+` FROM message WHERE conversation_id = $1 ORDER BY created_at ASC`, conversationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []*Message
	for rows.Next() {
		m, err := r.scanMessage(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, m)
	}
	return items, rows.Err()
}
