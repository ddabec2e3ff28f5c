package hipaa

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/nightingale/nightingale/internal/platform/db"
)

// Audit actions.
const (
	ActionMessageSent         = "MESSAGE_SENT"
	ActionProfileUpdated      = "PROFILE_UPDATED"
	ActionEscalationCreated   = "ESCALATION_CREATED"
	ActionClinicianResponded  = "CLINICIAN_RESPONDED"
	ActionEscalationStatusSet = "ESCALATION_STATUS_SET"
)

// AuditRecord is one row of audit_log. Only a digest of the content is kept.
type AuditRecord struct {
	ID           uuid.UUID `json:"id"`
	UserID       string    `json:"user_id"`
	Action       string    `json:"action"`
	ResourceType string    `json:"resource_type"`
	ResourceID   uuid.UUID `json:"resource_id"`
	MetadataHash string    `json:"metadata_hash"`
	Timestamp    time.Time `json:"timestamp"`
}

// HashContent returns the hex SHA-256 of content, or "" for empty content.
func HashContent(content string) string {
	if content == "" {
		return ""
	}
	sum := sha256.Sum256([]byte(content))
	return hex.EncodeToString(sum[:])
}

// VerifyContent reports whether content matches a stored digest.
func VerifyContent(content, storedHash string) bool {
	return subtle.ConstantTimeCompare([]byte(HashContent(content)), []byte(storedHash)) == 1
}

// AuditLogger writes audit_log rows, joining the caller's transaction when
// one is present in the context.
type AuditLogger struct {
	pool *pgxpool.Pool
	now  func() time.Time
}

func NewAuditLogger(pool *pgxpool.Pool) *AuditLogger {
	return &AuditLogger{pool: pool, now: func() time.Time { return time.Now().UTC() }}
}

// NewRecord builds an audit record without persisting it.
func NewRecord(userID string, action, resourceType string, resourceID uuid.UUID, content string, at time.Time) *AuditRecord {
	return &AuditRecord{
		ID:           uuid.New(),
		UserID:       userID,
		Action:       action,
		ResourceType: resourceType,
		ResourceID:   resourceID,
		MetadataHash: HashContent(content),
		Timestamp:    at,
	}
}

func (a *AuditLogger) Log(ctx context.Context, userID string, action, resourceType string, resourceID uuid.UUID, content string) (*AuditRecord, error) {
	rec := NewRecord(userID, action, resourceType, resourceID, content, a.now())
	_, err := db.Conn(ctx, a.pool).Exec(ctx, `
		INSERT INTO audit_log (id, user_id, action, resource_type, resource_id, metadata_hash, timestamp)
		VALUES ($1,$2,$3,$4,$5,$6,$7)`,
		rec.ID, rec.UserID, rec.Action, rec.ResourceType, rec.ResourceID, rec.MetadataHash, rec.Timestamp)
	if err != nil {
		return nil, fmt.Errorf("hipaa audit: insert %s: %w", action, err)
	}
	return rec, nil
}
