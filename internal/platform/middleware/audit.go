package middleware

import (
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/nightingale/nightingale/internal/platform/auth"
)

// AuditEntry is one PHI access observed at the HTTP layer.
type AuditEntry struct {
	UserID       string
	UserRoles    []string
	ResourceType string
	ResourceID   uuid.UUID
	Action       string // read, create, update, delete
	Path         string
	Method       string
	RemoteIP     string
	RequestID    string
	StatusCode   int
	Timestamp    time.Time
}

// AuditRecorder persists access entries. The server backs it with the
// hipaa audit log; tests use an in-memory recorder.
type AuditRecorder interface {
	RecordAccess(entry AuditEntry) error
}

type AuditRecorderFunc func(entry AuditEntry) error

func (f AuditRecorderFunc) RecordAccess(entry AuditEntry) error {
	return f(entry)
}

// Audit records every successful /api/v1 request that touches patient data.
// Writes made by a turn are audited by the services themselves, so this
// layer only adds who looked at what.
func Audit(logger zerolog.Logger, recorder AuditRecorder) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			err := next(c)

			req := c.Request()
			if !strings.HasPrefix(req.URL.Path, "/api/v1/") {
				return err
			}
			status := c.Response().Status
			if he, ok := err.(*echo.HTTPError); ok {
				status = he.Code
			}
			if err != nil && status < 400 {
				status = http.StatusInternalServerError
			}
			if status >= 400 {
				return err
			}

			ctx := req.Context()
			entry := AuditEntry{
				UserID:       auth.UserIDFromContext(ctx),
				UserRoles:    auth.RolesFromContext(ctx),
				ResourceType: resourceType(req.URL.Path),
				ResourceID:   resourceID(c),
				Action:       httpMethodToAction(req.Method),
				Path:         c.Path(),
				Method:       req.Method,
				RemoteIP:     c.RealIP(),
				StatusCode:   status,
				Timestamp:    time.Now().UTC(),
			}
			entry.RequestID, _ = c.Get("request_id").(string)

			if recorder != nil {
				if recErr := recorder.RecordAccess(entry); recErr != nil {
					logger.Error().Err(recErr).
						Str("request_id", entry.RequestID).
						Msg("failed to record audit entry")
				}
			}

			logger.Info().
				Str("type", "phi_access").
				Str("request_id", entry.RequestID).
				Str("user_id", entry.UserID).
				Strs("user_roles", entry.UserRoles).
				Str("resource_type", entry.ResourceType).
				Str("resource_id", entry.ResourceID.String()).
				Str("action", entry.Action).
				Int("status", entry.StatusCode).
				Msg("phi_access")

			return err
		}
	}
}

func httpMethodToAction(method string) string {
	switch method {
	case http.MethodPost:
		return "create"
	case http.MethodPut, http.MethodPatch:
		return "update"
	case http.MethodDelete:
		return "delete"
	default:
		return "read"
	}
}

// resourceType maps /api/v1/<collection>/... to its resource name.
func resourceType(path string) string {
	seg := strings.SplitN(strings.TrimPrefix(path, "/api/v1/"), "/", 2)[0]
	switch seg {
	case "conversations":
		if strings.Contains(path, "/messages") {
			return "Message"
		}
		return "Conversation"
	case "profile":
		return "PatientProfile"
	case "escalations":
		return "EscalationTicket"
	case "":
		return "unknown"
	default:
		return seg
	}
}

// resourceID is the most specific uuid route parameter.
func resourceID(c echo.Context) uuid.UUID {
	for _, name := range []string{"message_id", "id", "patient_id"} {
		if id, err := uuid.Parse(c.Param(name)); err == nil {
			return id
		}
	}
	return uuid.Nil
}
