package hipaa

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"net/http"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/nightingale/nightingale/internal/platform/auth"
	"github.com/nightingale/nightingale/internal/platform/db"
	"github.com/nightingale/nightingale/pkg/pagination"
)

var psql = sq.StatementBuilder.PlaceholderFormat(sq.Dollar)

// AuditFilter narrows an audit trail search. Zero fields match everything.
type AuditFilter struct {
	UserID       string
	Action       string
	ResourceType string
	ResourceID   *uuid.UUID
	Start        *time.Time
	End          *time.Time
}

// where builds the filter clause. UUIDs are bound as strings because
// squirrel expands array-typed values into IN lists.
func (f AuditFilter) where() sq.And {
	where := sq.And{}
	if f.UserID != "" {
		where = append(where, sq.Eq{"user_id": f.UserID})
	}
	if f.Action != "" {
		where = append(where, sq.Eq{"action": f.Action})
	}
	if f.ResourceType != "" {
		where = append(where, sq.Eq{"resource_type": f.ResourceType})
	}
	if f.ResourceID != nil {
		where = append(where, sq.Eq{"resource_id": f.ResourceID.String()})
	}
	if f.Start != nil {
		where = append(where, sq.GtOrEq{"timestamp": *f.Start})
	}
	if f.End != nil {
		where = append(where, sq.Lt{"timestamp": *f.End})
	}
	return where
}

func searchQueries(f AuditFilter, limit, offset int) (countSQL string, countArgs []interface{}, listSQL string, listArgs []interface{}, err error) {
	where := f.where()
	countSQL, countArgs, err = psql.Select("COUNT(*)").From("audit_log").Where(where).ToSql()
	if err != nil {
		return
	}
	listSQL, listArgs, err = psql.
		Select("id", "user_id", "action", "resource_type", "resource_id", "metadata_hash", "timestamp").
		From("audit_log").
		Where(where).
		OrderBy("timestamp DESC", "id").
		Limit(uint64(limit)).
		Offset(uint64(offset)).
		ToSql()
	return
}

// Search returns audit records newest first, with the total match count.
func (a *AuditLogger) Search(ctx context.Context, f AuditFilter, limit, offset int) ([]*AuditRecord, int, error) {
	countSQL, countArgs, listSQL, listArgs, err := searchQueries(f, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("build audit search: %w", err)
	}

	conn := db.Conn(ctx, a.pool)
	var total int
	if err := conn.QueryRow(ctx, countSQL, countArgs...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count audit records: %w", err)
	}

	rows, err := conn.Query(ctx, listSQL, listArgs...)
	if err != nil {
		return nil, 0, fmt.Errorf("search audit records: %w", err)
	}
	defer rows.Close()
	var out []*AuditRecord
	for rows.Next() {
		var r AuditRecord
		if err := rows.Scan(&r.ID, &r.UserID, &r.Action, &r.ResourceType, &r.ResourceID, &r.MetadataHash, &r.Timestamp); err != nil {
			return nil, 0, err
		}
		out = append(out, &r)
	}
	return out, total, rows.Err()
}

var csvHeader = []string{"id", "timestamp", "user_id", "action", "resource_type", "resource_id", "metadata_hash"}

// WriteCSV writes records with a header row.
func WriteCSV(w io.Writer, records []*AuditRecord) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(csvHeader); err != nil {
		return err
	}
	for _, r := range records {
		row := []string{
			r.ID.String(),
			r.Timestamp.UTC().Format(time.RFC3339),
			r.UserID,
			r.Action,
			r.ResourceType,
			r.ResourceID.String(),
			r.MetadataHash,
		}
		if err := cw.Write(row); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// AuditSearcher is satisfied by *AuditLogger.
type AuditSearcher interface {
	Search(ctx context.Context, f AuditFilter, limit, offset int) ([]*AuditRecord, int, error)
}

// AuditHandler exposes the audit trail to administrators.
type AuditHandler struct {
	searcher AuditSearcher
}

func NewAuditHandler(searcher AuditSearcher) *AuditHandler {
	return &AuditHandler{searcher: searcher}
}

func (h *AuditHandler) RegisterRoutes(api *echo.Group) {
	g := api.Group("/audit", auth.RequireRole(auth.RoleAdmin))
	g.GET("", h.SearchAudit)
	g.GET("/export", h.ExportAudit)
}

// exportLimit caps a single CSV export.
const exportLimit = 10000

func parseAuditFilter(c echo.Context) (AuditFilter, error) {
	f := AuditFilter{
		UserID:       c.QueryParam("user_id"),
		Action:       c.QueryParam("action"),
		ResourceType: c.QueryParam("resource_type"),
	}
	if v := c.QueryParam("resource_id"); v != "" {
		id, err := uuid.Parse(v)
		if err != nil {
			return f, echo.NewHTTPError(http.StatusBadRequest, "invalid resource_id")
		}
		f.ResourceID = &id
	}
	for name, dst := range map[string]**time.Time{"start": &f.Start, "end": &f.End} {
		if v := c.QueryParam(name); v != "" {
			t, err := time.Parse(time.RFC3339, v)
			if err != nil {
				return f, echo.NewHTTPError(http.StatusBadRequest, "invalid "+name+": expected RFC3339")
			}
			*dst = &t
		}
	}
	return f, nil
}

func (h *AuditHandler) SearchAudit(c echo.Context) error {
	f, err := parseAuditFilter(c)
	if err != nil {
		return err
	}
	pg := pagination.FromContext(c)
	items, total, err := h.searcher.Search(c.Request().Context(), f, pg.Limit, pg.Offset)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	if items == nil {
		items = []*AuditRecord{}
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg.Limit, pg.Offset))
}

func (h *AuditHandler) ExportAudit(c echo.Context) error {
	f, err := parseAuditFilter(c)
	if err != nil {
		return err
	}
	items, _, err := h.searcher.Search(c.Request().Context(), f, exportLimit, 0)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}

	c.Response().Header().Set(echo.HeaderContentType, "text/csv")
	c.Response().Header().Set(echo.HeaderContentDisposition,
		fmt.Sprintf("attachment; filename=\"audit_export_%s.csv\"", time.Now().UTC().Format("20060102_150405")))
	c.Response().WriteHeader(http.StatusOK)
	return WriteCSV(c.Response(), items)
}
