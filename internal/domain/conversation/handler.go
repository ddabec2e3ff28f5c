package conversation

import (
	"errors"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/nightingale/nightingale/internal/platform/auth"
	"github.com/nightingale/nightingale/pkg/pagination"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	g := api.Group("/conversations", auth.RequireRole(auth.RolePatient, auth.RoleClinician))
	g.POST("", h.CreateConversation)
	g.GET("", h.ListConversations)
	g.GET("/latest", h.LatestConversation)
	g.GET("/:id", h.GetConversation)
	g.POST("/:id/close", h.CloseConversation)
}

type createRequest struct {
	PatientID string `json:"patient_id"`
}

// patientParam resolves the patient a request is about. Patients default to
// themselves; clinicians must name one.
func patientParam(c echo.Context, raw string) (uuid.UUID, error) {
	ctx := c.Request().Context()
	if raw == "" && !auth.HasRole(ctx, auth.RoleClinician) {
		raw = auth.UserIDFromContext(ctx)
	}
	pid, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, echo.NewHTTPError(http.StatusBadRequest, "invalid patient_id")
	}
	if !auth.CanAccessPatient(ctx, pid.String()) {
		return uuid.Nil, echo.NewHTTPError(http.StatusForbidden, "access denied")
	}
	return pid, nil
}

// Authorize loads the conversation and checks the caller may see it.
func (h *Handler) Authorize(c echo.Context, id uuid.UUID) (*Conversation, error) {
	conv, err := h.svc.Get(c.Request().Context(), id)
	if errors.Is(err, ErrNotFound) {
		return nil, echo.NewHTTPError(http.StatusNotFound, "conversation not found")
	}
	if err != nil {
		return nil, echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	if !auth.CanAccessPatient(c.Request().Context(), conv.PatientID.String()) {
		return nil, echo.NewHTTPError(http.StatusForbidden, "access denied")
	}
	return conv, nil
}

func (h *Handler) CreateConversation(c echo.Context) error {
	var req createRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	pid, err := patientParam(c, req.PatientID)
	if err != nil {
		return err
	}
	conv, err := h.svc.Create(c.Request().Context(), pid)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return c.JSON(http.StatusCreated, conv)
}

func (h *Handler) ListConversations(c echo.Context) error {
	pid, err := patientParam(c, c.QueryParam("patient_id"))
	if err != nil {
		return err
	}
	var statuses []Status
	if raw := c.QueryParam("status"); raw != "" {
		for _, s := range strings.Split(raw, ",") {
			statuses = append(statuses, Status(strings.ToUpper(strings.TrimSpace(s))))
		}
	}
	pg := pagination.FromContext(c)
	items, total, err := h.svc.ListByPatient(c.Request().Context(), pid, statuses, pg.Limit, pg.Offset)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg.Limit, pg.Offset))
}

func (h *Handler) LatestConversation(c echo.Context) error {
	pid, err := patientParam(c, c.QueryParam("patient_id"))
	if err != nil {
		return err
	}
	conv, err := h.svc.Latest(c.Request().Context(), pid)
	if errors.Is(err, ErrNotFound) {
		return echo.NewHTTPError(http.StatusNotFound, "no open conversation")
	}
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, conv)
}

func (h *Handler) GetConversation(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	if _, err := h.Authorize(c, id); err != nil {
		return err
	}
	out, err := h.svc.GetWithMessages(c.Request().Context(), id)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, out)
}

func (h *Handler) CloseConversation(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	if _, err := h.Authorize(c, id); err != nil {
		return err
	}
	conv, err := h.svc.Close(c.Request().Context(), id)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, conv)
}
