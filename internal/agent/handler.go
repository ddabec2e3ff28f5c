package agent

import (
	"errors"
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/nightingale/nightingale/internal/domain/conversation"
	"github.com/nightingale/nightingale/internal/platform/auth"
)

// ConversationAuthorizer resolves a conversation the caller may access.
type ConversationAuthorizer interface {
	Authorize(c echo.Context, id uuid.UUID) (*conversation.Conversation, error)
}

type Handler struct {
	turns *TurnService
	authz ConversationAuthorizer
}

func NewHandler(turns *TurnService, authz ConversationAuthorizer) *Handler {
	return &Handler{turns: turns, authz: authz}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	g := api.Group("/conversations", auth.RequireRole(auth.RolePatient, auth.RoleClinician))
	g.POST("/:id/messages", h.SendMessage)
	g.POST("/:id/messages/:message_id/retry", h.RetryMessage)
}

type sendRequest struct {
	Content string `json:"content"`
}

func turnError(err error) error {
	switch {
	case errors.Is(err, ErrEmptyMessage):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case errors.Is(err, conversation.ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, "not found")
	case errors.Is(err, ErrAlreadyProcessed), errors.Is(err, ErrNotPatientText):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	default:
		return echo.NewHTTPError(http.StatusInternalServerError, ApologyMessage)
	}
}

// SendMessage runs one turn. A turn that fails after the message was stored
// still answers 200 with processed=false and the apology text.
func (h *Handler) SendMessage(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	if _, err := h.authz.Authorize(c, id); err != nil {
		return err
	}
	var req sendRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	ctx := c.Request().Context()
	res, err := h.turns.Send(ctx, id, auth.UserIDFromContext(ctx), req.Content)
	if err != nil {
		return turnError(err)
	}
	return c.JSON(http.StatusOK, res)
}

func (h *Handler) RetryMessage(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	msgID, err := uuid.Parse(c.Param("message_id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid message_id")
	}
	if _, err := h.authz.Authorize(c, id); err != nil {
		return err
	}

	ctx := c.Request().Context()
	res, err := h.turns.Reprocess(ctx, id, msgID, auth.UserIDFromContext(ctx))
	if err != nil {
		return turnError(err)
	}
	return c.JSON(http.StatusOK, res)
}
