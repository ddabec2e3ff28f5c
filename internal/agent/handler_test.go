package agent

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/nightingale/nightingale/internal/domain/conversation"
	"github.com/nightingale/nightingale/internal/platform/auth"
)

type stubAuthorizer struct {
	convs *fakeConversations
}

func (s stubAuthorizer) Authorize(c echo.Context, id uuid.UUID) (*conversation.Conversation, error) {
	conv, err := s.convs.Get(c.Request().Context(), id)
	if errors.Is(err, conversation.ErrNotFound) {
		return nil, echo.NewHTTPError(http.StatusNotFound, "conversation not found")
	}
	if !auth.CanAccessPatient(c.Request().Context(), conv.PatientID.String()) {
		return nil, echo.NewHTTPError(http.StatusForbidden, "access denied")
	}
	return conv, nil
}

func sendContext(e *echo.Echo, ctx context.Context, convID uuid.UUID, body string) (echo.Context, *httptest.ResponseRecorder) {
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(body)).WithContext(ctx)
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.SetParamNames("id")
	c.SetParamValues(convID.String())
	return c, rec
}

func TestHandler_SendMessage(t *testing.T) {
	env := newTurnEnv(&scripted{risk: lowRisk, reply: "Stay hydrated."})
	h := NewHandler(env.turns, stubAuthorizer{env.conversations})
	conv := env.conversations.seed(uuid.New())
	ctx := auth.WithUser(context.Background(), conv.PatientID.String(), auth.RolePatient)

	c, rec := sendContext(echo.New(), ctx, conv.ID, `{"content":"I feel a bit tired"}`)
	if err := h.SendMessage(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var got TurnResult
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatal(err)
	}
	if !got.Processed || got.Response != "Stay hydrated." || got.RiskLevel != RiskLow {
		t.Errorf("unexpected body %+v", got)
	}
	if !strings.Contains(rec.Body.String(), `"escalation_ticket_id":null`) {
		t.Errorf("expected explicit null ticket id: %s", rec.Body.String())
	}
}

func TestHandler_SendMessage_FailureIsApology(t *testing.T) {
	env := newTurnEnv(&scripted{risk: lowRisk})
	env.profiles.loadErr = errors.New("connection refused")
	h := NewHandler(env.turns, stubAuthorizer{env.conversations})
	conv := env.conversations.seed(uuid.New())
	ctx := auth.WithUser(context.Background(), "clin-1", auth.RoleClinician)

	c, rec := sendContext(echo.New(), ctx, conv.ID, `{"content":"sore throat"}`)
	if err := h.SendMessage(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if strings.Contains(rec.Body.String(), "connection refused") {
		t.Error("raw error leaked to the client")
	}
	var got TurnResult
	json.Unmarshal(rec.Body.Bytes(), &got)
	if got.Processed || got.Response != ApologyMessage {
		t.Errorf("unexpected body %+v", got)
	}
}

func TestHandler_SendMessage_Errors(t *testing.T) {
	env := newTurnEnv(failing)
	h := NewHandler(env.turns, stubAuthorizer{env.conversations})
	conv := env.conversations.seed(uuid.New())
	own := auth.WithUser(context.Background(), conv.PatientID.String(), auth.RolePatient)
	other := auth.WithUser(context.Background(), uuid.New().String(), auth.RolePatient)

	tests := []struct {
		name string
		ctx  context.Context
		id   uuid.UUID
		body string
		code int
	}{
		{"empty content", own, conv.ID, `{"content":"  "}`, http.StatusBadRequest},
		{"unknown conversation", own, uuid.New(), `{"content":"hi"}`, http.StatusNotFound},
		{"other patient", other, conv.ID, `{"content":"hi"}`, http.StatusForbidden},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, _ := sendContext(echo.New(), tt.ctx, tt.id, tt.body)
			err := h.SendMessage(c)
			httpErr, ok := err.(*echo.HTTPError)
			if !ok || httpErr.Code != tt.code {
				t.Errorf("expected %d, got %v", tt.code, err)
			}
		})
	}
}

func TestHandler_RetryMessage(t *testing.T) {
	env := newTurnEnv(&scripted{risk: lowRisk, reply: "Better now."})
	env.profiles.loadErr = errors.New("timeout")
	h := NewHandler(env.turns, stubAuthorizer{env.conversations})
	conv := env.conversations.seed(uuid.New())
	ctx := auth.WithUser(context.Background(), conv.PatientID.String(), auth.RolePatient)

	res, err := env.turns.Send(ctx, conv.ID, conv.PatientID.String(), "rash on my arm")
	if err != nil {
		t.Fatal(err)
	}
	env.profiles.loadErr = nil

	e := echo.New()
	req := httptest.NewRequest(http.MethodPost, "/", nil).WithContext(ctx)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.SetParamNames("id", "message_id")
	c.SetParamValues(conv.ID.String(), res.PatientMessageID.String())

	if err := h.RetryMessage(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var got TurnResult
	json.Unmarshal(rec.Body.Bytes(), &got)
	if !got.Processed || got.Response != "Better now." {
		t.Errorf("unexpected body %+v", got)
	}

	rec = httptest.NewRecorder()
	c = e.NewContext(req, rec)
	c.SetParamNames("id", "message_id")
	c.SetParamValues(conv.ID.String(), res.PatientMessageID.String())
	httpErr, ok := h.RetryMessage(c).(*echo.HTTPError)
	if !ok || httpErr.Code != http.StatusConflict {
		t.Errorf("expected 409 on second retry, got %v", httpErr)
	}
}
