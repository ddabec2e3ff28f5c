package agent

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/nightingale/nightingale/internal/domain/conversation"
	"github.com/nightingale/nightingale/internal/platform/hipaa"
	"github.com/nightingale/nightingale/internal/platform/llm"
)

var fixedTime = time.Date(2026, 5, 4, 10, 30, 0, 0, time.UTC)

type directUoW struct{}

func (directUoW) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	return fn(ctx)
}

// memLocker is an in-process ConversationLocker.
type memLocker struct {
	mu    sync.Mutex
	locks map[uuid.UUID]*sync.Mutex
}

func newMemLocker() *memLocker {
	return &memLocker{locks: make(map[uuid.UUID]*sync.Mutex)}
}

func (l *memLocker) WithLock(ctx context.Context, id uuid.UUID, fn func(ctx context.Context) error) error {
	l.mu.Lock()
	m, ok := l.locks[id]
	if !ok {
		m = &sync.Mutex{}
		l.locks[id] = m
	}
	l.mu.Unlock()

	m.Lock()
	defer m.Unlock()
	return fn(ctx)
}

type mockAuditor struct {
	mu      sync.Mutex
	records []*hipaa.AuditRecord
}

func (m *mockAuditor) Log(_ context.Context, userID, action, resourceType string, resourceID uuid.UUID, content string) (*hipaa.AuditRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec := hipaa.NewRecord(userID, action, resourceType, resourceID, content, fixedTime)
	m.records = append(m.records, rec)
	return rec, nil
}

func (m *mockAuditor) actions() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for _, r := range m.records {
		out = append(out, r.Action)
	}
	return out
}

type turnEnv struct {
	*testEnv
	audit *mockAuditor
	turns *TurnService
}

func newTurnEnv(c llm.Completer) *turnEnv {
	env := newTestEnv(c)
	audit := &mockAuditor{}
	return &turnEnv{
		testEnv: env,
		audit:   audit,
		turns:   NewTurnService(env.workflow, env.conversations, directUoW{}, newMemLocker(), audit, zerolog.Nop()),
	}
}

func (env *turnEnv) messages() []*conversation.Message {
	env.conversations.mu.Lock()
	defer env.conversations.mu.Unlock()
	out := make([]*conversation.Message, len(env.conversations.messages))
	for i, m := range env.conversations.messages {
		cp := *m
		out[i] = &cp
	}
	return out
}

func TestTurnService_Send_Responds(t *testing.T) {
	env := newTurnEnv(&scripted{
		risk:  lowRisk,
		facts: `{"medications":[{"name":"Advil","action":"ADD","status":"ACTIVE"}]}`,
		reply: "Advil can help with mild pain.",
	})
	conv := env.conversations.seed(uuid.New())

	res, err := env.turns.Send(context.Background(), conv.ID, conv.PatientID.String(), "I take Advil, call 555-123-4567")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !res.Processed || res.Escalated || res.EscalationTicketID != nil {
		t.Errorf("unexpected result %+v", res)
	}
	if res.Response != "Advil can help with mild pain." || res.RiskLevel != RiskLow {
		t.Errorf("unexpected result %+v", res)
	}

	msgs := env.messages()
	if len(msgs) != 2 {
		t.Fatalf("expected patient and AI messages, got %d", len(msgs))
	}
	patient, reply := msgs[0], msgs[1]
	if patient.ID != res.PatientMessageID || patient.Sender != conversation.SenderPatient {
		t.Errorf("unexpected patient message %+v", patient)
	}
	if strings.Contains(patient.Content, "555-123-4567") || !patient.PHIDetected {
		t.Errorf("patient message must be stored redacted: %q", patient.Content)
	}
	if !patient.Processed || patient.RiskLevel == nil || *patient.RiskLevel != "LOW" {
		t.Errorf("patient message should be processed with its risk tier: %+v", patient)
	}
	if reply.Sender != conversation.SenderAI || reply.Content != res.Response {
		t.Errorf("unexpected reply %+v", reply)
	}

	want := []string{"MESSAGE_SENT", "PROFILE_UPDATED"}
	if got := env.audit.actions(); strings.Join(got, ",") != strings.Join(want, ",") {
		t.Errorf("audit actions = %v, want %v", got, want)
	}
}

func TestTurnService_Send_Escalates(t *testing.T) {
	env := newTurnEnv(failing)
	conv := env.conversations.seed(uuid.New())

	res, err := env.turns.Send(context.Background(), conv.ID, conv.PatientID.String(), "I have crushing chest pain")
	if err != nil {
		t.Fatal(err)
	}
	if !res.Escalated || res.EscalationTicketID == nil || res.RiskLevel != RiskHigh {
		t.Errorf("unexpected result %+v", res)
	}
	if res.Response != EscalationNotice {
		t.Errorf("expected escalation notice, got %q", res.Response)
	}
	if env.conversations.status(conv.ID) != conversation.StatusEscalated {
		t.Error("conversation should be escalated")
	}
	want := []string{"MESSAGE_SENT", "ESCALATION_CREATED"}
	if got := env.audit.actions(); strings.Join(got, ",") != strings.Join(want, ",") {
		t.Errorf("audit actions = %v, want %v", got, want)
	}
}

func TestTurnService_Send_FailureKeepsMessageUnprocessed(t *testing.T) {
	env := newTurnEnv(&scripted{risk: lowRisk, reply: "ok"})
	env.profiles.loadErr = errors.New("db down")
	conv := env.conversations.seed(uuid.New())

	res, err := env.turns.Send(context.Background(), conv.ID, "u1", "mild cough")
	if err != nil {
		t.Fatalf("workflow failure must not surface as an error: %v", err)
	}
	if res.Processed || res.Response != ApologyMessage {
		t.Errorf("unexpected result %+v", res)
	}
	if res.RiskLevel != RiskLow {
		t.Errorf("expected the assessed tier to be reported, got %s", res.RiskLevel)
	}

	msgs := env.messages()
	if len(msgs) != 1 || msgs[0].Processed {
		t.Fatalf("expected one unprocessed patient message, got %+v", msgs)
	}

	env.profiles.loadErr = nil
	res, err = env.turns.Reprocess(context.Background(), conv.ID, res.PatientMessageID, "u1")
	if err != nil {
		t.Fatal(err)
	}
	if !res.Processed || res.Response != "ok" {
		t.Errorf("unexpected retry result %+v", res)
	}
	if _, err := env.turns.Reprocess(context.Background(), conv.ID, res.PatientMessageID, "u1"); !errors.Is(err, ErrAlreadyProcessed) {
		t.Errorf("expected ErrAlreadyProcessed, got %v", err)
	}
}

// slowRisk answers the risk prompt after a pause and records how many risk
// calls were in flight at once. Every other stage fails over to its fallback.
type slowRisk struct {
	mu     sync.Mutex
	active int
	peak   int
}

func (s *slowRisk) Complete(ctx context.Context, prompt string) (string, error) {
	if !strings.HasPrefix(prompt, "You are a medical triage AI") {
		return "", errors.New("model unavailable")
	}
	s.mu.Lock()
	s.active++
	if s.active > s.peak {
		s.peak = s.active
	}
	s.mu.Unlock()

	time.Sleep(50 * time.Millisecond)

	s.mu.Lock()
	s.active--
	s.mu.Unlock()
	return lowRisk, nil
}

func TestTurnService_SerializesTurnsOnOneConversation(t *testing.T) {
	model := &slowRisk{}
	env := newTurnEnv(model)
	conv := env.conversations.seed(uuid.New())

	var g errgroup.Group
	for _, text := range []string{"mild headache", "a small rash"} {
		g.Go(func() error {
			_, err := env.turns.Send(context.Background(), conv.ID, "u1", text)
			return err
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatal(err)
	}

	if model.peak != 1 {
		t.Errorf("expected turns to run one at a time, peak concurrency %d", model.peak)
	}
	if n := len(env.messages()); n != 4 {
		t.Errorf("expected 2 patient and 2 AI messages, got %d", n)
	}
}

func TestTurnService_ConcurrentRetriesRunOnce(t *testing.T) {
	env := newTurnEnv(&scripted{risk: lowRisk, facts: `{}`, reply: "ok"})
	conv := env.conversations.seed(uuid.New())
	env.profiles.loadErr = errors.New("connection reset")
	res, err := env.turns.Send(context.Background(), conv.ID, "u1", "mild cough")
	if err != nil || res.Processed {
		t.Fatalf("expected an unprocessed message, got %+v, %v", res, err)
	}
	env.profiles.loadErr = nil

	var (
		mu        sync.Mutex
		processed int
		rejected  int
	)
	var g errgroup.Group
	for i := 0; i < 2; i++ {
		g.Go(func() error {
			r, err := env.turns.Reprocess(context.Background(), conv.ID, res.PatientMessageID, "u1")
			mu.Lock()
			defer mu.Unlock()
			switch {
			case errors.Is(err, ErrAlreadyProcessed):
				rejected++
			case err != nil:
				return err
			case r.Processed:
				processed++
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatal(err)
	}
	if processed != 1 || rejected != 1 {
		t.Errorf("expected one retry to run and one to be rejected, got %d/%d", processed, rejected)
	}
}

func TestTurnService_Send_Validation(t *testing.T) {
	env := newTurnEnv(failing)
	conv := env.conversations.seed(uuid.New())

	if _, err := env.turns.Send(context.Background(), conv.ID, "u1", "   "); !errors.Is(err, ErrEmptyMessage) {
		t.Errorf("expected ErrEmptyMessage, got %v", err)
	}
	if _, err := env.turns.Send(context.Background(), uuid.New(), "u1", "hello"); !errors.Is(err, conversation.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
	if len(env.messages()) != 0 {
		t.Error("nothing should be stored")
	}
}

func TestTurnService_Send_StoreFailure(t *testing.T) {
	env := newTurnEnv(failing)
	conv := env.conversations.seed(uuid.New())
	env.conversations.addErr = errors.New("disk full")

	if _, err := env.turns.Send(context.Background(), conv.ID, "u1", "hello"); err == nil {
		t.Fatal("expected error when the patient message cannot be stored")
	}
	if len(env.audit.actions()) != 0 {
		t.Error("no audit entry for an unstored message")
	}
}

func TestTurnService_Reprocess_WrongConversation(t *testing.T) {
	env := newTurnEnv(failing)
	conv := env.conversations.seed(uuid.New())
	res, err := env.turns.Send(context.Background(), conv.ID, "u1", "hello")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := env.turns.Reprocess(context.Background(), uuid.New(), res.PatientMessageID, "u1"); !errors.Is(err, conversation.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}
