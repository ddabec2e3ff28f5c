package escalation

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/nightingale/nightingale/internal/platform/hipaa"
)

func fixedNow() time.Time {
	return time.Date(2026, 5, 4, 10, 30, 0, 0, time.UTC)
}

// ── Mocks ──

type mockTicketRepo struct {
	mu   sync.Mutex
	data map[uuid.UUID]*Ticket
}

func newMockTicketRepo() *mockTicketRepo {
	return &mockTicketRepo{data: make(map[uuid.UUID]*Ticket)}
}

func (m *mockTicketRepo) Create(_ context.Context, t *Ticket) (*Ticket, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.data {
		if existing.MessageID == t.MessageID {
			cp := *existing
			return &cp, false, nil
		}
	}
	t.ID = uuid.New()
	cp := *t
	m.data[t.ID] = &cp
	return t, true, nil
}

func (m *mockTicketRepo) GetByID(_ context.Context, id uuid.UUID) (*Ticket, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.data[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *t
	return &cp, nil
}

func (m *mockTicketRepo) GetForUpdate(ctx context.Context, id uuid.UUID) (*Ticket, error) {
	return m.GetByID(ctx, id)
}

func (m *mockTicketRepo) Update(_ context.Context, t *Ticket) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.data[t.ID]; !ok {
		return ErrNotFound
	}
	cp := *t
	m.data[t.ID] = &cp
	return nil
}

func (m *mockTicketRepo) List(_ context.Context, f Filter, limit, offset int) ([]*Ticket, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	want := map[Status]bool{}
	for _, s := range f.Statuses {
		want[s] = true
	}
	var out []*Ticket
	for _, t := range m.data {
		if len(want) > 0 && !want[t.Status] {
			continue
		}
		if f.PatientID != nil && t.PatientID != *f.PatientID {
			continue
		}
		if f.RiskLevel != "" && t.RiskLevel != f.RiskLevel {
			continue
		}
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID.String() < out[j].ID.String() })
	return out, len(out), nil
}

type postedReply struct {
	conversationID uuid.UUID
	clinicianID    string
	content        string
}

type mockReplies struct {
	posted []postedReply
	err    error
}

func (m *mockReplies) PostClinicianReply(_ context.Context, conversationID uuid.UUID, clinicianID, content string) error {
	if m.err != nil {
		return m.err
	}
	m.posted = append(m.posted, postedReply{conversationID, clinicianID, content})
	return nil
}

type mockAuditor struct {
	records []*hipaa.AuditRecord
}

func (m *mockAuditor) Log(_ context.Context, userID, action, resourceType string, resourceID uuid.UUID, content string) (*hipaa.AuditRecord, error) {
	rec := hipaa.NewRecord(userID, action, resourceType, resourceID, content, fixedNow())
	m.records = append(m.records, rec)
	return rec, nil
}

type directUoW struct{}

func (directUoW) Do(ctx context.Context, fn func(ctx context.Context) error) error { return fn(ctx) }

type testDeps struct {
	repo    *mockTicketRepo
	replies *mockReplies
	audit   *mockAuditor
}

func newTestService() (*Service, *testDeps) {
	d := &testDeps{repo: newMockTicketRepo(), replies: &mockReplies{}, audit: &mockAuditor{}}
	svc := NewService(d.repo, directUoW{}, d.replies, d.audit, zerolog.Nop())
	svc.now = fixedNow
	return svc, d
}

func validOpenRequest() OpenRequest {
	return OpenRequest{
		ConversationID: uuid.New(),
		PatientID:      uuid.New(),
		MessageID:      uuid.New(),
		Reason:         "High-risk keyword detected",
		RiskLevel:      "HIGH",
		Summary:        "SITUATION: chest pain",
	}
}

func TestService_OpenCreatesPendingTicket(t *testing.T) {
	svc, _ := newTestService()
	tk, err := svc.Open(context.Background(), validOpenRequest())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if tk.ID == uuid.Nil || tk.Status != StatusPending {
		t.Errorf("expected persisted PENDING ticket, got %+v", tk)
	}
}

func TestService_OpenIsIdempotentPerMessage(t *testing.T) {
	svc, d := newTestService()
	req := validOpenRequest()
	first, err := svc.Open(context.Background(), req)
	if err != nil {
		t.Fatalf("first open: %v", err)
	}
	second, err := svc.Open(context.Background(), req)
	if err != nil {
		t.Fatalf("second open: %v", err)
	}
	if first.ID != second.ID || len(d.repo.data) != 1 {
		t.Errorf("expected a single ticket per message, got %d", len(d.repo.data))
	}
}

func TestService_OpenValidation(t *testing.T) {
	svc, _ := newTestService()
	tests := []struct {
		name   string
		mutate func(*OpenRequest)
	}{
		{"missing conversation", func(r *OpenRequest) { r.ConversationID = uuid.Nil }},
		{"missing patient", func(r *OpenRequest) { r.PatientID = uuid.Nil }},
		{"missing message", func(r *OpenRequest) { r.MessageID = uuid.Nil }},
		{"bad risk level", func(r *OpenRequest) { r.RiskLevel = "SEVERE" }},
		{"empty summary", func(r *OpenRequest) { r.Summary = "  " }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := validOpenRequest()
			tt.mutate(&req)
			if _, err := svc.Open(context.Background(), req); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}

func TestService_ListDefaultsToOpenQueue(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()
	a, _ := svc.Open(ctx, validOpenRequest())
	b, _ := svc.Open(ctx, validOpenRequest())
	if _, err := svc.SetStatus(ctx, b.ID, "clin", StatusResolved); err != nil {
		t.Fatalf("resolve: %v", err)
	}

	items, total, err := svc.List(ctx, Filter{}, 20, 0)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if total != 1 || items[0].ID != a.ID {
		t.Errorf("expected only the open ticket, got %d", total)
	}

	_, total, err = svc.List(ctx, Filter{Statuses: []Status{StatusResolved}}, 20, 0)
	if err != nil || total != 1 {
		t.Errorf("expected one resolved ticket, got %d (%v)", total, err)
	}

	if _, _, err := svc.List(ctx, Filter{Statuses: []Status{"CLOSED"}}, 20, 0); err == nil {
		t.Error("expected error for unknown status filter")
	}
}

func TestService_Respond(t *testing.T) {
	svc, d := newTestService()
	ctx := context.Background()
	tk, _ := svc.Open(ctx, validOpenRequest())

	got, err := svc.Respond(ctx, tk.ID, "clin-7", "Please come in today.")
	if err != nil {
		t.Fatalf("respond: %v", err)
	}
	if got.Status != StatusInProgress {
		t.Errorf("expected IN_PROGRESS, got %s", got.Status)
	}
	if got.AssignedClinicianID == nil || *got.AssignedClinicianID != "clin-7" {
		t.Error("expected clinician assignment")
	}
	if len(d.replies.posted) != 1 || d.replies.posted[0].conversationID != tk.ConversationID {
		t.Errorf("expected reply posted to the ticket's conversation, got %+v", d.replies.posted)
	}
	if len(d.audit.records) != 1 || d.audit.records[0].Action != hipaa.ActionClinicianResponded {
		t.Errorf("expected one CLINICIAN_RESPONDED audit record, got %+v", d.audit.records)
	}
	if !hipaa.VerifyContent("Please come in today.", d.audit.records[0].MetadataHash) {
		t.Error("audit digest does not match response")
	}
}

func TestService_RespondFailures(t *testing.T) {
	svc, d := newTestService()
	ctx := context.Background()
	tk, _ := svc.Open(ctx, validOpenRequest())

	if _, err := svc.Respond(ctx, tk.ID, "", "text"); err == nil {
		t.Error("expected error without clinician")
	}
	if _, err := svc.Respond(ctx, tk.ID, "clin", " "); err == nil {
		t.Error("expected error without response")
	}
	if _, err := svc.Respond(ctx, uuid.New(), "clin", "text"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}

	d.replies.err = errors.New("db down")
	if _, err := svc.Respond(ctx, tk.ID, "clin", "text"); err == nil {
		t.Error("expected reply failure to propagate")
	}

	d.replies.err = nil
	if _, err := svc.SetStatus(ctx, tk.ID, "clin", StatusResolved); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if _, err := svc.Respond(ctx, tk.ID, "clin", "late answer"); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("expected ErrInvalidTransition for resolved ticket, got %v", err)
	}
}

func TestService_SetStatusIsMonotonic(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()
	tk, _ := svc.Open(ctx, validOpenRequest())

	got, err := svc.SetStatus(ctx, tk.ID, "clin", StatusInProgress)
	if err != nil || got.Status != StatusInProgress {
		t.Fatalf("PENDING -> IN_PROGRESS: %v", err)
	}
	if _, err := svc.SetStatus(ctx, tk.ID, "clin", StatusPending); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("expected backwards move to fail, got %v", err)
	}
	got, err = svc.SetStatus(ctx, tk.ID, "clin", StatusResolved)
	if err != nil {
		t.Fatalf("IN_PROGRESS -> RESOLVED: %v", err)
	}
	if got.ResolvedAt == nil || !got.ResolvedAt.Equal(fixedNow()) {
		t.Errorf("expected resolved_at stamp, got %v", got.ResolvedAt)
	}
	if _, err := svc.SetStatus(ctx, tk.ID, "clin", StatusInProgress); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("expected reopen to fail, got %v", err)
	}
	if _, err := svc.SetStatus(ctx, tk.ID, "clin", "DONE"); err == nil {
		t.Error("expected invalid status error")
	}
}

func TestStatus_CanTransitionTo(t *testing.T) {
	tests := []struct {
		from, to Status
		want     bool
	}{
		{StatusPending, StatusInProgress, true},
		{StatusPending, StatusResolved, true},
		{StatusInProgress, StatusResolved, true},
		{StatusInProgress, StatusInProgress, true},
		{StatusInProgress, StatusPending, false},
		{StatusResolved, StatusPending, false},
		{StatusResolved, StatusInProgress, false},
		{"BOGUS", StatusResolved, false},
		{StatusPending, "BOGUS", false},
	}
	for _, tt := range tests {
		if got := tt.from.CanTransitionTo(tt.to); got != tt.want {
			t.Errorf("%s -> %s = %v, want %v", tt.from, tt.to, got, tt.want)
		}
	}
}
