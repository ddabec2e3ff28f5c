package escalation

import (
	"strings"
	"testing"

	"github.com/google/uuid"
)

func TestFilterClause(t *testing.T) {
	pid := uuid.MustParse("7f1c2a9e-3b64-4f0e-9a4d-2d8c5b1e6f70")
	tests := []struct {
		name     string
		filter   Filter
		wantSQL  []string
		wantArgs int
	}{
		{"empty", Filter{}, []string{"(1=1)"}, 0},
		{"statuses", Filter{Statuses: []Status{StatusPending, StatusInProgress}}, []string{"status IN ($1,$2)"}, 2},
		{"patient", Filter{PatientID: &pid}, []string{"patient_id = $1"}, 1},
		{"all", Filter{Statuses: []Status{StatusResolved}, PatientID: &pid, RiskLevel: "HIGH"},
			[]string{"status IN ($1)", "patient_id = $2", "risk_level = $3"}, 3},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sql, args, err := psql.Select("id").From("escalation_ticket").Where(filterClause(tt.filter)).ToSql()
			if err != nil {
				t.Fatalf("ToSql: %v", err)
			}
			for _, want := range tt.wantSQL {
				if !strings.Contains(sql, want) {
					t.Errorf("expected %q in %s", want, sql)
				}
			}
			if len(args) != tt.wantArgs {
				t.Errorf("expected %d args, got %d (%v)", tt.wantArgs, len(args), args)
			}
		})
	}
}
