package profile

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/nightingale/nightingale/internal/platform/db"
)

type profileRepoPG struct{ pool *pgxpool.Pool }

func NewRepoPG(pool *pgxpool.Pool) Repository {
	return &profileRepoPG{pool: pool}
}

func (r *profileRepoPG) conn(ctx context.Context) db.Querier {
	return db.Conn(ctx, r.pool)
}

const profileCols = `id, patient_id, medications, symptoms, allergies, conditions, created_at, updated_at`

func (r *profileRepoPG) scanProfile(row pgx.Row) (*Profile, error) {
	var (
		p                          Profile
		meds, syms, allergies, cnd []byte
	)
	if err := row.Scan(&p.ID, &p.PatientID, &meds, &syms, &allergies, &cnd, &p.CreatedAt, &p.UpdatedAt); err != nil {
		return nil, err
	}
	for _, f := range []struct {
		raw []byte
		dst any
	}{
		{meds, &p.Medications},
		{syms, &p.Symptoms},
		{allergies, &p.Allergies},
		{cnd, &p.Conditions},
	} {
		if len(f.raw) == 0 {
			continue
		}
		if err := json.Unmarshal(f.raw, f.dst); err != nil {
			return nil, fmt.Errorf("decode profile %s: %w", p.PatientID, err)
		}
	}
	fillEmpty(&p)
	p.Persisted = true
	return &p, nil
}

func fillEmpty(p *Profile) {
	if p.Medications == nil {
		p.Medications = []Medication{}
	}
	if p.Symptoms == nil {
		p.Symptoms = []Symptom{}
	}
	if p.Allergies == nil {
		p.Allergies = []Allergy{}
	}
	if p.Conditions == nil {
		p.Conditions = []Condition{}
	}
}

func (r *profileRepoPG) GetByPatient(ctx context.Context, patientID uuid.UUID) (*Profile, error) {
	p, err := r.scanProfile(r.conn(ctx).QueryRow(ctx,
		`SELECT `+profileCols+` FROM patient_profile WHERE patient_id = $1`, patientID))
	if db.IsNoRows(err) {
		return nil, ErrNotFound
	}
	return p, err
}

func (r *profileRepoPG) GetForUpdate(ctx context.Context, patientID uuid.UUID) (*Profile, error) {
	if db.TxFromContext(ctx) == nil {
		return nil, fmt.Errorf("profile lock requires a transaction")
	}
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO patient_profile (id, patient_id)
		VALUES ($1, $2)
		ON CONFLICT (patient_id) DO NOTHING`,
		uuid.New(), patientID)
	if err != nil {
		return nil, fmt.Errorf("materialize profile: %w", err)
	}
	return r.scanProfile(r.conn(ctx).QueryRow(ctx,
		`SELECT `+profileCols+` FROM patient_profile WHERE patient_id = $1 FOR UPDATE`, patientID))
}

func (r *profileRepoPG) Save(ctx context.Context, p *Profile) error {
	fillEmpty(p)
	encoded := make([][]byte, 0, 4)
	for _, v := range []any{p.Medications, p.Symptoms, p.Allergies, p.Conditions} {
		b, err := json.Marshal(v)
		if err != nil {
			return fmt.Errorf("encode profile: %w", err)
		}
		encoded = append(encoded, b)
	}
	err := r.conn(ctx).QueryRow(ctx, `
		INSERT INTO patient_profile (id, patient_id, medications, symptoms, allergies, conditions)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (patient_id) DO UPDATE SET
			medications = EXCLUDED.medications,
			symptoms    = EXCLUDED.symptoms,
			allergies   = EXCLUDED.allergies,
			conditions  = EXCLUDED.conditions,
			updated_at  = NOW()
		RETURNING id, created_at, updated_at`,
		orNew(p.ID), p.PatientID, encoded[0], encoded[1], encoded[2], encoded[3],
	).Scan(&p.ID, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return err
	}
	p.Persisted = true
	return nil
}

func orNew(id uuid.UUID) uuid.UUID {
	if id == uuid.Nil {
		return uuid.New()
	}
	return id
}
