package profile

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/nightingale/nightingale/internal/platform/db"
)

type Service struct {
	repo   Repository
	uow    db.UnitOfWork
	logger zerolog.Logger
}

func NewService(repo Repository, uow db.UnitOfWork, logger zerolog.Logger) *Service {
	return &Service{
		repo:   repo,
		uow:    uow,
		logger: logger.With().Str("component", "profile").Logger(),
	}
}

// Load returns the stored profile, or an empty unpersisted one when the
// patient has none yet.
func (s *Service) Load(ctx context.Context, patientID uuid.UUID) (*Profile, error) {
	if patientID == uuid.Nil {
		return nil, fmt.Errorf("patient_id is required")
	}
	p, err := s.repo.GetByPatient(ctx, patientID)
	if errors.Is(err, ErrNotFound) {
		return New(patientID), nil
	}
	if err != nil {
		return nil, fmt.Errorf("load profile: %w", err)
	}
	return p, nil
}

// Apply merges delta into the patient's profile under a row lock and persists
// the result. An empty delta writes nothing.
func (s *Service) Apply(ctx context.Context, patientID uuid.UUID, delta FactDelta, provenance uuid.UUID) (*Profile, MergeReport, error) {
	if provenance == uuid.Nil {
		return nil, MergeReport{}, fmt.Errorf("provenance message id is required")
	}
	if delta.IsEmpty() {
		p, err := s.Load(ctx, patientID)
		return p, MergeReport{}, err
	}

	var (
		merged *Profile
		report MergeReport
	)
	err := s.uow.Do(ctx, func(ctx context.Context) error {
		p, err := s.repo.GetForUpdate(ctx, patientID)
		if err != nil {
			return fmt.Errorf("lock profile: %w", err)
		}
		report = Merge(p, delta, provenance)
		if report.Changed() {
			if err := s.repo.Save(ctx, p); err != nil {
				return fmt.Errorf("save profile: %w", err)
			}
		}
		merged = p
		return nil
	})
	if err != nil {
		return nil, MergeReport{}, err
	}

	for _, d := range report.Dropped {
		s.logger.Warn().
			Str("patient_id", patientID.String()).
			Str("message_id", provenance.String()).
			Str("category", string(d.Category)).
			Str("action", string(d.Action)).
			Str("reason", d.Reason).
			Msg("fact delta entry dropped")
	}
	s.logger.Debug().
		Str("patient_id", patientID.String()).
		Int("added", report.Added).
		Int("updated", report.Updated).
		Int("skipped", report.Skipped).
		Msg("profile merged")

	return merged, report, nil
}
