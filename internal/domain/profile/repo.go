package profile

import (
	"context"
	"errors"

	"github.com/google/uuid"
)

var ErrNotFound = errors.New("profile not found")

type Repository interface {
	// GetByPatient returns ErrNotFound when the patient has no stored profile.
	GetByPatient(ctx context.Context, patientID uuid.UUID) (*Profile, error)
	// GetForUpdate materializes the profile row if needed and locks it for
	// the enclosing transaction.
	GetForUpdate(ctx context.Context, patientID uuid.UUID) (*Profile, error)
	Save(ctx context.Context, p *Profile) error
}
