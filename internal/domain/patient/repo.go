package patient

import (
	"context"
	"errors"

	"github.com/google/uuid"
)

var ErrNotFound = errors.New("patient not found")

type Repository interface {
	// CreateIfAbsent inserts p unless a patient with the same UserID exists,
	// and returns whichever row is stored. created is false when another
	// writer got there first.
	CreateIfAbsent(ctx context.Context, p *Patient) (stored *Patient, created bool, err error)
	GetByID(ctx context.Context, id uuid.UUID) (*Patient, error)
	// FindByIDOrUserID matches either the patient id or the linked user id.
	FindByIDOrUserID(ctx context.Context, id uuid.UUID) (*Patient, error)
	// AssignClinic sets the clinic only when none is stored. It reports
	// whether the row changed.
	AssignClinic(ctx context.Context, id, clinicID uuid.UUID) (bool, error)
	// Complete replaces placeholder demographics with registered ones.
	Complete(ctx context.Context, p *Patient) error
}
