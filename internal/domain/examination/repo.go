package examination

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// QueueFilter narrows the clinician queue. Empty Statuses means Pending and
// Analyzed.
type QueueFilter struct {
	ClinicID *uuid.UUID
	Statuses []Status
}

type Repository interface {
	// Create inserts e; a second insert for the same id returns a
	// *DuplicateExaminationError.
	Create(ctx context.Context, e *Examination) error
	GetByID(ctx context.Context, id uuid.UUID) (*Examination, error)
	Exists(ctx context.Context, id uuid.UUID) (bool, error)
	// Update writes e only if its VersionID still matches storage, then bumps
	// the version. A lost race returns ErrVersionConflict.
	Update(ctx context.Context, e *Examination) error
	Queue(ctx context.Context, f QueueFilter, limit, offset int) ([]*Examination, int, error)
	ListStalePending(ctx context.Context, createdBefore time.Time, limit int) ([]*Examination, error)
}
