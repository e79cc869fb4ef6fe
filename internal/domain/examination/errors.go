package examination

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
)

var (
	ErrNotFound             = errors.New("examination not found")
	ErrDuplicateExamination = errors.New("examination already exists")
	ErrAlreadyVerified      = errors.New("examination already verified")
	ErrVersionConflict      = errors.New("examination was modified concurrently")
	ErrInvalidRiskScore     = errors.New("invalid risk score")
	ErrInvalidRiskLevel     = errors.New("invalid risk level")
	ErrMissingDiagnosis     = errors.New("final diagnosis is required")
)

// DuplicateExaminationError reports a second creation for the same image.
// It matches ErrDuplicateExamination.
type DuplicateExaminationError struct {
	ID uuid.UUID
}

func (e *DuplicateExaminationError) Error() string {
	return fmt.Sprintf("examination %s already exists", e.ID)
}

func (e *DuplicateExaminationError) Is(target error) bool {
	return target == ErrDuplicateExamination
}

// InvalidTransitionError is returned when an action is not allowed from the
// current status. From Verified it also matches ErrAlreadyVerified.
type InvalidTransitionError struct {
	From   Status
	Action string
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("cannot %s examination in status %s", e.Action, e.From)
}

func (e *InvalidTransitionError) Unwrap() error {
	if e.From == StatusVerified {
		return ErrAlreadyVerified
	}
	return nil
}
