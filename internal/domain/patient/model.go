package patient

import (
	"time"

	"github.com/google/uuid"
)

// Placeholder values written when a patient has to be created from an
// upload event alone.
const (
	PlaceholderName    = "Unregistered patient"
	PlaceholderGender  = "Unknown"
	PlaceholderPhone   = "N/A"
	PlaceholderAddress = "Not provided"
	placeholderAge     = 25
)

// Patient maps to the patients table. UserID is the linked account and is
// unique.
type Patient struct {
	ID          uuid.UUID  `db:"id" json:"id"`
	UserID      uuid.UUID  `db:"user_id" json:"user_id"`
	ClinicID    *uuid.UUID `db:"clinic_id" json:"clinic_id,omitempty"`
	FullName    string     `db:"full_name" json:"full_name"`
	DateOfBirth time.Time  `db:"date_of_birth" json:"date_of_birth"`
	Gender      string     `db:"gender" json:"gender"`
	PhoneNumber string     `db:"phone_number" json:"phone_number"`
	Address     string     `db:"address" json:"address"`
	Placeholder bool       `db:"placeholder" json:"placeholder"`
	CreatedAt   time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt   time.Time  `db:"updated_at" json:"updated_at"`
}

// NewPlaceholder builds the auto-healed record for an unknown user.
func NewPlaceholder(userID uuid.UUID, clinicID *uuid.UUID, now time.Time) *Patient {
	return &Patient{
		ID:          uuid.New(),
		UserID:      userID,
		ClinicID:    clinicID,
		FullName:    PlaceholderName,
		DateOfBirth: now.AddDate(-placeholderAge, 0, 0).Truncate(24 * time.Hour),
		Gender:      PlaceholderGender,
		PhoneNumber: PlaceholderPhone,
		Address:     PlaceholderAddress,
		Placeholder: true,
	}
}
