// Package events defines the integration events exchanged with the rest of
// the platform over Redis Streams. Optional fields are pointers and every
// event checks its own required fields in Validate.
package events

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Stream names.
const (
	StreamImageUploaded     = "exam.image-uploaded"
	StreamAnalysisCompleted = "exam.analysis-completed"
	StreamDiagnosisVerified = "exam.diagnosis-verified"
	StreamUserRegistered    = "identity.user-registered"
	StreamImageUploadedDLQ  = "exam.image-uploaded.dlq"
)

// Event types carried in the "type" field of a stream message.
const (
	TypeImageUploaded     = "image.uploaded"
	TypeAnalysisCompleted = "analysis.completed"
	TypeDiagnosisVerified = "diagnosis.verified"
	TypeUserRegistered    = "user.registered"
)

// ErrInvalidEvent is returned by Validate when a required field is missing
// or malformed.
var ErrInvalidEvent = errors.New("invalid event")

func invalid(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrInvalidEvent, fmt.Sprintf(format, args...))
}

// Event is implemented by every integration event.
type Event interface {
	EventType() string
	Validate() error
}

// ImageUploaded is emitted by the ingestion service once an image is stored.
type ImageUploaded struct {
	ImageID   uuid.UUID  `json:"imageId"`
	ImageURL  string     `json:"imageUrl"`
	PatientID uuid.UUID  `json:"patientId"`
	ClinicID  *uuid.UUID `json:"clinicId,omitempty"`
	Timestamp *time.Time `json:"timestamp,omitempty"`
}

func (ImageUploaded) EventType() string { return TypeImageUploaded }

func (e ImageUploaded) Validate() error {
	if e.ImageID == uuid.Nil {
		return invalid("imageId is required")
	}
	if strings.TrimSpace(e.ImageURL) == "" {
		return invalid("imageUrl is required")
	}
	if e.PatientID == uuid.Nil {
		return invalid("patientId is required")
	}
	if e.ClinicID != nil && *e.ClinicID == uuid.Nil {
		return invalid("clinicId must not be the nil uuid")
	}
	return nil
}

// UploadedAt returns the event timestamp, or fallback when it was omitted.
func (e ImageUploaded) UploadedAt(fallback time.Time) time.Time {
	if e.Timestamp != nil && !e.Timestamp.IsZero() {
		return *e.Timestamp
	}
	return fallback
}

// AnalysisCompleted carries an AI result. Every result field is optional;
// absent fields leave the examination unchanged.
type AnalysisCompleted struct {
	ExaminationID uuid.UUID  `json:"examinationId"`
	ClinicID      *uuid.UUID `json:"clinicId,omitempty"`
	PatientID     *uuid.UUID `json:"patientId,omitempty"`
	RiskLevel     *string    `json:"riskLevel,omitempty"`
	RiskScore     *float64   `json:"riskScore,omitempty"`
	Diagnosis     *string    `json:"diagnosis,omitempty"`
	HeatmapURL    *string    `json:"heatmapUrl,omitempty"`
}

func (AnalysisCompleted) EventType() string { return TypeAnalysisCompleted }

func (e AnalysisCompleted) Validate() error {
	if e.ExaminationID == uuid.Nil {
		return invalid("examinationId is required")
	}
	return nil
}

// DiagnosisVerified is published after a clinician confirms a diagnosis.
type DiagnosisVerified struct {
	ExaminationID  uuid.UUID `json:"examinationId"`
	PatientID      uuid.UUID `json:"patientId"`
	ClinicID       uuid.UUID `json:"clinicId"`
	FinalDiagnosis string    `json:"finalDiagnosis"`
	DoctorNotes    *string   `json:"doctorNotes,omitempty"`
	VerifiedAt     time.Time `json:"verifiedAt"`
}

func (DiagnosisVerified) EventType() string { return TypeDiagnosisVerified }

func (e DiagnosisVerified) Validate() error {
	switch {
	case e.ExaminationID == uuid.Nil:
		return invalid("examinationId is required")
	case e.PatientID == uuid.Nil:
		return invalid("patientId is required")
	case strings.TrimSpace(e.FinalDiagnosis) == "":
		return invalid("finalDiagnosis is required")
	case e.VerifiedAt.IsZero():
		return invalid("verifiedAt is required")
	}
	return nil
}

// UserRegistered is emitted by the identity service for every new account.
type UserRegistered struct {
	UserID   uuid.UUID  `json:"userId"`
	Email    string     `json:"email"`
	FullName *string    `json:"fullName,omitempty"`
	Role     string     `json:"role"`
	ClinicID *uuid.UUID `json:"clinicId,omitempty"`
}

func (UserRegistered) EventType() string { return TypeUserRegistered }

func (e UserRegistered) Validate() error {
	if e.UserID == uuid.Nil {
		return invalid("userId is required")
	}
	if strings.TrimSpace(e.Role) == "" {
		return invalid("role is required")
	}
	return nil
}

// IsPatient reports whether the registered account belongs to a patient.
func (e UserRegistered) IsPatient() bool {
	return strings.EqualFold(e.Role, "patient")
}
