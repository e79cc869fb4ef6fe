package examination

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

type Status string

const (
	StatusPending  Status = "Pending"
	StatusAnalyzed Status = "Analyzed"
	StatusVerified Status = "Verified"
)

type RiskLevel string

const (
	RiskLow    RiskLevel = "Low"
	RiskMedium RiskLevel = "Medium"
	RiskHigh   RiskLevel = "High"
)

// ProvisionalDiagnosis is shown until an AI result or a clinician replaces it.
const ProvisionalDiagnosis = "Awaiting AI analysis"

// Examination is the diagnostic record for one uploaded image. Its ID is the
// image id, which makes creation idempotent per upload.
type Examination struct {
	ID              uuid.UUID  `db:"id" json:"id"`
	PatientID       uuid.UUID  `db:"patient_id" json:"patient_id"`
	ClinicID        uuid.UUID  `db:"clinic_id" json:"clinic_id"`
	ImageURL        string     `db:"image_url" json:"image_url"`
	HeatmapURL      *string    `db:"heatmap_url" json:"heatmap_url,omitempty"`
	AIDiagnosis     *string    `db:"ai_diagnosis" json:"ai_diagnosis,omitempty"`
	AIRiskLevel     *RiskLevel `db:"ai_risk_level" json:"ai_risk_level,omitempty"`
	AIRiskScore     *float64   `db:"ai_risk_score" json:"ai_risk_score,omitempty"`
	Diagnosis       string     `db:"diagnosis" json:"diagnosis"`
	DoctorNotes     *string    `db:"doctor_notes" json:"doctor_notes,omitempty"`
	DoctorID        *uuid.UUID `db:"doctor_id" json:"doctor_id,omitempty"`
	Status          Status     `db:"status" json:"status"`
	ExamDate        time.Time  `db:"exam_date" json:"exam_date"`
	VerifiedAt      *time.Time `db:"verified_at" json:"verified_at,omitempty"`
	AIAttempts      int        `db:"ai_attempts" json:"ai_attempts"`
	LastAIError     *string    `db:"last_ai_error" json:"last_ai_error,omitempty"`
	LastAIAttemptAt *time.Time `db:"last_ai_attempt_at" json:"last_ai_attempt_at,omitempty"`
	VersionID       int        `db:"version_id" json:"version_id"`
	CreatedAt       time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt       time.Time  `db:"updated_at" json:"updated_at"`
}

func (e *Examination) GetVersionID() int  { return e.VersionID }
func (e *Examination) SetVersionID(v int) { e.VersionID = v }

// New returns a Pending examination carrying the provisional diagnosis.
func New(imageID, patientID, clinicID uuid.UUID, imageURL string, examDate time.Time) *Examination {
	return &Examination{
		ID:        imageID,
		PatientID: patientID,
		ClinicID:  clinicID,
		ImageURL:  imageURL,
		Diagnosis: ProvisionalDiagnosis,
		Status:    StatusPending,
		ExamDate:  examDate,
		VersionID: 1,
	}
}

// AIResult is a possibly partial AI outcome. Nil or blank fields leave the
// examination untouched.
type AIResult struct {
	Diagnosis  *string
	HeatmapURL *string
	RiskLevel  *RiskLevel
	RiskScore  *float64
}

// ApplyAIResult merges r into the examination and moves it to Analyzed.
// Diagnosis and heatmap are only overwritten by non-empty values; risk level
// and score are overwritten whenever present, score normalized to [0,1].
// Once Verified the result is rejected.
func (e *Examination) ApplyAIResult(r AIResult) error {
	if e.Status == StatusVerified {
		return &InvalidTransitionError{From: e.Status, Action: "apply AI result"}
	}

	var score *float64
	if r.RiskScore != nil {
		n, err := NormalizeRiskScore(*r.RiskScore)
		if err != nil {
			return err
		}
		score = &n
	}

	if nonEmpty(r.Diagnosis) {
		d := strings.TrimSpace(*r.Diagnosis)
		e.AIDiagnosis = &d
	}
	if nonEmpty(r.HeatmapURL) {
		h := strings.TrimSpace(*r.HeatmapURL)
		e.HeatmapURL = &h
	}
	if r.RiskLevel != nil {
		lvl := *r.RiskLevel
		e.AIRiskLevel = &lvl
	}
	if score != nil {
		e.AIRiskScore = score
	}
	e.Status = StatusAnalyzed
	return nil
}

// sameAIState reports whether a and b agree on status and every AI field.
func sameAIState(a, b *Examination) bool {
	return a.Status == b.Status &&
		equalPtr(a.AIDiagnosis, b.AIDiagnosis) &&
		equalPtr(a.HeatmapURL, b.HeatmapURL) &&
		equalPtr(a.AIRiskLevel, b.AIRiskLevel) &&
		equalPtr(a.AIRiskScore, b.AIRiskScore)
}

func equalPtr[T comparable](a, b *T) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

// ConfirmDiagnosis records the clinician's final diagnosis. Verification is
// allowed straight from Pending, so a clinician is never blocked by a
// missing AI result.
func (e *Examination) ConfirmDiagnosis(notes *string, finalDiagnosis string, doctorID *uuid.UUID, at time.Time) error {
	if e.Status != StatusPending && e.Status != StatusAnalyzed {
		return &InvalidTransitionError{From: e.Status, Action: "verify"}
	}
	finalDiagnosis = strings.TrimSpace(finalDiagnosis)
	if finalDiagnosis == "" {
		return ErrMissingDiagnosis
	}
	e.Diagnosis = finalDiagnosis
	e.DoctorNotes = notes
	e.DoctorID = doctorID
	verifiedAt := at
	e.VerifiedAt = &verifiedAt
	e.Status = StatusVerified
	return nil
}

// RecordAIAttempt tracks a scoring attempt. A nil cause clears the last error.
func (e *Examination) RecordAIAttempt(cause error, at time.Time) {
	e.AIAttempts++
	attemptAt := at
	e.LastAIAttemptAt = &attemptAt
	if cause == nil {
		e.LastAIError = nil
		return
	}
	msg := cause.Error()
	e.LastAIError = &msg
}

// DisplayDiagnosis is the clinician diagnosis once Verified, otherwise the AI
// diagnosis when one exists.
func (e *Examination) DisplayDiagnosis() string {
	if e.Status != StatusVerified && e.AIDiagnosis != nil {
		return *e.AIDiagnosis
	}
	return e.Diagnosis
}

func nonEmpty(s *string) bool {
	return s != nil && strings.TrimSpace(*s) != ""
}
