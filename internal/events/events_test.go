package events

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
)

func TestImageUploaded_Validate(t *testing.T) {
	nilClinic := uuid.Nil
	valid := ImageUploaded{ImageID: uuid.New(), ImageURL: "https://blob/x.jpg", PatientID: uuid.New()}

	tests := []struct {
		name    string
		mutate  func(e *ImageUploaded)
		wantErr bool
	}{
		{"valid without clinic", func(e *ImageUploaded) {}, false},
		{"missing image id", func(e *ImageUploaded) { e.ImageID = uuid.Nil }, true},
		{"blank url", func(e *ImageUploaded) { e.ImageURL = "  " }, true},
		{"missing patient", func(e *ImageUploaded) { e.PatientID = uuid.Nil }, true},
		{"nil clinic uuid", func(e *ImageUploaded) { e.ClinicID = &nilClinic }, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := valid
			tt.mutate(&e)
			err := e.Validate()
			if (err != nil) != tt.wantErr {
				t.Fatalf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, ErrInvalidEvent) {
				t.Errorf("expected ErrInvalidEvent, got %v", err)
			}
		})
	}
}

func TestImageUploaded_DecodeOptionalFields(t *testing.T) {
	raw := `{"imageId":"7d1b3c1e-1f0c-4c69-9b1a-0d9e4a3c2b10","imageUrl":"https://blob/a.jpg","patientId":"0b8e5a52-2b8f-4a51-a0a9-6c1f4f0f9d11"}`
	var e ImageUploaded
	if err := json.Unmarshal([]byte(raw), &e); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if e.ClinicID != nil {
		t.Errorf("expected absent clinicId to stay nil, got %v", e.ClinicID)
	}
	if err := e.Validate(); err != nil {
		t.Errorf("unexpected validation error: %v", err)
	}
	fallback := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	if got := e.UploadedAt(fallback); !got.Equal(fallback) {
		t.Errorf("expected fallback timestamp, got %v", got)
	}
}

func TestAnalysisCompleted_Validate(t *testing.T) {
	if err := (AnalysisCompleted{}).Validate(); err == nil {
		t.Error("expected error without examinationId")
	}
	if err := (AnalysisCompleted{ExaminationID: uuid.New()}).Validate(); err != nil {
		t.Errorf("all result fields are optional, got %v", err)
	}
}

func TestDiagnosisVerified_Validate(t *testing.T) {
	e := DiagnosisVerified{
		ExaminationID:  uuid.New(),
		PatientID:      uuid.New(),
		FinalDiagnosis: "Mild NPDR",
		VerifiedAt:     time.Now(),
	}
	if err := e.Validate(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	e.FinalDiagnosis = ""
	if err := e.Validate(); err == nil {
		t.Error("expected error for empty final diagnosis")
	}
}

func TestUserRegistered_IsPatient(t *testing.T) {
	e := UserRegistered{UserID: uuid.New(), Role: "Patient"}
	if !e.IsPatient() {
		t.Error("expected Patient role to match case-insensitively")
	}
	e.Role = "Doctor"
	if e.IsPatient() {
		t.Error("doctor is not a patient")
	}
	if err := (UserRegistered{UserID: uuid.New()}).Validate(); err == nil {
		t.Error("expected error without role")
	}
}
