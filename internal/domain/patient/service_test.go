package patient

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/aura/exam/internal/events"
)

func strPtr(s string) *string { return &s }

func TestHandleUserRegistered_CreatesPatient(t *testing.T) {
	repo := newMockPatientRepo()
	svc := NewService(repo, zerolog.Nop())
	clinic := uuid.New()
	ev := events.UserRegistered{UserID: uuid.New(), Email: "lan@example.com", FullName: strPtr("Lan Nguyen"), Role: "Patient", ClinicID: &clinic}

	if err := svc.HandleUserRegistered(context.Background(), ev); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	p, err := svc.Get(context.Background(), ev.UserID)
	if err != nil {
		t.Fatalf("expected patient, got %v", err)
	}
	if p.FullName != "Lan Nguyen" || p.Placeholder || *p.ClinicID != clinic {
		t.Errorf("unexpected patient: %+v", p)
	}
}

func TestHandleUserRegistered_IgnoresOtherRoles(t *testing.T) {
	repo := newMockPatientRepo()
	svc := NewService(repo, zerolog.Nop())

	if err := svc.HandleUserRegistered(context.Background(), events.UserRegistered{UserID: uuid.New(), Role: "Doctor"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if repo.inserts != 0 {
		t.Error("doctor registration must not create a patient")
	}
}

func TestHandleUserRegistered_Idempotent(t *testing.T) {
	repo := newMockPatientRepo()
	svc := NewService(repo, zerolog.Nop())
	ev := events.UserRegistered{UserID: uuid.New(), Email: "a@b.c", Role: "patient"}

	for i := 0; i < 3; i++ {
		if err := svc.HandleUserRegistered(context.Background(), ev); err != nil {
			t.Fatalf("delivery %d: %v", i, err)
		}
	}
	if repo.inserts != 1 {
		t.Errorf("expected one patient, got %d inserts", repo.inserts)
	}
}

func TestHandleUserRegistered_CompletesPlaceholder(t *testing.T) {
	repo := newMockPatientRepo()
	svc := NewService(repo, zerolog.Nop())
	userID := uuid.New()
	clinic := uuid.New()
	placeholder := repo.add(NewPlaceholder(userID, &clinic, svc.now()))

	ev := events.UserRegistered{UserID: userID, Email: "minh@example.com", FullName: strPtr("Minh Tran"), Role: "Patient"}
	if err := svc.HandleUserRegistered(context.Background(), ev); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	p, _ := repo.GetByID(context.Background(), placeholder.ID)
	if p.Placeholder || p.FullName != "Minh Tran" {
		t.Errorf("expected placeholder to be completed, got %+v", p)
	}
	if *p.ClinicID != clinic {
		t.Error("existing clinic must be kept")
	}
}

func TestHandleUserRegistered_InvalidEventDropped(t *testing.T) {
	svc := NewService(newMockPatientRepo(), zerolog.Nop())
	if err := svc.HandleUserRegistered(context.Background(), events.UserRegistered{Role: "Patient"}); err != nil {
		t.Fatalf("invalid events are acknowledged, got %v", err)
	}
}
