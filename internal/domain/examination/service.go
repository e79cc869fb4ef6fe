package examination

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/aura/exam/internal/events"
)

// maxUpdateAttempts bounds the re-read and re-apply loop on version conflicts.
const maxUpdateAttempts = 3

// Notifier fans examination changes out to downstream consumers.
type Notifier interface {
	DiagnosisVerified(ctx context.Context, ev events.DiagnosisVerified) error
	ExaminationUpdated(ctx context.Context, ev events.AnalysisCompleted) error
}

type Service struct {
	repo   Repository
	notify Notifier
	logger zerolog.Logger
	now    func() time.Time
}

func NewService(repo Repository, notify Notifier, logger zerolog.Logger) *Service {
	return &Service{
		repo:   repo,
		notify: notify,
		logger: logger.With().Str("component", "examination").Logger(),
		now:    time.Now,
	}
}

func (s *Service) Create(ctx context.Context, e *Examination) error {
	if e.ID == uuid.Nil || e.PatientID == uuid.Nil || e.ClinicID == uuid.Nil {
		return fmt.Errorf("examination requires image, patient and clinic ids")
	}
	return s.repo.Create(ctx, e)
}

func (s *Service) Get(ctx context.Context, id uuid.UUID) (*Examination, error) {
	return s.repo.GetByID(ctx, id)
}

func (s *Service) Exists(ctx context.Context, id uuid.UUID) (bool, error) {
	return s.repo.Exists(ctx, id)
}

func (s *Service) Queue(ctx context.Context, f QueueFilter, limit, offset int) ([]*Examination, int, error) {
	return s.repo.Queue(ctx, f, limit, offset)
}

func (s *Service) StalePending(ctx context.Context, olderThan time.Duration, limit int) ([]*Examination, error) {
	return s.repo.ListStalePending(ctx, s.now().Add(-olderThan), limit)
}

// mutate loads the examination, applies fn and saves it. On a version
// conflict the record is re-read and fn applied again.
func (s *Service) mutate(ctx context.Context, id uuid.UUID, fn func(e *Examination) error) (*Examination, error) {
	var lastErr error
	for attempt := 1; attempt <= maxUpdateAttempts; attempt++ {
		e, err := s.repo.GetByID(ctx, id)
		if err != nil {
			return nil, err
		}
		if err := fn(e); err != nil {
			return e, err
		}
		err = s.repo.Update(ctx, e)
		if err == nil {
			return e, nil
		}
		if !errors.Is(err, ErrVersionConflict) {
			return nil, err
		}
		lastErr = err
		s.logger.Debug().Str("examination_id", id.String()).Int("attempt", attempt).Msg("version conflict, retrying")
	}
	return nil, lastErr
}

// errUnchanged aborts a mutation that would not alter the record.
var errUnchanged = errors.New("examination unchanged")

// ApplyAIResult merges an AI result arriving from outside the scoring
// gateway: the analysis stream or the HTTP ingress. A result already
// reflected in the record, such as this service's own AnalysisCompleted read
// back from the stream, is neither saved nor pushed again.
func (s *Service) ApplyAIResult(ctx context.Context, id uuid.UUID, r AIResult) (*Examination, error) {
	e, err := s.mutate(ctx, id, func(e *Examination) error {
		before := *e
		if err := e.ApplyAIResult(r); err != nil {
			return err
		}
		if sameAIState(&before, e) {
			return errUnchanged
		}
		return nil
	})
	if errors.Is(err, errUnchanged) {
		return e, nil
	}
	if err != nil {
		return e, err
	}
	s.publishUpdated(ctx, e)
	return e, nil
}

// CompleteAnalysis merges a scoring-gateway result and counts the attempt.
func (s *Service) CompleteAnalysis(ctx context.Context, id uuid.UUID, r AIResult) (*Examination, error) {
	return s.mutate(ctx, id, func(e *Examination) error {
		if err := e.ApplyAIResult(r); err != nil {
			return err
		}
		e.RecordAIAttempt(nil, s.now())
		return nil
	})
}

// RecordAIFailure stores a failed scoring attempt. The status is unchanged.
func (s *Service) RecordAIFailure(ctx context.Context, id uuid.UUID, cause error) (*Examination, error) {
	return s.mutate(ctx, id, func(e *Examination) error {
		if e.Status == StatusVerified {
			return &InvalidTransitionError{From: e.Status, Action: "record AI failure"}
		}
		e.RecordAIAttempt(cause, s.now())
		return nil
	})
}

type VerifyRequest struct {
	FinalDiagnosis string
	DoctorNotes    *string
	DoctorID       *uuid.UUID
}

// Verify confirms the clinician diagnosis and publishes DiagnosisVerified.
// A publish failure is logged; the verification itself stands.
func (s *Service) Verify(ctx context.Context, id uuid.UUID, req VerifyRequest) (*Examination, error) {
	e, err := s.mutate(ctx, id, func(e *Examination) error {
		return e.ConfirmDiagnosis(req.DoctorNotes, req.FinalDiagnosis, req.DoctorID, s.now())
	})
	if err != nil {
		return e, err
	}

	ev := events.DiagnosisVerified{
		ExaminationID:  e.ID,
		PatientID:      e.PatientID,
		ClinicID:       e.ClinicID,
		FinalDiagnosis: e.Diagnosis,
		DoctorNotes:    e.DoctorNotes,
		VerifiedAt:     *e.VerifiedAt,
	}
	if s.notify != nil {
		if err := s.notify.DiagnosisVerified(ctx, ev); err != nil {
			s.logger.Error().Err(err).Str("examination_id", e.ID.String()).Msg("publish diagnosis verified")
		}
	}
	return e, nil
}

func (s *Service) publishUpdated(ctx context.Context, e *Examination) {
	if s.notify == nil {
		return
	}
	if err := s.notify.ExaminationUpdated(ctx, AnalysisEvent(e)); err != nil {
		s.logger.Warn().Err(err).Str("examination_id", e.ID.String()).Msg("push examination update")
	}
}

// AnalysisEvent describes the AI state of e as an AnalysisCompleted event.
func AnalysisEvent(e *Examination) events.AnalysisCompleted {
	clinicID, patientID := e.ClinicID, e.PatientID
	ev := events.AnalysisCompleted{
		ExaminationID: e.ID,
		ClinicID:      &clinicID,
		PatientID:     &patientID,
		RiskScore:     e.AIRiskScore,
		Diagnosis:     e.AIDiagnosis,
		HeatmapURL:    e.HeatmapURL,
	}
	if e.AIRiskLevel != nil {
		lvl := string(*e.AIRiskLevel)
		ev.RiskLevel = &lvl
	}
	return ev
}
