package patient

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/aura/exam/internal/events"
)

type Service struct {
	repo   Repository
	logger zerolog.Logger
	now    func() time.Time
}

func NewService(repo Repository, logger zerolog.Logger) *Service {
	return &Service{
		repo:   repo,
		logger: logger.With().Str("component", "patient").Logger(),
		now:    time.Now,
	}
}

func (s *Service) Get(ctx context.Context, id uuid.UUID) (*Patient, error) {
	return s.repo.FindByIDOrUserID(ctx, id)
}

// HandleUserRegistered creates the patient as soon as a patient account is
// registered. A placeholder created earlier from an upload is completed with
// the registered name; an existing real patient is left alone.
func (s *Service) HandleUserRegistered(ctx context.Context, ev events.UserRegistered) error {
	if err := ev.Validate(); err != nil {
		s.logger.Warn().Err(err).Msg("dropping invalid user registered event")
		return nil
	}
	if !ev.IsPatient() {
		return nil
	}

	name := ev.Email
	if ev.FullName != nil && strings.TrimSpace(*ev.FullName) != "" {
		name = strings.TrimSpace(*ev.FullName)
	}
	if name == "" {
		name = PlaceholderName
	}

	p := NewPlaceholder(ev.UserID, ev.ClinicID, s.now())
	p.FullName = name
	p.Placeholder = false

	stored, created, err := s.repo.CreateIfAbsent(ctx, p)
	if err != nil {
		return err
	}
	if created {
		s.logger.Info().Str("user_id", ev.UserID.String()).Str("patient_id", stored.ID.String()).Msg("patient created on registration")
		return nil
	}
	if !stored.Placeholder {
		return nil
	}

	stored.FullName = name
	if stored.ClinicID == nil {
		stored.ClinicID = ev.ClinicID
	}
	if err := s.repo.Complete(ctx, stored); err != nil {
		return err
	}
	s.logger.Info().Str("patient_id", stored.ID.String()).Msg("placeholder patient completed on registration")
	return nil
}
