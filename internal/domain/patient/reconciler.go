package patient

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// ErrNoClinic is returned when neither the patient, the event nor the
// configuration supplies a clinic.
var ErrNoClinic = errors.New("no clinic could be resolved for patient")

// Counter is incremented each time the fallback clinic is used.
type Counter interface {
	Inc()
}

type ReconcileRequest struct {
	PatientID uuid.UUID
	ClinicID  *uuid.UUID
}

// Resolution is the outcome of Reconcile.
type Resolution struct {
	Patient      *Patient
	ClinicID     uuid.UUID
	Created      bool // a placeholder patient was written
	Repaired     bool // the stored patient got the event clinic
	UsedFallback bool
}

// Reconciler guarantees a Patient exists before an examination references
// it, creating a placeholder when the upload names an unknown user.
type Reconciler struct {
	repo           Repository
	fallbackClinic *uuid.UUID
	fallbackUses   Counter
	logger         zerolog.Logger
	now            func() time.Time
}

func NewReconciler(repo Repository, fallbackClinic *uuid.UUID, fallbackUses Counter, logger zerolog.Logger) *Reconciler {
	return &Reconciler{
		repo:           repo,
		fallbackClinic: fallbackClinic,
		fallbackUses:   fallbackUses,
		logger:         logger.With().Str("component", "patient_reconciler").Logger(),
		now:            time.Now,
	}
}

// Reconcile resolves the patient and clinic for an upload. The clinic comes
// from the patient record, then the event, then the configured fallback.
func (r *Reconciler) Reconcile(ctx context.Context, req ReconcileRequest) (*Resolution, error) {
	p, err := r.repo.FindByIDOrUserID(ctx, req.PatientID)
	switch {
	case errors.Is(err, ErrNotFound):
		return r.createPlaceholder(ctx, req)
	case err != nil:
		return nil, fmt.Errorf("find patient %s: %w", req.PatientID, err)
	}

	res := &Resolution{Patient: p}
	switch {
	case p.ClinicID != nil:
		res.ClinicID = *p.ClinicID
	case req.ClinicID != nil:
		res.ClinicID = *req.ClinicID
		changed, err := r.repo.AssignClinic(ctx, p.ID, *req.ClinicID)
		if err != nil {
			return nil, fmt.Errorf("repair patient clinic: %w", err)
		}
		if changed {
			clinic := *req.ClinicID
			p.ClinicID = &clinic
			res.Repaired = true
			r.logger.Info().Str("patient_id", p.ID.String()).Str("clinic_id", clinic.String()).Msg("patient clinic repaired from upload event")
		} else if stored, err := r.repo.GetByID(ctx, p.ID); err == nil && stored.ClinicID != nil {
			// A concurrent writer assigned a clinic first; theirs wins.
			res.Patient = stored
			res.ClinicID = *stored.ClinicID
		}
	default:
		clinic, err := r.fallback(req.PatientID)
		if err != nil {
			return nil, err
		}
		res.ClinicID = clinic
		res.UsedFallback = true
	}
	return res, nil
}

func (r *Reconciler) createPlaceholder(ctx context.Context, req ReconcileRequest) (*Resolution, error) {
	res := &Resolution{}
	clinicID := req.ClinicID
	if clinicID == nil {
		clinic, err := r.fallback(req.PatientID)
		if err != nil {
			return nil, err
		}
		clinicID = &clinic
		res.UsedFallback = true
	}

	stored, created, err := r.repo.CreateIfAbsent(ctx, NewPlaceholder(req.PatientID, clinicID, r.now()))
	if err != nil {
		return nil, fmt.Errorf("create placeholder patient: %w", err)
	}
	res.Patient = stored
	res.Created = created
	res.ClinicID = *clinicID
	if stored.ClinicID != nil {
		res.ClinicID = *stored.ClinicID
	}
	if created {
		r.logger.Warn().
			Str("user_id", req.PatientID.String()).
			Str("patient_id", stored.ID.String()).
			Msg("created placeholder patient for unknown user")
	}
	return res, nil
}

func (r *Reconciler) fallback(patientID uuid.UUID) (uuid.UUID, error) {
	if r.fallbackClinic == nil {
		return uuid.Nil, fmt.Errorf("%w: patient %s", ErrNoClinic, patientID)
	}
	if r.fallbackUses != nil {
		r.fallbackUses.Inc()
	}
	r.logger.Warn().
		Str("patient_id", patientID.String()).
		Str("clinic_id", r.fallbackClinic.String()).
		Msg("no clinic on patient or event, using fallback clinic")
	return *r.fallbackClinic, nil
}
