// Package workflow drives an uploaded image from a Pending examination
// through AI scoring, and merges AI results published by other workers.
package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/aura/exam/internal/aiscoring"
	"github.com/aura/exam/internal/domain/examination"
	"github.com/aura/exam/internal/domain/patient"
	"github.com/aura/exam/internal/events"
	"github.com/aura/exam/internal/platform/messaging"
)

// TxRunner runs fn inside one database transaction carried by ctx.
type TxRunner func(ctx context.Context, fn func(ctx context.Context) error) error

// Scorer submits an image to the AI scoring service.
type Scorer interface {
	Score(ctx context.Context, req aiscoring.Request) (*aiscoring.Result, error)
}

// Reconciler resolves the patient and clinic for an upload.
type Reconciler interface {
	Reconcile(ctx context.Context, req patient.ReconcileRequest) (*patient.Resolution, error)
}

// AnalysisPublisher announces a completed analysis downstream.
type AnalysisPublisher interface {
	AnalysisCompleted(ctx context.Context, ev events.AnalysisCompleted) error
}

// DeadLetterer parks an event that could not be processed.
type DeadLetterer interface {
	DeadLetter(ctx context.Context, dlq string, msg messaging.Message, cause error) (string, error)
}

// Metrics is the counter surface the orchestrator reports to.
type Metrics interface {
	Inc(name string, labels ...string)
}

type Orchestrator struct {
	exams      *examination.Service
	reconciler Reconciler
	scorer     Scorer
	publisher  AnalysisPublisher
	dlq        DeadLetterer
	tx         TxRunner
	metrics    Metrics
	logger     zerolog.Logger
	now        func() time.Time
}

type Deps struct {
	Exams      *examination.Service
	Reconciler Reconciler
	Scorer     Scorer
	Publisher  AnalysisPublisher
	DeadLetter DeadLetterer
	Tx         TxRunner
	Metrics    Metrics
}

func NewOrchestrator(d Deps, logger zerolog.Logger) *Orchestrator {
	tx := d.Tx
	if tx == nil {
		tx = func(ctx context.Context, fn func(ctx context.Context) error) error { return fn(ctx) }
	}
	return &Orchestrator{
		exams:      d.Exams,
		reconciler: d.Reconciler,
		scorer:     d.Scorer,
		publisher:  d.Publisher,
		dlq:        d.DeadLetter,
		tx:         tx,
		metrics:    d.Metrics,
		logger:     logger.With().Str("component", "orchestrator").Logger(),
		now:        time.Now,
	}
}

// HandleMessage decodes an ImageUploaded stream entry.
func (o *Orchestrator) HandleMessage(ctx context.Context, msg messaging.Message) error {
	var ev events.ImageUploaded
	if err := msg.Decode(&ev); err != nil {
		o.logger.Warn().Err(err).Str("message_id", msg.ID).Msg("dropping undecodable image uploaded message")
		o.count("workflow_events_invalid_total")
		return nil
	}
	return o.HandleImageUploaded(ctx, ev)
}

// HandleImageUploaded opens a Pending examination for the image and scores it.
// It returns an error only when the examination store cannot be read, so the
// message is redelivered. Every later failure is recorded and dead-lettered.
func (o *Orchestrator) HandleImageUploaded(ctx context.Context, ev events.ImageUploaded) error {
	if err := ev.Validate(); err != nil {
		o.logger.Warn().Err(err).Msg("dropping invalid image uploaded event")
		o.count("workflow_events_invalid_total")
		return nil
	}

	log := o.logger.With().
		Str("image_id", ev.ImageID.String()).
		Str("patient_id", ev.PatientID.String()).
		Logger()

	exists, err := o.exams.Exists(ctx, ev.ImageID)
	if err != nil {
		return fmt.Errorf("check examination %s: %w", ev.ImageID, err)
	}
	if exists {
		log.Info().Msg("examination already exists, skipping duplicate upload")
		o.count("workflow_duplicates_total")
		return nil
	}

	exam, err := o.open(ctx, ev)
	if errors.Is(err, examination.ErrDuplicateExamination) {
		log.Info().Msg("examination created concurrently, skipping duplicate upload")
		o.count("workflow_duplicates_total")
		return nil
	}
	if err != nil {
		log.Error().Err(err).Msg("open examination")
		o.deadLetter(ctx, ev, err)
		return nil
	}

	log.Info().
		Str("clinic_id", exam.ClinicID.String()).
		Msg("examination opened")

	if _, err := o.analyze(ctx, exam, ev.ImageURL); err != nil {
		o.deadLetter(ctx, ev, err)
	}
	return nil
}

// open reconciles the patient and creates the examination in one transaction.
func (o *Orchestrator) open(ctx context.Context, ev events.ImageUploaded) (*examination.Examination, error) {
	var exam *examination.Examination
	err := o.tx(ctx, func(ctx context.Context) error {
		res, err := o.reconciler.Reconcile(ctx, patient.ReconcileRequest{
			PatientID: ev.PatientID,
			ClinicID:  ev.ClinicID,
		})
		if err != nil {
			return fmt.Errorf("reconcile patient: %w", err)
		}
		exam = examination.New(ev.ImageID, res.Patient.ID, res.ClinicID, ev.ImageURL, ev.UploadedAt(o.now()))
		return o.exams.Create(ctx, exam)
	})
	if err != nil {
		return nil, err
	}
	return exam, nil
}

// analyze scores exam and merges the result. A scoring failure is recorded
// on the examination, which stays Pending, and returned.
func (o *Orchestrator) analyze(ctx context.Context, exam *examination.Examination, imageURL string) (*examination.Examination, error) {
	log := o.logger.With().Str("examination_id", exam.ID.String()).Logger()

	res, err := o.scorer.Score(ctx, aiscoring.NewRequest(exam.ID, imageURL, exam.PatientID))
	if err != nil {
		log.Error().Err(err).Msg("ai scoring failed")
		o.count("workflow_ai_failures_total")
		return o.recordFailure(ctx, exam, err), err
	}

	updated, err := o.exams.CompleteAnalysis(ctx, exam.ID, res.AIResult())
	if err != nil {
		log.Error().Err(err).Msg("merge ai result")
		o.count("workflow_ai_failures_total")
		return o.recordFailure(ctx, exam, err), err
	}

	log.Info().
		Float64("risk_score", res.RiskScore).
		Msg("examination analyzed")
	o.count("workflow_analyzed_total")

	if o.publisher != nil {
		if err := o.publisher.AnalysisCompleted(ctx, examination.AnalysisEvent(updated)); err != nil {
			log.Error().Err(err).Msg("publish analysis completed")
		}
	}
	return updated, nil
}

func (o *Orchestrator) recordFailure(ctx context.Context, exam *examination.Examination, cause error) *examination.Examination {
	updated, err := o.exams.RecordAIFailure(ctx, exam.ID, cause)
	if err != nil {
		o.logger.Error().Err(err).Str("examination_id", exam.ID.String()).Msg("record ai failure")
		return exam
	}
	return updated
}

func (o *Orchestrator) deadLetter(ctx context.Context, ev events.ImageUploaded, cause error) {
	if o.dlq == nil {
		return
	}
	data, err := json.Marshal(ev)
	if err != nil {
		o.logger.Error().Err(err).Msg("marshal dead letter")
		return
	}
	msg := messaging.Message{Stream: events.StreamImageUploaded, Type: ev.EventType(), Data: data}
	if _, err := o.dlq.DeadLetter(ctx, events.StreamImageUploadedDLQ, msg, cause); err != nil {
		o.logger.Error().Err(err).Str("image_id", ev.ImageID.String()).Msg("dead letter image uploaded event")
		return
	}
	o.count("workflow_dead_letters_total")
}

// Reanalyze scores a Pending examination again. A scoring failure is not an
// error: the examination is returned with the failure recorded on it.
func (o *Orchestrator) Reanalyze(ctx context.Context, id uuid.UUID) (*examination.Examination, error) {
	exam, err := o.exams.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if exam.Status != examination.StatusPending {
		return nil, &examination.InvalidTransitionError{From: exam.Status, Action: "reanalyze"}
	}
	updated, _ := o.analyze(ctx, exam, exam.ImageURL)
	return updated, nil
}

// SweepResult summarises a stale Pending sweep.
type SweepResult struct {
	Scanned  int
	Analyzed int
	Failed   int
}

// SweepStale reanalyzes examinations left Pending for longer than olderThan.
func (o *Orchestrator) SweepStale(ctx context.Context, olderThan time.Duration, limit int) (SweepResult, error) {
	var out SweepResult
	stale, err := o.exams.StalePending(ctx, olderThan, limit)
	if err != nil {
		return out, fmt.Errorf("list stale examinations: %w", err)
	}
	for _, e := range stale {
		if ctx.Err() != nil {
			return out, ctx.Err()
		}
		out.Scanned++
		updated, err := o.Reanalyze(ctx, e.ID)
		if err != nil || updated.Status != examination.StatusAnalyzed {
			out.Failed++
			continue
		}
		out.Analyzed++
	}
	o.logger.Info().
		Int("scanned", out.Scanned).
		Int("analyzed", out.Analyzed).
		Int("failed", out.Failed).
		Msg("stale examination sweep finished")
	return out, nil
}

func (o *Orchestrator) count(name string) {
	if o.metrics != nil {
		o.metrics.Inc(name)
	}
}
