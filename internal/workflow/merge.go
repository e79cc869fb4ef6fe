package workflow

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/aura/exam/internal/domain/examination"
	"github.com/aura/exam/internal/events"
	"github.com/aura/exam/internal/platform/messaging"
)

// ErrOrphanReference is reported when an AI result names an examination
// that does not exist.
var ErrOrphanReference = errors.New("analysis result references unknown examination")

// MergeConsumer applies AnalysisCompleted events published by AI workers.
type MergeConsumer struct {
	exams   *examination.Service
	metrics Metrics
	logger  zerolog.Logger
}

func NewMergeConsumer(exams *examination.Service, metrics Metrics, logger zerolog.Logger) *MergeConsumer {
	return &MergeConsumer{
		exams:   exams,
		metrics: metrics,
		logger:  logger.With().Str("component", "merge_consumer").Logger(),
	}
}

func (m *MergeConsumer) HandleMessage(ctx context.Context, msg messaging.Message) error {
	var ev events.AnalysisCompleted
	if err := msg.Decode(&ev); err != nil {
		m.logger.Warn().Err(err).Str("message_id", msg.ID).Msg("dropping undecodable analysis message")
		m.count("merge_discarded_total", "invalid")
		return nil
	}
	return m.HandleAnalysisCompleted(ctx, ev)
}

// HandleAnalysisCompleted merges ev into its examination. Results that can
// never apply are logged and discarded; only storage failures are returned.
func (m *MergeConsumer) HandleAnalysisCompleted(ctx context.Context, ev events.AnalysisCompleted) error {
	if err := ev.Validate(); err != nil {
		m.logger.Warn().Err(err).Msg("dropping invalid analysis completed event")
		m.count("merge_discarded_total", "invalid")
		return nil
	}

	log := m.logger.With().Str("examination_id", ev.ExaminationID.String()).Logger()

	result, err := aiResultFromEvent(ev)
	if err != nil {
		log.Warn().Err(err).Msg("discarding analysis with invalid risk data")
		m.count("merge_discarded_total", "invalid")
		return nil
	}

	_, err = m.exams.ApplyAIResult(ctx, ev.ExaminationID, result)
	var transition *examination.InvalidTransitionError
	switch {
	case err == nil:
		log.Info().Msg("analysis merged")
		m.count("merge_applied_total")
		return nil
	case errors.Is(err, examination.ErrNotFound):
		log.Error().Err(fmt.Errorf("%w: %s", ErrOrphanReference, ev.ExaminationID)).Msg("discarding analysis")
		m.count("merge_discarded_total", "orphan")
		return nil
	case errors.As(err, &transition):
		log.Warn().Err(err).Msg("rejecting analysis for verified examination")
		m.count("merge_discarded_total", "verified")
		return nil
	case errors.Is(err, examination.ErrInvalidRiskScore), errors.Is(err, examination.ErrInvalidRiskLevel):
		log.Warn().Err(err).Msg("discarding analysis with invalid risk data")
		m.count("merge_discarded_total", "invalid")
		return nil
	}
	return fmt.Errorf("merge analysis for %s: %w", ev.ExaminationID, err)
}

func aiResultFromEvent(ev events.AnalysisCompleted) (examination.AIResult, error) {
	r := examination.AIResult{
		Diagnosis:  ev.Diagnosis,
		HeatmapURL: ev.HeatmapURL,
		RiskScore:  ev.RiskScore,
	}
	if ev.RiskLevel != nil && *ev.RiskLevel != "" {
		lvl, err := examination.ParseRiskLevel(*ev.RiskLevel)
		if err != nil {
			return r, err
		}
		r.RiskLevel = &lvl
	}
	return r, nil
}

func (m *MergeConsumer) count(name string, reason ...string) {
	if m.metrics == nil {
		return
	}
	if len(reason) > 0 {
		m.metrics.Inc(name, "reason", reason[0])
		return
	}
	m.metrics.Inc(name)
}
