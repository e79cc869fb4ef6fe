// Package notify fans examination events out to the Redis streams, the
// websocket hub and the configured webhooks.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/aura/exam/internal/domain/patient"
	"github.com/aura/exam/internal/events"
	"github.com/aura/exam/internal/platform/webhook"
	"github.com/aura/exam/internal/platform/websocket"
)

// Websocket event types.
const (
	TypeExaminationUpdated = "examination.updated"
)

const webhookTimeout = 30 * time.Second

type StreamPublisher interface {
	Publish(ctx context.Context, stream string, ev events.Event) (string, error)
}

type Broadcaster interface {
	Publish(ctx context.Context, ev websocket.Event) (int, error)
}

type WebhookDispatcher interface {
	Dispatch(ctx context.Context, eventType string, payload interface{}) ([]*webhook.DeliveryAttempt, error)
}

// Patients resolves the account behind a patient record so the patient's own
// session receives verification pushes.
type Patients interface {
	Get(ctx context.Context, id uuid.UUID) (*patient.Patient, error)
}

type Notifier struct {
	stream   StreamPublisher
	hub      Broadcaster
	hooks    WebhookDispatcher
	patients Patients
	logger   zerolog.Logger
	wg       sync.WaitGroup
}

// New builds a Notifier. Any sink may be nil.
func New(stream StreamPublisher, hub Broadcaster, hooks WebhookDispatcher, patients Patients, logger zerolog.Logger) *Notifier {
	return &Notifier{
		stream:   stream,
		hub:      hub,
		hooks:    hooks,
		patients: patients,
		logger:   logger.With().Str("component", "notify").Logger(),
	}
}

// AnalysisCompleted publishes a finished analysis to the reporting stream,
// the clinic dashboard and the webhooks. Only the stream error is returned.
func (n *Notifier) AnalysisCompleted(ctx context.Context, ev events.AnalysisCompleted) error {
	var err error
	if n.stream != nil {
		if _, perr := n.stream.Publish(ctx, events.StreamAnalysisCompleted, ev); perr != nil {
			err = fmt.Errorf("publish analysis completed: %w", perr)
		}
	}
	if ev.ClinicID != nil {
		n.push(ctx, websocket.ClinicTopic(*ev.ClinicID), ev.EventType(), ev.ExaminationID, analysisMessage(ev), ev)
	}
	n.dispatch(ev.EventType(), ev)
	return err
}

// DiagnosisVerified publishes a clinician verification. The patient topic
// is pushed under both the patient id and the linked account id.
func (n *Notifier) DiagnosisVerified(ctx context.Context, ev events.DiagnosisVerified) error {
	var err error
	if n.stream != nil {
		if _, perr := n.stream.Publish(ctx, events.StreamDiagnosisVerified, ev); perr != nil {
			err = fmt.Errorf("publish diagnosis verified: %w", perr)
		}
	}

	const msg = "Your examination result has been reviewed by a doctor."
	for _, id := range n.patientTopics(ctx, ev.PatientID) {
		n.push(ctx, websocket.PatientTopic(id), ev.EventType(), ev.ExaminationID, msg, ev)
	}
	n.push(ctx, websocket.ClinicTopic(ev.ClinicID), ev.EventType(), ev.ExaminationID, "", ev)
	n.dispatch(ev.EventType(), ev)
	return err
}

// ExaminationUpdated refreshes the clinic dashboard after a merge.
func (n *Notifier) ExaminationUpdated(ctx context.Context, ev events.AnalysisCompleted) error {
	if ev.ClinicID == nil {
		return nil
	}
	n.push(ctx, websocket.ClinicTopic(*ev.ClinicID), TypeExaminationUpdated, ev.ExaminationID, analysisMessage(ev), ev)
	return nil
}

// Wait blocks until in-flight webhook deliveries finish.
func (n *Notifier) Wait() {
	n.wg.Wait()
}

func analysisMessage(ev events.AnalysisCompleted) string {
	if ev.RiskLevel != nil && *ev.RiskLevel == "High" {
		return "High risk case: review required."
	}
	return "AI analysis result available."
}

func (n *Notifier) patientTopics(ctx context.Context, patientID uuid.UUID) []uuid.UUID {
	ids := []uuid.UUID{patientID}
	if n.patients == nil {
		return ids
	}
	p, err := n.patients.Get(ctx, patientID)
	if err != nil {
		n.logger.Debug().Err(err).Str("patient_id", patientID.String()).Msg("resolve patient account")
		return ids
	}
	if p.UserID != uuid.Nil && p.UserID != patientID {
		ids = append(ids, p.UserID)
	}
	return ids
}

func (n *Notifier) push(ctx context.Context, topic, typ string, examID uuid.UUID, message string, payload interface{}) {
	if n.hub == nil {
		return
	}
	data, err := json.Marshal(payload)
	if err != nil {
		n.logger.Error().Err(err).Msg("marshal websocket payload")
		return
	}
	delivered, err := n.hub.Publish(ctx, websocket.Event{
		Type:          typ,
		Topic:         topic,
		ExaminationID: examID.String(),
		Message:       message,
		Timestamp:     time.Now().UTC(),
		Data:          data,
	})
	if err != nil {
		n.logger.Warn().Err(err).Str("topic", topic).Msg("websocket push")
		return
	}
	n.logger.Debug().Str("topic", topic).Str("type", typ).Int("clients", delivered).Msg("websocket push")
}

// dispatch delivers webhooks in the background. Wait drains them.
func (n *Notifier) dispatch(eventType string, payload interface{}) {
	if n.hooks == nil {
		return
	}
	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), webhookTimeout)
		defer cancel()
		if _, err := n.hooks.Dispatch(ctx, eventType, payload); err != nil {
			n.logger.Error().Err(err).Str("event_type", eventType).Msg("dispatch webhooks")
		}
	}()
}
