package workflow

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/aura/exam/internal/aiscoring"
	"github.com/aura/exam/internal/domain/examination"
	"github.com/aura/exam/internal/domain/patient"
	"github.com/aura/exam/internal/events"
	"github.com/aura/exam/internal/platform/messaging"
)

type txMarker struct{}

func inTx(ctx context.Context) bool { return ctx.Value(txMarker{}) != nil }

// -- Mock Examination Repository --

type mockExamRepo struct {
	mu        sync.Mutex
	exams     map[uuid.UUID]examination.Examination
	createdTx []bool
	existsErr error
	// racer, when set, inserts the same id just before Create runs.
	racer bool
}

func newMockExamRepo() *mockExamRepo {
	return &mockExamRepo{exams: make(map[uuid.UUID]examination.Examination)}
}

func (m *mockExamRepo) Create(ctx context.Context, e *examination.Examination) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.createdTx = append(m.createdTx, inTx(ctx))
	if m.racer {
		m.racer = false
		cp := *e
		m.exams[e.ID] = cp
	}
	if _, ok := m.exams[e.ID]; ok {
		return &examination.DuplicateExaminationError{ID: e.ID}
	}
	e.CreatedAt = time.Now()
	e.UpdatedAt = e.CreatedAt
	m.exams[e.ID] = *e
	return nil
}

func (m *mockExamRepo) GetByID(_ context.Context, id uuid.UUID) (*examination.Examination, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.exams[id]
	if !ok {
		return nil, examination.ErrNotFound
	}
	return &e, nil
}

func (m *mockExamRepo) Exists(_ context.Context, id uuid.UUID) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.existsErr != nil {
		return false, m.existsErr
	}
	_, ok := m.exams[id]
	return ok, nil
}

func (m *mockExamRepo) Update(_ context.Context, e *examination.Examination) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	stored, ok := m.exams[e.ID]
	if !ok {
		return examination.ErrNotFound
	}
	if stored.VersionID != e.VersionID {
		return examination.ErrVersionConflict
	}
	e.VersionID++
	e.UpdatedAt = time.Now()
	m.exams[e.ID] = *e
	return nil
}

func (m *mockExamRepo) Queue(context.Context, examination.QueueFilter, int, int) ([]*examination.Examination, int, error) {
	return nil, 0, nil
}

func (m *mockExamRepo) ListStalePending(_ context.Context, createdBefore time.Time, limit int) ([]*examination.Examination, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*examination.Examination
	for _, e := range m.exams {
		e := e
		if e.Status == examination.StatusPending && e.CreatedAt.Before(createdBefore) {
			out = append(out, &e)
		}
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (m *mockExamRepo) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.exams)
}

// -- Mock Patient Repository --

type mockPatientRepo struct {
	mu       sync.Mutex
	patients map[uuid.UUID]*patient.Patient
	inserts  int
	readTx   []bool
}

func newMockPatientRepo() *mockPatientRepo {
	return &mockPatientRepo{patients: make(map[uuid.UUID]*patient.Patient)}
}

func (m *mockPatientRepo) CreateIfAbsent(_ context.Context, p *patient.Patient) (*patient.Patient, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.patients {
		if existing.UserID == p.UserID {
			cp := *existing
			return &cp, false, nil
		}
	}
	m.inserts++
	cp := *p
	m.patients[p.ID] = &cp
	out := cp
	return &out, true, nil
}

func (m *mockPatientRepo) GetByID(_ context.Context, id uuid.UUID) (*patient.Patient, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.patients[id]
	if !ok {
		return nil, patient.ErrNotFound
	}
	cp := *p
	return &cp, nil
}

func (m *mockPatientRepo) FindByIDOrUserID(ctx context.Context, id uuid.UUID) (*patient.Patient, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.readTx = append(m.readTx, inTx(ctx))
	for _, p := range m.patients {
		if p.ID == id || p.UserID == id {
			cp := *p
			return &cp, nil
		}
	}
	return nil, patient.ErrNotFound
}

func (m *mockPatientRepo) AssignClinic(_ context.Context, id, clinicID uuid.UUID) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.patients[id]
	if !ok || p.ClinicID != nil {
		return false, nil
	}
	p.ClinicID = &clinicID
	return true, nil
}

func (m *mockPatientRepo) Complete(_ context.Context, p *patient.Patient) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *p
	m.patients[p.ID] = &cp
	return nil
}

// -- Fakes --

type fakeScorer struct {
	mu     sync.Mutex
	result *aiscoring.Result
	err    error
	calls  []aiscoring.Request
}

func (f *fakeScorer) Score(_ context.Context, req aiscoring.Request) (*aiscoring.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, req)
	if f.err != nil {
		return nil, f.err
	}
	return f.result, nil
}

type recordingPublisher struct {
	mu        sync.Mutex
	completed []events.AnalysisCompleted
	verified  []events.DiagnosisVerified
	updated   []events.AnalysisCompleted
}

func (p *recordingPublisher) AnalysisCompleted(_ context.Context, ev events.AnalysisCompleted) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.completed = append(p.completed, ev)
	return nil
}

func (p *recordingPublisher) DiagnosisVerified(_ context.Context, ev events.DiagnosisVerified) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.verified = append(p.verified, ev)
	return nil
}

func (p *recordingPublisher) ExaminationUpdated(_ context.Context, ev events.AnalysisCompleted) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.updated = append(p.updated, ev)
	return nil
}

type deadLetter struct {
	dlq   string
	msg   messaging.Message
	cause error
}

type recordingDLQ struct {
	mu      sync.Mutex
	letters []deadLetter
}

func (d *recordingDLQ) DeadLetter(_ context.Context, dlq string, msg messaging.Message, cause error) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.letters = append(d.letters, deadLetter{dlq: dlq, msg: msg, cause: cause})
	return "1-0", nil
}

type countingMetrics struct {
	mu     sync.Mutex
	counts map[string]int
}

func (m *countingMetrics) Inc(name string, labels ...string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.counts == nil {
		m.counts = map[string]int{}
	}
	m.counts[name]++
}

type counter struct{ n int }

func (c *counter) Inc() { c.n++ }

// -- Harness --

type harness struct {
	orch      *Orchestrator
	merge     *MergeConsumer
	exams     *examination.Service
	examRepo  *mockExamRepo
	patients  *mockPatientRepo
	scorer    *fakeScorer
	publisher *recordingPublisher
	dlq       *recordingDLQ
	metrics   *countingMetrics
	fallback  *counter
	txCalls   int
}

func newHarness(t *testing.T, fallbackClinic *uuid.UUID) *harness {
	t.Helper()
	h := &harness{
		examRepo:  newMockExamRepo(),
		patients:  newMockPatientRepo(),
		scorer:    &fakeScorer{},
		publisher: &recordingPublisher{},
		dlq:       &recordingDLQ{},
		metrics:   &countingMetrics{},
		fallback:  &counter{},
	}
	logger := zerolog.Nop()
	h.exams = examination.NewService(h.examRepo, h.publisher, logger)
	reconciler := patient.NewReconciler(h.patients, fallbackClinic, h.fallback, logger)

	h.orch = NewOrchestrator(Deps{
		Exams:      h.exams,
		Reconciler: reconciler,
		Scorer:     h.scorer,
		Publisher:  h.publisher,
		DeadLetter: h.dlq,
		Metrics:    h.metrics,
		Tx: func(ctx context.Context, fn func(ctx context.Context) error) error {
			h.txCalls++
			return fn(context.WithValue(ctx, txMarker{}, true))
		},
	}, logger)
	h.merge = NewMergeConsumer(h.exams, h.metrics, logger)
	return h
}

func scored(score float64, level examination.RiskLevel, diagnosis string) *aiscoring.Result {
	return &aiscoring.Result{Diagnosis: diagnosis, RiskLevel: &level, RiskScore: score, HeatmapURL: "https://blob/heatmap.png"}
}

func upload(clinicID *uuid.UUID) events.ImageUploaded {
	id := uuid.New()
	return events.ImageUploaded{
		ImageID:   id,
		ImageURL:  "https://blob/" + id.String() + ".jpg",
		PatientID: uuid.New(),
		ClinicID:  clinicID,
	}
}

func (h *harness) exam(t *testing.T, id uuid.UUID) *examination.Examination {
	t.Helper()
	e, err := h.exams.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("get examination %s: %v", id, err)
	}
	return e
}

func strPtr(s string) *string     { return &s }
func floatPtr(f float64) *float64 { return &f }
