package examination

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/aura/exam/internal/events"
)

// -- Mock Examination Repository --

type mockExamRepo struct {
	mu    sync.Mutex
	exams map[uuid.UUID]Examination
	// conflicts forces the next N updates to lose the version race.
	conflicts int
	updates   int
}

func newMockExamRepo() *mockExamRepo {
	return &mockExamRepo{exams: make(map[uuid.UUID]Examination)}
}

func (m *mockExamRepo) Create(_ context.Context, e *Examination) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.exams[e.ID]; ok {
		return &DuplicateExaminationError{ID: e.ID}
	}
	if e.VersionID == 0 {
		e.VersionID = 1
	}
	e.CreatedAt = time.Now()
	e.UpdatedAt = e.CreatedAt
	m.exams[e.ID] = *e
	return nil
}

func (m *mockExamRepo) GetByID(_ context.Context, id uuid.UUID) (*Examination, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.exams[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &e, nil
}

func (m *mockExamRepo) Exists(_ context.Context, id uuid.UUID) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.exams[id]
	return ok, nil
}

func (m *mockExamRepo) Update(_ context.Context, e *Examination) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.updates++
	stored, ok := m.exams[e.ID]
	if !ok {
		return ErrNotFound
	}
	if m.conflicts > 0 {
		m.conflicts--
		stored.VersionID++
		m.exams[e.ID] = stored
		return ErrVersionConflict
	}
	if stored.VersionID != e.VersionID {
		return ErrVersionConflict
	}
	e.VersionID++
	e.UpdatedAt = time.Now()
	m.exams[e.ID] = *e
	return nil
}

func (m *mockExamRepo) Queue(_ context.Context, f QueueFilter, limit, offset int) ([]*Examination, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	statuses := f.Statuses
	if len(statuses) == 0 {
		statuses = []Status{StatusPending, StatusAnalyzed}
	}
	var out []*Examination
	for _, e := range m.exams {
		e := e
		if f.ClinicID != nil && e.ClinicID != *f.ClinicID {
			continue
		}
		for _, s := range statuses {
			if e.Status == s {
				out = append(out, &e)
				break
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ExamDate.After(out[j].ExamDate) })
	total := len(out)
	if offset >= total {
		return nil, total, nil
	}
	end := offset + limit
	if end > total {
		end = total
	}
	return out[offset:end], total, nil
}

func (m *mockExamRepo) ListStalePending(_ context.Context, createdBefore time.Time, limit int) ([]*Examination, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Examination
	for _, e := range m.exams {
		e := e
		if e.Status == StatusPending && e.CreatedAt.Before(createdBefore) {
			out = append(out, &e)
		}
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

// -- Recording Notifier --

type recordingNotifier struct {
	mu       sync.Mutex
	verified []events.DiagnosisVerified
	updated  []events.AnalysisCompleted
	err      error
}

func (n *recordingNotifier) DiagnosisVerified(_ context.Context, ev events.DiagnosisVerified) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.verified = append(n.verified, ev)
	return n.err
}

func (n *recordingNotifier) ExaminationUpdated(_ context.Context, ev events.AnalysisCompleted) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.updated = append(n.updated, ev)
	return n.err
}

func newTestService() (*Service, *mockExamRepo, *recordingNotifier) {
	repo := newMockExamRepo()
	n := &recordingNotifier{}
	return NewService(repo, n, zerolog.Nop()), repo, n
}

func seed(t *testing.T, svc *Service) *Examination {
	t.Helper()
	e := newPending()
	if err := svc.Create(context.Background(), e); err != nil {
		t.Fatalf("seed: %v", err)
	}
	return e
}

func TestService_CreateDuplicate(t *testing.T) {
	svc, _, _ := newTestService()
	e := seed(t, svc)

	dup := New(e.ID, e.PatientID, e.ClinicID, e.ImageURL, e.ExamDate)
	err := svc.Create(context.Background(), dup)
	if !errors.Is(err, ErrDuplicateExamination) {
		t.Fatalf("expected ErrDuplicateExamination, got %v", err)
	}
}

func TestService_CreateRequiresIDs(t *testing.T) {
	svc, _, _ := newTestService()
	e := New(uuid.New(), uuid.Nil, uuid.New(), "u", time.Now())
	if err := svc.Create(context.Background(), e); err == nil {
		t.Fatal("expected error without patient id")
	}
}

func TestService_ApplyAIResult(t *testing.T) {
	svc, repo, n := newTestService()
	e := seed(t, svc)

	got, err := svc.ApplyAIResult(context.Background(), e.ID, AIResult{RiskLevel: levelPtr(RiskMedium), RiskScore: floatPtr(55)})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.Status != StatusAnalyzed || *got.AIRiskScore != 0.55 {
		t.Errorf("unexpected result: %+v", got)
	}
	stored, _ := repo.GetByID(context.Background(), e.ID)
	if stored.VersionID != 2 {
		t.Errorf("expected version 2, got %d", stored.VersionID)
	}
	if len(n.updated) != 1 || *n.updated[0].RiskLevel != "Medium" {
		t.Errorf("expected one realtime update, got %+v", n.updated)
	}
}

func TestService_ApplyAIResult_SameResultIsNoop(t *testing.T) {
	svc, repo, n := newTestService()
	e := seed(t, svc)
	res := AIResult{RiskLevel: levelPtr(RiskHigh), RiskScore: floatPtr(0.91), Diagnosis: strPtr("Severe NPDR")}

	if _, err := svc.ApplyAIResult(context.Background(), e.ID, res); err != nil {
		t.Fatalf("first apply: %v", err)
	}
	updates := repo.updates

	// Percent form of the same score normalizes to the stored value.
	res.RiskScore = floatPtr(91)
	got, err := svc.ApplyAIResult(context.Background(), e.ID, res)
	if err != nil {
		t.Fatalf("second apply: %v", err)
	}
	if repo.updates != updates {
		t.Errorf("expected no write for an unchanged result, got %d extra", repo.updates-updates)
	}
	if got.VersionID != 2 {
		t.Errorf("expected version to stay at 2, got %d", got.VersionID)
	}
	if len(n.updated) != 1 {
		t.Errorf("expected one realtime update, got %d", len(n.updated))
	}

	// A changed field is still saved.
	res.HeatmapURL = strPtr("https://blob/h.png")
	if _, err := svc.ApplyAIResult(context.Background(), e.ID, res); err != nil {
		t.Fatalf("third apply: %v", err)
	}
	if repo.updates != updates+1 || len(n.updated) != 2 {
		t.Errorf("expected the new heatmap to be saved and pushed")
	}
}

func TestService_ApplyAIResult_NotFound(t *testing.T) {
	svc, _, _ := newTestService()
	_, err := svc.ApplyAIResult(context.Background(), uuid.New(), AIResult{})
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestService_RetriesVersionConflict(t *testing.T) {
	svc, repo, _ := newTestService()
	e := seed(t, svc)
	repo.conflicts = 2

	got, err := svc.ApplyAIResult(context.Background(), e.ID, AIResult{RiskScore: floatPtr(0.4)})
	if err != nil {
		t.Fatalf("expected success after retries, got %v", err)
	}
	if *got.AIRiskScore != 0.4 {
		t.Errorf("expected score applied, got %v", *got.AIRiskScore)
	}
	if repo.updates != 3 {
		t.Errorf("expected 3 update attempts, got %d", repo.updates)
	}
}

func TestService_VersionConflictExhausted(t *testing.T) {
	svc, repo, _ := newTestService()
	e := seed(t, svc)
	repo.conflicts = maxUpdateAttempts

	_, err := svc.ApplyAIResult(context.Background(), e.ID, AIResult{RiskScore: floatPtr(0.4)})
	if !errors.Is(err, ErrVersionConflict) {
		t.Fatalf("expected ErrVersionConflict, got %v", err)
	}
}

func TestService_CompleteAnalysisCountsAttempt(t *testing.T) {
	svc, _, n := newTestService()
	e := seed(t, svc)

	got, err := svc.CompleteAnalysis(context.Background(), e.ID, AIResult{Diagnosis: strPtr("No DR")})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.AIAttempts != 1 || got.LastAIAttemptAt == nil {
		t.Errorf("expected attempt recorded, got %+v", got)
	}
	if len(n.updated) != 0 {
		t.Error("gateway completions are published by the orchestrator, not the service")
	}
}

func TestService_RecordAIFailureKeepsPending(t *testing.T) {
	svc, _, _ := newTestService()
	e := seed(t, svc)

	got, err := svc.RecordAIFailure(context.Background(), e.ID, errors.New("ai service returned 503"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.Status != StatusPending {
		t.Errorf("expected Pending, got %s", got.Status)
	}
	if got.AIAttempts != 1 || *got.LastAIError != "ai service returned 503" {
		t.Errorf("expected failure recorded, got %+v", got)
	}
}

func TestService_Verify(t *testing.T) {
	svc, _, n := newTestService()
	e := seed(t, svc)
	at := time.Date(2025, 6, 1, 9, 30, 0, 0, time.UTC)
	svc.now = func() time.Time { return at }

	got, err := svc.Verify(context.Background(), e.ID, VerifyRequest{FinalDiagnosis: "Mild NPDR", DoctorNotes: strPtr("follow up in 6 months")})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.Status != StatusVerified {
		t.Errorf("expected Verified, got %s", got.Status)
	}
	if len(n.verified) != 1 {
		t.Fatalf("expected one DiagnosisVerified, got %d", len(n.verified))
	}
	ev := n.verified[0]
	if ev.FinalDiagnosis != "Mild NPDR" || !ev.VerifiedAt.Equal(at) || ev.PatientID != e.PatientID {
		t.Errorf("unexpected event: %+v", ev)
	}
}

func TestService_VerifyTwiceRejected(t *testing.T) {
	svc, _, n := newTestService()
	e := seed(t, svc)
	if _, err := svc.Verify(context.Background(), e.ID, VerifyRequest{FinalDiagnosis: "first"}); err != nil {
		t.Fatalf("first verify: %v", err)
	}

	_, err := svc.Verify(context.Background(), e.ID, VerifyRequest{FinalDiagnosis: "second"})
	var transition *InvalidTransitionError
	if !errors.As(err, &transition) {
		t.Fatalf("expected InvalidTransitionError, got %v", err)
	}
	if len(n.verified) != 1 {
		t.Errorf("expected a single publication, got %d", len(n.verified))
	}
}

func TestService_VerifyPublishFailureStillSucceeds(t *testing.T) {
	svc, repo, n := newTestService()
	n.err = errors.New("redis down")
	e := seed(t, svc)

	if _, err := svc.Verify(context.Background(), e.ID, VerifyRequest{FinalDiagnosis: "No DR"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	stored, _ := repo.GetByID(context.Background(), e.ID)
	if stored.Status != StatusVerified {
		t.Errorf("expected Verified to persist, got %s", stored.Status)
	}
}

func TestService_StalePending(t *testing.T) {
	svc, repo, _ := newTestService()
	e := seed(t, svc)
	old := repo.exams[e.ID]
	old.CreatedAt = time.Now().Add(-time.Hour)
	repo.exams[e.ID] = old
	seed(t, svc)

	stale, err := svc.StalePending(context.Background(), 15*time.Minute, 10)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(stale) != 1 || stale[0].ID != e.ID {
		t.Errorf("expected only the old examination, got %d", len(stale))
	}
}
