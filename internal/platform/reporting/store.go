package reporting

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
)

// ClinicStats are the dashboard totals for one clinic.
type ClinicStats struct {
	ClinicID         uuid.UUID  `json:"clinic_id"`
	TotalPatients    int        `json:"total_patients"`
	TotalScans       int        `json:"total_scans"`
	OpenExaminations int        `json:"open_examinations"`
	HighRiskCases    int        `json:"high_risk_cases"`
	VerifiedCases    int        `json:"verified_cases"`
	RecentActivity   []Activity `json:"recent_activity"`
	GeneratedAt      time.Time  `json:"generated_at"`
}

// Activity is one recently touched examination.
type Activity struct {
	ExaminationID uuid.UUID `json:"examination_id"`
	PatientID     uuid.UUID `json:"patient_id"`
	Status        string    `json:"status"`
	RiskLevel     *string   `json:"risk_level,omitempty"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// ExportRow is one line of the examination export.
type ExportRow struct {
	ExaminationID uuid.UUID
	PatientName   string
	ExamDate      time.Time
	Status        string
	AIDiagnosis   sql.NullString
	RiskLevel     sql.NullString
	RiskScore     sql.NullFloat64
	Diagnosis     string
	VerifiedAt    sql.NullTime
}

// Store runs read-only reporting queries over database/sql.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

func NewStore(db *sql.DB) *Store {
	return &Store{db: db, now: time.Now}
}

// OpenFromPool exposes the application pool through the pgx stdlib driver.
func OpenFromPool(pool *pgxpool.Pool) *sql.DB {
	return stdlib.OpenDBFromPool(pool)
}

const statsQuery = `
SELECT
    (SELECT COUNT(*) FROM patients WHERE clinic_id = $1),
    COUNT(*),
    COUNT(*) FILTER (WHERE status IN ('Pending', 'Analyzed')),
    COUNT(*) FILTER (WHERE ai_risk_level = 'High' AND status <> 'Verified'),
    COUNT(*) FILTER (WHERE status = 'Verified')
FROM examinations
WHERE clinic_id = $1`

const recentQuery = `
SELECT id, patient_id, status, ai_risk_level, updated_at
FROM examinations
WHERE clinic_id = $1
ORDER BY updated_at DESC
LIMIT $2`

const exportQuery = `
SELECT e.id, p.full_name, e.exam_date, e.status, e.ai_diagnosis, e.ai_risk_level,
       e.ai_risk_score, e.diagnosis, e.verified_at
FROM examinations e
JOIN patients p ON p.id = e.patient_id
WHERE e.clinic_id = $1
ORDER BY e.exam_date DESC
LIMIT $2`

// ClinicStats collects totals and the last recentLimit examinations touched.
func (s *Store) ClinicStats(ctx context.Context, clinicID uuid.UUID, recentLimit int) (*ClinicStats, error) {
	st := &ClinicStats{ClinicID: clinicID, GeneratedAt: s.now().UTC()}
	err := s.db.QueryRowContext(ctx, statsQuery, clinicID).Scan(
		&st.TotalPatients, &st.TotalScans, &st.OpenExaminations, &st.HighRiskCases, &st.VerifiedCases,
	)
	if err != nil {
		return nil, fmt.Errorf("clinic stats: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, recentQuery, clinicID, recentLimit)
	if err != nil {
		return nil, fmt.Errorf("recent activity: %w", err)
	}
	defer rows.Close()

	st.RecentActivity = []Activity{}
	for rows.Next() {
		var a Activity
		var level sql.NullString
		if err := rows.Scan(&a.ExaminationID, &a.PatientID, &a.Status, &level, &a.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan activity: %w", err)
		}
		if level.Valid {
			a.RiskLevel = &level.String
		}
		st.RecentActivity = append(st.RecentActivity, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("recent activity: %w", err)
	}
	return st, nil
}

// ExportRows returns up to limit examinations of a clinic, newest first.
func (s *Store) ExportRows(ctx context.Context, clinicID uuid.UUID, limit int) ([]ExportRow, error) {
	rows, err := s.db.QueryContext(ctx, exportQuery, clinicID, limit)
	if err != nil {
		return nil, fmt.Errorf("export examinations: %w", err)
	}
	defer rows.Close()

	var out []ExportRow
	for rows.Next() {
		var r ExportRow
		if err := rows.Scan(&r.ExaminationID, &r.PatientName, &r.ExamDate, &r.Status, &r.AIDiagnosis,
			&r.RiskLevel, &r.RiskScore, &r.Diagnosis, &r.VerifiedAt); err != nil {
			return nil, fmt.Errorf("scan export row: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
