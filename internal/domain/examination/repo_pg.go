package examination

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/aura/exam/internal/platform/db"
)

type queryable interface {
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
}

type examRepoPG struct{ pool *pgxpool.Pool }

func NewRepoPG(pool *pgxpool.Pool) Repository {
	return &examRepoPG{pool: pool}
}

func (r *examRepoPG) conn(ctx context.Context) queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	if c := db.ConnFromContext(ctx); c != nil {
		return c
	}
	return r.pool
}

const examCols = `id, patient_id, clinic_id, image_url, heatmap_url,
	ai_diagnosis, ai_risk_level, ai_risk_score, diagnosis, doctor_notes, doctor_id,
	status, exam_date, verified_at, ai_attempts, last_ai_error, last_ai_attempt_at,
	version_id, created_at, updated_at`

func (r *examRepoPG) scanRow(row pgx.Row) (*Examination, error) {
	var e Examination
	err := row.Scan(&e.ID, &e.PatientID, &e.ClinicID, &e.ImageURL, &e.HeatmapURL,
		&e.AIDiagnosis, &e.AIRiskLevel, &e.AIRiskScore, &e.Diagnosis, &e.DoctorNotes, &e.DoctorID,
		&e.Status, &e.ExamDate, &e.VerifiedAt, &e.AIAttempts, &e.LastAIError, &e.LastAIAttemptAt,
		&e.VersionID, &e.CreatedAt, &e.UpdatedAt)
	if err != nil {
		if db.IsNoRows(err) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &e, nil
}

func (r *examRepoPG) Create(ctx context.Context, e *Examination) error {
	if e.VersionID == 0 {
		e.VersionID = 1
	}
	row := r.conn(ctx).QueryRow(ctx, `
		INSERT INTO examinations (id, patient_id, clinic_id, image_url, heatmap_url,
			ai_diagnosis, ai_risk_level, ai_risk_score, diagnosis, doctor_notes, doctor_id,
			status, exam_date, verified_at, ai_attempts, last_ai_error, last_ai_attempt_at, version_id)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18)
		ON CONFLICT (id) DO NOTHING
		RETURNING created_at, updated_at`,
		e.ID, e.PatientID, e.ClinicID, e.ImageURL, e.HeatmapURL,
		e.AIDiagnosis, e.AIRiskLevel, e.AIRiskScore, e.Diagnosis, e.DoctorNotes, e.DoctorID,
		e.Status, e.ExamDate, e.VerifiedAt, e.AIAttempts, e.LastAIError, e.LastAIAttemptAt, e.VersionID)
	if err := row.Scan(&e.CreatedAt, &e.UpdatedAt); err != nil {
		if db.IsNoRows(err) || db.IsUniqueViolation(err) {
			return &DuplicateExaminationError{ID: e.ID}
		}
		return fmt.Errorf("insert examination: %w", err)
	}
	return nil
}

func (r *examRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*Examination, error) {
	return r.scanRow(r.conn(ctx).QueryRow(ctx, `SELECT `+examCols+` FROM examinations WHERE id = $1`, id))
}

func (r *examRepoPG) Exists(ctx context.Context, id uuid.UUID) (bool, error) {
	var exists bool
	err := r.conn(ctx).QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM examinations WHERE id = $1)`, id).Scan(&exists)
	return exists, err
}

func (r *examRepoPG) Update(ctx context.Context, e *Examination) error {
	row := r.conn(ctx).QueryRow(ctx, `
		UPDATE examinations SET heatmap_url=$3, ai_diagnosis=$4, ai_risk_level=$5, ai_risk_score=$6,
			diagnosis=$7, doctor_notes=$8, doctor_id=$9, status=$10, verified_at=$11,
			ai_attempts=$12, last_ai_error=$13, last_ai_attempt_at=$14,
			version_id=version_id+1, updated_at=NOW()
		WHERE id = $1 AND version_id = $2
		RETURNING version_id, updated_at`,
		e.ID, e.VersionID, e.HeatmapURL, e.AIDiagnosis, e.AIRiskLevel, e.AIRiskScore,
		e.Diagnosis, e.DoctorNotes, e.DoctorID, e.Status, e.VerifiedAt,
		e.AIAttempts, e.LastAIError, e.LastAIAttemptAt)
	if err := row.Scan(&e.VersionID, &e.UpdatedAt); err != nil {
		if db.IsNoRows(err) {
			return ErrVersionConflict
		}
		return fmt.Errorf("update examination: %w", err)
	}
	return nil
}

func (r *examRepoPG) Queue(ctx context.Context, f QueueFilter, limit, offset int) ([]*Examination, int, error) {
	statuses := f.Statuses
	if len(statuses) == 0 {
		statuses = []Status{StatusPending, StatusAnalyzed}
	}
	names := make([]string, len(statuses))
	for i, s := range statuses {
		names[i] = string(s)
	}

	where := []string{`status = ANY($1)`}
	args := []interface{}{names}
	idx := 2
	if f.ClinicID != nil {
		where = append(where, fmt.Sprintf(`clinic_id = $%d`, idx))
		args = append(args, *f.ClinicID)
		idx++
	}
	cond := strings.Join(where, " AND ")

	var total int
	if err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM examinations WHERE `+cond, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	query := `SELECT ` + examCols + ` FROM examinations WHERE ` + cond +
		fmt.Sprintf(` ORDER BY exam_date DESC LIMIT $%d OFFSET $%d`, idx, idx+1)
	args = append(args, limit, offset)
	items, err := r.collect(ctx, query, args...)
	return items, total, err
}

func (r *examRepoPG) ListStalePending(ctx context.Context, createdBefore time.Time, limit int) ([]*Examination, error) {
	return r.collect(ctx, `SELECT `+examCols+` FROM examinations
		WHERE status = 'Pending' AND created_at < $1
		ORDER BY created_at LIMIT $2`, createdBefore, limit)
}

func (r *examRepoPG) collect(ctx context.Context, query string, args ...interface{}) ([]*Examination, error) {
	rows, err := r.conn(ctx).Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []*Examination
	for rows.Next() {
		e, err := r.scanRow(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, e)
	}
	return items, rows.Err()
}
