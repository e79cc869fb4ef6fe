package patient

import (
	"context"
	"fmt"

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

type patientRepoPG struct{ pool *pgxpool.Pool }

func NewRepoPG(pool *pgxpool.Pool) Repository {
	return &patientRepoPG{pool: pool}
}

func (r *patientRepoPG) conn(ctx context.Context) queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	if c := db.ConnFromContext(ctx); c != nil {
		return c
	}
	return r.pool
}

const patientCols = `id, user_id, clinic_id, full_name, date_of_birth, gender,
	phone_number, address, placeholder, created_at, updated_at`

func (r *patientRepoPG) scanRow(row pgx.Row) (*Patient, error) {
	var p Patient
	err := row.Scan(&p.ID, &p.UserID, &p.ClinicID, &p.FullName, &p.DateOfBirth, &p.Gender,
		&p.PhoneNumber, &p.Address, &p.Placeholder, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		if db.IsNoRows(err) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &p, nil
}

func (r *patientRepoPG) CreateIfAbsent(ctx context.Context, p *Patient) (*Patient, bool, error) {
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	tag, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO patients (id, user_id, clinic_id, full_name, date_of_birth, gender,
			phone_number, address, placeholder)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
		ON CONFLICT (user_id) DO NOTHING`,
		p.ID, p.UserID, p.ClinicID, p.FullName, p.DateOfBirth, p.Gender,
		p.PhoneNumber, p.Address, p.Placeholder)
	if err != nil {
		return nil, false, fmt.Errorf("insert patient: %w", err)
	}

	stored, err := r.scanRow(r.conn(ctx).QueryRow(ctx,
		`SELECT `+patientCols+` FROM patients WHERE user_id = $1`, p.UserID))
	if err != nil {
		return nil, false, fmt.Errorf("re-read patient: %w", err)
	}
	return stored, tag.RowsAffected() == 1, nil
}

func (r *patientRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*Patient, error) {
	return r.scanRow(r.conn(ctx).QueryRow(ctx, `SELECT `+patientCols+` FROM patients WHERE id = $1`, id))
}

func (r *patientRepoPG) FindByIDOrUserID(ctx context.Context, id uuid.UUID) (*Patient, error) {
	return r.scanRow(r.conn(ctx).QueryRow(ctx, `SELECT `+patientCols+` FROM patients
		WHERE id = $1 OR user_id = $1
		ORDER BY (id = $1) DESC LIMIT 1`, id))
}

func (r *patientRepoPG) AssignClinic(ctx context.Context, id, clinicID uuid.UUID) (bool, error) {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE patients SET clinic_id = $2, updated_at = NOW()
		WHERE id = $1 AND clinic_id IS NULL`, id, clinicID)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (r *patientRepoPG) Complete(ctx context.Context, p *Patient) error {
	_, err := r.conn(ctx).Exec(ctx, `
		UPDATE patients SET full_name = $2, clinic_id = COALESCE(clinic_id, $3),
			placeholder = FALSE, updated_at = NOW()
		WHERE id = $1`, p.ID, p.FullName, p.ClinicID)
	return err
}
