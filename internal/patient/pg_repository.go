package patient

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/hackgods/crm-appointment-sync/internal/db"
)

type PgRepository struct {
	conn db.DBTX
}

func NewPgRepository(conn db.DBTX) *PgRepository {
	return &PgRepository{conn: conn}
}

const shadowColumns = `id, clinic_id, contact_id, pat_num, first_name, last_name, birth_date, created_at, updated_at`

func scanShadow(row pgx.Row) (*Shadow, error) {
	var s Shadow
	err := row.Scan(
		&s.ID,
		&s.ClinicID,
		&s.ContactID,
		&s.PatNum,
		&s.FirstName,
		&s.LastName,
		&s.BirthDate,
		&s.CreatedAt,
		&s.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrShadowNotFound
		}
		return nil, err
	}
	return &s, nil
}

func (r *PgRepository) Reserve(ctx context.Context, id Identity) (*Shadow, error) {
	// phase one: speculative insert
	row := r.conn.QueryRow(ctx, `
		INSERT INTO patient_shadows (id, clinic_id, contact_id, first_name, last_name, birth_date, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, now(), now())
		ON CONFLICT (clinic_id, contact_id) DO NOTHING
		RETURNING `+shadowColumns,
		uuid.New(), id.ClinicID, id.ContactID, id.FirstName, id.LastName, id.BirthDate,
	)
	s, err := scanShadow(row)
	switch {
	case err == nil:
		return s, nil
	case errors.Is(err, ErrShadowNotFound), db.IsUniqueViolation(err):
		// lost the race or the row already existed
	default:
		return nil, fmt.Errorf("reserve patient shadow: %w", err)
	}

	// phase two: read the winner
	s, err = scanShadow(r.conn.QueryRow(ctx, `
		SELECT `+shadowColumns+`
		FROM patient_shadows
		WHERE clinic_id = $1 AND contact_id = $2
	`, id.ClinicID, id.ContactID))
	if err != nil {
		return nil, fmt.Errorf("read patient shadow: %w", err)
	}
	return s, nil
}

func (r *PgRepository) SetPatNum(ctx context.Context, shadowID uuid.UUID, patNum int64) (int64, error) {
	tag, err := r.conn.Exec(ctx, `
		UPDATE patient_shadows
		SET pat_num = $2,
		    updated_at = now()
		WHERE id = $1
		  AND pat_num IS NULL
	`, shadowID, patNum)
	if err != nil && !db.IsUniqueViolation(err) {
		return 0, fmt.Errorf("set patient number: %w", err)
	}
	if err == nil && tag.RowsAffected() == 1 {
		return patNum, nil
	}

	var persisted *int64
	err = r.conn.QueryRow(ctx, `
		SELECT pat_num
		FROM patient_shadows
		WHERE id = $1
	`, shadowID).Scan(&persisted)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, ErrShadowNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("read patient number: %w", err)
	}
	if persisted == nil {
		return 0, fmt.Errorf("patient shadow %s has no number after update", shadowID)
	}
	return *persisted, nil
}
