package appointment

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

const shadowColumns = `id, clinic_id, event_id, contact_id, apt_num, pat_num, status,
	date, start_time, end_time, operatory, commlog_created, popup_created, created_at, updated_at`

func scanShadow(row pgx.Row) (*Shadow, error) {
	var s Shadow
	err := row.Scan(
		&s.ID,
		&s.ClinicID,
		&s.EventID,
		&s.ContactID,
		&s.AptNum,
		&s.PatNum,
		&s.Status,
		&s.Date,
		&s.StartTime,
		&s.EndTime,
		&s.Operatory,
		&s.CommlogCreated,
		&s.PopupCreated,
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

func (r *PgRepository) Reserve(ctx context.Context, clinicID uuid.UUID, eventID, contactID string) (*Shadow, bool, error) {
	s, err := scanShadow(r.conn.QueryRow(ctx, `
		INSERT INTO appointment_shadows (id, clinic_id, event_id, contact_id, created_at, updated_at)
		VALUES ($1, $2, $3, $4, now(), now())
		ON CONFLICT (clinic_id, event_id) DO NOTHING
		RETURNING `+shadowColumns,
		uuid.New(), clinicID, eventID, contactID,
	))
	switch {
	case err == nil:
		return s, false, nil
	case errors.Is(err, ErrShadowNotFound), db.IsUniqueViolation(err):
	default:
		return nil, false, fmt.Errorf("reserve appointment shadow: %w", err)
	}

	s, err = r.Get(ctx, clinicID, eventID)
	if err != nil {
		return nil, false, fmt.Errorf("read appointment shadow: %w", err)
	}
	return s, true, nil
}

func (r *PgRepository) Get(ctx context.Context, clinicID uuid.UUID, eventID string) (*Shadow, error) {
	return scanShadow(r.conn.QueryRow(ctx, `
		SELECT `+shadowColumns+`
		FROM appointment_shadows
		WHERE clinic_id = $1 AND event_id = $2
	`, clinicID, eventID))
}

func (r *PgRepository) Commit(ctx context.Context, s *Shadow) error {
	tag, err := r.conn.Exec(ctx, `
		UPDATE appointment_shadows
		SET apt_num = $2,
		    pat_num = $3,
		    status = $4,
		    date = $5,
		    start_time = $6,
		    end_time = $7,
		    operatory = $8,
		    updated_at = now()
		WHERE id = $1
	`, s.ID, s.AptNum, s.PatNum, s.Status, s.Date, s.StartTime, s.EndTime, s.Operatory)
	if err != nil {
		return fmt.Errorf("commit appointment shadow: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrShadowNotFound
	}
	return nil
}

func (r *PgRepository) MarkSideEffects(ctx context.Context, id uuid.UUID, commlog, popup bool) error {
	_, err := r.conn.Exec(ctx, `
		UPDATE appointment_shadows
		SET commlog_created = commlog_created OR $2,
		    popup_created = popup_created OR $3,
		    updated_at = now()
		WHERE id = $1
	`, id, commlog, popup)
	if err != nil {
		return fmt.Errorf("mark appointment side effects: %w", err)
	}
	return nil
}
