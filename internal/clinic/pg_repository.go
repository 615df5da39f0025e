package clinic

import (
	"context"
	"encoding/json"
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

const clinicColumns = `id, name, owner_id, dso_id, crm_type, timezone,
	od_developer_key, od_customer_key, clinic_num, operatory_map,
	provider_num, crm_location_id, created_at, updated_at`

func scanClinic(row pgx.Row) (*Clinic, error) {
	var c Clinic
	var opMap []byte

	err := row.Scan(
		&c.ID,
		&c.Name,
		&c.OwnerID,
		&c.DSOID,
		&c.CRMType,
		&c.Timezone,
		&c.Credentials.DeveloperKey,
		&c.Credentials.CustomerKey,
		&c.Credentials.ClinicNum,
		&opMap,
		&c.ProviderNum,
		&c.CRMLocationID,
		&c.CreatedAt,
		&c.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}

	if len(opMap) > 0 {
		if err := json.Unmarshal(opMap, &c.Operatories); err != nil {
			return nil, fmt.Errorf("decode operatory map of clinic %s: %w", c.ID, err)
		}
	}
	return &c, nil
}

func (r *PgRepository) GetByID(ctx context.Context, id uuid.UUID) (*Clinic, error) {
	row := r.conn.QueryRow(ctx, `
		SELECT `+clinicColumns+`
		FROM clinics
		WHERE id = $1
	`, id)
	return scanClinic(row)
}

func (r *PgRepository) List(ctx context.Context) ([]Clinic, error) {
	rows, err := r.conn.Query(ctx, `
		SELECT `+clinicColumns+`
		FROM clinics
		ORDER BY name
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []Clinic
	for rows.Next() {
		c, err := scanClinic(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *c)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

func (r *PgRepository) Create(ctx context.Context, c *Clinic) error {
	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}
	opMap, err := json.Marshal(c.Operatories)
	if err != nil {
		return fmt.Errorf("encode operatory map: %w", err)
	}

	err = r.conn.QueryRow(ctx, `
		INSERT INTO clinics (id, name, owner_id, dso_id, crm_type, timezone,
			od_developer_key, od_customer_key, clinic_num, operatory_map,
			provider_num, crm_location_id, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, now(), now())
		RETURNING created_at, updated_at
	`, c.ID, c.Name, c.OwnerID, c.DSOID, c.CRMType, c.Timezone,
		c.Credentials.DeveloperKey, c.Credentials.CustomerKey, c.Credentials.ClinicNum, opMap,
		c.ProviderNum, c.CRMLocationID,
	).Scan(&c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert clinic: %w", err)
	}
	return nil
}
