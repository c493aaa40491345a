package patient

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const uniqueViolation = "23505"

type repoPG struct{ pool *pgxpool.Pool }

func NewRepoPG(pool *pgxpool.Pool) Repository { return &repoPG{pool: pool} }

const cols = `id, first_name, last_name, age, height, weight, phone_number, created_at, updated_at`

func scan(row pgx.Row) (*Patient, error) {
	var p Patient
	err := row.Scan(&p.ID, &p.FirstName, &p.LastName, &p.Age, &p.Height, &p.Weight,
		&p.PhoneNumber, &p.CreatedAt, &p.UpdatedAt)
	return &p, err
}

func (r *repoPG) Create(ctx context.Context, p *Patient) error {
	created, err := scan(r.pool.QueryRow(ctx, `
		INSERT INTO patient (id, first_name, last_name, age, height, weight, phone_number)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING `+cols,
		p.ID, p.FirstName, p.LastName, p.Age, p.Height, p.Weight, p.PhoneNumber))
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return ErrExists
		}
		return fmt.Errorf("create patient: %w", err)
	}
	*p = *created
	return nil
}

func (r *repoPG) GetByID(ctx context.Context, id uuid.UUID) (*Patient, error) {
	p, err := scan(r.pool.QueryRow(ctx, `SELECT `+cols+` FROM patient WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get patient: %w", err)
	}
	return p, nil
}

func (r *repoPG) Update(ctx context.Context, p *Patient) error {
	updated, err := scan(r.pool.QueryRow(ctx, `
		UPDATE patient SET
			first_name = $2, last_name = $3, age = $4, height = $5, weight = $6,
			phone_number = $7, updated_at = NOW()
		WHERE id = $1
		RETURNING `+cols,
		p.ID, p.FirstName, p.LastName, p.Age, p.Height, p.Weight, p.PhoneNumber))
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("update patient: %w", err)
	}
	*p = *updated
	return nil
}
