package emergency

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Constraint names from migrations/001_emergency.sql.
const (
	constraintActiveAmbulance = "emergency_case_active_ambulance_idx"
	constraintActivePatient   = "emergency_case_active_patient_idx"
	constraintAmbulanceFK     = "emergency_case_ambulance_fk"
	constraintPatientFK       = "emergency_case_patient_fk"
)

// =========== Case Repository ===========

type caseRepoPG struct{ pool *pgxpool.Pool }

func NewCaseRepoPG(pool *pgxpool.Pool) CaseRepository { return &caseRepoPG{pool: pool} }

const caseCols = `id, patient_id, ambulance_id, status, nih_scale, start_date,
	pickup_date, delivered_date, attended_date, cancel_reason, created_at, updated_at`

const viewCols = `c.id, c.patient_id, c.ambulance_id, c.status, c.nih_scale, c.start_date,
	c.pickup_date, c.delivered_date, c.attended_date, c.cancel_reason, c.created_at, c.updated_at,
	p.first_name, p.last_name, p.age, p.height, p.weight, p.phone_number`

const activeFilter = `status NOT IN ('CANCELLED', 'ATTENDED')`

// outboxInsert fans the notification arrays out into emergency_outbox rows
// for the case produced by the CTE named src.
func outboxInsert(src string, first int) string {
	return fmt.Sprintf(`INSERT INTO emergency_outbox (emergency_id, exchange, routing_key, event_type, payload)
		SELECT %[1]s.id, ev.exchange, ev.routing_key, ev.event_type, ev.payload::jsonb
		FROM %[1]s, unnest($%[2]d::text[], $%[3]d::text[], $%[4]d::text[], $%[5]d::text[])
			AS ev(exchange, routing_key, event_type, payload)`,
		src, first, first+1, first+2, first+3)
}

func notificationArgs(ns []Notification) []interface{} {
	exchanges := make([]string, 0, len(ns))
	keys := make([]string, 0, len(ns))
	types := make([]string, 0, len(ns))
	payloads := make([]string, 0, len(ns))
	for _, n := range ns {
		exchanges = append(exchanges, n.Exchange)
		keys = append(keys, n.RoutingKey)
		types = append(types, n.EventType)
		payloads = append(payloads, string(n.Payload))
	}
	return []interface{}{exchanges, keys, types, payloads}
}

func scanCase(row pgx.Row) (*Case, error) {
	var c Case
	var status string
	err := row.Scan(&c.ID, &c.PatientID, &c.AmbulanceID, &status, &c.NIHScale, &c.StartDate,
		&c.PickupDate, &c.DeliveredDate, &c.AttendedDate, &c.CancelReason, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if c.Status, err = ParseStatus(status); err != nil {
		return nil, err
	}
	return &c, nil
}

func scanView(row pgx.Row) (*CaseView, error) {
	var v CaseView
	var status string
	var first, last *string
	var snap PatientSnapshot
	err := row.Scan(&v.ID, &v.PatientID, &v.AmbulanceID, &status, &v.NIHScale, &v.StartDate,
		&v.PickupDate, &v.DeliveredDate, &v.AttendedDate, &v.CancelReason, &v.CreatedAt, &v.UpdatedAt,
		&first, &last, &snap.Age, &snap.Height, &snap.Weight, &snap.PhoneNumber)
	if err != nil {
		return nil, err
	}
	if v.Status, err = ParseStatus(status); err != nil {
		return nil, err
	}
	if first != nil {
		snap.FirstName = *first
		if last != nil {
			snap.LastName = *last
		}
		v.Patient = &snap
	}
	return &v, nil
}

// translate maps driver errors onto the domain error taxonomy.
func translate(op string, err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.ConstraintName {
		case constraintActiveAmbulance:
			return ErrAmbulanceAssigned
		case constraintActivePatient:
			return fmt.Errorf("patient already has an active emergency: %w", ErrConflict)
		case constraintAmbulanceFK:
			return fmt.Errorf("ambulance: %w", ErrNotFound)
		case constraintPatientFK:
			return fmt.Errorf("patient profile: %w", ErrNotFound)
		}
	}
	return &DependencyError{Op: op, Err: err}
}

func (r *caseRepoPG) Create(ctx context.Context, c *Case, changedBy string, notifications []Notification) error {
	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}
	args := []interface{}{c.ID, c.PatientID, string(StatusPending), c.StartDate, changedBy}
	args = append(args, notificationArgs(notifications)...)
	row := r.pool.QueryRow(ctx, `
		WITH ins AS (
			INSERT INTO emergency_case (id, patient_id, status, start_date)
			VALUES ($1, $2, $3, $4)
			RETURNING `+caseCols+`
		), hist AS (
			INSERT INTO emergency_status_history (emergency_id, from_status, to_status, changed_by, changed_at)
			SELECT id, NULL::text, status, $5, start_date FROM ins
		), ob AS (
			`+outboxInsert("ins", 6)+`
		)
		SELECT `+caseCols+` FROM ins`, args...)
	created, err := scanCase(row)
	if err != nil {
		return translate("create emergency", err)
	}
	*c = *created
	return nil
}

func (r *caseRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*Case, error) {
	c, err := scanCase(r.pool.QueryRow(ctx, `SELECT `+caseCols+` FROM emergency_case WHERE id = $1`, id))
	if err != nil {
		return nil, translate("get emergency", err)
	}
	return c, nil
}

func (r *caseRepoPG) CompareAndSetStatus(ctx context.Context, id uuid.UUID, expected Status, ch Change) (*Case, error) {
	args := []interface{}{
		id, string(expected), string(ch.To),
		ch.AmbulanceID, ch.NIHScale,
		ch.PickupDate, ch.DeliveredDate, ch.AttendedDate,
		ch.CancelReason, ch.ChangedBy,
	}
	args = append(args, notificationArgs(ch.Notifications)...)
	row := r.pool.QueryRow(ctx, `
		WITH upd AS (
			UPDATE emergency_case SET
				status = $3,
				ambulance_id = COALESCE(ambulance_id, $4),
				nih_scale = COALESCE($5, nih_scale),
				pickup_date = COALESCE(pickup_date, $6),
				delivered_date = COALESCE(delivered_date, $7),
				attended_date = COALESCE(attended_date, $8),
				cancel_reason = COALESCE(cancel_reason, $9),
				updated_at = NOW()
			WHERE id = $1 AND status = $2
			RETURNING `+caseCols+`
		), hist AS (
			INSERT INTO emergency_status_history (emergency_id, from_status, to_status, changed_by)
			SELECT id, $2, status, $10 FROM upd
		), ob AS (
			`+outboxInsert("upd", 11)+`
		)
		SELECT `+caseCols+` FROM upd`, args...)
	c, err := scanCase(row)
	if err == nil {
		return c, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, translate("update emergency status", err)
	}

	// Nothing matched: tell a missing case apart from one that moved on.
	var current string
	err = r.pool.QueryRow(ctx, `SELECT status FROM emergency_case WHERE id = $1`, id).Scan(&current)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, translate("resolve emergency status", err)
	}
	return nil, fmt.Errorf("expected %s, found %s: %w", expected, current, ErrConflict)
}

func (r *caseRepoPG) ActiveForAmbulance(ctx context.Context, ambulanceID string) (*Case, error) {
	c, err := scanCase(r.pool.QueryRow(ctx, `SELECT `+caseCols+` FROM emergency_case
		WHERE ambulance_id = $1 AND status IN ('TO_AMBULANCE', 'CONFIRMED')`, ambulanceID))
	if err != nil {
		return nil, translate("find active emergency for ambulance", err)
	}
	return c, nil
}

func (r *caseRepoPG) GetView(ctx context.Context, id uuid.UUID) (*CaseView, error) {
	v, err := scanView(r.pool.QueryRow(ctx, `SELECT `+viewCols+`
		FROM emergency_case c LEFT JOIN patient p ON p.id = c.patient_id
		WHERE c.id = $1`, id))
	if err != nil {
		return nil, translate("get emergency view", err)
	}
	return v, nil
}

func (r *caseRepoPG) ListActive(ctx context.Context, limit, offset int) ([]*CaseView, int, error) {
	var total int
	if err := r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM emergency_case WHERE `+activeFilter).Scan(&total); err != nil {
		return nil, 0, translate("count active emergencies", err)
	}
	rows, err := r.pool.Query(ctx, `SELECT `+viewCols+`
		FROM emergency_case c LEFT JOIN patient p ON p.id = c.patient_id
		WHERE c.`+activeFilter+`
		ORDER BY c.start_date ASC LIMIT $1 OFFSET $2`, limit, offset)
	if err != nil {
		return nil, 0, translate("list active emergencies", err)
	}
	items, err := collectViews(rows)
	if err != nil {
		return nil, 0, translate("list active emergencies", err)
	}
	return items, total, nil
}

func (r *caseRepoPG) ListActiveByAmbulance(ctx context.Context, ambulanceID string) ([]*CaseView, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+viewCols+`
		FROM emergency_case c LEFT JOIN patient p ON p.id = c.patient_id
		WHERE c.ambulance_id = $1 AND c.`+activeFilter+`
		ORDER BY c.start_date ASC`, ambulanceID)
	if err != nil {
		return nil, translate("list emergencies for ambulance", err)
	}
	items, err := collectViews(rows)
	if err != nil {
		return nil, translate("list emergencies for ambulance", err)
	}
	return items, nil
}

func collectViews(rows pgx.Rows) ([]*CaseView, error) {
	defer rows.Close()
	var items []*CaseView
	for rows.Next() {
		v, err := scanView(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, v)
	}
	return items, rows.Err()
}

func (r *caseRepoPG) History(ctx context.Context, id uuid.UUID) ([]*StatusChange, error) {
	rows, err := r.pool.Query(ctx, `SELECT id, emergency_id, from_status, to_status, changed_by, changed_at
		FROM emergency_status_history WHERE emergency_id = $1 ORDER BY changed_at ASC, id ASC`, id)
	if err != nil {
		return nil, translate("list emergency history", err)
	}
	defer rows.Close()
	var items []*StatusChange
	for rows.Next() {
		var h StatusChange
		var from *string
		var to string
		if err := rows.Scan(&h.ID, &h.EmergencyID, &from, &to, &h.ChangedBy, &h.ChangedAt); err != nil {
			return nil, translate("scan emergency history", err)
		}
		if from != nil {
			st := Status(*from)
			h.FromStatus = &st
		}
		h.ToStatus = Status(to)
		items = append(items, &h)
	}
	if err := rows.Err(); err != nil {
		return nil, translate("iterate emergency history", err)
	}
	return items, nil
}

// =========== Ambulance Repository ===========

type ambulanceRepoPG struct{ pool *pgxpool.Pool }

func NewAmbulanceRepoPG(pool *pgxpool.Pool) AmbulanceRepository {
	return &ambulanceRepoPG{pool: pool}
}

const holdsAmbulance = `EXISTS (SELECT 1 FROM emergency_case c
	WHERE c.ambulance_id = a.id AND c.status IN ('TO_AMBULANCE', 'CONFIRMED'))`

const ambulanceCols = `a.id, a.plate, a.base, a.created_at, NOT ` + holdsAmbulance

func scanAmbulance(row pgx.Row) (*Ambulance, error) {
	var a Ambulance
	err := row.Scan(&a.ID, &a.Plate, &a.Base, &a.CreatedAt, &a.Available)
	return &a, err
}

func (r *ambulanceRepoPG) Create(ctx context.Context, a *Ambulance) error {
	err := r.pool.QueryRow(ctx, `
		INSERT INTO ambulance (id, plate, base) VALUES ($1, $2, $3)
		RETURNING created_at`, a.ID, a.Plate, a.Base).Scan(&a.CreatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return fmt.Errorf("ambulance %s already registered: %w", a.ID, ErrConflict)
		}
		return &DependencyError{Op: "create ambulance", Err: err}
	}
	a.Available = true
	return nil
}

func (r *ambulanceRepoPG) GetByID(ctx context.Context, id string) (*Ambulance, error) {
	a, err := scanAmbulance(r.pool.QueryRow(ctx, `SELECT `+ambulanceCols+` FROM ambulance a WHERE a.id = $1`, id))
	if err != nil {
		return nil, translate("get ambulance", err)
	}
	return a, nil
}

func (r *ambulanceRepoPG) List(ctx context.Context, onlyAvailable bool) ([]*Ambulance, error) {
	query := `SELECT ` + ambulanceCols + ` FROM ambulance a`
	if onlyAvailable {
		query += ` WHERE NOT ` + holdsAmbulance
	}
	query += ` ORDER BY a.id`
	rows, err := r.pool.Query(ctx, query)
	if err != nil {
		return nil, translate("list ambulances", err)
	}
	defer rows.Close()
	var items []*Ambulance
	for rows.Next() {
		a, err := scanAmbulance(rows)
		if err != nil {
			return nil, translate("scan ambulance", err)
		}
		items = append(items, a)
	}
	if err := rows.Err(); err != nil {
		return nil, translate("iterate ambulances", err)
	}
	return items, nil
}
