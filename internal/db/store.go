package db

import (
	"context"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/leadrouter/backend/internal/models"
)

var psql = sq.StatementBuilder.PlaceholderFormat(sq.Dollar)

type Store struct {
	Pool *pgxpool.Pool
}

func New(ctx context.Context, databaseURL string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, err
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return &Store{Pool: pool}, nil
}

func (s *Store) Close() {
	s.Pool.Close()
}

func (s *Store) Ping(ctx context.Context) error {
	return s.Pool.Ping(ctx)
}

func (s *Store) WithTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	tx, err := s.Pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()
	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

const callerColumns = `id, name, capacity_per_day, assigned_count_today, last_reset_date, last_assigned_at, affinity_tags, updated_at`

// LoadCallersForUpdate reads the full registry with an exclusive row lock
// held until the enclosing transaction ends. The ORDER BY id keeps lock
// acquisition order identical across concurrent assignments; a contender
// blocks on the first row instead of deadlocking halfway through.
func (s *Store) LoadCallersForUpdate(ctx context.Context, tx pgx.Tx) ([]models.Caller, error) {
	rows, err := tx.Query(ctx, `SELECT `+callerColumns+` FROM callers ORDER BY id FOR UPDATE`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanCallers(rows)
}

// ResetStaleQuotas zeroes the daily counter for every caller whose last
// reset happened before today. Idempotent; runs inside the assignment
// transaction so the reset and the capacity check see the same snapshot.
func (s *Store) ResetStaleQuotas(ctx context.Context, tx pgx.Tx, today time.Time) (int64, error) {
	tag, err := tx.Exec(ctx, `
		UPDATE callers
		SET assigned_count_today = 0, last_reset_date = $1, updated_at = NOW()
		WHERE last_reset_date < $1
	`, today)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func (s *Store) CommitCallerAssignment(ctx context.Context, tx pgx.Tx, callerID string, newCount int, now time.Time) error {
	_, err := tx.Exec(ctx, `
		UPDATE callers
		SET assigned_count_today = $1, last_assigned_at = $2, updated_at = NOW()
		WHERE id = $3
	`, newCount, now, callerID)
	return err
}

func (s *Store) ListCallers(ctx context.Context, tag string) ([]models.Caller, error) {
	q := psql.Select(callerColumns).From("callers").OrderBy("id ASC")
	if tag != "" {
		q = q.Where("? = ANY(affinity_tags)", tag)
	}
	query, args, err := q.ToSql()
	if err != nil {
		return nil, err
	}
	rows, err := s.Pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanCallers(rows)
}

func (s *Store) GetCaller(ctx context.Context, id string) (models.Caller, error) {
	row := s.Pool.QueryRow(ctx, `SELECT `+callerColumns+` FROM callers WHERE id = $1`, id)
	return scanCaller(row)
}

func (s *Store) CreateCaller(ctx context.Context, c models.Caller) error {
	_, err := s.Pool.Exec(ctx, `
		INSERT INTO callers (id, name, capacity_per_day, assigned_count_today, last_reset_date, last_assigned_at, affinity_tags, updated_at)
		VALUES ($1, $2, $3, 0, $4, NULL, $5, NOW())
	`, c.ID, c.Name, c.CapacityPerDay, c.LastResetDate, c.AffinityTags)
	return err
}

func (s *Store) UpdateCaller(ctx context.Context, id string, name string, capacity int, tags []string) (models.Caller, error) {
	row := s.Pool.QueryRow(ctx, `
		UPDATE callers
		SET name = $1, capacity_per_day = $2, affinity_tags = $3, updated_at = NOW()
		WHERE id = $4
		RETURNING `+callerColumns, name, capacity, tags, id)
	return scanCaller(row)
}

func (s *Store) DeleteCaller(ctx context.Context, id string) (int64, error) {
	tag, err := s.Pool.Exec(ctx, `DELETE FROM callers WHERE id = $1`, id)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func (s *Store) InsertCallers(ctx context.Context, callers []models.Caller) (int64, error) {
	rows := make([][]any, 0, len(callers))
	for _, c := range callers {
		rows = append(rows, []any{c.ID, c.Name, c.CapacityPerDay, c.AssignedToday, c.LastResetDate, c.LastAssignedAt, c.AffinityTags, time.Now().UTC()})
	}
	copyCount, err := s.Pool.CopyFrom(ctx, pgx.Identifier{"callers"},
		[]string{"id", "name", "capacity_per_day", "assigned_count_today", "last_reset_date", "last_assigned_at", "affinity_tags", "updated_at"},
		pgx.CopyFromRows(rows))
	return copyCount, err
}

func (s *Store) CreateLead(ctx context.Context, l models.Lead) error {
	_, err := s.Pool.Exec(ctx, `
		INSERT INTO leads (id, source, contact, affinity_key, created_at)
		VALUES ($1, $2, $3, $4, $5)
	`, l.ID, l.Source, l.Contact, l.AffinityKey, l.CreatedAt)
	return err
}

// GetLeadForUpdate locks the lead row for the duration of the transaction
// so two concurrent assign calls for the same lead serialize on it.
func (s *Store) GetLeadForUpdate(ctx context.Context, tx pgx.Tx, id string) (models.Lead, error) {
	row := tx.QueryRow(ctx, `
		SELECT id, source, contact, affinity_key, assigned_caller_id, assigned_at, created_at
		FROM leads WHERE id = $1 FOR UPDATE
	`, id)
	var l models.Lead
	if err := row.Scan(&l.ID, &l.Source, &l.Contact, &l.AffinityKey, &l.AssignedCallerID, &l.AssignedAt, &l.CreatedAt); err != nil {
		return models.Lead{}, err
	}
	return l, nil
}

// MarkLeadAssigned stamps the lead exactly once; the IS NULL guard makes a
// second stamp a no-op at the SQL level even if callers race past the row lock.
func (s *Store) MarkLeadAssigned(ctx context.Context, tx pgx.Tx, leadID string, callerID string, now time.Time) (int64, error) {
	tag, err := tx.Exec(ctx, `
		UPDATE leads
		SET assigned_caller_id = $1, assigned_at = $2
		WHERE id = $3 AND assigned_caller_id IS NULL
	`, callerID, now, leadID)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func (s *Store) ListLeads(ctx context.Context, status, affinityKey, search string, limit, offset int) ([]models.Lead, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}

	q := psql.Select("id, source, contact, affinity_key, assigned_caller_id, assigned_at, created_at").
		From("leads").
		OrderBy("created_at DESC").
		Limit(uint64(limit)).
		Offset(uint64(offset))
	switch status {
	case "assigned":
		q = q.Where("assigned_caller_id IS NOT NULL")
	case "unassigned":
		q = q.Where("assigned_caller_id IS NULL")
	}
	if affinityKey != "" {
		q = q.Where(sq.Eq{"affinity_key": affinityKey})
	}
	if search != "" {
		q = q.Where("(contact ILIKE ? OR id ILIKE ?)", "%"+search+"%", "%"+search+"%")
	}

	query, args, err := q.ToSql()
	if err != nil {
		return nil, err
	}
	rows, err := s.Pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.Lead
	for rows.Next() {
		var l models.Lead
		if err := rows.Scan(&l.ID, &l.Source, &l.Contact, &l.AffinityKey, &l.AssignedCallerID, &l.AssignedAt, &l.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

func (s *Store) GetLead(ctx context.Context, id string) (models.Lead, error) {
	row := s.Pool.QueryRow(ctx, `
		SELECT id, source, contact, affinity_key, assigned_caller_id, assigned_at, created_at
		FROM leads WHERE id = $1
	`, id)
	var l models.Lead
	if err := row.Scan(&l.ID, &l.Source, &l.Contact, &l.AffinityKey, &l.AssignedCallerID, &l.AssignedAt, &l.CreatedAt); err != nil {
		return models.Lead{}, err
	}
	return l, nil
}

func (s *Store) InsertAssignmentRecord(ctx context.Context, tx pgx.Tx, r models.AssignmentRecord) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO assignments (id, lead_id, caller_id, reason_code, created_at)
		VALUES ($1, $2, $3, $4, $5)
	`, r.ID, r.LeadID, r.CallerID, r.ReasonCode, r.CreatedAt)
	return err
}

func (s *Store) ListAssignmentRecords(ctx context.Context, callerID, reasonCode string, limit, offset int) ([]models.AssignmentRecord, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}

	q := psql.Select("id, lead_id, caller_id, reason_code, created_at").
		From("assignments").
		OrderBy("created_at DESC").
		Limit(uint64(limit)).
		Offset(uint64(offset))
	if callerID != "" {
		q = q.Where(sq.Eq{"caller_id": callerID})
	}
	if reasonCode != "" {
		q = q.Where(sq.Eq{"reason_code": reasonCode})
	}

	query, args, err := q.ToSql()
	if err != nil {
		return nil, err
	}
	rows, err := s.Pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.AssignmentRecord
	for rows.Next() {
		var r models.AssignmentRecord
		if err := rows.Scan(&r.ID, &r.LeadID, &r.CallerID, &r.ReasonCode, &r.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *Store) ListRecordsForLead(ctx context.Context, leadID string) ([]models.AssignmentRecord, error) {
	rows, err := s.Pool.Query(ctx, `
		SELECT id, lead_id, caller_id, reason_code, created_at
		FROM assignments WHERE lead_id = $1 ORDER BY created_at ASC
	`, leadID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.AssignmentRecord
	for rows.Next() {
		var r models.AssignmentRecord
		if err := rows.Scan(&r.ID, &r.LeadID, &r.CallerID, &r.ReasonCode, &r.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

type CallerLoad struct {
	CallerID       string `json:"caller_id"`
	Name           string `json:"name"`
	CapacityPerDay int    `json:"capacity_per_day"`
	AssignedToday  int    `json:"assigned_count_today"`
	OverCapacity   bool   `json:"over_capacity"`
}

type DashboardSummary struct {
	Callers         []CallerLoad `json:"callers"`
	UnassignedLeads int          `json:"unassigned_leads"`
	OverflowEvents  int          `json:"overflow_events"`
}

func (s *Store) GetDashboardSummary(ctx context.Context) (DashboardSummary, error) {
	var out DashboardSummary

	rows, err := s.Pool.Query(ctx, `
		SELECT id, name, capacity_per_day, assigned_count_today
		FROM callers ORDER BY assigned_count_today DESC, id ASC
	`)
	if err != nil {
		return out, err
	}
	defer rows.Close()
	for rows.Next() {
		var c CallerLoad
		if err := rows.Scan(&c.CallerID, &c.Name, &c.CapacityPerDay, &c.AssignedToday); err != nil {
			return out, err
		}
		c.OverCapacity = c.AssignedToday > c.CapacityPerDay
		out.Callers = append(out.Callers, c)
	}
	if err := rows.Err(); err != nil {
		return out, err
	}

	if err := s.Pool.QueryRow(ctx, `SELECT COUNT(*) FROM leads WHERE assigned_caller_id IS NULL`).Scan(&out.UnassignedLeads); err != nil {
		return out, err
	}
	if err := s.Pool.QueryRow(ctx, `SELECT COUNT(*) FROM assignments WHERE reason_code = 'capacity_overflow_fallback'`).Scan(&out.OverflowEvents); err != nil {
		return out, err
	}
	return out, nil
}

func scanCallers(rows pgx.Rows) ([]models.Caller, error) {
	var out []models.Caller
	for rows.Next() {
		var c models.Caller
		if err := rows.Scan(&c.ID, &c.Name, &c.CapacityPerDay, &c.AssignedToday, &c.LastResetDate, &c.LastAssignedAt, &c.AffinityTags, &c.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func scanCaller(row pgx.Row) (models.Caller, error) {
	var c models.Caller
	if err := row.Scan(&c.ID, &c.Name, &c.CapacityPerDay, &c.AssignedToday, &c.LastResetDate, &c.LastAssignedAt, &c.AffinityTags, &c.UpdatedAt); err != nil {
		return models.Caller{}, err
	}
	return c, nil
}
