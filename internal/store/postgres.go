package store

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/campushub/reminder-service/internal/idempotency"
	"github.com/campushub/reminder-service/internal/models"
)

// schemaSQL is embedded so the service can self-bootstrap its database schema.
//
//go:embed schema.sql
var schemaSQL string

var (
	// ErrNotFound means the reminder does not exist.
	ErrNotFound = errors.New("reminder not found")
	// ErrStaleStatus means a compare-and-set status update lost to a
	// concurrent writer; the caller saw an outdated status.
	ErrStaleStatus = errors.New("reminder status changed concurrently")
)

// ListFilter narrows and pages a reminder listing.
type ListFilter struct {
	UserID string
	Status models.Status
	Page   int
	Limit  int
}

// UpdateFields carries a partial update. Nil fields are left untouched.
// When Status is set, ExpectStatus guards the write: the update only
// applies while the row still holds the status the caller validated the
// transition against.
type UpdateFields struct {
	Title          *string
	DueAt          *time.Time
	Status         *models.Status
	ExpectStatus   models.Status
	AdvanceMinutes *int
	Metadata       map[string]any
}

// reminderColumns is the canonical select list scanned by scanReminder.
const reminderColumns = `id, user_id, title, due_at, status, source, advance_minutes, metadata, notified_at, created_at, updated_at`

// PostgresStore is the durable persistence layer for reminders and
// idempotency records. It owns both tables; all mutation goes through
// conditional writes here.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a connection pool and fails fast if DB is unreachable.
func NewPostgresStore(dbURL string) (*PostgresStore, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, dbURL)
	if err != nil {
		return nil, err
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	return &PostgresStore{pool: pool}, nil
}

// EnsureSchema applies schema.sql. Safe to run multiple times.
func (p *PostgresStore) EnsureSchema() error {
	_, err := p.pool.Exec(context.Background(), schemaSQL)
	return err
}

// Ping is used by readiness endpoint to validate DB connectivity.
func (p *PostgresStore) Ping(ctx context.Context) error {
	return p.pool.Ping(ctx)
}

// Close shuts down the connection pool.
func (p *PostgresStore) Close() {
	p.pool.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanReminder(row rowScanner) (*models.Reminder, error) {
	var (
		r        models.Reminder
		metadata []byte
		notified *time.Time
	)
	err := row.Scan(
		&r.ID, &r.UserID, &r.Title, &r.DueAt, &r.Status, &r.Source,
		&r.AdvanceMinutes, &metadata, &notified, &r.CreatedAt, &r.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &r.Metadata); err != nil {
			return nil, fmt.Errorf("decode reminder metadata: %w", err)
		}
	}
	if r.Metadata == nil {
		r.Metadata = map[string]any{}
	}
	r.NotifiedAt = notified
	return &r, nil
}

// CreateReminder persists a new reminder and fills in the server-assigned
// timestamps.
func (p *PostgresStore) CreateReminder(ctx context.Context, r *models.Reminder) error {
	metadata, err := json.Marshal(r.Metadata)
	if err != nil {
		return fmt.Errorf("encode reminder metadata: %w", err)
	}

	return p.pool.QueryRow(ctx, `
		INSERT INTO reminders (id, user_id, title, due_at, status, source, advance_minutes, metadata)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING created_at, updated_at
	`, r.ID, r.UserID, r.Title, r.DueAt, r.Status, r.Source, r.AdvanceMinutes, metadata).
		Scan(&r.CreatedAt, &r.UpdatedAt)
}

// GetReminder fetches a reminder by ID.
func (p *PostgresStore) GetReminder(ctx context.Context, id string) (*models.Reminder, error) {
	row := p.pool.QueryRow(ctx,
		`SELECT `+reminderColumns+` FROM reminders WHERE id = $1`, id)

	r, err := scanReminder(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return r, err
}

// ListReminders returns a page of reminders plus the unpaged total.
func (p *PostgresStore) ListReminders(ctx context.Context, f ListFilter) ([]models.Reminder, int64, error) {
	var (
		where  []string
		values []any
	)
	if f.UserID != "" {
		values = append(values, f.UserID)
		where = append(where, fmt.Sprintf("user_id = $%d", len(values)))
	}
	if f.Status != "" {
		values = append(values, f.Status)
		where = append(where, fmt.Sprintf("status = $%d", len(values)))
	}

	whereClause := ""
	if len(where) > 0 {
		whereClause = "WHERE " + strings.Join(where, " AND ")
	}

	var total int64
	err := p.pool.QueryRow(ctx,
		fmt.Sprintf("SELECT COUNT(*) FROM reminders %s", whereClause), values...).Scan(&total)
	if err != nil {
		return nil, 0, err
	}

	values = append(values, f.Limit, (f.Page-1)*f.Limit)
	rows, err := p.pool.Query(ctx, fmt.Sprintf(
		`SELECT %s FROM reminders %s ORDER BY created_at DESC LIMIT $%d OFFSET $%d`,
		reminderColumns, whereClause, len(values)-1, len(values)), values...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	reminders := make([]models.Reminder, 0, f.Limit)
	for rows.Next() {
		r, err := scanReminder(rows)
		if err != nil {
			return nil, 0, err
		}
		reminders = append(reminders, *r)
	}
	return reminders, total, rows.Err()
}

// UpdateReminder applies a partial update and returns the updated row.
// Status changes are compare-and-set: if the row no longer holds
// ExpectStatus the update is rejected with ErrStaleStatus.
func (p *PostgresStore) UpdateReminder(ctx context.Context, id string, f UpdateFields) (*models.Reminder, error) {
	var (
		sets   []string
		values []any
	)
	add := func(col string, v any) {
		values = append(values, v)
		sets = append(sets, fmt.Sprintf("%s = $%d", col, len(values)))
	}

	if f.Title != nil {
		add("title", *f.Title)
	}
	if f.DueAt != nil {
		add("due_at", *f.DueAt)
	}
	if f.Status != nil {
		add("status", *f.Status)
	}
	if f.AdvanceMinutes != nil {
		add("advance_minutes", *f.AdvanceMinutes)
	}
	if f.Metadata != nil {
		metadata, err := json.Marshal(f.Metadata)
		if err != nil {
			return nil, fmt.Errorf("encode reminder metadata: %w", err)
		}
		add("metadata", metadata)
	}
	if len(sets) == 0 {
		return p.GetReminder(ctx, id)
	}
	sets = append(sets, "updated_at = NOW()")

	values = append(values, id)
	query := fmt.Sprintf(`UPDATE reminders SET %s WHERE id = $%d`,
		strings.Join(sets, ", "), len(values))
	if f.Status != nil {
		values = append(values, f.ExpectStatus)
		query += fmt.Sprintf(" AND status = $%d", len(values))
	}
	query += " RETURNING " + reminderColumns

	r, err := scanReminder(p.pool.QueryRow(ctx, query, values...))
	if errors.Is(err, pgx.ErrNoRows) {
		// Either the reminder is gone or the guarded status moved under us.
		if _, getErr := p.GetReminder(ctx, id); errors.Is(getErr, ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, ErrStaleStatus
	}
	return r, err
}

// CancelReminder soft-deletes: the row stays, status becomes cancelled.
func (p *PostgresStore) CancelReminder(ctx context.Context, id string) (*models.Reminder, error) {
	row := p.pool.QueryRow(ctx, `
		UPDATE reminders
		SET status = $1, updated_at = NOW()
		WHERE id = $2
		RETURNING `+reminderColumns, models.StatusCancelled, id)

	r, err := scanReminder(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return r, err
}

// FindDueReminders returns up to limit reminders whose notification moment
// has arrived and that have not been notified yet.
func (p *PostgresStore) FindDueReminders(ctx context.Context, limit int) ([]models.Reminder, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT `+reminderColumns+`
		FROM reminders
		WHERE status IN ($1, $2)
		  AND notified_at IS NULL
		  AND due_at - (advance_minutes * INTERVAL '1 minute') <= NOW()
		ORDER BY due_at ASC
		LIMIT $3
	`, models.StatusPending, models.StatusScheduled, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var reminders []models.Reminder
	for rows.Next() {
		r, err := scanReminder(rows)
		if err != nil {
			return nil, err
		}
		reminders = append(reminders, *r)
	}
	return reminders, rows.Err()
}

// ClaimDue atomically transitions a due reminder to notified. Exactly one
// concurrent caller wins; the rest get (nil, nil) and must skip the
// reminder. The guard on status and notified_at is what makes overlapping
// scanners safe.
func (p *PostgresStore) ClaimDue(ctx context.Context, id string) (*models.Reminder, error) {
	row := p.pool.QueryRow(ctx, `
		UPDATE reminders
		SET status = $1, notified_at = NOW(), updated_at = NOW()
		WHERE id = $2
		  AND status IN ($3, $4)
		  AND notified_at IS NULL
		RETURNING `+reminderColumns,
		models.StatusNotified, id, models.StatusPending, models.StatusScheduled)

	r, err := scanReminder(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return r, err
}

// InsertIdempotencyRecord persists a record write-once. The primary key
// constraint makes exactly one of two racing inserts succeed; the loser
// gets inserted=false and must re-read the winner's record.
//
// RETURNING 1 only when inserted; a conflict returns no rows.
func (p *PostgresStore) InsertIdempotencyRecord(ctx context.Context, rec idempotency.Record) (bool, error) {
	var one int
	err := p.pool.QueryRow(ctx, `
		INSERT INTO idempotency_records
			(idempotency_key, resource_id, resource_type, request_hash, response_status, response_body, created_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (idempotency_key) DO NOTHING
		RETURNING 1
	`, rec.Key, rec.ResourceID, rec.ResourceType, rec.RequestHash,
		rec.ResponseStatus, rec.ResponseBody, rec.CreatedAt, rec.ExpiresAt).Scan(&one)

	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// FindIdempotencyRecord returns the live record for a key, or nil when the
// key is unknown or the record has expired.
func (p *PostgresStore) FindIdempotencyRecord(ctx context.Context, key string) (*idempotency.Record, error) {
	var rec idempotency.Record
	err := p.pool.QueryRow(ctx, `
		SELECT idempotency_key, resource_id, resource_type, request_hash, response_status, response_body, created_at, expires_at
		FROM idempotency_records
		WHERE idempotency_key = $1 AND expires_at > NOW()
	`, key).Scan(&rec.Key, &rec.ResourceID, &rec.ResourceType, &rec.RequestHash,
		&rec.ResponseStatus, &rec.ResponseBody, &rec.CreatedAt, &rec.ExpiresAt)

	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// DeleteExpiredIdempotencyRecords removes records past their expiry.
func (p *PostgresStore) DeleteExpiredIdempotencyRecords(ctx context.Context) (int64, error) {
	tag, err := p.pool.Exec(ctx, `DELETE FROM idempotency_records WHERE expires_at < NOW()`)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}
