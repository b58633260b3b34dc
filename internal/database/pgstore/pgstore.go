package pgstore

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/ivrkit/ivrkit/internal/database"
	"github.com/ivrkit/ivrkit/internal/database/models"

	_ "github.com/jackc/pgx/v5/stdlib"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Store implements database.CallRecordRepository using PostgreSQL.
type Store struct {
	db *sql.DB
}

var _ database.CallRecordRepository = (*Store)(nil)

// New opens a PostgreSQL connection and runs pending migrations.
func New(dsn string) (*Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening postgresql: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging postgresql: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	s := &Store{db: db}

	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	slog.Info("postgresql store opened")
	return s, nil
}

// IsDSN reports whether dsn selects this store.
func IsDSN(dsn string) bool {
	return strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://")
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	_, err := database.Migrate(ctx, s.db, database.Postgres, migrationsFS, "migrations")
	return err
}

// Create inserts a new call record and sets its ID.
func (s *Store) Create(ctx context.Context, rec *models.CallRecord) error {
	err := s.db.QueryRowContext(ctx,
		`INSERT INTO call_records (call_id, sip_call_id, line, direction, number,
		 outcome, status_code, speech_ms, start_time, answer_time, end_time, hangup_cause)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		 RETURNING id`,
		rec.CallID, rec.SIPCallID, rec.Line, rec.Direction, rec.Number,
		rec.Outcome, rec.StatusCode, rec.SpeechMs, rec.StartTime, rec.AnswerTime,
		rec.EndTime, rec.HangupCause,
	).Scan(&rec.ID)
	if err != nil {
		return fmt.Errorf("inserting call record: %w", err)
	}
	return nil
}

// Update modifies an existing call record.
func (s *Store) Update(ctx context.Context, rec *models.CallRecord) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE call_records SET sip_call_id = $1, line = $2, direction = $3, number = $4,
		 outcome = $5, status_code = $6, speech_ms = $7, start_time = $8, answer_time = $9,
		 end_time = $10, hangup_cause = $11
		 WHERE id = $12`,
		rec.SIPCallID, rec.Line, rec.Direction, rec.Number,
		rec.Outcome, rec.StatusCode, rec.SpeechMs, rec.StartTime, rec.AnswerTime,
		rec.EndTime, rec.HangupCause, rec.ID,
	)
	if err != nil {
		return fmt.Errorf("updating call record: %w", err)
	}
	return nil
}

// GetByCallID returns a call record by its session call ID, or nil if none.
func (s *Store) GetByCallID(ctx context.Context, callID string) (*models.CallRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+database.CallRecordColumns+` FROM call_records WHERE call_id = $1`, callID)
	rec, err := database.ScanCallRecord(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scanning call record: %w", err)
	}
	return rec, nil
}

// List returns call records matching the filter, newest first, along with
// the total count.
func (s *Store) List(ctx context.Context, filter database.CallRecordFilter) ([]models.CallRecord, int, error) {
	where, args := filter.WhereClause(placeholder)

	var total int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM call_records WHERE "+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("counting call records: %w", err)
	}

	query := `SELECT ` + database.CallRecordColumns + ` FROM call_records WHERE ` + where +
		` ORDER BY start_time DESC, id DESC LIMIT ` + placeholder(len(args)+1) +
		` OFFSET ` + placeholder(len(args)+2)
	args = append(args, database.PageLimit(filter.Limit), filter.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("listing call records: %w", err)
	}
	defer rows.Close()

	var recs []models.CallRecord
	for rows.Next() {
		rec, err := database.ScanCallRecord(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scanning call record row: %w", err)
		}
		recs = append(recs, *rec)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterating call record rows: %w", err)
	}
	return recs, total, nil
}

// CountByOutcome returns the number of records per outcome.
func (s *Store) CountByOutcome(ctx context.Context) ([]models.OutcomeCount, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT outcome, COUNT(*) FROM call_records GROUP BY outcome ORDER BY outcome`)
	if err != nil {
		return nil, fmt.Errorf("counting call outcomes: %w", err)
	}
	defer rows.Close()

	var counts []models.OutcomeCount
	for rows.Next() {
		var c models.OutcomeCount
		if err := rows.Scan(&c.Outcome, &c.Count); err != nil {
			return nil, fmt.Errorf("scanning outcome count: %w", err)
		}
		counts = append(counts, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating outcome counts: %w", err)
	}
	return counts, nil
}

func (s *Store) DeleteBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM call_records WHERE start_time < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("deleting call records before %s: %w", cutoff.Format(time.RFC3339), err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("counting deleted call records: %w", err)
	}
	return n, nil
}

func placeholder(n int) string {
	return "$" + strconv.Itoa(n)
}
