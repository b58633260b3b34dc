package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/ivrkit/ivrkit/internal/database/models"
)

// CallRecordColumns is the column list ScanCallRecord expects.
const CallRecordColumns = `id, call_id, sip_call_id, line, direction, number, outcome,
		 status_code, speech_ms, start_time, answer_time, end_time, hangup_cause`

// callRecordRepo implements CallRecordRepository.
type callRecordRepo struct {
	db *DB
}

// NewCallRecordRepository creates a new CallRecordRepository.
func NewCallRecordRepository(db *DB) CallRecordRepository {
	return &callRecordRepo{db: db}
}

// Create inserts a new call record and sets its ID.
func (r *callRecordRepo) Create(ctx context.Context, rec *models.CallRecord) error {
	result, err := r.db.ExecContext(ctx,
		`INSERT INTO call_records (call_id, sip_call_id, line, direction, number,
		 outcome, status_code, speech_ms, start_time, answer_time, end_time, hangup_cause)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.CallID, rec.SIPCallID, rec.Line, rec.Direction, rec.Number,
		rec.Outcome, rec.StatusCode, rec.SpeechMs, rec.StartTime, rec.AnswerTime,
		rec.EndTime, rec.HangupCause,
	)
	if err != nil {
		return fmt.Errorf("inserting call record: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("getting last insert id: %w", err)
	}
	rec.ID = id
	return nil
}

// Update modifies an existing call record.
func (r *callRecordRepo) Update(ctx context.Context, rec *models.CallRecord) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE call_records SET sip_call_id = ?, line = ?, direction = ?, number = ?,
		 outcome = ?, status_code = ?, speech_ms = ?, start_time = ?, answer_time = ?,
		 end_time = ?, hangup_cause = ?
		 WHERE id = ?`,
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
func (r *callRecordRepo) GetByCallID(ctx context.Context, callID string) (*models.CallRecord, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+CallRecordColumns+` FROM call_records WHERE call_id = ?`, callID)
	rec, err := ScanCallRecord(row)
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
func (r *callRecordRepo) List(ctx context.Context, filter CallRecordFilter) ([]models.CallRecord, int, error) {
	where, args := filter.WhereClause(func(int) string { return "?" })

	var total int
	countQuery := "SELECT COUNT(*) FROM call_records WHERE " + where
	if err := r.db.QueryRowContext(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("counting call records: %w", err)
	}

	query := `SELECT ` + CallRecordColumns + ` FROM call_records WHERE ` + where +
		` ORDER BY start_time DESC, id DESC LIMIT ? OFFSET ?`
	args = append(args, PageLimit(filter.Limit), filter.Offset)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("listing call records: %w", err)
	}
	defer rows.Close()

	var recs []models.CallRecord
	for rows.Next() {
		rec, err := ScanCallRecord(rows)
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

// CountByOutcome returns the number of records per outcome, ordered by
// outcome name.
func (r *callRecordRepo) CountByOutcome(ctx context.Context) ([]models.OutcomeCount, error) {
	rows, err := r.db.QueryContext(ctx,
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

func (r *callRecordRepo) DeleteBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx, `DELETE FROM call_records WHERE start_time < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("deleting call records before %s: %w", cutoff.Format(time.RFC3339), err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("counting deleted call records: %w", err)
	}
	return n, nil
}

// Scanner is satisfied by *sql.Row and *sql.Rows.
type Scanner interface {
	Scan(dest ...any) error
}

// ScanCallRecord reads one row selected with the standard call record
// column list.
func ScanCallRecord(s Scanner) (*models.CallRecord, error) {
	var rec models.CallRecord
	err := s.Scan(&rec.ID, &rec.CallID, &rec.SIPCallID, &rec.Line, &rec.Direction,
		&rec.Number, &rec.Outcome, &rec.StatusCode, &rec.SpeechMs, &rec.StartTime,
		&rec.AnswerTime, &rec.EndTime, &rec.HangupCause)
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// DefaultPageLimit is used when a list query asks for no limit.
const DefaultPageLimit = 50

// PageLimit applies DefaultPageLimit to a non-positive limit.
func PageLimit(limit int) int {
	if limit <= 0 {
		return DefaultPageLimit
	}
	return limit
}
