package database

import (
	"context"
	"time"

	"github.com/ivrkit/ivrkit/internal/database/models"
)

// CallRecordFilter specifies filtering and pagination for call record list
// queries. Zero values match everything.
type CallRecordFilter struct {
	Limit     int
	Offset    int
	Line      int    // 0 for all lines
	Direction string // "inbound", "outbound", or "" for all
	Outcome   string
	Number    string // substring match
}

// CallRecordRepository manages call records. Both the SQLite store in this
// package and pgstore implement it.
type CallRecordRepository interface {
	Create(ctx context.Context, rec *models.CallRecord) error
	Update(ctx context.Context, rec *models.CallRecord) error
	GetByCallID(ctx context.Context, callID string) (*models.CallRecord, error)
	List(ctx context.Context, filter CallRecordFilter) ([]models.CallRecord, int, error)
	CountByOutcome(ctx context.Context) ([]models.OutcomeCount, error)

	// DeleteBefore removes records that started before cutoff and returns
	// how many were removed.
	DeleteBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// WhereClause builds the WHERE clause for filter. placeholder returns the
// bind marker for the n-th argument (1-based), so the same filter serves
// SQLite "?" and PostgreSQL "$n" dialects.
func (f CallRecordFilter) WhereClause(placeholder func(n int) string) (string, []any) {
	where := "1=1"
	args := []any{}

	if f.Line > 0 {
		args = append(args, f.Line)
		where += " AND line = " + placeholder(len(args))
	}
	if f.Direction != "" {
		args = append(args, f.Direction)
		where += " AND direction = " + placeholder(len(args))
	}
	if f.Outcome != "" {
		args = append(args, f.Outcome)
		where += " AND outcome = " + placeholder(len(args))
	}
	if f.Number != "" {
		args = append(args, "%"+f.Number+"%")
		where += " AND number LIKE " + placeholder(len(args))
	}
	return where, args
}
