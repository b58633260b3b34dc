package call

import (
	"context"
	"time"

	"github.com/ivrkit/ivrkit/internal/database/models"
)

const recordTimeout = 5 * time.Second

// Recorder persists call records.
type Recorder interface {
	Create(ctx context.Context, rec *models.CallRecord) error
	Update(ctx context.Context, rec *models.CallRecord) error
}

// persistFailed stores a call that never became (or stopped being) live.
func (s *Session) persistFailed(rec *models.CallRecord) {
	now := time.Now()
	rec.EndTime = &now
	s.persistCreate(rec)
}

func (s *Session) persistCreate(rec *models.CallRecord) {
	if s.recorder == nil || rec == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), recordTimeout)
	defer cancel()
	if err := s.recorder.Create(ctx, rec); err != nil {
		s.logger.Warn("saving call record", "call_id", rec.CallID, "error", err)
	}
}

// persistEnd stamps the end of an answered call.
func (s *Session) persistEnd(rec *models.CallRecord, cause string) {
	if s.recorder == nil || rec == nil {
		return
	}
	now := time.Now()
	rec.EndTime = &now
	rec.HangupCause = cause

	ctx, cancel := context.WithTimeout(context.Background(), recordTimeout)
	defer cancel()
	if err := s.recorder.Update(ctx, rec); err != nil {
		s.logger.Warn("updating call record", "call_id", rec.CallID, "error", err)
	}
}
