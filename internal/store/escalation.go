package store

import (
	"context"
	"fmt"

	"github.com/joelkehle/feedback-intake/internal/intake"
)

// EscalationSink writes escalation notes to the reserved escalations table.
// It is the durable replacement for the pipeline's no-op default.
type EscalationSink struct {
	store *SQLStore
}

func NewEscalationSink(store *SQLStore) *EscalationSink {
	return &EscalationSink{store: store}
}

func (s *EscalationSink) Record(ctx context.Context, note intake.EscalationNote) error {
	query := s.store.db.Rebind(`INSERT INTO escalations
		(patient_id, treatment, feedback, recorded_at, suggested_treatment, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`)

	createdAt := s.store.opts.Clock().UTC().Format(intake.RecordedAtLayout)
	if _, err := s.store.db.ExecContext(ctx, query,
		note.Record.PatientID,
		note.Record.Treatment,
		note.Record.Feedback,
		note.Record.RecordedAt,
		note.SuggestedTreatment,
		createdAt,
	); err != nil {
		return fmt.Errorf("record escalation: %w", err)
	}
	return nil
}

var _ intake.EscalationSink = (*EscalationSink)(nil)
