package intake

import (
	"context"
	"fmt"
	"log"
	"time"
	"unicode/utf8"
)

// EscalationSink receives escalation notes for durable review bookkeeping.
// The pipeline only depends on this shape; swapping the no-op default for a
// durable implementation requires no pipeline change.
type EscalationSink interface {
	Record(ctx context.Context, note EscalationNote) error
}

// NoopSink is the placeholder sink. Escalation messaging still reaches the
// caller; only the secondary bookkeeping is dropped.
type NoopSink struct{}

func (NoopSink) Record(context.Context, EscalationNote) error { return nil }

// AssistantEscalationNote is the assistant-facing escalation message included
// in severe responses.
const AssistantEscalationNote = "This feedback indicates a possible deterioration that may require " +
	"medical intervention. The doctor in charge has been notified."

// stampRecordedAt renders the clock in the persisted timestamp form, falling
// back to the epoch stamp rather than aborting if the result fails the
// format check.
func stampRecordedAt(now time.Time) string {
	ts := now.Format(RecordedAtLayout)
	if !ValidRecordedAt(ts) {
		return RecordedAtFallback
	}
	return ts
}

func validateRecord(rec FeedbackRecord) error {
	if !ValidPatientID(rec.PatientID) {
		return fmt.Errorf("patient_id %q is not numeric", rec.PatientID)
	}
	if n := utf8.RuneCountInString(rec.Treatment); n == 0 || n > MaxTreatmentChars {
		return fmt.Errorf("treatment length %d out of range", n)
	}
	if n := utf8.RuneCountInString(rec.Feedback); n == 0 || n > MaxFeedbackChars {
		return fmt.Errorf("feedback length %d out of range", n)
	}
	if !ValidRecordedAt(rec.RecordedAt) {
		return fmt.Errorf("recorded_at %q malformed", rec.RecordedAt)
	}
	if !ValidCategory(rec.Category) {
		return fmt.Errorf("category %q invalid", rec.Category)
	}
	if rec.IsSevere != "true" && rec.IsSevere != "false" {
		return fmt.Errorf("is_severe %q invalid", rec.IsSevere)
	}
	return nil
}

// persist validates and stores the composed record, running escalation first
// for severe records so its messaging rides the same response. A record is
// inserted if and only if every field passes its format check.
func (p *Pipeline) persist(ctx context.Context, cand FeedbackCandidate, category Category, severe bool) PersistOutcome {
	failed := PersistOutcome{
		Success:            false,
		IsSevere:           SevereFlag(false),
		AssistantResponse:  "",
		SuggestedTreatment: NoSuggestionFallback,
	}

	rec := FeedbackRecord{
		PatientID:  cand.PatientID,
		Treatment:  cand.Treatment,
		Feedback:   cand.Feedback,
		RecordedAt: stampRecordedAt(p.clock()),
		Category:   category,
		IsSevere:   SevereFlag(severe),
	}
	if err := validateRecord(rec); err != nil {
		log.Printf("persist: record rejected: %v", err)
		return failed
	}

	outcome := PersistOutcome{
		Success:            true,
		IsSevere:           rec.IsSevere,
		AssistantResponse:  "",
		SuggestedTreatment: NoSuggestionFallback,
	}

	if severe {
		suggestion, err := p.runner.SuggestTreatment(ctx, rec)
		if err != nil {
			log.Printf("persist: suggestion unavailable: %v", err)
			suggestion = NoSuggestionFallback
		}
		outcome.AssistantResponse = AssistantEscalationNote
		outcome.SuggestedTreatment = suggestion

		note := EscalationNote{Record: rec, SuggestedTreatment: suggestion}
		if err := p.sink.Record(ctx, note); err != nil {
			log.Printf("persist: escalation sink failed: %v", err)
		}
	}

	if err := p.store.Insert(ctx, rec); err != nil {
		log.Printf("persist: insert failed: %v", err)
		return failed
	}
	return outcome
}
