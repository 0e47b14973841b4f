package intake

import (
	"regexp"
	"time"
)

const (
	MaxTreatmentChars = 999
	MaxFeedbackChars  = 4999
	MaxCategoryChars  = 45

	// RecordedAtLayout is the wire format for every timestamp the service
	// persists or compares against history.
	RecordedAtLayout = "2006-01-02 15:04:05"

	// RecordedAtFallback is stamped when the clock somehow yields a value
	// that does not survive the format check.
	RecordedAtFallback = "1970-01-01 00:00:00"

	// ModelTimeout bounds every language-model call at the wrapper.
	ModelTimeout = 15 * time.Second
)

var (
	patientIDPattern  = regexp.MustCompile(`^\d+$`)
	recordedAtPattern = regexp.MustCompile(`^\d{4}-\d{2}-\d{2} \d{2}:\d{2}:\d{2}$`)
)

type Category string

const (
	CategoryTreatment  Category = "treatment"
	CategoryService    Category = "service"
	CategoryMedication Category = "medication"
)

// DefaultCategory is the fail-safe applied when classification produces
// nothing usable. It is a default, not a classification claim.
const DefaultCategory = CategoryTreatment

func ValidCategory(c Category) bool {
	switch c {
	case CategoryTreatment, CategoryService, CategoryMedication:
		return true
	}
	return false
}

// FeedbackCandidate is the unvalidated structured record extracted from a
// free-text message. Immutable once produced.
type FeedbackCandidate struct {
	PatientID string `json:"patient_id"`
	Treatment string `json:"treatment"`
	Feedback  string `json:"feedback"`
}

// FeedbackRecord is a candidate enriched with classification and severity,
// assembled in-memory for one request and persisted exactly once on success.
type FeedbackRecord struct {
	PatientID  string   `json:"patient_id" db:"patient_id"`
	Treatment  string   `json:"treatment" db:"treatment"`
	Feedback   string   `json:"feedback" db:"feedback"`
	RecordedAt string   `json:"recorded_at" db:"recorded_at"`
	Category   Category `json:"category" db:"category"`
	IsSevere   string   `json:"is_severe" db:"is_severe"`
}

// HistoricalFeedbackEntry is a read-only projection of a prior record for the
// same (patient_id, treatment) pair.
type HistoricalFeedbackEntry struct {
	Feedback   string `db:"feedback"`
	RecordedAt string `db:"recorded_at"`
}

// EscalationNote carries a severe record and the suggested action to the
// secondary review channel.
type EscalationNote struct {
	Record             FeedbackRecord
	SuggestedTreatment string
}

// PersistOutcome is the uniform envelope returned by the persistence stage.
// All fields are populated even on failure so callers never special-case
// missing values.
type PersistOutcome struct {
	Success            bool
	IsSevere           string
	AssistantResponse  string
	SuggestedTreatment string
}

// ChatResponse is the endpoint-facing response shape.
type ChatResponse struct {
	Response           string `json:"response"`
	AssistantResponse  string `json:"assistant_response,omitempty"`
	SuggestedTreatment string `json:"suggested_treatment,omitempty"`
}

// SevereFlag maps the internal severity bool onto the persisted three-valued
// contract; anything that is not an explicit true stays "false".
func SevereFlag(severe bool) string {
	if severe {
		return "true"
	}
	return "false"
}

func ValidPatientID(id string) bool {
	return patientIDPattern.MatchString(id)
}

func ValidRecordedAt(ts string) bool {
	return recordedAtPattern.MatchString(ts)
}
