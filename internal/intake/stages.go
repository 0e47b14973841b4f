package intake

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strconv"
	"strings"
)

// ErrInsufficientInformation signals that extraction could not produce a
// complete candidate. The orchestrator turns it into a clarification reply;
// it is never surfaced as a failure.
var ErrInsufficientInformation = errors.New("insufficient information in message")

const extractionSystemPrompt = "You are a medical data extraction assistant. Respond with strict JSON only."

const extractionPrompt = `Analyze the following patient message and extract:
- patient_id (numeric identifier)
- treatment_type (medical treatment received)
- feedback_text (patient experience feedback)

Return a JSON object with exactly those three keys.

Example:
Message: "12. Treatment: Acupuncture. Feedback: the sessions helped with my back pain"
Response: {"patient_id": "12", "treatment_type": "Acupuncture", "feedback_text": "the sessions helped with my back pain"}

Patient message: %s`

const classificationSystemPrompt = "You are a patient feedback triage assistant."

const classificationPrompt = `Classify the following patient feedback into exactly one category.
Valid categories: treatment, service, medication.
Answer with exactly one category word and nothing else.

Feedback: %s`

const severitySystemPrompt = "You are a clinical triage assistant. Respond with strict JSON only."

const severityPrompt = `A patient has submitted new feedback about an ongoing treatment.
Compare it against their feedback history for the same treatment and decide
whether the new feedback indicates a deterioration that requires medical
intervention.

Treatment: %s

Feedback history:
%s

New feedback: %s

Return a JSON object: {"is_severe": true or false}`

const suggestionSystemPrompt = "You are a clinical assistant advising the care team. Respond with strict JSON only."

const suggestionPrompt = `A patient's feedback has been flagged as requiring medical intervention.
Propose a concrete next step for the care team.

Patient ID: %s
Treatment: %s
Feedback: %s

Return a JSON object: {"suggestions": "string"}`

const guidanceSystemPrompt = `You are a patient feedback assistant.
Collect the following information:
1. Numeric Patient ID
2. Treatment received
3. Feedback about the experience
Ask for missing items one at a time in a friendly manner.`

// ClarificationFallback is the static reply used when the guidance model call
// yields no result. It names all three required items.
const ClarificationFallback = "To record your feedback I still need three things: " +
	"your numeric patient ID, the treatment you received, and your feedback about the experience."

// NoSuggestionFallback substitutes for an absent or malformed suggestion.
const NoSuggestionFallback = "No suggestions provided"

type StageRunner interface {
	ExtractCandidate(ctx context.Context, message string) (FeedbackCandidate, error)
	ClassifyFeedback(ctx context.Context, feedback string) (Category, error)
	AssessSeverity(ctx context.Context, cand FeedbackCandidate) (bool, error)
	SuggestTreatment(ctx context.Context, rec FeedbackRecord) (string, error)
	GuidanceReply(ctx context.Context, message string) (string, error)
}

// FeedbackStore is the slice of the datastore the pipeline depends on.
// History is a retried operation; Insert is not (see the store package).
type FeedbackStore interface {
	History(ctx context.Context, patientID, treatment string) ([]HistoricalFeedbackEntry, error)
	Insert(ctx context.Context, rec FeedbackRecord) error
}

type LLMStageRunner struct {
	model *ModelClient
	store FeedbackStore
}

func NewLLMStageRunner(model *ModelClient, store FeedbackStore) *LLMStageRunner {
	return &LLMStageRunner{model: model, store: store}
}

// ExtractCandidate turns a raw message into a candidate record, or
// ErrInsufficientInformation. It never returns any other error: parse
// failures, sentinel failures, and validation failures all collapse into the
// absence signal.
func (r *LLMStageRunner) ExtractCandidate(ctx context.Context, message string) (FeedbackCandidate, error) {
	raw, ok := r.model.Complete(ctx, "extract_feedback", Prompt{
		System:   extractionSystemPrompt,
		User:     fmt.Sprintf(extractionPrompt, message),
		JSONOnly: true,
	})
	if !ok {
		return FeedbackCandidate{}, ErrInsufficientInformation
	}

	var fields struct {
		PatientID     any `json:"patient_id"`
		TreatmentType any `json:"treatment_type"`
		FeedbackText  any `json:"feedback_text"`
	}
	if err := json.Unmarshal([]byte(stripCodeFences(raw)), &fields); err != nil {
		log.Printf("extract_feedback: unparseable reply: %v", err)
		return FeedbackCandidate{}, ErrInsufficientInformation
	}
	if fields.PatientID == nil || fields.TreatmentType == nil || fields.FeedbackText == nil {
		return FeedbackCandidate{}, ErrInsufficientInformation
	}

	patientID := coerceText(fields.PatientID)
	if !ValidPatientID(patientID) {
		return FeedbackCandidate{}, ErrInsufficientInformation
	}
	treatment := truncate(strings.TrimSpace(coerceText(fields.TreatmentType)), MaxTreatmentChars)
	feedback := truncate(strings.TrimSpace(coerceText(fields.FeedbackText)), MaxFeedbackChars)
	if treatment == "" || feedback == "" {
		return FeedbackCandidate{}, ErrInsufficientInformation
	}

	return FeedbackCandidate{PatientID: patientID, Treatment: treatment, Feedback: feedback}, nil
}

// ClassifyFeedback assigns one of the fixed categories. An error means the
// caller should apply DefaultCategory; the default is applied at the call
// site, not hidden here.
func (r *LLMStageRunner) ClassifyFeedback(ctx context.Context, feedback string) (Category, error) {
	raw, ok := r.model.Complete(ctx, "classify_feedback", Prompt{
		System:        classificationSystemPrompt,
		User:          fmt.Sprintf(classificationPrompt, feedback),
		Deterministic: true,
	})
	if !ok {
		return "", errors.New("classification produced no result")
	}
	normalized := Category(truncate(strings.ToLower(strings.TrimSpace(raw)), MaxCategoryChars))
	if !ValidCategory(normalized) {
		return "", fmt.Errorf("classification reply %q is not a valid category", normalized)
	}
	return normalized, nil
}

// AssessSeverity compares the new feedback against the patient's history for
// the same treatment. It fails closed: datastore exhaustion, sentinel model
// failure, and malformed replies all yield false.
func (r *LLMStageRunner) AssessSeverity(ctx context.Context, cand FeedbackCandidate) (bool, error) {
	history, err := r.store.History(ctx, cand.PatientID, cand.Treatment)
	if err != nil {
		log.Printf("assess_severity: history lookup failed after retries: %v", err)
		return false, nil
	}

	raw, ok := r.model.Complete(ctx, "assess_severity", Prompt{
		System:   severitySystemPrompt,
		User:     fmt.Sprintf(severityPrompt, cand.Treatment, renderHistory(history), cand.Feedback),
		JSONOnly: true,
	})
	if !ok {
		return false, nil
	}
	var verdict struct {
		IsSevere bool `json:"is_severe"`
	}
	if err := json.Unmarshal([]byte(stripCodeFences(raw)), &verdict); err != nil {
		log.Printf("assess_severity: unparseable reply: %v", err)
		return false, nil
	}
	return verdict.IsSevere, nil
}

// SuggestTreatment produces the escalation suggestion for a severe record.
func (r *LLMStageRunner) SuggestTreatment(ctx context.Context, rec FeedbackRecord) (string, error) {
	raw, ok := r.model.Complete(ctx, "suggest_treatment", Prompt{
		System:   suggestionSystemPrompt,
		User:     fmt.Sprintf(suggestionPrompt, rec.PatientID, rec.Treatment, rec.Feedback),
		JSONOnly: true,
	})
	if !ok {
		return "", errors.New("suggestion produced no result")
	}
	var reply struct {
		Suggestions string `json:"suggestions"`
	}
	if err := json.Unmarshal([]byte(stripCodeFences(raw)), &reply); err != nil {
		return "", fmt.Errorf("unparseable suggestion reply: %w", err)
	}
	if strings.TrimSpace(reply.Suggestions) == "" {
		return "", errors.New("empty suggestion")
	}
	return strings.TrimSpace(reply.Suggestions), nil
}

// GuidanceReply asks the model for a conversational prompt collecting the
// missing items. The caller falls back to ClarificationFallback on error.
func (r *LLMStageRunner) GuidanceReply(ctx context.Context, message string) (string, error) {
	raw, ok := r.model.Complete(ctx, "guidance_reply", Prompt{
		System: guidanceSystemPrompt,
		User:   message,
	})
	if !ok {
		return "", errors.New("guidance produced no result")
	}
	return raw, nil
}

// renderHistory formats prior entries as a bulleted timestamp: feedback list.
func renderHistory(entries []HistoricalFeedbackEntry) string {
	if len(entries) == 0 {
		return "No history"
	}
	var sb strings.Builder
	for _, e := range entries {
		sb.WriteString("- ")
		sb.WriteString(e.RecordedAt)
		sb.WriteString(": ")
		sb.WriteString(e.Feedback)
		sb.WriteString("\n")
	}
	return strings.TrimRight(sb.String(), "\n")
}

// coerceText renders a decoded JSON scalar as text. Numeric patient IDs come
// back from the model as JSON numbers often enough that this matters.
// Non-scalar values yield "", which downstream validation treats as absent.
func coerceText(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(t)
	default:
		return ""
	}
}

// truncate caps s at max characters, never splitting a rune.
func truncate(s string, max int) string {
	r := []rune(s)
	if len(r) <= max {
		return s
	}
	return string(r[:max])
}
