package intake

import (
	"context"
	"errors"
	"strings"
	"testing"
	"unicode/utf8"
)

type fakeHistoryStore struct {
	entries []HistoricalFeedbackEntry
	err     error
	inserts []FeedbackRecord
}

func (f *fakeHistoryStore) History(context.Context, string, string) ([]HistoricalFeedbackEntry, error) {
	return f.entries, f.err
}

func (f *fakeHistoryStore) Insert(_ context.Context, rec FeedbackRecord) error {
	f.inserts = append(f.inserts, rec)
	return nil
}

func newRunner(caller *scriptedCaller, store FeedbackStore) *LLMStageRunner {
	if store == nil {
		store = &fakeHistoryStore{}
	}
	return NewLLMStageRunner(NewModelClient(caller), store)
}

func TestExtractCandidateValid(t *testing.T) {
	caller := &scriptedCaller{replies: map[string]string{
		extractionSystemPrompt: `{"patient_id": "42", "treatment_type": " Physiotherapy ", "feedback_text": " much better "}`,
	}}
	cand, err := newRunner(caller, nil).ExtractCandidate(context.Background(), "msg")
	if err != nil {
		t.Fatalf("ExtractCandidate: %v", err)
	}
	if cand.PatientID != "42" || cand.Treatment != "Physiotherapy" || cand.Feedback != "much better" {
		t.Fatalf("unexpected candidate: %+v", cand)
	}
}

func TestExtractCandidateNumericPatientID(t *testing.T) {
	caller := &scriptedCaller{replies: map[string]string{
		extractionSystemPrompt: `{"patient_id": 42, "treatment_type": "Physio", "feedback_text": "fine"}`,
	}}
	cand, err := newRunner(caller, nil).ExtractCandidate(context.Background(), "msg")
	if err != nil {
		t.Fatalf("ExtractCandidate: %v", err)
	}
	if cand.PatientID != "42" {
		t.Fatalf("expected coerced patient id, got %q", cand.PatientID)
	}
}

func TestExtractCandidateTruncatesLongFields(t *testing.T) {
	long := strings.Repeat("x", 6000)
	caller := &scriptedCaller{replies: map[string]string{
		extractionSystemPrompt: `{"patient_id": "7", "treatment_type": "` + long + `", "feedback_text": "` + long + `"}`,
	}}
	cand, err := newRunner(caller, nil).ExtractCandidate(context.Background(), "msg")
	if err != nil {
		t.Fatalf("ExtractCandidate: %v", err)
	}
	if len(cand.Treatment) != MaxTreatmentChars {
		t.Fatalf("treatment length %d, want %d", len(cand.Treatment), MaxTreatmentChars)
	}
	if len(cand.Feedback) != MaxFeedbackChars {
		t.Fatalf("feedback length %d, want %d", len(cand.Feedback), MaxFeedbackChars)
	}
}

func TestExtractCandidateCountsCharactersNotBytes(t *testing.T) {
	within := strings.Repeat("é", 600)  // 600 characters, 1200 bytes
	over := strings.Repeat("é", 1200)
	caller := &scriptedCaller{replies: map[string]string{
		extractionSystemPrompt: `{"patient_id": "7", "treatment_type": "` + over + `", "feedback_text": "` + within + `"}`,
	}}
	cand, err := newRunner(caller, nil).ExtractCandidate(context.Background(), "msg")
	if err != nil {
		t.Fatalf("ExtractCandidate: %v", err)
	}
	if got := utf8.RuneCountInString(cand.Treatment); got != MaxTreatmentChars {
		t.Fatalf("treatment runes %d, want %d", got, MaxTreatmentChars)
	}
	if !utf8.ValidString(cand.Treatment) {
		t.Fatal("truncation split a rune")
	}
	if cand.Feedback != within {
		t.Fatal("a 600-character field is inside the cap and must survive untouched")
	}
}

func TestExtractCandidateInsufficient(t *testing.T) {
	cases := []struct {
		name  string
		reply string
		err   error
	}{
		{name: "missing key", reply: `{"patient_id": "42", "treatment_type": "Physio"}`},
		{name: "null key", reply: `{"patient_id": null, "treatment_type": "Physio", "feedback_text": "ok"}`},
		{name: "non-numeric id", reply: `{"patient_id": "abc", "treatment_type": "Physio", "feedback_text": "ok"}`},
		{name: "blank treatment", reply: `{"patient_id": "42", "treatment_type": "  ", "feedback_text": "ok"}`},
		{name: "object treatment", reply: `{"patient_id": "42", "treatment_type": {"name": "Physio"}, "feedback_text": "ok"}`},
		{name: "array patient id", reply: `{"patient_id": [42], "treatment_type": "Physio", "feedback_text": "ok"}`},
		{name: "not json", reply: `I could not find the details.`},
		{name: "model failure", err: errors.New("timeout")},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			caller := &scriptedCaller{
				replies: map[string]string{extractionSystemPrompt: tc.reply},
			}
			if tc.err != nil {
				caller.errs = map[string]error{extractionSystemPrompt: tc.err}
			}
			_, err := newRunner(caller, nil).ExtractCandidate(context.Background(), "msg")
			if !errors.Is(err, ErrInsufficientInformation) {
				t.Fatalf("expected ErrInsufficientInformation, got %v", err)
			}
		})
	}
}

func TestClassifyFeedbackNormalizesReply(t *testing.T) {
	caller := &scriptedCaller{replies: map[string]string{
		classificationSystemPrompt: "  Medication  ",
	}}
	got, err := newRunner(caller, nil).ClassifyFeedback(context.Background(), "fb")
	if err != nil {
		t.Fatalf("ClassifyFeedback: %v", err)
	}
	if got != CategoryMedication {
		t.Fatalf("expected medication, got %q", got)
	}
}

func TestClassifyFeedbackUsesDeterministicDecoding(t *testing.T) {
	caller := &scriptedCaller{replies: map[string]string{classificationSystemPrompt: "service"}}
	if _, err := newRunner(caller, nil).ClassifyFeedback(context.Background(), "fb"); err != nil {
		t.Fatalf("ClassifyFeedback: %v", err)
	}
	if len(caller.prompts) != 1 || !caller.prompts[0].Deterministic {
		t.Fatal("expected a single deterministic prompt")
	}
}

func TestClassifyFeedbackRejectsUnknownCategory(t *testing.T) {
	caller := &scriptedCaller{replies: map[string]string{
		classificationSystemPrompt: "billing",
	}}
	if _, err := newRunner(caller, nil).ClassifyFeedback(context.Background(), "fb"); err == nil {
		t.Fatal("expected error for unknown category")
	}
}

func TestClassifyFeedbackRejectsModelFailure(t *testing.T) {
	caller := &scriptedCaller{errs: map[string]error{classificationSystemPrompt: errors.New("down")}}
	if _, err := newRunner(caller, nil).ClassifyFeedback(context.Background(), "fb"); err == nil {
		t.Fatal("expected error when the model produced no result")
	}
}

func TestAssessSeverityAffirmed(t *testing.T) {
	store := &fakeHistoryStore{entries: []HistoricalFeedbackEntry{
		{Feedback: "improving steadily", RecordedAt: "2026-08-01 09:00:00"},
	}}
	caller := &scriptedCaller{replies: map[string]string{
		severitySystemPrompt: `{"is_severe": true}`,
	}}
	severe, err := newRunner(caller, store).AssessSeverity(context.Background(), FeedbackCandidate{PatientID: "42", Treatment: "Physio", Feedback: "sudden severe pain"})
	if err != nil {
		t.Fatalf("AssessSeverity: %v", err)
	}
	if !severe {
		t.Fatal("expected severe=true")
	}
	sent := caller.prompts[0].User
	if !strings.Contains(sent, "- 2026-08-01 09:00:00: improving steadily") {
		t.Fatalf("expected bulleted history in prompt, got:\n%s", sent)
	}
}

func TestAssessSeverityNoHistory(t *testing.T) {
	caller := &scriptedCaller{replies: map[string]string{
		severitySystemPrompt: `{"is_severe": false}`,
	}}
	severe, err := newRunner(caller, &fakeHistoryStore{}).AssessSeverity(context.Background(), FeedbackCandidate{PatientID: "42", Treatment: "Physio", Feedback: "fine"})
	if err != nil || severe {
		t.Fatalf("expected false/nil, got %v/%v", severe, err)
	}
	if !strings.Contains(caller.prompts[0].User, "No history") {
		t.Fatal("expected 'No history' marker in prompt")
	}
}

func TestAssessSeverityFailsClosed(t *testing.T) {
	cases := []struct {
		name   string
		caller *scriptedCaller
		store  *fakeHistoryStore
	}{
		{
			name:   "store exhausted",
			caller: &scriptedCaller{},
			store:  &fakeHistoryStore{err: errors.New("connection refused")},
		},
		{
			name:   "model failure",
			caller: &scriptedCaller{errs: map[string]error{severitySystemPrompt: errors.New("down")}},
			store:  &fakeHistoryStore{},
		},
		{
			name:   "malformed reply",
			caller: &scriptedCaller{replies: map[string]string{severitySystemPrompt: "maybe?"}},
			store:  &fakeHistoryStore{},
		},
		{
			name:   "missing field",
			caller: &scriptedCaller{replies: map[string]string{severitySystemPrompt: `{"verdict": "bad"}`}},
			store:  &fakeHistoryStore{},
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			severe, err := newRunner(tc.caller, tc.store).AssessSeverity(context.Background(), FeedbackCandidate{PatientID: "1", Treatment: "T", Feedback: "f"})
			if err != nil {
				t.Fatalf("AssessSeverity must not error: %v", err)
			}
			if severe {
				t.Fatal("expected fail-closed false")
			}
		})
	}
}

func TestSuggestTreatment(t *testing.T) {
	caller := &scriptedCaller{replies: map[string]string{
		suggestionSystemPrompt: "```json\n{\"suggestions\": \"Schedule an urgent follow-up\"}\n```",
	}}
	got, err := newRunner(caller, nil).SuggestTreatment(context.Background(), FeedbackRecord{PatientID: "42"})
	if err != nil {
		t.Fatalf("SuggestTreatment: %v", err)
	}
	if got != "Schedule an urgent follow-up" {
		t.Fatalf("unexpected suggestion %q", got)
	}
}

func TestSuggestTreatmentErrorsOnEmpty(t *testing.T) {
	caller := &scriptedCaller{replies: map[string]string{
		suggestionSystemPrompt: `{"suggestions": "  "}`,
	}}
	if _, err := newRunner(caller, nil).SuggestTreatment(context.Background(), FeedbackRecord{}); err == nil {
		t.Fatal("expected error for empty suggestion")
	}
}

func TestRenderHistory(t *testing.T) {
	if got := renderHistory(nil); got != "No history" {
		t.Fatalf("unexpected: %q", got)
	}
	got := renderHistory([]HistoricalFeedbackEntry{
		{Feedback: "a", RecordedAt: "2026-08-01 09:00:00"},
		{Feedback: "b", RecordedAt: "2026-08-02 09:00:00"},
	})
	want := "- 2026-08-01 09:00:00: a\n- 2026-08-02 09:00:00: b"
	if got != want {
		t.Fatalf("unexpected:\n%s", got)
	}
}
