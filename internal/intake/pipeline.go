package intake

import (
	"context"
	"errors"
	"log"
	"strings"
	"time"
)

const (
	// ResponseThanks acknowledges a stored, non-severe record.
	ResponseThanks = "Thank you for your feedback!"

	// ResponseSaveFailure covers any persistence failure; detail stays in logs.
	ResponseSaveFailure = "We encountered an issue saving your feedback"

	// ResponseSevere acknowledges a stored severe record and its escalation.
	ResponseSevere = "Thank you for your feedback! Based on what you described, we have notified the doctor in charge of your treatment."
)

// Options configures the optional pipeline collaborators. The zero value
// selects the no-op sink and the wall clock.
type Options struct {
	Sink  EscalationSink
	Clock func() time.Time
}

// Pipeline runs the per-request state machine:
// Received -> Extracted | InsufficientInfo -> Classified+Assessed ->
// Persisted -> Escalated | Acknowledged. No state survives a request.
type Pipeline struct {
	runner StageRunner
	store  FeedbackStore
	sink   EscalationSink
	clock  func() time.Time
}

func NewPipeline(runner StageRunner, store FeedbackStore, opts Options) *Pipeline {
	sink := opts.Sink
	if sink == nil {
		sink = NoopSink{}
	}
	clock := opts.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Pipeline{runner: runner, store: store, sink: sink, clock: clock}
}

// Run processes one inbound message end to end and shapes the final response.
func (p *Pipeline) Run(ctx context.Context, message string) ChatResponse {
	cand, err := p.runner.ExtractCandidate(ctx, message)
	if err != nil {
		if !errors.Is(err, ErrInsufficientInformation) {
			log.Printf("pipeline: unexpected extraction error: %v", err)
		}
		return ChatResponse{Response: p.clarification(ctx, message)}
	}

	category, err := p.runner.ClassifyFeedback(ctx, cand.Feedback)
	if err != nil {
		log.Printf("pipeline: classification defaulted: %v", err)
		category = DefaultCategory
	}

	severe, err := p.runner.AssessSeverity(ctx, cand)
	if err != nil {
		log.Printf("pipeline: severity assessment degraded to false: %v", err)
		severe = false
	}

	outcome := p.persist(ctx, cand, category, severe)
	if !outcome.Success {
		return ChatResponse{Response: ResponseSaveFailure}
	}
	if outcome.IsSevere == "true" {
		return ChatResponse{
			Response:           ResponseSevere,
			AssistantResponse:  outcome.AssistantResponse,
			SuggestedTreatment: outcome.SuggestedTreatment,
		}
	}
	return ChatResponse{Response: ResponseThanks}
}

// clarification asks the model for a conversational prompt collecting the
// missing items, with the static fallback as explicit policy here rather than
// inside the stage.
func (p *Pipeline) clarification(ctx context.Context, message string) string {
	reply, err := p.runner.GuidanceReply(ctx, message)
	if err != nil || strings.TrimSpace(reply) == "" {
		return ClarificationFallback
	}
	return reply
}
