package governance

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// Pipeline runs an ordered sequence of evaluators over one direction of
// one request. Short-circuits on block or throttle; redactions compose on
// the working body.
type Pipeline struct {
	evaluators []*Evaluator
	logger     *slog.Logger
	clock      func() time.Time
}

// NewPipeline builds a pipeline over pre-ordered evaluators.
func NewPipeline(evaluators []*Evaluator, logger *slog.Logger) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}
	return &Pipeline{evaluators: evaluators, logger: logger, clock: time.Now}
}

// Run evaluates every applicable evaluator in order and aggregates the
// outcome. Evaluator errors and panics convert to a block event: the data
// path fails closed inside the pipeline.
func (p *Pipeline) Run(ctx context.Context, direction Direction, body *Body, reqCtx *RequestContext) *Outcome {
	outcome := &Outcome{
		FinalAction: ActionAllow,
		Body:        body,
	}

	for _, ev := range p.evaluators {
		if !ev.AppliesTo(direction) {
			continue
		}

		started := p.clock()
		res, err := p.safeEvaluate(ctx, ev, direction, outcome.Body, reqCtx)
		event := Event{
			GuardrailType:  ev.Type,
			Action:         res.Action,
			Triggered:      res.Triggered,
			Details:        res.Details,
			DurationMicros: p.clock().Sub(started).Microseconds(),
		}
		if err != nil {
			event.Error = err.Error()
		}
		outcome.Events = append(outcome.Events, event)

		if res.Triggered {
			outcome.Triggered = append(outcome.Triggered, ev.Type)
		}

		switch res.Action {
		case ActionBlock:
			outcome.FinalAction = ActionBlock
			outcome.BlockedBy = ev.Type
			p.logger.Info("pipeline blocked",
				"guardrail_type", ev.Type,
				"direction", direction,
				"request_id", reqCtx.RequestID)
			return outcome
		case ActionThrottle:
			outcome.FinalAction = ActionThrottle
			outcome.BlockedBy = ev.Type
			outcome.RetryAfter = res.RetryAfter
			p.logger.Info("pipeline throttled",
				"guardrail_type", ev.Type,
				"retry_after", res.RetryAfter,
				"request_id", reqCtx.RequestID)
			return outcome
		case ActionRedact:
			if res.Body != nil {
				outcome.Body = res.Body
			}
			outcome.FinalAction = ActionModify
		case ActionAllow, ActionLogOnly:
			// continue
		}
	}

	return outcome
}

// safeEvaluate shields the pipeline from evaluator failures. A returned
// error with no verdict, or a panic, becomes a block.
func (p *Pipeline) safeEvaluate(ctx context.Context, ev *Evaluator, direction Direction, body *Body, reqCtx *RequestContext) (res Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("evaluator panicked",
				"guardrail_type", ev.Type,
				"panic", r,
				"request_id", reqCtx.RequestID)
			res = Result{Action: ActionBlock, Triggered: true}
			err = fmt.Errorf("evaluator %s panicked: %v", ev.Type, r)
		}
	}()

	res, err = ev.Evaluate(ctx, direction, body, reqCtx)
	if err != nil && res.Action == "" {
		res = Result{Action: ActionBlock, Triggered: true}
	}
	return res, err
}
