// Package synth produces the user-facing answer for a round as a finite
// chunk stream: partial text fragments followed by a terminal completion
// marker. For delegate plans it folds every task outcome, including failures
// and timeouts, into the supervisor's synthesis prompt.
package synth

import (
	"context"
	"fmt"
	"strings"

	"github.com/hupe1980/crewmesh/core"
	"github.com/hupe1980/crewmesh/logging"
	"github.com/hupe1980/crewmesh/model"
)

// Options configure a Synthesizer.
type Options struct {
	Logger logging.Logger
}

// Synthesizer streams final answers from the supervisor's model.
type Synthesizer struct {
	model model.Model
	opts  Options
}

// NewSynthesizer creates a synthesizer on the supervisor's model.
func NewSynthesizer(m model.Model, optFns ...func(o *Options)) *Synthesizer {
	opts := Options{Logger: logging.NoOpLogger{}}
	for _, fn := range optFns {
		fn(&opts)
	}
	return &Synthesizer{model: m, opts: opts}
}

// Synthesize streams the final answer. The chunk channel always ends with a
// single terminal chunk (Done true, no text) unless an error is emitted, and
// both channels are closed when the stream ends. Outcomes must be in plan
// declaration order.
func (s *Synthesizer) Synthesize(ctx context.Context, history []core.Message, userMsg string, plan *core.Plan, outcomes []core.TaskOutcome) (<-chan core.AnswerChunk, <-chan error) {
	out := make(chan core.AnswerChunk, 16)
	errCh := make(chan error, 1)

	go func() {
		defer close(out)
		defer close(errCh)

		turns := model.TurnsFromMessages(history)
		turns = append(turns, model.Turn{Role: "user", Text: userMsg})

		instructions := directInstructions
		if !plan.IsDirect() {
			instructions = delegateInstructions
			turns = append(turns, model.Turn{Role: "user", Text: renderOutcomes(plan, outcomes)})
		}

		respCh, modelErrCh := s.model.Generate(ctx, model.Request{
			Instructions: instructions,
			Turns:        turns,
			Stream:       true,
		})

		streamedAny := false
		var finalText string
		for resp := range respCh {
			if resp.Partial {
				if resp.Text != "" {
					streamedAny = true
					select {
					case out <- core.AnswerChunk{Text: resp.Text}:
					case <-ctx.Done():
						errCh <- ctx.Err()
						return
					}
				}
				continue
			}
			finalText = resp.Text
		}
		if err := <-modelErrCh; err != nil {
			errCh <- &core.BackendUnavailableError{Op: "synthesize", Err: err}
			return
		}

		// Providers without incremental output deliver everything in the
		// final response.
		if !streamedAny && finalText != "" {
			select {
			case out <- core.AnswerChunk{Text: finalText}:
			case <-ctx.Done():
				errCh <- ctx.Err()
				return
			}
		}

		out <- core.AnswerChunk{Done: true}
	}()

	return out, errCh
}

const directInstructions = "You are a helpful assistant. Answer the user directly and concisely."

const delegateInstructions = "You are the supervisor of a team of worker agents. " +
	"The final message lists what each delegated task produced. " +
	"Compose one coherent answer for the user from these results. " +
	"If a task failed or timed out, acknowledge the gap honestly instead of inventing content."

// renderOutcomes folds task outcomes into a synthesis context block,
// labeling each with its terminal status.
func renderOutcomes(plan *core.Plan, outcomes []core.TaskOutcome) string {
	var sb strings.Builder
	sb.WriteString("Delegation results")
	if plan.Goal != "" {
		sb.WriteString(" for goal: ")
		sb.WriteString(plan.Goal)
	}
	sb.WriteString("\n")

	for _, o := range outcomes {
		switch o.Status {
		case core.OutcomeCompleted:
			sb.WriteString(fmt.Sprintf("- [completed] %s: %s\n", o.Worker, o.Result))
		case core.OutcomeFailed:
			sb.WriteString(fmt.Sprintf("- [failed] %s: %s\n", o.Worker, o.ErrDetail))
		case core.OutcomeTimedOut:
			sb.WriteString(fmt.Sprintf("- [timed out] %s: %s\n", o.Worker, o.ErrDetail))
		}
	}

	return sb.String()
}
