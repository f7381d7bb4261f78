package gate

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"time"
)

// Summary aggregates one run over a gate list.
type Summary struct {
	Passed          bool              `json:"passed"`
	TotalScore      int               `json:"total_score"`
	TotalMaxScore   int               `json:"total_max_score"`
	NormalizedScore int               `json:"normalized_score"`
	GateResults     map[string]Result `json:"gate_results"`
	// Order lists the gates that ran, in execution order.
	Order      []string `json:"order"`
	FailedGate string   `json:"failed_gate,omitempty"`
	Skipped    []string `json:"skipped,omitempty"`
	Issues     []string `json:"issues,omitempty"`
	Warnings   []string `json:"warnings,omitempty"`
}

// Failed returns the result of the gate that stopped the run.
func (s Summary) Failed() (Result, bool) {
	if s.FailedGate == "" {
		return Result{}, false
	}
	r, ok := s.GateResults[s.FailedGate]
	return r, ok
}

// Observer is notified after each gate runs.
type Observer interface {
	GateEvaluated(ctx context.Context, name string, res Result, elapsed time.Duration)
}

// Runner executes gates sequentially.
type Runner struct {
	Observer Observer
	Logger   *slog.Logger
}

// Validate runs gates in list order and stops at the first failing required
// gate. Validator errors and panics fail the gate instead of propagating.
func (r Runner) Validate(ctx context.Context, gates []Gate, gc *Context) Summary {
	if gc == nil {
		gc = &Context{}
	}
	sum := Summary{Passed: true, GateResults: make(map[string]Result, len(gates))}
	for _, g := range gates {
		if g.Condition != nil && !g.Condition(gc) {
			sum.Skipped = append(sum.Skipped, g.Name)
			continue
		}
		var res Result
		stop := false
		if err := ctx.Err(); err != nil {
			res = Fail(fmt.Sprintf("validation cancelled: %v", err))
			stop = true
		} else {
			start := time.Now()
			res = r.runOne(ctx, g, gc)
			if r.Observer != nil {
				r.Observer.GateEvaluated(ctx, g.Name, res, time.Since(start))
			}
		}
		sum.GateResults[g.Name] = res
		sum.Order = append(sum.Order, g.Name)
		sum.TotalScore += res.Score
		sum.TotalMaxScore += res.MaxScore
		for _, w := range res.Warnings {
			sum.Warnings = append(sum.Warnings, g.Name+": "+w)
		}
		if res.Passed {
			continue
		}
		if g.Optional && !stop {
			for _, is := range res.Issues {
				sum.Warnings = append(sum.Warnings, g.Name+" (optional): "+is)
			}
			continue
		}
		sum.Passed = false
		sum.FailedGate = g.Name
		for _, is := range res.Issues {
			sum.Issues = append(sum.Issues, g.Name+": "+is)
		}
		break
	}
	sum.NormalizedScore = normalize(sum.TotalScore, sum.TotalMaxScore, sum.Passed)
	return sum
}

func (r Runner) runOne(ctx context.Context, g Gate, gc *Context) (res Result) {
	defer func() {
		if p := recover(); p != nil {
			if r.Logger != nil {
				r.Logger.ErrorContext(ctx, "gate validator panicked", "gate", g.Name, "panic", p)
			}
			res = Fail(fmt.Sprintf("validator panicked: %v", p))
		}
	}()
	if g.Validator == nil {
		return Fail("gate has no validator")
	}
	out, err := g.Validator(ctx, gc)
	if err != nil {
		if r.Logger != nil {
			r.Logger.WarnContext(ctx, "gate validator failed", "gate", g.Name, "error", err)
		}
		return Fail(err.Error())
	}
	if out.MaxScore <= 0 {
		out.MaxScore = DefaultMaxScore
		if out.Passed && out.Score == 0 {
			out.Score = DefaultMaxScore
		}
	}
	if out.Score > out.MaxScore {
		out.Score = out.MaxScore
	}
	if out.Score < 0 {
		out.Score = 0
	}
	return out
}

func normalize(score, maxScore int, passed bool) int {
	if maxScore <= 0 {
		if passed {
			return 100
		}
		return 0
	}
	return int(math.Round(float64(score) * 100 / float64(maxScore)))
}
