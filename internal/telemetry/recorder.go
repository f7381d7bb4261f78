package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"phaseline/internal/gate"
	"phaseline/internal/result"
)

// Recorder counts transition outcomes and times gates. It satisfies the
// engine and gate observer interfaces.
type Recorder struct {
	transitions metric.Int64Counter
	duration    metric.Float64Histogram
	gates       metric.Int64Counter
	gateDur     metric.Float64Histogram
}

// NewRecorder builds instruments from m, or from the global meter when m is nil.
func NewRecorder(m metric.Meter) (*Recorder, error) {
	if m == nil {
		m = Meter("phaseline/engine")
	}
	transitions, err := m.Int64Counter("phaseline.transitions",
		metric.WithDescription("Transition attempts by type and outcome"))
	if err != nil {
		return nil, err
	}
	duration, err := m.Float64Histogram("phaseline.transition.duration",
		metric.WithDescription("Transition attempt duration in milliseconds"),
		metric.WithUnit("ms"))
	if err != nil {
		return nil, err
	}
	gates, err := m.Int64Counter("phaseline.gates",
		metric.WithDescription("Gate evaluations by gate and outcome"))
	if err != nil {
		return nil, err
	}
	gateDur, err := m.Float64Histogram("phaseline.gate.duration",
		metric.WithDescription("Gate evaluation duration in milliseconds"),
		metric.WithUnit("ms"))
	if err != nil {
		return nil, err
	}
	return &Recorder{transitions: transitions, duration: duration, gates: gates, gateDur: gateDur}, nil
}

func (r *Recorder) TransitionFinished(ctx context.Context, transitionType string, res result.Result, elapsed time.Duration) {
	attrs := metric.WithAttributes(
		attribute.String("phaseline.transition", transitionType),
		attribute.String("phaseline.outcome", res.AuditStatus()),
		attribute.String("phaseline.reason_code", res.ReasonCode),
	)
	r.transitions.Add(ctx, 1, attrs)
	r.duration.Record(ctx, float64(elapsed.Microseconds())/1000, attrs)
}

func (r *Recorder) GateEvaluated(ctx context.Context, name string, res gate.Result, elapsed time.Duration) {
	attrs := metric.WithAttributes(
		attribute.String("phaseline.gate", name),
		attribute.Bool("phaseline.gate.passed", res.Passed),
	)
	r.gates.Add(ctx, 1, attrs)
	r.gateDur.Record(ctx, float64(elapsed.Microseconds())/1000, attrs)
}
