package triggers

import (
	"context"

	"github.com/oceanswave/tescmd-gateway/pkg/telemetry"
)

// EvaluationSink adapts a Manager into a telemetry.Sink: for each datum in
// a frame it captures the previous value from the telemetry store, updates
// it, then evaluates the new value against every registered trigger on
// that field. It is only wired in when the gateway Bridge is not active —
// the Bridge already drives trigger evaluation as part of its own pipeline,
// and running both would evaluate every frame twice.
type EvaluationSink struct {
	store   *telemetry.Store
	manager *Manager
}

// NewEvaluationSink creates an EvaluationSink over store and manager.
func NewEvaluationSink(store *telemetry.Store, manager *Manager) *EvaluationSink {
	return &EvaluationSink{store: store, manager: manager}
}

func (s *EvaluationSink) Name() string { return "trigger-evaluation" }

func (s *EvaluationSink) OnFrame(_ context.Context, frame *telemetry.Frame) error {
	for _, datum := range frame.Data {
		previous, hadPrevious := s.store.Set(datum.FieldName, datum.Value)
		var prevArg any
		if hadPrevious {
			prevArg = previous
		}
		s.manager.Evaluate(datum.FieldName, datum.Value, prevArg, frame.VIN, frame.CreatedAt)
	}
	return nil
}
