package telemetry

import (
	"context"
	"log/slog"
)

// Sink receives each decoded frame in receive order. A sink's own failure
// (panic or returned error) must never prevent sibling sinks from seeing
// the same frame.
type Sink interface {
	Name() string
	OnFrame(ctx context.Context, frame *Frame) error
}

// Fanout broadcasts each decoded frame to every registered sink, strictly
// sequentially and in registration order, so a slow sink increases
// end-to-end latency but frames are never reordered or delivered out of
// sequence to any one sink.
type Fanout struct {
	logger *slog.Logger
	sinks  []Sink
}

// NewFanout creates a Fanout over the given sinks, invoked in this order.
func NewFanout(logger *slog.Logger, sinks ...Sink) *Fanout {
	return &Fanout{logger: logger, sinks: sinks}
}

// Dispatch delivers frame to each sink in registration order. A sink error
// is logged and swallowed; remaining sinks still run.
func (f *Fanout) Dispatch(ctx context.Context, frame *Frame) {
	for _, sink := range f.sinks {
		f.deliver(ctx, sink, frame)
	}
}

func (f *Fanout) deliver(ctx context.Context, sink Sink, frame *Frame) {
	defer func() {
		if r := recover(); r != nil {
			f.logger.Error("sink panicked", "sink", sink.Name(), "vin", frame.VIN, "recover", r)
		}
	}()
	if err := sink.OnFrame(ctx, frame); err != nil {
		f.logger.Error("sink failed", "sink", sink.Name(), "vin", frame.VIN, "error", err)
	}
}
