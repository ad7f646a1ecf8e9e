package event

import "github.com/bruceblink/sendmer/pkg/logger"

// Emitter is the single sink interface observers implement. Emit must not
// block for long and must never fail the caller.
type Emitter interface {
	Emit(Event)
}

// Send forwards ev to sink when one is attached. A nil sink or a panicking
// sink never alters the caller's control flow.
func Send(sink Emitter, ev Event) {
	if sink == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			logger.Log.Warn("event sink panicked", "event", ev.Name(), "panic", r)
		}
	}()
	sink.Emit(ev)
}

// Func adapts a plain function to the Emitter interface.
type Func func(Event)

func (f Func) Emit(ev Event) {
	f(ev)
}

// LogSink writes events to the process logger at debug level.
type LogSink struct{}

func (LogSink) Emit(ev Event) {
	logger.Log.Debug("transfer event",
		"name", ev.Name(),
		"processed", ev.Processed,
		"total", ev.Total,
	)
}
