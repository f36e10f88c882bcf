package tool

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"go.opentelemetry.io/otel/trace"

	"leadflow/internal/domain"
	"leadflow/internal/infra/tracer"
)

// ActionHandler handles one action of a multi-action tool.
type ActionHandler[P any] func(ctx context.Context, p P) (any, error)

// ActionMap routes action names to their handlers.
type ActionMap[P any] map[string]ActionHandler[P]

// Dispatch builds an Execute handler that routes on the action field of the
// parsed params. The appointment tool is the typical caller:
//
//	return Execute(ctx, "tool.appointment", t.logger, params,
//	    Dispatch(func(p appointmentParams) string { return p.Action }, ActionMap[appointmentParams]{
//	        "list_slots": t.listSlots,
//	        "book":       t.book,
//	    }),
//	)
//
// An unknown action yields an error naming the valid ones, in sorted order,
// so the model can correct itself on the next call.
func Dispatch[P any](
	action func(P) string,
	handlers ActionMap[P],
) func(ctx context.Context, span trace.Span, p P) (any, error) {
	// The hint is the same on every miss; build it once.
	names := make([]string, 0, len(handlers))
	for name := range handlers {
		names = append(names, name)
	}
	sort.Strings(names)
	hint := strings.Join(names, ", ")

	return func(ctx context.Context, span trace.Span, p P) (any, error) {
		act := action(p)
		span.SetAttributes(tracer.StringAttr("tool.action", act))

		h, ok := handlers[act]
		if !ok {
			return nil, fmt.Errorf("unknown action %q (want: %s)", act, hint)
		}
		return h(ctx, p)
	}
}

// PublishToolEvent emits a domain event from inside a tool handler. Tools
// run with or without a bus attached; a nil bus drops the event.
func PublishToolEvent(ctx context.Context, bus domain.EventBus, eventType domain.EventType, leadID, brokerID string, payload any) {
	if bus == nil {
		return
	}
	bus.Publish(ctx, domain.NewEvent(eventType, leadID, brokerID, payload))
}
