// Package statssink publishes task lifecycle events to the external stats
// collector described in spec §6 as an injected collaborator: schedule,
// reap, complete, expire and bot-died transitions are emitted as
// fire-and-forget events. Nothing in the scheduler blocks on, or fails
// because of, a sink publish error — per spec §7 failures are logged and
// dropped.
package statssink

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	nats "github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel/propagation"

	"github.com/madecoste/swarming/internal/resilience"
)

// Event is the wire shape published for every task lifecycle transition.
type Event struct {
	Type      string            `json:"type"`
	TaskID    string            `json:"task_id"`
	Timestamp time.Time         `json:"timestamp"`
	Attrs     map[string]string `json:"attrs,omitempty"`
}

// Sink is the collaborator interface the scheduler depends on.
type Sink interface {
	Emit(ctx context.Context, evt Event)
}

// Noop drops every event; it is the default sink so the core never
// requires a live NATS connection to operate.
type Noop struct{}

func (Noop) Emit(context.Context, Event) {}

var subjectPrefix = "swarming.events."

var tracePropagator = propagation.TraceContext{}

// NATSSink publishes events on subject swarming.events.<type>, carrying
// the caller's trace context in NATS headers the way
// libs/go/core/natsctx does for inter-service calls.
type NATSSink struct {
	conn    *nats.Conn
	breaker *resilience.CircuitBreaker
}

// NewNATSSink wraps an already-connected NATS client. The breaker trips
// after sustained publish failures so a down stats collector cannot add
// latency to the scheduling hot path.
func NewNATSSink(conn *nats.Conn) *NATSSink {
	return &NATSSink{
		conn:    conn,
		breaker: resilience.NewCircuitBreaker(30*time.Second, 6, 5, 0.6, 10*time.Second, 2),
	}
}

func (s *NATSSink) Emit(ctx context.Context, evt Event) {
	if !s.breaker.Allow() {
		slog.Debug("stats sink circuit open, dropping event", "type", evt.Type, "task_id", evt.TaskID)
		return
	}
	data, err := json.Marshal(evt)
	if err != nil {
		slog.Warn("stats sink event encode failed", "error", err, "type", evt.Type)
		s.breaker.RecordResult(false)
		return
	}
	hdr := nats.Header{}
	tracePropagator.Inject(ctx, propagation.HeaderCarrier(hdr))
	msg := &nats.Msg{Subject: subjectPrefix + evt.Type, Data: data, Header: hdr}
	if err := s.conn.PublishMsg(msg); err != nil {
		slog.Warn("stats sink publish failed", "error", err, "type", evt.Type, "task_id", evt.TaskID)
		s.breaker.RecordResult(false)
		return
	}
	s.breaker.RecordResult(true)
}
