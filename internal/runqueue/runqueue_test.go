package runqueue

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"go.opentelemetry.io/otel/metric/noop"

	"github.com/madecoste/swarming/internal/model"
	"github.com/madecoste/swarming/internal/scherr"
)

func newTestQueue(t *testing.T) *Queue {
	t.Helper()
	q, err := Open(filepath.Join(t.TempDir(), "queue.db"), noop.NewMeterProvider().Meter("test"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { q.Close() })
	return q
}

func TestNextReturnsHighestPriorityFirst(t *testing.T) {
	q := newTestQueue(t)
	now := time.Now()
	low := model.TaskToRun{
		ID: "low", QueueNumber: QueueNumber(200, now),
		Dimensions: map[string]string{"os": "Linux"}, ExpirationTS: now.Add(time.Hour),
	}
	high := model.TaskToRun{
		ID: "high", QueueNumber: QueueNumber(10, now.Add(time.Second)),
		Dimensions: map[string]string{"os": "Linux"}, ExpirationTS: now.Add(time.Hour),
	}
	if err := q.Push(context.Background(), low); err != nil {
		t.Fatalf("push: %v", err)
	}
	if err := q.Push(context.Background(), high); err != nil {
		t.Fatalf("push: %v", err)
	}

	got, ok, err := q.Next(context.Background(), "bot1", map[string][]string{"os": {"Linux"}}, now)
	if err != nil || !ok {
		t.Fatalf("next: got=%v ok=%v err=%v", got, ok, err)
	}
	if got.ID != "high" {
		t.Fatalf("want high priority task first, got %s", got.ID)
	}
}

func TestNextSkipsUnmatchedDimensions(t *testing.T) {
	q := newTestQueue(t)
	now := time.Now()
	task := model.TaskToRun{
		ID: "gpu-task", QueueNumber: QueueNumber(50, now),
		Dimensions: map[string]string{"gpu": "nvidia"}, ExpirationTS: now.Add(time.Hour),
	}
	if err := q.Push(context.Background(), task); err != nil {
		t.Fatalf("push: %v", err)
	}
	_, ok, err := q.Next(context.Background(), "bot1", map[string][]string{"os": {"Linux"}}, now)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ok {
		t.Fatalf("expected no match for a bot lacking the gpu dimension")
	}
}

func TestNextMatchesAgainstAnyOfABotsAdvertisedValues(t *testing.T) {
	// A bot may advertise several accepted values per dimension key, e.g.
	// os:["Win","Win-3.1.1"]; a task requiring a single value among them
	// still matches. Grounded on spec scenario 1.
	q := newTestQueue(t)
	now := time.Now()
	task := model.TaskToRun{
		ID: "win-task", QueueNumber: QueueNumber(50, now),
		Dimensions: map[string]string{"os": "Win-3.1.1"}, ExpirationTS: now.Add(time.Hour),
	}
	if err := q.Push(context.Background(), task); err != nil {
		t.Fatalf("push: %v", err)
	}
	got, ok, err := q.Next(context.Background(), "bot1", map[string][]string{"os": {"Win", "Win-3.1.1"}}, now)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !ok || got.ID != "win-task" {
		t.Fatalf("want win-task to match one of the bot's advertised os values, got ok=%v got=%+v", ok, got)
	}
}

func TestClaimIsExclusive(t *testing.T) {
	q := newTestQueue(t)
	now := time.Now()
	task := model.TaskToRun{
		ID: "t1", QueueNumber: QueueNumber(100, now),
		Dimensions: map[string]string{"os": "Linux"}, ExpirationTS: now.Add(time.Hour),
	}
	if err := q.Push(context.Background(), task); err != nil {
		t.Fatalf("push: %v", err)
	}
	if err := q.Claim(context.Background(), "t1", task.QueueNumber, now); err != nil {
		t.Fatalf("first claim should succeed: %v", err)
	}
	err := q.Claim(context.Background(), "t1", task.QueueNumber, now)
	if !errors.Is(err, scherr.ErrConflict) {
		t.Fatalf("second claim should conflict, got %v", err)
	}
	_, ok, err := q.Next(context.Background(), "bot1", map[string][]string{"os": {"Linux"}}, now)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ok {
		t.Fatalf("a claimed task must not be yielded again")
	}
}

func TestExpireDueRemovesOnlyPastDeadline(t *testing.T) {
	q := newTestQueue(t)
	now := time.Now()
	expired := model.TaskToRun{
		ID: "expired", QueueNumber: QueueNumber(1, now.Add(-time.Hour)),
		Dimensions: map[string]string{}, ExpirationTS: now.Add(-time.Minute),
	}
	fresh := model.TaskToRun{
		ID: "fresh", QueueNumber: QueueNumber(1, now),
		Dimensions: map[string]string{}, ExpirationTS: now.Add(time.Hour),
	}
	if err := q.Push(context.Background(), expired); err != nil {
		t.Fatalf("push: %v", err)
	}
	if err := q.Push(context.Background(), fresh); err != nil {
		t.Fatalf("push: %v", err)
	}

	got, err := q.ExpireDue(context.Background(), now)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(got) != 1 || got[0].ID != "expired" {
		t.Fatalf("want [expired], got %+v", got)
	}

	_, ok, err := q.Next(context.Background(), "bot1", map[string][]string{}, now)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !ok {
		t.Fatalf("fresh task should still be queued")
	}
}
