package resulttracker

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"go.opentelemetry.io/otel/metric/noop"

	"github.com/madecoste/swarming/internal/model"
)

func newTestTracker(t *testing.T, chunkSize int) *Tracker {
	t.Helper()
	tr, err := Open(filepath.Join(t.TempDir(), "results.db"), chunkSize, noop.NewMeterProvider().Meter("test"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { tr.Close() })
	return tr
}

func TestSummaryRoundTrip(t *testing.T) {
	tr := newTestTracker(t, 1024)
	s := model.ResultSummary{ID: "abc0", RequestID: "abc", Name: "hello", State: model.StatePending}
	if err := tr.PutSummary(s); err != nil {
		t.Fatalf("put: %v", err)
	}
	got, err := tr.GetSummary("abc0")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Name != "hello" {
		t.Fatalf("got %+v", got)
	}
}

func TestGetSummaryNotFound(t *testing.T) {
	tr := newTestTracker(t, 1024)
	if _, err := tr.GetSummary("missing"); err == nil {
		t.Fatalf("expected not-found error")
	}
}

func TestAppendOutputWithinSingleChunk(t *testing.T) {
	tr := newTestTracker(t, 1024)
	if err := tr.AppendOutput(context.Background(), "run1", 0, 0, []byte("Bar"), 0); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := tr.AppendOutput(context.Background(), "run1", 0, 10, []byte("Foo"), 0); err != nil {
		t.Fatalf("append: %v", err)
	}
	got, err := tr.GetOutput("run1", 0, 0, 13, 0)
	if err != nil {
		t.Fatalf("get output: %v", err)
	}
	want := append([]byte("Bar"), append(make([]byte, 7), []byte("Foo")...)...)
	if string(got) != string(want) {
		t.Fatalf("want %q, got %q", want, got)
	}
}

func TestAppendOutputSpansMultipleChunks(t *testing.T) {
	const chunkSize = 8
	tr := newTestTracker(t, chunkSize)
	payload := []byte("0123456789ABCDEFGHIJ") // 20 bytes, spans 3 chunks of 8
	if err := tr.AppendOutput(context.Background(), "run1", 0, 0, payload, 0); err != nil {
		t.Fatalf("append: %v", err)
	}
	got, err := tr.GetOutput("run1", 0, 0, len(payload), 0)
	if err != nil {
		t.Fatalf("get output: %v", err)
	}
	if string(got) != string(payload) {
		t.Fatalf("want %q, got %q", payload, got)
	}
}

func TestGetOutputZeroFillsUnwrittenRegion(t *testing.T) {
	tr := newTestTracker(t, 1024)
	got, err := tr.GetOutput("never-written", 0, 0, 5, 0)
	if err != nil {
		t.Fatalf("get output: %v", err)
	}
	if string(got) != string(make([]byte, 5)) {
		t.Fatalf("want 5 zero bytes, got %q", got)
	}
}

func TestAppendOutputKeepsCommandsIndependent(t *testing.T) {
	tr := newTestTracker(t, 1024)
	if err := tr.AppendOutput(context.Background(), "run1", 0, 0, []byte("first"), 0); err != nil {
		t.Fatalf("append command 0: %v", err)
	}
	if err := tr.AppendOutput(context.Background(), "run1", 1, 0, []byte("second"), 0); err != nil {
		t.Fatalf("append command 1: %v", err)
	}
	got0, err := tr.GetOutput("run1", 0, 0, 5, 0)
	if err != nil {
		t.Fatalf("get output command 0: %v", err)
	}
	if string(got0) != "first" {
		t.Fatalf("want command 0 output %q, got %q", "first", got0)
	}
	got1, err := tr.GetOutput("run1", 1, 0, 6, 0)
	if err != nil {
		t.Fatalf("get output command 1: %v", err)
	}
	if string(got1) != "second" {
		t.Fatalf("want command 1 output %q, got %q", "second", got1)
	}
}

func TestAppendOutputTruncatesAtPutMaxContent(t *testing.T) {
	tr := newTestTracker(t, 1024)
	if err := tr.AppendOutput(context.Background(), "run1", 0, 0, []byte("0123456789"), 5); err != nil {
		t.Fatalf("append: %v", err)
	}
	got, err := tr.GetOutput("run1", 0, 0, 10, 0)
	if err != nil {
		t.Fatalf("get output: %v", err)
	}
	want := append([]byte("01234"), make([]byte, 5)...)
	if string(got) != string(want) {
		t.Fatalf("want output truncated at PUT_MAX_CONTENT %q, got %q", want, got)
	}
}

func TestGetOutputCapsAtFetchMaxContent(t *testing.T) {
	tr := newTestTracker(t, 1024)
	if err := tr.AppendOutput(context.Background(), "run1", 0, 0, []byte("0123456789"), 0); err != nil {
		t.Fatalf("append: %v", err)
	}
	got, err := tr.GetOutput("run1", 0, 0, 10, 4)
	if err != nil {
		t.Fatalf("get output: %v", err)
	}
	if string(got) != "0123" {
		t.Fatalf("want output capped at FETCH_MAX_CONTENT %q, got %q", "0123", got)
	}
}

func TestListByNameFiltersAndOrdersMostRecentFirst(t *testing.T) {
	tr := newTestTracker(t, 1024)
	base := time.Now()
	older := model.ResultSummary{ID: "a0", RequestID: "a", Name: "build", CreatedTS: base}
	newer := model.ResultSummary{ID: "b0", RequestID: "b", Name: "build", CreatedTS: base.Add(time.Minute)}
	other := model.ResultSummary{ID: "c0", RequestID: "c", Name: "test", CreatedTS: base.Add(2 * time.Minute)}
	for _, s := range []model.ResultSummary{older, newer, other} {
		if err := tr.PutSummary(s); err != nil {
			t.Fatalf("put: %v", err)
		}
	}

	got, err := tr.ListByName(context.Background(), "build")
	if err != nil {
		t.Fatalf("list by name: %v", err)
	}
	if len(got) != 2 || got[0].ID != "b0" || got[1].ID != "a0" {
		t.Fatalf("want [b0, a0], got %+v", got)
	}
}

func TestSetFromRunResultMergesServerVersions(t *testing.T) {
	tr := newTestTracker(t, 1024)
	summary := model.ResultSummary{ID: "abc0", ServerVersions: []string{"v1"}}
	run := model.RunResult{ID: "abc01", State: model.StateCompleted, ServerVersions: []string{"v2"}}
	updated := tr.SetFromRunResult(summary, run)
	want := []string{"v1", "v2"}
	if len(updated.ServerVersions) != 2 || updated.ServerVersions[0] != want[0] || updated.ServerVersions[1] != want[1] {
		t.Fatalf("want %v, got %v", want, updated.ServerVersions)
	}
	if updated.State != model.StateCompleted {
		t.Fatalf("want state copied from run result, got %v", updated.State)
	}
}
