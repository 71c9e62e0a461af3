package requeststore

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

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "requests.db"), noop.NewMeterProvider().Meter("test"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func validInput() NewRequestInput {
	return NewRequestInput{
		Name:     "hello",
		Priority: 100,
		Properties: model.TaskProperties{
			Commands:             [][]string{{"echo", "hi"}},
			Dimensions:           map[string]string{"os": "Linux"},
			ExecutionTimeoutSecs: 60,
		},
		SchedulingExpirationSecs: 3600,
		User:                     "alice@example.com",
	}
}

func TestNewAllocatesIDAndPersists(t *testing.T) {
	s := newTestStore(t)
	req, err := s.New(context.Background(), validInput(), time.Now())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if req.ID == "" {
		t.Fatalf("expected non-empty id")
	}
	got, err := s.Get(req.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Name != "hello" {
		t.Fatalf("got name %q", got.Name)
	}
}

func TestNewRejectsMissingRequiredFields(t *testing.T) {
	s := newTestStore(t)
	in := validInput()
	in.Name = ""
	if _, err := s.New(context.Background(), in, time.Now()); err == nil {
		t.Fatalf("expected validation error")
	}
}

func TestNewRejectsEmptyCommandArgv(t *testing.T) {
	s := newTestStore(t)
	in := validInput()
	in.Properties.Commands = [][]string{{"echo", "hi"}, {}}
	if _, err := s.New(context.Background(), in, time.Now()); !errors.Is(err, scherr.ErrValidation) {
		t.Fatalf("want ErrValidation for an empty argv vector, got %v", err)
	}
}

func TestGetUnknownIDReturnsNotFound(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Get("deadbeef0")
	if err == nil {
		t.Fatalf("expected not-found error")
	}
}

func TestIdempotentRequestsShareAPropertiesHashIndex(t *testing.T) {
	s := newTestStore(t)
	in := validInput()
	in.Properties.Idempotent = true
	req, err := s.New(context.Background(), in, time.Now())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	hash, err := PropertiesHash(in.Properties)
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	id, ok, err := s.FindIdempotentMatch(hash)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !ok || id != req.ID {
		t.Fatalf("want match on %s, got %s (ok=%v)", req.ID, id, ok)
	}
}

func TestPropertiesHashStableUnderFieldReordering(t *testing.T) {
	p1 := model.TaskProperties{
		Commands:             [][]string{{"a", "b"}},
		Dimensions:           map[string]string{"os": "Linux", "pool": "default"},
		ExecutionTimeoutSecs: 30,
	}
	p2 := model.TaskProperties{
		Dimensions:           map[string]string{"pool": "default", "os": "Linux"},
		Commands:             [][]string{{"a", "b"}},
		ExecutionTimeoutSecs: 30,
	}
	h1, err := PropertiesHash(p1)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	h2, err := PropertiesHash(p2)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if h1 != h2 {
		t.Fatalf("hashes differ despite equal content: %s vs %s", h1, h2)
	}
}

func TestChildrenOfTracksParentLinks(t *testing.T) {
	s := newTestStore(t)
	parent, err := s.New(context.Background(), validInput(), time.Now())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	child := validInput()
	child.ParentTaskID = parent.ID
	childReq, err := s.New(context.Background(), child, time.Now())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	ids, err := s.ChildrenOf(parent.ID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(ids) != 1 || ids[0] != childReq.ID {
		t.Fatalf("want [%s], got %v", childReq.ID, ids)
	}
}

func TestValidateKeysRejectsUnrecognizedKey(t *testing.T) {
	err := ValidateKeys(map[string]any{"name": "x", "bogus": 1})
	if !errors.Is(err, scherr.ErrValidation) {
		t.Fatalf("want ErrValidation, got %v", err)
	}
}

func TestValidateKeysAcceptsRecognizedKeys(t *testing.T) {
	err := ValidateKeys(map[string]any{
		"name": "x",
		"properties": map[string]any{
			"commands": []any{"echo"},
		},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}
