package operation

import (
	"context"
	stdErrors "errors"
	"testing"

	xerrors "Aegis-Assist/internal/errors"
)

type failingProducer struct{}

func (failingProducer) Publish(context.Context, string) error {
	return stdErrors.New("broker down")
}

func (failingProducer) Close() error { return nil }

func TestServiceSubmitGeneratesIdentifiers(t *testing.T) {
	ctx := context.Background()
	service := NewService(NewMemoryStore(), NewMemoryQueue(16), 3)

	op, err := service.Submit(ctx, Draft{
		Type:        TypeFileOp,
		Params:      Params{Action: FileActionRead, Path: "/home/user/notes.txt"},
		PrincipalID: "alice",
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if op.ID == "" || op.Context.TraceID == "" {
		t.Fatalf("expected generated identifiers, got %+v", op)
	}
	if op.Status != StatusPending {
		t.Fatalf("expected pending status, got %s", op.Status)
	}
	if op.Priority != PriorityMedium {
		t.Fatalf("expected default priority, got %s", op.Priority)
	}
	if op.MaxRetries != 3 {
		t.Fatalf("expected default max retries, got %d", op.MaxRetries)
	}
}

func TestServiceSubmitIsIdempotent(t *testing.T) {
	ctx := context.Background()
	service := NewService(NewMemoryStore(), NewMemoryQueue(16), 3)

	draft := Draft{
		ID:     "fixed-id",
		Type:   TypeCommandExec,
		Params: Params{Command: "uptime"},
	}
	first, err := service.Submit(ctx, draft)
	if err != nil {
		t.Fatalf("first submit: %v", err)
	}
	second, err := service.Submit(ctx, draft)
	if err != nil {
		t.Fatalf("second submit: %v", err)
	}
	if first.ID != second.ID || second.CreatedAt != first.CreatedAt {
		t.Fatalf("expected idempotent submit, got %+v vs %+v", first, second)
	}
}

func TestServiceSubmitRejectsInvalidDraft(t *testing.T) {
	ctx := context.Background()
	service := NewService(NewMemoryStore(), NewMemoryQueue(16), 3)

	if _, err := service.Submit(ctx, Draft{Type: Type("teleport")}); err == nil {
		t.Fatalf("expected error for unknown type")
	}
	_, err := service.Submit(ctx, Draft{Type: TypeFileOp, Params: Params{Action: FileActionRead}})
	if err == nil {
		t.Fatalf("expected shape error for missing path")
	}
	if xerrors.CodeOf(err) != xerrors.CodeValidationError {
		t.Fatalf("expected validation error code, got %s", xerrors.CodeOf(err))
	}
}

func TestServiceSubmitMarksFailedOnPublishError(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	service := NewService(store, failingProducer{}, 3)

	_, err := service.Submit(ctx, Draft{
		ID:     "op-pub",
		Type:   TypeFileOp,
		Params: Params{Action: FileActionList, Path: "/tmp"},
	})
	if err == nil {
		t.Fatalf("expected publish error")
	}
	if xerrors.CodeOf(err) != CodeOperationPublish {
		t.Fatalf("expected publish error code, got %s", xerrors.CodeOf(err))
	}

	stored, getErr := store.Get(ctx, "op-pub")
	if getErr != nil {
		t.Fatalf("get: %v", getErr)
	}
	if stored.Status != StatusFailed {
		t.Fatalf("expected failed status, got %s", stored.Status)
	}
}
