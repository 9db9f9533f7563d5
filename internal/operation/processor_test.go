package operation

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	xerrors "Aegis-Assist/internal/errors"
)

type fakeExecutor struct {
	processed atomic.Int32
	latency   time.Duration
	failWith  error
}

func (f *fakeExecutor) Execute(ctx context.Context, op *Operation) error {
	if f.latency > 0 {
		select {
		case <-time.After(f.latency):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if f.failWith != nil {
		return f.failWith
	}
	f.processed.Add(1)
	op.Status = StatusCompleted
	op.CompletedAt = time.Now().Unix()
	op.Context.Result = map[string]any{"ok": true}
	return nil
}

type denyAll struct{}

func (denyAll) Authorize(context.Context, *Operation, string) bool { return false }

func TestProcessorHandlesConcurrentOperations(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	store := NewMemoryStore()
	queue := NewMemoryQueue(1024)
	executor := &fakeExecutor{latency: 5 * time.Millisecond}

	service := NewService(store, queue, 3)
	processor := NewProcessor(executor, store, queue, queue, WithWorkerCount(8))

	go func() {
		if err := processor.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
			t.Errorf("processor exited: %v", err)
		}
	}()

	total := 100
	for i := 0; i < total; i++ {
		draft := Draft{
			Type:   TypeFileOp,
			Params: Params{Action: FileActionRead, Path: fmt.Sprintf("/tmp/doc-%d.txt", i)},
		}
		if _, err := service.Submit(ctx, draft); err != nil {
			t.Fatalf("提交操作失败: %v", err)
		}
	}

	deadline := time.After(5 * time.Second)
	for {
		if int(executor.processed.Load()) >= total {
			cancel()
			break
		}
		select {
		case <-deadline:
			t.Fatalf("操作未能及时处理，已完成 %d", executor.processed.Load())
		case <-time.After(50 * time.Millisecond):
		}
	}
}

func TestProcessorPersistsExecutorOutcome(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	queue := NewMemoryQueue(16)
	executor := &fakeExecutor{}

	processor := NewProcessor(executor, store, queue, queue)

	op := newPendingOp("op-done", TypeFileOp)
	if err := store.Create(ctx, op); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := processor.handle(ctx, "op-done"); err != nil {
		t.Fatalf("handle: %v", err)
	}

	stored, err := store.Get(ctx, "op-done")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if stored.Status != StatusCompleted {
		t.Fatalf("expected completed, got %s", stored.Status)
	}
	if stored.Attempts != 1 {
		t.Fatalf("expected 1 attempt, got %d", stored.Attempts)
	}
	if stored.Context.Result == nil {
		t.Fatalf("expected result to be persisted")
	}
}

func TestProcessorDeniesUnauthorizedOperation(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	queue := NewMemoryQueue(16)
	executor := &fakeExecutor{}

	processor := NewProcessor(executor, store, queue, queue, WithAuthorizer(denyAll{}))

	op := newPendingOp("op-denied", TypeCommandExec)
	op.Context.PrincipalID = "mallory"
	if err := store.Create(ctx, op); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := processor.handle(ctx, "op-denied"); err != nil {
		t.Fatalf("handle: %v", err)
	}

	stored, err := store.Get(ctx, "op-denied")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if stored.Status != StatusFailed {
		t.Fatalf("expected failed, got %s", stored.Status)
	}
	if stored.Error == nil || stored.Error.Code != xerrors.CodeUnauthorized {
		t.Fatalf("expected unauthorized error, got %+v", stored.Error)
	}
	if executor.processed.Load() != 0 {
		t.Fatalf("executor must not run for denied operations")
	}
}

func TestProcessorRequeuesRetryableInfraFailure(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	queue := NewMemoryQueue(16)
	executor := &fakeExecutor{
		failWith: xerrors.New(xerrors.CodeQueueFailure, "backend unreachable", xerrors.WithRetryable(true)),
	}

	processor := NewProcessor(executor, store, queue, queue)

	op := newPendingOp("op-retry", TypeWebNav)
	if err := store.Create(ctx, op); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := processor.handle(ctx, "op-retry"); err != nil {
		t.Fatalf("handle: %v", err)
	}

	stored, err := store.Get(ctx, "op-retry")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if stored.Status != StatusFailed {
		t.Fatalf("expected failed after infra error, got %s", stored.Status)
	}
	// 重投后的消息应当还在队列里。
	select {
	case id := <-queue.ch:
		if id != "op-retry" {
			t.Fatalf("unexpected requeued id %s", id)
		}
	case <-time.After(time.Second):
		t.Fatalf("expected operation to be requeued")
	}
}
