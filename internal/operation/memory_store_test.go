package operation

import (
	"context"
	stdErrors "errors"
	"testing"
	"time"

	xerrors "Aegis-Assist/internal/errors"
)

func newPendingOp(id string, t Type) *Operation {
	op := &Operation{
		ID:         id,
		Type:       t,
		Status:     StatusPending,
		MaxRetries: 3,
	}
	switch t {
	case TypeFileOp:
		op.Params = Params{Action: FileActionRead, Path: "/tmp/" + id + ".txt"}
	case TypeWebNav:
		op.Params = Params{Action: WebActionNavigate, URL: "https://example.com"}
	case TypeCommandExec:
		op.Params = Params{Command: "echo hello"}
	}
	return op
}

func TestMemoryStoreClaimLifecycle(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	op := newPendingOp("op-1", TypeFileOp)
	if err := store.Create(ctx, op); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := store.Create(ctx, newPendingOp("op-1", TypeFileOp)); !stdErrors.Is(err, ErrOperationConflict) {
		t.Fatalf("expected conflict on duplicate create, got %v", err)
	}

	claimed, err := store.Claim(ctx, "op-1")
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if claimed.Status != StatusValidating || claimed.Attempts != 1 {
		t.Fatalf("unexpected claimed state: status=%s attempts=%d", claimed.Status, claimed.Attempts)
	}

	// 进行中的操作不可重复领取。
	if _, err := store.Claim(ctx, "op-1"); !stdErrors.Is(err, ErrOperationConflict) {
		t.Fatalf("expected conflict for in-flight claim, got %v", err)
	}

	claimed.Status = StatusCompleted
	claimed.CompletedAt = time.Now().Unix()
	if err := store.Update(ctx, claimed); err != nil {
		t.Fatalf("update: %v", err)
	}
	if _, err := store.Claim(ctx, "op-1"); !stdErrors.Is(err, ErrOperationCompleted) {
		t.Fatalf("expected completed error, got %v", err)
	}

	if _, err := store.Claim(ctx, "missing"); !stdErrors.Is(err, ErrOperationNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestMemoryStoreClaimExhaustsRetries(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	op := newPendingOp("op-retry", TypeCommandExec)
	op.MaxRetries = 2
	if err := store.Create(ctx, op); err != nil {
		t.Fatalf("create: %v", err)
	}

	for i := 0; i < 2; i++ {
		claimed, err := store.Claim(ctx, "op-retry")
		if err != nil {
			t.Fatalf("claim attempt %d: %v", i+1, err)
		}
		if claimed.Attempts != i+1 {
			t.Fatalf("expected attempts %d, got %d", i+1, claimed.Attempts)
		}
		if err := store.MarkFailed(ctx, "op-retry", string(CodeOperationPublish), "boom", false); err != nil {
			t.Fatalf("mark failed: %v", err)
		}
	}

	if _, err := store.Claim(ctx, "op-retry"); !stdErrors.Is(err, ErrOperationExhausted) {
		t.Fatalf("expected exhausted error, got %v", err)
	}
}

func TestMemoryStoreListWithFilters(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	base := time.Now().Add(-2 * time.Minute)

	ops := []*Operation{
		newPendingOp("o1", TypeFileOp),
		newPendingOp("o2", TypeWebNav),
		newPendingOp("o3", TypeCommandExec),
	}
	ops[0].Context.PrincipalID = "alice"
	ops[1].Context.PrincipalID = "alice"
	ops[2].Context.PrincipalID = "bob"

	for _, op := range ops {
		if err := store.Create(ctx, op); err != nil {
			t.Fatalf("create %s: %v", op.ID, err)
		}
		time.Sleep(5 * time.Millisecond)
	}

	if err := store.MarkFailed(ctx, "o2", string(xerrors.CodeBackendError), "boom", true); err != nil {
		t.Fatalf("mark failed: %v", err)
	}
	done, err := store.Get(ctx, "o3")
	if err != nil {
		t.Fatalf("get o3: %v", err)
	}
	done.Status = StatusCompleted
	done.Context.Result = map[string]any{"stdout": "hello\n"}
	if err := store.Update(ctx, done); err != nil {
		t.Fatalf("update o3: %v", err)
	}

	store.mu.Lock()
	store.ops["o1"].UpdatedAt = base.Unix()
	store.ops["o2"].UpdatedAt = base.Add(30 * time.Second).Unix()
	store.ops["o3"].UpdatedAt = base.Add(60 * time.Second).Unix()
	store.mu.Unlock()

	all, err := store.List(ctx, ListOptions{})
	if err != nil {
		t.Fatalf("list all: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("expected 3 operations, got %d", len(all))
	}
	if all[0].ID != "o3" {
		t.Fatalf("expected newest operation first, got %s", all[0].ID)
	}

	failed, err := store.List(ctx, buildListOptions([]ListOption{WithStatuses(StatusFailed)}))
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(failed) != 1 || failed[0].ID != "o2" {
		t.Fatalf("unexpected failed list: %+v", failed)
	}

	byPrincipal, err := store.List(ctx, buildListOptions([]ListOption{WithPrincipal("alice")}))
	if err != nil {
		t.Fatalf("list by principal: %v", err)
	}
	if len(byPrincipal) != 2 {
		t.Fatalf("expected 2 operations for alice, got %d", len(byPrincipal))
	}

	byType, err := store.List(ctx, buildListOptions([]ListOption{WithTypes(TypeCommandExec)}))
	if err != nil {
		t.Fatalf("list by type: %v", err)
	}
	if len(byType) != 1 || byType[0].ID != "o3" {
		t.Fatalf("unexpected type list: %+v", byType)
	}

	withResult, err := store.List(ctx, buildListOptions([]ListOption{WithResultPresence(true)}))
	if err != nil {
		t.Fatalf("list with result: %v", err)
	}
	if len(withResult) != 1 || withResult[0].ID != "o3" {
		t.Fatalf("unexpected result list: %+v", withResult)
	}

	since := base.Add(15 * time.Second)
	recent, err := store.List(ctx, buildListOptions([]ListOption{WithUpdatedSince(since)}))
	if err != nil {
		t.Fatalf("list recent: %v", err)
	}
	if len(recent) != 2 {
		t.Fatalf("expected 2 operations to match since filter, got %d", len(recent))
	}
}

func TestMemoryStoreStats(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	ops := []*Operation{
		newPendingOp("a", TypeFileOp),
		newPendingOp("b", TypeFileOp),
		newPendingOp("c", TypeFileOp),
		newPendingOp("d", TypeWebNav),
	}
	for _, op := range ops {
		if err := store.Create(ctx, op); err != nil {
			t.Fatalf("create %s: %v", op.ID, err)
		}
	}

	if err := store.MarkFailed(ctx, "b", string(xerrors.CodeBackendError), "boom", true); err != nil {
		t.Fatalf("mark failed: %v", err)
	}
	done, err := store.Get(ctx, "c")
	if err != nil {
		t.Fatalf("get c: %v", err)
	}
	done.Status = StatusCompleted
	if err := store.Update(ctx, done); err != nil {
		t.Fatalf("update c: %v", err)
	}
	rolled, err := store.Get(ctx, "d")
	if err != nil {
		t.Fatalf("get d: %v", err)
	}
	rolled.Status = StatusRolledBack
	if err := store.Update(ctx, rolled); err != nil {
		t.Fatalf("update d: %v", err)
	}

	stats, err := store.Stats(ctx, ListOptions{})
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.Total != 4 || stats.Pending != 1 || stats.Failed != 1 || stats.Completed != 1 || stats.RolledBack != 1 {
		t.Fatalf("unexpected stats: %+v", stats)
	}

	failedOnly, err := store.Stats(ctx, buildListOptions([]ListOption{WithStatuses(StatusFailed)}))
	if err != nil {
		t.Fatalf("stats failed only: %v", err)
	}
	if failedOnly.Total != 1 || failedOnly.Failed != 1 {
		t.Fatalf("unexpected failed stats: %+v", failedOnly)
	}
}

func TestValidateShapeRejectsIncoherentParams(t *testing.T) {
	cases := []struct {
		name   string
		typ    Type
		params Params
		ok     bool
	}{
		{"file read ok", TypeFileOp, Params{Action: FileActionRead, Path: "/tmp/x"}, true},
		{"file missing path", TypeFileOp, Params{Action: FileActionRead}, false},
		{"file bad action", TypeFileOp, Params{Action: "truncate", Path: "/tmp/x"}, false},
		{"web navigate ok", TypeWebNav, Params{Action: WebActionNavigate, URL: "https://example.com"}, true},
		{"web navigate missing url", TypeWebNav, Params{Action: WebActionNavigate}, false},
		{"web click missing selector", TypeWebNav, Params{Action: WebActionClick}, false},
		{"app missing name", TypeAppControl, Params{}, false},
		{"settings set ok", TypeSystemSettings, Params{Action: SettingActionSet, Setting: "volume", Value: "40"}, true},
		{"settings missing key", TypeSystemSettings, Params{Action: SettingActionGet}, false},
		{"command ok", TypeCommandExec, Params{Command: "ls"}, true},
		{"command empty", TypeCommandExec, Params{}, false},
		{"unknown type", Type("bogus"), Params{}, false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := ValidateShape(tc.typ, tc.params)
			if tc.ok && err != nil {
				t.Fatalf("expected valid shape, got %v", err)
			}
			if !tc.ok && err == nil {
				t.Fatalf("expected shape error")
			}
		})
	}
}
