package resolver

import (
	"regexp"
	"testing"

	"Aegis-Assist/internal/operation"
)

func TestResolveReadFileIsUnambiguous(t *testing.T) {
	r := New(Config{})

	res, err := r.Resolve(Request{Text: "read the file notes.txt", PrincipalID: "alice"})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if res.Kind != KindUnambiguous {
		t.Fatalf("expected unambiguous, got %s", res.Kind)
	}
	if res.Confidence != 0.9 {
		t.Fatalf("expected confidence 0.9, got %v", res.Confidence)
	}
	op := res.Operation
	if op == nil {
		t.Fatalf("expected operation")
	}
	if op.Type != operation.TypeFileOp {
		t.Fatalf("expected file_op, got %s", op.Type)
	}
	if op.Params.Action != operation.FileActionRead || op.Params.Path != "notes.txt" {
		t.Fatalf("unexpected params: %+v", op.Params)
	}
	if op.ID == "" || op.Context.TraceID == "" || op.CreatedAt == 0 {
		t.Fatalf("expected identifiers and timestamp, got %+v", op)
	}
	if op.Context.PrincipalID != "alice" {
		t.Fatalf("expected principal to be carried, got %q", op.Context.PrincipalID)
	}
	if op.Status != operation.StatusPending {
		t.Fatalf("expected pending status, got %s", op.Status)
	}
}

func TestResolveOptionalGroupLowersConfidence(t *testing.T) {
	r := New(Config{})

	partial, err := r.Resolve(Request{Text: "create a file todo.txt"})
	if err != nil {
		t.Fatalf("resolve partial: %v", err)
	}
	if partial.Kind != KindUnambiguous || partial.Confidence != 0.7 {
		t.Fatalf("expected 0.7 for missing optional group, got %s/%v", partial.Kind, partial.Confidence)
	}
	if partial.Operation.Params.Action != operation.FileActionWrite || partial.Operation.Params.Content != "" {
		t.Fatalf("unexpected params: %+v", partial.Operation.Params)
	}

	full, err := r.Resolve(Request{Text: "create a file todo.txt with content buy milk"})
	if err != nil {
		t.Fatalf("resolve full: %v", err)
	}
	if full.Kind != KindUnambiguous || full.Confidence != 0.9 {
		t.Fatalf("expected 0.9 for complete groups, got %s/%v", full.Kind, full.Confidence)
	}
	if full.Operation.Params.Content != "buy milk" {
		t.Fatalf("unexpected content: %q", full.Operation.Params.Content)
	}
}

func TestResolveZeroMatchesAsksForClarification(t *testing.T) {
	r := New(Config{})

	res, err := r.Resolve(Request{Text: "make me a sandwich"})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if res.Kind != KindNeedsClarification {
		t.Fatalf("expected clarification, got %s", res.Kind)
	}
	if res.Confidence != 0 {
		t.Fatalf("expected confidence 0, got %v", res.Confidence)
	}
	if res.Question == "" {
		t.Fatalf("expected fallback question")
	}
	if res.Operation != nil || len(res.Alternatives) > 0 {
		t.Fatalf("clarification must not carry operations")
	}

	empty, err := r.Resolve(Request{Text: "   "})
	if err != nil {
		t.Fatalf("resolve empty: %v", err)
	}
	if empty.Kind != KindNeedsClarification {
		t.Fatalf("expected clarification for empty input, got %s", empty.Kind)
	}
}

func TestResolveMultipleMatchesAreAmbiguous(t *testing.T) {
	r := New(Config{})

	// "run the app slack" 同时命中应用启动与命令执行两条模板。
	res, err := r.Resolve(Request{Text: "run the app slack"})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if res.Kind != KindAmbiguous {
		t.Fatalf("expected ambiguous, got %s", res.Kind)
	}
	if res.Confidence != 0.5 {
		t.Fatalf("expected ambiguous confidence 0.5, got %v", res.Confidence)
	}
	if len(res.Alternatives) != 2 {
		t.Fatalf("expected 2 alternatives, got %d", len(res.Alternatives))
	}
	if res.Operation != nil {
		t.Fatalf("ambiguous resolution must not auto-select an operation")
	}
	types := map[operation.Type]bool{}
	for _, alt := range res.Alternatives {
		types[alt.Type] = true
	}
	if !types[operation.TypeAppControl] || !types[operation.TypeCommandExec] {
		t.Fatalf("unexpected alternative types: %v", types)
	}
}

func TestResolveNormalizesInput(t *testing.T) {
	r := New(Config{})

	res, err := r.Resolve(Request{Text: "  READ   the file Notes.TXT!  "})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if res.Kind != KindUnambiguous {
		t.Fatalf("expected unambiguous, got %s", res.Kind)
	}
	if res.Operation.Params.Path != "notes.txt" {
		t.Fatalf("expected normalized path, got %q", res.Operation.Params.Path)
	}
}

func TestAddTemplateExtendsCatalog(t *testing.T) {
	r := NewEmpty(Config{})

	if res, err := r.Resolve(Request{Text: "lock the screen"}); err != nil || res.Kind != KindNeedsClarification {
		t.Fatalf("expected clarification before registration, got %+v/%v", res, err)
	}

	err := r.AddTemplate(Template{
		Name:    "settings.lock",
		Pattern: regexp.MustCompile(`^lock the screen$`),
		Type:    operation.TypeSystemSettings,
		Build: func(map[string]string) operation.Params {
			return operation.Params{Action: operation.SettingActionSet, Setting: "screen.locked", Value: "true"}
		},
	})
	if err != nil {
		t.Fatalf("add template: %v", err)
	}

	res, err := r.Resolve(Request{Text: "lock the screen"})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if res.Kind != KindUnambiguous {
		t.Fatalf("expected unambiguous after registration, got %s", res.Kind)
	}
	if res.Operation.Params.Setting != "screen.locked" {
		t.Fatalf("unexpected params: %+v", res.Operation.Params)
	}
}

func TestAddTemplateRejectsInvalidEntries(t *testing.T) {
	r := NewEmpty(Config{})

	if err := r.AddTemplate(Template{Name: "no-pattern", Type: operation.TypeFileOp}); err == nil {
		t.Fatalf("expected error for missing pattern")
	}
	if err := r.AddTemplate(Template{
		Name:    "bad-type",
		Pattern: regexp.MustCompile(`^x$`),
		Type:    operation.Type("teleport"),
		Build:   func(map[string]string) operation.Params { return operation.Params{} },
	}); err == nil {
		t.Fatalf("expected error for invalid type")
	}
}
