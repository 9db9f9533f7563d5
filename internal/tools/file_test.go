package tools

import (
	"context"
	"strings"
	"testing"
)

func TestFileToolWriteReadRoundTrip(t *testing.T) {
	tool, err := NewFileTool(t.TempDir())
	if err != nil {
		t.Fatalf("创建文件后端失败: %v", err)
	}
	ctx := context.Background()

	created, err := tool.Write(ctx, "notes/todo.txt", "buy milk")
	if err != nil {
		t.Fatalf("写入失败: %v", err)
	}
	if !created {
		t.Fatal("首次写入应报告文件为新建")
	}

	created, err = tool.Write(ctx, "notes/todo.txt", "buy milk and bread")
	if err != nil {
		t.Fatalf("覆盖写入失败: %v", err)
	}
	if created {
		t.Fatal("覆盖已有文件不应报告新建")
	}

	content, err := tool.Read(ctx, "notes/todo.txt")
	if err != nil {
		t.Fatalf("读取失败: %v", err)
	}
	if content != "buy milk and bread" {
		t.Fatalf("读取内容不符: %q", content)
	}
}

func TestFileToolRejectsEscapingPaths(t *testing.T) {
	tool, err := NewFileTool(t.TempDir())
	if err != nil {
		t.Fatalf("创建文件后端失败: %v", err)
	}
	ctx := context.Background()

	for _, path := range []string{"../outside.txt", "a/../../outside.txt"} {
		if _, err := tool.Read(ctx, path); err == nil {
			t.Fatalf("越界路径 %q 未被拒绝", path)
		}
	}

	// filepath.Clean 以根为锚点,带 .. 的路径折叠后仍留在根目录内。
	if _, err := tool.Write(ctx, "/abs/inside.txt", "ok"); err != nil {
		t.Fatalf("绝对路径应被锚定到根目录内: %v", err)
	}
	if _, err := tool.Read(ctx, "/abs/inside.txt"); err != nil {
		t.Fatalf("锚定后的路径应可读取: %v", err)
	}
}

func TestFileToolDeleteIsIdempotent(t *testing.T) {
	tool, err := NewFileTool(t.TempDir())
	if err != nil {
		t.Fatalf("创建文件后端失败: %v", err)
	}
	ctx := context.Background()

	if _, err := tool.Write(ctx, "temp.txt", "x"); err != nil {
		t.Fatalf("写入失败: %v", err)
	}
	if err := tool.Delete(ctx, "temp.txt"); err != nil {
		t.Fatalf("删除失败: %v", err)
	}
	if err := tool.Delete(ctx, "temp.txt"); err != nil {
		t.Fatalf("重复删除应当幂等: %v", err)
	}
	if _, err := tool.Read(ctx, "temp.txt"); err == nil {
		t.Fatal("删除后仍能读取")
	}
}

func TestFileToolListAndSearch(t *testing.T) {
	tool, err := NewFileTool(t.TempDir())
	if err != nil {
		t.Fatalf("创建文件后端失败: %v", err)
	}
	ctx := context.Background()

	seeds := map[string]string{
		"docs/a.txt": "alpha line\nneedle here\n",
		"docs/b.txt": "nothing\n",
		"c.txt":      "needle at top\n",
	}
	for path, content := range seeds {
		if _, err := tool.Write(ctx, path, content); err != nil {
			t.Fatalf("写入 %s 失败: %v", path, err)
		}
	}

	names, err := tool.List(ctx, "/")
	if err != nil {
		t.Fatalf("列目录失败: %v", err)
	}
	want := []string{"c.txt", "docs/"}
	if len(names) != len(want) {
		t.Fatalf("目录条目数不符: %v", names)
	}
	for i, name := range want {
		if names[i] != name {
			t.Fatalf("条目 %d 期望 %q,得到 %q", i, name, names[i])
		}
	}

	matches, err := tool.Search(ctx, "/", "needle")
	if err != nil {
		t.Fatalf("搜索失败: %v", err)
	}
	if len(matches) != 2 {
		t.Fatalf("期望 2 条匹配,得到 %v", matches)
	}
	for _, m := range matches {
		if !strings.Contains(m, "needle") {
			t.Fatalf("匹配行缺少关键字: %q", m)
		}
	}
}
