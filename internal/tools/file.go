package tools

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	xerrors "Aegis-Assist/internal/errors"
)

// FileTool 在一个根目录下执行文件操作。所有路径都解析到根目录
// 内部，越界路径一律拒绝。
type FileTool struct {
	root string
}

// NewFileTool 创建文件后端，根目录不存在时自动创建。
func NewFileTool(root string) (*FileTool, error) {
	if strings.TrimSpace(root) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "文件后端根目录不能为空")
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInitializationFailure, err, "解析文件后端根目录失败")
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInitializationFailure, err, "创建文件后端根目录失败")
	}
	return &FileTool{root: abs}, nil
}

// Root 返回后端的根目录。
func (t *FileTool) Root() string { return t.root }

// resolve 把请求路径定位到根目录内，拒绝逃逸。
func (t *FileTool) resolve(path string) (string, error) {
	cleaned := filepath.Clean("/" + strings.TrimSpace(path))
	full := filepath.Join(t.root, cleaned)
	if full != t.root && !strings.HasPrefix(full, t.root+string(os.PathSeparator)) {
		return "", xerrors.New(xerrors.CodeValidationError, "路径越出后端根目录: "+path)
	}
	return full, nil
}

// Read 返回文件内容。
func (t *FileTool) Read(_ context.Context, path string) (string, error) {
	full, err := t.resolve(path)
	if err != nil {
		return "", err
	}
	data, err := os.ReadFile(full)
	if err != nil {
		return "", xerrors.Wrap(xerrors.CodeBackendError, err, "读取文件失败")
	}
	return string(data), nil
}

// Write 写入文件并返回文件是否为本次新建，供回滚判断使用。
func (t *FileTool) Write(_ context.Context, path, content string) (bool, error) {
	full, err := t.resolve(path)
	if err != nil {
		return false, err
	}
	_, statErr := os.Stat(full)
	created := os.IsNotExist(statErr)
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return created, xerrors.Wrap(xerrors.CodeBackendError, err, "创建父目录失败")
	}
	if err := os.WriteFile(full, []byte(content), 0o644); err != nil {
		return created, xerrors.Wrap(xerrors.CodeBackendError, err, "写入文件失败")
	}
	return created, nil
}

// Delete 删除文件。文件不存在不视为错误，删除是幂等的。
func (t *FileTool) Delete(_ context.Context, path string) error {
	full, err := t.resolve(path)
	if err != nil {
		return err
	}
	if err := os.Remove(full); err != nil && !os.IsNotExist(err) {
		return xerrors.Wrap(xerrors.CodeBackendError, err, "删除文件失败")
	}
	return nil
}

// List 返回目录下的条目名，目录名带斜杠后缀。
func (t *FileTool) List(_ context.Context, path string) ([]string, error) {
	full, err := t.resolve(path)
	if err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(full)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeBackendError, err, "读取目录失败")
	}
	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() {
			name += "/"
		}
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

// Search 在指定目录下递归查找包含 query 的文本行，
// 返回 "相对路径:行号: 行内容" 形式的匹配。
func (t *FileTool) Search(_ context.Context, path, query string) ([]string, error) {
	full, err := t.resolve(path)
	if err != nil {
		return nil, err
	}
	var matches []string
	walkErr := filepath.WalkDir(full, func(p string, d os.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		file, err := os.Open(p)
		if err != nil {
			return nil
		}
		defer file.Close()
		rel, relErr := filepath.Rel(t.root, p)
		if relErr != nil {
			rel = p
		}
		scanner := bufio.NewScanner(file)
		line := 0
		for scanner.Scan() {
			line++
			if strings.Contains(scanner.Text(), query) {
				matches = append(matches, fmt.Sprintf("%s:%d: %s", rel, line, scanner.Text()))
			}
		}
		return nil
	})
	if walkErr != nil {
		return nil, xerrors.Wrap(xerrors.CodeBackendError, walkErr, "搜索文件失败")
	}
	return matches, nil
}
