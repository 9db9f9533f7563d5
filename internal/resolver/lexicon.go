package resolver

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"strings"

	xerrors "Aegis-Assist/internal/errors"
)

// Lexicon 在模板匹配前把同义表达改写为模板使用的规范词汇。
type Lexicon interface {
	Rewrite(text string) string
}

// LexiconEntry 描述一个规范短语及其同义写法。
type LexiconEntry struct {
	Canonical string   `json:"canonical"`
	Synonyms  []string `json:"synonyms"`
}

// StaticLexicon 基于 JSON 文件提供静态同义词改写。
// 同义短语按长度从长到短匹配，避免短词吞掉长短语。
type StaticLexicon struct {
	rules []rewriteRule
}

type rewriteRule struct {
	from string
	to   string
}

// NewStaticLexicon 由内存中的词条构建词典。
func NewStaticLexicon(entries []LexiconEntry) *StaticLexicon {
	rules := make([]rewriteRule, 0, len(entries))
	for _, entry := range entries {
		canonical := Normalize(entry.Canonical)
		if canonical == "" {
			continue
		}
		for _, synonym := range entry.Synonyms {
			from := Normalize(synonym)
			if from == "" || from == canonical {
				continue
			}
			rules = append(rules, rewriteRule{from: from, to: canonical})
		}
	}
	sort.SliceStable(rules, func(i, j int) bool {
		return len(rules[i].from) > len(rules[j].from)
	})
	return &StaticLexicon{rules: rules}
}

// LoadStaticLexicon 从 JSON 文件加载同义词条目。
func LoadStaticLexicon(path string) (*StaticLexicon, error) {
	if strings.TrimSpace(path) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "词典文件路径不能为空")
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "解析词典路径失败")
	}

	file, err := os.Open(absPath)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInitializationFailure, err, "读取词典文件失败")
	}
	defer file.Close()

	var entries []LexiconEntry
	if err := json.NewDecoder(file).Decode(&entries); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInitializationFailure, err, "解析词典文件失败")
	}

	return NewStaticLexicon(entries), nil
}

// Rewrite 把文本中出现的同义短语整词替换为规范短语。
// 输入应当已经过 Normalize 处理。
func (l *StaticLexicon) Rewrite(text string) string {
	if l == nil || text == "" {
		return text
	}
	for _, rule := range l.rules {
		text = replaceWholePhrase(text, rule.from, rule.to)
	}
	return text
}

// replaceWholePhrase 只在词边界上替换，"open" 不会命中 "opened"。
func replaceWholePhrase(text, from, to string) string {
	if !strings.Contains(text, from) {
		return text
	}
	var b strings.Builder
	for len(text) > 0 {
		idx := strings.Index(text, from)
		if idx < 0 {
			b.WriteString(text)
			break
		}
		end := idx + len(from)
		boundaryBefore := idx == 0 || text[idx-1] == ' '
		boundaryAfter := end == len(text) || text[end] == ' '
		if boundaryBefore && boundaryAfter {
			b.WriteString(text[:idx])
			b.WriteString(to)
		} else {
			b.WriteString(text[:end])
		}
		text = text[end:]
	}
	return b.String()
}

var _ Lexicon = (*StaticLexicon)(nil)
