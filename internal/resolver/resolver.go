package resolver

import (
	"regexp"
	"strings"
	"sync"

	xerrors "Aegis-Assist/internal/errors"
	"Aegis-Assist/internal/operation"
)

// Kind 表示一次解析的结局。
type Kind string

const (
	// KindNeedsClarification 表示没有模板命中，需要用户澄清。
	KindNeedsClarification Kind = "needs_clarification"
	// KindUnambiguous 表示恰好一个模板命中，可以直接构建操作。
	KindUnambiguous Kind = "unambiguous"
	// KindAmbiguous 表示多个模板命中，由调用方在候选中选择。
	KindAmbiguous Kind = "ambiguous"
)

// Resolution 是 Resolve 的产物。三种结局互斥：
// NeedsClarification 只带问题；Unambiguous 带单个操作与置信度；
// Ambiguous 带全部候选操作，置信度固定为模糊值。
type Resolution struct {
	Kind         Kind                   `json:"kind"`
	Question     string                 `json:"question,omitempty"`
	Confidence   float64                `json:"confidence"`
	Operation    *operation.Operation   `json:"operation,omitempty"`
	Alternatives []*operation.Operation `json:"alternatives,omitempty"`
}

// ParamBuilder 把命名捕获组映射为操作参数，必须是纯函数。
type ParamBuilder func(groups map[string]string) operation.Params

// Template 描述一条命令模板：匹配器、产出的操作类别与参数构造器。
type Template struct {
	Name    string
	Pattern *regexp.Regexp
	Type    operation.Type
	Build   ParamBuilder
}

// Config 控制解析器的置信度常量与兜底问题。
// 这些数值是可调默认值而非硬约束。
type Config struct {
	ConfidenceHigh      float64
	ConfidenceMedium    float64
	ConfidenceAmbiguous float64
	FallbackQuestion    string
	AmbiguousQuestion   string
	MaxRetries          int
}

func (c *Config) applyDefaults() {
	if c.ConfidenceHigh <= 0 {
		c.ConfidenceHigh = 0.9
	}
	if c.ConfidenceMedium <= 0 {
		c.ConfidenceMedium = 0.7
	}
	if c.ConfidenceAmbiguous <= 0 {
		c.ConfidenceAmbiguous = 0.5
	}
	if c.FallbackQuestion == "" {
		c.FallbackQuestion = "我没有理解这个指令，请换一种说法，或者说明你想对哪个文件、网页或应用进行什么操作。"
	}
	if c.AmbiguousQuestion == "" {
		c.AmbiguousQuestion = "这个指令有多种理解方式，请在候选操作中选择一个。"
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 3
	}
}

// Resolver 维护有序的命令模板表，把自然语言文本解析为候选操作。
// 模板按注册顺序匹配，全部命中项都会保留。
type Resolver struct {
	mu        sync.RWMutex
	templates []Template
	lexicon   Lexicon
	cfg       Config
}

// New 创建解析器并注册默认模板。
func New(cfg Config) *Resolver {
	cfg.applyDefaults()
	r := &Resolver{cfg: cfg}
	for _, tpl := range DefaultTemplates() {
		// 默认模板是内部常量，注册失败说明程序本身有缺陷。
		if err := r.AddTemplate(tpl); err != nil {
			panic(err)
		}
	}
	return r
}

// NewEmpty 创建不带任何模板的解析器，供测试与自定义目录使用。
func NewEmpty(cfg Config) *Resolver {
	cfg.applyDefaults()
	return &Resolver{cfg: cfg}
}

// AddTemplate 在运行时追加一条模板。匹配顺序为注册顺序。
func (r *Resolver) AddTemplate(tpl Template) error {
	if tpl.Pattern == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "模板缺少匹配模式: "+tpl.Name)
	}
	if !operation.IsValidType(tpl.Type) {
		return xerrors.New(xerrors.CodeInvalidArgument, "模板的操作类别无效: "+string(tpl.Type))
	}
	if tpl.Build == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "模板缺少参数构造器: "+tpl.Name)
	}
	r.mu.Lock()
	r.templates = append(r.templates, tpl)
	r.mu.Unlock()
	return nil
}

// SetLexicon 设置同义词词典。传入 nil 表示关闭改写。
func (r *Resolver) SetLexicon(lx Lexicon) {
	r.mu.Lock()
	r.lexicon = lx
	r.mu.Unlock()
}

// Templates 返回当前模板数量，供观测使用。
func (r *Resolver) Templates() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.templates)
}

// Request 携带待解析文本与发起方上下文。
type Request struct {
	Text        string
	PrincipalID string
	SessionID   string
	TraceID     string
	Source      string
	Priority    operation.Priority
}

type match struct {
	template Template
	groups   map[string]string
	complete bool
}

// Resolve 将文本解析为 Resolution。除了生成操作的标识与时间戳，
// 解析不产生任何副作用；零命中与多命中都是正常结局而非错误。
func (r *Resolver) Resolve(req Request) (*Resolution, error) {
	normalized := Normalize(req.Text)
	if normalized == "" {
		return &Resolution{
			Kind:       KindNeedsClarification,
			Question:   r.cfg.FallbackQuestion,
			Confidence: 0,
		}, nil
	}

	r.mu.RLock()
	templates := make([]Template, len(r.templates))
	copy(templates, r.templates)
	lexicon := r.lexicon
	r.mu.RUnlock()

	if lexicon != nil {
		normalized = lexicon.Rewrite(normalized)
	}

	matches := make([]match, 0, 2)
	for _, tpl := range templates {
		sub := tpl.Pattern.FindStringSubmatch(normalized)
		if sub == nil {
			continue
		}
		groups := make(map[string]string)
		complete := true
		for i, name := range tpl.Pattern.SubexpNames() {
			if i == 0 {
				continue
			}
			if sub[i] == "" {
				complete = false
			}
			if name != "" {
				groups[name] = strings.TrimSpace(sub[i])
			}
		}
		matches = append(matches, match{template: tpl, groups: groups, complete: complete})
	}

	switch len(matches) {
	case 0:
		return &Resolution{
			Kind:       KindNeedsClarification,
			Question:   r.cfg.FallbackQuestion,
			Confidence: 0,
		}, nil
	case 1:
		op, err := r.buildOperation(matches[0], req)
		if err != nil {
			return nil, err
		}
		confidence := r.cfg.ConfidenceMedium
		if matches[0].complete {
			confidence = r.cfg.ConfidenceHigh
		}
		return &Resolution{
			Kind:       KindUnambiguous,
			Confidence: confidence,
			Operation:  op,
		}, nil
	default:
		alternatives := make([]*operation.Operation, 0, len(matches))
		for _, m := range matches {
			op, err := r.buildOperation(m, req)
			if err != nil {
				return nil, err
			}
			alternatives = append(alternatives, op)
		}
		return &Resolution{
			Kind:         KindAmbiguous,
			Question:     r.cfg.AmbiguousQuestion,
			Confidence:   r.cfg.ConfidenceAmbiguous,
			Alternatives: alternatives,
		}, nil
	}
}

func (r *Resolver) buildOperation(m match, req Request) (*operation.Operation, error) {
	params := m.template.Build(m.groups)
	op, err := operation.NewOperation(operation.Draft{
		Type:        m.template.Type,
		Params:      params,
		Priority:    req.Priority,
		PrincipalID: req.PrincipalID,
		SessionID:   req.SessionID,
		TraceID:     req.TraceID,
		Source:      req.Source,
	}, r.cfg.MaxRetries)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeValidationError, err, "模板 "+m.template.Name+" 构建的操作不合法")
	}
	return op, nil
}

var punctuationTrim = ".!?。！？"

// Normalize 统一大小写、折叠空白并去掉结尾标点，使模板匹配对
// 书写差异不敏感。
func Normalize(text string) string {
	lowered := strings.ToLower(strings.TrimSpace(text))
	lowered = strings.TrimRight(lowered, punctuationTrim)
	return strings.Join(strings.Fields(lowered), " ")
}
