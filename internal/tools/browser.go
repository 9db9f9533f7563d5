package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"time"

	xerrors "Aegis-Assist/internal/errors"
)

// 默认导航超时。页面加载超过该时长视为失败。
const defaultNavigationTimeout = 30 * time.Second

// BrowserTool 通过 HTTP 驱动一个远端浏览器实例。请求与响应均为
// JSON,调用方(执行器)保证同一时刻只有一个操作在飞行中。
type BrowserTool struct {
	baseURL    *url.URL
	httpClient *http.Client
	navTimeout time.Duration
	sessionID  string
}

// BrowserConfig 描述远端浏览器的连接参数。
type BrowserConfig struct {
	Endpoint          string        `json:"endpoint"`
	NavigationTimeout time.Duration `json:"navigation_timeout"`
}

// NewBrowserTool 建立到远端浏览器的会话。
func NewBrowserTool(cfg BrowserConfig, httpClient *http.Client) (*BrowserTool, error) {
	parsed, err := url.Parse(cfg.Endpoint)
	if err != nil || parsed.Scheme == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "浏览器后端地址无效: "+cfg.Endpoint)
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultNavigationTimeout + 5*time.Second}
	}
	timeout := cfg.NavigationTimeout
	if timeout <= 0 {
		timeout = defaultNavigationTimeout
	}
	tool := &BrowserTool{baseURL: parsed, httpClient: httpClient, navTimeout: timeout}

	var created struct {
		SessionID string `json:"session_id"`
	}
	if err := tool.call(context.Background(), "/session", map[string]any{}, &created); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInitializationFailure, err, "创建浏览器会话失败")
	}
	tool.sessionID = created.SessionID
	return tool, nil
}

// Navigate 打开指定地址,受导航超时约束。
func (t *BrowserTool) Navigate(ctx context.Context, rawURL string) error {
	ctx, cancel := context.WithTimeout(ctx, t.navTimeout)
	defer cancel()
	return t.call(ctx, "/navigate", map[string]any{"url": rawURL}, nil)
}

// Click 点击匹配选择器的元素。
func (t *BrowserTool) Click(ctx context.Context, selector string) error {
	return t.call(ctx, "/click", map[string]any{"selector": selector}, nil)
}

// Type 向匹配选择器的元素输入文本。
func (t *BrowserTool) Type(ctx context.Context, selector, text string) error {
	return t.call(ctx, "/type", map[string]any{"selector": selector, "text": text}, nil)
}

// Screenshot 截取当前页面,返回截图的存储路径。
func (t *BrowserTool) Screenshot(ctx context.Context) (string, error) {
	var out struct {
		Path string `json:"path"`
	}
	if err := t.call(ctx, "/screenshot", map[string]any{}, &out); err != nil {
		return "", err
	}
	return out.Path, nil
}

// Close 结束远端会话。守护进程关闭时调用,失败只记录不阻断。
func (t *BrowserTool) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return t.call(ctx, "/close", map[string]any{}, nil)
}

func (t *BrowserTool) call(ctx context.Context, endpoint string, payload map[string]any, out any) error {
	if t.sessionID != "" {
		payload["session_id"] = t.sessionID
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "编码浏览器请求失败")
	}
	rel := &url.URL{Path: path.Join(t.baseURL.Path, endpoint)}
	u := t.baseURL.ResolveReference(rel)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.String(), bytes.NewReader(body))
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "构造浏览器请求失败")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.httpClient.Do(req)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeBackendError, err, "调用浏览器后端失败")
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return xerrors.New(xerrors.CodeBackendError,
			fmt.Sprintf("浏览器后端返回 %d: %s", resp.StatusCode, bytes.TrimSpace(data)))
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return xerrors.Wrap(xerrors.CodeBackendError, err, "解码浏览器响应失败")
	}
	return nil
}
