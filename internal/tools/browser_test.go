package tools

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"
)

// fakeBrowserServer 模拟远端浏览器的 HTTP 控制面。
type fakeBrowserServer struct {
	mu    sync.Mutex
	calls []string
}

func (s *fakeBrowserServer) handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var payload map[string]any
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		s.mu.Lock()
		s.calls = append(s.calls, r.URL.Path)
		s.mu.Unlock()

		switch r.URL.Path {
		case "/session":
			json.NewEncoder(w).Encode(map[string]string{"session_id": "sess-1"})
		case "/screenshot":
			if payload["session_id"] != "sess-1" {
				http.Error(w, "unknown session", http.StatusBadRequest)
				return
			}
			json.NewEncoder(w).Encode(map[string]string{"path": "/tmp/shot-001.png"})
		case "/navigate", "/click", "/type", "/close":
			w.WriteHeader(http.StatusOK)
		default:
			http.NotFound(w, r)
		}
	})
}

func TestBrowserToolSessionLifecycle(t *testing.T) {
	server := &fakeBrowserServer{}
	ts := httptest.NewServer(server.handler())
	defer ts.Close()

	tool, err := NewBrowserTool(BrowserConfig{Endpoint: ts.URL}, ts.Client())
	if err != nil {
		t.Fatalf("创建浏览器后端失败: %v", err)
	}
	ctx := context.Background()

	if err := tool.Navigate(ctx, "https://example.com"); err != nil {
		t.Fatalf("导航失败: %v", err)
	}
	path, err := tool.Screenshot(ctx)
	if err != nil {
		t.Fatalf("截图失败: %v", err)
	}
	if path != "/tmp/shot-001.png" {
		t.Fatalf("截图路径不符: %q", path)
	}
	if err := tool.Close(); err != nil {
		t.Fatalf("关闭会话失败: %v", err)
	}

	server.mu.Lock()
	defer server.mu.Unlock()
	want := []string{"/session", "/navigate", "/screenshot", "/close"}
	if len(server.calls) != len(want) {
		t.Fatalf("调用序列不符: %v", server.calls)
	}
	for i, path := range want {
		if server.calls[i] != path {
			t.Fatalf("调用 %d 期望 %s,得到 %s", i, path, server.calls[i])
		}
	}
}

func TestBrowserToolNavigationTimeout(t *testing.T) {
	sessionDone := make(chan struct{}, 1)
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/session" {
			json.NewEncoder(w).Encode(map[string]string{"session_id": "sess-1"})
			sessionDone <- struct{}{}
			return
		}
		// 模拟挂死的页面加载。
		io.Copy(io.Discard, r.Body)
		<-r.Context().Done()
	}))
	defer ts.Close()

	tool, err := NewBrowserTool(BrowserConfig{Endpoint: ts.URL, NavigationTimeout: 50 * time.Millisecond}, ts.Client())
	if err != nil {
		t.Fatalf("创建浏览器后端失败: %v", err)
	}
	<-sessionDone

	start := time.Now()
	if err := tool.Navigate(context.Background(), "https://slow.example.com"); err == nil {
		t.Fatal("挂死的导航应当超时")
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Fatalf("超时未生效,耗时 %v", elapsed)
	}
}

func TestBrowserToolRejectsInvalidEndpoint(t *testing.T) {
	if _, err := NewBrowserTool(BrowserConfig{Endpoint: "not a url"}, nil); err == nil {
		t.Fatal("无效地址应被拒绝")
	}
}

func TestBrowserToolSurfacesServerErrors(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/session" {
			json.NewEncoder(w).Encode(map[string]string{"session_id": "sess-1"})
			return
		}
		http.Error(w, `{"error":"element not found"}`, http.StatusUnprocessableEntity)
	}))
	defer ts.Close()

	tool, err := NewBrowserTool(BrowserConfig{Endpoint: ts.URL}, ts.Client())
	if err != nil {
		t.Fatalf("创建浏览器后端失败: %v", err)
	}
	if err := tool.Click(context.Background(), "#missing"); err == nil {
		t.Fatal("服务端错误应被上抛")
	}
}
