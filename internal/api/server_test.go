package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"Aegis-Assist/internal/auth"
	"Aegis-Assist/internal/operation"
	"Aegis-Assist/internal/resolver"
)

// echoExecutor 把操作直接置为完成,模拟真实执行器的契约。
type echoExecutor struct{}

func (echoExecutor) Execute(_ context.Context, op *operation.Operation) error {
	now := time.Now().Unix()
	op.StartedAt = now
	op.CompletedAt = now
	op.Status = operation.StatusCompleted
	op.Context.Result = map[string]any{"echo": string(op.Type)}
	return nil
}

type testPipeline struct {
	server *Server
}

func newTestPipeline(t *testing.T, authSvc *auth.Service) *testPipeline {
	t.Helper()
	store := operation.NewMemoryStore()
	queue := operation.NewMemoryQueue(16)
	svc := operation.NewService(store, queue, 3)

	opts := []operation.ProcessorOption{operation.WithWorkerCount(2)}
	if authSvc != nil {
		opts = append(opts, operation.WithAuthorizer(authSvc))
	}
	processor := operation.NewProcessor(echoExecutor{}, store, queue, queue, opts...)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		_ = processor.Start(ctx)
	}()
	t.Cleanup(cancel)

	server := NewServer(":0", authSvc, resolver.New(resolver.Config{}), svc, nil,
		WithWaitTimeout(5*time.Second), WithPollInterval(10*time.Millisecond))
	return &testPipeline{server: server}
}

func postJSON(t *testing.T, handler http.Handler, path, body, token string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func TestCommandPipelineCompletesSynchronously(t *testing.T) {
	pipe := newTestPipeline(t, nil)
	handler := pipe.server.Handler()

	rec := postJSON(t, handler, "/api/v1/commands", `{"text":"read the file notes.txt"}`, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("状态码不符: %d body=%s", rec.Code, rec.Body.String())
	}

	var resp commandResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("解析响应失败: %v", err)
	}
	if resp.Resolution == nil || resp.Resolution.Kind != resolver.KindUnambiguous {
		t.Fatalf("解析结果不符: %+v", resp.Resolution)
	}
	if resp.Operation == nil || resp.Operation.Status != operation.StatusCompleted {
		t.Fatalf("操作未完成: %+v", resp.Operation)
	}
	if resp.Operation.Type != operation.TypeFileOp || resp.Operation.Params.Path != "notes.txt" {
		t.Fatalf("操作参数不符: %+v", resp.Operation.Params)
	}
}

func TestCommandPipelineReturnsAmbiguity(t *testing.T) {
	pipe := newTestPipeline(t, nil)
	handler := pipe.server.Handler()

	rec := postJSON(t, handler, "/api/v1/commands", `{"text":"run the app slack"}`, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("状态码不符: %d", rec.Code)
	}
	var resp commandResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("解析响应失败: %v", err)
	}
	if resp.Resolution.Kind != resolver.KindAmbiguous {
		t.Fatalf("期望歧义结果,得到 %s", resp.Resolution.Kind)
	}
	if resp.Operation != nil {
		t.Fatal("歧义指令不应生成操作")
	}
	if len(resp.Resolution.Alternatives) < 2 {
		t.Fatalf("候选数量不足: %d", len(resp.Resolution.Alternatives))
	}
}

func TestCommandPipelineAsksForClarification(t *testing.T) {
	pipe := newTestPipeline(t, nil)
	handler := pipe.server.Handler()

	rec := postJSON(t, handler, "/api/v1/commands", `{"text":"do something impossible"}`, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("状态码不符: %d", rec.Code)
	}
	var resp commandResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("解析响应失败: %v", err)
	}
	if resp.Resolution.Kind != resolver.KindNeedsClarification {
		t.Fatalf("期望澄清请求,得到 %s", resp.Resolution.Kind)
	}
	if resp.Resolution.Question == "" {
		t.Fatal("澄清请求缺少提示问题")
	}
}

func TestCommandPipelineRejectsEmptyText(t *testing.T) {
	pipe := newTestPipeline(t, nil)
	rec := postJSON(t, pipe.server.Handler(), "/api/v1/commands", `{"text":"  "}`, "")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("状态码不符: %d", rec.Code)
	}
}

func TestOperationsEndpointRoundTrip(t *testing.T) {
	pipe := newTestPipeline(t, nil)
	handler := pipe.server.Handler()

	body := `{"type":"web_nav","params":{"action":"navigate","url":"https://example.com"}}`
	rec := postJSON(t, handler, "/api/v1/operations", body, "")
	if rec.Code != http.StatusAccepted {
		t.Fatalf("状态码不符: %d body=%s", rec.Code, rec.Body.String())
	}
	var created operation.Operation
	if err := json.Unmarshal(rec.Body.Bytes(), &created); err != nil {
		t.Fatalf("解析响应失败: %v", err)
	}
	if created.ID == "" || created.Status != operation.StatusPending {
		t.Fatalf("创建结果不符: %+v", created)
	}

	// 处理器异步消费,轮询直到终态。
	deadline := time.Now().Add(5 * time.Second)
	for {
		req := httptest.NewRequest(http.MethodGet, "/api/v1/operations/"+created.ID, nil)
		getRec := httptest.NewRecorder()
		handler.ServeHTTP(getRec, req)
		if getRec.Code != http.StatusOK {
			t.Fatalf("查询状态码不符: %d", getRec.Code)
		}
		var got operation.Operation
		if err := json.Unmarshal(getRec.Body.Bytes(), &got); err != nil {
			t.Fatalf("解析查询响应失败: %v", err)
		}
		if got.Status.IsTerminal() {
			if got.Status != operation.StatusCompleted {
				t.Fatalf("操作未成功: %+v", got)
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("操作未能及时完成")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestOperationDetailNotFound(t *testing.T) {
	pipe := newTestPipeline(t, nil)
	req := httptest.NewRequest(http.MethodGet, "/api/v1/operations/missing", nil)
	rec := httptest.NewRecorder()
	pipe.server.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("状态码不符: %d", rec.Code)
	}
}

func TestStatsEndpoint(t *testing.T) {
	pipe := newTestPipeline(t, nil)
	handler := pipe.server.Handler()

	postJSON(t, handler, "/api/v1/commands", `{"text":"read the file a.txt"}`, "")

	req := httptest.NewRequest(http.MethodGet, "/api/v1/operations/stats", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("状态码不符: %d", rec.Code)
	}
	var stats operation.Stats
	if err := json.Unmarshal(rec.Body.Bytes(), &stats); err != nil {
		t.Fatalf("解析统计失败: %v", err)
	}
	if stats.Total == 0 {
		t.Fatalf("统计为空: %+v", stats)
	}
}

func TestTokenEndpointAndGuardedPipeline(t *testing.T) {
	store, err := auth.NewMemoryStore(nil)
	if err != nil {
		t.Fatalf("构建账号存储失败: %v", err)
	}
	authSvc, err := auth.NewService(context.Background(), auth.Config{
		Mode:   auth.ModeToken,
		Secret: "api-test-secret",
		Seeds: []auth.Seed{{
			Username:     "alice",
			Password:     "correct horse",
			Capabilities: []auth.Capability{auth.CapabilityFileRead, auth.CapabilityFileWrite},
		}},
	}, store)
	if err != nil {
		t.Fatalf("构建鉴权服务失败: %v", err)
	}
	pipe := newTestPipeline(t, authSvc)
	handler := pipe.server.Handler()

	// 未认证的指令请求被拒绝。
	if rec := postJSON(t, handler, "/api/v1/commands", `{"text":"read the file x"}`, ""); rec.Code != http.StatusUnauthorized {
		t.Fatalf("未认证请求状态码不符: %d", rec.Code)
	}

	rec := postJSON(t, handler, "/api/v1/auth/token", `{"username":"alice","password":"correct horse"}`, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("签发令牌失败: %d body=%s", rec.Code, rec.Body.String())
	}
	var token tokenResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &token); err != nil {
		t.Fatalf("解析令牌响应失败: %v", err)
	}
	if token.AccessToken == "" || token.SessionID == "" {
		t.Fatalf("令牌响应不完整: %+v", token)
	}

	// 持令牌的读文件指令可以完成,且操作上下文携带会话。
	rec = postJSON(t, handler, "/api/v1/commands", `{"text":"read the file notes.txt"}`, token.AccessToken)
	if rec.Code != http.StatusOK {
		t.Fatalf("指令请求状态码不符: %d body=%s", rec.Code, rec.Body.String())
	}
	var resp commandResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("解析响应失败: %v", err)
	}
	if resp.Operation == nil || resp.Operation.Context.PrincipalID != "alice" {
		t.Fatalf("操作未绑定主体: %+v", resp.Operation)
	}
	if resp.Operation.Context.SessionID != token.SessionID {
		t.Fatalf("操作未绑定会话: %q != %q", resp.Operation.Context.SessionID, token.SessionID)
	}

	// alice 没有 command.exec 能力,命令执行被拒绝。
	rec = postJSON(t, handler, "/api/v1/commands", `{"text":"run ls -la"}`, token.AccessToken)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("越权指令状态码不符: %d body=%s", rec.Code, rec.Body.String())
	}

	// 错误口令无法换取令牌。
	rec = postJSON(t, handler, "/api/v1/auth/token", `{"username":"alice","password":"wrong"}`, "")
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("错误口令状态码不符: %d", rec.Code)
	}
}
