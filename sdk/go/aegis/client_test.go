package aegis

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestAuthenticateStoresToken(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/auth/token" {
			t.Fatalf("unexpected path: %s", r.URL.Path)
		}
		if r.Method != http.MethodPost {
			t.Fatalf("unexpected method: %s", r.Method)
		}
		if err := json.NewDecoder(r.Body).Decode(&Credentials{}); err != nil {
			t.Fatalf("unexpected body: %v", err)
		}
		_ = json.NewEncoder(w).Encode(Token{
			AccessToken: "abc123",
			SessionID:   "sess-1",
			ExpiresAt:   time.Now().UTC(),
		})
	}))
	defer srv.Close()

	client := NewClient(srv.URL, srv.Client())

	token, err := client.Authenticate(context.Background(), Credentials{
		Username: "alice",
		Password: "secret",
	})
	if err != nil {
		t.Fatalf("authenticate: %v", err)
	}
	if token.SessionID != "sess-1" {
		t.Fatalf("expected session sess-1, got %q", token.SessionID)
	}
	if got := client.AccessToken(); got != "abc123" {
		t.Fatalf("expected token abc123, got %q", got)
	}
}

func TestSubmitCommandRequiresToken(t *testing.T) {
	commandSubmitted := false
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/v1/auth/token":
			_ = json.NewEncoder(w).Encode(Token{AccessToken: "token"})
		case "/api/v1/commands":
			if r.Header.Get("Authorization") != "Bearer token" {
				t.Fatalf("expected bearer token, got %q", r.Header.Get("Authorization"))
			}
			commandSubmitted = true
			_ = json.NewEncoder(w).Encode(CommandResult{
				Resolution: &Resolution{Kind: "unambiguous", Confidence: 0.9},
				Operation:  &Operation{ID: "op-1", Status: "completed"},
			})
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	client := NewClient(srv.URL, srv.Client())

	// Without a token the command call fails before hitting the network.
	if _, err := client.SubmitCommand(context.Background(), Command{Text: "read the file x"}); err == nil {
		t.Fatal("expected missing token error")
	}

	if _, err := client.Authenticate(context.Background(), Credentials{}); err != nil {
		t.Fatalf("authenticate: %v", err)
	}
	result, err := client.SubmitCommand(context.Background(), Command{Text: "read the file x"})
	if err != nil {
		t.Fatalf("submit command: %v", err)
	}
	if !commandSubmitted {
		t.Fatal("command was not submitted")
	}
	if result.Operation == nil || result.Operation.ID != "op-1" {
		t.Fatalf("unexpected result: %+v", result)
	}
}

func TestListOperationsBuildsQuery(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/api/v1/auth/token" {
			_ = json.NewEncoder(w).Encode(Token{AccessToken: "token"})
			return
		}
		if r.URL.Path != "/api/v1/operations" {
			t.Fatalf("unexpected path: %s", r.URL.Path)
		}
		q := r.URL.Query()
		if q.Get("status") != "pending,failed" || q.Get("limit") != "5" {
			t.Fatalf("unexpected query: %s", r.URL.RawQuery)
		}
		_ = json.NewEncoder(w).Encode([]Operation{{ID: "op-1"}, {ID: "op-2"}})
	}))
	defer srv.Close()

	client := NewClient(srv.URL, srv.Client())
	if _, err := client.Authenticate(context.Background(), Credentials{}); err != nil {
		t.Fatalf("authenticate: %v", err)
	}

	ops, err := client.ListOperations(context.Background(), ListFilter{
		Statuses: []string{"pending", "failed"},
		Limit:    5,
	})
	if err != nil {
		t.Fatalf("list operations: %v", err)
	}
	if len(ops) != 2 || ops[1].ID != "op-2" {
		t.Fatalf("unexpected operations: %+v", ops)
	}
}

func TestGetOperationError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/api/v1/operations/op-404" {
			w.WriteHeader(http.StatusNotFound)
			_ = json.NewEncoder(w).Encode(APIError{Code: "NOT_FOUND", Message: "missing"})
			return
		}
		if r.URL.Path == "/api/v1/auth/token" {
			_ = json.NewEncoder(w).Encode(Token{AccessToken: "token"})
			return
		}
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	client := NewClient(srv.URL, srv.Client())
	if _, err := client.Authenticate(context.Background(), Credentials{}); err != nil {
		t.Fatalf("authenticate: %v", err)
	}

	_, err := client.GetOperation(context.Background(), "op-404")
	if err == nil {
		t.Fatal("expected error")
	}
	apiErr, ok := err.(*APIError)
	if !ok {
		t.Fatalf("expected APIError, got %T", err)
	}
	if apiErr.Code != "NOT_FOUND" {
		t.Fatalf("unexpected error code: %s", apiErr.Code)
	}
	if apiErr.StatusCode != http.StatusNotFound {
		t.Fatalf("unexpected status: %d", apiErr.StatusCode)
	}
}
