package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"time"

	"Aegis-Assist/sdk/go/aegis"
)

func main() {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/auth/token", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(aegis.Token{
			AccessToken: "demo-token",
			SessionID:   "sess-demo",
			ExpiresAt:   time.Now().Add(time.Hour).UTC(),
		})
	})
	mux.HandleFunc("/api/v1/commands", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(aegis.CommandResult{
			Resolution: &aegis.Resolution{Kind: "unambiguous", Confidence: 0.92},
			Operation: &aegis.Operation{
				ID:     "op-demo",
				Type:   "file_op",
				Status: "completed",
				Params: map[string]any{"action": "read", "path": "notes.txt"},
			},
		})
	})
	mux.HandleFunc("/api/v1/operations/op-demo", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(aegis.Operation{
			ID:          "op-demo",
			Type:        "file_op",
			Status:      "completed",
			CompletedAt: time.Now().Unix(),
		})
	})

	srv := httptest.NewServer(mux)
	defer srv.Close()

	client := aegis.NewClient(srv.URL, srv.Client())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	token, err := client.Authenticate(ctx, aegis.Credentials{Username: "alice", Password: "secret"})
	if err != nil {
		panic(err)
	}
	fmt.Printf("authenticated, session %s\n", token.SessionID)

	result, err := client.SubmitCommand(ctx, aegis.Command{Text: "read the file notes.txt"})
	if err != nil {
		panic(err)
	}
	fmt.Printf("command resolved as %s (confidence=%.2f)\n", result.Resolution.Kind, result.Resolution.Confidence)

	op, err := client.GetOperation(ctx, result.Operation.ID)
	if err != nil {
		panic(err)
	}
	fmt.Printf("operation %s status=%s\n", op.ID, op.Status)
}
