package mcpserver

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/teleclaude/teleclaude/pkg/client"
)

func TestCallerName(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Path {
		case "/sessions/titled":
			w.Write([]byte(`{"session_id":"titled","computer_name":"devbox","lifecycle_status":"active","title":"Build reviewer"}`))
		default:
			w.WriteHeader(http.StatusNotFound)
			w.Write([]byte(`{"detail":"session not found"}`))
		}
	}))
	defer srv.Close()
	api := client.NewHTTP(srv.URL)

	tests := []struct {
		name   string
		caller string
		want   string
	}{
		{"titled session", "titled", "Build reviewer"},
		{"unknown session falls back to prefix", "0190aaaa-dead-beef", "session 0190aaaa"},
		{"outside a pane", "", "peer agent"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := callerName(context.Background(), api, tt.caller); got != tt.want {
				t.Errorf("callerName(%q) = %q, want %q", tt.caller, got, tt.want)
			}
		})
	}
}
