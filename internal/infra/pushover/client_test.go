package pushover_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"geminize/internal/infra/pushover"
)

func TestClient_Notify(t *testing.T) {
	var title, message string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		title = r.PostForm.Get("title")
		message = r.PostForm.Get("message")
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	client := pushover.NewClientWithURL("token", "user", "", server.URL)
	if err := client.Notify(context.Background(), "Could not switch on Winch. Please try again."); err != nil {
		t.Fatalf("Notify error: %v", err)
	}
	if title != "Geminize" {
		t.Errorf("title: got %q, want Geminize", title)
	}
	if message != "Could not switch on Winch. Please try again." {
		t.Errorf("message: got %q", message)
	}
}

func TestClient_NotifyDisabledWithoutCredentials(t *testing.T) {
	client := pushover.NewClientWithURL("", "", "", "http://127.0.0.1:0")
	if err := client.Notify(context.Background(), "hello"); err != nil {
		t.Errorf("Notify error: %v", err)
	}
}

func TestClient_NotifyRejected(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer server.Close()

	client := pushover.NewClientWithURL("token", "user", "Garage", server.URL)
	if err := client.Notify(context.Background(), "hello"); err == nil {
		t.Error("expected error")
	}
}
