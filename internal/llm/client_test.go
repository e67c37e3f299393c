package llm

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestGenerate(t *testing.T) {
	var gotReq chatRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/chat" {
			t.Errorf("path = %q, want /api/chat", r.URL.Path)
		}
		if err := json.NewDecoder(r.Body).Decode(&gotReq); err != nil {
			t.Errorf("decode request: %v", err)
		}
		json.NewEncoder(w).Encode(chatResponse{
			Message: chatMessage{Role: "assistant", Content: "  The hemoglobin value is normal.\n"},
		})
	}))
	defer server.Close()

	c := NewClient(server.URL, "phi3")
	got, err := c.Generate(context.Background(), "You are a medical assistant.", "Is the hemoglobin normal?", 200)
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if got != "The hemoglobin value is normal." {
		t.Errorf("answer = %q, want trimmed content", got)
	}

	if gotReq.Model != "phi3" {
		t.Errorf("model = %q, want phi3", gotReq.Model)
	}
	if gotReq.Stream {
		t.Error("stream should be false")
	}
	if len(gotReq.Messages) != 2 || gotReq.Messages[0].Role != "system" || gotReq.Messages[1].Role != "user" {
		t.Errorf("messages = %+v, want system then user", gotReq.Messages)
	}
	if gotReq.Options.NumPredict != 200 {
		t.Errorf("num_predict = %d, want 200", gotReq.Options.NumPredict)
	}
	if gotReq.Options.Temperature != 0.1 {
		t.Errorf("temperature = %v, want 0.1", gotReq.Options.Temperature)
	}
	if len(gotReq.Options.Stop) == 0 {
		t.Error("stop sequences missing")
	}
}

func TestGenerateDefaultMaxTokens(t *testing.T) {
	var gotReq chatRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&gotReq)
		json.NewEncoder(w).Encode(chatResponse{Message: chatMessage{Content: "ok"}})
	}))
	defer server.Close()

	c := NewClient(server.URL, "phi3")
	if _, err := c.Generate(context.Background(), "sys", "user", 0); err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if gotReq.Options.NumPredict != DefaultMaxTokens {
		t.Errorf("num_predict = %d, want %d", gotReq.Options.NumPredict, DefaultMaxTokens)
	}
}

func TestGenerateServerError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model not loaded", http.StatusInternalServerError)
	}))
	defer server.Close()

	c := NewClient(server.URL, "phi3")
	_, err := c.Generate(context.Background(), "sys", "user", 100)
	if !errors.Is(err, ErrUnavailable) {
		t.Errorf("error = %v, want ErrUnavailable", err)
	}
}

func TestGenerateUnreachable(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	server.Close()

	c := NewClient(server.URL, "phi3")
	_, err := c.Generate(context.Background(), "sys", "user", 100)
	if !errors.Is(err, ErrUnavailable) {
		t.Errorf("error = %v, want ErrUnavailable", err)
	}
}
