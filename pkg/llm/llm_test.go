package llm

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jllopis/careflow/pkg/errors"
	"github.com/jllopis/careflow/pkg/resilience"
)

func fastRetry() resilience.RetryConfig {
	return resilience.DefaultRetryConfig().WithInitialDelay(time.Millisecond)
}

func TestMockProvider(t *testing.T) {
	mock := &MockProvider{Response: "Hello world"}
	resp, err := mock.Chat(context.Background(), ChatRequest{
		Messages: []Message{{Role: RoleUser, Content: "Hi"}},
	})
	if err != nil {
		t.Fatalf("Chat failed: %v", err)
	}
	if resp.Content != "Hello world" {
		t.Errorf("Expected 'Hello world', got '%s'", resp.Content)
	}
	if len(mock.Requests()) != 1 {
		t.Errorf("expected request to be recorded")
	}
}

func TestClientBuildsChatRequest(t *testing.T) {
	mock := &MockProvider{Response: "  urgent \n"}
	client := NewClient(mock, WithModel("llama3.1"), WithDefaultMaxTokens(256))

	resp, err := client.Generate(context.Background(), Request{
		System:      "You are a triage assistant.",
		User:        "symptoms=chest pain",
		Temperature: 0.1,
	})
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if resp.Text != "urgent" {
		t.Fatalf("expected trimmed text, got %q", resp.Text)
	}

	req := mock.Requests()[0]
	if req.Model != "llama3.1" || req.MaxTokens != 256 || req.Temperature != 0.1 {
		t.Fatalf("unexpected request: %+v", req)
	}
	if len(req.Messages) != 2 || req.Messages[0].Role != RoleSystem || req.Messages[1].Content != "symptoms=chest pain" {
		t.Fatalf("unexpected messages: %+v", req.Messages)
	}
}

func TestClientRejectsTemperatureOutOfRange(t *testing.T) {
	client := NewClient(&MockProvider{Response: "x"})
	_, err := client.Generate(context.Background(), Request{Temperature: 1.5})
	if !errors.HasCode(err, errors.CodeInvalidInput) {
		t.Fatalf("expected invalid input, got %v", err)
	}
}

func TestClientRetriesRecoverableErrors(t *testing.T) {
	var calls int32
	mock := &MockProvider{ChatFunc: func(context.Context, ChatRequest) (*ChatResponse, error) {
		if atomic.AddInt32(&calls, 1) < 3 {
			return nil, errors.New(errors.CodeRateLimit, "slow down", nil).WithRecoverable(true)
		}
		return &ChatResponse{Content: "ok"}, nil
	}}
	client := NewClient(mock, WithRetry(fastRetry()))

	resp, err := client.Generate(context.Background(), Request{User: "hi"})
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if resp.Text != "ok" || atomic.LoadInt32(&calls) != 3 {
		t.Fatalf("unexpected result %q after %d calls", resp.Text, calls)
	}
}

func TestClientWrapsProviderFailures(t *testing.T) {
	client := NewClient(&MockProvider{Err: stderrors.New("dial tcp: refused")}, WithRetry(fastRetry()))
	_, err := client.Generate(context.Background(), Request{User: "hi"})
	if !errors.HasCode(err, errors.CodeUpstream) {
		t.Fatalf("expected upstream error, got %v", err)
	}
}

func TestClientEmptyResponseIsUpstreamError(t *testing.T) {
	client := NewClient(&MockProvider{Response: "   "}, WithRetry(fastRetry()))
	_, err := client.Generate(context.Background(), Request{User: "hi"})
	if !errors.HasCode(err, errors.CodeUpstream) {
		t.Fatalf("expected upstream error, got %v", err)
	}
}

func TestClientCallTimeout(t *testing.T) {
	mock := &MockProvider{ChatFunc: func(ctx context.Context, _ ChatRequest) (*ChatResponse, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}}
	client := NewClient(mock, WithCallTimeout(20*time.Millisecond), WithRetry(fastRetry()))

	_, err := client.Generate(context.Background(), Request{User: "hi"})
	if !errors.HasCode(err, errors.CodeTimeout) {
		t.Fatalf("expected timeout, got %v", err)
	}
	if errors.AsFlowError(err).Message != resilience.TimeoutMessage {
		t.Fatalf("unexpected message: %v", err)
	}
}

func TestClientPromptFilter(t *testing.T) {
	mock := &MockProvider{Response: "ok"}
	client := NewClient(mock, WithPromptFilter(func(s string) string {
		return strings.ReplaceAll(s, "555-0100", "[PHONE]")
	}))
	if _, err := client.Generate(context.Background(), Request{User: "phone=555-0100"}); err != nil {
		t.Fatalf("generate: %v", err)
	}
	if got := mock.Requests()[0].Messages[1].Content; got != "phone=[PHONE]" {
		t.Fatalf("filter not applied: %q", got)
	}
}

func TestClientCircuitBreakerOpens(t *testing.T) {
	var calls int32
	mock := &MockProvider{ChatFunc: func(context.Context, ChatRequest) (*ChatResponse, error) {
		atomic.AddInt32(&calls, 1)
		return nil, stderrors.New("boom")
	}}
	cb := resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{FailureThreshold: 1, Timeout: time.Hour})
	client := NewClient(mock, WithCircuitBreaker(cb), WithRetry(fastRetry()))

	_, _ = client.Generate(context.Background(), Request{User: "a"})
	_, err := client.Generate(context.Background(), Request{User: "b"})
	if !errors.HasCode(err, errors.CodeUpstream) {
		t.Fatalf("expected upstream error, got %v", err)
	}
	if atomic.LoadInt32(&calls) != 1 {
		t.Fatalf("expected breaker to short-circuit, provider called %d times", calls)
	}
}

func TestOllamaProvider(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/chat" {
			http.NotFound(w, r)
			return
		}
		var req ollamaRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode: %v", err)
		}
		if req.Options["num_predict"] != float64(64) {
			t.Errorf("expected num_predict 64, got %v", req.Options["num_predict"])
		}
		_ = json.NewEncoder(w).Encode(ollamaResponse{
			Model:           "llama3.2:3b",
			Message:         Message{Role: RoleAssistant, Content: "routine"},
			Done:            true,
			PromptEvalCount: 5,
			EvalCount:       2,
		})
	}))
	defer srv.Close()

	resp, err := NewOllama(srv.URL).Chat(context.Background(), ChatRequest{Model: "m", MaxTokens: 64})
	if err != nil {
		t.Fatalf("chat: %v", err)
	}
	if resp.Content != "routine" || resp.Usage.TotalTokens != 7 || resp.Model != "llama3.2:3b" {
		t.Fatalf("unexpected response: %+v", resp)
	}
}

func TestOllamaProviderStatusMapping(t *testing.T) {
	tests := []struct {
		status      int
		code        errors.ErrorCode
		recoverable bool
	}{
		{http.StatusTooManyRequests, errors.CodeRateLimit, true},
		{http.StatusBadGateway, errors.CodeUpstream, true},
		{http.StatusBadRequest, errors.CodeUpstream, false},
	}
	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(tt.status)
			}))
			defer srv.Close()

			_, err := NewOllama(srv.URL).Chat(context.Background(), ChatRequest{Model: "m"})
			fe := errors.AsFlowError(err)
			if fe == nil || fe.Code != tt.code || fe.Recoverable != tt.recoverable {
				t.Fatalf("unexpected error: %+v", fe)
			}
		})
	}
}

func TestOpenAIProviderChat(t *testing.T) {
	var got struct {
		Model    string    `json:"model"`
		Messages []Message `json:"messages"`
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/chat/completions") {
			http.NotFound(w, r)
			return
		}
		if r.Header.Get("Authorization") != "Bearer test-key" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		_ = json.NewDecoder(r.Body).Decode(&got)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"c1","object":"chat.completion","created":1,"model":"gpt-test",
			"choices":[{"index":0,"finish_reason":"stop","message":{"role":"assistant","content":"urgent"}}],
			"usage":{"prompt_tokens":7,"completion_tokens":1,"total_tokens":8}}`))
	}))
	defer srv.Close()

	p := NewOpenAI(WithOpenAIBaseURL(srv.URL), WithOpenAIAPIKey("test-key"), WithOpenAIModel("gpt-test"))
	resp, err := p.Chat(context.Background(), ChatRequest{
		Messages: []Message{{Role: RoleSystem, Content: "triage"}, {Role: RoleUser, Content: "chest pain"}},
	})
	if err != nil {
		t.Fatalf("chat: %v", err)
	}
	if resp.Content != "urgent" || resp.Usage.TotalTokens != 8 || resp.Model != "gpt-test" {
		t.Fatalf("unexpected response %+v", resp)
	}
	if got.Model != "gpt-test" || len(got.Messages) != 2 || got.Messages[1].Content != "chest pain" {
		t.Fatalf("unexpected request %+v", got)
	}
}

func TestOpenAIProviderError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	p := NewOpenAI(WithOpenAIBaseURL(srv.URL), WithOpenAIAPIKey("k"))
	if _, err := p.Chat(context.Background(), ChatRequest{Messages: []Message{{Role: RoleUser, Content: "x"}}}); err == nil {
		t.Fatalf("expected error")
	}
}
