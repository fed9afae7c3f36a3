package integration_tests

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/szaher/parley/internal/history"
	"github.com/szaher/parley/internal/llm"
	"github.com/szaher/parley/internal/runtime"
	"github.com/szaher/parley/internal/telemetry"
)

type converseResponse struct {
	Response string          `json:"response"`
	History  json.RawMessage `json:"history"`
}

func newTestRuntime(t *testing.T, cfg *runtime.Config, client llm.Client) (*runtime.Runtime, *httptest.Server) {
	t.Helper()
	rt, err := runtime.New(cfg, runtime.Options{
		Logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
		Metrics: telemetry.NewMetrics(),
		Version: "test",
		Client:  client,
	})
	if err != nil {
		t.Fatalf("runtime.New: %v", err)
	}
	ts := httptest.NewServer(rt.Handler())
	t.Cleanup(ts.Close)
	return rt, ts
}

func converse(t *testing.T, url, input string, h json.RawMessage) converseResponse {
	t.Helper()
	body := map[string]any{"human_input": input}
	if h != nil {
		body["history"] = h
	}
	data, _ := json.Marshal(body)

	resp, err := http.Post(url+"/v1/converse", "application/json", bytes.NewReader(data))
	if err != nil {
		t.Fatalf("request error: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(resp.Body)
		t.Fatalf("status = %d, body = %s", resp.StatusCode, raw)
	}

	var out converseResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	return out
}

// TestMultiTurnConversation plays a caller that resends the returned
// history each turn. The returned history keeps growing while the prompt
// stays within the budget.
func TestMultiTurnConversation(t *testing.T) {
	var responses []llm.MockResponse
	for i := range 20 {
		responses = append(responses, llm.MockResponse{Content: fmt.Sprintf("reply %d %s", i, strings.Repeat("words ", 20))})
	}
	mock := llm.NewMockClient(responses...)

	cfg := runtime.DefaultConfig()
	cfg.Budget = 200
	cfg.RateLimit.RequestsPerSecond = 0
	_, ts := newTestRuntime(t, cfg, mock)

	var h json.RawMessage
	for i := range 20 {
		out := converse(t, ts.URL, fmt.Sprintf("question %d %s", i, strings.Repeat("more ", 20)), h)
		h = out.History

		parsed := history.ParseJSON(h)
		if got, want := len(parsed), 2*(i+1); got != want {
			t.Fatalf("turn %d: history has %d turns, want %d", i, got, want)
		}
		if parsed[len(parsed)-1].Content() != out.Response {
			t.Fatalf("turn %d: last history turn does not match response", i)
		}
	}

	calls := mock.Calls()
	if len(calls) != 20 {
		t.Fatalf("got %d provider calls, want 20", len(calls))
	}
	last := calls[len(calls)-1]
	if len(last.Messages) >= 39 {
		t.Errorf("last prompt carried %d messages; history was not trimmed", len(last.Messages))
	}
	if last.Messages[0].Role != llm.RoleUser {
		t.Errorf("trimmed prompt starts with %q, want a human turn", last.Messages[0].Role)
	}
	if last.System != cfg.Persona {
		t.Errorf("system = %q, want persona", last.System)
	}
}

func TestReloadChangesPersona(t *testing.T) {
	mock := llm.NewMockClient(llm.MockResponse{Content: "ok"})
	cfg := runtime.DefaultConfig()
	rt, ts := newTestRuntime(t, cfg, mock)

	converse(t, ts.URL, "hi", nil)

	next := runtime.DefaultConfig()
	next.Persona = "You are a terse pirate."
	if err := rt.Reload(next); err != nil {
		t.Fatalf("Reload: %v", err)
	}
	converse(t, ts.URL, "hi again", nil)

	calls := mock.Calls()
	if calls[0].System != cfg.Persona || calls[1].System != next.Persona {
		t.Errorf("systems = %q, %q", calls[0].System, calls[1].System)
	}
}

func TestAuthAndHealth(t *testing.T) {
	cfg := runtime.DefaultConfig()
	cfg.APIKey = "integration-secret"
	_, ts := newTestRuntime(t, cfg, llm.NewMockClient(llm.MockResponse{Content: "ok"}))

	resp, err := http.Get(ts.URL + "/healthz")
	if err != nil {
		t.Fatalf("request error: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("healthz status = %d, want 200 without a key", resp.StatusCode)
	}

	resp, err = http.Post(ts.URL+"/", "application/json", strings.NewReader(`{"human_input":"hi"}`))
	if err != nil {
		t.Fatalf("request error: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", resp.StatusCode)
	}

	req, _ := http.NewRequest(http.MethodPost, ts.URL+"/", strings.NewReader(`{"human_input":"hi"}`))
	req.Header.Set("Authorization", "Bearer integration-secret")
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request error: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200 with key", resp.StatusCode)
	}
}
