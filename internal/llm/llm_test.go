package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"reflect"
	"strings"
	"testing"
)

func drain(t *testing.T, s Stream) []string {
	t.Helper()
	defer s.Close()
	var got []string
	for s.Next() {
		got = append(got, s.Text())
	}
	if err := s.Err(); err != nil {
		t.Fatalf("stream error: %v", err)
	}
	return got
}

func TestOllamaStream(t *testing.T) {
	var gotReq ollamaChatRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/chat" {
			http.NotFound(w, r)
			return
		}
		json.NewDecoder(r.Body).Decode(&gotReq)
		for _, tok := range []string{"Hel", "lo", ""} {
			fmt.Fprintf(w, `{"message":{"role":"assistant","content":%q},"done":false}`+"\n", tok)
		}
		fmt.Fprintln(w, `{"message":{"role":"assistant","content":""},"done":true}`)
	}))
	defer srv.Close()

	c := NewOllamaClient(srv.URL, nil)
	msgs := []Message{
		{Role: RoleSystem, Content: "sys"},
		{Role: RoleObservation, Content: "obs"},
	}
	s, err := c.Stream(context.Background(), "qwen3:4b", msgs, Sampling{Temperature: 0.2, MaxTokens: 64, Stop: []string{"<|im_end|>"}})
	if err != nil {
		t.Fatal(err)
	}

	if got := drain(t, s); !reflect.DeepEqual(got, []string{"Hel", "lo"}) {
		t.Errorf("fragments = %q, want [Hel lo]", got)
	}
	if gotReq.Options == nil || !reflect.DeepEqual(gotReq.Options.Stop, []string{"<|im_end|>"}) {
		t.Errorf("stop not forwarded: %+v", gotReq.Options)
	}
	if gotReq.Messages[1].Role != RoleObservation {
		t.Errorf("role = %q, want observation", gotReq.Messages[1].Role)
	}
}

func TestOllamaStream_ErrorChunk(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintln(w, `{"message":{"content":"partial"},"done":false}`)
		fmt.Fprintln(w, `{"error":"model unloaded"}`)
	}))
	defer srv.Close()

	s, err := NewOllamaClient(srv.URL, nil).Stream(context.Background(), "m", nil, Sampling{})
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()
	if !s.Next() || s.Text() != "partial" {
		t.Fatalf("first fragment = %q", s.Text())
	}
	if s.Next() {
		t.Fatal("expected stream to stop on error chunk")
	}
	if s.Err() == nil || !strings.Contains(s.Err().Error(), "model unloaded") {
		t.Errorf("Err() = %v", s.Err())
	}
}

func TestOllamaComplete_PreservesOrder(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req ollamaGenerateRequest
		json.NewDecoder(r.Body).Decode(&req)
		if !req.Raw {
			t.Error("generate request should be raw")
		}
		json.NewEncoder(w).Encode(ollamaGenerateResponse{Response: "summary of " + req.Prompt})
	}))
	defer srv.Close()

	got, err := NewOllamaClient(srv.URL, nil).Complete(context.Background(), "m", []string{"a", "b", "c"}, Sampling{})
	if err != nil {
		t.Fatal(err)
	}
	want := []string{"summary of a", "summary of b", "summary of c"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("Complete = %q, want %q", got, want)
	}
}

func TestOllamaStream_HTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "no such model", http.StatusNotFound)
	}))
	defer srv.Close()

	_, err := NewOllamaClient(srv.URL, nil).Stream(context.Background(), "m", nil, Sampling{})
	if err == nil || !strings.Contains(err.Error(), "404") {
		t.Errorf("err = %v, want HTTP 404", err)
	}
}

func TestOpenAIStream(t *testing.T) {
	var body map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/chat/completions" {
			http.NotFound(w, r)
			return
		}
		raw, _ := io.ReadAll(r.Body)
		json.Unmarshal(raw, &body)

		w.Header().Set("Content-Type", "text/event-stream")
		for _, tok := range []string{"<|func", "tion_start|>"} {
			fmt.Fprintf(w, "data: {\"id\":\"c1\",\"object\":\"chat.completion.chunk\",\"created\":1,\"model\":\"m\",\"choices\":[{\"index\":0,\"delta\":{\"content\":%q}}]}\n\n", tok)
		}
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	defer srv.Close()

	c := NewOpenAIClient(srv.URL+"/v1", "", nil)
	msgs := []Message{
		{Role: RoleUser, Content: "q"},
		{Role: RoleObservation, Content: "search results"},
	}
	s, err := c.Stream(context.Background(), "megrez", msgs, Sampling{Stop: []string{"<|turn_end|>"}})
	if err != nil {
		t.Fatal(err)
	}
	if got := drain(t, s); strings.Join(got, "") != "<|function_start|>" {
		t.Errorf("fragments = %q", got)
	}

	sent, _ := body["messages"].([]any)
	if len(sent) != 2 {
		t.Fatalf("messages = %v", body["messages"])
	}
	if role := sent[1].(map[string]any)["role"]; role != RoleObservation {
		t.Errorf("role = %v, want observation", role)
	}
	if stop, _ := body["stop"].([]any); len(stop) != 1 || stop[0] != "<|turn_end|>" {
		t.Errorf("stop = %v", body["stop"])
	}
}

func TestOpenAIComplete_ReordersChoices(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/completions" {
			http.NotFound(w, r)
			return
		}
		var req struct {
			Prompt []string `json:"prompt"`
		}
		json.NewDecoder(r.Body).Decode(&req)
		if len(req.Prompt) != 2 {
			t.Errorf("prompt = %v, want array of 2", req.Prompt)
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"id":"x","object":"text_completion","created":1,"model":"m","choices":[
			{"index":1,"text":"second","finish_reason":"stop","logprobs":null},
			{"index":0,"text":"first","finish_reason":"stop","logprobs":null}]}`)
	}))
	defer srv.Close()

	got, err := NewOpenAIClient(srv.URL+"/v1", "k", nil).Complete(context.Background(), "m", []string{"p0", "p1"}, Sampling{MaxTokens: 16})
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(got, []string{"first", "second"}) {
		t.Errorf("Complete = %q", got)
	}
}

func TestAnthropicStream(t *testing.T) {
	var body map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, _ := io.ReadAll(r.Body)
		json.Unmarshal(raw, &body)

		w.Header().Set("Content-Type", "text/event-stream")
		events := []string{
			`event: message_start` + "\n" + `data: {"type":"message_start","message":{"id":"m1","type":"message","role":"assistant","content":[],"model":"claude","usage":{"input_tokens":1,"output_tokens":0}}}`,
			`event: content_block_start` + "\n" + `data: {"type":"content_block_start","index":0,"content_block":{"type":"text","text":""}}`,
			`event: ping` + "\n" + `data: {"type":"ping"}`,
			`event: content_block_delta` + "\n" + `data: {"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"Hi "}}`,
			`event: content_block_delta` + "\n" + `data: {"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"there"}}`,
			`event: content_block_stop` + "\n" + `data: {"type":"content_block_stop","index":0}`,
			`event: message_stop` + "\n" + `data: {"type":"message_stop"}`,
		}
		for _, e := range events {
			fmt.Fprint(w, e+"\n\n")
		}
	}))
	defer srv.Close()

	c := NewAnthropicClient(srv.URL, "sk-test", nil)
	msgs := []Message{
		{Role: RoleSystem, Content: "be brief"},
		{Role: RoleUser, Content: "hello"},
	}
	s, err := c.Stream(context.Background(), "claude", msgs, Sampling{Stop: []string{"<|function_end|>"}})
	if err != nil {
		t.Fatal(err)
	}
	if got := drain(t, s); !reflect.DeepEqual(got, []string{"Hi ", "there"}) {
		t.Errorf("fragments = %q", got)
	}

	system, _ := body["system"].([]any)
	if len(system) != 1 || system[0].(map[string]any)["text"] != "be brief" {
		t.Errorf("system = %v", body["system"])
	}
	if msgs, _ := body["messages"].([]any); len(msgs) != 1 {
		t.Errorf("messages = %v, want system lifted out", body["messages"])
	}
}

type stubClient struct {
	name    string
	pingErr error
	pings   int
}

func (s *stubClient) Stream(context.Context, string, []Message, Sampling) (Stream, error) {
	return nil, fmt.Errorf("stream from %s", s.name)
}

func (s *stubClient) Complete(context.Context, string, []string, Sampling) ([]string, error) {
	return []string{s.name}, nil
}

func (s *stubClient) Ping(context.Context) error {
	s.pings++
	return s.pingErr
}

func TestMultiClient_Routes(t *testing.T) {
	m := NewMultiClient(&stubClient{name: "fallback"})
	m.AddProvider("ollama", &stubClient{name: "ollama"})
	m.AddModel("summarizer", "ollama")

	got, _ := m.Complete(context.Background(), "summarizer", nil, Sampling{})
	if got[0] != "ollama" {
		t.Errorf("summarizer routed to %q, want ollama", got[0])
	}
	got, _ = m.Complete(context.Background(), "unknown", nil, Sampling{})
	if got[0] != "fallback" {
		t.Errorf("unknown routed to %q, want fallback", got[0])
	}
}

func TestMultiClient_NoProvider(t *testing.T) {
	m := NewMultiClient(nil)
	if _, err := m.Stream(context.Background(), "x", nil, Sampling{}); err == nil {
		t.Error("expected error with no providers")
	}
}

func TestMultiClient_PingEachBackendOnce(t *testing.T) {
	shared := &stubClient{name: "openai"}
	down := &stubClient{name: "ollama", pingErr: fmt.Errorf("connection refused")}
	m := NewMultiClient(shared)
	m.AddProvider("openai", shared)
	m.AddProvider("ollama", down)

	err := m.Ping(context.Background())
	if err == nil || !strings.Contains(err.Error(), "ollama: connection refused") {
		t.Errorf("Ping = %v", err)
	}
	if shared.pings != 1 || down.pings != 1 {
		t.Errorf("pings = %d/%d, want 1/1", shared.pings, down.pings)
	}
}
