package client

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestTranslateExecutionMessages(t *testing.T) {
	s, err := NewSession(SessionOptions{BaseURL: "http://127.0.0.1:8188"})
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()
	msgs := []string{
		`{"type":"status","data":{"status":{"exec_info":{"queue_remaining":2}}}}`,
		`{"type":"execution_start","data":{"prompt_id":"p1"}}`,
		`{"type":"execution_cached","data":{"nodes":["3"],"prompt_id":"p1"}}`,
		`{"type":"executing","data":{"node":"8","prompt_id":"p1"}}`,
		`{"type":"progress","data":{"value":1,"max":4}}`,
		`{"type":"executed","data":{"node":"11","prompt_id":"p1","output":{"images":[` +
			`{"filename":"qwen_lightning_00001_.png","subfolder":"","type":"output"},` +
			`{"filename":"qwen_lightning_00002_.png","subfolder":"","type":"output"}]}}}`,
		`{"type":"execution_success","data":{"prompt_id":"p1","timestamp":1}}`,
		`{"type":"executing","data":{"node":null,"prompt_id":"p1"}}`,
		`{"type":"crystools.monitor","data":{}}`,
	}
	for _, m := range msgs {
		s.OnWebSocketMessage(ctx, []byte(m))
	}

	q := <-s.Events()
	if q.Type != EventQueueStatus || q.QueueRemaining != 2 || s.QueueRemaining() != 2 {
		t.Fatalf("unexpected status event %+v", q)
	}

	want := []EventType{EventStarted, EventExecuting, EventProgress, EventArtifact, EventArtifact, EventSucceeded}
	for i, typ := range want {
		ev := nextEvent(t, s.Events())
		if ev.Type != typ {
			t.Fatalf("event %d type %s, want %s", i, ev.Type, typ)
		}
		if ev.PromptID != "p1" {
			t.Fatalf("event %d prompt %q", i, ev.PromptID)
		}
		if ev.Seq != uint64(i+1) {
			t.Fatalf("event %d seq %d, want %d", i, ev.Seq, i+1)
		}
		if typ == EventArtifact && (ev.Output == nil || ev.Output.Type != "output") {
			t.Fatalf("artifact event without output: %+v", ev)
		}
		if typ == EventProgress && (ev.Value != 1 || ev.Max != 4) {
			t.Fatalf("progress %d/%d", ev.Value, ev.Max)
		}
	}

	select {
	case ev := <-s.Events():
		t.Fatalf("second finishing event should be dropped, got %+v", ev)
	default:
	}
}

func TestTranslateErrorThenNullExecuting(t *testing.T) {
	s, _ := NewSession(SessionOptions{BaseURL: "http://127.0.0.1:8188"})
	ctx := context.Background()
	s.OnWebSocketMessage(ctx, []byte(`{"type":"execution_start","data":{"prompt_id":"p2"}}`))
	s.OnWebSocketMessage(ctx, []byte(`{"type":"execution_error","data":{"prompt_id":"p2","node_id":"5","node_type":"UnetLoaderGGUF","exception_message":"out of memory","exception_type":"torch.OutOfMemoryError","traceback":[]}}`))
	s.OnWebSocketMessage(ctx, []byte(`{"type":"executing","data":{"node":null,"prompt_id":"p2"}}`))

	if ev := nextEvent(t, s.Events()); ev.Type != EventStarted {
		t.Fatalf("got %s", ev.Type)
	}
	ev := nextEvent(t, s.Events())
	if ev.Type != EventFailed || ev.Exception == nil || ev.Exception.NodeType != "UnetLoaderGGUF" {
		t.Fatalf("unexpected failure event %+v", ev)
	}
	if !ev.Terminal() {
		t.Fatal("failed event should be terminal")
	}
	select {
	case extra := <-s.Events():
		t.Fatalf("null executing after an error must not report success: %+v", extra)
	default:
	}
}

func TestForgetDropsPromptTracking(t *testing.T) {
	s, _ := NewSession(SessionOptions{BaseURL: "http://127.0.0.1:8188"})
	ctx := context.Background()
	s.OnWebSocketMessage(ctx, []byte(`{"type":"execution_start","data":{"prompt_id":"p3"}}`))
	s.OnWebSocketMessage(ctx, []byte(`{"type":"execution_start","data":{"prompt_id":"p4"}}`))
	nextEvent(t, s.Events())
	nextEvent(t, s.Events())

	s.Forget("p3", "missing")
	s.mu.Lock()
	_, kept3 := s.prompts["p3"]
	_, kept4 := s.prompts["p4"]
	s.mu.Unlock()
	if kept3 || !kept4 {
		t.Fatalf("tracking after Forget: p3=%v p4=%v", kept3, kept4)
	}

	s.OnWebSocketMessage(ctx, []byte(`{"type":"executing","data":{"node":"8","prompt_id":"p4"}}`))
	if ev := nextEvent(t, s.Events()); ev.Seq != 2 {
		t.Fatalf("p4 seq = %d, want 2", ev.Seq)
	}
}

func TestReconnectDelay(t *testing.T) {
	w := &WebSocketConnection{BaseDelay: time.Second, MaxDelay: 5 * time.Second}
	want := []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 5 * time.Second, 5 * time.Second}
	for i, d := range want {
		if got := w.getReconnectDelay(); got != d {
			t.Fatalf("delay %d = %v, want %v", i, got, d)
		}
	}
}

func TestRunReconnectsAndKeepsSequence(t *testing.T) {
	f := newFakeComfy(t)
	s := f.session(t, 3)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	c := f.nextConn(t)
	sendWS(t, c, `{"type":"execution_start","data":{"prompt_id":"p1"}}`)
	if ev := nextEvent(t, s.Events()); ev.Type != EventStarted || ev.Seq != 1 {
		t.Fatalf("unexpected first event %+v", ev)
	}

	// drop the connection; the session should dial again
	c.Close()
	c = f.nextConn(t)
	if ev := nextEvent(t, s.Events()); ev.Type != EventReconnected {
		t.Fatalf("expected reconnected, got %+v", ev)
	}
	sendWS(t, c, `{"type":"progress","data":{"value":2,"max":4,"prompt_id":"p1"}}`)
	if ev := nextEvent(t, s.Events()); ev.Type != EventProgress || ev.Seq != 2 {
		t.Fatalf("sequence should continue across reconnects: %+v", ev)
	}

	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("Run returned %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestRunChannelLost(t *testing.T) {
	f := newFakeComfy(t)
	s := f.session(t, 2)
	f.server.Close()

	err := s.Run(context.Background())
	if !errors.Is(err, ErrChannelDisconnected) {
		t.Fatalf("expected ErrChannelDisconnected, got %v", err)
	}
	ev, ok := <-s.Events()
	if !ok || ev.Type != EventChannelLost {
		t.Fatalf("expected channel_lost event, got %+v", ev)
	}
	if _, ok := <-s.Events(); ok {
		t.Fatal("events channel should be closed after Run returns")
	}
}

func TestNewSessionRejectsBadURL(t *testing.T) {
	if _, err := NewSession(SessionOptions{BaseURL: "ftp://example"}); err == nil {
		t.Fatal("expected error for non-http url")
	}
	s, err := NewSession(SessionOptions{BaseURL: "https://comfy.local:8443/base/"})
	if err != nil {
		t.Fatal(err)
	}
	want := "wss://comfy.local:8443/base/ws?clientId=" + s.ClientID()
	if s.webSocket.WebSocketURL != want {
		t.Fatalf("ws url %q, want %q", s.webSocket.WebSocketURL, want)
	}
}
