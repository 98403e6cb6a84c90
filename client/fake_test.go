package client

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

// fakeComfy is a minimal ComfyUI: prompt queueing, queue listing, history,
// interrupts, uploads and the websocket event channel.
type fakeComfy struct {
	t        *testing.T
	server   *httptest.Server
	upgrader websocket.Upgrader
	conns    chan *websocket.Conn

	mu          sync.Mutex
	nextID      int
	running     []string
	pending     []string
	history     map[string]interface{}
	deleted     []string
	interrupted []string
	submitted   []map[string]interface{}
	reject      string
}

func newFakeComfy(t *testing.T) *fakeComfy {
	t.Helper()
	f := &fakeComfy{
		t:       t,
		conns:   make(chan *websocket.Conn, 4),
		history: make(map[string]interface{}),
	}
	mux := http.NewServeMux()
	mux.HandleFunc("POST /prompt", f.handlePrompt)
	mux.HandleFunc("GET /queue", f.handleQueue)
	mux.HandleFunc("POST /queue", f.handleQueueDelete)
	mux.HandleFunc("POST /interrupt", f.handleInterrupt)
	mux.HandleFunc("GET /history/{id}", f.handleHistory)
	mux.HandleFunc("POST /upload/image", f.handleUpload)
	mux.HandleFunc("GET /system_stats", func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `{"system":{"os":"posix","python_version":"3.11"},"devices":[{"name":"cuda:0","type":"cuda","vram_total":25769803776}]}`)
	})
	mux.HandleFunc("GET /ws", f.handleWS)
	f.server = httptest.NewServer(mux)
	t.Cleanup(f.server.Close)
	return f
}

func (f *fakeComfy) session(t *testing.T, maxRetry int) *Session {
	t.Helper()
	s, err := NewSession(SessionOptions{
		BaseURL:            f.server.URL,
		ReconnectBaseDelay: time.Millisecond,
		ReconnectMaxDelay:  5 * time.Millisecond,
		MaxRetry:           maxRetry,
		RequestTimeout:     5 * time.Second,
	})
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}
	return s
}

func (f *fakeComfy) handlePrompt(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var body map[string]interface{}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	f.submitted = append(f.submitted, body)
	if f.reject != "" {
		w.WriteHeader(http.StatusBadRequest)
		io.WriteString(w, f.reject)
		return
	}
	f.nextID++
	id := fmt.Sprintf("prompt-%d", f.nextID)
	f.pending = append(f.pending, id)
	fmt.Fprintf(w, `{"prompt_id":%q,"number":%d,"node_errors":{}}`, id, f.nextID)
}

func queueEntries(ids []string) [][]interface{} {
	retv := make([][]interface{}, 0, len(ids))
	for i, id := range ids {
		retv = append(retv, []interface{}{i, id, map[string]interface{}{}, map[string]interface{}{}, []string{"11"}})
	}
	return retv
}

func (f *fakeComfy) handleQueue(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	json.NewEncoder(w).Encode(map[string]interface{}{
		"queue_running": queueEntries(f.running),
		"queue_pending": queueEntries(f.pending),
	})
}

func (f *fakeComfy) handleQueueDelete(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var body struct {
		Delete []string `json:"delete"`
	}
	json.NewDecoder(r.Body).Decode(&body)
	f.deleted = append(f.deleted, body.Delete...)
	remaining := f.pending[:0]
	for _, id := range f.pending {
		keep := true
		for _, d := range body.Delete {
			if d == id {
				keep = false
			}
		}
		if keep {
			remaining = append(remaining, id)
		}
	}
	f.pending = remaining
}

func (f *fakeComfy) handleInterrupt(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var body struct {
		PromptID string `json:"prompt_id"`
	}
	json.NewDecoder(r.Body).Decode(&body)
	f.interrupted = append(f.interrupted, body.PromptID)
}

func (f *fakeComfy) handleHistory(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := r.PathValue("id")
	h, ok := f.history[id]
	if !ok {
		io.WriteString(w, `{}`)
		return
	}
	json.NewEncoder(w).Encode(map[string]interface{}{id: h})
}

func (f *fakeComfy) handleUpload(w http.ResponseWriter, r *http.Request) {
	file, header, err := r.FormFile("image")
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	defer file.Close()
	io.Copy(io.Discard, file)
	fmt.Fprintf(w, `{"name":%q,"subfolder":%q,"type":%q}`, header.Filename, r.FormValue("subfolder"), r.FormValue("type"))
}

func (f *fakeComfy) handleWS(w http.ResponseWriter, r *http.Request) {
	if r.URL.Query().Get("clientId") == "" {
		http.Error(w, "missing clientId", http.StatusBadRequest)
		return
	}
	c, err := f.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	f.conns <- c
	for {
		if _, _, err := c.ReadMessage(); err != nil {
			return
		}
	}
}

func (f *fakeComfy) nextConn(t *testing.T) *websocket.Conn {
	t.Helper()
	select {
	case c := <-f.conns:
		return c
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for websocket connection")
	}
	return nil
}

func sendWS(t *testing.T, c *websocket.Conn, msg string) {
	t.Helper()
	if err := c.WriteMessage(websocket.TextMessage, []byte(msg)); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func nextEvent(t *testing.T, ch <-chan Event) Event {
	t.Helper()
	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				t.Fatal("event channel closed")
			}
			if ev.Type == EventQueueStatus {
				continue
			}
			return ev
		case <-time.After(5 * time.Second):
			t.Fatal("timed out waiting for event")
		}
	}
}

func (f *fakeComfy) snapshot() (submitted []map[string]interface{}, pending []string, interrupted []string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append(submitted, f.submitted...), append(pending, f.pending...), append(interrupted, f.interrupted...)
}
