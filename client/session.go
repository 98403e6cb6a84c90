package client

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/richinsley/comfyforge/graphapi"
)

// SessionOptions configures a Session. Zero values take the defaults below.
type SessionOptions struct {
	// BaseURL of the ComfyUI server, e.g. http://127.0.0.1:8188
	BaseURL            string
	HTTPClient         *http.Client
	RequestTimeout     time.Duration
	ReconnectBaseDelay time.Duration
	ReconnectMaxDelay  time.Duration
	MaxRetry           int
	EventBuffer        int
	Logger             *slog.Logger
}

const (
	defaultRequestTimeout = 30 * time.Second
	defaultBaseDelay      = time.Second
	defaultMaxDelay       = 30 * time.Second
	defaultMaxRetry       = 8
	defaultEventBuffer    = 256
)

type promptTrack struct {
	seq      uint64
	finished bool
}

// Session is the single connection to a ComfyUI backend: the HTTP client used
// for requests plus the websocket event channel. It is safe for concurrent use.
type Session struct {
	baseURL        *url.URL
	clientid       string
	httpclient     *http.Client
	requestTimeout time.Duration
	logger         *slog.Logger
	webSocket      *WebSocketConnection
	events         chan Event

	mu                    sync.Mutex
	prompts               map[string]*promptTrack
	lastProcessedPromptID string
	queuecount            int
	nodeobjects           *graphapi.NodeObjects
	running               bool
}

// NewSession creates a Session for the server at opts.BaseURL. No network
// activity happens until Run or a request method is called.
func NewSession(opts SessionOptions) (*Session, error) {
	if opts.BaseURL == "" {
		return nil, fmt.Errorf("backend url is required")
	}
	base, err := url.Parse(strings.TrimRight(opts.BaseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parsing backend url: %w", err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("backend url must be http or https, got %q", opts.BaseURL)
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{}
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = defaultRequestTimeout
	}
	if opts.ReconnectBaseDelay <= 0 {
		opts.ReconnectBaseDelay = defaultBaseDelay
	}
	if opts.ReconnectMaxDelay <= 0 {
		opts.ReconnectMaxDelay = defaultMaxDelay
	}
	if opts.MaxRetry < 0 {
		opts.MaxRetry = 0
	} else if opts.MaxRetry == 0 {
		opts.MaxRetry = defaultMaxRetry
	}
	if opts.EventBuffer <= 0 {
		opts.EventBuffer = defaultEventBuffer
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	cid := uuid.New().String()
	wsurl := *base
	if base.Scheme == "https" {
		wsurl.Scheme = "wss"
	} else {
		wsurl.Scheme = "ws"
	}
	wsurl.Path = strings.TrimRight(base.Path, "/") + "/ws"
	wsurl.RawQuery = url.Values{"clientId": {cid}}.Encode()

	s := &Session{
		baseURL:        base,
		clientid:       cid,
		httpclient:     opts.HTTPClient,
		requestTimeout: opts.RequestTimeout,
		logger:         opts.Logger.With("component", "backend"),
		events:         make(chan Event, opts.EventBuffer),
		prompts:        make(map[string]*promptTrack),
	}
	s.webSocket = &WebSocketConnection{
		WebSocketURL: wsurl.String(),
		MaxRetry:     opts.MaxRetry,
		BaseDelay:    opts.ReconnectBaseDelay,
		MaxDelay:     opts.ReconnectMaxDelay,
		Dialer:       websocket.Dialer{HandshakeTimeout: opts.RequestTimeout},
		Logger:       s.logger,
	}
	return s, nil
}

// ClientID returns the unique client ID for the connection to the ComfyUI backend
func (s *Session) ClientID() string {
	return s.clientid
}

// Events is the stream of normalized backend events. It is closed when Run returns.
func (s *Session) Events() <-chan Event {
	return s.events
}

// Connected reports whether the event channel is currently open.
func (s *Session) Connected() bool {
	return s.webSocket.Connected()
}

// QueueRemaining is the queue depth last reported on the event channel.
func (s *Session) QueueRemaining() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.queuecount
}

// Run owns the event channel until ctx is cancelled or the reconnect budget is
// exhausted. Every successful reconnect after the first connection emits
// EventReconnected. Exhausting the budget emits EventChannelLost and returns
// an error wrapping ErrChannelDisconnected. Run closes the Events channel on
// return and may only be called once.
func (s *Session) Run(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("session already running")
	}
	s.running = true
	s.mu.Unlock()
	defer close(s.events)

	first := true
	for {
		err := s.webSocket.ConnectWithBackoff(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			s.logger.Error("event channel lost", "error", err)
			s.emit(ctx, Event{Type: EventChannelLost, Err: err})
			return fmt.Errorf("%w: %v", ErrChannelDisconnected, err)
		}
		if first {
			s.logger.Info("event channel connected", "url", s.webSocket.WebSocketURL)
		} else {
			s.logger.Info("event channel reconnected")
			s.emit(ctx, Event{Type: EventReconnected})
		}
		first = false

		err = s.webSocket.ReadMessages(ctx, func(msg []byte) {
			s.OnWebSocketMessage(ctx, msg)
		})
		if ctx.Err() != nil {
			return ctx.Err()
		}
		s.logger.Warn("event channel dropped", "error", err)
	}
}

func (s *Session) emit(ctx context.Context, ev Event) {
	if ev.Received.IsZero() {
		ev.Received = time.Now()
	}
	select {
	case s.events <- ev:
	case <-ctx.Done():
	}
}

// Forget drops the sequence tracking of prompts that will not be watched
// again. A later event for a forgotten prompt starts a new sequence.
func (s *Session) Forget(promptIDs ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range promptIDs {
		delete(s.prompts, id)
	}
}

// emitPrompt stamps ev with the next sequence number of its prompt. Only the
// first finishing event of a prompt is emitted; servers send both
// execution_success and a null executing, and a null executing follows errors.
func (s *Session) emitPrompt(ctx context.Context, ev Event, finishes bool) {
	if ev.PromptID == "" {
		s.logger.Debug("dropping event without prompt id", "type", ev.Type)
		return
	}
	s.mu.Lock()
	pt, ok := s.prompts[ev.PromptID]
	if !ok {
		pt = &promptTrack{}
		s.prompts[ev.PromptID] = pt
	}
	if pt.finished && finishes {
		s.mu.Unlock()
		return
	}
	if finishes {
		pt.finished = true
	}
	pt.seq++
	ev.Seq = pt.seq
	s.mu.Unlock()
	s.emit(ctx, ev)
}

// OnWebSocketMessage processes each message received from the websocket connection to ComfyUI.
// The messages are parsed and translated into Events on the Events channel.
func (s *Session) OnWebSocketMessage(ctx context.Context, msg []byte) {
	message := &WSStatusMessage{}
	err := json.Unmarshal(msg, &message)
	if err != nil {
		s.logger.Error("deserializing status message", "error", err)
		return
	}

	switch message.Type {
	case "status":
		d := message.Data.(*WSMessageDataStatus)
		s.mu.Lock()
		s.queuecount = d.Status.ExecInfo.QueueRemaining
		s.mu.Unlock()
		s.emit(ctx, Event{Type: EventQueueStatus, QueueRemaining: d.Status.ExecInfo.QueueRemaining})
	case "execution_start":
		d := message.Data.(*WSMessageDataExecutionStart)
		// update lastProcessedPromptID to indicate we are processing a new prompt
		s.setLastPrompt(d.PromptID)
		s.emitPrompt(ctx, Event{Type: EventStarted, PromptID: d.PromptID}, false)
	case "execution_cached":
		// this is probably not usefull for us
	case "executing":
		d := message.Data.(*WSMessageDataExecuting)
		pid := s.promptOrLast(d.PromptID)
		if d.Node == nil {
			// final node was processed; older servers send no execution_success
			s.emitPrompt(ctx, Event{Type: EventSucceeded, PromptID: pid}, true)
			return
		}
		s.emitPrompt(ctx, Event{Type: EventExecuting, PromptID: pid, Node: *d.Node}, false)
	case "progress":
		d := message.Data.(*WSMessageDataProgress)
		s.emitPrompt(ctx, Event{
			Type:     EventProgress,
			PromptID: s.promptOrLast(d.PromptID),
			Node:     d.Node,
			Value:    d.Value,
			Max:      d.Max,
		}, false)
	case "executed":
		d := message.Data.(*WSMessageDataExecuted)
		pid := s.promptOrLast(d.PromptID)
		for _, key := range sortedKeys(d.Output) {
			for _, o := range *d.Output[key] {
				if !o.IsFile() {
					continue
				}
				out := o
				s.emitPrompt(ctx, Event{Type: EventArtifact, PromptID: pid, Node: d.Node, Output: &out}, false)
			}
		}
	case "execution_success":
		d := message.Data.(*WSMessageExecutionSuccess)
		s.emitPrompt(ctx, Event{Type: EventSucceeded, PromptID: s.promptOrLast(d.PromptID)}, true)
	case "execution_interrupted":
		d := message.Data.(*WSMessageExecutionInterrupted)
		s.emitPrompt(ctx, Event{Type: EventInterrupted, PromptID: s.promptOrLast(d.PromptID), Node: d.Node}, true)
	case "execution_error":
		d := message.Data.(*WSMessageExecutionError)
		s.emitPrompt(ctx, Event{
			Type:      EventFailed,
			PromptID:  s.promptOrLast(d.PromptID),
			Node:      d.Node,
			Exception: d.exception(),
		}, true)
	default:
		s.logger.Debug("unhandled message type", "type", message.Type)
	}
}

func (s *Session) setLastPrompt(id string) {
	s.mu.Lock()
	s.lastProcessedPromptID = id
	s.mu.Unlock()
}

// promptOrLast falls back to the prompt from the last execution_start for
// messages that older servers send without a prompt id.
func (s *Session) promptOrLast(id string) string {
	if id != "" {
		return id
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastProcessedPromptID
}
