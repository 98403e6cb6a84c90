package client

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// MessageCallback receives each text frame read from the websocket.
type MessageCallback func(message []byte)

type WebSocketConnection struct {
	WebSocketURL string
	Conn         *websocket.Conn
	IsConnected  bool
	MaxRetry     int
	RetryCount   int
	mu           sync.Mutex // For thread-safe access to the WebSocket connection

	// Exponential backoff configuration
	BaseDelay time.Duration // The initial delay, e.g., 1 second
	MaxDelay  time.Duration // The maximum delay, e.g., 1 minute
	Dialer    websocket.Dialer
	Logger    *slog.Logger
}

// ConnectWithBackoff dials until a connection succeeds, waiting
// BaseDelay*2^n (capped at MaxDelay) between attempts. It gives up after
// MaxRetry consecutive failures following the first attempt.
func (w *WebSocketConnection) ConnectWithBackoff(ctx context.Context) error {
	w.RetryCount = 0
	for {
		err := w.connect(ctx)
		if err == nil {
			w.RetryCount = 0
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		w.logger().Error("connection attempt failed", "error", err, "attempt", w.RetryCount+1)

		// Check if the maximum number of retries has been reached
		if w.RetryCount >= w.MaxRetry {
			return fmt.Errorf("maximum number of retries reached (%d): %w", w.MaxRetry, err)
		}

		// Wait a bit before retrying to connect
		select {
		case <-time.After(w.getReconnectDelay()):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (w *WebSocketConnection) connect(ctx context.Context) error {
	conn, _, err := w.Dialer.DialContext(ctx, w.WebSocketURL, nil)
	if err != nil {
		return err
	}

	w.mu.Lock()
	w.Conn = conn
	w.IsConnected = true
	w.mu.Unlock()
	return nil
}

// Connected reports whether a connection is currently open.
func (w *WebSocketConnection) Connected() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.IsConnected
}

// ReadMessages blocks reading the open connection, handing each text frame to
// cb, until the connection drops or ctx is cancelled. Binary frames (preview
// images) are skipped.
func (w *WebSocketConnection) ReadMessages(ctx context.Context, cb MessageCallback) error {
	w.mu.Lock()
	conn := w.Conn
	w.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("websocket not connected")
	}

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()

	defer w.Close()
	for {
		mtype, message, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		if mtype != websocket.TextMessage {
			continue
		}
		if cb != nil {
			cb(message)
		}
	}
}

// Close closes the current connection, if any.
func (w *WebSocketConnection) Close() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.Conn != nil {
		w.Conn.Close()
		w.Conn = nil
	}
	w.IsConnected = false
}

// exponential backoff calculation
func (w *WebSocketConnection) getReconnectDelay() time.Duration {
	// Calculate the delay as BaseDelay * 2^(RetryCount), capped at MaxDelay
	delay := w.BaseDelay * time.Duration(math.Pow(2, float64(w.RetryCount)))
	if delay > w.MaxDelay || delay <= 0 {
		delay = w.MaxDelay
	}
	w.RetryCount++ // Increment the retry counter for the next attempt
	return delay
}

func (w *WebSocketConnection) logger() *slog.Logger {
	if w.Logger != nil {
		return w.Logger
	}
	return slog.Default()
}
