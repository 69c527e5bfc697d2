// ABOUTME: Minimal fake worker for E2E testing: connects over WebSocket and fetches requested URLs
// ABOUTME: Usage: fake-worker [-addr ws://localhost:9999/ws] [-timeout 30s]
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/2389/broxy/internal/protocol"
)

const maxBody = 32 << 20

func main() {
	addr := flag.String("addr", "ws://localhost:9999/ws", "control plane WebSocket URL")
	timeout := flag.Duration("timeout", 30*time.Second, "upstream fetch timeout")
	flag.Parse()

	if err := run(*addr, *timeout); err != nil {
		log.Fatal(err)
	}
}

// worker serializes writes; gorilla allows one concurrent writer.
type worker struct {
	ws     *websocket.Conn
	mu     sync.Mutex
	client *http.Client
}

func (w *worker) send(msg protocol.Message) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.ws.WriteJSON(msg)
}

func run(addr string, timeout time.Duration) error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	ws, _, err := websocket.DefaultDialer.DialContext(ctx, addr, nil)
	if err != nil {
		return fmt.Errorf("failed to connect: %w", err)
	}
	defer ws.Close()

	w := &worker{
		ws: ws,
		client: &http.Client{
			Timeout: timeout,
			// The proxy client follows redirects itself.
			CheckRedirect: func(*http.Request, []*http.Request) error { return http.ErrUseLastResponse },
		},
	}

	if err := w.send(protocol.Message{
		Type:      protocol.TypeAuth,
		UserAgent: "fake-worker/1.0",
		Browser:   "go-http",
		Platform:  runtime.GOOS,
	}); err != nil {
		return fmt.Errorf("failed to authenticate: %w", err)
	}

	var ack protocol.Message
	if err := ws.ReadJSON(&ack); err != nil {
		return fmt.Errorf("failed to receive auth_success: %w", err)
	}
	if ack.Type != protocol.TypeAuthSuccess {
		return fmt.Errorf("expected auth_success, got: %s", ack.Type)
	}
	fmt.Fprintf(os.Stderr, "registered as %s (heartbeat every %dms)\n", ack.BotID, ack.HeartbeatInterval)

	go w.heartbeat(ctx, time.Duration(ack.HeartbeatInterval)*time.Millisecond)
	go func() {
		<-ctx.Done()
		_ = ws.Close()
	}()

	for {
		var msg protocol.Message
		if err := ws.ReadJSON(&msg); err != nil {
			if ctx.Err() != nil {
				return nil // graceful shutdown
			}
			return fmt.Errorf("recv error: %w", err)
		}

		switch msg.Type {
		case protocol.TypePing:
			if err := w.send(protocol.Message{Type: protocol.TypePong}); err != nil {
				log.Printf("send pong error: %v", err)
			}
		case protocol.TypeRequest:
			// One job at a time: the control plane never sends a second
			// request before this response.
			log.Printf("fetching [%s] %s %s", msg.RequestID, msg.Method, msg.URL)
			if err := w.send(w.fetch(ctx, msg)); err != nil {
				log.Printf("send response error: %v", err)
			}
		case protocol.TypeError:
			log.Printf("control plane error: %s", msg.Error)
		}
	}
}

func (w *worker) heartbeat(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := w.send(protocol.Message{Type: protocol.TypePong}); err != nil {
				return
			}
		}
	}
}

func (w *worker) fetch(ctx context.Context, msg protocol.Message) protocol.Message {
	failed := func(err error) protocol.Message {
		return protocol.Message{
			Type:      protocol.TypeResponse,
			RequestID: msg.RequestID,
			Status:    http.StatusInternalServerError,
			Error:     err.Error(),
		}
	}

	var body io.Reader
	if msg.Body != "" {
		body = strings.NewReader(msg.Body)
	}
	req, err := http.NewRequestWithContext(ctx, msg.Method, msg.URL, body)
	if err != nil {
		return failed(err)
	}
	for name, value := range msg.Headers {
		req.Header.Set(name, value)
	}

	resp, err := w.client.Do(req)
	if err != nil {
		return failed(err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBody))
	if err != nil {
		return failed(err)
	}

	headers := make(map[string]string, len(resp.Header))
	for name, values := range resp.Header {
		headers[name] = strings.Join(values, ", ")
	}
	return protocol.Message{
		Type:      protocol.TypeResponse,
		RequestID: msg.RequestID,
		Status:    resp.StatusCode,
		Headers:   headers,
		Body:      string(data),
	}
}
