package channels

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/basket/taskpulse/internal/bus"
	"github.com/basket/taskpulse/internal/shared"
)

func TestSlackSender_PostsMessage(t *testing.T) {
	var (
		mu      sync.Mutex
		channel string
		text    string
		auth    string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat.postMessage" {
			http.NotFound(w, r)
			return
		}
		_ = r.ParseForm()
		mu.Lock()
		channel = r.PostFormValue("channel")
		text = r.PostFormValue("text")
		auth = r.Header.Get("Authorization")
		mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"ok":true,"channel":"C123","ts":"1700000000.000100"}`))
	}))
	defer srv.Close()

	s := NewSlackSender("xoxb-test", srv.URL, srv.Client())
	if err := s.Send(context.Background(), "C123", "wake up"); err != nil {
		t.Fatalf("send: %v", err)
	}
	mu.Lock()
	defer mu.Unlock()
	if channel != "C123" || text != "wake up" {
		t.Fatalf("posted channel=%q text=%q", channel, text)
	}
	if auth != "Bearer xoxb-test" {
		t.Fatalf("authorization = %q", auth)
	}
}

func TestSlackSender_APIErrorFails(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"ok":false,"error":"channel_not_found"}`))
	}))
	defer srv.Close()

	s := NewSlackSender("xoxb-test", srv.URL+"/", srv.Client())
	err := s.Send(context.Background(), "C404", "m")
	if err == nil || !strings.Contains(err.Error(), "channel_not_found") {
		t.Fatalf("expected channel_not_found, got %v", err)
	}
	if err := s.Send(context.Background(), " ", "m"); err != errEmptyTarget {
		t.Fatalf("blank target: got %v", err)
	}
}

func TestTelegramSender_SendsToChat(t *testing.T) {
	var (
		mu     sync.Mutex
		chatID string
		text   string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch {
		case strings.HasSuffix(r.URL.Path, "/getMe"):
			_, _ = w.Write([]byte(`{"ok":true,"result":{"id":7,"is_bot":true,"first_name":"pulse","username":"pulse_bot"}}`))
		case strings.HasSuffix(r.URL.Path, "/sendMessage"):
			_ = r.ParseForm()
			mu.Lock()
			chatID = r.PostFormValue("chat_id")
			text = r.PostFormValue("text")
			mu.Unlock()
			_, _ = w.Write([]byte(`{"ok":true,"result":{"message_id":1,"date":0,"chat":{"id":42,"type":"private"},"text":"ok"}}`))
		default:
			_, _ = w.Write([]byte(`{"ok":false,"error_code":404,"description":"Not Found"}`))
		}
	}))
	defer srv.Close()

	s := NewTelegramSender("123:abc", srv.URL+"/bot%s/%s", srv.Client())
	if err := s.Send(context.Background(), "42", "wake up"); err != nil {
		t.Fatalf("send: %v", err)
	}
	mu.Lock()
	defer mu.Unlock()
	if chatID != "42" || text != "wake up" {
		t.Fatalf("sent chat=%q text=%q", chatID, text)
	}
}

func TestTelegramSender_RejectsBadTargets(t *testing.T) {
	s := NewTelegramSender("", "", nil)
	if err := s.Send(context.Background(), "", "m"); err != errEmptyTarget {
		t.Fatalf("blank target: got %v", err)
	}
	if err := s.Send(context.Background(), "@channel", "m"); err == nil {
		t.Fatal("expected non-numeric chat id to fail")
	}
	if err := s.Send(context.Background(), "42", "m"); err == nil || !strings.Contains(err.Error(), "missing bot token") {
		t.Fatalf("expected missing token error, got %v", err)
	}
}

func TestTelegramSender_ReturnsWhenContextEnds(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	t.Cleanup(srv.Close)
	t.Cleanup(func() { close(release) })

	s := NewTelegramSender("123:abc", srv.URL+"/bot%s/%s", nil)
	if s.client.Timeout != telegramTimeout {
		t.Fatalf("default client timeout = %v, want %v", s.client.Timeout, telegramTimeout)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	start := time.Now()
	err := s.Send(ctx, "42", "wake up")
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline error, got %v", err)
	}
	if waited := time.Since(start); waited > 2*time.Second {
		t.Fatalf("Send ignored the deadline, returned after %v", waited)
	}
}

func gatewayServer(t *testing.T, ack AckFrame, got chan<- WakeFrame) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer secret" {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer conn.CloseNow()
		var frame WakeFrame
		if err := wsjson.Read(r.Context(), conn, &frame); err != nil {
			return
		}
		got <- frame
		_ = wsjson.Write(r.Context(), conn, ack)
		_, _, _ = conn.Read(r.Context())
	}))
}

func TestGatewaySender_WritesFrameAndReadsAck(t *testing.T) {
	got := make(chan WakeFrame, 1)
	srv := gatewayServer(t, AckFrame{OK: true}, got)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	g := NewGatewaySender(url, "secret", 2*time.Second)
	if err := g.Send(context.Background(), "alpha", "check your queue"); err != nil {
		t.Fatalf("send: %v", err)
	}
	frame := <-got
	if frame.Type != "wake" || frame.Target != "alpha" || frame.Message != "check your queue" {
		t.Fatalf("frame = %+v", frame)
	}
}

func TestGatewaySender_RejectedAckFails(t *testing.T) {
	got := make(chan WakeFrame, 1)
	srv := gatewayServer(t, AckFrame{OK: false, Error: "unknown agent"}, got)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	err := NewGatewaySender(url, "secret", 2*time.Second).Send(context.Background(), "ghost", "m")
	if err == nil || !strings.Contains(err.Error(), "unknown agent") {
		t.Fatalf("expected rejection, got %v", err)
	}
	err = NewGatewaySender(url, "wrong", 2*time.Second).Send(context.Background(), "ghost", "m")
	if err == nil {
		t.Fatal("expected dial to fail without credentials")
	}
}

func TestBusSender_RequiresListener(t *testing.T) {
	b := bus.New()
	s := NewBusSender(b)
	if err := s.Send(context.Background(), "alpha", "m"); err == nil {
		t.Fatal("expected failure with no listener")
	}

	sub := b.Subscribe(bus.TopicAgentWake + ".alpha")
	defer b.Unsubscribe(sub)
	ctx := shared.WithAgentID(context.Background(), "alpha")
	if err := s.Send(ctx, "alpha", "wake"); err != nil {
		t.Fatalf("send: %v", err)
	}
	select {
	case ev := <-sub.Ch():
		wake, ok := ev.Payload.(bus.AgentWakeEvent)
		if !ok {
			t.Fatalf("payload type = %T", ev.Payload)
		}
		if wake.AgentID != "alpha" || wake.Message != "wake" {
			t.Fatalf("event = %+v", wake)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for wake event")
	}
}
