package channels

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
)

// GatewaySender delivers silent wakes to an agent runtime over its
// websocket gateway: one connection per wake, one frame out, one ack back.
// Targets are the agent's id on the gateway.
type GatewaySender struct {
	url     string
	token   string
	timeout time.Duration
}

// WakeFrame is the JSON frame written to the gateway.
type WakeFrame struct {
	Type    string    `json:"type"`
	Target  string    `json:"target"`
	Message string    `json:"message"`
	SentAt  time.Time `json:"sent_at"`
}

// AckFrame is the gateway's reply.
type AckFrame struct {
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}

// NewGatewaySender creates a sender for a ws:// or wss:// URL. token, when
// set, is sent as a bearer Authorization header.
func NewGatewaySender(url, token string, timeout time.Duration) *GatewaySender {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &GatewaySender{url: url, token: token, timeout: timeout}
}

func (g *GatewaySender) Name() string {
	return "gateway"
}

func (g *GatewaySender) Send(ctx context.Context, target, message string) error {
	if strings.TrimSpace(target) == "" {
		return errEmptyTarget
	}
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	opts := &websocket.DialOptions{}
	if g.token != "" {
		opts.HTTPHeader = http.Header{"Authorization": []string{"Bearer " + g.token}}
	}
	conn, _, err := websocket.Dial(ctx, g.url, opts)
	if err != nil {
		return fmt.Errorf("gateway dial: %w", err)
	}
	defer conn.CloseNow()

	frame := WakeFrame{Type: "wake", Target: target, Message: message, SentAt: time.Now().UTC()}
	if err := wsjson.Write(ctx, conn, frame); err != nil {
		return fmt.Errorf("gateway write: %w", err)
	}
	var ack AckFrame
	if err := wsjson.Read(ctx, conn, &ack); err != nil {
		return fmt.Errorf("gateway read ack: %w", err)
	}
	if !ack.OK {
		return fmt.Errorf("gateway rejected wake: %s", ack.Error)
	}
	_ = conn.Close(websocket.StatusNormalClosure, "bye")
	return nil
}
