package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/loqalabs/loqa-dictate/internal/protocol"
)

// ToggleFunc flips dictation and returns the resulting status, plus the
// transcript when the toggle ended a recording.
type ToggleFunc func(ctx context.Context) (protocol.Status, string, error)

// ToggleListener serves protocol.SubjectToggle. Requests are handled one at
// a time in arrival order.
type ToggleListener struct {
	client  *Client
	toggle  ToggleFunc
	timeout time.Duration
	log     *slog.Logger
	sub     *nats.Subscription
}

func NewToggleListener(client *Client, toggle ToggleFunc, timeout time.Duration) *ToggleListener {
	return &ToggleListener{
		client:  client,
		toggle:  toggle,
		timeout: timeout,
		log:     client.Logger().With(slog.String("component", "toggle-listener")),
	}
}

func (l *ToggleListener) Start(ctx context.Context) error {
	sub, err := l.client.Conn().Subscribe(protocol.SubjectToggle, func(msg *nats.Msg) {
		l.handle(ctx, msg)
	})
	if err != nil {
		return fmt.Errorf("subscribe toggle: %w", err)
	}
	l.sub = sub
	return nil
}

func (l *ToggleListener) Close() {
	if l.sub != nil {
		_ = l.sub.Drain()
	}
}

func (l *ToggleListener) handle(parent context.Context, msg *nats.Msg) {
	var req protocol.ToggleRequest
	if len(msg.Data) > 0 {
		if err := json.Unmarshal(msg.Data, &req); err != nil {
			l.log.Warn("failed to decode toggle request", slog.String("error", err.Error()))
			return
		}
	}

	ctx := parent
	if l.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(parent, l.timeout)
		defer cancel()
	}
	status, text, err := l.toggle(ctx)
	reply := protocol.ToggleReply{Status: status, Text: text}
	if err != nil {
		reply.Error = err.Error()
		l.log.Warn("toggle failed", slog.String("source", req.Source), slog.String("error", err.Error()))
	}

	if msg.Reply == "" {
		return
	}
	data, err := json.Marshal(reply)
	if err != nil {
		l.log.Warn("failed to encode toggle reply", slog.String("error", err.Error()))
		return
	}
	if err := msg.Respond(data); err != nil {
		l.log.Warn("failed to send toggle reply", slog.String("error", err.Error()))
	}
}
