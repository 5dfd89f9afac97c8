// Package bus connects the dictation daemon to NATS: it publishes lifecycle
// events and serves toggle requests from hotkey listeners.
package bus

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/loqalabs/loqa-dictate/internal/config"
)

var ErrNoServers = errors.New("no NATS servers configured")

// Client owns the NATS connection. Publishing while disconnected is
// buffered by nats.go and flushed on reconnect.
type Client struct {
	conn *nats.Conn
	js   nats.JetStreamContext
	log  *slog.Logger

	reconnects atomic.Int64
}

func Connect(ctx context.Context, cfg config.BusConfig, log *slog.Logger) (*Client, error) {
	if len(cfg.Servers) == 0 {
		return nil, ErrNoServers
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	c := &Client{log: log}
	url := strings.Join(cfg.Servers, ",")
	conn, err := nats.Connect(url, c.options(cfg)...)
	if err != nil {
		return nil, fmt.Errorf("connect to nats: %w", err)
	}

	js, err := conn.JetStream()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("create jetstream context: %w", err)
	}
	c.conn = conn
	c.js = js

	log.Info("connected to NATS", slog.String("servers", url), slog.String("server_id", conn.ConnectedServerId()))
	return c, nil
}

func (c *Client) options(cfg config.BusConfig) []nats.Option {
	opts := []nats.Option{
		nats.Name("loqa-dictate"),
		nats.Timeout(time.Duration(cfg.ConnectTimeout) * time.Millisecond),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(time.Duration(cfg.ReconnectWaitMS) * time.Millisecond),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				c.log.Warn("NATS disconnected", slog.String("error", err.Error()))
			}
		}),
		nats.ReconnectHandler(func(conn *nats.Conn) {
			c.reconnects.Add(1)
			c.log.Info("NATS reconnected", slog.String("url", conn.ConnectedUrl()))
		}),
		nats.ClosedHandler(func(*nats.Conn) {
			c.log.Info("NATS connection closed")
		}),
		nats.ErrorHandler(func(_ *nats.Conn, sub *nats.Subscription, err error) {
			attrs := []any{slog.String("error", err.Error())}
			if sub != nil {
				attrs = append(attrs, slog.String("subject", sub.Subject))
			}
			c.log.Warn("NATS async error", attrs...)
		}),
	}
	if cfg.Username != "" || cfg.Password != "" {
		opts = append(opts, nats.UserInfo(cfg.Username, cfg.Password))
	}
	if cfg.Token != "" {
		opts = append(opts, nats.Token(cfg.Token))
	}
	if cfg.TLSInsecure {
		opts = append(opts, nats.Secure(&tls.Config{InsecureSkipVerify: true}))
	}
	return opts
}

// Close drains subscriptions and pending publishes before closing.
func (c *Client) Close() {
	if c == nil || c.conn == nil {
		return
	}
	if err := c.conn.Drain(); err != nil {
		c.log.Warn("NATS drain failed", slog.String("error", err.Error()))
		c.conn.Close()
	}
}

// Healthy reports whether the connection is currently usable. Readiness
// follows it.
func (c *Client) Healthy() bool {
	return c != nil && c.conn != nil && c.conn.Status() == nats.CONNECTED
}

// Reconnects counts reconnections since Connect.
func (c *Client) Reconnects() int64 {
	return c.reconnects.Load()
}

func (c *Client) JetStream() nats.JetStreamContext {
	return c.js
}

func (c *Client) Conn() *nats.Conn {
	return c.conn
}

func (c *Client) Logger() *slog.Logger {
	return c.log
}
