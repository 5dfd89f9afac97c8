// Package natsserver runs an in-process NATS server so hotkey helpers and
// indicators can reach the daemon without a separate broker install.
package natsserver

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats-server/v2/server"

	"github.com/loqalabs/loqa-dictate/internal/config"
)

const (
	readyTimeout = 5 * time.Second

	// Results are small JSON documents; these bounds keep a desktop
	// install from growing without limit.
	maxMemoryStore = 16 << 20
	maxFileStore   = 256 << 20
)

var ErrNotReady = errors.New("embedded NATS server not ready")

// EmbeddedServer is a loopback-only NATS server with JetStream.
type EmbeddedServer struct {
	ns  *server.Server
	log *slog.Logger
}

// Start returns nil, nil when cfg does not ask for an embedded server.
func Start(cfg config.BusConfig, log *slog.Logger) (*EmbeddedServer, error) {
	if !cfg.Embedded {
		return nil, nil
	}

	ns, err := server.NewServer(options(cfg))
	if err != nil {
		return nil, fmt.Errorf("create embedded NATS server: %w", err)
	}
	ns.SetLoggerV2(&slogAdapter{log: log}, false, false, false)

	go ns.Start()

	if !ns.ReadyForConnections(readyTimeout) {
		ns.Shutdown()
		return nil, fmt.Errorf("%w after %s", ErrNotReady, readyTimeout)
	}

	log.Info("embedded NATS server started",
		slog.String("url", ns.ClientURL()),
		slog.String("store_dir", cfg.StoreDir))

	return &EmbeddedServer{ns: ns, log: log}, nil
}

func options(cfg config.BusConfig) *server.Options {
	opts := &server.Options{
		ServerName:         "loqa-dictate",
		Host:               "127.0.0.1",
		Port:               cfg.Port,
		JetStream:          true,
		JetStreamMaxMemory: maxMemoryStore,
		JetStreamMaxStore:  maxFileStore,
		StoreDir:           cfg.StoreDir,
		NoSigs:             true,
	}
	// The server accepts either user credentials or a token, not both.
	if cfg.Username != "" {
		opts.Username = cfg.Username
		opts.Password = cfg.Password
	} else if cfg.Token != "" {
		opts.Authorization = cfg.Token
	}
	return opts
}

func (e *EmbeddedServer) ClientURL() string {
	return e.ns.ClientURL()
}

// Shutdown stops the server and waits for it to exit.
func (e *EmbeddedServer) Shutdown() {
	if e == nil || e.ns == nil {
		return
	}
	e.log.Info("shutting down embedded NATS server")
	e.ns.Shutdown()
	e.ns.WaitForShutdown()
}

// slogAdapter routes nats-server logging into the daemon's logger.
type slogAdapter struct {
	log *slog.Logger
}

func (a *slogAdapter) Noticef(format string, v ...any) { a.log.Info(fmt.Sprintf(format, v...)) }
func (a *slogAdapter) Warnf(format string, v ...any)   { a.log.Warn(fmt.Sprintf(format, v...)) }
func (a *slogAdapter) Errorf(format string, v ...any)  { a.log.Error(fmt.Sprintf(format, v...)) }
func (a *slogAdapter) Fatalf(format string, v ...any)  { a.log.Error(fmt.Sprintf(format, v...)) }
func (a *slogAdapter) Debugf(format string, v ...any)  { a.log.Debug(fmt.Sprintf(format, v...)) }
func (a *slogAdapter) Tracef(format string, v ...any)  { a.log.Debug(fmt.Sprintf(format, v...)) }
