package natsserver

import (
	"io"
	"log/slog"
	"testing"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"

	"github.com/loqalabs/loqa-dictate/internal/config"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestStartDisabled(t *testing.T) {
	srv, err := Start(config.BusConfig{Embedded: false}, quietLogger())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if srv != nil {
		t.Fatal("expected no server when embedded mode is off")
	}
	srv.Shutdown()
}

func TestStartServesClients(t *testing.T) {
	srv, err := Start(config.BusConfig{
		Embedded: true,
		Port:     server.RANDOM_PORT,
		StoreDir: t.TempDir(),
	}, quietLogger())
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	defer srv.Shutdown()

	nc, err := nats.Connect(srv.ClientURL())
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer nc.Close()

	js, err := nc.JetStream()
	if err != nil {
		t.Fatalf("jetstream: %v", err)
	}
	if _, err := js.AccountInfo(); err != nil {
		t.Fatalf("expected jetstream enabled: %v", err)
	}
}

func TestStartRequiresToken(t *testing.T) {
	srv, err := Start(config.BusConfig{
		Embedded: true,
		Port:     server.RANDOM_PORT,
		StoreDir: t.TempDir(),
		Token:    "s3cret",
	}, quietLogger())
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	defer srv.Shutdown()

	if nc, err := nats.Connect(srv.ClientURL()); err == nil {
		nc.Close()
		t.Fatal("expected connection without token to be rejected")
	}
	nc, err := nats.Connect(srv.ClientURL(), nats.Token("s3cret"))
	if err != nil {
		t.Fatalf("connect with token: %v", err)
	}
	nc.Close()
}
