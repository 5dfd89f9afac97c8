package transcribe

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// fakeServer answers with a scripted reply or echoes the request line.
type fakeServer struct {
	id       int
	reply    func(ctx context.Context, line string) (string, error)
	inflight *atomic.Int32
	closed   atomic.Bool
}

func (f *fakeServer) Request(ctx context.Context, line string) (string, error) {
	if f.inflight != nil {
		if f.inflight.Add(1) > 1 {
			return "", errors.New("concurrent request")
		}
		defer f.inflight.Add(-1)
	}
	return f.reply(ctx, line)
}

func (f *fakeServer) Close() error {
	f.closed.Store(true)
	return nil
}

type fakeSpawner struct {
	mu      sync.Mutex
	servers []*fakeServer
	paths   []string
	replies []func(context.Context, string) (string, error)
	err     error
}

func echo(_ context.Context, line string) (string, error) {
	return "text:" + line, nil
}

func dead(context.Context, string) (string, error) {
	return "", io.EOF
}

func silent(context.Context, string) (string, error) {
	return "  ", nil
}

func (f *fakeSpawner) spawn(_ context.Context, modelPath string) (Server, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	reply := echo
	if n := len(f.servers); n < len(f.replies) {
		reply = f.replies[n]
	}
	server := &fakeServer{id: len(f.servers), reply: reply}
	f.servers = append(f.servers, server)
	f.paths = append(f.paths, modelPath)
	return server, nil
}

func (f *fakeSpawner) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.servers)
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func request(model string) Request {
	return Request{ModelID: model, ModelPath: "/models/" + model + ".bin", WAVPath: "/tmp/a.wav", Language: "en"}
}

func TestTranscribeSpawnsOnFirstUse(t *testing.T) {
	spawner := &fakeSpawner{}
	sup := New(spawner.spawn, quietLogger())

	text, err := sup.Transcribe(context.Background(), request("base"))
	if err != nil {
		t.Fatalf("transcribe: %v", err)
	}
	if text != "text:en\t/tmp/a.wav" {
		t.Fatalf("unexpected text %q", text)
	}
	if spawner.count() != 1 || spawner.paths[0] != "/models/base.bin" {
		t.Fatalf("expected one spawn for base model, got %v", spawner.paths)
	}

	if _, err := sup.Transcribe(context.Background(), request("base")); err != nil {
		t.Fatalf("second transcribe: %v", err)
	}
	if spawner.count() != 1 {
		t.Fatalf("expected server reuse, got %d spawns", spawner.count())
	}
}

func TestTranscribeRespawnsOnce(t *testing.T) {
	cases := map[string]func(context.Context, string) (string, error){
		"read error":     dead,
		"blank response": silent,
	}
	for name, first := range cases {
		t.Run(name, func(t *testing.T) {
			spawner := &fakeSpawner{replies: []func(context.Context, string) (string, error){first}}
			sup := New(spawner.spawn, quietLogger())

			text, err := sup.Transcribe(context.Background(), request("base"))
			if err != nil {
				t.Fatalf("expected recovery after respawn, got %v", err)
			}
			if !strings.HasPrefix(text, "text:") {
				t.Fatalf("unexpected text %q", text)
			}
			if spawner.count() != 2 {
				t.Fatalf("expected exactly 2 spawns, got %d", spawner.count())
			}
			if !spawner.servers[0].closed.Load() {
				t.Fatal("expected dead server closed")
			}
		})
	}
}

func TestTranscribeGivesUpAfterSecondFailure(t *testing.T) {
	spawner := &fakeSpawner{replies: []func(context.Context, string) (string, error){dead, dead}}
	sup := New(spawner.spawn, quietLogger())

	_, err := sup.Transcribe(context.Background(), request("base"))
	if !errors.Is(err, ErrProtocol) {
		t.Fatalf("expected ErrProtocol, got %v", err)
	}
	if spawner.count() != 2 {
		t.Fatalf("expected no third spawn, got %d", spawner.count())
	}
	if sup.ModelID() != "" {
		t.Fatalf("expected handle dropped after protocol error")
	}

	if _, err := sup.Transcribe(context.Background(), request("base")); err != nil {
		t.Fatalf("next request should start clean: %v", err)
	}
	if spawner.count() != 3 {
		t.Fatalf("expected fresh spawn for next request, got %d", spawner.count())
	}
}

func TestBlankRepliesReportEmptyResponse(t *testing.T) {
	spawner := &fakeSpawner{replies: []func(context.Context, string) (string, error){silent, silent}}
	sup := New(spawner.spawn, quietLogger())

	_, err := sup.Transcribe(context.Background(), request("base"))
	if !errors.Is(err, ErrProtocol) || !errors.Is(err, ErrEmptyResponse) {
		t.Fatalf("expected ErrProtocol wrapping ErrEmptyResponse, got %v", err)
	}
	if spawner.count() != 2 {
		t.Fatalf("expected one respawn, got %d spawns", spawner.count())
	}

	spawner = &fakeSpawner{replies: []func(context.Context, string) (string, error){dead, dead}}
	sup = New(spawner.spawn, quietLogger())
	if _, err := sup.Transcribe(context.Background(), request("base")); errors.Is(err, ErrEmptyResponse) {
		t.Fatalf("crashed server must not report an empty response: %v", err)
	}
}

func TestTranscribeSpawnFailure(t *testing.T) {
	spawner := &fakeSpawner{err: errors.New("exec: not found")}
	sup := New(spawner.spawn, quietLogger())

	if _, err := sup.Transcribe(context.Background(), request("base")); !errors.Is(err, ErrSpawn) {
		t.Fatalf("expected ErrSpawn, got %v", err)
	}
}

func TestTranscribeModelChangeRespawns(t *testing.T) {
	spawner := &fakeSpawner{}
	sup := New(spawner.spawn, quietLogger())

	if _, err := sup.Transcribe(context.Background(), request("base")); err != nil {
		t.Fatalf("transcribe base: %v", err)
	}
	if _, err := sup.Transcribe(context.Background(), request("small")); err != nil {
		t.Fatalf("transcribe small: %v", err)
	}
	if spawner.count() != 2 {
		t.Fatalf("expected respawn on model change, got %d spawns", spawner.count())
	}
	if !spawner.servers[0].closed.Load() {
		t.Fatal("expected old server closed on model change")
	}
	if sup.ModelID() != "small" {
		t.Fatalf("expected small model active, got %q", sup.ModelID())
	}
}

func TestTranscribeSerializesConcurrentCallers(t *testing.T) {
	var inflight atomic.Int32
	slowEcho := func(ctx context.Context, line string) (string, error) {
		time.Sleep(2 * time.Millisecond)
		return echo(ctx, line)
	}
	spawner := &fakeSpawner{replies: []func(context.Context, string) (string, error){slowEcho}}
	sup := New(func(ctx context.Context, path string) (Server, error) {
		server, err := spawner.spawn(ctx, path)
		if err == nil {
			server.(*fakeServer).inflight = &inflight
		}
		return server, err
	}, quietLogger())

	const callers = 16
	var wg sync.WaitGroup
	errs := make(chan error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			req := request("base")
			req.WAVPath = fmt.Sprintf("/tmp/%d.wav", i)
			text, err := sup.Transcribe(context.Background(), req)
			if err != nil {
				errs <- err
				return
			}
			if text != "text:en\t"+req.WAVPath {
				errs <- fmt.Errorf("caller %d got %q", i, text)
			}
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatal(err)
	}
	if spawner.count() != 1 {
		t.Fatalf("expected a single server, got %d", spawner.count())
	}
}

func TestTranscribeTimeoutIsTerminal(t *testing.T) {
	hang := func(ctx context.Context, _ string) (string, error) {
		<-ctx.Done()
		return "", ctx.Err()
	}
	spawner := &fakeSpawner{replies: []func(context.Context, string) (string, error){hang}}
	sup := New(spawner.spawn, quietLogger(), WithRequestTimeout(20*time.Millisecond))

	_, err := sup.Transcribe(context.Background(), request("base"))
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}
	if spawner.count() != 1 {
		t.Fatalf("timeouts must not respawn, got %d spawns", spawner.count())
	}
	if !spawner.servers[0].closed.Load() {
		t.Fatal("expected hung server closed")
	}
}

func TestPreload(t *testing.T) {
	spawner := &fakeSpawner{}
	sup := New(spawner.spawn, quietLogger())

	if err := sup.Preload(context.Background(), "base", "/models/base.bin"); err != nil {
		t.Fatalf("preload: %v", err)
	}
	if err := sup.Preload(context.Background(), "base", "/models/base.bin"); err != nil {
		t.Fatalf("second preload: %v", err)
	}
	if _, err := sup.Transcribe(context.Background(), request("base")); err != nil {
		t.Fatalf("transcribe: %v", err)
	}
	if spawner.count() != 1 {
		t.Fatalf("expected preloaded server reused, got %d spawns", spawner.count())
	}
}

func TestCloseStopsServer(t *testing.T) {
	spawner := &fakeSpawner{}
	sup := New(spawner.spawn, quietLogger())
	if _, err := sup.Transcribe(context.Background(), request("base")); err != nil {
		t.Fatalf("transcribe: %v", err)
	}
	if err := sup.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if !spawner.servers[0].closed.Load() {
		t.Fatal("expected server closed")
	}
	if _, err := sup.Transcribe(context.Background(), request("base")); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
	if err := sup.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
}
