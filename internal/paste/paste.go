// Package paste puts transcripts into the focused application: the text is
// written to the clipboard and a paste keystroke is synthesized.
package paste

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"runtime"
	"sync"
	"time"

	"github.com/atotto/clipboard"
	"github.com/mattn/go-shellwords"
	"github.com/micmonay/keybd_event"

	"github.com/loqalabs/loqa-dictate/internal/config"
)

const (
	ModeAuto      = "auto"
	ModeClipboard = "clipboard"
	ModeDisabled  = "disabled"
)

// waylandFallbacks are tried when the configured keystroke tool cannot run.
var waylandFallbacks = [][]string{
	{"wtype", "-M", "ctrl", "-M", "shift", "-k", "v", "-m", "shift", "-m", "ctrl"},
	{"wtype", "-M", "shift", "-k", "Insert", "-m", "shift"},
}

type Paster struct {
	mode       string
	waylandCmd []string
	settle     time.Duration
	log        *slog.Logger

	writeClipboard func(string) error
	runCommand     func(ctx context.Context, argv []string) error
	sendCtrlV      func() error
	isWayland      func() bool
}

func New(cfg config.PasteConfig, log *slog.Logger) (*Paster, error) {
	var waylandCmd []string
	if cfg.WaylandCommand != "" {
		args, err := shellwords.NewParser().Parse(cfg.WaylandCommand)
		if err != nil {
			return nil, fmt.Errorf("parse paste.wayland_command: %w", err)
		}
		waylandCmd = args
	}
	keys := &keyboard{}
	return &Paster{
		mode:           cfg.Mode,
		waylandCmd:     waylandCmd,
		settle:         time.Duration(cfg.SettleDelayMS) * time.Millisecond,
		log:            log.With(slog.String("component", "paste")),
		writeClipboard: clipboard.WriteAll,
		runCommand:     runCommand,
		sendCtrlV:      keys.ctrlV,
		isWayland:      waylandSession,
	}, nil
}

// Paste writes text to the clipboard and, in auto mode, sends the paste
// keystroke to the focused window.
func (p *Paster) Paste(ctx context.Context, text string) error {
	if p.mode == ModeDisabled || text == "" {
		return nil
	}
	if err := p.writeClipboard(text); err != nil {
		return fmt.Errorf("write clipboard: %w", err)
	}
	if p.mode == ModeClipboard {
		return nil
	}

	if p.settle > 0 {
		timer := time.NewTimer(p.settle)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}

	if p.isWayland() {
		return p.pasteWayland(ctx)
	}
	if err := p.sendCtrlV(); err != nil {
		return fmt.Errorf("send paste keystroke: %w", err)
	}
	return nil
}

func (p *Paster) pasteWayland(ctx context.Context) error {
	candidates := waylandFallbacks
	if len(p.waylandCmd) > 0 {
		candidates = append([][]string{p.waylandCmd}, waylandFallbacks...)
	}
	var errs []error
	for _, argv := range candidates {
		err := p.runCommand(ctx, argv)
		if err == nil {
			return nil
		}
		p.log.Debug("paste command failed", slog.String("command", argv[0]), slog.String("error", err.Error()))
		errs = append(errs, err)
	}
	return fmt.Errorf("wayland paste: %w", errors.Join(errs...))
}

func runCommand(ctx context.Context, argv []string) error {
	out, err := exec.CommandContext(ctx, argv[0], argv[1:]...).CombinedOutput()
	if err != nil {
		return fmt.Errorf("%s: %w: %s", argv[0], err, out)
	}
	return nil
}

func waylandSession() bool {
	return os.Getenv("WAYLAND_DISPLAY") != "" || os.Getenv("XDG_SESSION_TYPE") == "wayland"
}

// keyboard creates the virtual keyboard on first use. On Linux the uinput
// device needs time to register before the first event.
type keyboard struct {
	once sync.Once
	kb   keybd_event.KeyBonding
	err  error
}

func (k *keyboard) ctrlV() error {
	k.once.Do(func() {
		k.kb, k.err = keybd_event.NewKeyBonding()
		if k.err == nil && runtime.GOOS == "linux" {
			time.Sleep(2 * time.Second)
		}
	})
	if k.err != nil {
		return k.err
	}
	k.kb.Clear()
	k.kb.HasCTRL(true)
	k.kb.SetKeys(keybd_event.VK_V)
	return k.kb.Launching()
}
