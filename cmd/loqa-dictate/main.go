package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/loqalabs/loqa-dictate/internal/config"
	"github.com/loqalabs/loqa-dictate/internal/runtime"
	"github.com/loqalabs/loqa-dictate/internal/stt"
)

func main() {
	var (
		configPath  string
		showVersion bool
		serverMode  bool
		modelPath   string
	)

	flag.StringVar(&configPath, "config", "", "Path to configuration file (defaults apply when empty)")
	flag.BoolVar(&showVersion, "version", false, "Print version and exit")
	flag.BoolVar(&serverMode, "transcribe-server", false, "Run as a transcription server on stdin/stdout")
	flag.StringVar(&modelPath, "model", "", "Model file loaded in transcription server mode")
	flag.Parse()

	if showVersion {
		fmt.Printf("%s (whisper=%t)\n", runtime.Version, stt.WhisperSupported)
		return
	}

	if serverMode {
		os.Exit(runServer(configPath, modelPath))
	}

	cfg, err := config.Load(configPath)
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel(cfg.Telemetry.LogLevel)}))
	if err != nil {
		logger.Error("failed to load config", slog.String("error", err.Error()))
		os.Exit(1)
	}

	rt := runtime.New(cfg, configPath, logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := rt.Start(ctx); err != nil {
		logger.Error("runtime exited with error", slog.String("error", err.Error()))
		time.Sleep(1 * time.Second)
		os.Exit(1)
	}

	logger.Info("shutdown complete")
}

// runServer is the child side of the transcription supervisor. Stdout
// carries the protocol, so logs go to stderr where the parent collects them.
func runServer(configPath, modelPath string) int {
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	cfg, err := config.Load(configPath)
	if err != nil {
		logger.Error("failed to load config", slog.String("error", err.Error()))
		return 1
	}
	logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel(cfg.Telemetry.LogLevel)}))

	engine, err := stt.NewEngine(cfg.STT, modelPath)
	if err != nil {
		logger.Error("failed to create stt engine", slog.String("engine", cfg.STT.Engine), slog.String("error", err.Error()))
		return 1
	}
	defer engine.Close()

	// The parent closes stdin to stop us; signals only cut a request short.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM)
	defer stop()

	logger.Info("transcription server ready", slog.String("engine", cfg.STT.Engine), slog.String("model", modelPath))
	if err := stt.Serve(ctx, engine, cfg.STT.DefaultLanguage, os.Stdin, os.Stdout, logger); err != nil {
		logger.Error("transcription server stopped", slog.String("error", err.Error()))
		return 1
	}
	return 0
}

func logLevel(name string) slog.Level {
	var level slog.Level
	if err := level.UnmarshalText([]byte(name)); err != nil {
		return slog.LevelInfo
	}
	return level
}
