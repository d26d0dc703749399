// injectd delivers speech-transcription text into the focused application.
//
// It buffers transcript fragments until the speaker pauses, then pushes the
// utterance through an ordered cascade of injection methods (accessibility
// insert, clipboard paste, virtual keyboard, desktop portal), adapting the
// order to what actually works for each application. Clients talk to it over
// a Unix socket; injectctl is the bundled CLI.
package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"injectd/internal/config"
	"injectd/internal/logging"
)

const version = "0.1.0"

func main() {
	configPath := flag.String("config", "", "path to config file")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println("injectd", version)
		return
	}

	loader := config.NewLoader(*configPath)
	cfg, err := loader.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "injectd: load config: %v\n", err)
		os.Exit(1)
	}

	logger, err := buildLogger(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "injectd: logging setup: %v\n", err)
		os.Exit(1)
	}
	logging.SetDefault(logger)
	defer logger.Close()

	if err := cfg.EnsureDirectories(); err != nil {
		logger.Error("create directories", "error", err)
		os.Exit(1)
	}

	daemon, err := newDaemon(cfg, loader, logger)
	if err != nil {
		logger.Error("daemon setup failed", "error", err)
		os.Exit(1)
	}

	if err := daemon.Start(); err != nil {
		logger.Error("daemon start failed", "error", err)
		os.Exit(1)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info("signal received, shutting down", "signal", sig.String())
	case <-daemon.Done():
		logger.Info("shutdown requested over ipc")
	}

	if err := daemon.Stop(); err != nil {
		logger.Error("shutdown error", "error", err)
		os.Exit(1)
	}
}

func buildLogger(cfg *config.Config) (*logging.Logger, error) {
	level, err := logging.ParseLevel(cfg.Logging.Level)
	if err != nil {
		return nil, err
	}
	format, err := logging.ParseFormat(cfg.Logging.Format)
	if err != nil {
		return nil, err
	}
	lc := logging.DefaultConfig()
	lc.Level = level
	lc.Format = format
	lc.Output = cfg.Logging.Output
	if cfg.Logging.FilePath != "" {
		lc.FilePath = cfg.Logging.FilePath
	}
	return logging.New(lc)
}
