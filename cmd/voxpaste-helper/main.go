// voxpaste-helper is spawned by voxpasted. It watches the keyboard for the
// push-to-talk hotkey, streams microphone audio to the recognizer, and
// speaks the line protocol on stdin/stdout. Logs go to stderr, which the
// daemon forwards into its own log.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"voxpaste/internal/config"
	"voxpaste/internal/helper"
	"voxpaste/internal/hotkey"
	"voxpaste/internal/ipc"
	"voxpaste/internal/logging"
	"voxpaste/internal/speech"
)

func main() {
	configPath := flag.String("config", "", "Configuration file")
	flag.Parse()

	path := *configPath
	if path == "" {
		path = config.FindConfigFile()
	}
	cfg, err := config.Load(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}

	logCfg, err := cfg.Logging.LoggerConfig("voxpaste-helper")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	// stdout carries the protocol.
	logCfg.Output = "stderr"
	logger, err := logging.New(logCfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	defer logger.Close()
	log := logger.Logger

	binding, err := hotkey.Parse(cfg.Hotkey.Trigger)
	if err != nil {
		log.Warn("invalid hotkey in config, using default", "hotkey", cfg.Hotkey.Trigger, "error", err)
		binding = hotkey.Default
	}

	apiKey := os.Getenv(cfg.Speech.APIKeyEnv)
	recognizer := speech.NewDeepgram(speech.DeepgramConfig{
		APIKey:      apiKey,
		Endpoint:    cfg.Speech.Endpoint,
		Model:       cfg.Speech.Model,
		Language:    cfg.Speech.Language,
		SampleRate:  cfg.Speech.SampleRate,
		Channels:    cfg.Speech.Channels,
		SmartFormat: true,
	})
	capture := speech.NewFFmpegCapture(speech.FFmpegConfig{
		Command:     cfg.Speech.RecorderCommand,
		InputFormat: cfg.Speech.InputFormat,
		InputDevice: cfg.Speech.InputDevice,
		SampleRate:  cfg.Speech.SampleRate,
		Channels:    cfg.Speech.Channels,
	})
	engineOpts := speech.DefaultOptions
	engineOpts.StopGrace = cfg.Speech.StopGrace()
	engineOpts.LevelInterval = cfg.Speech.LevelInterval()

	source := hotkey.NewSource(logger.WithComponent("keyboard").Logger)
	prober := helper.SystemProber{
		Recorder:  cfg.Speech.RecorderCommand,
		HasAPIKey: apiKey != "",
	}
	if a, ok := source.(helper.Availability); ok {
		prober.Keyboard = a
	}

	link := ipc.NewHelperLink(os.Stdin, os.Stdout, logger.WithComponent("protocol").Logger)
	rt := helper.New(link, helper.Options{
		Binding: binding,
		NewEngine: func(sink speech.Sink) speech.Engine {
			return speech.NewStreamEngine(capture, recognizer, sink, nil, engineOpts, logger.WithComponent("speech").Logger)
		},
		Prober: &prober,
	}, log)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	log.Info("helper started", "hotkey", binding.String(), "pid", os.Getpid())
	if err := rt.Run(ctx, source); err != nil {
		log.Error("helper stopped", "error", err)
		logger.Close()
		os.Exit(1)
	}
}
