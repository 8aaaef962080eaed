// Command voicewire-console is an interactive console for a realtime voice
// session: push-to-talk or server-driven capture, live transcript, event log,
// and a local transcript archive.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/arkenza/voicewire/pkg/audio/capture"
	"github.com/arkenza/voicewire/pkg/audio/playback"
	"github.com/arkenza/voicewire/pkg/config"
	"github.com/arkenza/voicewire/pkg/history"
	"github.com/arkenza/voicewire/pkg/realtime/conversation"
	"github.com/arkenza/voicewire/pkg/realtime/session"
	"github.com/arkenza/voicewire/pkg/realtime/tools"
)

func main() {
	envFile := flag.String("env", ".env", "env file to load before reading configuration")
	exportDir := flag.String("export-dir", "", "directory for completed-item WAV exports (empty disables)")
	verbose := flag.Bool("v", false, "debug logging")
	flag.Parse()

	if err := godotenv.Load(*envFile); err != nil && !os.IsNotExist(err) {
		fmt.Fprintf(os.Stderr, "load %s: %v\n", *envFile, err)
		os.Exit(1)
	}

	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	cfg, err := config.LoadFromEnv()
	if err != nil {
		logger.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	if err := run(cfg, logger, *exportDir); err != nil {
		logger.Error("console exited", "error", err)
		os.Exit(1)
	}
}

func run(cfg config.Config, logger *slog.Logger, exportDir string) error {
	var archive *history.Archive
	if cfg.HistoryPath != "" {
		var err error
		archive, err = history.Open(cfg.HistoryPath, logger)
		if err != nil {
			return err
		}
		defer archive.Close()
	}

	registry := tools.NewRegistry()
	if err := registry.Register(tools.Func("notify", "Show a short notification to the user",
		func(ctx context.Context, input struct {
			Message string `json:"message" desc:"Text to display to the user"`
		}) (string, error) {
			fmt.Printf("\n[notify] %s\n> ", input.Message)
			return "shown", nil
		},
	)); err != nil {
		return err
	}

	sessCfg := session.Config{
		Instructions:       cfg.Instructions,
		StartingPrompt:     cfg.StartingPrompt,
		Voice:              cfg.Voice,
		TranscriptionModel: cfg.TranscriptionModel,
		TurnDetection:      cfg.TurnDetection,
		AudioIn:            cfg.AudioFormat(),
		AudioOut:           cfg.AudioFormat(),
		Logger:             logger,
	}
	if exportDir != "" {
		if err := os.MkdirAll(exportDir, 0o755); err != nil {
			return err
		}
		sessCfg.OnItemAudio = func(itemID string, wav []byte) {
			path := filepath.Join(exportDir, itemID+".wav")
			if err := os.WriteFile(path, wav, 0o644); err != nil {
				logger.Warn("export item audio", "item_id", itemID, "error", err)
			}
		}
	}

	ctrl, err := session.New(sessCfg, session.Deps{
		Dial:          session.WebSocketDialer(cfg.Endpoint, cfg.APIKey),
		CaptureDevice: func() capture.Device { return capture.NewMalgoDevice(cfg.SampleRateHz, cfg.Channels) },
		Output:        func() playback.Output { return playback.NewOtoOutput(cfg.SampleRateHz, cfg.Channels) },
		Tools:         registry,
	})
	if err != nil {
		return err
	}
	defer ctrl.Close()

	fmt.Println("voicewire console. Commands: connect, disconnect, start, end, mode <manual|server_vad>, items, events, delete <id>, history, quit")
	scanner := bufio.NewScanner(os.Stdin)
	startedAt := time.Now()

	for {
		fmt.Print("> ")
		if !scanner.Scan() {
			break
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		fields := strings.Fields(line)
		cmd, args := fields[0], fields[1:]

		switch cmd {
		case "connect":
			startedAt = time.Now()
			if err := ctrl.Connect(context.Background()); err != nil {
				fmt.Println("connect failed:", err)
				continue
			}
			fmt.Println("connected,", ctrl.Mode(), "mode")
		case "disconnect":
			saveTranscript(ctrl, archive, startedAt, logger)
			if err := ctrl.Disconnect(); err != nil {
				fmt.Println("disconnect failed:", err)
			}
		case "start":
			if err := ctrl.StartTurn(); err != nil {
				fmt.Println("start failed:", err)
				continue
			}
			fmt.Println("recording; run 'end' when done speaking")
		case "end":
			if err := ctrl.EndTurn(); err != nil {
				fmt.Println("end failed:", err)
			}
		case "mode":
			if len(args) != 1 {
				fmt.Println("usage: mode <manual|server_vad>")
				continue
			}
			if err := ctrl.SetTurnDetectionMode(args[0]); err != nil {
				fmt.Println("mode failed:", err)
			}
		case "items":
			printItems(ctrl)
		case "events":
			printEvents(ctrl)
		case "delete":
			if len(args) != 1 {
				fmt.Println("usage: delete <item-id>")
				continue
			}
			if err := ctrl.DeleteItem(args[0]); err != nil {
				fmt.Println("delete failed:", err)
			}
		case "history":
			printHistory(archive)
		case "quit", "exit":
			saveTranscript(ctrl, archive, startedAt, logger)
			return ctrl.Disconnect()
		default:
			fmt.Println("unknown command:", cmd)
		}
	}
	saveTranscript(ctrl, archive, startedAt, logger)
	return scanner.Err()
}

func saveTranscript(ctrl *session.Controller, archive *history.Archive, startedAt time.Time, logger *slog.Logger) {
	if archive == nil || !ctrl.IsConnected() {
		return
	}
	items := ctrl.Items()
	if len(items) == 0 {
		return
	}
	id := ctrl.SessionID()
	if id == "" {
		id = fmt.Sprintf("session_%d", startedAt.Unix())
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := archive.Save(ctx, id, startedAt, ctrl.Mode(), items); err != nil {
		logger.Warn("archive transcript", "error", err)
	}
}

func printItems(ctrl *session.Controller) {
	items := ctrl.Items()
	if len(items) == 0 {
		fmt.Println("(no items)")
		return
	}
	for _, item := range items {
		marker := " "
		if item.Status != conversation.StatusCompleted {
			marker = "*"
		}
		fmt.Printf("%s [%s] %-9s %s\n", marker, item.ID, item.Role, item.Text)
	}
}

func printEvents(ctrl *session.Controller) {
	view := ctrl.EventLog().Coalesced()
	if len(view) == 0 {
		fmt.Println("(no events)")
		return
	}
	for _, ev := range view {
		repeat := ""
		if ev.Count > 1 {
			repeat = fmt.Sprintf(" x%d", ev.Count)
		}
		fmt.Printf("%8s  %-6s %s%s\n", ev.Offset.Truncate(time.Millisecond), ev.Source, ev.Type, repeat)
	}
}

func printHistory(archive *history.Archive) {
	if archive == nil {
		fmt.Println("history is disabled")
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	entries, err := archive.List(ctx)
	if err != nil {
		fmt.Println("history failed:", err)
		return
	}
	if len(entries) == 0 {
		fmt.Println("(no archived sessions)")
		return
	}
	for _, e := range entries {
		fmt.Printf("%s  %s  %s  %d items\n", e.ID, e.StartedAt.Format(time.RFC3339), e.Mode, e.ItemCount)
	}
}
