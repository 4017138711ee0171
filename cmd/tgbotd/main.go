package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pheq/tgbotd/pkg/command"
	"github.com/pheq/tgbotd/pkg/config"
	"github.com/pheq/tgbotd/pkg/engine"
	"github.com/pheq/tgbotd/pkg/handlers"
	"github.com/pheq/tgbotd/pkg/logger"
	"github.com/pheq/tgbotd/pkg/source"
)

const helpText = "Simple telegram bot that echos what you've just said, after it thinks for a bit."

func main() {
	configPath := flag.String("config", config.DefaultConfigPath(), "path to config file")
	sendMsg := flag.String("send", "", "send a single message to the first allowlisted chat, then exit")
	debug := flag.Bool("debug", false, "enable debug logging")
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	if *debug {
		logger.SetLevel(logger.DEBUG)
	}
	if cfg.Logging.FileEnabled {
		if err := logger.EnableFileLogging(cfg.Logging.FilePath, cfg.Logging.RotationEnabled, cfg.Logging.MaxSizeMB, cfg.Logging.MaxAgeDays); err != nil {
			logger.WarnCF("main", "File logging unavailable", map[string]interface{}{
				"error": err.Error(),
			})
		}
	}

	if err := cfg.Validate(); err != nil {
		logger.Fatal(fmt.Sprintf("Invalid config: %v", err))
	}

	src, err := source.NewTelegramSource(source.TelegramOptions{
		Token:       cfg.Telegram.Token,
		Proxy:       cfg.Telegram.Proxy,
		PollTimeout: cfg.PollTimeout(),
	})
	if err != nil {
		logger.Fatal(fmt.Sprintf("Failed to connect to Telegram: %v", err))
	}

	if *sendMsg != "" {
		singleSend(src, cfg, *sendMsg)
		return
	}

	eng, err := engine.New(cfg, src)
	if err != nil {
		logger.Fatal(fmt.Sprintf("Failed to build engine: %v", err))
	}

	echo := handlers.NewEchoBot()
	reg := eng.Commands()
	mustRegister(reg, "/help", handlers.NewHelpHandler(reg, helpText))
	mustRegister(reg, "/change", command.HandlerFunc(echo.Change))
	eng.SetFallback(command.HandlerFunc(echo.Echo))

	if err := eng.Start(context.Background()); err != nil {
		logger.Fatal(fmt.Sprintf("Failed to start: %v", err))
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh

	logger.InfoCF("main", "Shutting down", map[string]interface{}{
		"signal": sig.String(),
	})
	if err := eng.Shutdown(cfg.ShutdownDeadline()); err != nil {
		logger.ErrorCF("main", "Shutdown error", map[string]interface{}{
			"error": err.Error(),
		})
	}
}

// singleSend delivers one message and exits, without starting the engine.
func singleSend(src *source.TelegramSource, cfg *config.Config, text string) {
	defer src.Close()

	if len(cfg.Telegram.AllowFrom) == 0 {
		logger.Fatal("No allowlisted chats configured; cannot pick a recipient")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	chatID := cfg.Telegram.AllowFrom[0]
	if err := src.Send(ctx, chatID, text); err != nil {
		logger.Fatal(fmt.Sprintf("Send failed: %v", err))
	}
	logger.InfoCF("main", "Message sent", map[string]interface{}{
		"chat_id": chatID,
	})
}

func mustRegister(reg *command.Registry, name string, h command.Handler) {
	if err := reg.Register(name, h); err != nil {
		logger.Fatal(fmt.Sprintf("Command registration failed: %v", err))
	}
}
