package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/pocketbotio/pocketbot/pkg/ai"
	"github.com/pocketbotio/pocketbot/pkg/attachments"
	"github.com/pocketbotio/pocketbot/pkg/channels"
	"github.com/pocketbotio/pocketbot/pkg/config"
	"github.com/pocketbotio/pocketbot/pkg/dispatch"
	"github.com/pocketbotio/pocketbot/pkg/gateway"
	"github.com/pocketbotio/pocketbot/pkg/logger"
	"github.com/pocketbotio/pocketbot/pkg/media"
	"github.com/pocketbotio/pocketbot/pkg/orchestrator"
	"github.com/pocketbotio/pocketbot/pkg/providers"
	"github.com/pocketbotio/pocketbot/pkg/retention"
	"github.com/pocketbotio/pocketbot/pkg/store"
	"github.com/pocketbotio/pocketbot/pkg/usage"
)

var version = "dev"

func main() {
	configPath := flag.String("config", "config.json", "path to configuration file")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("pocketbot %s\n", version)
		return
	}

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		logger.FatalCF("main", "Failed to load configuration", map[string]interface{}{
			"path": *configPath, "error": err.Error(),
		})
	}

	logger.SetLevel(logger.ParseLevel(cfg.Logging.Level))
	if cfg.Logging.FileEnabled {
		if err := logger.EnableFileLogging(cfg.LogFilePath(), cfg.Logging.MaxSizeMB); err != nil {
			logger.WarnCF("main", "File logging unavailable", map[string]interface{}{
				"error": err.Error(),
			})
		}
	}

	if err := cfg.Validate(); err != nil {
		logger.FatalCF("main", "Invalid configuration", map[string]interface{}{
			"error": err.Error(),
		})
	}

	// A webhook without a secret would accept posts from anyone.
	if cfg.Channels.Telegram.Enabled && cfg.Channels.Telegram.WebhookURL != "" &&
		cfg.Channels.Telegram.WebhookSecret == "" {
		cfg.Channels.Telegram.WebhookSecret = uuid.NewString()
		logger.InfoC("main", "Generated ephemeral webhook secret")
	}

	logger.InfoCF("main", "Starting pocketbot", map[string]interface{}{
		"version":  version,
		"provider": cfg.Bot.Provider,
		"model":    cfg.Bot.Model,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cs, err := store.Open(cfg.StoragePath())
	if err != nil {
		logger.FatalCF("main", "Failed to open conversation store", map[string]interface{}{
			"path": cfg.StoragePath(), "error": err.Error(),
		})
	}
	defer cs.Close()

	provider := buildProvider(cfg)
	usageStore := usage.NewStore(filepath.Dir(cfg.StoragePath()))
	invoker := ai.NewInvoker(provider, ai.Options{
		Model:        cfg.Bot.Model,
		VisionModel:  cfg.Bot.VisionModel,
		SystemPrompt: cfg.Bot.SystemPrompt,
		MaxTokens:    cfg.Bot.MaxTokens,
		Temperature:  cfg.Bot.Temperature,
		MaxRetries:   cfg.Bot.MaxRetries,
	}, usageStore)

	resolver := media.NewResolver(cfg.Channels.Telegram.MaxFileBytes)
	orch := orchestrator.New(cs, resolver, invoker, cfg.History.Window, cfg.History.Keep)
	orch.SetArchive(attachments.NewStore(filepath.Join(filepath.Dir(cfg.StoragePath()), "attachments")))
	dispatcher := dispatch.New(orch, 512)

	var running []channels.Channel
	var endpoints []gateway.Endpoint

	if cfg.Channels.Telegram.Enabled {
		tg, err := channels.NewTelegramChannel(cfg.Channels.Telegram, dispatcher)
		if err != nil {
			logger.FatalCF("main", "Telegram channel init failed", map[string]interface{}{
				"error": err.Error(),
			})
		}
		if err := tg.Start(ctx); err != nil {
			logger.FatalCF("main", "Telegram channel start failed", map[string]interface{}{
				"error": err.Error(),
			})
		}
		running = append(running, tg)
		endpoints = append(endpoints, tg)
	}

	if cfg.Channels.Discord.Enabled {
		dc, err := channels.NewDiscordChannel(cfg.Channels.Discord, dispatcher)
		if err != nil {
			logger.FatalCF("main", "Discord channel init failed", map[string]interface{}{
				"error": err.Error(),
			})
		}
		if err := dc.Start(ctx); err != nil {
			logger.FatalCF("main", "Discord channel start failed", map[string]interface{}{
				"error": err.Error(),
			})
		}
		running = append(running, dc)
	}

	if len(running) == 0 {
		logger.FatalC("main", "No channels enabled; nothing to do")
	}

	sweeper, err := retention.NewSweeper(cs, cfg.History.SweepSchedule, cfg.History.Keep)
	if err != nil {
		logger.FatalCF("main", "Retention sweeper init failed", map[string]interface{}{
			"error": err.Error(),
		})
	}
	go sweeper.Run(ctx)

	server := gateway.NewServer(cfg.Gateway.Host, cfg.Gateway.Port, endpoints...)
	go func() {
		if err := server.Start(); err != nil {
			logger.FatalCF("main", "HTTP server failed", map[string]interface{}{
				"error": err.Error(),
			})
		}
	}()

	<-ctx.Done()
	logger.InfoC("main", "Shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	for _, ch := range running {
		if err := ch.Stop(shutdownCtx); err != nil {
			logger.WarnCF("main", "Channel stop failed", map[string]interface{}{
				"channel": ch.Name(), "error": err.Error(),
			})
		}
	}
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.WarnCF("main", "HTTP shutdown failed", map[string]interface{}{
			"error": err.Error(),
		})
	}
	logger.InfoC("main", "Goodbye")
}

func buildProvider(cfg *config.Config) providers.Provider {
	timeout := time.Duration(cfg.Bot.HTTPTimeout) * time.Second
	switch cfg.Bot.Provider {
	case "openai":
		return providers.NewOpenAIProvider(cfg.Providers.OpenAI.APIKey, cfg.Providers.OpenAI.APIBase)
	case "anthropic":
		return providers.NewAnthropicProvider(cfg.Providers.Anthropic.APIKey, cfg.Providers.Anthropic.APIBase)
	default:
		return providers.NewGeminiProvider(cfg.Providers.Gemini.APIKey, cfg.Providers.Gemini.APIBase, timeout)
	}
}
