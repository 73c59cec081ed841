// Command conversator is the voice-first development-assistant
// orchestrator. It connects an audio source to the speech model, serves
// the dashboard, and coordinates subagents and builders.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/logabell/conversator/internal/app"
	"github.com/logabell/conversator/internal/config"
	"github.com/logabell/conversator/pkg/voice"
	"github.com/logabell/conversator/pkg/voice/discordsrc"
	"github.com/logabell/conversator/pkg/voice/local"
	"github.com/logabell/conversator/pkg/voice/telegramsrc"
)

// apiKeyEnv is the environment variable holding the speech-model key.
const apiKeyEnv = "GEMINI_API_KEY"

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	source := flag.String("source", "local", "audio source: local, discord or telegram")
	opencodeURL := flag.String("opencode-url", "", "override the orchestration server URL (skips auto-start)")
	dashboardPort := flag.Int("dashboard-port", 0, "override the dashboard port")
	discordToken := flag.String("discord-token", os.Getenv("DISCORD_BOT_TOKEN"), "Discord bot token (source=discord)")
	discordGuild := flag.String("discord-guild", "", "Discord guild id (source=discord)")
	discordChannel := flag.String("discord-channel", "", "Discord voice channel id (source=discord)")
	telegramToken := flag.String("telegram-token", os.Getenv("TELEGRAM_BOT_TOKEN"), "Telegram bot token (source=telegram)")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "conversator: config file %q not found — copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "conversator: %v\n", err)
		}
		return 1
	}
	if *dashboardPort != 0 {
		cfg.Dashboard.Port = *dashboardPort
	}
	if *opencodeURL != "" {
		port, err := portOf(*opencodeURL)
		if err != nil {
			fmt.Fprintf(os.Stderr, "conversator: --opencode-url: %v\n", err)
			return 1
		}
		cfg.Orchestrator.Port = port
		cfg.Orchestrator.AutoStart = false
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	slog.SetDefault(newLogger(cfg.Logging.Level))

	slog.Info("conversator starting",
		"config", *configPath,
		"source", *source,
		"workspace", cfg.WorkspaceRoot,
	)

	// ── API key ───────────────────────────────────────────────────────────────
	apiKey := os.Getenv(apiKeyEnv)
	if apiKey == "" {
		fmt.Fprintf(os.Stderr, "conversator: %s is not set\n", apiKeyEnv)
		return 1
	}

	// ── Audio source ──────────────────────────────────────────────────────────
	src, err := buildSource(config.Source(*source), sourceOptions{
		discordToken:   *discordToken,
		discordGuild:   *discordGuild,
		discordChannel: *discordChannel,
		telegramToken:  *telegramToken,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "conversator: %v\n", err)
		return 1
	}

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	application, err := app.New(ctx, cfg, apiKey, src)
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}

	slog.Info("conversator ready — press Ctrl+C to shut down",
		"dashboard", fmt.Sprintf("http://localhost:%d", cfg.Dashboard.Port))

	runErr := application.Run(ctx)

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		return 1
	}

	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		slog.Error("run error", "err", runErr)
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// ── Audio source wiring ───────────────────────────────────────────────────────

type sourceOptions struct {
	discordToken   string
	discordGuild   string
	discordChannel string
	telegramToken  string
}

func buildSource(kind config.Source, opts sourceOptions) (voice.Source, error) {
	switch kind {
	case config.SourceLocal:
		return local.New(), nil

	case config.SourceDiscord:
		if opts.discordToken == "" {
			return nil, errors.New("source=discord requires --discord-token or DISCORD_BOT_TOKEN")
		}
		if opts.discordGuild == "" || opts.discordChannel == "" {
			return nil, errors.New("source=discord requires --discord-guild and --discord-channel")
		}
		return discordsrc.New(discordsrc.Config{
			Token:     opts.discordToken,
			GuildID:   opts.discordGuild,
			ChannelID: opts.discordChannel,
		}, slog.Default()), nil

	case config.SourceTelegram:
		if opts.telegramToken == "" {
			return nil, errors.New("source=telegram requires --telegram-token or TELEGRAM_BOT_TOKEN")
		}
		return telegramsrc.New(telegramsrc.Config{
			Token: opts.telegramToken,
		}, slog.Default()), nil
	}
	return nil, fmt.Errorf("unknown audio source %q", kind)
}

// portOf extracts the port from an http URL.
func portOf(raw string) (int, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return 0, err
	}
	p := u.Port()
	if p == "" {
		return 0, fmt.Errorf("url %q has no explicit port", raw)
	}
	return strconv.Atoi(p)
}

// ── Logger ─────────────────────────────────────────────────────────────────────

func newLogger(level config.LogLevel) *slog.Logger {
	var lvl slog.Level
	switch level {
	case config.LogDebug:
		lvl = slog.LevelDebug
	case config.LogWarn:
		lvl = slog.LevelWarn
	case config.LogError:
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}
