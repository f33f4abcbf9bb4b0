package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/zulandar/stealthchat/internal/config"
	"github.com/zulandar/stealthchat/internal/db"
	"github.com/zulandar/stealthchat/internal/session"
	"github.com/zulandar/stealthchat/internal/transport"
	"github.com/zulandar/stealthchat/internal/transport/discord"
	"github.com/zulandar/stealthchat/internal/transport/local"
	"github.com/zulandar/stealthchat/internal/transport/slack"
)

// localSessionsChannel names the sessions channel the local transport
// creates when none is configured.
const localSessionsChannel = "sessions"

// readyTimeout bounds how long a command waits for the platform to be ready.
var readyTimeout = 30 * time.Second

// createAdapter builds a platform adapter from the config and returns it
// together with the sessions channel ID.
func createAdapter(ctx context.Context, cfg *config.Config) (transport.Adapter, string, error) {
	switch cfg.Platform {
	case config.PlatformDiscord:
		a, err := discord.New(discord.AdapterOpts{
			BotToken:   cfg.Discord.BotToken,
			GuildID:    cfg.Discord.GuildID,
			WebhookURL: cfg.Discord.WebhookURL,
		})
		return a, cfg.Sessions.ChannelID, err
	case config.PlatformSlack:
		a, err := slack.New(slack.AdapterOpts{
			AppToken: cfg.Slack.AppToken,
			BotToken: cfg.Slack.BotToken,
			TeamID:   cfg.Slack.TeamID,
		})
		return a, cfg.Sessions.ChannelID, err
	case config.PlatformLocal:
		return createLocalAdapter(ctx, cfg)
	default:
		return nil, "", fmt.Errorf("unsupported platform %q", cfg.Platform)
	}
}

func createLocalAdapter(ctx context.Context, cfg *config.Config) (transport.Adapter, string, error) {
	gormDB, err := db.Connect(db.Opts{
		Driver:   cfg.Local.Driver,
		Path:     cfg.Local.Path,
		Host:     cfg.Local.Host,
		Port:     cfg.Local.Port,
		User:     cfg.Local.User,
		Password: cfg.Local.Password,
		Database: cfg.Local.Database,
	})
	if err != nil {
		return nil, "", err
	}
	if err := db.AutoMigrate(gormDB); err != nil {
		return nil, "", err
	}
	a, err := local.New(local.AdapterOpts{DB: gormDB, Identity: cfg.Local.Identity})
	if err != nil {
		return nil, "", err
	}

	channelID := cfg.Sessions.ChannelID
	if channelID != "" {
		return a, channelID, nil
	}
	if err := a.Connect(ctx); err != nil {
		return nil, "", err
	}
	channels, err := a.ListChannels(ctx)
	if err != nil {
		return nil, "", err
	}
	if id, ok := transport.FindChannel(channels, localSessionsChannel); ok {
		return a, id, nil
	}
	channelID, err = a.CreateChannel(ctx, localSessionsChannel)
	if err != nil {
		return nil, "", err
	}
	return a, channelID, nil
}

// newEngine builds the session engine for cfg on top of adapter.
func newEngine(cfg *config.Config, adapter transport.Adapter, sessionsChannelID string) (*session.Engine, error) {
	return session.NewEngine(session.EngineOpts{
		Adapter:           adapter,
		SessionsChannelID: sessionsChannelID,
		ScanLimit:         cfg.Sessions.ScanLimit,
		SIDDigits:         cfg.Sessions.SIDDigits,
		AcceptForeign:     cfg.Sessions.AcceptForeign,
	})
}

// connectAndWait connects adapter and waits until it reports ready.
func connectAndWait(ctx context.Context, adapter transport.Adapter) error {
	if err := adapter.Connect(ctx); err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	rn, ok := adapter.(transport.ReadyNotifier)
	if !ok {
		return nil
	}
	select {
	case <-rn.Ready():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(readyTimeout):
		return fmt.Errorf("platform not ready after %s", readyTimeout)
	}
}

// signalContext returns a context cancelled on SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}
