package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"github.com/zulandar/stealthchat/internal/api"
	"github.com/zulandar/stealthchat/internal/config"
	"github.com/zulandar/stealthchat/internal/session"
)

func newServeCmd() *cobra.Command {
	var (
		configPath string
		withAPI    bool
		port       int
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the session daemon",
		Long: "Connects to the configured platform, recovers sessions from the sessions channel,\n" +
			"reaps idle sessions and optionally serves the HTTP API.",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext()
			defer cancel()
			return runServe(ctx, cmd, configPath, withAPI, port)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "stealthchat.yaml", "path to config file")
	cmd.Flags().BoolVar(&withAPI, "api", false, "serve the HTTP API (overrides api.enabled)")
	cmd.Flags().IntVarP(&port, "port", "p", 0, "API port (overrides api.port)")
	return cmd
}

func runServe(ctx context.Context, cmd *cobra.Command, configPath string, withAPI bool, port int) error {
	out := cmd.OutOrStdout()

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if withAPI {
		cfg.API.Enabled = true
	}
	if port > 0 {
		cfg.API.Port = port
	}

	adapter, sessionsChannelID, err := createAdapter(ctx, cfg)
	if err != nil {
		return err
	}
	engine, err := newEngine(cfg, adapter, sessionsChannelID)
	if err != nil {
		return err
	}
	reaper, err := session.NewReaper(session.ReaperOpts{
		Engine:        engine,
		IdleTimeout:   cfg.Sessions.IdleTimeout(),
		SweepInterval: cfg.Sessions.SweepInterval(),
		SweepCron:     cfg.Sessions.SweepCron,
	})
	if err != nil {
		return err
	}
	daemon, err := session.NewDaemon(session.DaemonOpts{
		Adapter: adapter,
		Engine:  engine,
		Reaper:  reaper,
		Out:     out,
	})
	if err != nil {
		return err
	}

	fmt.Fprintf(out, "Platform: %s, sessions channel: %s\n", cfg.Platform, sessionsChannelID)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	apiErr := make(chan error, 1)
	if cfg.API.Enabled {
		go func() {
			select {
			case <-daemon.Booted():
			case <-ctx.Done():
				apiErr <- nil
				return
			}
			err := api.Start(ctx, api.StartOpts{Engine: engine, Port: cfg.API.Port, Out: out})
			if err != nil {
				cancel()
			}
			apiErr <- err
		}()
	} else {
		apiErr <- nil
	}

	runErr := daemon.Run(ctx)
	cancel()
	if err := <-apiErr; err != nil {
		return err
	}
	return runErr
}
