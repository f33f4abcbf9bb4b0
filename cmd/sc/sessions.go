package main

import (
	"fmt"
	"sort"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"github.com/zulandar/stealthchat/internal/config"
)

func newSessionsCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "List live sessions",
		Long:  "Connects to the configured platform, rebuilds the session list from the sessions channel and prints it.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSessions(cmd, configPath)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "stealthchat.yaml", "path to config file")
	return cmd
}

func runSessions(cmd *cobra.Command, configPath string) error {
	out := cmd.OutOrStdout()
	ctx := cmd.Context()

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	adapter, sessionsChannelID, err := createAdapter(ctx, cfg)
	if err != nil {
		return err
	}
	defer adapter.Close()

	if err := connectAndWait(ctx, adapter); err != nil {
		return err
	}
	engine, err := newEngine(cfg, adapter, sessionsChannelID)
	if err != nil {
		return err
	}
	if err := engine.Reconcile(ctx); err != nil {
		return err
	}

	entries := engine.Sessions()
	if len(entries) == 0 {
		fmt.Fprintln(out, "No live sessions.")
		return nil
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].SID < entries[j].SID })

	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "SID\tMEMBERS\tCHANNEL")
	for _, e := range entries {
		channel := e.ChannelID
		if channel == "" {
			channel = "(missing)"
		}
		fmt.Fprintf(tw, "%s\t%d\t%s\n", e.SID, e.Count, channel)
	}
	tw.Flush()
	fmt.Fprintf(out, "\n%d sessions\n", len(entries))
	return nil
}
