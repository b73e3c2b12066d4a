package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/qing1huan/DeepThink/internal/snapshot"
	"github.com/qing1huan/DeepThink/internal/workspace"
)

var snapshotCmd = &cobra.Command{
	Use:   "snapshot",
	Short: "Work with workspace snapshots",
}

var snapshotInspectCmd = &cobra.Command{
	Use:   "inspect [path]",
	Short: "Show what a snapshot would restore",
	Long: `Loads a snapshot the way serve does at startup and prints each
workspace with its thread count. Defaults to snapshot.path from the config.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		path := cfg.Snapshot.Path
		if len(args) == 1 {
			path = args[0]
		}
		out := cmd.OutOrStdout()

		f, err := snapshot.Load(path)
		if err != nil {
			fmt.Fprintf(out, "%s: %v\nserve would start with a fresh default workspace.\n", path, err)
			return nil
		}
		spaces := workspace.NewManager(cfg.Chat.Welcome, logger)
		rep := snapshot.Apply(f, spaces, logger)

		fmt.Fprintf(out, "%s: version %d, saved %s\n\n", path, f.Version, humanize.Time(f.SavedAt))
		w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tNAME\tTHREADS\tSTATUS")
		for _, ws := range spaces.List() {
			status := "restored"
			if err, ok := rep.Replaced[ws.ID]; ok {
				status = "replaced: " + err.Error()
			}
			fmt.Fprintf(w, "%s\t%s\t%d\t%s\n", ws.ID, ws.Name, ws.Tree.Len(), status)
		}
		return w.Flush()
	},
}

func init() {
	snapshotCmd.AddCommand(snapshotInspectCmd)
}
