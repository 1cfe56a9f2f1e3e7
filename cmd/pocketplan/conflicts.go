package main

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"

	"github.com/pocketplan/pocketplan/internal/sync/conflict"
	"github.com/pocketplan/pocketplan/internal/sync/store"
	"github.com/pocketplan/pocketplan/internal/ui"
)

var conflictsCmd = &cobra.Command{
	Use:     "conflicts",
	GroupID: "sync",
	Short:   "Review and resolve sync conflicts",
	Long: `List, inspect, resolve, and export sync conflicts.

Conflicts are parked remote changes that could not be applied
automatically: concurrent edits, deletes racing updates, colliding
notes, or changes that failed validation. Resolving a conflict decides
which side wins; the full decision history stays in the timeline.`,
}

var conflictsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List conflicts",
	Run: func(cmd *cobra.Command, args []string) {
		all, _ := cmd.Flags().GetBool("all")

		e, err := newEngine(nil)
		if err != nil {
			fatalf("failed to start engine: %v", err)
		}
		defer e.Stop()

		status := store.ConflictOpen
		if all {
			status = ""
		}
		conflicts, err := e.Conflicts(cmd.Context(), status)
		if err != nil {
			fatalf("failed to list conflicts: %v", err)
		}
		if len(conflicts) == 0 {
			fmt.Printf("%s No conflicts\n", ui.Pass("✓"))
			return
		}

		for _, c := range conflicts {
			marker := ui.Warn("●")
			if c.Status != store.ConflictOpen {
				marker = ui.Faint("○")
			}
			fmt.Printf("%s %s  %s %s/%s\n", marker, ui.Accent(c.ID),
				c.ConflictType, c.EntityType, c.EntityID)
			fmt.Printf("   %s\n", c.Message)
			fmt.Printf("   %s", ui.Faint(c.DetectedAt.Local().Format(time.RFC3339)))
			if c.Status != store.ConflictOpen {
				fmt.Printf("  %s", ui.Faint(c.Status+"/"+c.ResolutionStrategy))
			}
			fmt.Println()
		}
	},
}

var conflictsShowCmd = &cobra.Command{
	Use:   "show <conflict-id>",
	Short: "Show a conflict with its payloads and timeline",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		e, err := newEngine(nil)
		if err != nil {
			fatalf("failed to start engine: %v", err)
		}
		defer e.Stop()
		ctx := cmd.Context()

		c, _, err := e.DB().GetConflict(ctx, args[0])
		if err != nil {
			fatalf("%v", err)
		}

		fmt.Printf("%s  %s %s/%s (%s)\n", ui.Accent(c.ID),
			c.ConflictType, c.EntityType, c.EntityID, c.Status)
		fmt.Printf("Reason:  %s\n", c.ReasonCode)
		fmt.Printf("Message: %s\n", c.Message)
		printPayload("Local", c.LocalPayload)
		printPayload("Remote", c.RemotePayload)
		printPayload("Base", c.BasePayload)

		events, err := e.ConflictEvents(ctx, c.ID)
		if err != nil {
			fatalf("failed to load timeline: %v", err)
		}
		fmt.Println("Timeline:")
		for _, ev := range events {
			detail := ""
			if ev.Detail != "" {
				detail = "  " + ev.Detail
			}
			fmt.Printf("  %s %s%s\n",
				ui.Faint(ev.OccurredAt.Local().Format(time.RFC3339)), ev.EventType, detail)
		}
	},
}

func printPayload(label string, payload json.RawMessage) {
	if len(payload) == 0 {
		return
	}
	fmt.Printf("%s:\n  %s\n", label, string(payload))
}

var conflictsResolveCmd = &cobra.Command{
	Use:   "resolve <conflict-id>",
	Short: "Resolve an open conflict",
	Long: `Resolve an open conflict with one of the strategies:

  keep_local    push the local version; the remote change loses
  keep_remote   apply the remote version; the local edit is dropped
  manual_merge  queue a merged payload (requires --merged-file)
  retry         re-queue the local version and leave the conflict open

Without --strategy an interactive picker opens, preselecting the
recommended strategy for the conflict type.`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		strategy, _ := cmd.Flags().GetString("strategy")
		mergedFile, _ := cmd.Flags().GetString("merged-file")
		ignore, _ := cmd.Flags().GetBool("ignore")

		e, err := newEngine(nil)
		if err != nil {
			fatalf("failed to start engine: %v", err)
		}
		defer e.Stop()
		ctx := cmd.Context()

		if ignore {
			if err := e.IgnoreConflict(ctx, args[0]); err != nil {
				fatalf("%v", err)
			}
			fmt.Printf("%s Conflict ignored\n", ui.Pass("✓"))
			return
		}

		c, _, err := e.DB().GetConflict(ctx, args[0])
		if err != nil {
			fatalf("%v", err)
		}

		if strategy == "" {
			strategy = conflict.DefaultStrategy(c.ConflictType)
			form := huh.NewForm(huh.NewGroup(
				huh.NewSelect[string]().
					Title(fmt.Sprintf("Resolve %s on %s/%s", c.ConflictType, c.EntityType, c.EntityID)).
					Description(c.Message).
					Options(
						huh.NewOption("Keep local version", store.StrategyKeepLocal),
						huh.NewOption("Keep remote version", store.StrategyKeepRemote),
						huh.NewOption("Merge manually", store.StrategyManualMerge),
						huh.NewOption("Retry local version", store.StrategyRetry),
					).
					Value(&strategy),
			))
			if err := form.Run(); err != nil {
				fatalf("%v", err)
			}
		}

		var merged json.RawMessage
		if mergedFile != "" {
			data, err := os.ReadFile(mergedFile)
			if err != nil {
				fatalf("failed to read merged payload: %v", err)
			}
			if !json.Valid(data) {
				fatalf("merged payload %s is not valid JSON", mergedFile)
			}
			merged = data
		}

		if err := e.ResolveConflict(ctx, args[0], strategy, merged); err != nil {
			fatalf("%v", err)
		}
		if strategy == store.StrategyRetry {
			fmt.Printf("%s Local version re-queued; conflict stays open until it pushes cleanly\n", ui.Pass("✓"))
			return
		}
		fmt.Printf("%s Conflict resolved with %s\n", ui.Pass("✓"), strategy)
	},
}

var conflictsExportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export all conflicts with their timelines to JSON",
	Run: func(cmd *cobra.Command, args []string) {
		out, _ := cmd.Flags().GetString("out")

		e, err := newEngine(nil)
		if err != nil {
			fatalf("failed to start engine: %v", err)
		}
		defer e.Stop()

		n, err := e.ExportConflicts(cmd.Context(), out)
		if err != nil {
			fatalf("%v", err)
		}
		fmt.Printf("%s Exported %d conflicts to %s\n", ui.Pass("✓"), n, out)
	},
}

func init() {
	conflictsListCmd.Flags().Bool("all", false, "include resolved and ignored conflicts")

	conflictsResolveCmd.Flags().String("strategy", "", "keep_local, keep_remote, manual_merge, or retry")
	conflictsResolveCmd.Flags().String("merged-file", "", "JSON payload for manual_merge")
	conflictsResolveCmd.Flags().Bool("ignore", false, "close the conflict without changing anything")

	conflictsExportCmd.Flags().String("out", "conflicts.json", "output file")

	conflictsCmd.AddCommand(conflictsListCmd)
	conflictsCmd.AddCommand(conflictsShowCmd)
	conflictsCmd.AddCommand(conflictsResolveCmd)
	conflictsCmd.AddCommand(conflictsExportCmd)
	rootCmd.AddCommand(conflictsCmd)
}
