package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/pocketplan/pocketplan/internal/config"
	engine "github.com/pocketplan/pocketplan/internal/sync"
	"github.com/pocketplan/pocketplan/internal/ui"
)

var syncCmd = &cobra.Command{
	Use:     "sync",
	GroupID: "sync",
	Short:   "Sync with the configured remote",
	Long: `Run and inspect sync cycles.

A cycle pushes queued local changes, then pulls and applies remote
pages, advancing the checkpoint after each applied page. Conflicting
changes are parked for review instead of failing the cycle; see
"pocketplan conflicts".`,
}

var syncNowCmd = &cobra.Command{
	Use:   "now",
	Short: "Run one sync cycle immediately",
	Run: func(cmd *cobra.Command, args []string) {
		e, err := newEngine(nil)
		if err != nil {
			fatalf("failed to start engine: %v", err)
		}
		defer e.Stop()

		fmt.Printf("%s Syncing...\n", ui.Accent("→"))
		start := time.Now()

		summary, err := e.SyncNow(cmd.Context())
		if err != nil {
			fmt.Fprintf(os.Stderr, "%s Sync failed: %v\n", ui.Fail("✗"), err)
			os.Exit(1)
		}

		fmt.Printf("%s Sync complete in %v\n", ui.Pass("✓"), time.Since(start).Round(time.Millisecond))
		fmt.Printf("   Pushed:  %d accepted, %d rejected\n", summary.Accepted, summary.Rejected)
		fmt.Printf("   Pulled:  %d applied, %d conflicts (%d pages)\n",
			summary.Applied, summary.Conflicts, summary.Pages)
		if summary.HasMore {
			fmt.Printf("   %s\n", ui.Warn("More changes remain; run sync again to continue"))
		}
		if summary.Conflicts > 0 {
			fmt.Printf("   %s\n", ui.Warn("Run 'pocketplan conflicts list' to review"))
		}
	},
}

var syncStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show sync engine status",
	Run: func(cmd *cobra.Command, args []string) {
		e, err := newEngine(nil)
		if err != nil {
			fatalf("failed to start engine: %v", err)
		}
		defer e.Stop()
		ctx := cmd.Context()

		snap := e.Status(ctx)
		fmt.Printf("Status:    %s\n", ui.Status(snap.Status))
		if snap.OfflineReason != "" {
			fmt.Printf("Reason:    %s\n", snap.OfflineReason)
		}
		if snap.NextAttempt != nil {
			fmt.Printf("Retry at:  %s\n", ui.Faint(snap.NextAttempt.Format(time.RFC3339)))
		}

		deviceID, _ := e.DB().DeviceID(ctx)
		fmt.Printf("Device:    %s\n", ui.Faint(deviceID))

		if cp, err := e.DB().GetCheckpoint(ctx); err == nil && cp.Cursor != nil {
			fmt.Printf("Cursor:    %s\n", ui.Faint(*cp.Cursor))
			fmt.Printf("Last sync: %s\n", ui.Faint(cp.SyncedAt.Local().Format(time.RFC3339)))
		}

		pending, _ := e.DB().PendingCount(ctx)
		fmt.Printf("Queued:    %d local changes\n", pending)
		if snap.OpenConflicts > 0 {
			fmt.Printf("Conflicts: %s\n", ui.Warn(fmt.Sprintf("%d open", snap.OpenConflicts)))
		}
	},
}

var syncDaemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Run the background sync loop",
	Long: `Run the sync engine as a long-lived process.

The daemon syncs on the profile's interval, backs off exponentially on
failure, and watches the data directory for the ` + config.GuardrailFlagName + `
guardrail flag. Remove the flag to resume syncing.`,
	Run: func(cmd *cobra.Command, args []string) {
		background, _ := cmd.Flags().GetBool("background-profile")

		e, err := engine.New(cfg, engine.Options{
			Logger: config.DaemonLogger(cfg.Daemon),
		})
		if err != nil {
			fatalf("failed to start engine: %v", err)
		}
		e.SetBackground(background)

		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		if err := e.Start(ctx); err != nil {
			fatalf("failed to start daemon: %v", err)
		}
		fmt.Printf("%s Sync daemon running (profile %s)\n", ui.Pass("✓"), cfg.Profile)
		fmt.Println("Press Ctrl+C to stop...")

		<-ctx.Done()

		fmt.Println("\nShutting down...")
		if err := e.Stop(); err != nil {
			fatalf("shutdown: %v", err)
		}
	},
}

func init() {
	syncDaemonCmd.Flags().Bool("background-profile", false, "use the background sync interval")

	syncCmd.AddCommand(syncNowCmd)
	syncCmd.AddCommand(syncStatusCmd)
	syncCmd.AddCommand(syncDaemonCmd)
	rootCmd.AddCommand(syncCmd)
}
