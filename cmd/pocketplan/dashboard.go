package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/pocketplan/pocketplan/internal/ui"
)

var dashboardCmd = &cobra.Command{
	Use:     "dashboard",
	GroupID: "advanced",
	Short:   "Run the sync loop with a real-time WebSocket dashboard",
	Long: `Run the sync engine with a local WebSocket dashboard attached.

The dashboard broadcasts every cycle summary, status transition, and
conflict event to connected clients, plus the session diagnostics.

WebSocket messages include:
- cycle: a sync cycle finished (summary or error)
- status: the derived engine status changed
- conflict: a conflict was detected, resolved, ignored, or retried
- diagnostics: session counters (cycles, success rate, durations)

Example usage:
  pocketplan dashboard               # default port 8480
  pocketplan dashboard --port 9000   # custom port

Connect with a WebSocket client:
  ws://localhost:8480/ws`,
	Run: func(cmd *cobra.Command, args []string) {
		port, _ := cmd.Flags().GetInt("port")
		cfg.Dashboard.Port = port

		enabled := true
		e, err := newEngine(&enabled)
		if err != nil {
			fatalf("failed to start engine: %v", err)
		}

		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		if err := e.Start(ctx); err != nil {
			fatalf("failed to start: %v", err)
		}

		fmt.Printf("%s Dashboard on http://localhost:%d\n", ui.Pass("✓"), port)
		fmt.Printf("   WebSocket: ws://localhost:%d/ws\n", port)
		fmt.Printf("   Health:    http://localhost:%d/health\n", port)
		fmt.Printf("   Diag:      http://localhost:%d/diag\n", port)
		fmt.Println("\nPress Ctrl+C to stop...")

		<-ctx.Done()

		fmt.Println("\nShutting down...")
		if err := e.Stop(); err != nil {
			fatalf("shutdown: %v", err)
		}
	},
}

func init() {
	dashboardCmd.Flags().IntP("port", "p", 8480, "Port to listen on")
	rootCmd.AddCommand(dashboardCmd)
}
