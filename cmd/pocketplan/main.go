package main

import (
	"fmt"
	"log"
	"os"

	"github.com/spf13/cobra"

	"github.com/pocketplan/pocketplan/internal/config"
	engine "github.com/pocketplan/pocketplan/internal/sync"
)

var (
	cfgFile string
	cfg     *config.Config
)

var rootCmd = &cobra.Command{
	Use:   "pocketplan",
	Short: "Local-first planner with offline sync",
	Long: `Pocketplan keeps tasks, projects, and templates in a local SQLite
database and syncs them across devices through a sync server or a
cloud-drive app-data folder.

All data lives locally first; sync is incremental, resumable, and never
blocks local edits.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = config.Load(cfgFile)
		return err
	},
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: <data-dir>/config.yaml)")

	rootCmd.AddGroup(
		&cobra.Group{ID: "sync", Title: "Sync commands:"},
		&cobra.Group{ID: "advanced", Title: "Advanced commands:"},
	)
}

// newEngine builds an engine from the loaded config. The caller owns
// Stop.
func newEngine(withDashboard *bool) (*engine.Engine, error) {
	return engine.New(cfg, engine.Options{
		Logger:    log.New(os.Stderr, "[pocketplan] ", log.LstdFlags),
		Dashboard: withDashboard,
	})
}

func fatalf(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, "Error: "+format+"\n", args...)
	os.Exit(1)
}
