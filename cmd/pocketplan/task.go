package main

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/pocketplan/pocketplan/internal/sync/store"
	"github.com/pocketplan/pocketplan/internal/sync/wire"
	"github.com/pocketplan/pocketplan/internal/ui"
)

var taskCmd = &cobra.Command{
	Use:   "task",
	Short: "Manage local tasks",
	Long: `Create, update, and delete tasks in the local database.

Every mutation is applied locally and queued for the next sync cycle;
no network is involved until "pocketplan sync now" or the daemon runs.`,
}

type taskPayload struct {
	Title     string `json:"title"`
	Notes     string `json:"notes,omitempty"`
	ProjectID string `json:"project_id,omitempty"`
	Done      bool   `json:"done"`
}

var taskAddCmd = &cobra.Command{
	Use:   "add <title>",
	Short: "Create a task",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		notes, _ := cmd.Flags().GetString("notes")
		project, _ := cmd.Flags().GetString("project")

		e, err := newEngine(nil)
		if err != nil {
			fatalf("failed to open database: %v", err)
		}
		defer e.Stop()

		payload, err := json.Marshal(taskPayload{Title: args[0], Notes: notes, ProjectID: project})
		if err != nil {
			fatalf("%v", err)
		}

		id := uuid.New().String()
		if _, err := e.DB().Enqueue(cmd.Context(), store.Mutation{
			EntityType:  wire.EntityTask,
			EntityID:    id,
			Operation:   wire.OpUpsert,
			Payload:     payload,
			SyncVersion: 1,
		}); err != nil {
			fatalf("failed to queue task: %v", err)
		}
		fmt.Printf("%s Created task %s\n", ui.Pass("✓"), ui.Accent(id))
	},
}

var taskEditCmd = &cobra.Command{
	Use:   "edit <task-id>",
	Short: "Update a task's title or notes",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		title, _ := cmd.Flags().GetString("title")
		notes, _ := cmd.Flags().GetString("notes")
		done, _ := cmd.Flags().GetBool("done")

		e, err := newEngine(nil)
		if err != nil {
			fatalf("failed to open database: %v", err)
		}
		defer e.Stop()
		ctx := cmd.Context()

		rec, err := e.DB().GetLocalRecord(ctx, wire.EntityTask, args[0])
		if err != nil {
			fatalf("%v", err)
		}
		if rec == nil {
			fatalf("no task %s", args[0])
		}

		var payload taskPayload
		if err := json.Unmarshal(rec.Payload, &payload); err != nil {
			fatalf("stored task is unreadable: %v", err)
		}
		if cmd.Flags().Changed("title") {
			payload.Title = title
		}
		if cmd.Flags().Changed("notes") {
			payload.Notes = notes
		}
		if cmd.Flags().Changed("done") {
			payload.Done = done
		}

		data, err := json.Marshal(payload)
		if err != nil {
			fatalf("%v", err)
		}
		if _, err := e.DB().Enqueue(ctx, store.Mutation{
			EntityType:  wire.EntityTask,
			EntityID:    args[0],
			Operation:   wire.OpUpsert,
			Payload:     data,
			SyncVersion: rec.SyncVersion + 1,
		}); err != nil {
			fatalf("failed to queue update: %v", err)
		}
		fmt.Printf("%s Updated task %s\n", ui.Pass("✓"), ui.Accent(args[0]))
	},
}

var taskRmCmd = &cobra.Command{
	Use:   "rm <task-id>",
	Short: "Delete a task",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		e, err := newEngine(nil)
		if err != nil {
			fatalf("failed to open database: %v", err)
		}
		defer e.Stop()
		ctx := cmd.Context()

		rec, err := e.DB().GetLocalRecord(ctx, wire.EntityTask, args[0])
		if err != nil {
			fatalf("%v", err)
		}
		version := 1
		if rec != nil {
			version = rec.SyncVersion + 1
		}

		if _, err := e.DB().Enqueue(ctx, store.Mutation{
			EntityType:  wire.EntityTask,
			EntityID:    args[0],
			Operation:   wire.OpDelete,
			SyncVersion: version,
		}); err != nil {
			fatalf("failed to queue delete: %v", err)
		}
		fmt.Printf("%s Deleted task %s\n", ui.Pass("✓"), ui.Accent(args[0]))
	},
}

var taskQueueCmd = &cobra.Command{
	Use:   "queue",
	Short: "Show changes waiting for the next sync",
	Run: func(cmd *cobra.Command, args []string) {
		e, err := newEngine(nil)
		if err != nil {
			fatalf("failed to open database: %v", err)
		}
		defer e.Stop()

		pending, err := e.DB().ListPending(cmd.Context(), 100)
		if err != nil {
			fatalf("%v", err)
		}
		if len(pending) == 0 {
			fmt.Printf("%s Nothing queued\n", ui.Pass("✓"))
			return
		}
		for _, rec := range pending {
			line := fmt.Sprintf("%s %s/%s", rec.Operation, rec.EntityType, rec.EntityID)
			fmt.Printf("%s %s\n", ui.Accent("•"), line)
			if rec.LastError != "" {
				fmt.Printf("   %s (%d attempts)\n", ui.Warn(rec.LastError), rec.Attempts)
			}
			fmt.Printf("   %s\n", ui.Faint(rec.CreatedAt.Local().Format(time.RFC3339)))
		}
	},
}

func init() {
	taskAddCmd.Flags().String("notes", "", "free-form notes")
	taskAddCmd.Flags().String("project", "", "project id")

	taskEditCmd.Flags().String("title", "", "new title")
	taskEditCmd.Flags().String("notes", "", "new notes")
	taskEditCmd.Flags().Bool("done", false, "mark done or not done")

	taskCmd.AddCommand(taskAddCmd)
	taskCmd.AddCommand(taskEditCmd)
	taskCmd.AddCommand(taskRmCmd)
	taskCmd.AddCommand(taskQueueCmd)
	rootCmd.AddCommand(taskCmd)
}
