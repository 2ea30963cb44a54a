// Command core is the CLI for the offline-first sync engine: inspect
// and manage the durable action queue, and run drain passes against a
// remote backend.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/AlencarRonaldo/app-treino-sub001/internal/backoff"
	"github.com/AlencarRonaldo/app-treino-sub001/internal/db"
	"github.com/AlencarRonaldo/app-treino-sub001/internal/logging"
	"github.com/AlencarRonaldo/app-treino-sub001/internal/models"
	"github.com/AlencarRonaldo/app-treino-sub001/internal/realtime"
	"github.com/AlencarRonaldo/app-treino-sub001/internal/sync"
	"github.com/AlencarRonaldo/app-treino-sub001/internal/sync/queue"
	"github.com/AlencarRonaldo/app-treino-sub001/internal/uuid"
)

// Version is set at build time.
var Version = "0.1.0"

var (
	dataDir   string
	remoteURL string
	authToken string
	wsURL     string
)

func main() {
	logging.Init(os.Stderr, logging.LevelWarn)
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:     "core",
		Short:   "Offline-first sync engine CLI",
		Long:    `core manages the durable action queue of the sync engine: enqueue mutations while offline, inspect queue and conflict state, and drain the queue against a remote backend.`,
		Version: Version,
	}
	root.PersistentFlags().StringVar(&dataDir, "data-dir", defaultDataDir(), "directory holding the sync database")

	root.AddCommand(newStatusCmd())
	root.AddCommand(newEnqueueCmd())
	root.AddCommand(newListCmd())
	root.AddCommand(newRemoveCmd())
	root.AddCommand(newClearCmd())
	root.AddCommand(newConflictsCmd())
	root.AddCommand(newSyncCmd())
	return root
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".synccore"
	}
	return home + "/.synccore"
}

// openQueue opens the store and loads the queue for offline commands.
func openQueue() (*queue.ActionQueue, func(), error) {
	database, err := db.Open(dataDir)
	if err != nil {
		return nil, nil, err
	}
	if err := db.NewMigrator(database.DB).Up(); err != nil {
		database.Close()
		return nil, nil, err
	}
	store := db.NewStore(database)
	q := queue.New(store, backoff.System(), backoff.Default(), nil)
	if err := q.Load(); err != nil {
		store.Close()
		database.Close()
		return nil, nil, err
	}
	cleanup := func() {
		store.Close()
		database.Close()
	}
	return q, cleanup, nil
}

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show queue counters",
		RunE: func(cmd *cobra.Command, args []string) error {
			q, cleanup, err := openQueue()
			if err != nil {
				return err
			}
			defer cleanup()

			stats := q.PeekStatus()
			fmt.Printf("queued:     %d\n", stats.QueuedCount)
			fmt.Printf("in-flight:  %d\n", stats.InFlightCount)
			fmt.Printf("failed:     %d\n", stats.FailedCount)
			fmt.Printf("conflicted: %d\n", stats.ConflictedCount)
			return nil
		},
	}
}

func newEnqueueCmd() *cobra.Command {
	var naturalKey, ownerID, priority string
	cmd := &cobra.Command{
		Use:   "enqueue <entity-type> <operation> <payload-json>",
		Short: "Capture a mutation for eventual submission",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			payload := json.RawMessage(args[2])
			if !json.Valid(payload) {
				return fmt.Errorf("payload is not valid JSON")
			}

			q, cleanup, err := openQueue()
			if err != nil {
				return err
			}
			defer cleanup()

			id, err := q.Enqueue(&models.QueuedAction{
				EntityType: args[0],
				Operation:  models.Operation(args[1]),
				Payload:    payload,
				NaturalKey: naturalKey,
				OwnerID:    ownerID,
				Priority:   models.Priority(priority),
			})
			if err != nil {
				return err
			}
			fmt.Printf("queued %s\n", id)
			return nil
		},
	}
	cmd.Flags().StringVar(&naturalKey, "key", "", "natural key for dedup and per-entity ordering")
	cmd.Flags().StringVar(&ownerID, "owner", "", "acting principal")
	cmd.Flags().StringVar(&priority, "priority", string(models.PriorityMedium), "low|medium|high|urgent")
	return cmd
}

func newListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List queued actions",
		RunE: func(cmd *cobra.Command, args []string) error {
			q, cleanup, err := openQueue()
			if err != nil {
				return err
			}
			defer cleanup()

			actions := q.List()
			if len(actions) == 0 {
				fmt.Println("queue is empty")
				return nil
			}
			for _, a := range actions {
				fmt.Printf("%s  %-10s %-6s %-8s attempts=%d/%d  %s\n",
					a.ID, a.EntityType, a.Operation, a.Status,
					a.Attempts, a.MaxAttempts,
					time.UnixMilli(a.CreatedAt).Format(time.RFC3339))
			}
			return nil
		},
	}
}

func newRemoveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "remove <action-id>",
		Short: "Cancel a queued action",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := uuid.Validate(args[0]); err != nil {
				return err
			}

			q, cleanup, err := openQueue()
			if err != nil {
				return err
			}
			defer cleanup()

			if err := q.Remove(models.UUID(args[0])); err != nil {
				return err
			}
			fmt.Println("removed")
			return nil
		},
	}
}

func newClearCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "clear",
		Short: "Remove every pending action",
		RunE: func(cmd *cobra.Command, args []string) error {
			q, cleanup, err := openQueue()
			if err != nil {
				return err
			}
			defer cleanup()

			q.Clear()
			fmt.Println("queue cleared")
			return nil
		},
	}
}

func newConflictsCmd() *cobra.Command {
	var all bool
	cmd := &cobra.Command{
		Use:   "conflicts",
		Short: "List logged conflicts",
		RunE: func(cmd *cobra.Command, args []string) error {
			database, err := db.Open(dataDir)
			if err != nil {
				return err
			}
			defer database.Close()
			if err := db.NewMigrator(database.DB).Up(); err != nil {
				return err
			}
			store := db.NewStore(database)
			defer store.Close()

			records, err := store.ListConflicts(!all)
			if err != nil {
				return err
			}
			if len(records) == 0 {
				fmt.Println("no conflicts")
				return nil
			}
			for _, c := range records {
				state := "unresolved"
				if c.ResolvedAt != 0 {
					state = c.Resolution
				}
				fmt.Printf("%s  action=%s %s/%s  %s  detected=%s\n",
					c.ID, c.ActionID, c.EntityType, c.NaturalKey, state,
					c.DetectedTime().Format(time.RFC3339))
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&all, "all", false, "include resolved conflicts")
	return cmd
}

func newSyncCmd() *cobra.Command {
	var timeout time.Duration
	var verbose bool
	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Drain the queue against the remote backend",
		RunE: func(cmd *cobra.Command, args []string) error {
			collab := sync.Collaborators{
				Submitter: sync.NewHTTPSubmitter(&sync.RemoteConfig{
					BaseURL:   remoteURL,
					AuthToken: authToken,
				}),
			}
			if wsURL != "" {
				transport := realtime.NewWSTransport(realtime.DefaultWSConfig(wsURL))
				collab.Transport = transport
				collab.Handshaker = transport
			}

			engine, err := sync.New(sync.DefaultConfig(dataDir), collab)
			if err != nil {
				return err
			}
			if err := engine.Start(); err != nil {
				return err
			}
			defer engine.Stop()

			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()

			if err := waitConnected(ctx, engine); err != nil {
				return err
			}
			result, err := engine.ForceSync(ctx)
			if err != nil {
				return err
			}
			fmt.Printf("succeeded: %d  failed: %d  conflicted: %d\n",
				result.Succeeded, result.Failed, result.Conflicted)

			stats := engine.PeekStatus()
			if stats.FailedCount > 0 || stats.ConflictedCount > 0 {
				fmt.Printf("attention: %d failed, %d conflicted actions retained\n",
					stats.FailedCount, stats.ConflictedCount)
			}
			if verbose {
				m := engine.Metrics()
				fmt.Printf("passes=%d retries=%d reconnects=%d\n",
					m.PassesRun, m.RetriesScheduled, m.Reconnects)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&remoteURL, "remote", "", "base URL of the submission backend")
	_ = cmd.MarkFlagRequired("remote")
	cmd.Flags().StringVar(&authToken, "token", "", "bearer token for the backend")
	cmd.Flags().StringVar(&wsURL, "ws", "", "websocket URL for the push channel")
	cmd.Flags().DurationVar(&timeout, "timeout", 5*time.Minute, "overall sync timeout")
	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "print pass counters")
	return cmd
}

// waitConnected blocks until the handshake settles one way or the
// other.
func waitConnected(ctx context.Context, engine *sync.Engine) error {
	for {
		state := engine.Connection()
		switch state.Phase {
		case models.ConnectionConnected, models.ConnectionDegraded:
			return nil
		case models.ConnectionDisconnected:
			if state.LastError != "" {
				return fmt.Errorf("connection failed: %s", state.LastError)
			}
			return fmt.Errorf("remote is unreachable")
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(50 * time.Millisecond):
		}
	}
}
