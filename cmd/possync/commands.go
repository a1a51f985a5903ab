package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"pos-sync-engine/internal/models"
	"pos-sync-engine/internal/syncengine"
)

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Run one reconciliation pass and print the result",
	Long: `Open the local queue, probe the central store and push every pending
mutation once. Backoff delays are ignored, as with the control API's force sync.

Exits with an error when the central store is unreachable.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		timeout, _ := cmd.Flags().GetDuration("timeout")
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()

		a, err := newApp(ctx, cfg, nil)
		if err != nil {
			return err
		}
		defer func() {
			shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancelShutdown()
			a.shutdown(shutdownCtx)
		}()

		if err := a.start(ctx); err != nil {
			return fmt.Errorf("failed to start sync engine: %w", err)
		}

		result, err := a.engine.ForceSyncNow(ctx)
		if errors.Is(err, syncengine.ErrOffline) {
			return fmt.Errorf("central store unreachable over the %s backend", cfg.RemoteBackend)
		}
		if err != nil {
			return err
		}
		return printJSON(result)
	},
}

var pendingCmd = &cobra.Command{
	Use:   "pending",
	Short: "Print the number of mutations waiting to be synced",
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openStore(cfg)
		if err != nil {
			return err
		}
		defer store.Close()

		count, err := store.PendingCount(cmd.Context())
		if err != nil {
			return err
		}
		fmt.Println(count)
		return nil
	},
}

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Print local storage statistics as JSON",
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openStore(cfg)
		if err != nil {
			return err
		}
		defer store.Close()

		stats, err := store.Stats(cmd.Context())
		if err != nil {
			return err
		}
		return printJSON(stats)
	},
}

var failedCmd = &cobra.Command{
	Use:   "failed",
	Short: "Print mutations that failed permanently as JSON",
	Long: `Print the mutations the central store rejected or that ran out of attempts.
Use the control API of "possync serve" to retry or discard them.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openStore(cfg)
		if err != nil {
			return err
		}
		defer store.Close()

		failed, err := store.ListFailed(cmd.Context())
		if err != nil {
			return err
		}
		return printJSON(models.FailedMutationsResponse{Mutations: failed, Count: len(failed)})
	},
}

var clearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Delete every queued mutation and cached entity",
	Long: `Delete every queued mutation and cached entity from local storage.

Unsynced sales and expenses are lost for good. Do not run this while
"possync serve" is using the same storage.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if yes, _ := cmd.Flags().GetBool("yes"); !yes {
			return errors.New("refusing to clear offline data without --yes")
		}

		store, err := openStore(cfg)
		if err != nil {
			return err
		}
		defer store.Close()

		pending, err := store.PendingCount(cmd.Context())
		if err != nil {
			return err
		}
		if err := store.ClearAll(cmd.Context()); err != nil {
			return err
		}
		fmt.Printf("Cleared offline data (%d unsynced mutations discarded)\n", pending)
		return nil
	},
}

func init() {
	syncCmd.Flags().Duration("timeout", 2*time.Minute, "Give up after this long")
	clearCmd.Flags().Bool("yes", false, "Confirm that unsynced data may be lost")

	rootCmd.AddCommand(syncCmd)
	rootCmd.AddCommand(pendingCmd)
	rootCmd.AddCommand(statsCmd)
	rootCmd.AddCommand(failedCmd)
	rootCmd.AddCommand(clearCmd)
}
