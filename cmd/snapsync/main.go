package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"snapsync/internal/db"
	"snapsync/internal/service"
)

var configPath string

func main() {
	rootCmd := &cobra.Command{
		Use:   "snapsync",
		Short: "Removable media backup daemon",
		Long:  "Watches for removable media and backs up photos and videos to Immich and a network share with content-addressed deduplication",
	}
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "config.yaml", "Path to config file")

	rootCmd.AddCommand(runCmd(), backupCmd(), statusCmd(), sessionsCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the daemon and back up media as it arrives",
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, err := service.Build(configPath)
			if err != nil {
				return err
			}
			defer svc.Close()

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			return svc.RunDaemon(ctx)
		},
	}
}

func backupCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "backup <path>",
		Short: "Back up a directory once and exit",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, err := service.Build(configPath)
			if err != nil {
				return err
			}
			defer svc.Close()

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			sessionID, err := svc.Backup(ctx, args[0])
			if err != nil {
				return err
			}

			sess, err := svc.Store.GetSessionDetail(sessionID)
			if err != nil {
				return err
			}
			fmt.Printf("session %s %s: %d completed, %d skipped, %d failed of %d files\n",
				sess.SessionID, sess.State, sess.CompletedFiles, sess.SkippedFiles, sess.FailedFiles, sess.TotalFiles)
			if sess.State != db.SessionCompleted {
				os.Exit(1)
			}
			return nil
		},
	}
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Print service status and dedup statistics",
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, err := service.Build(configPath)
			if err != nil {
				return err
			}
			defer svc.Close()

			snap, err := svc.Status()
			if err != nil {
				return err
			}
			out, err := json.MarshalIndent(snap, "", "  ")
			if err != nil {
				return err
			}
			fmt.Println(string(out))
			return nil
		},
	}
}

func sessionsCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "List recent backup sessions",
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, err := service.Build(configPath)
			if err != nil {
				return err
			}
			defer svc.Close()

			sessions, err := svc.Store.ListRecentSessions(limit)
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "SESSION\tSTATE\tSTARTED\tFILES\tDONE\tSKIP\tFAIL\tBYTES")
			for _, s := range sessions {
				fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%d\t%d\t%d\t%d\n",
					s.SessionID, s.State, s.StartedAt.Format(time.RFC3339),
					s.TotalFiles, s.CompletedFiles, s.SkippedFiles, s.FailedFiles, s.TransferredBytes)
			}
			return w.Flush()
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "Number of sessions to show")
	return cmd
}
