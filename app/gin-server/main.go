package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/yoockh/careertalk/config"
	"github.com/yoockh/careertalk/internal/app"
	"github.com/yoockh/careertalk/internal/logger"
	"github.com/yoockh/careertalk/internal/storage"
)

func main() {
	var envFiles []string

	rootCmd := &cobra.Command{
		Use:           "careertalk",
		Short:         "Voice career-counseling backend",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringSliceVar(&envFiles, "env-file", nil, "env files to load (default .env)")

	rootCmd.AddCommand(serveCmd(&envFiles), storageCmd(&envFiles))

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func serveCmd(envFiles *[]string) *cobra.Command {
	var port string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP and websocket server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.Load(*envFiles...)
			if port != "" {
				cfg.Port = port
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := app.New(ctx, cfg)
			if err != nil {
				return err
			}
			return a.Run(ctx)
		},
	}
	cmd.Flags().StringVar(&port, "port", "", "HTTP port (overrides PORT)")
	return cmd
}

// storageCmd lists stored documents, e.g. `careertalk storage ls summary/`.
func storageCmd(envFiles *[]string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "storage",
		Short: "Inspect the object store",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "ls [prefix]",
		Short: "List stored documents",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.Load(*envFiles...)
			log := logger.New(cfg.LogLevel)

			store := storage.New(cmd.Context(), storage.Options{
				Bucket:          cfg.Storage.Bucket,
				ProjectID:       cfg.Storage.ProjectID,
				CredentialsFile: cfg.Storage.CredentialsFile,
				LocalDir:        cfg.Storage.LocalDir,
				InitTimeout:     cfg.Batching.StoreTimeout,
				ReadRetry:       storage.DefaultReadRetry,
			}, log)
			defer store.Close()

			prefix := ""
			if len(args) == 1 {
				prefix = args[0]
			}
			objs, err := store.List(cmd.Context(), prefix)
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintf(w, "KEY\tSIZE\tUPDATED\n")
			for _, o := range objs {
				fmt.Fprintf(w, "%s\t%d\t%s\n", o.Key, o.Size, o.Updated.Format("2006-01-02 15:04:05"))
			}
			return w.Flush()
		},
	})
	return cmd
}
