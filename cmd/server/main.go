package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/PaulBabatuyi/FileFlow/internal/service"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCommand().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		stop()
		os.Exit(1)
	}
}

// newRootCommand returns the fileflow command with all subcommands attached
func newRootCommand() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:           "fileflow",
		Short:         "File upload sessions, external downloads and the outbox scheduler.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to the YAML config file")

	root.AddCommand(newServeCommand(&configPath))
	root.AddCommand(newMigrateCommand(&configPath))
	root.AddCommand(newUploadCommand(&configPath))
	root.AddCommand(newDownloadCommand(&configPath))
	root.AddCommand(newRetryAssetCommand(&configPath))
	return root
}

func newServeCommand(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the scheduler, workers, metrics endpoint and admin gRPC server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context(), *configPath)
			if err != nil {
				return err
			}
			defer a.close()
			return a.serve(cmd.Context())
		},
	}
}

func newMigrateCommand(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create the PostgreSQL tables if they do not exist",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context(), *configPath)
			if err != nil {
				return err
			}
			defer a.close()
			return a.migrate(cmd.Context())
		},
	}
}

func newDownloadCommand(configPath *string) *cobra.Command {
	var (
		fileName   string
		bucket     string
		keyPrefix  string
		webhookURL string
	)
	cmd := &cobra.Command{
		Use:   "download <source-url>",
		Short: "Request an external download; the running scheduler picks it up",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withService(cmd, *configPath, func(ctx context.Context, svc *service.Service, out io.Writer) error {
				d, err := svc.RequestExternalDownload(ctx, "", downloadRequest(args[0], fileName, bucket, keyPrefix, webhookURL))
				if err != nil {
					return err
				}
				fmt.Fprintf(out, "download %s %s\n", d.ID, d.Status)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&fileName, "name", "", "file name recorded on the asset")
	cmd.Flags().StringVar(&bucket, "bucket", "", "target bucket (default from config)")
	cmd.Flags().StringVar(&keyPrefix, "prefix", "", "storage key prefix")
	cmd.Flags().StringVar(&webhookURL, "webhook", "", "URL notified when the download finishes or fails")
	return cmd
}

func newRetryAssetCommand(configPath *string) *cobra.Command {
	var actor string
	cmd := &cobra.Command{
		Use:   "retry-asset <asset-id>",
		Short: "Put a FAILED asset back into the processing pipeline",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withService(cmd, *configPath, func(ctx context.Context, svc *service.Service, out io.Writer) error {
				fa, err := svc.RetryAsset(ctx, args[0], userActor(actor))
				if err != nil {
					return err
				}
				fmt.Fprintf(out, "asset %s %s (retry %d)\n", fa.ID, fa.Status, fa.RetryCount)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&actor, "actor", "", "operator name recorded in the status history")
	return cmd
}
