package main

import (
	"context"
	"fmt"
	"io"
	"path"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/PaulBabatuyi/FileFlow/internal/domain/session"
	"github.com/PaulBabatuyi/FileFlow/internal/service"
)

// withService opens the app for one command and hands fn the service and stdout.
func withService(cmd *cobra.Command, configPath string, fn func(ctx context.Context, svc *service.Service, out io.Writer) error) error {
	a, err := newApp(cmd.Context(), configPath)
	if err != nil {
		return err
	}
	defer a.close()
	return fn(cmd.Context(), a.service(), cmd.OutOrStdout())
}

type targetFlags struct {
	bucket      string
	fileName    string
	contentType string
	public      bool
}

func (f *targetFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.bucket, "bucket", "", "target bucket (default from config)")
	cmd.Flags().StringVar(&f.fileName, "name", "", "file name recorded on the asset (default: last key segment)")
	cmd.Flags().StringVar(&f.contentType, "content-type", "", "expected content type")
	cmd.Flags().BoolVar(&f.public, "public", false, "make the object publicly readable")
}

func (f *targetFlags) target(key string) session.UploadTarget {
	t := session.UploadTarget{
		Bucket:      f.bucket,
		Key:         key,
		AccessType:  session.AccessPrivate,
		FileName:    f.fileName,
		ContentType: f.contentType,
	}
	if f.public {
		t.AccessType = session.AccessPublic
	}
	if t.FileName == "" {
		t.FileName = path.Base(key)
	}
	return t
}

func newUploadCommand(configPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "upload",
		Short: "Manage presigned upload sessions",
	}
	cmd.AddCommand(newUploadCreateCommand(configPath))
	cmd.AddCommand(newUploadCompleteCommand(configPath))
	cmd.AddCommand(newMultipartCommand(configPath))
	return cmd
}

func newUploadCreateCommand(configPath *string) *cobra.Command {
	var (
		flags   targetFlags
		purpose string
	)
	cmd := &cobra.Command{
		Use:   "create <key>",
		Short: "Open a single-PUT upload session and print its presigned URL",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withService(cmd, *configPath, func(ctx context.Context, svc *service.Service, out io.Writer) error {
				u, err := svc.CreateSingleUpload(ctx, service.CreateUploadRequest{
					Target:  flags.target(args[0]),
					Purpose: purpose,
					Source:  "cli",
				})
				if err != nil {
					return err
				}
				fmt.Fprintf(out, "upload %s %s %s\n", u.ID, u.Status, u.PresignedURL)
				return nil
			})
		},
	}
	flags.register(cmd)
	cmd.Flags().StringVar(&purpose, "purpose", "", "free-form purpose recorded on the session")
	return cmd
}

func newUploadCompleteCommand(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "complete <session-id>",
		Short: "Verify the uploaded object and complete a single upload session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withService(cmd, *configPath, func(ctx context.Context, svc *service.Service, out io.Writer) error {
				u, a, err := svc.CompleteSingleUpload(ctx, session.ID(args[0]))
				if err != nil {
					return err
				}
				fmt.Fprintf(out, "upload %s %s asset %s\n", u.ID, u.Status, a.ID)
				return nil
			})
		},
	}
}

func newMultipartCommand(configPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "multipart",
		Short: "Manage multipart upload sessions",
	}
	cmd.AddCommand(newMultipartInitCommand(configPath))
	cmd.AddCommand(newMultipartPresignCommand(configPath))
	cmd.AddCommand(newMultipartPartCommand(configPath))
	cmd.AddCommand(newMultipartCompleteCommand(configPath))
	cmd.AddCommand(newMultipartAbortCommand(configPath))
	return cmd
}

func newMultipartInitCommand(configPath *string) *cobra.Command {
	var (
		flags    targetFlags
		partSize int64
		purpose  string
	)
	cmd := &cobra.Command{
		Use:   "init <key>",
		Short: "Open a multipart upload session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withService(cmd, *configPath, func(ctx context.Context, svc *service.Service, out io.Writer) error {
				m, err := svc.InitiateMultipartUpload(ctx, service.InitiateMultipartRequest{
					Target:   flags.target(args[0]),
					PartSize: partSize,
					Purpose:  purpose,
					Source:   "cli",
				})
				if err != nil {
					return err
				}
				fmt.Fprintf(out, "multipart %s %s %s\n", m.ID, m.Status, m.UploadID)
				return nil
			})
		},
	}
	flags.register(cmd)
	cmd.Flags().Int64Var(&partSize, "part-size", 8<<20, "part size in bytes")
	cmd.Flags().StringVar(&purpose, "purpose", "", "free-form purpose recorded on the session")
	return cmd
}

func partNumber(arg string) (int, error) {
	n, err := strconv.Atoi(arg)
	if err != nil {
		return 0, fmt.Errorf("%w: part number %q", session.ErrInvalidPart, arg)
	}
	return n, nil
}

func newMultipartPresignCommand(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "presign <session-id> <part-number>",
		Short: "Print an upload URL for one part",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			n, err := partNumber(args[1])
			if err != nil {
				return err
			}
			return withService(cmd, *configPath, func(ctx context.Context, svc *service.Service, out io.Writer) error {
				url, err := svc.PresignPart(ctx, session.ID(args[0]), n)
				if err != nil {
					return err
				}
				fmt.Fprintln(out, url)
				return nil
			})
		},
	}
}

func newMultipartPartCommand(configPath *string) *cobra.Command {
	var size int64
	cmd := &cobra.Command{
		Use:   "part <session-id> <part-number> <etag>",
		Short: "Record a part the client has uploaded",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			n, err := partNumber(args[1])
			if err != nil {
				return err
			}
			return withService(cmd, *configPath, func(ctx context.Context, svc *service.Service, out io.Writer) error {
				m, err := svc.CompletePart(ctx, session.ID(args[0]), session.CompletedPart{PartNumber: n, ETag: args[2], Size: size})
				if err != nil {
					return err
				}
				fmt.Fprintf(out, "multipart %s %s parts=%d\n", m.ID, m.Status, len(m.Parts))
				return nil
			})
		},
	}
	cmd.Flags().Int64Var(&size, "size", 0, "part size in bytes")
	return cmd
}

func newMultipartCompleteCommand(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "complete <session-id>",
		Short: "Assemble the recorded parts and complete the session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withService(cmd, *configPath, func(ctx context.Context, svc *service.Service, out io.Writer) error {
				m, a, err := svc.CompleteMultipartUpload(ctx, session.ID(args[0]))
				if err != nil {
					return err
				}
				fmt.Fprintf(out, "multipart %s %s asset %s\n", m.ID, m.Status, a.ID)
				return nil
			})
		},
	}
}

func newMultipartAbortCommand(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "abort <session-id>",
		Short: "Abort a multipart session and release its stored parts",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withService(cmd, *configPath, func(ctx context.Context, svc *service.Service, out io.Writer) error {
				m, err := svc.AbortMultipartUpload(ctx, session.ID(args[0]))
				if err != nil {
					return err
				}
				fmt.Fprintf(out, "multipart %s %s\n", m.ID, m.Status)
				return nil
			})
		},
	}
}
