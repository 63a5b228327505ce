package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	gos3 "eagled/pkg/s3"
	"eagled/services/archive"
	"eagled/services/registry"
)

func main() {
	_ = godotenv.Load()
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "eaglectl",
		Short:         "Utility for eagled session retention and key management",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.AddCommand(newArchivesCommand())
	cmd.AddCommand(newVaultCommand())
	return cmd
}

func newArchivesCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "archives",
		Short: "Session archive export, import and storage operations",
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	cmd.AddCommand(newArchivesExportCommand())
	cmd.AddCommand(newArchivesImportCommand())
	cmd.AddCommand(newArchivesPushCommand())
	cmd.AddCommand(newArchivesLinkCommand())
	return cmd
}

func newArchivesExportCommand() *cobra.Command {
	var (
		dsn       string
		output    string
		olderThan time.Duration
	)

	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export terminal sessions into a signed archive (tar.zst)",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := commandContext(cmd)
			signer, err := archive.NewSignerFromEnv()
			if err != nil {
				return err
			}
			store, err := openStore(dsn)
			if err != nil {
				return err
			}
			_, err = archive.Export(ctx, archive.ExportConfig{
				Source: store,
				Cutoff: time.Now().Add(-olderThan),
				Output: output,
				Signer: signer,
				Stdout: os.Stdout,
			})
			return err
		},
	}

	cmd.Flags().StringVar(&dsn, "db", os.Getenv("EAGLED_DB_DSN"), "Postgres DSN (defaults to EAGLED_DB_DSN)")
	cmd.Flags().StringVar(&output, "output", "", "Destination archive file (tar.zst)")
	cmd.Flags().DurationVar(&olderThan, "older-than", 30*24*time.Hour, "Export sessions last touched longer ago than this")
	_ = cmd.MarkFlagRequired("output")
	return cmd
}

func newArchivesImportCommand() *cobra.Command {
	var (
		dsn  string
		file string
	)

	cmd := &cobra.Command{
		Use:   "import",
		Short: "Verify a signed archive and restore its sessions",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := commandContext(cmd)
			signer, err := archive.NewSignerFromEnv()
			if err != nil {
				return err
			}
			store, err := openStore(dsn)
			if err != nil {
				return err
			}
			_, err = archive.Import(ctx, archive.ImportConfig{
				ArchivePath: file,
				Sink:        store,
				Signer:      signer,
				Stdout:      os.Stdout,
			})
			return err
		},
	}

	cmd.Flags().StringVar(&dsn, "db", os.Getenv("EAGLED_DB_DSN"), "Postgres DSN (defaults to EAGLED_DB_DSN)")
	cmd.Flags().StringVar(&file, "file", "", "Path to the archive tar.zst")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func newArchivesPushCommand() *cobra.Command {
	var (
		file   string
		bucket string
		key    string
	)

	cmd := &cobra.Command{
		Use:   "push",
		Short: "Upload an archive to S3-compatible storage",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := commandContext(cmd)
			client, err := gos3.NewClientFromEnv()
			if err != nil {
				return fmt.Errorf("s3 client: %w", err)
			}
			if err := archive.Push(ctx, client, bucket, key, file); err != nil {
				return err
			}
			fmt.Fprintf(os.Stdout, "pushed %s to s3://%s/%s\n", file, bucket, key)
			return nil
		},
	}

	cmd.Flags().StringVar(&file, "file", "", "Path to the archive tar.zst")
	cmd.Flags().StringVar(&bucket, "bucket", "", "Destination bucket")
	cmd.Flags().StringVar(&key, "key", "", "Destination object key")
	_ = cmd.MarkFlagRequired("file")
	_ = cmd.MarkFlagRequired("bucket")
	_ = cmd.MarkFlagRequired("key")
	return cmd
}

func newArchivesLinkCommand() *cobra.Command {
	var (
		bucket string
		key    string
		ttl    time.Duration
	)

	cmd := &cobra.Command{
		Use:   "link",
		Short: "Generate a presigned download URL for a pushed archive",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := commandContext(cmd)
			client, err := gos3.NewClientFromEnv()
			if err != nil {
				return fmt.Errorf("s3 client: %w", err)
			}
			url, err := archive.Link(ctx, client, bucket, key, ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(os.Stdout, url)
			return nil
		},
	}

	cmd.Flags().StringVar(&bucket, "bucket", "", "Bucket holding the archive")
	cmd.Flags().StringVar(&key, "key", "", "Object key of the archive")
	cmd.Flags().DurationVar(&ttl, "ttl", time.Hour, "Lifetime of the presigned URL")
	_ = cmd.MarkFlagRequired("bucket")
	_ = cmd.MarkFlagRequired("key")
	return cmd
}

func newVaultCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "vault",
		Short: "Key vault utilities",
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	cmd.AddCommand(newVaultKeygenCommand())
	return cmd
}

func newVaultKeygenCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "keygen",
		Short: "Generate a fresh master secret for EAGLED_VAULT_SECRET",
		RunE: func(cmd *cobra.Command, args []string) error {
			secret := make([]byte, 32)
			if _, err := rand.Read(secret); err != nil {
				return fmt.Errorf("generate secret: %w", err)
			}
			fmt.Fprintln(os.Stdout, hex.EncodeToString(secret))
			return nil
		},
	}
}

func commandContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}

func openStore(dsn string) (*registry.SessionStore, error) {
	if dsn == "" {
		return nil, fmt.Errorf("database DSN required (set --db or EAGLED_DB_DSN)")
	}
	orm, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	return registry.NewSessionStore(orm), nil
}
