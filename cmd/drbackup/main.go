package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/tonipapic/drbackup/internal/app"
	"github.com/tonipapic/drbackup/internal/catalog"
	"github.com/tonipapic/drbackup/internal/config"
	"github.com/tonipapic/drbackup/internal/logging"
	"github.com/tonipapic/drbackup/internal/version"
)

type rootFlags struct {
	ConfigPath string
	LogLevel   string
	LogFormat  string
}

type overrideFlags struct {
	Dataset       string
	Root          string
	Storage       string
	StorageTier   string
	LocalPath     string
	S3Endpoint    string
	S3Bucket      string
	S3AccessKey   string
	S3SecretKey   string
	S3Region      string
	S3UseSSL      string
	S3PathStyle   string
	CatalogPath   string
	EncryptionKey string
}

func main() {
	root := &rootFlags{}
	overrides := &overrideFlags{}

	rootCmd := &cobra.Command{
		Use:   "drbackup",
		Short: "Backup chains, integrity verification, and disaster recovery for file datasets",
	}

	rootCmd.PersistentFlags().StringVar(&root.ConfigPath, "config", "", "Path to config file (yaml/toml/json or .enc)")
	rootCmd.PersistentFlags().StringVar(&root.LogLevel, "log-level", "", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&root.LogFormat, "log-format", "", "Log format (json, console)")

	rootCmd.PersistentFlags().StringVar(&overrides.Dataset, "dataset", "", "Dataset name")
	rootCmd.PersistentFlags().StringVar(&overrides.Root, "root", "", "Dataset root directory")
	rootCmd.PersistentFlags().StringVar(&overrides.Storage, "storage", "", "Storage backend (local, s3)")
	rootCmd.PersistentFlags().StringVar(&overrides.StorageTier, "tier", "", "Storage tier for objects (hot, archive)")
	rootCmd.PersistentFlags().StringVar(&overrides.LocalPath, "storage-path", "", "Local storage path")
	rootCmd.PersistentFlags().StringVar(&overrides.S3Endpoint, "s3-endpoint", "", "S3 endpoint (MinIO/OSS)")
	rootCmd.PersistentFlags().StringVar(&overrides.S3Bucket, "s3-bucket", "", "S3 bucket")
	rootCmd.PersistentFlags().StringVar(&overrides.S3AccessKey, "s3-access-key", "", "S3 access key")
	rootCmd.PersistentFlags().StringVar(&overrides.S3SecretKey, "s3-secret-key", "", "S3 secret key")
	rootCmd.PersistentFlags().StringVar(&overrides.S3Region, "s3-region", "", "S3 region")
	rootCmd.PersistentFlags().StringVar(&overrides.S3UseSSL, "s3-ssl", "", "Use SSL for S3 endpoint (true/false)")
	rootCmd.PersistentFlags().StringVar(&overrides.S3PathStyle, "s3-path-style", "", "Force path-style S3 (true/false)")
	rootCmd.PersistentFlags().StringVar(&overrides.CatalogPath, "catalog", "", "Catalog database path")
	rootCmd.PersistentFlags().StringVar(&overrides.EncryptionKey, "encryption-key", "", "Encryption key for objects: base64/hex, or file:<path> / env:<NAME>")

	rootCmd.AddCommand(newBackupCmd(root, overrides))
	rootCmd.AddCommand(newVerifyCmd(root, overrides))
	rootCmd.AddCommand(newRestoreCmd(root, overrides))
	rootCmd.AddCommand(newResumeCmd(root, overrides))
	rootCmd.AddCommand(newCancelCmd(root, overrides))
	rootCmd.AddCommand(newSessionsCmd(root, overrides))
	rootCmd.AddCommand(newListCmd(root, overrides))
	rootCmd.AddCommand(newPruneCmd(root, overrides))
	rootCmd.AddCommand(newStatsCmd(root, overrides))
	rootCmd.AddCommand(newConfigCmd())
	rootCmd.AddCommand(newVersionCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var (
	backupType        string
	backupParent      string
	backupCompression string
	backupEncryption  bool
	backupNoVerify    bool
)

func newBackupCmd(root *rootFlags, overrides *overrideFlags) *cobra.Command {
	backup := &cobra.Command{
		Use:   "backup",
		Short: "Create a full, incremental, or differential backup",
		RunE: func(cmd *cobra.Command, args []string) error {
			appSvc, ctx, cancel, err := buildApp(root, overrides)
			if err != nil {
				return err
			}
			defer cancel()
			defer appSvc.Close()

			typ := catalog.BackupType(strings.ToLower(backupType))
			rec, err := appSvc.CreateBackup(ctx, typ, backupParent)
			if err != nil {
				return err
			}
			appSvc.Log.Info().
				Str("record", rec.ID).
				Str("type", string(rec.Type)).
				Str("status", string(rec.Status)).
				Int("files", rec.FileCount).
				Msg("backup completed")
			fmt.Println(rec.ID)
			return nil
		},
	}
	backup.Flags().StringVar(&backupType, "type", "full", "Backup type (full/incremental/differential)")
	backup.Flags().StringVar(&backupParent, "parent", "", "Pin the parent record id (incremental or differential)")
	backup.Flags().StringVar(&backupCompression, "compression", "", "Compression (none/gzip/zstd)")
	backup.Flags().BoolVar(&backupEncryption, "encrypt", false, "Enable encryption")
	backup.Flags().BoolVar(&backupNoVerify, "no-verify", false, "Skip verification after the backup")
	return backup
}

func newVerifyCmd(root *rootFlags, overrides *overrideFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "verify <record-id>",
		Short: "Re-check a record's stored objects against their hashes",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			appSvc, ctx, cancel, err := buildApp(root, overrides)
			if err != nil {
				return err
			}
			defer cancel()
			defer appSvc.Close()

			res, err := appSvc.Verify(ctx, args[0])
			if err != nil {
				return err
			}
			fmt.Printf("%s\t%s\t%d objects\n", res.RecordID, res.Status, res.Objects)
			for _, path := range res.Mismatched {
				fmt.Printf("mismatched\t%s\n", path)
			}
			for _, path := range res.Missing {
				fmt.Printf("missing\t%s\n", path)
			}
			if !res.OK() {
				return fmt.Errorf("record %s failed verification", res.RecordID)
			}
			return nil
		},
	}
}

func newRestoreCmd(root *rootFlags, overrides *overrideFlags) *cobra.Command {
	var record string
	var asOf string
	var target string
	var paths []string
	var detach bool

	cmd := &cobra.Command{
		Use:   "restore",
		Short: "Recover a record into a target directory",
		RunE: func(cmd *cobra.Command, args []string) error {
			if target == "" {
				return fmt.Errorf("--target is required")
			}
			if (record == "") == (asOf == "") {
				return fmt.Errorf("exactly one of --record and --as-of is required")
			}
			appSvc, ctx, cancel, err := buildApp(root, overrides)
			if err != nil {
				return err
			}
			defer cancel()
			defer appSvc.Close()

			var sess *catalog.RecoverySession
			if asOf != "" {
				at, err := time.Parse(time.RFC3339, asOf)
				if err != nil {
					return fmt.Errorf("parse --as-of: %w", err)
				}
				sess, err = appSvc.StartRecoveryAsOf(ctx, at, target, paths)
				if err != nil {
					return err
				}
			} else {
				sess, err = appSvc.StartRecovery(ctx, record, target, paths)
				if err != nil {
					return err
				}
			}
			if sess.FellBack() {
				appSvc.Log.Warn().
					Str("requested", sess.RequestedRecordID).
					Str("restoring", sess.TargetRecordID).
					Msg("falling back to nearest verified ancestor")
			}
			fmt.Println(sess.ID)
			if detach {
				return nil
			}
			return waitSession(ctx, appSvc, sess.ID)
		},
	}
	cmd.Flags().StringVar(&record, "record", "", "Backup record id to restore")
	cmd.Flags().StringVar(&asOf, "as-of", "", "Restore the newest verified record at or before this RFC 3339 time")
	cmd.Flags().StringVar(&target, "target", "", "Target directory")
	cmd.Flags().StringSliceVar(&paths, "path", nil, "Restrict the restore to these path prefixes")
	cmd.Flags().BoolVar(&detach, "detach", false, "Start the session and exit; follow up with resume/sessions")
	return cmd
}

func newResumeCmd(root *rootFlags, overrides *overrideFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "resume <session-id>",
		Short: "Resume an interrupted recovery session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			appSvc, ctx, cancel, err := buildApp(root, overrides)
			if err != nil {
				return err
			}
			defer cancel()
			defer appSvc.Close()

			if _, err := appSvc.ResumeRecovery(ctx, args[0]); err != nil {
				return err
			}
			return waitSession(ctx, appSvc, args[0])
		},
	}
}

func newCancelCmd(root *rootFlags, overrides *overrideFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <session-id>",
		Short: "Cancel a recovery session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			appSvc, ctx, cancel, err := buildApp(root, overrides)
			if err != nil {
				return err
			}
			defer cancel()
			defer appSvc.Close()
			return appSvc.CancelSession(ctx, args[0])
		},
	}
}

func newSessionsCmd(root *rootFlags, overrides *overrideFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "sessions",
		Short: "List recovery sessions",
		RunE: func(cmd *cobra.Command, args []string) error {
			appSvc, ctx, cancel, err := buildApp(root, overrides)
			if err != nil {
				return err
			}
			defer cancel()
			defer appSvc.Close()

			sessions, err := appSvc.Sessions(ctx)
			if err != nil {
				return err
			}
			for _, sess := range sessions {
				fmt.Printf("%s\t%s\t%s\t%s\t%s\n",
					sess.ID, sess.State, sess.TargetRecordID, sess.TargetDir,
					sess.CreatedAt.Format(time.RFC3339))
			}
			return nil
		},
	}
}

func newListCmd(root *rootFlags, overrides *overrideFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List backup records, oldest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			appSvc, ctx, cancel, err := buildApp(root, overrides)
			if err != nil {
				return err
			}
			defer cancel()
			defer appSvc.Close()

			records, err := appSvc.List(ctx)
			if err != nil {
				return err
			}
			for _, rec := range records {
				parent := rec.ParentID
				if parent == "" {
					parent = "-"
				}
				fmt.Printf("%s\t%s\t%s\t%s\t%d\t%d\t%s\n",
					rec.ID, rec.Type, rec.Status, parent,
					rec.FileCount, rec.TotalSize, rec.CreatedAt.Format(time.RFC3339))
			}
			return nil
		},
	}
}

func newPruneCmd(root *rootFlags, overrides *overrideFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "prune",
		Short: "Apply the retention policy and garbage-collect objects",
		RunE: func(cmd *cobra.Command, args []string) error {
			appSvc, ctx, cancel, err := buildApp(root, overrides)
			if err != nil {
				return err
			}
			defer cancel()
			defer appSvc.Close()

			res, err := appSvc.Prune(ctx)
			if err != nil {
				return err
			}
			fmt.Printf("records: %d\tobjects: %d\tbytes: %d\n",
				len(res.RecordsDeleted), res.ObjectsDeleted, res.BytesFreed)
			return nil
		},
	}
}

func newStatsCmd(root *rootFlags, overrides *overrideFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show backup posture, RPO, and estimated RTO",
		RunE: func(cmd *cobra.Command, args []string) error {
			appSvc, ctx, cancel, err := buildApp(root, overrides)
			if err != nil {
				return err
			}
			defer cancel()
			defer appSvc.Close()

			stats, err := appSvc.Stats(ctx)
			if err != nil {
				return err
			}
			fmt.Printf("dataset: %s\n", stats.Dataset)
			fmt.Printf("records: %d (%d bytes)\n", stats.Records, stats.TotalBytes)
			for typ, ts := range stats.ByType {
				fmt.Printf("  %s: %d (%d bytes)\n", typ, ts.Count, ts.Bytes)
			}
			for status, count := range stats.ByStatus {
				fmt.Printf("  %s: %d\n", status, count)
			}
			if !stats.LastBackup.IsZero() {
				fmt.Printf("last backup: %s\n", stats.LastBackup.Format(time.RFC3339))
			}
			fmt.Printf("rpo: %s\n", stats.RPO.Round(time.Second))
			fmt.Printf("rto estimate: %s\n", stats.RTOEstimate.Round(time.Second))
			return nil
		},
	}
}

func newConfigCmd() *cobra.Command {
	var input string
	var output string
	var key string

	cmd := &cobra.Command{
		Use:   "config",
		Short: "Config utilities",
	}

	encrypt := &cobra.Command{
		Use:   "encrypt",
		Short: "Encrypt a config file",
		RunE: func(cmd *cobra.Command, args []string) error {
			if input == "" || output == "" || key == "" {
				return fmt.Errorf("--input, --output, and --key are required")
			}
			return config.EncryptConfigFile(input, output, key)
		},
	}
	encrypt.Flags().StringVar(&input, "input", "", "Input config file")
	encrypt.Flags().StringVar(&output, "output", "", "Output encrypted config file")
	encrypt.Flags().StringVar(&key, "key", "", "Encryption key (base64 or hex)")

	cmd.AddCommand(encrypt)
	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("drbackup %s (commit %s, built %s)\n", version.Version, version.Commit, version.Date)
		},
	}
}

func buildApp(root *rootFlags, overrides *overrideFlags) (*app.App, context.Context, context.CancelFunc, error) {
	cfg, err := config.Load(root.ConfigPath)
	if err != nil {
		return nil, nil, nil, err
	}
	applyOverrides(cfg, root, overrides)

	logger := logging.Configure(cfg.Global.LogLevel, cfg.Global.LogFormat)
	appSvc, err := app.New(cfg, logger)
	if err != nil {
		return nil, nil, nil, err
	}

	ctx := context.Background()
	cancel := context.CancelFunc(func() {})
	if cfg.Global.OperationTimeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, cfg.Global.OperationTimeout)
	}
	return appSvc, ctx, cancel, nil
}

func waitSession(ctx context.Context, appSvc *app.App, sessionID string) error {
	sess, err := appSvc.WaitRecovery(ctx, sessionID)
	if err != nil {
		return err
	}
	fmt.Printf("%s\t%s\n", sess.ID, sess.State)
	for _, path := range sess.FailedFiles {
		fmt.Printf("failed\t%s\n", path)
	}
	switch sess.State {
	case catalog.StateFailed:
		return fmt.Errorf("recovery failed: %s", sess.Failure)
	case catalog.StateCancelled:
		return fmt.Errorf("recovery cancelled")
	}
	return nil
}

func applyOverrides(cfg *config.Config, root *rootFlags, overrides *overrideFlags) {
	if root.LogLevel != "" {
		cfg.Global.LogLevel = root.LogLevel
	}
	if root.LogFormat != "" {
		cfg.Global.LogFormat = root.LogFormat
	}

	if overrides.Dataset != "" {
		cfg.Dataset.Name = overrides.Dataset
	}
	if overrides.Root != "" {
		cfg.Dataset.Root = overrides.Root
	}
	if overrides.Storage != "" {
		cfg.Storage.Backend = overrides.Storage
	}
	if overrides.StorageTier != "" {
		cfg.Storage.Tier = overrides.StorageTier
	}
	if overrides.LocalPath != "" {
		cfg.Storage.Local.Path = overrides.LocalPath
	}
	if overrides.S3Endpoint != "" {
		cfg.Storage.S3.Endpoint = overrides.S3Endpoint
	}
	if overrides.S3Bucket != "" {
		cfg.Storage.S3.Bucket = overrides.S3Bucket
	}
	if overrides.S3AccessKey != "" {
		cfg.Storage.S3.AccessKey = overrides.S3AccessKey
	}
	if overrides.S3SecretKey != "" {
		cfg.Storage.S3.SecretKey = overrides.S3SecretKey
	}
	if overrides.S3Region != "" {
		cfg.Storage.S3.Region = overrides.S3Region
	}
	if overrides.S3UseSSL != "" {
		cfg.Storage.S3.UseSSL = strings.EqualFold(overrides.S3UseSSL, "true") || overrides.S3UseSSL == "1"
	}
	if overrides.S3PathStyle != "" {
		cfg.Storage.S3.ForcePathStyle = strings.EqualFold(overrides.S3PathStyle, "true") || overrides.S3PathStyle == "1"
	}
	if overrides.CatalogPath != "" {
		cfg.Catalog.Path = overrides.CatalogPath
	}
	if overrides.EncryptionKey != "" {
		cfg.Backup.EncryptionKey = overrides.EncryptionKey
	}

	if backupCompression != "" {
		cfg.Backup.Compression = strings.ToLower(backupCompression)
	}
	if backupEncryption {
		cfg.Backup.Encryption = true
	}
	if backupNoVerify {
		cfg.Backup.VerifyAfter = false
	}

	cfg.Storage.Backend = strings.ToLower(cfg.Storage.Backend)
	cfg.Storage.Tier = strings.ToLower(cfg.Storage.Tier)
	cfg.Backup.Compression = strings.ToLower(cfg.Backup.Compression)
}
