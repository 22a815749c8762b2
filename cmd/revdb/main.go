package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/MarcoPoloResearchLab/revdb/internal/blobstore"
	"github.com/MarcoPoloResearchLab/revdb/internal/config"
	"github.com/MarcoPoloResearchLab/revdb/internal/docstore"
	"github.com/MarcoPoloResearchLab/revdb/internal/logging"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rootCmd := newRootCommand(config.NewViper())
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

// app carries the configuration shared by every subcommand.
type app struct {
	configViper *viper.Viper
	cfgFile     string
}

func newRootCommand(configViper *viper.Viper) *cobra.Command {
	application := &app{configViper: configViper}
	rootCmd := &cobra.Command{
		Use:          "revdb",
		Short:        "Embedded multi-version document store",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return application.initConfig()
		},
	}

	application.setupFlags(rootCmd)
	rootCmd.AddCommand(
		application.newPutCommand(),
		application.newGetCommand(),
		application.newDeleteCommand(),
		application.newChangesCommand(),
		application.newAttachCommand(),
		application.newFetchCommand(),
		application.newCompactCommand(),
		application.newInfoCommand(),
	)
	return rootCmd
}

func (application *app) setupFlags(cmd *cobra.Command) {
	defaults := config.NewViper()
	flags := cmd.PersistentFlags()
	flags.StringVar(&application.cfgFile, "config", "", "Path to configuration file")
	flags.String("store-dir", defaults.GetString("store.directory"), "Directory holding the database and attachments")
	flags.String("dsn", defaults.GetString("storage.dsn"), "Storage DSN (memory://, sqlite://path, postgres://...)")
	flags.Int("max-rev-tree-depth", defaults.GetInt("store.max_rev_tree_depth"), "Revisions kept per branch when pruning")
	flags.Int64("inline-attachment-limit", defaults.GetInt64("store.inline_attachment_limit"), "Attachments of at least this many bytes are sent as follows")
	flags.String("encryption-password", "", "Password for attachment encryption (overrides env)")
	flags.String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	flags.String("log-format", defaults.GetString("log.format"), "Log format (json, console)")

	application.bindFlag(cmd, "store.directory", "store-dir")
	application.bindFlag(cmd, "storage.dsn", "dsn")
	application.bindFlag(cmd, "store.max_rev_tree_depth", "max-rev-tree-depth")
	application.bindFlag(cmd, "store.inline_attachment_limit", "inline-attachment-limit")
	application.bindFlag(cmd, "blobs.encryption_password", "encryption-password")
	application.bindFlag(cmd, "log.level", "log-level")
	application.bindFlag(cmd, "log.format", "log-format")
}

func (application *app) bindFlag(cmd *cobra.Command, key, flag string) {
	if err := application.configViper.BindPFlag(key, cmd.PersistentFlags().Lookup(flag)); err != nil {
		panic(err)
	}
}

func (application *app) initConfig() error {
	if application.cfgFile == "" {
		return nil
	}
	application.configViper.SetConfigFile(application.cfgFile)
	if err := application.configViper.ReadInConfig(); err != nil {
		var configNotFound viper.ConfigFileNotFoundError
		if errors.As(err, &configNotFound) || errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("config file %s not found: %w", application.cfgFile, err)
		}
		return err
	}
	return nil
}

// withStore loads the configuration, opens the store and runs fn with it.
func (application *app) withStore(ctx context.Context, fn func(store *docstore.Store) error) error {
	appConfig, err := config.Load(application.configViper)
	if err != nil {
		return err
	}

	logger, err := logging.NewLogger(appConfig.LogLevel, appConfig.LogFormat)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	if err := os.MkdirAll(appConfig.StoreDirectory, 0o755); err != nil {
		return fmt.Errorf("create store directory: %w", err)
	}

	var encryptionKey *blobstore.EncryptionKey
	if appConfig.EncryptionPassword != "" {
		encryptionKey = blobstore.KeyFromPassword(appConfig.EncryptionPassword)
	}

	store, err := docstore.Open(ctx, docstore.Config{
		DSN:                   appConfig.StorageDSN,
		BlobDir:               appConfig.BlobDirectory,
		EncryptionKey:         encryptionKey,
		MaxRevTreeDepth:       appConfig.MaxRevTreeDepth,
		DocumentCacheSize:     appConfig.DocumentCacheSize,
		InlineAttachmentLimit: appConfig.InlineAttachmentLimit,
		Logger:                logger,
	})
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := store.Close(); closeErr != nil {
			logger.Warn("store close failed", zap.Error(closeErr))
		}
	}()

	return fn(store)
}
