package config

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

const (
	envPrefix                    = "REVDB"
	defaultStoreDirectory        = "revdb-data"
	defaultMaxRevTreeDepth       = 20
	defaultDocumentCacheSize     = 50
	defaultInlineAttachmentLimit = 2048
	defaultLogLevel              = "info"
	defaultLogFormat             = "json"
	sqliteFileName               = "revdb.sqlite3"
	attachmentsDirectoryName     = "attachments"
)

// AppConfig captures runtime configuration for the revdb command.
type AppConfig struct {
	StoreDirectory        string
	StorageDSN            string
	BlobDirectory         string
	MaxRevTreeDepth       int
	DocumentCacheSize     int
	InlineAttachmentLimit int64
	EncryptionPassword    string
	LogLevel              string
	LogFormat             string
}

// NewViper returns a viper instance with defaults and env bindings configured.
func NewViper() *viper.Viper {
	configViper := viper.New()
	ApplyDefaults(configViper)
	return configViper
}

// ApplyDefaults configures defaults and env bindings on the provided viper instance.
func ApplyDefaults(configViper *viper.Viper) {
	configViper.SetEnvPrefix(envPrefix)
	configViper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	configViper.AutomaticEnv()

	configViper.SetDefault("store.directory", defaultStoreDirectory)
	configViper.SetDefault("storage.dsn", "")
	configViper.SetDefault("store.max_rev_tree_depth", defaultMaxRevTreeDepth)
	configViper.SetDefault("store.document_cache_size", defaultDocumentCacheSize)
	configViper.SetDefault("store.inline_attachment_limit", defaultInlineAttachmentLimit)
	configViper.SetDefault("blobs.encryption_password", "")
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("log.format", defaultLogFormat)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		StoreDirectory:        strings.TrimSpace(configViper.GetString("store.directory")),
		StorageDSN:            strings.TrimSpace(configViper.GetString("storage.dsn")),
		MaxRevTreeDepth:       configViper.GetInt("store.max_rev_tree_depth"),
		DocumentCacheSize:     configViper.GetInt("store.document_cache_size"),
		InlineAttachmentLimit: configViper.GetInt64("store.inline_attachment_limit"),
		EncryptionPassword:    configViper.GetString("blobs.encryption_password"),
		LogLevel:              configViper.GetString("log.level"),
		LogFormat:             strings.ToLower(strings.TrimSpace(configViper.GetString("log.format"))),
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	if cfg.StorageDSN == "" {
		cfg.StorageDSN = "sqlite://" + filepath.Join(cfg.StoreDirectory, sqliteFileName)
	}
	cfg.BlobDirectory = filepath.Join(cfg.StoreDirectory, attachmentsDirectoryName)
	return cfg, nil
}

func (c AppConfig) validate() error {
	if c.StoreDirectory == "" {
		return fmt.Errorf("store.directory is required")
	}
	if c.MaxRevTreeDepth < 0 {
		return fmt.Errorf("store.max_rev_tree_depth must not be negative")
	}
	if c.DocumentCacheSize <= 0 {
		return fmt.Errorf("store.document_cache_size must be positive")
	}
	if c.InlineAttachmentLimit <= 0 {
		return fmt.Errorf("store.inline_attachment_limit must be positive")
	}
	switch c.LogFormat {
	case "json", "console":
	default:
		return fmt.Errorf("log.format must be json or console, got %q", c.LogFormat)
	}
	return nil
}
