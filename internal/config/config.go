package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/viper"
)

type Service struct {
	Name         string
	DatabasePath string
	LogLevel     string
	LogPath      string
}

type Source struct {
	// WatchRoots are directories under which removable media gets
	// automounted (e.g. /media, /run/media/<user>).
	WatchRoots []string
	AutoBackup bool
}

type Files struct {
	Extensions []string
	MinSize    int64
}

type Immich struct {
	Enabled bool
	URL     string
	APIKey  string
	Timeout time.Duration
}

type Share struct {
	Enabled        bool
	MountPoint     string
	OrganizeByDate bool
	Timeout        time.Duration
}

type Redis struct {
	Enabled     bool
	Addr        string
	Password    string
	DB          int
	TopicPrefix string
}

type Backup struct {
	ConcurrentFiles int
	VerifyChecksums bool
	MaxRetries      int
	RetryDelay      time.Duration
}

type Config struct {
	Service Service
	Source  Source
	Files   Files
	Immich  Immich
	Share   Share
	Redis   Redis
	Backup  Backup
}

var defaultExtensions = []string{
	".jpg", ".jpeg", ".png", ".raw", ".cr2", ".cr3", ".nef",
	".arw", ".dng", ".orf", ".rw2", ".pef", ".srw",
	".mp4", ".mov", ".avi", ".mkv", ".mts",
}

// Load reads the YAML config at path, applies defaults and pulls
// secrets from the environment. A missing file yields pure defaults.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	v.SetDefault("service.name", "snapsync")
	v.SetDefault("service.database_path", "./snapsync.db")
	v.SetDefault("service.log_level", "info")
	v.SetDefault("source.watch_roots", []string{"/media"})
	v.SetDefault("source.auto_backup", true)
	v.SetDefault("files.extensions", defaultExtensions)
	v.SetDefault("files.min_size", 1024)
	v.SetDefault("immich.enabled", false)
	v.SetDefault("immich.timeout", "300s")
	v.SetDefault("share.enabled", false)
	v.SetDefault("share.organize_by_date", true)
	v.SetDefault("share.timeout", "120s")
	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.addr", "127.0.0.1:6379")
	v.SetDefault("redis.topic_prefix", "snapsync")
	v.SetDefault("backup.concurrent_files", 3)
	v.SetDefault("backup.verify_checksums", true)
	v.SetDefault("backup.max_retries", 3)
	v.SetDefault("backup.retry_delay", "5s")

	if err := v.ReadInConfig(); err != nil {
		// A missing config file is fine, everything has a default.
		var nf viper.ConfigFileNotFoundError
		if !errors.As(err, &nf) && !os.IsNotExist(err) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	cfg := &Config{
		Service: Service{
			Name:         v.GetString("service.name"),
			DatabasePath: v.GetString("service.database_path"),
			LogLevel:     v.GetString("service.log_level"),
			LogPath:      v.GetString("service.log_path"),
		},
		Source: Source{
			WatchRoots: v.GetStringSlice("source.watch_roots"),
			AutoBackup: v.GetBool("source.auto_backup"),
		},
		Files: Files{
			Extensions: v.GetStringSlice("files.extensions"),
			MinSize:    v.GetInt64("files.min_size"),
		},
		Immich: Immich{
			Enabled: v.GetBool("immich.enabled"),
			URL:     v.GetString("immich.url"),
			APIKey:  v.GetString("immich.api_key"),
			Timeout: v.GetDuration("immich.timeout"),
		},
		Share: Share{
			Enabled:        v.GetBool("share.enabled"),
			MountPoint:     v.GetString("share.mount_point"),
			OrganizeByDate: v.GetBool("share.organize_by_date"),
			Timeout:        v.GetDuration("share.timeout"),
		},
		Redis: Redis{
			Enabled:     v.GetBool("redis.enabled"),
			Addr:        v.GetString("redis.addr"),
			Password:    v.GetString("redis.password"),
			DB:          v.GetInt("redis.db"),
			TopicPrefix: v.GetString("redis.topic_prefix"),
		},
		Backup: Backup{
			ConcurrentFiles: v.GetInt("backup.concurrent_files"),
			VerifyChecksums: v.GetBool("backup.verify_checksums"),
			MaxRetries:      v.GetInt("backup.max_retries"),
			RetryDelay:      v.GetDuration("backup.retry_delay"),
		},
	}

	// Secrets come from the environment when present.
	if key := os.Getenv("IMMICH_API_KEY"); key != "" {
		cfg.Immich.APIKey = key
	}
	if pass := os.Getenv("REDIS_PASSWORD"); pass != "" {
		cfg.Redis.Password = pass
	}

	if cfg.Backup.ConcurrentFiles <= 0 {
		cfg.Backup.ConcurrentFiles = 3
	}
	if cfg.Backup.MaxRetries < 0 {
		cfg.Backup.MaxRetries = 0
	}

	return cfg, nil
}

// Validate checks that every enabled destination is fully specified.
func (c *Config) Validate() error {
	var errs []string
	if c.Immich.Enabled {
		if c.Immich.URL == "" {
			errs = append(errs, "immich.url is required when immich is enabled")
		}
		if c.Immich.APIKey == "" {
			errs = append(errs, "immich.api_key is required when immich is enabled")
		}
	}
	if c.Share.Enabled && c.Share.MountPoint == "" {
		errs = append(errs, "share.mount_point is required when share is enabled")
	}
	if !c.Immich.Enabled && !c.Share.Enabled {
		errs = append(errs, "no backup destinations enabled")
	}
	if len(errs) > 0 {
		return fmt.Errorf("config: %v", errs)
	}
	return nil
}
