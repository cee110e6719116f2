package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"
)

// StorageBackend はドキュメントの永続化方式を表す。
type StorageBackend string

const (
	// StorageFile はファイルシステムへの保存を表す。
	StorageFile StorageBackend = "file"
	// StorageSQLite はSQLiteデータベースへの保存を表す。
	StorageSQLite StorageBackend = "sqlite"
)

// Config はアプリケーション全体の設定を保持する。
// 環境変数から起動時に1回読み込み、イミュータブルとして扱う。
type Config struct {
	// Storage
	DataDir        string
	StorageBackend StorageBackend

	// Device
	DeviceName string

	// Relay
	RelayPort     int
	RelayHubAddr  string // 空文字列の場合は自デバイスがハブを兼ねる
	RelayPingInterval time.Duration
	RelayRetryInterval time.Duration

	// Capture
	FetchTimeout       time.Duration
	FetchMaxSize       int64
	FetchMaxConcurrent int
	CaptureInterval    time.Duration

	// HTTP
	HTTPPort string
}

// Load は環境変数からConfigを読み込む。
// すべての項目にデフォルト値があるため、必須環境変数は存在しない。
// データディレクトリのデフォルトはユーザー設定ディレクトリ配下のfeedsync。
func Load() (*Config, error) {
	cfg := &Config{}

	dataDir := os.Getenv("FEEDSYNC_DATA_DIR")
	if dataDir == "" {
		configDir, err := os.UserConfigDir()
		if err != nil {
			return nil, fmt.Errorf("failed to determine user config dir: %w", err)
		}
		dataDir = filepath.Join(configDir, "feedsync")
	}
	cfg.DataDir = dataDir

	backend := StorageBackend(getEnvString("FEEDSYNC_STORAGE", string(StorageFile)))
	if backend != StorageFile && backend != StorageSQLite {
		return nil, fmt.Errorf("unsupported storage backend: %q (expected file or sqlite)", backend)
	}
	cfg.StorageBackend = backend

	hostname, _ := os.Hostname()
	cfg.DeviceName = getEnvString("FEEDSYNC_DEVICE_NAME", hostname)

	cfg.RelayPort = getEnvInt("FEEDSYNC_RELAY_PORT", 8765)
	cfg.RelayHubAddr = getEnvString("FEEDSYNC_RELAY_HUB", "")
	cfg.RelayPingInterval = getEnvDuration("FEEDSYNC_RELAY_PING_INTERVAL", 30*time.Second)
	cfg.RelayRetryInterval = getEnvDuration("FEEDSYNC_RELAY_RETRY_INTERVAL", 5*time.Second)

	cfg.FetchTimeout = getEnvDuration("FEEDSYNC_FETCH_TIMEOUT", 10*time.Second)
	cfg.FetchMaxSize = getEnvInt64("FEEDSYNC_FETCH_MAX_SIZE", 5242880)
	cfg.FetchMaxConcurrent = getEnvInt("FEEDSYNC_FETCH_MAX_CONCURRENT", 5)
	cfg.CaptureInterval = getEnvDuration("FEEDSYNC_CAPTURE_INTERVAL", 5*time.Minute)

	cfg.HTTPPort = getEnvString("FEEDSYNC_HTTP_PORT", "8766")

	return cfg, nil
}

// DocumentPath はファイルストレージ使用時のドキュメントファイルパスを返す。
func (c *Config) DocumentPath() string {
	return filepath.Join(c.DataDir, "document.json")
}

// SQLitePath はSQLiteストレージ使用時のデータベースファイルパスを返す。
func (c *Config) SQLitePath() string {
	return filepath.Join(c.DataDir, "feedsync.db")
}

func getEnvString(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return i
}

func getEnvInt64(key string, defaultVal int64) int64 {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return defaultVal
	}
	return i
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultVal
	}
	return d
}
