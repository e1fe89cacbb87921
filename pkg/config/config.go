package config

// 统一配置加载: 默认值 -> YAML 文件 (可选) -> 环境变量。
// main 解析 --config 后调用 LoadFile; 不指定时读取 PCM_CONFIG。

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config 保存运行时关键参数。
type Config struct {
	DataDir              string `yaml:"data_dir"`               // 数据目录
	DatabasePath         string `yaml:"database_path"`          // 为空时使用 DataDir/pcmanager.db
	IdentityPath         string `yaml:"identity_path"`          // age 身份文件, 为空时使用 DataDir/identity.txt
	MaxParallel          int    `yaml:"max_parallel"`           // 批量并发上限 (<=0 不限制)
	ActionTimeout        int    `yaml:"action_timeout"`         // 单机动作超时 (秒)
	HistoryRetentionDays int    `yaml:"history_retention_days"` // 历史保留天数
	HistoryMaxRows       int    `yaml:"history_max_rows"`
	HistoryFlushInterval int    `yaml:"history_flush_interval"` // 秒
	HistoryBatchSize     int    `yaml:"history_batch_size"`
	SSHPort              int    `yaml:"ssh_port"`
	SSHDialTimeout       int    `yaml:"ssh_dial_timeout"`  // 秒
	LibvirtSocket        string `yaml:"libvirt_socket"`    // 宿主机上的 libvirtd unix socket
	WOLPollInterval      int    `yaml:"wol_poll_interval"` // 秒, 0 使用内置值 (2)
	WOLPollTimeout       int    `yaml:"wol_poll_timeout"`  // 秒, 0 使用内置值 (20)
	LibvirtPollInterval  int    `yaml:"libvirt_poll_interval"`
	LibvirtPollTimeout   int    `yaml:"libvirt_poll_timeout"`
	NATSURL              string `yaml:"nats_url"` // 非空则发布状态事件
	MetricsAddr          string `yaml:"metrics_addr"`
	LogLevel             string `yaml:"log_level"`
	LogFormat            string `yaml:"log_format"` // console | json
}

// Default 返回内置默认值。
func Default() *Config {
	return &Config{
		DataDir:              "data",
		MaxParallel:          0,
		ActionTimeout:        120,
		HistoryRetentionDays: 30,
		HistoryMaxRows:       10000,
		HistoryFlushInterval: 2,
		HistoryBatchSize:     20,
		SSHPort:              22,
		SSHDialTimeout:       10,
		LibvirtSocket:        "/var/run/libvirt/libvirt-sock",
		MetricsAddr:          ":9464",
		LogLevel:             "info",
		LogFormat:            "console",
	}
}

// LoadFile 读取指定 YAML 文件 (path 为空时跳过), 然后叠加环境变量。
// 环境变量：
//
//	PCM_DATA_DIR        数据目录 (默认 data)
//	PCM_DB_PATH         sqlite 文件路径
//	PCM_MAX_PARALLEL    批量并发数 (整数, 默认 0 不限)
//	PCM_NATS_URL        状态事件 NATS 地址
//	PCM_LOG_LEVEL       debug|info|warn|error
func LoadFile(path string) (*Config, error) {
	c := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		if err == nil {
			if err := yaml.Unmarshal(data, c); err != nil {
				return nil, fmt.Errorf("parse config %s: %w", path, err)
			}
		}
	}
	applyEnv(c)
	if err := os.MkdirAll(c.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	return c, nil
}

func applyEnv(c *Config) {
	c.DataDir = envOr("PCM_DATA_DIR", c.DataDir)
	c.DatabasePath = envOr("PCM_DB_PATH", c.DatabasePath)
	c.IdentityPath = envOr("PCM_IDENTITY_PATH", c.IdentityPath)
	c.MaxParallel = envInt("PCM_MAX_PARALLEL", c.MaxParallel)
	c.ActionTimeout = envInt("PCM_ACTION_TIMEOUT", c.ActionTimeout)
	c.HistoryRetentionDays = envInt("PCM_HISTORY_RETENTION_DAYS", c.HistoryRetentionDays)
	c.HistoryMaxRows = envInt("PCM_HISTORY_MAX_ROWS", c.HistoryMaxRows)
	c.HistoryFlushInterval = envInt("PCM_HISTORY_FLUSH_INTERVAL", c.HistoryFlushInterval)
	c.HistoryBatchSize = envInt("PCM_HISTORY_BATCH_SIZE", c.HistoryBatchSize)
	c.SSHPort = envInt("PCM_SSH_PORT", c.SSHPort)
	c.SSHDialTimeout = envInt("PCM_SSH_DIAL_TIMEOUT", c.SSHDialTimeout)
	c.LibvirtSocket = envOr("PCM_LIBVIRT_SOCKET", c.LibvirtSocket)
	c.WOLPollInterval = envInt("PCM_WOL_POLL_INTERVAL", c.WOLPollInterval)
	c.WOLPollTimeout = envInt("PCM_WOL_POLL_TIMEOUT", c.WOLPollTimeout)
	c.LibvirtPollInterval = envInt("PCM_LIBVIRT_POLL_INTERVAL", c.LibvirtPollInterval)
	c.LibvirtPollTimeout = envInt("PCM_LIBVIRT_POLL_TIMEOUT", c.LibvirtPollTimeout)
	c.NATSURL = envOr("PCM_NATS_URL", c.NATSURL)
	c.MetricsAddr = envOr("PCM_METRICS_ADDR", c.MetricsAddr)
	c.LogLevel = envOr("PCM_LOG_LEVEL", c.LogLevel)
	c.LogFormat = envOr("PCM_LOG_FORMAT", c.LogFormat)
}

// DBPath 返回 sqlite 文件路径。
func (c *Config) DBPath() string {
	if c.DatabasePath != "" {
		return c.DatabasePath
	}
	return filepath.Join(c.DataDir, "pcmanager.db")
}

// IdentityFile 返回 age 身份文件路径。
func (c *Config) IdentityFile() string {
	if c.IdentityPath != "" {
		return c.IdentityPath
	}
	return filepath.Join(c.DataDir, "identity.txt")
}

func (c *Config) SSHDialTimeoutDuration() time.Duration {
	return time.Duration(c.SSHDialTimeout) * time.Second
}

func (c *Config) ActionTimeoutDuration() time.Duration {
	return time.Duration(c.ActionTimeout) * time.Second
}

func (c *Config) HistoryFlushIntervalDuration() time.Duration {
	return time.Duration(c.HistoryFlushInterval) * time.Second
}

// Helpers
func envOr(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}
func envInt(k string, def int) int {
	if v := os.Getenv(k); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}
