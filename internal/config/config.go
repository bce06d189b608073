package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"SwarmMarket/internal/auth"
)

// Config 描述了市场引擎在启动阶段需要加载的核心配置。
type Config struct {
	Server     ServerConfig     `json:"server"`
	Storage    StorageConfig    `json:"storage"`
	Notify     NotifyConfig     `json:"notify"`
	Anchor     AnchorConfig     `json:"anchor"`
	Market     MarketConfig     `json:"market"`
	Proof      ProofConfig      `json:"proof"`
	Auth       AuthConfig       `json:"auth"`
	Supervisor SupervisorConfig `json:"supervisor"`
	Logging    LoggingConfig    `json:"logging"`
}

// ServerConfig 控制 API 服务的监听地址等参数。
type ServerConfig struct {
	Address string `json:"address"`
}

// StorageConfig 描述注册表、账本与证明三套存储共用的后端。
type StorageConfig struct {
	Driver string `json:"driver"`
	DSN    string `json:"dsn"`
}

// NotifyConfig 选择事件队列的实现方式。
type NotifyConfig struct {
	Driver   string         `json:"driver"`
	Redis    RedisConfig    `json:"redis"`
	RabbitMQ RabbitMQConfig `json:"rabbitmq"`
}

// RedisConfig 描述 Redis 队列的连接参数。
type RedisConfig struct {
	Address          string `json:"address"`
	Password         string `json:"password"`
	DB               int    `json:"db"`
	Queue            string `json:"queue"`
	BlockWaitSeconds int    `json:"block_wait_seconds"`
}

// RabbitMQConfig 描述 RabbitMQ 队列的连接参数。
type RabbitMQConfig struct {
	URL        string `json:"url"`
	Queue      string `json:"queue"`
	Prefetch   int    `json:"prefetch"`
	Durable    bool   `json:"durable"`
	AutoDelete bool   `json:"auto_delete"`
}

// AnchorConfig 包含结算锚定所需的区块链节点信息。
type AnchorConfig struct {
	Enabled    bool   `json:"enabled"`
	RPCURL     string `json:"rpc_url"`
	PrivateKey string `json:"private_key"`
	To         string `json:"to"`
	GasLimit   uint64 `json:"gas_limit"`
}

// MarketConfig 设置拍卖、交付与验证三个窗口的时长（秒）。
type MarketConfig struct {
	AuctionWindow      int64 `json:"auction_window"`
	CompletionWindow   int64 `json:"completion_window"`
	VerificationWindow int64 `json:"verification_window"`
}

// ProofConfig 指向验收标准目录文件并选择审查器。
// Attestor 取值 internal（内置确定性审查）或 passthrough（留待外部裁决）。
type ProofConfig struct {
	CriteriaPath string `json:"criteria_path"`
	Attestor     string `json:"attestor"`
}

// AuthConfig 控制权限表的启用与初始成员。
type AuthConfig struct {
	Enabled bool        `json:"enabled"`
	Seeds   []auth.Seed `json:"seeds"`
}

// SupervisorConfig 控制后台扫描循环。
type SupervisorConfig struct {
	IntervalSeconds int `json:"interval_seconds"`
}

// LoggingConfig 映射到日志组件的初始化参数。
type LoggingConfig struct {
	Level       string      `json:"level"`
	Format      string      `json:"format"`
	OutputPaths []string    `json:"output_paths"`
	Audit       AuditConfig `json:"audit"`
}

// AuditConfig 控制审计日志的落盘与滚动。
type AuditConfig struct {
	Enabled    bool   `json:"enabled"`
	Path       string `json:"path"`
	MaxSizeMB  int    `json:"max_size_mb"`
	MaxBackups int    `json:"max_backups"`
	MaxAgeDays int    `json:"max_age_days"`
}

// Load 负责解析指定路径的 JSON 配置文件。
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("配置文件路径为空")
	}

	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("打开配置文件失败: %w", err)
	}
	defer file.Close()

	content, err := io.ReadAll(file)
	if err != nil {
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}

	var cfg Config
	if err := json.Unmarshal(content, &cfg); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	cfg.applyDefaults(filepath.Dir(path))

	return &cfg, nil
}

// applyDefaults 在用户未填写部分字段时设置合理的默认值。
func (c *Config) applyDefaults(baseDir string) {
	if c.Server.Address == "" {
		c.Server.Address = ":8080"
	}

	if c.Storage.Driver == "" {
		c.Storage.Driver = "memory"
	}

	if c.Notify.Driver == "" {
		c.Notify.Driver = "memory"
	}

	if c.Anchor.Enabled && c.Anchor.GasLimit == 0 {
		c.Anchor.GasLimit = 60000
	}

	if c.Market.AuctionWindow <= 0 {
		c.Market.AuctionWindow = 30
	}
	if c.Market.CompletionWindow <= 0 {
		c.Market.CompletionWindow = 300
	}
	if c.Market.VerificationWindow <= 0 {
		c.Market.VerificationWindow = 60
	}

	if c.Proof.CriteriaPath != "" && !filepath.IsAbs(c.Proof.CriteriaPath) {
		c.Proof.CriteriaPath = filepath.Join(baseDir, c.Proof.CriteriaPath)
	}
	if c.Proof.Attestor == "" {
		c.Proof.Attestor = "internal"
	}

	if c.Supervisor.IntervalSeconds <= 0 {
		c.Supervisor.IntervalSeconds = 5
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
	if c.Logging.Audit.Enabled {
		if c.Logging.Audit.Path == "" {
			c.Logging.Audit.Path = filepath.Join(baseDir, "audit", "market.log")
		} else if !filepath.IsAbs(c.Logging.Audit.Path) {
			c.Logging.Audit.Path = filepath.Join(baseDir, c.Logging.Audit.Path)
		}
	}
}
