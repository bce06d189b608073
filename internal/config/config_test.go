package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadAppliesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	if err := os.WriteFile(path, []byte(`{}`), 0o600); err != nil {
		t.Fatalf("写入配置文件失败: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("加载配置失败: %v", err)
	}
	if cfg.Server.Address != ":8080" {
		t.Fatalf("默认监听地址 = %s, 期望 :8080", cfg.Server.Address)
	}
	if cfg.Storage.Driver != "memory" || cfg.Notify.Driver != "memory" {
		t.Fatalf("默认驱动 = %s/%s, 期望 memory", cfg.Storage.Driver, cfg.Notify.Driver)
	}
	if cfg.Market.AuctionWindow != 30 || cfg.Market.CompletionWindow != 300 || cfg.Market.VerificationWindow != 60 {
		t.Fatalf("默认窗口 = %+v", cfg.Market)
	}
	if cfg.Supervisor.IntervalSeconds != 5 {
		t.Fatalf("默认扫描间隔 = %d, 期望 5", cfg.Supervisor.IntervalSeconds)
	}
	if cfg.Logging.Level != "info" || cfg.Logging.Format != "json" {
		t.Fatalf("默认日志配置 = %+v", cfg.Logging)
	}
	if cfg.Proof.Attestor != "internal" {
		t.Fatalf("默认审查器 = %s, 期望 internal", cfg.Proof.Attestor)
	}
}

func TestLoadResolvesRelativePaths(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	content := `{
  "proof": {"criteria_path": "criteria.yaml"},
  "logging": {"audit": {"enabled": true, "path": "logs/audit.log"}}
}`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("写入配置文件失败: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("加载配置失败: %v", err)
	}
	if cfg.Proof.CriteriaPath != filepath.Join(dir, "criteria.yaml") {
		t.Fatalf("标准目录路径 = %s", cfg.Proof.CriteriaPath)
	}
	if cfg.Logging.Audit.Path != filepath.Join(dir, "logs", "audit.log") {
		t.Fatalf("审计日志路径 = %s", cfg.Logging.Audit.Path)
	}
}

func TestLoadFullConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	content := `{
  "server": {"address": ":9090"},
  "storage": {"driver": "mysql", "dsn": "user:pass@tcp(localhost:3306)/market"},
  "notify": {"driver": "redis", "redis": {"address": "localhost:6379", "queue": "events"}},
  "anchor": {"enabled": true, "rpc_url": "http://localhost:8545", "to": "0xabc"},
  "market": {"auction_window": 60},
  "proof": {"attestor": "passthrough"},
  "auth": {"enabled": true, "seeds": [{"address": "alice", "roles": ["admin"]}]}
}`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("写入配置文件失败: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("加载配置失败: %v", err)
	}
	if cfg.Storage.Driver != "mysql" || cfg.Notify.Driver != "redis" {
		t.Fatalf("驱动 = %s/%s", cfg.Storage.Driver, cfg.Notify.Driver)
	}
	if cfg.Anchor.GasLimit != 60000 {
		t.Fatalf("锚定 gas 上限 = %d, 期望默认 60000", cfg.Anchor.GasLimit)
	}
	if cfg.Market.AuctionWindow != 60 || cfg.Market.CompletionWindow != 300 {
		t.Fatalf("窗口 = %+v", cfg.Market)
	}
	if len(cfg.Auth.Seeds) != 1 || cfg.Auth.Seeds[0].Address != "alice" {
		t.Fatalf("权限种子 = %+v", cfg.Auth.Seeds)
	}
	if cfg.Proof.Attestor != "passthrough" {
		t.Fatalf("审查器 = %s, 期望 passthrough", cfg.Proof.Attestor)
	}
}

func TestLoadRejectsMissingFile(t *testing.T) {
	if _, err := Load(""); err == nil {
		t.Fatalf("空路径应当报错")
	}
	if _, err := Load(filepath.Join(t.TempDir(), "absent.json")); err == nil {
		t.Fatalf("不存在的文件应当报错")
	}
}
