package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Duration 提供更灵活的反序列化能力，同时兼容纯秒整数与 Go Duration 字符串。
type Duration time.Duration

// UnmarshalText 使 Viper 可以识别诸如 "30s"、"5m" 或纯数字秒值等配置写法。
func (d *Duration) UnmarshalText(text []byte) error {
	raw := strings.TrimSpace(string(text))
	if raw == "" {
		*d = Duration(0)
		return nil
	}

	if parsed, err := time.ParseDuration(raw); err == nil {
		*d = Duration(parsed)
		return nil
	}

	if intVal, err := parseInt(raw); err == nil {
		*d = Duration(time.Duration(intVal) * time.Second)
		return nil
	}

	return fmt.Errorf("invalid duration value: %s", raw)
}

// DurationValue 返回真实的 time.Duration，便于调用方计算。
func (d Duration) DurationValue() time.Duration {
	return time.Duration(d)
}

// parseInt 支持十进制或 0x 前缀的十六进制字符串解析。
func parseInt(value string) (int64, error) {
	if strings.HasPrefix(value, "0x") || strings.HasPrefix(value, "0X") {
		return strconv.ParseInt(value, 0, 64)
	}
	return strconv.ParseInt(value, 10, 64)
}

// GlobalConfig 描述进程级参数：监听端口、日志、存储与观测。
type GlobalConfig struct {
	ListenPort      int    `mapstructure:"ListenPort"`
	ProxyPort       int    `mapstructure:"ProxyPort"`
	LogLevel        string `mapstructure:"LogLevel"`
	LogFilePath     string `mapstructure:"LogFilePath"`
	LogMaxSize      int    `mapstructure:"LogMaxSize"`
	LogMaxBackups   int    `mapstructure:"LogMaxBackups"`
	LogCompress     bool   `mapstructure:"LogCompress"`
	StoragePath     string `mapstructure:"StoragePath"`
	StorageBackend  string `mapstructure:"StorageBackend"`
	ControlSecret   string `mapstructure:"ControlSecret"`
	MetricsExporter string `mapstructure:"MetricsExporter"`
	TracingExporter string `mapstructure:"TracingExporter"`
}

// CacheConfig 对应 [Cache] 段，决定仓库命名、容量与请求分类规则。
type CacheConfig struct {
	Prefix          string   `mapstructure:"Prefix"`
	Version         string   `mapstructure:"Version"`
	MaxImageEntries int      `mapstructure:"MaxImageEntries"`
	Origin          string   `mapstructure:"Origin"`
	Upstream        string   `mapstructure:"Upstream"`
	Precache        []string `mapstructure:"Precache"`
	ImageExtensions []string `mapstructure:"ImageExtensions"`
	PropertyMarkers []string `mapstructure:"PropertyMarkers"`
	UpstreamTimeout Duration `mapstructure:"UpstreamTimeout"`
	FetchTimeout    Duration `mapstructure:"FetchTimeout"`
	MailboxSize     int      `mapstructure:"MailboxSize"`
}

// ProxyConfig 对应 [Proxy] 段，控制正向代理是否解密 HTTPS。
type ProxyConfig struct {
	MITM   bool   `mapstructure:"MITM"`
	CACert string `mapstructure:"CACert"`
	CAKey  string `mapstructure:"CAKey"`
}

// Config 是 TOML 文件映射的整体结构。
type Config struct {
	Global GlobalConfig `mapstructure:",squash"`
	Cache  CacheConfig  `mapstructure:"Cache"`
	Proxy  ProxyConfig  `mapstructure:"Proxy"`
}

// AssetsStoreName 返回通用资源仓库名，例如 truvista-cache-v1。
func (c CacheConfig) AssetsStoreName() string {
	return fmt.Sprintf("%s-cache-%s", c.Prefix, c.Version)
}

// ImageStoreName 返回图片仓库名，例如 truvista-image-cache-v1。
func (c CacheConfig) ImageStoreName() string {
	return fmt.Sprintf("%s-image-cache-%s", c.Prefix, c.Version)
}

// ProxyEnabled 表示是否需要启动正向代理监听。
func (g GlobalConfig) ProxyEnabled() bool {
	return g.ProxyPort > 0
}

// AuthMode 输出 `bearer` 或 `open`，供启动日志使用。
func (g GlobalConfig) AuthMode() string {
	if strings.TrimSpace(g.ControlSecret) != "" {
		return "bearer"
	}
	return "open"
}
