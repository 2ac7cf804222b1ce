package config

import (
	"fmt"
	"path/filepath"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

const (
	DefaultCachePrefix     = "truvista"
	DefaultCacheVersion    = "v1"
	DefaultMaxImageEntries = 100
	DefaultMailboxSize     = 64
)

// DefaultPrecache 是应用外壳入口，安装阶段写入通用资源仓库。
var DefaultPrecache = []string{"/", "/index.html", "/manifest.json", "/favicon.ico"}

// Load 读取并解析 TOML 配置文件，同时注入默认值与校验逻辑。
// 以 TRUVISTA_ 为前缀的环境变量可覆盖同名字段，例如 TRUVISTA_LISTENPORT、TRUVISTA_CACHE_VERSION。
func Load(path string) (*Config, error) {
	if path == "" {
		path = "config.toml"
	}

	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("TRUVISTA")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("读取配置失败: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		durationDecodeHook(),
		mapstructure.StringToSliceHookFunc(","),
	))); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	applyGlobalDefaults(&cfg.Global)
	applyCacheDefaults(&cfg.Cache)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	if cfg.Global.StorageBackend != "memory" {
		absStorage, err := filepath.Abs(cfg.Global.StoragePath)
		if err != nil {
			return nil, fmt.Errorf("无法解析缓存目录: %w", err)
		}
		cfg.Global.StoragePath = absStorage
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("ListenPort", 5000)
	v.SetDefault("ProxyPort", 0)
	v.SetDefault("LogLevel", "info")
	v.SetDefault("LogFilePath", "")
	v.SetDefault("LogMaxSize", 100)
	v.SetDefault("LogMaxBackups", 10)
	v.SetDefault("LogCompress", true)
	v.SetDefault("StoragePath", "./storage")
	v.SetDefault("StorageBackend", "file")
	v.SetDefault("ControlSecret", "")
	v.SetDefault("MetricsExporter", "none")
	v.SetDefault("TracingExporter", "none")

	v.SetDefault("Cache.Prefix", DefaultCachePrefix)
	v.SetDefault("Cache.Version", DefaultCacheVersion)
	v.SetDefault("Cache.MaxImageEntries", DefaultMaxImageEntries)
	v.SetDefault("Cache.UpstreamTimeout", "30s")
	v.SetDefault("Cache.FetchTimeout", 0)
	v.SetDefault("Cache.MailboxSize", DefaultMailboxSize)
}

func applyGlobalDefaults(g *GlobalConfig) {
	if g.ListenPort == 0 {
		g.ListenPort = 5000
	}
	g.StorageBackend = strings.ToLower(strings.TrimSpace(g.StorageBackend))
	if g.StorageBackend == "" {
		g.StorageBackend = "file"
	}
	g.MetricsExporter = strings.ToLower(strings.TrimSpace(g.MetricsExporter))
	if g.MetricsExporter == "" {
		g.MetricsExporter = "none"
	}
	g.TracingExporter = strings.ToLower(strings.TrimSpace(g.TracingExporter))
	if g.TracingExporter == "" {
		g.TracingExporter = "none"
	}
}

func applyCacheDefaults(c *CacheConfig) {
	if strings.TrimSpace(c.Prefix) == "" {
		c.Prefix = DefaultCachePrefix
	}
	if strings.TrimSpace(c.Version) == "" {
		c.Version = DefaultCacheVersion
	}
	if c.MaxImageEntries == 0 {
		c.MaxImageEntries = DefaultMaxImageEntries
	}
	if c.MailboxSize == 0 {
		c.MailboxSize = DefaultMailboxSize
	}
	if c.UpstreamTimeout.DurationValue() == 0 {
		c.UpstreamTimeout = Duration(30 * time.Second)
	}
	if len(c.Precache) == 0 {
		c.Precache = append([]string(nil), DefaultPrecache...)
	}
	c.Origin = strings.TrimRight(strings.TrimSpace(c.Origin), "/")
	c.Upstream = strings.TrimRight(strings.TrimSpace(c.Upstream), "/")
}

func durationDecodeHook() mapstructure.DecodeHookFunc {
	targetType := reflect.TypeOf(Duration(0))

	return func(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
		if to != targetType {
			return data, nil
		}

		switch v := data.(type) {
		case string:
			if v == "" {
				return Duration(0), nil
			}
			if parsed, err := time.ParseDuration(v); err == nil {
				return Duration(parsed), nil
			}
			if seconds, err := strconv.ParseFloat(v, 64); err == nil {
				return Duration(time.Duration(seconds * float64(time.Second))), nil
			}
			return nil, fmt.Errorf("无法解析 Duration 字段: %s", v)
		case int:
			return Duration(time.Duration(v) * time.Second), nil
		case int64:
			return Duration(time.Duration(v) * time.Second), nil
		case float64:
			return Duration(time.Duration(v * float64(time.Second))), nil
		case time.Duration:
			return Duration(v), nil
		case Duration:
			return v, nil
		default:
			return nil, fmt.Errorf("不支持的 Duration 类型: %T", v)
		}
	}
}
