package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

var supportedBackends = map[string]struct{}{
	"file":   {},
	"sqlite": {},
	"memory": {},
}

var supportedMetricsExporters = map[string]struct{}{
	"none":       {},
	"prometheus": {},
	"stdout":     {},
}

var supportedTracingExporters = map[string]struct{}{
	"none":   {},
	"stdout": {},
}

// Validate 针对语义级别做进一步校验，防止非法配置启动服务。
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("配置为空")
	}

	g := c.Global
	if g.ListenPort <= 0 || g.ListenPort > 65535 {
		return newFieldError("Global.ListenPort", "必须在 1-65535")
	}
	if g.ProxyPort < 0 || g.ProxyPort > 65535 {
		return newFieldError("Global.ProxyPort", "必须在 0-65535")
	}
	if g.ProxyPort != 0 && g.ProxyPort == g.ListenPort {
		return newFieldError("Global.ProxyPort", "不能与 ListenPort 相同")
	}
	if _, ok := supportedBackends[g.StorageBackend]; !ok {
		return newFieldError("Global.StorageBackend", "仅支持 file|sqlite|memory")
	}
	if g.StorageBackend != "memory" && g.StoragePath == "" {
		return newFieldError("Global.StoragePath", "不能为空")
	}
	if _, ok := supportedMetricsExporters[g.MetricsExporter]; !ok {
		return newFieldError("Global.MetricsExporter", "仅支持 none|prometheus|stdout")
	}
	if _, ok := supportedTracingExporters[g.TracingExporter]; !ok {
		return newFieldError("Global.TracingExporter", "仅支持 none|stdout")
	}

	cc := c.Cache
	if err := validateNamePart(cc.Prefix); err != nil {
		return fmt.Errorf("Cache.Prefix: %w", err)
	}
	if err := validateNamePart(cc.Version); err != nil {
		return fmt.Errorf("Cache.Version: %w", err)
	}
	if cc.MaxImageEntries <= 0 {
		return newFieldError("Cache.MaxImageEntries", "必须大于 0")
	}
	if cc.MailboxSize <= 0 {
		return newFieldError("Cache.MailboxSize", "必须大于 0")
	}
	if cc.UpstreamTimeout.DurationValue() <= 0 {
		return newFieldError("Cache.UpstreamTimeout", "必须大于 0")
	}
	if cc.FetchTimeout.DurationValue() < 0 {
		return newFieldError("Cache.FetchTimeout", "不能为负数")
	}
	if err := validateOrigin(cc.Origin); err != nil {
		return fmt.Errorf("Cache.Origin: %w", err)
	}
	if cc.Upstream != "" {
		if err := validateOrigin(cc.Upstream); err != nil {
			return fmt.Errorf("Cache.Upstream: %w", err)
		}
	}
	for _, entry := range cc.Precache {
		if strings.TrimSpace(entry) == "" {
			return newFieldError("Cache.Precache", "不能包含空字符串")
		}
	}

	p := c.Proxy
	if p.MITM {
		if !g.ProxyEnabled() {
			return newFieldError("Proxy.MITM", "需要同时配置 ProxyPort")
		}
		if (p.CACert == "") != (p.CAKey == "") {
			return newFieldError("Proxy.CACert/CAKey", "必须同时提供或同时留空")
		}
	}

	return nil
}

func validateNamePart(part string) error {
	if part == "" {
		return errors.New("不能为空")
	}
	if strings.ContainsAny(part, `/\ `) {
		return errors.New("不允许包含路径分隔符或空格")
	}
	return nil
}

func validateOrigin(raw string) error {
	if raw == "" {
		return errors.New("缺少地址")
	}
	parsed, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return fmt.Errorf("仅支持 http/https: %s", raw)
	}
	if parsed.Host == "" {
		return fmt.Errorf("缺少 Host: %s", raw)
	}
	if parsed.Path != "" && parsed.Path != "/" {
		return fmt.Errorf("不允许包含路径: %s", raw)
	}
	return nil
}
