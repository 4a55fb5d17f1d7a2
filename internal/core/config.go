package core

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/viper"

	"github.com/RecoveryAshes/WebSentinel/internal/render"
	"github.com/RecoveryAshes/WebSentinel/internal/scraper"
	"github.com/RecoveryAshes/WebSentinel/internal/utils"
)

// Config 应用程序配置
type Config struct {
	Fetch     FetchSettings     `mapstructure:"fetch"`
	Render    RenderSettings    `mapstructure:"render"`
	Scheduler SchedulerSettings `mapstructure:"scheduler"`
	Storage   StorageSettings   `mapstructure:"storage"`
	Notify    NotifySettings    `mapstructure:"notify"`
	Pause     PauseThresholds   `mapstructure:"pause"`
	Logging   LoggingConfig     `mapstructure:"logging"`
}

// FetchSettings 静态抓取配置
type FetchSettings struct {
	TimeoutSeconds    int               `mapstructure:"timeout_seconds"`
	MaxRedirects      int               `mapstructure:"max_redirects"`
	MaxBodyMB         int               `mapstructure:"max_body_mb"`
	Parallelism       int               `mapstructure:"parallelism"`
	UserAgent         string            `mapstructure:"user_agent"`
	AcceptLanguage    string            `mapstructure:"accept_language"`
	CustomHeaders     map[string]string `mapstructure:"custom_headers"`
	AllowPrivateHosts bool              `mapstructure:"allow_private_hosts"`
}

// RenderSettings 远程渲染与容量闸门配置
type RenderSettings struct {
	WSURL             string `mapstructure:"ws_url"` // 空表示不启用渲染
	Stealth           bool   `mapstructure:"stealth"`
	NavTimeoutSeconds int    `mapstructure:"nav_timeout_seconds"`
	IdleWindowMs      int    `mapstructure:"idle_window_ms"`
	SettleDelayMs     int    `mapstructure:"settle_delay_ms"`
	UserAgent         string `mapstructure:"user_agent"`
	AcceptLanguage    string `mapstructure:"accept_language"`

	// 每月渲染配额(按套餐)
	FreeQuota  int `mapstructure:"free_quota"`
	ProQuota   int `mapstructure:"pro_quota"`
	PowerQuota int `mapstructure:"power_quota"`
	// 可用内存低于该值(MB)时拒绝渲染, 0表示不检查
	MinAvailableMemoryMB int `mapstructure:"min_available_memory_mb"`
}

// SchedulerSettings 调度器配置
type SchedulerSettings struct {
	TickSeconds      int `mapstructure:"tick_seconds"`
	JitterMaxSeconds int `mapstructure:"jitter_max_seconds"`
	MaxConcurrent    int `mapstructure:"max_concurrent"`
	RetentionDays    int `mapstructure:"retention_days"` // 遥测保留天数
}

// StorageSettings 存储配置
type StorageSettings struct {
	Path string `mapstructure:"path"` // SQLite数据库文件路径
}

// NotifySettings 通知配置
type NotifySettings struct {
	WebhookURL     string `mapstructure:"webhook_url"` // 空表示只写日志
	TimeoutSeconds int    `mapstructure:"timeout_seconds"`
}

// LoggingConfig 日志配置
type LoggingConfig struct {
	Level    string         `mapstructure:"level"`
	LogDir   string         `mapstructure:"log_dir"`
	Rotation RotationConfig `mapstructure:"rotation"`
}

// RotationConfig 日志轮转配置
type RotationConfig struct {
	MaxSize    int  `mapstructure:"max_size"`
	MaxBackups int  `mapstructure:"max_backups"`
	MaxAge     int  `mapstructure:"max_age"`
	Compress   bool `mapstructure:"compress"`
}

// LoadConfig 加载配置文件
func LoadConfig(configPath string) (*Config, error) {
	v := viper.New()

	// 设置配置文件
	if configPath != "" {
		// 使用指定的配置文件
		v.SetConfigFile(configPath)
	} else {
		// 搜索默认位置
		v.SetConfigName("config")
		v.SetConfigType("yaml")

		// 添加配置搜索路径
		v.AddConfigPath("./configs")
		v.AddConfigPath(".")

		// 用户主目录
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".websentinel"))
		}
	}

	// 设置默认值
	setDefaults(v)

	// 读取配置文件
	if err := v.ReadInConfig(); err != nil {
		// 如果配置文件不存在,使用默认值
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("读取配置文件失败: %w", err)
		}
		// 配置文件不存在,使用默认值
	}

	// 解析配置
	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("解析配置文件失败: %w", err)
	}

	return &config, nil
}

// setDefaults 设置默认配置值
func setDefaults(v *viper.Viper) {
	// 抓取配置默认值
	v.SetDefault("fetch.timeout_seconds", 20)
	v.SetDefault("fetch.max_redirects", 5)
	v.SetDefault("fetch.max_body_mb", 10)
	v.SetDefault("fetch.parallelism", 10)
	v.SetDefault("fetch.accept_language", "en-US,en;q=0.9")
	v.SetDefault("fetch.allow_private_hosts", false)

	// 渲染配置默认值
	v.SetDefault("render.ws_url", "")
	v.SetDefault("render.stealth", true)
	v.SetDefault("render.nav_timeout_seconds", 30)
	v.SetDefault("render.idle_window_ms", 300)
	v.SetDefault("render.settle_delay_ms", 2000)
	v.SetDefault("render.accept_language", "en-US")
	v.SetDefault("render.free_quota", 50)
	v.SetDefault("render.pro_quota", 500)
	v.SetDefault("render.power_quota", 2000)
	v.SetDefault("render.min_available_memory_mb", 256)

	// 调度配置默认值
	v.SetDefault("scheduler.tick_seconds", 60)
	v.SetDefault("scheduler.jitter_max_seconds", 30)
	v.SetDefault("scheduler.max_concurrent", 10)
	v.SetDefault("scheduler.retention_days", 30)

	// 存储配置默认值
	v.SetDefault("storage.path", "websentinel.db")

	// 通知配置默认值
	v.SetDefault("notify.webhook_url", "")
	v.SetDefault("notify.timeout_seconds", 10)

	// 暂停阈值默认值
	v.SetDefault("pause.free", 5)
	v.SetDefault("pause.pro", 10)
	v.SetDefault("pause.power", 20)

	// 日志配置默认值
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.log_dir", "logs")
	v.SetDefault("logging.rotation.max_size", 10)
	v.SetDefault("logging.rotation.max_backups", 3)
	v.SetDefault("logging.rotation.max_age", 28)
	v.SetDefault("logging.rotation.compress", true)
}

// FetchOptions 从配置装配抓取器参数
func (c *Config) FetchOptions() scraper.FetchConfig {
	fc := scraper.DefaultFetchConfig()
	if c.Fetch.TimeoutSeconds > 0 {
		fc.Timeout = time.Duration(c.Fetch.TimeoutSeconds) * time.Second
	}
	if c.Fetch.MaxRedirects > 0 {
		fc.MaxRedirects = c.Fetch.MaxRedirects
	}
	if c.Fetch.MaxBodyMB > 0 {
		fc.MaxBodySize = c.Fetch.MaxBodyMB * 1024 * 1024
	}
	if c.Fetch.Parallelism > 0 {
		fc.Parallelism = c.Fetch.Parallelism
	}
	if c.Fetch.UserAgent != "" {
		fc.UserAgent = c.Fetch.UserAgent
	}
	if c.Fetch.AcceptLanguage != "" {
		fc.AcceptLanguage = c.Fetch.AcceptLanguage
	}
	fc.CustomHeaders = c.Fetch.CustomHeaders
	fc.AllowPrivateHosts = c.Fetch.AllowPrivateHosts
	return fc
}

// RenderOptions 从配置装配渲染客户端参数
func (c *Config) RenderOptions() render.Config {
	rc := render.DefaultConfig(c.Render.WSURL)
	rc.Stealth = c.Render.Stealth
	if c.Render.NavTimeoutSeconds > 0 {
		rc.NavigationTimeout = time.Duration(c.Render.NavTimeoutSeconds) * time.Second
	}
	if c.Render.IdleWindowMs > 0 {
		rc.RequestIdleWindow = time.Duration(c.Render.IdleWindowMs) * time.Millisecond
	}
	if c.Render.SettleDelayMs > 0 {
		rc.SettleDelay = time.Duration(c.Render.SettleDelayMs) * time.Millisecond
	}
	if c.Render.UserAgent != "" {
		rc.UserAgent = c.Render.UserAgent
	}
	if c.Render.AcceptLanguage != "" {
		rc.AcceptLanguage = c.Render.AcceptLanguage
	}
	return rc
}

// CapacityOptions 从配置装配容量闸门参数
func (c *Config) CapacityOptions() render.CapacityConfig {
	cc := render.DefaultCapacityConfig()
	if c.Render.FreeQuota > 0 {
		cc.FreeQuota = c.Render.FreeQuota
	}
	if c.Render.ProQuota > 0 {
		cc.ProQuota = c.Render.ProQuota
	}
	if c.Render.PowerQuota > 0 {
		cc.PowerQuota = c.Render.PowerQuota
	}
	// 0是合法取值,表示关闭内存检查
	cc.MinAvailableMemory = uint64(c.Render.MinAvailableMemoryMB) * 1024 * 1024
	return cc
}

// LogOptions 从配置装配日志参数
func (c *Config) LogOptions() utils.LogConfig {
	lc := utils.DefaultLogConfig()
	if c.Logging.Level != "" {
		lc.Level = c.Logging.Level
	}
	if c.Logging.LogDir != "" {
		lc.LogDir = c.Logging.LogDir
	}
	if c.Logging.Rotation.MaxSize > 0 {
		lc.MaxSize = c.Logging.Rotation.MaxSize
	}
	if c.Logging.Rotation.MaxBackups > 0 {
		lc.MaxBackups = c.Logging.Rotation.MaxBackups
	}
	if c.Logging.Rotation.MaxAge > 0 {
		lc.MaxAge = c.Logging.Rotation.MaxAge
	}
	lc.Compress = c.Logging.Rotation.Compress
	return lc
}

// TickInterval 调度器tick间隔
func (c *Config) TickInterval() time.Duration {
	if c.Scheduler.TickSeconds <= 0 {
		return time.Minute
	}
	return time.Duration(c.Scheduler.TickSeconds) * time.Second
}

// JitterMax 调度抖动上限
func (c *Config) JitterMax() time.Duration {
	if c.Scheduler.JitterMaxSeconds < 0 {
		return 0
	}
	return time.Duration(c.Scheduler.JitterMaxSeconds) * time.Second
}

// TelemetryRetention 遥测保留窗口
func (c *Config) TelemetryRetention() time.Duration {
	days := c.Scheduler.RetentionDays
	if days <= 0 {
		days = 30
	}
	return time.Duration(days) * 24 * time.Hour
}

// MergeCLIFlags 合并命令行参数到配置
func (c *Config) MergeCLIFlags(
	wsURL string,
	dbPath string,
	logLevel string,
	maxConcurrent int,
	allowPrivateHosts bool,
) {
	// 命令行参数优先于配置文件
	if wsURL != "" {
		c.Render.WSURL = wsURL
	}
	if dbPath != "" {
		c.Storage.Path = dbPath
	}
	if logLevel != "" {
		c.Logging.Level = logLevel
	}
	if maxConcurrent > 0 {
		c.Scheduler.MaxConcurrent = maxConcurrent
	}
	if allowPrivateHosts {
		c.Fetch.AllowPrivateHosts = true
	}
}
