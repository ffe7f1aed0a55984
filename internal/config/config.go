package config

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/xiaopang/npcforge/internal/logger"
	"gopkg.in/yaml.v3"
)

// Config 应用配置
type Config struct {
	Server      ServerConfig      `yaml:"server" json:"server"`
	Database    DatabaseConfig    `yaml:"database" json:"database"`
	OpenAI      OpenAIConfig      `yaml:"openai" json:"openai"`
	Usage       UsageConfig       `yaml:"usage" json:"usage"`
	Admission   AdmissionConfig   `yaml:"admission" json:"admission"`
	Chat        ChatConfig        `yaml:"chat" json:"chat"`
	HealthCheck HealthCheckConfig `yaml:"health_check" json:"health_check"`
	Logging     LoggingConfig     `yaml:"logging" json:"logging"`
}

// ServerConfig 服务器配置
type ServerConfig struct {
	Host        string `yaml:"host" json:"host"`
	Port        int    `yaml:"port" json:"port"`
	APIKey      string `yaml:"api_key" json:"-"`
	AdminAPIKey string `yaml:"admin_api_key" json:"-"`
	WebDir      string `yaml:"web_dir" json:"web_dir"`
}

// DatabaseConfig 数据库配置
type DatabaseConfig struct {
	Path string `yaml:"path" json:"path"`
}

// OpenAIConfig 上游 AI 服务配置
type OpenAIConfig struct {
	BaseURL    string `yaml:"base_url" json:"base_url"`
	APIKey     string `yaml:"api_key" json:"-"`
	TextModel  string `yaml:"text_model" json:"text_model"`
	ImageModel string `yaml:"image_model" json:"image_model"`
	ImageSize  string `yaml:"image_size" json:"image_size"`
	Timeout    int    `yaml:"timeout" json:"timeout"` // 秒
}

// UsageConfig 月度用量配置
type UsageConfig struct {
	MonthlyLimit int            `yaml:"monthly_limit" json:"monthly_limit"`
	ModelLimits  map[string]int `yaml:"model_limits" json:"model_limits,omitempty"` // 按模型覆盖
	Enforce      *bool          `yaml:"enforce" json:"enforce"`                     // 达到上限时拒绝生成
	KeyPrefix    string         `yaml:"key_prefix" json:"key_prefix"`
}

// AdmissionConfig 准入过滤配置
type AdmissionConfig struct {
	WindowMs        int  `yaml:"window_ms" json:"window_ms"`
	MaxRequests     int  `yaml:"max_requests" json:"max_requests"`
	SweepIntervalMs int  `yaml:"sweep_interval_ms" json:"sweep_interval_ms"`
	Enforce         bool `yaml:"enforce" json:"enforce"` // 默认只记录不拦截
}

// ChatConfig 角色对话配置
type ChatConfig struct {
	HistoryLimit int `yaml:"history_limit" json:"history_limit"`
}

// HealthCheckConfig 健康检查配置
type HealthCheckConfig struct {
	Enabled          bool `yaml:"enabled" json:"enabled"`
	Interval         int  `yaml:"interval" json:"interval"`                   // 秒
	Timeout          int  `yaml:"timeout" json:"timeout"`                     // 秒
	FailureThreshold int  `yaml:"failure_threshold" json:"failure_threshold"` // 连续失败阈值
}

// LoggingConfig 日志配置
type LoggingConfig struct {
	Level           string `yaml:"level" json:"level"`
	File            string `yaml:"file" json:"file"`
	MaxSizeMB       int    `yaml:"max_size_mb" json:"max_size_mb"`
	MaxBackups      int    `yaml:"max_backups" json:"max_backups"`
	RetentionDays   int    `yaml:"retention_days" json:"retention_days"`
	CleanupSchedule string `yaml:"cleanup_schedule" json:"cleanup_schedule"`
}

// Default 返回默认配置
func Default() *Config {
	cfg := &Config{}
	setDefaults(cfg)
	return cfg
}

// Load 从文件加载配置，支持 ${ENV} 展开
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	cfg, err := Parse(data)
	if err != nil {
		return nil, err
	}

	// 支持通过 "auto" 自动生成 API Key（首次加载后落盘）
	if generated := maybeGenerateKeys(cfg); len(generated) > 0 {
		if err := saveGeneratedKeys(path, data, generated); err != nil {
			return nil, err
		}
	}

	return cfg, nil
}

// Parse 解析 YAML 内容并填充默认值
func Parse(data []byte) (*Config, error) {
	expanded := os.ExpandEnv(string(data))

	cfg := &Config{}
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	setDefaults(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate 校验配置
func (c *Config) Validate() error {
	var errs []error
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port out of range: %d", c.Server.Port))
	}
	if c.Usage.MonthlyLimit < 0 {
		errs = append(errs, fmt.Errorf("usage.monthly_limit must not be negative: %d", c.Usage.MonthlyLimit))
	}
	for m, l := range c.Usage.ModelLimits {
		if l < 0 {
			errs = append(errs, fmt.Errorf("usage.model_limits[%s] must not be negative: %d", m, l))
		}
	}
	if c.Admission.WindowMs < 0 || c.Admission.MaxRequests < 0 || c.Admission.SweepIntervalMs < 0 {
		errs = append(errs, errors.New("admission values must not be negative"))
	}
	if !logger.ValidLevel(c.Logging.Level) {
		errs = append(errs, fmt.Errorf("logging.level unknown: %q", c.Logging.Level))
	}
	return errors.Join(errs...)
}

// maybeGenerateKeys 替换值为 "auto" 的密钥，返回 server 段下被改写的字段
func maybeGenerateKeys(cfg *Config) map[string]string {
	generated := map[string]string{}

	if strings.EqualFold(strings.TrimSpace(cfg.Server.APIKey), "auto") {
		cfg.Server.APIKey = generateAPIKey("npcforge-user")
		generated["api_key"] = cfg.Server.APIKey
	}
	if strings.EqualFold(strings.TrimSpace(cfg.Server.AdminAPIKey), "auto") {
		cfg.Server.AdminAPIKey = generateAPIKey("npcforge-admin")
		generated["admin_api_key"] = cfg.Server.AdminAPIKey
	}

	return generated
}

// saveGeneratedKeys 在未展开的原始 YAML 上只改写生成的密钥，
// ${ENV} 占位符和注释原样保留
func saveGeneratedKeys(path string, raw []byte, generated map[string]string) error {
	var doc yaml.Node
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return fmt.Errorf("parse config: %w", err)
	}
	if doc.Kind != yaml.DocumentNode || len(doc.Content) == 0 || doc.Content[0].Kind != yaml.MappingNode {
		return errors.New("config root must be a mapping")
	}

	server := mappingChild(doc.Content[0], "server")
	fields := make([]string, 0, len(generated))
	for k := range generated {
		fields = append(fields, k)
	}
	sort.Strings(fields)
	for _, k := range fields {
		setScalar(server, k, generated[k])
	}

	out, err := yaml.Marshal(&doc)
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	if err := os.WriteFile(path, out, 0600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}

// mappingChild 返回 m 下 key 对应的映射节点，不存在时创建
func mappingChild(m *yaml.Node, key string) *yaml.Node {
	for i := 0; i+1 < len(m.Content); i += 2 {
		if m.Content[i].Value == key {
			v := m.Content[i+1]
			if v.Kind != yaml.MappingNode {
				*v = yaml.Node{Kind: yaml.MappingNode, Tag: "!!map"}
			}
			return v
		}
	}
	child := &yaml.Node{Kind: yaml.MappingNode, Tag: "!!map"}
	m.Content = append(m.Content, &yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: key}, child)
	return child
}

func setScalar(m *yaml.Node, key, value string) {
	for i := 0; i+1 < len(m.Content); i += 2 {
		if m.Content[i].Value == key {
			*m.Content[i+1] = yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: value}
			return
		}
	}
	m.Content = append(m.Content,
		&yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: key},
		&yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: value})
}

func generateAPIKey(prefix string) string {
	b := make([]byte, 18)
	if _, err := rand.Read(b); err != nil {
		return prefix + "-fallback-key"
	}
	return prefix + "-" + hex.EncodeToString(b)
}

// setDefaults 设置默认值
func setDefaults(cfg *Config) {
	if cfg.Server.Host == "" {
		cfg.Server.Host = "0.0.0.0"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 18090
	}
	if cfg.Database.Path == "" {
		cfg.Database.Path = "./data/npcforge.db"
	}
	if cfg.OpenAI.BaseURL == "" {
		cfg.OpenAI.BaseURL = "https://api.openai.com/v1"
	}
	cfg.OpenAI.BaseURL = strings.TrimRight(cfg.OpenAI.BaseURL, "/")
	if cfg.OpenAI.TextModel == "" {
		cfg.OpenAI.TextModel = "gpt-4o-mini"
	}
	if cfg.OpenAI.ImageModel == "" {
		cfg.OpenAI.ImageModel = "gpt-image-1"
	}
	if cfg.OpenAI.ImageSize == "" {
		cfg.OpenAI.ImageSize = "1024x1024"
	}
	if cfg.OpenAI.Timeout == 0 {
		cfg.OpenAI.Timeout = 120
	}
	if cfg.Usage.MonthlyLimit == 0 {
		cfg.Usage.MonthlyLimit = 15
	}
	if cfg.Usage.Enforce == nil {
		enforce := true
		cfg.Usage.Enforce = &enforce
	}
	if cfg.Admission.WindowMs == 0 {
		cfg.Admission.WindowMs = 60000
	}
	if cfg.Admission.MaxRequests == 0 {
		cfg.Admission.MaxRequests = 10
	}
	if cfg.Admission.SweepIntervalMs == 0 {
		cfg.Admission.SweepIntervalMs = 300000
	}
	if cfg.Chat.HistoryLimit == 0 {
		cfg.Chat.HistoryLimit = 20
	}
	if cfg.HealthCheck.Interval == 0 {
		cfg.HealthCheck.Interval = 300
	}
	if cfg.HealthCheck.Timeout == 0 {
		cfg.HealthCheck.Timeout = 10
	}
	if cfg.HealthCheck.FailureThreshold == 0 {
		cfg.HealthCheck.FailureThreshold = 3
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.MaxSizeMB == 0 {
		cfg.Logging.MaxSizeMB = 50
	}
	if cfg.Logging.MaxBackups == 0 {
		cfg.Logging.MaxBackups = 3
	}
	if cfg.Logging.RetentionDays == 0 {
		cfg.Logging.RetentionDays = 30
	}
	if cfg.Logging.CleanupSchedule == "" {
		cfg.Logging.CleanupSchedule = "0 3 * * *"
	}
}

// LimitFor 返回模型的月度上限
func (c *Config) LimitFor(modelID string) int {
	if l, ok := c.Usage.ModelLimits[modelID]; ok {
		return l
	}
	return c.Usage.MonthlyLimit
}

// TrackedModels 需要统计用量的模型：文本、图片模型在前，其余按名称排序
func (c *Config) TrackedModels() []string {
	seen := map[string]bool{}
	var models []string
	add := func(m string) {
		if m != "" && !seen[m] {
			seen[m] = true
			models = append(models, m)
		}
	}
	add(c.OpenAI.TextModel)
	add(c.OpenAI.ImageModel)

	extra := make([]string, 0, len(c.Usage.ModelLimits))
	for m := range c.Usage.ModelLimits {
		extra = append(extra, m)
	}
	sort.Strings(extra)
	for _, m := range extra {
		add(m)
	}
	return models
}

// UsageEnforced 达到月度上限时是否拒绝生成
func (c *Config) UsageEnforced() bool {
	return c.Usage.Enforce == nil || *c.Usage.Enforce
}

// AdmissionWindow 准入窗口
func (c *Config) AdmissionWindow() time.Duration {
	return time.Duration(c.Admission.WindowMs) * time.Millisecond
}

// AdmissionSweepInterval 准入清理周期
func (c *Config) AdmissionSweepInterval() time.Duration {
	return time.Duration(c.Admission.SweepIntervalMs) * time.Millisecond
}

// LoggerOptions 转换为 logger.Options
func (c *Config) LoggerOptions() logger.Options {
	return logger.Options{
		Level:      c.Logging.Level,
		File:       c.Logging.File,
		MaxSizeMB:  c.Logging.MaxSizeMB,
		MaxBackups: c.Logging.MaxBackups,
		MaxAgeDays: c.Logging.RetentionDays,
	}
}
